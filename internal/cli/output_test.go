package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/receipt"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "success"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	details := map[string]string{"entity": "item/item-1"}
	require.NoError(t, formatter.Error(string(errcode.NotFound), "entity not found", details))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "entity not found", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(CodeCLI, "bad flag", "hidden"))
	assert.Equal(t, "Error [CLI_ERROR]: bad flag\n", buf.String())

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error(CodeCLI, "bad flag", "shown"))
	assert.Contains(t, buf.String(), "Details: shown")
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	diag := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}

	formatter.VerboseLog("hidden %d", 1)
	assert.Empty(t, diag.String())

	formatter.Verbose = true
	formatter.VerboseLog("shown %d", 2)
	assert.Equal(t, "shown 2\n", diag.String())
	assert.Empty(t, out.String())
}

func TestOutputFormatter_ReceiptText(t *testing.T) {
	h := receipt.Header{MutationID: "mut-1", EntityType: "item", EntityID: "item-1"}

	tests := []struct {
		name     string
		r        receipt.Receipt
		replayed bool
		conflict errcode.Code
		want     []string
	}{
		{
			name: "ok",
			r:    receipt.Ok{Header: h, VersionBefore: 1, VersionAfter: 2, AuditLogID: "aud-1"},
			want: []string{"ok item/item-1 v1 -> v2", "audit:    aud-1"},
		},
		{
			name:     "replayed conflict",
			r:        receipt.Ok{Header: h, VersionAfter: 1},
			replayed: true,
			conflict: errcode.IdempotencyKeyReuse,
			want:     []string{"(replayed from idempotency ledger)", "conflict: IDEMPOTENCY_KEY_REUSE_CONFLICT"},
		},
		{
			name: "rejected",
			r:    receipt.Rejected{Header: h, ErrorID: "err-1", Code: errcode.ExpectedVersionMismatch},
			want: []string{"rejected item/item-1: EXPECTED_VERSION_MISMATCH", "error id: err-1"},
		},
		{
			name: "retryable error",
			r:    receipt.Error{Header: h, ErrorID: "err-2", Code: errcode.ConflictRetry, Retryable: true, RetryAfter: time.Second},
			want: []string{"error item/item-1: CONFLICT_RETRY", "retryable after 1s"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf}
			require.NoError(t, formatter.Receipt(nil, tt.r, tt.replayed, tt.conflict))
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

func TestOutputFormatter_ReceiptJSONKeepsEncodedBytes(t *testing.T) {
	r := receipt.Ok{Header: receipt.Header{EntityType: "item", EntityID: "item-1"}, VersionAfter: 1}
	encoded, err := receipt.Encode(r)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, formatter.Receipt(encoded, r, true, ""))

	var resp struct {
		Data struct {
			Receipt  json.RawMessage `json:"receipt"`
			Replayed bool            `json:"replayed"`
			Conflict *string         `json:"conflict"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.JSONEq(t, string(encoded), string(resp.Data.Receipt))
	assert.True(t, resp.Data.Replayed)
	assert.Nil(t, resp.Data.Conflict)
}

func TestReceiptExit(t *testing.T) {
	assert.NoError(t, receiptExit(receipt.Ok{}))

	err := receiptExit(receipt.Rejected{Code: errcode.NotFound})
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestExitError(t *testing.T) {
	assert.Equal(t, "failed", NewExitError(ExitFailure, "failed").Error())

	cause := errors.New("no such file")
	wrapped := WrapExitError(ExitCommandError, "failed to read intent", cause)
	assert.Equal(t, "failed to read intent: no such file", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "bad"))))
}
