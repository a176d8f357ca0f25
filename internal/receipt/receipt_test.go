package receipt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mkernel/internal/errcode"
)

var head = Header{
	RequestID:  "req-1",
	MutationID: "mut-1",
	EntityType: "item",
	EntityID:   "item-1",
}

func TestEncode_WireShapes(t *testing.T) {
	tests := []struct {
		name string
		in   Receipt
		want string
	}{
		{
			name: "ok",
			in:   Ok{Header: head, VersionBefore: 3, VersionAfter: 4, AuditLogID: "aud-1"},
			want: `{"requestId":"req-1","mutationId":"mut-1","entityType":"item","entityId":"item-1","status":"ok","versionBefore":3,"versionAfter":4,"auditLogId":"aud-1"}`,
		},
		{
			name: "rejected",
			in:   Rejected{Header: head, ErrorID: "err-1", Code: errcode.ExpectedVersionMismatch},
			want: `{"requestId":"req-1","mutationId":"mut-1","entityType":"item","entityId":"item-1","status":"rejected","versionBefore":null,"versionAfter":null,"auditLogId":null,"errorId":"err-1","errorCode":"EXPECTED_VERSION_MISMATCH","isClientFault":true,"retryable":false}`,
		},
		{
			name: "error with batch and backoff",
			in: Error{
				Header:     Header{RequestID: "req-2", MutationID: "mut-2", BatchID: "b-1", EntityType: "lot", EntityID: "lot-9"},
				ErrorID:    "err-2",
				Code:       errcode.OutboxWriteFailed,
				Retryable:  true,
				RetryAfter: 250 * time.Millisecond,
			},
			want: `{"requestId":"req-2","mutationId":"mut-2","batchId":"b-1","entityType":"lot","entityId":"lot-9","status":"error","versionBefore":null,"versionAfter":null,"auditLogId":null,"errorId":"err-2","errorCode":"OUTBOX_WRITE_FAILED","isClientFault":false,"retryable":true,"retryAfterMs":250}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))

			back, err := Decode(got)
			require.NoError(t, err)
			assert.Equal(t, tt.in, back)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown status":          `{"mutationId":"m","entityType":"x","entityId":"1","status":"maybe"}`,
		"unregistered code":       `{"mutationId":"m","entityType":"x","entityId":"1","status":"rejected","errorCode":"TEAPOT"}`,
		"server code as rejected": `{"mutationId":"m","entityType":"x","entityId":"1","status":"rejected","errorCode":"INTERNAL"}`,
		"client code as error":    `{"mutationId":"m","entityType":"x","entityId":"1","status":"error","errorCode":"NOT_FOUND"}`,
		"ok without versions":     `{"mutationId":"m","entityType":"x","entityId":"1","status":"ok"}`,
		"unknown field":           `{"mutationId":"m","entityType":"x","entityId":"1","status":"ok","versionBefore":0,"versionAfter":1,"auditLogId":"a","extra":1}`,
		"missing mutation id":     `{"entityType":"x","entityId":"1","status":"ok","versionBefore":0,"versionAfter":1,"auditLogId":"a"}`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			require.Error(t, err)
		})
	}
}

func TestForCode(t *testing.T) {
	r := ForCode(head, "e1", errcode.FKConstraint, 0)
	rj, ok := r.(Rejected)
	require.True(t, ok)
	assert.Equal(t, errcode.FKConstraint, rj.Code)

	r = ForCode(head, "e2", errcode.ConflictRetry, time.Second)
	e, ok := r.(Error)
	require.True(t, ok)
	assert.True(t, e.Retryable)
	assert.Equal(t, time.Second, e.RetryAfter)

	r = ForCode(head, "e3", errcode.Internal, 0)
	e, ok = r.(Error)
	require.True(t, ok)
	assert.False(t, e.Retryable)
}

func TestMatchAndCode(t *testing.T) {
	assert.Equal(t, errcode.Code(""), Code(Ok{Header: head}))
	assert.Equal(t, errcode.NotFound, Code(Rejected{Header: head, Code: errcode.NotFound}))
	assert.Equal(t, errcode.Internal, Code(Error{Header: head, Code: errcode.Internal}))

	assert.Panics(t, func() { Code(nil) })
}

func TestEqual(t *testing.T) {
	a := Ok{Header: head, VersionBefore: 1, VersionAfter: 2, AuditLogID: "x"}
	b := Ok{Header: head, VersionBefore: 1, VersionAfter: 2, AuditLogID: "x"}
	c := Ok{Header: head, VersionBefore: 1, VersionAfter: 2, AuditLogID: "y"}
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}

type countingVisitor struct{ ok, rejected, failed int }

func (c *countingVisitor) VisitOk(Ok)             { c.ok++ }
func (c *countingVisitor) VisitRejected(Rejected) { c.rejected++ }
func (c *countingVisitor) VisitError(Error)       { c.failed++ }

func TestVisit(t *testing.T) {
	v := &countingVisitor{}
	Visit(Ok{Header: head}, v)
	Visit(Rejected{Header: head, Code: errcode.Validation}, v)
	Visit(Error{Header: head, Code: errcode.Internal}, v)
	Visit(Error{Header: head, Code: errcode.ConflictRetry, Retryable: true}, v)
	assert.Equal(t, countingVisitor{ok: 1, rejected: 1, failed: 2}, *v)
}
