package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/receipt"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Rejected or failed mutation, failed scenario, check findings
	ExitCommandError = 2 // Command error (bad flags, unreadable files, database not reachable)
)

// ExitError carries the exit code a command wants the process to end with.
type ExitError struct {
	Code    int
	Message string
	Err     error // optional
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// A nil error is ExitSuccess; any other non-ExitError is ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"` // a registered errcode, or CLI_ERROR
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// CodeCLI marks failures of the command itself rather than of the kernel.
const CodeCLI = "CLI_ERROR"

// JSON reports whether the formatter emits the JSON envelope.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Emit writes data inside the JSON envelope, or calls text for text output.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.JSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Success outputs data in the configured format; text output prints it with %v.
func (f *OutputFormatter) Success(data any) error {
	return f.Emit(data, func(w io.Writer) { fmt.Fprintln(w, data) })
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.JSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// It writes to ErrWriter so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Receipt prints a mutation receipt. The JSON form embeds the encoded wire
// receipt unchanged so replays print byte-identical data.
func (f *OutputFormatter) Receipt(encoded []byte, r receipt.Receipt, replayed bool, conflict errcode.Code) error {
	type receiptOutput struct {
		Receipt  json.RawMessage `json:"receipt"`
		Replayed bool            `json:"replayed"`
		Conflict errcode.Code    `json:"conflict,omitempty"`
	}
	data := receiptOutput{Receipt: encoded, Replayed: replayed, Conflict: conflict}
	return f.Emit(data, func(w io.Writer) {
		receipt.Visit(r, receiptPrinter{w: w})
		if replayed {
			fmt.Fprintln(w, "  (replayed from idempotency ledger)")
		}
		if conflict != "" {
			fmt.Fprintf(w, "  conflict: %s (key was first used for a different request)\n", conflict)
		}
	})
}

// receiptPrinter renders each receipt variant as text.
type receiptPrinter struct {
	w io.Writer
}

func (p receiptPrinter) VisitOk(r receipt.Ok) {
	fmt.Fprintf(p.w, "ok %s/%s v%d -> v%d\n", r.EntityType, r.EntityID, r.VersionBefore, r.VersionAfter)
	fmt.Fprintf(p.w, "  mutation: %s\n  audit:    %s\n", r.MutationID, r.AuditLogID)
}

func (p receiptPrinter) VisitRejected(r receipt.Rejected) {
	fmt.Fprintf(p.w, "rejected %s/%s: %s\n", r.EntityType, r.EntityID, r.Code)
	fmt.Fprintf(p.w, "  error id: %s\n", r.ErrorID)
}

func (p receiptPrinter) VisitError(r receipt.Error) {
	fmt.Fprintf(p.w, "error %s/%s: %s\n", r.EntityType, r.EntityID, r.Code)
	fmt.Fprintf(p.w, "  error id: %s\n", r.ErrorID)
	if r.Retryable {
		fmt.Fprintf(p.w, "  retryable after %s\n", r.RetryAfter)
	}
}

// receiptExit maps a receipt to the command's result: nil for Ok,
// ExitFailure otherwise.
func receiptExit(r receipt.Receipt) error {
	if r.Status() == receipt.StatusOk {
		return nil
	}
	return NewExitError(ExitFailure, fmt.Sprintf("mutation %s: %s", r.Status(), receipt.Code(r)))
}
