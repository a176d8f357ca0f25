package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/kernel"
)

// CommitOptions holds flags for the commit command.
type CommitOptions struct {
	*RootOptions
	File string
	Key  string // overrides idempotency_key from the file
}

// intentFile is the on-disk form of a mutation intent. JSON is accepted too.
type intentFile struct {
	Action          string         `yaml:"action"`
	EntityType      string         `yaml:"entity_type"`
	EntityID        string         `yaml:"entity_id"`
	Payload         map[string]any `yaml:"payload"`
	IdempotencyKey  string         `yaml:"idempotency_key"`
	ExpectedVersion *int64         `yaml:"expected_version"`
	Reason          string         `yaml:"reason"`
	ActorName       string         `yaml:"actor_name"`
	Metadata        map[string]any `yaml:"metadata"`
	BatchID         string         `yaml:"batch_id"`
	RequestID       string         `yaml:"request_id"`
}

// NewCommitCommand creates the commit command.
func NewCommitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CommitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit one mutation intent",
		Long: `Commit a mutation intent read from a YAML or JSON file.

The intent is validated, checked against the idempotency ledger and the
expected version, applied, audited and queued on the outbox in one
transaction. The receipt is printed; retrying with the same idempotency
key prints the original receipt again.

Exit codes:
  0 - Receipt status ok
  1 - Receipt status rejected or error
  2 - Command error (unreadable file, bad intent, database not reachable)

Examples:
  mkernel commit --org acme --user alice --file intent.yaml
  cat intent.json | mkernel commit --org acme --user alice --file -
  mkernel commit --org acme --user alice --file intent.yaml --key retry-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommit(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "intent file, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (overrides the file)")

	return cmd
}

func runCommit(opts *CommitOptions, cmd *cobra.Command) error {
	data, err := readInput(cmd, opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read intent", err)
	}
	in, err := parseIntent(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid intent file", err)
	}
	if opts.Key != "" {
		in.IdempotencyKey = opts.Key
	}

	s, err := opts.openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	res := s.kernel.Commit(cmd.Context(), s.tenant, in)
	if err := s.out.Receipt(res.Encoded, res.Receipt, res.Replayed, res.Conflict); err != nil {
		return err
	}
	return receiptExit(res.Receipt)
}

// parseIntent decodes an intent file. Unknown fields are errors.
func parseIntent(data []byte) (kernel.Intent, error) {
	var f intentFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return kernel.Intent{}, err
	}

	payload, err := canon.ObjectFromAny(f.Payload)
	if err != nil {
		return kernel.Intent{}, fmt.Errorf("payload: %w", err)
	}
	var metadata canon.Object
	if f.Metadata != nil {
		if metadata, err = canon.ObjectFromAny(f.Metadata); err != nil {
			return kernel.Intent{}, fmt.Errorf("metadata: %w", err)
		}
	}

	return kernel.Intent{
		Action:          kernel.Action(f.Action),
		EntityType:      f.EntityType,
		EntityID:        f.EntityID,
		Payload:         payload,
		IdempotencyKey:  f.IdempotencyKey,
		ExpectedVersion: f.ExpectedVersion,
		Reason:          f.Reason,
		ActorName:       f.ActorName,
		Metadata:        metadata,
		BatchID:         f.BatchID,
		RequestID:       f.RequestID,
	}, nil
}

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
