package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mkernel/internal/lineage"
	"github.com/roach88/mkernel/internal/receipt"
)

// RecallOptions holds flags for the recall command.
type RecallOptions struct {
	*RootOptions
	Lot      string
	Key      string
	Reason   string
	MaxDepth int
}

// NewRecallCommand creates the recall command.
func NewRecallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Recall a lot and report every movement it reached",
		Long: `Trace a lot forward and mark it recalled.

The status change is an ordinary audited mutation: running the command
again with the same --key prints the original receipt.

Exit codes:
  0 - Lot marked recalled (or replayed)
  1 - Status change rejected or failed (e.g. unknown lot)
  2 - Command error

Examples:
  mkernel recall --org acme --user alice --lot L1 --key recall-L1 --reason "supplier notice"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecall(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Lot, "lot", "", "lot id to recall (required)")
	_ = cmd.MarkFlagRequired("lot")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded on the audit entry")
	cmd.Flags().IntVar(&opts.MaxDepth, "max-depth", 0, "maximum trace depth (0 = configured trace_max_depth)")

	return cmd
}

func runRecall(opts *RecallOptions, cmd *cobra.Command) error {
	s, err := opts.openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.lineage.Recall(cmd.Context(), s.tenant, opts.Lot, lineage.RecallRequest{
		IdempotencyKey: opts.Key,
		Reason:         opts.Reason,
		MaxDepth:       opts.MaxDepth,
	})
	if err != nil {
		return s.failure("recall failed", err)
	}

	err = s.out.Emit(res, func(w io.Writer) {
		writeTraceText(w, res.Trace)
		fmt.Fprintln(w)
		receipt.Visit(res.Receipt, receiptPrinter{w: w})
		if res.Replayed {
			fmt.Fprintln(w, "  (replayed from idempotency ledger)")
		}
	})
	if err != nil {
		return err
	}
	return receiptExit(res.Receipt)
}
