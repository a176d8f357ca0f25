package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/mkernel/internal/lineage"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Lot       string
	Direction string
	MaxDepth  int
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace a lot through recorded movements",
		Long: `Walk the movement graph from the links that carry a lot.

Forward lists the movements the lot flowed into, backward the movements
it came from. Depth 1 is the first hop; each movement is listed once at
its shallowest depth.

Examples:
  mkernel trace --org acme --user alice --lot L1
  mkernel trace --org acme --user alice --lot L2 --direction backward
  mkernel trace --org acme --user alice --lot L1 --max-depth 3 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Lot, "lot", "", "lot id to trace (required)")
	_ = cmd.MarkFlagRequired("lot")
	cmd.Flags().StringVar(&opts.Direction, "direction", string(lineage.Forward), "forward or backward")
	cmd.Flags().IntVar(&opts.MaxDepth, "max-depth", 0, "maximum depth (0 = configured trace_max_depth)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	dir, err := lineage.ParseDirection(opts.Direction)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --direction", err)
	}

	s, err := opts.openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.lineage.Trace(cmd.Context(), s.tenant, opts.Lot, dir, opts.MaxDepth)
	if err != nil {
		return s.failure("trace failed", err)
	}
	return s.out.Emit(res, func(w io.Writer) { writeTraceText(w, res) })
}

// writeTraceText renders a trace as a header and one row per movement.
func writeTraceText(w io.Writer, res lineage.Result) {
	fmt.Fprintf(w, "Lot %s", res.LotTrackingID)
	if res.TrackingNo != "" {
		fmt.Fprintf(w, " (%s)", res.TrackingNo)
	}
	if res.ItemID != "" {
		fmt.Fprintf(w, " item %s", res.ItemID)
	}
	fmt.Fprintf(w, ", %s\n", res.Direction)

	if len(res.AffectedMovements) == 0 {
		fmt.Fprintln(w, "No movements reached.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEPTH\tMOVEMENT\tQTY\tTYPE")
		for _, a := range res.AffectedMovements {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", a.Depth, a.MovementID, a.Qty, a.TraceType)
		}
		tw.Flush()
	}

	fmt.Fprintf(w, "Total affected: %d", res.TotalAffected)
	if res.Truncated {
		fmt.Fprint(w, " (truncated by max depth)")
	}
	fmt.Fprintln(w)
}
