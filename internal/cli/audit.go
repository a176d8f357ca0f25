package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mkernel/internal/audit"
	"github.com/roach88/mkernel/internal/canon"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	EntityType string
	EntityID   string
	ActorID    string
	Since      string
	Until      string
	Limit      int
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		Long: `List the tenant's audit entries, oldest first.

Every applied mutation has exactly one entry holding the before and after
snapshots and the changed fields.

Examples:
  mkernel audit --org acme --user alice --type item --id item-1
  mkernel audit --org acme --user alice --actor bob --since 2026-01-01T00:00:00Z
  mkernel audit --org acme --user alice --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EntityType, "type", "", "filter by entity type")
	cmd.Flags().StringVar(&opts.EntityID, "id", "", "filter by entity id")
	cmd.Flags().StringVar(&opts.ActorID, "actor", "", "filter by acting user id")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only entries at or after this RFC 3339 time")
	cmd.Flags().StringVar(&opts.Until, "until", "", "only entries before this RFC 3339 time")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entries (0 = no limit)")

	return cmd
}

func runAudit(opts *AuditOptions, cmd *cobra.Command) error {
	filter := audit.Filter{
		EntityType: opts.EntityType,
		EntityID:   opts.EntityID,
		ActorID:    opts.ActorID,
		Limit:      opts.Limit,
	}
	var err error
	if filter.Since, err = parseTimeFlag("since", opts.Since); err != nil {
		return err
	}
	if filter.Until, err = parseTimeFlag("until", opts.Until); err != nil {
		return err
	}

	s, err := opts.openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.kernel.History(cmd.Context(), s.tenant, filter)
	if err != nil {
		return s.failure("failed to query audit trail", err)
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	return s.out.Emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No audit entries.")
			return
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s %s %s/%s v%d -> v%d by %s\n",
				e.CreatedAt.Format(time.RFC3339Nano), e.Action,
				e.EntityType, e.EntityID, e.VersionBefore, e.VersionAfter, e.ActorID)
			if e.Reason != "" {
				fmt.Fprintf(w, "  reason: %s\n", e.Reason)
			}
			if len(e.Diff) > 0 {
				fmt.Fprintf(w, "  diff:   %s\n", canon.MustMarshal(e.Diff))
			}
		}
	})
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid --%s", name), err)
	}
	return t, nil
}
