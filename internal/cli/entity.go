package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mkernel/internal/canon"
)

// NewEntityCommand creates the entity command group.
func NewEntityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Read entities",
	}
	cmd.AddCommand(newEntityGetCommand(rootOpts))
	return cmd
}

func newEntityGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity-type> <entity-id>",
		Short: "Show an entity's current version, status and state",
		Long: `Show one entity of the tenant.

Examples:
  mkernel entity get --org acme --user alice item item-1
  mkernel entity get --org acme --user alice lot L1 --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			view, err := s.kernel.Get(cmd.Context(), s.tenant, args[0], args[1])
			if err != nil {
				return s.failure("failed to read entity", err)
			}
			return s.out.Emit(view, func(w io.Writer) {
				fmt.Fprintf(w, "%s/%s v%d [%s]\n", view.EntityType, view.EntityID, view.Version, view.Status)
				fmt.Fprintf(w, "  updated: %s\n", view.UpdatedAt.Format(time.RFC3339Nano))
				fmt.Fprintf(w, "  state:   %s\n", canon.MustMarshal(view.State))
			})
		},
	}
}
