package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Purge expired idempotency records",
		Long: `Delete the tenant's idempotency records whose TTL has passed.

A purged key is treated as never seen: reusing it executes the request
again.

Examples:
  mkernel gc --org acme --user ops`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.openSession(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.kernel.PurgeExpired(cmd.Context(), s.tenant)
			if err != nil {
				return s.failure("failed to purge idempotency records", err)
			}
			return s.out.Emit(map[string]int64{"purged": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Purged %d expired idempotency records.\n", n)
			})
		},
	}
}
