package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Apply the schema for the configured driver.

Migrations are idempotent; every other command applies them too, so this
is mostly useful for provisioning a database ahead of time.

Examples:
  mkernel migrate --db ./mkernel.db
  mkernel migrate --driver pgx --db postgres://app@localhost/mkernel`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()

			version, err := s.store.SchemaVersion(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read schema version", err)
			}
			data := map[string]any{
				"driver":        s.cfg.Driver,
				"schemaVersion": version,
			}
			return s.out.Emit(data, func(w io.Writer) {
				fmt.Fprintf(w, "Schema at version %d (%s)\n", version, s.cfg.Driver)
			})
		},
	}
}
