package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mkernel/internal/isolation"
	"github.com/roach88/mkernel/internal/lint"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Root     string
	SkipLint bool
}

// CheckResult is the combined static check outcome.
type CheckResult struct {
	Isolation isolation.Report `json:"isolation"`
	Findings  []lint.Finding   `json:"findings"`
	Pass      bool             `json:"pass"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the static tenant-isolation and error-code checks",
		Long: `Verify that tenant isolation cannot be bypassed by construction.

The embedded schemas of every dialect are checked: each table carries
tenant_id, is read through a scoped_ view and is write-guarded (triggers
on SQLite, forced row level security on Postgres) unless it is listed
in the exemption file. The Go sources under --root are then scanned for
string literals typed as error codes and for store queries that read an
isolated table directly.

Exit codes:
  0 - No violations
  1 - Violations found
  2 - Command error (packages failed to load, bad exemption file)

Examples:
  mkernel check
  mkernel check --root ./ --format json
  mkernel check --skip-lint`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Root, "root", ".", "module root to scan")
	cmd.Flags().BoolVar(&opts.SkipLint, "skip-lint", false, "check the schemas only")

	return cmd
}

func runCheck(opts *CheckOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	report, err := isolation.CheckStore()
	if err != nil {
		return WrapExitError(ExitCommandError, "isolation check failed", err)
	}
	result := CheckResult{Isolation: report, Findings: []lint.Finding{}}

	if !opts.SkipLint {
		out.VerboseLog("scanning packages under %s", opts.Root)
		findings, err := lint.Run(cmd.Context(), lint.Options{Dir: opts.Root})
		if err != nil {
			return WrapExitError(ExitCommandError, "lint failed", err)
		}
		if findings != nil {
			result.Findings = findings
		}
	}
	result.Pass = report.OK() && len(result.Findings) == 0

	err = out.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Isolation: %d tables isolated, %d exempted\n",
			len(report.Isolated), len(report.Exempted))
		for _, v := range report.Violations {
			fmt.Fprintf(w, "  FAIL %s\n", v)
		}
		if !opts.SkipLint {
			fmt.Fprintf(w, "Lint: %d findings\n", len(result.Findings))
			for _, f := range result.Findings {
				fmt.Fprintf(w, "  %s\n", f)
			}
		}
		if result.Pass {
			fmt.Fprintln(w, "OK")
		}
	})
	if err != nil {
		return err
	}
	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("check failed: %d violations, %d findings",
			len(report.Violations), len(result.Findings)))
	}
	return nil
}
