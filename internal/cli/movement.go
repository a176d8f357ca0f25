package cli

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/mkernel/internal/lineage"
)

// movementFile is the on-disk form of a movement and its inbound links.
type movementFile struct {
	lineage.MovementInput `yaml:",inline"`
	Links                 []lineage.LinkInput `yaml:"links"`
}

type movementOutput struct {
	MovementID string    `json:"movementId"`
	ItemID     string    `json:"itemId"`
	LotID      string    `json:"lotId,omitempty"`
	Qty        string    `json:"qty"`
	Kind       string    `json:"kind"`
	Links      int       `json:"links"`
	RecordedAt time.Time `json:"recordedAt"`
}

// NewMovementCommand creates the movement command group.
func NewMovementCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "movement",
		Short: "Record inventory movements",
	}
	cmd.AddCommand(newMovementRecordCommand(rootOpts))
	return cmd
}

func newMovementRecordCommand(opts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a movement and the links that feed it",
		Long: `Record one movement read from a YAML or JSON file.

Each link names an earlier movement ("from") and the lot it carried into
this one. Quantities are decimal strings.

  movement_id: M2
  item_id: flour
  qty: "10"
  kind: transfer
  links:
    - { from: M1, lot_id: L1, qty: "10" }

Examples:
  mkernel movement record --org acme --user alice --file m2.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read movement", err)
			}
			var mf movementFile
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(&mf); err != nil {
				return WrapExitError(ExitCommandError, "invalid movement file", err)
			}

			s, err := opts.openSession(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			mv, err := s.lineage.Record(cmd.Context(), s.tenant, mf.MovementInput, mf.Links)
			if err != nil {
				return s.failure("failed to record movement", err)
			}
			out := movementOutput{
				MovementID: mv.MovementID,
				ItemID:     mv.ItemID,
				LotID:      mv.LotID,
				Qty:        mv.Qty,
				Kind:       mv.Kind,
				Links:      len(mf.Links),
				RecordedAt: mv.RecordedAt,
			}
			return s.out.Emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "recorded %s: %s %s of %s (%d links)\n",
					mv.MovementID, mv.Kind, mv.Qty, mv.ItemID, len(mf.Links))
				fmt.Fprintf(w, "  at: %s\n", mv.RecordedAt.Format(time.RFC3339Nano))
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "movement file, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
