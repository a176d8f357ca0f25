package cli

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/roach88/mkernel/internal/lineage"
)

func TestWriteTraceText_Golden(t *testing.T) {
	res := lineage.Result{
		LotTrackingID: "L1",
		TrackingNo:    "TRK-001",
		ItemID:        "flour",
		Direction:     lineage.Forward,
		AffectedMovements: []lineage.Affected{
			{MovementID: "M2", Qty: decimal.RequireFromString("10"), TraceType: "transfer", Depth: 1},
			{MovementID: "M3", Qty: decimal.RequireFromString("2.5"), TraceType: "production", Depth: 2},
		},
		TotalAffected: 2,
	}

	buf := &bytes.Buffer{}
	writeTraceText(buf, res)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "trace_forward", buf.Bytes())
}

func TestWriteTraceText_EmptyAndTruncated(t *testing.T) {
	buf := &bytes.Buffer{}
	writeTraceText(buf, lineage.Result{LotTrackingID: "L9", Direction: lineage.Backward})
	assert.Equal(t, "Lot L9, backward\nNo movements reached.\nTotal affected: 0\n", buf.String())

	buf.Reset()
	writeTraceText(buf, lineage.Result{
		LotTrackingID:     "L1",
		Direction:         lineage.Forward,
		AffectedMovements: []lineage.Affected{{MovementID: "M2", Qty: decimal.NewFromInt(1), Depth: 1}},
		TotalAffected:     1,
		Truncated:         true,
	})
	assert.Contains(t, buf.String(), "Total affected: 1 (truncated by max depth)\n")
}
