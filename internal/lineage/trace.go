package lineage

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/tenant"
)

// Direction selects which way links are followed.
type Direction string

const (
	// Forward follows links from source to destination (where did it go?).
	Forward Direction = "forward"
	// Backward follows links from destination to source (where did it come from?).
	Backward Direction = "backward"
)

// ParseDirection accepts "forward" and "backward".
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Forward, Backward:
		return d, nil
	}
	return "", errcode.New(errcode.Validation, "unknown trace direction %q", s)
}

// DefaultMaxDepth bounds a trace when the caller passes no limit.
const DefaultMaxDepth = 20

// LotEntityType is the entity type lots are stored under.
// A lot's state carries tracking_no and item_id.
const LotEntityType = "lot"

// Affected is one movement reached by a trace.
// Qty and TraceType come from the link the movement was first reached by.
type Affected struct {
	MovementID string          `json:"movementId"`
	Qty        decimal.Decimal `json:"qty"`
	TraceType  string          `json:"traceType"`
	Depth      int             `json:"depth"`
}

// Result is a finished trace. AffectedMovements is ordered by depth, then id.
type Result struct {
	LotTrackingID     string     `json:"lotTrackingId"`
	TrackingNo        string     `json:"trackingNo"`
	ItemID            string     `json:"itemId"`
	Direction         Direction  `json:"direction"`
	AffectedMovements []Affected `json:"affectedMovements"`
	TotalAffected     int        `json:"totalAffected"`
	// Truncated is set when maxDepth stopped the walk with movements left undiscovered.
	Truncated bool `json:"truncated"`
}

// Trace walks the movement graph from the links carrying lotID.
//
// The links of the lot form depth 1: forward reports their destinations,
// backward their sources. The lot's own origin movement is not reported.
// Each further level is one batched query over the previous level's
// movements. A movement is reported once, at the shallowest depth it is
// reached. The walk stops when a level is empty or the next level would be
// deeper than maxDepth.
func Trace(ctx context.Context, tx *store.Tx, tc tenant.Context, lotID string, dir Direction, maxDepth int) (Result, error) {
	if err := tx.Require(tc); err != nil {
		return Result{}, err
	}
	if lotID == "" {
		return Result{}, errcode.New(errcode.Validation, "lot id is required")
	}
	if _, err := ParseDirection(string(dir)); err != nil {
		return Result{}, err
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	res := Result{LotTrackingID: lotID, Direction: dir, AffectedMovements: []Affected{}}
	if err := describeLot(ctx, tx, lotID, &res); err != nil {
		return Result{}, err
	}

	seed, err := tx.LinksByLot(ctx, lotID)
	if err != nil {
		return Result{}, fmt.Errorf("trace %s: %w", lotID, err)
	}

	w := walker{dir: dir, visited: make(map[string]bool)}
	frontier, err := w.visit(seed, 1)
	if err != nil {
		return Result{}, err
	}
	for depth := 1; len(frontier) > 0; depth++ {
		links, err := w.next(ctx, tx, frontier)
		if err != nil {
			return Result{}, fmt.Errorf("trace %s depth %d: %w", lotID, depth+1, err)
		}
		if depth+1 > maxDepth {
			res.Truncated = w.undiscovered(links)
			break
		}
		if frontier, err = w.visit(links, depth+1); err != nil {
			return Result{}, err
		}
	}

	slices.SortFunc(w.found, func(a, b Affected) int {
		if c := cmp.Compare(a.Depth, b.Depth); c != 0 {
			return c
		}
		return cmp.Compare(a.MovementID, b.MovementID)
	})
	res.AffectedMovements = append(res.AffectedMovements, w.found...)
	res.TotalAffected = len(w.found)
	return res, nil
}

type walker struct {
	dir     Direction
	visited map[string]bool
	found   []Affected
}

func (w *walker) endpoint(l store.MovementLink) string {
	if w.dir == Backward {
		return l.FromMovementID
	}
	return l.ToMovementID
}

func (w *walker) next(ctx context.Context, tx *store.Tx, frontier []string) ([]store.MovementLink, error) {
	if w.dir == Backward {
		return tx.LinksTo(ctx, frontier)
	}
	return tx.LinksFrom(ctx, frontier)
}

// visit records the unvisited endpoints of links at depth and returns them
// as the next frontier.
func (w *walker) visit(links []store.MovementLink, depth int) ([]string, error) {
	var frontier []string
	for _, l := range links {
		id := w.endpoint(l)
		if w.visited[id] {
			continue
		}
		qty, err := decimal.NewFromString(l.Qty)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, err, "link "+l.ID+" has a corrupt quantity")
		}
		w.visited[id] = true
		w.found = append(w.found, Affected{MovementID: id, Qty: qty, TraceType: l.LinkType, Depth: depth})
		frontier = append(frontier, id)
	}
	return frontier, nil
}

func (w *walker) undiscovered(links []store.MovementLink) bool {
	for _, l := range links {
		if !w.visited[w.endpoint(l)] {
			return true
		}
	}
	return false
}

// describeLot fills tracking number and item from the lot entity, if one exists.
func describeLot(ctx context.Context, tx *store.Tx, lotID string, res *Result) error {
	e, found, err := tx.GetEntity(ctx, LotEntityType, lotID)
	if err != nil {
		return fmt.Errorf("read lot %s: %w", lotID, err)
	}
	if !found {
		return nil
	}
	state, err := canon.ParseObject(e.State)
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "lot "+lotID+" has corrupt state")
	}
	res.TrackingNo = state.Str("tracking_no")
	res.ItemID = state.Str("item_id")
	return nil
}
