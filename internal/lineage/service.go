package lineage

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/kernel"
	"github.com/roach88/mkernel/internal/receipt"
	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/telemetry"
	"github.com/roach88/mkernel/internal/tenant"
)

// StatusRecalled is the lot status set by Recall.
const StatusRecalled = "recalled"

// Service runs traces and recalls against a kernel's store.
type Service struct {
	kernel   *kernel.Kernel
	store    *store.Store
	recorder *Recorder
	maxDepth int
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithMaxDepth sets the depth used when a call passes none.
func WithMaxDepth(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRecorder replaces the movement recorder.
func WithRecorder(r *Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// NewService creates a Service. Recalls commit through k.
func NewService(k *kernel.Kernel, opts ...Option) *Service {
	s := &Service{
		kernel:   k,
		store:    k.Store(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.recorder == nil {
		s.recorder = NewRecorder(kernel.UUIDv7Generator{}.NewID, nil)
	}
	s.logger = telemetry.ResolveLogger(s.logger)
	return s
}

// Record stores a movement and its inbound links in one transaction.
func (s *Service) Record(ctx context.Context, tc tenant.Context, m MovementInput, links []LinkInput) (store.Movement, error) {
	var mv store.Movement
	err := s.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
		var err error
		mv, err = s.recorder.Record(ctx, tx, tc, m, links)
		return err
	})
	if err != nil {
		return store.Movement{}, err
	}
	s.logger.Debug("movement recorded",
		"event", "lineage.recorded",
		"tenant_id", tc.OrgID,
		"movement_id", mv.MovementID,
		"links", len(links))
	return mv, nil
}

// Trace runs a trace in its own read transaction. maxDepth <= 0 uses the
// service default.
func (s *Service) Trace(ctx context.Context, tc tenant.Context, lotID string, dir Direction, maxDepth int) (Result, error) {
	if maxDepth <= 0 {
		maxDepth = s.maxDepth
	}
	ctx, span := telemetry.Tracer().Start(ctx, "lineage.Trace", trace.WithAttributes(
		attribute.String("mkernel.lot_id", lotID),
		attribute.String("mkernel.direction", string(dir)),
		attribute.Int("mkernel.max_depth", maxDepth),
	))
	defer span.End()

	var res Result
	err := s.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
		var err error
		res, err = Trace(ctx, tx, tc, lotID, dir, maxDepth)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	deepest := 0
	if n := len(res.AffectedMovements); n > 0 {
		deepest = res.AffectedMovements[n-1].Depth
	}
	span.SetAttributes(
		attribute.Int("mkernel.total_affected", res.TotalAffected),
		attribute.Bool("mkernel.truncated", res.Truncated),
	)
	s.metrics.ObserveTrace(deepest, res.TotalAffected)
	if res.Truncated {
		s.logger.Warn("trace stopped at max depth",
			"event", "lineage.truncated",
			"tenant_id", tc.OrgID,
			"lot_id", lotID,
			"max_depth", maxDepth)
	}
	return res, nil
}

// RecallRequest parameterises Recall.
type RecallRequest struct {
	IdempotencyKey  string
	ExpectedVersion *int64
	Reason          string
	ActorName       string
	MaxDepth        int
}

// RecallResult is the forward trace plus the receipt of the status change.
type RecallResult struct {
	Trace         Result          `json:"trace"`
	Receipt       receipt.Receipt `json:"-"`
	Encoded       json.RawMessage `json:"receipt"`
	Replayed      bool            `json:"replayed"`
	TotalAffected int             `json:"totalAffected"`
}

// Recall traces the lot forward and marks it recalled through the kernel,
// so the status change is audited and idempotent under req.IdempotencyKey.
// An error is returned only when the trace fails; a refused status change
// is reported by the receipt.
func (s *Service) Recall(ctx context.Context, tc tenant.Context, lotID string, req RecallRequest) (RecallResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lineage.Recall", trace.WithAttributes(
		attribute.String("mkernel.lot_id", lotID),
	))
	defer span.End()

	tr, err := s.Trace(ctx, tc, lotID, Forward, req.MaxDepth)
	if err != nil {
		return RecallResult{}, err
	}

	res := s.kernel.Commit(ctx, tc, kernel.Intent{
		Action:          kernel.ActionSetStatus,
		EntityType:      LotEntityType,
		EntityID:        lotID,
		Payload:         canon.Object{"status": canon.String(StatusRecalled)},
		IdempotencyKey:  req.IdempotencyKey,
		ExpectedVersion: req.ExpectedVersion,
		Reason:          req.Reason,
		ActorName:       req.ActorName,
		Metadata: canon.Object{
			"totalAffected": canon.Int(int64(tr.TotalAffected)),
			"truncated":     canon.Bool(tr.Truncated),
		},
	})
	if code := receipt.Code(res.Receipt); code != "" {
		span.SetStatus(codes.Error, string(code))
	}
	s.logger.Info("lot recalled",
		"event", "lineage.recall",
		"tenant_id", tc.OrgID,
		"lot_id", lotID,
		"status", res.Receipt.Status(),
		"total_affected", tr.TotalAffected)

	return RecallResult{
		Trace:         tr,
		Receipt:       res.Receipt,
		Encoded:       res.Encoded,
		Replayed:      res.Replayed,
		TotalAffected: tr.TotalAffected,
	}, nil
}
