package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/telemetry"
	"github.com/roach88/mkernel/internal/tenant"
)

// Publisher delivers outbox events downstream. Delivery is at least once:
// an event whose MarkPublished did not commit is handed over again.
type Publisher interface {
	Publish(ctx context.Context, ev store.OutboxEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev store.OutboxEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev store.OutboxEvent) error {
	return f(ctx, ev)
}

// WriterPublisher prints each event as one JSON line.
type WriterPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPublisher returns a publisher writing to w.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

func (p *WriterPublisher) Publish(_ context.Context, ev store.OutboxEvent) error {
	line, err := json.Marshal(struct {
		ID         string          `json:"id"`
		OrgID      string          `json:"orgId"`
		Topic      string          `json:"topic"`
		EntityType string          `json:"entityType"`
		EntityID   string          `json:"entityId"`
		MutationID string          `json:"mutationId"`
		Payload    json.RawMessage `json:"payload"`
		CreatedAt  time.Time       `json:"createdAt"`
	}{ev.ID, ev.TenantID, ev.Topic, ev.EntityType, ev.EntityID, ev.MutationID, json.RawMessage(ev.Payload), ev.CreatedAt})
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintf(p.w, "%s\n", line)
	return err
}

// DefaultRelayBatch is the number of events claimed per RunOnce.
const DefaultRelayBatch = 100

// Relay moves pending outbox events of one tenant to a Publisher, oldest
// first. It stops a batch at the first failed delivery so order is kept.
type Relay struct {
	store     *store.Store
	publisher Publisher
	clock     Clock
	batch     int
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayBatch sets how many events RunOnce handles.
func WithRelayBatch(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithRelayClock sets the clock used for published_at.
func WithRelayClock(c Clock) RelayOption {
	return func(r *Relay) { r.clock = c }
}

// WithRelayLogger sets the logger.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

// WithRelayMetrics sets the metrics sink.
func WithRelayMetrics(m *telemetry.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay creates a relay over s.
func NewRelay(s *store.Store, p Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:     s,
		publisher: p,
		clock:     SystemClock{},
		batch:     DefaultRelayBatch,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = telemetry.ResolveLogger(r.logger)
	return r
}

// RunOnce publishes up to one batch and returns how many events were
// marked published. The batch is read in one short transaction and each
// event is marked in its own; Publish runs with no transaction open.
func (r *Relay) RunOnce(ctx context.Context, tc tenant.Context) (int, error) {
	var pending []store.OutboxEvent
	err := r.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
		var err error
		pending, err = tx.PendingOutbox(ctx, r.batch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("relay: %w", err)
	}

	published := 0
	for _, ev := range pending {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.metrics.ObservePublish(false)
			r.logger.Warn("publish failed",
				"event", "relay.publish_failed",
				"tenant_id", tc.OrgID,
				"outbox_id", ev.ID,
				"topic", ev.Topic,
				"error", err)
			break
		}
		r.metrics.ObservePublish(true)
		err := r.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
			_, err := tx.MarkPublished(ctx, ev.ID, r.clock.Now())
			return err
		})
		if err != nil {
			return published, fmt.Errorf("relay: %w", err)
		}
		published++
	}
	return published, nil
}

// Run calls RunOnce every interval until ctx is cancelled.
// A failed round is logged and the loop continues.
func (r *Relay) Run(ctx context.Context, tc tenant.Context, interval time.Duration) error {
	r.logger.Info("relay starting", "tenant_id", tc.OrgID, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.RunOnce(ctx, tc)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("relay round failed", "event", "relay.failed", "tenant_id", tc.OrgID, "error", err)
		}
		if n == r.batch {
			// Full batch: more may be waiting.
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
