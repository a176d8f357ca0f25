package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/mkernel/internal/audit"
	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/idempotency"
	"github.com/roach88/mkernel/internal/receipt"
	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/telemetry"
	"github.com/roach88/mkernel/internal/tenant"
)

// DefaultIdempotencyTTL is how long a finished key keeps replaying.
const DefaultIdempotencyTTL = 7 * 24 * time.Hour

// Options configure a Kernel. Zero fields select defaults.
type Options struct {
	IdempotencyTTL time.Duration
	InFlightPoll   idempotency.Backoff
	// RetryAfter is the hint put on retryable error receipts.
	RetryAfter     time.Duration
	LockedStatuses LockedStatuses
	IDs            IDGenerator
	Clock          Clock
	Authorizer     Authorizer
	Outbox         Outbox
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// Kernel commits mutation intents.
//
// Each Commit runs in one tenant transaction covering the ledger, the
// version guard, the entity write, the audit entry and the outbox event.
// Failures never escape as Go errors: they come back as Rejected or Error
// receipts carrying a registered code.
type Kernel struct {
	store   *store.Store
	ledger  *idempotency.Ledger
	audit   *audit.Writer
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New wires a Kernel over s.
func New(s *store.Store, opts Options) *Kernel {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if opts.InFlightPoll.Attempts <= 0 {
		opts.InFlightPoll = idempotency.DefaultBackoff
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	if opts.LockedStatuses == nil {
		opts.LockedStatuses = DefaultLockedStatuses()
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Outbox == nil {
		opts.Outbox = TableOutbox{}
	}
	logger := telemetry.ResolveLogger(opts.Logger)

	return &Kernel{
		store:   s,
		ledger:  idempotency.New(opts.Clock.Now, logger),
		audit:   audit.NewWriter(opts.IDs.NewID, opts.Clock.Now),
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Store returns the store the kernel writes to.
func (k *Kernel) Store() *store.Store {
	return k.store
}

// Result is the outcome of Commit.
type Result struct {
	Receipt receipt.Receipt
	// Encoded is the wire form of Receipt. Replays return the stored bytes.
	Encoded []byte
	// Replayed is set when Receipt came from the idempotency ledger.
	Replayed bool
	// Conflict is IDEMPOTENCY_KEY_REUSE_CONFLICT when the key was first used
	// for a different request. Receipt is then the original request's receipt.
	Conflict errcode.Code
}

var errInFlight = errors.New("idempotency key held by another attempt")

// Commit applies in on behalf of tc.
func (k *Kernel) Commit(ctx context.Context, tc tenant.Context, in Intent) Result {
	began := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "kernel.Commit", trace.WithAttributes(
		attribute.String("mkernel.action", string(in.Action)),
		attribute.String("mkernel.entity_type", in.EntityType),
		attribute.String("mkernel.tenant_id", tc.OrgID),
	))
	defer span.End()

	res := k.commit(ctx, tc, in)

	status := res.Receipt.Status()
	code := receipt.Code(res.Receipt)
	span.SetAttributes(
		attribute.String("mkernel.status", string(status)),
		attribute.Bool("mkernel.replayed", res.Replayed),
	)
	if code != "" {
		span.SetStatus(codes.Error, string(code))
	}
	k.metrics.ObserveCommit(time.Since(began).Seconds())
	k.metrics.ObserveReceipt(string(status), string(code))
	if res.Replayed {
		k.metrics.ObserveReplay(res.Conflict != "")
	}
	return res
}

func (k *Kernel) commit(ctx context.Context, tc tenant.Context, in Intent) Result {
	h := receipt.Header{
		RequestID:  in.RequestID,
		BatchID:    in.BatchID,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
	}
	if h.RequestID == "" {
		h.RequestID = k.opts.IDs.NewID()
	}
	h.MutationID = k.opts.IDs.NewID()

	if err := tc.Validate(); err != nil {
		return k.reject(h, err)
	}
	if err := in.Validate(); err != nil {
		return k.reject(h, err)
	}
	if in.TenantID != "" && in.TenantID != tc.OrgID {
		k.logger.Warn("intent names a foreign tenant",
			"event", "kernel.tenant_mismatch",
			"tenant_id", tc.OrgID,
			"intent_tenant_id", in.TenantID,
			"entity_type", in.EntityType)
		return k.reject(h, errcode.New(errcode.PolicyDenied,
			"intent names tenant %q but the caller is bound to %q", in.TenantID, tc.OrgID))
	}
	hash, err := in.RequestHash()
	if err != nil {
		return k.reject(h, errcode.Wrap(errcode.Validation, err, "request hash"))
	}
	if in.Action == ActionCreate && h.EntityID == "" {
		h.EntityID = k.opts.IDs.NewID()
	}

	for attempt := 0; ; attempt++ {
		res, err := k.attempt(ctx, tc, in, h, hash)
		if err == nil {
			return res
		}
		if !errors.Is(err, errInFlight) {
			return k.settle(ctx, tc, in, h, hash, err)
		}

		lookup, err := k.await(ctx, tc, in.IdempotencyKey, hash)
		if err != nil {
			if errors.Is(err, idempotency.ErrStillInFlight) || ctx.Err() != nil {
				err = errcode.Wrap(errcode.ConflictRetry, err, "idempotency key "+in.IdempotencyKey)
			}
			return k.settle(ctx, tc, in, h, hash, err)
		}
		if hit, ok := lookup.(idempotency.Hit); ok {
			return k.replay(tc, in.IdempotencyKey, hit)
		}
		// The other attempt rolled back. Run once more, then give up.
		if attempt > 0 {
			return k.settle(ctx, tc, in, h, hash,
				errcode.New(errcode.ConflictRetry, "idempotency key %q keeps changing hands", in.IdempotencyKey))
		}
	}
}

func (k *Kernel) attempt(ctx context.Context, tc tenant.Context, in Intent, h receipt.Header, hash string) (Result, error) {
	var res Result
	err := k.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
		var err error
		res, err = k.execute(ctx, tx, tc, in, h, hash)
		return err
	})
	return res, err
}

// execute runs inside the tenant transaction. A returned error rolls
// everything back; a returned failure receipt commits the ledger entry only.
func (k *Kernel) execute(ctx context.Context, tx *store.Tx, tc tenant.Context, in Intent, h receipt.Header, hash string) (Result, error) {
	key := in.IdempotencyKey
	if key != "" {
		lookup, err := k.ledger.Check(ctx, tx, tc, key, hash)
		if err != nil {
			return Result{}, err
		}
		switch l := lookup.(type) {
		case idempotency.Hit:
			return k.replay(tc, key, l), nil
		case idempotency.Miss:
			if l.InFlight {
				return Result{}, errInFlight
			}
		}

		locked, err := k.ledger.Lock(ctx, tx, tc, key, string(in.Action), hash, k.opts.IdempotencyTTL)
		if err != nil {
			return Result{}, err
		}
		if !locked {
			// Lost the race between Check and Lock.
			lookup, err := k.ledger.Check(ctx, tx, tc, key, hash)
			if err != nil {
				return Result{}, err
			}
			if hit, ok := lookup.(idempotency.Hit); ok {
				return k.replay(tc, key, hit), nil
			}
			return Result{}, errInFlight
		}
	}

	r, err := k.apply(ctx, tx, tc, in, h)
	if err != nil {
		return Result{}, err
	}
	if key != "" {
		if err := k.ledger.Complete(ctx, tx, tc, key, r, idempotency.StatusFor(r)); err != nil {
			return Result{}, err
		}
	}
	return k.result(r), nil
}

// apply performs the guarded write. Business rejections come back as a
// receipt with a nil error; anything returned as an error aborts the tx.
func (k *Kernel) apply(ctx context.Context, tx *store.Tx, tc tenant.Context, in Intent, h receipt.Header) (receipt.Receipt, error) {
	log := k.logger.With(
		"tenant_id", tc.OrgID,
		"entity_type", h.EntityType,
		"entity_id", h.EntityID,
		"mutation_id", h.MutationID)

	if k.opts.Authorizer != nil {
		if err := k.opts.Authorizer.Authorize(ctx, tc, in); err != nil {
			code := denialCode(err)
			log.Info("mutation denied", "event", "kernel.denied", "code", code, "error", err)
			return k.failure(h, code), nil
		}
	}

	current, found, err := tx.GetEntity(ctx, in.EntityType, h.EntityID)
	if err != nil {
		return nil, err
	}
	if code := k.opts.LockedStatuses.check(in, current, found); code != "" {
		log.Info("mutation rejected", "event", "kernel.rejected", "code", code, "version", current.Version)
		return k.failure(h, code), nil
	}
	if found && in.ExpectedVersion == nil {
		log.Debug("update without expected version", "event", "kernel.unguarded_write", "version", current.Version)
		k.metrics.ObserveUnguardedWrite()
	}

	now := k.opts.Clock.Now()
	next, before, after, err := nextEntity(in, tc, h.EntityID, current, found, now)
	if err != nil {
		return nil, err
	}

	if found {
		updated, err := tx.UpdateEntity(ctx, next, current.Version)
		if err != nil {
			return nil, err
		}
		if !updated {
			if in.ExpectedVersion != nil {
				return k.failure(h, errcode.ExpectedVersionMismatch), nil
			}
			return nil, errcode.New(errcode.ConflictRetry, "entity %s/%s changed concurrently", h.EntityType, h.EntityID)
		}
	} else if err := tx.InsertEntity(ctx, next); err != nil {
		return nil, err
	}

	auditID, err := k.audit.Append(ctx, tx, tc, audit.Entry{
		EntityType:    h.EntityType,
		EntityID:      h.EntityID,
		Action:        string(in.Action),
		Before:        before,
		After:         after,
		ActorName:     in.ActorName,
		Reason:        in.Reason,
		Metadata:      auditMetadata(in, h),
		VersionBefore: current.Version,
		VersionAfter:  next.Version,
		MutationID:    h.MutationID,
	})
	if err != nil {
		return nil, err
	}

	ok := receipt.Ok{
		Header:        h,
		VersionBefore: current.Version,
		VersionAfter:  next.Version,
		AuditLogID:    auditID,
	}
	payload, err := canon.Marshal(eventPayload(in, ok, next.Status))
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "outbox payload")
	}
	err = k.opts.Outbox.Append(ctx, tx, store.OutboxEvent{
		ID:         k.opts.IDs.NewID(),
		TenantID:   tc.OrgID,
		Topic:      Topic(in.Action),
		EntityType: h.EntityType,
		EntityID:   h.EntityID,
		MutationID: h.MutationID,
		Payload:    payload,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.OutboxWriteFailed, err, "append outbox event")
	}

	log.Info("mutation committed",
		"event", "kernel.committed",
		"action", in.Action,
		"version_before", ok.VersionBefore,
		"version_after", ok.VersionAfter)
	return ok, nil
}

// nextEntity computes the row to write and the audit snapshots.
func nextEntity(in Intent, tc tenant.Context, id string, current store.Entity, found bool, now time.Time) (store.Entity, canon.Value, canon.Value, error) {
	stateBefore := canon.Object{}
	var before canon.Value = canon.Null{}
	if found {
		var err error
		if stateBefore, err = canon.ParseObject(current.State); err != nil {
			return store.Entity{}, nil, nil, errcode.Wrap(errcode.Internal, err, "stored entity state is corrupt")
		}
		before = snapshot(current.Status, stateBefore)
	}

	status := current.Status
	var state canon.Object
	switch in.Action {
	case ActionCreate:
		status = StatusActive
		state = in.payload().Clone()
	case ActionUpdate:
		state = canon.Merge(stateBefore, in.payload())
	case ActionReplace:
		state = in.payload().Clone()
	case ActionSetStatus:
		status = in.Payload.Str("status")
		state = stateBefore
	default:
		return store.Entity{}, nil, nil, errcode.New(errcode.Validation, "unknown action %q", in.Action)
	}

	raw, err := canon.Marshal(state)
	if err != nil {
		return store.Entity{}, nil, nil, errcode.Wrap(errcode.Validation, err, "entity state")
	}
	created := current.CreatedAt
	if !found {
		created = now
	}
	next := store.Entity{
		TenantID:   tc.OrgID,
		EntityType: in.EntityType,
		EntityID:   id,
		Version:    current.Version + 1,
		Status:     status,
		State:      raw,
		CreatedAt:  created,
		UpdatedAt:  now,
	}
	return next, before, snapshot(status, state), nil
}

func snapshot(status string, state canon.Object) canon.Object {
	return canon.Object{"status": canon.String(status), "state": state}
}

func auditMetadata(in Intent, h receipt.Header) canon.Object {
	md := canon.Object{"requestId": canon.String(h.RequestID)}
	if h.BatchID != "" {
		md["batchId"] = canon.String(h.BatchID)
	}
	if in.IdempotencyKey != "" {
		md["idempotencyKey"] = canon.String(in.IdempotencyKey)
	}
	return canon.Merge(md, in.Metadata)
}

// settle turns an aborted attempt into a receipt. Rejections are written to
// the ledger in a fresh transaction so the key replays them. Server faults
// leave the key free: a transient failure must not replay for the whole TTL.
func (k *Kernel) settle(ctx context.Context, tc tenant.Context, in Intent, h receipt.Header, hash string, cause error) Result {
	r := k.failure(h, errcode.Of(cause))
	log := k.logger.With(
		"event", "kernel.failed",
		"tenant_id", tc.OrgID,
		"entity_type", h.EntityType,
		"entity_id", h.EntityID,
		"mutation_id", h.MutationID,
		"code", receipt.Code(r),
		"error", cause)
	if _, ok := r.(receipt.Error); ok {
		log.Error("mutation failed")
	} else {
		log.Info("mutation rejected")
	}

	if in.IdempotencyKey == "" || !persisted(r) {
		return k.result(r)
	}

	var (
		stored   receipt.Receipt
		inserted bool
	)
	err := k.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
		var err error
		stored, inserted, err = k.ledger.WriteAtomic(ctx, tx, tc, in.IdempotencyKey, string(in.Action), hash, r, k.opts.IdempotencyTTL)
		return err
	})
	if err != nil {
		k.logger.Warn("could not record failure receipt",
			"event", "kernel.ledger_write_failed",
			"tenant_id", tc.OrgID,
			"idempotency_key", in.IdempotencyKey,
			"error", err)
		return k.result(r)
	}
	if !inserted {
		res := k.result(stored)
		res.Replayed = true
		return res
	}
	return k.result(r)
}

func persisted(r receipt.Receipt) bool {
	return receipt.Match(r,
		func(receipt.Ok) bool { return true },
		func(receipt.Rejected) bool { return true },
		func(receipt.Error) bool { return false },
	)
}

// reject builds a failure receipt for a request that never reached the store.
func (k *Kernel) reject(h receipt.Header, err error) Result {
	code := errcode.Of(err)
	k.logger.Info("mutation rejected before execution",
		"event", "kernel.invalid",
		"entity_type", h.EntityType,
		"code", code,
		"error", err)
	return k.result(k.failure(h, code))
}

func (k *Kernel) failure(h receipt.Header, code errcode.Code) receipt.Receipt {
	var retryAfter time.Duration
	if code.Retryable() {
		retryAfter = k.opts.RetryAfter
	}
	return receipt.ForCode(h, k.opts.IDs.NewID(), code, retryAfter)
}

func (k *Kernel) replay(tc tenant.Context, key string, hit idempotency.Hit) Result {
	res := Result{Receipt: hit.Receipt, Encoded: hit.Raw, Replayed: true}
	if hit.HashMismatch {
		res.Conflict = errcode.IdempotencyKeyReuse
	}
	k.logger.Debug("replayed receipt",
		"event", "kernel.replayed",
		"tenant_id", tc.OrgID,
		"idempotency_key", key,
		"status", hit.Status,
		"conflict", res.Conflict)
	return res
}

func (k *Kernel) result(r receipt.Receipt) Result {
	raw, err := receipt.Encode(r)
	if err != nil {
		// Receipts built here always encode; a failure is a programming error.
		panic(fmt.Sprintf("kernel: encode receipt: %v", err))
	}
	return Result{Receipt: r, Encoded: raw}
}

func (k *Kernel) await(ctx context.Context, tc tenant.Context, key, hash string) (idempotency.Lookup, error) {
	k.logger.Debug("idempotency key in flight, polling",
		"event", "kernel.await",
		"tenant_id", tc.OrgID,
		"idempotency_key", key)
	return idempotency.Await(ctx, func(ctx context.Context) (idempotency.Lookup, error) {
		var lookup idempotency.Lookup
		err := k.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
			var err error
			lookup, err = k.ledger.Check(ctx, tx, tc, key, hash)
			return err
		})
		return lookup, err
	}, k.opts.InFlightPoll)
}
