// Package confirm settles externally-initiated payments. The payment itself
// happens out-of-band (the user is redirected to the payment provider and
// comes back, or doesn't); this engine owns the durable record of that
// in-limbo operation and drives it to a terminal state against the server,
// surviving reloads in between.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	clientsync "github.com/wolfeidau/client-sync"
	"github.com/wolfeidau/client-sync/api"
	"github.com/wolfeidau/client-sync/cache"
	"github.com/wolfeidau/client-sync/coalesce"
	"github.com/wolfeidau/client-sync/store/pendingdb"
	"github.com/wolfeidau/client-sync/telemetry"
)

const (
	// DefaultMaxAttempts is the total verification attempts per Verify call
	// before a transient failure becomes terminal.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the base unit for exponential retry delays.
	DefaultBackoffBase = time.Second

	// DefaultOutcomeTTL is how long a settled outcome is cached so a
	// near-simultaneous duplicate trigger (URL detection plus mount-time
	// check) observes the result without a second network call.
	DefaultOutcomeTTL = 30 * time.Second
)

// Outcome reason codes produced by the engine itself (the server may add
// its own).
const (
	ReasonMissingParameters = "missing_parameters"
	ReasonRetriesExhausted  = "retries_exhausted"
	ReasonAuthRequired      = "auth_required"
)

// Outcome is the result of a verification. Verify never returns an error;
// every failure mode is reported here.
type Outcome struct {
	OK     bool
	Reason string
}

// API is the slice of the authority server the engine needs.
type API interface {
	CreatePaymentOrder(ctx context.Context, planID string) (*api.PaymentOrder, error)
	VerifyPayment(ctx context.Context, req api.VerifyRequest) (*api.VerifyResponse, error)
}

// Entitlements receives the forced refresh after a confirmed payment.
type Entitlements interface {
	Refresh(ctx context.Context, force bool) (clientsync.EntitlementSnapshot, error)
}

// Engine is the payment confirmation state machine. One instance per
// session; it is the sole owner of the persisted PendingConfirmation record.
type Engine struct {
	db           *pendingdb.DB
	api          API
	entitlements Entitlements
	group        *coalesce.Group
	outcomes     *cache.TimedCache[string, Outcome]
	logger       *slog.Logger

	maxAttempts int
	backoffBase time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMaxAttempts sets the per-call verification attempt cap.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithBackoffBase sets the base unit for retry delays. Tests shrink it.
func WithBackoffBase(d time.Duration) Option {
	return func(e *Engine) {
		e.backoffBase = d
	}
}

// New creates an Engine.
func New(db *pendingdb.DB, serverAPI API, entitlements Entitlements, opts ...Option) *Engine {
	e := &Engine{
		db:           db,
		api:          serverAPI,
		entitlements: entitlements,
		group:        coalesce.New(),
		outcomes:     cache.New[string, Outcome](DefaultOutcomeTTL),
		logger:       slog.Default(),
		maxAttempts:  DefaultMaxAttempts,
		backoffBase:  DefaultBackoffBase,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Begin creates a payment order for planID and persists the pending record
// before handing back the external payment link. The persistence write
// happens before the caller can possibly redirect, so a reload at any later
// point finds a resumable record.
func (e *Engine) Begin(ctx context.Context, planID string) (*api.PaymentOrder, error) {
	order, err := e.api.CreatePaymentOrder(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("creating payment order: %w", err)
	}

	rec := &pendingdb.PendingConfirmation{
		ExternalRef: pendingdb.ExternalRef{OrderID: order.OrderID},
		PlanRef:     order.PlanID,
		PaymentRef:  order.PaymentRef,
		State:       pendingdb.StateCreated,
	}
	if err := e.db.PutPending(rec); err != nil {
		return nil, fmt.Errorf("persisting pending confirmation: %w", err)
	}

	e.logger.Info("payment order created", "order", order.OrderID, "plan", order.PlanID)
	return order, nil
}

// Verify drives the pending record to a terminal state. Concurrent calls
// for the same external reference share one in-flight verification, and a
// just-settled outcome is served from cache, so a duplicate trigger never
// causes a second verify-payment call.
func (e *Engine) Verify(ctx context.Context, rec *pendingdb.PendingConfirmation) Outcome {
	if rec == nil || rec.ExternalRef.Empty() || rec.PlanRef == "" {
		return Outcome{Reason: ReasonMissingParameters}
	}

	key := rec.ExternalRef.Key()
	if out, _, ok := e.outcomes.Get(key); ok {
		return out
	}

	result, shared, err := e.group.Do(ctx, "verify:"+key, func(ctx context.Context) (any, error) {
		return e.verify(ctx, rec), nil
	})
	if shared {
		telemetry.RecordCoalesced(ctx, "verify_payment")
	}
	if err != nil {
		// Only the caller's context can produce this; the verification
		// itself never errors.
		return Outcome{Reason: ReasonRetriesExhausted}
	}
	return result.(Outcome)
}

// verify is the attempt loop: persist state, call the server, back off on
// transient failures, and settle terminally on anything definitive.
func (e *Engine) verify(ctx context.Context, rec *pendingdb.PendingConfirmation) Outcome {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * e.backoffBase
	expo.Multiplier = 2
	expo.RandomizationFactor = 0

	for {
		rec.State = pendingdb.StateVerifying
		rec.Attempts++
		if err := e.db.PutPending(rec); err != nil {
			e.logger.Error("persisting verification state", "error", err)
		}

		resp, err := e.api.VerifyPayment(ctx, api.VerifyRequest{
			OrderID:    rec.ExternalRef.OrderID,
			LinkID:     rec.ExternalRef.LinkID,
			PlanRef:    rec.PlanRef,
			PaymentRef: rec.PaymentRef,
		})

		switch {
		case err == nil && resp.OK:
			return e.confirm(ctx, rec)

		case err == nil:
			// Semantic rejection in the body: definitive, no retry.
			reason := resp.ErrorCode
			if reason == "" {
				reason = resp.Reason
			}
			return e.fail(ctx, rec, reason)

		case clientsync.IsTransient(err):
			telemetry.RecordConfirmationAttempt(ctx, "transient_error")
			if rec.Attempts >= e.maxAttempts {
				e.logger.Warn("verification retries exhausted",
					"order", rec.ExternalRef.Key(), "attempts", rec.Attempts)
				return e.fail(ctx, rec, ReasonRetriesExhausted)
			}
			delay := expo.NextBackOff()
			e.logger.Debug("verification attempt failed, backing off",
				"attempt", rec.Attempts, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return e.fail(ctx, rec, ReasonRetriesExhausted)
			}

		default:
			// Definitive server rejection (not found, unauthorized): no retry.
			reason := ReasonAuthRequired
			if be, ok := clientsync.AsBusiness(err); ok {
				reason = be.Code
			}
			return e.fail(ctx, rec, reason)
		}
	}
}

// confirm settles the record as CONFIRMED: the persisted record is deleted,
// the entitlement store is force-refreshed exactly once, and the outcome is
// cached for duplicate triggers.
func (e *Engine) confirm(ctx context.Context, rec *pendingdb.PendingConfirmation) Outcome {
	rec.State = pendingdb.StateConfirmed
	if err := e.db.DeletePending(); err != nil {
		e.logger.Error("deleting confirmed record", "error", err)
	}

	if e.entitlements != nil {
		if _, err := e.entitlements.Refresh(ctx, true); err != nil {
			e.logger.Warn("post-confirmation entitlement refresh failed", "error", err)
		}
	}

	telemetry.RecordConfirmationAttempt(ctx, "confirmed")
	e.logger.Info("payment confirmed", "order", rec.ExternalRef.Key(), "plan", rec.PlanRef)

	out := Outcome{OK: true}
	e.outcomes.Set(rec.ExternalRef.Key(), out)
	return out
}

// fail settles the record as FAILED. The record is kept: it is the
// persistent, user-dismissable pending-payment indicator, and an explicit
// user action can re-trigger verification via Retry.
func (e *Engine) fail(ctx context.Context, rec *pendingdb.PendingConfirmation, reason string) Outcome {
	rec.State = pendingdb.StateFailed
	if err := e.db.PutPending(rec); err != nil {
		e.logger.Error("persisting failed record", "error", err)
	}

	telemetry.RecordConfirmationAttempt(ctx, "failed")
	e.logger.Warn("payment confirmation failed", "order", rec.ExternalRef.Key(), "reason", reason)

	return Outcome{Reason: reason}
}

// Resume runs the reload-recovery pass: if a non-confirmed record survived
// in storage, verify it exactly once, without requiring the redirect
// parameters to still be present anywhere (the record carries them).
// Returns the outcome and whether a record was found.
func (e *Engine) Resume(ctx context.Context) (Outcome, bool) {
	rec, err := e.db.GetPending()
	if err != nil {
		if !errors.Is(err, pendingdb.ErrNotFound) {
			e.logger.Error("loading pending confirmation", "error", err)
		}
		return Outcome{}, false
	}
	if rec.State == pendingdb.StateConfirmed {
		// Should not persist past confirmation; clean up.
		_ = e.db.DeletePending()
		return Outcome{}, false
	}

	// Reset the attempt budget: the cap applies per verification pass, not
	// across reloads.
	rec.Attempts = 0

	e.logger.Info("resuming pending payment confirmation",
		"order", rec.ExternalRef.Key(), "state", rec.State)
	return e.Verify(ctx, rec), true
}

// Retry re-runs verification for a FAILED record after explicit user
// action, with a fresh attempt budget.
func (e *Engine) Retry(ctx context.Context) (Outcome, bool) {
	rec, err := e.db.GetPending()
	if err != nil {
		return Outcome{}, false
	}
	rec.Attempts = 0
	e.outcomes.Invalidate(rec.ExternalRef.Key())
	return e.Verify(ctx, rec), true
}

// Dismiss deletes a FAILED record after the user acknowledges it.
func (e *Engine) Dismiss() error {
	return e.db.DeletePending()
}

// Pending returns the persisted record, if any. Presentation code uses it
// to render the pending/failed payment indicator.
func (e *Engine) Pending() (*pendingdb.PendingConfirmation, bool) {
	rec, err := e.db.GetPending()
	if err != nil {
		return nil, false
	}
	return rec, true
}
