// Package engine wires the sync components into a session-scoped unit bound
// to the authentication lifecycle: Start when a session authenticates, Stop
// when it ends.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/client-sync/api"
	"github.com/wolfeidau/client-sync/collection"
	"github.com/wolfeidau/client-sync/confirm"
	"github.com/wolfeidau/client-sync/entitlement"
	"github.com/wolfeidau/client-sync/scheduler"
	"github.com/wolfeidau/client-sync/store/pendingdb"
)

// Config holds engine configuration.
type Config struct {
	// ServerURL is the authority server base URL.
	ServerURL string

	// Token is the session bearer token.
	Token string

	// StoragePath is the file path for the durable record store.
	StoragePath string

	// EntitlementTTL is the snapshot freshness window.
	// Default: 2 minutes.
	EntitlementTTL time.Duration

	// RefreshInterval is the background refresh tick.
	// Default: 5 minutes.
	RefreshInterval time.Duration

	// Route reports the current route, for exempt-route suppression.
	Route scheduler.RouteFunc

	// ExemptRoutes are routes on which background refresh is suppressed.
	ExemptRoutes []string

	// HTTPClient overrides the default HTTP client (optional).
	HTTPClient *http.Client

	// Logger for the engine.
	Logger *slog.Logger
}

// Engine is the assembled sync engine for one authenticated session.
type Engine struct {
	Items         *collection.Collection
	Entitlements  *entitlement.Store
	Confirmations *confirm.Engine
	Scheduler     *scheduler.Scheduler

	db     *pendingdb.DB
	path   string
	logger *slog.Logger
}

// New creates an Engine from cfg. Call Start before use.
func New(cfg Config) (*Engine, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.StoragePath == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	apiOpts := []api.Option{api.WithBearerToken(cfg.Token)}
	if cfg.HTTPClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(cfg.HTTPClient))
	}
	client := api.New(cfg.ServerURL, apiOpts...)

	entOpts := []entitlement.Option{entitlement.WithLogger(cfg.Logger)}
	if cfg.EntitlementTTL != 0 {
		entOpts = append(entOpts, entitlement.WithTTL(cfg.EntitlementTTL))
	}
	entitlements := entitlement.New(client, entOpts...)

	items := collection.New(client, entitlements,
		collection.WithLogger(cfg.Logger))

	db := pendingdb.New(pendingdb.WithLogger(cfg.Logger))
	confirmations := confirm.New(db, client, entitlements,
		confirm.WithLogger(cfg.Logger))

	sched := scheduler.New(entitlements, scheduler.Config{
		TickInterval: cfg.RefreshInterval,
		Route:        cfg.Route,
		ExemptRoutes: cfg.ExemptRoutes,
		Logger:       cfg.Logger,
	})

	return &Engine{
		Items:         items,
		Entitlements:  entitlements,
		Confirmations: confirmations,
		Scheduler:     sched,
		db:            db,
		path:          cfg.StoragePath,
		logger:        cfg.Logger,
	}, nil
}

// Start opens the record store, grants the post-payment rate-limit bypass
// when the return flag survived a reload, resumes any pending payment
// confirmation, and starts the background refresh scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.db.Open(e.path); err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}

	returned, err := e.db.TakeFlag(pendingdb.FlagPaymentReturn)
	if err != nil {
		e.logger.Warn("reading payment return flag", "error", err)
	}
	if returned {
		e.Scheduler.ForceNext()
	}

	if out, found := e.Confirmations.Resume(ctx); found {
		e.logger.Info("resumed pending confirmation", "ok", out.OK, "reason", out.Reason)
	}

	e.Scheduler.Start(ctx)
	return nil
}

// PaymentReturn handles the user arriving back from the external payment
// flow: the next scheduled refresh bypasses rate limiting, and the pending
// record is verified immediately.
func (e *Engine) PaymentReturn(ctx context.Context) (confirm.Outcome, bool) {
	if err := e.db.SetFlag(pendingdb.FlagPaymentReturn); err != nil {
		e.logger.Warn("setting payment return flag", "error", err)
	}
	e.Scheduler.ForceNext()

	out, found := e.Confirmations.Resume(ctx)
	if found {
		// Verified in this process; the flag has served its purpose.
		if _, err := e.db.TakeFlag(pendingdb.FlagPaymentReturn); err != nil {
			e.logger.Warn("clearing payment return flag", "error", err)
		}
	}
	return out, found
}

// Stop ends the session: the scheduler's pending timer is cancelled,
// background work drains, and the record store closes. In-flight HTTP calls
// are not cancelled; their results are discarded.
func (e *Engine) Stop() error {
	e.Scheduler.Stop()
	e.Items.Close()
	e.Entitlements.Close()
	return e.db.Close()
}

// ResetSession clears all cached per-user state. Called on logout, after
// which the engine must not be reused for a different user without Stop and
// a fresh New.
func (e *Engine) ResetSession() {
	e.Scheduler.Stop()
	e.Entitlements.Invalidate()
	e.Items.Replace(nil)
}
