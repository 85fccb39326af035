// Package scheduler drives rate-limited background entitlement refreshes.
// Triggers are a periodic tick, navigation events, and explicit schedule
// calls; all of them collapse into a single debounced timer. Refreshes are
// suppressed outright on exempt routes and otherwise rate-limited, with a
// one-shot bypass for the return-from-payment case.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	clientsync "github.com/wolfeidau/client-sync"
	"github.com/wolfeidau/client-sync/telemetry"
)

const (
	// DefaultTickInterval is how often the background tick fires.
	DefaultTickInterval = 5 * time.Minute

	// DefaultMinInterval is the minimum spacing between executed refreshes.
	DefaultMinInterval = 45 * time.Second

	// DefaultWindowCap is the hard cap on refreshes per rolling 60s window.
	DefaultWindowCap = 1

	// DefaultDebounce is how long a scheduled refresh waits before firing;
	// schedule calls arriving within the window replace the pending timer.
	DefaultDebounce = 250 * time.Millisecond
)

// State is the scheduler's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
)

// Refresher is the refresh target, satisfied by entitlement.Store.
type Refresher interface {
	Refresh(ctx context.Context, force bool) (clientsync.EntitlementSnapshot, error)
}

// RouteFunc reports the user's current route, for exempt-route suppression.
type RouteFunc func() string

// Config holds scheduler configuration.
type Config struct {
	// TickInterval is the periodic background trigger spacing.
	// Default: 5 minutes.
	TickInterval time.Duration

	// MinInterval is the minimum spacing between executed refreshes.
	// Default: 45 seconds.
	MinInterval time.Duration

	// WindowCap is the maximum refreshes per rolling 60 second window.
	// Default: 1.
	WindowCap int

	// Debounce is the delay between a schedule call and execution.
	// Default: 250ms.
	Debounce time.Duration

	// Route reports the current route. Nil means no route suppression.
	Route RouteFunc

	// ExemptRoutes are routes on which refreshes are suppressed entirely,
	// regardless of elapsed time. Typically the entitlement-management page,
	// where a background refresh would fight user-initiated actions.
	ExemptRoutes []string

	// Logger for scheduler events.
	Logger *slog.Logger
}

// Scheduler is a debounced, rate-limited refresh trigger. One instance per
// session; Start when the session authenticates, Stop when it ends.
type Scheduler struct {
	refresher Refresher
	route     RouteFunc
	exempt    map[string]struct{}
	debounce  time.Duration
	tick      time.Duration
	spacing   *rate.Limiter
	window    *rate.Limiter
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	timer     *time.Timer
	forceNext bool
	running   bool
	stopped   bool
	ctx       context.Context
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a Scheduler for the given refresher.
func New(refresher Refresher, cfg Config) *Scheduler {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.WindowCap == 0 {
		cfg.WindowCap = DefaultWindowCap
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	exempt := make(map[string]struct{}, len(cfg.ExemptRoutes))
	for _, r := range cfg.ExemptRoutes {
		exempt[r] = struct{}{}
	}

	return &Scheduler{
		refresher: refresher,
		route:     cfg.Route,
		exempt:    exempt,
		debounce:  cfg.Debounce,
		tick:      cfg.TickInterval,
		spacing:   rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		window:    rate.NewLimiter(rate.Every(time.Minute), cfg.WindowCap),
		logger:    cfg.Logger,
		ctx:       context.Background(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the periodic background trigger. It also schedules an
// immediate refresh so a new session does not wait a full tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	go s.run(ctx)
	s.Schedule()
}

// Stop cancels any pending timer and stops the background trigger. The
// cancellation is required, not optional: a leaked timer would fire into
// torn-down state. An in-flight refresh is not cancelled; its result is
// simply discarded by virtue of no one consuming it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasRunning := s.running
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = StateIdle
	s.mu.Unlock()

	if wasRunning {
		close(s.stopCh)
		<-s.doneCh
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Schedule()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Schedule requests a refresh after the debounce window. Calling it again
// before the pending timer fires replaces the timer; pending refreshes are
// never queued.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = StateScheduled
	s.timer = time.AfterFunc(s.debounce, s.fire)
}

// ForceNext grants the next executed refresh a one-time rate-limit bypass.
// Used when returning from the external payment flow, where the entitlement
// is known to have changed.
func (s *Scheduler) ForceNext() {
	s.mu.Lock()
	s.forceNext = true
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// fire runs when the debounce timer elapses. Suppression order matters: the
// exempt-route rule is absolute and consumes nothing, the rate limiters are
// consulted only off exempt routes, and the force token is spent only when a
// refresh actually executes.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ctx := s.ctx

	if s.onExemptRoute() {
		s.state = StateIdle
		s.mu.Unlock()
		s.logger.Debug("refresh suppressed on exempt route")
		telemetry.RecordSuppressed(ctx, "exempt_route")
		return
	}

	force := s.forceNext
	if !force && (!s.spacing.Allow() || !s.window.Allow()) {
		s.state = StateIdle
		s.mu.Unlock()
		s.logger.Debug("refresh suppressed by rate limit")
		telemetry.RecordSuppressed(ctx, "rate_limited")
		return
	}
	s.forceNext = false
	s.state = StateRunning
	s.mu.Unlock()

	if _, err := s.refresher.Refresh(ctx, force); err != nil {
		s.logger.Warn("scheduled refresh failed", "error", err)
	}

	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *Scheduler) onExemptRoute() bool {
	if s.route == nil {
		return false
	}
	_, exempt := s.exempt[s.route()]
	return exempt
}
