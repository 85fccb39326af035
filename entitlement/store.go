// Package entitlement maintains the cached view of the user's subscription
// and usage entitlement. The server owns the truth; this store owns the last
// known snapshot, refreshes it through a coalesced fetch, and applies
// optimistic usage deltas between refreshes.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	clientsync "github.com/wolfeidau/client-sync"
	"github.com/wolfeidau/client-sync/cache"
	"github.com/wolfeidau/client-sync/coalesce"
	"github.com/wolfeidau/client-sync/telemetry"
)

const (
	// DefaultTTL is how long a fetched snapshot is considered fresh.
	DefaultTTL = 2 * time.Minute

	// DefaultCatalogTTL is how long the plan catalog is cached for the
	// consistency repair pass.
	DefaultCatalogTTL = 10 * time.Minute

	// DefaultLowWater is the remaining-usage threshold at or below which an
	// optimistic delta schedules a forced refresh.
	DefaultLowWater = 1

	snapshotKey = "entitlement"
	catalogKey  = "plans"
)

// API is the slice of the authority server the store needs.
type API interface {
	EntitlementStatus(ctx context.Context) (*clientsync.EntitlementSnapshot, error)
	PlanCatalog(ctx context.Context) ([]clientsync.PlanRef, error)
}

// Store is the cached entitlement snapshot. It is the only writer of the
// snapshot cache entry.
type Store struct {
	api     API
	cache   *cache.TimedCache[string, clientsync.EntitlementSnapshot]
	catalog *ttlcache.Cache[string, []clientsync.PlanRef]
	group   *coalesce.Group
	logger  *slog.Logger
	now     func() time.Time

	lowWater int

	// refreshing guards the background low-water refresh so deltas arriving
	// in a burst schedule at most one.
	mu         sync.Mutex
	refreshing bool
	wg         sync.WaitGroup
}

// Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	ttl        time.Duration
	catalogTTL time.Duration
	lowWater   int
	logger     *slog.Logger
	now        func() time.Time
}

// WithTTL sets the snapshot freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *storeConfig) {
		c.ttl = ttl
	}
}

// WithCatalogTTL sets the plan catalog cache TTL.
func WithCatalogTTL(ttl time.Duration) Option {
	return func(c *storeConfig) {
		c.catalogTTL = ttl
	}
}

// WithLowWater sets the remaining-usage threshold for delta-triggered
// forced refreshes.
func WithLowWater(n int) Option {
	return func(c *storeConfig) {
		c.lowWater = n
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *storeConfig) {
		c.now = now
	}
}

// New creates a Store backed by the given server API.
func New(api API, opts ...Option) *Store {
	cfg := &storeConfig{
		ttl:        DefaultTTL,
		catalogTTL: DefaultCatalogTTL,
		lowWater:   DefaultLowWater,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Store{
		api: api,
		cache: cache.New(cfg.ttl,
			cache.WithNow[string, clientsync.EntitlementSnapshot](cfg.now)),
		catalog: ttlcache.New(
			ttlcache.WithTTL[string, []clientsync.PlanRef](cfg.catalogTTL),
			ttlcache.WithDisableTouchOnHit[string, []clientsync.PlanRef](),
		),
		group:    coalesce.New(coalesce.WithLogger(cfg.logger)),
		logger:   cfg.logger,
		now:      cfg.now,
		lowWater: cfg.lowWater,
	}
}

// GetSnapshot returns the last known snapshot synchronously, possibly stale.
// It never blocks and never triggers a fetch.
func (s *Store) GetSnapshot() (clientsync.EntitlementSnapshot, bool) {
	snap, _, ok := s.cache.Get(snapshotKey)
	return snap, ok
}

// Refresh returns a fresh snapshot, fetching from the server as needed.
//
// Without force, a fresh cache entry is returned with no network call.
// Concurrent refreshes coalesce into one fetch. On fetch failure the last
// known (stale) snapshot is returned as a fallback alongside the error; the
// caller decides whether the fallback is usable.
func (s *Store) Refresh(ctx context.Context, force bool) (clientsync.EntitlementSnapshot, error) {
	if !force {
		if snap, fresh, ok := s.cache.Get(snapshotKey); ok && fresh {
			return snap, nil
		}
	}

	start := s.now()
	result, shared, err := s.group.Do(ctx, snapshotKey, func(ctx context.Context) (any, error) {
		return s.fetch(ctx)
	})
	if shared {
		telemetry.RecordCoalesced(ctx, "entitlement_refresh")
	}
	if err != nil {
		telemetry.RecordRefresh(ctx, trigger(force), "error", s.now().Sub(start))
		if stale, _, ok := s.cache.Get(snapshotKey); ok {
			s.logger.Warn("entitlement refresh failed, serving stale snapshot", "error", err)
			return stale, fmt.Errorf("refreshing entitlement: %w", err)
		}
		return clientsync.EntitlementSnapshot{}, fmt.Errorf("refreshing entitlement: %w", err)
	}

	telemetry.RecordRefresh(ctx, trigger(force), "ok", s.now().Sub(start))
	return result.(clientsync.EntitlementSnapshot), nil
}

// fetch retrieves, repairs and stores a snapshot. The cache write is the
// last step, so concurrent readers observe either the previous value or the
// fully-formed new one.
func (s *Store) fetch(ctx context.Context) (clientsync.EntitlementSnapshot, error) {
	remote, err := s.api.EntitlementStatus(ctx)
	if err != nil {
		return clientsync.EntitlementSnapshot{}, err
	}

	snap := *remote
	if !snap.Consistent() {
		snap = s.repair(ctx, snap)
	}

	s.cache.Set(snapshotKey, snap)
	return snap, nil
}

// repair handles an entitled-but-no-plan response with a single supplementary
// catalog fetch. This is a best-effort heuristic: the plan is matched by the
// snapshot's id/name hint and otherwise guessed as the first active catalog
// plan. It runs at most once per refresh and never recurses; when the
// catalog fetch itself fails, the inconsistent snapshot is accepted with
// Warning set rather than looping.
func (s *Store) repair(ctx context.Context, snap clientsync.EntitlementSnapshot) clientsync.EntitlementSnapshot {
	plans, err := s.plans(ctx)
	if err != nil {
		s.logger.Warn("entitlement snapshot inconsistent and repair fetch failed",
			"error", err)
		snap.Warning = true
		return snap
	}

	if plan := pickPlan(plans, snap.PlanHint); plan != nil {
		s.logger.Info("repaired inconsistent entitlement snapshot", "plan", plan.ID)
		snap.Plan = plan
		return snap
	}

	s.logger.Warn("entitlement snapshot inconsistent, no active plan in catalog")
	snap.Warning = true
	return snap
}

// plans returns the plan catalog, cached for CatalogTTL.
func (s *Store) plans(ctx context.Context) ([]clientsync.PlanRef, error) {
	if item := s.catalog.Get(catalogKey); item != nil {
		return item.Value(), nil
	}

	result, _, err := s.group.Do(ctx, catalogKey, func(ctx context.Context) (any, error) {
		return s.api.PlanCatalog(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching plan catalog: %w", err)
	}

	plans := result.([]clientsync.PlanRef)
	s.catalog.Set(catalogKey, plans, ttlcache.DefaultTTL)
	return plans, nil
}

func pickPlan(plans []clientsync.PlanRef, hint string) *clientsync.PlanRef {
	var fallback *clientsync.PlanRef
	for i := range plans {
		plan := &plans[i]
		if !plan.Active {
			continue
		}
		if hint != "" && (plan.ID == hint || strings.EqualFold(plan.Name, hint)) {
			return plan
		}
		if fallback == nil {
			fallback = plan
		}
	}
	return fallback
}

// ApplyDelta optimistically adds used units to the cached snapshot after a
// successful unit-consuming operation, avoiding a full round trip. When the
// remaining count drops to the low-water mark, a forced refresh is scheduled
// in the background (at most one at a time).
func (s *Store) ApplyDelta(ctx context.Context, used int) {
	var remaining int
	limited := false
	s.cache.Mutate(snapshotKey, func(snap clientsync.EntitlementSnapshot) clientsync.EntitlementSnapshot {
		snap.Used += used
		remaining = snap.Remaining()
		limited = snap.Limit != clientsync.UnlimitedLimit
		return snap
	})

	if !limited || remaining > s.lowWater {
		return
	}

	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.mu.Unlock()

	s.logger.Debug("usage near limit, scheduling forced refresh", "remaining", remaining)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.refreshing = false
			s.mu.Unlock()
		}()
		if _, err := s.Refresh(context.WithoutCancel(ctx), true); err != nil {
			s.logger.Warn("low-water refresh failed", "error", err)
		}
	}()
}

// Invalidate drops the cached snapshot and catalog. Used on logout so the
// next session starts from a hard miss.
func (s *Store) Invalidate() {
	s.cache.InvalidateAll()
	s.catalog.DeleteAll()
}

// Close waits for any background refresh to finish.
func (s *Store) Close() {
	s.wg.Wait()
}

func trigger(force bool) string {
	if force {
		return "forced"
	}
	return "normal"
}
