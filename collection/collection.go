// Package collection maintains the client-side mirror of the user's saved
// items. Mutations apply to the mirror immediately (so the UI never waits on
// the network) and are confirmed or rolled back when the server responds.
//
// Removals tombstone rather than delete, so a rejected removal can be rolled
// back without re-synthesizing the record. Presentation code sees only
// non-tombstoned items.
package collection

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	clientsync "github.com/wolfeidau/client-sync"
	"github.com/wolfeidau/client-sync/api"
	"github.com/wolfeidau/client-sync/coalesce"
	"github.com/wolfeidau/client-sync/telemetry"
)

// revalidateTimeout bounds background quota revalidation after the
// triggering call has returned.
const revalidateTimeout = 30 * time.Second

// Toggle result reasons not originating from the server.
const (
	ReasonNetworkError = "network_error"
	ReasonAuthRequired = "auth_required"
)

// Result is the outcome of a toggle. Toggle never returns an error; domain
// failures are reported here so callers are not forced into error handling
// for expected rejections.
type Result struct {
	OK     bool
	Reason string

	// LimitReached marks a quota rejection; an entitlement revalidation has
	// already been scheduled when it is set.
	LimitReached bool

	// AuthRequired marks a credential rejection; the host application should
	// force re-authentication.
	AuthRequired bool
}

// ToggleAPI is the slice of the authority server the collection needs.
type ToggleAPI interface {
	ToggleItem(ctx context.Context, req api.ToggleRequest) (*api.ToggleResponse, error)
}

// Entitlements is the quota collaborator: deltas on success, forced refresh
// on quota rejection.
type Entitlements interface {
	ApplyDelta(ctx context.Context, used int)
	Refresh(ctx context.Context, force bool) (clientsync.EntitlementSnapshot, error)
}

// Collection is the optimistic saved-items mirror. It exclusively owns the
// item records; all reads and mutations go through its API.
type Collection struct {
	api          ToggleAPI
	entitlements Entitlements
	group        *coalesce.Group
	locks        *keyedMutex
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.Mutex
	order []string // item ids, most-recent-first, tombstones included
	items map[string]*clientsync.Item

	wg sync.WaitGroup
}

// Option configures a Collection.
type Option func(*Collection)

// WithLogger sets the logger for the collection.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collection) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Collection) {
		c.now = now
	}
}

// New creates a Collection. entitlements may be nil when no quota tracking
// is wanted (reads and rollbacks still work; revalidation is skipped).
func New(toggleAPI ToggleAPI, entitlements Entitlements, opts ...Option) *Collection {
	c := &Collection{
		api:          toggleAPI,
		entitlements: entitlements,
		group:        coalesce.New(),
		locks:        newKeyedMutex(),
		logger:       slog.Default(),
		now:          time.Now,
		items:        make(map[string]*clientsync.Item),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Has reports whether id is currently in the collection (tombstoned items
// are not).
func (c *Collection) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.has(id)
}

func (c *Collection) has(id string) bool {
	item, ok := c.items[id]
	return ok && !item.Removed
}

// Get returns the item for id, or nil when absent or tombstoned.
func (c *Collection) Get(id string) *clientsync.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[id]; ok && !item.Removed {
		copied := *item
		return &copied
	}
	return nil
}

// Items returns the visible items, most-recent-first.
func (c *Collection) Items() []*clientsync.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*clientsync.Item, 0, len(c.order))
	for _, id := range c.order {
		if item := c.items[id]; item != nil && !item.Removed {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out
}

// Len returns the number of visible items.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.items {
		if !item.Removed {
			n++
		}
	}
	return n
}

// Add inserts id into the local mirror at the head, before any network call.
// When data is nil and the item is unknown, a minimal placeholder is
// synthesized so the UI has something renderable.
func (c *Collection) Add(id string, data clientsync.ItemData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(id, data)
}

func (c *Collection) add(id string, data clientsync.ItemData) {
	item, known := c.items[id]
	switch {
	case known:
		item.Removed = false
		item.AddedAt = c.now()
	case data != nil:
		item = clientsync.FromData(data, c.now())
		item.ID = id
		c.items[id] = item
	default:
		c.items[id] = clientsync.NewPlaceholder(id, c.now())
	}

	// Move to head.
	c.order = slices.DeleteFunc(c.order, func(s string) bool { return s == id })
	c.order = append([]string{id}, c.order...)
}

// Remove tombstones id in the local mirror. The record is retained so a
// rejected removal can be rolled back.
func (c *Collection) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(id)
}

func (c *Collection) remove(id string) {
	if item, ok := c.items[id]; ok {
		item.Removed = true
	}
}

// Replace resets the mirror to the given server-provided items, dropping all
// local state including tombstones. Used on initial load and logout.
func (c *Collection) Replace(items []*clientsync.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*clientsync.Item, len(items))
	c.order = c.order[:0]
	for _, item := range items {
		copied := *item
		c.items[item.ID] = &copied
		c.order = append(c.order, item.ID)
	}
}

// Toggle flips id's membership: optimistic local mutation first, then the
// server call, then rollback if the server rejects. Toggles on the same id
// serialize, so a second call issued mid-flight starts from the first's
// optimistic state and still produces the correct final server call.
func (c *Collection) Toggle(ctx context.Context, id string, data clientsync.ItemData) Result {
	unlock := c.locks.lock(id)
	defer unlock()

	c.mu.Lock()
	before := c.snapshot(id)
	desired := !c.has(id)
	if desired {
		c.add(id, data)
	} else {
		c.remove(id)
	}
	c.mu.Unlock()

	resp, err := c.toggleRemote(ctx, id, desired, data)
	switch {
	case err != nil:
		c.rollback(id, before)
		return c.failure(ctx, err)
	case !resp.OK:
		c.rollback(id, before)
		return c.rejection(ctx, resp)
	}

	if resp.UpdatedItem != nil {
		c.reconcile(resp.UpdatedItem)
	}
	c.revalidateQuota(ctx, desired)

	telemetry.RecordToggle(ctx, "ok")
	return Result{OK: true}
}

// toggleRemote issues the mutation, coalesced per item id so duplicate
// triggers for the same mutation share one request.
func (c *Collection) toggleRemote(ctx context.Context, id string, desired bool, data clientsync.ItemData) (*api.ToggleResponse, error) {
	result, _, err := c.group.Do(ctx, "toggle:"+id, func(ctx context.Context) (any, error) {
		return c.api.ToggleItem(ctx, api.ToggleRequest{
			ID:           id,
			DesiredState: desired,
			ItemData:     data,
		})
	})
	if err != nil {
		return nil, err
	}
	return result.(*api.ToggleResponse), nil
}

// itemState captures one item's pre-toggle state for rollback.
type itemState struct {
	item  *clientsync.Item // copy; nil when the id was unknown
	order []string
}

func (c *Collection) snapshot(id string) itemState {
	state := itemState{order: slices.Clone(c.order)}
	if item, ok := c.items[id]; ok {
		copied := *item
		state.item = &copied
	}
	return state
}

// rollback restores the pre-toggle state for id. A single restore, not a
// cascade: only the toggled item and the ordering are touched.
func (c *Collection) rollback(id string, before itemState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if before.item == nil {
		delete(c.items, id)
	} else {
		copied := *before.item
		c.items[id] = &copied
	}
	c.order = before.order
}

func (c *Collection) failure(ctx context.Context, err error) Result {
	switch {
	case err == nil:
		return Result{OK: true}
	case clientsync.IsTransient(err):
		c.logger.Warn("toggle failed, rolled back", "error", err)
		telemetry.RecordRollback(ctx, "network")
		telemetry.RecordToggle(ctx, "network_error")
		return Result{Reason: ReasonNetworkError}
	case errors.Is(err, clientsync.ErrAuthentication):
		telemetry.RecordRollback(ctx, "auth")
		telemetry.RecordToggle(ctx, "auth_required")
		return Result{Reason: ReasonAuthRequired, AuthRequired: true}
	default:
		if be, ok := clientsync.AsBusiness(err); ok {
			return c.rejection(ctx, &api.ToggleResponse{Reason: be.Code, LimitReached: be.LimitReached})
		}
		c.logger.Warn("toggle failed, rolled back", "error", err)
		telemetry.RecordRollback(ctx, "network")
		telemetry.RecordToggle(ctx, "network_error")
		return Result{Reason: ReasonNetworkError}
	}
}

// rejection maps a definitive server rejection. A quota rejection means the
// local entitlement view is out of date, so a forced refresh is scheduled.
func (c *Collection) rejection(ctx context.Context, resp *api.ToggleResponse) Result {
	telemetry.RecordRollback(ctx, "rejected")
	telemetry.RecordToggle(ctx, "rejected")

	if resp.LimitReached && c.entitlements != nil {
		c.background(ctx, func(ctx context.Context) {
			if _, err := c.entitlements.Refresh(ctx, true); err != nil {
				c.logger.Warn("post-rejection entitlement refresh failed", "error", err)
			}
		})
	}

	reason := resp.Reason
	if reason == "" {
		reason = "rejected"
	}
	return Result{Reason: reason, LimitReached: resp.LimitReached}
}

// revalidateQuota applies the optimistic usage delta after a successful
// toggle. Not awaited beyond the local mutation; ApplyDelta itself may
// schedule a forced refresh when the remaining count runs low.
func (c *Collection) revalidateQuota(ctx context.Context, added bool) {
	if c.entitlements == nil {
		return
	}
	delta := 1
	if !added {
		delta = -1
	}
	c.entitlements.ApplyDelta(ctx, delta)
}

func (c *Collection) reconcile(updated *clientsync.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.items[updated.ID]; ok {
		removed := existing.Removed
		copied := *updated
		copied.Removed = removed
		c.items[updated.ID] = &copied
	}
}

func (c *Collection) background(ctx context.Context, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revalidateTimeout)
		defer cancel()
		fn(bctx)
	}()
}

// Close waits for background revalidations to complete.
func (c *Collection) Close() {
	c.wg.Wait()
}
