// Package coalesce deduplicates concurrent requests for the same logical
// operation. When several callers ask for the same key while a call is
// already in flight, they all wait on the single outstanding call instead of
// issuing duplicates. This is what keeps independent "refresh on mount"
// triggers from turning into request storms.
//
// The group never retries; retry policy belongs to callers.
package coalesce

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Producer performs the actual work for a key. The context passed to it is
// detached from any single caller so that one caller timing out does not
// cancel the call for the other waiters.
type Producer func(ctx context.Context) (any, error)

// Group coalesces concurrent calls per key. It uses DoChan so each caller
// can respect its own context deadline without cancelling the shared call.
type Group struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// New creates a Group.
func New(opts ...Option) *Group {
	g := &Group{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn for key, or joins an already in-flight call for the same key.
// Returns the result, whether it was shared with another caller, and any
// error. Producer failure propagates unchanged to every waiter, and the slot
// is cleared on completion so the next call after that starts fresh.
//
// If the caller's context expires first, Do returns the context error while
// the in-flight call continues for the remaining waiters.
func (g *Group) Do(ctx context.Context, key string, fn Producer) (any, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			g.logger.Debug("coalesced request", "key", key)
		}
		return res.Val, res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops any in-flight slot for key so the next Do starts a new call.
// Typically called after a failure when the caller intends to retry.
func (g *Group) Forget(key string) {
	g.group.Forget(key)
}
