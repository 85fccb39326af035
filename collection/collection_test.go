package collection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	clientsync "github.com/wolfeidau/client-sync"
	"github.com/wolfeidau/client-sync/api"
)

// fakeToggleAPI is a scriptable toggle backend with call recording.
type fakeToggleAPI struct {
	mu    sync.Mutex
	calls []api.ToggleRequest

	resp *api.ToggleResponse
	err  error
}

func (f *fakeToggleAPI) ToggleItem(ctx context.Context, req api.ToggleRequest) (*api.ToggleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &api.ToggleResponse{OK: true}, nil
}

func (f *fakeToggleAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeToggleAPI) lastCall() api.ToggleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// fakeEntitlements records quota interactions.
type fakeEntitlements struct {
	deltas    atomic.Int32
	refreshes atomic.Int32
}

func (f *fakeEntitlements) ApplyDelta(ctx context.Context, used int) {
	f.deltas.Add(int32(used))
}

func (f *fakeEntitlements) Refresh(ctx context.Context, force bool) (clientsync.EntitlementSnapshot, error) {
	f.refreshes.Add(1)
	return clientsync.EntitlementSnapshot{}, nil
}

func TestAddSynthesizesPlaceholder(t *testing.T) {
	c := New(&fakeToggleAPI{}, nil)

	c.Add("x1", nil)

	require.True(t, c.Has("x1"))
	item := c.Get("x1")
	require.NotNil(t, item)
	require.Equal(t, "x1", item.DisplayName)
}

func TestAddInsertsAtHead(t *testing.T) {
	c := New(&fakeToggleAPI{}, nil)

	c.Add("a", nil)
	c.Add("b", nil)

	items := c.Items()
	require.Len(t, items, 2)
	require.Equal(t, "b", items[0].ID)
	require.Equal(t, "a", items[1].ID)
}

func TestRemoveTombstones(t *testing.T) {
	c := New(&fakeToggleAPI{}, nil)

	c.Add("a", clientsync.ItemData{"name": "Alpha"})
	c.Remove("a")

	require.False(t, c.Has("a"))
	require.Nil(t, c.Get("a"))
	require.Equal(t, 0, c.Len())

	// Re-adding restores the retained record, not a placeholder.
	c.Add("a", nil)
	require.Equal(t, "Alpha", c.Get("a").DisplayName)
}

func TestToggleAddsThenRemoves(t *testing.T) {
	backend := &fakeToggleAPI{}
	c := New(backend, nil)

	res := c.Toggle(context.Background(), "a", clientsync.ItemData{"name": "Alpha"})
	require.True(t, res.OK)
	require.True(t, c.Has("a"))
	require.True(t, backend.lastCall().DesiredState)

	res = c.Toggle(context.Background(), "a", nil)
	require.True(t, res.OK)
	require.False(t, c.Has("a"))
	require.False(t, backend.lastCall().DesiredState)
}

func TestToggleTwiceRestoresMembership(t *testing.T) {
	c := New(&fakeToggleAPI{}, nil)
	c.Add("existing", nil)

	before := c.Has("existing")
	res := c.Toggle(context.Background(), "existing", nil)
	require.True(t, res.OK)
	res = c.Toggle(context.Background(), "existing", nil)
	require.True(t, res.OK)

	require.Equal(t, before, c.Has("existing"))
	require.Equal(t, 1, c.Len())
}

func TestToggleRollbackOnTransportFailure(t *testing.T) {
	backend := &fakeToggleAPI{err: clientsync.Transient(errors.New("down"))}
	c := New(backend, nil)

	require.False(t, c.Has("a"))
	res := c.Toggle(context.Background(), "a", nil)

	require.False(t, res.OK)
	require.Equal(t, ReasonNetworkError, res.Reason)
	require.False(t, c.Has("a")) // identical to pre-toggle state
	require.Nil(t, c.Get("a"))   // synthesized placeholder fully undone
}

func TestToggleRollbackOnRemovalFailure(t *testing.T) {
	backend := &fakeToggleAPI{}
	c := New(backend, nil)
	c.Add("a", clientsync.ItemData{"name": "Alpha"})

	backend.mu.Lock()
	backend.err = clientsync.Transient(errors.New("down"))
	backend.mu.Unlock()

	res := c.Toggle(context.Background(), "a", nil)
	require.False(t, res.OK)
	require.True(t, c.Has("a"))
	require.Equal(t, "Alpha", c.Get("a").DisplayName)
}

func TestToggleQuotaExceeded(t *testing.T) {
	backend := &fakeToggleAPI{resp: &api.ToggleResponse{
		OK:           false,
		Reason:       clientsync.ReasonLimitReached,
		LimitReached: true,
	}}
	ents := &fakeEntitlements{}
	c := New(backend, ents)

	res := c.Toggle(context.Background(), "x", nil)
	c.Close()

	require.False(t, res.OK)
	require.True(t, res.LimitReached)
	require.Equal(t, clientsync.ReasonLimitReached, res.Reason)

	// Local mirror does not contain the item after the rejection.
	require.False(t, c.Has("x"))

	// The rejection triggered a forced entitlement revalidation.
	require.Equal(t, int32(1), ents.refreshes.Load())
	require.Equal(t, int32(0), ents.deltas.Load())
}

func TestToggleAuthFailure(t *testing.T) {
	backend := &fakeToggleAPI{err: clientsync.ErrAuthentication}
	c := New(backend, nil)

	res := c.Toggle(context.Background(), "a", nil)
	require.False(t, res.OK)
	require.True(t, res.AuthRequired)
	require.False(t, c.Has("a"))
}

func TestToggleSuccessAppliesQuotaDelta(t *testing.T) {
	ents := &fakeEntitlements{}
	c := New(&fakeToggleAPI{}, ents)

	res := c.Toggle(context.Background(), "a", nil)
	require.True(t, res.OK)
	require.Equal(t, int32(1), ents.deltas.Load())

	res = c.Toggle(context.Background(), "a", nil)
	require.True(t, res.OK)
	require.Equal(t, int32(0), ents.deltas.Load())
}

func TestToggleReconcilesUpdatedItem(t *testing.T) {
	backend := &fakeToggleAPI{resp: &api.ToggleResponse{
		OK: true,
		UpdatedItem: &clientsync.Item{
			ID:          "a",
			DisplayName: "Canonical Name",
			Source:      "catalog",
			SourceID:    "42",
		},
	}}
	c := New(backend, nil)

	res := c.Toggle(context.Background(), "a", nil)
	require.True(t, res.OK)

	item := c.Get("a")
	require.Equal(t, "Canonical Name", item.DisplayName)
	require.Equal(t, "catalog", item.Source)
}

func TestConcurrentTogglesOnSameIDSerialize(t *testing.T) {
	backend := &fakeToggleAPI{}
	c := New(backend, nil)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Toggle(context.Background(), "a", nil)
		}()
	}
	wg.Wait()

	// Both mutations ran in order: the second saw the first's optimistic
	// state, so the desired states must alternate.
	require.Equal(t, 2, backend.callCount())
	backend.mu.Lock()
	first, second := backend.calls[0], backend.calls[1]
	backend.mu.Unlock()
	require.NotEqual(t, first.DesiredState, second.DesiredState)

	// An even number of toggles lands back at the original membership.
	require.False(t, c.Has("a"))
}

func TestReplaceResetsMirror(t *testing.T) {
	c := New(&fakeToggleAPI{}, nil)
	c.Add("local", nil)

	c.Replace([]*clientsync.Item{
		{ID: "s1", DisplayName: "One"},
		{ID: "s2", DisplayName: "Two"},
	})

	require.False(t, c.Has("local"))
	require.True(t, c.Has("s1"))
	require.True(t, c.Has("s2"))
	items := c.Items()
	require.Equal(t, "s1", items[0].ID)
}
