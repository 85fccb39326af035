package confirm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clientsync "github.com/wolfeidau/client-sync"
	"github.com/wolfeidau/client-sync/api"
	"github.com/wolfeidau/client-sync/store/pendingdb"
)

// fakePaymentAPI scripts verify-payment responses per attempt.
type fakePaymentAPI struct {
	mu          sync.Mutex
	verifyCalls atomic.Int32
	orderCalls  atomic.Int32

	// responses is consumed one per call; the last entry repeats.
	responses []verifyStep

	// block, when non-nil, delays verify calls until closed.
	block chan struct{}
}

type verifyStep struct {
	resp *api.VerifyResponse
	err  error
}

func (f *fakePaymentAPI) CreatePaymentOrder(ctx context.Context, planID string) (*api.PaymentOrder, error) {
	f.orderCalls.Add(1)
	return &api.PaymentOrder{
		OrderID:     "ord-1",
		PaymentLink: "https://pay.example/ord-1",
		PaymentRef:  "ref-1",
		PlanID:      planID,
	}, nil
}

func (f *fakePaymentAPI) VerifyPayment(ctx context.Context, req api.VerifyRequest) (*api.VerifyResponse, error) {
	n := f.verifyCalls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.responses[min(int(n)-1, len(f.responses)-1)]
	return step.resp, step.err
}

type refreshCounter struct {
	calls atomic.Int32
}

func (r *refreshCounter) Refresh(ctx context.Context, force bool) (clientsync.EntitlementSnapshot, error) {
	r.calls.Add(1)
	return clientsync.EntitlementSnapshot{}, nil
}

func newTestDB(t *testing.T) *pendingdb.DB {
	t.Helper()
	db := pendingdb.New(pendingdb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "pending.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func okSteps() []verifyStep {
	return []verifyStep{{resp: &api.VerifyResponse{OK: true}}}
}

func record() *pendingdb.PendingConfirmation {
	return &pendingdb.PendingConfirmation{
		ExternalRef: pendingdb.ExternalRef{OrderID: "ord-1"},
		PlanRef:     "pro",
		PaymentRef:  "ref-1",
		State:       pendingdb.StateCreated,
	}
}

func TestBeginPersistsBeforeReturningLink(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{}
	e := New(db, backend, nil)

	order, err := e.Begin(context.Background(), "pro")
	require.NoError(t, err)
	require.Equal(t, "https://pay.example/ord-1", order.PaymentLink)

	rec, err := db.GetPending()
	require.NoError(t, err)
	require.Equal(t, "ord-1", rec.ExternalRef.OrderID)
	require.Equal(t, pendingdb.StateCreated, rec.State)
	require.Equal(t, "pro", rec.PlanRef)
}

func TestVerifySuccess(t *testing.T) {
	db := newTestDB(t)
	ents := &refreshCounter{}
	e := New(db, &fakePaymentAPI{responses: okSteps()}, ents)

	out := e.Verify(context.Background(), record())
	require.True(t, out.OK)

	// Record deleted, entitlements force-refreshed exactly once.
	_, err := db.GetPending()
	require.ErrorIs(t, err, pendingdb.ErrNotFound)
	require.Equal(t, int32(1), ents.calls.Load())
}

func TestVerifyMissingParameters(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: okSteps()}
	e := New(db, backend, nil)

	out := e.Verify(context.Background(), &pendingdb.PendingConfirmation{PlanRef: "pro"})
	require.False(t, out.OK)
	require.Equal(t, ReasonMissingParameters, out.Reason)

	out = e.Verify(context.Background(), &pendingdb.PendingConfirmation{
		ExternalRef: pendingdb.ExternalRef{OrderID: "ord-1"},
	})
	require.Equal(t, ReasonMissingParameters, out.Reason)

	// Neither call reached the network.
	require.Equal(t, int32(0), backend.verifyCalls.Load())
}

func TestVerifyRetriesTransientThenSucceeds(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: []verifyStep{
		{err: clientsync.Transient(errors.New("down"))},
		{err: clientsync.Transient(errors.New("down"))},
		{resp: &api.VerifyResponse{OK: true}},
	}}
	e := New(db, backend, nil, WithBackoffBase(time.Millisecond))

	out := e.Verify(context.Background(), record())
	require.True(t, out.OK)
	require.Equal(t, int32(3), backend.verifyCalls.Load())
}

func TestVerifyExhaustsRetries(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: []verifyStep{
		{err: clientsync.Transient(errors.New("down"))},
	}}
	e := New(db, backend, nil, WithBackoffBase(time.Millisecond))

	out := e.Verify(context.Background(), record())
	require.False(t, out.OK)
	require.Equal(t, ReasonRetriesExhausted, out.Reason)
	require.Equal(t, int32(DefaultMaxAttempts), backend.verifyCalls.Load())

	// The failed record survives as the user-dismissable indicator.
	rec, err := db.GetPending()
	require.NoError(t, err)
	require.Equal(t, pendingdb.StateFailed, rec.State)
	require.Equal(t, DefaultMaxAttempts, rec.Attempts)
}

func TestVerifyDefinitiveRejectionDoesNotRetry(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: []verifyStep{
		{resp: &api.VerifyResponse{OK: false, ErrorCode: "payment_not_found"}},
	}}
	e := New(db, backend, nil, WithBackoffBase(time.Millisecond))

	out := e.Verify(context.Background(), record())
	require.False(t, out.OK)
	require.Equal(t, "payment_not_found", out.Reason)
	require.Equal(t, int32(1), backend.verifyCalls.Load())
}

func TestVerifyBusinessErrorDoesNotRetry(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: []verifyStep{
		{err: &clientsync.BusinessError{Code: clientsync.ReasonNotFound}},
	}}
	e := New(db, backend, nil)

	out := e.Verify(context.Background(), record())
	require.False(t, out.OK)
	require.Equal(t, clientsync.ReasonNotFound, out.Reason)
	require.Equal(t, int32(1), backend.verifyCalls.Load())
}

func TestVerifyAuthFailure(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: []verifyStep{
		{err: clientsync.ErrAuthentication},
	}}
	e := New(db, backend, nil)

	out := e.Verify(context.Background(), record())
	require.False(t, out.OK)
	require.Equal(t, ReasonAuthRequired, out.Reason)
}

func TestConcurrentVerifyCoalesces(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: okSteps(), block: make(chan struct{})}
	e := New(db, backend, nil)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 4)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = e.Verify(context.Background(), record())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(backend.block)
	wg.Wait()

	require.Equal(t, int32(1), backend.verifyCalls.Load())
	for _, out := range outcomes {
		require.True(t, out.OK)
	}
}

func TestSettledOutcomeServedFromCache(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: okSteps()}
	e := New(db, backend, nil)

	out := e.Verify(context.Background(), record())
	require.True(t, out.OK)

	// A duplicate trigger right after settlement: same outcome, no call.
	out = e.Verify(context.Background(), record())
	require.True(t, out.OK)
	require.Equal(t, int32(1), backend.verifyCalls.Load())
}

func TestResumeAfterReload(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.PutPending(&pendingdb.PendingConfirmation{
		ExternalRef: pendingdb.ExternalRef{OrderID: "ord-1"},
		PlanRef:     "pro",
		State:       pendingdb.StateVerifying,
		Attempts:    2,
	}))

	backend := &fakePaymentAPI{responses: okSteps()}
	ents := &refreshCounter{}
	e := New(db, backend, ents)

	out, found := e.Resume(context.Background())
	require.True(t, found)
	require.True(t, out.OK)

	// Exactly one automatic verification attempt, no user input needed.
	require.Equal(t, int32(1), backend.verifyCalls.Load())
	require.Equal(t, int32(1), ents.calls.Load())
}

func TestResumeWithoutRecord(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: okSteps()}
	e := New(db, backend, nil)

	_, found := e.Resume(context.Background())
	require.False(t, found)
	require.Equal(t, int32(0), backend.verifyCalls.Load())
}

func TestRetryAfterFailureResetsBudget(t *testing.T) {
	db := newTestDB(t)
	backend := &fakePaymentAPI{responses: []verifyStep{
		{err: clientsync.Transient(errors.New("down"))},
	}}
	e := New(db, backend, nil, WithBackoffBase(time.Millisecond))

	out := e.Verify(context.Background(), record())
	require.False(t, out.OK)
	require.Equal(t, int32(DefaultMaxAttempts), backend.verifyCalls.Load())

	// The user retries once the network is back.
	backend.mu.Lock()
	backend.responses = okSteps()
	backend.mu.Unlock()

	out, found := e.Retry(context.Background())
	require.True(t, found)
	require.True(t, out.OK)
}

func TestDismissDeletesRecord(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.PutPending(&pendingdb.PendingConfirmation{
		ExternalRef: pendingdb.ExternalRef{OrderID: "ord-1"},
		PlanRef:     "pro",
		State:       pendingdb.StateFailed,
	}))
	e := New(db, &fakePaymentAPI{responses: okSteps()}, nil)

	require.NoError(t, e.Dismiss())
	_, found := e.Pending()
	require.False(t, found)
}
