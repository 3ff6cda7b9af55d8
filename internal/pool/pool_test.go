package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webscrape/fetchcore/internal/errs"
	"github.com/webscrape/fetchcore/internal/proxystore"
	"github.com/webscrape/fetchcore/pkg/logger"
)

type fakeStore struct {
	mu                 sync.Mutex
	rows               []proxystore.Proxy
	incrementCalls     map[int]int
	incrementCallCount int
	markLastUsed       map[int]int
	fetchActiveCalls   int
	fetchActiveErr     error
}

func newFakeStore(ids ...int) *fakeStore {
	rows := make([]proxystore.Proxy, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, proxystore.Proxy{ID: id, Address: "10.0.0.1", Port: 8080, Scheme: proxystore.SchemeHTTP, Status: proxystore.StatusActive})
	}
	return &fakeStore{rows: rows, incrementCalls: map[int]int{}, markLastUsed: map[int]int{}}
}

func (f *fakeStore) FetchActive(ctx context.Context, limit int) ([]proxystore.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchActiveCalls++
	if f.fetchActiveErr != nil {
		return nil, f.fetchActiveErr
	}
	if limit > len(f.rows) {
		limit = len(f.rows)
	}
	out := make([]proxystore.Proxy, limit)
	copy(out, f.rows[:limit])
	return out, nil
}

func (f *fakeStore) IncrementErrorBy(ctx context.Context, id, by int) (int, proxystore.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrementCallCount++
	f.incrementCalls[id] += by
	return f.incrementCalls[id], proxystore.StatusActive, nil
}

func (f *fakeStore) MarkLastUsed(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markLastUsed[id]++
	return nil
}

func newTestPool(store Store) *Pool {
	return New(store, 50, 10, time.Hour, time.Hour, logger.NewDiscard())
}

func TestPool_AcquireExcludesRequestAndFailSet(t *testing.T) {
	store := newFakeStore(1, 2, 3)
	p := newTestPool(store)
	require.NoError(t, p.refresh(context.Background()))

	e, ok := p.Acquire(context.Background(), map[int]bool{1: true})
	require.True(t, ok)
	assert.NotEqual(t, 1, e.ID)
}

func TestPool_ReleaseFailureQuarantines(t *testing.T) {
	store := newFakeStore(1, 2)
	p := newTestPool(store)
	require.NoError(t, p.refresh(context.Background()))

	e, ok := p.Acquire(context.Background(), nil)
	require.True(t, ok)

	p.Release(e, false)

	p.mu.Lock()
	inFail := p.failSet[e.ID]
	inFIFO := false
	for _, entry := range p.fifo {
		if entry.ID == e.ID {
			inFIFO = true
		}
	}
	p.mu.Unlock()

	assert.True(t, inFail)
	assert.False(t, inFIFO)
}

func TestPool_ReleaseSuccessRequeues(t *testing.T) {
	store := newFakeStore(1)
	p := newTestPool(store)
	require.NoError(t, p.refresh(context.Background()))

	e, ok := p.Acquire(context.Background(), nil)
	require.True(t, ok)

	p.Release(e, true)

	p.mu.Lock()
	pending := p.pendingSuccessMarks[e.ID]
	p.mu.Unlock()
	assert.True(t, pending)
	assert.Equal(t, 1, p.Size())
}

func TestPool_AcquireOnEmptyForcesRefresh(t *testing.T) {
	store := newFakeStore(1)
	p := newTestPool(store)

	e, ok := p.Acquire(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, 1, e.ID)
	assert.GreaterOrEqual(t, store.fetchActiveCalls, 1)
}

func TestPool_AcquireExcludeAllReturnsNone(t *testing.T) {
	store := newFakeStore(1, 2)
	p := newTestPool(store)
	require.NoError(t, p.refresh(context.Background()))

	_, ok := p.Acquire(context.Background(), map[int]bool{1: true, 2: true})
	assert.False(t, ok)
}

func TestPool_WritebackFlushMatchesReleaseCalls(t *testing.T) {
	store := newFakeStore(1, 2, 3)
	p := newTestPool(store)
	require.NoError(t, p.refresh(context.Background()))

	e1, _ := p.Acquire(context.Background(), nil)
	p.Release(e1, false)
	e2, _ := p.Acquire(context.Background(), nil)
	p.Release(e2, false)

	p.flushWriteback(context.Background())

	total := 0
	for _, n := range store.incrementCalls {
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestPool_WritebackBatchesErrorsPerProxyIntoOneCall(t *testing.T) {
	store := newFakeStore(1)
	p := newTestPool(store)
	require.NoError(t, p.refresh(context.Background()))

	e, ok := p.Acquire(context.Background(), nil)
	require.True(t, ok)

	// Release(false) is called repeatedly against the same already-acquired
	// entry to accumulate several pending failures for one proxy before a
	// single flush, the way bursty failures on one proxy would in practice.
	for i := 0; i < 5; i++ {
		p.Release(e, false)
	}

	p.flushWriteback(context.Background())

	assert.Equal(t, 5, store.incrementCalls[1], "all 5 failures must be credited")
	assert.Equal(t, 1, store.incrementCallCount, "5 accumulated failures for one proxy must flush as a single round trip")
}

func TestPool_AcquireRotatesPastExcludedEntriesBeyondFiftyEntryPools(t *testing.T) {
	ids := make([]int, 80)
	for i := range ids {
		ids[i] = i + 1
	}
	store := newFakeStore(ids...)
	p := New(store, 80, 10, time.Hour, time.Hour, logger.NewDiscard())
	require.NoError(t, p.refresh(context.Background()))

	exclude := make(map[int]bool, 79)
	for _, id := range ids[:79] {
		exclude[id] = true
	}

	e, ok := p.Acquire(context.Background(), exclude)
	require.True(t, ok, "the one non-excluded entry in an 80-entry pool must still be found")
	assert.Equal(t, ids[79], e.ID)
}

func TestPool_StoreUnavailableSkipsNextScheduledRefresh(t *testing.T) {
	store := newFakeStore(1)
	store.fetchActiveErr = errs.New(errs.KindStoreUnavailable, "circuit open")
	p := newTestPool(store)

	require.Error(t, p.refresh(context.Background()))
	assert.True(t, p.StoreUnavailable())

	p.mu.Lock()
	skip := p.skipNextRefresh
	p.mu.Unlock()
	assert.True(t, skip, "a StoreUnavailable refresh failure must mark the next scheduled refresh to be skipped")

	store.fetchActiveErr = nil
	require.NoError(t, p.refresh(context.Background()))
	assert.False(t, p.StoreUnavailable(), "a successful refresh clears the store-unavailable state")
}

func TestPool_ResetFailSet(t *testing.T) {
	store := newFakeStore(1, 2)
	p := newTestPool(store)
	require.NoError(t, p.refresh(context.Background()))

	e, _ := p.Acquire(context.Background(), nil)
	p.Release(e, false)

	n := p.ResetFailSet()
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, p.ResetFailSet())
}

func TestPool_AcquireAlwaysForcesRefreshBeyondBurst(t *testing.T) {
	store := newFakeStore()
	// A short refresh interval keeps the limiter's refill fast so the test
	// doesn't block for real wall-clock minutes waiting on a token.
	p := New(store, 50, 10, 10*time.Millisecond, time.Hour, logger.NewDiscard())

	calls := forcedRefreshBurst + 2
	for i := 0; i < calls; i++ {
		_, ok := p.Acquire(context.Background(), nil)
		assert.False(t, ok)
	}
	assert.Equal(t, calls, store.fetchActiveCalls, "every Acquire on an exhausted pool must force a refresh, even beyond the limiter's burst")
}

func TestPool_AcquireRespectsContextCancelWhileWaitingOnLimiter(t *testing.T) {
	store := newFakeStore()
	p := New(store, 50, 10, time.Hour, time.Hour, logger.NewDiscard())

	for i := 0; i < forcedRefreshBurst; i++ {
		_, ok := p.Acquire(context.Background(), nil)
		assert.False(t, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := p.Acquire(ctx, nil)
	assert.False(t, ok)
}

func TestPool_StopDrainsPendingWriteback(t *testing.T) {
	store := newFakeStore(1)
	p := newTestPool(store)
	require.NoError(t, p.Start(context.Background()))

	e, ok := p.Acquire(context.Background(), nil)
	require.True(t, ok)
	p.Release(e, true)

	p.Stop(context.Background())

	assert.Equal(t, 1, store.markLastUsed[e.ID])
}
