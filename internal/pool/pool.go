// Package pool implements the Proxy Pool: a bounded, self-refreshing FIFO
// cache of proxy entries drawn from the Proxy Store, with request-scoped
// exclusion, failure quarantine, and batched writeback.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/webscrape/fetchcore/internal/errs"
	"github.com/webscrape/fetchcore/internal/proxystore"
	"github.com/webscrape/fetchcore/pkg/logger"
)

// forcedRefreshBurst bounds how many Acquire-triggered forced refreshes can
// run back to back before the limiter starts making callers wait for a
// token; concurrent callers hammering an exhausted pool queue up instead of
// turning into a Store refresh storm, but every caller still gets its
// forced refresh before Acquire gives up.
const forcedRefreshBurst = 2

// Store is the subset of *proxystore.Store the Pool needs. Accepting an
// interface here (rather than the concrete type) lets tests drive the Pool
// against a fake without a real database.
type Store interface {
	FetchActive(ctx context.Context, limit int) ([]proxystore.Proxy, error)
	IncrementErrorBy(ctx context.Context, id, by int) (int, proxystore.Status, error)
	MarkLastUsed(ctx context.Context, id int) error
}

// Pool maintains the FIFO and its background maintenance worker.
type Pool struct {
	store  Store
	logger *logger.Logger
	clock  func() time.Time

	targetSize int
	minSize    int

	refreshInterval time.Duration
	batchInterval   time.Duration

	mu                     sync.Mutex
	fifo                   []Entry
	failSet                map[int]bool
	usage                  map[int]int
	pendingErrorIncrements map[int]int
	pendingSuccessMarks    map[int]bool
	lastRefresh            time.Time
	lastFlush              time.Time
	storeUnavailable       bool
	skipNextRefresh        bool

	refreshLimiter *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool bound to store. Call Start to begin background
// maintenance; the pool is empty until the first refresh completes.
func New(store Store, targetSize, minSize int, refreshInterval, batchInterval time.Duration, log *logger.Logger) *Pool {
	return &Pool{
		store:                  store,
		logger:                 log,
		clock:                  time.Now,
		targetSize:             targetSize,
		minSize:                minSize,
		refreshInterval:        refreshInterval,
		batchInterval:          batchInterval,
		failSet:                map[int]bool{},
		usage:                  map[int]int{},
		pendingErrorIncrements: map[int]int{},
		pendingSuccessMarks:    map[int]bool{},
		refreshLimiter:         rate.NewLimiter(rate.Every(refreshInterval/10), forcedRefreshBurst),
		stopCh:                 make(chan struct{}),
	}
}

// Start performs an initial refresh and launches the background
// maintenance worker (periodic refresh, batch writeback, health check).
func (p *Pool) Start(ctx context.Context) error {
	if err := p.refresh(ctx); err != nil {
		p.logger.Warn("initial proxy pool refresh failed", "error", err)
	}

	p.wg.Add(1)
	go p.maintain(ctx)
	return nil
}

// Stop signals the maintenance worker to exit and drains pending writebacks
// before returning.
func (p *Pool) Stop(ctx context.Context) {
	close(p.stopCh)
	p.wg.Wait()
	p.flushWriteback(ctx)
}

func (p *Pool) maintain(ctx context.Context) {
	defer p.wg.Done()

	refreshTicker := time.NewTicker(p.refreshInterval)
	defer refreshTicker.Stop()
	batchTicker := time.NewTicker(p.batchInterval)
	defer batchTicker.Stop()
	healthTicker := time.NewTicker(time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case <-refreshTicker.C:
			p.mu.Lock()
			skip := p.skipNextRefresh
			p.skipNextRefresh = false
			p.mu.Unlock()
			if skip {
				p.logger.Warn("skipping scheduled proxy pool refresh, store circuit still open")
				continue
			}
			if err := p.refresh(ctx); err != nil {
				p.logger.Warn("periodic proxy pool refresh failed", "error", err)
			}
		case <-batchTicker.C:
			p.flushWriteback(ctx)
		case <-healthTicker.C:
			p.mu.Lock()
			low := len(p.fifo) < p.minSize
			p.mu.Unlock()
			if low {
				if err := p.refresh(ctx); err != nil {
					p.logger.Warn("health-triggered proxy pool refresh failed", "error", err)
				}
			}
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refresh drains the FIFO, fetches a fresh batch from the Store, and
// enqueues entries not in the fail-set. If the result is below minimum and
// the fail-set is non-empty, the fail-set is cleared and refresh retried
// once. A StoreUnavailable failure (the Store's circuit breaker is open)
// marks the pool store-unavailable and skips the next scheduled refresh,
// instead of hammering an already-open breaker every tick.
func (p *Pool) refresh(ctx context.Context) error {
	rows, err := p.store.FetchActive(ctx, p.targetSize)
	if err != nil {
		p.noteRefreshErr(err)
		return err
	}

	p.mu.Lock()
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		if !p.failSet[row.ID] {
			entries = append(entries, NewEntry(row))
		}
	}
	p.fifo = entries
	p.lastRefresh = p.clock()
	p.storeUnavailable = false
	below := len(p.fifo) < p.minSize
	retry := below && len(p.failSet) > 0
	if retry {
		p.failSet = map[int]bool{}
	}
	p.mu.Unlock()

	if !retry {
		return nil
	}

	rows, err = p.store.FetchActive(ctx, p.targetSize)
	if err != nil {
		p.noteRefreshErr(err)
		return err
	}

	p.mu.Lock()
	entries = make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, NewEntry(row))
	}
	p.fifo = entries
	p.lastRefresh = p.clock()
	p.storeUnavailable = false
	p.mu.Unlock()

	return nil
}

// noteRefreshErr records a StoreUnavailable refresh failure so the next
// scheduled refresh tick is skipped and StoreUnavailable() reports true
// until a refresh next succeeds.
func (p *Pool) noteRefreshErr(err error) {
	kind, ok := errs.KindOf(err)
	if !ok || kind != errs.KindStoreUnavailable {
		return
	}
	p.mu.Lock()
	p.storeUnavailable = true
	p.skipNextRefresh = true
	p.mu.Unlock()
}

// StoreUnavailable reports whether the most recent refresh failed because
// the Store's circuit breaker is open. The Fetch Executor uses this to
// treat proxies as unavailable and go direct instead of retrying against a
// pool that can't currently refresh.
func (p *Pool) StoreUnavailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storeUnavailable
}

// Acquire rotates the FIFO looking for an entry neither excluded nor
// globally failed. It forces one immediate refresh and retries once if the
// first pass finds nothing — this forced refresh always happens; the
// limiter only makes a caller wait its turn when several Acquire calls land
// on an exhausted pool at once, so they queue behind the Store instead of
// stampeding it.
func (p *Pool) Acquire(ctx context.Context, excludeIDs map[int]bool) (Entry, bool) {
	if e, ok := p.tryAcquire(excludeIDs); ok {
		return e, true
	}

	if err := p.refreshLimiter.Wait(ctx); err != nil {
		return Entry{}, false
	}

	if err := p.refresh(ctx); err != nil {
		p.logger.Warn("forced refresh during acquire failed", "error", err)
	}

	return p.tryAcquire(excludeIDs)
}

// tryAcquire runs one rotation pass under lock. Entries skipped for being
// excluded are rotated to the tail; entries skipped for being in the
// fail-set are dropped.
func (p *Pool) tryAcquire(excludeIDs map[int]bool) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// +10 gives enough slack for excluded entries being requeued to the
	// tail to still guarantee one full pass over every distinct entry,
	// regardless of the configured pool size.
	maxRotations := len(p.fifo) + 10

	for i := 0; i < maxRotations && len(p.fifo) > 0; i++ {
		e := p.fifo[0]
		p.fifo = p.fifo[1:]

		if p.failSet[e.ID] {
			continue
		}
		if excludeIDs[e.ID] {
			p.fifo = append(p.fifo, e)
			continue
		}

		now := p.clock()
		e.LastUsed = &now
		p.usage[e.ID]++
		return e, true
	}

	return Entry{}, false
}

// Release returns entry to the queue on success (recording a pending
// last-used mark) or quarantines it on failure (recording a pending error
// increment and dropping it from the FIFO).
func (p *Pool) Release(entry Entry, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if success {
		p.pendingSuccessMarks[entry.ID] = true
		p.fifo = append(p.fifo, entry)
		return
	}

	p.failSet[entry.ID] = true
	p.pendingErrorIncrements[entry.ID]++
}

// ResetFailSet clears the global fail-set and returns the count cleared.
func (p *Pool) ResetFailSet() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.failSet)
	p.failSet = map[int]bool{}
	return n
}

// ForceRefresh synchronously refreshes the FIFO now.
func (p *Pool) ForceRefresh(ctx context.Context) error {
	return p.refresh(ctx)
}

// flushWriteback drains the pending writeback maps and applies them to the
// Store, best-effort. Failures are logged and the record dropped.
func (p *Pool) flushWriteback(ctx context.Context) {
	p.mu.Lock()
	errorIncrements := p.pendingErrorIncrements
	successMarks := p.pendingSuccessMarks
	p.pendingErrorIncrements = map[int]int{}
	p.pendingSuccessMarks = map[int]bool{}
	p.lastFlush = p.clock()
	p.mu.Unlock()

	for id, count := range errorIncrements {
		if _, _, err := p.store.IncrementErrorBy(ctx, id, count); err != nil {
			p.logger.Warn("writeback increment_error failed, dropping", "proxy_id", id, "count", count, "error", err)
		}
	}

	for id := range successMarks {
		if err := p.store.MarkLastUsed(ctx, id); err != nil {
			p.logger.Warn("writeback mark_last_used failed, dropping", "proxy_id", id, "error", err)
		}
	}
}

// Size reports the current FIFO length.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fifo)
}

// FailSetSize reports the number of globally quarantined proxy ids.
func (p *Pool) FailSetSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failSet)
}

// UsageCounts returns a copy of the per-proxy acquire counter, keyed by
// proxy id, for callers that want to surface it (e.g. the /pool endpoint).
func (p *Pool) UsageCounts() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]int, len(p.usage))
	for id, n := range p.usage {
		out[id] = n
	}
	return out
}
