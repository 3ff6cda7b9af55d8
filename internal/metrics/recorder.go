// Package metrics implements the Metrics Recorder: an in-memory ring of
// recent request outcomes, a sliding-window percentile tracker, and durable
// daily rollups in an embedded SQL store, with background retention.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/webscrape/fetchcore/internal/errs"
	"github.com/webscrape/fetchcore/pkg/logger"
)

// Counters tracks running totals since process start.
type Counters struct {
	Total        int
	Success      int
	Failure      int
	ByMethod     map[string]int
	ViaProxy     int
	Direct       int
}

// DailyAggregate is today's running rollup, keyed by local date.
type DailyAggregate struct {
	Date          string
	Total         int
	Success       int
	Failure       int
	DurationSum   time.Duration
	ByErrorKind   map[string]int
	ByProxy       map[string]int
	ByMethod      map[string]int
}

func newDailyAggregate(date string) *DailyAggregate {
	return &DailyAggregate{
		Date:        date,
		ByErrorKind: map[string]int{},
		ByProxy:     map[string]int{},
		ByMethod:    map[string]int{},
	}
}

// Recorder is the single owner of the ring, counters, sliding window, and
// (optionally) the embedded SQL store.
type Recorder struct {
	mu sync.Mutex

	ring     *ring
	window   *window
	counters Counters
	today    *DailyAggregate

	db     *DBStore
	logger *logger.Logger
	clock  func() time.Time

	memoryRetention   time.Duration
	dbRetention       time.Duration
	retentionInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Recorder.
type Options struct {
	MaxMemoryEntries   int
	SlidingWindowSize  int
	MemoryRetention    time.Duration
	DBRetention        time.Duration
	RetentionInterval  time.Duration
	DB                 *DBStore // nil disables persistence
}

// New constructs a Recorder. Call Start to launch the background retention
// worker.
func New(opts Options, log *logger.Logger) *Recorder {
	r := &Recorder{
		ring:            newRing(opts.MaxMemoryEntries),
		window:          newWindow(opts.SlidingWindowSize),
		counters:        Counters{ByMethod: map[string]int{}},
		db:              opts.DB,
		logger:          log,
		clock:           time.Now,
		memoryRetention: opts.MemoryRetention,
		dbRetention:     opts.DBRetention,
		stopCh:          make(chan struct{}),
	}
	r.today = newDailyAggregate(r.dateKey(r.clock()))
	r.retentionInterval = opts.RetentionInterval
	return r
}

func (r *Recorder) dateKey(t time.Time) string { return t.Format("2006-01-02") }

// Record appends metric to the ring, updates counters and today's
// aggregate, rolling the previous day's aggregate into the embedded store
// on date change, and persists the raw row if enabled. The embedded-store
// writes happen after the lock is released so a slow disk write never
// blocks concurrent Record/CurrentStats callers behind it.
func (r *Recorder) Record(m Metric) {
	r.mu.Lock()

	r.ring.push(m)
	r.window.add(m.Duration)

	r.counters.Total++
	if m.Success {
		r.counters.Success++
	} else {
		r.counters.Failure++
	}
	r.counters.ByMethod[m.Method]++
	if m.ProxyID != nil {
		r.counters.ViaProxy++
	} else {
		r.counters.Direct++
	}

	// The rollover boundary is keyed off r.clock() (the moment this call holds
	// r.mu), not m.Timestamp: concurrent Record calls can reach the lock in an
	// order that doesn't match their own Timestamp field, and keying off the
	// event's own timestamp would let a late-arriving, earlier-timestamped
	// call flip r.today back to yesterday after a later call already rolled
	// it to today. Wall-clock reads taken under the same serializing lock are
	// monotonically non-decreasing across calls, so this boundary can't move
	// backwards.
	var rolloverRow *DailyStatsRow
	date := r.dateKey(r.clock())
	if date != r.today.Date {
		rolloverRow = r.dailyRowLocked()
		r.today = newDailyAggregate(date)
	}

	r.today.Total++
	if m.Success {
		r.today.Success++
	} else {
		r.today.Failure++
		if m.ErrorKind != "" {
			r.today.ByErrorKind[string(m.ErrorKind)]++
		}
	}
	r.today.DurationSum += m.Duration
	r.today.ByMethod[m.Method]++
	proxyKey := "direct"
	if m.ProxyID != nil {
		proxyKey = fmt.Sprintf("%d", *m.ProxyID)
	}
	r.today.ByProxy[proxyKey]++

	var requestRow *RequestMetricRow
	if r.db != nil {
		errKind := ""
		if m.ErrorKind != "" {
			errKind = string(m.ErrorKind)
		}
		requestRow = &RequestMetricRow{
			Timestamp:    m.Timestamp,
			URL:          m.URL,
			Method:       m.Method,
			Success:      m.Success,
			DurationMS:   m.Duration.Milliseconds(),
			ProxyID:      m.ProxyID,
			ErrorKind:    errKind,
			ContentLen:   m.ContentLen,
			AttemptCount: m.AttemptCount,
			RequestID:    m.RequestID,
		}
	}

	r.mu.Unlock()

	if rolloverRow != nil {
		if err := r.db.UpsertDaily(*rolloverRow); err != nil {
			r.logger.Warn("failed to roll over daily stats", "error", err)
		}
	}
	if requestRow != nil {
		if err := r.db.InsertRaw(*requestRow); err != nil {
			r.logger.Warn("failed to persist raw metric", "error", err)
		}
	}
}

// dailyRowLocked builds the DailyStatsRow for the (about to be replaced)
// today aggregate, or nil if there is nothing to persist. Caller must hold
// r.mu; the returned row is written to the embedded store after the lock
// is released.
func (r *Recorder) dailyRowLocked() *DailyStatsRow {
	if r.db == nil || r.today.Total == 0 {
		return nil
	}
	avg := int64(0)
	if r.today.Total > 0 {
		avg = r.today.DurationSum.Milliseconds() / int64(r.today.Total)
	}

	errJSON, _ := json.Marshal(r.today.ByErrorKind)
	proxyJSON, _ := json.Marshal(r.today.ByProxy)
	methodJSON, _ := json.Marshal(r.today.ByMethod)

	return &DailyStatsRow{
		Date:            r.today.Date,
		Total:           r.today.Total,
		Success:         r.today.Success,
		Failure:         r.today.Failure,
		AvgDurationMS:   avg,
		ErrorKindCounts: string(errJSON),
		ProxyCounts:     string(proxyJSON),
		MethodCounts:    string(methodJSON),
	}
}

// CurrentStats is a point-in-time snapshot of recorder state.
type CurrentStats struct {
	Counters          Counters
	LastHourRequests  int
	LastHourSuccess   float64
	LastHourAvgMS     float64
	LastHourProxyRate float64
	DurationMinMS     int64
	DurationMaxMS     int64
	DurationAvgMS     int64
	DurationP50MS     int64
	DurationP95MS     int64
	DurationP99MS     int64
	Today             DailyAggregate
	ProcessMemoryRSS  uint64
}

// CurrentStats returns counters, the last-hour window, duration
// percentiles over the sliding window, today's aggregate, and process
// memory usage.
func (r *Recorder) CurrentStats() CurrentStats {
	r.mu.Lock()
	now := r.clock()
	cutoff := now.Add(-time.Hour)

	// Entries land in ring push order, which is lock-acquisition order, not
	// strictly Timestamp order (a caller can stamp Timestamp slightly before
	// losing the race for r.mu to a concurrent Record). A full scan with a
	// per-entry comparison is correct regardless of ordering; an early
	// break on the first stale entry would undercount under that race.
	live := r.ring.live()
	var lastHourTotal, lastHourSuccess, lastHourProxy int
	var lastHourDuration time.Duration
	for _, e := range live {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		lastHourTotal++
		if e.Success {
			lastHourSuccess++
		}
		if e.ProxyID != nil {
			lastHourProxy++
		}
		lastHourDuration += e.Duration
	}

	today := *r.today
	today.ByErrorKind = cloneCounts(r.today.ByErrorKind)
	today.ByProxy = cloneCounts(r.today.ByProxy)
	today.ByMethod = cloneCounts(r.today.ByMethod)
	counters := r.counters
	counters.ByMethod = cloneCounts(r.counters.ByMethod)
	r.mu.Unlock()

	min, max, avg, p50, p95, p99 := r.window.percentiles()

	var lastHourSuccessRate, lastHourAvgMS, lastHourProxyRate float64
	if lastHourTotal > 0 {
		lastHourSuccessRate = float64(lastHourSuccess) / float64(lastHourTotal) * 100
		lastHourAvgMS = float64(lastHourDuration.Milliseconds()) / float64(lastHourTotal)
		lastHourProxyRate = float64(lastHourProxy) / float64(lastHourTotal) * 100
	}

	return CurrentStats{
		Counters:          counters,
		LastHourRequests:  lastHourTotal,
		LastHourSuccess:   lastHourSuccessRate,
		LastHourAvgMS:     lastHourAvgMS,
		LastHourProxyRate: lastHourProxyRate,
		DurationMinMS:     min.Milliseconds(),
		DurationMaxMS:     max.Milliseconds(),
		DurationAvgMS:     avg.Milliseconds(),
		DurationP50MS:     p50.Milliseconds(),
		DurationP95MS:     p95.Milliseconds(),
		DurationP99MS:     p99.Milliseconds(),
		Today:             today,
		ProcessMemoryRSS:  processMemoryRSS(),
	}
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func processMemoryRSS() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

// HistoricalStats bundles a daily range plus today's hourly breakdown.
type HistoricalStats struct {
	Daily  []DailyStatsRow
	Hourly []HourlyBucket
}

// HistoricalStats reads daily_stats for [today-days, today] and an hourly
// breakdown of today's raw rows.
func (r *Recorder) HistoricalStats(days int) (HistoricalStats, error) {
	if r.db == nil {
		return HistoricalStats{}, errs.New(errs.KindDecodeError, "no embedded store configured")
	}

	now := r.clock()
	from := r.dateKey(now.Add(-time.Duration(days) * 24 * time.Hour))
	to := r.dateKey(now)

	daily, err := r.db.DailyStatsRange(from, to)
	if err != nil {
		return HistoricalStats{}, fmt.Errorf("read daily stats: %w", err)
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	hourly, err := r.db.HourlyBreakdown(dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return HistoricalStats{}, fmt.Errorf("read hourly breakdown: %w", err)
	}

	return HistoricalStats{Daily: daily, Hourly: hourly}, nil
}

// Export returns a JSON-serializable snapshot of current stats plus the raw
// ring contents, enough to reproduce the same counters on a fresh Recorder.
type Export struct {
	Current CurrentStats
	Metrics []Metric
}

func (r *Recorder) Export() Export {
	r.mu.Lock()
	live := r.ring.live()
	entries := make([]Metric, len(live))
	copy(entries, live)
	r.mu.Unlock()

	return Export{Current: r.CurrentStats(), Metrics: entries}
}
