package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func metricAt(ts time.Time) Metric {
	return Metric{Timestamp: ts}
}

func TestRing_PushEvictsOldestAtCapacity(t *testing.T) {
	r := newRing(3)
	base := time.Now()

	for i := 0; i < 5; i++ {
		r.push(metricAt(base.Add(time.Duration(i) * time.Second)))
	}

	assert.Equal(t, 3, r.len())
	live := r.live()
	assert.Equal(t, base.Add(2*time.Second), live[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), live[2].Timestamp)
}

func TestRing_EvictOlderThanDropsPrefix(t *testing.T) {
	r := newRing(10)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.push(metricAt(base.Add(time.Duration(i) * time.Minute)))
	}

	r.evictOlderThan(base.Add(2 * time.Minute))

	assert.Equal(t, 3, r.len())
	live := r.live()
	assert.Equal(t, base.Add(2*time.Minute), live[0].Timestamp)
}

func TestRing_CompactsAfterSustainedEviction(t *testing.T) {
	r := newRing(4)
	base := time.Now()

	for i := 0; i < 1000; i++ {
		r.push(metricAt(base.Add(time.Duration(i) * time.Second)))
	}

	assert.Equal(t, 4, r.len())
	assert.Less(t, r.start, cap(r.entries)/2, "compaction must keep the skipped prefix below half the backing array")
	assert.LessOrEqual(t, cap(r.entries), 64, "backing array must not grow without bound as entries are evicted")
}
