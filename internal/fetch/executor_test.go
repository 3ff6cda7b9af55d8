package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webscrape/fetchcore/internal/errs"
	"github.com/webscrape/fetchcore/internal/pool"
	"github.com/webscrape/fetchcore/internal/proxystore"
	"github.com/webscrape/fetchcore/pkg/logger"
)

type fakeMetrics struct{ records []RequestMetric }

func (f *fakeMetrics) Record(m RequestMetric) { f.records = append(f.records, m) }

type fakePool struct {
	entries          []pool.Entry
	idx              int
	storeUnavailable bool
	released         []struct {
		id      int
		success bool
	}
}

func (f *fakePool) Acquire(ctx context.Context, exclude map[int]bool) (pool.Entry, bool) {
	if f.idx >= len(f.entries) {
		return pool.Entry{}, false
	}
	e := f.entries[f.idx]
	f.idx++
	return e, true
}

func (f *fakePool) Release(e pool.Entry, success bool) {
	f.released = append(f.released, struct {
		id      int
		success bool
	}{e.ID, success})
}

func (f *fakePool) StoreUnavailable() bool { return f.storeUnavailable }

func noSleep(time.Duration) {}

func newTestExecutor(p Pool, m MetricsSink, maxRetries int) *Executor {
	e := New(p, m, Config{MaxRetries: maxRetries, RequestTimeout: 2 * time.Second, BackoffBase: time.Millisecond}, logger.NewDiscard())
	e.sleep = noSleep
	return e
}

func TestExecutor_HappyPathNoProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	metrics := &fakeMetrics{}
	e := newTestExecutor(nil, metrics, 3)

	result, err := e.Fetch(context.Background(), srv.URL, false, "")
	require.NoError(t, err)
	assert.Equal(t, "OK", string(result.Body))
	assert.Nil(t, result.ProxyID)
	assert.Equal(t, 1, result.AttemptCount)

	require.Len(t, metrics.records, 1)
	assert.True(t, metrics.records[0].Success)
}

func TestExecutor_4xxTerminatesImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	metrics := &fakeMetrics{}
	e := newTestExecutor(nil, metrics, 3)

	_, err := e.Fetch(context.Background(), srv.URL, false, "")
	require.Error(t, err)

	var fe *errs.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, errs.KindHTTPError4xx, fe.Kind)

	require.Len(t, metrics.records, 1)
	assert.Equal(t, 1, metrics.records[0].AttemptCount)
	assert.False(t, metrics.records[0].Success)
}

func TestExecutor_ProxyFailsThenDirectFallbackWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("page"))
	}))
	defer srv.Close()

	brokenProxy := pool.Entry{ID: 1, ConnectString: "http://127.0.0.1:1", Scheme: proxystore.SchemeHTTP}
	p := &fakePool{entries: []pool.Entry{brokenProxy}}
	metrics := &fakeMetrics{}
	e := newTestExecutor(p, metrics, 1)

	result, err := e.Fetch(context.Background(), srv.URL, true, "secret-key")
	require.NoError(t, err)
	assert.Equal(t, "page", string(result.Body))
	assert.Nil(t, result.ProxyID)
	assert.Equal(t, 2, result.AttemptCount)

	require.Len(t, p.released, 1)
	assert.Equal(t, 1, p.released[0].id)
	assert.False(t, p.released[0].success)
}

func TestExecutor_RedirectStripsAPIKeyCrossHost(t *testing.T) {
	var sawKeyOnTarget bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawKeyOnTarget = r.Header.Get("X-Api-Key") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("X-Api-Key"), "the initial request must still carry the key")
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer origin.Close()

	metrics := &fakeMetrics{}
	e := newTestExecutor(nil, metrics, 0)

	result, err := e.Fetch(context.Background(), origin.URL, false, "secret-key")
	require.NoError(t, err)
	assert.Equal(t, 1, result.AttemptCount)
	assert.False(t, sawKeyOnTarget, "X-Api-Key must not be forwarded to a different host on redirect")
}

func TestExecutor_StoreUnavailableGoesDirectInsteadOfRetryingPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("direct"))
	}))
	defer srv.Close()

	p := &fakePool{entries: []pool.Entry{{ID: 1, ConnectString: "http://127.0.0.1:1", Scheme: proxystore.SchemeHTTP}}, storeUnavailable: true}
	metrics := &fakeMetrics{}
	e := newTestExecutor(p, metrics, 3)

	result, err := e.Fetch(context.Background(), srv.URL, true, "")
	require.NoError(t, err)
	assert.Equal(t, "direct", string(result.Body))
	assert.Equal(t, 1, result.AttemptCount, "a store-unavailable pool must be skipped entirely, going direct on the first attempt")
	assert.Empty(t, p.released, "Acquire must never be called while the pool reports StoreUnavailable")
}

func TestExecutor_TotalAttemptsNeverExceedsMaxRetriesPlusOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	metrics := &fakeMetrics{}
	e := newTestExecutor(nil, metrics, 2)

	_, err := e.Fetch(context.Background(), srv.URL, false, "")
	require.Error(t, err)
	require.Len(t, metrics.records, 1)
	assert.Equal(t, 3, metrics.records[0].AttemptCount)
}
