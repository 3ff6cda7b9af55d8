// Package fetch implements the Fetch Executor: a retry/backoff loop that
// acquires a proxy per attempt, excludes proxies already failed on this
// request, and falls back to a direct connection on the final attempt.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/webscrape/fetchcore/internal/errs"
	"github.com/webscrape/fetchcore/internal/pool"
	"github.com/webscrape/fetchcore/pkg/logger"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// RequestContext tracks per-call state: the proxies already tried and
// failed, the attempt counter, and the earliest-start timestamp.
type RequestContext struct {
	ID      string
	Tried   map[int]bool
	Attempt int
	Start   time.Time
}

func newRequestContext() *RequestContext {
	return &RequestContext{ID: uuid.NewString(), Tried: map[int]bool{}, Start: time.Now()}
}

// Result is the success outcome of a fetch.
type Result struct {
	Body         []byte
	ProxyID      *int
	AttemptCount int
}

// Config bounds the Executor's retry/timeout/backoff behavior.
type Config struct {
	MaxRetries     int
	RequestTimeout time.Duration
	BackoffBase    time.Duration
}

// WorstCaseDuration bounds how long Fetch can take end to end: MaxRetries+1
// attempts each bounded by RequestTimeout, plus the backoff slept between
// them. A collaborator applying its own outer timeout around a Fetch call
// (e.g. an HTTP handler's request-timeout middleware) should use at least
// this long, or it can cut off an attempt that would otherwise have
// succeeded on a later retry or the final direct fallback.
func (c Config) WorstCaseDuration() time.Duration {
	attempts := time.Duration(c.MaxRetries + 1)
	var backoff time.Duration
	for i := 1; i <= c.MaxRetries; i++ {
		backoff += c.BackoffBase * time.Duration(i)
	}
	return attempts*c.RequestTimeout + backoff
}

// Pool is the subset of *pool.Pool the Executor needs.
type Pool interface {
	Acquire(ctx context.Context, excludeIDs map[int]bool) (pool.Entry, bool)
	Release(entry pool.Entry, success bool)
	// StoreUnavailable reports whether the pool's last refresh failed
	// because the Store's circuit breaker is open. While true, Fetch treats
	// proxies as unavailable and goes direct rather than calling Acquire
	// against a pool that can't currently refresh.
	StoreUnavailable() bool
}

// MetricsSink records one RequestMetric per fetch call.
type MetricsSink interface {
	Record(m RequestMetric)
}

// RequestMetric is the immutable outcome record of one fetch call.
type RequestMetric struct {
	Timestamp    time.Time
	URL          string
	Method       string
	Success      bool
	Duration     time.Duration
	ProxyID      *int
	ErrorKind    errs.Kind
	ContentLen   int
	AttemptCount int
	RequestID    string
}

// Sleeper abstracts time.Sleep so tests can run the backoff loop instantly.
type Sleeper func(time.Duration)

// Executor runs the retry/fallback loop against a Pool and records outcomes
// to a MetricsSink.
type Executor struct {
	pool    Pool
	metrics MetricsSink
	cfg     Config
	logger  *logger.Logger
	client  *http.Client
	sleep   Sleeper
}

// New constructs an Executor. client, if nil, defaults to a plain
// *http.Client built per attempt with a fresh transport (see transport.go).
func New(p Pool, metrics MetricsSink, cfg Config, log *logger.Logger) *Executor {
	return &Executor{
		pool:    p,
		metrics: metrics,
		cfg:     cfg,
		logger:  log,
		sleep:   time.Sleep,
	}
}

// Fetch performs the GET at url, using the proxy pool unless useProxy is
// false, and returns the body on success or a tagged *errs.Error on final
// failure. apiKey is an opaque credential passed through to the upstream
// request unmodified; the core never inspects it.
func (e *Executor) Fetch(ctx context.Context, url string, useProxy bool, apiKey string) (Result, error) {
	rc := newRequestContext()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		rc.Attempt = attempt

		var entry pool.Entry
		haveEntry := false
		direct := attempt == e.cfg.MaxRetries || (e.pool != nil && e.pool.StoreUnavailable())

		if useProxy && !direct && e.pool != nil {
			// Acquire can block on the pool's forced-refresh limiter; bounding
			// it to RequestTimeout keeps a single attempt's Acquire+do within
			// the per-attempt budget WorstCaseDuration assumes, instead of
			// letting a rate-limited Acquire eat into later attempts' share
			// of the caller's own deadline.
			acquireCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
			entry, haveEntry = e.pool.Acquire(acquireCtx, rc.Tried)
			cancel()
		}

		body, status, attemptErr := e.doAttempt(ctx, url, entry, haveEntry, apiKey)

		if attemptErr == nil {
			if haveEntry {
				e.pool.Release(entry, true)
			}
			duration := time.Since(rc.Start)
			var proxyID *int
			if haveEntry {
				id := entry.ID
				proxyID = &id
			}
			e.record(url, true, duration, proxyID, "", len(body), attempt+1, rc.ID)
			return Result{Body: body, ProxyID: proxyID, AttemptCount: attempt + 1}, nil
		}

		kind := classify(attemptErr, status)
		lastErr = errs.Wrap(kind, "fetch attempt failed", attemptErr)

		if haveEntry {
			e.pool.Release(entry, false)
			rc.Tried[entry.ID] = true
		}

		if !kind.Retryable() {
			duration := time.Since(rc.Start)
			var proxyID *int
			if haveEntry {
				id := entry.ID
				proxyID = &id
			}
			e.record(url, false, duration, proxyID, kind, 0, attempt+1, rc.ID)
			return Result{}, lastErr
		}

		if attempt < e.cfg.MaxRetries {
			e.sleep(e.cfg.BackoffBase * time.Duration(attempt+1))
		}
	}

	duration := time.Since(rc.Start)
	e.record(url, false, duration, nil, classify(lastErr, 0), 0, rc.Attempt+1, rc.ID)
	return Result{}, lastErr
}

func (e *Executor) record(url string, success bool, d time.Duration, proxyID *int, kind errs.Kind, contentLen, attempts int, requestID string) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(RequestMetric{
		Timestamp:    time.Now(),
		URL:          url,
		Method:       http.MethodGet,
		Success:      success,
		Duration:     d,
		ProxyID:      proxyID,
		ErrorKind:    kind,
		ContentLen:   contentLen,
		AttemptCount: attempts,
		RequestID:    requestID,
	})
}

// doAttempt issues one GET, returning the body on a 2xx response or the
// response status code and error on failure.
func (e *Executor) doAttempt(ctx context.Context, url string, entry pool.Entry, haveEntry bool, apiKey string) ([]byte, int, error) {
	transport, err := buildTransport(entry, haveEntry)
	if err != nil {
		return nil, 0, err
	}

	client := &http.Client{
		Timeout:   e.cfg.RequestTimeout,
		Transport: transport,
		// The default Go CheckRedirect already strips Authorization/Cookie on
		// a cross-host redirect, but X-Api-Key is a custom header it knows
		// nothing about, so it has to be stripped here explicitly. The
		// 10-redirect cap matches what a nil CheckRedirect would enforce —
		// only overridden to add the header-stripping step, not to relax it.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			if req.URL.Host != via[0].URL.Host {
				req.Header.Del("X-Api-Key")
			}
			return nil
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, &httpStatusError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

type httpStatusError struct{ status int }

func (h *httpStatusError) Error() string { return http.StatusText(h.status) }

// tlsConfig enforces certificate verification for every attempt, unlike the
// forward-proxy case this executor is derived from.
func tlsConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: false}
}
