package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/webscrape/fetchcore/internal/errs"
	"github.com/webscrape/fetchcore/internal/fetch"
	"github.com/webscrape/fetchcore/internal/metrics"
	"github.com/webscrape/fetchcore/internal/pool"
	"github.com/webscrape/fetchcore/internal/proxystore"
	"github.com/webscrape/fetchcore/pkg/logger"
)

// server is the thin HTTP surface wrapping the core subsystems: one
// synchronous /fetch endpoint, one /stats endpoint and one /pool endpoint,
// all behind bearer-token auth.
type server struct {
	router   *chi.Mux
	http     *http.Server
	logger   *logger.Logger
	executor *fetch.Executor
	recorder *metrics.Recorder
	proxies  *pool.Pool
	store    *proxystore.Store
	fetchers *workerpool.WorkerPool
}

func newServer(addr, jwtSecret string, workerPoolSize int, routeTimeout time.Duration, log *logger.Logger, executor *fetch.Executor, recorder *metrics.Recorder, proxies *pool.Pool, store *proxystore.Store) *server {
	s := &server{
		router:   chi.NewRouter(),
		logger:   log,
		executor: executor,
		recorder: recorder,
		proxies:  proxies,
		store:    store,
		fetchers: workerpool.New(workerPoolSize),
	}

	// AllowCredentials is deliberately false: auth here is a bearer token the
	// caller attaches explicitly per request, never a browser-managed
	// cookie, so there's nothing for a credentialed cross-origin request to
	// carry — and go-chi/cors refuses to combine a literal wildcard origin
	// with AllowCredentials anyway.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(loggerMiddleware(log))
	s.router.Use(middleware.Recoverer)
	// routeTimeout must cover the Fetch Executor's worst-case retry/backoff
	// duration (fetch.Config.WorstCaseDuration), or this middleware can cut
	// off a /fetch call that would otherwise have succeeded on a later
	// retry or the final direct fallback.
	s.router.Use(middleware.Timeout(routeTimeout))

	s.router.Get("/health", s.health)

	s.router.Group(func(r chi.Router) {
		r.Use(jwtAuth(jwtSecret))
		r.Post("/fetch", s.fetch)
		r.Get("/stats", s.stats)
		r.Get("/stats/historical", s.historicalStats)
		r.Get("/pool", s.poolStatus)
	})

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *server) Start() error {
	s.logger.Info("starting fetchcore http server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.fetchers.StopWait()
	return err
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fetchRequest struct {
	URL      string `json:"url"`
	UseProxy bool   `json:"use_proxy"`
	APIKey   string `json:"api_key"`
}

type fetchResponse struct {
	Body         string `json:"body"`
	ProxyID      *int   `json:"proxy_id,omitempty"`
	AttemptCount int    `json:"attempt_count"`
}

func (s *server) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	type outcome struct {
		result fetch.Result
		err    error
	}
	done := make(chan outcome, 1)

	// Submitting through the bounded worker pool caps concurrent outbound
	// HTTP fetches regardless of how many /fetch requests arrive at once,
	// independent of Go's own unbounded per-request goroutine concurrency.
	s.fetchers.Submit(func() {
		result, err := s.executor.Fetch(r.Context(), req.URL, req.UseProxy, req.APIKey)
		done <- outcome{result, err}
	})

	var out outcome
	select {
	case out = <-done:
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "request cancelled")
		return
	}

	if out.err != nil {
		writeError(w, statusForErr(out.err), out.err.Error())
		return
	}
	result := out.result

	writeJSON(w, http.StatusOK, fetchResponse{
		Body:         string(result.Body),
		ProxyID:      result.ProxyID,
		AttemptCount: result.AttemptCount,
	})
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recorder.CurrentStats())
}

func (s *server) historicalStats(w http.ResponseWriter, r *http.Request) {
	const maxHistoricalDays = 365

	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoricalDays {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be between 1 and %d", maxHistoricalDays))
			return
		}
		days = parsed
	}

	stats, err := s.recorder.HistoricalStats(days)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) poolStatus(w http.ResponseWriter, r *http.Request) {
	storeStats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fifo_size":     s.proxies.Size(),
		"fail_set_size": s.proxies.FailSetSize(),
		"usage_counts":  s.proxies.UsageCounts(),
		"store":         storeStats,
	})
}

func statusForErr(err error) int {
	var fe *errs.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case errs.KindHTTPError4xx:
			return http.StatusBadGateway
		case errs.KindNoProxyAvailable, errs.KindStoreUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
