// Command fetchcore wires the Proxy Store, Proxy Pool, Fetch Executor and
// Metrics Recorder behind a small authenticated HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/webscrape/fetchcore/internal/breaker"
	"github.com/webscrape/fetchcore/internal/fetch"
	"github.com/webscrape/fetchcore/internal/metrics"
	"github.com/webscrape/fetchcore/internal/pool"
	"github.com/webscrape/fetchcore/internal/proxystore"
	"github.com/webscrape/fetchcore/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadSettings()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(cfg.LogLevel)
	log.Info("starting fetchcore",
		"proxy_pool_size", cfg.core.ProxyPoolSize,
		"worker_pool_size", cfg.core.WorkerPoolSize,
	)

	ctx := context.Background()

	cb := breaker.New(cfg.core.CBFailureThreshold, cfg.core.CBRecoveryTimeout)

	store, err := proxystore.New(ctx, cfg.DatabaseDSN, proxystore.PoolConfig{
		MinConns:        cfg.core.DBPoolMin,
		MaxConns:        cfg.core.DBPoolMax,
		ConnectTimeout:  cfg.core.DBConnectTimeout,
		MaxConnIdleTime: 30 * time.Minute,
	}, cfg.core.ProxyErrorThreshold, cb, log)
	if err != nil {
		return fmt.Errorf("failed to connect to proxy store: %w", err)
	}
	defer store.Close()

	proxyPool := pool.New(store, cfg.core.ProxyPoolSize, cfg.core.MinProxyPoolSize,
		cfg.core.ProxyRefreshInterval, cfg.core.BatchUpdateInterval, log)
	if err := proxyPool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start proxy pool: %w", err)
	}
	// stopPool runs at most once: explicitly with the 30s-bounded shutdown
	// context on the graceful path below, or as a deferred fallback with the
	// unbounded ctx if run returns before a shutdown signal ever arrives.
	var stopPoolOnce sync.Once
	stopPool := func(c context.Context) { stopPoolOnce.Do(func() { proxyPool.Stop(c) }) }
	defer stopPool(ctx)

	dbStore, err := metrics.OpenDBStore(cfg.MetricsDBPath)
	if err != nil {
		return fmt.Errorf("failed to open metrics database: %w", err)
	}
	defer dbStore.Close()

	recorder := metrics.New(metrics.Options{
		MaxMemoryEntries:  cfg.core.MaxMemoryEntries,
		SlidingWindowSize: cfg.core.SlidingWindowSize,
		MemoryRetention:   cfg.core.MemoryRetentionAge,
		DBRetention:       cfg.core.DBRetentionAge,
		RetentionInterval: cfg.core.RetentionInterval,
		DB:                dbStore,
	}, log)
	recorder.Start()
	defer recorder.Stop()

	fetchCfg := fetch.Config{
		MaxRetries:     cfg.core.ProxyRetryCount,
		RequestTimeout: cfg.core.RequestTimeout,
		BackoffBase:    cfg.core.BackoffBase,
	}
	executor := fetch.New(proxyPool, metricsAdapter{recorder}, fetchCfg, log)

	routeTimeout := fetchCfg.WorstCaseDuration() + 5*time.Second
	srv := newServer(cfg.Addr, cfg.JWTSecret, cfg.core.WorkerPoolSize, routeTimeout, log, executor, recorder, proxyPool, store)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
		return err
	case sig := <-quit:
		log.Info("received shutdown signal", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs <- fmt.Errorf("http server shutdown error: %w", err)
		}
	}()
	wg.Wait()
	close(errs)
	stopPool(shutdownCtx)

	var shutdownErr error
	for err := range errs {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		log.Error("shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	log.Info("shutdown completed successfully")
	return nil
}

// metricsAdapter converts a fetch.RequestMetric into the metrics package's
// own Metric type, keeping the two packages decoupled.
type metricsAdapter struct {
	recorder *metrics.Recorder
}

func (a metricsAdapter) Record(m fetch.RequestMetric) {
	a.recorder.Record(metrics.Metric{
		Timestamp:    m.Timestamp,
		URL:          m.URL,
		Method:       m.Method,
		Success:      m.Success,
		Duration:     m.Duration,
		ProxyID:      m.ProxyID,
		ErrorKind:    m.ErrorKind,
		ContentLen:   m.ContentLen,
		AttemptCount: m.AttemptCount,
		RequestID:    m.RequestID,
	})
}
