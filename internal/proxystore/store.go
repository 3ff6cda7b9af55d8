// Package proxystore is the SQL-backed Proxy Store: a pooled connection to
// Postgres, a startup schema migration, a one-shot schema-feature probe, and
// the breaker-guarded proxy CRUD operations.
package proxystore

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webscrape/fetchcore/internal/breaker"
	"github.com/webscrape/fetchcore/internal/errs"
	"github.com/webscrape/fetchcore/pkg/logger"
)

// maskDSN hides the username and password in dsn before it reaches a log
// line or error message.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "[invalid dsn]"
	}
	if u.User != nil {
		u.User = url.UserPassword("[username]", "[password]")
	}
	return u.String()
}

// proxiesSchemaDDL creates the proxies table and its supporting indexes if
// they don't already exist.
const proxiesSchemaDDL = `
	CREATE TABLE IF NOT EXISTS proxies (
		id SERIAL PRIMARY KEY,
		address VARCHAR(255) NOT NULL,
		port INTEGER NOT NULL,
		type VARCHAR(20) NOT NULL DEFAULT 'http',
		username VARCHAR(255),
		password TEXT,
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		error_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		last_used TIMESTAMP,
		last_tested TIMESTAMP,
		response_time_ms INTEGER,
		country VARCHAR(255),
		region VARCHAR(255),
		provider VARCHAR(255),
		notes TEXT,
		tags VARCHAR(255),
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_proxies_status ON proxies(status);
	CREATE INDEX IF NOT EXISTS idx_proxies_error_count ON proxies(error_count);
`

// ensureSchema applies proxiesSchemaDDL so the store can bootstrap against
// a fresh database before any query runs against it.
func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, proxiesSchemaDDL)
	if err != nil {
		return fmt.Errorf("apply proxies schema: %w", err)
	}
	return nil
}

// PoolConfig bounds the underlying pgx connection pool.
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// Store owns the pooled SQL connection and the circuit breaker guarding it.
type Store struct {
	pool    *pgxpool.Pool
	logger  *logger.Logger
	breaker *breaker.Breaker

	errorThreshold int

	schemaOnce     sync.Once
	schemaErr      error
	hasLastUsedCol bool
}

// New connects to dsn, pings it, and probes the schema once.
func New(ctx context.Context, dsn string, poolCfg PoolConfig, errorThreshold int, cb *breaker.Breaker, log *logger.Logger) (*Store, error) {
	masked := maskDSN(dsn)
	log.Info("connecting to proxy store", "dsn", masked)

	pgCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn %s: %w", masked, err)
	}

	if poolCfg.MinConns > 0 {
		pgCfg.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConns > 0 {
		pgCfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		pgCfg.MaxConnLifetime = poolCfg.MaxConnLifetime
	}
	if poolCfg.MaxConnIdleTime > 0 {
		pgCfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}

	connectCtx := ctx
	if poolCfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, poolCfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", masked, err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s: %w", masked, err)
	}

	s := &Store{
		pool:           pool,
		logger:         log,
		breaker:        cb,
		errorThreshold: errorThreshold,
	}

	log.Info("applying proxies schema migration")
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema for %s: %w", masked, err)
	}

	s.probeSchemaFeatures(ctx)

	log.Info("connected to proxy store", "dsn", masked)
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// TestConnection opens a connection and runs a trivial SELECT, returning
// descriptive diagnostics on failure.
func (s *Store) TestConnection(ctx context.Context) (ok bool, message string) {
	err := s.breaker.Do(func() error {
		var one int
		return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
	if err != nil {
		return false, diagnose(err)
	}
	return true, "connection ok"
}

func diagnose(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isTimeout(err):
		return "timeout connecting to database"
	default:
		return fmt.Sprintf("connection failed: %v", err)
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if te, ok := err.(timeouter); ok {
		t = te
		return t.Timeout()
	}
	return false
}

// requiredProxyColumns are the columns ProbeProxiesTable insists on before
// treating the proxies relation as usable. last_used is deliberately absent
// here: its presence is optional and handled separately by
// probeSchemaFeatures.
var requiredProxyColumns = []string{
	"id", "address", "port", "type", "status",
	"error_count", "success_count",
}

// ProbeProxiesTable confirms the proxies relation exists, that every
// required column is present, and reports the usable row count.
func (s *Store) ProbeProxiesTable(ctx context.Context) (ok bool, message string, activeCount int) {
	err := s.breaker.Do(func() error {
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = 'proxies'
			)
		`).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return errs.New(errs.KindSchemaMissing, "proxies table not found")
		}

		var presentColumns int
		err = s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM information_schema.columns
			WHERE table_name = 'proxies' AND column_name = ANY($1)
		`, requiredProxyColumns).Scan(&presentColumns)
		if err != nil {
			return err
		}
		if presentColumns != len(requiredProxyColumns) {
			return errs.New(errs.KindSchemaMissing, "proxies table is missing required columns")
		}

		return s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM proxies WHERE status = 'active' AND error_count < $1
		`, s.errorThreshold).Scan(&activeCount)
	})
	if err != nil {
		return false, err.Error(), 0
	}
	return true, "proxies table ok", activeCount
}

// probeSchemaFeatures is the one-shot, mutex-guarded probe for optional
// columns: writes that target an absent column become no-ops rather than
// erroring.
func (s *Store) probeSchemaFeatures(ctx context.Context) {
	s.schemaOnce.Do(func() {
		s.schemaErr = s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'proxies' AND column_name = 'last_used'
			)
		`).Scan(&s.hasLastUsedCol)
		if s.schemaErr != nil {
			s.logger.Warn("schema feature probe failed, assuming last_used absent", "error", s.schemaErr)
			s.hasLastUsedCol = false
		}
	})
}

// FetchActive returns up to limit active, usable proxy rows ordered by
// error_count ASC, RANDOM(). It over-fetches by 2x (capped) before
// truncating to improve the randomness of small result sets.
func (s *Store) FetchActive(ctx context.Context, limit int) ([]Proxy, error) {
	var rows []Proxy
	err := s.breaker.Do(func() error {
		overfetch := limit * 2
		if overfetch < limit {
			overfetch = limit
		}

		r, err := s.pool.Query(ctx, `
			SELECT id, address, port, type, username, password, status,
			       error_count, success_count, last_used, last_tested,
			       response_time_ms, country, region, provider, notes, tags,
			       created_at, updated_at
			FROM proxies
			WHERE status = 'active' AND error_count < $1
			ORDER BY error_count ASC, RANDOM()
			LIMIT $2
		`, s.errorThreshold, overfetch)
		if err != nil {
			return err
		}
		defer r.Close()

		rows, err = scanProxies(r)
		return err
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	if len(rows) > limit {
		shuffled := make([]Proxy, len(rows))
		copy(shuffled, rows)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		rows = shuffled[:limit]
	}
	return rows, nil
}

func scanProxies(r pgx.Rows) ([]Proxy, error) {
	var rows []Proxy
	for r.Next() {
		var p Proxy
		var scheme string
		var status string
		if err := r.Scan(
			&p.ID, &p.Address, &p.Port, &scheme, &p.Username, &p.Password, &status,
			&p.ErrorCount, &p.SuccessCount, &p.LastUsed, &p.LastTested,
			&p.ResponseTimeMS, &p.Country, &p.Region, &p.Provider, &p.Notes, &p.Tags,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan proxy row: %w", err)
		}
		p.Scheme = Scheme(scheme)
		p.Status = Status(status)
		rows = append(rows, p)
	}
	return rows, r.Err()
}

// IncrementError atomically bumps error_count and demotes status to
// inactive once the threshold is crossed, returning the new state.
func (s *Store) IncrementError(ctx context.Context, id int) (errorCount int, status Status, err error) {
	return s.IncrementErrorBy(ctx, id, 1)
}

// IncrementErrorBy adds by (>= 1) to the proxy's error_count in one round
// trip, letting a caller that batches up several failures for the same
// proxy (Pool's writeback) apply them as a single UPDATE instead of by
// round trip per failure.
func (s *Store) IncrementErrorBy(ctx context.Context, id, by int) (errorCount int, status Status, err error) {
	doErr := s.breaker.Do(func() error {
		var newStatus string
		scanErr := s.pool.QueryRow(ctx, `
			UPDATE proxies
			SET error_count = error_count + $2,
			    status = CASE WHEN error_count + $2 >= $3 THEN 'inactive' ELSE status END,
			    updated_at = now()
			WHERE id = $1
			RETURNING error_count, status
		`, id, by, s.errorThreshold).Scan(&errorCount, &newStatus)
		if scanErr != nil {
			return scanErr
		}
		status = Status(newStatus)
		return nil
	})
	if doErr != nil {
		return 0, "", wrapStoreErr(doErr)
	}
	return errorCount, status, nil
}

// MarkLastUsed updates last_used to now; a no-op when the column is absent.
func (s *Store) MarkLastUsed(ctx context.Context, id int) error {
	if !s.hasLastUsedCol {
		return nil
	}
	err := s.breaker.Do(func() error {
		_, execErr := s.pool.Exec(ctx, `UPDATE proxies SET last_used = now() WHERE id = $1`, id)
		return execErr
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// ResetErrors moves inactive rows with error_count <= maxErrorCount back to
// active with error_count reset to 0, returning the count reset.
func (s *Store) ResetErrors(ctx context.Context, maxErrorCount int) (int, error) {
	var reset int
	err := s.breaker.Do(func() error {
		tag, execErr := s.pool.Exec(ctx, `
			UPDATE proxies
			SET error_count = 0, status = 'active', updated_at = now()
			WHERE error_count <= $1 AND status = 'inactive'
		`, maxErrorCount)
		if execErr != nil {
			return execErr
		}
		reset = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return reset, nil
}

// Stats reports totals, active/usable/high-error counts, and the average
// error_count across the proxies table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	out.ByStatus = map[Status]int{}

	err := s.breaker.Do(func() error {
		err := s.pool.QueryRow(ctx, `
			SELECT
				COUNT(*),
				COUNT(*) FILTER (WHERE status = 'active'),
				COUNT(*) FILTER (WHERE status = 'active' AND error_count < $1),
				COUNT(*) FILTER (WHERE error_count >= $1),
				COALESCE(AVG(error_count), 0)
			FROM proxies
		`, s.errorThreshold).Scan(&out.Total, &out.Active, &out.Usable, &out.HighError, &out.AverageErrors)
		if err != nil {
			return err
		}

		rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM proxies GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			out.ByStatus[Status(status)] = count
		}
		return rows.Err()
	})
	if err != nil {
		return Stats{}, wrapStoreErr(err)
	}
	return out, nil
}

// wrapStoreErr classifies a breaker/query failure into a tagged outcome.
func wrapStoreErr(err error) error {
	if _, ok := err.(breaker.OpenError); ok {
		return errs.Wrap(errs.KindStoreUnavailable, "proxy store circuit open", err)
	}
	if fe, ok := err.(*errs.Error); ok {
		return fe
	}
	return errs.Wrap(errs.KindStoreUnavailable, "proxy store operation failed", err)
}
