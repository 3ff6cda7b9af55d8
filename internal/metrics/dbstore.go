package metrics

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/glebarez/sqlite"
)

// RequestMetricRow is the append-only raw row persisted to the embedded
// SQL store.
type RequestMetricRow struct {
	ID           uint `gorm:"primaryKey"`
	Timestamp    time.Time `gorm:"index"`
	URL          string
	Method       string
	Success      bool
	DurationMS   int64
	ProxyID      *int
	ErrorKind    string
	ContentLen   int
	AttemptCount int
	RequestID    string
}

// DailyStatsRow is upserted once per local date.
type DailyStatsRow struct {
	Date            string `gorm:"primaryKey"` // YYYY-MM-DD
	Total           int
	Success         int
	Failure         int
	AvgDurationMS   int64
	ErrorKindCounts string // JSON-encoded map[string]int
	ProxyCounts     string // JSON-encoded map[string]int
	MethodCounts    string // JSON-encoded map[string]int
}

// DBStore is the embedded SQL store backing durable metrics: a separate,
// file-backed gorm/sqlite database from the Proxy Store's Postgres pool.
type DBStore struct {
	db *gorm.DB
}

// OpenDBStore opens (creating if necessary) a SQLite database at path and
// migrates its schema.
func OpenDBStore(path string) (*DBStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open embedded metrics store: %w", err)
	}

	if err := db.AutoMigrate(&RequestMetricRow{}, &DailyStatsRow{}); err != nil {
		return nil, fmt.Errorf("migrate embedded metrics store: %w", err)
	}

	return &DBStore{db: db}, nil
}

// InsertRaw appends one request_metrics row.
func (s *DBStore) InsertRaw(row RequestMetricRow) error {
	return s.db.Create(&row).Error
}

// UpsertDaily inserts or replaces the daily_stats row for row.Date. Date is
// a non-zero string primary key for every real row, so gorm's plain Save
// would always issue an UPDATE and silently touch zero rows on the first
// write for a date — an explicit ON CONFLICT clause is required to get
// insert-or-update semantics.
func (s *DBStore) UpsertDaily(row DailyStatsRow) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// DailyStatsRange returns daily_stats rows with Date in [from, to] inclusive.
func (s *DBStore) DailyStatsRange(from, to string) ([]DailyStatsRow, error) {
	var rows []DailyStatsRow
	err := s.db.Where("date >= ? AND date <= ?", from, to).Order("date").Find(&rows).Error
	return rows, err
}

// HourlyBreakdown returns, for the given date, per-hour-of-day counts and
// average duration from the raw request_metrics table.
type HourlyBucket struct {
	Hour        int
	Count       int
	Successful  int
	AvgMS       float64
	SuccessRate float64
}

func (s *DBStore) HourlyBreakdown(dayStart, dayEnd time.Time) ([]HourlyBucket, error) {
	type aggRow struct {
		Hour       int
		Count      int
		Successful int
		AvgMS      float64
	}

	// dayStart/dayEnd are local-midnight boundaries (recorder.go's
	// HistoricalStats builds them from now.Location()); strftime normalizes
	// ISO8601-with-offset timestamps to UTC before extracting fields unless
	// told otherwise, so the 'localtime' modifier is required to keep the
	// extracted hour aligned with the local day window being queried.
	var rows []aggRow
	err := s.db.Model(&RequestMetricRow{}).
		Select("CAST(strftime('%H', timestamp, 'localtime') AS INTEGER) AS hour, COUNT(*) AS count, SUM(success) AS successful, AVG(duration_ms) AS avg_ms").
		Where("timestamp >= ? AND timestamp < ?", dayStart, dayEnd).
		Group("hour").
		Order("hour").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]HourlyBucket, 0, len(rows))
	for _, r := range rows {
		b := HourlyBucket{Hour: r.Hour, Count: r.Count, Successful: r.Successful, AvgMS: r.AvgMS}
		if b.Count > 0 {
			b.SuccessRate = float64(b.Successful) / float64(b.Count)
		}
		out = append(out, b)
	}
	return out, nil
}

// DeleteOlderThan removes raw and daily rows older than cutoff/cutoffDate.
func (s *DBStore) DeleteOlderThan(cutoff time.Time, cutoffDate string) error {
	if err := s.db.Where("timestamp < ?", cutoff).Delete(&RequestMetricRow{}).Error; err != nil {
		return fmt.Errorf("delete old raw metrics: %w", err)
	}
	if err := s.db.Where("date < ?", cutoffDate).Delete(&DailyStatsRow{}).Error; err != nil {
		return fmt.Errorf("delete old daily stats: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
