package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/statistics"
)

// DB wraps the database connection and implements statistics.Store.
type DB struct {
	*sql.DB
	log *zap.Logger
}

// Connect establishes a connection to the database
func Connect(ctx context.Context, connectionString string, log *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	if log == nil {
		log = zap.NewNop()
	}
	return &DB{DB: db, log: log}, nil
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(ctx context.Context, migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		db.log.Info("running migration", zap.String("file", filename))

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	db.log.Info("migrations completed", zap.Int("count", len(sqlFiles)))
	return nil
}

// Query returns the hourly rows of a statistic in ascending start order.
func (db *DB) Query(ctx context.Context, statisticID string, from, to *time.Time) ([]statistics.Row, error) {
	query := `
		SELECT start_ts, state, sum, mean
		FROM statistics
		WHERE statistic_id = $1
		  AND ($2::timestamptz IS NULL OR start_ts >= $2)
		  AND ($3::timestamptz IS NULL OR start_ts < $3)
		ORDER BY start_ts
	`

	rows, err := db.QueryContext(ctx, query, statisticID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics for %s: %w", statisticID, err)
	}
	defer rows.Close()

	var result []statistics.Row
	for rows.Next() {
		var rec StatisticRecord
		if err := rows.Scan(&rec.StartTS, &rec.State, &rec.Sum, &rec.Mean); err != nil {
			return nil, err
		}
		result = append(result, rec.Row())
	}
	return result, rows.Err()
}

// Import upserts the metadata and rows of a statistic in one transaction.
func (db *DB) Import(ctx context.Context, meta statistics.Metadata, rows []statistics.Row) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO statistics_meta (statistic_id, source, name, unit_of_measurement, has_sum, has_mean)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (statistic_id) DO UPDATE
		SET source = EXCLUDED.source,
		    name = EXCLUDED.name,
		    unit_of_measurement = EXCLUDED.unit_of_measurement,
		    has_sum = EXCLUDED.has_sum,
		    has_mean = EXCLUDED.has_mean,
		    updated_at = CURRENT_TIMESTAMP
	`, meta.StatisticID, meta.Source, meta.Name, meta.UnitOfMeasurement, meta.HasSum, meta.HasMean); err != nil {
		return fmt.Errorf("failed to upsert metadata for %s: %w", meta.StatisticID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO statistics (statistic_id, start_ts, state, sum, mean)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (statistic_id, start_ts) DO UPDATE
		SET state = EXCLUDED.state,
		    sum = EXCLUDED.sum,
		    mean = EXCLUDED.mean
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		rec := NewStatisticRecord(meta.StatisticID, row)
		if _, err := stmt.ExecContext(ctx, rec.StatisticID, rec.StartTS, rec.State, rec.Sum, rec.Mean); err != nil {
			return fmt.Errorf("failed to import row %s for %s: %w", rec.StartTS.Format(time.RFC3339), meta.StatisticID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit statistics: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
