package database

import (
	"database/sql"
	"time"

	"github.com/smukkama/usms-stats/internal/statistics"
)

// StatisticRecord is one row of the statistics table.
type StatisticRecord struct {
	StatisticID string
	StartTS     time.Time
	State       float64
	Sum         sql.NullFloat64
	Mean        sql.NullFloat64
}

// NewStatisticRecord converts a row for storage. Start is truncated to the hour.
func NewStatisticRecord(statisticID string, row statistics.Row) StatisticRecord {
	rec := StatisticRecord{
		StatisticID: statisticID,
		StartTS:     row.Start.Truncate(time.Hour),
		State:       row.State,
	}
	if row.Sum != nil {
		rec.Sum = sql.NullFloat64{Float64: *row.Sum, Valid: true}
	}
	if row.Mean != nil {
		rec.Mean = sql.NullFloat64{Float64: *row.Mean, Valid: true}
	}
	return rec
}

// Row converts the record back to a statistics row.
func (r StatisticRecord) Row() statistics.Row {
	row := statistics.Row{Start: r.StartTS, State: r.State}
	if r.Sum.Valid {
		row.Sum = statistics.Float(r.Sum.Float64)
	}
	if r.Mean.Valid {
		row.Mean = statistics.Float(r.Mean.Float64)
	}
	return row
}
