package statistics

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Source is the origin recorded on imported metadata.
const Source = "recorder"

// Row is one hourly statistic. Sum and Mean are nil when not recorded.
type Row struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   *float64  `json:"sum,omitempty"`
	Mean  *float64  `json:"mean,omitempty"`
}

// Float returns a pointer to v, for building rows.
func Float(v float64) *float64 {
	return &v
}

// SumOrZero returns the row's sum, or 0 when it has none.
func (r Row) SumOrZero() float64 {
	if r.Sum == nil {
		return 0
	}
	return *r.Sum
}

// Metadata describes a statistic series.
type Metadata struct {
	StatisticID       string `json:"statistic_id"`
	Source            string `json:"source"`
	Name              string `json:"name"`
	UnitOfMeasurement string `json:"unit_of_measurement"`
	HasSum            bool   `json:"has_sum"`
	HasMean           bool   `json:"has_mean"`
}

// Store persists hourly statistics per statistic id.
type Store interface {
	// Query returns rows with from <= Start (< to when to is set), ascending.
	// A nil from means the beginning of time.
	Query(ctx context.Context, statisticID string, from, to *time.Time) ([]Row, error)
	// Import upserts rows by Start and records metadata.
	Import(ctx context.Context, meta Metadata, rows []Row) error
}

// UniqueID is the consumption sensor's unique id for a meter.
func UniqueID(meterType, meterNo string) string {
	return fmt.Sprintf("usms_%s_meter_%s_consumption", strings.ToLower(meterType), meterNo)
}

// StatisticID is the id the consumption series is stored under.
func StatisticID(meterType, meterNo string) string {
	return "sensor." + UniqueID(meterType, meterNo)
}

// LastSum returns the sum of the last row that has one, or 0.
func LastSum(rows []Row) float64 {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Sum != nil {
			return *rows[i].Sum
		}
	}
	return 0
}
