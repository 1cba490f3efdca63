package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/usms"
)

// HistoricalState is one point-in-time reading before hour bucketing.
type HistoricalState struct {
	At    time.Time `json:"at"`
	State float64   `json:"state"`
}

// Collector materializes a meter's raw reading history.
type Collector struct {
	account usms.Account
	now     func() time.Time
	log     *zap.Logger
}

// NewCollector creates a collector over an account. A nil now uses time.Now.
func NewCollector(account usms.Account, now func() time.Time, log *zap.Logger) *Collector {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{account: account, now: now, log: log}
}

// Collect returns the readings between start and end in ascending order. It
// walks days newest first and stops for good at the first day without
// history. A zero start means as far back as the portal goes and a zero end
// means now.
func (c *Collector) Collect(ctx context.Context, meter *usms.Meter, start, end time.Time) ([]HistoricalState, error) {
	if end.IsZero() {
		end = c.now()
	}
	first := time.Time{}
	if !start.IsZero() {
		first = usms.StartOfDay(start)
	}

	var states []HistoricalState
	for day := usms.StartOfDay(end); !day.Before(first); day = day.AddDate(0, 0, -1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hours, err := c.account.HourlyConsumptions(ctx, meter, day)
		if errors.Is(err, usms.ErrConsumptionHistoryNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to collect %s for %s: %w", day.Format("2006-01-02"), meter, err)
		}

		dayStates := make([]HistoricalState, 0, len(hours))
		for _, r := range usms.HourlyReadings(day, hours) {
			dayStates = append(dayStates, HistoricalState{At: r.Hour, State: r.Consumption})
		}
		states = append(dayStates, states...)
		c.log.Debug("collected historical states", zap.String("meter", meter.No), zap.Time("day", day))
	}
	return states, nil
}

// Recent collects the last day of history, as done for incremental updates.
func (c *Collector) Recent(ctx context.Context, meter *usms.Meter) ([]HistoricalState, error) {
	now := c.now()
	return c.Collect(ctx, meter, now.AddDate(0, 0, -1), now)
}

// HourBlock returns the hour block a reading belongs to. A reading exactly on
// the hour closes the preceding block.
func HourBlock(t time.Time) time.Time {
	if t.Minute() == 0 && t.Second() == 0 {
		t = t.Add(-time.Hour)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// AggregateHourly groups consecutive states by hour block. Each row carries
// the block's total as State, its average as Mean and a running Sum that
// starts from latest.Sum (0 when latest is nil).
func AggregateHourly(states []HistoricalState, latest *statistics.Row) []statistics.Row {
	var accumulated float64
	if latest != nil {
		accumulated = latest.SumOrZero()
	}

	var rows []statistics.Row
	for i := 0; i < len(states); {
		block := HourBlock(states[i].At)
		j := i
		var partial float64
		for j < len(states) && HourBlock(states[j].At).Equal(block) {
			partial += states[j].State
			j++
		}

		accumulated += partial
		rows = append(rows, statistics.Row{
			Start: block,
			State: partial,
			Mean:  statistics.Float(partial / float64(j-i)),
			Sum:   statistics.Float(accumulated),
		})
		i = j
	}
	return rows
}

// SortStates orders states by ascending time.
func SortStates(states []HistoricalState) {
	sort.SliceStable(states, func(i, j int) bool { return states[i].At.Before(states[j].At) })
}
