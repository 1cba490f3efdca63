package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/reconcile"
	"github.com/smukkama/usms-stats/internal/sensor"
	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/usms"
)

var (
	// ErrNoStatisticalData is returned when a recompute finds nothing persisted.
	ErrNoStatisticalData = errors.New("no statistical data found")
	// ErrMeterNotFound is returned for a meter number the account does not have.
	ErrMeterNotFound = errors.New("meter not found")
)

// Report describes a completed backfill.
type Report struct {
	MeterNo     string           `json:"meter_no"`
	StatisticID string           `json:"statistic_id"`
	Days        int              `json:"days"`
	Imported    []statistics.Row `json:"-"`
	Series      []statistics.Row `json:"-"`
	// Oldest is the earliest day that returned data.
	Oldest *time.Time `json:"oldest,omitempty"`
}

// Service downloads past consumption and rebuilds running sums.
type Service struct {
	store statistics.Store
	now   func() time.Time
	log   *zap.Logger
}

// NewService creates a backfill service. A nil now uses time.Now.
func NewService(store statistics.Store, now func() time.Time, log *zap.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, now: now, log: log}
}

// Backfill imports the meter's hourly history between start and end, newest
// day first, stopping at the first day the portal has no history for. A nil
// end means today and a nil start means as far back as the portal goes. The
// downloaded states are merged into the stored series and the merged series
// is summed from zero and imported once.
func (s *Service) Backfill(ctx context.Context, acc *reconcile.AccountContext, meterNo string, start, end *time.Time) (*Report, error) {
	meter, consumption, err := lookup(acc, meterNo)
	if err != nil {
		return nil, err
	}

	last := usms.StartOfDay(s.now())
	if end != nil {
		last = usms.StartOfDay(*end)
	}
	var first time.Time
	if start != nil {
		first = usms.StartOfDay(*start)
	}

	log := s.log.With(zap.String("meter", meterNo))
	report := &Report{MeterNo: meterNo, StatisticID: consumption.StatisticID()}

	var readings []usms.HourlyReading
	for day := last; !day.Before(first); day = day.AddDate(0, 0, -1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hours, err := acc.Account.HourlyConsumptions(ctx, meter, day)
		if errors.Is(err, usms.ErrConsumptionHistoryNotFound) {
			log.Info("consumption history ends", zap.String("day", day.Format("2006-01-02")))
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s for %s: %w", day.Format("2006-01-02"), meter, err)
		}

		readings = append(usms.HourlyReadings(day, hours), readings...)
		report.Days++
		oldest := day
		report.Oldest = &oldest
	}

	rows := make([]statistics.Row, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, statistics.Row{Start: r.BucketStart(), State: r.Consumption})
	}
	report.Imported = rows
	log.Info("downloaded consumption history", zap.Int("days", report.Days), zap.Int("rows", len(rows)))

	stored, err := s.store.Query(ctx, consumption.StatisticID(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics for %s: %w", consumption.StatisticID(), err)
	}
	series, err := s.rebuild(ctx, consumption, mergeStates(stored, rows))
	if err != nil {
		return nil, err
	}
	report.Series = series
	return report, nil
}

// Recompute rebuilds the running sum of a meter's whole series from zero.
func (s *Service) Recompute(ctx context.Context, acc *reconcile.AccountContext, meterNo string) ([]statistics.Row, error) {
	_, consumption, err := lookup(acc, meterNo)
	if err != nil {
		return nil, err
	}
	return s.recompute(ctx, consumption)
}

func (s *Service) recompute(ctx context.Context, consumption *sensor.ConsumptionSensor) ([]statistics.Row, error) {
	rows, err := s.store.Query(ctx, consumption.StatisticID(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics for %s: %w", consumption.StatisticID(), err)
	}
	return s.rebuild(ctx, consumption, rows)
}

// rebuild sums rows from zero and imports the whole series in one call, so a
// failure leaves the stored sums as they were.
func (s *Service) rebuild(ctx context.Context, consumption *sensor.ConsumptionSensor, rows []statistics.Row) ([]statistics.Row, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoStatisticalData, consumption.StatisticID())
	}

	var total float64
	for i := range rows {
		total += rows[i].State
		rows[i].Sum = statistics.Float(total)
	}

	if err := consumption.ReportHistoricalSeries(ctx, rows); err != nil {
		return nil, err
	}
	s.log.Info("recalculated sum statistics",
		zap.String("statistic_id", consumption.StatisticID()),
		zap.Int("rows", len(rows)),
		zap.Float64("sum", total))
	return rows, nil
}

// mergeStates overlays downloaded states on the stored series by hour start
// and returns the result in ascending order.
func mergeStates(stored, downloaded []statistics.Row) []statistics.Row {
	byHour := make(map[int64]statistics.Row, len(stored)+len(downloaded))
	for _, r := range stored {
		byHour[r.Start.Truncate(time.Hour).Unix()] = r
	}
	for _, r := range downloaded {
		byHour[r.Start.Truncate(time.Hour).Unix()] = statistics.Row{Start: r.Start, State: r.State}
	}

	merged := make([]statistics.Row, 0, len(byHour))
	for _, r := range byHour {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start.Before(merged[j].Start) })
	return merged
}

func lookup(acc *reconcile.AccountContext, meterNo string) (*usms.Meter, *sensor.ConsumptionSensor, error) {
	meter, ok := usms.FindMeter(acc.Account, meterNo)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMeterNotFound, meterNo)
	}
	consumption, ok := acc.Index.Get(meterNo)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no consumption sensor for %s", ErrMeterNotFound, meterNo)
	}
	return meter, consumption, nil
}
