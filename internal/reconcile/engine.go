package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/usms"
)

// Options tunes the refresh cycle.
type Options struct {
	// RetryInterval is used after a failed cycle or a lapsed estimate.
	RetryInterval time.Duration
	// PollOffset is added to the latest portal update to estimate the next one.
	PollOffset time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Result is the outcome of a successful refresh cycle.
type Result struct {
	Statistics map[string][]statistics.Row
	// Order lists meter numbers in declaration order.
	Order          []string
	LatestUpdate   time.Time
	NextUpdate     time.Time
	UpdateInterval time.Duration
}

// Engine runs refresh cycles. It keeps no per-account state of its own.
type Engine struct {
	store  statistics.Store
	retry  time.Duration
	offset time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// NewEngine creates a reconciliation engine over a statistics store.
func NewEngine(store statistics.Store, opts Options, log *zap.Logger) *Engine {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Minute
	}
	if opts.PollOffset <= 0 {
		opts.PollOffset = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:  store,
		retry:  opts.RetryInterval,
		offset: opts.PollOffset,
		now:    opts.Now,
		log:    log,
	}
}

// RetryInterval returns the delay applied after a failed cycle.
func (e *Engine) RetryInterval() time.Duration { return e.retry }

// Refresh runs one reconciliation cycle for an account. On failure it returns
// an *UpdateFailed and no rows for any meter.
func (e *Engine) Refresh(ctx context.Context, acc *AccountContext) (*Result, error) {
	now := e.now()
	meters := acc.Account.Meters()

	for _, meter := range meters {
		if err := acc.Account.ForceUpdate(ctx, meter); err != nil {
			return nil, e.fail(acc, now, &UpdateFailed{Kind: ErrSourceUnavailable, Meter: meter.No, RetryIn: e.retry, Err: err})
		}
	}

	latest := usms.LatestUpdate(meters)
	nextUpdate := latest.Add(e.offset)
	interval := nextUpdate.Sub(now)

	if nextUpdate.Before(now) {
		interval = e.retry
		if acc.State.FirstRefreshDone() {
			return nil, e.fail(acc, now, &UpdateFailed{
				Kind:    ErrStalenessDetected,
				RetryIn: e.retry,
				Err:     fmt.Errorf("next update was due at %s", nextUpdate.Format(time.RFC3339)),
			})
		}
		e.log.Warn("next update estimate has lapsed, continuing on first refresh",
			zap.Time("next_update", nextUpdate))
	}

	result := &Result{
		Statistics:     make(map[string][]statistics.Row, len(meters)),
		Order:          make([]string, 0, len(meters)),
		LatestUpdate:   latest,
		NextUpdate:     nextUpdate,
		UpdateInterval: interval,
	}

	for _, meter := range meters {
		rows, err := e.meterRows(ctx, acc, meter, now)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, e.fail(acc, now, &UpdateFailed{Kind: ErrSourceUnavailable, Meter: meter.No, RetryIn: e.retry, Err: err})
		}
		result.Statistics[meter.No] = rows
		result.Order = append(result.Order, meter.No)
	}

	acc.State.recordSuccess(now, latest, nextUpdate, interval)
	e.log.Info("refresh cycle completed",
		zap.Int("meters", len(meters)),
		zap.Time("next_update", nextUpdate),
		zap.Duration("update_interval", interval))
	return result, nil
}

func (e *Engine) fail(acc *AccountContext, now time.Time, err *UpdateFailed) error {
	acc.State.recordFailure(now, err.RetryIn, err)
	e.log.Warn("refresh cycle failed", zap.Error(err), zap.Duration("retry_in", err.RetryIn))
	return err
}

func (e *Engine) meterRows(ctx context.Context, acc *AccountContext, meter *usms.Meter, now time.Time) ([]statistics.Row, error) {
	today := usms.StartOfDay(now)
	yesterday := today.AddDate(0, 0, -1)

	var readings []usms.HourlyReading
	for _, day := range []time.Time{yesterday, today} {
		hours, err := acc.Account.HourlyConsumptions(ctx, meter, day)
		if errors.Is(err, usms.ErrConsumptionHistoryNotFound) {
			e.log.Info("consumption history not available yet",
				zap.String("meter", meter.No),
				zap.String("day", day.Format("2006-01-02")))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s for %s: %w", day.Format("2006-01-02"), meter, err)
		}
		readings = append(readings, usms.HourlyReadings(day, hours)...)
	}
	usms.SortReadings(readings)

	rows := make([]statistics.Row, 0, len(readings))
	if len(readings) == 0 {
		return rows, nil
	}

	consumption, registered := acc.Index.Get(meter.No)
	if !registered {
		for _, r := range readings {
			rows = append(rows, statistics.Row{Start: r.BucketStart(), State: r.Consumption})
		}
		return rows, nil
	}

	total, err := e.baseline(ctx, consumption.StatisticID(), yesterday)
	if err != nil {
		return nil, err
	}
	for _, r := range readings {
		total += r.Consumption
		rows = append(rows, statistics.Row{
			Start: r.BucketStart(),
			State: r.Consumption,
			Sum:   statistics.Float(total),
		})
	}
	return rows, nil
}

// baseline is the last persisted sum strictly before the reconciliation window.
func (e *Engine) baseline(ctx context.Context, statisticID string, windowStart time.Time) (float64, error) {
	rows, err := e.store.Query(ctx, statisticID, nil, &windowStart)
	if err != nil {
		return 0, fmt.Errorf("failed to read baseline for %s: %w", statisticID, err)
	}
	return statistics.LastSum(rows), nil
}
