package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/smukkama/usms-stats/internal/backfill"
	"github.com/smukkama/usms-stats/internal/metrics"
	"github.com/smukkama/usms-stats/internal/protocol"
	"github.com/smukkama/usms-stats/internal/reconcile"
	"github.com/smukkama/usms-stats/internal/sensor"
	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/timer"
)

// Publisher forwards imported statistics downstream.
type Publisher interface {
	PublishStatistics(ctx context.Context, msg *protocol.StatisticsMessage) error
}

// StatusStore keeps the refresh status for read-only views.
type StatusStore interface {
	SaveStatus(ctx context.Context, regNo string, snap reconcile.StateSnapshot) error
}

// DefaultCycleTimeout bounds one refresh cycle.
const DefaultCycleTimeout = 5 * time.Minute

// Options are the optional collaborators of a Coordinator.
type Options struct {
	Publisher Publisher
	Status    StatusStore
	Log       *zap.Logger
	// CycleTimeout bounds a refresh cycle. Zero uses DefaultCycleTimeout.
	CycleTimeout time.Duration
}

// Coordinator is the single logical worker of one account. Scheduled cycles,
// manual refreshes, backfills and recomputes all run one at a time.
type Coordinator struct {
	acc      *reconcile.AccountContext
	engine   *reconcile.Engine
	backfill *backfill.Service

	publisher Publisher
	status    StatusStore
	log       *zap.Logger

	sem          chan struct{}
	group        singleflight.Group
	cycleTimeout time.Duration

	// life outlives callers; cycles run on it and Stop cancels it.
	life     context.Context
	shutdown context.CancelFunc

	mu        sync.RWMutex
	scheduler *timer.Scheduler
	last      *reconcile.Result
}

// New creates the coordinator of an account.
func New(acc *reconcile.AccountContext, engine *reconcile.Engine, backfillSvc *backfill.Service, opts Options) *Coordinator {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.CycleTimeout
	if timeout <= 0 {
		timeout = DefaultCycleTimeout
	}
	life, shutdown := context.WithCancel(context.Background())
	return &Coordinator{
		acc:          acc,
		engine:       engine,
		backfill:     backfillSvc,
		publisher:    opts.Publisher,
		status:       opts.Status,
		log:          log.With(zap.String("account", acc.Account.RegNo())),
		sem:          make(chan struct{}, 1),
		cycleTimeout: timeout,
		life:         life,
		shutdown:     shutdown,
	}
}

// Account returns the account context the coordinator drives.
func (c *Coordinator) Account() *reconcile.AccountContext { return c.acc }

func (c *Coordinator) taskID() string { return "refresh:" + c.acc.Account.RegNo() }

// RegisterSensors creates the consumption and unit sensors of every meter.
func (c *Coordinator) RegisterSensors(ctx context.Context, store statistics.Store, sink sensor.ValueSink) error {
	for _, meter := range c.acc.Account.Meters() {
		consumption := sensor.NewConsumptionSensor(meter, store, sink, c.log)
		if err := c.acc.Index.Register(consumption); err != nil {
			return err
		}
		unit := sensor.NewUnitSensor(meter, sink)
		c.acc.Index.RegisterUnit(meter.No, unit)
		if err := unit.Refresh(ctx); err != nil {
			c.log.Warn("failed to report unit sensor", zap.String("meter", meter.No), zap.Error(err))
		}
	}
	c.log.Info("sensors registered", zap.Int("meters", c.acc.Index.Count()))
	return nil
}

// FirstRefresh runs the initial cycle. The account is not ready until it succeeds.
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	if _, err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("first refresh failed: %w", err)
	}
	return nil
}

// Start schedules cycles on the scheduler, the first one after the current
// update interval.
func (c *Coordinator) Start(scheduler *timer.Scheduler) error {
	c.mu.Lock()
	c.scheduler = scheduler
	c.mu.Unlock()
	return c.reschedule()
}

// Stop cancels the pending and running cycles and forgets the sensors, as on
// unload. The sensors are cleared only once no operation holds the account.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	scheduler := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()

	if scheduler != nil {
		scheduler.Cancel(c.taskID())
	}
	c.shutdown()

	_ = c.Exclusive(context.Background(), func(context.Context) error {
		c.acc.Index.Clear()
		c.acc.State.Reset()
		return nil
	})
}

// NextRun returns when the next scheduled cycle is due.
func (c *Coordinator) NextRun() (time.Time, bool) {
	c.mu.RLock()
	scheduler := c.scheduler
	c.mu.RUnlock()
	if scheduler == nil {
		return time.Time{}, false
	}
	return scheduler.NextRun(c.taskID())
}

func (c *Coordinator) reschedule() error {
	c.mu.RLock()
	scheduler := c.scheduler
	c.mu.RUnlock()
	if scheduler == nil {
		return nil
	}

	delay := c.acc.State.UpdateInterval()
	if delay < 0 {
		delay = 0
	}
	return scheduler.ScheduleIn(c.taskID(), delay, func(ctx context.Context) {
		if _, err := c.Refresh(ctx); err != nil {
			c.log.Debug("scheduled refresh failed", zap.Error(err))
		}
	})
}

// Refresh runs a cycle now. Concurrent requests share one cycle, which runs
// on the coordinator's own context: a caller whose ctx ends stops waiting
// without cancelling the cycle for the others.
func (c *Coordinator) Refresh(ctx context.Context) (*reconcile.Result, error) {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		cycleCtx, cancel := context.WithTimeout(c.life, c.cycleTimeout)
		defer cancel()

		var result *reconcile.Result
		err := c.Exclusive(cycleCtx, func(ctx context.Context) error {
			var err error
			result, err = c.cycle(ctx)
			return err
		})
		if rerr := c.reschedule(); rerr != nil && !errors.Is(rerr, timer.ErrSchedulerStopped) {
			c.log.Warn("failed to schedule next refresh", zap.Error(rerr))
		}
		return result, err
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.log.Debug("refresh request coalesced")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*reconcile.Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Exclusive runs fn while holding the account's worker slot.
func (c *Coordinator) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()
	return fn(ctx)
}

func (c *Coordinator) cycle(ctx context.Context) (*reconcile.Result, error) {
	start := time.Now()
	result, err := c.engine.Refresh(ctx, c.acc)
	metrics.ObserveRefresh(refreshResult(err), time.Since(start))
	metrics.SetUpdateInterval(c.acc.State.UpdateInterval())

	if err != nil {
		c.saveStatus(ctx)
		return nil, err
	}

	applyErr := c.apply(ctx, result)

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()
	c.saveStatus(ctx)
	return result, applyErr
}

func refreshResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, reconcile.ErrStalenessDetected):
		return metrics.ResultStale
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCancelled
	default:
		return metrics.ResultError
	}
}

// apply hands a successful cycle's rows to the registered sensors.
func (c *Coordinator) apply(ctx context.Context, result *reconcile.Result) error {
	var errs []error
	for _, meterNo := range result.Order {
		rows := result.Statistics[meterNo]
		consumption, ok := c.acc.Index.Get(meterNo)
		if !ok || len(rows) == 0 {
			continue
		}

		if err := consumption.ReportHistoricalSeries(ctx, rows); err != nil {
			c.log.Error("failed to import statistics", zap.String("meter", meterNo), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		metrics.AddRowsImported(string(protocol.KindRefresh), len(rows))

		latest := rows[len(rows)-1]
		if err := consumption.ReportValue(ctx, latest.State, map[string]interface{}{
			"last_reset": latest.Start.Format(time.RFC3339),
			"sum":        latest.SumOrZero(),
		}); err != nil {
			c.log.Warn("failed to report consumption value", zap.String("meter", meterNo), zap.Error(err))
		}
		c.publish(ctx, consumption, protocol.KindRefresh, rows)
	}

	for _, unit := range c.acc.Index.Units() {
		if err := unit.Refresh(ctx); err != nil {
			c.log.Warn("failed to report unit sensor", zap.String("sensor", unit.SensorID()), zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) publish(ctx context.Context, consumption *sensor.ConsumptionSensor, kind protocol.Kind, rows []statistics.Row) {
	if c.publisher == nil || len(rows) == 0 {
		return
	}
	msg := protocol.NewStatisticsMessage(c.acc.Account.RegNo(), consumption.Metadata(), consumption.MeterNo(), kind, rows)
	err := c.publisher.PublishStatistics(ctx, msg)
	metrics.ObserveExport("publish", metrics.ResultFor(err))
	if err != nil {
		c.log.Warn("failed to publish statistics", zap.String("meter", consumption.MeterNo()), zap.Error(err))
	}
}

func (c *Coordinator) saveStatus(ctx context.Context) {
	if c.status == nil {
		return
	}
	if err := c.status.SaveStatus(ctx, c.acc.Account.RegNo(), c.acc.State.Snapshot()); err != nil {
		c.log.Warn("failed to save refresh status", zap.Error(err))
	}
}

// Backfill downloads a meter's history and recomputes its sums.
func (c *Coordinator) Backfill(ctx context.Context, meterNo string, start, end *time.Time) (*backfill.Report, error) {
	var report *backfill.Report
	err := c.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		report, err = c.backfill.Backfill(ctx, c.acc, meterNo, start, end)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.AddRowsImported(string(protocol.KindBackfill), len(report.Imported))
	if consumption, ok := c.acc.Index.Get(meterNo); ok {
		c.publish(ctx, consumption, protocol.KindBackfill, report.Series)
	}
	return report, nil
}

// Recompute rebuilds the running sums of a meter.
func (c *Coordinator) Recompute(ctx context.Context, meterNo string) ([]statistics.Row, error) {
	var rows []statistics.Row
	err := c.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		rows, err = c.backfill.Recompute(ctx, c.acc, meterNo)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.AddRowsImported(string(protocol.KindRecompute), len(rows))
	if consumption, ok := c.acc.Index.Get(meterNo); ok {
		c.publish(ctx, consumption, protocol.KindRecompute, rows)
	}
	return rows, nil
}

// LastResult returns the result of the last successful cycle.
func (c *Coordinator) LastResult() *reconcile.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
