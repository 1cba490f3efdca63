package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/usms-stats/internal/reconcile"
	"github.com/smukkama/usms-stats/internal/sensor"
	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/usms"
	"github.com/smukkama/usms-stats/internal/usms/usmstest"
)

var day0 = time.Date(2024, 6, 10, 0, 0, 0, 0, usms.Timezone)

type fixture struct {
	store   *statistics.MemoryStore
	account *usmstest.FakeAccount
	acc     *reconcile.AccountContext
	service *Service
	sensor  *sensor.ConsumptionSensor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	meter := usms.NewMeter("E100", usms.MeterTypeElectricity, usms.MeterSnapshot{})
	store := statistics.NewMemoryStore()
	account := usmstest.NewFakeAccount("REG-1", meter)
	acc := reconcile.NewAccountContext(account, time.Hour)
	s := sensor.NewConsumptionSensor(meter, store, nil, nil)
	require.NoError(t, acc.Index.Register(s))

	return &fixture{
		store:   store,
		account: account,
		acc:     acc,
		service: NewService(store, func() time.Time { return day0.Add(15 * time.Hour) }, nil),
		sensor:  s,
	}
}

func (f *fixture) stored(t *testing.T) []statistics.Row {
	t.Helper()
	rows, err := f.store.Query(context.Background(), f.sensor.StatisticID(), nil, nil)
	require.NoError(t, err)
	return rows
}

func TestBackfill_StopsAtFirstMissingDay(t *testing.T) {
	f := newFixture(t)
	f.account.SetDay("E100", day0, map[int]float64{1: 1, 2: 2})
	f.account.SetDay("E100", day0.AddDate(0, 0, -1), map[int]float64{1: 3})
	// D-2 missing, D-3 present but unreachable
	f.account.SetDay("E100", day0.AddDate(0, 0, -3), map[int]float64{1: 100})

	start := day0.AddDate(0, 0, -3)
	end := day0
	report, err := f.service.Backfill(context.Background(), f.acc, "E100", &start, &end)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Days)
	require.NotNil(t, report.Oldest)
	assert.True(t, report.Oldest.Equal(day0.AddDate(0, 0, -1)))
	assert.Equal(t, []string{"E100/2024-06-10", "E100/2024-06-09", "E100/2024-06-08"}, f.account.Fetches())

	rows := f.stored(t)
	require.Len(t, rows, 3)
	assert.Equal(t, []float64{3, 1, 2}, []float64{rows[0].State, rows[1].State, rows[2].State})
	assert.Equal(t, []float64{3, 4, 6}, []float64{*rows[0].Sum, *rows[1].Sum, *rows[2].Sum})
	assert.Len(t, report.Series, 3)
}

func TestBackfill_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.account.SetDay("E100", day0, map[int]float64{1: 1, 24: 2})
	f.account.SetDay("E100", day0.AddDate(0, 0, -1), map[int]float64{5: 3})

	_, err := f.service.Backfill(context.Background(), f.acc, "E100", nil, nil)
	require.NoError(t, err)
	first := f.stored(t)

	_, err = f.service.Backfill(context.Background(), f.acc, "E100", nil, nil)
	require.NoError(t, err)
	second := f.stored(t)

	assert.Equal(t, first, second)
	assert.InDelta(t, 6, *second[len(second)-1].Sum, 1e-9)
}

func TestBackfill_DefaultEndIsToday(t *testing.T) {
	f := newFixture(t)
	f.account.SetDay("E100", day0.AddDate(0, 0, 1), map[int]float64{1: 50})
	f.account.SetDay("E100", day0, map[int]float64{1: 1})

	report, err := f.service.Backfill(context.Background(), f.acc, "E100", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Days)
	assert.Equal(t, "E100/2024-06-10", f.account.Fetches()[0])
}

func TestBackfill_RespectsStartBound(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.account.SetDay("E100", day0.AddDate(0, 0, -i), map[int]float64{1: 1})
	}

	start := day0.AddDate(0, 0, -1)
	report, err := f.service.Backfill(context.Background(), f.acc, "E100", &start, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Days)
	assert.Len(t, f.account.Fetches(), 2)
}

func TestBackfill_RecomputesExistingRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// a later row already imported by a refresh cycle with a stale baseline
	require.NoError(t, f.store.Import(ctx, f.sensor.Metadata(), []statistics.Row{
		{Start: day0.AddDate(0, 0, 1), State: 4, Sum: statistics.Float(4)},
	}))
	f.account.SetDay("E100", day0, map[int]float64{1: 1, 2: 2})

	end := day0
	_, err := f.service.Backfill(ctx, f.acc, "E100", nil, &end)
	require.NoError(t, err)

	rows := f.stored(t)
	require.Len(t, rows, 3)
	assert.InDelta(t, 7, *rows[2].Sum, 1e-9)
}

func TestBackfill_UnknownMeter(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Backfill(context.Background(), f.acc, "nope", nil, nil)
	assert.ErrorIs(t, err, ErrMeterNotFound)
}

func TestBackfill_FetchErrorAbortsWithoutImport(t *testing.T) {
	f := newFixture(t)
	f.account.SetDay("E100", day0, map[int]float64{1: 1})
	f.account.FailFetch("E100", day0.AddDate(0, 0, -1), errors.New("portal down"))

	_, err := f.service.Backfill(context.Background(), f.acc, "E100", nil, nil)
	require.Error(t, err)
	assert.Empty(t, f.stored(t))
}

func TestRecompute_NoData(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Recompute(context.Background(), f.acc, "E100")
	assert.ErrorIs(t, err, ErrNoStatisticalData)

	_, err = f.service.Recompute(context.Background(), f.acc, "nope")
	assert.ErrorIs(t, err, ErrMeterNotFound)
}

func TestRecompute_RunningSumFromZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Import(ctx, f.sensor.Metadata(), []statistics.Row{
		{Start: day0, State: 2, Sum: statistics.Float(50)},
		{Start: day0.Add(time.Hour), State: 3},
		{Start: day0.Add(2 * time.Hour), State: 1.5, Sum: statistics.Float(1)},
	}))

	rows, err := f.service.Recompute(ctx, f.acc, "E100")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []float64{2, 5, 6.5}, []float64{*rows[0].Sum, *rows[1].Sum, *rows[2].Sum})
	assert.Equal(t, rows, f.stored(t))
}

// failingStore wraps a MemoryStore and fails reads or imports on demand.
type failingStore struct {
	*statistics.MemoryStore
	queryErr  error
	importErr error
}

func (s *failingStore) Query(ctx context.Context, statisticID string, from, to *time.Time) ([]statistics.Row, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.MemoryStore.Query(ctx, statisticID, from, to)
}

func (s *failingStore) Import(ctx context.Context, meta statistics.Metadata, rows []statistics.Row) error {
	if s.importErr != nil {
		return s.importErr
	}
	return s.MemoryStore.Import(ctx, meta, rows)
}

func TestBackfill_StoreFailureKeepsSums(t *testing.T) {
	ctx := context.Background()
	prev := day0.AddDate(0, 0, -2)
	day := day0.AddDate(0, 0, -1)

	tests := []struct {
		name  string
		store func(*statistics.MemoryStore) *failingStore
	}{
		{"read fails", func(m *statistics.MemoryStore) *failingStore {
			return &failingStore{MemoryStore: m, queryErr: errors.New("store timeout")}
		}},
		{"import fails", func(m *statistics.MemoryStore) *failingStore {
			return &failingStore{MemoryStore: m, importErr: errors.New("store timeout")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meter := usms.NewMeter("E100", usms.MeterTypeElectricity, usms.MeterSnapshot{})
			memory := statistics.NewMemoryStore()
			store := tt.store(memory)
			account := usmstest.NewFakeAccount("REG-1", meter)
			acc := reconcile.NewAccountContext(account, time.Hour)
			s := sensor.NewConsumptionSensor(meter, store, nil, nil)
			require.NoError(t, acc.Index.Register(s))

			require.NoError(t, memory.Import(ctx, s.Metadata(), []statistics.Row{
				{Start: prev, State: 100, Sum: statistics.Float(100)},
				{Start: day, State: 10, Sum: statistics.Float(110)},
			}))
			account.SetDay("E100", day, map[int]float64{1: 12})

			service := NewService(store, func() time.Time { return day.Add(15 * time.Hour) }, nil)
			_, err := service.Backfill(ctx, acc, "E100", &day, &day)
			require.ErrorContains(t, err, "store timeout")

			rows, err := memory.Query(ctx, s.StatisticID(), nil, nil)
			require.NoError(t, err)
			require.Len(t, rows, 2)
			require.NotNil(t, rows[1].Sum)
			assert.Equal(t, 10.0, rows[1].State)
			assert.Equal(t, 110.0, *rows[1].Sum)
		})
	}
}

func TestBackfill_MergesDownloadedStatesIntoStoredSeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prev := day0.AddDate(0, 0, -1)
	require.NoError(t, f.store.Import(ctx, f.sensor.Metadata(), []statistics.Row{
		{Start: prev, State: 100, Sum: statistics.Float(100)},
		{Start: day0, State: 10, Sum: statistics.Float(110)},
	}))
	f.account.SetDay("E100", day0, map[int]float64{1: 12, 2: 3})

	report, err := f.service.Backfill(ctx, f.acc, "E100", &day0, &day0)
	require.NoError(t, err)
	assert.Len(t, report.Imported, 2)
	assert.Nil(t, report.Imported[0].Sum)

	rows := f.stored(t)
	require.Len(t, rows, 3)
	assert.Equal(t, []float64{100, 12, 3}, []float64{rows[0].State, rows[1].State, rows[2].State})
	assert.Equal(t, []float64{100, 112, 115}, []float64{*rows[0].Sum, *rows[1].Sum, *rows[2].Sum})
	assert.Equal(t, rows, report.Series)
}
