package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/usms-stats/internal/statistics"
)

// newTestDB connects to the Postgres named by USMS_TEST_DATABASE_URL and
// applies the migrations.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("USMS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("USMS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, url, nil)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(ctx, "../../migrations"))
	t.Cleanup(func() { db.Close() })
	return db
}

func testMetadata(t *testing.T, db *DB) statistics.Metadata {
	t.Helper()
	meta := statistics.Metadata{
		StatisticID:       "sensor.test_" + uuid.NewString(),
		Source:            statistics.Source,
		Name:              "test",
		UnitOfMeasurement: "kWh",
		HasSum:            true,
	}
	t.Cleanup(func() {
		db.ExecContext(context.Background(), `DELETE FROM statistics_meta WHERE statistic_id = $1`, meta.StatisticID)
	})
	return meta
}

func TestDB_QueryBounds(t *testing.T) {
	db := newTestDB(t)
	meta := testMetadata(t, db)
	ctx := context.Background()
	h0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.Import(ctx, meta, []statistics.Row{
		{Start: h0, State: 1, Sum: statistics.Float(1)},
		{Start: h0.Add(time.Hour), State: 2, Sum: statistics.Float(3)},
		{Start: h0.Add(2 * time.Hour), State: 3, Sum: statistics.Float(6)},
	}))

	all, err := db.Query(ctx, meta.StatisticID, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Start.Equal(h0))
	assert.Equal(t, 6.0, statistics.LastSum(all))

	from := h0.Add(time.Hour)
	to := h0.Add(2 * time.Hour)
	window, err := db.Query(ctx, meta.StatisticID, &from, &to)
	require.NoError(t, err)
	require.Len(t, window, 1, "upper bound is exclusive")
	assert.True(t, window[0].Start.Equal(from))

	before, err := db.Query(ctx, meta.StatisticID, nil, &from)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, 1.0, *before[0].Sum)
}

func TestDB_ImportOverwritesWithNullSum(t *testing.T) {
	db := newTestDB(t)
	meta := testMetadata(t, db)
	ctx := context.Background()
	h0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.Import(ctx, meta, []statistics.Row{
		{Start: h0, State: 1, Sum: statistics.Float(1), Mean: statistics.Float(1)},
	}))
	require.NoError(t, db.Import(ctx, meta, []statistics.Row{
		{Start: h0.Add(20 * time.Minute), State: 9},
	}))

	rows, err := db.Query(ctx, meta.StatisticID, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 9.0, rows[0].State)
	assert.Nil(t, rows[0].Sum)
	assert.Nil(t, rows[0].Mean)
}

func TestDB_ImportIsAtomic(t *testing.T) {
	db := newTestDB(t)
	meta := testMetadata(t, db)
	ctx := context.Background()
	h0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.Import(ctx, meta, []statistics.Row{
		{Start: h0, State: 1, Sum: statistics.Float(1)},
	}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, db.Import(cancelled, meta, []statistics.Row{
		{Start: h0, State: 5},
	}))

	rows, err := db.Query(ctx, meta.StatisticID, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1.0, *rows[0].Sum)
}
