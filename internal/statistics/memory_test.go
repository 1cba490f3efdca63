package statistics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bnt = time.FixedZone("BNT", 8*60*60)

func hourAt(h int) time.Time {
	return time.Date(2024, 6, 1, h, 0, 0, 0, bnt)
}

func TestMemoryStore_ImportUpsertsByStart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	meta := Metadata{StatisticID: "sensor.x", HasSum: true}

	require.NoError(t, store.Import(ctx, meta, []Row{
		{Start: hourAt(1), State: 1, Sum: Float(1)},
		{Start: hourAt(0), State: 2, Sum: Float(2)},
	}))
	require.NoError(t, store.Import(ctx, meta, []Row{
		{Start: hourAt(1), State: 5},
	}))

	rows, err := store.Query(ctx, "sensor.x", nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Start.Equal(hourAt(0)))
	assert.Equal(t, 5.0, rows[1].State)
	assert.Nil(t, rows[1].Sum, "upsert replaces the whole row")

	got, ok := store.Metadata("sensor.x")
	require.True(t, ok)
	assert.Equal(t, meta, got)
}

func TestMemoryStore_QueryBounds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var rows []Row
	for h := 0; h < 5; h++ {
		rows = append(rows, Row{Start: hourAt(h), State: float64(h)})
	}
	require.NoError(t, store.Import(ctx, Metadata{StatisticID: "s"}, rows))

	from, to := hourAt(1), hourAt(3)
	got, err := store.Query(ctx, "s", &from, &to)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].State)
	assert.Equal(t, 2.0, got[1].State)

	got, err = store.Query(ctx, "s", &from, nil)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = store.Query(ctx, "missing", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Import(ctx, Metadata{StatisticID: "s"}, []Row{{Start: hourAt(0), Sum: Float(3)}}))

	rows, err := store.Query(ctx, "s", nil, nil)
	require.NoError(t, err)
	*rows[0].Sum = 99

	rows, err = store.Query(ctx, "s", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, *rows[0].Sum)
}

func TestStatisticID(t *testing.T) {
	assert.Equal(t, "usms_electricity_meter_E100_consumption", UniqueID("Electricity", "E100"))
	assert.Equal(t, "sensor.usms_water_meter_7_consumption", StatisticID("Water", "7"))
}

func TestLastSum(t *testing.T) {
	assert.Equal(t, 0.0, LastSum(nil))
	assert.Equal(t, 4.0, LastSum([]Row{{Sum: Float(4)}, {State: 1}}))
}
