package influx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/usms-stats/internal/protocol"
	"github.com/smukkama/usms-stats/internal/statistics"
)

func TestPoints(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	msg := &protocol.StatisticsMessage{
		Account:     "REG-1",
		MeterNo:     "E100",
		StatisticID: "sensor.usms_electricity_meter_E100_consumption",
		Unit:        "kWh",
		Kind:        protocol.KindRefresh,
		Rows: []statistics.Row{
			{Start: start, State: 2, Sum: statistics.Float(12)},
			{Start: start.Add(time.Hour), State: 3},
		},
	}

	points := Points([]*protocol.StatisticsMessage{msg, {StatisticID: "empty"}})
	require.Len(t, points, 2)

	first := points[0]
	assert.Equal(t, Measurement, first.Name())
	assert.True(t, first.Time().Equal(start))

	tags := map[string]string{}
	for _, tag := range first.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "E100", tags["meter_no"])
	assert.Equal(t, "kWh", tags["unit"])

	fields := map[string]interface{}{}
	for _, f := range first.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 2.0, fields["state"])
	assert.Equal(t, 12.0, fields["sum"])
	assert.NotContains(t, fields, "mean")

	second := map[string]interface{}{}
	for _, f := range points[1].FieldList() {
		second[f.Key] = f.Value
	}
	assert.NotContains(t, second, "sum")
}
