package protocol

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/usms-stats/internal/statistics"
)

func TestNewStatisticsMessage(t *testing.T) {
	meta := statistics.Metadata{StatisticID: "sensor.usms_water_meter_7_consumption", UnitOfMeasurement: "m³"}
	msg := NewStatisticsMessage("REG-1", meta, "7", KindBackfill, nil)

	_, err := uuid.Parse(msg.ID)
	assert.NoError(t, err)
	assert.Equal(t, "7", msg.Key())
	assert.Equal(t, "m³", msg.Unit)
	assert.NoError(t, msg.Validate())
}

func TestDecodeStatisticsMessage(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	msg := NewStatisticsMessage("REG-1", statistics.Metadata{StatisticID: "s"}, "1", KindRefresh, []statistics.Row{
		{Start: start, State: 1, Sum: statistics.Float(11)},
		{Start: start.Add(time.Hour), State: 2, Sum: statistics.Float(13)},
	})
	data, err := EncodeStatisticsMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeStatisticsMessage(data)
	require.NoError(t, err)
	require.Len(t, decoded.Rows, 2)
	assert.Equal(t, 13.0, *decoded.Rows[1].Sum)
	assert.Nil(t, decoded.Rows[0].Mean)
	assert.True(t, decoded.Rows[0].Start.Equal(start))
}

func TestDecodeStatisticsMessage_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"no statistic":  `{"kind":"refresh"}`,
		"unknown kind":  `{"statistic_id":"s","kind":"other"}`,
		"out of order":  `{"statistic_id":"s","kind":"refresh","rows":[{"start":"2024-06-01T01:00:00Z","state":1},{"start":"2024-06-01T00:00:00Z","state":1}]}`,
		"duplicate row": `{"statistic_id":"s","kind":"refresh","rows":[{"start":"2024-06-01T01:00:00Z","state":1},{"start":"2024-06-01T01:00:00Z","state":1}]}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeStatisticsMessage([]byte(data))
			assert.Error(t, err)
		})
	}
}
