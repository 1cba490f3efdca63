package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/usms-stats/internal/aggregation"
	"github.com/smukkama/usms-stats/internal/backfill"
	"github.com/smukkama/usms-stats/internal/coordinator"
	"github.com/smukkama/usms-stats/internal/reconcile"
	"github.com/smukkama/usms-stats/internal/sensor"
	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/tariff"
	"github.com/smukkama/usms-stats/internal/usms"
	"github.com/smukkama/usms-stats/internal/usms/usmstest"
)

var (
	now   = time.Date(2024, 6, 2, 10, 30, 0, 0, usms.Timezone)
	today = time.Date(2024, 6, 2, 0, 0, 0, 0, usms.Timezone)
)

type testServer struct {
	account *usmstest.FakeAccount
	store   *statistics.MemoryStore
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	meter := usms.NewMeter("E100", usms.MeterTypeElectricity, usms.MeterSnapshot{RemainingUnit: 80})
	fake := usmstest.NewFakeAccount("REG-1", meter)
	fake.SetLastUpdated("E100", now.Add(-30*time.Minute))

	clock := func() time.Time { return now }
	store := statistics.NewMemoryStore()
	sink := sensor.NewMemorySink()
	acc := reconcile.NewAccountContext(fake, time.Hour)
	coord := coordinator.New(acc,
		reconcile.NewEngine(store, reconcile.Options{Now: clock}, nil),
		backfill.NewService(store, clock, nil),
		coordinator.Options{},
	)
	require.NoError(t, coord.RegisterSensors(context.Background(), store, sink))

	srv := NewServer(coord, store, tariff.NewCalculator(), aggregation.NewCollector(fake, clock, nil), sink, nil)
	return &testServer{account: fake, store: store, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealthAndRequestID(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestCalculateUtilityCost(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/services/calculate_utility_cost", `{"consumption": 100, "type": "Electricity"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp costResponse
	decode(t, rec, &resp)
	assert.Equal(t, 1.0, resp.Cost)

	rec = ts.do(t, "POST", "/api/v1/services/calculate_utility_cost", `{"consumption": 10, "meter_type": "water"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, 1.1, resp.Cost)

	tests := []struct {
		name string
		body string
	}{
		{"unknown type", `{"consumption": 1, "type": "gas"}`},
		{"missing consumption", `{"type": "Electricity"}`},
		{"malformed", `{"consumption":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "POST", "/api/v1/services/calculate_utility_cost", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var e errorResponse
			decode(t, rec, &e)
			assert.NotEmpty(t, e.Error)
			assert.NotEmpty(t, e.RequestID)
		})
	}
}

func TestUpdateMetersImportsStatistics(t *testing.T) {
	ts := newTestServer(t)
	ts.account.SetDay("E100", today, map[int]float64{1: 2, 2: 3})

	rec := ts.do(t, "POST", "/api/v1/services/update_meters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp updateResponse
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Meters["E100"])

	rec = ts.do(t, "GET", "/api/v1/meters/E100/statistics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats statisticsResponse
	decode(t, rec, &stats)
	assert.Equal(t, "sensor.usms_electricity_meter_E100_consumption", stats.StatisticID)
	require.Len(t, stats.Rows, 2)
	assert.Equal(t, 5.0, *stats.Rows[1].Sum)

	rec = ts.do(t, "GET", "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	decode(t, rec, &status)
	assert.Equal(t, "REG-1", status.Account)
	assert.True(t, status.State.Available)
	assert.Equal(t, 1, status.Sensors.ConsumptionSensors)
}

func TestUpdateMetersFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.account.FailUpdate("E100", errors.New("portal down"))

	rec := ts.do(t, "POST", "/api/v1/services/update_meters", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDownloadAndRecalculate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/services/recalculate_meter_sum_statistics", `{"meter_no": "E100"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.account.SetDay("E100", today, map[int]float64{1: 2, 2: 3})
	ts.account.SetDay("E100", today.AddDate(0, 0, -1), map[int]float64{1: 1})

	rec = ts.do(t, "POST", "/api/v1/services/download_meter_consumption_history", `{"meter_no": "E100"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var report downloadResponse
	decode(t, rec, &report)
	assert.Equal(t, 2, report.Days)
	assert.Equal(t, 3, report.Rows)

	rec = ts.do(t, "POST", "/api/v1/services/recalculate_meter_sum_statistics", `{"meter_no": "E100"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var recalc recalculateResponse
	decode(t, rec, &recalc)
	assert.Equal(t, 3, recalc.Rows)
	assert.Equal(t, 6.0, recalc.Sum)
}

func TestDownloadValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing meter", `{}`, http.StatusBadRequest},
		{"bad date", `{"meter_no": "E100", "start": "June"}`, http.StatusBadRequest},
		{"unknown meter", `{"meter_no": "X9"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "POST", "/api/v1/services/download_meter_consumption_history", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestMeterHistoryAggregatesHourBlocks(t *testing.T) {
	ts := newTestServer(t)
	ts.account.SetDay("E100", today, map[int]float64{1: 2, 2: 3})

	rec := ts.do(t, "GET", "/api/v1/meters/E100/history?start=2024-06-02&baseline_sum=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp historyResponse
	decode(t, rec, &resp)

	assert.Len(t, resp.States, 2)
	require.Len(t, resp.Hourly, 2)
	assert.True(t, today.Equal(resp.Hourly[0].Start))
	assert.Equal(t, 12.0, *resp.Hourly[0].Sum)
	assert.Equal(t, 15.0, *resp.Hourly[1].Sum)

	rec = ts.do(t, "GET", "/api/v1/meters/E100/history?baseline_sum=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMeters(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/v1/meters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp metersResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Meters, 1)
	assert.Equal(t, "E100", resp.Meters[0].No)
	assert.True(t, resp.Meters[0].Registered)
	assert.Equal(t, 80.0, resp.Meters[0].RemainingUnit)
	require.Len(t, resp.Values, 1)
	assert.Equal(t, "usms_electricity_meter_E100_remaining_unit", resp.Values[0].SensorID)

	rec = ts.do(t, "GET", "/api/v1/meters/X9/statistics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseDay(t *testing.T) {
	d, err := parseDay("")
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = parseDay("2024-06-02")
	require.NoError(t, err)
	assert.True(t, today.Equal(*d))

	d, err = parseDay("2024-06-01T16:00:00Z")
	require.NoError(t, err)
	assert.True(t, today.Equal(*d))

	_, err = parseDay("02/06/2024")
	assert.ErrorIs(t, err, errBadRequest)
}
