package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/aggregation"
	"github.com/smukkama/usms-stats/internal/backfill"
	"github.com/smukkama/usms-stats/internal/metrics"
	"github.com/smukkama/usms-stats/internal/reconcile"
	"github.com/smukkama/usms-stats/internal/sensor"
	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/usms"
)

const (
	serviceUpdateMeters    = "update_meters"
	serviceDownloadHistory = "download_meter_consumption_history"
	serviceRecalculate     = "recalculate_meter_sum_statistics"
	serviceCalculateCost   = "calculate_utility_cost"
)

type statusResponse struct {
	Account string                  `json:"account"`
	State   reconcile.StateSnapshot `json:"state"`
	NextRun *time.Time              `json:"next_run,omitempty"`
	Sensors sensor.IndexStats       `json:"sensors"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	acc := s.coord.Account()
	resp := statusResponse{
		Account: acc.Account.RegNo(),
		State:   acc.State.Snapshot(),
		Sensors: acc.Index.Stats(),
	}
	if due, ok := s.coord.NextRun(); ok {
		resp.NextRun = &due
	}
	writeJSON(w, http.StatusOK, resp)
}

type meterView struct {
	No              string         `json:"meter_no"`
	Type            usms.MeterType `json:"type"`
	Unit            string         `json:"unit"`
	StatisticID     string         `json:"statistic_id"`
	RemainingUnit   float64        `json:"remaining_unit"`
	RemainingCredit float64        `json:"remaining_credit"`
	LastUpdated     time.Time      `json:"last_updated"`
	Registered      bool           `json:"registered"`
}

type metersResponse struct {
	Meters []meterView    `json:"meters"`
	Values []sensor.Value `json:"values,omitempty"`
}

func (s *Server) listMeters(w http.ResponseWriter, r *http.Request) {
	acc := s.coord.Account()
	var resp metersResponse
	for _, m := range acc.Account.Meters() {
		snap := m.Snapshot()
		_, registered := acc.Index.Get(m.No)
		resp.Meters = append(resp.Meters, meterView{
			No:              m.No,
			Type:            m.Type,
			Unit:            m.Unit,
			StatisticID:     statistics.StatisticID(string(m.Type), m.No),
			RemainingUnit:   snap.RemainingUnit,
			RemainingCredit: snap.RemainingCredit,
			LastUpdated:     snap.LastUpdated,
			Registered:      registered,
		})
	}

	if s.values != nil {
		values, err := s.values.Values(r.Context())
		if err != nil {
			s.log.Warn("failed to read sensor values", zap.Error(err))
		} else {
			resp.Values = values
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) meter(r *http.Request) (*usms.Meter, error) {
	no := mustVar(r, "meterNo")
	m, ok := usms.FindMeter(s.coord.Account().Account, no)
	if !ok {
		return nil, fmt.Errorf("%w: %s", backfill.ErrMeterNotFound, no)
	}
	return m, nil
}

type statisticsResponse struct {
	StatisticID string           `json:"statistic_id"`
	Rows        []statistics.Row `json:"rows"`
}

func (s *Server) meterStatistics(w http.ResponseWriter, r *http.Request) {
	m, err := s.meter(r)
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	from, err := parseDay(r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	to, err := parseDay(r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}

	id := statistics.StatisticID(string(m.Type), m.No)
	rows, err := s.store.Query(r.Context(), id, from, to)
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	if rows == nil {
		rows = []statistics.Row{}
	}
	writeJSON(w, http.StatusOK, statisticsResponse{StatisticID: id, Rows: rows})
}

type historyResponse struct {
	MeterNo string                        `json:"meter_no"`
	States  []aggregation.HistoricalState `json:"states"`
	Hourly  []statistics.Row              `json:"hourly"`
}

// meterHistory collects raw readings and folds them into hour blocks
// without importing anything.
func (s *Server) meterHistory(w http.ResponseWriter, r *http.Request) {
	m, err := s.meter(r)
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	q := r.URL.Query()
	start, err := parseDay(q.Get("start"))
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	end, err := parseDay(q.Get("end"))
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	var latest *statistics.Row
	if raw := q.Get("baseline_sum"); raw != "" {
		sum, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, r, "", fmt.Errorf("%w: baseline_sum: %v", errBadRequest, err))
			return
		}
		latest = &statistics.Row{Sum: statistics.Float(sum)}
	}

	var states []aggregation.HistoricalState
	err = s.coord.Exclusive(r.Context(), func(ctx context.Context) error {
		var err error
		states, err = s.collector.Collect(ctx, m, deref(start), deref(end))
		return err
	})
	if err != nil {
		s.writeError(w, r, "", err)
		return
	}
	aggregation.SortStates(states)
	resp := historyResponse{
		MeterNo: m.No,
		States:  states,
		Hourly:  aggregation.AggregateHourly(states, latest),
	}
	if resp.States == nil {
		resp.States = []aggregation.HistoricalState{}
	}
	if resp.Hourly == nil {
		resp.Hourly = []statistics.Row{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type updateResponse struct {
	Meters         map[string]int `json:"meters"`
	LatestUpdate   time.Time      `json:"latest_update"`
	NextUpdate     time.Time      `json:"next_update"`
	UpdateInterval string         `json:"update_interval"`
}

func (s *Server) updateMeters(w http.ResponseWriter, r *http.Request) {
	result, err := s.coord.Refresh(r.Context())
	if err != nil {
		s.writeError(w, r, serviceUpdateMeters, err)
		return
	}
	metrics.ObserveServiceCall(serviceUpdateMeters, metrics.ResultSuccess)

	resp := updateResponse{
		Meters:         make(map[string]int, len(result.Order)),
		LatestUpdate:   result.LatestUpdate,
		NextUpdate:     result.NextUpdate,
		UpdateInterval: result.UpdateInterval.String(),
	}
	for _, no := range result.Order {
		resp.Meters[no] = len(result.Statistics[no])
	}
	writeJSON(w, http.StatusOK, resp)
}

type downloadRequest struct {
	MeterNo string `json:"meter_no"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
}

type downloadResponse struct {
	*backfill.Report
	Imported int `json:"imported"`
	Rows     int `json:"rows"`
}

func (s *Server) downloadHistory(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, serviceDownloadHistory, err)
		return
	}
	if req.MeterNo == "" {
		s.writeError(w, r, serviceDownloadHistory, fmt.Errorf("%w: meter_no is required", errBadRequest))
		return
	}
	start, err := parseDay(req.Start)
	if err != nil {
		s.writeError(w, r, serviceDownloadHistory, err)
		return
	}
	end, err := parseDay(req.End)
	if err != nil {
		s.writeError(w, r, serviceDownloadHistory, err)
		return
	}

	report, err := s.coord.Backfill(r.Context(), req.MeterNo, start, end)
	if err != nil {
		s.writeError(w, r, serviceDownloadHistory, err)
		return
	}
	metrics.ObserveServiceCall(serviceDownloadHistory, metrics.ResultSuccess)
	writeJSON(w, http.StatusOK, downloadResponse{
		Report:   report,
		Imported: len(report.Imported),
		Rows:     len(report.Series),
	})
}

type recalculateRequest struct {
	MeterNo string `json:"meter_no"`
}

type recalculateResponse struct {
	MeterNo string  `json:"meter_no"`
	Rows    int     `json:"rows"`
	Sum     float64 `json:"sum"`
}

func (s *Server) recalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, serviceRecalculate, err)
		return
	}
	if req.MeterNo == "" {
		s.writeError(w, r, serviceRecalculate, fmt.Errorf("%w: meter_no is required", errBadRequest))
		return
	}

	rows, err := s.coord.Recompute(r.Context(), req.MeterNo)
	if err != nil {
		s.writeError(w, r, serviceRecalculate, err)
		return
	}
	metrics.ObserveServiceCall(serviceRecalculate, metrics.ResultSuccess)
	writeJSON(w, http.StatusOK, recalculateResponse{
		MeterNo: req.MeterNo,
		Rows:    len(rows),
		Sum:     statistics.LastSum(rows),
	})
}

type costRequest struct {
	Consumption *float64 `json:"consumption"`
	Type        string   `json:"type"`
	// MeterType is accepted as an alias of Type.
	MeterType string `json:"meter_type,omitempty"`
}

type costResponse struct {
	Cost float64 `json:"cost"`
}

func (s *Server) calculateCost(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, serviceCalculateCost, err)
		return
	}
	if req.Consumption == nil {
		s.writeError(w, r, serviceCalculateCost, fmt.Errorf("%w: consumption is required", errBadRequest))
		return
	}
	utilityType := req.Type
	if utilityType == "" {
		utilityType = req.MeterType
	}

	cost, err := s.tariff.Cost(*req.Consumption, utilityType)
	if err != nil {
		s.writeError(w, r, serviceCalculateCost, err)
		return
	}
	metrics.ObserveServiceCall(serviceCalculateCost, metrics.ResultSuccess)
	value, _ := cost.Float64()
	writeJSON(w, http.StatusOK, costResponse{Cost: value})
}

// parseDay reads a YYYY-MM-DD day in the portal timezone or an RFC 3339
// timestamp. An empty string yields nil.
func parseDay(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, usms.Timezone); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %q", errBadRequest, raw)
	}
	t = t.In(usms.Timezone)
	return &t, nil
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
