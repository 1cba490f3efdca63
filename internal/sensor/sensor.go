package sensor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/usms"
)

// ErrSeriesUnsupported is returned by reporters that only carry a current value.
var ErrSeriesUnsupported = errors.New("sensor does not record historical series")

// Reporter is how results reach the host entity model.
type Reporter interface {
	ReportValue(ctx context.Context, value float64, attrs map[string]interface{}) error
	ReportHistoricalSeries(ctx context.Context, rows []statistics.Row) error
}

// Value is the current state of one sensor.
type Value struct {
	SensorID   string                 `json:"sensor_id"`
	MeterNo    string                 `json:"meter_no"`
	State      float64                `json:"state"`
	Unit       string                 `json:"unit"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ValueSink persists current sensor values for read views.
type ValueSink interface {
	SaveValue(ctx context.Context, v Value) error
}

// ConsumptionSensor reports a meter's hourly consumption series into the
// statistics store.
type ConsumptionSensor struct {
	meter *usms.Meter
	store statistics.Store
	sink  ValueSink
	meta  statistics.Metadata
	log   *zap.Logger
}

// NewConsumptionSensor creates the consumption sensor of a meter.
func NewConsumptionSensor(meter *usms.Meter, store statistics.Store, sink ValueSink, log *zap.Logger) *ConsumptionSensor {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsumptionSensor{
		meter: meter,
		store: store,
		sink:  sink,
		meta: statistics.Metadata{
			StatisticID:       statistics.StatisticID(string(meter.Type), meter.No),
			Source:            statistics.Source,
			Name:              fmt.Sprintf("%s Meter %s Consumption", meter.Type, meter.No),
			UnitOfMeasurement: meter.Unit,
			HasSum:            true,
			HasMean:           false,
		},
		log: log.With(zap.String("sensor", statistics.UniqueID(string(meter.Type), meter.No))),
	}
}

// MeterNo returns the number of the meter this sensor reports for.
func (s *ConsumptionSensor) MeterNo() string { return s.meter.No }

// Meter returns the reported meter.
func (s *ConsumptionSensor) Meter() *usms.Meter { return s.meter }

// StatisticID returns the id the series is stored under.
func (s *ConsumptionSensor) StatisticID() string { return s.meta.StatisticID }

// Metadata returns the series metadata used on import.
func (s *ConsumptionSensor) Metadata() statistics.Metadata { return s.meta }

// ReportValue records the latest hourly consumption.
func (s *ConsumptionSensor) ReportValue(ctx context.Context, value float64, attrs map[string]interface{}) error {
	if s.sink == nil {
		return nil
	}
	return s.sink.SaveValue(ctx, Value{
		SensorID:   statistics.UniqueID(string(s.meter.Type), s.meter.No),
		MeterNo:    s.meter.No,
		State:      value,
		Unit:       s.meter.Unit,
		Attributes: attrs,
		UpdatedAt:  time.Now(),
	})
}

// ReportHistoricalSeries imports rows into the statistics store.
func (s *ConsumptionSensor) ReportHistoricalSeries(ctx context.Context, rows []statistics.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.store.Import(ctx, s.meta, rows); err != nil {
		return fmt.Errorf("failed to import statistics for %s: %w", s.meta.StatisticID, err)
	}
	s.log.Debug("imported statistics",
		zap.Int("rows", len(rows)),
		zap.Time("first", rows[0].Start),
		zap.Time("last", rows[len(rows)-1].Start))
	return nil
}

// UnitSensor reports a meter's remaining unit balance.
type UnitSensor struct {
	meter *usms.Meter
	sink  ValueSink
}

// NewUnitSensor creates the remaining unit sensor of a meter.
func NewUnitSensor(meter *usms.Meter, sink ValueSink) *UnitSensor {
	return &UnitSensor{meter: meter, sink: sink}
}

// SensorID returns the unit sensor's unique id.
func (s *UnitSensor) SensorID() string {
	return fmt.Sprintf("usms_%s_meter_%s_remaining_unit", strings.ToLower(string(s.meter.Type)), s.meter.No)
}

// Refresh reports the meter's current snapshot.
func (s *UnitSensor) Refresh(ctx context.Context) error {
	snap := s.meter.Snapshot()
	return s.ReportValue(ctx, snap.RemainingUnit, map[string]interface{}{
		"remaining_credit": snap.RemainingCredit,
		"last_updated":     snap.LastUpdated.Format(time.RFC3339),
	})
}

func (s *UnitSensor) ReportValue(ctx context.Context, value float64, attrs map[string]interface{}) error {
	if s.sink == nil {
		return nil
	}
	return s.sink.SaveValue(ctx, Value{
		SensorID:   s.SensorID(),
		MeterNo:    s.meter.No,
		State:      value,
		Unit:       s.meter.Unit,
		Attributes: attrs,
		UpdatedAt:  time.Now(),
	})
}

func (s *UnitSensor) ReportHistoricalSeries(ctx context.Context, rows []statistics.Row) error {
	return ErrSeriesUnsupported
}

// MemorySink keeps values in memory, for deployments without Redis.
type MemorySink struct {
	mu     sync.RWMutex
	values map[string]Value
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{values: make(map[string]Value)}
}

func (m *MemorySink) SaveValue(ctx context.Context, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[v.SensorID] = v
	return nil
}

// Value returns the last value saved for a sensor.
func (m *MemorySink) Value(sensorID string) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[sensorID]
	return v, ok
}

// Values returns all saved values ordered by sensor id.
func (m *MemorySink) Values(ctx context.Context) ([]Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Value, 0, len(m.values))
	for _, v := range m.values {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out, nil
}
