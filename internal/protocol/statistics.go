package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/usms-stats/internal/statistics"
)

// Kind says which operation produced a batch of statistics.
type Kind string

const (
	KindRefresh   Kind = "refresh"
	KindBackfill  Kind = "backfill"
	KindRecompute Kind = "recompute"
)

// StatisticsMessage is a batch of rows imported for one statistic, as
// published to Kafka.
type StatisticsMessage struct {
	ID          string           `json:"id"`
	Account     string           `json:"account"`
	MeterNo     string           `json:"meter_no"`
	StatisticID string           `json:"statistic_id"`
	Unit        string           `json:"unit"`
	Kind        Kind             `json:"kind"`
	Rows        []statistics.Row `json:"rows"`
	EmittedAt   time.Time        `json:"emitted_at"`
}

// NewStatisticsMessage creates a message with a fresh id.
func NewStatisticsMessage(account string, meta statistics.Metadata, meterNo string, kind Kind, rows []statistics.Row) *StatisticsMessage {
	return &StatisticsMessage{
		ID:          uuid.NewString(),
		Account:     account,
		MeterNo:     meterNo,
		StatisticID: meta.StatisticID,
		Unit:        meta.UnitOfMeasurement,
		Kind:        kind,
		Rows:        rows,
		EmittedAt:   time.Now().UTC(),
	}
}

// Key is the partition key. Batches of one meter stay ordered.
func (m *StatisticsMessage) Key() string {
	return m.MeterNo
}

// Validate checks a decoded message is usable.
func (m *StatisticsMessage) Validate() error {
	if m.StatisticID == "" {
		return errors.New("missing statistic_id")
	}
	switch m.Kind {
	case KindRefresh, KindBackfill, KindRecompute:
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	for i := 1; i < len(m.Rows); i++ {
		if !m.Rows[i-1].Start.Before(m.Rows[i].Start) {
			return fmt.Errorf("rows not in ascending order at %d", i)
		}
	}
	return nil
}

// EncodeStatisticsMessage encodes a StatisticsMessage to JSON
func EncodeStatisticsMessage(msg *StatisticsMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeStatisticsMessage decodes and validates JSON into a StatisticsMessage
func DecodeStatisticsMessage(data []byte) (*StatisticsMessage, error) {
	var msg StatisticsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid statistics message: %w", err)
	}
	return &msg, nil
}
