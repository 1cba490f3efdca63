package usms

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Timezone is the portal's fixed local time (Brunei, UTC+8, no DST).
var Timezone = time.FixedZone("BNT", 8*60*60)

// ErrConsumptionHistoryNotFound is returned when the portal has not published a day yet.
var ErrConsumptionHistoryNotFound = errors.New("usms: consumption history not found")

// MeterType identifies the utility a meter measures.
type MeterType string

const (
	MeterTypeElectricity MeterType = "Electricity"
	MeterTypeWater       MeterType = "Water"
)

// Unit returns the physical unit readings are reported in.
func (t MeterType) Unit() string {
	switch t {
	case MeterTypeWater:
		return "m³"
	default:
		return "kWh"
	}
}

// ParseMeterType matches a free-form type string case-insensitively by substring.
func ParseMeterType(s string) (MeterType, bool) {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "electric"):
		return MeterTypeElectricity, true
	case strings.Contains(lower, "water"):
		return MeterTypeWater, true
	default:
		return "", false
	}
}

// MeterSnapshot is the last known balance of a meter.
type MeterSnapshot struct {
	RemainingUnit   float64
	RemainingCredit float64
	LastUpdated     time.Time
}

// Meter is one utility connection under an account. The snapshot is refreshed
// in place by Account.ForceUpdate.
type Meter struct {
	No   string
	Type MeterType
	Unit string

	mu       sync.RWMutex
	snapshot MeterSnapshot
}

// NewMeter creates a meter with an initial snapshot.
func NewMeter(no string, meterType MeterType, snapshot MeterSnapshot) *Meter {
	return &Meter{
		No:       no,
		Type:     meterType,
		Unit:     meterType.Unit(),
		snapshot: snapshot,
	}
}

// Snapshot returns a copy of the current balance.
func (m *Meter) Snapshot() MeterSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// LastUpdated returns when the portal last refreshed this meter.
func (m *Meter) LastUpdated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.LastUpdated
}

// SetSnapshot replaces the balance after a successful forced update.
func (m *Meter) SetSnapshot(s MeterSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
}

func (m *Meter) String() string {
	return fmt.Sprintf("%s meter %s", m.Type, m.No)
}

// HourlyReading is one hour of consumption. Hour is the end-of-hour label the
// portal uses, so the bucket it describes starts one hour earlier.
type HourlyReading struct {
	Hour        time.Time
	Consumption float64
}

// BucketStart returns the start of the hour this reading covers.
func (r HourlyReading) BucketStart() time.Time {
	return r.Hour.Add(-time.Hour)
}

// StartOfDay truncates t to local midnight in the portal timezone.
func StartOfDay(t time.Time) time.Time {
	t = t.In(Timezone)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, Timezone)
}

// HourTimestamp maps an hour key (1..24) of a day to its timestamp. Hour 24
// becomes 00:00 of the following day.
func HourTimestamp(day time.Time, hour int) time.Time {
	midnight := StartOfDay(day)
	if hour == 24 {
		next := midnight.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, Timezone)
	}
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day(), hour, 0, 0, 0, Timezone)
}

// HourlyReadings converts a day's hour-keyed consumptions into readings
// sorted by ascending hour.
func HourlyReadings(day time.Time, consumptions map[int]float64) []HourlyReading {
	readings := make([]HourlyReading, 0, len(consumptions))
	for hour, consumption := range consumptions {
		readings = append(readings, HourlyReading{
			Hour:        HourTimestamp(day, hour),
			Consumption: consumption,
		})
	}
	SortReadings(readings)
	return readings
}

// SortReadings orders readings by ascending hour.
func SortReadings(readings []HourlyReading) {
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Hour.Before(readings[j].Hour)
	})
}
