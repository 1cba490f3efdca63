package usms

import (
	"context"
	"time"
)

// Account is the meter reading source for one portal login. Every method that
// talks to the portal may block.
type Account interface {
	// RegNo identifies the account holder.
	RegNo() string
	// Meters returns the account's meters in declaration order.
	Meters() []*Meter
	// ForceUpdate asks the portal for a fresh snapshot of m and stores it on m.
	ForceUpdate(ctx context.Context, m *Meter) error
	// HourlyConsumptions returns the hour-keyed (1..24) consumptions for the
	// calendar day containing day, or ErrConsumptionHistoryNotFound.
	HourlyConsumptions(ctx context.Context, m *Meter, day time.Time) (map[int]float64, error)
}

// LatestUpdate returns the most recent LastUpdated across meters.
func LatestUpdate(meters []*Meter) time.Time {
	var latest time.Time
	for _, m := range meters {
		if lu := m.LastUpdated(); lu.After(latest) {
			latest = lu
		}
	}
	return latest
}

// FindMeter looks up a meter by number.
func FindMeter(a Account, meterNo string) (*Meter, bool) {
	for _, m := range a.Meters() {
		if m.No == meterNo {
			return m, true
		}
	}
	return nil, false
}
