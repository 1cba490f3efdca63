// Package usmstest provides an in-memory usms.Account for tests.
package usmstest

import (
	"context"
	"sync"
	"time"

	"github.com/smukkama/usms-stats/internal/usms"
)

// FakeAccount serves hourly consumptions from a map keyed by meter and day.
type FakeAccount struct {
	Reg       string
	MeterList []*usms.Meter

	mu          sync.Mutex
	days        map[string]map[string]map[int]float64
	updateErr   map[string]error
	fetchErr    map[string]error
	nextUpdated map[string]time.Time
	fetches     []string
	updates     int
}

// NewFakeAccount creates an account holding the given meters.
func NewFakeAccount(regNo string, meters ...*usms.Meter) *FakeAccount {
	return &FakeAccount{
		Reg:         regNo,
		MeterList:   meters,
		days:        make(map[string]map[string]map[int]float64),
		updateErr:   make(map[string]error),
		fetchErr:    make(map[string]error),
		nextUpdated: make(map[string]time.Time),
	}
}

func dayKey(t time.Time) string {
	return usms.StartOfDay(t).Format("2006-01-02")
}

// SetDay publishes hour-keyed consumptions for a meter's day.
func (f *FakeAccount) SetDay(meterNo string, day time.Time, hours map[int]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.days[meterNo] == nil {
		f.days[meterNo] = make(map[string]map[int]float64)
	}
	f.days[meterNo][dayKey(day)] = hours
}

// FailUpdate makes ForceUpdate fail for a meter. A nil error clears it.
func (f *FakeAccount) FailUpdate(meterNo string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateErr[meterNo] = err
}

// FailFetch makes HourlyConsumptions fail for a meter's day.
func (f *FakeAccount) FailFetch(meterNo string, day time.Time, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr[meterNo+"/"+dayKey(day)] = err
}

// SetLastUpdated sets the LastUpdated a ForceUpdate will store on the meter.
func (f *FakeAccount) SetLastUpdated(meterNo string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUpdated[meterNo] = t
}

// Fetches returns the "meter/day" keys requested so far.
func (f *FakeAccount) Fetches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...)
}

// Updates returns how many forced updates were attempted.
func (f *FakeAccount) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func (f *FakeAccount) RegNo() string { return f.Reg }

func (f *FakeAccount) Meters() []*usms.Meter { return f.MeterList }

func (f *FakeAccount) ForceUpdate(ctx context.Context, m *usms.Meter) error {
	f.mu.Lock()
	f.updates++
	err := f.updateErr[m.No]
	next, ok := f.nextUpdated[m.No]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if ok {
		snap := m.Snapshot()
		snap.LastUpdated = next
		m.SetSnapshot(snap)
	}
	return nil
}

func (f *FakeAccount) HourlyConsumptions(ctx context.Context, m *usms.Meter, day time.Time) (map[int]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := dayKey(day)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, m.No+"/"+key)

	if err := f.fetchErr[m.No+"/"+key]; err != nil {
		return nil, err
	}
	hours, ok := f.days[m.No][key]
	if !ok || len(hours) == 0 {
		return nil, usms.ErrConsumptionHistoryNotFound
	}
	out := make(map[int]float64, len(hours))
	for h, v := range hours {
		out[h] = v
	}
	return out, nil
}
