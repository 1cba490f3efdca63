package sensor

import (
	"fmt"
	"sort"
	"sync"
)

// Index maps meter numbers to their consumption sensors. It is filled once
// during sensor setup and read on every refresh cycle.
type Index struct {
	sensors map[string]*ConsumptionSensor
	units   map[string]*UnitSensor
	mu      sync.RWMutex
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		sensors: make(map[string]*ConsumptionSensor),
		units:   make(map[string]*UnitSensor),
	}
}

// Register adds the consumption sensor of a meter.
func (idx *Index) Register(s *ConsumptionSensor) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.sensors[s.MeterNo()]; exists {
		return fmt.Errorf("consumption sensor for meter %s already registered", s.MeterNo())
	}
	idx.sensors[s.MeterNo()] = s
	return nil
}

// RegisterUnit adds the remaining unit sensor of a meter.
func (idx *Index) RegisterUnit(meterNo string, s *UnitSensor) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.units[meterNo] = s
}

// Get returns the consumption sensor of a meter.
func (idx *Index) Get(meterNo string) (*ConsumptionSensor, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	s, exists := idx.sensors[meterNo]
	return s, exists
}

// Units returns the registered unit sensors.
func (idx *Index) Units() []*UnitSensor {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]*UnitSensor, 0, len(idx.units))
	for _, no := range sortedKeys(idx.units) {
		out = append(out, idx.units[no])
	}
	return out
}

// MeterNumbers returns the meters with a consumption sensor, sorted.
func (idx *Index) MeterNumbers() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return sortedKeys(idx.sensors)
}

// Count returns the number of consumption sensors.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.sensors)
}

// Clear drops every sensor. Used on unload.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.sensors = make(map[string]*ConsumptionSensor)
	idx.units = make(map[string]*UnitSensor)
}

// Stats returns counts of registered sensors.
func (idx *Index) Stats() IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return IndexStats{
		ConsumptionSensors: len(idx.sensors),
		UnitSensors:        len(idx.units),
	}
}

// IndexStats contains counts of registered sensors
type IndexStats struct {
	ConsumptionSensors int `json:"consumption_sensors"`
	UnitSensors        int `json:"unit_sensors"`
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
