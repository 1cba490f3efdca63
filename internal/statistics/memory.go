package statistics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string]map[int64]Row
	meta   map[string]Metadata
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[string]map[int64]Row),
		meta:   make(map[string]Metadata),
	}
}

func (s *MemoryStore) Query(ctx context.Context, statisticID string, from, to *time.Time) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]Row, 0, len(s.series[statisticID]))
	for _, row := range s.series[statisticID] {
		if from != nil && row.Start.Before(*from) {
			continue
		}
		if to != nil && !row.Start.Before(*to) {
			continue
		}
		rows = append(rows, copyRow(row))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Start.Before(rows[j].Start) })
	return rows, nil
}

func (s *MemoryStore) Import(ctx context.Context, meta Metadata, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta[meta.StatisticID] = meta
	series := s.series[meta.StatisticID]
	if series == nil {
		series = make(map[int64]Row)
		s.series[meta.StatisticID] = series
	}
	for _, row := range rows {
		row.Start = row.Start.Truncate(time.Hour)
		series[row.Start.Unix()] = copyRow(row)
	}
	return nil
}

// Metadata returns the metadata last imported for a statistic id.
func (s *MemoryStore) Metadata(statisticID string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.meta[statisticID]
	return meta, ok
}

func copyRow(r Row) Row {
	out := Row{Start: r.Start, State: r.State}
	if r.Sum != nil {
		out.Sum = Float(*r.Sum)
	}
	if r.Mean != nil {
		out.Mean = Float(*r.Mean)
	}
	return out
}
