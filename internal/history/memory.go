package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/Brownie44l1/robovision/internal/decision"
)

// MemoryRepository is an in-memory Repository. When Capacity is positive the
// oldest records are dropped beyond it.
type MemoryRepository struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
	now      func() time.Time
}

func NewMemoryRepository(capacity int) *MemoryRepository {
	return &MemoryRepository{capacity: capacity, now: time.Now}
}

func (r *MemoryRepository) Save(_ context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	if r.capacity > 0 && len(r.records) > r.capacity {
		r.records = append([]Record(nil), r.records[len(r.records)-r.capacity:]...)
	}
	return nil
}

func (r *MemoryRepository) List(_ context.Context, limit int) ([]Record, error) {
	r.mu.RLock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Statistics(context.Context) (Statistics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{Total: len(r.records), PerClass: make(map[string]int)}
	if stats.Total == 0 {
		return stats, nil
	}

	confidences := make([]float64, len(r.records))
	for i, rec := range r.records {
		confidences[i] = rec.Confidence
		if rec.PredictedClass == decision.UnknownLabel {
			stats.Unknown++
			continue
		}
		stats.PerClass[rec.PredictedClass]++
	}
	stats.AverageConfidence = stat.Mean(confidences, nil)
	return stats, nil
}

var _ Repository = (*MemoryRepository)(nil)
