// Package history keeps a log of served predictions.
package history

import (
	"context"
	"time"
)

// Record is one served prediction.
type Record struct {
	ID             string    `json:"id"`
	Filename       string    `json:"filename"`
	PredictedClass string    `json:"predicted_class"`
	BestClass      string    `json:"best_class"`
	Confidence     float64   `json:"confidence"`
	IsConfident    bool      `json:"is_confident"`
	Timestamp      time.Time `json:"timestamp"`
}

// Statistics summarize every stored record. PerClass counts confident
// predictions by label; Unknown counts the rest.
type Statistics struct {
	Total             int            `json:"total"`
	PerClass          map[string]int `json:"per_class"`
	Unknown           int            `json:"unknown"`
	AverageConfidence float64        `json:"avg_confidence"`
}

// Repository stores prediction records.
type Repository interface {
	// Save assigns ID and Timestamp when they are empty and stores the record.
	Save(ctx context.Context, r *Record) error

	// List returns at most limit records, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Record, error)

	Statistics(ctx context.Context) (Statistics, error)
}
