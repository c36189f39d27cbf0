package training

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/Brownie44l1/robovision/internal/model"
)

// EpochEnd is what callbacks see after each epoch.
type EpochEnd struct {
	Phase   *Phase
	Epoch   int
	Logs    map[string]float64
	Session model.Session
}

// Callback hooks into the training loop. The same stack is applied to every
// phase; OnPhaseBegin lets a callback decide which state survives a phase.
type Callback interface {
	OnPhaseBegin(ctx context.Context, phase *Phase) error
	// OnEpochEnd returns true to stop the current phase.
	OnEpochEnd(ctx context.Context, e *EpochEnd) (bool, error)
}

// Checkpoint saves the model whenever val_accuracy beats the best value seen
// during the whole run.
type Checkpoint struct {
	Path   string
	Logger *log.Logger

	best  float64
	saves int
}

func NewCheckpoint(path string, logger *log.Logger) *Checkpoint {
	return &Checkpoint{Path: path, Logger: logger, best: math.Inf(-1)}
}

func (c *Checkpoint) OnPhaseBegin(context.Context, *Phase) error { return nil }

func (c *Checkpoint) OnEpochEnd(ctx context.Context, e *EpochEnd) (bool, error) {
	current, ok := e.Logs[valName(MetricAccuracy)]
	if !ok || !(current > c.best) {
		return false, nil
	}
	if err := e.Session.Save(ctx, c.Path); err != nil {
		return false, fmt.Errorf("checkpoint: %w", err)
	}
	c.Logger.Printf("Epoch %d: val_accuracy improved from %.5f to %.5f, saved model to %s",
		e.Epoch+1, c.best, current, c.Path)
	c.best = current
	c.saves++
	return false, nil
}

// Best is the highest val_accuracy saved so far.
func (c *Checkpoint) Best() float64 { return c.best }

// Saves counts how many times the artifact was written.
func (c *Checkpoint) Saves() int { return c.saves }

// EarlyStopping stops a phase when val_loss has not improved for Patience
// epochs and restores the weights from the best epoch of that phase.
type EarlyStopping struct {
	Patience int
	MinDelta float64
	Logger   *log.Logger

	best        float64
	wait        int
	bestWeights model.WeightsRef
}

func NewEarlyStopping(patience int, logger *log.Logger) *EarlyStopping {
	return &EarlyStopping{Patience: patience, Logger: logger}
}

func (es *EarlyStopping) OnPhaseBegin(context.Context, *Phase) error {
	es.best = math.Inf(1)
	es.wait = 0
	es.bestWeights = ""
	return nil
}

func (es *EarlyStopping) OnEpochEnd(ctx context.Context, e *EpochEnd) (bool, error) {
	current, ok := e.Logs[valName(MetricLoss)]
	if !ok {
		return false, nil
	}

	if current < es.best-es.MinDelta {
		es.best = current
		es.wait = 0
		ref, err := e.Session.Snapshot(ctx)
		if err != nil {
			return false, fmt.Errorf("early stopping: %w", err)
		}
		es.bestWeights = ref
		return false, nil
	}

	es.wait++
	if es.wait < es.Patience {
		return false, nil
	}

	es.Logger.Printf("Epoch %d: early stopping, val_loss did not improve for %d epochs", e.Epoch+1, es.wait)
	if es.bestWeights != "" {
		if err := e.Session.Restore(ctx, es.bestWeights); err != nil {
			return true, fmt.Errorf("early stopping restore: %w", err)
		}
		es.Logger.Printf("Restored weights from the epoch with val_loss %.5f", es.best)
	}
	return true, nil
}

// ReduceLROnPlateau multiplies the learning rate by Factor when val_loss has
// not improved by MinDelta for Patience epochs, never going below MinLR.
type ReduceLROnPlateau struct {
	Factor   float64
	Patience int
	MinLR    float64
	MinDelta float64
	Logger   *log.Logger

	best float64
	wait int
}

func NewReduceLROnPlateau(factor float64, patience int, minLR float64, logger *log.Logger) *ReduceLROnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	if patience <= 0 {
		patience = 3
	}
	return &ReduceLROnPlateau{
		Factor:   factor,
		Patience: patience,
		MinLR:    minLR,
		MinDelta: 1e-4,
		Logger:   logger,
	}
}

func (r *ReduceLROnPlateau) OnPhaseBegin(context.Context, *Phase) error {
	r.best = math.Inf(1)
	r.wait = 0
	return nil
}

func (r *ReduceLROnPlateau) OnEpochEnd(ctx context.Context, e *EpochEnd) (bool, error) {
	current, ok := e.Logs[valName(MetricLoss)]
	if !ok {
		return false, nil
	}

	if current < r.best-r.MinDelta {
		r.best = current
		r.wait = 0
		return false, nil
	}

	r.wait++
	if r.wait < r.Patience {
		return false, nil
	}
	r.wait = 0

	old := e.Session.LearningRate()
	if old <= r.MinLR {
		return false, nil
	}
	lr := math.Max(old*r.Factor, r.MinLR)
	if err := e.Session.SetLearningRate(ctx, lr); err != nil {
		return false, fmt.Errorf("reduce lr: %w", err)
	}
	r.Logger.Printf("Epoch %d: reducing learning rate from %g to %g", e.Epoch+1, old, lr)
	return false, nil
}

// ProgressLogger prints a one-line summary per epoch.
type ProgressLogger struct {
	Logger *log.Logger
}

func (p ProgressLogger) OnPhaseBegin(_ context.Context, phase *Phase) error {
	p.Logger.Printf("Phase %d (%s): %d epochs starting at epoch %d, lr=%g",
		phase.ID, phase.Name, phase.Epochs, phase.Start+1, phase.LearningRate)
	return nil
}

func (p ProgressLogger) OnEpochEnd(_ context.Context, e *EpochEnd) (bool, error) {
	l := e.Logs
	p.Logger.Printf("Epoch %d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f - lr: %g",
		e.Epoch+1, l[MetricLoss], l[MetricAccuracy], l[valName(MetricLoss)], l[valName(MetricAccuracy)], l[MetricLearningRate])
	return false, nil
}
