// Package modeltest provides an in-memory Runtime for tests.
package modeltest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Brownie44l1/robovision/internal/backbone"
	"github.com/Brownie44l1/robovision/internal/model"
)

// CompileCall records one Runtime.Compile invocation.
type CompileCall struct {
	Graph   model.Graph
	Opts    model.CompileOptions
	From    model.WeightsRef
	Session *Session
}

// Runtime is a scripted model.Runtime. Every EvalBatch call, on any session,
// consumes the next entry of ValLosses (the last entry repeats). Predictions
// put Confidence on the true label.
type Runtime struct {
	LayerCount int
	ValLosses  []float64
	TrainLoss  float64
	Confidence float32

	LoadErr    error
	CompileErr error

	mu        sync.Mutex
	Compiles  []CompileCall
	evalCalls int
	snapshots int
}

func NewRuntime(layers int) *Runtime {
	return &Runtime{LayerCount: layers, TrainLoss: 0.5, Confidence: 0.9}
}

func (r *Runtime) LoadBackbone(_ context.Context, v backbone.Variant) ([]string, error) {
	if r.LoadErr != nil {
		return nil, r.LoadErr
	}
	names := make([]string, r.LayerCount)
	for i := range names {
		names[i] = fmt.Sprintf("%s/layer_%03d", v.Name, i)
	}
	return names, nil
}

func (r *Runtime) Compile(_ context.Context, g model.Graph, opts model.CompileOptions, from model.WeightsRef) (model.Session, error) {
	if r.CompileErr != nil {
		return nil, r.CompileErr
	}
	s := &Session{rt: r, lr: opts.LearningRate, numClasses: g.NumClasses}
	r.mu.Lock()
	r.Compiles = append(r.Compiles, CompileCall{Graph: g, Opts: opts, From: from, Session: s})
	r.mu.Unlock()
	return s, nil
}

// EvalCalls returns how many EvalBatch calls were made across sessions.
func (r *Runtime) EvalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evalCalls
}

func (r *Runtime) nextValLoss() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.evalCalls
	r.evalCalls++
	if len(r.ValLosses) == 0 {
		return 0.5
	}
	if i >= len(r.ValLosses) {
		i = len(r.ValLosses) - 1
	}
	return r.ValLosses[i]
}

func (r *Runtime) nextSnapshot() model.WeightsRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots++
	return model.WeightsRef(fmt.Sprintf("snapshot-%d", r.snapshots))
}

// Session is the fake compiled model.
type Session struct {
	rt         *Runtime
	lr         float64
	numClasses int

	TrainBatches int
	EvalBatches  int
	LRChanges    []float64
	Restores     []model.WeightsRef
	Saves        []string
	Closed       bool
}

func (s *Session) TrainBatch(_ context.Context, b model.Batch) (model.BatchResult, error) {
	if s.Closed {
		return model.BatchResult{}, errors.New("session closed")
	}
	s.TrainBatches++
	return model.BatchResult{Loss: s.rt.TrainLoss, Probabilities: s.predict(b)}, nil
}

func (s *Session) EvalBatch(_ context.Context, b model.Batch) (model.BatchResult, error) {
	if s.Closed {
		return model.BatchResult{}, errors.New("session closed")
	}
	s.EvalBatches++
	return model.BatchResult{Loss: s.rt.nextValLoss(), Probabilities: s.predict(b)}, nil
}

func (s *Session) predict(b model.Batch) [][]float32 {
	out := make([][]float32, b.Len())
	for i, label := range b.Labels {
		row := make([]float32, s.numClasses)
		rest := (1 - s.rt.Confidence) / float32(max(s.numClasses-1, 1))
		for c := range row {
			row[c] = rest
		}
		row[label] = s.rt.Confidence
		out[i] = row
	}
	return out
}

func (s *Session) LearningRate() float64 { return s.lr }

func (s *Session) SetLearningRate(_ context.Context, lr float64) error {
	s.lr = lr
	s.LRChanges = append(s.LRChanges, lr)
	return nil
}

func (s *Session) Snapshot(context.Context) (model.WeightsRef, error) {
	return s.rt.nextSnapshot(), nil
}

func (s *Session) Restore(_ context.Context, ref model.WeightsRef) error {
	s.Restores = append(s.Restores, ref)
	return nil
}

// Save records the path and writes a placeholder artifact there.
func (s *Session) Save(_ context.Context, path string) error {
	s.Saves = append(s.Saves, path)
	return os.WriteFile(path, []byte("fake-model"), 0o644)
}

func (s *Session) Close() error {
	s.Closed = true
	return nil
}

var (
	_ model.Runtime = (*Runtime)(nil)
	_ model.Session = (*Session)(nil)
)
