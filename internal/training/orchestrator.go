package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"sync"

	"github.com/Brownie44l1/robovision/internal/backbone"
	"github.com/Brownie44l1/robovision/internal/decision"
	"github.com/Brownie44l1/robovision/internal/model"
)

var ErrMissingData = errors.New("training and validation data are required")

const testPrefix = "test_"

// Config is everything a run needs besides the runtime and the data.
// A nil FineTuneAt disables the fine-tuning phase.
type Config struct {
	Backbone             string
	Classes              []string
	Epochs               int
	FineTuneEpochs       int
	LearningRate         float64
	FineTuneLearningRate float64
	FineTuneAt           *int

	CheckpointPath        string
	EarlyStoppingPatience int
	LRPatience            int
	LRFactor              float64
	MinLR                 float64

	Policy decision.Policy
}

// BatchSource makes one pass over a dataset per call.
type BatchSource interface {
	Batches(ctx context.Context, fn func(model.Batch) error) error
}

// Data groups the three splits. Test may be nil.
type Data struct {
	Train      BatchSource
	Validation BatchSource
	Test       BatchSource
}

// Gate is checked before any model is built.
type Gate interface {
	Check(ctx context.Context) error
}

// PhaseResult is one phase as it actually ran.
type PhaseResult struct {
	Phase        *Phase   `json:"phase"`
	History      *History `json:"history"`
	StoppedEarly bool     `json:"stopped_early"`
}

// DecisionMetrics measure the confidence gate on the test split. Coverage is
// the share of confident predictions; SelectiveAccuracy is the accuracy over
// those alone.
type DecisionMetrics struct {
	Policy            decision.Policy `json:"policy"`
	Samples           int             `json:"samples"`
	Confident         int             `json:"confident"`
	ConfidentCorrect  int             `json:"confident_correct"`
	Coverage          float64         `json:"coverage"`
	SelectiveAccuracy float64         `json:"selective_accuracy"`
}

func (d *DecisionMetrics) add(r decision.Result, label int) {
	d.Samples++
	if !r.IsConfident {
		return
	}
	d.Confident++
	if r.BestIndex() == label {
		d.ConfidentCorrect++
	}
}

func (d *DecisionMetrics) finish() {
	d.Coverage = ratio(float64(d.Confident), float64(d.Samples))
	d.SelectiveAccuracy = ratio(float64(d.ConfidentCorrect), float64(d.Confident))
}

// Result is the outcome of a run. Model is the final, still-open classifier.
type Result struct {
	Model           *model.Classifier
	Phases          []PhaseResult
	History         *History
	BestValAccuracy float64
	Test            map[string]float64
	Decision        *DecisionMetrics
}

// Orchestrator runs the frozen-backbone phase and, when configured, the
// fine-tuning phase over one callback stack.
type Orchestrator struct {
	rt     model.Runtime
	cfg    Config
	gate   Gate
	logger *log.Logger

	mu    sync.Mutex
	state State
}

func New(rt model.Runtime, cfg Config, gate Gate, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{rt: rt, cfg: cfg, gate: gate, logger: logger}
}

// State reports the current stage of the run.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run trains, evaluates and returns the final model. Corrupt data fails the
// run before a model is built; the gate's error is wrapped unchanged.
func (o *Orchestrator) Run(ctx context.Context, data Data) (*Result, error) {
	if data.Train == nil || data.Validation == nil {
		return nil, ErrMissingData
	}
	if o.gate != nil {
		if err := o.gate.Check(ctx); err != nil {
			return nil, fmt.Errorf("dataset check failed: %w", err)
		}
	}

	m, err := model.Build(ctx, o.rt, model.BuildOptions{
		Backbone:     o.cfg.Backbone,
		Classes:      o.cfg.Classes,
		LearningRate: o.cfg.LearningRate,
		Logger:       o.logger,
	})
	if err != nil {
		return nil, err
	}

	phases := planPhases(o.cfg, m.BackboneLen())
	if o.cfg.FineTuneAt != nil && len(phases) == 1 {
		o.logger.Printf("Skipping fine-tuning: backbone has %d layers, %d fine-tune epochs",
			m.BackboneLen(), o.cfg.FineTuneEpochs)
	}

	checkpoint := NewCheckpoint(o.cfg.CheckpointPath, o.logger)
	callbacks := []Callback{
		checkpoint,
		NewEarlyStopping(o.cfg.EarlyStoppingPatience, o.logger),
		NewReduceLROnPlateau(o.cfg.LRFactor, o.cfg.LRPatience, o.cfg.MinLR, o.logger),
		ProgressLogger{Logger: o.logger},
	}

	res := &Result{}
	epoch := 0
	for i, phase := range phases {
		if i > 0 {
			next, err := model.Transition(ctx, o.rt, m, model.PhaseSpec{
				FineTuneAt:   phase.FineTuneAt,
				LearningRate: phase.LearningRate,
			})
			if err != nil {
				m.Close()
				return nil, err
			}
			m = next
		}
		if phase.FineTuneAt != nil {
			boundary := backbone.ResolveUnfreezeBoundary(*phase.FineTuneAt, m.BackboneLen())
			phase.UnfreezeFrom = &boundary
		}
		phase.TrainableLayers = m.TrainableLayers()
		phase.Start = epoch
		phase.End = epoch

		o.setState(phase.State)
		pr, err := o.runPhase(ctx, m.Session(), phase, data, callbacks)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("phase %d (%s): %w", phase.ID, phase.Name, err)
		}
		res.Phases = append(res.Phases, pr)
		epoch = phase.End
	}

	histories := make([]*History, len(res.Phases))
	for i, pr := range res.Phases {
		histories[i] = pr.History
	}
	res.History = Merge(histories...)
	res.BestValAccuracy = checkpoint.Best()

	if o.cfg.CheckpointPath != "" && checkpoint.Saves() == 0 {
		o.logger.Printf("val_accuracy never improved; saving final model to %s", o.cfg.CheckpointPath)
		if err := m.Session().Save(ctx, o.cfg.CheckpointPath); err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to save model: %w", err)
		}
	}

	if data.Test != nil {
		test, dm, err := o.evaluate(ctx, m, data.Test)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("test evaluation: %w", err)
		}
		res.Test = test
		res.Decision = dm
		o.logger.Printf("Test - loss: %.4f - accuracy: %.4f - precision: %.4f - recall: %.4f",
			test[testPrefix+MetricLoss], test[testPrefix+MetricAccuracy],
			test[testPrefix+MetricPrecision], test[testPrefix+MetricRecall])
		o.logger.Printf("Decision policy (threshold %.2f, margin %.2f): coverage %.4f, selective accuracy %.4f",
			dm.Policy.Threshold, dm.Policy.MarginRequired, dm.Coverage, dm.SelectiveAccuracy)
	}

	res.Model = m
	o.setState(Done)
	return res, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, s model.Session, phase *Phase, data Data, callbacks []Callback) (PhaseResult, error) {
	pr := PhaseResult{Phase: phase, History: NewHistory()}
	for _, cb := range callbacks {
		if err := cb.OnPhaseBegin(ctx, phase); err != nil {
			return pr, err
		}
	}

	for epoch := phase.Start; epoch < phase.Start+phase.Epochs; epoch++ {
		lr := s.LearningRate()

		train, err := pass(ctx, data.Train, s.TrainBatch)
		if err != nil {
			return pr, fmt.Errorf("epoch %d training: %w", epoch+1, err)
		}
		val, err := pass(ctx, data.Validation, s.EvalBatch)
		if err != nil {
			return pr, fmt.Errorf("epoch %d validation: %w", epoch+1, err)
		}

		logs := train.Logs("")
		maps.Copy(logs, val.Logs(validationPrefix))
		logs[MetricLearningRate] = lr
		pr.History.Append(epoch, logs)
		phase.End = epoch + 1

		stop := false
		end := &EpochEnd{Phase: phase, Epoch: epoch, Logs: logs, Session: s}
		for _, cb := range callbacks {
			halt, err := cb.OnEpochEnd(ctx, end)
			if err != nil {
				return pr, err
			}
			stop = stop || halt
		}
		if stop {
			pr.StoppedEarly = true
			break
		}
	}
	return pr, nil
}

func pass(ctx context.Context, src BatchSource, step func(context.Context, model.Batch) (model.BatchResult, error)) (*Accumulator, error) {
	acc := &Accumulator{}
	err := src.Batches(ctx, func(b model.Batch) error {
		res, err := step(ctx, b)
		if err != nil {
			return err
		}
		return acc.Add(res, b.Labels)
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, m *model.Classifier, src BatchSource) (map[string]float64, *DecisionMetrics, error) {
	classes := m.Classes()
	s := m.Session()
	acc := &Accumulator{}
	dm := &DecisionMetrics{Policy: o.cfg.Policy}

	err := src.Batches(ctx, func(b model.Batch) error {
		res, err := s.EvalBatch(ctx, b)
		if err != nil {
			return err
		}
		if err := acc.Add(res, b.Labels); err != nil {
			return err
		}
		for i, row := range res.Probabilities {
			r, err := decision.Decide(decision.FromFloat32(row), classes, o.cfg.Policy)
			if err != nil {
				return err
			}
			dm.add(r, b.Labels[i])
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	dm.finish()
	return acc.Logs(testPrefix), dm, nil
}
