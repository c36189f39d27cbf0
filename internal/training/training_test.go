package training

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/robovision/internal/dataset"
	"github.com/Brownie44l1/robovision/internal/decision"
	"github.com/Brownie44l1/robovision/internal/model"
	"github.com/Brownie44l1/robovision/internal/model/modeltest"
	"github.com/Brownie44l1/robovision/internal/preprocess"
)

// batches is an in-memory BatchSource; each entry is one batch of labels.
type batches [][]int

func (b batches) Batches(_ context.Context, fn func(model.Batch) error) error {
	for _, labels := range b {
		batch := model.Batch{Inputs: make([]*preprocess.Tensor, len(labels)), Labels: labels}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

type gateFunc func(context.Context) error

func (f gateFunc) Check(ctx context.Context) error { return f(ctx) }

func intPtr(v int) *int { return &v }

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func testConfig(t *testing.T) Config {
	return Config{
		Backbone:              "efficientnet_b0",
		Classes:               []string{"human", "robot"},
		Epochs:                3,
		FineTuneEpochs:        2,
		LearningRate:          1e-3,
		FineTuneLearningRate:  1e-5,
		FineTuneAt:            intPtr(-20),
		CheckpointPath:        filepath.Join(t.TempDir(), "model.onnx"),
		EarlyStoppingPatience: 5,
		LRPatience:            3,
		LRFactor:              0.5,
		MinLR:                 1e-7,
		Policy:                decision.Policy{Threshold: 0.6, MarginRequired: 0.15},
	}
}

func testData() Data {
	return Data{
		Train:      batches{{0, 1}, {1, 0}},
		Validation: batches{{0, 1}},
		Test:       batches{{0, 1, 1}},
	}
}

func TestRunTwoPhases(t *testing.T) {
	cfg := testConfig(t)
	rt := modeltest.NewRuntime(200)
	rt.ValLosses = []float64{0.9, 0.8, 0.7, 0.6, 0.5}

	o := New(rt, cfg, nil, nil)
	require.Equal(t, Idle, o.State())

	res, err := o.Run(context.Background(), testData())
	require.NoError(t, err)
	require.Equal(t, Done, o.State())

	require.Len(t, res.Phases, 2)
	p1, p2 := res.Phases[0].Phase, res.Phases[1].Phase
	require.Equal(t, 0, p1.Start)
	require.Equal(t, 3, p1.End)
	require.Equal(t, 0, p1.TrainableLayers)
	require.Nil(t, p1.UnfreezeFrom)
	require.Equal(t, 3, p2.Start)
	require.Equal(t, 5, p2.End)
	require.Equal(t, 20, p2.TrainableLayers)
	require.Equal(t, 180, *p2.UnfreezeFrom)

	require.Len(t, rt.Compiles, 2)
	require.Equal(t, model.WeightsRef(""), rt.Compiles[0].From)
	require.NotEmpty(t, rt.Compiles[1].From)
	require.Equal(t, 1e-5, rt.Compiles[1].Opts.LearningRate)
	require.True(t, rt.Compiles[0].Session.Closed)
	require.False(t, rt.Compiles[1].Session.Closed)

	require.Equal(t, []int{0, 1, 2, 3, 4}, res.History.Epochs)
	require.Equal(t, []float64{0.9, 0.8, 0.7, 0.6, 0.5}, res.History.Series("val_loss"))
	require.Equal(t, []float64{1e-3, 1e-3, 1e-3, 1e-5, 1e-5}, res.History.Series(MetricLearningRate))
	require.Equal(t, 1.0, res.BestValAccuracy)

	// val_accuracy is flat, so only the first epoch is checkpointed.
	require.Equal(t, []string{cfg.CheckpointPath}, rt.Compiles[0].Session.Saves)
	require.Empty(t, rt.Compiles[1].Session.Saves)
	require.FileExists(t, cfg.CheckpointPath)

	require.Equal(t, 1.0, res.Test["test_accuracy"])
	require.InDelta(t, 0.5, res.Test["test_loss"], 1e-9)
	require.Equal(t, 3, res.Decision.Samples)
	require.Equal(t, 1.0, res.Decision.Coverage)
	require.Equal(t, 1.0, res.Decision.SelectiveAccuracy)

	require.Same(t, res.Model.Session(), model.Session(rt.Compiles[1].Session))
}

func TestRunEarlyStopEndsOnlyPhaseOne(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 10
	cfg.EarlyStoppingPatience = 2
	cfg.LRPatience = 5
	rt := modeltest.NewRuntime(200)
	rt.ValLosses = []float64{0.5, 0.6, 0.7}

	data := testData()
	data.Test = nil
	res, err := New(rt, cfg, nil, nil).Run(context.Background(), data)
	require.NoError(t, err)

	require.Len(t, res.Phases, 2)
	require.True(t, res.Phases[0].StoppedEarly)
	require.Equal(t, 3, res.Phases[0].Phase.End)
	require.Equal(t, 3, res.Phases[1].Phase.Start)
	require.Equal(t, 5, res.Phases[1].Phase.End)
	require.False(t, res.Phases[1].StoppedEarly)
	require.Equal(t, []int{0, 1, 2, 3, 4}, res.History.Epochs)

	first := rt.Compiles[0].Session
	require.Equal(t, []model.WeightsRef{"snapshot-1"}, first.Restores)
	require.Nil(t, res.Test)
	require.Nil(t, res.Decision)
}

func TestRunCorruptDataFailsBeforeBuild(t *testing.T) {
	rt := modeltest.NewRuntime(200)
	corrupt := &dataset.CorruptImagesError{Files: []dataset.CorruptFile{{Path: "data/train/robot/broken.png", Err: "unexpected EOF"}}}
	gate := gateFunc(func(context.Context) error { return corrupt })

	o := New(rt, testConfig(t), gate, nil)
	_, err := o.Run(context.Background(), testData())

	var ce *dataset.CorruptImagesError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "data/train/robot/broken.png", ce.Files[0].Path)
	require.Empty(t, rt.Compiles)
	require.Zero(t, rt.EvalCalls())
	require.Equal(t, Idle, o.State())
}

func TestRunSinglePhase(t *testing.T) {
	t.Run("fine-tuning disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.FineTuneAt = nil
		rt := modeltest.NewRuntime(200)
		res, err := New(rt, cfg, nil, nil).Run(context.Background(), testData())
		require.NoError(t, err)
		require.Len(t, res.Phases, 1)
		require.Len(t, rt.Compiles, 1)
		require.Equal(t, 3, res.History.Len())
	})

	t.Run("empty backbone", func(t *testing.T) {
		rt := modeltest.NewRuntime(0)
		res, err := New(rt, testConfig(t), nil, nil).Run(context.Background(), testData())
		require.NoError(t, err)
		require.Len(t, res.Phases, 1)
		require.Len(t, rt.Compiles, 1)
	})
}

func TestRunReducesLearningRate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 5
	cfg.FineTuneAt = nil
	cfg.EarlyStoppingPatience = 100
	cfg.LRPatience = 2
	rt := modeltest.NewRuntime(10)
	rt.ValLosses = []float64{0.5}

	res, err := New(rt, cfg, nil, nil).Run(context.Background(), testData())
	require.NoError(t, err)
	require.Equal(t, []float64{5e-4, 2.5e-4}, rt.Compiles[0].Session.LRChanges)
	require.Equal(t, []float64{1e-3, 1e-3, 1e-3, 5e-4, 5e-4}, res.History.Series(MetricLearningRate))
}

func TestRunWithoutEpochsSavesFinalModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 0
	cfg.FineTuneAt = nil
	rt := modeltest.NewRuntime(10)

	res, err := New(rt, cfg, nil, nil).Run(context.Background(), testData())
	require.NoError(t, err)
	require.Zero(t, res.History.Len())
	require.FileExists(t, cfg.CheckpointPath)
}

func TestRunRequiresData(t *testing.T) {
	_, err := New(modeltest.NewRuntime(10), testConfig(t), nil, nil).Run(context.Background(), Data{Train: batches{{0}}})
	require.ErrorIs(t, err, ErrMissingData)
}

func TestAccumulator(t *testing.T) {
	var acc Accumulator
	err := acc.Add(model.BatchResult{
		Loss:          0.3,
		Probabilities: [][]float32{{0.7, 0.3}, {0.4, 0.6}, {0.45, 0.55}},
	}, []int{0, 0, 1})
	require.NoError(t, err)

	require.Equal(t, 3, acc.Samples())
	require.InDelta(t, 0.3, acc.Loss(), 1e-9)
	require.InDelta(t, 2.0/3, acc.Accuracy(), 1e-9)
	require.InDelta(t, 2.0/3, acc.Precision(), 1e-9)
	require.InDelta(t, 2.0/3, acc.Recall(), 1e-9)

	logs := acc.Logs("val_")
	require.Contains(t, logs, "val_precision")

	require.Error(t, acc.Add(model.BatchResult{Probabilities: [][]float32{{1, 0}}}, []int{0, 1}))

	var empty Accumulator
	require.Zero(t, empty.Accuracy())
}

func TestMergeHistories(t *testing.T) {
	h1, h2 := NewHistory(), NewHistory()
	for e := 0; e < 10; e++ {
		h1.Append(e, map[string]float64{MetricLoss: float64(e)})
	}
	for e := 10; e < 15; e++ {
		h2.Append(e, map[string]float64{MetricLoss: float64(e)})
	}

	merged := Merge(h1, nil, h2)
	require.Equal(t, 15, merged.Len())
	loss := merged.Series(MetricLoss)
	require.Len(t, loss, 15)
	for i, v := range loss {
		require.Equal(t, float64(i), v)
		require.Equal(t, i, merged.Epochs[i])
	}
	last, ok := merged.Last(MetricLoss)
	require.True(t, ok)
	require.Equal(t, 14.0, last)
	require.Equal(t, []string{MetricLoss}, merged.Names())
}

func TestReduceLRClampsToMinimum(t *testing.T) {
	ctx := context.Background()
	rt := modeltest.NewRuntime(1)
	s, err := rt.Compile(ctx, model.Graph{NumClasses: 2}, model.DefaultCompileOptions(1.5e-7), "")
	require.NoError(t, err)

	r := NewReduceLROnPlateau(0.5, 1, 1e-7, discard())
	require.NoError(t, r.OnPhaseBegin(ctx, &Phase{}))
	end := func(loss float64) *EpochEnd {
		return &EpochEnd{Logs: map[string]float64{"val_loss": loss}, Session: s}
	}

	_, err = r.OnEpochEnd(ctx, end(1))
	require.NoError(t, err)
	_, err = r.OnEpochEnd(ctx, end(1))
	require.NoError(t, err)
	require.Equal(t, 1e-7, s.LearningRate())

	_, err = r.OnEpochEnd(ctx, end(1))
	require.NoError(t, err)
	require.Equal(t, []float64{1e-7}, s.(*modeltest.Session).LRChanges)
}

func TestCheckpointBestSurvivesPhases(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "best.onnx")
	s, err := modeltest.NewRuntime(1).Compile(ctx, model.Graph{NumClasses: 2}, model.DefaultCompileOptions(1e-3), "")
	require.NoError(t, err)

	c := NewCheckpoint(path, discard())
	for i, acc := range []float64{0.8, 0.9, 0.85} {
		if i == 2 {
			require.NoError(t, c.OnPhaseBegin(ctx, &Phase{ID: 2}))
		}
		_, err := c.OnEpochEnd(ctx, &EpochEnd{Epoch: i, Logs: map[string]float64{"val_accuracy": acc}, Session: s})
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.Saves())
	require.Equal(t, 0.9, c.Best())
}

func TestReportRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	rt := modeltest.NewRuntime(200)
	res, err := New(rt, cfg, nil, nil).Run(context.Background(), testData())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "reports", "training_report.json")
	report := NewReport(ReportConfig{
		Backbone:   cfg.Backbone,
		Classes:    cfg.Classes,
		InputSize:  [2]int{224, 224},
		Epochs:     cfg.Epochs,
		BatchSize:  32,
		FineTuneAt: cfg.FineTuneAt,
	}, cfg.Policy, res, Artifacts{Model: cfg.CheckpointPath, Report: path})
	require.NoError(t, report.Save(path))

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	loaded, err := LoadReport(path)
	require.NoError(t, err)
	_, err = uuid.Parse(loaded.RunID)
	require.NoError(t, err)
	require.Equal(t, 1.0, loaded.FinalMetrics["test_accuracy"])
	require.Len(t, loaded.Phases, 2)
	require.Len(t, loaded.TrainingHistory["val_accuracy"], 5)
	require.Equal(t, cfg.Policy, loaded.DecisionPolicy)
	require.Contains(t, loaded.GoalMessage(), "Achieved")
}
