package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/robovision/internal/decision"
)

// AccuracyGoal is the test accuracy a run is expected to reach.
const AccuracyGoal = 0.90

// ReportConfig echoes the settings a run used.
type ReportConfig struct {
	Backbone             string   `json:"backbone"`
	Classes              []string `json:"classes"`
	InputSize            [2]int   `json:"input_size"`
	Epochs               int      `json:"epochs"`
	FineTuneEpochs       int      `json:"fine_tune_epochs"`
	BatchSize            int      `json:"batch_size"`
	LearningRate         float64  `json:"learning_rate"`
	FineTuneLearningRate float64  `json:"fine_tune_learning_rate"`
	FineTuneAt           *int     `json:"fine_tune_at"`
}

type Artifacts struct {
	Model    string `json:"model"`
	Metadata string `json:"metadata,omitempty"`
	Report   string `json:"report"`
	Plot     string `json:"plot,omitempty"`
}

// Report is the JSON summary written after training.
type Report struct {
	RunID           string               `json:"run_id"`
	Timestamp       time.Time            `json:"timestamp"`
	Config          ReportConfig         `json:"config"`
	Phases          []PhaseResult        `json:"phases"`
	TrainingHistory map[string][]float64 `json:"training_history"`
	Epochs          []int                `json:"epochs"`
	TestMetrics     map[string]float64   `json:"test_metrics,omitempty"`
	FinalMetrics    map[string]float64   `json:"final_metrics"`
	BestValAccuracy float64              `json:"best_val_accuracy"`
	DecisionPolicy  decision.Policy      `json:"decision_policy"`
	Decision        *DecisionMetrics     `json:"decision_metrics,omitempty"`
	Artifacts       Artifacts            `json:"artifacts"`
}

// NewReport assembles a report from a finished run.
func NewReport(cfg ReportConfig, policy decision.Policy, res *Result, artifacts Artifacts) *Report {
	r := &Report{
		RunID:           uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Config:          cfg,
		Phases:          res.Phases,
		TrainingHistory: res.History.Metrics,
		Epochs:          res.History.Epochs,
		TestMetrics:     res.Test,
		FinalMetrics:    make(map[string]float64),
		BestValAccuracy: res.BestValAccuracy,
		DecisionPolicy:  policy,
		Decision:        res.Decision,
		Artifacts:       artifacts,
	}
	if v, ok := res.History.Last(MetricAccuracy); ok {
		r.FinalMetrics["train_accuracy"] = v
	}
	if v, ok := res.History.Last(valName(MetricAccuracy)); ok {
		r.FinalMetrics["val_accuracy"] = v
	}
	if v, ok := res.Test[testPrefix+MetricAccuracy]; ok {
		r.FinalMetrics["test_accuracy"] = v
	}
	return r
}

// GoalMessage reports whether the test accuracy reached AccuracyGoal.
func (r *Report) GoalMessage() string {
	acc, ok := r.TestMetrics[testPrefix+MetricAccuracy]
	if !ok {
		return "No test split evaluated; accuracy goal not checked"
	}
	if acc >= AccuracyGoal {
		return fmt.Sprintf("Achieved %.2f%% test accuracy (goal %.0f%%)", acc*100, AccuracyGoal*100)
	}
	return fmt.Sprintf("Target accuracy (%.0f%%) not reached: got %.2f%%. Consider more data, more epochs or tuning",
		AccuracyGoal*100, acc*100)
}

// Save writes the report atomically.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

// LoadReport reads a report written by Save.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
