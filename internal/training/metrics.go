package training

import (
	"fmt"

	"github.com/Brownie44l1/robovision/internal/model"
)

// Metric names, as they appear in histories and reports.
const (
	MetricLoss         = "loss"
	MetricAccuracy     = "accuracy"
	MetricPrecision    = "precision"
	MetricRecall       = "recall"
	MetricLearningRate = "lr"

	validationPrefix = "val_"
)

func valName(metric string) string { return validationPrefix + metric }

// Accumulator aggregates batch results into epoch metrics. Precision and
// recall treat every (sample, class) cell as a binary prediction thresholded
// at 0.5 against the one-hot label.
type Accumulator struct {
	lossSum float64
	samples int
	correct int
	tp      int
	fp      int
	fn      int
}

// Add folds in one batch. labels are class indices.
func (a *Accumulator) Add(res model.BatchResult, labels []int) error {
	if len(res.Probabilities) != len(labels) {
		return fmt.Errorf("runtime returned %d predictions for %d labels", len(res.Probabilities), len(labels))
	}

	a.lossSum += res.Loss * float64(len(labels))
	a.samples += len(labels)

	for i, row := range res.Probabilities {
		if argmax(row) == labels[i] {
			a.correct++
		}
		for c, p := range row {
			predicted := p > 0.5
			actual := c == labels[i]
			switch {
			case predicted && actual:
				a.tp++
			case predicted && !actual:
				a.fp++
			case !predicted && actual:
				a.fn++
			}
		}
	}
	return nil
}

func (a *Accumulator) Samples() int { return a.samples }

func (a *Accumulator) Loss() float64 { return ratio(a.lossSum, float64(a.samples)) }

func (a *Accumulator) Accuracy() float64 { return ratio(float64(a.correct), float64(a.samples)) }

func (a *Accumulator) Precision() float64 { return ratio(float64(a.tp), float64(a.tp+a.fp)) }

func (a *Accumulator) Recall() float64 { return ratio(float64(a.tp), float64(a.tp+a.fn)) }

// Logs returns the four metrics keyed by name, with an optional prefix.
func (a *Accumulator) Logs(prefix string) map[string]float64 {
	return map[string]float64{
		prefix + MetricLoss:      a.Loss(),
		prefix + MetricAccuracy:  a.Accuracy(),
		prefix + MetricPrecision: a.Precision(),
		prefix + MetricRecall:    a.Recall(),
	}
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// argmax returns the first index of the largest value.
func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
