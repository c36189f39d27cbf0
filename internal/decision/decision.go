// Package decision turns a probability vector into a label, refusing to commit
// when the top class is weak or too close to the runner-up.
package decision

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// UnknownLabel is reported when a prediction does not pass the policy.
const UnknownLabel = "unknown"

const sumTolerance = 1e-3

var (
	ErrEmptyProbabilities = errors.New("empty probability vector")
	ErrClassMismatch      = errors.New("probability vector length does not match class count")
)

// Policy holds the two gate parameters. Both must hold for a confident decision.
type Policy struct {
	Threshold      float64 `json:"threshold"`
	MarginRequired float64 `json:"margin_required"`
}

// ProbabilityVector is a per-class score vector in class-index order.
type ProbabilityVector []float64

// FromFloat32 widens model output.
func FromFloat32(values []float32) ProbabilityVector {
	p := make(ProbabilityVector, len(values))
	for i, v := range values {
		p[i] = float64(v)
	}
	return p
}

// Validate checks the softmax invariants: finite, non-negative, summing to one.
func (p ProbabilityVector) Validate() error {
	if len(p) == 0 {
		return ErrEmptyProbabilities
	}
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("probability %d is %v", i, v)
		}
	}
	if sum := floats.Sum(p); math.Abs(sum-1) > sumTolerance {
		return fmt.Errorf("probabilities sum to %.6f", sum)
	}
	return nil
}

// Result is the outcome of Decide.
type Result struct {
	PredictedLabel   string             `json:"predicted_label"`
	Confidence       float64            `json:"confidence"`
	BestClass        string             `json:"best_class"`
	BestConfidence   float64            `json:"best_confidence"`
	SecondClass      string             `json:"second_class"`
	SecondConfidence float64            `json:"second_confidence"`
	Margin           float64            `json:"margin"`
	IsConfident      bool               `json:"is_confident"`
	Probabilities    map[string]float64 `json:"probabilities"`

	bestIndex int
	policy    Policy
}

// BestIndex is the class index of the top-ranked class.
func (r Result) BestIndex() int { return r.bestIndex }

// Reason explains the gate outcome: confident, low_confidence or low_margin.
// A prediction failing both tests reports low_confidence.
func (r Result) Reason() string {
	switch {
	case r.IsConfident:
		return "confident"
	case r.BestConfidence < r.policy.Threshold:
		return "low_confidence"
	default:
		return "low_margin"
	}
}

// Decide ranks the classes and applies the policy. Ties rank the lower class
// index first.
func Decide(p ProbabilityVector, classes []string, policy Policy) (Result, error) {
	if len(p) == 0 {
		return Result{}, ErrEmptyProbabilities
	}
	if len(p) != len(classes) {
		return Result{}, fmt.Errorf("%w: %d scores, %d classes", ErrClassMismatch, len(p), len(classes))
	}

	order := make([]int, len(p))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return p[order[a]] > p[order[b]]
	})

	best := order[0]
	res := Result{
		Confidence:     p[best],
		BestClass:      classes[best],
		BestConfidence: p[best],
		Probabilities:  make(map[string]float64, len(p)),
		bestIndex:      best,
		policy:         policy,
	}
	for i, v := range p {
		res.Probabilities[classes[i]] = v
	}

	if len(order) > 1 {
		second := order[1]
		res.SecondClass = classes[second]
		res.SecondConfidence = p[second]
		res.Margin = p[best] - p[second]
	}

	res.IsConfident = res.BestConfidence >= policy.Threshold && res.Margin >= policy.MarginRequired
	if res.IsConfident {
		res.PredictedLabel = res.BestClass
	} else {
		res.PredictedLabel = UnknownLabel
	}

	return res, nil
}
