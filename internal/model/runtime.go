package model

import (
	"context"

	"github.com/Brownie44l1/robovision/internal/backbone"
	"github.com/Brownie44l1/robovision/internal/preprocess"
)

// WeightsRef identifies a weight snapshot held by the runtime. The empty ref
// means pretrained backbone weights with a freshly initialized head.
type WeightsRef string

// CompileOptions are the objective, metrics and optimizer a session is built with.
type CompileOptions struct {
	Loss         string   `json:"loss"`
	Metrics      []string `json:"metrics"`
	Optimizer    string   `json:"optimizer"`
	LearningRate float64  `json:"learning_rate"`
}

// DefaultCompileOptions returns categorical cross-entropy with Adam at lr.
func DefaultCompileOptions(lr float64) CompileOptions {
	return CompileOptions{
		Loss:         "categorical_crossentropy",
		Metrics:      []string{"accuracy", "precision", "recall"},
		Optimizer:    "adam",
		LearningRate: lr,
	}
}

// Graph is everything the runtime needs to assemble the end-to-end network.
type Graph struct {
	Name       string           `json:"name"`
	Backbone   string           `json:"backbone"`
	InputShape [3]int           `json:"input_shape"`
	Layers     []backbone.Layer `json:"backbone_layers"`
	Head       []HeadLayer      `json:"head"`
	NumClasses int              `json:"num_classes"`
}

// Batch is a set of normalized images with their class indices.
type Batch struct {
	Inputs []*preprocess.Tensor
	Labels []int
}

func (b Batch) Len() int { return len(b.Inputs) }

// BatchResult is the mean loss over a batch plus the per-sample softmax output.
type BatchResult struct {
	Loss          float64     `json:"loss"`
	Probabilities [][]float32 `json:"probabilities"`
}

// Runtime is the external tensor-computation runtime. It owns weights and the
// numeric kernels; this module only describes graphs and drives it.
type Runtime interface {
	// LoadBackbone instantiates pretrained weights without the classification
	// top and returns the ordered layer names.
	LoadBackbone(ctx context.Context, v backbone.Variant) ([]string, error)

	// Compile builds a session whose optimizer state covers exactly the
	// trainable layers in g, seeded from the given weights.
	Compile(ctx context.Context, g Graph, opts CompileOptions, from WeightsRef) (Session, error)
}

// Session is one compiled model. Calls are blocking and not concurrent.
type Session interface {
	TrainBatch(ctx context.Context, b Batch) (BatchResult, error)
	EvalBatch(ctx context.Context, b Batch) (BatchResult, error)

	LearningRate() float64
	SetLearningRate(ctx context.Context, lr float64) error

	Snapshot(ctx context.Context) (WeightsRef, error)
	Restore(ctx context.Context, ref WeightsRef) error

	// Save writes the inference artifact to path, replacing any previous file.
	Save(ctx context.Context, path string) error
	Close() error
}
