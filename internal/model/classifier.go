package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/Brownie44l1/robovision/internal/backbone"
	"github.com/Brownie44l1/robovision/internal/preprocess"
)

var (
	ErrNoClasses     = errors.New("at least one class is required")
	ErrModelConsumed = errors.New("model was replaced by a phase transition")
)

// BuildOptions configures Build. A nil FineTuneAt freezes the whole backbone.
type BuildOptions struct {
	Backbone     string
	Classes      []string
	FineTuneAt   *int
	LearningRate float64
	Logger       *log.Logger
}

// Classifier is a backbone plus classification head, compiled into a runtime
// session. It exclusively owns its backbone flags and its session.
type Classifier struct {
	name     string
	backbone *backbone.Backbone
	head     []HeadLayer
	classes  []string
	opts     CompileOptions
	session  Session
	logger   *log.Logger
}

// Build loads the named backbone, applies the freeze policy, attaches the
// default head and compiles the result.
func Build(ctx context.Context, rt Runtime, o BuildOptions) (*Classifier, error) {
	variant, err := backbone.Parse(o.Backbone)
	if err != nil {
		return nil, err
	}
	if len(o.Classes) == 0 {
		return nil, ErrNoClasses
	}
	logger := o.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	names, err := rt.LoadBackbone(ctx, variant)
	if err != nil {
		return nil, fmt.Errorf("failed to load backbone %s: %w", variant.Name, err)
	}

	bb := backbone.New(variant, names)
	if err := applyFreezePolicy(bb, o.FineTuneAt, logger); err != nil {
		return nil, err
	}

	classes := make([]string, len(o.Classes))
	copy(classes, o.Classes)

	m := &Classifier{
		name:     variant.Name + "_classifier",
		backbone: bb,
		head:     DefaultHead(len(classes)),
		classes:  classes,
		opts:     DefaultCompileOptions(o.LearningRate),
		logger:   logger,
	}

	session, err := rt.Compile(ctx, m.Graph(), m.opts, "")
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", m.name, err)
	}
	m.session = session

	logger.Printf("Built %s: %d backbone layers, %d trainable, lr=%g",
		m.name, bb.Len(), bb.TrainableCount(), o.LearningRate)
	return m, nil
}

// PhaseSpec is the trainable set and learning rate a model moves into.
// FineTuneAt follows the same rules as BuildOptions.FineTuneAt.
type PhaseSpec struct {
	FineTuneAt   *int
	LearningRate float64
}

// Transition returns a new model with the phase's trainable flags, recompiled
// at the phase learning rate and seeded with m's current weights. m is closed
// and must not be used afterwards.
func Transition(ctx context.Context, rt Runtime, m *Classifier, spec PhaseSpec) (*Classifier, error) {
	if m.session == nil {
		return nil, ErrModelConsumed
	}

	weights, err := m.session.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot weights: %w", err)
	}

	bb := m.backbone.Clone()
	if err := applyFreezePolicy(bb, spec.FineTuneAt, m.logger); err != nil {
		return nil, err
	}

	next := &Classifier{
		name:     m.name,
		backbone: bb,
		head:     m.head,
		classes:  m.classes,
		opts:     DefaultCompileOptions(spec.LearningRate),
		logger:   m.logger,
	}

	session, err := rt.Compile(ctx, next.Graph(), next.opts, weights)
	if err != nil {
		return nil, fmt.Errorf("failed to recompile %s: %w", m.name, err)
	}
	next.session = session

	if err := m.Close(); err != nil {
		m.logger.Printf("Closing previous session: %v", err)
	}

	m.logger.Printf("Recompiled %s: %d trainable backbone layers, lr=%g",
		next.name, bb.TrainableCount(), spec.LearningRate)
	return next, nil
}

func applyFreezePolicy(bb *backbone.Backbone, fineTuneAt *int, logger *log.Logger) error {
	if fineTuneAt == nil {
		bb.FreezeAll()
		logger.Printf("%s backbone frozen (no fine-tuning)", bb.Variant().Name)
		return nil
	}

	boundary := backbone.ResolveUnfreezeBoundary(*fineTuneAt, bb.Len())
	if err := bb.UnfreezeFrom(boundary); err != nil {
		return err
	}

	trainable := bb.Len() - boundary
	if trainable == 0 {
		logger.Printf("Fine-tune boundary %d equals layer count; no backbone layers trainable (head-only)", boundary)
		return nil
	}
	logger.Printf("Fine-tuning %s starting at layer %d (%d trainable layers)",
		bb.Variant().Name, boundary, trainable)
	return nil
}

// Graph describes the current model for the runtime.
func (m *Classifier) Graph() Graph {
	v := m.backbone.Variant()
	return Graph{
		Name:       m.name,
		Backbone:   v.Name,
		InputShape: [3]int{v.Height(), v.Width(), preprocess.Channels},
		Layers:     m.backbone.Layers(),
		Head:       m.head,
		NumClasses: len(m.classes),
	}
}

func (m *Classifier) Name() string { return m.name }
func (m *Classifier) Variant() backbone.Variant { return m.backbone.Variant() }
func (m *Classifier) BackboneLayers() []backbone.Layer { return m.backbone.Layers() }
func (m *Classifier) BackboneLen() int { return m.backbone.Len() }
func (m *Classifier) TrainableLayers() int { return m.backbone.TrainableCount() }

// Classes returns a copy of the class names in index order.
func (m *Classifier) Classes() []string {
	out := make([]string, len(m.classes))
	copy(out, m.classes)
	return out
}

// Session returns the compiled session, or nil after a transition.
func (m *Classifier) Session() Session { return m.session }

func (m *Classifier) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}
