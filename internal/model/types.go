package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/robovision/internal/backbone"
	"github.com/Brownie44l1/robovision/internal/decision"
	"github.com/Brownie44l1/robovision/internal/preprocess"
)

const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

// Metadata is written next to the model artifact and read by the server.
type Metadata struct {
	InputShape     []int64  `json:"input_shape"`
	OutputShape    []int64  `json:"output_shape"`
	Classes        []string `json:"classes"`
	ImageSize      int      `json:"image_size"`
	Backbone       string   `json:"backbone"`
	Layout         string   `json:"layout"`
	InputName      string   `json:"input_name"`
	OutputName     string   `json:"output_name"`
	Threshold      float64  `json:"threshold"`
	MarginRequired float64  `json:"margin_required"`
}

// NewMetadata describes m's inference artifact. The runtime exports NHWC graphs.
func NewMetadata(m *Classifier, policy decision.Policy) Metadata {
	v := m.Variant()
	return Metadata{
		InputShape:     []int64{1, int64(v.Height()), int64(v.Width()), preprocess.Channels},
		OutputShape:    []int64{1, int64(len(m.classes))},
		Classes:        m.Classes(),
		ImageSize:      v.Resolution,
		Backbone:       v.Name,
		Layout:         LayoutNHWC,
		InputName:      "input",
		OutputName:     "output",
		Threshold:      policy.Threshold,
		MarginRequired: policy.MarginRequired,
	}
}

// LoadMetadata reads and validates a metadata file.
func LoadMetadata(path string) (Metadata, error) {
	var metadata Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.Layout == "" {
		metadata.Layout = LayoutNHWC
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}
	if err := metadata.Validate(); err != nil {
		return metadata, err
	}
	return metadata, nil
}

// Validate checks the metadata against the backbone it names.
func (m Metadata) Validate() error {
	v, err := backbone.Parse(m.Backbone)
	if err != nil {
		return err
	}
	if m.ImageSize != v.Resolution {
		return fmt.Errorf("image size %d does not match %s resolution %d", m.ImageSize, v.Name, v.Resolution)
	}
	if len(m.Classes) == 0 {
		return ErrNoClasses
	}
	if n := len(m.OutputShape); n == 0 || m.OutputShape[n-1] != int64(len(m.Classes)) {
		return fmt.Errorf("output shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	if m.Layout != LayoutNHWC && m.Layout != LayoutNCHW {
		return fmt.Errorf("unsupported layout %q", m.Layout)
	}
	if m.InputSize() != int64(v.Resolution*v.Resolution*preprocess.Channels) {
		return fmt.Errorf("input shape %v does not match a %dx%dx3 image", m.InputShape, v.Resolution, v.Resolution)
	}
	return nil
}

// InputSize is the number of values in one input tensor.
func (m Metadata) InputSize() int64 {
	if len(m.InputShape) == 0 {
		return 0
	}
	size := int64(1)
	for _, dim := range m.InputShape {
		size *= dim
	}
	return size
}

// Save writes the metadata atomically.
func (m Metadata) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// PredictionResponse is a decision plus the reason it was or was not confident.
type PredictionResponse struct {
	decision.Result
	ReasonCode string `json:"reason"`
}
