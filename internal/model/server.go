package model

import (
	"errors"
	"fmt"
	"image"
	"log"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/robovision/internal/backbone"
	"github.com/Brownie44l1/robovision/internal/decision"
	"github.com/Brownie44l1/robovision/internal/preprocess"
)

var (
	ErrInvalidImage = errors.New("invalid image")
	ErrInputSize    = errors.New("input size mismatch")
)

// ServerOptions configures NewServer. SharedLibraryPath is optional.
type ServerOptions struct {
	ModelPath         string
	MetadataPath      string
	SharedLibraryPath string
	Policy            decision.Policy
}

// Server runs the exported classifier with ONNX Runtime. The input and output
// tensors are shared, so Run calls are serialized.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	metadata     Metadata
	normalizer   *preprocess.Normalizer
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	opts         ServerOptions
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	s := &Server{opts: opts}
	if err := s.load(); err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	return s, nil
}

// load replaces the session with one built from the files on disk. Callers
// other than NewServer must hold s.mu.
func (s *Server) load() error {
	metadata, err := LoadMetadata(s.opts.MetadataPath)
	if err != nil {
		return err
	}
	variant, err := backbone.Parse(metadata.Backbone)
	if err != nil {
		return err
	}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(s.opts.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	s.release()
	s.session = session
	s.inputTensor = inputTensor
	s.outputTensor = outputTensor
	s.metadata = metadata
	s.normalizer = preprocess.NewNormalizer(variant)
	return nil
}

// Reload rereads the model artifact and metadata. The artifact is replaced
// by training checkpoints, so a long-running server should reload rather
// than assume it is current. On failure the previous session stays in use.
func (s *Server) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Info returns the metadata of the loaded model.
func (s *Server) Info() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

// Policy returns the decision policy applied to every prediction.
func (s *Server) Policy() decision.Policy { return s.opts.Policy }

// Predict runs a raw, already-normalized input tensor.
func (s *Server) Predict(inputData []float32) (*PredictionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(len(inputData)) != s.metadata.InputSize() {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, s.metadata.InputSize(), len(inputData))
	}
	return s.run(inputData)
}

// Classify decodes, normalizes and classifies raw image bytes.
func (s *Server) Classify(data []byte) (*PredictionResponse, error) {
	img, format, err := preprocess.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	log.Printf("Image format: %s, dimensions: %dx%d", format, img.Bounds().Dx(), img.Bounds().Dy())
	return s.ClassifyImage(img)
}

// ClassifyImage classifies a decoded image.
func (s *Server) ClassifyImage(img image.Image) (*PredictionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tensor := s.normalizer.Normalize(img)
	return s.run(layoutInput(tensor, s.metadata.Layout))
}

func (s *Server) run(inputData []float32) (*PredictionResponse, error) {
	copy(s.inputTensor.GetData(), inputData)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputData := make([]float32, len(s.outputTensor.GetData()))
	copy(outputData, s.outputTensor.GetData())
	return respond(outputData, s.metadata.Classes, s.opts.Policy)
}

func layoutInput(t *preprocess.Tensor, layout string) []float32 {
	if layout == LayoutNCHW {
		return t.CHW()
	}
	return t.Data
}

func respond(output []float32, classes []string, policy decision.Policy) (*PredictionResponse, error) {
	if len(output) > len(classes) {
		output = output[:len(classes)]
	}
	probs := decision.FromFloat32(output)
	if err := probs.Validate(); err != nil {
		log.Printf("Model output is not a probability vector: %v", err)
	}

	result, err := decision.Decide(probs, classes, policy)
	if err != nil {
		return nil, err
	}
	return &PredictionResponse{Result: result, ReasonCode: result.Reason()}, nil
}

func (s *Server) release() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
	ort.DestroyEnvironment()
}
