package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Brownie44l1/robovision/internal/backbone"
	"github.com/Brownie44l1/robovision/internal/decision"
)

type Config struct {
	Backbone string
	Classes  []string

	ConfidenceThreshold float64
	MarginRequired      float64

	Epochs                int
	FineTuneEpochs        int
	LearningRate          float64
	FineTuneLearningRate  float64
	FineTuneAt            *int
	BatchSize             int
	EarlyStoppingPatience int
	LRPatience            int
	LRFactor              float64
	MinLearningRate       float64
	Seed                  int64

	DataDir      string
	ModelPath    string
	MetadataPath string
	ReportPath   string
	PlotPath     string
	UploadDir    string

	MaxUploadBytes int64
	Port           string
	OnnxLibrary    string

	RuntimeURL     string
	RuntimeTimeout time.Duration
}

// Load reads .env (if present) and then the environment. Unset variables
// take their defaults; malformed ones are an error.
func Load() (*Config, error) {
	cfg, err := LoadUnvalidated()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnvalidated parses like Load but leaves Validate to the caller, so
// command-line overrides can be applied first.
func LoadUnvalidated() (*Config, error) {
	_ = godotenv.Load()

	p := parser{}
	cfg := &Config{
		Backbone: p.str("MODEL_BACKBONE", "efficientnet_b0"),
		Classes:  p.list("CLASS_NAMES", []string{"human", "robot"}),

		ConfidenceThreshold: p.float("CONFIDENCE_THRESHOLD", 0.6),
		MarginRequired:      p.float("MARGIN_REQUIRED", 0.15),

		Epochs:                p.int("EPOCHS", 10),
		FineTuneEpochs:        p.int("FINE_TUNE_EPOCHS", 5),
		LearningRate:          p.float("LEARNING_RATE", 0.001),
		FineTuneLearningRate:  p.float("FINE_TUNE_LEARNING_RATE", 0.00001),
		FineTuneAt:            p.optionalInt("FINE_TUNE_AT", -20),
		BatchSize:             p.int("BATCH_SIZE", 32),
		EarlyStoppingPatience: p.int("EARLY_STOPPING_PATIENCE", 5),
		LRPatience:            p.int("LR_PATIENCE", 3),
		LRFactor:              p.float("LR_FACTOR", 0.5),
		MinLearningRate:       p.float("MIN_LEARNING_RATE", 1e-7),
		Seed:                  int64(p.int("SEED", 42)),

		DataDir:      p.str("DATA_DIR", "data"),
		ModelPath:    p.str("MODEL_PATH", filepath.Join("models", "model.onnx")),
		MetadataPath: p.str("METADATA_PATH", filepath.Join("models", "model_metadata.json")),
		ReportPath:   p.str("REPORT_PATH", "training_report.json"),
		PlotPath:     p.str("PLOT_PATH", "training_history.png"),
		UploadDir:    p.str("UPLOAD_DIR", "uploads"),

		MaxUploadBytes: int64(p.int("MAX_UPLOAD_BYTES", 16<<20)),
		Port:           p.str("PORT", "8080"),
		OnnxLibrary:    p.str("ONNXRUNTIME_LIB", ""),

		RuntimeURL:     p.str("RUNTIME_URL", "http://localhost:8500"),
		RuntimeTimeout: p.duration("RUNTIME_TIMEOUT", 10*time.Minute),
	}
	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	if _, err := backbone.Parse(c.Backbone); err != nil {
		return err
	}
	if len(c.Classes) == 0 {
		return fmt.Errorf("CLASS_NAMES must list at least one class")
	}
	seen := make(map[string]bool, len(c.Classes))
	for _, name := range c.Classes {
		if seen[name] {
			return fmt.Errorf("CLASS_NAMES: duplicate class %q", name)
		}
		seen[name] = true
	}

	switch {
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1:
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be in [0, 1], got %g", c.ConfidenceThreshold)
	case c.MarginRequired < 0 || c.MarginRequired > 1:
		return fmt.Errorf("MARGIN_REQUIRED must be in [0, 1], got %g", c.MarginRequired)
	case c.Epochs < 0 || c.FineTuneEpochs < 0:
		return fmt.Errorf("epoch counts must not be negative")
	case c.LearningRate <= 0 || c.FineTuneLearningRate <= 0:
		return fmt.Errorf("learning rates must be positive")
	case c.BatchSize <= 0:
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	case c.LRFactor <= 0 || c.LRFactor >= 1:
		return fmt.Errorf("LR_FACTOR must be in (0, 1), got %g", c.LRFactor)
	case c.EarlyStoppingPatience <= 0 || c.LRPatience <= 0:
		return fmt.Errorf("patience values must be positive")
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// Variant is the backbone variant; Load has already validated the name.
func (c *Config) Variant() backbone.Variant {
	v, _ := backbone.Parse(c.Backbone)
	return v
}

func (c *Config) Policy() decision.Policy {
	return decision.Policy{Threshold: c.ConfidenceThreshold, MarginRequired: c.MarginRequired}
}

func (c *Config) RawDir() string   { return filepath.Join(c.DataDir, "raw") }
func (c *Config) TrainDir() string { return filepath.Join(c.DataDir, "train") }
func (c *Config) ValDir() string   { return filepath.Join(c.DataDir, "val") }
func (c *Config) TestDir() string  { return filepath.Join(c.DataDir, "test") }

// parser collects the first malformed variable.
type parser struct {
	err error
}

func (p *parser) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok {
		return v
	}
	return def
}

func (p *parser) list(key string, def []string) []string {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) int(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

// optionalInt treats "disabled", "none" and "off" as nil.
func (p *parser) optionalInt(key string, def int) *int {
	v, ok := p.lookup(key)
	if !ok {
		return &def
	}
	switch strings.ToLower(v) {
	case "disabled", "none", "off":
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return &def
	}
	return &n
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
