// Package sidecar drives an external tensor runtime over HTTP/JSON. The
// runtime owns weights and kernels; this client only ships graphs, batches
// and commands to it.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Brownie44l1/robovision/internal/backbone"
	"github.com/Brownie44l1/robovision/internal/model"
)

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8500",
		Timeout:       10 * time.Minute,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// APIError is a non-2xx reply from the runtime.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runtime returned %d: %s", e.Status, e.Message)
}

// Client implements model.Runtime.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     Config
}

func New(config Config) *Client {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
	}
}

// CheckHealth retries until the runtime answers or the attempts run out.
func (c *Client) CheckHealth(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.config.RetryAttempts; attempt++ {
		if lastErr = c.do(ctx, http.MethodGet, "/health", nil, nil); lastErr == nil {
			return nil
		}
		if attempt < c.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}
	}
	return fmt.Errorf("runtime at %s unavailable after %d attempts: %w", c.baseURL, c.config.RetryAttempts, lastErr)
}

type backboneRequest struct {
	Name       string `json:"name"`
	Resolution int    `json:"resolution"`
	Scheme     string `json:"normalization"`
	Weights    string `json:"weights"`
}

type backboneResponse struct {
	Layers []string `json:"layers"`
}

func (c *Client) LoadBackbone(ctx context.Context, v backbone.Variant) ([]string, error) {
	weights := "imagenet"
	if v.ID == backbone.CustomCNN {
		weights = "none"
	}
	var resp backboneResponse
	err := c.do(ctx, http.MethodPost, "/v1/backbones", backboneRequest{
		Name:       v.Name,
		Resolution: v.Resolution,
		Scheme:     v.Scheme.String(),
		Weights:    weights,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Layers, nil
}

type compileRequest struct {
	Graph   model.Graph          `json:"graph"`
	Compile model.CompileOptions `json:"compile"`
	From    model.WeightsRef     `json:"from,omitempty"`
}

type compileResponse struct {
	SessionID string `json:"session_id"`
}

func (c *Client) Compile(ctx context.Context, g model.Graph, opts model.CompileOptions, from model.WeightsRef) (model.Session, error) {
	var resp compileResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", compileRequest{Graph: g, Compile: opts, From: from}, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("runtime returned no session id")
	}
	return &Session{client: c, id: resp.SessionID, lr: opts.LearningRate}, nil
}

// do sends body as JSON and decodes a JSON reply into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

// send returns the response of a successful call; the caller closes it.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "robovision-train")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// Session is a compiled model living in the runtime.
type Session struct {
	client *Client
	id     string
	lr     float64
	closed bool
}

func (s *Session) path(op string) string {
	return "/v1/sessions/" + url.PathEscape(s.id) + op
}

type batchRequest struct {
	Shape  [3]int      `json:"shape"`
	Inputs [][]float32 `json:"inputs"`
	Labels []int       `json:"labels"`
}

func encodeBatch(b model.Batch) (batchRequest, error) {
	req := batchRequest{Inputs: make([][]float32, len(b.Inputs)), Labels: b.Labels}
	for i, t := range b.Inputs {
		if t == nil {
			return req, fmt.Errorf("batch input %d is empty", i)
		}
		shape := [3]int{t.Height, t.Width, t.Channels}
		if i == 0 {
			req.Shape = shape
		} else if shape != req.Shape {
			return req, fmt.Errorf("batch input %d has shape %v, want %v", i, shape, req.Shape)
		}
		req.Inputs[i] = t.Data
	}
	return req, nil
}

func (s *Session) step(ctx context.Context, op string, b model.Batch) (model.BatchResult, error) {
	var res model.BatchResult
	req, err := encodeBatch(b)
	if err != nil {
		return res, err
	}
	if err := s.client.do(ctx, http.MethodPost, s.path(op), req, &res); err != nil {
		return res, err
	}
	if len(res.Probabilities) != b.Len() {
		return res, fmt.Errorf("runtime returned %d predictions for a batch of %d", len(res.Probabilities), b.Len())
	}
	return res, nil
}

func (s *Session) TrainBatch(ctx context.Context, b model.Batch) (model.BatchResult, error) {
	return s.step(ctx, "/train", b)
}

func (s *Session) EvalBatch(ctx context.Context, b model.Batch) (model.BatchResult, error) {
	return s.step(ctx, "/evaluate", b)
}

func (s *Session) LearningRate() float64 { return s.lr }

func (s *Session) SetLearningRate(ctx context.Context, lr float64) error {
	body := map[string]float64{"learning_rate": lr}
	if err := s.client.do(ctx, http.MethodPut, s.path("/learning_rate"), body, nil); err != nil {
		return err
	}
	s.lr = lr
	return nil
}

func (s *Session) Snapshot(ctx context.Context) (model.WeightsRef, error) {
	var resp struct {
		Ref model.WeightsRef `json:"ref"`
	}
	if err := s.client.do(ctx, http.MethodPost, s.path("/snapshots"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

func (s *Session) Restore(ctx context.Context, ref model.WeightsRef) error {
	return s.client.do(ctx, http.MethodPost, s.path("/restore"), map[string]model.WeightsRef{"ref": ref}, nil)
}

// Save downloads the ONNX export and replaces path with it atomically.
func (s *Session) Save(ctx context.Context, path string) error {
	resp, err := s.client.send(ctx, http.MethodPost, s.path("/export"), map[string]string{"format": "onnx"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp model: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write model: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename model: %w", err)
	}
	return nil
}

// Close releases the session in the runtime. It is safe to call twice.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.do(context.Background(), http.MethodDelete, s.path(""), nil, nil)
}

var (
	_ model.Runtime = (*Client)(nil)
	_ model.Session = (*Session)(nil)
)
