package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/robovision/internal/backbone"
	"github.com/Brownie44l1/robovision/internal/model"
	"github.com/Brownie44l1/robovision/internal/preprocess"
)

// fakeRuntime records what the client sends.
type fakeRuntime struct {
	mu       sync.Mutex
	backbone backboneRequest
	compile  compileRequest
	batch    batchRequest
	lr       float64
	restored string
	deleted  []string
}

func (f *fakeRuntime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/backbones", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewDecoder(r.Body).Decode(&f.backbone)
		json.NewEncoder(w).Encode(backboneResponse{Layers: []string{"stem", "block1", "top"}})
	})
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewDecoder(r.Body).Decode(&f.compile)
		json.NewEncoder(w).Encode(compileResponse{SessionID: "s1"})
	})
	batch := func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewDecoder(r.Body).Decode(&f.batch)
		probs := make([][]float32, len(f.batch.Labels))
		for i := range probs {
			probs[i] = []float32{0.25, 0.75}
		}
		json.NewEncoder(w).Encode(model.BatchResult{Loss: 0.4, Probabilities: probs})
	}
	mux.HandleFunc("POST /v1/sessions/{id}/train", batch)
	mux.HandleFunc("POST /v1/sessions/{id}/evaluate", batch)
	mux.HandleFunc("PUT /v1/sessions/{id}/learning_rate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]float64
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lr = body["learning_rate"]
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /v1/sessions/{id}/snapshots", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"ref": r.PathValue("id") + "@1"})
	})
	mux.HandleFunc("POST /v1/sessions/{id}/restore", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.restored = body["ref"]
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /v1/sessions/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("onnx-bytes"))
	})
	mux.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newClient(t *testing.T) (*Client, *fakeRuntime) {
	f := &fakeRuntime{}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}), f
}

func tensor() *preprocess.Tensor {
	return &preprocess.Tensor{Width: 2, Height: 1, Channels: 3, Data: []float32{1, 2, 3, 4, 5, 6}}
}

func TestClientSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	c, f := newClient(t)

	require.NoError(t, c.CheckHealth(ctx))

	layers, err := c.LoadBackbone(ctx, backbone.EfficientNetB2.Variant())
	require.NoError(t, err)
	require.Equal(t, []string{"stem", "block1", "top"}, layers)
	require.Equal(t, "efficientnet_b2", f.backbone.Name)
	require.Equal(t, 260, f.backbone.Resolution)
	require.Equal(t, "imagenet", f.backbone.Weights)

	g := model.Graph{Name: "efficientnet_b2_classifier", NumClasses: 2, Head: model.DefaultHead(2)}
	s, err := c.Compile(ctx, g, model.DefaultCompileOptions(1e-3), "prev@3")
	require.NoError(t, err)
	require.Equal(t, model.WeightsRef("prev@3"), f.compile.From)
	require.Equal(t, "adam", f.compile.Compile.Optimizer)
	require.Len(t, f.compile.Graph.Head, len(g.Head))
	require.Equal(t, 1e-3, s.LearningRate())

	res, err := s.TrainBatch(ctx, model.Batch{Inputs: []*preprocess.Tensor{tensor(), tensor()}, Labels: []int{0, 1}})
	require.NoError(t, err)
	require.Equal(t, 0.4, res.Loss)
	require.Len(t, res.Probabilities, 2)
	require.Equal(t, [3]int{1, 2, 3}, f.batch.Shape)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, f.batch.Inputs[1])

	_, err = s.EvalBatch(ctx, model.Batch{Inputs: []*preprocess.Tensor{tensor()}, Labels: []int{1}})
	require.NoError(t, err)

	require.NoError(t, s.SetLearningRate(ctx, 5e-4))
	require.Equal(t, 5e-4, s.LearningRate())
	require.Equal(t, 5e-4, f.lr)

	ref, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, model.WeightsRef("s1@1"), ref)
	require.NoError(t, s.Restore(ctx, ref))
	require.Equal(t, "s1@1", f.restored)

	path := filepath.Join(t.TempDir(), "models", "model.onnx")
	require.NoError(t, s.Save(ctx, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "onnx-bytes", string(data))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, []string{"s1"}, f.deleted)
}

func TestClientRejectsMixedShapes(t *testing.T) {
	c, _ := newClient(t)
	s, err := c.Compile(context.Background(), model.Graph{NumClasses: 2}, model.DefaultCompileOptions(1e-3), "")
	require.NoError(t, err)

	other := &preprocess.Tensor{Width: 1, Height: 1, Channels: 3, Data: []float32{1, 2, 3}}
	_, err = s.TrainBatch(context.Background(), model.Batch{Inputs: []*preprocess.Tensor{tensor(), other}, Labels: []int{0, 1}})
	require.ErrorContains(t, err, "shape")
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"unknown backbone"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 2, RetryDelay: time.Millisecond})
	_, err := c.LoadBackbone(context.Background(), backbone.EfficientNetB0.Variant())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.Equal(t, "unknown backbone", apiErr.Message)

	require.Error(t, c.CheckHealth(context.Background()))
}
