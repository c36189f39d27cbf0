package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/robovision/internal/decision"
	"github.com/Brownie44l1/robovision/internal/history"
	"github.com/Brownie44l1/robovision/internal/model"
	"github.com/Brownie44l1/robovision/internal/storage"
)

var classes = []string{"human", "robot"}

// fakePredictor decides on a fixed probability vector; images are "valid"
// unless they start with "bad".
type fakePredictor struct {
	probs     []float64
	policy    decision.Policy
	reloads   int
	reloadErr error
}

func (f *fakePredictor) respond() (*model.PredictionResponse, error) {
	res, err := decision.Decide(f.probs, classes, f.policy)
	if err != nil {
		return nil, err
	}
	return &model.PredictionResponse{Result: res, ReasonCode: res.Reason()}, nil
}

func (f *fakePredictor) Predict([]float32) (*model.PredictionResponse, error) { return f.respond() }

func (f *fakePredictor) Classify(data []byte) (*model.PredictionResponse, error) {
	if bytes.HasPrefix(data, []byte("bad")) {
		return nil, fmt.Errorf("%w: unexpected EOF", model.ErrInvalidImage)
	}
	return f.respond()
}

func (f *fakePredictor) Info() model.Metadata {
	return model.Metadata{
		InputShape: []int64{1, 2, 2, 3},
		Classes:    classes,
		ImageSize:  224,
		Backbone:   "efficientnet_b0",
		Layout:     model.LayoutNHWC,
	}
}

func (f *fakePredictor) Policy() decision.Policy { return f.policy }

func (f *fakePredictor) Reload() error {
	f.reloads++
	return f.reloadErr
}

func newHandler(t *testing.T, probs []float64) (*Handler, *fakePredictor, *history.MemoryRepository, string) {
	p := &fakePredictor{probs: probs, policy: decision.Policy{Threshold: 0.6, MarginRequired: 0.15}}
	repo := history.NewMemoryRepository(0)
	dir := t.TempDir()
	uploads, err := storage.NewUploads(dir)
	require.NoError(t, err)
	h := NewHandler(Options{Predictor: p, History: repo, Uploads: uploads, MaxUploadBytes: 1 << 10})
	return h, p, repo, dir
}

func upload(t *testing.T, field, filename string, data []byte) *http.Request {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPredictFromImageConfident(t *testing.T) {
	h, _, repo, dir := newHandler(t, []float64{0.1, 0.9})

	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "image", "robot.png", []byte("image-bytes")))
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	require.Equal(t, true, out["success"])
	require.Equal(t, "robot", out["predicted_label"])
	require.Equal(t, "confident", out["reason"])
	require.InDelta(t, 0.8, out["margin"], 1e-9)

	filename := out["filename"].(string)
	require.True(t, strings.HasSuffix(filename, "_robot.png"))
	_, err := os.Stat(dir + "/" + filename)
	require.NoError(t, err)

	records, err := repo.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "robot", records[0].PredictedClass)
	require.Equal(t, filename, records[0].Filename)
}

func TestPredictFromImageUnknownIsOK(t *testing.T) {
	h, _, repo, _ := newHandler(t, []float64{0.55, 0.45})

	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "image", "blurry.jpg", []byte("image-bytes")))
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	require.Equal(t, "unknown", out["predicted_label"])
	require.Equal(t, "human", out["best_class"])
	require.Equal(t, "low_confidence", out["reason"])
	require.Equal(t, false, out["is_confident"])

	stats, err := repo.Statistics(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Unknown)
}

func TestPredictFromImageClientErrors(t *testing.T) {
	h, _, repo, _ := newHandler(t, []float64{0.1, 0.9})

	cases := []struct {
		name string
		req  *http.Request
		code int
	}{
		{"undecodable", upload(t, "image", "broken.png", []byte("bad-bytes")), http.StatusBadRequest},
		{"wrong field", upload(t, "file", "robot.png", []byte("image-bytes")), http.StatusBadRequest},
		{"wrong extension", upload(t, "image", "robot.txt", []byte("image-bytes")), http.StatusBadRequest},
		{"too large", upload(t, "image", "big.png", bytes.Repeat([]byte("x"), 4<<10)), http.StatusRequestEntityTooLarge},
		{"method", httptest.NewRequest(http.MethodGet, "/api/predict", nil), http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.PredictFromImage(rec, tc.req)
			require.Equal(t, tc.code, rec.Code)
			require.Contains(t, decode(t, rec), "error")
		})
	}

	stats, err := repo.Statistics(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Total)
}

func TestNoModelLoaded(t *testing.T) {
	h := NewHandler(Options{})

	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "image", "robot.png", []byte("image-bytes")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ModelInfo(rec, httptest.NewRequest(http.MethodGet, "/api/model-info", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	require.Equal(t, false, out["model_loaded"])
	require.Equal(t, false, out["history_connected"])
}

func TestPredictRaw(t *testing.T) {
	h, _, _, _ := newHandler(t, []float64{0.9, 0.1})

	body, _ := json.Marshal(model.PredictionRequest{Image: make([]float32, 12)})
	rec := httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "human", decode(t, rec)["predicted_label"])

	body, _ = json.Marshal(model.PredictionRequest{Image: make([]float32, 5)})
	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("{")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryAndStatistics(t *testing.T) {
	h, _, repo, _ := newHandler(t, []float64{0.1, 0.9})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Save(ctx, &history.Record{PredictedClass: "robot", Confidence: 0.9}))
	}

	rec := httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	require.Equal(t, float64(2), out["count"])

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Statistics(rec, httptest.NewRequest(http.MethodGet, "/api/statistics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)["statistics"].(map[string]any)
	require.Equal(t, float64(3), stats["total"])
}

func TestModelInfoAndReload(t *testing.T) {
	h, p, _, _ := newHandler(t, []float64{0.1, 0.9})

	rec := httptest.NewRecorder()
	h.ModelInfo(rec, httptest.NewRequest(http.MethodGet, "/api/model-info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	require.Equal(t, "efficientnet_b0", out["backbone"])
	require.Equal(t, float64(2), out["num_classes"])

	rec = httptest.NewRecorder()
	h.Reload(rec, httptest.NewRequest(http.MethodPost, "/api/model/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, p.reloads)

	p.reloadErr = errors.New("metadata missing")
	rec = httptest.NewRecorder()
	h.Reload(rec, httptest.NewRequest(http.MethodPost, "/api/model/reload", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReloadLoadsModelWhenNoneLoaded(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(Options{}).Reload(rec, httptest.NewRequest(http.MethodPost, "/api/model/reload", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var loadErr error = errors.New("model artifact missing")
	loads := 0
	p := &fakePredictor{probs: []float64{0.1, 0.9}, policy: decision.Policy{Threshold: 0.6, MarginRequired: 0.15}}
	h := NewHandler(Options{Load: func() (Predictor, error) {
		loads++
		if loadErr != nil {
			return nil, loadErr
		}
		return p, nil
	}})

	rec = httptest.NewRecorder()
	h.Reload(rec, httptest.NewRequest(http.MethodPost, "/api/model/reload", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "image", "robot.png", []byte("image-bytes")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	loadErr = nil
	rec = httptest.NewRecorder()
	h.Reload(rec, httptest.NewRequest(http.MethodPost, "/api/model/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "efficientnet_b0", decode(t, rec)["backbone"])
	require.Equal(t, 2, loads)
	require.Zero(t, p.reloads)

	rec = httptest.NewRecorder()
	h.PredictFromImage(rec, upload(t, "image", "robot.png", []byte("image-bytes")))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "robot", decode(t, rec)["predicted_label"])

	rec = httptest.NewRecorder()
	h.Reload(rec, httptest.NewRequest(http.MethodPost, "/api/model/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, loads)
	require.Equal(t, 1, p.reloads)
}
