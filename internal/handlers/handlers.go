package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Brownie44l1/robovision/internal/decision"
	"github.com/Brownie44l1/robovision/internal/history"
	"github.com/Brownie44l1/robovision/internal/model"
	"github.com/Brownie44l1/robovision/internal/storage"
)

const defaultHistoryLimit = 100

// Predictor is the loaded model as the handlers use it.
type Predictor interface {
	Predict(input []float32) (*model.PredictionResponse, error)
	Classify(data []byte) (*model.PredictionResponse, error)
	Info() model.Metadata
	Policy() decision.Policy
	Reload() error
}

// Options wires the optional collaborators. A nil Predictor means no model
// is loaded; a nil History means no history store is connected. Load builds
// a predictor from the artifact on disk when a reload finds none loaded.
type Options struct {
	Predictor      Predictor
	Load           func() (Predictor, error)
	History        history.Repository
	Uploads        *storage.Uploads
	MaxUploadBytes int64
}

type Handler struct {
	mu        sync.RWMutex
	predictor Predictor
	load      func() (Predictor, error)
	history   history.Repository
	uploads   *storage.Uploads
	maxUpload int64
	now       func() time.Time
}

func NewHandler(opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 16 << 20
	}
	return &Handler{
		predictor: opts.Predictor,
		load:      opts.Load,
		history:   opts.History,
		uploads:   opts.Uploads,
		maxUpload: opts.MaxUploadBytes,
		now:       time.Now,
	}
}

// ImagePrediction is the reply to an uploaded image.
type ImagePrediction struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename,omitempty"`
	*model.PredictionResponse
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) current() Predictor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.predictor
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"model_loaded":      h.current() != nil,
		"history_connected": h.history != nil,
		"timestamp":         h.now().UTC(),
	})
}

// Predict runs an already-normalized input tensor.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	predictor := h.current()
	if predictor == nil {
		writeError(w, http.StatusServiceUnavailable, "Model not loaded. Please train the model first.")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	expectedSize := predictor.Info().InputSize()
	if int64(len(req.Image)) != expectedSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)))
		return
	}

	result, err := predictor.Predict(req.Image)
	if err != nil {
		log.Printf("Prediction error: %v", err)
		writeError(w, http.StatusInternalServerError, "Prediction failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PredictFromImage classifies a multipart upload in the "image" field. An
// undecodable image is a client error; an "unknown" decision is a normal reply.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	predictor := h.current()
	if predictor == nil {
		writeError(w, http.StatusServiceUnavailable, "Model not loaded. Please train the model first.")
		return
	}

	tooLarge := func() {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File too large. Maximum size: %d bytes", h.maxUpload))
	}
	if r.ContentLength > h.maxUpload {
		tooLarge()
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge()
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided. Use 'image' as the form field name")
		return
	}
	defer file.Close()

	if err := storage.Check(header.Filename); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read image")
		return
	}
	log.Printf("Received file: %s, size: %d bytes", header.Filename, len(data))

	result, err := predictor.Classify(data)
	if err != nil {
		if errors.Is(err, model.ErrInvalidImage) {
			writeError(w, http.StatusBadRequest, "Invalid image. Supported: PNG, JPEG, GIF, BMP")
			return
		}
		log.Printf("Prediction error: %v", err)
		writeError(w, http.StatusInternalServerError, "Prediction failed")
		return
	}

	filename := header.Filename
	if h.uploads != nil {
		saved, err := h.uploads.Save(header.Filename, data)
		if err != nil {
			log.Printf("Warning: could not save upload: %v", err)
		} else {
			filename = saved
		}
	}

	if h.history != nil {
		rec := &history.Record{
			Filename:       filename,
			PredictedClass: result.PredictedLabel,
			BestClass:      result.BestClass,
			Confidence:     result.Confidence,
			IsConfident:    result.IsConfident,
		}
		if err := h.history.Save(r.Context(), rec); err != nil {
			log.Printf("Warning: could not record prediction: %v", err)
		}
	}

	log.Printf("Prediction: %s -> %s (%.2f%%, %s)", filename, result.PredictedLabel, result.Confidence*100, result.ReasonCode)
	writeJSON(w, http.StatusOK, ImagePrediction{
		Success:            true,
		Filename:           filename,
		PredictionResponse: result,
		Timestamp:          h.now().UTC(),
	})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "History store not connected")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Could not retrieve history: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"count":       len(records),
		"predictions": records,
	})
}

func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "History store not connected")
		return
	}
	stats, err := h.history.Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Could not retrieve statistics: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "statistics": stats})
}

func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	predictor := h.current()
	if predictor == nil {
		writeError(w, http.StatusServiceUnavailable, "Model not loaded")
		return
	}
	info := predictor.Info()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"backbone":    info.Backbone,
		"input_size":  [2]int{info.ImageSize, info.ImageSize},
		"classes":     info.Classes,
		"num_classes": len(info.Classes),
		"layout":      info.Layout,
		"policy":      predictor.Policy(),
	})
}

// Reload swaps in the model artifact currently on disk. With no model loaded
// it builds one through Options.Load.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	h.mu.Lock()
	predictor, err := h.reloadLocked()
	h.mu.Unlock()
	if errors.Is(err, errNoLoader) {
		writeError(w, http.StatusServiceUnavailable, "Model not loaded")
		return
	}
	if err != nil {
		log.Printf("Reload failed: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Reload failed: %v", err))
		return
	}
	info := predictor.Info()
	log.Printf("Model reloaded: %s, classes %v", info.Backbone, info.Classes)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "backbone": info.Backbone, "classes": info.Classes})
}

var errNoLoader = errors.New("no model loader")

func (h *Handler) reloadLocked() (Predictor, error) {
	if h.predictor != nil {
		return h.predictor, h.predictor.Reload()
	}
	if h.load == nil {
		return nil, errNoLoader
	}
	p, err := h.load()
	if err != nil {
		return nil, err
	}
	h.predictor = p
	return p, nil
}
