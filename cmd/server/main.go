package main

import (
	"log"
	"net/http"

	"github.com/Brownie44l1/robovision/internal/config"
	"github.com/Brownie44l1/robovision/internal/handlers"
	"github.com/Brownie44l1/robovision/internal/history"
	"github.com/Brownie44l1/robovision/internal/model"
	"github.com/Brownie44l1/robovision/internal/storage"
)

const historyCapacity = 10000

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	uploads, err := storage.NewUploads(cfg.UploadDir)
	if err != nil {
		log.Fatalf("Failed to prepare upload dir: %v", err)
	}

	opts := handlers.Options{
		History:        history.NewMemoryRepository(historyCapacity),
		Uploads:        uploads,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}

	loadModel := func() (handlers.Predictor, error) {
		modelServer, err := model.NewServer(model.ServerOptions{
			ModelPath:         cfg.ModelPath,
			MetadataPath:      cfg.MetadataPath,
			SharedLibraryPath: cfg.OnnxLibrary,
			Policy:            cfg.Policy(),
		})
		if err != nil {
			return nil, err
		}
		return modelServer, nil
	}
	opts.Load = loadModel

	log.Printf("Loading model from: %s", cfg.ModelPath)
	if p, err := loadModel(); err != nil {
		log.Printf("Model not loaded, prediction endpoints return 503 until POST /api/model/reload: %v", err)
	} else {
		opts.Predictor = p
		info := p.Info()
		log.Printf("Model loaded: %s (%s), classes %v", cfg.ModelPath, info.Backbone, info.Classes)
	}
	log.Printf("Uploads saved to: %s", uploads.Dir())

	handler := handlers.NewHandler(opts)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", enableCORS(handler.Health))
	mux.HandleFunc("/predict", enableCORS(handler.Predict))
	mux.HandleFunc("/api/predict", enableCORS(handler.PredictFromImage))
	mux.HandleFunc("/api/history", enableCORS(handler.History))
	mux.HandleFunc("/api/statistics", enableCORS(handler.Statistics))
	mux.HandleFunc("/api/model-info", enableCORS(handler.ModelInfo))
	mux.HandleFunc("/api/model/reload", enableCORS(handler.Reload))

	policy := cfg.Policy()
	log.Printf("Server starting on port %s", cfg.Port)
	log.Printf("Decision policy: threshold %.2f, margin %.2f", policy.Threshold, policy.MarginRequired)
	log.Println("Endpoints:")
	log.Println("  GET  /health            - Health check")
	log.Println("  POST /predict           - Raw tensor prediction")
	log.Println("  POST /api/predict       - Predict from image upload")
	log.Println("  GET  /api/history       - Recent predictions")
	log.Println("  GET  /api/statistics    - Prediction statistics")
	log.Println("  GET  /api/model-info    - Loaded model")
	log.Println("  POST /api/model/reload  - Reload model artifact")
	log.Printf("Upload test: curl -X POST -F \"image=@robot.jpg\" http://localhost:%s/api/predict", cfg.Port)

	if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
