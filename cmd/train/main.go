package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/robovision/internal/config"
	"github.com/Brownie44l1/robovision/internal/dataset"
	"github.com/Brownie44l1/robovision/internal/model"
	"github.com/Brownie44l1/robovision/internal/preprocess"
	"github.com/Brownie44l1/robovision/internal/runtime/sidecar"
	"github.com/Brownie44l1/robovision/internal/training"
)

type cliOptions struct {
	backbone string
	epochs   int
	workers  int
	noTest   bool
}

func main() {
	opts := parseFlags()
	if err := run(opts); err != nil {
		var corrupt *dataset.CorruptImagesError
		if errors.As(err, &corrupt) {
			for _, f := range corrupt.Files {
				log.Printf("  %s: %s", f.Path, f.Err)
			}
			log.Fatalf("train: %d unreadable image(s); run the scan tool with -delete and retry", len(corrupt.Files))
		}
		log.Fatalf("train: %v", err)
	}
}

func parseFlags() cliOptions {
	var opts cliOptions
	flag.StringVar(&opts.backbone, "backbone", "", "Backbone to fine-tune (overrides MODEL_BACKBONE)")
	flag.IntVar(&opts.epochs, "epochs", -1, "Frozen-backbone epochs (overrides EPOCHS)")
	flag.IntVar(&opts.workers, "workers", 0, "Image decode workers for the dataset check (default: NumCPU)")
	flag.BoolVar(&opts.noTest, "no-test", false, "Skip test-set evaluation")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\nSettings are read from .env and the environment.\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	opts.backbone = strings.TrimSpace(opts.backbone)
	return opts
}

func run(opts cliOptions) error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.backbone != "" {
		cfg.Backbone = opts.backbone
	}
	if opts.epochs >= 0 {
		cfg.Epochs = opts.epochs
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	variant := cfg.Variant()
	normalizer := preprocess.NewNormalizer(variant)

	log.Println("Robot vs human classifier - training")
	log.Printf("Backbone: %s (%dx%d, %s normalization)", variant.Name, variant.Width(), variant.Height(), variant.Scheme)
	log.Printf("Classes: %v", cfg.Classes)

	dirs := []string{cfg.TrainDir(), cfg.ValDir()}
	train, err := dataset.LoadImageFolder(cfg.TrainDir(), cfg.Classes)
	if err != nil {
		return fmt.Errorf("training data: %w (run the split tool first)", err)
	}
	val, err := dataset.LoadImageFolder(cfg.ValDir(), cfg.Classes)
	if err != nil {
		return fmt.Errorf("validation data: %w", err)
	}
	log.Printf("Train: %s", train)
	log.Printf("Val:   %s", val)

	data := training.Data{
		Train: dataset.NewLoader(train, normalizer, dataset.LoaderConfig{
			BatchSize: cfg.BatchSize, Shuffle: true, Augment: true, Seed: cfg.Seed,
		}),
		Validation: dataset.NewLoader(val, normalizer, dataset.LoaderConfig{BatchSize: cfg.BatchSize}),
	}
	if !opts.noTest {
		test, err := dataset.LoadImageFolder(cfg.TestDir(), cfg.Classes)
		if err != nil {
			log.Printf("No test split, skipping evaluation: %v", err)
		} else {
			log.Printf("Test:  %s", test)
			dirs = append(dirs, cfg.TestDir())
			data.Test = dataset.NewLoader(test, normalizer, dataset.LoaderConfig{BatchSize: cfg.BatchSize})
		}
	}

	rt := sidecar.New(sidecar.Config{
		BaseURL:       cfg.RuntimeURL,
		Timeout:       cfg.RuntimeTimeout,
		RetryAttempts: 3,
		RetryDelay:    sidecar.DefaultConfig().RetryDelay,
	})
	if err := rt.CheckHealth(ctx); err != nil {
		return err
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	orch := training.New(rt, training.Config{
		Backbone:              cfg.Backbone,
		Classes:               cfg.Classes,
		Epochs:                cfg.Epochs,
		FineTuneEpochs:        cfg.FineTuneEpochs,
		LearningRate:          cfg.LearningRate,
		FineTuneLearningRate:  cfg.FineTuneLearningRate,
		FineTuneAt:            cfg.FineTuneAt,
		CheckpointPath:        cfg.ModelPath,
		EarlyStoppingPatience: cfg.EarlyStoppingPatience,
		LRPatience:            cfg.LRPatience,
		LRFactor:              cfg.LRFactor,
		MinLR:                 cfg.MinLearningRate,
		Policy:                cfg.Policy(),
	}, dataset.Gate{Dirs: dirs, Workers: opts.workers}, logger)

	res, err := orch.Run(ctx, data)
	if err != nil {
		return err
	}
	defer res.Model.Close()

	if err := model.NewMetadata(res.Model, cfg.Policy()).Save(cfg.MetadataPath); err != nil {
		return err
	}

	plotPath := cfg.PlotPath
	if err := training.PlotHistory(res.History, plotPath); err != nil {
		log.Printf("Warning: could not plot training history: %v", err)
		plotPath = ""
	}

	report := training.NewReport(training.ReportConfig{
		Backbone:             variant.Name,
		Classes:              cfg.Classes,
		InputSize:            [2]int{variant.Width(), variant.Height()},
		Epochs:               cfg.Epochs,
		FineTuneEpochs:       cfg.FineTuneEpochs,
		BatchSize:            cfg.BatchSize,
		LearningRate:         cfg.LearningRate,
		FineTuneLearningRate: cfg.FineTuneLearningRate,
		FineTuneAt:           cfg.FineTuneAt,
	}, cfg.Policy(), res, training.Artifacts{
		Model:    cfg.ModelPath,
		Metadata: cfg.MetadataPath,
		Report:   cfg.ReportPath,
		Plot:     plotPath,
	})
	if err := report.Save(cfg.ReportPath); err != nil {
		return err
	}

	log.Println("Training completed")
	log.Printf("Model saved to: %s", cfg.ModelPath)
	log.Printf("Metadata: %s", cfg.MetadataPath)
	log.Printf("Training report: %s (run %s)", cfg.ReportPath, report.RunID)
	if plotPath != "" {
		log.Printf("Training history plot: %s", plotPath)
	}
	log.Println(report.GoalMessage())
	return nil
}
