package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/robovision/internal/config"
	"github.com/Brownie44l1/robovision/internal/dataset"
)

type cliOptions struct {
	ratios dataset.SplitRatios
	raw    string
}

func main() {
	opts := parseFlags()
	if err := run(opts); err != nil {
		log.Fatalf("split: %v", err)
	}
}

func parseFlags() cliOptions {
	opts := cliOptions{ratios: dataset.DefaultSplitRatios()}
	flag.Float64Var(&opts.ratios.Train, "train", opts.ratios.Train, "Share of each class copied to the train split")
	flag.Float64Var(&opts.ratios.Validation, "val", opts.ratios.Validation, "Share copied to the val split")
	flag.Float64Var(&opts.ratios.Test, "test", opts.ratios.Test, "Share copied to the test split")
	flag.StringVar(&opts.raw, "raw", "", "Directory holding one folder per class (default: DATA_DIR/raw)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	return opts
}

func run(opts cliOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	raw := opts.raw
	if raw == "" {
		raw = cfg.RawDir()
	}

	log.Printf("Splitting %s into train/val/test (%.2f/%.2f/%.2f)", raw, opts.ratios.Train, opts.ratios.Validation, opts.ratios.Test)
	summary, err := dataset.Split(raw, dataset.SplitDirs{
		Train:      cfg.TrainDir(),
		Validation: cfg.ValDir(),
		Test:       cfg.TestDir(),
	}, cfg.Classes, opts.ratios, cfg.Seed)
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		return fmt.Errorf("%w under %s; add images to %s/<class>/ first", dataset.ErrNoImages, raw, raw)
	}

	for _, class := range cfg.Classes {
		c, ok := summary[class]
		if !ok {
			continue
		}
		log.Printf("%-10s train %4d  val %4d  test %4d", class, c.Train, c.Validation, c.Test)
	}
	log.Println("Dataset preparation complete. Next: run the scan tool, then train.")
	return nil
}
