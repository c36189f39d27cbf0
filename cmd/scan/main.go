package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/robovision/internal/config"
	"github.com/Brownie44l1/robovision/internal/dataset"
)

// dirList collects a repeatable flag.
type dirList []string

func (d *dirList) String() string { return strings.Join(*d, ",") }

func (d *dirList) Set(v string) error {
	*d = append(*d, v)
	return nil
}

type cliOptions struct {
	delete    bool
	extraDirs dirList
	workers   int
}

func main() {
	opts := parseFlags()
	if err := run(opts); err != nil {
		log.Fatalf("scan: %v", err)
	}
}

func parseFlags() cliOptions {
	var opts cliOptions
	flag.BoolVar(&opts.delete, "delete", false, "Delete corrupt files after listing them")
	flag.Var(&opts.extraDirs, "extra-dir", "Additional directory to scan (repeatable)")
	flag.IntVar(&opts.workers, "workers", 0, "Decode workers (default: NumCPU)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-delete] [-extra-dir DIR]...\n\nScans the train, val and test splits for images that cannot be decoded.\n\n", filepath.Base(os.Args[0]))
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dirs := append([]string{cfg.TrainDir(), cfg.ValDir(), cfg.TestDir()}, opts.extraDirs...)
	corrupt, err := dataset.Scan(ctx, dirs, opts.workers)
	if err != nil {
		return err
	}

	if len(corrupt) == 0 {
		log.Println("No corrupt images detected.")
		return nil
	}

	log.Println("Found unreadable image files:")
	for _, f := range corrupt {
		log.Printf("  - %s: %s", f.Path, f.Err)
	}

	if !opts.delete {
		log.Println("Re-run with -delete to remove these files.")
		return nil
	}

	deleted, errs := dataset.Remove(corrupt)
	for _, err := range errs {
		log.Printf("  ! %v", err)
	}
	log.Printf("Deleted %d file(s).", deleted)
	if len(errs) > 0 {
		return fmt.Errorf("%d file(s) could not be deleted", len(errs))
	}
	return nil
}
