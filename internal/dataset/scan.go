package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/Brownie44l1/robovision/internal/preprocess"
)

// CorruptFile is an image that could not be fully decoded.
type CorruptFile struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// CorruptImagesError lists every unreadable image found by a scan.
type CorruptImagesError struct {
	Files []CorruptFile
}

func (e *CorruptImagesError) Error() string {
	paths := make([]string, len(e.Files))
	for i, f := range e.Files {
		paths[i] = f.Path
	}
	return fmt.Sprintf("%d unreadable image(s): %s", len(e.Files), strings.Join(paths, ", "))
}

// ImageFiles walks dir recursively and returns the supported image files.
// A missing directory yields no files.
func ImageFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return files, nil
}

// Scan fully decodes every image under dirs with a pool of workers and
// returns the ones that fail, sorted by path.
func Scan(ctx context.Context, dirs []string, workers int) ([]CorruptFile, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var paths []string
	for _, dir := range dirs {
		files, err := ImageFiles(dir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, files...)
	}

	jobs := make(chan string)
	var (
		mu      sync.Mutex
		corrupt []CorruptFile
		wg      sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if _, _, err := preprocess.DecodeFile(path); err != nil {
					mu.Lock()
					corrupt = append(corrupt, CorruptFile{Path: path, Err: err.Error()})
					mu.Unlock()
				}
			}
		}()
	}

	var cancelled error
submit:
	for _, path := range paths {
		select {
		case jobs <- path:
		case <-ctx.Done():
			cancelled = ctx.Err()
			break submit
		}
	}
	close(jobs)
	wg.Wait()

	if cancelled != nil {
		return nil, cancelled
	}

	sort.Slice(corrupt, func(i, j int) bool { return corrupt[i].Path < corrupt[j].Path })
	return corrupt, nil
}

// Gate is the training precondition: every image under Dirs must decode.
type Gate struct {
	Dirs    []string
	Workers int
}

// Check returns a *CorruptImagesError naming every unreadable file, or nil.
func (g Gate) Check(ctx context.Context) error {
	corrupt, err := Scan(ctx, g.Dirs, g.Workers)
	if err != nil {
		return err
	}
	if len(corrupt) > 0 {
		return &CorruptImagesError{Files: corrupt}
	}
	return nil
}

// Remove deletes the given files and returns how many were removed along
// with the per-file failures.
func Remove(files []CorruptFile) (int, []error) {
	var (
		deleted int
		errs    []error
	)
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", f.Path, err))
			continue
		}
		deleted++
	}
	return deleted, errs
}
