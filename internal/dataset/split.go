package dataset

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
)

// SplitRatios are the train/validation/test fractions; they must sum to 1.
type SplitRatios struct {
	Train      float64
	Validation float64
	Test       float64
}

func DefaultSplitRatios() SplitRatios {
	return SplitRatios{Train: 0.7, Validation: 0.15, Test: 0.15}
}

func (r SplitRatios) Validate() error {
	if r.Train < 0 || r.Validation < 0 || r.Test < 0 {
		return fmt.Errorf("split ratios must be non-negative: %+v", r)
	}
	if math.Abs(r.Train+r.Validation+r.Test-1) >= 0.01 {
		return fmt.Errorf("split ratios must sum to 1, got %.3f", r.Train+r.Validation+r.Test)
	}
	return nil
}

// SplitDirs are the three output roots.
type SplitDirs struct {
	Train      string
	Validation string
	Test       string
}

// SplitCounts is how many files of one class went to each split.
type SplitCounts struct {
	Train      int `json:"train"`
	Validation int `json:"validation"`
	Test       int `json:"test"`
}

// Split copies raw/<class>/* into the three roots using a seeded shuffle.
// Classes with no images are skipped with a log line.
func Split(raw string, dirs SplitDirs, classes []string, ratios SplitRatios, seed int64) (map[string]SplitCounts, error) {
	if err := ratios.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	summary := make(map[string]SplitCounts, len(classes))

	for _, class := range classes {
		entries, err := os.ReadDir(filepath.Join(raw, class))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to list raw class %q: %w", class, err)
		}

		var files []string
		for _, entry := range entries {
			if !entry.IsDir() && IsImageFile(entry.Name()) {
				files = append(files, filepath.Join(raw, class, entry.Name()))
			}
		}
		if len(files) == 0 {
			log.Printf("No images found for class %q in %s", class, filepath.Join(raw, class))
			continue
		}

		sort.Strings(files)
		rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })

		nTrain := int(float64(len(files)) * ratios.Train)
		nVal := int(float64(len(files)) * ratios.Validation)

		parts := []struct {
			root  string
			files []string
		}{
			{dirs.Train, files[:nTrain]},
			{dirs.Validation, files[nTrain : nTrain+nVal]},
			{dirs.Test, files[nTrain+nVal:]},
		}
		for _, part := range parts {
			dest := filepath.Join(part.root, class)
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", dest, err)
			}
			for _, src := range part.files {
				if err := copyFile(src, filepath.Join(dest, filepath.Base(src))); err != nil {
					return nil, err
				}
			}
		}

		summary[class] = SplitCounts{Train: nTrain, Validation: nVal, Test: len(files) - nTrain - nVal}
		log.Printf("Class %q: %d train, %d validation, %d test", class, nTrain, nVal, len(files)-nTrain-nVal)
	}

	return summary, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
