package dataset

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/Brownie44l1/robovision/internal/model"
	"github.com/Brownie44l1/robovision/internal/preprocess"
)

// LoaderConfig controls batching. Shuffle reorders samples every pass;
// Augment applies preprocess.DefaultAugmentation to every image.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Augment   bool
	Seed      int64
}

// Loader decodes and normalizes an ImageFolder into batches.
type Loader struct {
	folder     *ImageFolder
	normalizer *preprocess.Normalizer
	config     LoaderConfig
	rng        *rand.Rand
}

func NewLoader(folder *ImageFolder, normalizer *preprocess.Normalizer, config LoaderConfig) *Loader {
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	return &Loader{
		folder:     folder,
		normalizer: normalizer,
		config:     config,
		rng:        rand.New(rand.NewSource(config.Seed)),
	}
}

// NumBatches returns the number of batches per pass.
func (l *Loader) NumBatches() int {
	return (l.folder.Len() + l.config.BatchSize - 1) / l.config.BatchSize
}

// Batches makes one pass over the data, calling fn for each batch in order.
func (l *Loader) Batches(ctx context.Context, fn func(model.Batch) error) error {
	samples := l.folder.Samples()
	if l.config.Shuffle {
		l.rng.Shuffle(len(samples), func(i, j int) {
			samples[i], samples[j] = samples[j], samples[i]
		})
	}

	for start := 0; start < len(samples); start += l.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+l.config.BatchSize, len(samples))

		batch := model.Batch{
			Inputs: make([]*preprocess.Tensor, 0, end-start),
			Labels: make([]int, 0, end-start),
		}
		for _, s := range samples[start:end] {
			img, _, err := preprocess.DecodeFile(s.Path)
			if err != nil {
				return fmt.Errorf("%s: %w", s.Path, err)
			}
			var tensor *preprocess.Tensor
			if l.config.Augment {
				tensor = l.normalizer.Augment(img, preprocess.DefaultAugmentation, l.rng)
			} else {
				tensor = l.normalizer.Normalize(img)
			}
			batch.Inputs = append(batch.Inputs, tensor)
			batch.Labels = append(batch.Labels, s.Label)
		}

		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}
