// Package dataset reads directory-per-class image collections, rejects
// unreadable files and feeds normalized batches to training.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNoImages = errors.New("no images found")

// Extensions accepted as images, lower case.
var Extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp"}

// IsImageFile reports whether path has a supported image extension.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Sample is one labeled image file.
type Sample struct {
	Path  string
	Label int
}

// ImageFolder is a split directory laid out as root/<class>/<image>.
type ImageFolder struct {
	root    string
	classes []string
	samples []Sample
}

// LoadImageFolder lists root using the given class order for labels. Every
// class must have a directory; other directories are ignored.
func LoadImageFolder(root string, classes []string) (*ImageFolder, error) {
	f := &ImageFolder{root: root, classes: append([]string(nil), classes...)}

	for label, class := range classes {
		classDir := filepath.Join(root, class)
		entries, err := os.ReadDir(classDir)
		if err != nil {
			return nil, fmt.Errorf("failed to list class %q: %w", class, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !IsImageFile(entry.Name()) {
				continue
			}
			f.samples = append(f.samples, Sample{Path: filepath.Join(classDir, entry.Name()), Label: label})
		}
	}

	if len(f.samples) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, root)
	}

	sort.SliceStable(f.samples, func(i, j int) bool {
		if f.samples[i].Label != f.samples[j].Label {
			return f.samples[i].Label < f.samples[j].Label
		}
		return f.samples[i].Path < f.samples[j].Path
	})
	return f, nil
}

// Len returns the number of samples.
func (f *ImageFolder) Len() int { return len(f.samples) }

// Samples returns a copy of the sample list.
func (f *ImageFolder) Samples() []Sample {
	return append([]Sample(nil), f.samples...)
}

func (f *ImageFolder) Classes() []string {
	return append([]string(nil), f.classes...)
}

// ClassDistribution counts samples per class name.
func (f *ImageFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(f.classes))
	for _, s := range f.samples {
		dist[f.classes[s.Label]]++
	}
	return dist
}

func (f *ImageFolder) String() string {
	return fmt.Sprintf("ImageFolder(%s: %d images, %d classes)", f.root, len(f.samples), len(f.classes))
}
