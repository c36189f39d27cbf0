// Package storage keeps uploaded images on disk.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/Brownie44l1/robovision/internal/dataset"
)

var (
	ErrEmptyFilename     = errors.New("no file selected")
	ErrUnsupportedFormat = errors.New("unsupported file type")
)

const timestampLayout = "20060102_150405"

// Uploads stores files under Dir as <timestamp>_<sanitized name>.
type Uploads struct {
	dir string
	now func() time.Time
}

func NewUploads(dir string) (*Uploads, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Uploads{dir: dir, now: time.Now}, nil
}

func (u *Uploads) Dir() string { return u.dir }

// Check rejects empty names and extensions that are not images.
func Check(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return ErrEmptyFilename
	}
	if !dataset.IsImageFile(filename) {
		return fmt.Errorf("%w: allowed %s", ErrUnsupportedFormat, strings.Join(dataset.Extensions, ", "))
	}
	return nil
}

// Save writes data and returns the stored file name.
func (u *Uploads) Save(filename string, data []byte) (string, error) {
	if err := Check(filename); err != nil {
		return "", err
	}
	name := u.now().Format(timestampLayout) + "_" + SecureFilename(filename)
	if err := os.WriteFile(filepath.Join(u.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	return name, nil
}

// SecureFilename reduces a client-supplied name to a flat ASCII file name.
// Accents are folded, path separators become underscores and anything else
// outside [A-Za-z0-9._-] is dropped. Leading dots and underscores are trimmed.
func SecureFilename(name string) string {
	name = norm.NFKD.String(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || unicode.IsSpace(r):
			b.WriteByte('_')
		case r > unicode.MaxASCII:
		case r == '.' || r == '_' || r == '-',
			'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
			b.WriteRune(r)
		}
	}

	out := strings.TrimLeft(b.String(), "._")
	if out == "" {
		return "upload"
	}
	return out
}
