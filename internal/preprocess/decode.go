package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
)

var ErrEmptyImage = errors.New("empty image data")

// Decode fully decodes png, jpeg, gif or bmp data. A valid header followed by
// a truncated body is an error. For GIFs every frame is decoded.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	if format == "gif" {
		if _, err := gif.DecodeAll(bytes.NewReader(data)); err != nil {
			return nil, "", fmt.Errorf("failed to decode gif frames: %w", err)
		}
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, "", ErrEmptyImage
	}

	return img, format, nil
}

// DecodeFile reads and decodes the image at path.
func DecodeFile(path string) (image.Image, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	return Decode(data)
}
