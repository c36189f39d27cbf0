// Package preprocess turns decoded images into the tensors a backbone was
// pretrained on.
package preprocess

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/robovision/internal/backbone"
)

// ImageNet channel statistics, RGB order, on the 0..1 scale.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

const Channels = 3

// Tensor is a single image in HWC order: Data[(y*Width+x)*Channels+c].
type Tensor struct {
	Width    int
	Height   int
	Channels int
	Data     []float32
}

// Shape returns (width, height, channels).
func (t *Tensor) Shape() [3]int {
	return [3]int{t.Width, t.Height, t.Channels}
}

// At returns the value of channel c at (x, y).
func (t *Tensor) At(x, y, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}

// CHW returns a copy of the data laid out channel-major, as ONNX graphs
// exported with NCHW inputs expect.
func (t *Tensor) CHW() []float32 {
	plane := t.Width * t.Height
	out := make([]float32, len(t.Data))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			pixelIndex := y*t.Width + x
			for c := 0; c < t.Channels; c++ {
				out[c*plane+pixelIndex] = t.Data[pixelIndex*t.Channels+c]
			}
		}
	}
	return out
}

// FlipHorizontal returns a mirrored copy of t.
func FlipHorizontal(t *Tensor) *Tensor {
	out := &Tensor{Width: t.Width, Height: t.Height, Channels: t.Channels, Data: make([]float32, len(t.Data))}
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			src := (y*t.Width + x) * t.Channels
			dst := (y*t.Width + (t.Width - 1 - x)) * t.Channels
			copy(out.Data[dst:dst+t.Channels], t.Data[src:src+t.Channels])
		}
	}
	return out
}

// Normalizer maps images to the input format of one backbone variant. It holds
// no buffers and is safe for concurrent use.
type Normalizer struct {
	variant backbone.Variant
}

func NewNormalizer(v backbone.Variant) *Normalizer {
	return &Normalizer{variant: v}
}

func (n *Normalizer) Variant() backbone.Variant { return n.variant }

// Normalize stretches img to the backbone resolution, drops any alpha or
// palette, and applies the backbone's normalization scheme.
func (n *Normalizer) Normalize(img image.Image) *Tensor {
	width, height := n.variant.Width(), n.variant.Height()
	resized := resize.Resize(uint(width), uint(height), toRGB(img), resize.Bilinear)

	bounds := resized.Bounds()
	t := &Tensor{
		Width:    width,
		Height:   height,
		Channels: Channels,
		Data:     make([]float32, width*height*Channels),
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := (y*width + x) * Channels
			t.Data[idx] = n.scale(0, r>>8)
			t.Data[idx+1] = n.scale(1, g>>8)
			t.Data[idx+2] = n.scale(2, b>>8)
		}
	}

	return t
}

// NormalizeBytes decodes data and normalizes it.
func (n *Normalizer) NormalizeBytes(data []byte) (*Tensor, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return n.Normalize(img), nil
}

func (n *Normalizer) scale(channel int, v uint32) float32 {
	unit := float32(v) / 255.0
	if n.variant.Scheme == backbone.SchemeImageNet {
		return (unit - ImageNetMean[channel]) / ImageNetStd[channel]
	}
	return unit
}

// toRGB copies img into an opaque NRGBA image. Alpha is discarded rather than
// composited, so a transparent red pixel stays red.
func toRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 255
			out.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, c)
		}
	}
	return out
}
