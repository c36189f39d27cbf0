package preprocess

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/Brownie44l1/robovision/internal/backbone"
)

// Augmentation holds the ranges random training transforms are drawn from.
// Rotation is a fraction of a full turn in either direction; Zoom, Contrast
// and Brightness are symmetric around no change.
type Augmentation struct {
	Flip       bool
	Rotation   float64
	Zoom       float64
	Contrast   float64
	Brightness float64
}

// DefaultAugmentation is the training augmentation for every backbone.
var DefaultAugmentation = Augmentation{
	Flip:       true,
	Rotation:   0.3,
	Zoom:       0.25,
	Contrast:   0.3,
	Brightness: 0.2,
}

// Augment normalizes img after a random flip, rotation, zoom, contrast and
// brightness change drawn from rng. The same rng state gives the same tensor.
func (n *Normalizer) Augment(img image.Image, a Augmentation, rng *rand.Rand) *Tensor {
	flip := rng.Intn(2) == 1
	angle := symmetric(rng, a.Rotation) * 2 * math.Pi
	zoom := 1 + symmetric(rng, a.Zoom)
	contrast := 1 + symmetric(rng, a.Contrast)
	brightness := symmetric(rng, a.Brightness)

	if angle != 0 || zoom != 1 {
		img = RotateZoom(img, angle, zoom)
	}
	t := n.Normalize(img)
	if a.Flip && flip {
		t = FlipHorizontal(t)
	}
	if contrast != 1 {
		t = n.AdjustContrast(t, contrast)
	}
	if brightness != 0 {
		t = n.AdjustBrightness(t, brightness)
	}
	return t
}

// symmetric returns a value in [-r, r), or 0 when r is 0. rng is advanced
// either way so one disabled transform does not shift the others.
func symmetric(rng *rand.Rand, r float64) float64 {
	v := rng.Float64()
	if r == 0 {
		return 0
	}
	return (v*2 - 1) * r
}

// RotateZoom rotates img by angle radians about its center and scales it by
// zoom, keeping the original bounds. Uncovered corners are black.
func RotateZoom(img image.Image, angle, zoom float64) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	// dst = c + zoom*R(angle)*(src - min - c), with c the center.
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	ox, oy := float64(b.Min.X)+cx, float64(b.Min.Y)+cy
	sin, cos := math.Sincos(angle)
	m := f64.Aff3{
		zoom * cos, -zoom * sin, cx - zoom*(cos*ox-sin*oy),
		zoom * sin, zoom * cos, cy - zoom*(sin*ox+cos*oy),
	}
	draw.BiLinear.Transform(dst, m, img, b, draw.Over, nil)
	return dst
}

// AdjustContrast scales every channel around its mean by factor, clamped to
// the range a 0..255 pixel maps to.
func (n *Normalizer) AdjustContrast(t *Tensor, factor float64) *Tensor {
	out := &Tensor{Width: t.Width, Height: t.Height, Channels: t.Channels, Data: make([]float32, len(t.Data))}
	pixels := t.Width * t.Height
	for c := 0; c < t.Channels; c++ {
		var sum float64
		for i := c; i < len(t.Data); i += t.Channels {
			sum += float64(t.Data[i])
		}
		mean := sum / float64(pixels)
		lo, hi := n.bounds(c)
		for i := c; i < len(t.Data); i += t.Channels {
			out.Data[i] = clamp(float32((float64(t.Data[i])-mean)*factor+mean), lo, hi)
		}
	}
	return out
}

// AdjustBrightness shifts every pixel by delta on the 0..1 scale, clamped to
// the range a 0..255 pixel maps to.
func (n *Normalizer) AdjustBrightness(t *Tensor, delta float64) *Tensor {
	out := &Tensor{Width: t.Width, Height: t.Height, Channels: t.Channels, Data: make([]float32, len(t.Data))}
	for i, v := range t.Data {
		c := i % t.Channels
		lo, hi := n.bounds(c)
		shift := float32(delta)
		if n.variant.Scheme == backbone.SchemeImageNet {
			shift /= ImageNetStd[c]
		}
		out.Data[i] = clamp(v+shift, lo, hi)
	}
	return out
}

func (n *Normalizer) bounds(channel int) (float32, float32) {
	return n.scale(channel, 0), n.scale(channel, 255)
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
