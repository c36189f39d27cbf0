package backbone

import "fmt"

// Layer is one internal layer of a loaded backbone.
type Layer struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Trainable bool   `json:"trainable"`
}

// Backbone is a loaded feature extractor. The variant and layer order never
// change; only the per-layer Trainable flags do.
type Backbone struct {
	variant Variant
	layers  []Layer
}

// New wraps the ordered layer names reported by the runtime. Every layer starts frozen.
func New(v Variant, layerNames []string) *Backbone {
	layers := make([]Layer, len(layerNames))
	for i, name := range layerNames {
		layers[i] = Layer{Index: i, Name: name}
	}
	return &Backbone{variant: v, layers: layers}
}

func (b *Backbone) Variant() Variant { return b.variant }

// Len returns the number of backbone layers.
func (b *Backbone) Len() int { return len(b.layers) }

// Layers returns a copy of the layer list.
func (b *Backbone) Layers() []Layer {
	out := make([]Layer, len(b.layers))
	copy(out, b.layers)
	return out
}

// TrainableCount returns how many layers are currently trainable.
func (b *Backbone) TrainableCount() int {
	n := 0
	for _, l := range b.layers {
		if l.Trainable {
			n++
		}
	}
	return n
}

// Clone returns an independent copy so a new model can own its own flags.
func (b *Backbone) Clone() *Backbone {
	return &Backbone{variant: b.variant, layers: b.Layers()}
}

// FreezeAll marks every layer non-trainable.
func (b *Backbone) FreezeAll() {
	for i := range b.layers {
		b.layers[i].Trainable = false
	}
}

// UnfreezeFrom freezes layers before boundary and unfreezes the rest.
func (b *Backbone) UnfreezeFrom(boundary int) error {
	if boundary < 0 || boundary > len(b.layers) {
		return fmt.Errorf("unfreeze boundary %d out of range [0, %d]", boundary, len(b.layers))
	}
	for i := range b.layers {
		b.layers[i].Trainable = i >= boundary
	}
	return nil
}

// ResolveUnfreezeBoundary turns a signed fine-tune offset into a layer index in
// [0, total]. Negative offsets count back from the end.
func ResolveUnfreezeBoundary(fineTuneAt, total int) int {
	if fineTuneAt < 0 {
		return max(total+fineTuneAt, 0)
	}
	return min(fineTuneAt, total)
}
