package model

// HeadLayerKind is one of the layer types the classification head uses.
type HeadLayerKind string

const (
	GlobalAvgPool HeadLayerKind = "global_avg_pool"
	BatchNorm     HeadLayerKind = "batch_norm"
	Dropout       HeadLayerKind = "dropout"
	Dense         HeadLayerKind = "dense"
)

// HeadLayer describes one head layer. Units and Activation apply to Dense,
// Rate to Dropout.
type HeadLayer struct {
	Kind       HeadLayerKind `json:"kind"`
	Name       string        `json:"name"`
	Units      int           `json:"units,omitempty"`
	Activation string        `json:"activation,omitempty"`
	Rate       float64       `json:"rate,omitempty"`
}

// HeadBuilder appends head layers in order.
type HeadBuilder struct {
	layers []HeadLayer
}

func NewHeadBuilder() *HeadBuilder {
	return &HeadBuilder{}
}

func (hb *HeadBuilder) AddGlobalAvgPool(name string) *HeadBuilder {
	hb.layers = append(hb.layers, HeadLayer{Kind: GlobalAvgPool, Name: name})
	return hb
}

func (hb *HeadBuilder) AddBatchNorm(name string) *HeadBuilder {
	hb.layers = append(hb.layers, HeadLayer{Kind: BatchNorm, Name: name})
	return hb
}

func (hb *HeadBuilder) AddDropout(rate float64, name string) *HeadBuilder {
	hb.layers = append(hb.layers, HeadLayer{Kind: Dropout, Name: name, Rate: rate})
	return hb
}

func (hb *HeadBuilder) AddDense(units int, activation, name string) *HeadBuilder {
	hb.layers = append(hb.layers, HeadLayer{Kind: Dense, Name: name, Units: units, Activation: activation})
	return hb
}

func (hb *HeadBuilder) Build() []HeadLayer {
	out := make([]HeadLayer, len(hb.layers))
	copy(out, hb.layers)
	return out
}

// DefaultHead is pooling, normalization and dropout around one 256-unit ReLU
// projection, ending in a softmax over numClasses.
func DefaultHead(numClasses int) []HeadLayer {
	return NewHeadBuilder().
		AddGlobalAvgPool("global_avg_pool").
		AddBatchNorm("post_bn").
		AddDropout(0.4, "post_dropout").
		AddDense(256, "relu", "dense_1").
		AddBatchNorm("bn_1").
		AddDropout(0.3, "dropout_1").
		AddDense(numClasses, "softmax", "predictions").
		Build()
}
