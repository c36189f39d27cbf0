// Package backbone describes the pretrained feature extractors a classifier can
// be built on and tracks which of their layers are trainable.
package backbone

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownBackbone = errors.New("unknown backbone")

// Identity names one of the supported feature extractors.
type Identity int

const (
	EfficientNetB0 Identity = iota
	EfficientNetB1
	EfficientNetB2
	EfficientNetB3
	CustomCNN
)

// Scheme selects how pixel values are mapped before they reach the network.
type Scheme int

const (
	// SchemeImageNet subtracts the ImageNet channel mean and divides by its std.
	SchemeImageNet Scheme = iota
	// SchemeRescale maps 0..255 to 0..1.
	SchemeRescale
)

func (s Scheme) String() string {
	switch s {
	case SchemeImageNet:
		return "imagenet_mean_std"
	case SchemeRescale:
		return "rescale_unit"
	default:
		return "unknown"
	}
}

// Variant is the fixed data attached to an Identity.
type Variant struct {
	ID         Identity
	Name       string
	Resolution int
	Scheme     Scheme
}

// Width and Height of the expected input. All supported variants are square.
func (v Variant) Width() int { return v.Resolution }
func (v Variant) Height() int { return v.Resolution }

var variants = map[Identity]Variant{
	EfficientNetB0: {ID: EfficientNetB0, Name: "efficientnet_b0", Resolution: 224, Scheme: SchemeImageNet},
	EfficientNetB1: {ID: EfficientNetB1, Name: "efficientnet_b1", Resolution: 240, Scheme: SchemeImageNet},
	EfficientNetB2: {ID: EfficientNetB2, Name: "efficientnet_b2", Resolution: 260, Scheme: SchemeImageNet},
	EfficientNetB3: {ID: EfficientNetB3, Name: "efficientnet_b3", Resolution: 300, Scheme: SchemeImageNet},
	CustomCNN:      {ID: CustomCNN, Name: "custom_cnn", Resolution: 224, Scheme: SchemeRescale},
}

// Variant returns the data for id. It panics on an Identity outside the closed set.
func (id Identity) Variant() Variant {
	v, ok := variants[id]
	if !ok {
		panic(fmt.Sprintf("backbone: invalid identity %d", int(id)))
	}
	return v
}

func (id Identity) String() string {
	if v, ok := variants[id]; ok {
		return v.Name
	}
	return fmt.Sprintf("Identity(%d)", int(id))
}

// Names lists the supported backbone names in a stable order.
func Names() []string {
	names := make([]string, 0, len(variants))
	for _, v := range variants {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}

// Parse resolves a configured backbone name. Unknown names are an error; there
// is no default.
func Parse(name string) (Variant, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, v := range variants {
		if v.Name == key {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownBackbone, name, strings.Join(Names(), ", "))
}
