package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/robovision/internal/decision"
	"github.com/Brownie44l1/robovision/internal/preprocess"
)

func validMetadata() Metadata {
	return Metadata{
		InputShape:     []int64{1, 224, 224, 3},
		OutputShape:    []int64{1, 2},
		Classes:        []string{"human", "robot"},
		ImageSize:      224,
		Backbone:       "efficientnet_b0",
		Layout:         LayoutNHWC,
		InputName:      "input",
		OutputName:     "output",
		Threshold:      0.6,
		MarginRequired: 0.15,
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "model_metadata.json")
	md := validMetadata()
	require.NoError(t, md.Save(path))

	loaded, err := LoadMetadata(path)
	require.NoError(t, err)
	require.Equal(t, md, loaded)
	require.Equal(t, int64(224*224*3), loaded.InputSize())
}

func TestLoadMetadataDefaults(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "model_metadata.json")
	body := `{"input_shape":[1,224,224,3],"output_shape":[1,2],"classes":["human","robot"],"image_size":224,"backbone":"efficientnet_b0"}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	md, err := LoadMetadata(path)
	require.NoError(t, err)
	require.Equal(t, LayoutNHWC, md.Layout)
	require.Equal(t, "input", md.InputName)
	require.Equal(t, "output", md.OutputName)

	legacy := filepath.Join(dir, "legacy_metadata.json")
	body = `{"input_shape":[1,1,48,48],"output_shape":[1,7],"classes":["a","b","c","d","e","f","g"],"image_size":48}`
	require.NoError(t, os.WriteFile(legacy, []byte(body), 0o644))
	_, err = LoadMetadata(legacy)
	require.ErrorContains(t, err, "unknown backbone")
}

func TestMetadataValidate(t *testing.T) {
	md := validMetadata()
	md.Backbone = "mobilenet"
	require.Error(t, md.Validate())

	md = validMetadata()
	md.ImageSize = 240
	require.ErrorContains(t, md.Validate(), "does not match")

	md = validMetadata()
	md.OutputShape = []int64{1, 3}
	require.ErrorContains(t, md.Validate(), "does not match 2 classes")

	md = validMetadata()
	md.InputShape = []int64{1, 3, 240, 240}
	require.Error(t, md.Validate())

	md = validMetadata()
	md.Layout = "hwcn"
	require.Error(t, md.Validate())
}

func TestRespondAppliesPolicy(t *testing.T) {
	policy := decision.Policy{Threshold: 0.6, MarginRequired: 0.15}

	resp, err := respond([]float32{0.2, 0.8}, []string{"human", "robot"}, policy)
	require.NoError(t, err)
	require.Equal(t, "robot", resp.PredictedLabel)
	require.Equal(t, "confident", resp.ReasonCode)

	resp, err = respond([]float32{0.52, 0.48}, []string{"human", "robot"}, policy)
	require.NoError(t, err)
	require.Equal(t, decision.UnknownLabel, resp.PredictedLabel)
	require.Equal(t, "low_confidence", resp.ReasonCode)
}

func TestLayoutInput(t *testing.T) {
	tensor := &preprocess.Tensor{Width: 2, Height: 1, Channels: 3, Data: []float32{1, 2, 3, 4, 5, 6}}
	require.Equal(t, tensor.Data, layoutInput(tensor, LayoutNHWC))
	require.Equal(t, []float32{1, 4, 2, 5, 3, 6}, layoutInput(tensor, LayoutNCHW))
}
