package esm

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Preset holds the architecture hyperparameters of one model size.
type Preset struct {
	NumLayers, EmbedDim, NumHeads int
}

// Presets of ESM-2 encoder sizes, keyed the way the checkpoint names do it:
// "t6" ~8M parameters, "t12" ~35M, "t30" ~150M.
var Presets = map[string]Preset{
	"t6":  {NumLayers: 6, EmbedDim: 320, NumHeads: 20},
	"t12": {NumLayers: 12, EmbedDim: 480, NumHeads: 20},
	"t30": {NumLayers: 30, EmbedDim: 640, NumHeads: 20},
}

// ApplyPreset writes the architecture parameters of the named preset into the context.
// Parameters already changed from their defaults by the user are still overwritten:
// apply the preset first, then individual overrides.
func ApplyPreset(ctx *context.Context, name string) error {
	preset, found := Presets[name]
	if !found {
		return errors.Errorf("unknown model preset %q, valid values are %v", name, maps.Keys(Presets))
	}
	ctx.SetParams(map[string]any{
		ParamNumLayers: preset.NumLayers,
		ParamEmbedDim:  preset.EmbedDim,
		ParamNumHeads:  preset.NumHeads,
	})
	return nil
}
