package esm

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"

	"github.com/proteinml/protlm/schedule"
)

// Context hyperparameter keys for the model graph.
const (
	// ParamVocabSize is the number of tokens in the vocabulary.
	ParamVocabSize = "esm_vocab_size"

	// ParamEmbedDim is the residue embedding dimension.
	ParamEmbedDim = "esm_embed_dim"

	// ParamNumLayers is the number of stacked encoder layers.
	ParamNumLayers = "esm_num_layers"

	// ParamNumHeads is the number of attention heads per layer.
	ParamNumHeads = "esm_num_heads"

	// ParamFFNDim is the hidden dimension of the per-layer feed-forward block.
	// If 0 it defaults to 4*ParamEmbedDim.
	ParamFFNDim = "esm_ffn_dim"

	// ParamMaxPositions is the size of the learned positional embedding table.
	ParamMaxPositions = "esm_max_positions"
)

// DType used by the model weights and activations.
var DType = dtypes.Float32

// MaskedLMGraph implements train.ModelFn for the masked-LM objective.
//
// Inputs: tokens (int32 [batch, seqLen]) and a validity mask (bool [batch, seqLen],
// false on padding). It returns the per-position vocabulary logits, shaped
// [batch, seqLen, vocabSize].
func MaskedLMGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	tokens, valid := inputs[0], inputs[1]
	g := tokens.Graph()

	// Learning-rate schedule: only has an effect during training steps.
	schedule.FromContext(ctx, g, DType)

	vocabSize := context.GetParamOr(ctx, ParamVocabSize, len(DefaultVocab))
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, 320)
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 6)
	numHeads := context.GetParamOr(ctx, ParamNumHeads, 20)
	ffnDim := context.GetParamOr(ctx, ParamFFNDim, 0)
	if ffnDim == 0 {
		ffnDim = 4 * embedDim
	}
	maxPositions := context.GetParamOr(ctx, ParamMaxPositions, 1026)

	batchSize := tokens.Shape().Dimensions[0]
	seqLen := tokens.Shape().Dimensions[1]
	headDim := embedDim / numHeads

	var dropoutRate *Node
	if rate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0); rate > 0 {
		dropoutRate = Scalar(g, DType, rate)
	}

	// Token embeddings plus a learned positional embedding table.
	embedCtx := ctx.In("embeddings")
	embed := layers.Embedding(embedCtx.In("tokens"), tokens, DType, vocabSize, embedDim)
	posTable := embedCtx.In("positions").
		VariableWithShape("embeddings", shapes.Make(DType, maxPositions, embedDim)).
		ValueGraph(g)
	pos := Slice(posTable, AxisRange(0, seqLen))
	pos = ExpandDims(pos, 0)
	pos = BroadcastToShape(pos, embed.Shape())
	x := Add(embed, pos)

	// Stacked encoder layers, pre-norm as in ESM.
	for layer := range numLayers {
		layerCtx := ctx.Inf("layer_%d", layer)

		residual := x
		x = layers.LayerNormalization(layerCtx.In("attn_norm"), x, -1).Done()
		x = attention.MultiHeadAttention(layerCtx.In("attn"), x, x, x, numHeads, headDim).
			WithKeyMask(valid).WithQueryMask(valid).
			WithOutputDim(embedDim).
			Done()
		if dropoutRate != nil {
			x = layers.Dropout(layerCtx.In("attn_dropout"), x, dropoutRate)
		}
		x = Add(residual, x)

		residual = x
		x = layers.LayerNormalization(layerCtx.In("ffn_norm"), x, -1).Done()
		x = layers.Dense(layerCtx.In("ffn_up"), x, true, ffnDim)
		x = activations.ApplyFromContext(layerCtx, x)
		x = layers.Dense(layerCtx.In("ffn_down"), x, true, embedDim)
		if dropoutRate != nil {
			x = layers.Dropout(layerCtx.In("ffn_dropout"), x, dropoutRate)
		}
		x = Add(residual, x)
	}
	x = layers.LayerNormalization(ctx.In("final_norm"), x, -1).Done()

	// Masked-LM head.
	headCtx := ctx.In("mlm_head")
	x = layers.Dense(headCtx.In("dense"), x, true, embedDim)
	x = activations.ApplyFromContext(headCtx, x)
	x = layers.LayerNormalization(headCtx.In("norm"), x, -1).Done()
	logits := layers.Dense(headCtx.In("output"), x, true, vocabSize)

	logits.AssertDims(batchSize, seqLen, vocabSize)
	return []*Node{logits}
}
