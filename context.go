// Package protlm trains masked language models of antibody protein sequences,
// optionally data-parallel across multiple processes or hosts.
//
// The model is an ESM-2 style transformer encoder over the Observed Antibody
// Space corpus; the distributed side follows the usual recipe: every rank holds
// a full model replica, consumes a disjoint shard of the data and the replicas
// are periodically reconciled (see the ddp package).
package protlm

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/proteinml/protlm/esm"
	"github.com/proteinml/protlm/oas"
	"github.com/proteinml/protlm/schedule"
)

// Hyperparameter names used by the root package, on top of the ones defined by
// the esm, schedule and gomlx packages.
const (
	// ParamNumEpochs is the number of passes over the training shard.
	ParamNumEpochs = "num_epochs"

	// ParamMaxSteps, if > 0, stops training after that many optimizer steps even
	// if the epochs aren't done. Used for short calibration runs.
	ParamMaxSteps = "max_steps"

	// ParamBatchSize is the per-process training batch size; ParamEvalBatchSize
	// the per-process evaluation one.
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"

	// ParamMaxLength is the tokenized sequence length, markers included.
	ParamMaxLength = "max_length"

	// ParamMLMProbability is the fraction of positions corrupted for the
	// masked-LM objective.
	ParamMLMProbability = "mlm_probability"

	// ParamTrainSampleCount, if > 0, caps the number of training sequences.
	ParamTrainSampleCount = "train_sample_count"

	// ParamSeed feeds variable initialization, shuffling and masking. All ranks
	// must use the same value.
	ParamSeed = "seed"

	// ParamLoggingSteps is how many optimizer steps pass between metric reports.
	ParamLoggingSteps = "logging_steps"

	// ParamGradAccumulationSteps is the number of micro-batches accumulated into
	// each optimizer step.
	ParamGradAccumulationSteps = "grad_accumulation_steps"

	// ParamSyncSteps is how many optimizer steps pass between cross-rank
	// parameter averaging rounds.
	ParamSyncSteps = "ddp_sync_steps"

	// ParamModelPreset selects one of esm.Presets.
	ParamModelPreset = "model_preset"

	// ParamColumn is the CSV column holding the amino-acid sequences.
	ParamColumn = "column"

	// ParamTokenizer, if set, is a HuggingFace repository to download the
	// vocabulary from, e.g. "facebook/esm2_t6_8M_UR50D". Empty uses the built-in
	// ESM-2 vocabulary.
	ParamTokenizer = "tokenizer"

	// ParamNumCheckpoints is how many checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"
)

// CreateDefaultContext creates a context.Context with the default hyperparameters.
// The defaults give the small 8M-parameter encoder, a batch of 8 sequences of up
// to 142 tokens per process, AdamW at 5e-5 with a linear schedule and no warmup,
// for one epoch.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamSeed:      42,
		ParamNumEpochs: 1,
		ParamMaxSteps:  -1,

		ParamBatchSize:        8,
		ParamEvalBatchSize:    8,
		ParamMaxLength:        142,
		ParamMLMProbability:   0.15,
		ParamTrainSampleCount: -1,
		ParamColumn:           oas.DefaultColumn,
		ParamTokenizer:        "",

		ParamLoggingSteps:          10,
		ParamGradAccumulationSteps: 1,
		ParamSyncSteps:             1,
		ParamNumCheckpoints:        3,

		ParamModelPreset:            "t6",
		esm.ParamVocabSize:          len(esm.DefaultVocab),
		activations.ParamActivation: "gelu",
		layers.ParamDropoutRate:     0.0,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    5e-5,
		optimizers.ParamAdamEpsilon:     1e-8,
		optimizers.ParamAdamWeightDecay: 0.01,

		schedule.ParamSchedule:    "linear",
		schedule.ParamWarmupSteps: 0,
		schedule.ParamTotalSteps:  0,
	})
	return ctx
}
