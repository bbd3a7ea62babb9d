package schedule

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// lrExec builds an executor that evaluates the scheduled learning rate for the
// current optimizer global step.
func lrExec(t *testing.T, ctx *context.Context) *context.Exec {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	return context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		FromContext(ctx, g, dtypes.Float32)
		lrVar := optimizers.LearningRateVarWithValue(ctx.Checked(false), dtypes.Float32,
			context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
		return lrVar.ValueGraph(g)
	})
}

// lrSequence returns the learning rate the schedule produces at each optimizer
// global step in [0, numSteps).
func lrSequence(t *testing.T, params map[string]any, numSteps int) []float32 {
	t.Helper()
	ctx := context.New()
	ctx.SetParams(params)
	exec := lrExec(t, ctx)
	stepVar := optimizers.GetGlobalStepVar(ctx)
	lrs := make([]float32, numSteps)
	for step := range numSteps {
		require.NoError(t, stepVar.SetValue(tensors.FromScalar(int64(step))))
		lrs[step] = tensors.ToScalar[float32](exec.MustExec()[0])
	}
	return lrs
}

func TestLinearSchedule(t *testing.T) {
	lrs := lrSequence(t, map[string]any{
		ParamSchedule:                "linear",
		ParamWarmupSteps:             4,
		ParamTotalSteps:              20,
		optimizers.ParamLearningRate: 1e-2,
	}, 21)

	// Warmup ramps from 0 to the base learning rate over the first 4 steps.
	assert.InDelta(t, 0.0, lrs[0], 1e-8)
	assert.InDelta(t, 0.5e-2, lrs[2], 1e-6)
	assert.InDelta(t, 1e-2, lrs[4], 1e-6)

	// Then linear decay to 0 at the last step.
	assert.InDelta(t, 0.5e-2, lrs[12], 1e-6)
	assert.InDelta(t, 0.0, lrs[20], 1e-6)

	// Monotonic after the warmup.
	for step := 5; step <= 20; step++ {
		assert.LessOrEqual(t, lrs[step], lrs[step-1])
	}
}

func TestConstantWithWarmup(t *testing.T) {
	lrs := lrSequence(t, map[string]any{
		ParamSchedule:                "constant_with_warmup",
		ParamWarmupSteps:             5,
		optimizers.ParamLearningRate: 1e-3,
	}, 12)

	assert.InDelta(t, 0.0, lrs[0], 1e-9)
	assert.Less(t, lrs[2], float32(1e-3))
	for step := 5; step < 12; step++ {
		assert.InDelta(t, 1e-3, lrs[step], 1e-7)
	}
}

func TestConstantScheduleLeavesLRAlone(t *testing.T) {
	lrs := lrSequence(t, map[string]any{
		ParamSchedule:                "constant",
		optimizers.ParamLearningRate: 3e-4,
	}, 3)
	for _, lr := range lrs {
		assert.InDelta(t, 3e-4, lr, 1e-8)
	}
}

func TestPolynomialSchedule(t *testing.T) {
	lrs := lrSequence(t, map[string]any{
		ParamSchedule:                "polynomial",
		ParamPolynomialPower:         2.0,
		ParamTotalSteps:              10,
		optimizers.ParamLearningRate: 1e-2,
	}, 11)

	// (1 - 5/10)^2 = 0.25 of the base learning rate at the midpoint.
	assert.InDelta(t, 1e-2, lrs[0], 1e-7)
	assert.InDelta(t, 0.25e-2, lrs[5], 1e-6)
	assert.InDelta(t, 0.0, lrs[10], 1e-7)
}

func TestCosineSchedule(t *testing.T) {
	lrs := lrSequence(t, map[string]any{
		ParamSchedule:                "cosine",
		ParamWarmupSteps:             2,
		ParamTotalSteps:              10,
		optimizers.ParamLearningRate: 1e-2,
	}, 11)

	assert.InDelta(t, 0.0, lrs[0], 1e-8)
	assert.InDelta(t, 1e-2, lrs[2], 1e-6)
	// Half-cosine midpoint: (1+cos(pi/2))/2 = 0.5 of the base learning rate.
	assert.InDelta(t, 0.5e-2, lrs[6], 1e-6)
	assert.InDelta(t, 0.0, lrs[10], 1e-6)
	for step := 3; step <= 10; step++ {
		assert.LessOrEqual(t, lrs[step], lrs[step-1])
	}
}

func TestCosineWithRestarts(t *testing.T) {
	lrs := lrSequence(t, map[string]any{
		ParamSchedule:                "cosine_with_restarts",
		ParamCycles:                  2,
		ParamTotalSteps:              8,
		optimizers.ParamLearningRate: 1e-2,
	}, 9)

	// Two half-cosines over 8 steps: back at the base learning rate at step 4.
	assert.InDelta(t, 1e-2, lrs[0], 1e-6)
	assert.InDelta(t, 0.5e-2, lrs[2], 1e-6)
	assert.InDelta(t, 1e-2, lrs[4], 1e-6)
	assert.InDelta(t, 0.5e-2, lrs[6], 1e-6)
	assert.InDelta(t, 0.0, lrs[8], 1e-6)
}

// The schedule must follow the optimizer's global step, not the number of graph
// executions: with gradient accumulation the training graph runs once per
// micro-batch while the optimizer steps only at accumulation boundaries.
func TestScheduleFollowsOptimizerStep(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamSchedule:                "linear",
		ParamTotalSteps:              10,
		optimizers.ParamLearningRate: 1e-2,
	})
	exec := lrExec(t, ctx)
	stepVar := optimizers.GetGlobalStepVar(ctx)

	require.NoError(t, stepVar.SetValue(tensors.FromScalar(int64(4))))
	want := tensors.ToScalar[float32](exec.MustExec()[0])
	// Re-running without an optimizer step leaves the learning rate unchanged.
	for range 3 {
		assert.InDelta(t, want, tensors.ToScalar[float32](exec.MustExec()[0]), 1e-8)
	}

	require.NoError(t, stepVar.SetValue(tensors.FromScalar(int64(5))))
	assert.InDelta(t, 0.5e-2, tensors.ToScalar[float32](exec.MustExec()[0]), 1e-6)
}

func TestInvalidScheduleName(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamSchedule: "exponential"})
	require.Panics(t, func() {
		FromContext(ctx, nil, dtypes.Float32)
	})
}
