// Package schedule implements learning-rate schedules with linear warmup: constant,
// linear, polynomial and cosine decay.
//
// Like cosineschedule, it works as a graph fragment inserted at the start of the model
// graph: during training it recomputes the learning-rate variable so optimizers that
// read the learning rate from the context pick it up. The schedules are driven by the
// optimizer's global step, so with gradient accumulation the learning rate changes
// once per optimizer step, not per accumulated micro-batch, and it resumes correctly
// from a checkpoint.
package schedule

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
)

var (
	// ParamSchedule selects the learning-rate schedule. Valid values: "constant"
	// (or ""), "constant_with_warmup", "linear", "polynomial", "cosine" and
	// "cosine_with_restarts".
	ParamSchedule = "lr_schedule"

	// ParamWarmupSteps is the number of initial optimizer steps during which the
	// learning rate ramps linearly from 0 to the base learning rate.
	ParamWarmupSteps = "lr_warmup_steps"

	// ParamTotalSteps is the number of optimizer steps the decaying schedules stretch
	// over. If <= 0, the training loop's last step is used (see
	// train.GetTrainLastStepVar).
	ParamTotalSteps = "lr_total_steps"

	// ParamPolynomialPower is the exponent of the "polynomial" schedule.
	// With power 1.0 it is the same as "linear".
	ParamPolynomialPower = "lr_polynomial_power"

	// ParamCycles is the number of restarts for "cosine_with_restarts".
	ParamCycles = "lr_cycles"
)

// ValidSchedules lists the accepted values of ParamSchedule.
var ValidSchedules = []string{
	"", "constant", "constant_with_warmup", "linear", "polynomial",
	"cosine", "cosine_with_restarts",
}

// FromContext reads the schedule configuration from the context hyperparameters and,
// if one is selected and the graph is in training mode, inserts the learning-rate
// update into the graph. It is a no-op during evaluation and inference.
func FromContext(ctx *context.Context, g *Graph, dtype dtypes.DType) {
	name := context.GetParamOr(ctx, ParamSchedule, "")
	warmupSteps := context.GetParamOr(ctx, ParamWarmupSteps, 0)
	totalSteps := context.GetParamOr(ctx, ParamTotalSteps, 0)

	switch name {
	case "", "constant":
		if warmupSteps <= 0 {
			return
		}
		// Constant with a warmup ramp.
		buildSchedule(ctx, g, dtype, warmupSteps, totalSteps, powerDecay(0))
	case "constant_with_warmup":
		buildSchedule(ctx, g, dtype, warmupSteps, totalSteps, powerDecay(0))
	case "linear":
		buildSchedule(ctx, g, dtype, warmupSteps, totalSteps, powerDecay(1))
	case "polynomial":
		power := context.GetParamOr(ctx, ParamPolynomialPower, 1.0)
		buildSchedule(ctx, g, dtype, warmupSteps, totalSteps, powerDecay(power))
	case "cosine", "cosine_with_restarts":
		cycles := 1
		if name == "cosine_with_restarts" {
			cycles = context.GetParamOr(ctx, ParamCycles, 1)
			if cycles < 1 {
				Panicf("hyperparameter %q must be >= 1, got %d", ParamCycles, cycles)
			}
		}
		buildSchedule(ctx, g, dtype, warmupSteps, totalSteps, cosineDecay(cycles))
	default:
		Panicf("invalid %q value %q, valid values are %v", ParamSchedule, name, ValidSchedules)
	}
}

// decayFn maps the decay progress, in [0, 1], to the learning-rate factor [0, 1].
type decayFn func(progress *Node) *Node

// powerDecay returns (1-progress)^power; power 0 keeps the learning rate constant
// after the warmup, power 1 is the linear decay to zero.
func powerDecay(power float64) decayFn {
	if power <= 0 {
		return nil
	}
	return func(progress *Node) *Node {
		remaining := OneMinus(progress)
		if power != 1.0 {
			remaining = PowScalar(remaining, power)
		}
		return remaining
	}
}

// cosineDecay returns (1+cos(pi*frac(cycles*progress)))/2, the half-cosine from 1 to
// 0 repeated cycles times, pinned to 0 once the decay interval is exhausted.
func cosineDecay(cycles int) decayFn {
	return func(progress *Node) *Node {
		cycle := MulScalar(progress, float64(cycles))
		cycle = Sub(cycle, Floor(cycle))
		factor := DivScalar(OnePlus(Cos(MulScalar(cycle, math.Pi))), 2)
		done := GreaterOrEqual(progress, OnesLike(progress))
		return Where(done, ZerosLike(factor), factor)
	}
}

// buildSchedule inserts lr = base * warmupRamp * decay(progress) into the graph,
// where progress is the fraction of the post-warmup decay interval covered by the
// optimizer's global step.
func buildSchedule(ctx *context.Context, g *Graph, dtype dtypes.DType, warmupSteps, totalSteps int, decay decayFn) {
	ctx = ctx.Checked(false)
	if !ctx.IsTraining(g) {
		return
	}
	baseLR := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0)
	if baseLR == 0 {
		Panicf("learning rate not set in the context as parameter %q", optimizers.ParamLearningRate)
	}

	// The optimizer's global step: advances once per optimizer step, stays put
	// across the micro-batches of an accumulated gradient, and is saved in
	// checkpoints.
	step := optimizers.GetGlobalStepVar(ctx).ValueGraph(g)
	step = ConvertDType(step, dtype)

	factor := Scalar(g, dtype, 1.0)
	if warmupSteps > 0 {
		ramp := DivScalar(step, float64(warmupSteps))
		ramp = MinScalar(ramp, 1.0)
		factor = Mul(factor, ramp)
	}
	if decay != nil {
		// Fraction of the decay interval already covered, in [0, 1].
		decaySteps := AddScalar(step, float64(-warmupSteps))
		var interval *Node
		if totalSteps > 0 {
			interval = Scalar(g, dtype, float64(totalSteps-warmupSteps))
		} else {
			lastStep := train.GetTrainLastStepVar(ctx).ValueGraph(g)
			lastStep = Where(IsNegative(lastStep), Const(g, cosineschedule.DefaultLastStep), lastStep)
			interval = AddScalar(ConvertDType(lastStep, dtype), float64(-warmupSteps))
		}
		progress := Div(decaySteps, interval)
		progress = MaxScalar(progress, 0.0)
		progress = MinScalar(progress, 1.0)
		factor = Mul(factor, decay(progress))
	}

	lr := MulScalar(factor, baseLR)
	lrVar := optimizers.LearningRateVarWithValue(ctx, dtype, baseLR)
	lrVar.SetValueGraph(lr)
}
