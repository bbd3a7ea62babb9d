package protlm

import (
	stdctx "context"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/proteinml/protlm/ddp"
	"github.com/proteinml/protlm/esm"
	"github.com/proteinml/protlm/oas"
	"github.com/proteinml/protlm/schedule"
)

// TrainModel runs masked-LM training of the configured model on the sequences
// under trainDir, evaluating on evalDir after every epoch. It is called once per
// rank; group carries the process group (use a world-size-1 group for
// single-process training). Rank 0 owns checkpointing and reporting.
func TrainModel(ctx *context.Context, group *ddp.Group, trainDir, evalDir, checkpointDir string) error {
	var (
		collCtx = stdctx.Background()

		seed         = context.GetParamOr(ctx, ParamSeed, 42)
		numEpochs    = context.GetParamOr(ctx, ParamNumEpochs, 1)
		maxSteps     = context.GetParamOr(ctx, ParamMaxSteps, -1)
		batchSize    = context.GetParamOr(ctx, ParamBatchSize, 8)
		evalBatch    = context.GetParamOr(ctx, ParamEvalBatchSize, 8)
		maxLen       = context.GetParamOr(ctx, ParamMaxLength, 142)
		mlmProb      = context.GetParamOr(ctx, ParamMLMProbability, 0.15)
		sampleCount  = context.GetParamOr(ctx, ParamTrainSampleCount, -1)
		column       = context.GetParamOr(ctx, ParamColumn, oas.DefaultColumn)
		loggingSteps = context.GetParamOr(ctx, ParamLoggingSteps, 10)
		accumSteps   = context.GetParamOr(ctx, ParamGradAccumulationSteps, 1)
		syncSteps    = context.GetParamOr(ctx, ParamSyncSteps, 1)
		preset       = context.GetParamOr(ctx, ParamModelPreset, "t6")
	)
	if accumSteps < 1 {
		accumSteps = 1
	}
	if maxLen < 2 {
		return errors.Errorf("%q must be at least 2, to fit the <cls> and <eos> markers, got %d",
			ParamMaxLength, maxLen)
	}

	// Same seed on all ranks: variable initialization is deterministic, so the
	// replicas start identical even before the initial broadcast.
	ctx.RngStateFromSeed(int64(seed))

	backend, err := backends.New()
	if err != nil {
		return errors.Wrap(err, "failed to create backend")
	}
	klog.V(1).Infof("rank %d/%d using backend %s (local rank %d)",
		group.Rank, group.WorldSize, backend.Name(), group.LocalRank)

	tokenizer, err := loadTokenizer(ctx)
	if err != nil {
		return err
	}
	ctx.SetParam(esm.ParamVocabSize, tokenizer.VocabSize())
	if preset != "" {
		// Empty preset keeps the architecture parameters already in the context.
		if err = esm.ApplyPreset(ctx, preset); err != nil {
			return err
		}
	}

	trainSeqs, err := oas.LoadDir(trainDir, column, sampleCount)
	if err != nil {
		return err
	}
	evalSeqs, err := oas.LoadDir(evalDir, column, -1)
	if err != nil {
		return err
	}
	trainDS := oas.NewDataset("train", trainSeqs, tokenizer).
		BatchSize(batchSize).MaxLen(maxLen).MaskProbability(mlmProb).
		Shard(group.Rank, group.WorldSize).Seed(int64(seed)).Shuffle()
	evalDS := oas.NewDataset("eval", evalSeqs, tokenizer).
		BatchSize(evalBatch).MaxLen(maxLen).MaskProbability(mlmProb).
		Shard(group.Rank, group.WorldSize).Seed(int64(seed))

	// Steps are counted in optimizer steps; the loop itself counts micro-batches.
	stepsPerEpoch := trainDS.NumBatches() / accumSteps
	if stepsPerEpoch == 0 {
		return errors.Errorf("training shard of rank %d has %d batches, not enough for "+
			"one optimizer step with %d accumulation steps", group.Rank, trainDS.NumBatches(), accumSteps)
	}
	totalSteps := numEpochs * stepsPerEpoch
	if maxSteps > 0 && maxSteps < totalSteps {
		totalSteps = maxSteps
	}
	scheduleTotal := context.GetParamOr(ctx, schedule.ParamTotalSteps, 0)
	if scheduleTotal <= 0 {
		scheduleTotal = totalSteps
	}

	// Rank 0 owns the checkpoints directory; the others receive the restored
	// state, including the optimizer variables and the global step counter,
	// through the initial broadcast, so that every rank agrees on how many
	// steps are left.
	var checkpoint *checkpoints.Handler
	if checkpointDir != "" && group.IsMaster() {
		checkpoint, err = checkpoints.Build(ctx).
			Dir(checkpointDir).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			Done()
		if err != nil {
			return errors.Wrapf(err, "failed to set up checkpoints in %q", checkpointDir)
		}
	}
	// The schedule length is decided from this run's settings on every rank; a
	// restored checkpoint may carry the previous run's value on rank 0 only.
	ctx.SetParam(schedule.ParamTotalSteps, scheduleTotal)
	if err = group.BroadcastVariables(collCtx, ctx); err != nil {
		return err
	}

	movingAccuracy := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Accuracy", "~acc", 0.01)
	meanAccuracy := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	trainer := train.NewTrainer(backend, ctx.In("model"), esm.MaskedLMGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracy},
		[]metrics.Interface{meanAccuracy})
	if accumSteps > 1 {
		if err = trainer.AccumulateGradients(accumSteps); err != nil {
			return err
		}
	}

	loop := train.NewLoop(trainer)
	if group.IsMaster() {
		commandline.AttachProgressBar(loop)
	}
	attachSyncHook(loop, trainer, group, collCtx, syncSteps)
	reporter := newReporter(trainer, group, loggingSteps, batchSize, maxLen)
	loop.OnStep("metric reporting", 120, reporter.onStep)

	start := time.Now()
	doneSteps := int(trainer.GlobalStep())
	for epoch := 0; doneSteps < totalSteps && epoch < numEpochs; epoch++ {
		trainDS.SetEpoch(epoch)
		epochSteps := min(stepsPerEpoch, totalSteps-doneSteps)

		parallelDS := datasets.CustomParallel(trainDS).Buffer(2 * accumSteps).Start()
		_, err = loop.RunSteps(parallelDS, epochSteps*accumSteps)
		parallelDS.Done()
		if err != nil {
			return errors.Wrapf(err, "training failed at epoch %d", epoch)
		}
		doneSteps += epochSteps

		// All ranks finished the epoch before evaluating and saving.
		if err = group.Barrier(collCtx); err != nil {
			return err
		}
		if err = reportEval(collCtx, trainer, group, evalDS, epoch); err != nil {
			return err
		}
		if checkpoint != nil {
			if err = checkpoint.Save(); err != nil {
				return errors.Wrap(err, "failed to save checkpoint")
			}
		}
	}

	if group.IsMaster() {
		fmt.Printf("Training of %d steps on %d process(es) took %s.\n",
			doneSteps, group.WorldSize, time.Since(start).Round(time.Second))
	}
	return group.Barrier(collCtx)
}

func loadTokenizer(ctx *context.Context) (*esm.Tokenizer, error) {
	if repo := context.GetParamOr(ctx, ParamTokenizer, ""); repo != "" {
		return esm.LoadTokenizer(repo)
	}
	return esm.NewTokenizer(), nil
}

// attachSyncHook averages the model parameters across ranks every syncSteps
// optimizer steps. With gradient accumulation the loop step granularity is the
// micro-batch, so the hook watches the trainer's global step instead.
func attachSyncHook(loop *train.Loop, trainer *train.Trainer, group *ddp.Group, collCtx stdctx.Context, syncSteps int) {
	if group.WorldSize == 1 {
		return
	}
	if syncSteps < 1 {
		syncSteps = 1
	}
	lastSynced := trainer.GlobalStep()
	loop.OnStep("parameter averaging", 110, func(loop *train.Loop, _ []*tensors.Tensor) error {
		globalStep := trainer.GlobalStep()
		if globalStep == lastSynced || globalStep%int64(syncSteps) != 0 {
			return nil
		}
		lastSynced = globalStep
		return group.AverageVariables(collCtx, trainer.Context())
	})
}

// reporter prints training metrics every loggingSteps optimizer steps: the
// cross-rank mean loss, its perplexity and the aggregate throughput.
type reporter struct {
	trainer      *train.Trainer
	group        *ddp.Group
	loggingSteps int64
	lossIdx      int

	// Tokens and samples are counted per rank and scaled by the world size.
	samplesPerStep, tokensPerStep int

	lastStep int64
	lastTime time.Time
}

func newReporter(trainer *train.Trainer, group *ddp.Group, loggingSteps, batchSize, maxLen int) *reporter {
	r := &reporter{
		trainer:        trainer,
		group:          group,
		loggingSteps:   int64(loggingSteps),
		lossIdx:        lossMetricIndex(trainer.TrainMetrics()),
		samplesPerStep: batchSize * trainer.NumAccumulatingSteps() * group.WorldSize,
		lastStep:       trainer.GlobalStep(),
		lastTime:       time.Now(),
	}
	r.tokensPerStep = r.samplesPerStep * maxLen
	return r
}

func (r *reporter) onStep(loop *train.Loop, metricValues []*tensors.Tensor) error {
	globalStep := r.trainer.GlobalStep()
	if globalStep == r.lastStep || globalStep%r.loggingSteps != 0 {
		return nil
	}
	loss := tensors.ToScalar[float32](metricValues[r.lossIdx])
	loss, err := r.group.AllReduceScalar(stdctx.Background(), loss, ddp.ReduceMean)
	if err != nil {
		return err
	}
	if r.group.IsMaster() {
		elapsed := time.Since(r.lastTime).Seconds()
		steps := globalStep - r.lastStep
		fmt.Printf("Step %s: loss=%.4f, perplexity=%.3f, %s samples/s, %s tokens/s\n",
			humanize.Comma(globalStep), loss, math.Exp(float64(loss)),
			humanize.CommafWithDigits(float64(steps)*float64(r.samplesPerStep)/elapsed, 1),
			humanize.CommafWithDigits(float64(steps)*float64(r.tokensPerStep)/elapsed, 1))
	}
	r.lastStep = globalStep
	r.lastTime = time.Now()
	return nil
}

// reportEval runs the shared evaluation shard of each rank and reports the
// cross-rank mean loss.
func reportEval(collCtx stdctx.Context, trainer *train.Trainer, group *ddp.Group, evalDS train.Dataset, epoch int) error {
	evalDS.Reset()
	metricValues, err := trainer.Eval(evalDS)
	if err != nil {
		return errors.Wrapf(err, "evaluation failed after epoch %d", epoch)
	}
	loss := tensors.ToScalar[float32](metricValues[lossMetricIndex(trainer.EvalMetrics())])
	loss, err = group.AllReduceScalar(collCtx, loss, ddp.ReduceMean)
	if err != nil {
		return err
	}
	if group.IsMaster() {
		fmt.Printf("Epoch %d: eval loss=%.4f, eval perplexity=%.3f\n",
			epoch, loss, math.Exp(float64(loss)))
	}
	return nil
}

// lossMetricIndex finds the mean loss among the trainer's metrics.
func lossMetricIndex(metricsList []metrics.Interface) int {
	for idx, m := range metricsList {
		if m.MetricType() == metrics.LossMetricType {
			return idx
		}
	}
	return 0
}
