// protlm-train runs masked-LM training of an antibody protein language model,
// single-process or data-parallel.
//
// Distributed runs follow the torchrun convention: either launch one process per
// device with RANK, WORLD_SIZE, LOCAL_RANK, MASTER_ADDR and MASTER_PORT set (any
// launcher, including SageMaker's SM_* environment), or let this binary fan out
// locally with --nproc_per_node=N.
//
// Hyperparameters are set with --set, e.g.:
//
//	protlm-train --train_dir=data/train --eval_dir=data/test \
//	    --set="model_preset=t12;num_epochs=2;learning_rate=1e-4"
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/proteinml/protlm"
	"github.com/proteinml/protlm/ddp"
	"github.com/proteinml/protlm/oas"
)

var (
	flagTrainDir = flag.String("train_dir", envOr("SM_CHANNEL_TRAIN", "data/train"),
		"Directory with the training CSVs.")
	flagEvalDir = flag.String("eval_dir", envOr("SM_CHANNEL_TEST", "data/test"),
		"Directory with the evaluation CSVs.")
	flagCheckpoint = flag.String("checkpoint", envOr("SM_MODEL_DIR", ""),
		"Directory to save checkpoints to; empty disables checkpointing.")
	flagDownload = flag.Bool("download", false,
		"Download the OAS paired SARS-CoV-2 dataset into --train_dir/--eval_dir if missing.")
	flagNumProcs = flag.Int("nproc_per_node", 0,
		"Spawn this many local worker processes (torchrun style). 0 runs in-process "+
			"with the rendezvous taken from the environment.")
	flagRendezvousTimeout = flag.Duration("rendezvous_timeout", 5*time.Minute,
		"How long to wait for all ranks to join the process group.")
)

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	ctx := protlm.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M(commandline.ParseContextSettings(ctx, *settings))

	// Launcher mode: fan out one process per local device and wait.
	if *flagNumProcs > 0 && !ddp.IsSpawned() {
		must.M(ddp.Spawn(context.Background(), *flagNumProcs, 0))
		return
	}

	config := must.M1(ddp.FromEnvironment())
	if *flagDownload && config.LocalRank == 0 {
		must.M(oas.Download(*flagTrainDir, "train.csv"))
		must.M(oas.Download(*flagEvalDir, "test.csv"))
	}

	rendezvousCtx, cancel := context.WithTimeout(context.Background(), *flagRendezvousTimeout)
	group := must.M1(ddp.New(rendezvousCtx, config))
	cancel()
	defer group.Close()

	must.M(protlm.TrainModel(ctx, group, *flagTrainDir, *flagEvalDir, *flagCheckpoint))
}
