package ddp

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// EnvSpawned marks processes started by Spawn, so the entry point can tell child
// from launcher.
const EnvSpawned = "PROTLM_SPAWNED"

// IsSpawned reports whether this process was started by Spawn.
func IsSpawned() bool { return os.Getenv(EnvSpawned) != "" }

// Spawn re-executes the current binary numProcs times on the local host, with the
// rendezvous environment (RANK, WORLD_SIZE, LOCAL_RANK, MASTER_ADDR, MASTER_PORT
// and a fresh job id) set for each child, and waits for them all. The children
// share the launcher's stdout/stderr. If any child fails the context is canceled,
// tearing the rest down.
//
// extraArgs are appended to the launcher's own arguments, so flags pass through
// unchanged.
func Spawn(ctx context.Context, numProcs, masterPort int, extraArgs ...string) error {
	if numProcs < 1 {
		return errors.Errorf("cannot spawn %d processes", numProcs)
	}
	executable, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to find own executable to spawn workers")
	}
	if masterPort == 0 {
		masterPort = DefaultMasterPort
	}
	jobID := uuid.NewString()
	args := append(os.Args[1:], extraArgs...)
	klog.Infof("spawning %d local processes of %s (job %s)", numProcs, executable, jobID)

	group, groupCtx := errgroup.WithContext(ctx)
	for rank := 0; rank < numProcs; rank++ {
		cmd := exec.CommandContext(groupCtx, executable, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("%s=%d", EnvRank, rank),
			fmt.Sprintf("%s=%d", EnvLocalRank, rank),
			fmt.Sprintf("%s=%d", EnvWorldSize, numProcs),
			fmt.Sprintf("%s=%s", EnvMasterAddr, "127.0.0.1"),
			fmt.Sprintf("%s=%d", EnvMasterPort, masterPort),
			fmt.Sprintf("%s=%s", EnvJobID, jobID),
			fmt.Sprintf("%s=1", EnvSpawned),
		)
		rank := rank
		group.Go(func() error {
			if err := cmd.Run(); err != nil {
				return errors.Wrapf(err, "local rank %d failed", rank)
			}
			return nil
		})
	}
	return group.Wait()
}
