// Package ddp implements the process-group plumbing for data-parallel training:
// rendezvous of the participating processes, collective operations (barrier,
// all-reduce, broadcast, all-gather) over a star topology rooted at rank 0, and
// helpers to keep model variables in sync across ranks.
//
// The topology is plain TCP with gob-framed messages. It is meant for the small
// payloads of orchestration (metric reduction, parameter averaging of small
// models, rendezvous); it makes no attempt at ring/tree reductions.
package ddp

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Environment variables understood by FromEnvironment. The RANK/WORLD_SIZE family
// follows the torchrun convention, the SM_* family the SageMaker one.
const (
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvLocalRank  = "LOCAL_RANK"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"

	EnvSMHosts       = "SM_HOSTS"
	EnvSMCurrentHost = "SM_CURRENT_HOST"
	EnvSMNumGPUs     = "SM_NUM_GPUS"

	// EnvJobID carries an opaque job identifier that all ranks must agree on; the
	// rendezvous rejects processes of a different job. Optional.
	EnvJobID = "PROTLM_JOB_ID"

	// DefaultMasterPort is used when MASTER_PORT is unset.
	DefaultMasterPort = 7777
)

// Config identifies one process within the training job.
type Config struct {
	// Rank of this process, in [0, WorldSize).
	Rank int

	// WorldSize is the total number of processes in the job.
	WorldSize int

	// LocalRank is the index of this process within its host, usable as a device
	// ordinal.
	LocalRank int

	// MasterAddr and MasterPort locate rank 0, where every other rank connects.
	MasterAddr string
	MasterPort int

	// JobID, if non-empty, must match across all ranks.
	JobID string
}

// Validate checks the config for consistency.
func (c Config) Validate() error {
	if c.WorldSize < 1 {
		return errors.Errorf("invalid world size %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return errors.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	if c.WorldSize > 1 && c.MasterAddr == "" {
		return errors.Errorf("%s must be set when world size > 1", EnvMasterAddr)
	}
	return nil
}

// IsMaster reports whether this process is rank 0.
func (c Config) IsMaster() bool { return c.Rank == 0 }

// FromEnvironment builds the process Config from environment variables.
//
// If RANK and WORLD_SIZE are set they take precedence. Otherwise, if the SageMaker
// variables SM_HOSTS/SM_CURRENT_HOST are set, the global rank is computed as
// hostIndex*workersPerHost+LOCAL_RANK, with workersPerHost taken from SM_NUM_GPUS
// (minimum 1) and MASTER_ADDR defaulting to the first host. With neither family
// set it returns a single-process config.
func FromEnvironment() (Config, error) {
	c := Config{
		WorldSize:  1,
		MasterAddr: os.Getenv(EnvMasterAddr),
		MasterPort: DefaultMasterPort,
		JobID:      os.Getenv(EnvJobID),
	}
	var err error
	if port := os.Getenv(EnvMasterPort); port != "" {
		c.MasterPort, err = strconv.Atoi(port)
		if err != nil {
			return c, errors.Wrapf(err, "invalid %s=%q", EnvMasterPort, port)
		}
	}
	if local := os.Getenv(EnvLocalRank); local != "" {
		c.LocalRank, err = strconv.Atoi(local)
		if err != nil {
			return c, errors.Wrapf(err, "invalid %s=%q", EnvLocalRank, local)
		}
	}

	switch {
	case os.Getenv(EnvRank) != "" || os.Getenv(EnvWorldSize) != "":
		c.Rank, err = strconv.Atoi(os.Getenv(EnvRank))
		if err != nil {
			return c, errors.Wrapf(err, "invalid %s=%q", EnvRank, os.Getenv(EnvRank))
		}
		c.WorldSize, err = strconv.Atoi(os.Getenv(EnvWorldSize))
		if err != nil {
			return c, errors.Wrapf(err, "invalid %s=%q", EnvWorldSize, os.Getenv(EnvWorldSize))
		}

	case os.Getenv(EnvSMHosts) != "":
		var hosts []string
		if err = json.Unmarshal([]byte(os.Getenv(EnvSMHosts)), &hosts); err != nil {
			return c, errors.Wrapf(err, "invalid %s=%q", EnvSMHosts, os.Getenv(EnvSMHosts))
		}
		if len(hosts) == 0 {
			return c, errors.Errorf("%s lists no hosts", EnvSMHosts)
		}
		sort.Strings(hosts)
		current := os.Getenv(EnvSMCurrentHost)
		hostIdx := sort.SearchStrings(hosts, current)
		if hostIdx == len(hosts) || hosts[hostIdx] != current {
			return c, errors.Errorf("%s=%q not found in %s=%v", EnvSMCurrentHost, current, EnvSMHosts, hosts)
		}
		workersPerHost := 1
		if gpus := os.Getenv(EnvSMNumGPUs); gpus != "" {
			workersPerHost, err = strconv.Atoi(gpus)
			if err != nil {
				return c, errors.Wrapf(err, "invalid %s=%q", EnvSMNumGPUs, gpus)
			}
			if workersPerHost < 1 {
				workersPerHost = 1
			}
		}
		c.WorldSize = len(hosts) * workersPerHost
		c.Rank = hostIdx*workersPerHost + c.LocalRank
		if c.MasterAddr == "" {
			c.MasterAddr = hosts[0]
		}
	}

	if c.WorldSize > 1 && c.MasterAddr == "" {
		c.MasterAddr = "127.0.0.1"
	}
	return c, c.Validate()
}
