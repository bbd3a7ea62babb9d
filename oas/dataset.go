package oas

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/proteinml/protlm/esm"
)

// Dataset implements train.Dataset over a list of amino-acid sequences, with
// masked-language-model collation.
//
// For multi-process training the dataset is sharded: every rank shuffles the full
// index list with the same seed (so the permutation is identical across ranks) and
// then takes the strided slice rank, rank+worldSize, rank+2*worldSize, ... The tail
// that doesn't divide evenly is dropped, so all ranks see the same number of
// batches per epoch, which keeps collective calls in lockstep.
//
// Yield is safe for concurrent use, so the dataset can be wrapped with
// datasets.Parallel.
type Dataset struct {
	name      string
	sequences []string
	tok       *esm.Tokenizer

	batchSize, maxLen int
	maskProb          float64
	rank, worldSize   int
	seed              int64
	shuffle           bool

	mu    sync.Mutex
	epoch int
	shard []int
	pos   int
	rng   *rand.Rand
}

// NewDataset creates a Dataset over the given sequences. It defaults to batch size 8,
// maximum length 142 tokens, 15% masking, no shuffling and a single shard (rank 0 of
// world size 1). Configure with the chained setters before the first Yield.
func NewDataset(name string, sequences []string, tok *esm.Tokenizer) *Dataset {
	return &Dataset{
		name:      name,
		sequences: sequences,
		tok:       tok,
		batchSize: 8,
		maxLen:    142,
		maskProb:  0.15,
		worldSize: 1,
		seed:      42,
	}
}

// BatchSize sets the per-process batch size. It returns the updated dataset.
func (ds *Dataset) BatchSize(n int) *Dataset {
	ds.batchSize = n
	return ds
}

// MaxLen sets the tokenized sequence length, including the <cls> and <eos> markers.
func (ds *Dataset) MaxLen(n int) *Dataset {
	ds.maxLen = n
	return ds
}

// MaskProbability sets the fraction of (non-special) positions selected for the
// masked-LM objective.
func (ds *Dataset) MaskProbability(p float64) *Dataset {
	ds.maskProb = p
	return ds
}

// Shard restricts the dataset to rank's strided slice of a worldSize-way split.
func (ds *Dataset) Shard(rank, worldSize int) *Dataset {
	ds.rank = rank
	ds.worldSize = worldSize
	return ds
}

// Seed sets the seed used for shuffling and masking. All ranks must use the same
// seed, otherwise the per-epoch permutations diverge and shards overlap.
func (ds *Dataset) Seed(seed int64) *Dataset {
	ds.seed = seed
	return ds
}

// Shuffle enables per-epoch shuffling. Leave it off for evaluation.
func (ds *Dataset) Shuffle() *Dataset {
	ds.shuffle = true
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// SetEpoch rebuilds the shard for the given epoch: with shuffling on, the
// permutation changes every epoch but stays identical across ranks.
func (ds *Dataset) SetEpoch(epoch int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.epoch = epoch
	ds.buildShardLocked()
}

// Reset implements train.Dataset: it restarts the current epoch's shard.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.buildShardLocked()
}

func (ds *Dataset) buildShardLocked() {
	n := len(ds.sequences)
	perShard := n / ds.worldSize
	perm := make([]int, n)
	for ii := range perm {
		perm[ii] = ii
	}
	if ds.shuffle {
		shuffleRng := rand.New(rand.NewSource(ds.seed + int64(ds.epoch)))
		shuffleRng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	}
	ds.shard = make([]int, 0, perShard)
	for ii := ds.rank; ii < perShard*ds.worldSize; ii += ds.worldSize {
		ds.shard = append(ds.shard, perm[ii])
	}
	ds.pos = 0
	ds.rng = rand.New(rand.NewSource(ds.seed + int64(ds.epoch)*1000003 + int64(ds.rank)))
}

// NumBatches returns the number of batches each rank yields per epoch.
func (ds *Dataset) NumBatches() int {
	return len(ds.sequences) / ds.worldSize / ds.batchSize
}

// Yield implements train.Dataset. It returns:
//
//   - inputs[0]: token ids, shaped Int32[batchSize, maxLen], with selected positions
//     replaced per the 80/10/10 masking rule;
//   - inputs[1]: validity mask, shaped Bool[batchSize, maxLen], false on padding;
//   - labels[0]: the original token ids, shaped Int32[batchSize, maxLen, 1];
//   - labels[1]: the selection mask, shaped Bool[batchSize, maxLen], true only on
//     positions that count towards the loss.
//
// It returns io.EOF when the shard is exhausted.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.shard == nil {
		ds.buildShardLocked()
	}
	if ds.batchSize > len(ds.shard) {
		ds.mu.Unlock()
		err = errors.Errorf("dataset %q: batch size %d larger than the %d examples of shard %d/%d",
			ds.name, ds.batchSize, len(ds.shard), ds.rank, ds.worldSize)
		return
	}
	if ds.pos+ds.batchSize > len(ds.shard) {
		ds.mu.Unlock()
		err = io.EOF
		return
	}
	batch := make([]string, ds.batchSize)
	for ii := range batch {
		batch[ii] = ds.sequences[ds.shard[ds.pos+ii]]
	}
	ds.pos += ds.batchSize
	batchSeed := ds.rng.Int63()
	ds.mu.Unlock()

	inputs, labels, err = ds.collate(batch, rand.New(rand.NewSource(batchSeed)))
	return
}

// collate tokenizes the batch and applies masked-LM corruption: maskProb of the
// non-special positions are selected; of those, 80% become <mask>, 10% a random
// residue and 10% stay unchanged.
func (ds *Dataset) collate(batch []string, rng *rand.Rand) (inputs, labels []*tensors.Tensor, err error) {
	var (
		numTokens = ds.batchSize * ds.maxLen
		tokens    = make([]int32, 0, numTokens)
		valid     = make([]bool, 0, numTokens)
		targets   = make([]int32, 0, numTokens)
		selected  = make([]bool, 0, numTokens)
		residues  = ds.tok.ResidueIDs()
	)
	for _, seq := range batch {
		ids, validRow, err := ds.tok.Encode(seq, ds.maxLen)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "dataset %q", ds.name)
		}
		for pos, id := range ids {
			targets = append(targets, id)
			valid = append(valid, validRow[pos])
			if !validRow[pos] || ds.tok.IsSpecial(int(id)) || rng.Float64() >= ds.maskProb {
				tokens = append(tokens, id)
				selected = append(selected, false)
				continue
			}
			selected = append(selected, true)
			switch roll := rng.Float64(); {
			case roll < 0.8:
				tokens = append(tokens, int32(ds.tok.MaskID))
			case roll < 0.9:
				tokens = append(tokens, int32(residues[rng.Intn(len(residues))]))
			default:
				tokens = append(tokens, id)
			}
		}
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(tokens, ds.batchSize, ds.maxLen),
		tensors.FromFlatDataAndDimensions(valid, ds.batchSize, ds.maxLen),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(targets, ds.batchSize, ds.maxLen, 1),
		tensors.FromFlatDataAndDimensions(selected, ds.batchSize, ds.maxLen),
	}
	return inputs, labels, nil
}
