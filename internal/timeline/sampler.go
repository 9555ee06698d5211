package timeline

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// BatchSampler draws minibatches from a dataset, one epoch at a time.
//
// When shuffling, the index permutation is drawn from a PCG seeded with the
// configured seed and the epoch number, so a worker replays the exact same batch
// order for the same (seed, epoch) pair.
type BatchSampler struct {
	ds        *Dataset
	batchSize int
	seed      uint64
	shuffle   bool

	order []int
	pos   int

	// epochLimit caps batches per epoch when > 0, so lock-step workers with
	// slightly uneven shards run the same number of steps.
	epochLimit int
	drawn      int
}

// NewBatchSampler creates a sampler over ds. Shuffle false keeps the timeline order,
// which the distributed parity checks rely on.
func NewBatchSampler(ds *Dataset, batchSize int, seed uint64, shuffle bool) (*BatchSampler, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if ds.Len() == 0 {
		return nil, errors.New("cannot sample from an empty dataset")
	}
	return &BatchSampler{ds: ds, batchSize: batchSize, seed: seed, shuffle: shuffle}, nil
}

// SetEpochLimit caps the number of batches drawn per epoch.
func (s *BatchSampler) SetEpochLimit(n int) { s.epochLimit = n }

// StartEpoch resets the sampler for the given epoch, reshuffling if configured.
func (s *BatchSampler) StartEpoch(epoch int) {
	s.pos = 0
	s.drawn = 0
	if s.order == nil {
		s.order = make([]int, s.ds.Len())
	}
	for i := range s.order {
		s.order[i] = i
	}
	if s.shuffle {
		rng := rand.New(rand.NewPCG(s.seed, uint64(epoch)))
		rng.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
}

// NumBatches returns the number of full minibatches per epoch.
// A trailing partial batch is dropped, keeping every step's loss a mean over the
// same denominator on every worker.
func (s *BatchSampler) NumBatches() int {
	return s.ds.Len() / s.batchSize
}

// Next returns the next minibatch of the current epoch, or false when exhausted.
func (s *BatchSampler) Next() ([]Transition, bool) {
	if s.order == nil || s.pos+s.batchSize > len(s.order) {
		return nil, false
	}
	if s.epochLimit > 0 && s.drawn >= s.epochLimit {
		return nil, false
	}
	s.drawn++
	batch := make([]Transition, s.batchSize)
	for i := range batch {
		batch[i] = s.ds.At(s.order[s.pos+i])
	}
	s.pos += s.batchSize
	return batch, true
}
