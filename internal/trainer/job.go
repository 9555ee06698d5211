package trainer

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/offlineq/offlineq/internal/config"
	"github.com/offlineq/offlineq/internal/distributed"
	"github.com/offlineq/offlineq/internal/network"
	"github.com/offlineq/offlineq/internal/normalize"
	"github.com/offlineq/offlineq/internal/timeline"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// networkSeed makes every worker build the identical initial network; replicas then
// stay identical because each applies the same averaged gradients.
const networkSeed = 42

// JobResult is the outcome of one training job.
type JobResult struct {
	// Network is rank 0's trained online network. All ranks hold replicas identical
	// up to floating-point summation order.
	Network *network.QNetwork
	Norm    *normalize.Params
	Reports []Report
}

// RunJob trains the configured network over the dataset with worldSize data-parallel
// workers, each consuming its deterministic shard (transition i goes to worker
// i mod worldSize). Workers proceed in lock-step through the group's per-step
// gradient all-reduce.
//
// onEpoch, when non-nil, is invoked by rank 0 at the end of each epoch.
func RunJob(ctx context.Context, cfg *config.Config, ds *timeline.Dataset,
	norm *normalize.Params, worldSize int, onEpoch func(epoch int)) (*JobResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if worldSize < 1 {
		return nil, errors.Errorf("world size must be >= 1, got %d", worldSize)
	}
	if ds.Len() < worldSize*cfg.Training.MinibatchSize {
		return nil, errors.Errorf("dataset has %d transitions, %d workers need at least %d",
			ds.Len(), worldSize, worldSize*cfg.Training.MinibatchSize)
	}

	spec := network.Spec{Layers: cfg.Training.Layers, Activations: cfg.Training.Activations}
	group, err := distributed.NewGroup(worldSize, cfg.InitMethod, time.Minute, time.Minute)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Starting job: %d workers, %d transitions, %d epochs", worldSize, ds.Len(), cfg.Epochs)

	result := &JobResult{Norm: norm, Reports: make([]Report, worldSize)}
	var mu sync.Mutex

	var wg errgroup.Group
	for rank := 0; rank < worldSize; rank++ {
		wg.Go(func() error {
			worker, err := group.Join(rank)
			if err != nil {
				return err
			}
			net, err := network.Build(spec, ds.StateDim(), len(cfg.Actions),
				cfg.Rainbow.DuelingArchitecture, networkSeed)
			if err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			pol, err := PolicyFromConfig(cfg, rand.New(rand.NewPCG(networkSeed, uint64(rank))))
			if err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			tr, err := New(cfg, net, norm, pol, worker)
			if err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}

			shard := ds.Shard(rank, worldSize)
			// Timeline order is kept: deterministic consumption is what keeps the
			// replicas' steps aligned across runs and world sizes.
			sampler, err := timeline.NewBatchSampler(shard, cfg.Training.MinibatchSize, networkSeed, false)
			if err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			// Uneven shards would desynchronize the lock-step barrier; every worker
			// runs the group-wide minimum number of batches per epoch.
			sampler.SetEpochLimit((ds.Len() / worldSize) / cfg.Training.MinibatchSize)

			var epochCb func(int)
			if rank == 0 {
				epochCb = onEpoch
			}
			rep, err := tr.Run(ctx, sampler, epochCb)
			if err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			mu.Lock()
			result.Reports[rank] = rep
			if rank == 0 {
				result.Network = tr.Online()
			}
			mu.Unlock()
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
