// Package distributed coordinates the data-parallel worker group: rendezvous at job
// start, per-step barrier and gradient all-reduce. Workers are device-bound
// goroutines in one process; the all-reduce averages gradients in rank order, so
// every worker receives a numerically identical result and the model replicas never
// diverge.
package distributed

import (
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

var (
	// ErrRendezvousTimeout reports workers missing at the startup rendezvous. Fatal.
	ErrRendezvousTimeout = errors.New("rendezvous timeout")
	// ErrWorkerFailure reports a worker that did not reach the per-step barrier. Fatal
	// for the whole job: there is no partial-quorum continuation.
	ErrWorkerFailure = errors.New("worker failure")
)

// round is the state of one all-reduce: contributions by rank, and the mean result
// published by closing done.
type round struct {
	contrib [][]float64
	count   int
	result  []float64
	done    chan struct{}
}

func newRound(size int) *round {
	return &round{contrib: make([][]float64, size), done: make(chan struct{})}
}

// Group is the rendezvous and reduction point shared by all workers of a job.
type Group struct {
	size        int
	joinTimeout time.Duration
	stepTimeout time.Duration

	mu      sync.Mutex
	joined  int
	current *round

	joinDone chan struct{}
}

// NewGroup creates a coordination group for size workers.
//
// initMethod, when non-empty, must be a file:// endpoint; the file is created as the
// job's rendezvous marker, mirroring single-node file-based rendezvous. The actual
// barrier and reduction run in-process.
func NewGroup(size int, initMethod string, joinTimeout, stepTimeout time.Duration) (*Group, error) {
	if size < 1 {
		return nil, errors.Errorf("group size must be >= 1, got %d", size)
	}
	if initMethod != "" {
		u, err := url.Parse(initMethod)
		if err != nil || u.Scheme != "file" {
			return nil, errors.Errorf("init method %q is not a file:// endpoint", initMethod)
		}
		f, err := os.OpenFile(u.Path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create rendezvous file %s", u.Path)
		}
		_ = f.Close()
	}
	return &Group{
		size:        size,
		joinTimeout: joinTimeout,
		stepTimeout: stepTimeout,
		current:     newRound(size),
		joinDone:    make(chan struct{}),
	}, nil
}

// Size returns the number of workers in the group.
func (g *Group) Size() int { return g.size }

// Join blocks until every worker of the group has joined, then returns this worker's
// handle. Exceeding the startup timeout fails the job.
func (g *Group) Join(rank int) (*Worker, error) {
	if rank < 0 || rank >= g.size {
		return nil, errors.Errorf("rank %d out of range for group of %d", rank, g.size)
	}
	g.mu.Lock()
	g.joined++
	if g.joined == g.size {
		close(g.joinDone)
	}
	g.mu.Unlock()

	select {
	case <-g.joinDone:
	case <-time.After(g.joinTimeout):
		g.mu.Lock()
		missing := g.size - g.joined
		g.mu.Unlock()
		return nil, errors.Wrapf(ErrRendezvousTimeout,
			"rank %d: %d of %d workers missing after %s", rank, missing, g.size, g.joinTimeout)
	}
	klog.V(1).Infof("Worker %d of %d joined the process group", rank, g.size)
	return &Worker{group: g, rank: rank}, nil
}

// Worker is one member's handle on the group. It implements the trainer's Reducer.
type Worker struct {
	group *Group
	rank  int
}

// Rank returns this worker's rank in the group.
func (w *Worker) Rank() int { return w.rank }

// Reduce contributes this worker's gradient to the step's all-reduce and blocks
// until every worker has contributed, returning the mean gradient. The mean is
// accumulated once, in rank order, so every worker observes bit-identical values.
//
// A barrier not completed within the step timeout is a fatal worker failure.
func (w *Worker) Reduce(grad []float64) ([]float64, error) {
	g := w.group

	g.mu.Lock()
	r := g.current
	if r.contrib[w.rank] != nil {
		g.mu.Unlock()
		return nil, errors.Errorf("rank %d contributed twice to the same all-reduce round", w.rank)
	}
	r.contrib[w.rank] = grad
	r.count++
	if r.count == g.size {
		r.result = make([]float64, len(grad))
		for rank := 0; rank < g.size; rank++ {
			if len(r.contrib[rank]) != len(grad) {
				g.mu.Unlock()
				return nil, errors.Wrapf(ErrWorkerFailure,
					"rank %d contributed a gradient of %d values, rank %d one of %d",
					rank, len(r.contrib[rank]), w.rank, len(grad))
			}
			floats.Add(r.result, r.contrib[rank])
		}
		floats.Scale(1/float64(g.size), r.result)
		g.current = newRound(g.size)
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(g.stepTimeout):
		return nil, errors.Wrapf(ErrWorkerFailure,
			"rank %d: all-reduce barrier not reached by the full group within %s", w.rank, g.stepTimeout)
	}
	out := make([]float64, len(r.result))
	copy(out, r.result)
	return out, nil
}
