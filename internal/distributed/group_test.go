package distributed

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestReduceAverages(t *testing.T) {
	group, err := NewGroup(2, "", time.Second, time.Second)
	require.NoError(t, err)

	grads := [][]float64{{1, 3}, {3, 5}}
	results := make([][]float64, 2)
	var wg errgroup.Group
	for rank := 0; rank < 2; rank++ {
		wg.Go(func() error {
			worker, err := group.Join(rank)
			if err != nil {
				return err
			}
			results[rank], err = worker.Reduce(grads[rank])
			return err
		})
	}
	require.NoError(t, wg.Wait())

	// Every worker observes the identical mean.
	assert.Equal(t, []float64{2, 4}, results[0])
	assert.Equal(t, []float64{2, 4}, results[1])
}

func TestReduceSuccessiveRounds(t *testing.T) {
	group, err := NewGroup(2, "", time.Second, time.Second)
	require.NoError(t, err)

	var wg errgroup.Group
	for rank := 0; rank < 2; rank++ {
		wg.Go(func() error {
			worker, err := group.Join(rank)
			if err != nil {
				return err
			}
			for round := 0; round < 5; round++ {
				got, err := worker.Reduce([]float64{float64(round), float64(rank)})
				if err != nil {
					return err
				}
				if got[0] != float64(round) || got[1] != 0.5 {
					return errors.Errorf("rank %d round %d: got %v", rank, round, got)
				}
			}
			return nil
		})
	}
	require.NoError(t, wg.Wait())
}

func TestSingleWorkerReduceIsIdentity(t *testing.T) {
	group, err := NewGroup(1, "", time.Second, time.Second)
	require.NoError(t, err)
	worker, err := group.Join(0)
	require.NoError(t, err)
	got, err := worker.Reduce([]float64{1.5, -2})
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2}, got)
}

func TestJoinTimeout(t *testing.T) {
	group, err := NewGroup(2, "", 20*time.Millisecond, time.Second)
	require.NoError(t, err)
	_, err = group.Join(0)
	assert.True(t, errors.Is(err, ErrRendezvousTimeout))
}

func TestJoinRejectsBadRank(t *testing.T) {
	group, err := NewGroup(2, "", time.Second, time.Second)
	require.NoError(t, err)
	_, err = group.Join(2)
	assert.Error(t, err)
	_, err = group.Join(-1)
	assert.Error(t, err)
}

func TestStepTimeoutIsWorkerFailure(t *testing.T) {
	group, err := NewGroup(2, "", time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	var wg errgroup.Group
	for rank := 0; rank < 2; rank++ {
		wg.Go(func() error {
			_, err := group.Join(rank)
			return err
		})
	}
	require.NoError(t, wg.Wait())

	// Rank 1 never contributes; rank 0's barrier must fail, not hang.
	worker := &Worker{group: group, rank: 0}
	_, err = worker.Reduce([]float64{1})
	assert.True(t, errors.Is(err, ErrWorkerFailure))
}

func TestRendezvousFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rendezvous")
	_, err := NewGroup(1, "file://"+path, time.Second, time.Second)
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err, "rendezvous marker must exist")

	_, err = NewGroup(1, "tcp://localhost:1234", time.Second, time.Second)
	assert.Error(t, err)
}
