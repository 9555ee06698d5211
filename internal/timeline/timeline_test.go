package timeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testActions = []string{"left", "right"}

const validTimeline = `{"state":[0,1],"action":"left","reward":1.5,"next_state":[1,1],"terminal":false,"next_action":"right"}
{"state":[1,1],"action":"right","reward":-0.5,"next_state":[2,1],"terminal":true}
`

func TestRead(t *testing.T) {
	ds, err := Read(strings.NewReader(validTimeline), testActions)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, 2, ds.StateDim())

	first := ds.At(0)
	assert.Equal(t, []float64{0, 1}, first.State)
	assert.Equal(t, 0, first.Action)
	assert.Equal(t, 1.5, first.Reward)
	assert.Equal(t, 1, first.NextAction)
	assert.False(t, first.Terminal)

	second := ds.At(1)
	assert.Equal(t, 1, second.Action)
	assert.True(t, second.Terminal)
	assert.Equal(t, -1, second.NextAction, "missing next_action maps to -1")
}

func TestReadErrors(t *testing.T) {
	for name, input := range map[string]string{
		"malformed json": `{"state":[0,1],`,
		"unknown action": `{"state":[0,1],"action":"jump","reward":0,"next_state":[1,1],"terminal":false}`,
		"unknown next action": `{"state":[0,1],"action":"left","reward":0,"next_state":[1,1],"terminal":false,"next_action":"jump"}`,
		"empty state": `{"state":[],"action":"left","reward":0,"next_state":[],"terminal":false}`,
		"inconsistent width": validTimeline + `{"state":[0,1,2],"action":"left","reward":0,"next_state":[1,1,2],"terminal":false}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(input), testActions)
			assert.Error(t, err)
		})
	}
}

func makeDataset(t *testing.T, n int) *Dataset {
	t.Helper()
	transitions := make([]Transition, n)
	for i := range transitions {
		transitions[i] = Transition{
			State:      []float64{float64(i)},
			Action:     i % 2,
			Reward:     float64(i),
			NextState:  []float64{float64(i + 1)},
			NextAction: -1,
		}
	}
	ds, err := FromTransitions(transitions)
	require.NoError(t, err)
	return ds
}

func TestShard(t *testing.T) {
	ds := makeDataset(t, 5)

	s0 := ds.Shard(0, 2)
	s1 := ds.Shard(1, 2)
	require.Equal(t, 3, s0.Len())
	require.Equal(t, 2, s1.Len())
	// Transition i belongs to worker i mod worldSize; nothing is dropped or duplicated.
	assert.Equal(t, []float64{0}, s0.At(0).State)
	assert.Equal(t, []float64{2}, s0.At(1).State)
	assert.Equal(t, []float64{4}, s0.At(2).State)
	assert.Equal(t, []float64{1}, s1.At(0).State)
	assert.Equal(t, []float64{3}, s1.At(1).State)
	assert.Equal(t, ds.Len(), s0.Len()+s1.Len())

	// A single-worker group gets the whole dataset.
	assert.Equal(t, ds.Len(), ds.Shard(0, 1).Len())
}

func TestSampleStates(t *testing.T) {
	ds := makeDataset(t, 5)
	assert.Len(t, ds.SampleStates(3), 3)
	assert.Len(t, ds.SampleStates(100), 5)
	assert.Len(t, ds.SampleStates(0), 5)
}

func TestBatchSamplerSequential(t *testing.T) {
	ds := makeDataset(t, 5)
	s, err := NewBatchSampler(ds, 2, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, s.NumBatches())

	s.StartEpoch(0)
	first, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, []float64{0}, first[0].State)
	assert.Equal(t, []float64{1}, first[1].State)
	second, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, []float64{2}, second[0].State)
	// The trailing partial batch is dropped.
	_, ok = s.Next()
	assert.False(t, ok)
}

func TestBatchSamplerShuffleDeterminism(t *testing.T) {
	ds := makeDataset(t, 10)
	a, err := NewBatchSampler(ds, 5, 7, true)
	require.NoError(t, err)
	b, err := NewBatchSampler(ds, 5, 7, true)
	require.NoError(t, err)

	for epoch := range 3 {
		a.StartEpoch(epoch)
		b.StartEpoch(epoch)
		for {
			batchA, okA := a.Next()
			batchB, okB := b.Next()
			require.Equal(t, okA, okB)
			if !okA {
				break
			}
			assert.Equal(t, batchA, batchB, "same seed and epoch must replay the same batches")
		}
	}
}

func TestBatchSamplerEpochLimit(t *testing.T) {
	ds := makeDataset(t, 10)
	s, err := NewBatchSampler(ds, 2, 1, false)
	require.NoError(t, err)
	s.SetEpochLimit(3)
	s.StartEpoch(0)
	count := 0
	for {
		if _, ok := s.Next(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
}

func TestBatchSamplerErrors(t *testing.T) {
	ds := makeDataset(t, 3)
	_, err := NewBatchSampler(ds, 0, 1, false)
	assert.Error(t, err)
}
