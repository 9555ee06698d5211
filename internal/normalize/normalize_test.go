package normalize

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestFitAndApply(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0)) // Ensure reproducibility
	const numStates, dim = 200, 3
	sample := make([][]float64, numStates)
	for i := range sample {
		sample[i] = []float64{
			rng.NormFloat64()*3 + 10,
			rng.NormFloat64() * 0.5,
			rng.Float64() * 100,
		}
	}

	p, err := Fit(sample, nil)
	require.NoError(t, err)
	require.Equal(t, dim, p.Dim())

	// apply(fit(sample)) maps the sample to zero mean and unit variance per feature.
	for col := 0; col < dim; col++ {
		normalized := make([]float64, numStates)
		for i, state := range sample {
			normalized[i] = p.Apply(state)[col]
		}
		mean, std := stat.MeanStdDev(normalized, nil)
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, std, 1e-9)
	}
}

func TestFitColumnSubset(t *testing.T) {
	sample := [][]float64{{1, 100}, {3, 200}, {5, 300}}
	p, err := Fit(sample, []int{0})
	require.NoError(t, err)

	got := p.Apply([]float64{3, 250})
	assert.InDelta(t, 0, got[0], 1e-9)      // column 0 normalized: 3 is the mean
	assert.InDelta(t, 250, got[1], 1e-9)    // column 1 untouched
}

func TestFitDegenerateFeature(t *testing.T) {
	// A single-valued feature must not produce a division by zero: normalized
	// values stay finite for every input.
	sample := [][]float64{{7, 1}, {7, 2}, {7, 3}}
	p, err := Fit(sample, nil)
	require.NoError(t, err)

	for _, state := range append(sample, []float64{7.5, 10}) {
		for _, v := range p.Apply(state) {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "normalized value %v is not finite", v)
		}
	}
}

func TestFitErrors(t *testing.T) {
	_, err := Fit(nil, nil)
	assert.True(t, errors.Is(err, ErrInsufficientData))

	_, err = Fit([][]float64{{}}, nil)
	assert.True(t, errors.Is(err, ErrInsufficientData))

	_, err = Fit([][]float64{{1, 2}, {1}}, nil)
	assert.Error(t, err)

	_, err = Fit([][]float64{{1, 2}, {3, 4}}, []int{5})
	assert.Error(t, err)
}

func TestApplyIsDeterministic(t *testing.T) {
	p, err := Fit([][]float64{{1, 2}, {3, 6}}, nil)
	require.NoError(t, err)
	state := []float64{2, 4}
	assert.Equal(t, p.Apply(state), p.Apply(state))
	// Apply does not mutate its input.
	assert.Equal(t, []float64{2, 4}, state)
}

func TestIdentity(t *testing.T) {
	p := Identity(3)
	state := []float64{1, -2, 3.5}
	assert.Equal(t, state, p.Apply(state))
}
