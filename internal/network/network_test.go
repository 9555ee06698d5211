package network

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var testSpec = Spec{
	Layers:      []int{-1, 5, -1},
	Activations: []string{"tanh", "linear"},
}

func TestSpecValidate(t *testing.T) {
	assert.NoError(t, testSpec.Validate())
	assert.Error(t, Spec{Layers: []int{-1}, Activations: nil}.Validate())
	assert.Error(t, Spec{Layers: []int{-1, 4, -1}, Activations: []string{"relu"}}.Validate())
	assert.Error(t, Spec{Layers: []int{-1, 0, -1}, Activations: []string{"relu", "linear"}}.Validate())
	assert.Error(t, Spec{Layers: []int{-1, 4, -1}, Activations: []string{"swish", "linear"}}.Validate())
}

func TestBuildResolvesPlaceholders(t *testing.T) {
	net, err := Build(testSpec, 3, 2, false, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, net.InputDim())
	assert.Equal(t, 2, net.NumActions())
	// 3*5+5 hidden plus 5*2+2 output.
	assert.Equal(t, 32, net.NumParams())

	// Explicit widths must match the actual dimensions on both ends.
	_, err = Build(Spec{Layers: []int{-1, 5, 3}, Activations: []string{"tanh", "linear"}}, 3, 2, false, 42)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = Build(Spec{Layers: []int{4, 5, -1}, Activations: []string{"tanh", "linear"}}, 3, 2, false, 42)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	// Matching explicit widths build fine.
	_, err = Build(Spec{Layers: []int{3, 5, 2}, Activations: []string{"tanh", "linear"}}, 3, 2, false, 42)
	assert.NoError(t, err)
}

func TestForwardShapeMismatch(t *testing.T) {
	net, err := Build(testSpec, 3, 2, false, 42)
	require.NoError(t, err)
	_, err = net.Forward(mat.NewDense(4, 7, nil))
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestBuildIsDeterministic(t *testing.T) {
	a, err := Build(testSpec, 3, 2, true, 42)
	require.NoError(t, err)
	b, err := Build(testSpec, 3, 2, true, 42)
	require.NoError(t, err)
	assert.Equal(t, a.ParamsVector(), b.ParamsVector())

	c, err := Build(testSpec, 3, 2, true, 43)
	require.NoError(t, err)
	assert.NotEqual(t, a.ParamsVector(), c.ParamsVector())
}

func TestCloneIsACopy(t *testing.T) {
	net, err := Build(testSpec, 3, 2, false, 42)
	require.NoError(t, err)
	clone := net.Clone()
	assert.Equal(t, net.ParamsVector(), clone.ParamsVector())

	v := net.ParamsVector()
	v[0] += 1
	require.NoError(t, net.SetParamsVector(v))
	assert.NotEqual(t, net.ParamsVector(), clone.ParamsVector(), "clone must not share parameters")
}

func TestParamsVectorRoundTrip(t *testing.T) {
	net, err := Build(testSpec, 3, 2, true, 42)
	require.NoError(t, err)
	v := net.ParamsVector()
	require.NoError(t, net.SetParamsVector(v))
	assert.Equal(t, v, net.ParamsVector())

	assert.Error(t, net.SetParamsVector(v[:len(v)-1]))
}

func TestDuelingAdvantageIdentifiability(t *testing.T) {
	// Adding a constant to every advantage output must leave Q unchanged:
	// the mean-advantage subtraction removes the additive degree of freedom.
	net, err := Build(testSpec, 3, 2, true, 42)
	require.NoError(t, err)
	x := mat.NewDense(4, 3, []float64{
		0.1, -0.2, 0.3,
		1, 0, -1,
		0.5, 0.5, 0.5,
		-2, 1, 0,
	})
	before, err := net.Forward(x)
	require.NoError(t, err)

	// The advantage head is the last layer of the flat vector; its bias is the tail.
	v := net.ParamsVector()
	for i := len(v) - net.NumActions(); i < len(v); i++ {
		v[i] += 5
	}
	require.NoError(t, net.SetParamsVector(v))
	after, err := net.Forward(x)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		for j := 0; j < 2; j++ {
			assert.InDelta(t, before.At(i, j), after.At(i, j), 1e-9)
		}
	}
}

// TestBackwardMatchesFiniteDifferences checks the analytic gradient of the loss
// L = sum_ij(w_ij * Q_ij) against central finite differences, for both the plain
// and the dueling architecture.
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	for _, dueling := range []bool{false, true} {
		name := "plain"
		if dueling {
			name = "dueling"
		}
		t.Run(name, func(t *testing.T) {
			spec := Spec{Layers: []int{-1, 5, -1}, Activations: []string{"sigmoid", "linear"}}
			net, err := Build(spec, 3, 2, dueling, 42)
			require.NoError(t, err)

			rng := rand.New(rand.NewPCG(7, 0)) // Ensure reproducibility
			const batch = 4
			x := mat.NewDense(batch, 3, nil)
			dQ := mat.NewDense(batch, 2, nil)
			for i := 0; i < batch; i++ {
				for j := 0; j < 3; j++ {
					x.Set(i, j, rng.NormFloat64())
				}
				for j := 0; j < 2; j++ {
					dQ.Set(i, j, rng.NormFloat64())
				}
			}

			lossAt := func(v []float64) float64 {
				require.NoError(t, net.SetParamsVector(v))
				q, err := net.Forward(x)
				require.NoError(t, err)
				sum := 0.0
				for i := 0; i < batch; i++ {
					for j := 0; j < 2; j++ {
						sum += dQ.At(i, j) * q.At(i, j)
					}
				}
				return sum
			}

			base := net.ParamsVector()
			pass, err := net.ForwardPass(x)
			require.NoError(t, err)
			grad, err := pass.Backward(dQ)
			require.NoError(t, err)
			require.Len(t, grad, net.NumParams())

			const h = 1e-6
			for i := range base {
				perturbed := append([]float64(nil), base...)
				perturbed[i] = base[i] + h
				up := lossAt(perturbed)
				perturbed[i] = base[i] - h
				down := lossAt(perturbed)
				numeric := (up - down) / (2 * h)
				assert.InDelta(t, numeric, grad[i], 1e-5, "param %d", i)
			}
			require.NoError(t, net.SetParamsVector(base))
		})
	}
}

func TestActivations(t *testing.T) {
	for name, check := range map[string]func(float64) float64{
		"relu":    func(z float64) float64 { return math.Max(z, 0) },
		"linear":  func(z float64) float64 { return z },
		"tanh":    math.Tanh,
		"sigmoid": func(z float64) float64 { return 1 / (1 + math.Exp(-z)) },
	} {
		act, err := ActivationFromName(name)
		require.NoError(t, err)
		for _, z := range []float64{-2, -0.5, 0, 0.5, 2} {
			assert.InDelta(t, check(z), activate(act, z), 1e-12, "%s(%v)", name, z)
		}
	}
	_, err := ActivationFromName("swish")
	assert.Error(t, err)
}
