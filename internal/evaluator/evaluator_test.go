package evaluator

import (
	"testing"

	"github.com/offlineq/offlineq/internal/network"
	"github.com/offlineq/offlineq/internal/normalize"
	"github.com/offlineq/offlineq/internal/policy"
	"github.com/offlineq/offlineq/internal/timeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func evalNetwork(t *testing.T) *network.QNetwork {
	t.Helper()
	net, err := network.Build(
		network.Spec{Layers: []int{-1, 6, -1}, Activations: []string{"tanh", "linear"}},
		2, 2, false, 42)
	require.NoError(t, err)
	return net
}

func TestEvaluateMatchesHandComputation(t *testing.T) {
	net := evalNetwork(t)
	norm := normalize.Identity(2)
	transitions := []timeline.Transition{
		{State: []float64{1, 0}, Action: 0, Reward: 1, NextState: []float64{0, 1}},
		{State: []float64{0, 1}, Action: 1, Reward: -2, NextState: []float64{1, 1}, Terminal: true},
		{State: []float64{1, 1}, Action: 0, Reward: 0.5, NextState: []float64{0, 0}},
	}
	ds, err := timeline.FromTransitions(transitions)
	require.NoError(t, err)

	const gamma = 0.9
	rep, err := Evaluate(net, norm, ds, gamma)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Count)

	var sumQ, sumTD, matches float64
	row := make([]float64, 2)
	for _, tr := range transitions {
		q, err := net.Forward(mat.NewDense(1, 2, tr.State))
		require.NoError(t, err)
		mat.Row(row, 0, q)
		taken := row[tr.Action]
		sumQ += taken
		if policy.Argmax(row) == tr.Action {
			matches++
		}
		bootstrap := 0.0
		if !tr.Terminal {
			qNext, err := net.Forward(mat.NewDense(1, 2, tr.NextState))
			require.NoError(t, err)
			mat.Row(row, 0, qNext)
			bootstrap = gamma * row[policy.Argmax(row)]
		}
		sumTD += tr.Reward + bootstrap - taken
	}
	assert.InDelta(t, sumQ/3, rep.MeanQ, 1e-12)
	assert.InDelta(t, sumTD/3, rep.MeanTDResidual, 1e-12)
	assert.InDelta(t, matches/3, rep.GreedyMatch, 1e-12)
}

func TestEvaluateIsReadOnly(t *testing.T) {
	net := evalNetwork(t)
	before := net.ParamsVector()
	ds, err := timeline.FromTransitions([]timeline.Transition{
		{State: []float64{1, 0}, Action: 0, Reward: 1, NextState: []float64{0, 1}},
	})
	require.NoError(t, err)
	_, err = Evaluate(net, normalize.Identity(2), ds, 0.99)
	require.NoError(t, err)
	assert.Equal(t, before, net.ParamsVector())
}

func TestEvaluateErrors(t *testing.T) {
	net := evalNetwork(t)
	_, err := Evaluate(net, normalize.Identity(2), &timeline.Dataset{}, 0.99)
	assert.Error(t, err)

	ds, err := timeline.FromTransitions([]timeline.Transition{
		{State: []float64{1, 0}, Action: 0, Reward: 1, NextState: []float64{0, 1}},
	})
	require.NoError(t, err)
	_, err = Evaluate(net, normalize.Identity(5), ds, 0.99)
	assert.True(t, errors.Is(err, network.ErrShapeMismatch))
}
