// Package evaluator replays an evaluation timeline through a frozen trained network
// and reports value estimates. It never mutates network parameters; training and
// evaluation timelines are expected to be disjoint.
package evaluator

import (
	"github.com/offlineq/offlineq/internal/network"
	"github.com/offlineq/offlineq/internal/normalize"
	"github.com/offlineq/offlineq/internal/policy"
	"github.com/offlineq/offlineq/internal/timeline"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// evalChunk bounds the batch size of evaluation forward passes.
const evalChunk = 1024

// Report summarizes the frozen policy's fit to the evaluation timeline.
type Report struct {
	// Count of evaluated transitions.
	Count int
	// MeanQ is the mean predicted Q-value of the logged actions.
	MeanQ float64
	// MeanTDResidual is the mean temporal-difference residual
	// r + gamma*max_a' Q(s',a') - Q(s,a), with zero bootstrap on terminals.
	MeanTDResidual float64
	// GreedyMatch is the fraction of transitions whose logged action is the
	// network's greedy choice.
	GreedyMatch float64
}

// Evaluate replays the timeline through the network. Read-only.
func Evaluate(net *network.QNetwork, norm *normalize.Params, ds *timeline.Dataset, gamma float64) (Report, error) {
	if ds.Len() == 0 {
		return Report{}, errors.New("evaluation timeline is empty")
	}
	if norm.Dim() != net.InputDim() {
		return Report{}, errors.Wrapf(network.ErrShapeMismatch,
			"normalization fitted for %d features, network expects %d", norm.Dim(), net.InputDim())
	}

	var rep Report
	var sumQ, sumTD, matches float64
	row := make([]float64, net.NumActions())
	nextRow := make([]float64, net.NumActions())
	for start := 0; start < ds.Len(); start += evalChunk {
		end := min(start+evalChunk, ds.Len())
		n := end - start
		states := mat.NewDense(n, norm.Dim(), nil)
		nextStates := mat.NewDense(n, norm.Dim(), nil)
		for i := 0; i < n; i++ {
			tr := ds.At(start + i)
			norm.ApplyTo(states.RawRowView(i), tr.State)
			norm.ApplyTo(nextStates.RawRowView(i), tr.NextState)
		}
		q, err := net.Forward(states)
		if err != nil {
			return Report{}, err
		}
		qNext, err := net.Forward(nextStates)
		if err != nil {
			return Report{}, err
		}
		for i := 0; i < n; i++ {
			tr := ds.At(start + i)
			mat.Row(row, i, q)
			taken := row[tr.Action]
			sumQ += taken
			if policy.Argmax(row) == tr.Action {
				matches++
			}
			bootstrap := 0.0
			if !tr.Terminal {
				mat.Row(nextRow, i, qNext)
				bootstrap = gamma * nextRow[policy.Argmax(nextRow)]
			}
			sumTD += tr.Reward + bootstrap - taken
		}
	}

	total := float64(ds.Len())
	rep.Count = ds.Len()
	rep.MeanQ = sumQ / total
	rep.MeanTDResidual = sumTD / total
	rep.GreedyMatch = matches / total
	klog.V(1).Infof("Evaluated %d transitions: meanQ=%g tdResidual=%g greedyMatch=%.3f",
		rep.Count, rep.MeanQ, rep.MeanTDResidual, rep.GreedyMatch)
	return rep, nil
}
