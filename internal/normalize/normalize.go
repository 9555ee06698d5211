// Package normalize computes and applies per-feature normalization statistics from a
// bounded sample of states. The statistics are fitted once before training starts and
// never updated afterward, so every worker and the evaluator apply the identical
// transform.
package normalize

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// ErrInsufficientData reports a normalization sample too small or degenerate to fit.
var ErrInsufficientData = errors.New("insufficient data to fit normalization")

// minStdDev is the clamp applied to (near-)zero-variance features so Apply never
// divides by zero.
const minStdDev = 1e-6

// Params holds the fitted per-feature statistics. Immutable after Fit; shared
// read-only by every worker.
type Params struct {
	// Mean and StdDev have one entry per state feature. Features outside the fitted
	// column set keep mean 0 and stddev 1, making Apply the identity for them.
	Mean   []float64 `json:"mean"`
	StdDev []float64 `json:"stddev"`

	// Cols are the normalized columns, in ascending order.
	Cols []int `json:"cols"`
}

// Fit computes per-feature mean and standard deviation over the sample, restricted
// to the cols column set (nil or empty means every column).
//
// An empty sample is ErrInsufficientData. A zero-variance feature does not fail:
// its stddev is clamped to a small epsilon so normalized values stay finite.
func Fit(sample [][]float64, cols []int) (*Params, error) {
	if len(sample) == 0 {
		return nil, errors.Wrap(ErrInsufficientData, "normalization sample is empty")
	}
	dim := len(sample[0])
	if dim == 0 {
		return nil, errors.Wrap(ErrInsufficientData, "normalization sample has zero-width states")
	}
	for i, state := range sample {
		if len(state) != dim {
			return nil, errors.Errorf("sample state %d has width %d, expected %d", i, len(state), dim)
		}
	}
	if len(cols) == 0 {
		cols = make([]int, dim)
		for i := range cols {
			cols[i] = i
		}
	}

	p := &Params{
		Mean:   make([]float64, dim),
		StdDev: make([]float64, dim),
		Cols:   append([]int(nil), cols...),
	}
	for i := range p.StdDev {
		p.StdDev[i] = 1
	}

	column := make([]float64, len(sample))
	clamped := 0
	for _, col := range cols {
		if col < 0 || col >= dim {
			return nil, errors.Errorf("cols_to_norm column %d is out of range for state dim %d", col, dim)
		}
		for i, state := range sample {
			column[i] = state[col]
		}
		mean, std := stat.MeanStdDev(column, nil)
		if !(std > minStdDev) { // catches NaN from single-element samples too
			std = minStdDev
			clamped++
		}
		p.Mean[col] = mean
		p.StdDev[col] = std
	}
	if clamped > 0 {
		klog.V(1).Infof("Normalization fitted over %d states: %d of %d columns had (near-)zero variance, stddev clamped to %g",
			len(sample), clamped, len(cols), minStdDev)
	}
	return p, nil
}

// Dim returns the state dimensionality the params were fitted for.
func (p *Params) Dim() int { return len(p.Mean) }

// Apply returns the normalized copy of state: (x - mean) / stddev elementwise on the
// fitted columns, identity elsewhere. Deterministic and side-effect free.
func (p *Params) Apply(state []float64) []float64 {
	out := make([]float64, len(state))
	p.ApplyTo(out, state)
	return out
}

// ApplyTo normalizes state into dst, which must have the same length.
func (p *Params) ApplyTo(dst, state []float64) {
	copy(dst, state)
	for _, col := range p.Cols {
		dst[col] = (state[col] - p.Mean[col]) / p.StdDev[col]
	}
}

// Identity returns params that leave every feature of a dim-wide state unchanged.
// Used when a job is configured without normalization.
func Identity(dim int) *Params {
	p := &Params{
		Mean:   make([]float64, dim),
		StdDev: make([]float64, dim),
	}
	for i := range p.StdDev {
		p.StdDev[i] = 1
	}
	return p
}
