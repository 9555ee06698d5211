package trainer

import (
	"math"

	"github.com/pkg/errors"
)

// adam implements the Adam optimizer over the flat parameter vector, with decoupled
// per-epoch multiplicative learning-rate decay and L2 weight decay folded into the
// gradient, matching the conventional optimizer wiring.
type adam struct {
	lr0         float64
	lrDecay     float64
	weightDecay float64
	beta1       float64
	beta2       float64
	eps         float64

	m, v []float64
	step int
}

func newAdam(lr, lrDecay, weightDecay float64, numParams int) (*adam, error) {
	if lr <= 0 {
		return nil, errors.Errorf("learning rate must be > 0, got %g", lr)
	}
	return &adam{
		lr0:         lr,
		lrDecay:     lrDecay,
		weightDecay: weightDecay,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		m:           make([]float64, numParams),
		v:           make([]float64, numParams),
	}, nil
}

// learningRate at the given epoch: lr0 * lrDecay^epoch.
func (a *adam) learningRate(epoch int) float64 {
	if a.lrDecay == 1 || a.lrDecay == 0 {
		return a.lr0
	}
	return a.lr0 * math.Pow(a.lrDecay, float64(epoch))
}

// Step applies one bias-corrected Adam update to params in place.
func (a *adam) Step(params, grad []float64, epoch int) error {
	if len(params) != len(a.m) || len(grad) != len(a.m) {
		return errors.Errorf("optimizer sized for %d params, got %d params and %d gradients",
			len(a.m), len(params), len(grad))
	}
	a.step++
	lr := a.learningRate(epoch)
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i := range params {
		g := grad[i]
		if a.weightDecay > 0 {
			g += a.weightDecay * params[i]
		}
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		mHat := a.m[i] / c1
		vHat := a.v[i] / c2
		params[i] -= lr * mHat / (math.Sqrt(vHat) + a.eps)
	}
	return nil
}
