// Package policy converts Q-value vectors into action choices. Two mutually
// exclusive modes exist, selected once at construction: epsilon-greedy and
// softmax-with-temperature sampling.
package policy

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// ErrInvalidTemperature reports a non-positive softmax temperature.
var ErrInvalidTemperature = errors.New("softmax temperature must be > 0")

// Mode is the closed enumeration of selection strategies.
type Mode int

const (
	// ModeEpsilonGreedy returns a uniformly random action with probability epsilon
	// and the argmax otherwise.
	ModeEpsilonGreedy Mode = iota
	// ModeSoftmax samples from softmax(q / temperature).
	ModeSoftmax
)

// Policy selects actions from Q-value vectors. The rng is injected so callers
// control determinism; Policy methods are not safe for concurrent use.
type Policy struct {
	mode        Mode
	epsilon     float64
	temperature float64
	rng         *rand.Rand
}

// NewEpsilonGreedy creates an epsilon-greedy policy.
func NewEpsilonGreedy(epsilon float64, rng *rand.Rand) (*Policy, error) {
	if epsilon < 0 || epsilon > 1 {
		return nil, errors.Errorf("epsilon must be in [0, 1], got %g", epsilon)
	}
	return &Policy{mode: ModeEpsilonGreedy, epsilon: epsilon, rng: rng}, nil
}

// NewSoftmax creates a softmax sampling policy. Temperature towards 0 approaches
// greedy selection, towards infinity approaches uniform.
func NewSoftmax(temperature float64, rng *rand.Rand) (*Policy, error) {
	if temperature <= 0 {
		return nil, errors.Wrapf(ErrInvalidTemperature, "got %g", temperature)
	}
	return &Policy{mode: ModeSoftmax, temperature: temperature, rng: rng}, nil
}

// Mode returns the selection mode chosen at construction.
func (p *Policy) Mode() Mode { return p.mode }

// Select returns an action index for the given Q-value vector.
func (p *Policy) Select(q []float64) (int, error) {
	if len(q) == 0 {
		return 0, errors.New("cannot select from an empty Q-value vector")
	}
	switch p.mode {
	case ModeSoftmax:
		return p.sampleCategorical(p.Distribution(q)), nil
	default:
		if p.epsilon > 0 && p.rng.Float64() < p.epsilon {
			return p.rng.IntN(len(q)), nil
		}
		return Argmax(q), nil
	}
}

// Distribution returns the selection probabilities of the policy for the given
// Q-values: softmax(q/temperature) in softmax mode, the epsilon-smeared greedy
// distribution otherwise.
func (p *Policy) Distribution(q []float64) []float64 {
	probs := make([]float64, len(q))
	if p.mode == ModeEpsilonGreedy {
		uniform := p.epsilon / float64(len(q))
		for i := range probs {
			probs[i] = uniform
		}
		probs[Argmax(q)] += 1 - p.epsilon
		return probs
	}

	// Softmax with max subtraction to keep the exponentials in range.
	maxQ := q[Argmax(q)]
	sum := 0.0
	for i, v := range q {
		probs[i] = math.Exp((v - maxQ) / p.temperature)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func (p *Policy) sampleCategorical(probs []float64) int {
	r := p.rng.Float64()
	acc := 0.0
	for i, prob := range probs {
		acc += prob
		if r < acc {
			return i
		}
	}
	return len(probs) - 1
}

// Argmax returns the index of the largest Q-value, breaking ties by the lowest
// action index for determinism.
func Argmax(q []float64) int {
	best := 0
	for i := 1; i < len(q); i++ {
		if q[i] > q[best] {
			best = i
		}
	}
	return best
}
