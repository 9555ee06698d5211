// Package network builds and evaluates the Q-value function approximator: a
// feed-forward network assembled from a layer/activation spec, optionally split into
// dueling value/advantage heads.
//
// The network owns its parameters as plain float64 tensors and exposes them as one
// ordered flat vector, so the trainer, the target synchronizer and the gradient
// all-reduce all operate on the same representation. Gradients are computed
// explicitly by Pass.Backward.
package network

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is the cause of every input/topology dimensionality failure.
// The wrapping message carries the expected and actual shapes.
var ErrShapeMismatch = errors.New("shape mismatch")

// dense is one linear layer, weights [in x out] plus bias, followed by an activation.
type dense struct {
	w   *mat.Dense
	b   []float64
	act Activation
	in  int
	out int
}

func newDense(in, out int, act Activation, rng *rand.Rand) *dense {
	l := &dense{
		w:   mat.NewDense(in, out, nil),
		b:   make([]float64, out),
		act: act,
		in:  in,
		out: out,
	}
	// Glorot-uniform, deterministic under the caller's seeded rng.
	limit := math.Sqrt(6.0 / float64(in+out))
	data := l.w.RawMatrix().Data
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return l
}

// forward computes act(x*w + b) for a batch x of shape [n x in].
func (l *dense) forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	out := mat.NewDense(n, l.out, nil)
	out.Mul(x, l.w)
	for i := 0; i < n; i++ {
		for j := 0; j < l.out; j++ {
			out.Set(i, j, activate(l.act, out.At(i, j)+l.b[j]))
		}
	}
	return out
}

func activate(a Activation, z float64) float64 {
	switch a {
	case ActivationReLU:
		if z > 0 {
			return z
		}
		return 0
	case ActivationTanh:
		return math.Tanh(z)
	case ActivationSigmoid:
		return 1 / (1 + math.Exp(-z))
	default:
		return z
	}
}

// activationDeriv is d(out)/d(z) expressed through the activation output, which is
// available for every supported activation.
func activationDeriv(a Activation, out float64) float64 {
	switch a {
	case ActivationReLU:
		if out > 0 {
			return 1
		}
		return 0
	case ActivationTanh:
		return 1 - out*out
	case ActivationSigmoid:
		return out * (1 - out)
	default:
		return 1
	}
}

func (l *dense) numParams() int { return l.in*l.out + l.out }

func (l *dense) clone() *dense {
	c := &dense{
		w:   mat.DenseCopyOf(l.w),
		b:   append([]float64(nil), l.b...),
		act: l.act,
		in:  l.in,
		out: l.out,
	}
	return c
}

// QNetwork is the Q-value function approximator. Parameters are exclusively owned by
// one trainer; reads and writes are not synchronized here.
type QNetwork struct {
	spec       Spec
	inputDim   int
	numActions int
	dueling    bool

	hidden []*dense
	// output is the final linear layer when not dueling.
	output *dense
	// value and advantage are the dueling heads, combined as
	// Q(s,a) = V(s) + A(s,a) - mean_a'(A(s,a')).
	value     *dense
	advantage *dense
}

// Build resolves the spec's placeholder dimensions against the actual feature
// dimensionality and action-set size and creates a network with deterministic,
// seeded Glorot-uniform weights.
func Build(spec Spec, inputDim, numActions int, dueling bool, seed uint64) (*QNetwork, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if inputDim <= 0 || numActions <= 0 {
		return nil, errors.Errorf("network needs positive dimensions, got input %d and actions %d", inputDim, numActions)
	}
	widths := append([]int(nil), spec.Layers...)
	if widths[0] == -1 {
		widths[0] = inputDim
	} else if widths[0] != inputDim {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"network input width %d does not match the feature dimensionality %d", widths[0], inputDim)
	}
	last := len(widths) - 1
	if widths[last] == -1 {
		widths[last] = numActions
	} else if widths[last] != numActions {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"network output width %d does not match the action set size %d", widths[last], numActions)
	}

	rng := rand.New(rand.NewPCG(seed, 0))
	n := &QNetwork{
		spec:       spec,
		inputDim:   widths[0],
		numActions: numActions,
		dueling:    dueling,
	}
	for i := 0; i < last-1; i++ {
		act, _ := ActivationFromName(spec.Activations[i])
		n.hidden = append(n.hidden, newDense(widths[i], widths[i+1], act, rng))
	}
	finalAct, _ := ActivationFromName(spec.Activations[last-1])
	if dueling {
		n.value = newDense(widths[last-1], 1, finalAct, rng)
		n.advantage = newDense(widths[last-1], numActions, finalAct, rng)
	} else {
		n.output = newDense(widths[last-1], numActions, finalAct, rng)
	}
	return n, nil
}

// InputDim returns the resolved input width.
func (n *QNetwork) InputDim() int { return n.inputDim }

// NumActions returns the action-set size (output width).
func (n *QNetwork) NumActions() int { return n.numActions }

// Dueling reports whether the network uses value/advantage heads.
func (n *QNetwork) Dueling() bool { return n.dueling }

// Spec returns the (unresolved) spec the network was built from.
func (n *QNetwork) Spec() Spec { return n.spec }

// layers returns every parameterized layer in the canonical flat-vector order.
func (n *QNetwork) layers() []*dense {
	ls := append([]*dense(nil), n.hidden...)
	if n.dueling {
		return append(ls, n.value, n.advantage)
	}
	return append(ls, n.output)
}

// NumParams returns the length of the flat parameter vector.
func (n *QNetwork) NumParams() int {
	total := 0
	for _, l := range n.layers() {
		total += l.numParams()
	}
	return total
}

// ParamsVector copies all parameters into one flat vector: for each layer in order,
// the row-major weights followed by the bias.
func (n *QNetwork) ParamsVector() []float64 {
	out := make([]float64, 0, n.NumParams())
	for _, l := range n.layers() {
		out = append(out, l.w.RawMatrix().Data...)
		out = append(out, l.b...)
	}
	return out
}

// SetParamsVector overwrites all parameters from a flat vector laid out as in
// ParamsVector.
func (n *QNetwork) SetParamsVector(v []float64) error {
	if len(v) != n.NumParams() {
		return errors.Wrapf(ErrShapeMismatch,
			"parameter vector has %d entries, network has %d", len(v), n.NumParams())
	}
	off := 0
	for _, l := range n.layers() {
		data := l.w.RawMatrix().Data
		off += copy(data, v[off:off+len(data)])
		off += copy(l.b, v[off:off+len(l.b)])
	}
	return nil
}

// Clone deep-copies the network: parameters are copied, never shared.
func (n *QNetwork) Clone() *QNetwork {
	c := &QNetwork{
		spec:       n.spec,
		inputDim:   n.inputDim,
		numActions: n.numActions,
		dueling:    n.dueling,
	}
	for _, l := range n.hidden {
		c.hidden = append(c.hidden, l.clone())
	}
	if n.dueling {
		c.value = n.value.clone()
		c.advantage = n.advantage.clone()
	} else {
		c.output = n.output.clone()
	}
	return c
}

// Forward evaluates the Q-value matrix [batch x numActions] for a batch of states.
func (n *QNetwork) Forward(states *mat.Dense) (*mat.Dense, error) {
	pass, err := n.ForwardPass(states)
	if err != nil {
		return nil, err
	}
	return pass.Q(), nil
}
