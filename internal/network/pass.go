package network

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Pass holds the intermediate activations of one forward evaluation, enough to
// backpropagate an arbitrary dLoss/dQ through the network.
type Pass struct {
	net *QNetwork

	// xs[0] is the input batch; xs[i+1] is the output of hidden layer i.
	xs []*mat.Dense

	// outA is the output-layer activation (the Q matrix) when not dueling.
	outA *mat.Dense
	// vOut [n x 1] and aOut [n x numActions] are the dueling head activations.
	vOut, aOut *mat.Dense

	q *mat.Dense
}

// ForwardPass evaluates the network on a batch of states, keeping the activations
// needed for Backward.
func (n *QNetwork) ForwardPass(states *mat.Dense) (*Pass, error) {
	batch, width := states.Dims()
	if width != n.inputDim {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"input batch has width %d, network expects %d", width, n.inputDim)
	}

	p := &Pass{net: n, xs: make([]*mat.Dense, 0, len(n.hidden)+1)}
	p.xs = append(p.xs, states)
	cur := states
	for _, l := range n.hidden {
		cur = l.forward(cur)
		p.xs = append(p.xs, cur)
	}

	if !n.dueling {
		p.outA = n.output.forward(cur)
		p.q = p.outA
		return p, nil
	}

	p.vOut = n.value.forward(cur)
	p.aOut = n.advantage.forward(cur)
	k := n.numActions
	p.q = mat.NewDense(batch, k, nil)
	for i := 0; i < batch; i++ {
		meanAdv := 0.0
		for j := 0; j < k; j++ {
			meanAdv += p.aOut.At(i, j)
		}
		meanAdv /= float64(k)
		v := p.vOut.At(i, 0)
		for j := 0; j < k; j++ {
			p.q.Set(i, j, v+p.aOut.At(i, j)-meanAdv)
		}
	}
	return p, nil
}

// Q returns the Q-value matrix [batch x numActions] of this pass.
func (p *Pass) Q() *mat.Dense { return p.q }

// Backward propagates dLoss/dQ through the pass and returns the gradient as one
// flat vector laid out exactly like QNetwork.ParamsVector.
func (p *Pass) Backward(dQ *mat.Dense) ([]float64, error) {
	n := p.net
	batch, _ := p.xs[0].Dims()
	gr, gc := dQ.Dims()
	if gr != batch || gc != n.numActions {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"dQ has shape [%d x %d], expected [%d x %d]", gr, gc, batch, n.numActions)
	}

	grad := make([]float64, n.NumParams())
	offsets := map[*dense]int{}
	off := 0
	for _, l := range n.layers() {
		offsets[l] = off
		off += l.numParams()
	}

	trunkOut := p.xs[len(p.xs)-1]
	var dTrunk *mat.Dense
	if !n.dueling {
		dTrunk = layerBackward(n.output, trunkOut, p.outA, dQ, grad[offsets[n.output]:])
	} else {
		k := n.numActions
		dV := mat.NewDense(batch, 1, nil)
		dA := mat.NewDense(batch, k, nil)
		for i := 0; i < batch; i++ {
			rowSum := 0.0
			for j := 0; j < k; j++ {
				rowSum += dQ.At(i, j)
			}
			dV.Set(i, 0, rowSum)
			for j := 0; j < k; j++ {
				dA.Set(i, j, dQ.At(i, j)-rowSum/float64(k))
			}
		}
		dTrunk = layerBackward(n.value, trunkOut, p.vOut, dV, grad[offsets[n.value]:])
		dTrunkAdv := layerBackward(n.advantage, trunkOut, p.aOut, dA, grad[offsets[n.advantage]:])
		dTrunk.Add(dTrunk, dTrunkAdv)
	}

	dCur := dTrunk
	for i := len(n.hidden) - 1; i >= 0; i-- {
		l := n.hidden[i]
		dCur = layerBackward(l, p.xs[i], p.xs[i+1], dCur, grad[offsets[l]:])
	}
	return grad, nil
}

// layerBackward computes the weight/bias gradients of one dense layer into the flat
// gradient slice and returns dLoss/dInput for the layer below.
//
// x is the layer input, out its activation output, dOut the incoming dLoss/dOut.
func layerBackward(l *dense, x, out, dOut *mat.Dense, flat []float64) *mat.Dense {
	batch, _ := x.Dims()

	// dZ = dOut * act'(out)
	dZ := mat.NewDense(batch, l.out, nil)
	for i := 0; i < batch; i++ {
		for j := 0; j < l.out; j++ {
			dZ.Set(i, j, dOut.At(i, j)*activationDeriv(l.act, out.At(i, j)))
		}
	}

	wGrad := mat.NewDense(l.in, l.out, flat[:l.in*l.out])
	wGrad.Mul(x.T(), dZ)
	bGrad := flat[l.in*l.out : l.in*l.out+l.out]
	for j := 0; j < l.out; j++ {
		sum := 0.0
		for i := 0; i < batch; i++ {
			sum += dZ.At(i, j)
		}
		bGrad[j] = sum
	}

	dX := mat.NewDense(batch, l.in, nil)
	dX.Mul(dZ, l.w.T())
	return dX
}
