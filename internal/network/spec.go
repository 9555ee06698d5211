package network

import (
	"github.com/pkg/errors"
)

// Spec describes the feed-forward topology: ordered layer widths and the activation
// applied after each linear layer. The first and last widths may be -1 placeholders,
// resolved to the state dimensionality and the action-set size at build time.
type Spec struct {
	Layers      []int    `json:"layers"`
	Activations []string `json:"activations"`
}

// Validate checks the arity invariant: len(Activations) == len(Layers)-1.
func (s Spec) Validate() error {
	if len(s.Layers) < 2 {
		return errors.Errorf("network spec needs at least input and output layers, got %d", len(s.Layers))
	}
	if len(s.Activations) != len(s.Layers)-1 {
		return errors.Errorf("network spec needs %d activations for %d layers, got %d",
			len(s.Layers)-1, len(s.Layers), len(s.Activations))
	}
	for i, width := range s.Layers[1 : len(s.Layers)-1] {
		if width <= 0 {
			return errors.Errorf("hidden layer %d has non-positive width %d", i+1, width)
		}
	}
	for _, name := range s.Activations {
		if _, err := ActivationFromName(name); err != nil {
			return err
		}
	}
	return nil
}

// Activation is a closed enumeration of the supported nonlinearities.
type Activation int

const (
	ActivationLinear Activation = iota
	ActivationReLU
	ActivationTanh
	ActivationSigmoid
)

// ActivationFromName resolves an activation name from a network spec.
func ActivationFromName(name string) (Activation, error) {
	switch name {
	case "linear":
		return ActivationLinear, nil
	case "relu":
		return ActivationReLU, nil
	case "tanh":
		return ActivationTanh, nil
	case "sigmoid":
		return ActivationSigmoid, nil
	}
	return ActivationLinear, errors.Errorf("unknown activation %q", name)
}

// String returns the spec name of the activation.
func (a Activation) String() string {
	switch a {
	case ActivationReLU:
		return "relu"
	case ActivationTanh:
		return "tanh"
	case ActivationSigmoid:
		return "sigmoid"
	default:
		return "linear"
	}
}
