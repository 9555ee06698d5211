// Package modelio serializes the training job's output artifact: the trained network
// spec and parameters together with the normalization statistics, written once at
// job completion.
package modelio

import (
	"encoding/json"
	"os"

	"github.com/offlineq/offlineq/internal/network"
	"github.com/offlineq/offlineq/internal/normalize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Artifact is the serialized model: everything needed to rebuild the network and
// apply the identical state transform at serving time.
type Artifact struct {
	Actions    []string          `json:"actions"`
	Spec       network.Spec      `json:"network_spec"`
	InputDim   int               `json:"input_dim"`
	Dueling    bool              `json:"dueling_architecture"`
	Parameters []float64         `json:"parameters"`
	Norm       *normalize.Params `json:"normalization"`
}

// FromTraining captures a trained network and its normalization as an artifact.
func FromTraining(net *network.QNetwork, norm *normalize.Params, actions []string) *Artifact {
	return &Artifact{
		Actions:    actions,
		Spec:       net.Spec(),
		InputDim:   net.InputDim(),
		Dueling:    net.Dueling(),
		Parameters: net.ParamsVector(),
		Norm:       norm,
	}
}

// Network rebuilds the trained network from the artifact.
func (a *Artifact) Network() (*network.QNetwork, error) {
	net, err := network.Build(a.Spec, a.InputDim, len(a.Actions), a.Dueling, 0)
	if err != nil {
		return nil, err
	}
	if err = net.SetParamsVector(a.Parameters); err != nil {
		return nil, err
	}
	return net, nil
}

// Save writes the artifact to path. An existing file is kept as path~ before the
// new artifact is written.
func Save(path string, a *Artifact) error {
	if path == "" {
		klog.Warningf("No model output path configured, not saving")
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err = os.Rename(path, path+"~"); err != nil {
			return errors.Wrapf(err, "failed to rename %s to %s", path, path+"~")
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat %s", path)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode model artifact")
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to save model artifact to %s", path)
	}
	klog.V(1).Infof("Saved model artifact (%d parameters) to %s", len(a.Parameters), path)
	return nil
}

// Load reads an artifact back from path.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model artifact from %s", path)
	}
	a := &Artifact{}
	if err = json.Unmarshal(data, a); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model artifact from %s", path)
	}
	return a, nil
}
