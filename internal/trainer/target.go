package trainer

import (
	"github.com/offlineq/offlineq/internal/network"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// TargetSynchronizer owns the slowly-tracking copy of the online network that
// supplies the bootstrap targets. The copy is updated only through SoftUpdate,
// never by gradient descent, and only between a step's optimizer update and the
// next step's target reads.
type TargetSynchronizer struct {
	net *network.QNetwork
}

// NewTargetSynchronizer clones the online network's parameters exactly (a copy,
// not a shared reference).
func NewTargetSynchronizer(online *network.QNetwork) *TargetSynchronizer {
	return &TargetSynchronizer{net: online.Clone()}
}

// Network returns the target network for bootstrap reads.
func (s *TargetSynchronizer) Network() *network.QNetwork { return s.net }

// SoftUpdate interpolates every target parameter towards the online network:
// target ← rate*online + (1-rate)*target. A rate of 1.0 is an exact hard copy
// (classic DQN); smaller rates yield Polyak averaging.
func (s *TargetSynchronizer) SoftUpdate(online *network.QNetwork, rate float64) error {
	if rate <= 0 || rate > 1 {
		return errors.Errorf("soft-update rate must be in (0, 1], got %g", rate)
	}
	if rate == 1 {
		return s.net.SetParamsVector(online.ParamsVector())
	}
	tv := s.net.ParamsVector()
	ov := online.ParamsVector()
	if len(tv) != len(ov) {
		return errors.Errorf("target has %d params, online %d", len(tv), len(ov))
	}
	floats.Scale(1-rate, tv)
	floats.AddScaled(tv, rate, ov)
	return s.net.SetParamsVector(tv)
}
