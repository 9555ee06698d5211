// Package trainer orchestrates the offline Q-learning updates: minibatch sampling,
// bootstrap target computation (max-Q, double-Q or on-policy), explicit
// backpropagation, gradient all-reduce across the worker group, the Adam step and
// the soft target-network synchronization.
package trainer

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/offlineq/offlineq/internal/config"
	"github.com/offlineq/offlineq/internal/network"
	"github.com/offlineq/offlineq/internal/normalize"
	"github.com/offlineq/offlineq/internal/policy"
	"github.com/offlineq/offlineq/internal/timeline"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Reducer averages a gradient across the worker group between the backward pass and
// the optimizer step. Injected so the trainer stays decoupled from the transport:
// the in-process group, a collective-communication library, or the identity for a
// single worker.
type Reducer interface {
	Reduce(grad []float64) ([]float64, error)
}

// identityReducer serves single-worker jobs.
type identityReducer struct{}

func (identityReducer) Reduce(grad []float64) ([]float64, error) { return grad, nil }

// State of the trainer's lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateTraining
	StateExhausted
)

// Report summarizes one worker's training run.
type Report struct {
	Steps     int
	Skipped   int
	FinalLoss float64
	MeanLoss  float64
}

// Trainer owns one worker's online network, target synchronizer, optimizer and
// policy. Not safe for concurrent use; each worker constructs its own.
type Trainer struct {
	cfg     *config.Config
	online  *network.QNetwork
	target  *TargetSynchronizer
	pol     *policy.Policy
	opt     *adam
	reducer Reducer
	norm    *normalize.Params

	// rewardBoost is the per-action additive reward adjustment, by action index.
	rewardBoost []float64

	// minibatch counts attempted training steps across epochs, driving the
	// reward burn-in phase.
	minibatch int
	skipped   int
	state     State
}

// PolicyFromConfig builds the action policy the configuration selects: softmax
// sampling when rl.softmax_policy is set, epsilon-greedy otherwise. The modes are
// mutually exclusive.
func PolicyFromConfig(cfg *config.Config, rng *rand.Rand) (*policy.Policy, error) {
	if cfg.RL.SoftmaxPolicy {
		return policy.NewSoftmax(cfg.RL.Temperature, rng)
	}
	return policy.NewEpsilonGreedy(cfg.RL.Epsilon, rng)
}

// New creates a trainer for one worker. A nil reducer trains standalone.
func New(cfg *config.Config, online *network.QNetwork, norm *normalize.Params,
	pol *policy.Policy, reducer Reducer) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if norm.Dim() != online.InputDim() {
		return nil, errors.Wrapf(network.ErrShapeMismatch,
			"normalization fitted for %d features, network expects %d", norm.Dim(), online.InputDim())
	}
	if online.NumActions() != len(cfg.Actions) {
		return nil, errors.Wrapf(network.ErrShapeMismatch,
			"network has %d outputs, action set has %d", online.NumActions(), len(cfg.Actions))
	}
	if reducer == nil {
		reducer = identityReducer{}
	}
	opt, err := newAdam(cfg.Training.LearningRate, cfg.Training.LRDecay, cfg.Training.L2Decay, online.NumParams())
	if err != nil {
		return nil, err
	}
	boost := make([]float64, len(cfg.Actions))
	for i, action := range cfg.Actions {
		boost[i] = cfg.RL.RewardBoost[action]
	}
	return &Trainer{
		cfg:         cfg,
		online:      online,
		target:      NewTargetSynchronizer(online),
		pol:         pol,
		opt:         opt,
		reducer:     reducer,
		norm:        norm,
		rewardBoost: boost,
		state:       StateReady,
	}, nil
}

// Online returns the trained network.
func (t *Trainer) Online() *network.QNetwork { return t.online }

// Target returns the target synchronizer.
func (t *Trainer) Target() *TargetSynchronizer { return t.target }

// State returns the trainer's lifecycle state.
func (t *Trainer) State() State { return t.state }

// batchMatrix builds the normalized state matrix [n x dim] from the given accessor.
func (t *Trainer) batchMatrix(batch []timeline.Transition, next bool) *mat.Dense {
	dim := t.norm.Dim()
	m := mat.NewDense(len(batch), dim, nil)
	for i, tr := range batch {
		state := tr.State
		if next {
			state = tr.NextState
		}
		t.norm.ApplyTo(m.RawRowView(i), state)
	}
	return m
}

// targets computes the bootstrap target for every transition of the batch.
// nextStates must already be normalized.
func (t *Trainer) targets(batch []timeline.Transition, nextStates *mat.Dense) ([]float64, error) {
	burnin := t.minibatch < t.cfg.RewardBurnin

	targets := make([]float64, len(batch))
	if burnin {
		// Reward burn-in: targets are plain (boosted) rewards, no bootstrap.
		for i, tr := range batch {
			targets[i] = tr.Reward + t.rewardBoost[tr.Action]
		}
		return targets, nil
	}

	qNextOnline, err := t.online.Forward(nextStates)
	if err != nil {
		return nil, err
	}
	qNextTarget, err := t.target.Network().Forward(nextStates)
	if err != nil {
		return nil, err
	}

	gamma := t.cfg.RL.Gamma
	onlineRow := make([]float64, t.online.NumActions())
	targetRow := make([]float64, t.online.NumActions())
	for i, tr := range batch {
		reward := tr.Reward + t.rewardBoost[tr.Action]
		if tr.Terminal {
			// Terminal transitions contribute zero bootstrap value.
			targets[i] = reward
			continue
		}
		mat.Row(onlineRow, i, qNextOnline)
		mat.Row(targetRow, i, qNextTarget)

		var bootstrap float64
		switch {
		case t.cfg.RL.MaxQLearning && t.cfg.Rainbow.DoubleQLearning:
			// Double-Q: the online network selects the action, the target network
			// estimates its value.
			bootstrap = targetRow[policy.Argmax(onlineRow)]
		case t.cfg.RL.MaxQLearning:
			bootstrap = targetRow[policy.Argmax(targetRow)]
		default:
			// On-policy (SARSA-style): the logged next action when the timeline has
			// one, otherwise the action the policy would select at s'.
			a := tr.NextAction
			if a < 0 {
				if a, err = t.pol.Select(onlineRow); err != nil {
					return nil, err
				}
			}
			bootstrap = targetRow[a]
		}
		targets[i] = reward + gamma*bootstrap
	}
	return targets, nil
}

// Step runs one training step on the given minibatch: forward, target computation,
// loss, backward, all-reduce, Adam update and soft target sync.
//
// A non-finite loss or gradient drops this worker's contribution: the batch index
// is logged, skipped is true, and a zero gradient is contributed to the all-reduce
// instead. The worker still applies the averaged result, so barriers, reduction
// rounds and optimizer state stay aligned across the group and the replicas never
// diverge. Distributed failures are returned as errors and are fatal.
func (t *Trainer) Step(batch []timeline.Transition, epoch int) (loss float64, skipped bool, err error) {
	if len(batch) == 0 {
		return 0, false, errors.New("empty minibatch")
	}
	t.state = StateTraining
	t.minibatch++

	states := t.batchMatrix(batch, false)
	nextStates := t.batchMatrix(batch, true)
	targets, err := t.targets(batch, nextStates)
	if err != nil {
		return 0, false, err
	}

	pass, err := t.online.ForwardPass(states)
	if err != nil {
		return 0, false, err
	}
	q := pass.Q()

	// MSE over the taken actions plus the L2 penalty matching the optimizer's
	// weight decay.
	n := float64(len(batch))
	dQ := mat.NewDense(len(batch), t.online.NumActions(), nil)
	for i, tr := range batch {
		diff := q.At(i, tr.Action) - targets[i]
		loss += diff * diff
		dQ.Set(i, tr.Action, 2*diff/n)
	}
	loss /= n
	if l2 := t.cfg.Training.L2Decay; l2 > 0 {
		sum := 0.0
		for _, p := range t.online.ParamsVector() {
			sum += p * p
		}
		loss += 0.5 * l2 * sum
	}
	// A skipping worker must still go through the all-reduce, with zeros: every
	// worker makes exactly one Reduce call per step, or the rounds desynchronize.
	grad := make([]float64, t.online.NumParams())
	if !isFinite(loss) {
		skipped = true
		klog.Warningf("Non-finite loss at minibatch %d, contributing a zero gradient", t.minibatch)
	} else {
		g, err := pass.Backward(dQ)
		if err != nil {
			return 0, false, err
		}
		grad = g
		for _, v := range g {
			if !isFinite(v) {
				skipped = true
				grad = make([]float64, t.online.NumParams())
				klog.Warningf("Non-finite gradient at minibatch %d, contributing a zero gradient", t.minibatch)
				break
			}
		}
	}
	if skipped {
		t.skipped++
	}

	reduced, err := t.reducer.Reduce(grad)
	if err != nil {
		return 0, false, err
	}

	params := t.online.ParamsVector()
	if err = t.opt.Step(params, reduced, epoch); err != nil {
		return 0, false, err
	}
	if err = t.online.SetParamsVector(params); err != nil {
		return 0, false, err
	}

	// Target sync strictly after the optimizer step; burn-in forces a hard copy.
	rate := t.cfg.RL.TargetUpdateRate
	if t.minibatch < t.cfg.RewardBurnin {
		rate = 1.0
	}
	if err = t.target.SoftUpdate(t.online, rate); err != nil {
		return 0, false, err
	}
	return loss, skipped, nil
}

// Run trains for the configured number of epochs over the sampler's dataset.
// The context is honored between steps, never mid-step. Exhausting the epochs is
// normal termination.
func (t *Trainer) Run(ctx context.Context, sampler *timeline.BatchSampler, onEpoch func(epoch int)) (Report, error) {
	var rep Report
	lossSum := 0.0
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		sampler.StartEpoch(epoch)
		for {
			if err := ctx.Err(); err != nil {
				return rep, errors.Wrap(err, "training interrupted")
			}
			batch, ok := sampler.Next()
			if !ok {
				break
			}
			loss, skipped, err := t.Step(batch, epoch)
			if err != nil {
				return rep, err
			}
			if skipped {
				rep.Skipped++
				continue
			}
			rep.Steps++
			rep.FinalLoss = loss
			lossSum += loss
			if klog.V(2).Enabled() {
				klog.Infof("Epoch %d minibatch %d: loss=%g lr=%g", epoch, t.minibatch, loss, t.opt.learningRate(epoch))
			}
		}
		if onEpoch != nil {
			onEpoch(epoch)
		}
	}
	if rep.Steps > 0 {
		rep.MeanLoss = lossSum / float64(rep.Steps)
	}
	t.state = StateExhausted
	klog.V(1).Infof("Training exhausted: %d steps, %d skipped, final loss %g", rep.Steps, rep.Skipped, rep.FinalLoss)
	return rep, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
