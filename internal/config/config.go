// Package config defines the offline Q-learning job configuration: the action set,
// the RL and Rainbow hyperparameters, the network topology, the optimizer settings
// and the distributed topology. The configuration is an immutable value object,
// loaded and validated once at startup and passed explicitly to every component.
package config

import (
	"encoding/json"
	"net/url"
	"os"

	"github.com/offlineq/offlineq/internal/generics"
	"github.com/offlineq/offlineq/internal/parameters"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is the cause of every configuration validation failure.
// The wrapping message names the offending field.
var ErrInvalidConfig = errors.New("invalid configuration")

// RL holds the reinforcement-learning hyperparameters controlling target
// computation and action selection.
type RL struct {
	// Gamma is the discount factor, in [0, 1).
	Gamma float64 `json:"gamma"`

	// TargetUpdateRate is the soft-update (Polyak averaging) coefficient, in (0, 1].
	// A rate of 1.0 degenerates to a hard copy of the online network.
	TargetUpdateRate float64 `json:"target_update_rate"`

	// MaxQLearning selects the off-policy max-Q bootstrap. When false the bootstrap
	// action is the one the action policy would select at the next state.
	MaxQLearning bool `json:"maxq_learning"`

	// Epsilon for epsilon-greedy action selection.
	Epsilon float64 `json:"epsilon"`

	// Temperature for softmax action selection. Must be > 0 when SoftmaxPolicy is set.
	Temperature float64 `json:"temperature"`

	// SoftmaxPolicy selects softmax sampling instead of epsilon-greedy.
	// The two modes are mutually exclusive.
	SoftmaxPolicy bool `json:"softmax_policy"`

	// RewardBoost is an optional per-action additive reward adjustment,
	// keyed by action name.
	RewardBoost map[string]float64 `json:"reward_boost,omitempty"`
}

// Rainbow holds the structural/algorithmic toggles, resolved once at trainer
// construction.
type Rainbow struct {
	// DoubleQLearning decouples bootstrap action selection (online network) from
	// value estimation (target network) to reduce overestimation bias.
	DoubleQLearning bool `json:"double_q_learning"`

	// DuelingArchitecture splits the network head into state-value and
	// per-action advantage branches.
	DuelingArchitecture bool `json:"dueling_architecture"`
}

// Training holds the network topology and optimizer hyperparameters.
type Training struct {
	// Layers are the layer widths. The first and last entries may be -1 placeholders,
	// resolved to the state dimensionality and action-set size at build time.
	Layers []int `json:"layers"`

	// Activations name the activation applied after each linear layer
	// ("relu", "tanh", "sigmoid" or "linear"). Must have len(Layers)-1 entries.
	Activations []string `json:"activations"`

	MinibatchSize int     `json:"minibatch_size"`
	LearningRate  float64 `json:"learning_rate"`

	// Optimizer name. Only "ADAM" is recognized.
	Optimizer string `json:"optimizer"`

	// LRDecay is the per-epoch multiplicative learning-rate schedule:
	// the learning rate at epoch e is LearningRate * LRDecay^e.
	LRDecay float64 `json:"lr_decay"`

	// L2Decay is the L2 weight penalty coefficient (optimizer weight decay).
	L2Decay float64 `json:"l2_decay"`
}

// NormParams bounds the feature normalization fitting.
type NormParams struct {
	// ColsToNorm lists the feature columns to normalize. Empty means all columns.
	ColsToNorm []int `json:"cols_to_norm"`

	// NumSamples bounds the number of states sampled to fit the normalization.
	NumSamples int `json:"num_samples"`
}

// Config is the full job configuration.
type Config struct {
	// Actions is the fixed, ordered action set. It defines the network output
	// dimensionality and the index space for logged actions.
	Actions []string `json:"actions"`

	// Epochs bounds the outer training loop.
	Epochs int `json:"epochs"`

	// RewardBurnin forces reward-only targets and hard target syncs for every
	// minibatch numbered strictly below RewardBurnin. Minibatches count from 1.
	RewardBurnin int `json:"reward_burnin"`

	RL         RL         `json:"rl"`
	Rainbow    Rainbow    `json:"rainbow"`
	Training   Training   `json:"training"`
	NormParams NormParams `json:"norm_params"`

	// Distributed topology. Workers run on the host processor; UseGPU and
	// UseAllAvailGPUs only select how many device-bound workers are simulated.
	UseGPU          bool   `json:"use_gpu"`
	UseAllAvailGPUs bool   `json:"use_all_avail_gpus"`
	NumNodes        int    `json:"num_nodes"`
	InitMethod      string `json:"init_method"`

	// External I/O locations, owned by collaborators.
	TrainingDataPath  string `json:"training_data_path"`
	EvalDataPath      string `json:"eval_data_path"`
	StateNormDataPath string `json:"state_norm_data_path"`
	ModelOutputPath   string `json:"model_output_path"`
}

// Default returns a configuration with the conventional hyperparameter defaults.
// Actions, topology and data paths still have to be filled in.
func Default() Config {
	return Config{
		Epochs: 1,
		RL: RL{
			Gamma:            0.99,
			TargetUpdateRate: 0.001,
			MaxQLearning:     true,
			Epsilon:          0.1,
			Temperature:      0.01,
		},
		Training: Training{
			Layers:        []int{-1, 128, 64, -1},
			Activations:   []string{"relu", "relu", "linear"},
			MinibatchSize: 128,
			LearningRate:  0.001,
			Optimizer:     "ADAM",
			LRDecay:       1.0,
		},
		NormParams: NormParams{NumSamples: 10000},
		NumNodes:   1,
	}
}

// Load reads and validates a JSON configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from %s", path)
	}
	cfg := Default()
	if err = json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration from %s", path)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every recognized field and reports the first violation,
// naming the offending field.
func (c *Config) Validate() error {
	if len(c.Actions) == 0 {
		return errors.Wrap(ErrInvalidConfig, "actions must not be empty")
	}
	if len(generics.SetWith(c.Actions...)) != len(c.Actions) {
		return errors.Wrap(ErrInvalidConfig, "actions must not contain duplicates")
	}
	if c.RL.Gamma < 0 || c.RL.Gamma >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "rl.gamma must be in [0, 1), got %g", c.RL.Gamma)
	}
	if c.RL.TargetUpdateRate <= 0 || c.RL.TargetUpdateRate > 1 {
		return errors.Wrapf(ErrInvalidConfig, "rl.target_update_rate must be in (0, 1], got %g", c.RL.TargetUpdateRate)
	}
	if c.RL.SoftmaxPolicy && c.RL.Temperature <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "rl.softmax_policy requires rl.temperature > 0, got %g", c.RL.Temperature)
	}
	if !c.RL.SoftmaxPolicy && (c.RL.Epsilon < 0 || c.RL.Epsilon > 1) {
		return errors.Wrapf(ErrInvalidConfig, "rl.epsilon must be in [0, 1], got %g", c.RL.Epsilon)
	}
	for action := range c.RL.RewardBoost {
		if !generics.SetWith(c.Actions...).Has(action) {
			return errors.Wrapf(ErrInvalidConfig, "rl.reward_boost names unknown action %q", action)
		}
	}
	if len(c.Training.Layers) < 2 {
		return errors.Wrapf(ErrInvalidConfig, "training.layers needs at least 2 entries, got %d", len(c.Training.Layers))
	}
	if len(c.Training.Activations) != len(c.Training.Layers)-1 {
		return errors.Wrapf(ErrInvalidConfig, "training.activations needs len(training.layers)-1 = %d entries, got %d",
			len(c.Training.Layers)-1, len(c.Training.Activations))
	}
	if c.Training.MinibatchSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "training.minibatch_size must be > 0, got %d", c.Training.MinibatchSize)
	}
	if c.Training.LearningRate <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "training.learning_rate must be > 0, got %g", c.Training.LearningRate)
	}
	if c.Training.Optimizer != "ADAM" {
		return errors.Wrapf(ErrInvalidConfig, "training.optimizer %q is not supported, only ADAM", c.Training.Optimizer)
	}
	if c.Training.LRDecay <= 0 || c.Training.LRDecay > 1 {
		return errors.Wrapf(ErrInvalidConfig, "training.lr_decay must be in (0, 1], got %g", c.Training.LRDecay)
	}
	if c.Training.L2Decay < 0 {
		return errors.Wrapf(ErrInvalidConfig, "training.l2_decay must be >= 0, got %g", c.Training.L2Decay)
	}
	if c.Epochs <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "epochs must be > 0, got %d", c.Epochs)
	}
	if c.RewardBurnin < 0 {
		return errors.Wrapf(ErrInvalidConfig, "reward_burnin must be >= 0, got %d", c.RewardBurnin)
	}
	for _, col := range c.NormParams.ColsToNorm {
		if col < 0 {
			return errors.Wrapf(ErrInvalidConfig, "norm_params.cols_to_norm contains negative column %d", col)
		}
	}
	if c.NormParams.NumSamples <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "norm_params.num_samples must be > 0, got %d", c.NormParams.NumSamples)
	}
	if c.NumNodes < 1 {
		return errors.Wrapf(ErrInvalidConfig, "num_nodes must be >= 1, got %d", c.NumNodes)
	}
	if c.InitMethod != "" {
		u, err := url.Parse(c.InitMethod)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "init_method %q is not a valid URL", c.InitMethod)
		}
		if u.Scheme != "file" {
			return errors.Wrapf(ErrInvalidConfig, "init_method scheme %q is not supported, only file://", u.Scheme)
		}
	}
	return nil
}

// ApplyOverrides applies command-line hyperparameter overrides ("key=value" pairs)
// on top of the loaded configuration. Unknown keys are an error so typos don't
// silently train the wrong job.
func (c *Config) ApplyOverrides(params parameters.Params) error {
	var err error
	pop := func(dst any, key string) {
		if err != nil {
			return
		}
		switch d := dst.(type) {
		case *int:
			*d, err = parameters.PopParamOr(params, key, *d)
		case *float64:
			*d, err = parameters.PopParamOr(params, key, *d)
		case *bool:
			*d, err = parameters.PopParamOr(params, key, *d)
		}
	}
	pop(&c.Epochs, "epochs")
	pop(&c.RewardBurnin, "reward_burnin")
	pop(&c.RL.Gamma, "gamma")
	pop(&c.RL.TargetUpdateRate, "target_update_rate")
	pop(&c.RL.MaxQLearning, "maxq_learning")
	pop(&c.RL.Epsilon, "epsilon")
	pop(&c.RL.Temperature, "temperature")
	pop(&c.RL.SoftmaxPolicy, "softmax_policy")
	pop(&c.Rainbow.DoubleQLearning, "double_q_learning")
	pop(&c.Rainbow.DuelingArchitecture, "dueling_architecture")
	pop(&c.Training.MinibatchSize, "minibatch_size")
	pop(&c.Training.LearningRate, "learning_rate")
	pop(&c.Training.LRDecay, "lr_decay")
	pop(&c.Training.L2Decay, "l2_decay")
	pop(&c.NumNodes, "num_nodes")
	if err != nil {
		return err
	}
	if len(params) > 0 {
		for key := range params {
			return errors.Wrapf(ErrInvalidConfig, "unknown override parameter %q", key)
		}
	}
	return c.Validate()
}
