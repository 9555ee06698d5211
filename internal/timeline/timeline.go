// Package timeline reads and serves the fixed, pre-collected transition records an
// offline training job learns from. The timeline file is a sequence of JSON records,
// one transition per decision step; records are immutable once read.
package timeline

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/offlineq/offlineq/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// record is the on-disk shape of one transition.
type record struct {
	State      []float64 `json:"state"`
	Action     string    `json:"action"`
	Reward     float64   `json:"reward"`
	NextState  []float64 `json:"next_state"`
	Terminal   bool      `json:"terminal"`
	NextAction string    `json:"next_action,omitempty"`
}

// Transition is one decision step with the action label resolved to its index in
// the configured action set.
type Transition struct {
	State     []float64
	Action    int
	Reward    float64
	NextState []float64
	Terminal  bool

	// NextAction is the logged action at the next state, or -1 when the timeline
	// does not carry one. Used by the on-policy bootstrap when present.
	NextAction int
}

// Dataset is an immutable collection of transitions sharing one state dimensionality.
type Dataset struct {
	transitions []Transition
	stateDim    int
}

// Open reads a timeline file, resolving action labels against the ordered action set.
func Open(path string, actions []string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open timeline %s", path)
	}
	defer f.Close()
	ds, err := Read(f, actions)
	if err != nil {
		return nil, errors.WithMessagef(err, "timeline %s", path)
	}
	klog.V(1).Infof("Loaded %d transitions (state dim %d) from %s", ds.Len(), ds.StateDim(), path)
	return ds, nil
}

// Read parses a stream of JSON transition records, one per line.
// A malformed record, an unknown action label or an inconsistent state width is an
// error naming the line; the timeline is never silently truncated.
func Read(r io.Reader, actions []string) (*Dataset, error) {
	actionIdx := make(map[string]int, len(actions))
	for i, a := range actions {
		actionIdx[a] = i
	}

	ds := &Dataset{stateDim: -1}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errors.Wrapf(err, "malformed transition record at line %d", lineNum)
		}
		t, err := resolve(rec, actionIdx)
		if err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
		if ds.stateDim == -1 {
			ds.stateDim = len(t.State)
		}
		if len(t.State) != ds.stateDim || len(t.NextState) != ds.stateDim {
			return nil, errors.Errorf(
				"line %d: state widths %d/%d differ from the timeline's state dim %d",
				lineNum, len(t.State), len(t.NextState), ds.stateDim)
		}
		ds.transitions = append(ds.transitions, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read timeline")
	}
	return ds, nil
}

func resolve(rec record, actionIdx map[string]int) (Transition, error) {
	idx, ok := actionIdx[rec.Action]
	if !ok {
		return Transition{}, errors.Errorf("action label %q is not in the configured action set", rec.Action)
	}
	nextIdx := -1
	if rec.NextAction != "" {
		nextIdx, ok = actionIdx[rec.NextAction]
		if !ok {
			return Transition{}, errors.Errorf("next action label %q is not in the configured action set", rec.NextAction)
		}
	}
	if len(rec.State) == 0 {
		return Transition{}, errors.New("transition record has an empty state")
	}
	return Transition{
		State:      rec.State,
		Action:     idx,
		Reward:     rec.Reward,
		NextState:  rec.NextState,
		Terminal:   rec.Terminal,
		NextAction: nextIdx,
	}, nil
}

// FromTransitions builds a dataset in memory, mostly for tests and tooling.
func FromTransitions(transitions []Transition) (*Dataset, error) {
	if len(transitions) == 0 {
		return nil, errors.New("dataset needs at least one transition")
	}
	dim := len(transitions[0].State)
	for i, t := range transitions {
		if len(t.State) != dim || len(t.NextState) != dim {
			return nil, errors.Errorf("transition %d: state widths %d/%d differ from dim %d",
				i, len(t.State), len(t.NextState), dim)
		}
	}
	return &Dataset{transitions: transitions, stateDim: dim}, nil
}

// Len returns the number of transitions.
func (d *Dataset) Len() int { return len(d.transitions) }

// StateDim returns the state feature dimensionality.
func (d *Dataset) StateDim() int { return d.stateDim }

// At returns the i-th transition.
func (d *Dataset) At(i int) Transition { return d.transitions[i] }

// Shard returns the deterministic partition for one worker: transition i belongs to
// worker i mod worldSize, so every transition is consumed by exactly one worker.
func (d *Dataset) Shard(rank, worldSize int) *Dataset {
	if worldSize <= 1 {
		return d
	}
	shard := &Dataset{stateDim: d.stateDim}
	for i := rank; i < len(d.transitions); i += worldSize {
		shard.transitions = append(shard.transitions, d.transitions[i])
	}
	return shard
}

// SampleStates returns up to limit states for normalization fitting.
func (d *Dataset) SampleStates(limit int) [][]float64 {
	n := len(d.transitions)
	if limit > 0 && limit < n {
		n = limit
	}
	return generics.SliceMap(d.transitions[:n], func(t Transition) []float64 { return t.State })
}
