package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// StateFileName is the name of the run state file.
	StateFileName = "run_state.json"
)

// Phase is a step of the round state machine.
type Phase string

const (
	AwaitGadgets     Phase = "AWAIT_GADGETS"
	BuildImage       Phase = "BUILD_IMAGE"
	RecoverGuards    Phase = "RECOVER_GUARDS"
	SynthesizeChains Phase = "SYNTHESIZE_CHAINS"
	Validate         Phase = "VALIDATE"
	Stitch           Phase = "STITCH"
	Submit           Phase = "SUBMIT"
	AwaitStatus      Phase = "AWAIT_STATUS"
	Done             Phase = "DONE"
	Failed           Phase = "FAILED"
)

// transitions lists the legal successors of each phase. RECOVER_GUARDS
// and STITCH may finish the run directly for offline analysis.
var transitions = map[Phase][]Phase{
	AwaitGadgets:     {BuildImage},
	BuildImage:       {RecoverGuards},
	RecoverGuards:    {SynthesizeChains, Done},
	SynthesizeChains: {Validate},
	Validate:         {Stitch},
	Stitch:           {Submit, Done},
	Submit:           {AwaitStatus},
	AwaitStatus:      {AwaitGadgets, Done},
}

// RoundStats holds counters of the current round.
type RoundStats struct {
	Functions     int `json:"functions"`
	Guards        int `json:"guards"`
	Unconditional int `json:"unconditional"`
	Skipped       int `json:"skipped"`
	Solutions     int `json:"solutions"`
	PayloadLength int `json:"payload_length"`
}

// RunState is the progress of a solving run.
type RunState struct {
	Phase     Phase      `json:"phase"`
	Round     int        `json:"round"`            // 1-based, 0 before the first round
	Completed int        `json:"completed_rounds"` // Rounds acknowledged with OK
	Stage     string     `json:"stage,omitempty"`  // Stage tag sent by the service
	LastError string     `json:"last_error,omitempty"`
	Stats     RoundStats `json:"round_stats"`
}

// Manager tracks the phase of a run.
type Manager interface {
	// Transition moves to the next phase, rejecting illegal edges.
	Transition(to Phase) error

	// Fail moves to FAILED and records err. FAILED is terminal.
	Fail(err error)

	// SetStage records the stage tag of the current round.
	SetStage(stage string)

	// UpdateStats replaces the counters of the current round.
	UpdateStats(stats RoundStats)

	// GetState returns a copy of the current state.
	GetState() RunState

	// Save writes the state to disk.
	Save() error
}

// Machine is the default Manager. When created with a directory, Save
// persists the state to dir/run_state.json.
type Machine struct {
	mu       sync.Mutex
	filePath string
	state    RunState
}

// NewMachine returns a machine in AWAIT_GADGETS. An empty dir disables
// persistence.
func NewMachine(dir string) *Machine {
	m := &Machine{state: RunState{Phase: AwaitGadgets}}
	if dir != "" {
		m.filePath = filepath.Join(dir, StateFileName)
	}
	return m
}

// Transition moves to phase to.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state.Phase
	if !legal(from, to) {
		return fmt.Errorf("illegal phase transition %s -> %s", from, to)
	}

	switch {
	case from == AwaitGadgets && to == BuildImage:
		m.state.Round = m.state.Completed + 1
		m.state.Stats = RoundStats{}
	case from == AwaitStatus:
		m.state.Completed++
	}
	m.state.Phase = to
	return nil
}

func legal(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Fail records err and moves to FAILED.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Phase = Failed
	if err != nil {
		m.state.LastError = err.Error()
	}
}

// SetStage records the stage tag of the current round.
func (m *Machine) SetStage(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Stage = stage
}

// UpdateStats replaces the counters of the current round.
func (m *Machine) UpdateStats(stats RoundStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Stats = stats
}

// GetState returns a copy of the current state.
func (m *Machine) GetState() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Save writes the state to disk.
func (m *Machine) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filePath == "" {
		return nil
	}

	// Ensure directory exists
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.filePath, err)
	}

	return nil
}

// Load reads a state file written by Save.
func Load(dir string) (RunState, error) {
	path := filepath.Join(dir, StateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return RunState{}, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return RunState{}, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return st, nil
}

// GetFilePath returns the path to the state file, or "" when not
// persisted.
func (m *Machine) GetFilePath() string {
	return m.filePath
}
