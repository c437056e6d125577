package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a pipeline run.
type State int

const (
	// StateIdle - run created, nothing shown to the user yet.
	StateIdle State = iota
	// StateDownloading - status shown, attachment being fetched.
	StateDownloading
	// StateValidating - downloaded file checked against the size threshold.
	StateValidating
	// StateConverting - transcoder producing the normalized waveform.
	StateConverting
	// StateTranscribing - windows sent to the recognition backend.
	StateTranscribing
	// StateDetecting - transcript scanned for laughter.
	StateDetecting
	// StateReplying - rendered segments being sent.
	StateReplying
	// StateCleaning - temporary files and the status message being removed.
	StateCleaning
	// StateDone - terminal.
	StateDone
	// StateFailed - the run aborted. Cleaning still follows.
	StateFailed
)

// String returns the state name, also used as the failure stage label.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateValidating:
		return "validating"
	case StateConverting:
		return "converting"
	case StateTranscribing:
		return "transcribing"
	case StateDetecting:
		return "detecting"
	case StateReplying:
		return "replying"
	case StateCleaning:
		return "cleaning"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal returns true for StateDone.
func (s State) IsTerminal() bool {
	return s == StateDone
}

// Errors for invalid state transitions.
var (
	ErrIllegalTransition = errors.New("illegal pipeline state transition")
	ErrRunFinished       = errors.New("pipeline run is finished")
)

// successor lists the only legal forward move out of each state.
var successor = map[State]State{
	StateIdle:         StateDownloading,
	StateDownloading:  StateValidating,
	StateValidating:   StateConverting,
	StateConverting:   StateTranscribing,
	StateTranscribing: StateDetecting,
	StateDetecting:    StateReplying,
	StateReplying:     StateCleaning,
	StateFailed:       StateCleaning,
	StateCleaning:     StateDone,
}

// Lifecycle manages the state machine for a single pipeline run.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	Idle → Downloading → Validating → Converting → Transcribing → Detecting → Replying → Cleaning → Done
//	  │                                                                                        ▲
//	  └── Fail() ──→ Failed ────────────────────────────────────────────────────────────────────┘
//
// Rules:
//   - Advance moves only to the successor of the current state
//   - Fail is accepted from any state before Cleaning and records where the run stopped
//   - Cleaning is reached from Replying or Failed; Done only from Cleaning
type Lifecycle struct {
	mu       sync.RWMutex
	runID    string
	state    State
	failedAt State
	err      error
	history  []State
}

// NewLifecycle creates a new run lifecycle in Idle state.
func NewLifecycle(runID string) *Lifecycle {
	return &Lifecycle{
		runID:   runID,
		state:   StateIdle,
		history: []State{StateIdle},
	}
}

// RunID returns the run ID.
func (l *Lifecycle) RunID() string {
	return l.runID
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Err returns the error passed to Fail, or nil.
func (l *Lifecycle) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// FailedAt returns the state the run was in when it failed. Only meaningful
// when Failed returns true.
func (l *Lifecycle) FailedAt() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failedAt
}

// Failed returns true if Fail was accepted.
func (l *Lifecycle) Failed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err != nil
}

// History returns every state the run has entered, in order.
func (l *Lifecycle) History() []State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]State, len(l.history))
	copy(out, l.history)
	return out
}

// Advance moves the run to the next state.
func (l *Lifecycle) Advance(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.IsTerminal() {
		return ErrRunFinished
	}
	if next, ok := successor[l.state]; !ok || next != to {
		return fmt.Errorf("%w: %v → %v", ErrIllegalTransition, l.state, to)
	}
	l.enter(to)
	return nil
}

// Fail transitions the run to Failed and records err. Returns false if the
// run already failed or has reached Cleaning.
func (l *Lifecycle) Fail(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateFailed, StateCleaning, StateDone:
		return false
	}
	if err == nil {
		err = errors.New("unknown failure")
	}
	l.failedAt = l.state
	l.err = err
	l.enter(StateFailed)
	return true
}

func (l *Lifecycle) enter(s State) {
	l.state = s
	l.history = append(l.history, s)
}
