// Package segment tracks per-channel turns: turn ID generation, the turn
// lifecycle state machine and the quiet-period debouncer that closes turns.
package segment

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a turn.
type State int

const (
	// StateOpen - Turn is accumulating text, can emit partials.
	StateOpen State = iota
	// StateFinalized - The single final event for the turn was emitted.
	StateFinalized
	// StateDiscarded - Turn was abandoned without a final (session closed
	// with flushing disabled). Terminal.
	StateDiscarded
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFinalized:
		return "FINALIZED"
	case StateDiscarded:
		return "DISCARDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if no further events may be emitted for the turn.
func (s State) IsTerminal() bool {
	return s == StateFinalized || s == StateDiscarded
}

// Errors for invalid state transitions.
var (
	ErrTurnDiscarded               = errors.New("turn was discarded")
	ErrFinalAlreadyEmitted         = errors.New("final already emitted for this turn")
	ErrCannotEmitPartialAfterFinal = errors.New("cannot emit partial after final")
)

// Lifecycle guards the "exactly one final per turn" rule.
//
// State transitions:
//
//	OPEN ──EmitFinal()──→ FINALIZED ──Reset()──→ OPEN (next turn)
//	  │
//	  └──Discard()──→ DISCARDED ──Reset()──→ OPEN (next turn)
type Lifecycle struct {
	mu     sync.RWMutex
	turnID string
	state  State
}

// NewLifecycle creates a turn lifecycle in OPEN state.
func NewLifecycle(turnID string) *Lifecycle {
	return &Lifecycle{
		turnID: turnID,
		state:  StateOpen,
	}
}

// TurnID returns the current turn ID.
func (l *Lifecycle) TurnID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.turnID
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// EmitPartial validates a partial emission.
func (l *Lifecycle) EmitPartial() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch l.state {
	case StateOpen:
		return nil
	case StateFinalized:
		return ErrCannotEmitPartialAfterFinal
	case StateDiscarded:
		return ErrTurnDiscarded
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// EmitFinal validates and transitions to FINALIZED.
func (l *Lifecycle) EmitFinal() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateOpen:
		l.state = StateFinalized
		return nil
	case StateFinalized:
		return ErrFinalAlreadyEmitted
	case StateDiscarded:
		return ErrTurnDiscarded
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// Discard abandons the turn without a final. Returns false if the turn
// was already terminal.
func (l *Lifecycle) Discard() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateDiscarded
	return true
}

// Reset opens the next turn.
func (l *Lifecycle) Reset(turnID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turnID = turnID
	l.state = StateOpen
}
