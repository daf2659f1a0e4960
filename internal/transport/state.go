package transport

import (
	"sync"
	"time"
)

// State is the lifecycle state of a Transport.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// historySize is the number of transitions kept for diagnostics.
const historySize = 32

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// stateBox holds the current state and a fixed ring of recent transitions.
// It is written by the event loop and read from any goroutine.
type stateBox struct {
	mu          sync.RWMutex
	current     State
	transitions [historySize]Transition
	head        int
	count       int
}

// set records a transition. It is a no-op when the state is unchanged or
// already terminal.
func (b *stateBox) set(to State, at time.Time, reason string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := b.current
	if from == to || from.Terminal() {
		return from, false
	}
	b.current = to
	b.transitions[b.head] = Transition{From: from, To: to, Timestamp: at, Reason: reason}
	b.head = (b.head + 1) % historySize
	if b.count < historySize {
		b.count++
	}
	return from, true
}

func (b *stateBox) get() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// history returns the transitions oldest first.
func (b *stateBox) history() []Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return nil
	}
	result := make([]Transition, b.count)
	if b.count < historySize {
		copy(result, b.transitions[:b.count])
	} else {
		n := copy(result, b.transitions[b.head:])
		copy(result[n:], b.transitions[:b.head])
	}
	return result
}
