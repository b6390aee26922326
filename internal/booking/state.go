package booking

import "fmt"

// State is a step of the checkout saga. The saga is strictly sequential:
// idle → intent_created → payment_confirmed → ride_recorded, and failed is
// reachable from any non-terminal step.
type State string

const (
	StateIdle             State = "idle"
	StateIntentCreated    State = "intent_created"
	StatePaymentConfirmed State = "payment_confirmed"
	StateRideRecorded     State = "ride_recorded"
	StateFailed           State = "failed"
)

// Event drives a State transition.
type Event string

const (
	EventIntentCreated    Event = "intent_created"
	EventPaymentConfirmed Event = "payment_confirmed"
	EventRideRecorded     Event = "ride_recorded"
	EventFail             Event = "fail"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRideRecorded || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateIntentCreated, StatePaymentConfirmed, StateRideRecorded, StateFailed:
		return true
	}
	return false
}

// TransitionError is returned for an event the current state does not accept.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("booking: %s not allowed in state %s", e.Event, e.From)
}

// Next returns the state reached from s on ev.
func Next(s State, ev Event) (State, error) {
	switch s {
	case StateIdle:
		switch ev {
		case EventIntentCreated:
			return StateIntentCreated, nil
		case EventFail:
			return StateFailed, nil
		}
	case StateIntentCreated:
		switch ev {
		case EventPaymentConfirmed:
			return StatePaymentConfirmed, nil
		case EventFail:
			return StateFailed, nil
		}
	case StatePaymentConfirmed:
		switch ev {
		case EventRideRecorded:
			return StateRideRecorded, nil
		case EventFail:
			return StateFailed, nil
		}
	case StateRideRecorded, StateFailed:
	}
	return s, &TransitionError{From: s, Event: ev}
}

// Machine tracks one saga instance and the order it moved through.
type Machine struct {
	state   State
	history []State
}

// NewMachine starts a saga in idle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, history: []State{StateIdle}}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// History returns every state visited, oldest first.
func (m *Machine) History() []State {
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

// Fire applies ev, leaving the machine unchanged on error.
func (m *Machine) Fire(ev Event) error {
	next, err := Next(m.state, ev)
	if err != nil {
		return err
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}
