// Package obsstate models the observation state of a target and the
// transitions between states.
package obsstate

import (
	"errors"
	"fmt"
	"strings"
)

// State is the observation state a priority rule is evaluated at.
type State int

const (
	Unobs State = iota
	Obs
	Done
	MoreZWarn
	MoreZGood
	DoNotObserve
)

// NumStates is the number of defined states.
const NumStates = 6

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

var names = [NumStates]string{"UNOBS", "OBS", "DONE", "MORE_ZWARN", "MORE_ZGOOD", "DONOTOBSERVE"}

// All returns every state in declaration order.
func All() []State {
	return []State{Unobs, Obs, Done, MoreZWarn, MoreZGood, DoNotObserve}
}

func (s State) String() string {
	if s < 0 || int(s) >= NumStates {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return names[s]
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	return s >= 0 && int(s) < NumStates
}

// IsMore reports whether s asks for more observations.
func (s State) IsMore() bool {
	return s == MoreZWarn || s == MoreZGood
}

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == Done || s == DoNotObserve
}

// Parse converts a state name such as "MORE_ZGOOD" to a State.
func Parse(name string) (State, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, v := range names {
		if v == n {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown observation state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid observation state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

var transitions = map[State][]State{
	Unobs:     {Obs},
	Obs:       {Done, MoreZWarn, MoreZGood},
	MoreZWarn: {Obs, Done},
	MoreZGood: {Obs, Done},
}

// CanTransition reports whether a target may move from one state to another.
// DONOTOBSERVE is an override reachable from every other state, DONE
// included; nothing leaves it.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from == DoNotObserve {
		return false
	}
	if to == DoNotObserve {
		return true
	}
	if from.Terminal() {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a move and returns the new state.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// FromRedshift derives the state of a target from its redshift bookkeeping:
// unobserved targets have numObs == 0, done targets need no more
// observations, and the remainder split on the redshift warning flag.
func FromRedshift(numObs, numObsMore, zWarn int) (State, error) {
	if numObs < 0 {
		return 0, fmt.Errorf("NUMOBS must be >= 0, got %d", numObs)
	}
	if numObs == 0 {
		return Unobs, nil
	}
	if numObsMore < 0 {
		return 0, fmt.Errorf("NUMOBS_MORE must be >= 0, got %d", numObsMore)
	}
	switch {
	case numObsMore == 0:
		return Done, nil
	case zWarn == 0:
		return MoreZGood, nil
	default:
		return MoreZWarn, nil
	}
}

// Advance checks that a target in state from may reach to after one more
// round of observation. An observation passes through OBS, so UNOBS may
// land directly on DONE or a MORE state. Staying put is allowed.
func Advance(from, to State) (State, error) {
	if from == to && from.Valid() {
		return to, nil
	}
	if CanTransition(from, to) || (CanTransition(from, Obs) && CanTransition(Obs, to)) {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
