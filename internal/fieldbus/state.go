package fieldbus

import "fmt"

// State is the EtherCAT application layer (AL) state of a unit.
type State uint16

const (
	StateNone        State = 0x00
	StateInit        State = 0x01
	StatePreOp       State = 0x02
	StateBoot        State = 0x03
	StateSafeOp      State = 0x04
	StateOperational State = 0x08

	// StateError is ORed onto a state when the unit flags an AL error.
	StateError State = 0x10
)

func (s State) String() string {
	base := s &^ StateError
	var name string
	switch base {
	case StateNone:
		name = "NONE"
	case StateInit:
		name = "INIT"
	case StatePreOp:
		name = "PRE_OP"
	case StateBoot:
		name = "BOOT"
	case StateSafeOp:
		name = "SAFE_OP"
	case StateOperational:
		name = "OPERATIONAL"
	default:
		name = fmt.Sprintf("0x%02X", uint16(base))
	}
	if s&StateError != 0 {
		return name + "+ERROR"
	}
	return name
}

// HasError reports whether the AL error indication bit is set.
func (s State) HasError() bool {
	return s&StateError != 0
}

// Base strips the error indication bit.
func (s State) Base() State {
	return s &^ StateError
}

// ladder is the only order in which the network may move.
var ladder = []State{StateInit, StatePreOp, StateSafeOp, StateOperational}

func rung(s State) int {
	for i, r := range ladder {
		if r == s.Base() {
			return i
		}
	}
	return -1
}

// Next returns the state one step up the Init → PreOp → SafeOp → Op ladder.
func (s State) Next() (State, bool) {
	i := rung(s)
	if i < 0 || i == len(ladder)-1 {
		return s, false
	}
	return ladder[i+1], true
}

// Prev returns the state one step down the ladder.
func (s State) Prev() (State, bool) {
	i := rung(s)
	if i <= 0 {
		return s, false
	}
	return ladder[i-1], true
}
