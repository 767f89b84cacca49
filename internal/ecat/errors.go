package ecat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
)

var (
	ErrTransportOpen          = errors.New("transport open failed")
	ErrNoUnitsFound           = errors.New("no units found")
	ErrUnitNotFound           = errors.New("configured unit not present on bus")
	ErrStateTransitionTimeout = errors.New("state transition timeout")
	ErrNotOperational         = errors.New("network not operational")
	ErrAlreadyStarted         = errors.New("network already started")
)

// BringUpError lists every unit that did not reach Operational.
type BringUpError struct {
	Target   fieldbus.State
	Observed fieldbus.State
	Failures []fieldbus.Diagnostics
}

func (e *BringUpError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: requested %s, observed %s", ErrStateTransitionTimeout, e.Target, e.Observed)
	if len(e.Failures) > 0 {
		b.WriteString("; not all units reached operational state:")
		for _, f := range e.Failures {
			b.WriteString(" [")
			b.WriteString(f.String())
			b.WriteString("]")
		}
	}
	return b.String()
}

func (e *BringUpError) Unwrap() error {
	return ErrStateTransitionTimeout
}

// TransitionError is a wait that ended without the requested state.
type TransitionError struct {
	Target   fieldbus.State
	Observed fieldbus.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: requested %s, observed %s", ErrStateTransitionTimeout, e.Target, e.Observed)
}

func (e *TransitionError) Unwrap() error {
	return ErrStateTransitionTimeout
}
