package drive

import "fmt"

// Statusword is the CiA 402 statusword (0x6041).
type Statusword uint16

// DriveState is the CiA 402 power state decoded from the statusword.
type DriveState string

const (
	StateNotReadyToSwitchOn DriveState = "not_ready_to_switch_on"
	StateSwitchOnDisabled   DriveState = "switch_on_disabled"
	StateReadyToSwitchOn    DriveState = "ready_to_switch_on"
	StateSwitchedOn         DriveState = "switched_on"
	StateOperationEnabled   DriveState = "operation_enabled"
	StateQuickStopActive    DriveState = "quick_stop_active"
	StateFaultReactive      DriveState = "fault_reaction_active"
	StateFault              DriveState = "fault"
	StateUnknown            DriveState = "unknown"
)

const (
	bitFault         = 3
	bitTargetReached = 10
)

func (s Statusword) String() string {
	return fmt.Sprintf("0x%04X", uint16(s))
}

// Bit reports whether bit n is set.
func (s Statusword) Bit(n uint) bool {
	return s&(1<<n) != 0
}

// State decodes bits 0-3, 5 and 6.
func (s Statusword) State() DriveState {
	switch {
	case s&0x4F == 0x00:
		return StateNotReadyToSwitchOn
	case s&0x4F == 0x40:
		return StateSwitchOnDisabled
	case s&0x6F == 0x21:
		return StateReadyToSwitchOn
	case s&0x6F == 0x23:
		return StateSwitchedOn
	case s&0x6F == 0x27:
		return StateOperationEnabled
	case s&0x6F == 0x07:
		return StateQuickStopActive
	case s&0x4F == 0x0F:
		return StateFaultReactive
	case s&0x4F == 0x08:
		return StateFault
	default:
		return StateUnknown
	}
}

func (s Statusword) Fault() bool {
	return s.Bit(bitFault)
}

func (s Statusword) TargetReached() bool {
	return s.Bit(bitTargetReached)
}
