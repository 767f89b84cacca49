package ecat

// Phase is where the bring-up state machine currently stands.
type Phase string

const (
	PhaseUninitialized   Phase = "uninitialized"
	PhaseConfigured      Phase = "configured"
	PhaseSafeOperational Phase = "safe_operational"
	PhaseOperational     Phase = "operational"
	PhasePreOperational  Phase = "pre_operational"
	PhaseClosed          Phase = "closed"
)

// open reports whether the transport is held in this phase.
func (p Phase) open() bool {
	switch p {
	case PhaseConfigured, PhaseSafeOperational, PhaseOperational, PhasePreOperational:
		return true
	default:
		return false
	}
}
