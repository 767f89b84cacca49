package machine

import (
	"time"

	"github.com/KevinKickass/ecatmotor/internal/drive"
	"github.com/KevinKickass/ecatmotor/internal/ecat"
	"github.com/google/uuid"
)

type State string

const (
	StateOffline  State = "offline"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateMoving   State = "moving"
	StateStopping State = "stopping"
	StateError    State = "error"
)

type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
	CommandReset Command = "reset"
)

// ParseCommand accepts the command names of the control API.
func ParseCommand(s string) (Command, bool) {
	switch cmd := Command(s); cmd {
	case CommandStart, CommandStop, CommandReset:
		return cmd, true
	default:
		return "", false
	}
}

// MoveSummary is the outcome of the most recent move.
type MoveSummary struct {
	ID            uuid.UUID `json:"id"`
	Degrees       int       `json:"degrees"`
	Target        int32     `json:"target"`
	FinalPosition int32     `json:"final_position"`
	FailedSteps   int       `json:"failed_steps"`
	Error         string    `json:"error,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

func summarize(res *drive.MoveResult, err error) *MoveSummary {
	s := &MoveSummary{
		ID:            res.ID,
		Degrees:       res.Degrees,
		Target:        res.Target,
		FinalPosition: res.Final.Position,
		FailedSteps:   res.Failed(),
		FinishedAt:    res.FinishedAt,
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

type MachineStatus struct {
	State           State         `json:"state"`
	PreviousState   State         `json:"previous_state,omitempty"`
	NetworkPhase    ecat.Phase    `json:"network_phase"`
	Units           int           `json:"units"`
	Unit            int           `json:"unit"`
	Busy            bool          `json:"busy"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Position        *drive.Sample `json:"position,omitempty"`
	LastMove        *MoveSummary  `json:"last_move,omitempty"`
	Moves           int           `json:"moves"`
	LastStateChange time.Time     `json:"last_state_change"`
}
