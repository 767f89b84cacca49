package storage

import (
	"encoding/json"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/drive"
	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

type BringUpRun struct {
	ID         uuid.UUID `json:"id"`
	Interface  string    `json:"interface"`
	Units      int       `json:"units"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Failures   []byte    `json:"failures,omitempty"` // JSONB
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type MoveRun struct {
	ID            uuid.UUID `json:"id"`
	Degrees       int       `json:"degrees"`
	Target        int32     `json:"target"`
	FinalPosition int32     `json:"final_position"`
	Polls         int       `json:"polls"`
	FailedSteps   int       `json:"failed_steps"`
	StepErrors    []byte    `json:"step_errors,omitempty"` // JSONB
	Outcome       Outcome   `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

type stepErrorRecord struct {
	Step    int    `json:"step"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Value   uint32 `json:"value"`
	Error   string `json:"error"`
}

// NewBringUpRun builds the journal row for one bring-up attempt.
func NewBringUpRun(iface string, units int, failures []fieldbus.Diagnostics, err error, startedAt, finishedAt time.Time) *BringUpRun {
	run := &BringUpRun{
		ID:         uuid.New(),
		Interface:  iface,
		Units:      units,
		Outcome:    OutcomeSuccess,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	if err != nil {
		run.Outcome = OutcomeFailed
		run.Error = err.Error()
	}
	if len(failures) > 0 {
		run.Failures, _ = json.Marshal(failures)
	}
	return run
}

// NewMoveRun builds the journal row for one move.
func NewMoveRun(res *drive.MoveResult, err error) *MoveRun {
	run := &MoveRun{
		ID:            res.ID,
		Degrees:       res.Degrees,
		Target:        res.Target,
		FinalPosition: res.Final.Position,
		Polls:         res.Final.Polls,
		FailedSteps:   res.Failed(),
		Outcome:       OutcomeSuccess,
		StartedAt:     res.StartedAt,
		FinishedAt:    res.FinishedAt,
	}
	if err != nil {
		run.Outcome = OutcomeFailed
		run.Error = err.Error()
	}

	var records []stepErrorRecord
	for i, s := range res.Steps {
		if s.Err == nil {
			continue
		}
		records = append(records, stepErrorRecord{
			Step:    i + 1,
			Name:    s.Name,
			Address: s.Address.String(),
			Value:   s.Value,
			Error:   s.Err.Error(),
		})
	}
	if len(records) > 0 {
		run.StepErrors, _ = json.Marshal(records)
	}
	return run
}
