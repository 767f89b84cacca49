// Package drive runs the CiA 402 profile position state machine on one
// axis: the controlword sequence that arms and commits a set point, and the
// monitor that waits for the move to finish.
package drive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/coe"
	"github.com/KevinKickass/ecatmotor/internal/types"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNoProfile          = errors.New("drive profile required")
	ErrMotionTimeout      = errors.New("target not reached within deadline")
	ErrStatusReadFailures = errors.New("too many consecutive statusword read failures")
	ErrTargetOutOfRange   = errors.New("target position outside the signed 32-bit range")
)

// Registers is the register access the axis needs. *coe.Client satisfies it.
type Registers interface {
	Write8(ctx context.Context, addr coe.Address, value uint8) error
	Write16(ctx context.Context, addr coe.Address, value uint16) error
	Write32(ctx context.Context, addr coe.Address, value uint32) error
	Read16(ctx context.Context, addr coe.Address) (uint16, error)
	Read32(ctx context.Context, addr coe.Address) (uint32, error)
}

type Options struct {
	// StopOnError aborts the controlword sequence at the first failed
	// write. The default keeps going and reports every failure.
	StopOnError bool

	// PollInterval is the monitor cadence; zero polls back to back.
	PollInterval time.Duration

	// Timeout bounds one wait for the target; zero waits until cancelled.
	Timeout time.Duration

	// MaxReadErrors ends a wait after this many consecutive failed
	// statusword reads; zero never gives up.
	MaxReadErrors int
}

// Observer receives every monitor sample.
type Observer func(Sample)

type Axis struct {
	regs     Registers
	profile  *types.DriveProfile
	opts     Options
	logger   *zap.Logger
	observer Observer
}

func NewAxis(regs Registers, profile *types.DriveProfile, opts Options, logger *zap.Logger) (*Axis, error) {
	if profile == nil {
		return nil, ErrNoProfile
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if profile.Motion.RevolutionPulses < 360 {
		logger.Warn("Revolution pulses below 360, every target scales to zero",
			zap.Uint32("revolution_pulses", profile.Motion.RevolutionPulses))
	}
	return &Axis{
		regs:    regs,
		profile: profile,
		opts:    opts,
		logger:  logger,
	}, nil
}

// SetObserver installs fn for subsequent samples.
func (a *Axis) SetObserver(fn Observer) {
	a.observer = fn
}

func (a *Axis) Profile() *types.DriveProfile {
	return a.profile
}

// ScaleDegrees converts an angle to pulses as (R/360)*D with the division
// truncated first. Angles whose pulse count does not fit an int32 are
// rejected.
func ScaleDegrees(revolutionPulses uint32, degrees int) (int32, error) {
	perDegree := int64(revolutionPulses / 360)
	pulses := perDegree * int64(degrees)
	if pulses < math.MinInt32 || pulses > math.MaxInt32 ||
		(perDegree != 0 && pulses/perDegree != int64(degrees)) {
		return 0, fmt.Errorf("%w: %d° at %d pulses per degree", ErrTargetOutOfRange, degrees, perDegree)
	}
	return int32(pulses), nil
}

// Step is one register write of the motion sequence.
type Step struct {
	Name    string      `json:"name"`
	Address coe.Address `json:"address"`
	Width   int         `json:"width"`
	Value   uint32      `json:"value"`
}

// StepResult is a step and its outcome.
type StepResult struct {
	Step
	Err error `json:"-"`
}

// StepError is a failed step inside a move.
type StepError struct {
	Index int
	Step  Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Step.Name, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Sequence returns the writes that arm and commit an absolute move to
// target, in the order the device profile requires.
func (a *Axis) Sequence(target int32) []Step {
	obj := a.profile.Objects
	cw := a.profile.Controlwords
	motion := a.profile.Motion

	return []Step{
		{Name: "mode", Address: obj.ModesOfOperation, Width: 8, Value: uint32(a.profile.Modes.ProfilePosition)},
		{Name: "clear", Address: obj.Controlword, Width: 16, Value: uint32(cw.Clear)},
		{Name: "shutdown", Address: obj.Controlword, Width: 16, Value: uint32(cw.Shutdown)},
		{Name: "switch_on", Address: obj.Controlword, Width: 16, Value: uint32(cw.SwitchOn)},
		{Name: "enable_operation", Address: obj.Controlword, Width: 16, Value: uint32(cw.EnableOperation)},
		{Name: "profile_acceleration", Address: obj.ProfileAcceleration, Width: 32, Value: motion.ProfileAcceleration},
		{Name: "profile_deceleration", Address: obj.ProfileDeceleration, Width: 32, Value: motion.ProfileDeceleration},
		{Name: "profile_velocity", Address: obj.ProfileVelocity, Width: 32, Value: motion.ProfileVelocity},
		{Name: "target_position", Address: obj.TargetPosition, Width: 32, Value: uint32(target)},
		{Name: "mask_enable", Address: obj.Controlword, Width: 16, Value: uint32(cw.EnableOperation)},
		{Name: "commit_set_point", Address: obj.Controlword, Width: 16, Value: uint32(cw.NewSetPoint)},
	}
}

// MoveResult describes one GotoPos command.
type MoveResult struct {
	ID         uuid.UUID    `json:"id"`
	Degrees    int          `json:"degrees"`
	Target     int32        `json:"target"`
	Steps      []StepResult `json:"steps"`
	Aborted    bool         `json:"aborted"`
	Final      Sample       `json:"final"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Err combines every failed step, nil when all succeeded.
func (r *MoveResult) Err() error {
	var errs error
	for i, s := range r.Steps {
		if s.Err != nil {
			errs = multierr.Append(errs, &StepError{Index: i, Step: s.Step, Err: s.Err})
		}
	}
	return errs
}

// Failed counts failed steps.
func (r *MoveResult) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// Move arms and commits an absolute move to degrees. An angle outside the
// target range fails before any write. With StopOnError unset every step is
// issued and failures are only recorded in the result.
func (a *Axis) Move(ctx context.Context, degrees int) (*MoveResult, error) {
	target, err := ScaleDegrees(a.profile.Motion.RevolutionPulses, degrees)
	if err != nil {
		return nil, err
	}
	result := &MoveResult{
		ID:        uuid.New(),
		Degrees:   degrees,
		Target:    target,
		StartedAt: time.Now(),
	}

	a.logger.Info("Moving to position",
		zap.String("move_id", result.ID.String()),
		zap.Int("degrees", degrees),
		zap.Int32("target", target))

	for i, step := range a.Sequence(target) {
		err := a.write(ctx, step)
		result.Steps = append(result.Steps, StepResult{Step: step, Err: err})
		if err != nil && a.opts.StopOnError {
			result.Aborted = true
			result.FinishedAt = time.Now()
			return result, &StepError{Index: i, Step: step, Err: err}
		}
	}

	if failed := result.Failed(); failed > 0 {
		a.logger.Warn("Motion sequence completed with failed steps",
			zap.String("move_id", result.ID.String()),
			zap.Int("failed", failed),
			zap.Error(result.Err()))
	}

	result.FinishedAt = time.Now()
	return result, nil
}

func (a *Axis) write(ctx context.Context, step Step) error {
	switch step.Width {
	case 8:
		return a.regs.Write8(ctx, step.Address, uint8(step.Value))
	case 16:
		return a.regs.Write16(ctx, step.Address, uint16(step.Value))
	case 32:
		return a.regs.Write32(ctx, step.Address, step.Value)
	default:
		return fmt.Errorf("%w: %d", coe.ErrWidthMismatch, step.Width)
	}
}

// GotoPos moves to degrees and waits for the target. The wait runs even if
// some steps failed, unless StopOnError aborted the sequence.
func (a *Axis) GotoPos(ctx context.Context, degrees int) (*MoveResult, error) {
	result, err := a.Move(ctx, degrees)
	if err != nil {
		return result, err
	}
	return result, a.Complete(ctx, result)
}

// Complete waits for the move armed by Move and records the final sample in
// result.
func (a *Axis) Complete(ctx context.Context, result *MoveResult) error {
	final, err := a.Wait(ctx)
	result.Final = final
	result.FinishedAt = time.Now()
	if err != nil {
		return fmt.Errorf("waiting for target %d: %w", result.Target, err)
	}

	a.logger.Info("Target reached",
		zap.String("move_id", result.ID.String()),
		zap.Int32("position", final.Position),
		zap.Int("polls", final.Polls),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))
	return nil
}
