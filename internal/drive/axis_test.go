package drive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/coe"
	"github.com/KevinKickass/ecatmotor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type write struct {
	addr  coe.Address
	width int
	value uint32
}

// recordingRegisters records writes and answers reads from scripted
// statusword and position sequences. The last scripted value repeats.
type recordingRegisters struct {
	mu        sync.Mutex
	writes    []write
	failWrite map[int]error

	statuswords []uint16
	statusErrs  []error
	positions   []uint32
	statusReads int
	posReads    int
}

func (r *recordingRegisters) record(addr coe.Address, width int, value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := len(r.writes)
	r.writes = append(r.writes, write{addr: addr, width: width, value: value})
	if err, ok := r.failWrite[idx]; ok {
		return err
	}
	return nil
}

func (r *recordingRegisters) Write8(_ context.Context, addr coe.Address, v uint8) error {
	return r.record(addr, 8, uint32(v))
}

func (r *recordingRegisters) Write16(_ context.Context, addr coe.Address, v uint16) error {
	return r.record(addr, 16, uint32(v))
}

func (r *recordingRegisters) Write32(_ context.Context, addr coe.Address, v uint32) error {
	return r.record(addr, 32, v)
}

func (r *recordingRegisters) Read16(_ context.Context, _ coe.Address) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.statusReads
	r.statusReads++
	if i < len(r.statusErrs) && r.statusErrs[i] != nil {
		return 0, r.statusErrs[i]
	}
	if len(r.statuswords) == 0 {
		return 0, nil
	}
	if i >= len(r.statuswords) {
		i = len(r.statuswords) - 1
	}
	return r.statuswords[i], nil
}

func (r *recordingRegisters) Read32(_ context.Context, _ coe.Address) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.posReads
	r.posReads++
	if len(r.positions) == 0 {
		return 0, nil
	}
	if i >= len(r.positions) {
		i = len(r.positions) - 1
	}
	return r.positions[i], nil
}

func defaultProfile() *types.DriveProfile {
	return &types.DriveProfile{
		Profile: types.DriveProfileInfo{ID: "test"},
		Objects: types.ObjectMap{
			Controlword:         coe.At(0x6040, 0),
			Statusword:          coe.At(0x6041, 0),
			ModesOfOperation:    coe.At(0x6060, 0),
			TargetPosition:      coe.At(0x607A, 0),
			ProfileVelocity:     coe.At(0x6081, 0),
			ProfileAcceleration: coe.At(0x6083, 0),
			ProfileDeceleration: coe.At(0x6084, 0),
			PositionActual:      coe.At(0x6064, 0),
		},
		Controlwords: types.ControlwordTable{
			Clear:           0x0000,
			Shutdown:        0x0006,
			SwitchOn:        0x0007,
			EnableOperation: 0x000F,
			NewSetPoint:     0x001F,
		},
		Status: types.StatusBits{TargetPendingBit: 12},
		Modes:  types.OperatingModes{ProfilePosition: 1},
		Motion: types.MotionConstants{
			RevolutionPulses:    0x6500000,
			ProfileAcceleration: 0x96,
			ProfileDeceleration: 0x96,
			ProfileVelocity:     0x200,
		},
	}
}

func newAxis(t *testing.T, regs Registers, opts Options) *Axis {
	t.Helper()
	a, err := NewAxis(regs, defaultProfile(), opts, nil)
	require.NoError(t, err)
	return a
}

func TestScaleDegrees(t *testing.T) {
	tests := []struct {
		degrees int
		want    int32
	}{
		{0, 0},
		{1, 294183},
		{90, 294183 * 90},
		{360, 294183 * 360},
		{-90, -294183 * 90},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.degrees), func(t *testing.T) {
			got, err := ScaleDegrees(0x6500000, tt.degrees)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := ScaleDegrees(359, 180)
	require.NoError(t, err)
	assert.Equal(t, int32(0), got, "R below 360 truncates to zero per degree")
	got, err = ScaleDegrees(719, 180)
	require.NoError(t, err)
	assert.Equal(t, int32(180), got)
}

func TestScaleDegreesRange(t *testing.T) {
	// 7299° is the last angle that fits at 294183 pulses per degree.
	got, err := ScaleDegrees(0x6500000, 7299)
	require.NoError(t, err)
	assert.Equal(t, int32(2147241717), got)

	got, err = ScaleDegrees(0x6500000, -7299)
	require.NoError(t, err)
	assert.Equal(t, int32(-2147241717), got)

	for _, deg := range []int{7300, -7300, math.MaxInt64} {
		_, err := ScaleDegrees(0x6500000, deg)
		assert.ErrorIs(t, err, ErrTargetOutOfRange, "degrees %d", deg)
	}
}

func TestMoveRejectsOutOfRangeTarget(t *testing.T) {
	regs := &recordingRegisters{}
	a := newAxis(t, regs, Options{})

	res, err := a.GotoPos(context.Background(), 7300)
	require.ErrorIs(t, err, ErrTargetOutOfRange)
	assert.Nil(t, res)
	assert.Empty(t, regs.writes)
}

func TestMoveWritesSequenceInOrder(t *testing.T) {
	regs := &recordingRegisters{}
	a := newAxis(t, regs, Options{})

	res, err := a.Move(context.Background(), 90)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, int32(294183*90), res.Target)

	want := []write{
		{coe.At(0x6060, 0), 8, 1},
		{coe.At(0x6040, 0), 16, 0x0000},
		{coe.At(0x6040, 0), 16, 0x0006},
		{coe.At(0x6040, 0), 16, 0x0007},
		{coe.At(0x6040, 0), 16, 0x000F},
		{coe.At(0x6083, 0), 32, 0x96},
		{coe.At(0x6084, 0), 32, 0x96},
		{coe.At(0x6081, 0), 32, 0x200},
		{coe.At(0x607A, 0), 32, uint32(294183 * 90)},
		{coe.At(0x6040, 0), 16, 0x000F},
		{coe.At(0x6040, 0), 16, 0x001F},
	}
	assert.Equal(t, want, regs.writes)
	assert.Len(t, res.Steps, len(want))
}

func TestMoveNegativeTargetIsTwosComplement(t *testing.T) {
	regs := &recordingRegisters{}
	a := newAxis(t, regs, Options{})

	_, err := a.Move(context.Background(), -1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFB82D9), regs.writes[8].value)
}

func TestMoveContinuesAfterFailedSteps(t *testing.T) {
	boom := errors.New("mailbox timeout")
	regs := &recordingRegisters{failWrite: map[int]error{2: boom, 8: boom}}
	a := newAxis(t, regs, Options{})

	res, err := a.Move(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, regs.writes, 11)
	assert.False(t, res.Aborted)
	assert.Equal(t, 2, res.Failed())

	errs := multierr.Errors(res.Err())
	require.Len(t, errs, 2)
	var stepErr *StepError
	require.ErrorAs(t, errs[0], &stepErr)
	assert.Equal(t, "shutdown", stepErr.Step.Name)
	assert.Equal(t, "step 9 (target_position): mailbox timeout", errs[1].Error())
	assert.ErrorIs(t, res.Err(), boom)
}

func TestMoveStopOnError(t *testing.T) {
	boom := errors.New("abort")
	regs := &recordingRegisters{failWrite: map[int]error{4: boom}}
	a := newAxis(t, regs, Options{StopOnError: true})

	res, err := a.Move(context.Background(), 10)
	require.Error(t, err)
	assert.True(t, res.Aborted)
	assert.Len(t, regs.writes, 5)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 4, stepErr.Index)
	assert.Equal(t, "enable_operation", stepErr.Step.Name)
}

func TestGotoPosStopOnErrorSkipsWait(t *testing.T) {
	regs := &recordingRegisters{failWrite: map[int]error{0: errors.New("no mode")}}
	a := newAxis(t, regs, Options{StopOnError: true})

	_, err := a.GotoPos(context.Background(), 360)
	require.Error(t, err)
	assert.Zero(t, regs.statusReads)
}

func TestGotoPosWaitsForTarget(t *testing.T) {
	regs := &recordingRegisters{
		statuswords: []uint16{0x1437, 0x1437, 0x0437},
		positions:   []uint32{10, 20, 30},
	}
	a := newAxis(t, regs, Options{})

	res, err := a.GotoPos(context.Background(), 360)
	require.NoError(t, err)
	assert.Equal(t, int32(30), res.Final.Position)
	assert.Equal(t, 3, res.Final.Polls)
	assert.Equal(t, StateOperationEnabled, res.Final.State)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestGotoPosTimeout(t *testing.T) {
	regs := &recordingRegisters{statuswords: []uint16{0x1000}}
	a := newAxis(t, regs, Options{Timeout: 20 * time.Millisecond, PollInterval: time.Millisecond})

	_, err := a.GotoPos(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMotionTimeout)
	assert.Contains(t, err.Error(), "waiting for target 294183")
}

func TestNewAxisRequiresProfile(t *testing.T) {
	_, err := NewAxis(&recordingRegisters{}, nil, Options{}, nil)
	assert.ErrorIs(t, err, ErrNoProfile)
}
