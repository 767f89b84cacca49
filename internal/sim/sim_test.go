package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/KevinKickass/ecatmotor/internal/coe"
	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSim(t *testing.T, cfg Config) *Master {
	t.Helper()
	m := New(cfg, nil)
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, fieldbus.OpenConfig{Interface: "sim0"}))
	n, err := m.ConfigureAll(ctx)
	require.NoError(t, err)
	require.Equal(t, len(m.units), n)
	_, err = m.MapProcessImage(ctx)
	require.NoError(t, err)
	return m
}

func TestOpenFailure(t *testing.T) {
	boom := errors.New("no such device")
	m := New(Config{OpenError: boom}, nil)
	assert.ErrorIs(t, m.Open(context.Background(), fieldbus.OpenConfig{}), boom)
}

func TestStateLadder(t *testing.T) {
	ctx := context.Background()
	m := openSim(t, Config{Units: 2})

	st, err := m.PollUntilState(ctx, fieldbus.AllUnits, fieldbus.StateSafeOp, 0)
	require.NoError(t, err)
	assert.Equal(t, fieldbus.StateSafeOp, st)

	require.NoError(t, m.RequestState(ctx, fieldbus.AllUnits, fieldbus.StateOperational))
	st, err = m.PollUntilState(ctx, fieldbus.AllUnits, fieldbus.StateOperational, 0)
	require.NoError(t, err)
	assert.Equal(t, fieldbus.StateOperational, st)

	wkc, err := m.ReceiveCycle(ctx, fieldbus.NewProcessImage(12, 12), 0)
	require.NoError(t, err)
	assert.Equal(t, 6, wkc)

	require.NoError(t, m.Close())
	assert.Equal(t, fieldbus.StateInit, m.State(1))
	assert.False(t, m.IsOpen())
}

func TestStuckUnit(t *testing.T) {
	ctx := context.Background()
	m := openSim(t, Config{Units: 3, StuckUnits: map[int]uint16{2: 0x001B}})

	require.NoError(t, m.RequestState(ctx, fieldbus.AllUnits, fieldbus.StateOperational))
	st, err := m.PollUntilState(ctx, fieldbus.AllUnits, fieldbus.StateOperational, 0)
	require.NoError(t, err)
	assert.Equal(t, fieldbus.StateSafeOp|fieldbus.StateError, st)

	diag, err := m.ReadDiagnostics(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x001B), diag.StatusCode)
	assert.Equal(t, fieldbus.StateOperational, m.State(3))

	require.NoError(t, m.RequestState(ctx, fieldbus.AllUnits, fieldbus.StateSafeOp))
	assert.Equal(t, fieldbus.StateSafeOp, m.State(2))
}

func TestSDOAborts(t *testing.T) {
	ctx := context.Background()
	m := openSim(t, Config{})

	err := m.SDOWrite(ctx, 1, 0x6040, 0, []byte{1, 2, 3, 4}, 0)
	var abortErr fieldbus.SDOAbort
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, fieldbus.AbortLengthMismatch, abortErr.Code)

	_, err = m.SDORead(ctx, 1, 0x2000, 0, 2, 0)
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, fieldbus.AbortNoObject, abortErr.Code)

	err = m.SDOWrite(ctx, 1, 0x6041, 0, []byte{0, 0}, 0)
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, fieldbus.AbortReadOnly, abortErr.Code)

	_, err = m.SDORead(ctx, 5, 0x6041, 0, 2, 0)
	assert.ErrorIs(t, err, ErrNoSuchUnit)
}

func TestMailboxNeedsOpen(t *testing.T) {
	m := New(Config{}, nil)
	_, err := m.SDORead(context.Background(), 1, 0x6041, 0, 2, 0)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestInjectedFaults(t *testing.T) {
	ctx := context.Background()
	m := openSim(t, Config{})
	boom := errors.New("frame lost")

	m.InjectWriteFault(1, coe.At(0x6040, 0), boom)
	assert.ErrorIs(t, m.SDOWrite(ctx, 1, 0x6040, 0, []byte{6, 0}, 0), boom)

	m.InjectWriteFault(1, coe.At(0x6040, 0), nil)
	assert.NoError(t, m.SDOWrite(ctx, 1, 0x6040, 0, []byte{6, 0}, 0))

	m.InjectReadFault(1, coe.At(0x6064, 0), boom)
	_, err := m.SDORead(ctx, 1, 0x6064, 0, 4, 0)
	assert.ErrorIs(t, err, boom)

	ops := m.Ops()
	require.Len(t, ops, 3)
	assert.Equal(t, "frame lost", ops[0].Err)
	assert.Empty(t, ops[1].Err)
	assert.Equal(t, OpRead, ops[2].Kind)
}

func TestDriveProfilePositionMove(t *testing.T) {
	d := NewDrive(100)

	require.NoError(t, d.Write(objModesOfOperation, 8, 1))
	for _, cw := range []uint32{0x00, 0x06, 0x07, 0x0F} {
		require.NoError(t, d.Write(objControlword, 16, cw))
	}
	assert.Equal(t, uint16(0x0227), d.Statusword())

	require.NoError(t, d.Write(objTargetPosition, 32, 250))
	require.NoError(t, d.Write(objControlword, 16, 0x0F))
	assert.False(t, d.Moving())
	require.NoError(t, d.Write(objControlword, 16, 0x1F))
	assert.True(t, d.Moving())

	var words []uint32
	for i := 0; i < 3; i++ {
		sw, err := d.Read(objStatusword, 16)
		require.NoError(t, err)
		words = append(words, sw)
	}
	assert.Equal(t, uint32(0x1227), words[0])
	assert.Equal(t, uint32(0x1227), words[1])
	assert.Equal(t, uint32(0x0627), words[2])
	assert.Equal(t, int32(250), d.Position())

	pos, err := d.Read(objPositionActual, 32)
	require.NoError(t, err)
	assert.Equal(t, uint32(250), pos)
}

func TestDriveIgnoresCommitWhenNotEnabled(t *testing.T) {
	d := NewDrive(100)
	require.NoError(t, d.Write(objModesOfOperation, 8, 1))
	require.NoError(t, d.Write(objTargetPosition, 32, 1000))
	require.NoError(t, d.Write(objControlword, 16, 0x1F))
	assert.False(t, d.Moving())

	require.NoError(t, d.Write(objControlword, 16, 0x07))
	assert.Equal(t, uint16(0x0240), d.Statusword())
}

func TestDriveFaultReset(t *testing.T) {
	d := NewDrive(100)
	d.Fault()
	assert.Equal(t, uint16(0x0208), d.Statusword())

	require.NoError(t, d.Write(objControlword, 16, 0x06))
	assert.Equal(t, uint16(0x0208), d.Statusword())

	require.NoError(t, d.Write(objControlword, 16, 0x80))
	assert.Equal(t, uint16(0x0240), d.Statusword())
}

func TestDriveNegativeMove(t *testing.T) {
	d := NewDrive(1000)
	require.NoError(t, d.Write(objModesOfOperation, 8, 1))
	for _, cw := range []uint32{0x06, 0x07, 0x0F} {
		require.NoError(t, d.Write(objControlword, 16, cw))
	}
	target := int32(-2500)
	require.NoError(t, d.Write(objTargetPosition, 32, uint32(target)))
	require.NoError(t, d.Write(objControlword, 16, 0x1F))

	for d.Moving() {
		_, err := d.Read(objStatusword, 16)
		require.NoError(t, err)
	}
	assert.Equal(t, target, d.Position())
}
