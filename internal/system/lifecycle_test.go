package system

import (
	"context"
	"testing"

	"github.com/KevinKickass/ecatmotor/internal/coe"
	"github.com/KevinKickass/ecatmotor/internal/config"
	"github.com/KevinKickass/ecatmotor/internal/ecat"
	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"github.com/KevinKickass/ecatmotor/internal/machine"
	"github.com/KevinKickass/ecatmotor/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Devices.SearchPaths = nil
	return cfg
}

func TestLifecycleRunsSequence(t *testing.T) {
	cfg := testConfig(t)
	master := sim.New(sim.Config{Units: 1}, nil)

	lm, err := NewLifecycleManager(nil, cfg, nil, WithMaster(master))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, lm.Start(ctx))
	assert.Equal(t, StateRunning, lm.State())
	assert.Equal(t, machine.StateReady, lm.MachineController().State())

	require.NoError(t, lm.RunSequence(ctx, cfg.Motion.Sequence...))
	assert.Equal(t, int32(0), master.Drive(1).Position())

	var targets []uint32
	for _, op := range master.Writes() {
		if op.Address == coe.At(0x607A, 0) {
			targets = append(targets, op.Value)
		}
	}
	assert.Equal(t, []uint32{0, 105905880, 0}, targets)
	assertMoveOps(t, master.Ops(), []uint32{0, 105905880, 0})

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, string(ecat.PhaseOperational), status.NetworkPhase)
	assert.False(t, status.JournalEnabled)

	require.NoError(t, lm.Shutdown(ctx))
	assert.Equal(t, StateStopped, lm.State())
	assert.False(t, master.IsOpen())
	ops := master.Ops()
	require.NotEmpty(t, ops)
	assert.Equal(t, fieldbus.StatePreOp, ops[len(ops)-1].State)

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
	require.NoError(t, lm.Shutdown(ctx))
}

type regOp struct {
	kind    sim.OpKind
	address coe.Address
	width   int
	value   uint32
}

func moveWrites(target uint32) []regOp {
	w := func(index uint16, width int, value uint32) regOp {
		return regOp{sim.OpWrite, coe.At(index, 0), width, value}
	}
	return []regOp{
		w(0x6060, 8, 1),
		w(0x6040, 16, 0x0000),
		w(0x6040, 16, 0x0006),
		w(0x6040, 16, 0x0007),
		w(0x6040, 16, 0x000F),
		w(0x6083, 32, 0x96),
		w(0x6084, 32, 0x96),
		w(0x6081, 32, 0x200),
		w(0x607A, 32, target),
		w(0x6040, 16, 0x000F),
		w(0x6040, 16, 0x001F),
	}
}

// assertMoveOps checks that the register traffic is, per move, the eleven
// writes ending in the commit followed by position/statusword read pairs,
// bracketed by the bring-up and teardown state requests.
func assertMoveOps(t *testing.T, ops []sim.Op, targets []uint32) {
	t.Helper()

	i := 0
	for i < len(ops) && ops[i].Kind == sim.OpState {
		i++
	}
	require.Positive(t, i, "bring-up state requests come first")

	for n, target := range targets {
		want := moveWrites(target)
		require.GreaterOrEqual(t, len(ops)-i, len(want)+2, "move %d truncated", n+1)
		for k, w := range want {
			op := ops[i+k]
			assert.Equal(t, w, regOp{op.Kind, op.Address, op.Width, op.Value}, "move %d step %d", n+1, k+1)
			assert.Empty(t, op.Err)
		}
		i += len(want)

		pairs := 0
		for i+1 < len(ops) && ops[i].Kind == sim.OpRead {
			assert.Equal(t, coe.At(0x6064, 0), ops[i].Address, "move %d poll %d position", n+1, pairs+1)
			assert.Equal(t, 32, ops[i].Width)
			assert.Equal(t, coe.At(0x6041, 0), ops[i+1].Address, "move %d poll %d statusword", n+1, pairs+1)
			assert.Equal(t, 16, ops[i+1].Width)
			i += 2
			pairs++
		}
		assert.Positive(t, pairs, "move %d never polled", n+1)
	}

	rest := ops[i:]
	require.NotEmpty(t, rest)
	for _, op := range rest {
		assert.Equal(t, sim.OpState, op.Kind, "only teardown follows the last move")
	}
}

func TestLifecycleBringUpFailure(t *testing.T) {
	cfg := testConfig(t)
	master := sim.New(sim.Config{Units: 2, StuckUnits: map[int]uint16{2: 0x001D}}, nil)

	lm, err := NewLifecycleManager(nil, cfg, nil, WithMaster(master))
	require.NoError(t, err)

	ctx := context.Background()
	err = lm.Start(ctx)
	require.ErrorIs(t, err, ecat.ErrStateTransitionTimeout)
	assert.Equal(t, StateError, lm.State())
	assert.Contains(t, lm.GetCurrentStatus().Error, "unit 2")

	err = lm.RunSequence(ctx, 0, 360)
	require.ErrorIs(t, err, machine.ErrNotReady)
	assert.Empty(t, master.Writes())

	require.NoError(t, lm.Shutdown(ctx))
	assert.Equal(t, machine.StateOffline, lm.MachineController().State())
}

func TestLifecycleUnknownProfile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Motion.Profile = "no-such-drive"

	_, err := NewLifecycleManager(nil, cfg, nil, WithMaster(sim.New(sim.Config{}, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drive profile")
}

func TestNewMasterFromTransport(t *testing.T) {
	cfg := testConfig(t)

	m, err := newMaster(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &sim.Master{}, m)

	cfg.Fieldbus.Transport = config.TransportGateway
	m, err = newMaster(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, m)

	cfg.Fieldbus.Transport = "serial"
	_, err = newMaster(cfg, nil)
	require.Error(t, err)
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	require.NoError(t, ValidateTransition(StateError, StateStopping))
	require.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Equal(t, "UNKNOWN", SystemState(42).String())
}
