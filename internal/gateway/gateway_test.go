package gateway

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/coe"
	"github.com/KevinKickass/ecatmotor/internal/ecat"
	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"github.com/KevinKickass/ecatmotor/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecode(t *testing.T) {
	f := &Frame{
		TransactionID: 0x1234,
		ProtocolID:    ProtocolID,
		Unit:          2,
		Command:       CmdSDOWrite,
		Payload:       []byte{0x60, 0x40, 0x00},
	}
	data, err := f.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0xEC, 0xA7, 0x00, 0x07, 0x00, 0x02, 0x0A, 0x00, 0x60, 0x40, 0x00}, data)

	decoded, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, decoded)

	read, err := ReadFrame(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, f.Payload, read.Payload)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3})
	assert.ErrorContains(t, err, "frame too short")

	bad := []byte{0, 1, 0, 0, 0, 4, 0, 0, 1, 0}
	_, err = DecodeFrame(bad)
	assert.ErrorContains(t, err, "invalid protocol ID")

	short := []byte{0, 1, 0xEC, 0xA7, 0, 9, 0, 0, 1, 0}
	_, err = DecodeFrame(short)
	assert.ErrorContains(t, err, "length mismatch")
}

func startServer(t *testing.T, master fieldbus.Master) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(master, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Close()
		assert.ErrorIs(t, <-done, ErrServerClosed)
	})

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)
	return srv
}

func TestRoundTripBringUpAndRegisters(t *testing.T) {
	simMaster := sim.New(sim.Config{Units: 1, PulsesPerPoll: 1000}, nil)
	srv := startServer(t, simMaster)

	client := NewClient(srv.Addr().String(), time.Second, nil)
	network, err := ecat.NewNetwork(client, ecat.Config{Interface: "sim0"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, network.BringUp(ctx))
	assert.Equal(t, fieldbus.StateOperational, simMaster.State(1))

	regs, err := network.Registers()
	require.NoError(t, err)

	require.NoError(t, regs.Write8(ctx, coe.At(0x6060, 0), 1))
	mode, err := regs.Read8(ctx, coe.At(0x6061, 0))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), mode)

	err = regs.Write16(ctx, coe.At(0x6041, 0), 0)
	var abort fieldbus.SDOAbort
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, fieldbus.AbortReadOnly, abort.Code)
	assert.Equal(t, uint16(0x6041), abort.Index)

	require.NoError(t, network.Teardown(ctx))
	assert.False(t, simMaster.IsOpen())
}

func TestRoundTripStuckUnitDiagnostics(t *testing.T) {
	simMaster := sim.New(sim.Config{Units: 2, StuckUnits: map[int]uint16{2: 0x001D}}, nil)
	srv := startServer(t, simMaster)

	client := NewClient(srv.Addr().String(), time.Second, nil)
	network, err := ecat.NewNetwork(client, ecat.Config{}, nil)
	require.NoError(t, err)

	err = network.BringUp(context.Background())
	var bringUpErr *ecat.BringUpError
	require.ErrorAs(t, err, &bringUpErr)
	require.Len(t, bringUpErr.Failures, 1)
	assert.Equal(t, 2, bringUpErr.Failures[0].Unit)
	assert.Equal(t, uint16(0x001D), bringUpErr.Failures[0].StatusCode)
	assert.Equal(t, fieldbus.StatusCodeText(0x001D), bringUpErr.Failures[0].StatusText)
}

func TestRemoteError(t *testing.T) {
	simMaster := sim.New(sim.Config{OpenError: errors.New("no such interface")}, nil)
	srv := startServer(t, simMaster)

	client := NewClient(srv.Addr().String(), time.Second, nil)
	err := client.Open(context.Background(), fieldbus.OpenConfig{Interface: "eth9"})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CmdOpen, remote.Command)
	assert.Equal(t, "gateway open: no such interface", err.Error())

	// A failed open drops the connection.
	_, err = client.ConfigureAll(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, client.Close())
}

func TestCallWithoutConnection(t *testing.T) {
	client := NewClient("127.0.0.1:1", 50*time.Millisecond, nil)
	_, err := client.ConfigureAll(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, client.Close())
}

func TestCancelledContext(t *testing.T) {
	srv := startServer(t, sim.New(sim.Config{}, nil))
	client := NewClient(srv.Addr().String(), time.Second, nil)
	require.NoError(t, client.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ConfigureAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransactionIDsIncrease(t *testing.T) {
	srv := startServer(t, sim.New(sim.Config{}, nil))
	client := NewClient(srv.Addr().String(), time.Second, nil)
	ctx := context.Background()
	require.NoError(t, client.Open(ctx, fieldbus.OpenConfig{}))

	for i := 0; i < 3; i++ {
		_, err := client.PollUntilState(ctx, fieldbus.AllUnits, fieldbus.StateInit, time.Millisecond)
		require.NoError(t, err)
	}
	assert.Equal(t, uint16(4), client.transactionID)
}
