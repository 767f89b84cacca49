package coe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoSDO stores every write and answers reads with the stored bytes.
type echoSDO struct {
	values  map[Address][]byte
	failAll error
}

func newEchoSDO() *echoSDO {
	return &echoSDO{values: make(map[Address][]byte)}
}

func (e *echoSDO) SDOWrite(_ context.Context, _ int, index uint16, sub uint8, data []byte, _ time.Duration) error {
	if e.failAll != nil {
		return e.failAll
	}
	e.values[At(index, sub)] = append([]byte(nil), data...)
	return nil
}

func (e *echoSDO) SDORead(_ context.Context, _ int, index uint16, sub uint8, _ int, _ time.Duration) ([]byte, error) {
	if e.failAll != nil {
		return nil, e.failAll
	}
	v, ok := e.values[At(index, sub)]
	if !ok {
		return nil, fieldbus.SDOAbort{Index: index, SubIndex: sub, Code: fieldbus.AbortNoObject}
	}
	return v, nil
}

func newTestClient(t *testing.T, sdo fieldbus.SDO) *Client {
	t.Helper()
	c, err := NewClient(sdo, 1, 700*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestRoundTripAllWidths(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newEchoSDO())

	require.NoError(t, c.Write8(ctx, At(0x6060, 0), 0x01))
	v8, err := c.Read8(ctx, At(0x6060, 0))
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), v8)

	require.NoError(t, c.Write16(ctx, At(0x6040, 0), 0x001F))
	v16, err := c.Read16(ctx, At(0x6040, 0))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x001F), v16)

	require.NoError(t, c.Write32(ctx, At(0x607A, 0), 0xFFFB_6C20))
	v32, err := c.Read32(ctx, At(0x607A, 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFB_6C20), v32)
}

func TestWriteFailureCarriesAttemptedValue(t *testing.T) {
	sdo := newEchoSDO()
	sdo.failAll = errors.New("mailbox timeout")
	c := newTestClient(t, sdo)

	err := c.Write16(context.Background(), At(0x6040, 0), 0x0006)
	require.Error(t, err)

	var regErr *RegisterError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, OpWrite, regErr.Op)
	assert.Equal(t, At(0x6040, 0), regErr.Address)
	assert.Equal(t, 16, regErr.Width)
	assert.Equal(t, uint32(0x0006), regErr.Value)
	assert.ErrorIs(t, err, sdo.failAll)
	assert.Equal(t, "write16 0x6040:00 = 0x6: mailbox timeout", err.Error())
}

func TestReadFailureIsNotZero(t *testing.T) {
	c := newTestClient(t, newEchoSDO())

	v, err := c.Read16(context.Background(), At(0x6041, 0))
	require.Error(t, err)
	assert.Zero(t, v)

	var abort fieldbus.SDOAbort
	assert.ErrorAs(t, err, &abort)
	assert.Equal(t, fieldbus.AbortNoObject, abort.Code)
}

func TestReadWidthMismatch(t *testing.T) {
	sdo := newEchoSDO()
	c := newTestClient(t, sdo)
	ctx := context.Background()

	require.NoError(t, c.Write8(ctx, At(0x6060, 0), 1))
	_, err := c.Read32(ctx, At(0x6060, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWidthMismatch)
}

func TestNewClientRejectsInvalidUnit(t *testing.T) {
	_, err := NewClient(newEchoSDO(), 0, time.Second, nil)
	assert.ErrorIs(t, err, ErrInvalidUnit)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want Address
	}{
		{"0x6040:00", At(0x6040, 0)},
		{"607A:0", At(0x607A, 0)},
		{"0x1018:0x04", At(0x1018, 4)},
		{"0x6064", At(0x6064, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseAddress("0x16040:00")
	assert.Error(t, err)
	_, err = ParseAddress(":01")
	assert.Error(t, err)
	_, err = ParseAddress("0x6040:100")
	assert.Error(t, err)
}

func TestAddressText(t *testing.T) {
	var a Address
	require.NoError(t, a.UnmarshalText([]byte("0x6041:00")))
	assert.Equal(t, At(0x6041, 0), a)

	text, err := a.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "0x6041:00", string(text))
}
