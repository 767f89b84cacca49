// Package coe provides typed register access (CANopen over EtherCAT) to a
// single unit's object dictionary.
package coe

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"go.uber.org/zap"
)

// Client reads and writes fixed-width values on one unit. Every call blocks
// until the unit answers or the timeout expires. There is no retry.
type Client struct {
	sdo     fieldbus.SDO
	unit    int
	timeout time.Duration
	logger  *zap.Logger
}

func NewClient(sdo fieldbus.SDO, unit int, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if unit < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidUnit, unit)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		sdo:     sdo,
		unit:    unit,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Unit returns the handle this client talks to.
func (c *Client) Unit() int {
	return c.unit
}

func (c *Client) Write8(ctx context.Context, addr Address, value uint8) error {
	return c.write(ctx, addr, 8, uint32(value), []byte{value})
}

func (c *Client) Write16(ctx context.Context, addr Address, value uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	return c.write(ctx, addr, 16, uint32(value), b[:])
}

func (c *Client) Write32(ctx context.Context, addr Address, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return c.write(ctx, addr, 32, value, b[:])
}

// Read8 returns the value or a *RegisterError. On error the value is zero
// and must not be used.
func (c *Client) Read8(ctx context.Context, addr Address) (uint8, error) {
	b, err := c.read(ctx, addr, 8)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Client) Read16(ctx context.Context, addr Address) (uint16, error) {
	b, err := c.read(ctx, addr, 16)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *Client) Read32(ctx context.Context, addr Address) (uint32, error) {
	b, err := c.read(ctx, addr, 32)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Client) write(ctx context.Context, addr Address, width int, value uint32, data []byte) error {
	err := c.sdo.SDOWrite(ctx, c.unit, addr.Index, addr.SubIndex, data, c.timeout)
	if err != nil {
		regErr := &RegisterError{Op: OpWrite, Address: addr, Width: width, Value: value, Err: err}
		c.logger.Error("Register write failed",
			zap.Int("unit", c.unit),
			zap.Stringer("address", addr),
			zap.Int("width", width),
			zap.String("value", fmt.Sprintf("0x%X", value)),
			zap.Error(err))
		return regErr
	}
	return nil
}

func (c *Client) read(ctx context.Context, addr Address, width int) ([]byte, error) {
	size := width / 8
	data, err := c.sdo.SDORead(ctx, c.unit, addr.Index, addr.SubIndex, size, c.timeout)
	if err == nil && len(data) != size {
		err = fmt.Errorf("%w: want %d bytes, got %d", ErrWidthMismatch, size, len(data))
	}
	if err != nil {
		c.logger.Error("Register read failed",
			zap.Int("unit", c.unit),
			zap.Stringer("address", addr),
			zap.Int("width", width),
			zap.Error(err))
		return nil, &RegisterError{Op: OpRead, Address: addr, Width: width, Err: err}
	}
	return data, nil
}
