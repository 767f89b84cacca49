package coe

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUnit   = errors.New("unit index must be >= 1")
	ErrWidthMismatch = errors.New("register width mismatch")
)

// Op names the direction of a failed register access.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// RegisterError reports a single failed read or write. Value is the
// attempted value for writes and zero for reads.
type RegisterError struct {
	Op      Op
	Address Address
	Width   int
	Value   uint32
	Err     error
}

func (e *RegisterError) Error() string {
	if e.Op == OpWrite {
		return fmt.Sprintf("write%d %s = 0x%X: %v", e.Width, e.Address, e.Value, e.Err)
	}
	return fmt.Sprintf("read%d %s: %v", e.Width, e.Address, e.Err)
}

func (e *RegisterError) Unwrap() error {
	return e.Err
}
