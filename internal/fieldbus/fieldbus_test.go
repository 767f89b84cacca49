package fieldbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateLadder(t *testing.T) {
	next, ok := StateInit.Next()
	assert.True(t, ok)
	assert.Equal(t, StatePreOp, next)

	next, ok = StateSafeOp.Next()
	assert.True(t, ok)
	assert.Equal(t, StateOperational, next)

	_, ok = StateOperational.Next()
	assert.False(t, ok)

	prev, ok := StateOperational.Prev()
	assert.True(t, ok)
	assert.Equal(t, StateSafeOp, prev)

	prev, ok = StateSafeOp.Prev()
	assert.True(t, ok)
	assert.Equal(t, StatePreOp, prev)

	_, ok = StateInit.Prev()
	assert.False(t, ok)

	// Boot is not on the ladder.
	_, ok = StateBoot.Next()
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "OPERATIONAL", StateOperational.String())
	assert.Equal(t, "SAFE_OP+ERROR", (StateSafeOp | StateError).String())
	assert.Equal(t, "0x07", State(0x07).String())
	assert.True(t, (StatePreOp | StateError).HasError())
	assert.Equal(t, StatePreOp, (StatePreOp | StateError).Base())
}

func TestStatusCodeText(t *testing.T) {
	assert.Equal(t, "Sync manager watchdog", StatusCodeText(0x001B))
	assert.Equal(t, "Unknown", StatusCodeText(0xBEEF))
}

func TestSDOAbortError(t *testing.T) {
	err := SDOAbort{Index: 0x6040, SubIndex: 0, Code: AbortLengthMismatch}
	assert.Equal(t, "sdo abort 0x06070010 @ 0x6040:00: data type does not match (length)", err.Error())

	unknown := SDOAbort{Index: 0x2000, SubIndex: 1, Code: 0x12345678}
	assert.Equal(t, "sdo abort 0x12345678 @ 0x2000:01", unknown.Error())
}

func TestProcessImageSlices(t *testing.T) {
	img := NewProcessImage(4, 6)
	assert.Len(t, img.Buffer, 10)
	assert.Len(t, img.Outputs(), 4)
	assert.Len(t, img.Inputs(), 6)

	img.Inputs()[0] = 0xAA
	assert.Equal(t, byte(0xAA), img.Buffer[4])
}
