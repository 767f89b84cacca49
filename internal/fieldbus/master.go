// Package fieldbus holds the contracts between the motion core and the
// EtherCAT master that carries its traffic. Nothing in here knows about
// byte framing; implementations live in internal/sim and internal/gateway.
package fieldbus

import (
	"context"
	"time"
)

// AllUnits addresses every unit on the bus in state requests and polls.
const AllUnits = 0

// OpenConfig selects the network interface the master binds to.
type OpenConfig struct {
	Interface string
}

// Transport opens and closes the underlying session.
type Transport interface {
	Open(ctx context.Context, cfg OpenConfig) error
	Close() error
}

// Configurator discovers units and lays out the process image.
type Configurator interface {
	// ConfigureAll scans the bus, auto-configures every unit and returns how
	// many were found.
	ConfigureAll(ctx context.Context) (int, error)

	// MapProcessImage sizes and allocates the process image for all
	// configured units. The caller owns the returned image.
	MapProcessImage(ctx context.Context) (*ProcessImage, error)
}

// StateController requests and observes AL states.
type StateController interface {
	RequestState(ctx context.Context, unit int, target State) error

	// PollUntilState waits until unit (or all units for AllUnits) reports
	// target or timeout elapses, and returns the last observed state. Not
	// reaching target is not an error; the caller compares.
	PollUntilState(ctx context.Context, unit int, target State, timeout time.Duration) (State, error)

	ReadDiagnostics(ctx context.Context, unit int) (Diagnostics, error)
}

// ProcessData performs one cyclic exchange of the process image.
type ProcessData interface {
	SendCycle(ctx context.Context, img *ProcessImage) error

	// ReceiveCycle returns the working counter of the exchange.
	ReceiveCycle(ctx context.Context, img *ProcessImage, timeout time.Duration) (int, error)
}

// SDO is mailbox (CoE) access to a unit's object dictionary.
type SDO interface {
	SDOWrite(ctx context.Context, unit int, index uint16, subIndex uint8, data []byte, timeout time.Duration) error
	SDORead(ctx context.Context, unit int, index uint16, subIndex uint8, size int, timeout time.Duration) ([]byte, error)
}

// Master is everything the core consumes from an EtherCAT master.
type Master interface {
	Transport
	Configurator
	StateController
	ProcessData
	SDO
}

// ProcessImage is the single buffer mirroring outputs followed by inputs of
// all units.
type ProcessImage struct {
	Buffer      []byte
	OutputBytes int
	InputBytes  int
}

// NewProcessImage allocates an image with outputs first, inputs after.
func NewProcessImage(outputBytes, inputBytes int) *ProcessImage {
	return &ProcessImage{
		Buffer:      make([]byte, outputBytes+inputBytes),
		OutputBytes: outputBytes,
		InputBytes:  inputBytes,
	}
}

func (p *ProcessImage) Outputs() []byte {
	return p.Buffer[:p.OutputBytes]
}

func (p *ProcessImage) Inputs() []byte {
	return p.Buffer[p.OutputBytes : p.OutputBytes+p.InputBytes]
}
