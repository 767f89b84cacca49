// Package sim is an in-process EtherCAT master with CiA 402 drives behind
// it. It implements fieldbus.Master so the whole stack runs without
// hardware, and it records every register operation for inspection.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/coe"
	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"go.uber.org/zap"
)

var (
	ErrNotOpen     = errors.New("sim: master not open")
	ErrAlreadyOpen = errors.New("sim: master already open")
	ErrNoSuchUnit  = errors.New("sim: no such unit")
	ErrNoMailbox   = errors.New("sim: mailbox not available in INIT")
)

// DefaultPulsesPerPoll moves a default-profile revolution in about 40 polls.
const DefaultPulsesPerPoll = 0x6500000 / 40

// Per-unit process data sizes: controlword + target out, statusword +
// actual position in.
const (
	outputBytesPerUnit = 6
	inputBytesPerUnit  = 6
)

type Config struct {
	Units int

	// StuckUnits never reach Operational; they settle in SAFE_OP+ERROR
	// with the given AL status code.
	StuckUnits map[int]uint16

	// OpenError is returned by Open when set.
	OpenError error

	PulsesPerPoll uint32
}

// OpKind classifies recorded operations.
type OpKind string

const (
	OpWrite OpKind = "write"
	OpRead  OpKind = "read"
	OpState OpKind = "state"
)

// Op is one recorded master operation.
type Op struct {
	Kind    OpKind         `json:"kind"`
	Unit    int            `json:"unit"`
	Address coe.Address    `json:"address"`
	Width   int            `json:"width,omitempty"`
	Value   uint32         `json:"value"`
	State   fieldbus.State `json:"state,omitempty"`
	Err     string         `json:"error,omitempty"`
}

type unit struct {
	state      fieldbus.State
	statusCode uint16
	drive      *Drive
}

type faultKey struct {
	unit int
	addr coe.Address
}

type Master struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	open        bool
	iface       string
	configured  bool
	units       []*unit
	ops         []Op
	writeFaults map[faultKey]error
	readFaults  map[faultKey]error
}

func New(cfg Config, logger *zap.Logger) *Master {
	if cfg.Units <= 0 {
		cfg.Units = 1
	}
	if cfg.PulsesPerPoll == 0 {
		cfg.PulsesPerPoll = DefaultPulsesPerPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Master{
		cfg:         cfg,
		logger:      logger,
		writeFaults: make(map[faultKey]error),
		readFaults:  make(map[faultKey]error),
	}
	for i := 0; i < cfg.Units; i++ {
		m.units = append(m.units, &unit{state: fieldbus.StateInit, drive: NewDrive(cfg.PulsesPerPoll)})
	}
	return m
}

func (m *Master) Open(ctx context.Context, cfg fieldbus.OpenConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.OpenError != nil {
		return m.cfg.OpenError
	}
	if m.open {
		return ErrAlreadyOpen
	}
	m.open = true
	m.iface = cfg.Interface
	m.logger.Debug("Sim master opened", zap.String("interface", cfg.Interface))
	return nil
}

func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil
	}
	m.open = false
	m.configured = false
	for _, u := range m.units {
		u.state = fieldbus.StateInit
		u.statusCode = 0
	}
	m.logger.Debug("Sim master closed")
	return nil
}

// ConfigureAll brings every unit to PRE_OP and reports the count.
func (m *Master) ConfigureAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return 0, ErrNotOpen
	}
	for _, u := range m.units {
		u.state = fieldbus.StatePreOp
	}
	m.configured = true
	return len(m.units), nil
}

// MapProcessImage sizes the image and requests SAFE_OP for all units, as a
// SOEM config map does.
func (m *Master) MapProcessImage(ctx context.Context) (*fieldbus.ProcessImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.configured {
		return nil, ErrNotOpen
	}
	for _, u := range m.units {
		u.state = fieldbus.StateSafeOp
	}
	n := len(m.units)
	return fieldbus.NewProcessImage(n*outputBytesPerUnit, n*inputBytesPerUnit), nil
}

func (m *Master) RequestState(ctx context.Context, unitID int, target fieldbus.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return ErrNotOpen
	}
	units, err := m.selectUnits(unitID)
	if err != nil {
		return err
	}
	for i, u := range units {
		id := unitID
		if id == fieldbus.AllUnits {
			id = i + 1
		}
		m.transition(id, u, target)
	}
	m.ops = append(m.ops, Op{Kind: OpState, Unit: unitID, State: target})
	return nil
}

func (m *Master) transition(id int, u *unit, target fieldbus.State) {
	if code, stuck := m.cfg.StuckUnits[id]; stuck && target == fieldbus.StateOperational {
		u.state = fieldbus.StateSafeOp | fieldbus.StateError
		u.statusCode = code
		return
	}
	u.state = target
	u.statusCode = 0
}

// PollUntilState reports target when every selected unit is there,
// otherwise the first deviating state. Transitions are instant in the
// simulator, so there is nothing to wait for.
func (m *Master) PollUntilState(ctx context.Context, unitID int, target fieldbus.State, timeout time.Duration) (fieldbus.State, error) {
	if err := ctx.Err(); err != nil {
		return fieldbus.StateNone, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return fieldbus.StateNone, ErrNotOpen
	}
	units, err := m.selectUnits(unitID)
	if err != nil {
		return fieldbus.StateNone, err
	}
	for _, u := range units {
		if u.state != target {
			return u.state, nil
		}
	}
	return target, nil
}

func (m *Master) ReadDiagnostics(ctx context.Context, unitID int) (fieldbus.Diagnostics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.unit(unitID)
	if err != nil {
		return fieldbus.Diagnostics{}, err
	}
	return fieldbus.Diagnostics{Unit: unitID, State: u.state, StatusCode: u.statusCode}, nil
}

func (m *Master) SendCycle(ctx context.Context, img *fieldbus.ProcessImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return ErrNotOpen
	}
	return nil
}

// ReceiveCycle fills the inputs with each drive's statusword and actual
// position and returns the working counter: three per unit in SAFE_OP or
// above, none otherwise.
func (m *Master) ReceiveCycle(ctx context.Context, img *fieldbus.ProcessImage, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return 0, ErrNotOpen
	}
	wkc := 0
	inputs := img.Inputs()
	for i, u := range m.units {
		if u.state.Base() < fieldbus.StateSafeOp {
			continue
		}
		wkc += 3
		off := i * inputBytesPerUnit
		if off+inputBytesPerUnit > len(inputs) {
			continue
		}
		binary.LittleEndian.PutUint16(inputs[off:], u.drive.Statusword())
		binary.LittleEndian.PutUint32(inputs[off+2:], uint32(u.drive.Position()))
	}
	return wkc, nil
}

func (m *Master) SDOWrite(ctx context.Context, unitID int, index uint16, subIndex uint8, data []byte, timeout time.Duration) error {
	addr := coe.At(index, subIndex)
	width := len(data) * 8

	m.mu.Lock()
	defer m.mu.Unlock()

	value := decodeLE(data)
	err := m.sdoWrite(unitID, addr, width, value)
	m.record(Op{Kind: OpWrite, Unit: unitID, Address: addr, Width: width, Value: value}, err)
	return err
}

func (m *Master) sdoWrite(unitID int, addr coe.Address, width int, value uint32) error {
	u, err := m.mailbox(unitID)
	if err != nil {
		return err
	}
	if fault, ok := m.writeFaults[faultKey{unitID, addr}]; ok {
		return fault
	}
	switch width {
	case 8, 16, 32:
	default:
		return abort(addr, fieldbus.AbortLengthMismatch)
	}
	return u.drive.Write(addr, width, value)
}

func (m *Master) SDORead(ctx context.Context, unitID int, index uint16, subIndex uint8, size int, timeout time.Duration) ([]byte, error) {
	addr := coe.At(index, subIndex)
	width := size * 8

	m.mu.Lock()
	defer m.mu.Unlock()

	value, err := m.sdoRead(unitID, addr, width)
	m.record(Op{Kind: OpRead, Unit: unitID, Address: addr, Width: width, Value: value}, err)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	switch size {
	case 1:
		buf[0] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, value)
	}
	return buf, nil
}

func (m *Master) sdoRead(unitID int, addr coe.Address, width int) (uint32, error) {
	u, err := m.mailbox(unitID)
	if err != nil {
		return 0, err
	}
	if fault, ok := m.readFaults[faultKey{unitID, addr}]; ok {
		return 0, fault
	}
	return u.drive.Read(addr, width)
}

func (m *Master) mailbox(unitID int) (*unit, error) {
	if !m.open {
		return nil, ErrNotOpen
	}
	u, err := m.unit(unitID)
	if err != nil {
		return nil, err
	}
	if u.state.Base() < fieldbus.StatePreOp {
		return nil, ErrNoMailbox
	}
	return u, nil
}

func (m *Master) record(op Op, err error) {
	if err != nil {
		op.Err = err.Error()
	}
	m.ops = append(m.ops, op)
}

func (m *Master) unit(unitID int) (*unit, error) {
	if unitID < 1 || unitID > len(m.units) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchUnit, unitID)
	}
	return m.units[unitID-1], nil
}

func (m *Master) selectUnits(unitID int) ([]*unit, error) {
	if unitID == fieldbus.AllUnits {
		return m.units, nil
	}
	u, err := m.unit(unitID)
	if err != nil {
		return nil, err
	}
	return []*unit{u}, nil
}

// InjectWriteFault makes every write to addr on unit fail with err until
// cleared with a nil err.
func (m *Master) InjectWriteFault(unitID int, addr coe.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.writeFaults, faultKey{unitID, addr})
		return
	}
	m.writeFaults[faultKey{unitID, addr}] = err
}

// InjectReadFault is the read counterpart of InjectWriteFault.
func (m *Master) InjectReadFault(unitID int, addr coe.Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.readFaults, faultKey{unitID, addr})
		return
	}
	m.readFaults[faultKey{unitID, addr}] = err
}

// Drive returns the simulated drive behind unitID, or nil.
func (m *Master) Drive(unitID int) *Drive {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.unit(unitID)
	if err != nil {
		return nil
	}
	return u.drive
}

// State returns the current AL state of unitID.
func (m *Master) State(unitID int) fieldbus.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.unit(unitID)
	if err != nil {
		return fieldbus.StateNone
	}
	return u.state
}

func (m *Master) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Ops returns a copy of the operation log.
func (m *Master) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.ops))
	copy(out, m.ops)
	return out
}

// Writes returns only the recorded register writes.
func (m *Master) Writes() []Op {
	var out []Op
	for _, op := range m.Ops() {
		if op.Kind == OpWrite {
			out = append(out, op)
		}
	}
	return out
}

func (m *Master) ResetOps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = nil
}

func decodeLE(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	case 4:
		return binary.LittleEndian.Uint32(data)
	}
	return 0
}

var _ fieldbus.Master = (*Master)(nil)
