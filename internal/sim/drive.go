package sim

import (
	"sync"

	"github.com/KevinKickass/ecatmotor/internal/coe"
	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
)

// Object dictionary entries the simulated drive implements.
var (
	objDeviceType          = coe.At(0x1000, 0)
	objVendorID            = coe.At(0x1018, 1)
	objProductCode         = coe.At(0x1018, 2)
	objControlword         = coe.At(0x6040, 0)
	objStatusword          = coe.At(0x6041, 0)
	objModesOfOperation    = coe.At(0x6060, 0)
	objModesDisplay        = coe.At(0x6061, 0)
	objPositionActual      = coe.At(0x6064, 0)
	objTargetPosition      = coe.At(0x607A, 0)
	objProfileVelocity     = coe.At(0x6081, 0)
	objProfileAcceleration = coe.At(0x6083, 0)
	objProfileDeceleration = coe.At(0x6084, 0)
)

const (
	swReadyToSwitchOn   uint16 = 1 << 0
	swSwitchedOn        uint16 = 1 << 1
	swOperationEnabled  uint16 = 1 << 2
	swFault             uint16 = 1 << 3
	swQuickStop         uint16 = 1 << 5
	swSwitchOnDisabled  uint16 = 1 << 6
	swRemote            uint16 = 1 << 9
	swTargetReached     uint16 = 1 << 10
	swSetPointAck       uint16 = 1 << 12
	cwNewSetPoint       uint16 = 1 << 4
	cwFaultReset        uint16 = 1 << 7
	modeProfilePosition uint8  = 1
)

type power int

const (
	powerSwitchOnDisabled power = iota
	powerReadyToSwitchOn
	powerSwitchedOn
	powerOperationEnabled
	powerFault
)

type object struct {
	width    int
	readOnly bool
	value    uint32
}

// Drive is a CiA 402 servo in profile position mode. A rising edge of the
// new-set-point bit while operation is enabled latches the target and
// raises statusword bit 12; every statusword read then advances the actual
// position by the configured step until it arrives.
type Drive struct {
	mu            sync.Mutex
	objects       map[coe.Address]*object
	power         power
	moving        bool
	target        int32
	position      int32
	lastCW        uint16
	pulsesPerPoll int64
	commits       int
}

func NewDrive(pulsesPerPoll uint32) *Drive {
	d := &Drive{
		pulsesPerPoll: int64(pulsesPerPoll),
		objects: map[coe.Address]*object{
			objDeviceType:          {width: 32, readOnly: true, value: 0x00020192},
			objVendorID:            {width: 32, readOnly: true, value: 0x00000ECA},
			objProductCode:         {width: 32, readOnly: true, value: 0x00000402},
			objControlword:         {width: 16},
			objStatusword:          {width: 16, readOnly: true},
			objModesOfOperation:    {width: 8},
			objModesDisplay:        {width: 8, readOnly: true},
			objPositionActual:      {width: 32, readOnly: true},
			objTargetPosition:      {width: 32},
			objProfileVelocity:     {width: 32},
			objProfileAcceleration: {width: 32},
			objProfileDeceleration: {width: 32},
		},
	}
	if d.pulsesPerPoll <= 0 {
		d.pulsesPerPoll = 1
	}
	return d
}

// Write stores value at addr. width is in bits.
func (d *Drive) Write(addr coe.Address, width int, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, err := d.lookup(addr, width)
	if err != nil {
		return err
	}
	if obj.readOnly {
		return abort(addr, fieldbus.AbortReadOnly)
	}
	obj.value = value

	switch addr {
	case objControlword:
		d.controlword(uint16(value))
	case objModesOfOperation:
		d.objects[objModesDisplay].value = value
	}
	return nil
}

// Read returns the value at addr. Reading the statusword advances a move
// in progress.
func (d *Drive) Read(addr coe.Address, width int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, err := d.lookup(addr, width)
	if err != nil {
		return 0, err
	}

	switch addr {
	case objStatusword:
		d.step()
		return uint32(d.statusword()), nil
	case objPositionActual:
		return uint32(d.position), nil
	}
	return obj.value, nil
}

func (d *Drive) lookup(addr coe.Address, width int) (*object, error) {
	obj, ok := d.objects[addr]
	if !ok {
		return nil, abort(addr, fieldbus.AbortNoObject)
	}
	if obj.width != width {
		return nil, abort(addr, fieldbus.AbortLengthMismatch)
	}
	return obj, nil
}

func (d *Drive) controlword(cw uint16) {
	rising := cw&cwNewSetPoint != 0 && d.lastCW&cwNewSetPoint == 0
	d.lastCW = cw

	if d.power == powerFault {
		if cw&cwFaultReset != 0 {
			d.power = powerSwitchOnDisabled
		}
		return
	}

	switch cw & 0x0F {
	case 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D:
		d.power = powerSwitchOnDisabled
		d.moving = false
	case 0x06, 0x0E:
		d.power = powerReadyToSwitchOn
		d.moving = false
	case 0x07:
		if d.power >= powerReadyToSwitchOn {
			d.power = powerSwitchedOn
		}
	case 0x0F:
		if d.power >= powerSwitchedOn {
			d.power = powerOperationEnabled
		}
	}

	if rising && d.power == powerOperationEnabled &&
		uint8(d.objects[objModesOfOperation].value) == modeProfilePosition {
		d.target = int32(d.objects[objTargetPosition].value)
		d.moving = d.target != d.position
		d.commits++
	}
}

func (d *Drive) step() {
	if !d.moving {
		return
	}
	remaining := int64(d.target) - int64(d.position)
	switch {
	case remaining > d.pulsesPerPoll:
		d.position += int32(d.pulsesPerPoll)
	case -remaining > d.pulsesPerPoll:
		d.position -= int32(d.pulsesPerPoll)
	default:
		d.position = d.target
		d.moving = false
	}
}

func (d *Drive) statusword() uint16 {
	var sw uint16
	switch d.power {
	case powerSwitchOnDisabled:
		sw = swSwitchOnDisabled
	case powerReadyToSwitchOn:
		sw = swReadyToSwitchOn | swQuickStop
	case powerSwitchedOn:
		sw = swReadyToSwitchOn | swSwitchedOn | swQuickStop
	case powerOperationEnabled:
		sw = swReadyToSwitchOn | swSwitchedOn | swOperationEnabled | swQuickStop
	case powerFault:
		sw = swFault
	}
	sw |= swRemote
	if d.moving {
		sw |= swSetPointAck
	} else if d.commits > 0 {
		sw |= swTargetReached
	}
	return sw
}

// Fault drops the drive into the fault state and stops any move.
func (d *Drive) Fault() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.power = powerFault
	d.moving = false
}

func (d *Drive) Position() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

func (d *Drive) Target() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

func (d *Drive) Moving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.moving
}

// Statusword returns the current statusword without advancing the move.
func (d *Drive) Statusword() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusword()
}

func abort(addr coe.Address, code uint32) error {
	return fieldbus.SDOAbort{Index: addr.Index, SubIndex: addr.SubIndex, Code: code}
}
