// Package gateway carries fieldbus.Master calls over TCP to a process that
// owns the EtherCAT interface.
package gateway

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header (10 bytes) + payload, big-endian.
type Frame struct {
	TransactionID uint16 // request/response correlation
	ProtocolID    uint16 // always ProtocolID
	Length        uint16 // bytes following the length field
	Unit          uint16 // 0 addresses all units
	Command       uint8
	Status        uint8
	Payload       []byte
}

const (
	ProtocolID = 0xECA7

	headerSize = 10
	// Unit + Command + Status.
	lengthOverhead = 4
	maxPayload     = 0xFFFF - lengthOverhead
)

// Commands
const (
	CmdOpen            uint8 = 0x01
	CmdClose           uint8 = 0x02
	CmdConfigureAll    uint8 = 0x03
	CmdMapProcessImage uint8 = 0x04
	CmdRequestState    uint8 = 0x05
	CmdPollState       uint8 = 0x06
	CmdReadDiagnostics uint8 = 0x07
	CmdSendCycle       uint8 = 0x08
	CmdReceiveCycle    uint8 = 0x09
	CmdSDOWrite        uint8 = 0x0A
	CmdSDORead         uint8 = 0x0B
)

// Response status
const (
	StatusOK       uint8 = 0x00
	StatusError    uint8 = 0x01
	StatusSDOAbort uint8 = 0x02
)

var commandNames = map[uint8]string{
	CmdOpen:            "open",
	CmdClose:           "close",
	CmdConfigureAll:    "configure_all",
	CmdMapProcessImage: "map_process_image",
	CmdRequestState:    "request_state",
	CmdPollState:       "poll_state",
	CmdReadDiagnostics: "read_diagnostics",
	CmdSendCycle:       "send_cycle",
	CmdReceiveCycle:    "receive_cycle",
	CmdSDOWrite:        "sdo_write",
	CmdSDORead:         "sdo_read",
}

func CommandName(cmd uint8) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", cmd)
}

// Encode builds the complete frame and sets Length.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > maxPayload {
		return nil, fmt.Errorf("payload too large: %d bytes", len(f.Payload))
	}
	f.Length = uint16(len(f.Payload) + lengthOverhead)

	frame := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	binary.BigEndian.PutUint16(frame[6:8], f.Unit)
	frame[8] = f.Command
	frame[9] = f.Status
	copy(frame[headerSize:], f.Payload)

	return frame, nil
}

// DecodeFrame parses one complete frame.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		Unit:          binary.BigEndian.Uint16(data[6:8]),
		Command:       data[8],
		Status:        data[9],
	}

	if frame.ProtocolID != ProtocolID {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length mismatch: header says %d, got %d", frame.Length, len(data)-6)
	}

	if len(data) > headerSize {
		frame.Payload = data[headerSize:]
	}

	return frame, nil
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(header[4:6])
	if length < lengthOverhead {
		return nil, fmt.Errorf("invalid length field: %d", length)
	}

	data := make([]byte, headerSize+int(length)-lengthOverhead)
	copy(data, header)
	if _, err := io.ReadFull(r, data[headerSize:]); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	return DecodeFrame(data)
}

// WriteFrame encodes f and writes it to w.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// payload helpers

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) *encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *encoder) u16(v uint16) *encoder {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
	return e
}

func (e *encoder) u32(v uint32) *encoder {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	return e
}

func (e *encoder) bytes(b []byte) *encoder {
	e.buf = append(e.buf, b...)
	return e
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = fmt.Errorf("payload too short: need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	b := d.buf
	d.buf = nil
	return b
}
