// Package mcp25xxfd implements a driver for the Microchip MCP2517FD/MCP2518FD
// external CAN FD controllers. It talks to the chip over a register oriented
// SPI protocol and exposes the controller's FIFOs, interrupts and operating
// modes to the application.
//
// The shared data model (frames, identifiers, the transport capability and the
// error set) lives in this package. The protocol layers are found under pkg/.
package mcp25xxfd

import (
	"encoding/binary"
	"fmt"
)

const (
	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF

	// MaxPayload is the largest CAN FD payload the controller supports.
	MaxPayload = 64

	// HeaderSize is the byte size of the two control words in front of every
	// message object in the controller's RAM.
	HeaderSize = 8
)

// ID is a CAN identifier tagged with its kind (standard 11 bit or
// extended 29 bit).
type ID struct {
	value    uint32
	extended bool
}

// NewStandardID returns an 11 bit identifier.
func NewStandardID(value uint32) (ID, error) {
	if value > MaxStandardID {
		return ID{}, fmt.Errorf("%w: standard id 0x%X out of range", ErrInvalidFrame, value)
	}
	return ID{value: value}, nil
}

// NewExtendedID returns a 29 bit identifier.
func NewExtendedID(value uint32) (ID, error) {
	if value > MaxExtendedID {
		return ID{}, fmt.Errorf("%w: extended id 0x%X out of range", ErrInvalidFrame, value)
	}
	return ID{value: value, extended: true}, nil
}

func (id ID) Value() uint32  { return id.value }
func (id ID) Extended() bool { return id.extended }

// LengthForDLC maps a 4 bit data length code to the payload byte count.
// Codes 0..8 map one to one. For FD frames the remaining codes map to
// 12,16,20,24,32,48,64. For classic frames codes above 8 are valid on the wire
// but carry at most 8 data bytes.
func LengthForDLC(dlc uint8, fd bool) (int, error) {
	if dlc > 15 {
		return 0, fmt.Errorf("%w: dlc %d out of range", ErrInvalidFrame, dlc)
	}
	if dlc <= 8 {
		return int(dlc), nil
	}
	if !fd {
		return 8, nil
	}
	switch dlc {
	case 9:
		return 12, nil
	case 10:
		return 16, nil
	case 11:
		return 20, nil
	case 12:
		return 24, nil
	case 13:
		return 32, nil
	case 14:
		return 48, nil
	default:
		return 64, nil
	}
}

// DLCForLength is the inverse of LengthForDLC. Lengths that have no exact data
// length code (e.g. 13 bytes) are rejected, the caller decides about padding.
func DLCForLength(length int, fd bool) (uint8, error) {
	if length >= 0 && length <= 8 {
		return uint8(length), nil
	}
	if !fd {
		return 0, fmt.Errorf("%w: classic frame payload %d exceeds 8 bytes", ErrInvalidFrame, length)
	}
	switch length {
	case 12:
		return 9, nil
	case 16:
		return 10, nil
	case 20:
		return 11, nil
	case 24:
		return 12, nil
	case 32:
		return 13, nil
	case 48:
		return 14, nil
	case 64:
		return 15, nil
	default:
		return 0, fmt.Errorf("%w: no dlc encodes %d bytes", ErrInvalidFrame, length)
	}
}

// Frame is a single CAN or CAN FD frame. It is immutable once constructed;
// the only way to obtain one with different content is a constructor or
// Unmarshal. The zero Frame is an empty classic frame with id 0.
type Frame struct {
	id     ID
	dlc    uint8
	fd     bool
	brs    bool
	esi    bool
	rtr    bool
	length int
	data   [MaxPayload]byte
}

// NewFrame builds a classic CAN 2.0 data frame. Payload must be 0..8 bytes.
func NewFrame(id ID, data []byte) (Frame, error) {
	return newDataFrame(id, data, false, false)
}

// NewFrameFD builds a CAN FD data frame. Payload length must be exactly
// representable by a data length code. brs requests the fast data phase.
func NewFrameFD(id ID, data []byte, brs bool) (Frame, error) {
	return newDataFrame(id, data, true, brs)
}

// NewRemoteFrame builds a classic remote transmission request. The dlc of a
// remote frame carries the requested length, not payload bytes. Remote frames
// do not exist in CAN FD.
func NewRemoteFrame(id ID, dlc uint8) (Frame, error) {
	if dlc > 8 {
		return Frame{}, fmt.Errorf("%w: remote frame dlc %d exceeds 8", ErrInvalidFrame, dlc)
	}
	return Frame{id: id, dlc: dlc, rtr: true}, nil
}

func newDataFrame(id ID, data []byte, fd bool, brs bool) (Frame, error) {
	dlc, err := DLCForLength(len(data), fd)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{id: id, dlc: dlc, fd: fd, brs: brs && fd, length: len(data)}
	copy(f.data[:], data)
	return f, nil
}

func (f *Frame) ID() ID          { return f.id }
func (f *Frame) DLC() uint8      { return f.dlc }
func (f *Frame) IsFD() bool      { return f.fd }
func (f *Frame) BitRateSwitched() bool { return f.brs }
func (f *Frame) ErrorStateIndicator() bool { return f.esi }
func (f *Frame) IsRemote() bool  { return f.rtr }

// Data returns the payload sized by the frame's data length code.
func (f *Frame) Data() []byte { return f.data[:f.length] }

// Message object bit positions, word 0 (T0/R0) and word 1 (T1/R1).
const (
	hdrSIDMask  = 0x7FF       // word0 bits 0..10
	hdrEIDShift = 11          // word0 bits 11..28
	hdrEIDMask  = 0x3FFFF     //
	hdrSID11    = 1 << 29     // word0 bit 29, RRS aliasing (unsupported)
	hdrDLCMask  = 0xF         // word1 bits 0..3
	hdrIDE      = 1 << 4      // word1 bit 4
	hdrRTR      = 1 << 5      // word1 bit 5
	hdrBRS      = 1 << 6      // word1 bit 6
	hdrFDF      = 1 << 7      // word1 bit 7
	hdrESI      = 1 << 8      // word1 bit 8
)

// Marshal writes the frame into buf using the controller's transmit object
// layout (two little endian header words followed by the payload padded to
// the data length code's byte count) and returns the number of bytes used.
// buf must hold at least HeaderSize+MaxPayload bytes.
func (f *Frame) Marshal(buf []byte) (int, error) {
	if f.fd && f.rtr {
		return 0, fmt.Errorf("%w: remote request cannot be an fd frame", ErrInvalidFrame)
	}
	padded, err := LengthForDLC(f.dlc, f.fd)
	if err != nil {
		return 0, err
	}
	if f.rtr {
		// A remote request carries its dlc but no payload bytes.
		padded = 0
	}
	if len(buf) < HeaderSize+padded {
		return 0, fmt.Errorf("%w: marshal buffer too small", ErrInvalidFrame)
	}

	var t0, t1 uint32
	if f.id.extended {
		// The chip stores the upper 11 bits in SID and the lower 18 in EID,
		// not a plain 29 bit concatenation.
		t0 = (f.id.value >> 18) & hdrSIDMask
		t0 |= (f.id.value & hdrEIDMask) << hdrEIDShift
		t1 |= hdrIDE
	} else {
		t0 = f.id.value & hdrSIDMask
	}
	t1 |= uint32(f.dlc) & hdrDLCMask
	if f.rtr {
		t1 |= hdrRTR
	}
	if f.brs {
		t1 |= hdrBRS
	}
	if f.fd {
		t1 |= hdrFDF
	}
	if f.esi {
		t1 |= hdrESI
	}

	binary.LittleEndian.PutUint32(buf[0:4], t0)
	binary.LittleEndian.PutUint32(buf[4:8], t1)
	n := copy(buf[HeaderSize:HeaderSize+padded], f.data[:f.length])
	for i := HeaderSize + n; i < HeaderSize+padded; i++ {
		buf[i] = 0
	}
	return HeaderSize + padded, nil
}

// Unmarshal parses a received message object. buf must contain the two header
// words plus exactly the payload byte count the data length code maps to;
// anything else fails with ErrInvalidFrame. Frames using the SID11 (RRS)
// identifier aliasing are rejected rather than silently mis-decoded.
func (f *Frame) Unmarshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: truncated header (%d bytes)", ErrInvalidFrame, len(buf))
	}
	r0 := binary.LittleEndian.Uint32(buf[0:4])
	r1 := binary.LittleEndian.Uint32(buf[4:8])

	if r0&hdrSID11 != 0 {
		return fmt.Errorf("%w: sid11 identifier aliasing not supported", ErrInvalidFrame)
	}

	fd := r1&hdrFDF != 0
	rtr := r1&hdrRTR != 0
	if fd && rtr {
		return fmt.Errorf("%w: fd frame flagged as remote request", ErrInvalidFrame)
	}

	dlc := uint8(r1 & hdrDLCMask)
	length, err := LengthForDLC(dlc, fd)
	if err != nil {
		return err
	}
	dataLen := length
	if rtr {
		dataLen = 0
	}
	if len(buf) != HeaderSize+dataLen {
		return fmt.Errorf("%w: dlc %d expects %d payload bytes, got %d",
			ErrInvalidFrame, dlc, dataLen, len(buf)-HeaderSize)
	}

	var id ID
	if r1&hdrIDE != 0 {
		id = ID{
			value:    ((r0 & hdrSIDMask) << 18) | ((r0 >> hdrEIDShift) & hdrEIDMask),
			extended: true,
		}
	} else {
		id = ID{value: r0 & hdrSIDMask}
	}

	*f = Frame{
		id:     id,
		dlc:    dlc,
		fd:     fd,
		brs:    r1&hdrBRS != 0,
		esi:    r1&hdrESI != 0,
		rtr:    rtr,
		length: dataLen,
	}
	copy(f.data[:], buf[HeaderSize:])
	return nil
}

// UnmarshalHeader parses only the two header words of a message object and
// leaves the payload empty. Transmit event objects reuse the transmit header
// layout but never carry payload bytes.
func (f *Frame) UnmarshalHeader(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: truncated header (%d bytes)", ErrInvalidFrame, len(buf))
	}
	r0 := binary.LittleEndian.Uint32(buf[0:4])
	r1 := binary.LittleEndian.Uint32(buf[4:8])

	if r0&hdrSID11 != 0 {
		return fmt.Errorf("%w: sid11 identifier aliasing not supported", ErrInvalidFrame)
	}

	var id ID
	if r1&hdrIDE != 0 {
		id = ID{
			value:    ((r0 & hdrSIDMask) << 18) | ((r0 >> hdrEIDShift) & hdrEIDMask),
			extended: true,
		}
	} else {
		id = ID{value: r0 & hdrSIDMask}
	}

	*f = Frame{
		id:  id,
		dlc: uint8(r1 & hdrDLCMask),
		fd:  r1&hdrFDF != 0,
		brs: r1&hdrBRS != 0,
		esi: r1&hdrESI != 0,
		rtr: r1&hdrRTR != 0,
	}
	return nil
}

func (f *Frame) String() string {
	kind := "CAN"
	if f.fd {
		kind = "CANFD"
	}
	if f.rtr {
		kind = "RTR"
	}
	return fmt.Sprintf("%s id=%X ext=%v dlc=%d data=%X", kind, f.id.value, f.id.extended, f.dlc, f.Data())
}
