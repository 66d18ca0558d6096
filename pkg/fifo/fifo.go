// Package fifo configures and drives the controller's message FIFOs.
package fifo

import (
	"fmt"

	mcp25xxfd "github.com/samsamfire/gomcp25xxfd"
	"github.com/samsamfire/gomcp25xxfd/pkg/mode"
	"github.com/samsamfire/gomcp25xxfd/pkg/reg"
	"github.com/samsamfire/gomcp25xxfd/pkg/spi"
)

// Direction dedicates a FIFO to transmission or reception. The chip
// does not support mixed use of a single FIFO.
type Direction uint8

const (
	Receive Direction = iota
	Transmit
)

// PayloadSize is the chip's coded per message payload capacity.
type PayloadSize uint8

const (
	Payload8 PayloadSize = iota
	Payload12
	Payload16
	Payload20
	Payload24
	Payload32
	Payload48
	Payload64
)

var payloadBytes = [8]int{8, 12, 16, 20, 24, 32, 48, 64}

// Bytes returns the payload capacity in bytes.
func (p PayloadSize) Bytes() int {
	return payloadBytes[p&7]
}

// Descriptor describes one FIFO. Every message slot in a FIFO shares
// the payload size, RAM for depth*(header+payload) bytes is claimed at
// configuration time.
type Descriptor struct {
	Index     uint8 // 1..31
	Direction Direction
	Payload   PayloadSize
	Depth     uint8 // 1..32 messages
	Priority  uint8 // 0..31, transmit only
}

func (d Descriptor) validate() error {
	if d.Index < 1 || d.Index > 31 {
		return fmt.Errorf("%w: fifo index %d outside 1..31", mcp25xxfd.ErrInvalidFieldValue, d.Index)
	}
	if d.Depth < 1 || d.Depth > 32 {
		return fmt.Errorf("%w: fifo depth %d outside 1..32", mcp25xxfd.ErrInvalidFieldValue, d.Depth)
	}
	if d.Payload > Payload64 {
		return fmt.Errorf("%w: payload size code %d outside 0..7", mcp25xxfd.ErrInvalidFieldValue, d.Payload)
	}
	if d.Priority > 31 {
		return fmt.Errorf("%w: priority %d outside 0..31", mcp25xxfd.ErrInvalidFieldValue, d.Priority)
	}
	return nil
}

// Status is a snapshot of a FIFO's hardware flags.
type Status struct {
	Full     bool
	Empty    bool
	Overflow bool
}

// Control register bit positions.
const (
	ctlNotEmptyIE   = 1 << 0
	ctlOverflowIE   = 1 << 3
	ctlAutoRTR      = 1 << 6
	ctlTransmit     = 1 << 7
	ctlIncrement    = 1 << 8
	ctlTxRequest    = 1 << 9
	ctlPriorityPos  = 16
	ctlDepthPos     = 24
	ctlPayloadPos   = 29
	staNotEmptyFull = 1 << 0
	staEmptyFull    = 1 << 2
	staOverflow     = 1 << 3
)

// Manager drives the message FIFOs. It is not safe for concurrent use,
// the owning device serializes access.
type Manager struct {
	client *spi.Client
	modes  *mode.Controller

	// Scratch for message objects.
	buf [mcp25xxfd.HeaderSize + mcp25xxfd.MaxPayload]byte
}

func NewManager(client *spi.Client, modes *mode.Controller) *Manager {
	return &Manager{client: client, modes: modes}
}

// Configure sets up one FIFO. The chip only accepts FIFO configuration
// in configuration mode, anything else fails with ErrInvalidMode.
func (m *Manager) Configure(desc Descriptor) error {
	if err := desc.validate(); err != nil {
		return err
	}

	current, err := m.modes.Confirm()
	if err != nil {
		return err
	}
	if current != mode.Configuration {
		return fmt.Errorf("%w: fifo configuration requires CONFIGURATION, chip is in %v",
			mcp25xxfd.ErrInvalidMode, current)
	}

	control := uint32(desc.Depth-1)<<ctlDepthPos | uint32(desc.Payload)<<ctlPayloadPos
	if desc.Direction == Transmit {
		control |= ctlTransmit | uint32(desc.Priority)<<ctlPriorityPos
	} else {
		control |= ctlNotEmptyIE | ctlOverflowIE
	}

	return m.client.WriteRegister(reg.FifoControl(desc.Index), control)
}

// Transmit encodes frame into the FIFO's next free slot and requests
// transmission. The request is fire and forget, completion shows up as
// a transmit event later. A full FIFO fails with ErrFifoFull rather
// than blocking.
func (m *Manager) Transmit(index uint8, frame *mcp25xxfd.Frame) error {
	control, err := m.client.ReadRegister(reg.FifoControl(index))
	if err != nil {
		return err
	}
	if control&ctlTransmit == 0 {
		return fmt.Errorf("%w: fifo %d", mcp25xxfd.ErrFifoNotTransmit, index)
	}
	capacity := PayloadSize(control >> ctlPayloadPos).Bytes()
	if len(frame.Data()) > capacity {
		return fmt.Errorf("%w: %d bytes into a %d byte fifo slot",
			mcp25xxfd.ErrPayloadTooLarge, len(frame.Data()), capacity)
	}

	status, err := m.client.ReadByte(reg.FifoStatus(index))
	if err != nil {
		return err
	}
	if status&staNotEmptyFull == 0 {
		return fmt.Errorf("%w: fifo %d", mcp25xxfd.ErrFifoFull, index)
	}

	address, err := m.userAddress(index)
	if err != nil {
		return err
	}

	n, err := frame.Marshal(m.buf[:])
	if err != nil {
		return err
	}
	// RAM is word addressable, round the object up to 4 bytes. The slot
	// is always big enough, its payload capacity was checked above.
	for n%4 != 0 {
		m.buf[n] = 0
		n++
	}
	if err := m.client.WriteRAM(address, m.buf[:n]); err != nil {
		return err
	}

	// Advance the tail and set the transmit request in one byte write.
	return m.client.WriteByte(reg.FifoControl(index)+1, (ctlIncrement|ctlTxRequest)>>8)
}

// Receive pops the head message of a receive FIFO. It returns nil
// without error when the FIFO is empty.
func (m *Manager) Receive(index uint8) (*mcp25xxfd.Frame, error) {
	control, err := m.client.ReadByte(reg.FifoControl(index))
	if err != nil {
		return nil, err
	}
	if control&ctlTransmit != 0 {
		return nil, fmt.Errorf("%w: fifo %d", mcp25xxfd.ErrFifoNotReceive, index)
	}

	status, err := m.client.ReadByte(reg.FifoStatus(index))
	if err != nil {
		return nil, err
	}
	if status&staNotEmptyFull == 0 {
		return nil, nil
	}

	address, err := m.userAddress(index)
	if err != nil {
		return nil, err
	}

	header := m.buf[:mcp25xxfd.HeaderSize]
	if err := m.client.ReadRAM(address, header); err != nil {
		return nil, err
	}

	// The header's data length code tells how much payload follows.
	flags := header[4]
	dataLen := 0
	if flags&0x20 == 0 { // not a remote request
		dataLen, err = mcp25xxfd.LengthForDLC(flags&0x0F, flags&0x80 != 0)
		if err != nil {
			return nil, err
		}
	}
	padded := (dataLen + 3) &^ 3
	if padded > 0 {
		payload := m.buf[mcp25xxfd.HeaderSize : mcp25xxfd.HeaderSize+padded]
		if err := m.client.ReadRAM(address+mcp25xxfd.HeaderSize, payload); err != nil {
			return nil, err
		}
	}

	var frame mcp25xxfd.Frame
	if err := frame.Unmarshal(m.buf[:mcp25xxfd.HeaderSize+dataLen]); err != nil {
		return nil, err
	}

	// Release the slot back to the hardware.
	if err := m.client.WriteByte(reg.FifoControl(index)+1, ctlIncrement>>8); err != nil {
		return nil, err
	}
	return &frame, nil
}

// Status reads a FIFO's flags without side effects.
func (m *Manager) Status(index uint8) (Status, error) {
	control, err := m.client.ReadByte(reg.FifoControl(index))
	if err != nil {
		return Status{}, err
	}
	raw, err := m.client.ReadByte(reg.FifoStatus(index))
	if err != nil {
		return Status{}, err
	}

	if control&ctlTransmit != 0 {
		// For a transmit FIFO the first flag reads "not full" and the
		// second "empty".
		return Status{
			Full:  raw&staNotEmptyFull == 0,
			Empty: raw&staEmptyFull != 0,
		}, nil
	}
	return Status{
		Full:     raw&staEmptyFull != 0,
		Empty:    raw&staNotEmptyFull == 0,
		Overflow: raw&staOverflow != 0,
	}, nil
}

// AcknowledgeOverflow clears a receive FIFO's latched overflow flag.
// The flag never clears on its own, dropped frames stay visible until
// the caller acknowledges them.
func (m *Manager) AcknowledgeOverflow(index uint8) error {
	raw, err := m.client.ReadByte(reg.FifoStatus(index))
	if err != nil {
		return err
	}
	return m.client.WriteByte(reg.FifoStatus(index), raw&^staOverflow)
}

// Reset is not supported, the hardware flush interacts badly with an
// in flight transmit request.
func (m *Manager) Reset(index uint8) error {
	return fmt.Errorf("%w: fifo reset", mcp25xxfd.ErrUnsupported)
}

// Abort is not supported. Aborting all pending transmissions is
// possible through the raw register surface.
func (m *Manager) Abort(index uint8) error {
	return fmt.Errorf("%w: transmit abort", mcp25xxfd.ErrUnsupported)
}

// userAddress reads where the FIFO's next slot lives in message RAM.
func (m *Manager) userAddress(index uint8) (uint16, error) {
	offset, err := m.client.ReadRegister(reg.FifoUserAddress(index))
	if err != nil {
		return 0, err
	}
	return spi.RAMBase + uint16(offset), nil
}
