// Package reg names the controller's register file and provides typed
// access to the bitfields packed inside it.
package reg

import (
	"fmt"

	mcp25xxfd "github.com/samsamfire/gomcp25xxfd"
	"github.com/samsamfire/gomcp25xxfd/pkg/spi"
)

// CAN controller registers.
const (
	C1CON     uint16 = 0x000
	C1NBTCFG  uint16 = 0x004
	C1DBTCFG  uint16 = 0x008
	C1TDC     uint16 = 0x00C
	C1TBC     uint16 = 0x010
	C1TSCON   uint16 = 0x014
	C1VEC     uint16 = 0x018
	C1INT     uint16 = 0x01C
	C1RXIF    uint16 = 0x020
	C1TXIF    uint16 = 0x024
	C1RXOVIF  uint16 = 0x028
	C1TXATIF  uint16 = 0x02C
	C1TXREQ   uint16 = 0x030
	C1TREC    uint16 = 0x034
	C1BDIAG0  uint16 = 0x038
	C1BDIAG1  uint16 = 0x03C
	C1TEFCON  uint16 = 0x040
	C1TEFSTA  uint16 = 0x044
	C1TEFUA   uint16 = 0x048
	C1TXQCON  uint16 = 0x050
	C1TXQSTA  uint16 = 0x054
	C1TXQUA   uint16 = 0x058
	C1FLTCON0 uint16 = 0x1D0
	C1FLTOBJ0 uint16 = 0x1F0
	C1MASK0   uint16 = 0x1F4
)

// Chip level registers.
const (
	OSC     uint16 = 0xE00
	IOCON   uint16 = 0xE04
	CRC     uint16 = 0xE08
	ECCCON  uint16 = 0xE0C
	ECCSTAT uint16 = 0xE10
	DEVID   uint16 = 0xE14
)

// The 31 message FIFOs each own a control, status and user address
// register laid out consecutively after the transmit queue block.
const (
	fifoBase   uint16 = 0x05C
	fifoStride uint16 = 12
)

func FifoControl(index uint8) uint16 {
	return fifoRegister(index, 0)
}

func FifoStatus(index uint8) uint16 {
	return fifoRegister(index, 4)
}

func FifoUserAddress(index uint8) uint16 {
	return fifoRegister(index, 8)
}

func fifoRegister(index uint8, offset uint16) uint16 {
	if index < 1 || index > 31 {
		panic(fmt.Sprintf("reg: fifo index %d outside 1..31", index))
	}
	return fifoBase + fifoStride*uint16(index-1) + offset
}

// Field locates a bitfield inside a 32 bit register.
type Field struct {
	Address uint16
	Pos     uint8
	Width   uint8
}

func (f Field) mask() uint32 {
	return (1<<f.Width - 1) << f.Pos
}

// Extract returns the field's value from a raw register word.
func (f Field) Extract(register uint32) uint32 {
	return register & f.mask() >> f.Pos
}

// Insert returns the register word with the field replaced by value.
// Values wider than the field fail with ErrInvalidFieldValue.
func (f Field) Insert(register uint32, value uint32) (uint32, error) {
	if value >= 1<<f.Width {
		return 0, fmt.Errorf("%w: %d does not fit in %d bits", mcp25xxfd.ErrInvalidFieldValue, value, f.Width)
	}
	return register&^f.mask() | value<<f.Pos, nil
}

// byteIndex returns which of the register's four bytes holds the whole
// field, or false when it straddles a byte boundary.
func (f Field) byteIndex() (uint16, bool) {
	low := f.Pos / 8
	high := (f.Pos + f.Width - 1) / 8
	return uint16(low), low == high
}

// Mode control fields in C1CON.
var (
	ModeRequest        = Field{C1CON, 24, 3}
	ModeStatus         = Field{C1CON, 21, 3}
	TxQueueEnable      = Field{C1CON, 20, 1}
	StoreTxEvents      = Field{C1CON, 19, 1}
	RestrictRetransmit = Field{C1CON, 16, 1}
	AbortAll           = Field{C1CON, 27, 1}
)

// TimeBaseEnable starts the free running time base counter.
var TimeBaseEnable = Field{C1TSCON, 16, 1}

// Oscillator fields in OSC.
var (
	PLLEnable    = Field{OSC, 0, 1}
	ClockDisable = Field{OSC, 2, 1}
	ClockDivide  = Field{OSC, 4, 1}
	PLLReady     = Field{OSC, 8, 1}
	ClockReady   = Field{OSC, 10, 1}
)

// File reads and writes fields through the bus layer. Writes of fields
// that live entirely inside one register byte only touch that byte, so
// hardware owned status bits in the register's other bytes survive.
type File struct {
	client *spi.Client
}

func NewFile(client *spi.Client) *File {
	return &File{client: client}
}

func (f *File) ReadField(field Field) (uint32, error) {
	register, err := f.client.ReadRegister(field.Address)
	if err != nil {
		return 0, err
	}
	return field.Extract(register), nil
}

func (f *File) WriteField(field Field, value uint32) error {
	if index, ok := field.byteIndex(); ok {
		return f.writeFieldByte(field, index, value)
	}

	register, err := f.client.ReadRegister(field.Address)
	if err != nil {
		return err
	}
	register, err = field.Insert(register, value)
	if err != nil {
		return err
	}
	return f.client.WriteRegister(field.Address, register)
}

func (f *File) writeFieldByte(field Field, index uint16, value uint32) error {
	if value >= 1<<field.Width {
		return fmt.Errorf("%w: %d does not fit in %d bits", mcp25xxfd.ErrInvalidFieldValue, value, field.Width)
	}

	current, err := f.client.ReadByte(field.Address + index)
	if err != nil {
		return err
	}

	pos := field.Pos % 8
	mask := byte(1<<field.Width-1) << pos
	updated := current&^mask | byte(value)<<pos
	return f.client.WriteByte(field.Address+index, updated)
}
