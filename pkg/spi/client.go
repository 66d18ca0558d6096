// Package spi frames register and RAM accesses as chip commands over a
// byte transport. A command is a 4 bit opcode packed with a 12 bit address,
// sent big endian, optionally followed by payload bytes and a 16 bit CRC.
package spi

import (
	"fmt"

	mcp25xxfd "github.com/samsamfire/gomcp25xxfd"
	"github.com/samsamfire/gomcp25xxfd/internal/crc"
)

// Command opcodes, upper nibble of the first command byte.
const (
	opReset     = 0x0
	opWrite     = 0x2
	opRead      = 0x3
	opWriteCRC  = 0xA
	opReadCRC   = 0xB
	opWriteSafe = 0xC
)

const (
	cmdSize = 2
	crcSize = 2

	// MaxBurst is the largest payload carried by a single transfer.
	// Large enough for a full 64 byte frame plus its header words.
	MaxBurst = 128
)

// Message RAM window. Addresses below it are controller registers,
// addresses from 0xE00 up are chip level registers.
const (
	RAMBase = 0x400
	RAMSize = 2048
)

// Client issues chip commands over a Transport. Not safe for concurrent
// use, callers serialize access.
type Client struct {
	transport mcp25xxfd.Transport

	// Scratch buffers so steady state transfers do not allocate.
	tx [cmdSize + 1 + MaxBurst + crcSize]byte
	rx [cmdSize + 1 + MaxBurst + crcSize]byte
}

func NewClient(transport mcp25xxfd.Transport) *Client {
	return &Client{transport: transport}
}

// command packs an opcode and a register address into the two command
// bytes. Addresses above the 12 bit range are a programming error.
func command(op byte, address uint16) (byte, byte) {
	if address > 0xFFF {
		panic(fmt.Sprintf("spi: address 0x%X outside 12 bit range", address))
	}
	return op<<4 | byte(address>>8), byte(address)
}

func checkBurst(n int) {
	if n > MaxBurst {
		panic(fmt.Sprintf("spi: burst of %d bytes exceeds maximum of %d", n, MaxBurst))
	}
}

func (c *Client) exchange(tx, rx []byte) error {
	if err := c.transport.Exchange(tx, rx); err != nil {
		return fmt.Errorf("%w: %v", mcp25xxfd.ErrBus, err)
	}
	return nil
}

// Reset issues the software reset command. The chip comes back up in
// configuration mode with registers at their defaults.
func (c *Client) Reset() error {
	c.tx[0], c.tx[1] = command(opReset, 0)
	return c.exchange(c.tx[:cmdSize], c.rx[:cmdSize])
}

// Read fills data with len(data) bytes starting at address.
func (c *Client) Read(address uint16, data []byte) error {
	n := len(data)
	checkBurst(n)

	c.tx[0], c.tx[1] = command(opRead, address)
	for i := 0; i < n; i++ {
		c.tx[cmdSize+i] = 0
	}

	if err := c.exchange(c.tx[:cmdSize+n], c.rx[:cmdSize+n]); err != nil {
		return err
	}
	copy(data, c.rx[cmdSize:cmdSize+n])
	return nil
}

// Write sends data to consecutive addresses starting at address.
func (c *Client) Write(address uint16, data []byte) error {
	n := len(data)
	checkBurst(n)

	c.tx[0], c.tx[1] = command(opWrite, address)
	copy(c.tx[cmdSize:], data)

	return c.exchange(c.tx[:cmdSize+n], c.rx[:cmdSize+n])
}

// ReadCRC reads len(data) bytes with the CRC protected command. The
// command bytes, the length byte and the returned data are covered by a
// 16 bit checksum appended by the chip. A mismatch fails with
// ErrIntegrity and data is left untouched.
func (c *Client) ReadCRC(address uint16, data []byte) error {
	n := len(data)
	checkBurst(n)

	c.tx[0], c.tx[1] = command(opReadCRC, address)
	c.tx[2] = byte(n)
	for i := 0; i < n+crcSize; i++ {
		c.tx[cmdSize+1+i] = 0
	}

	total := cmdSize + 1 + n + crcSize
	if err := c.exchange(c.tx[:total], c.rx[:total]); err != nil {
		return err
	}

	sum := crc.Seed
	sum.Block(c.tx[:cmdSize+1])
	sum.Block(c.rx[cmdSize+1 : cmdSize+1+n])
	received := uint16(c.rx[cmdSize+1+n])<<8 | uint16(c.rx[cmdSize+1+n+1])
	if received != uint16(sum) {
		return fmt.Errorf("%w: read of %d bytes at 0x%03X: checksum 0x%04X, expected 0x%04X",
			mcp25xxfd.ErrIntegrity, n, address, received, uint16(sum))
	}

	copy(data, c.rx[cmdSize+1:cmdSize+1+n])
	return nil
}

// WriteCRC writes data with the CRC protected command. The chip verifies
// the appended checksum and discards the write on mismatch, raising its
// SPI CRC interrupt flag.
func (c *Client) WriteCRC(address uint16, data []byte) error {
	n := len(data)
	checkBurst(n)

	c.tx[0], c.tx[1] = command(opWriteCRC, address)
	c.tx[2] = byte(n)
	copy(c.tx[cmdSize+1:], data)

	sum := crc.Checksum(c.tx[:cmdSize+1+n])
	c.tx[cmdSize+1+n] = byte(sum >> 8)
	c.tx[cmdSize+1+n+1] = byte(sum)

	total := cmdSize + 1 + n + crcSize
	return c.exchange(c.tx[:total], c.rx[:total])
}

// WriteSafe writes a single 32 bit word with the safe write command. The
// chip checks the checksum before committing, so a corrupted transfer
// never reaches the register.
func (c *Client) WriteSafe(address uint16, value uint32) error {
	c.tx[0], c.tx[1] = command(opWriteSafe, address)
	putUint32(c.tx[cmdSize:], value)

	sum := crc.Checksum(c.tx[:cmdSize+4])
	c.tx[cmdSize+4] = byte(sum >> 8)
	c.tx[cmdSize+5] = byte(sum)

	total := cmdSize + 4 + crcSize
	return c.exchange(c.tx[:total], c.rx[:total])
}

// ReadRegister reads one 32 bit register. Register values travel little
// endian, unlike the command bytes.
func (c *Client) ReadRegister(address uint16) (uint32, error) {
	var buf [4]byte
	if err := c.Read(address, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// WriteRegister writes one 32 bit register.
func (c *Client) WriteRegister(address uint16, value uint32) error {
	var buf [4]byte
	putUint32(buf[:], value)
	return c.Write(address, buf[:])
}

// ReadByte reads one byte of a register. Registers are byte addressable,
// which lets callers touch a single packed byte without rewriting the
// status bits in its siblings.
func (c *Client) ReadByte(address uint16) (byte, error) {
	var buf [1]byte
	if err := c.Read(address, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteByte writes one byte of a register.
func (c *Client) WriteByte(address uint16, value byte) error {
	return c.Write(address, []byte{value})
}

// ReadRAM reads from the message RAM window. The address and length must
// stay inside the window and the length must be a multiple of 4, the RAM
// is only word addressable.
func (c *Client) ReadRAM(address uint16, data []byte) error {
	if err := checkRAM(address, len(data)); err != nil {
		return err
	}
	return c.Read(address, data)
}

// WriteRAM writes to the message RAM window under the same constraints
// as ReadRAM.
func (c *Client) WriteRAM(address uint16, data []byte) error {
	if err := checkRAM(address, len(data)); err != nil {
		return err
	}
	return c.Write(address, data)
}

func checkRAM(address uint16, n int) error {
	if address < RAMBase || int(address)+n > RAMBase+RAMSize {
		return fmt.Errorf("%w: %d bytes at 0x%03X", mcp25xxfd.ErrRAMAddress, n, address)
	}
	if n%4 != 0 {
		return fmt.Errorf("%w: %d is not a multiple of 4", mcp25xxfd.ErrRAMLength, n)
	}
	return nil
}

func putUint32(buf []byte, value uint32) {
	buf[0] = byte(value)
	buf[1] = byte(value >> 8)
	buf[2] = byte(value >> 16)
	buf[3] = byte(value >> 24)
}
