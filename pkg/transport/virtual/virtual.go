// Package virtual models the controller chip in memory. It speaks the
// same command framing as the real device over the Transport interface,
// which makes it usable as a drop in backend for tests and demos.
package virtual

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/samsamfire/gomcp25xxfd/internal/crc"
)

const (
	ramBase = 0x400
	ramSize = 2048

	regC1CON    = 0x000
	regC1TSCON  = 0x014
	regC1INT    = 0x01C
	regC1RXIF   = 0x020
	regC1TXIF   = 0x024
	regC1RXOVIF = 0x028
	regC1TXATIF = 0x02C
	regC1TEFCON = 0x040
	regC1TEFSTA = 0x044
	regC1TEFUA  = 0x048
	regC1TXQCON = 0x050
	regOSC      = 0xE00
	regCRC      = 0xE08

	fifoBase   = 0x05C
	fifoStride = 12
	fifoCount  = 31

	modeConfiguration = 4
)

// Write-zero-to-clear interrupt flags. The remaining flag bits mirror
// other registers and clear when their cause goes away.
const w0cFlags = 1<<2 | 1<<3 | 1<<12 | 1<<13 | 1<<14 | 1<<15

var payloadBytes = [8]int{8, 12, 16, 20, 24, 32, 48, 64}

type fifoState struct {
	put   int
	take  int
	count int

	overflow    bool
	txDone      bool
	txAttempt   bool
	txRequested bool
}

// Chip is an in memory controller. All methods are safe for concurrent
// use.
type Chip struct {
	mu     sync.Mutex
	logger *slog.Logger

	mem    [0x1000]byte
	writes map[uint16]int

	fifos [fifoCount + 1]fifoState
	tef   fifoState

	// Mode requests apply after modeLatency reads of the mode status
	// byte, mimicking the asynchronous transition of the hardware.
	modePending int
	modeTicks   int
	modeLatency int

	intW0C uint16

	// While holdTx is set, transmit requests queue up instead of
	// draining immediately, letting tests observe full FIFOs.
	holdTx bool

	transmitted [][]byte
	failNext    error
}

func NewChip() *Chip {
	c := &Chip{
		logger:      slog.Default(),
		writes:      map[uint16]int{},
		modePending: -1,
		modeLatency: 1,
	}
	c.reset()
	return c
}

func (c *Chip) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// SetModeLatency sets how many mode status reads pass before a
// requested mode takes effect. Zero applies requests immediately.
func (c *Chip) SetModeLatency(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modeLatency = n
}

// FailNext makes the next transfer fail with err, simulating a broken
// bus.
func (c *Chip) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// SetRegister pokes a raw register value, bypassing write side effects.
func (c *Chip) SetRegister(address uint16, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < 4; i++ {
		c.mem[address+uint16(i)] = byte(value >> (8 * i))
	}
}

// Register peeks a raw register value without read side effects.
func (c *Chip) Register(address uint16) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var value uint32
	for i := 0; i < 4; i++ {
		value |= uint32(c.mem[address+uint16(i)]) << (8 * i)
	}
	return value
}

// Writes reports how many times the byte at address was written over
// the bus.
func (c *Chip) Writes(address uint16) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[address]
}

// RaiseInterrupt asserts one of the write-zero-to-clear interrupt flag
// bits, as the hardware would on an internal event.
func (c *Chip) RaiseInterrupt(bit uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if 1<<bit&w0cFlags == 0 {
		panic(fmt.Sprintf("virtual: interrupt bit %d is not write-zero-to-clear", bit))
	}
	c.intW0C |= 1 << bit
}

// Transmitted returns the raw message objects sent so far, oldest
// first.
func (c *Chip) Transmitted() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.transmitted))
	copy(out, c.transmitted)
	return out
}

// InjectFrame places a raw message object into a receive FIFO, as if it
// had arrived from the bus. A full FIFO drops the frame and latches the
// overflow flag.
func (c *Chip) InjectFrame(fifo uint8, object []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fifo < 1 || fifo > fifoCount {
		return fmt.Errorf("virtual: fifo index %d outside 1..31", fifo)
	}
	if c.mem[fifoControlAddr(fifo)]&0x80 != 0 {
		return fmt.Errorf("virtual: fifo %d is a transmit fifo", fifo)
	}

	state := &c.fifos[fifo]
	depth, slot := c.fifoShape(fifo)
	if len(object) > slot {
		return fmt.Errorf("virtual: %d byte object exceeds %d byte slot", len(object), slot)
	}

	if state.count == depth {
		state.overflow = true
		c.logger.Debug("rx overflow", "fifo", fifo)
		return nil
	}

	offset := c.fifoOffset(fifo) + state.put*slot
	copy(c.mem[ramBase+offset:ramBase+offset+slot], make([]byte, slot))
	copy(c.mem[ramBase+offset:], object)
	state.put = (state.put + 1) % depth
	state.count++
	return nil
}

// Exchange implements the Transport interface.
func (c *Chip) Exchange(tx []byte, rx []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failNext; err != nil {
		c.failNext = nil
		return err
	}
	if len(tx) != len(rx) {
		return fmt.Errorf("virtual: tx %d bytes, rx %d bytes", len(tx), len(rx))
	}
	if len(tx) < 2 {
		return fmt.Errorf("virtual: short command of %d bytes", len(tx))
	}

	opcode := tx[0] >> 4
	address := uint16(tx[0]&0x0F)<<8 | uint16(tx[1])

	switch opcode {
	case 0x0: // reset
		c.reset()
	case 0x3: // read
		c.readRange(address, rx[2:])
	case 0x2: // write
		c.writeRange(address, tx[2:])
	case 0xB: // read with CRC
		n := int(tx[2])
		if len(tx) != 3+n+2 {
			return fmt.Errorf("virtual: crc read frame of %d bytes, expected %d", len(tx), 3+n+2)
		}
		c.readRange(address, rx[3:3+n])
		sum := crc.Seed
		sum.Block(tx[:3])
		sum.Block(rx[3 : 3+n])
		rx[3+n] = byte(sum >> 8)
		rx[3+n+1] = byte(sum)
	case 0xA: // write with CRC
		n := int(tx[2])
		if len(tx) != 3+n+2 {
			return fmt.Errorf("virtual: crc write frame of %d bytes, expected %d", len(tx), 3+n+2)
		}
		if !c.verifyCRC(tx, 3+n) {
			return nil
		}
		c.writeRange(address, tx[3:3+n])
	case 0xC: // safe write, checksum verified before committing
		if len(tx) != 2+4+2 {
			return fmt.Errorf("virtual: safe write frame of %d bytes, expected 8", len(tx))
		}
		if !c.verifyCRC(tx, 6) {
			return nil
		}
		c.writeRange(address, tx[2:6])
	default:
		return fmt.Errorf("virtual: unknown opcode 0x%X", opcode)
	}
	return nil
}

// verifyCRC checks the trailing checksum of a protected write. On
// mismatch the write is dropped and the CRC error flag latches, exactly
// like the hardware.
func (c *Chip) verifyCRC(tx []byte, end int) bool {
	received := uint16(tx[end])<<8 | uint16(tx[end+1])
	if received == uint16(crc.Checksum(tx[:end])) {
		return true
	}
	c.mem[regCRC+2] |= 0x02
	c.logger.Debug("dropped write with bad checksum")
	return false
}

func (c *Chip) reset() {
	c.mem = [0x1000]byte{}
	c.fifos = [fifoCount + 1]fifoState{}
	c.tef = fifoState{}
	c.intW0C = 0
	c.modePending = -1

	// Wakes up in configuration mode.
	c.mem[regC1CON+2] = modeConfiguration << 5
	c.mem[regC1CON+3] = modeConfiguration
}

/* Read path */

func (c *Chip) readRange(address uint16, out []byte) {
	c.tickMode(address, len(out))
	for i := range out {
		out[i] = c.readByte(address + uint16(i))
	}
	c.afterRead(address, len(out))
}

// tickMode advances a pending mode transition when the status byte is
// observed.
func (c *Chip) tickMode(address uint16, n int) {
	if c.modePending < 0 {
		return
	}
	statusByte := uint16(regC1CON + 2)
	if address > statusByte || uint16(int(address)+n) <= statusByte {
		return
	}
	if c.modeTicks < c.modeLatency {
		c.modeTicks++
		return
	}
	c.mem[regC1CON+2] = c.mem[regC1CON+2]&^0xE0 | byte(c.modePending)<<5
	c.modePending = -1
	c.intW0C |= 1 << 3 // mode change flag
	c.logger.Debug("mode transition applied", "mode", c.mem[regC1CON+2]>>5)
}

// afterRead clears flags whose semantics are clear-on-cause-read.
func (c *Chip) afterRead(address uint16, n int) {
	touch := func(reg uint16) bool {
		return address < reg+4 && int(address)+n > int(reg)
	}
	if touch(regC1TXIF) {
		for i := 1; i <= fifoCount; i++ {
			c.fifos[i].txDone = false
		}
	}
	if touch(regC1TXATIF) {
		for i := 1; i <= fifoCount; i++ {
			c.fifos[i].txAttempt = false
		}
	}
}

func (c *Chip) readByte(address uint16) byte {
	switch {
	case address >= regC1INT && address < regC1INT+2:
		return byte(c.interruptFlags() >> (8 * (address - regC1INT)))
	case address >= regC1RXIF && address < regC1RXIF+4:
		return byte(c.fifoMask(func(s *fifoState) bool { return s.count > 0 }, false) >> (8 * (address - regC1RXIF)))
	case address >= regC1TXIF && address < regC1TXIF+4:
		return byte(c.fifoMask(func(s *fifoState) bool { return s.txDone }, true) >> (8 * (address - regC1TXIF)))
	case address >= regC1RXOVIF && address < regC1RXOVIF+4:
		return byte(c.fifoMask(func(s *fifoState) bool { return s.overflow }, false) >> (8 * (address - regC1RXOVIF)))
	case address >= regC1TXATIF && address < regC1TXATIF+4:
		return byte(c.fifoMask(func(s *fifoState) bool { return s.txAttempt }, true) >> (8 * (address - regC1TXATIF)))
	case address == regC1TEFSTA:
		if c.tef.count > 0 {
			return 0x01
		}
		return 0x00
	case address >= regC1TEFUA && address < regC1TEFUA+4:
		return byte(uint32(c.tef.take*8) >> (8 * (address - regC1TEFUA)))
	default:
		if fifo, offset := fifoAddr(address); fifo != 0 {
			if b, ok := c.fifoByte(fifo, offset); ok {
				return b
			}
		}
		return c.mem[address]
	}
}

// interruptFlags composes the low half of the interrupt register: the
// latched write-zero-to-clear bits plus live mirrors of the per cause
// registers.
func (c *Chip) interruptFlags() uint16 {
	flags := c.intW0C
	if c.fifoMask(func(s *fifoState) bool { return s.txDone }, true) != 0 {
		flags |= 1 << 0
	}
	if c.fifoMask(func(s *fifoState) bool { return s.count > 0 }, false) != 0 {
		flags |= 1 << 1
	}
	if c.tef.count > 0 {
		flags |= 1 << 4
	}
	if c.mem[regCRC+2]&0x03 != 0 {
		flags |= 1 << 9
	}
	if c.fifoMask(func(s *fifoState) bool { return s.txAttempt }, true) != 0 {
		flags |= 1 << 10
	}
	if c.fifoMask(func(s *fifoState) bool { return s.overflow }, false) != 0 {
		flags |= 1 << 11
	}
	return flags
}

// fifoMask builds a per FIFO bitmask over FIFOs of one direction.
func (c *Chip) fifoMask(pred func(*fifoState) bool, transmit bool) uint32 {
	var mask uint32
	for i := 1; i <= fifoCount; i++ {
		if c.isTransmit(uint8(i)) != transmit {
			continue
		}
		if pred(&c.fifos[i]) {
			mask |= 1 << i
		}
	}
	return mask
}

// fifoByte serves the computed bytes of a FIFO's register block: the
// status byte and the user address word.
func (c *Chip) fifoByte(fifo uint8, offset uint16) (byte, bool) {
	state := &c.fifos[fifo]
	switch {
	case offset == 4: // status byte 0
		depth, _ := c.fifoShape(fifo)
		var b byte
		if c.isTransmit(fifo) {
			if state.count < depth {
				b |= 0x01 // not full
			}
			if state.count == 0 {
				b |= 0x04 // empty
			}
		} else {
			if state.count > 0 {
				b |= 0x01 // not empty
			}
			if state.count == depth {
				b |= 0x04 // full
			}
			if state.overflow {
				b |= 0x08
			}
		}
		return b, true
	case offset >= 8 && offset < 12: // user address word
		slotIndex := state.take
		if c.isTransmit(fifo) {
			slotIndex = state.put
		}
		_, slot := c.fifoShape(fifo)
		value := uint32(c.fifoOffset(fifo) + slotIndex*slot)
		return byte(value >> (8 * (offset - 8))), true
	default:
		return 0, false
	}
}

/* Write path */

func (c *Chip) writeRange(address uint16, data []byte) {
	for i, b := range data {
		c.writeByte(address+uint16(i), b)
	}
}

func (c *Chip) writeByte(address uint16, value byte) {
	c.writes[address]++

	switch {
	case address == regC1CON+3:
		c.mem[address] = value
		c.modePending = int(value & 0x07)
		c.modeTicks = 0
	case address >= regC1INT && address < regC1INT+2:
		// Write zero to clear, writes never set flag bits.
		shift := 8 * (address - regC1INT)
		mask := uint16(w0cFlags) >> shift & 0xFF
		c.intW0C &^= (uint16(^value) & mask) << shift
	case address == regOSC:
		c.mem[address] = value
		c.updateOscillator()
	case address == regC1TEFCON+1:
		if value&0x01 != 0 && c.tef.count > 0 {
			c.tef.take = (c.tef.take + 1) % c.tefDepth()
			c.tef.count--
		}
	default:
		if fifo, offset := fifoAddr(address); fifo != 0 {
			switch offset {
			case 1: // control byte 1: increment and transmit request
				c.fifoAdvance(fifo, value)
				return
			case 4: // status byte 0: only the overflow flag is writable
				if value&0x08 == 0 {
					c.fifos[fifo].overflow = false
				}
				return
			}
		}
		c.mem[address] = value
	}
}

func (c *Chip) updateOscillator() {
	osc := c.mem[regOSC]
	ready := byte(0)
	if osc&0x01 != 0 { // PLL enabled reports ready
		ready |= 0x01
	}
	if osc&0x04 == 0 { // oscillator not disabled
		ready |= 0x04
	}
	c.mem[regOSC+1] = ready
}

// fifoAdvance handles the self clearing increment and transmit request
// bits of a FIFO control register.
func (c *Chip) fifoAdvance(fifo uint8, value byte) {
	state := &c.fifos[fifo]
	depth, _ := c.fifoShape(fifo)

	if value&0x01 != 0 { // UINC
		if c.isTransmit(fifo) {
			if state.count < depth {
				state.put = (state.put + 1) % depth
				state.count++
			}
		} else if state.count > 0 {
			state.take = (state.take + 1) % depth
			state.count--
		}
	}

	if value&0x02 != 0 && c.isTransmit(fifo) { // TXREQ
		if c.holdTx {
			state.txRequested = true
			return
		}
		c.drain(fifo)
	}
}

// HoldTransmissions delays transmit requests until the next call to
// ReleaseTransmissions, standing in for a busy bus.
func (c *Chip) HoldTransmissions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdTx = true
}

// ReleaseTransmissions drains every FIFO with a pending transmit
// request.
func (c *Chip) ReleaseTransmissions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdTx = false
	for i := uint8(1); i <= fifoCount; i++ {
		if c.fifos[i].txRequested {
			c.fifos[i].txRequested = false
			c.drain(i)
		}
	}
}

// drain sends every queued object of a transmit FIFO.
func (c *Chip) drain(fifo uint8) {
	state := &c.fifos[fifo]
	depth, slot := c.fifoShape(fifo)
	for state.count > 0 {
		offset := ramBase + c.fifoOffset(fifo) + state.take*slot
		object := make([]byte, slot)
		copy(object, c.mem[offset:offset+slot])
		c.transmitted = append(c.transmitted, object)
		c.recordTxEvent(object)
		state.take = (state.take + 1) % depth
		state.count--
	}
	state.txDone = true
	c.logger.Debug("fifo drained", "fifo", fifo)
}

// recordTxEvent stores the header words of a sent object in the
// transmit event FIFO when event storage is enabled.
func (c *Chip) recordTxEvent(object []byte) {
	if c.mem[regC1CON+2]&0x08 == 0 { // STEF, bit 19
		return
	}
	depth := c.tefDepth()
	if c.tef.count == depth {
		return
	}
	offset := ramBase + c.tef.put*8
	copy(c.mem[offset:offset+8], object[:8])
	c.tef.put = (c.tef.put + 1) % depth
	c.tef.count++
}

/* FIFO geometry */

func fifoControlAddr(fifo uint8) uint16 {
	return fifoBase + fifoStride*uint16(fifo-1)
}

// fifoAddr maps a byte address to its FIFO index and offset within that
// FIFO's 12 byte register block. Index 0 means not a FIFO register.
func fifoAddr(address uint16) (uint8, uint16) {
	if address < fifoBase || address >= fifoBase+fifoStride*fifoCount {
		return 0, 0
	}
	rel := address - fifoBase
	return uint8(rel/fifoStride) + 1, rel % fifoStride
}

func (c *Chip) isTransmit(fifo uint8) bool {
	return c.mem[fifoControlAddr(fifo)]&0x80 != 0
}

// fifoShape returns a FIFO's configured depth and slot size in bytes.
func (c *Chip) fifoShape(fifo uint8) (depth, slot int) {
	control := fifoControlAddr(fifo)
	depth = int(c.mem[control+3]&0x1F) + 1
	slot = 8 + payloadBytes[c.mem[control+3]>>5]
	return depth, slot
}

func (c *Chip) tefDepth() int {
	return int(c.mem[regC1TEFCON+3]&0x1F) + 1
}

// fifoOffset returns where a FIFO's slots start, relative to the RAM
// base. RAM is handed out to the event FIFO, the transmit queue and
// then each message FIFO in index order.
func (c *Chip) fifoOffset(fifo uint8) int {
	offset := 0
	if c.mem[regC1CON+2]&0x08 != 0 { // STEF
		offset += c.tefDepth() * 8
	}
	if c.mem[regC1CON+2]&0x10 != 0 { // TXQEN
		depth := int(c.mem[regC1TXQCON+3]&0x1F) + 1
		offset += depth * (8 + payloadBytes[c.mem[regC1TXQCON+3]>>5])
	}
	for i := uint8(1); i < fifo; i++ {
		depth, slot := c.fifoShape(i)
		offset += depth * slot
	}
	return offset
}
