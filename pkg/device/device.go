// Package device ties the driver's layers together behind one handle.
package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcp25xxfd "github.com/samsamfire/gomcp25xxfd"
	"github.com/samsamfire/gomcp25xxfd/pkg/fifo"
	"github.com/samsamfire/gomcp25xxfd/pkg/interrupt"
	"github.com/samsamfire/gomcp25xxfd/pkg/mode"
	"github.com/samsamfire/gomcp25xxfd/pkg/reg"
	"github.com/samsamfire/gomcp25xxfd/pkg/spi"
)

// Settings collects everything Configure writes to the chip. Bit timing
// is passed as raw register words, picking segment values is left to
// the application which knows its oscillator and bus.
type Settings struct {
	// Oscillator
	EnablePLL   bool
	DivideClock bool

	// Raw bit timing register words, written verbatim when non zero.
	NominalBitTiming  uint32
	DataBitTiming     uint32
	DelayCompensation uint32

	EnableTimeBase        bool
	EnableErrorInterrupts bool

	// TxEventDepth enables the transmit event FIFO when positive.
	TxEventDepth uint8

	FIFOs []fifo.Descriptor
}

// TxEvent is one entry of the transmit event FIFO, recorded by the chip
// when a queued frame made it onto the bus.
type TxEvent struct {
	ID       mcp25xxfd.ID
	DLC      uint8
	Sequence uint32
}

// Device is the top level driver handle. All operations take the
// device mutex, which makes it safe to drive the same chip from an
// interrupt service goroutine and a main flow concurrently.
type Device struct {
	mu     sync.Mutex
	logger *slog.Logger

	client     *spi.Client
	file       *reg.File
	modes      *mode.Controller
	fifos      *fifo.Manager
	interrupts *interrupt.Dispatcher

	// Replaceable for tests.
	sleep func(time.Duration)
}

func New(transport mcp25xxfd.Transport, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	client := spi.NewClient(transport)
	file := reg.NewFile(client)
	modes := mode.NewController(file)
	return &Device{
		logger:     logger,
		client:     client,
		file:       file,
		modes:      modes,
		fifos:      fifo.NewManager(client, modes),
		interrupts: interrupt.NewDispatcher(client),
		sleep:      time.Sleep,
	}
}

// Reset performs a software reset. The chip wakes up in configuration
// mode with all registers at their defaults.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("resetting controller")
	return d.client.Reset()
}

// Configure brings the chip up from configuration mode: it verifies SPI
// communication against the message RAM, starts the oscillator, writes
// the bit timing words and sets up every requested FIFO. The chip is
// left in configuration mode, switch modes explicitly once ready.
func (d *Device) Configure(settings Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.modes.Wait(mode.Configuration); err != nil {
		return err
	}
	if err := d.verifyRAMEcho(); err != nil {
		return err
	}
	if err := d.configureOscillator(settings); err != nil {
		return err
	}

	for address, word := range map[uint16]uint32{
		reg.C1NBTCFG: settings.NominalBitTiming,
		reg.C1DBTCFG: settings.DataBitTiming,
		reg.C1TDC:    settings.DelayCompensation,
	} {
		if word == 0 {
			continue
		}
		if err := d.client.WriteRegister(address, word); err != nil {
			return err
		}
	}

	if settings.EnableTimeBase {
		if err := d.file.WriteField(reg.TimeBaseEnable, 1); err != nil {
			return err
		}
	}

	if settings.TxEventDepth > 0 {
		if err := d.configureTxEvents(settings.TxEventDepth); err != nil {
			return err
		}
	}

	for _, desc := range settings.FIFOs {
		if err := d.fifos.Configure(desc); err != nil {
			return err
		}
		d.logger.Debug("fifo configured",
			"index", desc.Index,
			"direction", desc.Direction,
			"depth", desc.Depth,
			"payload", desc.Payload.Bytes())
	}

	kinds := []interrupt.Kind{interrupt.Receive, interrupt.Transmit, interrupt.RxOverflow}
	if settings.TxEventDepth > 0 {
		kinds = append(kinds, interrupt.TxEvent)
	}
	if settings.EnableErrorInterrupts {
		kinds = append(kinds,
			interrupt.BusError,
			interrupt.SystemError,
			interrupt.InvalidMessage,
			interrupt.CRCError)
	}
	if err := d.interrupts.Enable(kinds...); err != nil {
		return err
	}

	d.logger.Info("controller configured", "fifos", len(settings.FIFOs))
	return nil
}

// verifyRAMEcho proves the SPI link works by writing a walking bit
// pattern into the first RAM words and reading it back.
func (d *Device) verifyRAMEcho() error {
	var pattern [128]byte
	for i := 0; i < 32; i++ {
		binary.LittleEndian.PutUint32(pattern[4*i:], 1<<i)
	}

	if err := d.client.WriteRAM(spi.RAMBase, pattern[:]); err != nil {
		return err
	}
	var echo [128]byte
	if err := d.client.ReadRAM(spi.RAMBase, echo[:]); err != nil {
		return err
	}
	if echo != pattern {
		return fmt.Errorf("%w: ram echo mismatch, check the spi link", mcp25xxfd.ErrIntegrity)
	}
	return nil
}

const pllAttempts = 3

func (d *Device) configureOscillator(settings Settings) error {
	pll := uint32(0)
	if settings.EnablePLL {
		pll = 1
	}
	divide := uint32(0)
	if settings.DivideClock {
		divide = 1
	}

	if err := d.file.WriteField(reg.PLLEnable, pll); err != nil {
		return err
	}
	if err := d.file.WriteField(reg.ClockDivide, divide); err != nil {
		return err
	}
	if err := d.file.WriteField(reg.ClockDisable, 0); err != nil {
		return err
	}

	if !settings.EnablePLL {
		return nil
	}
	for attempt := 0; attempt < pllAttempts; attempt++ {
		ready, err := d.file.ReadField(reg.PLLReady)
		if err != nil {
			return err
		}
		if ready == 1 {
			return nil
		}
		d.sleep(500 * time.Microsecond)
	}
	return fmt.Errorf("%w: pll did not lock", mcp25xxfd.ErrNotReady)
}

func (d *Device) configureTxEvents(depth uint8) error {
	if depth > 32 {
		return fmt.Errorf("%w: event fifo depth %d outside 1..32", mcp25xxfd.ErrInvalidFieldValue, depth)
	}
	if err := d.file.WriteField(reg.StoreTxEvents, 1); err != nil {
		return err
	}
	return d.client.WriteRegister(reg.C1TEFCON, uint32(depth-1)<<24)
}

// RequestMode asks for a mode transition without waiting for it.
func (d *Device) RequestMode(target mode.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modes.Request(target)
}

// ConfirmMode reads the mode the chip is currently in.
func (d *Device) ConfirmMode() (mode.Mode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modes.Confirm()
}

// SetMode requests target and waits until the chip reports it.
func (d *Device) SetMode(target mode.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.modes.Wait(target); err != nil {
		return err
	}
	d.logger.Info("mode changed", "mode", target.String())
	return nil
}

// Transmit queues frame on a transmit FIFO and requests transmission.
func (d *Device) Transmit(index uint8, frame *mcp25xxfd.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fifos.Transmit(index, frame)
}

// Receive pops the next frame of a receive FIFO, nil when empty.
func (d *Device) Receive(index uint8) (*mcp25xxfd.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fifos.Receive(index)
}

// Status reads a FIFO's hardware flags.
func (d *Device) Status(index uint8) (fifo.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fifos.Status(index)
}

// AcknowledgeOverflow clears a receive FIFO's latched overflow flag.
func (d *Device) AcknowledgeOverflow(index uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fifos.AcknowledgeOverflow(index)
}

// Poll decodes and acknowledges pending interrupts.
func (d *Device) Poll() ([]interrupt.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts.Poll()
}

// NextTxEvent pops the next transmit event, nil when the event FIFO is
// empty.
func (d *Device) NextTxEvent() (*TxEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, err := d.client.ReadRegister(reg.C1TEFSTA)
	if err != nil {
		return nil, err
	}
	if status&0x01 == 0 {
		return nil, nil
	}

	offset, err := d.client.ReadRegister(reg.C1TEFUA)
	if err != nil {
		return nil, err
	}
	var header [8]byte
	if err := d.client.ReadRAM(spi.RAMBase+uint16(offset), header[:]); err != nil {
		return nil, err
	}

	event, err := decodeTxEvent(header)
	if err != nil {
		return nil, err
	}
	// Release the event slot.
	if err := d.client.WriteByte(reg.C1TEFCON+1, 0x01); err != nil {
		return nil, err
	}
	return event, nil
}

func decodeTxEvent(header [8]byte) (*TxEvent, error) {
	var frame mcp25xxfd.Frame
	if err := frame.UnmarshalHeader(header[:]); err != nil {
		return nil, err
	}
	return &TxEvent{
		ID:       frame.ID(),
		DLC:      frame.DLC(),
		Sequence: binary.LittleEndian.Uint32(header[4:]) >> 9,
	}, nil
}

// ReadRegister reads a raw register word. Bit timing tuning and other
// registers without a typed wrapper go through here.
func (d *Device) ReadRegister(address uint16) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.ReadRegister(address)
}

// WriteRegister writes a raw register word.
func (d *Device) WriteRegister(address uint16, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.WriteRegister(address, value)
}
