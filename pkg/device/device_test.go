package device

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	mcp25xxfd "github.com/samsamfire/gomcp25xxfd"
	"github.com/samsamfire/gomcp25xxfd/pkg/fifo"
	"github.com/samsamfire/gomcp25xxfd/pkg/interrupt"
	"github.com/samsamfire/gomcp25xxfd/pkg/mode"
	"github.com/samsamfire/gomcp25xxfd/pkg/reg"
	"github.com/samsamfire/gomcp25xxfd/pkg/transport/virtual"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings() Settings {
	return Settings{
		EnablePLL:        true,
		NominalBitTiming: 0x003E0F0F,
		DataBitTiming:    0x000E0303,
		TxEventDepth:     4,
		FIFOs: []fifo.Descriptor{
			{Index: 1, Depth: 4, Direction: fifo.Transmit, Payload: fifo.Payload64, Priority: 7},
			{Index: 2, Depth: 8, Direction: fifo.Receive, Payload: fifo.Payload64},
		},
	}
}

func newDevice(t *testing.T) (*Device, *virtual.Chip) {
	t.Helper()
	chip := virtual.NewChip()
	chip.SetModeLatency(0)
	chip.SetLogger(quietLogger())
	device := New(chip, quietLogger())
	device.sleep = func(time.Duration) {}
	return device, chip
}

func TestConfigureBringUp(t *testing.T) {
	device, chip := newDevice(t)

	assert.Nil(t, device.Reset())
	assert.Nil(t, device.Configure(testSettings()))

	// Bit timing words land verbatim.
	assert.EqualValues(t, 0x003E0F0F, chip.Register(reg.C1NBTCFG))
	assert.EqualValues(t, 0x000E0303, chip.Register(reg.C1DBTCFG))

	// PLL enabled and reported ready.
	assert.EqualValues(t, 1, reg.PLLEnable.Extract(chip.Register(reg.OSC)))
	assert.EqualValues(t, 1, reg.PLLReady.Extract(chip.Register(reg.OSC)))

	// Event FIFO enabled with the requested depth.
	assert.EqualValues(t, 1, reg.StoreTxEvents.Extract(chip.Register(reg.C1CON)))
	assert.EqualValues(t, 3, chip.Register(reg.C1TEFCON)>>24&0x1F)

	// Receive and transmit interrupts enabled.
	enables := chip.Register(reg.C1INT) >> 16
	assert.EqualValues(t, 1, enables&1)
	assert.EqualValues(t, 1, enables>>1&1)

	current, err := device.ConfirmMode()
	assert.Nil(t, err)
	assert.Equal(t, mode.Configuration, current)
}

func TestTransmitAndEvents(t *testing.T) {
	device, chip := newDevice(t)
	assert.Nil(t, device.Configure(testSettings()))
	assert.Nil(t, device.SetMode(mode.NormalFD))

	id, _ := mcp25xxfd.NewExtendedID(0x14FF0123)
	frame, err := mcp25xxfd.NewFrameFD(id, []byte{1, 2, 3, 4, 5, 6, 7, 8}, true)
	assert.Nil(t, err)

	assert.Nil(t, device.Transmit(1, &frame))
	assert.Len(t, chip.Transmitted(), 1)

	events, err := device.Poll()
	assert.Nil(t, err)
	found := false
	for _, e := range events {
		if e.Kind == interrupt.Transmit {
			found = true
			assert.EqualValues(t, 1<<1, e.Fifos)
		}
	}
	assert.True(t, found, "transmit interrupt not reported")

	event, err := device.NextTxEvent()
	assert.Nil(t, err)
	assert.NotNil(t, event)
	assert.Equal(t, id, event.ID)
	assert.Equal(t, frame.DLC(), event.DLC)

	event, err = device.NextTxEvent()
	assert.Nil(t, err)
	assert.Nil(t, event)
}

func TestReceiveThroughDevice(t *testing.T) {
	device, chip := newDevice(t)
	assert.Nil(t, device.Configure(testSettings()))
	assert.Nil(t, device.SetMode(mode.NormalFD))

	id, _ := mcp25xxfd.NewStandardID(0x555)
	frame, err := mcp25xxfd.NewFrame(id, []byte{0xCA, 0xFE})
	assert.Nil(t, err)

	buf := make([]byte, mcp25xxfd.HeaderSize+mcp25xxfd.MaxPayload)
	n, err := frame.Marshal(buf)
	assert.Nil(t, err)
	assert.Nil(t, chip.InjectFrame(2, buf[:n]))

	got, err := device.Receive(2)
	assert.Nil(t, err)
	assert.Equal(t, frame, *got)

	status, err := device.Status(2)
	assert.Nil(t, err)
	assert.True(t, status.Empty)
}

func TestSetModeTimesOut(t *testing.T) {
	device, chip := newDevice(t)
	chip.SetModeLatency(100)

	err := device.SetMode(mode.NormalFD)
	assert.True(t, errors.Is(err, mcp25xxfd.ErrInvalidModeTransition))
}

func TestRawRegisterAccess(t *testing.T) {
	device, _ := newDevice(t)

	assert.Nil(t, device.WriteRegister(reg.C1TDC, 0x00023200))
	value, err := device.ReadRegister(reg.C1TDC)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x00023200, value)
}

func TestConfigurePropagatesBusErrors(t *testing.T) {
	device, chip := newDevice(t)
	chip.FailNext(errors.New("wire cut"))

	err := device.Configure(testSettings())
	assert.True(t, errors.Is(err, mcp25xxfd.ErrBus))
}
