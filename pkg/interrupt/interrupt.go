// Package interrupt decodes the controller's interrupt register into
// events and acknowledges them without losing concurrent flags.
package interrupt

import (
	"fmt"

	"github.com/samsamfire/gomcp25xxfd/pkg/reg"
	"github.com/samsamfire/gomcp25xxfd/pkg/spi"
)

// Kind identifies an interrupt source.
type Kind uint8

const (
	Transmit Kind = iota
	Receive
	TimeBase
	ModeChange
	TxEvent
	ECCError
	CRCError
	TxAttemptsExhausted
	RxOverflow
	SystemError
	BusError
	Wake
	InvalidMessage
)

var kindNames = map[Kind]string{
	Transmit:            "TRANSMIT",
	Receive:             "RECEIVE",
	TimeBase:            "TIME BASE",
	ModeChange:          "MODE CHANGE",
	TxEvent:             "TX EVENT",
	ECCError:            "ECC ERROR",
	CRCError:            "CRC ERROR",
	TxAttemptsExhausted: "TX ATTEMPTS EXHAUSTED",
	RxOverflow:          "RX OVERFLOW",
	SystemError:         "SYSTEM ERROR",
	BusError:            "BUS ERROR",
	Wake:                "WAKE",
	InvalidMessage:      "INVALID MESSAGE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN (%d)", uint8(k))
}

// Event is one decoded interrupt. Fifos carries a per FIFO bitmask for
// FIFO scoped kinds, Cause the raw value of the source's cause register
// where one exists.
type Event struct {
	Kind  Kind
	Fifos uint32
	Cause uint32
}

// source describes one flag bit of the interrupt register.
type source struct {
	bit   uint
	kind  Kind
	cause uint16 // cause register to read before acknowledging, 0 if none
	w0c   bool   // cleared by writing zero, otherwise clears with its cause
}

// Bit order of the interrupt register's low half.
var sources = []source{
	{0, Transmit, reg.C1TXIF, false},
	{1, Receive, reg.C1RXIF, false},
	{2, TimeBase, 0, true},
	{3, ModeChange, 0, true},
	{4, TxEvent, reg.C1TEFSTA, false},
	{8, ECCError, reg.ECCSTAT, false},
	{9, CRCError, reg.CRC, false},
	{10, TxAttemptsExhausted, reg.C1TXATIF, false},
	{11, RxOverflow, reg.C1RXOVIF, false},
	{12, SystemError, 0, true},
	{13, BusError, reg.C1TREC, true},
	{14, Wake, 0, true},
	{15, InvalidMessage, 0, true},
}

// fifoScoped kinds report which FIFOs raised them.
func (s source) fifoScoped() bool {
	switch s.kind {
	case Transmit, Receive, TxAttemptsExhausted, RxOverflow:
		return true
	}
	return false
}

// Dispatcher turns interrupt flags into events. Not safe for concurrent
// use, the owning device serializes access.
type Dispatcher struct {
	client *spi.Client
}

func NewDispatcher(client *spi.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Enable turns on the interrupt lines for the given kinds, leaving the
// others as they are.
func (d *Dispatcher) Enable(kinds ...Kind) error {
	flags, err := d.client.ReadRegister(reg.C1INT)
	if err != nil {
		return err
	}
	for _, kind := range kinds {
		for _, s := range sources {
			if s.kind == kind {
				flags |= 1 << (s.bit + 16)
			}
		}
	}
	// The enable bits live in the register's upper half, write only
	// those bytes so the flag half stays untouched.
	if err := d.client.WriteByte(reg.C1INT+2, byte(flags>>16)); err != nil {
		return err
	}
	return d.client.WriteByte(reg.C1INT+3, byte(flags>>24))
}

// Poll reads the interrupt register once and decodes every asserted
// flag. Cause registers are read before the flags are acknowledged, so
// a cause arriving between the two never slips through unreported. The
// acknowledge write clears only the flags decoded by this call, a flag
// asserted concurrently stays set for the next Poll. Polling with no
// flags asserted returns an empty slice.
func (d *Dispatcher) Poll() ([]Event, error) {
	flags, err := d.client.ReadRegister(reg.C1INT)
	if err != nil {
		return nil, err
	}

	var events []Event
	var acknowledge uint16
	for _, s := range sources {
		if flags&(1<<s.bit) == 0 {
			continue
		}

		event := Event{Kind: s.kind}
		if s.cause != 0 {
			cause, err := d.client.ReadRegister(s.cause)
			if err != nil {
				return nil, err
			}
			if s.fifoScoped() {
				event.Fifos = cause
			} else {
				event.Cause = cause
			}
		}
		events = append(events, event)
		if s.w0c {
			acknowledge |= 1 << s.bit
		}
	}

	if acknowledge != 0 {
		// Write zero to clear: zeros only for the flags decoded above,
		// ones everywhere else.
		keep := ^acknowledge
		if err := d.client.WriteByte(reg.C1INT, byte(keep)); err != nil {
			return nil, err
		}
		if err := d.client.WriteByte(reg.C1INT+1, byte(keep>>8)); err != nil {
			return nil, err
		}
	}
	return events, nil
}
