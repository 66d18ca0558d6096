// Package config loads device settings from ini files.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/samsamfire/gomcp25xxfd/pkg/device"
	"github.com/samsamfire/gomcp25xxfd/pkg/fifo"
)

var payloadCodes = map[int]fifo.PayloadSize{
	8:  fifo.Payload8,
	12: fifo.Payload12,
	16: fifo.Payload16,
	20: fifo.Payload20,
	24: fifo.Payload24,
	32: fifo.Payload32,
	48: fifo.Payload48,
	64: fifo.Payload64,
}

// Load reads settings from an ini file on disk.
func Load(path string) (device.Settings, error) {
	return Parse(path)
}

// Parse reads settings from a path or raw ini bytes.
//
// Layout:
//
//	[oscillator]
//	pll = true
//	divide_clock = false
//
//	[bit_timing]
//	nominal = 0x003E0F0F
//	data = 0x000E0303
//	tdc = 0x00023200
//
//	[device]
//	tx_event_depth = 4
//	error_interrupts = true
//	time_base = false
//
//	[fifo.main_tx]
//	index = 1
//	direction = transmit
//	depth = 4
//	payload = 64
//	priority = 7
//
// One [fifo.<name>] section per FIFO, the name is only documentation.
func Parse(source interface{}) (device.Settings, error) {
	var settings device.Settings

	file, err := ini.Load(source)
	if err != nil {
		return settings, fmt.Errorf("loading settings: %w", err)
	}

	osc := file.Section("oscillator")
	settings.EnablePLL = osc.Key("pll").MustBool(false)
	settings.DivideClock = osc.Key("divide_clock").MustBool(false)

	timing := file.Section("bit_timing")
	if settings.NominalBitTiming, err = word(timing, "nominal"); err != nil {
		return settings, err
	}
	if settings.DataBitTiming, err = word(timing, "data"); err != nil {
		return settings, err
	}
	if settings.DelayCompensation, err = word(timing, "tdc"); err != nil {
		return settings, err
	}

	dev := file.Section("device")
	settings.TxEventDepth = uint8(dev.Key("tx_event_depth").MustUint(0))
	settings.EnableErrorInterrupts = dev.Key("error_interrupts").MustBool(false)
	settings.EnableTimeBase = dev.Key("time_base").MustBool(false)

	for _, section := range file.Sections() {
		if !strings.HasPrefix(section.Name(), "fifo.") {
			continue
		}
		desc, err := fifoDescriptor(section)
		if err != nil {
			return settings, fmt.Errorf("section [%s]: %w", section.Name(), err)
		}
		settings.FIFOs = append(settings.FIFOs, desc)
	}
	return settings, nil
}

func fifoDescriptor(section *ini.Section) (fifo.Descriptor, error) {
	var desc fifo.Descriptor

	desc.Index = uint8(section.Key("index").MustUint(0))
	desc.Depth = uint8(section.Key("depth").MustUint(1))
	desc.Priority = uint8(section.Key("priority").MustUint(0))

	switch direction := section.Key("direction").MustString(""); direction {
	case "transmit", "tx":
		desc.Direction = fifo.Transmit
	case "receive", "rx":
		desc.Direction = fifo.Receive
	default:
		return desc, fmt.Errorf("unknown direction %q", direction)
	}

	payload := section.Key("payload").MustInt(8)
	code, ok := payloadCodes[payload]
	if !ok {
		return desc, fmt.Errorf("payload size %d is not one of 8,12,16,20,24,32,48,64", payload)
	}
	desc.Payload = code
	return desc, nil
}

// word parses a register word, accepting hex with an 0x prefix.
func word(section *ini.Section, name string) (uint32, error) {
	raw := section.Key(name).MustString("0")
	value, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("key %s: %w", name, err)
	}
	return uint32(value), nil
}
