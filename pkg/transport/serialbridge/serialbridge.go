// Package serialbridge implements the transport over a serial attached
// SPI bridge. The bridge MCU owns the chip select line: every framed
// request it receives is clocked out as one SPI transaction and the
// bytes read back are framed into the response.
//
// Wire format, both directions:
//
//	0xAA | length | payload... | checksum
//
// where checksum is the XOR of the length and payload bytes.
package serialbridge

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

const preamble = 0xAA

// Config selects the serial port the bridge hangs off.
type Config struct {
	Port string
	Baud int
	// ReadTimeout guards against a wedged bridge.
	ReadTimeout time.Duration
}

// Bridge is a Transport over a byte stream.
type Bridge struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
}

// Open connects to the bridge on a serial port.
func Open(config Config) (*Bridge, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        config.Port,
		Baud:        config.Baud,
		ReadTimeout: config.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", config.Port, err)
	}
	return New(port), nil
}

// New wraps an already open byte stream, which is what tests do.
func New(port io.ReadWriteCloser) *Bridge {
	return &Bridge{port: port, reader: bufio.NewReader(port)}
}

func (b *Bridge) Close() error {
	return b.port.Close()
}

// Exchange sends tx as one framed request and fills rx from the framed
// response. The bridge always answers with as many bytes as it clocked
// out, anything else is a protocol violation.
func (b *Bridge) Exchange(tx []byte, rx []byte) error {
	if _, err := b.port.Write(EncodeFrame(tx)); err != nil {
		return fmt.Errorf("writing to bridge: %w", err)
	}

	payload, err := DecodeFrame(b.reader)
	if err != nil {
		return err
	}
	if len(payload) != len(rx) {
		return fmt.Errorf("bridge answered %d bytes, expected %d", len(payload), len(rx))
	}
	copy(rx, payload)
	return nil
}

// EncodeFrame wraps payload in the bridge framing.
func EncodeFrame(payload []byte) []byte {
	if len(payload) > 0xFF {
		panic(fmt.Sprintf("serialbridge: %d byte payload exceeds frame limit", len(payload)))
	}
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, preamble, byte(len(payload)))
	frame = append(frame, payload...)
	return append(frame, checksum(frame[1:]))
}

// DecodeFrame reads one frame from r and returns its payload.
func DecodeFrame(r io.Reader) ([]byte, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	if head[0] != preamble {
		return nil, fmt.Errorf("bad preamble 0x%02X", head[0])
	}

	payload := make([]byte, head[1])
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading %d byte payload: %w", head[1], err)
	}

	var sum [1]byte
	if _, err := io.ReadFull(r, sum[:]); err != nil {
		return nil, fmt.Errorf("reading checksum: %w", err)
	}
	want := checksum(append([]byte{head[1]}, payload...))
	if sum[0] != want {
		return nil, fmt.Errorf("frame checksum 0x%02X, expected 0x%02X", sum[0], want)
	}
	return payload, nil
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}
