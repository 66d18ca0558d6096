package serialbridge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

// loopPort records written frames and serves queued response bytes.
type loopPort struct {
	written  bytes.Buffer
	response bytes.Buffer
}

func (p *loopPort) Write(data []byte) (int, error) { return p.written.Write(data) }
func (p *loopPort) Read(data []byte) (int, error)  { return p.response.Read(data) }
func (p *loopPort) Close() error                   { return nil }

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0x30, 0x00, 0x00, 0x00}
	frame := EncodeFrame(payload)

	assert.EqualValues(t, preamble, frame[0])
	assert.EqualValues(t, len(payload), frame[1])

	decoded, err := DecodeFrame(bytes.NewReader(frame))
	assert.Nil(t, err)
	assert.Equal(t, payload, decoded)
}

func TestFrameEmptyPayload(t *testing.T) {
	decoded, err := DecodeFrame(bytes.NewReader(EncodeFrame(nil)))
	assert.Nil(t, err)
	assert.Empty(t, decoded)
}

func TestDecodeRejectsBadPreamble(t *testing.T) {
	frame := EncodeFrame([]byte{1, 2, 3})
	frame[0] = 0x55
	_, err := DecodeFrame(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "preamble")
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	frame := EncodeFrame([]byte{1, 2, 3})
	frame[3] ^= 0x40
	_, err := DecodeFrame(bytes.NewReader(frame))
	assert.ErrorContains(t, err, "checksum")
}

func TestDecodeShortRead(t *testing.T) {
	frame := EncodeFrame([]byte{1, 2, 3})
	_, err := DecodeFrame(bytes.NewReader(frame[:4]))
	assert.NotNil(t, err)
}

func TestExchange(t *testing.T) {
	port := &loopPort{}
	bridge := New(port)

	response := []byte{0x00, 0x00, 0xB4, 0x06, 0x00, 0x00}
	port.response.Write(EncodeFrame(response))

	tx := []byte{0x3E, 0x14, 0, 0, 0, 0}
	rx := make([]byte, len(tx))
	assert.Nil(t, bridge.Exchange(tx, rx))

	assert.Equal(t, EncodeFrame(tx), port.written.Bytes())
	assert.Equal(t, response, rx)
}

func TestExchangeLengthMismatch(t *testing.T) {
	port := &loopPort{}
	bridge := New(port)
	port.response.Write(EncodeFrame([]byte{1, 2}))

	rx := make([]byte, 6)
	err := bridge.Exchange(make([]byte, 6), rx)
	assert.ErrorContains(t, err, "expected 6")
}
