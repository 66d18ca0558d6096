package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samsamfire/gomcp25xxfd/pkg/fifo"
)

func TestLoadFullSettings(t *testing.T) {
	settings, err := Load("testdata/device.ini")
	assert.Nil(t, err)

	assert.True(t, settings.EnablePLL)
	assert.False(t, settings.DivideClock)
	assert.EqualValues(t, 0x003E0F0F, settings.NominalBitTiming)
	assert.EqualValues(t, 0x000E0303, settings.DataBitTiming)
	assert.EqualValues(t, 0x00023200, settings.DelayCompensation)
	assert.EqualValues(t, 4, settings.TxEventDepth)
	assert.True(t, settings.EnableErrorInterrupts)
	assert.False(t, settings.EnableTimeBase)

	assert.Len(t, settings.FIFOs, 2)
	assert.Equal(t, fifo.Descriptor{
		Index: 1, Direction: fifo.Transmit, Payload: fifo.Payload64, Depth: 4, Priority: 7,
	}, settings.FIFOs[0])
	assert.Equal(t, fifo.Descriptor{
		Index: 2, Direction: fifo.Receive, Payload: fifo.Payload64, Depth: 8,
	}, settings.FIFOs[1])
}

func TestParseDefaults(t *testing.T) {
	settings, err := Parse([]byte(""))
	assert.Nil(t, err)
	assert.False(t, settings.EnablePLL)
	assert.Zero(t, settings.NominalBitTiming)
	assert.Empty(t, settings.FIFOs)
}

func TestParseRejectsBadDirection(t *testing.T) {
	_, err := Parse([]byte("[fifo.bad]\nindex = 1\ndirection = sideways\n"))
	assert.NotNil(t, err)
}

func TestParseRejectsBadPayload(t *testing.T) {
	_, err := Parse([]byte("[fifo.bad]\nindex = 1\ndirection = rx\npayload = 13\n"))
	assert.NotNil(t, err)
}

func TestParseHexWords(t *testing.T) {
	settings, err := Parse([]byte("[bit_timing]\nnominal = 0x1F\ndata = 255\n"))
	assert.Nil(t, err)
	assert.EqualValues(t, 0x1F, settings.NominalBitTiming)
	assert.EqualValues(t, 255, settings.DataBitTiming)
}
