package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumCheckValue(t *testing.T) {
	assert.EqualValues(t, 0xAEE7, Checksum([]byte("123456789")))
}

func TestSingleMatchesBlock(t *testing.T) {
	data := []byte{0x0B, 0x04, 0x04, 0x12, 0x34, 0x56, 0x78}
	single := Seed
	for _, b := range data {
		single.Single(b)
	}
	assert.Equal(t, Checksum(data), single)
}

func TestChecksumDetectsBitFlip(t *testing.T) {
	data := []byte{0x20, 0x00, 0xFF, 0x00, 0xFF, 0x00}
	want := Checksum(data)
	for i := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := make([]byte, len(data))
			copy(flipped, data)
			flipped[i] ^= 1 << bit
			assert.NotEqual(t, want, Checksum(flipped), "flip byte %d bit %d", i, bit)
		}
	}
}

func TestChecksumEmpty(t *testing.T) {
	assert.Equal(t, Seed, Checksum(nil))
}
