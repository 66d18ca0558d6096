// Package crc implements the 16 bit checksum used by the controller's
// CRC protected SPI commands: polynomial 0x8005, seed 0xFFFF, no reflection.
package crc

type CRC16 uint16

const polynomial = 0x8005

// Seed is the initial value for every protected transfer.
const Seed CRC16 = 0xFFFF

var table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		c := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if c&0x8000 != 0 {
				c = c<<1 ^ polynomial
			} else {
				c <<= 1
			}
		}
		table[i] = c
	}
}

// Single updates the checksum with one byte.
func (crc *CRC16) Single(b byte) {
	*crc = CRC16(uint16(*crc)<<8 ^ table[byte(uint16(*crc)>>8)^b])
}

// Block updates the checksum with a slice of bytes.
func (crc *CRC16) Block(data []byte) {
	for _, b := range data {
		crc.Single(b)
	}
}

// Checksum returns the checksum of data starting from Seed.
func Checksum(data []byte) CRC16 {
	c := Seed
	c.Block(data)
	return c
}
