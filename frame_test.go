package mcp25xxfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustStandardID(t *testing.T, value uint32) ID {
	t.Helper()
	id, err := NewStandardID(value)
	assert.Nil(t, err)
	return id
}

func mustExtendedID(t *testing.T, value uint32) ID {
	t.Helper()
	id, err := NewExtendedID(value)
	assert.Nil(t, err)
	return id
}

func TestIDRangeChecked(t *testing.T) {
	_, err := NewStandardID(0x800)
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	_, err = NewExtendedID(0x20000000)
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	id := mustExtendedID(t, 0x1FFFFFFF)
	assert.True(t, id.Extended())
	assert.EqualValues(t, 0x1FFFFFFF, id.Value())
}

func TestDLCTable(t *testing.T) {
	fdLengths := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}
	for dlc, want := range fdLengths {
		got, err := LengthForDLC(uint8(dlc), true)
		assert.Nil(t, err)
		assert.Equal(t, want, got, "fd dlc %d", dlc)

		back, err := DLCForLength(want, true)
		assert.Nil(t, err)
		assert.EqualValues(t, dlc, back)
	}

	// Classic frames never carry more than 8 bytes, whatever the code says.
	for dlc := 9; dlc <= 15; dlc++ {
		got, err := LengthForDLC(uint8(dlc), false)
		assert.Nil(t, err)
		assert.Equal(t, 8, got)
	}

	_, err := LengthForDLC(16, true)
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	_, err = DLCForLength(13, true)
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	_, err = DLCForLength(12, false)
	assert.True(t, errors.Is(err, ErrInvalidFrame))
}

func roundTrip(t *testing.T, frame Frame) {
	t.Helper()
	buf := make([]byte, HeaderSize+MaxPayload)
	n, err := frame.Marshal(buf)
	assert.Nil(t, err)

	var decoded Frame
	assert.Nil(t, decoded.Unmarshal(buf[:n]))
	assert.Equal(t, frame, decoded)
}

func TestRoundTripEveryShape(t *testing.T) {
	ids := []ID{
		mustStandardID(t, 0x000),
		mustStandardID(t, 0x7FF),
		mustExtendedID(t, 0x00000),
		mustExtendedID(t, 0x15ABCDE),
		mustExtendedID(t, 0x1FFFFFFF),
	}
	fdLengths := []int{0, 1, 7, 8, 12, 16, 20, 24, 32, 48, 64}

	for _, id := range ids {
		for length := 0; length <= 8; length++ {
			frame, err := NewFrame(id, pattern(length))
			assert.Nil(t, err)
			roundTrip(t, frame)
		}
		for _, length := range fdLengths {
			for _, brs := range []bool{false, true} {
				frame, err := NewFrameFD(id, pattern(length), brs)
				assert.Nil(t, err)
				roundTrip(t, frame)
			}
		}
		for dlc := uint8(0); dlc <= 8; dlc++ {
			frame, err := NewRemoteFrame(id, dlc)
			assert.Nil(t, err)
			roundTrip(t, frame)
		}
	}
}

func pattern(length int) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(0xA0 + i)
	}
	return data
}

func TestExtendedIDSplitLayout(t *testing.T) {
	// The chip stores the upper 11 bits and lower 18 bits in separate
	// header fields, not one 29 bit run.
	id := mustExtendedID(t, 0x15555555)
	frame, err := NewFrame(id, nil)
	assert.Nil(t, err)

	buf := make([]byte, HeaderSize)
	_, err = frame.Marshal(buf)
	assert.Nil(t, err)

	word0 := binary.LittleEndian.Uint32(buf[0:4])
	assert.EqualValues(t, 0x15555555>>18, word0&0x7FF)
	assert.EqualValues(t, 0x15555555&0x3FFFF, word0>>11&0x3FFFF)
}

func TestUnmarshalRejectsWrongPayloadLength(t *testing.T) {
	frame, err := NewFrameFD(mustStandardID(t, 0x123), pattern(16), false)
	assert.Nil(t, err)

	buf := make([]byte, HeaderSize+MaxPayload)
	n, err := frame.Marshal(buf)
	assert.Nil(t, err)

	var decoded Frame
	for _, length := range []int{n - 1, n + 1, HeaderSize, n + 4} {
		err := decoded.Unmarshal(buf[:length])
		assert.True(t, errors.Is(err, ErrInvalidFrame), "length %d", length)
	}
}

func TestUnmarshalRejectsSID11(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], 1<<29) // SID11 set
	var decoded Frame
	err := decoded.Unmarshal(buf)
	assert.True(t, errors.Is(err, ErrInvalidFrame))
}

func TestUnmarshalRejectsFDRemote(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[4:8], 1<<7|1<<5) // FDF and RTR
	var decoded Frame
	err := decoded.Unmarshal(buf)
	assert.True(t, errors.Is(err, ErrInvalidFrame))
}

func TestRemoteFrameDLCLimited(t *testing.T) {
	_, err := NewRemoteFrame(mustStandardID(t, 0x100), 9)
	assert.True(t, errors.Is(err, ErrInvalidFrame))
}

func TestFrameString(t *testing.T) {
	frame, err := NewFrame(mustStandardID(t, 0x1AB), []byte{0xDE, 0xAD})
	assert.Nil(t, err)
	assert.Equal(t, fmt.Sprintf("CAN id=1AB ext=false dlc=2 data=DEAD"), frame.String())
}

func TestUnmarshalHeaderIgnoresPayload(t *testing.T) {
	frame, err := NewFrameFD(mustExtendedID(t, 0xABCDE), pattern(32), true)
	assert.Nil(t, err)

	buf := make([]byte, HeaderSize+MaxPayload)
	_, err = frame.Marshal(buf)
	assert.Nil(t, err)

	var header Frame
	assert.Nil(t, header.UnmarshalHeader(buf[:HeaderSize]))
	assert.Equal(t, frame.ID(), header.ID())
	assert.Equal(t, frame.DLC(), header.DLC())
	assert.True(t, header.IsFD())
	assert.Empty(t, header.Data())
}