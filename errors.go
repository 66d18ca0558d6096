package mcp25xxfd

import "errors"

var (
	ErrBus                   = errors.New("transport exchange failed")
	ErrIntegrity             = errors.New("crc mismatch on protected transfer")
	ErrInvalidFieldValue     = errors.New("value does not fit in bitfield")
	ErrInvalidFrame          = errors.New("frame cannot be encoded or decoded")
	ErrFifoFull              = errors.New("fifo is full")
	ErrFifoNotTransmit       = errors.New("fifo is not configured for transmission")
	ErrFifoNotReceive        = errors.New("fifo is not configured for reception")
	ErrPayloadTooLarge       = errors.New("payload exceeds configured fifo payload size")
	ErrInvalidMode           = errors.New("operation not allowed in current operating mode")
	ErrInvalidModeTransition = errors.New("requested operating mode was not reached")
	ErrUnsupported           = errors.New("operation not supported by this driver")
	ErrNotReady              = errors.New("hardware did not become ready in time")
	ErrRAMAddress            = errors.New("address outside message ram window")
	ErrRAMLength             = errors.New("message ram access length must be a multiple of 4")
)
