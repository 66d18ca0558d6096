package mcp25xxfd

// Transport is the physical link to the controller. One call is one chip-select
// cycle: tx is shifted out while rx is filled in, both slices have the same
// length. The driver assumes it is the only user of the device's chip select
// and never issues overlapping exchanges.
//
// Implementations are not required to be safe for concurrent use; the driver
// serializes all exchanges itself.
type Transport interface {
	Exchange(tx []byte, rx []byte) error
}
