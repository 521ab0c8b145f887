package overlay

import "net/netip"

// TUNDevice is the contract internal/tunif.Device satisfies.
// Defining it here, rather than importing tunif directly, keeps overlay
// testable with an in-memory fake and avoids a hard dependency on a
// platform-specific package.
type TUNDevice interface {
	// Read blocks until one whole IP datagram is available and copies it
	// into buf, returning its length.
	Read(buf []byte) (int, error)

	// Write transmits one whole IP datagram.
	Write(buf []byte) (int, error)

	// Configure assigns addr/prefixLen to the device, brings it
	// administratively up, and installs a route for the containing subnet.
	Configure(addr netip.Addr, prefixLen int) error

	// Name returns the device's interface name.
	Name() string

	// Close releases the device.
	Close() error
}
