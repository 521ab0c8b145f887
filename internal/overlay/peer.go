// Package overlay implements the controller's and client's peer tables and
// event loops: membership admission, virtual-IP assignment, peer-table
// gossip, and TUN↔UDP forwarding.
package overlay

import (
	"net/netip"
	"time"
)

// PeerRecord represents one member of the overlay. It is value-typed:
// callers receive copies from PeerTable, never references into the table's
// internal storage, so cross-component communication stays exclusively by
// packet.
type PeerRecord struct {
	// ID is the 64-bit identifier supplied by the peer at join, unique
	// within the owning table.
	ID uint64

	// PublicEndpoint is the address+port most recently observed for this
	// peer's packets. Updated on every received packet from ID, which is
	// how endpoints learned through NAT are kept fresh.
	PublicEndpoint netip.AddrPort

	// VirtualIP is this peer's overlay address, unique within the owning
	// table and assigned once at join.
	VirtualIP netip.Addr

	// LastSeen is the monotonic time of the last packet received from ID.
	LastSeen time.Time

	// Reachable is true once a direct peer-to-peer packet has been
	// successfully received from this peer (set by PEER_HELLO at a
	// client; unused at the controller).
	Reachable bool
}
