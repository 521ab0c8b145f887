package overlay

import "errors"

// Sentinel errors for the peer table and its admission logic.
var (
	// ErrDuplicateID is returned by PeerTable.Insert when a peer with the
	// given id is already present.
	ErrDuplicateID = errors.New("overlay: peer id already present")

	// ErrDuplicateVirtualIP is returned by PeerTable.Insert when the given
	// virtual IP is already assigned to another peer.
	ErrDuplicateVirtualIP = errors.New("overlay: virtual ip already present")

	// ErrAddressSpaceExhausted is returned by PeerTable.AllocateVirtualIP
	// when every host address in the overlay subnet is already assigned.
	ErrAddressSpaceExhausted = errors.New("overlay: no free virtual ip in subnet")

	// ErrMaxPeersReached is logged by the controller when it denies a
	// JOIN_REQUEST that would push the table past its configured peer
	// capacity.
	ErrMaxPeersReached = errors.New("overlay: controller has reached its peer capacity")
)

// Sentinel errors for the client join handshake and runtime dispatch.
var (
	// ErrNotJoined indicates an operation that requires a completed join
	// handshake was attempted before one occurred.
	ErrNotJoined = errors.New("overlay: client has not completed the join handshake")

	// ErrJoinDenied indicates the controller refused a JOIN_REQUEST
	// (network id mismatch, capacity, or address space exhaustion).
	ErrJoinDenied = errors.New("overlay: controller denied join request")

	// ErrJoinTimeout indicates no JOIN_RESPONSE arrived within the
	// configured join timeout.
	ErrJoinTimeout = errors.New("overlay: timed out waiting for join response")

	// ErrUnknownPeer indicates a DATA packet named a destination id absent
	// from the sender's view of the overlay.
	ErrUnknownPeer = errors.New("overlay: no peer matches destination id")

	// ErrInvalidNetworkID indicates a configured or received network
	// identifier did not decode to wire.NetworkIDSize bytes.
	ErrInvalidNetworkID = errors.New("overlay: network id must be 16 bytes")
)
