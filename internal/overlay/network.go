package overlay

import (
	"encoding/hex"
	"fmt"

	"github.com/virtnet/meshd/internal/wire"
)

// NetworkID is the 16-byte identifier a client presents in JOIN_REQUEST and
// a controller compares against its own configured network.
type NetworkID [wire.NetworkIDSize]byte

// DecodeNetworkID parses a hex-encoded network id, as stored in
// config.OverlayConfig.NetworkID.
func DecodeNetworkID(s string) (NetworkID, error) {
	var id NetworkID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode network id %q: %w", s, err)
	}
	if len(raw) != wire.NetworkIDSize {
		return id, fmt.Errorf("network id %q is %d bytes: %w", s, len(raw), ErrInvalidNetworkID)
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the hex encoding of id.
func (id NetworkID) String() string {
	return hex.EncodeToString(id[:])
}
