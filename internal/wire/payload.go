package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// PeerInfo is the 18-byte PEER_INFO record: peer id, overlay address, and
// observed public endpoint, every multi-byte field big-endian so the record
// is portable across hosts. A raw sockaddr layout is deliberately not used.
type PeerInfo struct {
	PeerID     uint64
	VirtualIP  [4]byte
	PublicIP   [4]byte
	PublicPort uint16
}

// EncodePeerInfo serializes a PeerInfo into its 18-byte wire form.
func EncodePeerInfo(pi PeerInfo) []byte {
	buf := make([]byte, PeerInfoSize)
	binary.BigEndian.PutUint64(buf[0:8], pi.PeerID)
	copy(buf[8:12], pi.VirtualIP[:])
	copy(buf[12:16], pi.PublicIP[:])
	binary.BigEndian.PutUint16(buf[16:18], pi.PublicPort)
	return buf
}

// DecodePeerInfo parses an 18-byte PEER_INFO payload.
func DecodePeerInfo(buf []byte) (PeerInfo, error) {
	if len(buf) != PeerInfoSize {
		return PeerInfo{}, fmt.Errorf("peer info payload length %d, want %d: %w", len(buf), PeerInfoSize, ErrMalformed)
	}
	var pi PeerInfo
	pi.PeerID = binary.BigEndian.Uint64(buf[0:8])
	copy(pi.VirtualIP[:], buf[8:12])
	copy(pi.PublicIP[:], buf[12:16])
	pi.PublicPort = binary.BigEndian.Uint16(buf[16:18])
	return pi, nil
}

// VirtualAddr returns the PeerInfo's virtual IP as a netip.Addr.
func (pi PeerInfo) VirtualAddr() netip.Addr {
	return netip.AddrFrom4(pi.VirtualIP)
}

// PublicAddrPort returns the PeerInfo's public endpoint.
func (pi PeerInfo) PublicAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(pi.PublicIP), pi.PublicPort)
}

// NewPeerInfo builds a PeerInfo from a peer id, its overlay address, and
// its observed public endpoint.
func NewPeerInfo(id uint64, virtualIP netip.Addr, public netip.AddrPort) PeerInfo {
	pubAddr := public.Addr()
	return PeerInfo{
		PeerID:     id,
		VirtualIP:  virtualIP.As4(),
		PublicIP:   pubAddr.As4(),
		PublicPort: public.Port(),
	}
}

// EncodeJoinResponse serializes an accepted JOIN_RESPONSE payload: the
// 4-byte assigned virtual IP, network byte order.
func EncodeJoinResponse(vip netip.Addr) []byte {
	b := vip.As4()
	return b[:]
}

// DecodeJoinResponse parses a JOIN_RESPONSE payload. An empty payload
// means denial; ok is false in that case.
func DecodeJoinResponse(buf []byte) (vip netip.Addr, ok bool, err error) {
	if len(buf) == 0 {
		return netip.Addr{}, false, nil
	}
	if len(buf) != 4 {
		return netip.Addr{}, false, fmt.Errorf("join response payload length %d, want 0 or 4: %w", len(buf), ErrMalformed)
	}
	var b [4]byte
	copy(b[:], buf)
	return netip.AddrFrom4(b), true, nil
}
