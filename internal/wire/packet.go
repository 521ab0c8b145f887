// Package wire implements the meshd control/data packet codec: a fixed
// 24-byte header followed by a type-specific payload, carried verbatim
// inside one UDP datagram.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Type identifies the kind of packet carried after the header.
type Type uint8

// Packet types, see EXTERNAL INTERFACES.
const (
	TypeHello         Type = 0x01
	TypeHelloAck      Type = 0x02
	TypeData          Type = 0x03
	TypeKeepalive     Type = 0x04
	TypeBye           Type = 0x05
	TypeJoinRequest   Type = 0x06
	TypeJoinResponse  Type = 0x07
	TypePeerInfo      Type = 0x08
	TypeListRequest   Type = 0x09
	TypeListDone      Type = 0x0A
	TypePeerHello     Type = 0x0B
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeHelloAck:
		return "HELLO_ACK"
	case TypeData:
		return "DATA"
	case TypeKeepalive:
		return "KEEPALIVE"
	case TypeBye:
		return "BYE"
	case TypeJoinRequest:
		return "JOIN_REQUEST"
	case TypeJoinResponse:
		return "JOIN_RESPONSE"
	case TypePeerInfo:
		return "PEER_INFO"
	case TypeListRequest:
		return "LIST_REQUEST"
	case TypeListDone:
		return "LIST_DONE"
	case TypePeerHello:
		return "PEER_HELLO"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

const (
	// Version is the only header version this codec understands.
	Version uint8 = 1

	// HeaderSize is the fixed on-wire header length in bytes.
	HeaderSize = 24

	// MaxDatagramSize is the upper bound on header+payload per datagram,
	// kept well inside typical path MTU.
	MaxDatagramSize = 1400

	// MaxPayloadSize is MaxDatagramSize minus the header.
	MaxPayloadSize = MaxDatagramSize - HeaderSize

	// NetworkIDSize is the length of the JOIN_REQUEST network identifier.
	NetworkIDSize = 16

	// PeerInfoSize is the length of the compact PEER_INFO record.
	PeerInfoSize = 8 + 4 + 4 + 2
)

// Errors returned by the codec. Decode failures (the first three) are
// recovered locally by the caller: the offending datagram is dropped and
// the loop continues. ErrTooLarge is returned by Encode.
var (
	ErrMalformed          = errors.New("wire: packet shorter than header")
	ErrLengthMismatch     = errors.New("wire: declared length disagrees with payload")
	ErrUnsupportedVersion = errors.New("wire: unsupported header version")
	ErrTooLarge           = errors.New("wire: payload exceeds maximum datagram size")
)

// Header is the fixed 24-byte packet header.
type Header struct {
	Version  uint8
	Type     Type
	Length   uint16
	SenderID uint64
	DestID   uint64
	Sequence uint32
}

// bufPool recycles MaxDatagramSize buffers for call sites that need a
// scratch area (e.g. the transport's send path, which encodes into one).
var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}

// GetBuffer returns a pooled MaxDatagramSize-capacity buffer.
func GetBuffer() *[]byte {
	return bufPool.Get().(*[]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer.
func PutBuffer(buf *[]byte) {
	bufPool.Put(buf)
}

// Encode writes the header and payload into dst, returning the number of
// bytes written. dst must have capacity for HeaderSize+len(payload).
// Fails with ErrTooLarge if the resulting datagram would exceed
// MaxDatagramSize.
func Encode(dst []byte, hdr Header, payload []byte) (int, error) {
	total := HeaderSize + len(payload)
	if total > MaxDatagramSize {
		return 0, fmt.Errorf("encode %d-byte payload: %w", len(payload), ErrTooLarge)
	}
	if len(dst) < total {
		return 0, fmt.Errorf("encode: destination buffer too small (%d < %d)", len(dst), total)
	}

	dst[0] = hdr.Version
	dst[1] = uint8(hdr.Type)
	//nolint:gosec // length is bounds-checked above against MaxPayloadSize.
	binary.BigEndian.PutUint16(dst[2:4], uint16(len(payload)))
	binary.BigEndian.PutUint64(dst[4:12], hdr.SenderID)
	binary.BigEndian.PutUint64(dst[12:20], hdr.DestID)
	binary.BigEndian.PutUint32(dst[20:24], hdr.Sequence)
	copy(dst[HeaderSize:total], payload)

	return total, nil
}

// Decode parses a received datagram into a Header and a payload slice that
// aliases buf. The caller must copy the payload before reusing or returning
// buf to a pool.
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("decode %d-byte buffer: %w", len(buf), ErrMalformed)
	}

	hdr := decodeHeader(buf)

	if hdr.Version != Version {
		return Header{}, nil, fmt.Errorf("decode version %d: %w", hdr.Version, ErrUnsupportedVersion)
	}

	payload := buf[HeaderSize:]
	if int(hdr.Length) != len(payload) {
		return Header{}, nil, fmt.Errorf(
			"decode: header declares %d bytes, got %d: %w", hdr.Length, len(payload), ErrLengthMismatch,
		)
	}

	return hdr, payload, nil
}

// decodeHeader parses the fixed 24-byte header from buf without validating
// it; callers validate version/length separately so partial failures are
// still reportable with header context if ever needed.
func decodeHeader(buf []byte) Header {
	return Header{
		Version:  buf[0],
		Type:     Type(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SenderID: binary.BigEndian.Uint64(buf[4:12]),
		DestID:   binary.BigEndian.Uint64(buf[12:20]),
		Sequence: binary.BigEndian.Uint32(buf[20:24]),
	}
}
