package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/virtnet/meshd/internal/wire"
)

// absoluteReadDeadlinePast is set as a socket's read deadline to abort a
// blocked ReadFromUDPAddrPort immediately, used when the caller's context
// is cancelled mid-read.
var absoluteReadDeadlinePast = time.Unix(0, 0)

// Sentinel errors for Transport operations. Decode failures (malformed,
// length mismatch, unsupported version) surface unwrapped from
// internal/wire.
var (
	// ErrTooLarge indicates a payload would push the datagram past
	// wire.MaxDatagramSize.
	ErrTooLarge = wire.ErrTooLarge

	// ErrIo wraps an OS-level socket failure on send or receive.
	ErrIo = errors.New("netio: socket i/o error")

	// ErrUnexpectedConnType indicates ListenPacket returned a connection
	// that is not a *net.UDPConn.
	ErrUnexpectedConnType = errors.New("netio: unexpected packet conn type")
)

// Datagram is one decoded inbound packet plus the endpoint it arrived from.
// Payload aliases the Transport's read buffer and is only valid until the
// next Recv call; callers that retain it must copy.
type Datagram struct {
	Header  wire.Header
	Payload []byte
	Src     netip.AddrPort
}

// Transport owns one non-blocking UDP socket bound to a caller-specified
// port (0 = ephemeral). Each Transport belongs to exactly one sender
// identity: Send advances a single sequence counter, monotonically
// increasing per sender.
type Transport struct {
	conn     *net.UDPConn
	senderID uint64
	seq      atomic.Uint32
	logger   *slog.Logger
	buf      []byte
}

// NewTransport binds a UDP socket at listenAddr (e.g. ":9993" or "" for an
// ephemeral port) and returns a Transport that frames outgoing packets as
// sent by senderID.
func NewTransport(ctx context.Context, listenAddr string, senderID uint64, logger *slog.Logger) (*Transport, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setReuseAddr(c)
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen udp4 %s: %w", listenAddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("netio: listen udp4 %s: %w: %w", listenAddr, ErrUnexpectedConnType, closeErr)
	}

	return &Transport{
		conn:     conn,
		senderID: senderID,
		logger:   logger.With(slog.String("component", "netio.transport"), slog.String("local", conn.LocalAddr().String())),
		buf:      make([]byte, wire.MaxDatagramSize),
	}, nil
}

// setReuseAddr sets SO_REUSEADDR, allowing a quick daemon restart to rebind
// the same overlay port without waiting out TIME_WAIT.
func setReuseAddr(c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
	}
	return nil
}

// LocalAddr returns the address and port the transport's socket is bound to.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send assembles a header and payload and transmits one datagram to dest,
// advancing the sender's sequence counter by one regardless of outcome.
// Fails with ErrTooLarge if payload exceeds wire.MaxPayloadSize, ErrIo on
// OS error.
func (t *Transport) Send(dest netip.AddrPort, typ wire.Type, destID uint64, payload []byte) error {
	seq := t.seq.Add(1)

	hdr := wire.Header{
		Version:  wire.Version,
		Type:     typ,
		SenderID: t.senderID,
		DestID:   destID,
		Sequence: seq,
	}

	scratch := wire.GetBuffer()
	defer wire.PutBuffer(scratch)

	n, err := wire.Encode(*scratch, hdr, payload)
	if err != nil {
		return err
	}

	if _, err := t.conn.WriteToUDPAddrPort((*scratch)[:n], dest); err != nil {
		return fmt.Errorf("netio: send %s to %s: %w: %w", typ, dest, err, ErrIo)
	}

	return nil
}

// Recv blocks until one datagram has been read and decoded, or ctx is
// cancelled. Cancellation unblocks the socket read immediately rather than
// waiting indefinitely for a peer that never sends.
//
// Decode failures (malformed header, length mismatch, unsupported version)
// are returned as-is; the caller drops the offending datagram and continues.
// A decode failure does not close the transport.
func (t *Transport) Recv(ctx context.Context) (Datagram, error) {
	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return Datagram{}, fmt.Errorf("netio: recv: reset deadline: %w: %w", err, ErrIo)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.conn.SetReadDeadline(absoluteReadDeadlinePast)
		case <-done:
		}
	}()

	n, srcAddr, err := t.conn.ReadFromUDPAddrPort(t.buf)
	if err != nil {
		if ctx.Err() != nil {
			return Datagram{}, ctx.Err()
		}
		return Datagram{}, fmt.Errorf("netio: recv: %w: %w", err, ErrIo)
	}

	hdr, payload, err := wire.Decode(t.buf[:n])
	if err != nil {
		return Datagram{}, err
	}

	return Datagram{Header: hdr, Payload: payload, Src: srcAddr}, nil
}

// Close closes the underlying UDP socket.
func (t *Transport) Close() error {
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("netio: close: %w", err)
	}
	return nil
}
