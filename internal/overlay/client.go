package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/virtnet/meshd/internal/crypto"
	"github.com/virtnet/meshd/internal/meshmetrics"
	"github.com/virtnet/meshd/internal/netio"
	"github.com/virtnet/meshd/internal/wire"
)

// Client runs the join handshake and the TUN↔overlay bridging loop. Like
// Controller, it is single-writer: one goroutine owns the peer view and all
// mutable client state, fed by two reader goroutines (UDP, TUN).
type Client struct {
	id             uint64
	transport      *netio.Transport
	tun            TUNDevice
	controllerAddr netip.AddrPort
	networkID      NetworkID
	subnet         netip.Prefix

	keepaliveInterval time.Duration
	joinTimeout       time.Duration
	cryptoEnabled     bool

	metrics *meshmetrics.Collector
	logger  *slog.Logger

	view    *PeerTable
	myVIP   netip.Addr
	joined  bool
	helloed map[uint64]bool
}

// NewClient builds a Client identified by id, speaking to controllerAddr to
// join the overlay network named by networkID.
func NewClient(
	id uint64,
	transport *netio.Transport,
	tun TUNDevice,
	controllerAddr netip.AddrPort,
	networkID NetworkID,
	subnet netip.Prefix,
	keepaliveInterval, joinTimeout time.Duration,
	cryptoEnabled bool,
	metrics *meshmetrics.Collector,
	logger *slog.Logger,
) *Client {
	return &Client{
		id:                id,
		transport:         transport,
		tun:               tun,
		controllerAddr:    controllerAddr,
		networkID:         networkID,
		subnet:            subnet,
		keepaliveInterval: keepaliveInterval,
		joinTimeout:       joinTimeout,
		cryptoEnabled:     cryptoEnabled,
		metrics:           metrics,
		logger:            logger.With(slog.String("component", "overlay.client"), slog.Uint64("peer_id", id)),
		view:              NewPeerTable(),
		helloed:           make(map[uint64]bool),
	}
}

// VirtualIP returns the address assigned by the controller. Only valid
// after Run has completed its join handshake.
func (c *Client) VirtualIP() netip.Addr {
	return c.myVIP
}

// Peers returns a snapshot of this client's current view of the overlay,
// learned from controller gossip.
func (c *Client) Peers() []PeerRecord {
	return c.view.Snapshot()
}

// Run performs the join handshake, configures the TUN device, and then
// bridges traffic until ctx is cancelled. On return (for any reason past a
// successful join) it best-effort notifies the controller with BYE.
func (c *Client) Run(ctx context.Context) error {
	if err := c.join(ctx); err != nil {
		return err
	}
	defer c.sendBye()

	if err := c.tun.Configure(c.myVIP, c.subnet.Bits()); err != nil {
		return fmt.Errorf("overlay: configure tun device: %w", err)
	}
	c.logger.Info("joined overlay", slog.String("virtual_ip", c.myVIP.String()), slog.String("tun", c.tun.Name()))

	udpCh := make(chan netio.Datagram, 64)
	tunCh := make(chan []byte, 64)
	errCh := make(chan error, 2)

	go c.udpReadLoop(ctx, udpCh, errCh)
	go c.tunReadLoop(ctx, tunCh, errCh)

	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case dg := <-udpCh:
			c.handleDatagram(dg)
		case pkt := <-tunCh:
			c.handleOutbound(pkt)
		case <-ticker.C:
			c.send(c.controllerAddr, wire.TypeKeepalive, 0, nil)
		}
	}
}

// join sends JOIN_REQUEST and blocks until a JOIN_RESPONSE arrives or
// joinTimeout elapses.
func (c *Client) join(ctx context.Context) error {
	if err := c.send(c.controllerAddr, wire.TypeHello, 0, nil); err != nil {
		return err
	}
	if err := c.send(c.controllerAddr, wire.TypeJoinRequest, 0, c.networkID[:]); err != nil {
		return err
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.joinTimeout)
	defer cancel()

	for {
		dg, err := c.transport.Recv(joinCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrJoinTimeout
			}
			if isDecodeError(err) {
				continue
			}
			return err
		}
		if dg.Header.Type != wire.TypeJoinResponse {
			continue
		}

		vip, ok, err := wire.DecodeJoinResponse(dg.Payload)
		if err != nil {
			continue
		}
		if !ok {
			return ErrJoinDenied
		}

		c.myVIP = vip
		c.joined = true
		return nil
	}
}

// udpReadLoop is the client's sole transport reader.
func (c *Client) udpReadLoop(ctx context.Context, recvCh chan<- netio.Datagram, errCh chan<- error) {
	for {
		dg, err := c.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isDecodeError(err) {
				c.logger.Warn("dropping malformed datagram", slog.Any("error", err))
				continue
			}
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		// dg.Payload aliases the transport's read buffer; the next Recv
		// overwrites it, so it must be copied before crossing goroutines.
		dg.Payload = append([]byte(nil), dg.Payload...)

		select {
		case recvCh <- dg:
		case <-ctx.Done():
			return
		}
	}
}

// tunReadLoop is the client's sole TUN reader. Each read is copied before
// being handed off, since the device reuses its scratch buffer.
func (c *Client) tunReadLoop(ctx context.Context, pktCh chan<- []byte, errCh chan<- error) {
	buf := make([]byte, wire.MaxPayloadSize)
	for {
		n, err := c.tun.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case errCh <- fmt.Errorf("overlay: tun read: %w", err):
			case <-ctx.Done():
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case pktCh <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// handleDatagram dispatches one received overlay packet.
func (c *Client) handleDatagram(dg netio.Datagram) {
	c.metrics.IncPacketsReceived(dg.Header.Type.String())
	c.view.Touch(dg.Header.SenderID, dg.Src, time.Now())

	switch dg.Header.Type {
	case wire.TypePeerInfo:
		c.handlePeerInfo(dg)
	case wire.TypePeerHello:
		c.handlePeerHello(dg)
	case wire.TypeData:
		c.handleInboundData(dg)
	case wire.TypeKeepalive:
		// Echoed so the controller's view of this client stays fresh even
		// when no data flows. The controller never echoes back, so this
		// cannot loop.
		c.send(dg.Src, wire.TypeKeepalive, dg.Header.SenderID, nil)
	case wire.TypeHelloAck, wire.TypeListDone:
		// No action required beyond the Touch above.
	default:
		c.metrics.IncPacketsDropped(dg.Header.Type.String(), "unexpected_type")
	}
}

// handlePeerInfo learns (or refreshes) a peer's overlay address and public
// endpoint, then attempts a hole-punch by sending it a PEER_HELLO.
func (c *Client) handlePeerInfo(dg netio.Datagram) {
	pi, err := wire.DecodePeerInfo(dg.Payload)
	if err != nil {
		c.metrics.IncPacketsDropped(dg.Header.Type.String(), "malformed")
		return
	}
	if pi.PeerID == c.id {
		return
	}

	_, known := c.view.Lookup(pi.PeerID)
	c.view.Upsert(PeerRecord{
		ID:             pi.PeerID,
		PublicEndpoint: pi.PublicAddrPort(),
		VirtualIP:      pi.VirtualAddr(),
		LastSeen:       time.Now(),
	})

	// First sight of this peer: prime its NAT mapping and probe
	// reachability. Re-announcements only refresh the endpoint.
	if !known {
		c.send(pi.PublicAddrPort(), wire.TypePeerHello, pi.PeerID, nil)
	}
}

// handlePeerHello completes the NAT hole-punch handshake: mark the sender
// directly reachable, and reply once if this is the first PEER_HELLO seen
// from it.
func (c *Client) handlePeerHello(dg netio.Datagram) {
	c.view.MarkReachable(dg.Header.SenderID)
	if !c.helloed[dg.Header.SenderID] {
		c.helloed[dg.Header.SenderID] = true
		c.send(dg.Src, wire.TypePeerHello, dg.Header.SenderID, nil)
	}
}

// handleInboundData decrypts (if enabled) and writes a received DATA
// payload to the TUN device.
func (c *Client) handleInboundData(dg netio.Datagram) {
	payload := dg.Payload
	if c.cryptoEnabled {
		key := crypto.DeriveSessionKey(c.id, dg.Header.SenderID)
		plaintext, err := crypto.Open(key, payload)
		if err != nil {
			c.metrics.IncPacketsDropped(dg.Header.Type.String(), "auth_error")
			c.logger.Warn("dropping undecryptable data packet", slog.Uint64("from", dg.Header.SenderID))
			return
		}
		payload = plaintext
	}

	if _, err := c.tun.Write(payload); err != nil {
		c.logger.Warn("tun write failed", slog.Any("error", err))
	}
}

// handleOutbound routes one IP datagram read from the TUN device: direct to
// the destination peer if its endpoint is known and reachable, otherwise
// relayed through the controller, and dropped if the destination is not a
// known overlay member.
func (c *Client) handleOutbound(pkt []byte) {
	if !c.joined {
		c.logger.Debug("dropping outbound datagram", slog.Any("error", ErrNotJoined))
		return
	}

	dest, ok := parseIPv4Dest(pkt)
	if !ok {
		return
	}

	peer, ok := c.view.LookupByVirtualIP(dest)
	if !ok {
		// Not an error: ARP-like traffic, or a peer the controller has
		// not announced yet.
		c.metrics.IncPacketsDropped(wire.TypeData.String(), "unknown_peer")
		c.logger.Debug("dropping outbound datagram", slog.String("dest", dest.String()), slog.Any("error", ErrUnknownPeer))
		return
	}

	payload := pkt
	if c.cryptoEnabled {
		key := crypto.DeriveSessionKey(c.id, peer.ID)
		sealed, err := crypto.Seal(key, pkt)
		if err != nil {
			c.logger.Warn("seal failed", slog.Any("error", err))
			return
		}
		payload = sealed
	}

	if peer.Reachable {
		c.send(peer.PublicEndpoint, wire.TypeData, peer.ID, payload)
		return
	}
	c.send(c.controllerAddr, wire.TypeData, peer.ID, payload)
}

// parseIPv4Dest extracts the destination address from an IPv4 header.
func parseIPv4Dest(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(pkt[16:20])), true
}

// sendBye notifies the controller of a clean departure. Best-effort: errors
// are logged, not returned, since the caller is already shutting down.
func (c *Client) sendBye() {
	if !c.joined {
		return
	}
	if err := c.send(c.controllerAddr, wire.TypeBye, 0, nil); err != nil {
		c.logger.Warn("failed to send bye", slog.Any("error", err))
	}
}

func (c *Client) send(dest netip.AddrPort, typ wire.Type, destID uint64, payload []byte) error {
	if err := c.transport.Send(dest, typ, destID, payload); err != nil {
		c.metrics.IncPacketsDropped(typ.String(), "send_error")
		return fmt.Errorf("overlay: send %s: %w", typ, err)
	}
	c.metrics.IncPacketsSent(typ.String())
	return nil
}
