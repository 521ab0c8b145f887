package overlay

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/virtnet/meshd/internal/meshmetrics"
	"github.com/virtnet/meshd/internal/netio"
	"github.com/virtnet/meshd/internal/wire"
)

// inactiveGracePeriod is how long a peer stays in the table after crossing
// PeerTimeout before it is actually evicted, giving one extra maintenance
// tick's worth of slack to a peer whose keepalive was merely delayed.
const inactiveGracePeriod = 10 * time.Second

// maintenanceTick is how often the controller sweeps the table for timed
// out peers. Its own keepalives run on the separate keepalive interval.
const maintenanceTick = 10 * time.Second

// ControllerOption configures optional Controller behavior.
type ControllerOption func(*Controller)

// WithGracePeriod overrides the default grace period applied after a peer
// crosses PeerTimeout and before it is evicted.
func WithGracePeriod(d time.Duration) ControllerOption {
	return func(c *Controller) { c.gracePeriod = d }
}

// WithMaintenanceInterval overrides the default 10s timeout-sweep tick.
func WithMaintenanceInterval(d time.Duration) ControllerOption {
	return func(c *Controller) { c.maintInterval = d }
}

// Controller runs the admission, gossip, and membership-maintenance loop of
// the overlay. It owns a PeerTable and a netio.Transport and is the only
// goroutine that mutates controller-local state; everything it learns about
// peers arrives as a packet.
type Controller struct {
	transport         *netio.Transport
	table             *PeerTable
	networkID         NetworkID
	subnet            netip.Prefix
	enableRelay       bool
	maxPeers          int
	keepaliveInterval time.Duration
	peerTimeout       time.Duration
	gracePeriod       time.Duration
	maintInterval     time.Duration
	metrics           *meshmetrics.Collector
	logger            *slog.Logger

	inactiveSince map[uint64]time.Time
}

// NewController builds a Controller. networkID is the overlay network this
// controller admits clients into; subnet is the overlay's virtual address
// space.
func NewController(
	transport *netio.Transport,
	networkID NetworkID,
	subnet netip.Prefix,
	enableRelay bool,
	maxPeers int,
	keepaliveInterval, peerTimeout time.Duration,
	metrics *meshmetrics.Collector,
	logger *slog.Logger,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		transport:         transport,
		table:             NewPeerTable(),
		networkID:         networkID,
		subnet:            subnet,
		enableRelay:       enableRelay,
		maxPeers:          maxPeers,
		keepaliveInterval: keepaliveInterval,
		peerTimeout:       peerTimeout,
		gracePeriod:       inactiveGracePeriod,
		maintInterval:     maintenanceTick,
		metrics:           metrics,
		logger:            logger.With(slog.String("component", "overlay.controller")),
		inactiveSince:     make(map[uint64]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table returns the controller's peer table, primarily for tests and
// introspection (e.g. an admin CLI's "list" command relayed via LIST_REQUEST
// does not need this directly; it is exported for in-process callers).
func (c *Controller) Table() *PeerTable {
	return c.table
}

// Run drives the controller until ctx is cancelled: one goroutine reads
// datagrams off the transport, the caller's goroutine dispatches them and
// drives periodic maintenance. Run blocks until ctx is cancelled or the
// transport's read loop fails unrecoverably.
func (c *Controller) Run(ctx context.Context) error {
	recvCh := make(chan netio.Datagram, 64)
	errCh := make(chan error, 1)

	go c.readLoop(ctx, recvCh, errCh)

	maintTicker := time.NewTicker(c.maintInterval)
	defer maintTicker.Stop()
	keepaliveTicker := time.NewTicker(c.keepaliveInterval)
	defer keepaliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case dg := <-recvCh:
			c.handleDatagram(dg)
		case now := <-maintTicker.C:
			c.evictTimedOut(now)
		case <-keepaliveTicker.C:
			c.sendKeepalives()
		}
	}
}

// readLoop is the controller's sole transport reader; it never touches the
// peer table, only forwards decoded datagrams to the dispatch loop.
func (c *Controller) readLoop(ctx context.Context, recvCh chan<- netio.Datagram, errCh chan<- error) {
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

// isDecodeError reports whether err originated in internal/wire's Decode,
// meaning the datagram itself (not the socket) is at fault.
func isDecodeError(err error) bool {
	return errors.Is(err, wire.ErrMalformed) ||
		errors.Is(err, wire.ErrLengthMismatch) ||
		errors.Is(err, wire.ErrUnsupportedVersion)
}

// handleDatagram refreshes the sender's last_seen/endpoint (if already a
// member) and dispatches by packet type.
func (c *Controller) handleDatagram(dg netio.Datagram) {
	c.metrics.IncPacketsReceived(dg.Header.Type.String())
	c.table.Touch(dg.Header.SenderID, dg.Src, time.Now())

	switch dg.Header.Type {
	case wire.TypeHello:
		c.handleHello(dg)
	case wire.TypeJoinRequest:
		c.handleJoinRequest(dg)
	case wire.TypeKeepalive:
		// last_seen already refreshed above; no reply required.
	case wire.TypeBye:
		c.handleBye(dg)
	case wire.TypeListRequest:
		c.handleListRequest(dg)
	case wire.TypeData:
		c.handleData(dg)
	default:
		c.metrics.IncPacketsDropped(dg.Header.Type.String(), "unexpected_type")
		c.logger.Debug("ignoring unexpected packet type at controller", slog.String("type", dg.Header.Type.String()))
	}
}

func (c *Controller) handleHello(dg netio.Datagram) {
	c.send(dg.Src, wire.TypeHelloAck, dg.Header.SenderID, nil)
}

// handleJoinRequest admits a new peer: validates the network id, allocates
// a virtual IP, inserts the peer, and gossips it to (and about) every
// existing peer.
func (c *Controller) handleJoinRequest(dg netio.Datagram) {
	if len(dg.Payload) != wire.NetworkIDSize || NetworkID(dg.Payload) != c.networkID {
		c.deny(dg)
		return
	}

	if c.table.Len() >= c.maxPeers {
		c.metrics.RecordJoinDenied(false)
		c.logger.Warn("join denied", slog.Uint64("peer_id", dg.Header.SenderID), slog.Any("error", ErrMaxPeersReached))
		c.deny(dg)
		return
	}

	existing := c.table.Snapshot()

	vip, err := c.table.AllocateVirtualIP(c.subnet)
	if err != nil {
		c.metrics.RecordJoinDenied(true)
		c.deny(dg)
		return
	}

	rec := PeerRecord{
		ID:             dg.Header.SenderID,
		PublicEndpoint: dg.Src,
		VirtualIP:      vip,
		LastSeen:       time.Now(),
	}
	if err := c.table.Insert(rec); err != nil {
		// The sender id is already a member (a repeated JOIN_REQUEST);
		// deny rather than silently overwrite.
		c.metrics.RecordJoinDenied(false)
		c.deny(dg)
		return
	}

	c.metrics.PeerJoined()
	c.metrics.RecordJoinAccepted()
	c.logger.Info("peer joined",
		slog.Uint64("peer_id", rec.ID),
		slog.String("virtual_ip", vip.String()),
		slog.String("public_endpoint", dg.Src.String()),
	)

	c.send(dg.Src, wire.TypeJoinResponse, rec.ID, wire.EncodeJoinResponse(vip))

	for _, peer := range existing {
		c.send(dg.Src, wire.TypePeerInfo, rec.ID, wire.EncodePeerInfo(wire.NewPeerInfo(peer.ID, peer.VirtualIP, peer.PublicEndpoint)))
		c.send(peer.PublicEndpoint, wire.TypePeerInfo, peer.ID, wire.EncodePeerInfo(wire.NewPeerInfo(rec.ID, rec.VirtualIP, rec.PublicEndpoint)))
	}
}

// deny sends an empty JOIN_RESPONSE, the wire encoding of denial.
func (c *Controller) deny(dg netio.Datagram) {
	c.send(dg.Src, wire.TypeJoinResponse, dg.Header.SenderID, nil)
}

func (c *Controller) handleBye(dg netio.Datagram) {
	if c.table.Remove(dg.Header.SenderID) {
		delete(c.inactiveSince, dg.Header.SenderID)
		c.metrics.PeerLeft()
		c.logger.Info("peer left", slog.Uint64("peer_id", dg.Header.SenderID))
	}
}

// handleListRequest streams one PEER_INFO per known peer followed by a
// terminal LIST_DONE.
func (c *Controller) handleListRequest(dg netio.Datagram) {
	for _, peer := range c.table.Snapshot() {
		c.send(dg.Src, wire.TypePeerInfo, dg.Header.SenderID, wire.EncodePeerInfo(wire.NewPeerInfo(peer.ID, peer.VirtualIP, peer.PublicEndpoint)))
	}
	c.send(dg.Src, wire.TypeListDone, dg.Header.SenderID, nil)
}

// handleData relays a DATA packet between two peers that have not yet
// established a direct path, when the controller is configured to do so.
// Silently dropped when the destination is unknown or relay is disabled.
func (c *Controller) handleData(dg netio.Datagram) {
	if !c.enableRelay {
		c.metrics.IncPacketsDropped(dg.Header.Type.String(), "relay_disabled")
		return
	}
	dest, ok := c.table.Lookup(dg.Header.DestID)
	if !ok {
		c.metrics.IncPacketsDropped(dg.Header.Type.String(), "unknown_peer")
		c.logger.Debug("relay drop", slog.Uint64("dest_id", dg.Header.DestID), slog.Any("error", ErrUnknownPeer))
		return
	}
	c.send(dest.PublicEndpoint, wire.TypeData, dg.Header.DestID, dg.Payload)
}

// sendKeepalives sends a KEEPALIVE to every peer's public endpoint, every
// KeepaliveInterval.
func (c *Controller) sendKeepalives() {
	for _, peer := range c.table.Snapshot() {
		c.send(peer.PublicEndpoint, wire.TypeKeepalive, peer.ID, nil)
	}
}

// evictTimedOut marks peers whose last_seen age exceeds PeerTimeout as
// inactive and evicts them after a further grace period.
func (c *Controller) evictTimedOut(now time.Time) {
	peers := c.table.Snapshot()

	for _, peer := range peers {
		age := now.Sub(peer.LastSeen)
		switch {
		case age <= c.peerTimeout:
			delete(c.inactiveSince, peer.ID)
		case age > c.peerTimeout:
			since, marked := c.inactiveSince[peer.ID]
			if !marked {
				c.inactiveSince[peer.ID] = now
				c.logger.Info("peer inactive", slog.Uint64("peer_id", peer.ID), slog.Duration("age", age))
				continue
			}
			if now.Sub(since) > c.gracePeriod {
				c.table.Remove(peer.ID)
				delete(c.inactiveSince, peer.ID)
				c.metrics.PeerLeft()
				c.logger.Info("peer timed out", slog.Uint64("peer_id", peer.ID), slog.Duration("age", age))
			}
		}
	}
}

func (c *Controller) send(dest netip.AddrPort, typ wire.Type, destID uint64, payload []byte) {
	if err := c.transport.Send(dest, typ, destID, payload); err != nil {
		c.metrics.IncPacketsDropped(typ.String(), "send_error")
		c.logger.Warn("send failed", slog.String("type", typ.String()), slog.String("dest", dest.String()), slog.Any("error", err))
		return
	}
	c.metrics.IncPacketsSent(typ.String())
}
