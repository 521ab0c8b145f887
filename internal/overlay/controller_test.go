package overlay_test

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/virtnet/meshd/internal/meshmetrics"
	"github.com/virtnet/meshd/internal/netio"
	"github.com/virtnet/meshd/internal/overlay"
	"github.com/virtnet/meshd/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTransport(t *testing.T, id uint64) *netio.Transport {
	t.Helper()
	tr, err := netio.NewTransport(context.Background(), "127.0.0.1:0", id, discardLogger())
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func testNetworkID() overlay.NetworkID {
	id, err := overlay.DecodeNetworkID("00112233445566778899aabbccddeeff")
	if err != nil {
		panic(err)
	}
	return id
}

func newTestController(t *testing.T, transport *netio.Transport) *overlay.Controller {
	t.Helper()
	subnet := netip.MustParsePrefix("10.0.0.0/24")
	return overlay.NewController(
		transport,
		testNetworkID(),
		subnet,
		true,  // enableRelay
		254,   // maxPeers
		30*time.Second,
		90*time.Second,
		meshmetrics.NewCollector(prometheus.NewRegistry()),
		discardLogger(),
	)
}

// recvWithTimeout issues Recv against a bounded context so a test never
// hangs if the controller fails to reply.
func recvWithTimeout(t *testing.T, tr *netio.Transport, d time.Duration) netio.Datagram {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	dg, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return dg
}

func TestControllerAdmitsJoinAndAssignsVIP(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	ctrl := newTestController(t, ctrlTransport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	clientTransport := newTestTransport(t, 1)
	netID := testNetworkID()

	if err := clientTransport.Send(ctrlTransport.LocalAddr(), wire.TypeJoinRequest, 0, netID[:]); err != nil {
		t.Fatalf("Send JOIN_REQUEST: %v", err)
	}

	dg := recvWithTimeout(t, clientTransport, 2*time.Second)
	if dg.Header.Type != wire.TypeJoinResponse {
		t.Fatalf("got type %v, want JOIN_RESPONSE", dg.Header.Type)
	}
	vip, ok, err := wire.DecodeJoinResponse(dg.Payload)
	if err != nil {
		t.Fatalf("DecodeJoinResponse: %v", err)
	}
	if !ok {
		t.Fatal("join was denied, want accepted")
	}
	if vip != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("got vip %s, want 10.0.0.2", vip)
	}

	if rec, ok := ctrl.Table().Lookup(1); !ok || rec.VirtualIP != vip {
		t.Fatalf("controller table missing admitted peer: %+v ok=%v", rec, ok)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestControllerDeniesWrongNetworkID(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	ctrl := newTestController(t, ctrlTransport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	clientTransport := newTestTransport(t, 1)
	wrongID := [16]byte{0xff}

	if err := clientTransport.Send(ctrlTransport.LocalAddr(), wire.TypeJoinRequest, 0, wrongID[:]); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dg := recvWithTimeout(t, clientTransport, 2*time.Second)
	_, ok, err := wire.DecodeJoinResponse(dg.Payload)
	if err != nil {
		t.Fatalf("DecodeJoinResponse: %v", err)
	}
	if ok {
		t.Fatal("expected denial for mismatched network id")
	}
}

func TestControllerGossipsPeerInfoToNewJoiner(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	ctrl := newTestController(t, ctrlTransport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	netID := testNetworkID()

	first := newTestTransport(t, 1)
	if err := first.Send(ctrlTransport.LocalAddr(), wire.TypeJoinRequest, 0, netID[:]); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recvWithTimeout(t, first, 2*time.Second) // JOIN_RESPONSE

	second := newTestTransport(t, 2)
	if err := second.Send(ctrlTransport.LocalAddr(), wire.TypeJoinRequest, 0, netID[:]); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recvWithTimeout(t, second, 2*time.Second) // JOIN_RESPONSE

	// second should now receive a PEER_INFO describing peer 1.
	dg := recvWithTimeout(t, second, 2*time.Second)
	if dg.Header.Type != wire.TypePeerInfo {
		t.Fatalf("got type %v, want PEER_INFO", dg.Header.Type)
	}
	pi, err := wire.DecodePeerInfo(dg.Payload)
	if err != nil {
		t.Fatalf("DecodePeerInfo: %v", err)
	}
	if pi.PeerID != 1 {
		t.Fatalf("got peer id %d, want 1", pi.PeerID)
	}

	// first should receive a PEER_INFO describing peer 2.
	dg = recvWithTimeout(t, first, 2*time.Second)
	if dg.Header.Type != wire.TypePeerInfo {
		t.Fatalf("got type %v, want PEER_INFO", dg.Header.Type)
	}
	pi, err = wire.DecodePeerInfo(dg.Payload)
	if err != nil {
		t.Fatalf("DecodePeerInfo: %v", err)
	}
	if pi.PeerID != 2 {
		t.Fatalf("got peer id %d, want 2", pi.PeerID)
	}
}

func TestControllerByeRemovesPeer(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	ctrl := newTestController(t, ctrlTransport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	netID := testNetworkID()
	clientTransport := newTestTransport(t, 1)
	if err := clientTransport.Send(ctrlTransport.LocalAddr(), wire.TypeJoinRequest, 0, netID[:]); err != nil {
		t.Fatalf("Send JOIN_REQUEST: %v", err)
	}
	recvWithTimeout(t, clientTransport, 2*time.Second)

	if _, ok := ctrl.Table().Lookup(1); !ok {
		t.Fatal("peer not admitted")
	}

	if err := clientTransport.Send(ctrlTransport.LocalAddr(), wire.TypeBye, 0, nil); err != nil {
		t.Fatalf("Send BYE: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ctrl.Table().Lookup(1); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("peer still present after BYE")
}

func TestControllerHelloAck(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	ctrl := newTestController(t, ctrlTransport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	clientTransport := newTestTransport(t, 1)
	if err := clientTransport.Send(ctrlTransport.LocalAddr(), wire.TypeHello, 0, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dg := recvWithTimeout(t, clientTransport, 2*time.Second)
	if dg.Header.Type != wire.TypeHelloAck {
		t.Fatalf("got type %v, want HELLO_ACK", dg.Header.Type)
	}
}

func TestControllerListRequest(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	ctrl := newTestController(t, ctrlTransport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	netID := testNetworkID()
	member := newTestTransport(t, 1)
	if err := member.Send(ctrlTransport.LocalAddr(), wire.TypeJoinRequest, 0, netID[:]); err != nil {
		t.Fatalf("Send JOIN_REQUEST: %v", err)
	}
	recvWithTimeout(t, member, 2*time.Second)

	requester := newTestTransport(t, 99)
	if err := requester.Send(ctrlTransport.LocalAddr(), wire.TypeListRequest, 0, nil); err != nil {
		t.Fatalf("Send LIST_REQUEST: %v", err)
	}

	dg := recvWithTimeout(t, requester, 2*time.Second)
	if dg.Header.Type != wire.TypePeerInfo {
		t.Fatalf("got type %v, want PEER_INFO", dg.Header.Type)
	}
	dg = recvWithTimeout(t, requester, 2*time.Second)
	if dg.Header.Type != wire.TypeListDone {
		t.Fatalf("got type %v, want LIST_DONE", dg.Header.Type)
	}
}

func TestControllerMaxPeersDenies(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	subnet := netip.MustParsePrefix("10.0.0.0/24")
	ctrl := overlay.NewController(
		ctrlTransport,
		testNetworkID(),
		subnet,
		true,
		1, // maxPeers
		30*time.Second,
		90*time.Second,
		meshmetrics.NewCollector(prometheus.NewRegistry()),
		discardLogger(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	netID := testNetworkID()

	first := newTestTransport(t, 1)
	if err := first.Send(ctrlTransport.LocalAddr(), wire.TypeJoinRequest, 0, netID[:]); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recvWithTimeout(t, first, 2*time.Second)

	second := newTestTransport(t, 2)
	if err := second.Send(ctrlTransport.LocalAddr(), wire.TypeJoinRequest, 0, netID[:]); err != nil {
		t.Fatalf("Send: %v", err)
	}
	dg := recvWithTimeout(t, second, 2*time.Second)
	_, ok, err := wire.DecodeJoinResponse(dg.Payload)
	if err != nil {
		t.Fatalf("DecodeJoinResponse: %v", err)
	}
	if ok {
		t.Fatal("expected denial once max_peers is reached")
	}
}

func TestControllerEvictsSilentPeer(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	subnet := netip.MustParsePrefix("10.0.0.0/24")
	ctrl := overlay.NewController(
		ctrlTransport,
		testNetworkID(),
		subnet,
		true,
		254,
		time.Hour, // keepalives quiet for the test's duration
		100*time.Millisecond,
		meshmetrics.NewCollector(prometheus.NewRegistry()),
		discardLogger(),
		overlay.WithGracePeriod(50*time.Millisecond),
		overlay.WithMaintenanceInterval(25*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	netID := testNetworkID()
	clientTransport := newTestTransport(t, 1)
	if err := clientTransport.Send(ctrlTransport.LocalAddr(), wire.TypeJoinRequest, 0, netID[:]); err != nil {
		t.Fatalf("Send JOIN_REQUEST: %v", err)
	}
	recvWithTimeout(t, clientTransport, 2*time.Second)

	if _, ok := ctrl.Table().Lookup(1); !ok {
		t.Fatal("peer not admitted")
	}

	// The peer now goes silent: past PeerTimeout it is marked inactive,
	// and past the grace period it must be removed.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ctrl.Table().Lookup(1); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("silent peer was never evicted")
}

func TestControllerRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	ctrl := newTestController(t, ctrlTransport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
