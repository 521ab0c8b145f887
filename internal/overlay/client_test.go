package overlay_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/virtnet/meshd/internal/meshmetrics"
	"github.com/virtnet/meshd/internal/overlay"
	"github.com/virtnet/meshd/internal/wire"
)

func newTestClient(t *testing.T, id uint64, ctrlAddr netip.AddrPort, tun *fakeTUN, joinTimeout time.Duration) *overlay.Client {
	t.Helper()
	transport := newTestTransport(t, id)
	subnet := netip.MustParsePrefix("10.0.0.0/24")
	return overlay.NewClient(
		id,
		transport,
		tun,
		ctrlAddr,
		testNetworkID(),
		subnet,
		50*time.Millisecond, // keepaliveInterval
		joinTimeout,
		false, // cryptoEnabled
		meshmetrics.NewCollector(prometheus.NewRegistry()),
		discardLogger(),
	)
}

func waitForConfigure(t *testing.T, tun *fakeTUN, d time.Duration) netip.Addr {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if addr, _ := tun.configuredAddr(); addr.IsValid() {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("tun was never configured")
	return netip.Addr{}
}

func TestClientJoinAssignsVirtualIPAndConfiguresTUN(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	ctrl := newTestController(t, ctrlTransport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	tun := newFakeTUN()
	t.Cleanup(func() { tun.Close() })
	client := newTestClient(t, 1, ctrlTransport.LocalAddr(), tun, 2*time.Second)

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	addr := waitForConfigure(t, tun, 2*time.Second)
	if addr != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("got configured addr %s, want 10.0.0.2", addr)
	}
	if got := client.VirtualIP(); got != addr {
		t.Fatalf("VirtualIP() = %s, want %s", got, addr)
	}

	cancel()
	tun.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client.Run did not return after cancellation")
	}
}

func TestClientJoinDenied(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		dg, err := ctrlTransport.Recv(ctx)
		if err != nil {
			return
		}
		_ = ctrlTransport.Send(dg.Src, wire.TypeJoinResponse, dg.Header.SenderID, nil)
	}()

	tun := newFakeTUN()
	t.Cleanup(func() { tun.Close() })
	client := newTestClient(t, 1, ctrlTransport.LocalAddr(), tun, 2*time.Second)

	err := client.Run(ctx)
	if !errors.Is(err, overlay.ErrJoinDenied) {
		t.Fatalf("got %v, want ErrJoinDenied", err)
	}
}

func TestClientJoinTimeout(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0) // never replies

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tun := newFakeTUN()
	t.Cleanup(func() { tun.Close() })
	client := newTestClient(t, 1, ctrlTransport.LocalAddr(), tun, 50*time.Millisecond)

	err := client.Run(ctx)
	if !errors.Is(err, overlay.ErrJoinTimeout) {
		t.Fatalf("got %v, want ErrJoinTimeout", err)
	}
}

func TestClientsExchangeDataEndToEnd(t *testing.T) {
	t.Parallel()

	ctrlTransport := newTestTransport(t, 0)
	ctrl := newTestController(t, ctrlTransport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	tunA := newFakeTUN()
	t.Cleanup(func() { tunA.Close() })
	clientA := newTestClient(t, 1, ctrlTransport.LocalAddr(), tunA, 2*time.Second)
	doneA := make(chan error, 1)
	go func() { doneA <- clientA.Run(ctx) }()

	vipA := waitForConfigure(t, tunA, 2*time.Second)

	tunB := newFakeTUN()
	t.Cleanup(func() { tunB.Close() })
	clientB := newTestClient(t, 2, ctrlTransport.LocalAddr(), tunB, 2*time.Second)
	doneB := make(chan error, 1)
	go func() { doneB <- clientB.Run(ctx) }()

	vipB := waitForConfigure(t, tunB, 2*time.Second)

	waitForPeer(t, clientA, 2, 2*time.Second)
	waitForPeer(t, clientB, 1, 2*time.Second)

	tunA.inject(ipv4Packet(vipA, vipB))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(tunB.writtenPackets()) > 0 {
			cancel()
			tunA.Close()
			tunB.Close()
			<-doneA
			<-doneB
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("peer B never received the relayed/direct data packet")
}

func waitForPeer(t *testing.T, c *overlay.Client, id uint64, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		for _, p := range c.Peers() {
			if p.ID == id {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never learned about peer %d", id)
}
