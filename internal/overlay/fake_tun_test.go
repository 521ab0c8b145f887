package overlay_test

import (
	"io"
	"net/netip"
	"sync"
)

// fakeTUN is an in-memory overlay.TUNDevice double: writes from the overlay
// loop land in outbound; inject() feeds packets back as if they arrived
// on the device.
type fakeTUN struct {
	mu        sync.Mutex
	cond      *sync.Cond
	inbound   [][]byte
	outbound  [][]byte
	closed    bool
	addr      netip.Addr
	prefixLen int
}

func newFakeTUN() *fakeTUN {
	f := &fakeTUN{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeTUN) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.inbound) == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed {
		return 0, io.EOF
	}
	pkt := f.inbound[0]
	f.inbound = f.inbound[1:]
	n := copy(buf, pkt)
	return n, nil
}

func (f *fakeTUN) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.outbound = append(f.outbound, cp)
	return len(buf), nil
}

func (f *fakeTUN) Configure(addr netip.Addr, prefixLen int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addr = addr
	f.prefixLen = prefixLen
	return nil
}

func (f *fakeTUN) Name() string { return "fake0" }

// configuredAddr returns the address/prefix length passed to Configure, or
// the zero value if Configure has not been called yet.
func (f *fakeTUN) configuredAddr() (netip.Addr, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr, f.prefixLen
}

func (f *fakeTUN) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

// inject makes pkt available to the next Read call, as if it had arrived on
// the device.
func (f *fakeTUN) inject(pkt []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, pkt)
	f.cond.Broadcast()
}

// writtenPackets returns a snapshot of everything written so far.
func (f *fakeTUN) writtenPackets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.outbound))
	copy(out, f.outbound)
	return out
}

// ipv4Packet builds a minimal 20-byte IPv4 header (no options, no payload)
// addressed from src to dst, enough for parseIPv4Dest to read.
func ipv4Packet(src, dst netip.Addr) []byte {
	pkt := make([]byte, 20)
	pkt[0] = 0x45 // version 4, IHL 5
	s := src.As4()
	d := dst.As4()
	copy(pkt[12:16], s[:])
	copy(pkt[16:20], d[:])
	return pkt
}
