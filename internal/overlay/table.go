package overlay

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// PeerTable is an in-memory, mutex-guarded index of PeerRecords, keyed by
// both id and virtual IP. The same type backs the
// controller's authoritative membership table and a client's local view of
// the overlay learned from PEER_INFO gossip.
type PeerTable struct {
	mu    sync.RWMutex
	byID  map[uint64]*PeerRecord
	byVIP map[netip.Addr]*PeerRecord
}

// NewPeerTable returns an empty PeerTable.
func NewPeerTable() *PeerTable {
	return &PeerTable{
		byID:  make(map[uint64]*PeerRecord),
		byVIP: make(map[netip.Addr]*PeerRecord),
	}
}

// Insert adds rec to the table. It fails with ErrDuplicateID or
// ErrDuplicateVirtualIP if either key is already taken, so id and virtual
// IP stay unique across the membership.
func (t *PeerTable) Insert(rec PeerRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byID[rec.ID]; exists {
		return fmt.Errorf("insert peer %d: %w", rec.ID, ErrDuplicateID)
	}
	if _, exists := t.byVIP[rec.VirtualIP]; exists {
		return fmt.Errorf("insert peer %d at %s: %w", rec.ID, rec.VirtualIP, ErrDuplicateVirtualIP)
	}

	cp := rec
	t.byID[rec.ID] = &cp
	t.byVIP[rec.VirtualIP] = &cp
	return nil
}

// Remove deletes the peer with the given id. A no-op if id is absent.
// Reports whether a peer was actually removed.
func (t *PeerTable) Remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	delete(t.byVIP, rec.VirtualIP)
	return true
}

// Lookup returns a copy of the peer record with the given id.
func (t *PeerTable) Lookup(id uint64) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.byID[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// LookupByVirtualIP returns a copy of the peer record holding vip.
func (t *PeerTable) LookupByVirtualIP(vip netip.Addr) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.byVIP[vip]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Touch refreshes last_seen for id, and its public endpoint when endpoint is
// valid. A no-op if id is absent. Reports whether the peer was present.
func (t *PeerTable) Touch(id uint64, endpoint netip.AddrPort, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byID[id]
	if !ok {
		return false
	}
	rec.LastSeen = now
	if endpoint.IsValid() {
		rec.PublicEndpoint = endpoint
	}
	return true
}

// MarkReachable flags id as directly reachable, set once a client receives a
// PEER_HELLO from it.
func (t *PeerTable) MarkReachable(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.byID[id]; ok {
		rec.Reachable = true
	}
}

// Upsert inserts rec, replacing any existing entry for its id. Used by a
// client learning peers from PEER_INFO gossip, where the same peer may be
// re-announced with a refreshed endpoint.
func (t *PeerTable) Upsert(rec PeerRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byID[rec.ID]; ok {
		delete(t.byVIP, old.VirtualIP)
		rec.Reachable = rec.Reachable || old.Reachable
	}
	cp := rec
	t.byID[rec.ID] = &cp
	t.byVIP[rec.VirtualIP] = &cp
}

// Len returns the number of peers currently present.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Snapshot returns a copy of every peer record currently present, ordered
// by id so gossip fan-out, timeout sweeps, and LIST_REQUEST replies are
// deterministic.
func (t *PeerTable) Snapshot() []PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerRecord, 0, len(t.byID))
	for _, rec := range t.byID {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b PeerRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// AllocateVirtualIP returns the first host address in subnet, scanning
// base+2 through base+254 in order, that is not currently assigned to any
// peer. First-free scan, rather than a join-count formula, so addresses
// freed by departures are reusable without colliding with live members.
// base+1 is implicitly reserved for the controller itself and is never
// handed out. Fails with ErrAddressSpaceExhausted once no candidate
// remains.
func (t *PeerTable) AllocateVirtualIP(subnet netip.Prefix) (netip.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := subnet.Masked().Addr().As4()
	for host := 2; host <= 254; host++ {
		candidate := base
		candidate[3] = byte(host)
		addr := netip.AddrFrom4(candidate)
		if !subnet.Contains(addr) {
			continue
		}
		if _, taken := t.byVIP[addr]; !taken {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrAddressSpaceExhausted
}
