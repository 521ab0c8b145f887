// Package meshmetrics exposes Prometheus metrics for the overlay controller
// and client daemons.
package meshmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "meshd"
	subsystem = "overlay"
)

// Label names for overlay metrics.
const (
	labelPacketType = "packet_type"
	labelReason     = "reason"
)

// Collector holds all overlay Prometheus metrics.
//
// Metrics are designed for operating a small peer-to-peer overlay:
//   - PeersActive tracks the size of the peer table.
//   - Packet counters track TX/RX/drop volumes per wire packet type.
//   - Join counters track admission outcomes.
//   - VIPAllocationFailures flags address space exhaustion.
type Collector struct {
	// PeersActive tracks the number of peers currently held in the peer
	// table. Incremented on admission, decremented on eviction or BYE.
	PeersActive prometheus.Gauge

	// PacketsSent counts packets transmitted, labeled by wire packet type.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts packets received, labeled by wire packet type.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts packets dropped, labeled by wire packet type and
	// reason (malformed, unknown_peer, auth_error, send_error, ...).
	PacketsDropped *prometheus.CounterVec

	// JoinsTotal counts JOIN_REQUEST outcomes, labeled "accepted" or
	// "denied".
	JoinsTotal *prometheus.CounterVec

	// VIPAllocationFailuresTotal counts JOIN_REQUESTs denied because the
	// overlay subnet had no free address left.
	VIPAllocationFailuresTotal prometheus.Counter
}

// NewCollector creates a Collector with all overlay metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PeersActive,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.JoinsTotal,
		c.VIPAllocationFailuresTotal,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	packetLabels := []string{labelPacketType}
	dropLabels := []string{labelPacketType, labelReason}

	return &Collector{
		PeersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers_active",
			Help:      "Number of peers currently present in the peer table.",
		}),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total overlay packets transmitted, by packet type.",
		}, packetLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total overlay packets received, by packet type.",
		}, packetLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total overlay packets dropped, by packet type and reason.",
		}, dropLabels),

		JoinsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "joins_total",
			Help:      "Total JOIN_REQUESTs handled, by outcome (accepted, denied).",
		}, []string{"outcome"}),

		VIPAllocationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "vip_allocation_failures_total",
			Help:      "Total JOIN_REQUESTs denied because the overlay subnet was exhausted.",
		}),
	}
}

// -------------------------------------------------------------------------
// Peer Table
// -------------------------------------------------------------------------

// PeerJoined increments the active peers gauge. Called when the peer table
// admits a new peer.
func (c *Collector) PeerJoined() {
	c.PeersActive.Inc()
}

// PeerLeft decrements the active peers gauge. Called when a peer is evicted
// for timeout or sends BYE.
func (c *Collector) PeerLeft() {
	c.PeersActive.Dec()
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsSent increments the transmitted packets counter for typ.
func (c *Collector) IncPacketsSent(typ string) {
	c.PacketsSent.WithLabelValues(typ).Inc()
}

// IncPacketsReceived increments the received packets counter for typ.
func (c *Collector) IncPacketsReceived(typ string) {
	c.PacketsReceived.WithLabelValues(typ).Inc()
}

// IncPacketsDropped increments the dropped packets counter for typ, labeled
// with reason.
func (c *Collector) IncPacketsDropped(typ, reason string) {
	c.PacketsDropped.WithLabelValues(typ, reason).Inc()
}

// -------------------------------------------------------------------------
// Join Admission
// -------------------------------------------------------------------------

// RecordJoinAccepted increments the join counter with outcome "accepted".
func (c *Collector) RecordJoinAccepted() {
	c.JoinsTotal.WithLabelValues("accepted").Inc()
}

// RecordJoinDenied increments the join counter with outcome "denied" and,
// when the denial was caused by address space exhaustion, the allocation
// failure counter as well.
func (c *Collector) RecordJoinDenied(addressSpaceExhausted bool) {
	c.JoinsTotal.WithLabelValues("denied").Inc()
	if addressSpaceExhausted {
		c.VIPAllocationFailuresTotal.Inc()
	}
}
