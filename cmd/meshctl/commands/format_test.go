package commands

import (
	"encoding/json"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/virtnet/meshd/internal/wire"
)

func samplePeers() []wire.PeerInfo {
	return []wire.PeerInfo{
		wire.NewPeerInfo(1, netip.MustParseAddr("10.0.0.2"), netip.MustParseAddrPort("203.0.113.1:9993")),
		wire.NewPeerInfo(2, netip.MustParseAddr("10.0.0.3"), netip.MustParseAddrPort("203.0.113.2:51820")),
	}
}

func TestFormatPeersPlain(t *testing.T) {
	t.Parallel()

	out, err := formatPeers(samplePeers(), formatPlain)
	if err != nil {
		t.Fatalf("formatPeers: %v", err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out)
	}
	if lines[0] != "peer_id=1 addr=203.0.113.1:9993 vIP=10.0.0.2" {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
}

func TestFormatPeersTable(t *testing.T) {
	t.Parallel()

	out, err := formatPeers(samplePeers(), formatTable)
	if err != nil {
		t.Fatalf("formatPeers: %v", err)
	}
	if !strings.Contains(out, "PEER-ID") || !strings.Contains(out, "10.0.0.3") {
		t.Fatalf("table output missing expected content:\n%s", out)
	}
}

func TestFormatPeersJSONRoundTrip(t *testing.T) {
	t.Parallel()

	out, err := formatPeers(samplePeers(), formatJSON)
	if err != nil {
		t.Fatalf("formatPeers: %v", err)
	}

	var decoded []peerView
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if len(decoded) != 2 || decoded[1].VirtualIP != "10.0.0.3" {
		t.Fatalf("unexpected decoded views: %+v", decoded)
	}
}

func TestFormatPeersYAMLRoundTrip(t *testing.T) {
	t.Parallel()

	out, err := formatPeers(samplePeers(), formatYAML)
	if err != nil {
		t.Fatalf("formatPeers: %v", err)
	}

	var decoded []peerView
	if err := yaml.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if len(decoded) != 2 || decoded[0].PeerID != 1 {
		t.Fatalf("unexpected decoded views: %+v", decoded)
	}
}

func TestFormatPeersUnsupported(t *testing.T) {
	t.Parallel()

	_, err := formatPeers(samplePeers(), "xml")
	if !errors.Is(err, errUnsupportedFormat) {
		t.Fatalf("got %v, want errUnsupportedFormat", err)
	}
}
