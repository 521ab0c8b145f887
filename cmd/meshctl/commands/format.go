package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/virtnet/meshd/internal/wire"
)

const (
	formatPlain = "plain"
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// peerView is the serializable projection of a PEER_INFO record used by the
// json and yaml output formats.
type peerView struct {
	PeerID         uint64 `json:"peer_id" yaml:"peer_id"`
	PublicEndpoint string `json:"public_endpoint" yaml:"public_endpoint"`
	VirtualIP      string `json:"virtual_ip" yaml:"virtual_ip"`
}

func buildPeerView(pi wire.PeerInfo) peerView {
	return peerView{
		PeerID:         pi.PeerID,
		PublicEndpoint: pi.PublicAddrPort().String(),
		VirtualIP:      pi.VirtualAddr().String(),
	}
}

// formatPeers renders a slice of PEER_INFO records in the requested format.
func formatPeers(peers []wire.PeerInfo, format string) (string, error) {
	switch format {
	case formatPlain:
		return formatPeersPlain(peers), nil
	case formatTable:
		return formatPeersTable(peers)
	case formatJSON:
		return formatPeersJSON(peers)
	case formatYAML:
		return formatPeersYAML(peers)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatPeersPlain is the one-line-per-peer form:
//
//	peer_id=<u64> addr=<ip>:<port> vIP=<dotted>
func formatPeersPlain(peers []wire.PeerInfo) string {
	var buf strings.Builder
	for _, pi := range peers {
		fmt.Fprintf(&buf, "peer_id=%d addr=%s vIP=%s\n", pi.PeerID, pi.PublicAddrPort(), pi.VirtualAddr())
	}
	return buf.String()
}

func formatPeersTable(peers []wire.PeerInfo) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER-ID\tPUBLIC-ENDPOINT\tVIRTUAL-IP")

	for _, pi := range peers {
		fmt.Fprintf(w, "%d\t%s\t%s\n", pi.PeerID, pi.PublicAddrPort(), pi.VirtualAddr())
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatPeersJSON(peers []wire.PeerInfo) (string, error) {
	views := make([]peerView, 0, len(peers))
	for _, pi := range peers {
		views = append(views, buildPeerView(pi))
	}

	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal peers to json: %w", err)
	}

	return string(data) + "\n", nil
}

func formatPeersYAML(peers []wire.PeerInfo) (string, error) {
	views := make([]peerView, 0, len(peers))
	for _, pi := range peers {
		views = append(views, buildPeerView(pi))
	}

	data, err := yaml.Marshal(views)
	if err != nil {
		return "", fmt.Errorf("marshal peers to yaml: %w", err)
	}

	return string(data), nil
}
