package commands

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/virtnet/meshd/internal/netio"
	"github.com/virtnet/meshd/internal/wire"
)

// errNoReply indicates the controller never answered within --timeout,
// distinct from a decode or transport failure.
var errNoReply = errors.New("meshctl: no reply from controller before timeout")

func listCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list [controller_ip] [port]",
		Short: "List the controller's known peers",
		Long:  "Sends LIST_REQUEST and prints each PEER_INFO record until LIST_DONE. The controller may be named positionally or via --controller.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), args, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatPlain, "output format: plain, table, json, or yaml")

	return cmd
}

// resolveControllerAddr folds optional positional [controller_ip] [port]
// arguments over the --controller flag.
func resolveControllerAddr(args []string) (netip.AddrPort, error) {
	spec := controllerAddr
	switch len(args) {
	case 1:
		spec = net.JoinHostPort(args[0], defaultControllerPort)
	case 2:
		spec = net.JoinHostPort(args[0], args[1])
	}

	dest, err := netip.ParseAddrPort(spec)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse controller address %q: %w", spec, err)
	}
	return dest, nil
}

func runList(ctx context.Context, args []string, output string) error {
	dest, err := resolveControllerAddr(args)
	if err != nil {
		return err
	}

	ctlID, err := randomCLIID()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport, err := netio.NewTransport(ctx, "", ctlID, logger)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := transport.Send(dest, wire.TypeListRequest, 0, nil); err != nil {
		return fmt.Errorf("send LIST_REQUEST: %w", err)
	}

	var peers []wire.PeerInfo
	done := false
	for !done {
		dg, err := transport.Recv(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if len(peers) == 0 {
					return errNoReply
				}
				// Partial listing: LIST_DONE was lost in transit. Render
				// what arrived rather than discarding it.
				break
			}
			return fmt.Errorf("recv: %w", err)
		}

		switch dg.Header.Type {
		case wire.TypePeerInfo:
			pi, err := wire.DecodePeerInfo(dg.Payload)
			if err != nil {
				return fmt.Errorf("decode peer info: %w", err)
			}
			peers = append(peers, pi)
		case wire.TypeListDone:
			done = true
		default:
			// Ignore anything else arriving on this ephemeral socket.
		}
	}

	rendered, err := formatPeers(peers, output)
	if err != nil {
		return err
	}
	fmt.Print(rendered)
	return nil
}

// randomCLIID draws a non-zero random peer id for meshctl's own ephemeral
// transport; it never joins, so the id only needs to be distinct enough to
// avoid colliding with a live member in controller logs.
func randomCLIID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("read random bytes: %w", err)
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id, nil
		}
	}
}
