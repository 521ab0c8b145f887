package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/virtnet/meshd/internal/netio"
	"github.com/virtnet/meshd/internal/overlay"
	"github.com/virtnet/meshd/internal/wire"
)

func joinCmd() *cobra.Command {
	var networkIDHex string
	var peerID uint64

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Diagnostic one-shot HELLO/JOIN_REQUEST handshake",
		Long:  "Performs the client join handshake without configuring a TUN device, to verify a controller accepts a given network id.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJoin(cmd.Context(), networkIDHex, peerID)
		},
	}

	cmd.Flags().StringVar(&networkIDHex, "network-id", "", "16-byte network id, hex-encoded")
	cmd.Flags().Uint64Var(&peerID, "id", 1, "peer id to present in the handshake")
	_ = cmd.MarkFlagRequired("network-id")

	return cmd
}

func runJoin(ctx context.Context, networkIDHex string, peerID uint64) error {
	dest, err := resolveControllerAddr(nil)
	if err != nil {
		return err
	}
	networkID, err := overlay.DecodeNetworkID(networkIDHex)
	if err != nil {
		return fmt.Errorf("parse --network-id: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport, err := netio.NewTransport(ctx, "", peerID, logger)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := transport.Send(dest, wire.TypeHello, 0, nil); err != nil {
		return fmt.Errorf("send HELLO: %w", err)
	}
	if err := transport.Send(dest, wire.TypeJoinRequest, 0, networkID[:]); err != nil {
		return fmt.Errorf("send JOIN_REQUEST: %w", err)
	}

	for {
		dg, err := transport.Recv(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errNoReply
			}
			return fmt.Errorf("recv: %w", err)
		}

		switch dg.Header.Type {
		case wire.TypeHelloAck:
			fmt.Println("HELLO_ACK received; controller is reachable")
		case wire.TypeJoinResponse:
			vip, ok, err := wire.DecodeJoinResponse(dg.Payload)
			if err != nil {
				return fmt.Errorf("decode JOIN_RESPONSE: %w", err)
			}
			if !ok {
				fmt.Println("JOIN_RESPONSE: denied")
				return nil
			}
			fmt.Printf("JOIN_RESPONSE: accepted, assigned virtual ip %s\n", vip)
			return nil
		default:
			// Ignore anything else arriving before JOIN_RESPONSE.
		}
	}
}
