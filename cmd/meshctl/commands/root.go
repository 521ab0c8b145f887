// Package commands implements the meshctl subcommands. meshctl speaks the
// overlay wire protocol (internal/wire, internal/netio) directly against a
// controller's UDP socket; there is no RPC framework in front of it.
package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// defaultControllerPort is the overlay's default UDP port, used when a
// positional controller address omits the port.
const defaultControllerPort = "9993"

// controllerAddr is the controller's UDP host:port, set by --controller on
// every subcommand that talks to a controller.
var controllerAddr string

// timeout bounds how long a subcommand waits for a controller reply before
// giving up.
var timeout time.Duration

// rootCmd is the top-level cobra command for meshctl.
var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "Admin CLI for the virtnet overlay controller",
	Long:  "meshctl talks directly to a meshd controller over UDP to list peers and diagnose joins.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&controllerAddr, "controller", "127.0.0.1:9993",
		"controller address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 3*time.Second,
		"time to wait for a controller reply")

	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
