// Command loadtest drives a Whisper video server with simulated users.
//
//	loadtest saturate   open N idle connections and hold them
//	loadtest match      pair users, time matching and signal relay
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "loadtest",
		Short:         "Load generator for the Whisper video matchmaking server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	root.AddCommand(newSaturateCmd(), newMatchCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
