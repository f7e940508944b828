package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/video-app/loadtest/client"
	"github.com/whisper/video-app/loadtest/stats"
)

type saturateOptions struct {
	connections int
	ramp        time.Duration
	hold        time.Duration
	concurrency int
}

func newSaturateCmd() *cobra.Command {
	opts := saturateOptions{}
	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open N idle connections, then hold them while counting drops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSaturate(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.connections, "connections", "n", 1000, "Number of connections to open")
	f.DurationVar(&opts.ramp, "ramp", 10*time.Second, "Ramp-up duration")
	f.DurationVar(&opts.hold, "hold", 30*time.Second, "Hold duration after all connections are open")
	f.IntVar(&opts.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts")
	return cmd
}

func runSaturate(ctx context.Context, opts saturateOptions) error {
	if opts.connections <= 0 || opts.concurrency <= 0 {
		return fmt.Errorf("connections and concurrency must be positive")
	}
	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		opts.connections, serverURL, opts.ramp, opts.hold, opts.concurrency)

	collector := stats.NewCollector()
	clients := rampUp(ctx, opts.connections, opts.ramp, opts.concurrency, collector)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	fmt.Printf("\nRamp-up complete: %d/%d connections (%d errors)\n",
		len(clients), opts.connections, collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Printf("\n--- Hold phase: %d connections for %s ---\n", len(clients), opts.hold)
		hold := time.NewTimer(opts.hold)
		status := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-hold.C:
				break holdLoop
			case <-status.C:
				fmt.Printf("  [hold] alive: %d/%d\n", alive(clients), len(clients))
			}
		}
		hold.Stop()
		status.Stop()
	}

	if dropped := len(clients) - alive(clients); dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
	return nil
}

// rampUp opens n connections spread over ramp, at most concurrency at a
// time, and returns those that completed the greeting.
func rampUp(ctx context.Context, n int, ramp time.Duration, concurrency int, collector *stats.Collector) []*client.Client {
	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), n, collector.ErrorCount())
			case <-progressDone:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
launch:
	for launched := 0; launched < n; launched++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break launch
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, serverURL)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForGreeting(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	ticker.Stop()
	wg.Wait()
	close(progressDone)
	return clients
}

func alive(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}
