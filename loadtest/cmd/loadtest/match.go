package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/video-app/loadtest/client"
	"github.com/whisper/video-app/loadtest/stats"
)

type matchOptions struct {
	pairs          int
	rounds         int
	ramp           time.Duration
	timeout        time.Duration
	concurrency    int
	metricsURL     string
	scrapeInterval time.Duration
}

func newMatchCmd() *cobra.Command {
	opts := matchOptions{}
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Pair male/female users, relay an offer/answer per room and rotate with next-user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMatch(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.pairs, "pairs", "p", 500, "Number of user pairs")
	f.IntVar(&opts.rounds, "rounds", 1, "Offer/answer exchanges per offerer; each extra round uses next-user")
	f.DurationVar(&opts.ramp, "ramp", 10*time.Second, "Ramp-up duration for connection creation")
	f.DurationVar(&opts.timeout, "timeout", 60*time.Second, "Time allowed for every round to finish")
	f.IntVar(&opts.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts")
	f.StringVar(&opts.metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus endpoint; empty disables scraping")
	f.DurationVar(&opts.scrapeInterval, "scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	return cmd
}

// user is the per-client state machine. Males make offers, females answer.
type user struct {
	c       *client.Client
	offerer bool

	mu        sync.Mutex
	roomID    string
	queuedAt  time.Time
	offeredAt time.Time
	rounds    int
}

func runMatch(ctx context.Context, opts matchOptions) error {
	if opts.pairs <= 0 || opts.rounds <= 0 {
		return fmt.Errorf("pairs and rounds must be positive")
	}
	total := opts.pairs * 2
	fmt.Printf("Match test: %d pairs (%d clients), %d round(s) to %s\n",
		opts.pairs, total, opts.rounds, serverURL)

	collector := stats.NewCollector()
	if opts.metricsURL != "" {
		scraper := stats.NewScraper(opts.metricsURL, opts.scrapeInterval)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	fmt.Println("\n--- Phase 1: connect ---")
	clients := rampUp(ctx, total, opts.ramp, opts.concurrency, collector)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	if len(clients) < 2 {
		collector.Report()
		return fmt.Errorf("only %d clients connected", len(clients))
	}

	fmt.Println("\n--- Phase 2: match and signal ---")
	var (
		finished atomic.Int64
		offerers int64
		allDone  = make(chan struct{})
		doneOnce sync.Once
	)
	users := make([]*user, len(clients))
	for i, c := range clients {
		u := &user{c: c, offerer: i%2 == 0}
		if u.offerer {
			offerers++
		}
		users[i] = u
	}

	for _, u := range users {
		u := u
		u.c.On(client.TypeMatchFound, func(raw json.RawMessage) {
			var m struct {
				RoomID string `json:"roomId"`
			}
			if json.Unmarshal(raw, &m) != nil {
				collector.AddError()
				return
			}
			u.mu.Lock()
			u.roomID = m.RoomID
			collector.Observe(stats.SeriesMatch, time.Since(u.queuedAt))
			if u.offerer {
				u.offeredAt = time.Now()
			}
			u.mu.Unlock()
			if u.offerer {
				_ = u.c.Signal(client.TypeOffer, m.RoomID, map[string]string{"type": "offer", "sdp": "v=0 loadtest"})
			}
		})
		u.c.On(client.TypeOffer, func(json.RawMessage) {
			u.mu.Lock()
			room := u.roomID
			u.mu.Unlock()
			_ = u.c.Signal(client.TypeAnswer, room, map[string]string{"type": "answer", "sdp": "v=0 loadtest"})
		})
		u.c.On(client.TypeAnswer, func(json.RawMessage) {
			u.mu.Lock()
			collector.Observe(stats.SeriesRelay, time.Since(u.offeredAt))
			u.rounds++
			more := u.rounds < opts.rounds
			if more {
				u.queuedAt = time.Now()
			}
			u.mu.Unlock()

			if more {
				_ = u.c.Send(map[string]string{"type": client.TypeNextUser})
				return
			}
			if finished.Add(1) == offerers {
				doneOnce.Do(func() { close(allDone) })
			}
		})
		u.c.On(client.TypePartnerLeft, func(json.RawMessage) {
			// The server requeues us after its pacing delay.
			u.mu.Lock()
			u.queuedAt = time.Now()
			u.mu.Unlock()
		})
		u.c.On(client.TypeRateLimited, func(json.RawMessage) { collector.AddError() })
		u.c.On(client.TypeError, func(json.RawMessage) { collector.AddError() })
	}

	for _, u := range users {
		gender, pref := "female", "male"
		if u.offerer {
			gender, pref = "male", "female"
		}
		u.mu.Lock()
		u.queuedAt = time.Now()
		u.mu.Unlock()
		if err := u.c.SetPreferences(gender, pref); err != nil {
			collector.AddError()
		}
	}

	progress := time.NewTicker(2 * time.Second)
	defer progress.Stop()
	deadline := time.NewTimer(opts.timeout)
	defer deadline.Stop()
wait:
	for {
		select {
		case <-allDone:
			fmt.Println("All offerers finished.")
			break wait
		case <-deadline.C:
			fmt.Printf("Timeout: %d/%d offerers finished.\n", finished.Load(), offerers)
			break wait
		case <-ctx.Done():
			fmt.Println("Interrupted.")
			break wait
		case <-progress.C:
			fmt.Printf("  [match] finished: %d/%d  matches: %d  relays: %d  errors: %d\n",
				finished.Load(), offerers, collector.Count(stats.SeriesMatch),
				collector.Count(stats.SeriesRelay), collector.ErrorCount())
		}
	}

	collector.Report()
	return nil
}
