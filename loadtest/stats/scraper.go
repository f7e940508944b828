package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server metrics followed during a run. Labelled series are summed.
var trackedGauges = []struct{ metric, label string }{
	{"whisper_connections_active", "Connections"},
	{"whisper_active_rooms", "Active Rooms"},
	{"whisper_match_queue_size", "Waiting"},
	{"whisper_matches_total", "Matches Total"},
	{"whisper_signals_total", "Signals Total"},
	{"whisper_partner_left_total", "Partner Left"},
}

const (
	matchWaitSum   = "whisper_match_wait_seconds_sum"
	matchWaitCount = "whisper_match_wait_seconds_count"
)

type metricSnapshot struct {
	timestamp time.Time
	values    map[string]float64
}

// Scraper periodically fetches the server's Prometheus endpoint and keeps
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx
// ends or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	values, err := parseExposition(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, metricSnapshot{timestamp: time.Now(), values: values})
	s.mu.Unlock()
}

// parseExposition sums every sample per metric name in Prometheus text
// format.
func parseExposition(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		values[name] += value
	}
	return values, scanner.Err()
}

// parseMetricLine splits "name{labels} value" or "name value" into the bare
// name and its value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		name = raw[:idx]
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak values for the tracked
// metrics, plus the average server-side match wait.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]metricSnapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, g := range trackedGauges {
		initial, final := first.values[g.metric], last.values[g.metric]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			g.label, initial, final, final-initial, peakValue(snaps, g.metric))
	}

	fmt.Println()
	n := last.values[matchWaitCount] - first.values[matchWaitCount]
	if n > 0 {
		avg := (last.values[matchWaitSum] - first.values[matchWaitSum]) / n
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Match Wait", avg, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Match Wait")
	}
}

func peakValue(snaps []metricSnapshot, metric string) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := s.values[metric]; v > peak {
			peak = v
		}
	}
	return peak
}
