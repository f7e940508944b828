// Package httpapi serves the HTTP side of the video chat server: the
// WebSocket upgrade endpoint, a small JSON API used by the landing page and
// health checks, and the Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/whisper/video-app/internal/geo"
	"github.com/whisper/video-app/internal/logging"
	"github.com/whisper/video-app/internal/matching"
	"github.com/whisper/video-app/internal/metrics"
	"github.com/whisper/video-app/internal/ratelimit"
)

// StatsSource provides the live counters. *matching.Engine satisfies it.
type StatsSource interface {
	Stats() matching.Stats
}

// Limiter is the per-IP limiter applied to /api. *ratelimit.Limiter
// satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Options wires the router to the rest of the server.
type Options struct {
	Upgrade    http.HandlerFunc
	Stats      StatsSource
	Uptime     func() time.Duration
	Detector   *geo.Detector
	Limiter    Limiter // nil disables the /api limit
	CORSOrigin string
	Debug      bool // log every request
}

// HealthResponse is the body of /api/health.
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Uptime    float64        `json:"uptime"` // seconds
	Stats     matching.Stats `json:"stats"`
}

// NewRouter builds the gin engine.
func NewRouter(opts Options) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.Detector == nil {
		opts.Detector = geo.NewDetector(nil)
	}
	if opts.Uptime == nil {
		opts.Uptime = func() time.Duration { return 0 }
	}
	logger := logging.Module("http")

	r := gin.New()
	// CORS sits on the engine, not the /api group: preflight requests match
	// no route and only engine middleware runs for them.
	r.Use(gin.Recovery(), cors(opts.CORSOrigin))
	if opts.Debug {
		r.Use(requestLogger(logger))
	}

	if opts.Upgrade != nil {
		r.GET("/ws", gin.WrapF(opts.Upgrade))
	}
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	if opts.Limiter != nil {
		api.Use(rateLimit(opts.Limiter, logger))
	}

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Uptime:    opts.Uptime().Seconds(),
			Stats:     opts.Stats.Stats(),
		})
	})

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, opts.Stats.Stats())
	})

	api.GET("/country/:ip", func(c *gin.Context) {
		ip := c.Param("ip")
		if _, err := netip.ParseAddr(ip); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip address"})
			return
		}
		c.JSON(http.StatusOK, opts.Detector.Lookup(ip))
	})

	logger.Debug().Str("cors", opts.CORSOrigin).Bool("rate_limited", opts.Limiter != nil).Msg("router setup")
	return r
}

func cors(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if origin != "*" {
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func rateLimit(l Limiter, logger zerolog.Logger) gin.HandlerFunc {
	rule := ratelimit.RuleAPI
	return func(c *gin.Context) {
		ip := geo.ClientIP(c.Request)
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if ok, _ := l.Allow(ctx, ip, rule); ok {
			c.Next()
			return
		}

		retry, err := l.RetryAfter(ctx, ip, rule)
		if err != nil || retry <= 0 {
			retry = rule.Window
		}
		secs := int((retry + time.Second - 1) / time.Second)
		metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
		logger.Debug().Str("ip", ip).Str("path", c.FullPath()).Msg("api rate limited")

		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "too many requests",
			"retryAfter": secs,
		})
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if strings.HasPrefix(c.Request.URL.Path, "/metrics") {
			return
		}
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
