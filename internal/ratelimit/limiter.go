// Package ratelimit provides Redis-backed fixed-window rate limiting with
// INCR + EXPIRE. Each rule counts events per identifier (connection id or
// client IP) and fails open when Redis is unavailable.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/video-app/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of events allowed in the window, and the window duration.
type Rule struct {
	Name   string        // metric label
	Key    string        // Redis key prefix
	Limit  int           // max count in the window
	Window time.Duration // window length
}

var (
	// RuleMatchmaking allows 10 set-preferences/next-user per minute per
	// connection.
	RuleMatchmaking = Rule{Name: "matchmaking", Key: "rl:match:", Limit: 10, Window: time.Minute}

	// RuleSignal allows 200 offer/answer/ice-candidate messages per 10
	// seconds per connection. Trickle ICE is bursty.
	RuleSignal = Rule{Name: "signal", Key: "rl:signal:", Limit: 200, Window: 10 * time.Second}

	// RuleReport allows 5 reports per 10 minutes per connection.
	RuleReport = Rule{Name: "report", Key: "rl:report:", Limit: 5, Window: 10 * time.Minute}

	// RuleConnect allows 20 WebSocket upgrades per minute per IP.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 20, Window: time.Minute}

	// RuleAPI allows 1000 HTTP API requests per 15 minutes per IP.
	RuleAPI = Rule{Name: "api", Key: "rl:api:", Limit: 1000, Window: 15 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client, log: logging.Module("ratelimit")}
}

// Allow counts one event for identifier under rule and reports whether it
// is within the limit. Redis errors are returned alongside true so a Redis
// outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("INCR failed, failing open")
		return true, err
	}

	// The first event of a window defines its end.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many events identifier has left in the current
// window. A missing key means the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("GET failed, failing open")
		return rule.Limit, err
	}

	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// RetryAfter returns the time until identifier's window resets, rounded up
// to whole seconds and at least one second.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		return rule.Window, err
	}
	if ttl <= 0 {
		return time.Second, nil
	}
	return (ttl + time.Second - 1) / time.Second * time.Second, nil
}
