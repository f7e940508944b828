// Package ban keeps fingerprint bans and the report counters that escalate
// into them, in Redis:
//
//	ban:<fingerprint>       reason, TTL = ban duration
//	reports:<fingerprint>   reports since the last ban, TTL = ReportsTTL
//	offenses:<fingerprint>  bans issued, TTL = OffensesTTL
//
// A fingerprint is a salted hash of the client IP; the raw address is never
// stored.
package ban

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix      = "ban:"
	ReportsPrefix  = "reports:"
	OffensesPrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL bounds the window in which AutoBanThreshold reports must
	// arrive. The window starts at the first report and does not slide.
	ReportsTTL = 24 * time.Hour

	// OffensesTTL is how long past bans count towards escalation.
	OffensesTTL = 7 * 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsTTL that
	// triggers a ban.
	AutoBanThreshold = 3
)

const fingerprintSalt = "whisper-video:"

// Fingerprint derives the ban identity for a client address.
func Fingerprint(ip string) string {
	sum := sha256.Sum256([]byte(fingerprintSalt + ip))
	return hex.EncodeToString(sum[:16])
}

// Status describes a fingerprint's current ban, if any.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Decision is the outcome of recording a report.
type Decision struct {
	Reports  int           // reports in the current window, before any reset
	Banned   bool          // whether this report triggered a ban
	Duration time.Duration // ban length when Banned
}

// Store manages ban records in Redis.
type Store struct {
	client redis.Cmdable
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client redis.Cmdable) *Store {
	return &Store{client: client}
}

// Lookup returns the ban status of fingerprint. Redis errors are returned
// so callers can choose to fail open.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (Status, error) {
	key := BanPrefix + fingerprint

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: lookup: %w", err)
	}

	st := Status{Banned: true, Reason: reason}
	// A ban whose TTL cannot be read is still a ban.
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Ban bans fingerprint for duration.
func (s *Store) Ban(ctx context.Context, fingerprint string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+fingerprint, reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, BanPrefix+fingerprint).Err()
}

func escalationDuration(offense int) time.Duration {
	switch {
	case offense <= 1:
		return Ban15Min
	case offense == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// OffenseCount returns how many bans fingerprint received within
// OffensesTTL.
func (s *Store) OffenseCount(ctx context.Context, fingerprint string) (int, error) {
	return s.counter(ctx, OffensesPrefix+fingerprint)
}

// ReportCount returns the reports against fingerprint in the current window.
func (s *Store) ReportCount(ctx context.Context, fingerprint string) (int, error) {
	return s.counter(ctx, ReportsPrefix+fingerprint)
}

// Escalate records an offense and bans fingerprint for 15 minutes, 1 hour
// or 24 hours depending on how many offenses came before. It returns the
// applied duration.
func (s *Store) Escalate(ctx context.Context, fingerprint, reason string) (time.Duration, error) {
	count, err := s.incrWithTTL(ctx, OffensesPrefix+fingerprint, OffensesTTL)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, fingerprint, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}
	return duration, nil
}

// ReportAndCheck counts one report against fingerprint. When the count
// reaches AutoBanThreshold the fingerprint is escalated and the report
// window starts over.
func (s *Store) ReportAndCheck(ctx context.Context, fingerprint, reason string) (Decision, error) {
	count, err := s.incrWithTTL(ctx, ReportsPrefix+fingerprint, ReportsTTL)
	if err != nil {
		return Decision{}, fmt.Errorf("ban: report: %w", err)
	}

	d := Decision{Reports: int(count)}
	if count < AutoBanThreshold {
		return d, nil
	}

	d.Duration, err = s.Escalate(ctx, fingerprint, "multiple_reports: "+reason)
	if err != nil {
		return d, err
	}
	d.Banned = true

	if err := s.client.Del(ctx, ReportsPrefix+fingerprint).Err(); err != nil {
		return d, fmt.Errorf("ban: reset reports: %w", err)
	}
	return d, nil
}

// incrWithTTL increments key and sets its TTL on the first increment only,
// so the window does not slide.
func (s *Store) incrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (s *Store) counter(ctx context.Context, key string) (int, error) {
	n, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
