// Package matching is the in-memory matchmaking and session-relay engine. It
// owns the connection registry, the gender-partitioned waiting pool, the room
// table and the requeue timers, and serializes every mutation behind a single
// lock so that pairing, teardown and relay decisions are atomic relative to
// each other.
package matching

import (
	"strings"
	"time"

	"github.com/whisper/video-app/internal/geo"
)

// Gender is both what a user presents as and what they are willing to meet.
type Gender string

const (
	Male   Gender = "male"
	Female Gender = "female"
	Both   Gender = "both"
)

// ParseGender normalizes a wire value. An empty value means Both.
func ParseGender(s string) (Gender, bool) {
	switch Gender(strings.ToLower(strings.TrimSpace(s))) {
	case Male:
		return Male, true
	case Female:
		return Female, true
	case Both, "":
		return Both, true
	}
	return "", false
}

// Profile is a connection's matchmaking attributes.
type Profile struct {
	ConnID     string
	Gender     Gender
	Preference Gender
	Region     geo.Region
	// JoinedAt is when the profile last entered matchmaking. It is reset on
	// next-user and requeue, so pool order and JoinedAt order agree.
	JoinedAt time.Time
}

// Accepts reports whether p is willing to meet someone presenting as g.
func (p *Profile) Accepts(g Gender) bool {
	return p.Preference == Both || p.Preference == g
}

// Compatible is the symmetric pairing rule.
func Compatible(a, b *Profile) bool {
	return a.ConnID != b.ConnID && a.Accepts(b.Gender) && b.Accepts(a.Gender)
}
