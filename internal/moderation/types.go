// Package moderation turns abuse reports into bans. WebSocket servers
// publish ReportSubmitted events; the moderator persists them, escalates
// the reported fingerprint and broadcasts a ModerationAction that every
// server enforces on its local connections.
package moderation

import "time"

// ActionBan is the only action the moderator issues today.
const ActionBan = "ban"

// ReportSubmitted is published to report.submitted by the WS server that
// received a report-user message.
type ReportSubmitted struct {
	ReporterFingerprint string    `json:"reporter_fingerprint"`
	ReportedFingerprint string    `json:"reported_fingerprint"`
	RoomID              string    `json:"room_id"`
	Reason              string    `json:"reason"`
	Server              string    `json:"server"`
	CreatedAt           time.Time `json:"created_at"`
}

// ModerationAction is broadcast on moderation.action after a decision.
type ModerationAction struct {
	Action      string    `json:"action"`
	Fingerprint string    `json:"fingerprint"`
	Duration    int       `json:"duration"` // seconds
	Reason      string    `json:"reason"`
	Reports     int       `json:"reports"`
	IssuedAt    time.Time `json:"issued_at"`
}
