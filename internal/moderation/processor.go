package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/video-app/internal/ban"
	"github.com/whisper/video-app/internal/logging"
	"github.com/whisper/video-app/internal/report"
)

// ReportStore persists reports. *report.Store satisfies it.
type ReportStore interface {
	Create(ctx context.Context, r *report.Report) error
}

// Escalator counts reports and bans at the threshold. *ban.Store
// satisfies it.
type Escalator interface {
	ReportAndCheck(ctx context.Context, fingerprint, reason string) (ban.Decision, error)
}

// ActionPublisher broadcasts decisions. *messaging.NATSClient satisfies it.
type ActionPublisher interface {
	PublishModerationAction(data []byte) error
}

// Processor handles ReportSubmitted events in the moderator.
type Processor struct {
	store   ReportStore
	bans    Escalator
	actions ActionPublisher
	now     func() time.Time
	log     zerolog.Logger
}

// NewProcessor wires a Processor. store may be nil, in which case reports
// only feed the ban counters.
func NewProcessor(store ReportStore, bans Escalator, actions ActionPublisher) *Processor {
	return &Processor{
		store:   store,
		bans:    bans,
		actions: actions,
		now:     time.Now,
		log:     logging.Module("moderator"),
	}
}

// HandleReport decodes one event, stores it, escalates the reported
// fingerprint and publishes a ban action when the threshold is reached.
// It returns the published action, or nil.
func (p *Processor) HandleReport(ctx context.Context, data []byte) (*ModerationAction, error) {
	var ev ReportSubmitted
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("moderation: decode report: %w", err)
	}
	if ev.ReportedFingerprint == "" {
		return nil, fmt.Errorf("moderation: report without reported fingerprint")
	}

	rec := &report.Report{
		ReporterFingerprint: ev.ReporterFingerprint,
		ReportedFingerprint: ev.ReportedFingerprint,
		RoomID:              ev.RoomID,
		Reason:              ev.Reason,
	}
	if p.store != nil {
		// A storage outage must not stop bans.
		if err := p.store.Create(ctx, rec); err != nil {
			p.log.Error().Err(err).Str("room", ev.RoomID).Msg("persist report")
		}
	} else {
		rec.Reason, rec.Detail = report.NormalizeReason(ev.Reason)
	}

	// Two tabs behind one address share a fingerprint; such reports are
	// archived but never counted.
	if ev.ReporterFingerprint == ev.ReportedFingerprint {
		p.log.Warn().Str("room", ev.RoomID).Msg("self report ignored for escalation")
		return nil, nil
	}

	d, err := p.bans.ReportAndCheck(ctx, ev.ReportedFingerprint, rec.Reason)
	if err != nil {
		return nil, fmt.Errorf("moderation: escalate: %w", err)
	}
	p.log.Info().
		Str("room", ev.RoomID).
		Str("reason", rec.Reason).
		Str("server", ev.Server).
		Int("reports", d.Reports).
		Bool("banned", d.Banned).
		Msg("report processed")
	if !d.Banned {
		return nil, nil
	}

	action := &ModerationAction{
		Action:      ActionBan,
		Fingerprint: ev.ReportedFingerprint,
		Duration:    int(d.Duration / time.Second),
		Reason:      "multiple_reports: " + rec.Reason,
		Reports:     d.Reports,
		IssuedAt:    p.now(),
	}
	out, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("moderation: marshal action: %w", err)
	}
	if err := p.actions.PublishModerationAction(out); err != nil {
		return action, fmt.Errorf("moderation: publish action: %w", err)
	}
	p.log.Warn().
		Str("fingerprint", action.Fingerprint).
		Int("duration_s", action.Duration).
		Msg("fingerprint banned")
	return action, nil
}
