package moderation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whisper/video-app/internal/matching"
)

// Publisher is the transport a ReportForwarder writes to.
// *messaging.NATSClient satisfies it.
type Publisher interface {
	PublishReport(data []byte) error
}

// ReportForwarder implements matching.Reporter by publishing each report
// as a ReportSubmitted event.
type ReportForwarder struct {
	pub    Publisher
	server string
}

// NewReportForwarder tags every event with the originating server name.
func NewReportForwarder(pub Publisher, server string) *ReportForwarder {
	return &ReportForwarder{pub: pub, server: server}
}

// SubmitReport implements matching.Reporter.
func (f *ReportForwarder) SubmitReport(ctx context.Context, r matching.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ReportSubmitted{
		ReporterFingerprint: r.ReporterFingerprint,
		ReportedFingerprint: r.ReportedFingerprint,
		RoomID:              r.RoomID,
		Reason:              r.Reason,
		Server:              f.server,
		CreatedAt:           r.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("moderation: marshal report: %w", err)
	}
	if err := f.pub.PublishReport(data); err != nil {
		return fmt.Errorf("moderation: publish report: %w", err)
	}
	return nil
}
