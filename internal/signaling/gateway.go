// Package signaling connects the WebSocket transport to the matchmaking
// engine. It admits upgrades, greets new connections with their ICE
// servers, routes client messages through rate limits into the engine and
// enforces moderation bans on local connections.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/whisper/video-app/internal/ban"
	"github.com/whisper/video-app/internal/geo"
	"github.com/whisper/video-app/internal/logging"
	"github.com/whisper/video-app/internal/matching"
	"github.com/whisper/video-app/internal/metrics"
	"github.com/whisper/video-app/internal/moderation"
	"github.com/whisper/video-app/internal/protocol"
	"github.com/whisper/video-app/internal/ratelimit"
	"github.com/whisper/video-app/internal/ws"
)

// Limiter is the rate limiter used for connects and client messages.
// *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// BanLookup reports whether a fingerprint is banned. *ban.Store satisfies it.
type BanLookup interface {
	Lookup(ctx context.Context, fingerprint string) (ban.Status, error)
}

// Transport is the part of the WebSocket server the gateway drives.
// *ws.Server satisfies it.
type Transport interface {
	Send(connID string, data []byte) error
	CloseWith(connID string, data []byte) bool
	Connections() *ws.ConnectionManager
}

// Options configure a Gateway. Limiter and Bans may be nil to disable
// those checks.
type Options struct {
	Detector   *geo.Detector
	ICEServers []webrtc.ICEServer
	Limiter    Limiter
	Bans       BanLookup
	// Timeout bounds each Redis round trip made on behalf of a client.
	Timeout time.Duration
}

// Gateway implements the ws.Hooks for the video chat server.
type Gateway struct {
	engine     *matching.Engine
	transport  Transport
	dispatcher *ws.MessageDispatcher

	detector   *geo.Detector
	iceServers []webrtc.ICEServer
	limiter    Limiter
	bans       BanLookup
	timeout    time.Duration
	log        zerolog.Logger
}

// New creates a Gateway. Attach must be called before the server starts
// accepting connections.
func New(opts Options) *Gateway {
	if opts.Detector == nil {
		opts.Detector = geo.NewDetector(nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	g := &Gateway{
		dispatcher: ws.NewMessageDispatcher(nil),
		detector:   opts.Detector,
		iceServers: opts.ICEServers,
		limiter:    opts.Limiter,
		bans:       opts.Bans,
		timeout:    opts.Timeout,
		log:        logging.Module("signaling"),
	}

	g.dispatcher.Register(protocol.TypeSetPreferences, g.handleSetPreferences)
	g.dispatcher.Register(protocol.TypeNextUser, g.handleNextUser)
	g.dispatcher.Register(protocol.TypeOffer, g.handleSignal)
	g.dispatcher.Register(protocol.TypeAnswer, g.handleSignal)
	g.dispatcher.Register(protocol.TypeICECandidate, g.handleSignal)
	g.dispatcher.Register(protocol.TypeReportUser, g.handleReport)
	return g
}

// Attach supplies the engine and transport. The server is built from
// Hooks and the engine sends through the server, so both arrive after New.
func (g *Gateway) Attach(engine *matching.Engine, transport Transport) {
	g.engine = engine
	g.transport = transport
	g.dispatcher.SetResponder(transport)
}

// Hooks returns the callbacks to build the ws.Server with.
func (g *Gateway) Hooks() ws.Hooks {
	return ws.Hooks{
		Admit:        g.Admit,
		OnConnect:    g.OnConnect,
		OnMessage:    g.dispatcher.Dispatch,
		OnDisconnect: g.OnDisconnect,
	}
}

// Admit runs before the handshake: it identifies the client, applies the
// per-IP connect limit and refuses banned fingerprints.
func (g *Gateway) Admit(r *http.Request) (ws.ClientInfo, error) {
	ip := geo.ClientIP(r)
	info := ws.ClientInfo{
		IP:          ip,
		Fingerprint: ban.Fingerprint(ip),
		Region:      g.detector.Detect(r),
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	if g.limiter != nil {
		if ok, _ := g.limiter.Allow(ctx, ip, ratelimit.RuleConnect); !ok {
			metrics.RateLimitedTotal.WithLabelValues(ratelimit.RuleConnect.Name).Inc()
			return info, &ws.RejectError{Status: http.StatusTooManyRequests, Message: "too many connections"}
		}
	}

	if g.bans != nil {
		st, err := g.bans.Lookup(ctx, info.Fingerprint)
		if err != nil {
			g.log.Warn().Err(err).Msg("ban lookup failed, admitting")
		} else if st.Banned {
			g.log.Info().Str("ip", ip).Dur("remaining", st.Remaining).Msg("banned client refused")
			return info, &ws.RejectError{Status: http.StatusForbidden, Message: "banned"}
		}
	}
	return info, nil
}

// OnConnect registers the connection and greets it with its id, region
// and ICE servers.
func (g *Gateway) OnConnect(c *ws.Connection) error {
	if err := g.engine.Connect(c.ID, c.Client.Region, c.Client.Fingerprint); err != nil {
		return err
	}
	g.dispatcher.Reply(c, protocol.TypeICEServers, protocol.ICEServersMsg{
		ConnectionID: c.ID,
		Country:      c.Client.Region,
		ICEServers:   g.iceServers,
	})
	return nil
}

// OnDisconnect tears down the connection's matchmaking state.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	g.engine.Disconnect(c.ID)
}

func (g *Gateway) handleSetPreferences(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SetPreferencesMsg)
	if !ok {
		return
	}
	if !g.allow(conn, ratelimit.RuleMatchmaking, conn.ID) {
		return
	}
	if _, err := g.engine.SetPreferences(conn.ID, m.Gender, m.Preference); err != nil {
		g.replyEngineError(conn, protocol.TypeSetPreferences, err)
	}
}

func (g *Gateway) handleNextUser(conn *ws.Connection, _ interface{}) {
	if !g.allow(conn, ratelimit.RuleMatchmaking, conn.ID) {
		return
	}
	if _, err := g.engine.NextUser(conn.ID); err != nil {
		g.replyEngineError(conn, protocol.TypeNextUser, err)
	}
}

func (g *Gateway) handleSignal(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SignalMsg)
	if !ok {
		return
	}
	// Malformed signals are dropped like any other stale or racy one.
	payload := m.Payload()
	if len(payload) == 0 || m.RoomID == "" {
		g.log.Debug().Str("conn", conn.ID).Str("kind", m.Type).Msg("incomplete signal dropped")
		return
	}
	if !g.allow(conn, ratelimit.RuleSignal, conn.ID) {
		return
	}
	g.engine.Relay(m.Type, conn.ID, m.RoomID, payload)
}

func (g *Gateway) handleReport(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ReportUserMsg)
	if !ok {
		return
	}
	if !g.allow(conn, ratelimit.RuleReport, conn.Client.Fingerprint) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := g.engine.Report(ctx, conn.ID, m.RoomID, m.Reason); err != nil {
		g.log.Warn().Err(err).Str("conn", conn.ID).Str("room", m.RoomID).Msg("report not forwarded")
	}
}

func (g *Gateway) replyEngineError(conn *ws.Connection, msgType string, err error) {
	switch {
	case errors.Is(err, matching.ErrInvalidPreferences):
		g.dispatcher.SendError(conn, "invalid_preferences", "gender and preference must be male, female or both")
	case errors.Is(err, matching.ErrNoPreferences):
		g.dispatcher.SendError(conn, "no_preferences", "set preferences first")
	default:
		g.log.Error().Err(err).Str("conn", conn.ID).Str("type", msgType).Msg("engine rejected message")
		g.dispatcher.SendError(conn, "internal_error", "request failed")
	}
}

// allow applies rule to identifier and tells the client when to retry if
// the limit is exceeded.
func (g *Gateway) allow(conn *ws.Connection, rule ratelimit.Rule, identifier string) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if ok, _ := g.limiter.Allow(ctx, identifier, rule); ok {
		return true
	}
	retry, err := g.limiter.RetryAfter(ctx, identifier, rule)
	if err != nil || retry <= 0 {
		retry = rule.Window
	}
	metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
	g.dispatcher.Reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int((retry + time.Second - 1) / time.Second),
	})
	return false
}

// HandleModerationAction enforces a moderation.action event: every local
// connection with the banned fingerprint is told why and closed. It returns
// the number of connections closed.
func (g *Gateway) HandleModerationAction(data []byte) int {
	var action moderation.ModerationAction
	if err := json.Unmarshal(data, &action); err != nil {
		g.log.Warn().Err(err).Msg("bad moderation action")
		return 0
	}
	if action.Action != moderation.ActionBan || action.Fingerprint == "" {
		return 0
	}

	notice := protocol.MustServerMessage(protocol.TypeBanned, protocol.BannedMsg{
		Duration: action.Duration,
		Reason:   action.Reason,
	})

	closed := 0
	for _, c := range g.transport.Connections().All() {
		if c.Client.Fingerprint != action.Fingerprint {
			continue
		}
		if g.transport.CloseWith(c.ID, notice) {
			closed++
		}
	}
	if closed > 0 {
		g.log.Info().Int("closed", closed).Int("duration_s", action.Duration).Msg("ban enforced")
	}
	return closed
}

// Stats exposes the engine counters to the HTTP API.
func (g *Gateway) Stats() matching.Stats {
	return g.engine.Stats()
}
