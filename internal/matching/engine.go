package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/video-app/internal/geo"
	"github.com/whisper/video-app/internal/logging"
	"github.com/whisper/video-app/internal/metrics"
	"github.com/whisper/video-app/internal/protocol"
)

// DefaultRequeueDelay is how long an abandoned partner waits before
// re-entering the pool.
const DefaultRequeueDelay = time.Second

// Match triggers, used as metric labels.
const (
	triggerPreferences = "preferences"
	triggerNext        = "next"
	triggerRequeue     = "requeue"
)

// Sender delivers an encoded server message to one connection. The engine
// calls Send with its lock held, so implementations must not block; they
// enqueue and return. Messages to one connection must be delivered in the
// order Send was called.
type Sender interface {
	Send(connID string, data []byte) error
}

// Scheduler runs f once after d on another goroutine. The returned stop
// function cancels it and reports whether f had not run yet.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// AfterFunc is the wall-clock Scheduler.
func AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Report is an abuse report about a room partner, forwarded to moderation.
type Report struct {
	ReporterID          string
	ReporterFingerprint string
	ReportedID          string
	ReportedFingerprint string
	RoomID              string
	Reason              string
	CreatedAt           time.Time
}

// Reporter forwards reports out of process.
type Reporter interface {
	SubmitReport(ctx context.Context, r Report) error
}

// Stats is a point-in-time snapshot of the engine counters.
type Stats struct {
	ActiveUsers      int    `json:"activeUsers"`
	TotalConnections uint64 `json:"totalConnections"`
	ActiveRooms      int    `json:"activeRooms"`
	WaitingUsers     int    `json:"waitingUsers"`
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	RequeueDelay time.Duration
	Now          func() time.Time
	Schedule     Scheduler
	NewRoomID    func() string
	Reporter     Reporter
}

type pendingRequeue struct {
	stop func() bool
}

// Engine is the matchmaking core. Every exported method is safe for
// concurrent use; all state changes happen under one mutex.
type Engine struct {
	mu       sync.Mutex
	sender   Sender
	reporter Reporter

	registry *Registry
	pool     *Pool
	rooms    *Rooms
	pending  map[string]*pendingRequeue
	total    uint64
	closed   bool

	delay    time.Duration
	now      func() time.Time
	schedule Scheduler
	log      zerolog.Logger
}

// NewEngine creates an engine that writes outbound events to sender.
func NewEngine(sender Sender, opts Options) *Engine {
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = DefaultRequeueDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Schedule == nil {
		opts.Schedule = AfterFunc
	}
	if opts.NewRoomID == nil {
		opts.NewRoomID = uuid.NewString
	}

	return &Engine{
		sender:   sender,
		reporter: opts.Reporter,
		registry: NewRegistry(),
		pool:     NewPool(),
		rooms:    NewRooms(opts.NewRoomID),
		pending:  make(map[string]*pendingRequeue),
		delay:    opts.RequeueDelay,
		now:      opts.Now,
		schedule: opts.Schedule,
		log:      logging.Module("matching"),
	}
}

// Connect registers a new connection. It does not enter matchmaking until
// SetPreferences.
func (e *Engine) Connect(connID string, region geo.Region, fingerprint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ok := e.registry.Add(&Entry{
		ConnID:      connID,
		Region:      region,
		Fingerprint: fingerprint,
		ConnectedAt: e.now(),
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, connID)
	}

	e.total++
	metrics.ConnectionsTotal.Inc()
	e.syncGauges()

	e.log.Debug().Str("conn", connID).Str("country", region.Code).Msg("connected")
	return nil
}

// SetPreferences stores the connection's profile and tries to match it.
// A connection that is already in a room leaves it first, and its partner
// is told "next" and requeued. It returns the new room id, or "" when the
// connection was put in the pool.
func (e *Engine) SetPreferences(connID, gender, preference string) (string, error) {
	g, ok := ParseGender(gender)
	if !ok {
		return "", fmt.Errorf("%w: gender %q", ErrInvalidPreferences, gender)
	}
	pref, ok := ParseGender(preference)
	if !ok {
		return "", fmt.Errorf("%w: preference %q", ErrInvalidPreferences, preference)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.registry.Get(connID)
	if entry == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	e.cancelRequeue(connID)
	e.leaveRoom(connID, protocol.ReasonNext)
	e.pool.Remove(connID)

	entry.Profile = &Profile{
		ConnID:     connID,
		Gender:     g,
		Preference: pref,
		Region:     entry.Region,
		JoinedAt:   e.now(),
	}
	return e.attemptMatch(entry.Profile, triggerPreferences)
}

// NextUser ends the current room, if any, and looks for a new partner. A
// connection already waiting keeps its place and is only reminded that it
// is waiting.
func (e *Engine) NextUser(connID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.registry.Get(connID)
	if entry == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if entry.Profile == nil {
		return "", ErrNoPreferences
	}

	if e.pool.Contains(connID) {
		e.send(connID, protocol.TypeWaitingForMatch, nil)
		return "", nil
	}

	e.cancelRequeue(connID)
	e.leaveRoom(connID, protocol.ReasonNext)

	entry.Profile.JoinedAt = e.now()
	return e.attemptMatch(entry.Profile, triggerNext)
}

// Disconnect removes every trace of the connection. The partner of an open
// room is told "disconnect" and requeued. It is idempotent and reports
// whether the connection was registered.
func (e *Engine) Disconnect(connID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.registry.Remove(connID) == nil {
		return false
	}

	e.cancelRequeue(connID)
	e.pool.Remove(connID)
	e.leaveRoom(connID, protocol.ReasonDisconnect)
	e.syncGauges()

	e.log.Debug().Str("conn", connID).Msg("disconnected")
	return true
}

// Relay forwards an opaque signaling payload to the sender's partner in
// roomID. Signals for unknown rooms, or from non-members, are dropped.
func (e *Engine) Relay(kind, from, roomID string, payload json.RawMessage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	room := e.rooms.Get(roomID)
	if room == nil || room.Status != RoomActive {
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		e.log.Debug().Str("conn", from).Str("room", roomID).Str("kind", kind).Msg("signal for unknown room dropped")
		return false
	}
	partner, ok := room.Partner(from)
	if !ok {
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		e.log.Warn().Str("conn", from).Str("room", roomID).Str("kind", kind).Msg("signal from non-member dropped")
		return false
	}

	if !e.send(partner.ConnID, kind, protocol.NewRelayedSignal(kind, from, payload)) {
		metrics.SignalsTotal.WithLabelValues(kind, "dropped").Inc()
		return false
	}
	metrics.SignalsTotal.WithLabelValues(kind, "relayed").Inc()
	return true
}

// Report acknowledges a report-user and forwards it to the Reporter. The
// acknowledgment is sent whether or not forwarding succeeds.
func (e *Engine) Report(ctx context.Context, from, roomID, reason string) error {
	e.mu.Lock()
	entry := e.registry.Get(from)
	if entry == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, from)
	}
	r := Report{
		ReporterID:          from,
		ReporterFingerprint: entry.Fingerprint,
		RoomID:              roomID,
		Reason:              reason,
		CreatedAt:           e.now(),
	}
	if room := e.rooms.Get(roomID); room != nil {
		if partner, ok := room.Partner(from); ok {
			r.ReportedID = partner.ConnID
			if pe := e.registry.Get(partner.ConnID); pe != nil {
				r.ReportedFingerprint = pe.Fingerprint
			}
		}
	}
	e.send(from, protocol.TypeReportSubmitted, nil)
	e.mu.Unlock()

	if r.ReportedID == "" || e.reporter == nil {
		metrics.ReportsTotal.WithLabelValues("acknowledged").Inc()
		return nil
	}

	if err := e.reporter.SubmitReport(ctx, r); err != nil {
		metrics.ReportsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("matching: forward report: %w", err)
	}
	metrics.ReportsTotal.WithLabelValues("forwarded").Inc()
	return nil
}

// Stats returns a consistent snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

// Close cancels every pending requeue. Events after Close are still
// processed but nothing is requeued.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	for id, p := range e.pending {
		p.stop()
		delete(e.pending, id)
	}
}

func (e *Engine) statsLocked() Stats {
	return Stats{
		ActiveUsers:      e.registry.Len(),
		TotalConnections: e.total,
		ActiveRooms:      e.rooms.Len(),
		WaitingUsers:     e.pool.Len(),
	}
}

// attemptMatch pairs p with the oldest compatible waiting profile or puts
// p in the pool. p must be in neither the pool nor a room.
func (e *Engine) attemptMatch(p *Profile, trigger string) (string, error) {
	defer e.syncGauges()

	for {
		cand := e.pool.DequeueCompatible(p)
		if cand == nil {
			e.pool.Enqueue(p)
			e.send(p.ConnID, protocol.TypeWaitingForMatch, nil)
			return "", nil
		}
		if e.registry.Get(cand.ConnID) == nil {
			e.log.Error().Str("conn", cand.ConnID).Msg("unregistered profile found in pool, dropping")
			continue
		}

		now := e.now()
		room, err := e.rooms.Create(p, cand, now)
		if err != nil {
			e.log.Error().Err(err).Str("conn", p.ConnID).Str("candidate", cand.ConnID).Msg("room creation failed")
			if e.rooms.FindByMember(cand.ConnID) == nil {
				e.pool.Enqueue(cand)
			}
			e.pool.Enqueue(p)
			return "", err
		}

		metrics.MatchesTotal.WithLabelValues(trigger).Inc()
		metrics.MatchWait.Observe(now.Sub(cand.JoinedAt).Seconds())

		e.send(p.ConnID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
			RoomID:  room.ID,
			Partner: protocol.PartnerInfo{Country: cand.Region, JoinedAt: cand.JoinedAt},
		})
		e.send(cand.ConnID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
			RoomID:  room.ID,
			Partner: protocol.PartnerInfo{Country: p.Region, JoinedAt: p.JoinedAt},
		})

		e.log.Info().
			Str("room", room.ID).
			Str("a", p.ConnID).
			Str("b", cand.ConnID).
			Str("trigger", trigger).
			Msg("match created")
		return room.ID, nil
	}
}

// leaveRoom closes connID's room, tells the partner why and schedules the
// partner's requeue. It is a no-op when connID is not in a room.
func (e *Engine) leaveRoom(connID, reason string) {
	room := e.rooms.FindByMember(connID)
	if room == nil {
		return
	}
	partner, _ := room.Partner(connID)
	if _, ok := e.rooms.Close(room.ID); !ok {
		return
	}

	metrics.PartnerLeftTotal.WithLabelValues(reason).Inc()
	e.send(partner.ConnID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{Reason: reason})
	e.scheduleRequeue(partner.ConnID)

	e.log.Debug().Str("room", room.ID).Str("conn", connID).Str("reason", reason).Msg("room closed")
}

func (e *Engine) scheduleRequeue(connID string) {
	if e.closed {
		return
	}
	e.cancelRequeue(connID)

	p := &pendingRequeue{}
	e.pending[connID] = p
	p.stop = e.schedule(e.delay, func() { e.requeue(connID, p) })
}

func (e *Engine) cancelRequeue(connID string) {
	if p, ok := e.pending[connID]; ok {
		p.stop()
		delete(e.pending, connID)
	}
}

// requeue runs on the scheduler goroutine. The token check discards timers
// that were superseded or cancelled after they had already fired.
func (e *Engine) requeue(connID string, token *pendingRequeue) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending[connID] != token {
		return
	}
	delete(e.pending, connID)

	entry := e.registry.Get(connID)
	if entry == nil || entry.Profile == nil {
		return
	}
	if e.pool.Contains(connID) || e.rooms.FindByMember(connID) != nil {
		return
	}

	entry.Profile.JoinedAt = e.now()
	if _, err := e.attemptMatch(entry.Profile, triggerRequeue); err != nil {
		e.log.Error().Err(err).Str("conn", connID).Msg("requeue failed")
	}
}

// send encodes and hands a message to the Sender. Failures mean the
// connection is going away, which Disconnect will clean up.
func (e *Engine) send(connID, msgType string, payload interface{}) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		e.log.Error().Err(err).Str("type", msgType).Msg("encode server message")
		return false
	}
	if err := e.sender.Send(connID, data); err != nil {
		e.log.Debug().Err(err).Str("conn", connID).Str("type", msgType).Msg("send failed")
		return false
	}
	return true
}

func (e *Engine) syncGauges() {
	metrics.ConnectionsActive.Set(float64(e.registry.Len()))
	metrics.ActiveRooms.Set(float64(e.rooms.Len()))
	metrics.MatchQueueSize.Set(float64(e.pool.Len()))
}

// checkInvariants verifies the structural relationships between registry,
// pool, rooms and pending requeues.
func (e *Engine) checkInvariants() error {
	inRoom := make(map[string]int)
	for id, r := range e.rooms.byID {
		if r.Members[0].ConnID == r.Members[1].ConnID {
			return fmt.Errorf("%w: room %s pairs a connection with itself", ErrInvariant, id)
		}
		for _, m := range r.Members {
			inRoom[m.ConnID]++
			if e.registry.Get(m.ConnID) == nil {
				return fmt.Errorf("%w: room %s member %s not registered", ErrInvariant, id, m.ConnID)
			}
			if e.rooms.byMember[m.ConnID] != id {
				return fmt.Errorf("%w: member index for %s out of sync", ErrInvariant, m.ConnID)
			}
		}
	}
	for id, n := range inRoom {
		if n > 1 {
			return fmt.Errorf("%w: %s in %d rooms", ErrInvariant, id, n)
		}
		if e.pool.Contains(id) {
			return fmt.Errorf("%w: %s both waiting and in a room", ErrInvariant, id)
		}
	}
	for id := range e.pool.index {
		entry := e.registry.Get(id)
		if entry == nil || entry.Profile == nil {
			return fmt.Errorf("%w: waiting %s has no registered profile", ErrInvariant, id)
		}
	}
	for id := range e.pending {
		if e.registry.Get(id) == nil {
			return fmt.Errorf("%w: requeue pending for unregistered %s", ErrInvariant, id)
		}
	}
	if len(e.rooms.byMember) != 2*e.rooms.Len() {
		return fmt.Errorf("%w: member index has %d entries for %d rooms", ErrInvariant, len(e.rooms.byMember), e.rooms.Len())
	}
	return nil
}
