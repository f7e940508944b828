package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/video-app/internal/ban"
	"github.com/whisper/video-app/internal/geo"
	"github.com/whisper/video-app/internal/matching"
	"github.com/whisper/video-app/internal/moderation"
	"github.com/whisper/video-app/internal/protocol"
	"github.com/whisper/video-app/internal/ratelimit"
	"github.com/whisper/video-app/internal/ws"
)

// fakeTransport records outbound frames per connection.
type fakeTransport struct {
	mu     sync.Mutex
	out    map[string][]map[string]json.RawMessage
	closed map[string][]byte
	conns  *ws.ConnectionManager
	onGone func(*ws.Connection)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		out:    make(map[string][]map[string]json.RawMessage),
		closed: make(map[string][]byte),
		conns:  ws.NewConnectionManager(),
	}
}

func (f *fakeTransport) Send(connID string, data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.out[connID] = append(f.out[connID], m)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) CloseWith(connID string, data []byte) bool {
	c := f.conns.Get(connID)
	if c == nil {
		return false
	}
	f.mu.Lock()
	f.closed[connID] = data
	f.mu.Unlock()
	if f.onGone != nil {
		f.onGone(c)
	}
	return true
}

func (f *fakeTransport) Connections() *ws.ConnectionManager { return f.conns }

// types lists the message types connID received, in order.
func (f *fakeTransport) types(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.out[connID] {
		var typ string
		_ = json.Unmarshal(m["type"], &typ)
		out = append(out, typ)
	}
	return out
}

func (f *fakeTransport) last(connID string) map[string]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.out[connID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type fakeLimiter struct {
	deny  map[string]bool // rule name -> deny
	retry time.Duration
}

func (l *fakeLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return !l.deny[rule.Name], nil
}

func (l *fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) (time.Duration, error) {
	return l.retry, nil
}

type fakeBans struct {
	banned map[string]bool
	err    error
}

func (b *fakeBans) Lookup(_ context.Context, fp string) (ban.Status, error) {
	if b.err != nil {
		return ban.Status{}, b.err
	}
	if b.banned[fp] {
		return ban.Status{Banned: true, Remaining: time.Minute}, nil
	}
	return ban.Status{}, nil
}

type fixture struct {
	g       *Gateway
	t       *fakeTransport
	engine  *matching.Engine
	limiter *fakeLimiter
	bans    *fakeBans
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       newFakeTransport(),
		limiter: &fakeLimiter{deny: map[string]bool{}, retry: 1500 * time.Millisecond},
		bans:    &fakeBans{banned: map[string]bool{}},
	}
	f.g = New(Options{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
		Limiter:    f.limiter,
		Bans:       f.bans,
	})
	n := 0
	f.engine = matching.NewEngine(f.t, matching.Options{
		RequeueDelay: time.Hour,
		NewRoomID: func() string {
			n++
			return "room-" + string(rune('0'+n))
		},
	})
	t.Cleanup(f.engine.Close)
	f.g.Attach(f.engine, f.t)
	f.t.onGone = f.g.OnDisconnect
	return f
}

func (f *fixture) connect(t *testing.T, id, fingerprint string) *ws.Connection {
	t.Helper()
	c := &ws.Connection{ID: id, Client: ws.ClientInfo{
		IP:          "192.0.2.1",
		Fingerprint: fingerprint,
		Region:      geo.FromCode("DE"),
	}}
	f.t.conns.Add(c)
	require.NoError(t, f.g.OnConnect(c))
	return c
}

func (f *fixture) send(c *ws.Connection, raw string) {
	f.g.Hooks().OnMessage(c, []byte(raw))
}

func errorCode(t *testing.T, m map[string]json.RawMessage) string {
	t.Helper()
	require.NotNil(t, m)
	var code string
	require.NoError(t, json.Unmarshal(m["code"], &code))
	return code
}

func TestAdmit_IdentifiesClient(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "127.0.0.1:51000"

	info, err := f.g.Admit(r)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", info.IP)
	assert.Equal(t, ban.Fingerprint("127.0.0.1"), info.Fingerprint)
	assert.Equal(t, geo.Localhost(), info.Region)
}

func TestAdmit_RejectsBannedAndLimited(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "198.51.100.9:4000"

	f.bans.banned[ban.Fingerprint("198.51.100.9")] = true
	_, err := f.g.Admit(r)
	var rej *ws.RejectError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, http.StatusForbidden, rej.Status)

	f.limiter.deny[ratelimit.RuleConnect.Name] = true
	_, err = f.g.Admit(r)
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, http.StatusTooManyRequests, rej.Status)
}

func TestAdmit_BanLookupFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.bans.err = errors.New("redis down")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)

	_, err := f.g.Admit(r)
	assert.NoError(t, err)
}

func TestOnConnect_SendsICEServers(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a", "fp-a")

	require.Equal(t, []string{protocol.TypeICEServers}, f.t.types("a"))
	m := f.t.last("a")

	var id string
	require.NoError(t, json.Unmarshal(m["connectionId"], &id))
	assert.Equal(t, "a", id)

	var country geo.Region
	require.NoError(t, json.Unmarshal(m["country"], &country))
	assert.Equal(t, "DE", country.Code)

	var servers []webrtc.ICEServer
	require.NoError(t, json.Unmarshal(m["iceServers"], &servers))
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)

	assert.Equal(t, 1, f.g.Stats().ActiveUsers)
}

func TestMatchAndRelay(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "fp-a")
	b := f.connect(t, "b", "fp-b")

	f.send(a, `{"type":"set-preferences","gender":"male","preference":"female"}`)
	f.send(b, `{"type":"set-preferences","gender":"female","preference":"male"}`)

	assert.Equal(t, []string{protocol.TypeICEServers, protocol.TypeWaitingForMatch, protocol.TypeMatchFound}, f.t.types("a"))
	assert.Equal(t, []string{protocol.TypeICEServers, protocol.TypeMatchFound}, f.t.types("b"))

	var roomID string
	require.NoError(t, json.Unmarshal(f.t.last("b")["roomId"], &roomID))
	require.NotEmpty(t, roomID)

	f.send(a, `{"type":"offer","roomId":"`+roomID+`","offer":{"type":"offer","sdp":"v=0"}}`)
	m := f.t.last("b")
	var typ, from string
	require.NoError(t, json.Unmarshal(m["type"], &typ))
	require.NoError(t, json.Unmarshal(m["from"], &from))
	assert.Equal(t, protocol.TypeOffer, typ)
	assert.Equal(t, "a", from)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(m["offer"]))
}

func TestInvalidPreferences(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "fp-a")

	f.send(a, `{"type":"set-preferences","gender":"robot","preference":"both"}`)
	assert.Equal(t, "invalid_preferences", errorCode(t, f.t.last("a")))
	assert.Equal(t, 0, f.g.Stats().WaitingUsers)
}

func TestNextUserWithoutPreferences(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "fp-a")

	f.send(a, `{"type":"next-user"}`)
	assert.Equal(t, "no_preferences", errorCode(t, f.t.last("a")))
}

func TestIncompleteSignalDropped(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "fp-a")

	f.send(a, `{"type":"ice-candidate","candidate":{"candidate":"x"}}`)
	f.send(a, `{"type":"offer","roomId":"room-1"}`)
	assert.Equal(t, []string{protocol.TypeICEServers}, f.t.types("a"))
}

func TestRateLimitedReply(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "fp-a")
	f.limiter.deny[ratelimit.RuleMatchmaking.Name] = true

	f.send(a, `{"type":"set-preferences","gender":"male","preference":"both"}`)

	m := f.t.last("a")
	var typ string
	var retry int
	require.NoError(t, json.Unmarshal(m["type"], &typ))
	require.NoError(t, json.Unmarshal(m["retryAfter"], &retry))
	assert.Equal(t, protocol.TypeRateLimited, typ)
	assert.Equal(t, 2, retry)
	assert.Equal(t, 0, f.g.Stats().WaitingUsers)
}

func TestReportAcknowledged(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "fp-a")

	f.send(a, `{"type":"report-user","roomId":"nope","reason":"spam"}`)
	assert.Equal(t, protocol.TypeReportSubmitted, f.t.types("a")[1])
}

func TestModerationActionClosesBannedConnections(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a", "fp-bad")
	b := f.connect(t, "b", "fp-good")
	f.connect(t, "c", "fp-bad")

	f.send(a, `{"type":"set-preferences","gender":"male","preference":"both"}`)
	f.send(b, `{"type":"set-preferences","gender":"female","preference":"both"}`)
	require.Equal(t, 1, f.g.Stats().ActiveRooms)

	data, err := json.Marshal(moderation.ModerationAction{
		Action:      moderation.ActionBan,
		Fingerprint: "fp-bad",
		Duration:    900,
		Reason:      "multiple_reports: spam",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, f.g.HandleModerationAction(data))

	var notice protocol.BannedMsg
	require.NoError(t, json.Unmarshal(f.t.closed["a"], &notice))
	assert.Equal(t, protocol.TypeBanned, notice.Type)
	assert.Equal(t, 900, notice.Duration)
	assert.Contains(t, f.t.closed, "c")
	assert.NotContains(t, f.t.closed, "b")

	// The partner of the banned user sees a disconnect.
	var reason string
	require.NoError(t, json.Unmarshal(f.t.last("b")["reason"], &reason))
	assert.Equal(t, protocol.ReasonDisconnect, reason)
	assert.Equal(t, 1, f.g.Stats().ActiveUsers)
}

func TestModerationActionIgnoresGarbage(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a", "fp-a")

	assert.Zero(t, f.g.HandleModerationAction([]byte("{")))
	assert.Zero(t, f.g.HandleModerationAction([]byte(`{"action":"warn","fingerprint":"fp-a"}`)))
	assert.Empty(t, f.t.closed)
}
