package ws

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/video-app/internal/protocol"
)

type captureResponder struct {
	mu   sync.Mutex
	sent []map[string]interface{}
}

func (r *captureResponder) Send(_ string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
	return nil
}

func (r *captureResponder) last(t *testing.T) map[string]interface{} {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.sent)
	return r.sent[len(r.sent)-1]
}

func TestDispatch_Ping(t *testing.T) {
	out := &captureResponder{}
	d := NewMessageDispatcher(out)
	c, _ := pipeConnection(t, "c1", 1)

	d.Dispatch(c, []byte(`{"type":"ping"}`))
	assert.Equal(t, protocol.TypePong, out.last(t)["type"])
}

func TestDispatch_Errors(t *testing.T) {
	out := &captureResponder{}
	d := NewMessageDispatcher(out)
	c, _ := pipeConnection(t, "c1", 1)

	d.Dispatch(c, []byte(`not json`))
	assert.Equal(t, "parse_error", out.last(t)["code"])

	d.Dispatch(c, []byte(`{"type":"next-user"}`))
	assert.Equal(t, "unsupported_type", out.last(t)["code"])
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher(nil)
	c, _ := pipeConnection(t, "c1", 1)

	var got protocol.SetPreferencesMsg
	d.Register(protocol.TypeSetPreferences, func(conn *Connection, msg interface{}) {
		got = msg.(protocol.SetPreferencesMsg)
	})
	d.Dispatch(c, []byte(`{"type":"set-preferences","gender":"female","preference":"male"}`))
	assert.Equal(t, "female", got.Gender)
	assert.Equal(t, "male", got.Preference)
}

func TestDispatch_RecoversPanic(t *testing.T) {
	out := &captureResponder{}
	d := NewMessageDispatcher(nil)
	d.SetResponder(out)
	c, _ := pipeConnection(t, "c1", 1)

	d.Register(protocol.TypeNextUser, func(*Connection, interface{}) { panic("boom") })
	assert.NotPanics(t, func() { d.Dispatch(c, []byte(`{"type":"next-user"}`)) })

	d.Dispatch(c, []byte(`{"type":"ping"}`))
	assert.Equal(t, protocol.TypePong, out.last(t)["type"])
}
