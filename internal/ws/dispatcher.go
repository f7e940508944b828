package ws

import (
	"github.com/rs/zerolog"

	"github.com/whisper/video-app/internal/logging"
	"github.com/whisper/video-app/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// Responder is the part of Server the dispatcher writes replies through.
type Responder interface {
	Send(connID string, data []byte) error
}

// MessageDispatcher routes incoming frames to handlers by message type. Ping
// is answered internally; malformed or unsupported messages get an error
// reply. A panicking handler is logged and contained to its message.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	out      Responder
	log      zerolog.Logger
}

// NewMessageDispatcher creates a dispatcher that replies through out. out may
// be nil at construction and supplied later with SetResponder, since the
// server needs Dispatch before it exists.
func NewMessageDispatcher(out Responder) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		out:      out,
		log:      logging.Module("dispatch"),
	}
}

// SetResponder assigns the reply channel.
func (d *MessageDispatcher) SetResponder(out Responder) {
	d.out = out
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the OnMessage hook.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("parse error")
		d.SendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.Reply(conn, protocol.TypePong, nil)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("conn", conn.ID).Str("type", msgType).Msg("unsupported message type")
		d.SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("conn", conn.ID).
				Str("type", msgType).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	handler(conn, msg)
}

// SendError replies with a structured error.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.Reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// Reply encodes and queues a server message for conn.
func (d *MessageDispatcher) Reply(conn *Connection, msgType string, payload interface{}) {
	if d.out == nil {
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Msg("build reply")
		return
	}
	if err := d.out.Send(conn.ID, data); err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Str("type", msgType).Msg("reply not sent")
	}
}
