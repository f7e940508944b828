// Package protocol defines the WebSocket message types and structures used for
// communication between the browser and the signaling server. All messages are
// JSON objects carrying a "type" discriminator; signaling payloads (SDP offers,
// answers and ICE candidates) are kept as raw JSON and never interpreted.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/whisper/video-app/internal/geo"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSetPreferences = "set-preferences"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice-candidate"
	TypeNextUser       = "next-user"
	TypeReportUser     = "report-user"
	TypePing           = "ping"
)

// Server -> Client message types. Relayed signaling reuses the client
// types above.
const (
	TypeICEServers      = "ice-servers"
	TypeWaitingForMatch = "waiting-for-match"
	TypeMatchFound      = "match-found"
	TypePartnerLeft     = "partner-left"
	TypeReportSubmitted = "report-submitted"
	TypeRateLimited     = "rate-limited"
	TypeBanned          = "banned"
	TypeError           = "error"
	TypePong            = "pong"
)

// Leave reasons carried by partner-left.
const (
	ReasonNext       = "next"
	ReasonDisconnect = "disconnect"
)

// IsSignal reports whether msgType is one of the relayed handshake kinds.
func IsSignal(msgType string) bool {
	return msgType == TypeOffer || msgType == TypeAnswer || msgType == TypeICECandidate
}

// ---------------------------------------------------------------------------
// Envelope is used for the first JSON pass, to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded into the matching concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SetPreferencesMsg declares who the client is and whom they want to meet.
// It (re)starts matchmaking for the connection.
type SetPreferencesMsg struct {
	Type       string `json:"type"`
	Gender     string `json:"gender"`
	Preference string `json:"preference"`
}

// SignalMsg is an offer, answer or ICE candidate addressed to a room. Only
// the field matching Type is populated; its content is opaque.
type SignalMsg struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Payload returns the opaque blob for the message's kind.
func (m SignalMsg) Payload() json.RawMessage {
	switch m.Type {
	case TypeOffer:
		return m.Offer
	case TypeAnswer:
		return m.Answer
	case TypeICECandidate:
		return m.Candidate
	}
	return nil
}

// NextUserMsg asks to leave the current partner and find a new one.
type NextUserMsg struct {
	Type string `json:"type"`
}

// ReportUserMsg reports the partner in a room.
type ReportUserMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ICEServersMsg greets a new connection with its id, detected region and
// the ICE servers to use for the peer connection.
type ICEServersMsg struct {
	Type         string             `json:"type"`
	ConnectionID string             `json:"connectionId"`
	Country      geo.Region         `json:"country"`
	ICEServers   []webrtc.ICEServer `json:"iceServers"`
}

// WaitingForMatchMsg tells the client it sits in the waiting pool.
type WaitingForMatchMsg struct {
	Type string `json:"type"`
}

// PartnerInfo is the little a client learns about its partner.
type PartnerInfo struct {
	Country  geo.Region `json:"country"`
	JoinedAt time.Time  `json:"joinedAt"`
}

// MatchFoundMsg is sent to both members when a room is created.
type MatchFoundMsg struct {
	Type    string      `json:"type"`
	RoomID  string      `json:"roomId"`
	Partner PartnerInfo `json:"partner"`
}

// RelayedSignalMsg is a SignalMsg on its way to the other member, stamped
// with the sender's connection id.
type RelayedSignalMsg struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// NewRelayedSignal builds the outbound form of a signal of the given kind.
func NewRelayedSignal(kind, from string, payload json.RawMessage) RelayedSignalMsg {
	m := RelayedSignalMsg{Type: kind, From: from}
	switch kind {
	case TypeOffer:
		m.Offer = payload
	case TypeAnswer:
		m.Answer = payload
	case TypeICECandidate:
		m.Candidate = payload
	}
	return m
}

// encode renders the message with the payload bytes exactly as the sender
// wrote them. encoding/json would compact the blob and escape HTML in it.
func (m RelayedSignalMsg) encode(msgType string) ([]byte, error) {
	key, payload := "", json.RawMessage(nil)
	switch {
	case m.Offer != nil:
		key, payload = "offer", m.Offer
	case m.Answer != nil:
		key, payload = "answer", m.Answer
	case m.Candidate != nil:
		key, payload = "candidate", m.Candidate
	}
	if payload != nil && !json.Valid(payload) {
		return nil, fmt.Errorf("protocol: relayed %s payload is not valid JSON", msgType)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	writeString(&buf, msgType)
	buf.WriteString(`,"from":`)
	writeString(&buf, m.From)
	if key != "" {
		buf.WriteString(`,"` + key + `":`)
		buf.Write(payload)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) // strings always encode
	buf.Truncate(buf.Len() - 1) // Encode appends a newline
}

// PartnerLeftMsg is sent when the partner pressed next or disconnected.
type PartnerLeftMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ReportSubmittedMsg acknowledges a report-user.
type ReportSubmittedMsg struct {
	Type string `json:"type"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// BannedMsg is sent right before a banned connection is closed.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSetPreferences:
		var m SetPreferencesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNextUser:
		var m NextUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportUser:
		var m ReportUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. Relayed
// signals keep their payload bytes untouched.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	if m, ok := payload.(RelayedSignalMsg); ok {
		return m.encode(msgType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := make(map[string]json.RawMessage)
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: payload is not a JSON object: %w", err)
		}
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads built from the structs
// in this package, which always encode.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
