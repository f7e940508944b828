package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/video-app/internal/geo"
)

// ---------------------------------------------------------------------------
// Test: Parsing set-preferences
// ---------------------------------------------------------------------------

func TestParseClientMessage_SetPreferences(t *testing.T) {
	input := []byte(`{"type":"set-preferences","gender":"male","preference":"both"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSetPreferences {
		t.Fatalf("expected type %q, got %q", TypeSetPreferences, msgType)
	}

	sp, ok := msg.(SetPreferencesMsg)
	if !ok {
		t.Fatalf("expected SetPreferencesMsg, got %T", msg)
	}
	if sp.Gender != "male" || sp.Preference != "both" {
		t.Errorf("unexpected preferences: %+v", sp)
	}
}

// ---------------------------------------------------------------------------
// Test: signaling payloads stay opaque
// ---------------------------------------------------------------------------

func TestParseClientMessage_SignalKinds(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		kind    string
		payload string
	}{
		{"offer", `{"type":"offer","roomId":"r1","offer":{"type":"offer","sdp":"v=0\r\n"}}`, TypeOffer, `{"type":"offer","sdp":"v=0\r\n"}`},
		{"answer", `{"type":"answer","roomId":"r1","answer":{"sdp":"x","n":1.50}}`, TypeAnswer, `{"sdp":"x","n":1.50}`},
		{"candidate", `{"type":"ice-candidate","roomId":"r1","candidate":"candidate:1 1 udp"}`, TypeICECandidate, `"candidate:1 1 udp"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tt.kind {
				t.Fatalf("expected %q, got %q", tt.kind, msgType)
			}
			sm, ok := msg.(SignalMsg)
			if !ok {
				t.Fatalf("expected SignalMsg, got %T", msg)
			}
			if sm.RoomID != "r1" {
				t.Errorf("expected roomId r1, got %q", sm.RoomID)
			}
			if string(sm.Payload()) != tt.payload {
				t.Errorf("payload changed: got %s want %s", sm.Payload(), tt.payload)
			}
		})
	}
}

func TestIsSignal(t *testing.T) {
	for _, k := range []string{TypeOffer, TypeAnswer, TypeICECandidate} {
		if !IsSignal(k) {
			t.Errorf("%q should be a signal kind", k)
		}
	}
	if IsSignal(TypeNextUser) {
		t.Error("next-user is not a signal kind")
	}
}

// ---------------------------------------------------------------------------
// Test: malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Errors(t *testing.T) {
	inputs := map[string]string{
		"not json":       `hello`,
		"missing type":   `{"roomId":"r1"}`,
		"empty type":     `{"type":""}`,
		"unknown type":   `{"type":"teleport"}`,
		"server only":    `{"type":"match-found"}`,
		"wrong gender":   `{"type":"set-preferences","gender":5}`,
		"wrong room id":  `{"type":"offer","roomId":7}`,
		"report bad why": `{"type":"report-user","roomId":"r","reason":[]}`,
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(in)); err == nil {
				t.Errorf("expected error for %s", in)
			}
		})
	}
}

func TestParseClientMessage_ReportAndNext(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"report-user","roomId":"r9","reason":"spam"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rep := msg.(ReportUserMsg)
	if rep.RoomID != "r9" || rep.Reason != "spam" {
		t.Errorf("unexpected report: %+v", rep)
	}

	msgType, _, err := ParseClientMessage([]byte(`{"type":"next-user"}`))
	if err != nil || msgType != TypeNextUser {
		t.Fatalf("next-user: type=%q err=%v", msgType, err)
	}
}

// ---------------------------------------------------------------------------
// Test: server message construction
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypePartnerLeft, PartnerLeftMsg{Reason: ReasonNext})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m["type"] != TypePartnerLeft {
		t.Errorf("expected type %q, got %v", TypePartnerLeft, m["type"])
	}
	if m["reason"] != ReasonNext {
		t.Errorf("expected reason next, got %v", m["reason"])
	}
}

func TestNewServerMessage_NilPayload(t *testing.T) {
	data, err := NewServerMessage(TypeWaitingForMatch, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"waiting-for-match"}` {
		t.Errorf("unexpected output: %s", data)
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeError, []int{1, 2}); err == nil {
		t.Error("expected error for array payload")
	}
}

func TestNewServerMessage_RelayKeepsPayload(t *testing.T) {
	payload := json.RawMessage(`{"sdp":"v=0","big":12345678901234567890}`)
	data, err := NewServerMessage(TypeOffer, NewRelayedSignal(TypeOffer, "conn-1", payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if string(m["offer"]) != string(payload) {
		t.Errorf("offer payload altered: %s", m["offer"])
	}
	if string(m["from"]) != `"conn-1"` {
		t.Errorf("unexpected from: %s", m["from"])
	}
	if _, ok := m["answer"]; ok {
		t.Error("answer field should be omitted on an offer")
	}
}

func TestNewServerMessage_RelayIsByteExact(t *testing.T) {
	payload := json.RawMessage(`{ "type":"offer", "sdp":"v=0\r\na=x <y> & z" }`)
	data, err := NewServerMessage(TypeOffer, NewRelayedSignal(TypeOffer, "conn-1", payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{"type":"offer","from":"conn-1","offer":` + string(payload) + `}`
	if string(data) != want {
		t.Errorf("relayed message altered:\n got: %s\nwant: %s", data, want)
	}
	if !json.Valid(data) {
		t.Errorf("output is not valid JSON: %s", data)
	}
}

func TestNewServerMessage_RelayRejectsInvalidPayload(t *testing.T) {
	_, err := NewServerMessage(TypeAnswer, NewRelayedSignal(TypeAnswer, "conn-1", json.RawMessage(`{"sdp":`)))
	if err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestNewServerMessage_MatchFound(t *testing.T) {
	joined := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data := MustServerMessage(TypeMatchFound, MatchFoundMsg{
		RoomID:  "room-1",
		Partner: PartnerInfo{Country: geo.FromCode("JP"), JoinedAt: joined},
	})

	var decoded MatchFoundMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded.Type != TypeMatchFound || decoded.RoomID != "room-1" {
		t.Errorf("unexpected message: %+v", decoded)
	}
	if decoded.Partner.Country.Code != "JP" || !decoded.Partner.JoinedAt.Equal(joined) {
		t.Errorf("unexpected partner: %+v", decoded.Partner)
	}
}
