package a2a

import (
	"testing"
	"time"

	"github.com/titanmem/titan/internal/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := NewMessage("agent-1", domain.EventMemoryAdded, map[string]any{
		"memory_id": "m-1",
		"layer":     "factual",
	})
	data, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Sender != "agent-1" || decoded.Type != domain.EventMemoryAdded {
		t.Fatalf("decoded envelope = %+v", decoded)
	}
	if decoded.Payload["memory_id"] != "m-1" {
		t.Fatalf("payload = %v", decoded.Payload)
	}
}

func TestDecodeRejectsIncompleteEnvelope(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{`},
		{"missing id", `{"type":"agent.heartbeat"}`},
		{"missing type", `{"id":"abc"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.data))
			if err == nil {
				t.Fatal("incomplete message accepted")
			}
			a2aErr, ok := err.(*Error)
			if !ok || a2aErr.Code != CodeInvalidMessage {
				t.Fatalf("err = %v, want INVALID_MESSAGE", err)
			}
		})
	}
}

func TestDecodeRehydratesTimestamps(t *testing.T) {
	data := []byte(`{
		"id": "msg-1",
		"type": "memory.added",
		"payload": {
			"at": "2026-08-25T10:30:00Z",
			"note": "not a date",
			"nested": {"when": "2026-08-25T10:30:00.123Z"},
			"list": ["2026-08-25T10:30:00Z", "plain"]
		}
	}`)
	msg, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	at, ok := msg.Payload["at"].(time.Time)
	if !ok {
		t.Fatalf("at not rehydrated: %T", msg.Payload["at"])
	}
	if at.Hour() != 10 || at.Minute() != 30 {
		t.Fatalf("at = %v", at)
	}
	if _, ok := msg.Payload["note"].(string); !ok {
		t.Fatalf("plain string converted: %T", msg.Payload["note"])
	}
	nested := msg.Payload["nested"].(map[string]any)
	if _, ok := nested["when"].(time.Time); !ok {
		t.Fatalf("nested date not rehydrated: %T", nested["when"])
	}
	list := msg.Payload["list"].([]any)
	if _, ok := list[0].(time.Time); !ok {
		t.Fatalf("list date not rehydrated: %T", list[0])
	}
	if _, ok := list[1].(string); !ok {
		t.Fatalf("plain list entry converted: %T", list[1])
	}
}

func TestDecodeNilPayload(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"id":"x","type":"agent.heartbeat"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Payload == nil {
		t.Fatal("payload should be non-nil after decode")
	}
}

func TestReplyCorrelation(t *testing.T) {
	req := NewMessage("client", domain.EventLockRequest, nil)
	reply := req.Reply("server", domain.EventLockGranted, map[string]any{"lock_id": "l1"})
	if reply.CorrelationID != req.ID {
		t.Fatalf("correlation = %q, want %q", reply.CorrelationID, req.ID)
	}
	if reply.ID == req.ID {
		t.Fatal("reply reused request id")
	}
}

func TestErrorReplyRoundTrip(t *testing.T) {
	req := NewMessage("client", domain.EventLockRequest, nil)
	orig := NewError(CodeLockFailed, "resource busy")
	orig.Details = map[string]any{"resource": "memory:m-1"}

	reply := req.ErrorReply("server", orig)
	if reply.Type != domain.EventError || reply.CorrelationID != req.ID {
		t.Fatalf("error reply = %+v", reply)
	}

	// Over the wire and back.
	data, err := EncodeMessage(reply)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	got := ErrorFromPayload(decoded)
	if got.Code != CodeLockFailed || got.Message != "resource busy" {
		t.Fatalf("reconstructed error = %+v", got)
	}
	if !got.Recoverable {
		t.Fatal("recoverability lost on the wire")
	}
	if got.Details["resource"] != "memory:m-1" {
		t.Fatalf("details = %v", got.Details)
	}
	if got.CorrelationID != req.ID {
		t.Fatalf("correlation = %q", got.CorrelationID)
	}
}
