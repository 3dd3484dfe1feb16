package a2a

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/titanmem/titan/internal/domain"
)

// Message is the wire envelope. Payload dates travel as ISO8601 strings;
// DecodeMessage re-hydrates them into time.Time.
type Message struct {
	ID            string           `json:"id"`
	Timestamp     time.Time        `json:"timestamp"`
	Sender        string           `json:"sender"`
	Type          domain.EventType `json:"type"`
	Payload       map[string]any   `json:"payload,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
}

// NewMessage builds an envelope with a fresh id and timestamp.
func NewMessage(sender string, msgType domain.EventType, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Sender:    sender,
		Type:      msgType,
		Payload:   payload,
	}
}

// Reply builds a response correlated to the request.
func (m Message) Reply(sender string, msgType domain.EventType, payload map[string]any) Message {
	out := NewMessage(sender, msgType, payload)
	out.CorrelationID = m.ID
	return out
}

// ErrorReply wraps an Error into a correlated error message.
func (m Message) ErrorReply(sender string, e *Error) Message {
	e.CorrelationID = m.ID
	payload := map[string]any{
		"code":        string(e.Code),
		"message":     e.Message,
		"recoverable": e.Recoverable,
	}
	if e.Details != nil {
		payload["details"] = e.Details
	}
	out := NewMessage(sender, domain.EventError, payload)
	out.CorrelationID = m.ID
	return out
}

// EncodeMessage serializes a message for the wire.
func EncodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// DecodeMessage parses a wire message and re-hydrates ISO8601 strings in
// the payload into time.Time values.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, NewError(CodeInvalidMessage, err.Error())
	}
	if m.ID == "" || m.Type == "" {
		return Message{}, NewError(CodeInvalidMessage, "message requires id and type")
	}
	m.Payload = rehydrate(m.Payload).(map[string]any)
	return m, nil
}

// rehydrate walks a decoded JSON value and converts ISO8601-looking
// strings into time.Time.
func rehydrate(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return map[string]any{}
		}
		for k, item := range val {
			val[k] = rehydrate(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = rehydrate(item)
		}
		return val
	case string:
		if t, ok := parseISO8601(val); ok {
			return t
		}
		return val
	default:
		return v
	}
}

func parseISO8601(s string) (time.Time, bool) {
	// Cheap shape check before the full parse.
	if len(s) < 20 || s[4] != '-' || s[7] != '-' || s[10] != 'T' {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ErrorFromPayload reconstructs an Error from an error message's payload.
func ErrorFromPayload(m Message) *Error {
	code, _ := m.Payload["code"].(string)
	message, _ := m.Payload["message"].(string)
	recoverable, _ := m.Payload["recoverable"].(bool)
	details, _ := m.Payload["details"].(map[string]any)
	return &Error{
		Code:          ErrorCode(code),
		Message:       message,
		Details:       details,
		CorrelationID: m.CorrelationID,
		Recoverable:   recoverable,
	}
}
