package domain

import "time"

// EventType names the A2A wire message and broadcast event kinds.
type EventType string

const (
	EventAgentRegister     EventType = "agent.register"
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentHeartbeat    EventType = "agent.heartbeat"
	EventAgentHeartbeatAck EventType = "agent.heartbeat_ack"
	EventAgentDisconnect   EventType = "agent.disconnect"
	EventAgentList         EventType = "agent.list"
	EventAgentListResponse EventType = "agent.list_response"

	EventMemoryAdded    EventType = "memory.added"
	EventMemoryUpdated  EventType = "memory.updated"
	EventMemoryDeleted  EventType = "memory.deleted"
	EventMemoryRecalled EventType = "memory.recalled"

	EventLockRequest  EventType = "coordination.lock_request"
	EventLockGranted  EventType = "coordination.lock_granted"
	EventLockDenied   EventType = "coordination.lock_denied"
	EventLockRelease  EventType = "coordination.lock_release"
	EventLockReleased EventType = "coordination.lock_released"

	EventConflictDetected   EventType = "conflict.detected"
	EventConflictResolution EventType = "conflict.resolution"

	EventSubscribe      EventType = "subscribe"
	EventSubscribeAck   EventType = "subscribe_ack"
	EventUnsubscribe    EventType = "unsubscribe"
	EventUnsubscribeAck EventType = "unsubscribe_ack"

	EventError EventType = "error"
)

// Event is a broadcast item ordered by the server's monotonic sequence.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	Sender    string         `json:"sender"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SubscriptionFilter selects which events a subscriber receives. Empty
// fields match everything.
type SubscriptionFilter struct {
	EventTypes []EventType `json:"event_types,omitempty"`
	Layers     []Layer     `json:"layers,omitempty"`
	AgentIDs   []string    `json:"agent_ids,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f SubscriptionFilter) Matches(ev Event) bool {
	if len(f.EventTypes) > 0 && !containsEventType(f.EventTypes, ev.Type) {
		return false
	}
	if len(f.AgentIDs) > 0 && !containsString(f.AgentIDs, ev.Sender) {
		return false
	}
	if len(f.Layers) > 0 {
		layer, _ := ev.Payload["layer"].(string)
		if !containsLayer(f.Layers, Layer(layer)) {
			return false
		}
	}
	if len(f.Tags) > 0 {
		if !payloadHasTag(ev.Payload, f.Tags) {
			return false
		}
	}
	return true
}

func containsEventType(list []EventType, t EventType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsLayer(list []Layer, l Layer) bool {
	for _, v := range list {
		if v == l {
			return true
		}
	}
	return false
}

func payloadHasTag(payload map[string]any, tags []string) bool {
	raw, ok := payload["tags"]
	if !ok {
		return false
	}
	var have []string
	switch v := raw.(type) {
	case []string:
		have = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				have = append(have, s)
			}
		}
	}
	for _, want := range tags {
		if containsString(have, want) {
			return true
		}
	}
	return false
}

// Subscription ties an agent to a filter. Events are forwarded to matching
// subscribers in registration order.
type Subscription struct {
	ID      string             `json:"id"`
	AgentID string             `json:"agent_id"`
	Filter  SubscriptionFilter `json:"filter"`
}

// ConflictStrategy decides how concurrent unlocked writes are resolved.
type ConflictStrategy string

const (
	ConflictLastWriteWins  ConflictStrategy = "last_write_wins"
	ConflictFirstWriteWins ConflictStrategy = "first_write_wins"
	ConflictManual         ConflictStrategy = "manual"
)
