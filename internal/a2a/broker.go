package a2a

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/titanmem/titan/internal/domain"
)

// eventRetention bounds the replay buffer used by resume tokens.
const eventRetention = 4096

// Broker assigns the monotonic event sequence, fans events out to matching
// subscribers, and replays missed events on resume.
type Broker struct {
	mu      sync.Mutex
	seq     uint64
	history []domain.Event
	subs    map[string]*subscriber
}

type subscriber struct {
	sub     domain.Subscription
	deliver func(domain.Event)
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]*subscriber)}
}

// Publish stamps the event with the next sequence number and delivers it to
// every matching subscriber in registration order.
func (b *Broker) Publish(eventType domain.EventType, sender string, payload map[string]any) domain.Event {
	b.mu.Lock()
	b.seq++
	ev := domain.Event{
		Seq:       b.seq,
		Type:      eventType,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.history = append(b.history, ev)
	if len(b.history) > eventRetention {
		b.history = b.history[len(b.history)-eventRetention:]
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.sub.Filter.Matches(ev) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	return ev
}

// Subscribe registers a filtered delivery callback and returns the
// subscription id.
func (b *Broker) Subscribe(agentID string, filter domain.SubscriptionFilter, deliver func(domain.Event)) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = &subscriber{
		sub: domain.Subscription{
			ID:      id,
			AgentID: agentID,
			Filter:  filter,
		},
		deliver: deliver,
	}
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription; unknown ids are a no-op.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// UnsubscribeAgent drops every subscription held by the agent.
func (b *Broker) UnsubscribeAgent(agentID string) {
	b.mu.Lock()
	for id, s := range b.subs {
		if s.sub.AgentID == agentID {
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()
}

// ReplaySince returns the retained events with Seq > afterSeq, in order.
// Events older than the retention window are gone; the caller treats the
// replay as best-effort.
func (b *Broker) ReplaySince(afterSeq uint64) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.history {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq returns the most recently assigned sequence number.
func (b *Broker) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
