package a2a

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
)

// Registry tracks the connected agents and their heartbeat liveness.
type Registry struct {
	mu               sync.Mutex
	agents           map[string]*domain.Agent
	states           map[string]domain.ConnState
	maxAgents        int
	heartbeatTimeout time.Duration
	logger           *zap.Logger

	// onExpire is invoked outside the lock for each agent swept for
	// missing heartbeats.
	onExpire func(agentID string)
}

func NewRegistry(maxAgents int, heartbeatTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		agents:           make(map[string]*domain.Agent),
		states:           make(map[string]domain.ConnState),
		maxAgents:        maxAgents,
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
	}
}

// OnExpire registers the callback run when an agent misses its heartbeat
// window.
func (r *Registry) OnExpire(fn func(agentID string)) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// Register adds or re-registers an agent. A re-registration with a known id
// refreshes the record and issues a new resume token.
func (r *Registry) Register(id, name string, agentType domain.AgentType, caps []domain.Capability) (*domain.Agent, error) {
	if id == "" || name == "" {
		return nil, NewError(CodeInvalidMessage, "agent id and name are required")
	}
	if !domain.ValidAgentType(string(agentType)) {
		return nil, NewError(CodeInvalidMessage, "unknown agent type "+string(agentType))
	}
	for _, c := range caps {
		if !domain.ValidCapability(string(c)) {
			return nil, NewError(CodeInvalidCapability, "unknown capability "+string(c))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.agents[id]; !known && len(r.agents) >= r.maxAgents {
		return nil, NewError(CodeRateLimited, "agent limit reached")
	}

	now := time.Now()
	agent := &domain.Agent{
		ID:              id,
		Name:            name,
		Type:            agentType,
		Capabilities:    append([]domain.Capability(nil), caps...),
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		ResumeToken:     uuid.NewString(),
	}
	if prev, known := r.agents[id]; known {
		agent.RegisteredAt = prev.RegisteredAt
	}
	r.agents[id] = agent
	r.states[id] = domain.ConnConnected

	view := *agent
	return &view, nil
}

// Heartbeat refreshes an agent's liveness and returns its current record.
func (r *Registry) Heartbeat(id string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, NewError(CodeAgentNotRegistered, "unknown agent "+id)
	}
	agent.LastHeartbeatAt = time.Now()
	r.states[id] = domain.ConnConnected
	view := *agent
	return &view, nil
}

// Disconnect removes an agent. Unknown ids are a no-op.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	_, known := r.agents[id]
	delete(r.agents, id)
	delete(r.states, id)
	r.mu.Unlock()
	if known {
		r.logger.Info("agent disconnected", zap.String("agent", id))
	}
}

// Get returns a copy of the agent record, or nil.
func (r *Registry) Get(id string) *domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil
	}
	view := *agent
	return &view
}

// ValidateResumeToken reports whether the token matches the agent's issued
// token.
func (r *Registry) ValidateResumeToken(id, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	return ok && token != "" && agent.ResumeToken == token
}

// List returns copies of all registered agents.
func (r *Registry) List() []domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// State returns the connection state for an agent.
func (r *Registry) State(id string) domain.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[id]; ok {
		return s
	}
	return domain.ConnDisconnected
}

// SetState records a connection-state transition.
func (r *Registry) SetState(id string, state domain.ConnState) {
	r.mu.Lock()
	if _, ok := r.agents[id]; ok {
		r.states[id] = state
	}
	r.mu.Unlock()
}

// SweepExpired drops agents whose heartbeat is older than the timeout and
// invokes the expiry callback for each.
func (r *Registry) SweepExpired() []string {
	now := time.Now()
	r.mu.Lock()
	var expired []string
	for id, agent := range r.agents {
		if !agent.Alive(now, r.heartbeatTimeout) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.agents, id)
		delete(r.states, id)
	}
	onExpire := r.onExpire
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.Info("agent heartbeat expired", zap.String("agent", id))
		if onExpire != nil {
			onExpire(id)
		}
	}
	return expired
}
