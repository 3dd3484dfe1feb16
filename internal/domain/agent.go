package domain

import "time"

type AgentType string

const (
	AgentPrimary    AgentType = "primary"
	AgentWorker     AgentType = "worker"
	AgentSpecialist AgentType = "specialist"
	AgentObserver   AgentType = "observer"
)

func ValidAgentType(t string) bool {
	switch AgentType(t) {
	case AgentPrimary, AgentWorker, AgentSpecialist, AgentObserver:
		return true
	}
	return false
}

type Capability string

const (
	CapMemoryRead   Capability = "memory_read"
	CapMemoryWrite  Capability = "memory_write"
	CapMemoryDelete Capability = "memory_delete"
	CapCoordinate   Capability = "coordinate"
	CapArbitrate    Capability = "arbitrate"
)

func ValidCapability(c string) bool {
	switch Capability(c) {
	case CapMemoryRead, CapMemoryWrite, CapMemoryDelete, CapCoordinate, CapArbitrate:
		return true
	}
	return false
}

// Agent is an external client of the A2A server. The server is the single
// writer of this record; clients see a read-only view.
type Agent struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Type            AgentType    `json:"type"`
	Capabilities    []Capability `json:"capabilities"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	ResumeToken     string       `json:"resume_token"`
}

// HasCapability reports whether the agent holds cap.
func (a *Agent) HasCapability(cap Capability) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Alive reports whether the agent's last heartbeat is within timeout of now.
func (a *Agent) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(a.LastHeartbeatAt) < timeout
}

// ConnState is the server-side connection state machine per agent.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)
