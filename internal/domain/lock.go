package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type LockMode string

const (
	LockExclusive LockMode = "exclusive"
	LockShared    LockMode = "shared"
)

func ValidLockMode(m string) bool {
	switch LockMode(m) {
	case LockExclusive, LockShared:
		return true
	}
	return false
}

type ResourceKind string

const (
	ResourceMemory  ResourceKind = "memory"
	ResourceLayer   ResourceKind = "layer"
	ResourceProject ResourceKind = "project"
	ResourceGlobal  ResourceKind = "global"
)

// resourceOrder is the total order by kind: global > project > layer > memory.
var resourceOrder = map[ResourceKind]int{
	ResourceGlobal:  3,
	ResourceProject: 2,
	ResourceLayer:   1,
	ResourceMemory:  0,
}

var ErrInvalidResource = errors.New("invalid lock resource")

// LockResource names what a lock guards: a memory, a layer, a project, or
// the whole store.
type LockResource struct {
	Kind ResourceKind `json:"kind"`
	ID   string       `json:"id,omitempty"`
}

func MemoryResource(id string) LockResource  { return LockResource{Kind: ResourceMemory, ID: id} }
func LayerResource(l Layer) LockResource     { return LockResource{Kind: ResourceLayer, ID: string(l)} }
func ProjectResource(id string) LockResource { return LockResource{Kind: ResourceProject, ID: id} }
func GlobalResource() LockResource           { return LockResource{Kind: ResourceGlobal} }

// String renders the wire form, e.g. "memory:abc" or "global".
func (r LockResource) String() string {
	if r.Kind == ResourceGlobal {
		return string(ResourceGlobal)
	}
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// Order returns the resource's position in the kind hierarchy.
func (r LockResource) Order() int {
	return resourceOrder[r.Kind]
}

// ParseLockResource parses the wire form produced by String.
func ParseLockResource(s string) (LockResource, error) {
	if s == string(ResourceGlobal) {
		return GlobalResource(), nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return LockResource{}, ErrInvalidResource
	}
	switch ResourceKind(kind) {
	case ResourceMemory, ResourceProject:
		return LockResource{Kind: ResourceKind(kind), ID: id}, nil
	case ResourceLayer:
		if !ValidLayer(id) {
			return LockResource{}, ErrInvalidResource
		}
		return LockResource{Kind: ResourceLayer, ID: id}, nil
	}
	return LockResource{}, ErrInvalidResource
}

// Lock is a granted coordination lock. Invariants: at most one exclusive
// holder; exclusive excludes shared and vice-versa; GrantedAt <= ExpiresAt.
type Lock struct {
	LockID          string       `json:"lock_id"`
	Resource        LockResource `json:"resource"`
	Mode            LockMode     `json:"mode"`
	HolderAgentID   string       `json:"holder_agent_id"`
	GrantedAt       time.Time    `json:"granted_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	WaitingAgentIDs []string     `json:"waiting_agent_ids,omitempty"`
}

// Expired reports whether the lock is past its expiry.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
