// Package world tracks the agent's active working contexts. Each context
// carries a tag set; memories added while contexts are active inherit the
// tags shared by all of them.
package world

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/store"
)

// Context is one named slice of the agent's current situation.
type Context struct {
	Name        string    `json:"name"`
	Tags        []string  `json:"tags,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Model holds the active contexts, persisted to world/world-model.json.
type Model struct {
	mu       sync.RWMutex
	path     string
	contexts map[string]Context
	logger   *zap.Logger
}

type modelState struct {
	Contexts []Context `json:"contexts"`
}

// NewModel opens the world model at paths.
func NewModel(paths store.Paths, logger *zap.Logger) (*Model, error) {
	m := &Model{
		path:     paths.WorldFile(),
		contexts: make(map[string]Context),
		logger:   logger,
	}
	var state modelState
	if err := store.ReadJSON(m.path, &state); err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		return m, nil
	}
	for _, c := range state.Contexts {
		m.contexts[c.Name] = c
	}
	return m, nil
}

// Activate adds or replaces a named context.
func (m *Model) Activate(name string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[name] = Context{
		Name:        name,
		Tags:        append([]string(nil), tags...),
		ActivatedAt: time.Now(),
	}
	return m.persistLocked()
}

// Deactivate removes a context; removing an unknown name is a no-op.
func (m *Model) Deactivate(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[name]; !ok {
		return nil
	}
	delete(m.contexts, name)
	return m.persistLocked()
}

// Active lists the active contexts sorted by name.
func (m *Model) Active() []Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CommonTags returns the tags present in every active context. With no
// active contexts there is nothing to inherit.
func (m *Model) CommonTags() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.contexts) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, c := range m.contexts {
		seen := make(map[string]bool)
		for _, t := range c.Tags {
			if !seen[t] {
				seen[t] = true
				counts[t]++
			}
		}
	}
	var common []string
	for t, n := range counts {
		if n == len(m.contexts) {
			common = append(common, t)
		}
	}
	sort.Strings(common)
	return common
}

func (m *Model) persistLocked() error {
	state := modelState{Contexts: make([]Context, 0, len(m.contexts))}
	for _, c := range m.contexts {
		state.Contexts = append(state.Contexts, c)
	}
	sort.Slice(state.Contexts, func(i, j int) bool {
		return state.Contexts[i].Name < state.Contexts[j].Name
	})
	return store.WriteJSONAtomic(m.path, state)
}
