package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a row does not exist. Services translate it
// into their own sentinel or a nil result.
var ErrNotFound = errors.New("not found")

// Paths resolves every on-disk location for one project. An empty project id
// means the default project, which lives directly under the data root.
type Paths struct {
	DataDir   string
	ProjectID string
}

// Root returns the project-scoped base directory.
func (p Paths) Root() string {
	if p.ProjectID == "" {
		return p.DataDir
	}
	return filepath.Join(p.DataDir, "projects", p.ProjectID)
}

func (p Paths) EpisodicDir() string   { return filepath.Join(p.Root(), "episodic") }
func (p Paths) FactualFile() string   { return filepath.Join(p.Root(), "factual", "facts.json") }
func (p Paths) SemanticFile() string  { return filepath.Join(p.Root(), "semantic", "patterns.json") }
func (p Paths) LongTermFile() string  { return filepath.Join(p.Root(), "longterm", "entries.json") }
func (p Paths) AdaptiveFile() string  { return filepath.Join(p.Root(), "adaptive", "state.json") }
func (p Paths) CausalFile() string    { return filepath.Join(p.Root(), "graphs", "causal.json") }
func (p Paths) WorldFile() string     { return filepath.Join(p.Root(), "world", "world-model.json") }
func (p Paths) NoopLogFile() string   { return filepath.Join(p.Root(), "noop-log.json") }
func (p Paths) CuratedFile() string   { return filepath.Join(p.Root(), "MEMORY.md") }

// WriteJSONAtomic persists v as pretty-printed UTF-8 JSON via a temp file
// and rename, so readers never observe partial state.
func WriteJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ReadJSON loads path into v. A missing file yields ErrNotFound so callers
// can start empty.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// AppendLine appends one line to a text/JSONL file, creating it if needed.
// The write is synced before returning.
func AppendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Sync()
}
