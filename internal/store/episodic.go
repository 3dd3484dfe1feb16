package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
)

// DateFormat is the journal file naming scheme.
const DateFormat = "2006-01-02"

// EpisodicStore is an append-only per-day journal. Entries are appended to
// <episodic>/<YYYY-MM-DD>.jsonl; a curated markdown file holds permanent
// human-managed knowledge outside the decay/prune regime.
type EpisodicStore struct {
	mu      sync.RWMutex
	dir     string
	curated string
	entries map[string]domain.MemoryEntry // id -> entry, all dates
	byDate  map[string][]string           // date -> ids in append order
	llm     domain.LLMClient
	logger  *zap.Logger
}

// NewEpisodicStore opens the journal at paths, loading every existing day
// file into the in-memory index.
func NewEpisodicStore(paths Paths, logger *zap.Logger) (*EpisodicStore, error) {
	s := &EpisodicStore{
		dir:     paths.EpisodicDir(),
		curated: paths.CuratedFile(),
		entries: make(map[string]domain.MemoryEntry),
		byDate:  make(map[string][]string),
		logger:  logger,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetLLMClient wires the optional summariser used by GenerateDailySummary.
func (s *EpisodicStore) SetLLMClient(c domain.LLMClient) {
	s.mu.Lock()
	s.llm = c
	s.mu.Unlock()
}

func (s *EpisodicStore) Layer() domain.Layer { return domain.LayerEpisodic }

func (s *EpisodicStore) loadAll() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read episodic dir: %w", err)
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		date := strings.TrimSuffix(name, ".jsonl")
		if _, err := time.Parse(DateFormat, date); err != nil {
			continue
		}
		if err := s.loadDay(date); err != nil {
			return err
		}
	}
	return nil
}

func (s *EpisodicStore) loadDay(date string) error {
	path := filepath.Join(s.dir, date+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e domain.MemoryEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			s.logger.Warn("skipping corrupt journal line", zap.String("date", date), zap.Error(err))
			continue
		}
		s.entries[e.ID] = e
		s.byDate[date] = append(s.byDate[date], e.ID)
	}
	return scanner.Err()
}

func (s *EpisodicStore) Store(ctx context.Context, entry domain.MemoryEntry) (domain.MemoryEntry, error) {
	if err := domain.ValidateContent(entry.Content); err != nil {
		return domain.MemoryEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Layer = domain.LayerEpisodic
	date := entry.Timestamp.Format(DateFormat)

	line, err := json.Marshal(entry)
	if err != nil {
		return domain.MemoryEntry{}, fmt.Errorf("marshal episodic entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := AppendLine(filepath.Join(s.dir, date+".jsonl"), line); err != nil {
		return domain.MemoryEntry{}, err
	}
	s.entries[entry.ID] = entry.Clone()
	s.byDate[date] = append(s.byDate[date], entry.ID)
	return entry, nil
}

func (s *EpisodicStore) Get(ctx context.Context, id string) (*domain.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	out := e.Clone()
	return &out, nil
}

// Delete removes the entry and rewrites its day file without it.
func (s *EpisodicStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	date := e.Timestamp.Format(DateFormat)
	delete(s.entries, id)
	ids := s.byDate[date]
	kept := ids[:0]
	for _, v := range ids {
		if v != id {
			kept = append(kept, v)
		}
	}
	s.byDate[date] = kept
	if err := s.rewriteDayLocked(date); err != nil {
		return false, err
	}
	return true, nil
}

func (s *EpisodicStore) rewriteDayLocked(date string) error {
	path := filepath.Join(s.dir, date+".jsonl")
	ids := s.byDate[date]
	if len(ids) == 0 {
		delete(s.byDate, date)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}
	var b strings.Builder
	for _, id := range ids {
		line, err := json.Marshal(s.entries[id])
		if err != nil {
			return fmt.Errorf("marshal episodic entry: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (s *EpisodicStore) Query(ctx context.Context, text string, opts domain.QueryOpts) (*domain.QueryResult, error) {
	start := time.Now()
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	var matched []domain.MemoryEntry
	if strings.TrimSpace(text) == "" {
		matched = recentEntries(s.entries, opts)
	} else {
		matched = rankByOverlap(s.entries, text, opts)
	}
	s.mu.RUnlock()

	total := len(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return &domain.QueryResult{
		Memories:    matched,
		Layer:       domain.LayerEpisodic,
		QueryTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		TotalFound:  total,
	}, nil
}

func (s *EpisodicStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// GetToday returns today's journal entries in append order.
func (s *EpisodicStore) GetToday() []domain.MemoryEntry {
	return s.GetByDate(time.Now().Format(DateFormat))
}

// GetByDate returns the journal entries of one day in append order.
func (s *EpisodicStore) GetByDate(date string) []domain.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byDate[date]
	out := make([]domain.MemoryEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out
}

// GetAvailableDates lists journal dates newest-first.
func (s *EpisodicStore) GetAvailableDates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dates := make([]string, 0, len(s.byDate))
	for d := range s.byDate {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates
}

// GenerateDailySummary builds a summary for the given date. With an LLM
// client wired it asks for a narrative; otherwise it falls back to a
// headline list of the day's entries.
func (s *EpisodicStore) GenerateDailySummary(ctx context.Context, date string) (string, error) {
	entries := s.GetByDate(date)
	if len(entries) == 0 {
		return "", ErrNotFound
	}

	s.mu.RLock()
	llm := s.llm
	s.mu.RUnlock()

	if llm != nil {
		var b strings.Builder
		for _, e := range entries {
			b.WriteString("- ")
			b.WriteString(e.Content)
			b.WriteByte('\n')
		}
		result, err := llm.Complete(ctx, []domain.Message{
			{Role: "system", Content: "Summarize the day's episodic memories into a short paragraph."},
			{Role: "user", Content: b.String()},
		})
		if err == nil {
			return result.Content, nil
		}
		s.logger.Warn("daily summary completion failed, using fallback", zap.Error(err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%d entries)\n", date, len(entries))
	for _, e := range entries {
		headline := e.Content
		if len(headline) > 120 {
			headline = headline[:120] + "…"
		}
		fmt.Fprintf(&b, "- %s %s\n", e.Timestamp.Format("15:04"), headline)
	}
	return b.String(), nil
}

// AddToCurated appends content under a section of the curated markdown
// file. Curated knowledge is permanent and never decays or gets pruned.
func (s *EpisodicStore) AddToCurated(content, section string) error {
	if content == "" {
		return domain.ErrContentEmpty
	}
	if section == "" {
		section = "Notes"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := os.ReadFile(s.curated)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read curated file: %w", err)
	}
	doc := string(existing)
	if doc == "" {
		doc = "# MEMORY\n"
	}

	header := "## " + section
	line := "- " + content + "\n"
	if idx := strings.Index(doc, header); idx >= 0 {
		// Insert at the end of the section, before the next header.
		rest := doc[idx+len(header):]
		next := strings.Index(rest, "\n## ")
		if next < 0 {
			if !strings.HasSuffix(doc, "\n") {
				doc += "\n"
			}
			doc += line
		} else {
			insertAt := idx + len(header) + next + 1
			doc = doc[:insertAt] + line + doc[insertAt:]
		}
	} else {
		if !strings.HasSuffix(doc, "\n") {
			doc += "\n"
		}
		doc += "\n" + header + "\n" + line
	}

	if err := os.MkdirAll(filepath.Dir(s.curated), 0o755); err != nil {
		return fmt.Errorf("mkdir for curated file: %w", err)
	}
	tmp := s.curated + ".tmp"
	if err := os.WriteFile(tmp, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("write curated file: %w", err)
	}
	if err := os.Rename(tmp, s.curated); err != nil {
		return fmt.Errorf("rename curated file: %w", err)
	}
	return nil
}

// preCompactionCategories are the buckets preserved across a context
// compaction.
var preCompactionCategories = []string{"insights", "decisions", "errors", "solutions"}

// FlushPreCompaction persists a summary of today's insights, decisions,
// errors and solutions as one episodic entry, so a downstream context
// compaction does not lose them. Returns the entries that fed the summary.
func (s *EpisodicStore) FlushPreCompaction(ctx context.Context) ([]domain.MemoryEntry, error) {
	today := s.GetToday()
	buckets := make(map[string][]string)
	var sources []domain.MemoryEntry
	for _, e := range today {
		cat := strings.ToLower(e.Metadata.Category)
		for _, want := range preCompactionCategories {
			// Singular categories ("decision", "error") count too.
			if cat == want || cat+"s" == want {
				buckets[want] = append(buckets[want], e.Content)
				sources = append(sources, e)
				break
			}
		}
	}
	if len(sources) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Pre-compaction summary\n")
	for _, cat := range preCompactionCategories {
		items := buckets[cat]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", strings.ToUpper(cat[:1])+cat[1:])
		for _, item := range items {
			b.WriteString("- ")
			b.WriteString(item)
			b.WriteByte('\n')
		}
	}

	summary := domain.MemoryEntry{
		Content: b.String(),
		Metadata: domain.Metadata{
			Category: "pre_compaction_summary",
			Tags:     []string{"compaction"},
		},
	}
	if _, err := s.Store(ctx, summary); err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *EpisodicStore) Close() error {
	// Journal appends are synced as they happen; nothing buffered.
	return nil
}
