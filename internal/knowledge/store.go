package knowledge

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaypoint/supervisor/internal/common/errors"
	"github.com/relaypoint/supervisor/internal/common/logger"
)

// Topic names the knowledge store's own event subjects, forwarded by the
// gateway as knowledge_* frames.
type Topic string

const (
	TopicCreated  Topic = "knowledge:created"
	TopicUpdated  Topic = "knowledge:updated"
	TopicDeleted  Topic = "knowledge:deleted"
	TopicLinked   Topic = "knowledge:linked"
	TopicAccepted Topic = "knowledge:accepted"
)

// Event is published on every mutation; Entry is populated except for
// deletes, which carry only ID.
type Event struct {
	Topic Topic
	ID    string
	Entry *Entry
}

// Handler observes store events. Kept store-local rather than routed
// through internal/events/bus so the store carries no dependency on the
// supervisor's process topics.
type Handler func(Event)

const statusDirPerm = 0o755

var statusDirs = []Status{StatusOpen, StatusInProgress, StatusCompleted, StatusArchived}

// Store is a markdown-file-backed CRUD store: one file per entry under
// <root>/<status>/<TYPE>_<N>.md, with YAML frontmatter and a markdown
// body, bucketed by status and numbered per type.
type Store struct {
	root string
	log  *logger.Logger

	mu       sync.Mutex
	counters map[EntryType]int

	subMu sync.RWMutex
	subs  []Handler
}

// NewStore creates a Store rooted at root, ensuring the four status
// subdirectories exist, and seeds its per-type counters from any entries
// already on disk.
func NewStore(root string, log *logger.Logger) (*Store, error) {
	for _, status := range statusDirs {
		if err := os.MkdirAll(filepath.Join(root, string(status)), statusDirPerm); err != nil {
			return nil, fmt.Errorf("creating knowledge status dir %s: %w", status, err)
		}
	}
	s := &Store{root: root, log: log, counters: make(map[EntryType]int)}
	if err := s.loadCounters(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadCounters() error {
	for _, status := range statusDirs {
		dir := filepath.Join(s.root, string(status))
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			typ, n, ok := parseFileName(de.Name())
			if !ok {
				continue
			}
			if n > s.counters[typ] {
				s.counters[typ] = n
			}
		}
	}
	return nil
}

// parseFileName extracts the EntryType and numeric suffix from a
// <TAG>_<N>.md file name.
func parseFileName(name string) (EntryType, int, bool) {
	base := strings.TrimSuffix(name, ".md")
	if base == name {
		return "", 0, false
	}
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return "", 0, false
	}
	tag, numStr := base[:idx], base[idx+1:]
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return "", 0, false
	}
	for typ, t := range fileTypeTag {
		if t == tag {
			return typ, n, true
		}
	}
	return "", 0, false
}

// Subscribe registers handler for every store event.
func (s *Store) Subscribe(h Handler) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, h)
}

func (s *Store) publish(e Event) {
	s.subMu.RLock()
	handlers := append([]Handler(nil), s.subs...)
	s.subMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("knowledge event handler panicked")
				}
			}()
			h(e)
		}()
	}
}

// Create validates req, allocates the next per-type sequence number, and
// writes a new entry file under the open/ bucket.
func (s *Store) Create(req CreateRequest) (*Entry, error) {
	if req.Title == "" {
		return nil, errors.ValidationError("title", "title is required")
	}
	if _, ok := fileTypeTag[req.Type]; !ok {
		return nil, errors.ValidationError("type", "unknown entry type")
	}

	s.mu.Lock()
	s.counters[req.Type]++
	n := s.counters[req.Type]
	s.mu.Unlock()

	now := time.Now().UTC()
	entry := &Entry{
		Frontmatter: Frontmatter{
			ID:        fmt.Sprintf("%s_%d", fileTypeTag[req.Type], n),
			Type:      req.Type,
			Status:    StatusOpen,
			Title:     req.Title,
			Tags:      req.Tags,
			CreatedAt: now,
			UpdatedAt: now,
			Extra:     req.Extra,
		},
		Body: req.Body,
	}
	entry.Path = s.pathFor(entry.ID, StatusOpen)

	if err := s.write(entry); err != nil {
		return nil, errors.InternalError("failed to write knowledge entry", err)
	}

	s.publish(Event{Topic: TopicCreated, ID: entry.ID, Entry: entry})
	return entry, nil
}

// Get reads the entry with the given id, searching every status bucket
// since the id alone does not say which bucket it currently lives in.
func (s *Store) Get(id string) (*Entry, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return s.read(path)
}

// Update applies req to the entry, moving its file to a new status
// bucket when Status changes.
func (s *Store) Update(id string, req UpdateRequest) (*Entry, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	entry, err := s.read(path)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		entry.Title = *req.Title
	}
	if req.Body != nil {
		entry.Body = *req.Body
	}
	if req.Tags != nil {
		entry.Tags = req.Tags
	}
	if req.Extra != nil {
		entry.Extra = req.Extra
	}
	entry.UpdatedAt = time.Now().UTC()

	oldStatus := entry.Status
	if req.Status != nil && *req.Status != oldStatus {
		entry.Status = *req.Status
		entry.Path = s.pathFor(entry.ID, entry.Status)
		if err := s.write(entry); err != nil {
			return nil, errors.InternalError("failed to write knowledge entry", err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove stale knowledge entry file")
		}
	} else {
		if err := s.write(entry); err != nil {
			return nil, errors.InternalError("failed to write knowledge entry", err)
		}
	}

	s.publish(Event{Topic: TopicUpdated, ID: entry.ID, Entry: entry})
	if req.Status != nil && *req.Status == StatusCompleted && oldStatus != StatusCompleted {
		s.publish(Event{Topic: TopicAccepted, ID: entry.ID, Entry: entry})
	}
	return entry, nil
}

// Delete removes the entry's file outright.
func (s *Store) Delete(id string) error {
	path, err := s.find(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return errors.InternalError("failed to delete knowledge entry", err)
	}
	s.publish(Event{Topic: TopicDeleted, ID: id})
	return nil
}

// Link records a [[TYPE_N]] cross-reference from id to targetID by
// appending it to id's body, and emits knowledge:linked.
func (s *Store) Link(id, targetID string) (*Entry, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	entry, err := s.read(path)
	if err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("[[%s]]", targetID)
	if !strings.Contains(entry.Body, ref) {
		entry.Body = strings.TrimRight(entry.Body, "\n") + "\n\n" + ref + "\n"
	}
	entry.UpdatedAt = time.Now().UTC()
	if err := s.write(entry); err != nil {
		return nil, errors.InternalError("failed to write knowledge entry", err)
	}
	s.publish(Event{Topic: TopicLinked, ID: id, Entry: entry})
	return entry, nil
}

// List returns every entry matching filter across all status buckets,
// sorted by ID for determinism.
func (s *Store) List(filter Filter) ([]*Entry, error) {
	var out []*Entry
	for _, status := range statusDirs {
		if filter.Status != "" && filter.Status != status {
			continue
		}
		dir := filepath.Join(s.root, string(status))
		des, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, de := range des {
			if de.IsDir() {
				continue
			}
			entry, err := s.read(filepath.Join(dir, de.Name()))
			if err != nil {
				continue
			}
			if filter.Type != "" && entry.Type != filter.Type {
				continue
			}
			if filter.Tag != "" && !containsTag(entry.Tags, filter.Tag) {
				continue
			}
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (s *Store) pathFor(id string, status Status) string {
	return filepath.Join(s.root, string(status), id+".md")
}

// find locates the file backing id by scanning every status bucket.
func (s *Store) find(id string) (string, error) {
	for _, status := range statusDirs {
		p := s.pathFor(id, status)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.NotFound("knowledge entry", id)
}

const frontmatterDelim = "---"

func (s *Store) write(entry *Entry) error {
	header, err := yaml.Marshal(entry.Frontmatter)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	buf.Write(header)
	buf.WriteString(frontmatterDelim + "\n\n")
	buf.WriteString(entry.Body)
	return os.WriteFile(entry.Path, buf.Bytes(), 0o644)
}

func (s *Store) read(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NotFound("knowledge entry", filepath.Base(path))
	}

	text := string(raw)
	if !strings.HasPrefix(text, frontmatterDelim) {
		return nil, errors.InternalError("knowledge entry missing frontmatter", nil)
	}
	rest := strings.TrimPrefix(text, frontmatterDelim+"\n")
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return nil, errors.InternalError("knowledge entry missing frontmatter terminator", nil)
	}
	header := rest[:end]
	body := strings.TrimPrefix(rest[end+len("\n"+frontmatterDelim):], "\n")
	body = strings.TrimPrefix(body, "\n")

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, errors.InternalError("failed to parse knowledge frontmatter", err)
	}
	return &Entry{Frontmatter: fm, Body: body, Path: path}, nil
}
