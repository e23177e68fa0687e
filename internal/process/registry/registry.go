// Package registry implements the in-memory, authoritative store of
// process records, indexed by id and filterable by status and name
// substring. All reads return defensive copies so callers cannot mutate
// stored state; all writes are serialized by the registry's own lock, so a
// single record is never concurrently mutated by two callers.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaypoint/supervisor/internal/common/errors"
	"github.com/relaypoint/supervisor/internal/process"
)

// SortField names the fields list() may order by.
type SortField string

const (
	SortByStartTime SortField = "startTime"
	SortByName      SortField = "name"
	SortByStatus    SortField = "status"
)

// SortOrder is ascending or descending.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// MaxPageLimit bounds List's page size.
const MaxPageLimit = 1000

// Filter narrows list()/count() to a subset of records. Zero values mean
// "no constraint" on that field.
type Filter struct {
	Status process.Status
	Name   string // substring match against Record.Name, case-insensitive
}

// Page selects a window of a (possibly filtered, possibly sorted) result
// set.
type Page struct {
	Offset int
	Limit  int // 0 or negative means MaxPageLimit
}

// Sort selects the ordering applied before paging.
type Sort struct {
	Field SortField
	Order SortOrder
}

// Stats summarizes the registry's current contents.
type Stats struct {
	Total          int
	ByStatus       map[process.Status]int
	AverageRuntime time.Duration // over records with both StartTime and EndTime
}

// Registry is the authoritative store of process records. It is safe for
// concurrent use by multiple goroutines.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*process.Record
	order    []string // insertion order, for stable sort on ties
	orderPos map[string]int
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byID:     make(map[string]*process.Record),
		orderPos: make(map[string]int),
	}
}

// Add inserts a new record. It fails if a record with the same id already
// exists.
func (r *Registry) Add(rec *process.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[rec.ID]; exists {
		return errors.Conflict("process already registered: " + rec.ID)
	}

	stored := rec.Clone()
	r.byID[stored.ID] = stored
	r.orderPos[stored.ID] = len(r.order)
	r.order = append(r.order, stored.ID)
	return nil
}

// Get returns a defensive copy of the record with the given id.
func (r *Registry) Get(id string) (*process.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, errors.NotFound("process", id)
	}
	return rec.Clone(), nil
}

// Patch describes a partial update to apply to a record. Nil/zero fields
// are left untouched; ID and Command are never touched by Update.
type Patch struct {
	Status     *process.Status
	EndTime    *time.Time
	PID        *int
	ExitCode   *int
	ExitSignal *string
	AppendLog  *process.LogEntry
	MergeMeta  map[string]any
}

// Update applies patch to the record with the given id under the
// registry's lock, so a single record is never concurrently mutated by two
// callers. Returns the updated record, cloned for the caller.
func (r *Registry) Update(id string, patch Patch) (*process.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, errors.NotFound("process", id)
	}

	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.EndTime != nil {
		rec.EndTime = patch.EndTime
	}
	if patch.PID != nil {
		rec.PID = patch.PID
	}
	if patch.ExitCode != nil {
		rec.ExitCode = patch.ExitCode
	}
	if patch.ExitSignal != nil {
		rec.ExitSignal = patch.ExitSignal
	}
	if patch.AppendLog != nil {
		rec.Logs = append(rec.Logs, *patch.AppendLog)
	}
	if len(patch.MergeMeta) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, len(patch.MergeMeta))
		}
		for k, v := range patch.MergeMeta {
			rec.Metadata[k] = v
		}
	}

	return rec.Clone(), nil
}

// ReplaceLogs overwrites a record's full log slice, used by the lifecycle
// controller in concert with a ring.Ring that owns eviction.
func (r *Registry) ReplaceLogs(id string, logs []process.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return errors.NotFound("process", id)
	}
	rec.Logs = append([]process.LogEntry(nil), logs...)
	return nil
}

// Remove deletes a record outright. Not part of the normal lifecycle; used
// only by an explicit "forget" operation.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return errors.NotFound("process", id)
	}
	delete(r.byID, id)

	pos := r.orderPos[id]
	r.order = append(r.order[:pos], r.order[pos+1:]...)
	delete(r.orderPos, id)
	for i := pos; i < len(r.order); i++ {
		r.orderPos[r.order[i]] = i
	}
	return nil
}

// List returns a filtered, sorted, paged snapshot of records.
func (r *Registry) List(filter Filter, sortBy Sort, page Page) ([]*process.Record, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*process.Record, 0, len(r.order))
	for _, id := range r.order {
		rec := r.byID[id]
		if matchesFilter(rec, filter) {
			matched = append(matched, rec)
		}
	}
	total := len(matched)

	sortRecords(matched, sortBy)

	limit := page.Limit
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []*process.Record{}, total
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*process.Record, 0, end-offset)
	for _, rec := range matched[offset:end] {
		out = append(out, rec.Clone())
	}
	return out, total
}

// Count returns the number of records matching filter.
func (r *Registry) Count(filter Filter) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.order {
		if matchesFilter(r.byID[id], filter) {
			n++
		}
	}
	return n
}

// Stats summarizes the registry's current contents. There is no
// persistence: a cold start always yields an empty registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{ByStatus: make(map[process.Status]int)}
	var totalRuntime time.Duration
	var withRuntime int

	for _, id := range r.order {
		rec := r.byID[id]
		s.Total++
		s.ByStatus[rec.Status]++
		if rec.EndTime != nil && !rec.StartTime.IsZero() {
			totalRuntime += rec.EndTime.Sub(rec.StartTime)
			withRuntime++
		}
	}
	if withRuntime > 0 {
		s.AverageRuntime = totalRuntime / time.Duration(withRuntime)
	}
	return s
}

func matchesFilter(rec *process.Record, f Filter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(rec.Name), strings.ToLower(f.Name)) {
		return false
	}
	return true
}

func sortRecords(recs []*process.Record, s Sort) {
	if s.Field == "" {
		return
	}
	less := func(i, j int) bool {
		a, b := recs[i], recs[j]
		switch s.Field {
		case SortByName:
			return a.Name < b.Name
		case SortByStatus:
			return a.Status < b.Status
		default: // SortByStartTime
			return a.StartTime.Before(b.StartTime)
		}
	}
	if s.Order == SortDesc {
		base := less
		less = func(i, j int) bool { return base(j, i) }
	}
	sort.SliceStable(recs, less)
}
