// Package ring implements the bounded per-process log FIFO: amortized O(1) append,
// oldest entry evicted silently on overflow, snapshot reads filtered by
// kind and optionally tail-limited.
package ring

import "github.com/relaypoint/supervisor/internal/process"

// DefaultCapacity is used when a caller does not configure one explicitly.
const DefaultCapacity = 1000

// Ring is a fixed-capacity FIFO of log entries. It is not safe for
// concurrent use; the lifecycle controller guards each process's ring with
// that process's own mutex.
type Ring struct {
	capacity int
	entries  []process.LogEntry
}

// New creates a Ring with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity: capacity,
		entries:  make([]process.LogEntry, 0, capacity),
	}
}

// Append adds entry to the ring, evicting the oldest entry if the ring is
// already at capacity. The eviction carries no event of its own.
func (r *Ring) Append(entry process.LogEntry) {
	if len(r.entries) >= r.capacity {
		// Drop the oldest entry by reslicing past it. When the backing
		// array runs out of room, append copies the live entries into a
		// fresh array, so append is amortized O(1) and memory stays
		// proportional to capacity.
		r.entries[0] = process.LogEntry{}
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, entry)
}

// Len reports the number of entries currently held.
func (r *Ring) Len() int {
	return len(r.entries)
}

// Capacity reports the configured maximum size.
func (r *Ring) Capacity() int {
	return r.capacity
}

// Snapshot returns a defensive copy of all entries in insertion order.
func (r *Ring) Snapshot() []process.LogEntry {
	out := make([]process.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Read returns a filtered, optionally tail-limited copy of the ring's
// entries in insertion order. kind == "" matches every kind. tailN <= 0
// means no tail limit (return everything matching kind).
func (r *Ring) Read(kind process.LogKind, tailN int) []process.LogEntry {
	var matched []process.LogEntry
	if kind == "" {
		matched = r.Snapshot()
	} else {
		matched = make([]process.LogEntry, 0, len(r.entries))
		for _, e := range r.entries {
			if e.Kind == kind {
				matched = append(matched, e)
			}
		}
	}
	if tailN > 0 && len(matched) > tailN {
		matched = matched[len(matched)-tailN:]
	}
	return matched
}
