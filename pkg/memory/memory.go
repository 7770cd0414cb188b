// Package memory stores long-lived facts about actors, rooms, and
// relationships.
//
// Items live in a hierarchical KV store under two key families: the record
// itself under scope and subject, and a small by-id pointer so updates and
// deletes can address an item without knowing where it lives. Retrieval
// ranks by importance, then recency, so the prompt assembler can take the
// top N without further sorting.
package memory

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned when an item ID does not resolve.
var ErrNotFound = errors.New("memory: not found")

// GlobalSubject is the reserved subject ID for scope-wide facts.
const GlobalSubject = "__GLOBAL__"

// Scope classifies who or what an item is about.
type Scope string

const (
	ScopeUser         Scope = "user"
	ScopeRoom         Scope = "room"
	ScopeRelationship Scope = "relationship"
	ScopeGlobal       Scope = "global"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeUser, ScopeRoom, ScopeRelationship, ScopeGlobal:
		return true
	}
	return false
}

// Item is one stored fact. ID is stable across updates.
type Item struct {
	ID        string   `json:"id" msgpack:"id"`
	Scope     Scope    `json:"scope" msgpack:"scope"`
	SubjectID string   `json:"subject_id" msgpack:"subject_id"`
	Text      string   `json:"text" msgpack:"text"`
	Tags      []string `json:"tags,omitempty" msgpack:"tags,omitempty"`

	// Importance is clamped to [0, 1] on write.
	Importance float64 `json:"importance" msgpack:"importance"`

	// Source records where the fact came from: "auto", "manual", "system".
	Source string `json:"source,omitempty" msgpack:"source,omitempty"`

	// PersonRef optionally attributes the fact to a person,
	// e.g. "user:@alice:example.org".
	PersonRef string `json:"person_ref,omitempty" msgpack:"person_ref,omitempty"`

	// CreatedAt and UpdatedAt are Unix timestamps in nanoseconds.
	CreatedAt int64 `json:"created_at" msgpack:"created_at"`
	UpdatedAt int64 `json:"updated_at" msgpack:"updated_at"`
}

// HasTag reports whether the item carries tag exactly.
func (it *Item) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Scope         Scope
	SubjectID     string
	MinImportance float64
	Tag           string
	PersonRef     string

	// Limit caps the result. Zero means DefaultQueryLimit.
	Limit int
}

// DefaultQueryLimit bounds Query results when Filter.Limit is zero.
const DefaultQueryLimit = 20

func (f Filter) matches(it *Item) bool {
	if f.Scope != "" && it.Scope != f.Scope {
		return false
	}
	if f.SubjectID != "" && it.SubjectID != f.SubjectID {
		return false
	}
	if it.Importance < f.MinImportance {
		return false
	}
	if f.Tag != "" && !it.HasTag(f.Tag) {
		return false
	}
	if f.PersonRef != "" && it.PersonRef != f.PersonRef {
		return false
	}
	return true
}

// rank orders items by importance desc, then recency desc, then ID asc.
// The ID leg makes ordering total so equal items rank deterministically.
func rank(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		return a.ID < b.ID
	})
}

func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// lastNano guards against clock ties so items written in rapid succession
// still get distinct timestamps.
var lastNano atomic.Int64

// nowNano returns a monotonically increasing Unix nanosecond timestamp.
// Extracted as a variable to allow test injection.
var nowNano = func() int64 {
	now := time.Now().UnixNano()
	for {
		old := lastNano.Load()
		next := now
		if next <= old {
			next = old + 1
		}
		if lastNano.CompareAndSwap(old, next) {
			return next
		}
	}
}
