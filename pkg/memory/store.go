package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/runehq/rune/pkg/kv"
)

// ErrInvalid is returned when an item fails validation.
var ErrInvalid = errors.New("memory: invalid item")

// KV key layout:
//
//	mem:item:{scope}:{subject}:{id} → msgpack Item
//	mem:byid:{id}                   → msgpack itemRef
//
// The byid pointer lets Update/Delete address an item without knowing its
// scope and subject.

func itemKey(scope Scope, subject, id string) kv.Key {
	return kv.Key{"mem", "item", string(scope), subject, id}
}

func subjectPrefix(scope Scope, subject string) kv.Key {
	return kv.Key{"mem", "item", string(scope), subject}
}

func scopePrefix(scope Scope) kv.Key {
	return kv.Key{"mem", "item", string(scope)}
}

func allItemsPrefix() kv.Key {
	return kv.Key{"mem", "item"}
}

func idKey(id string) kv.Key {
	return kv.Key{"mem", "byid", id}
}

type itemRef struct {
	Scope     Scope  `msgpack:"scope"`
	SubjectID string `msgpack:"subject_id"`
}

// Store is a KV-backed memory repository.
type Store struct {
	kv kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Upsert inserts or updates an item. A missing ID allocates one. Importance
// is clamped, tags are normalized, and UpdatedAt is always advanced.
// Re-applying the same logical write is safe.
func (s *Store) Upsert(ctx context.Context, it *Item) error {
	if it == nil {
		return fmt.Errorf("%w: nil item", ErrInvalid)
	}
	if !it.Scope.Valid() {
		return fmt.Errorf("%w: scope %q", ErrInvalid, it.Scope)
	}
	if it.SubjectID == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalid)
	}
	it.Text = strings.TrimSpace(it.Text)
	if it.Text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalid)
	}
	it.Importance = clampImportance(it.Importance)
	it.Tags = normalizeTags(it.Tags)
	if it.Source == "" {
		it.Source = "auto"
	}

	now := nowNano()
	var stale *kv.Key
	if it.ID == "" {
		it.ID = uuid.NewString()
		it.CreatedAt = now
	} else if prev, err := s.Get(ctx, it.ID); err == nil {
		if it.CreatedAt == 0 {
			it.CreatedAt = prev.CreatedAt
		}
		if prev.Scope != it.Scope || prev.SubjectID != it.SubjectID {
			k := itemKey(prev.Scope, prev.SubjectID, prev.ID)
			stale = &k
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	} else if it.CreatedAt == 0 {
		it.CreatedAt = now
	}
	it.UpdatedAt = now

	rec, err := msgpack.Marshal(it)
	if err != nil {
		return fmt.Errorf("memory: marshal item: %w", err)
	}
	ref, err := msgpack.Marshal(itemRef{Scope: it.Scope, SubjectID: it.SubjectID})
	if err != nil {
		return fmt.Errorf("memory: marshal ref: %w", err)
	}
	if stale != nil {
		if err := s.kv.Delete(ctx, *stale); err != nil {
			return fmt.Errorf("memory: drop stale record: %w", err)
		}
	}
	return s.kv.BatchSet(ctx, []kv.Entry{
		{Key: itemKey(it.Scope, it.SubjectID, it.ID), Value: rec},
		{Key: idKey(it.ID), Value: ref},
	})
}

// Get resolves an item by ID.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	raw, err := s.kv.Get(ctx, idKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ref itemRef
	if err := msgpack.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("memory: unmarshal ref %s: %w", id, err)
	}
	raw, err = s.kv.Get(ctx, itemKey(ref.Scope, ref.SubjectID, id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var it Item
	if err := msgpack.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("memory: unmarshal item %s: %w", id, err)
	}
	return &it, nil
}

// Delete removes an item by ID. Deleting a missing ID is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	it, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.kv.BatchDelete(ctx, []kv.Key{
		itemKey(it.Scope, it.SubjectID, it.ID),
		idKey(it.ID),
	})
}

// Query returns items matching the filter ranked by importance desc,
// recency desc, ID asc.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Item, error) {
	prefix := allItemsPrefix()
	switch {
	case f.Scope != "" && f.SubjectID != "":
		prefix = subjectPrefix(f.Scope, f.SubjectID)
	case f.Scope != "":
		prefix = scopePrefix(f.Scope)
	}

	var items []*Item
	for entry, err := range s.kv.List(ctx, prefix) {
		if err != nil {
			return nil, fmt.Errorf("memory: list items: %w", err)
		}
		var it Item
		if err := msgpack.Unmarshal(entry.Value, &it); err != nil {
			return nil, fmt.Errorf("memory: unmarshal %s: %w", entry.Key, err)
		}
		if f.matches(&it) {
			items = append(items, &it)
		}
	}
	rank(items)

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Count returns the total number of stored items.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	for _, err := range s.kv.List(ctx, allItemsPrefix()) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Prune keeps the top max items for a subject by rank and removes the rest.
func (s *Store) Prune(ctx context.Context, scope Scope, subject string, max int) error {
	if max <= 0 || !scope.Valid() || subject == "" {
		return nil
	}
	var items []*Item
	for entry, err := range s.kv.List(ctx, subjectPrefix(scope, subject)) {
		if err != nil {
			return fmt.Errorf("memory: list subject: %w", err)
		}
		var it Item
		if err := msgpack.Unmarshal(entry.Value, &it); err != nil {
			return fmt.Errorf("memory: unmarshal %s: %w", entry.Key, err)
		}
		items = append(items, &it)
	}
	if len(items) <= max {
		return nil
	}
	rank(items)
	var keys []kv.Key
	for _, it := range items[max:] {
		keys = append(keys, itemKey(it.Scope, it.SubjectID, it.ID), idKey(it.ID))
	}
	return s.kv.BatchDelete(ctx, keys)
}
