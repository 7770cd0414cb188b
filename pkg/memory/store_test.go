package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/runehq/rune/pkg/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	return NewStore(store)
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	it := &Item{
		Scope:      ScopeUser,
		SubjectID:  "@alice:example.org",
		Text:       "  likes green tea  ",
		Importance: 1.7,
		Tags:       []string{"drink", "", "drink", " food "},
	}
	if err := s.Upsert(ctx, it); err != nil {
		t.Fatal(err)
	}
	if it.ID == "" {
		t.Fatal("id not allocated")
	}
	if it.CreatedAt == 0 || it.UpdatedAt == 0 {
		t.Fatal("timestamps not set")
	}

	got, err := s.Get(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "likes green tea" {
		t.Fatalf("text = %q", got.Text)
	}
	if got.Importance != 1 {
		t.Fatalf("importance = %v, want clamped to 1", got.Importance)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "drink" || got.Tags[1] != "food" {
		t.Fatalf("tags = %v", got.Tags)
	}
	if got.Source != "auto" {
		t.Fatalf("source = %q", got.Source)
	}
}

func TestUpsertUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	it := &Item{Scope: ScopeUser, SubjectID: "@alice:example.org", Text: "v1", Importance: 0.5}
	if err := s.Upsert(ctx, it); err != nil {
		t.Fatal(err)
	}
	created := it.CreatedAt

	upd := &Item{ID: it.ID, Scope: ScopeUser, SubjectID: "@alice:example.org", Text: "v2", Importance: 0.8}
	if err := s.Upsert(ctx, upd); err != nil {
		t.Fatal(err)
	}
	if upd.CreatedAt != created {
		t.Fatalf("created_at changed: %d -> %d", created, upd.CreatedAt)
	}
	if upd.UpdatedAt <= created {
		t.Fatal("updated_at not advanced")
	}

	got, err := s.Get(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "v2" {
		t.Fatalf("text = %q", got.Text)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestUpsertMovesSubject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	it := &Item{Scope: ScopeUser, SubjectID: "@alice:example.org", Text: "fact"}
	if err := s.Upsert(ctx, it); err != nil {
		t.Fatal(err)
	}
	moved := &Item{ID: it.ID, Scope: ScopeRoom, SubjectID: "!lobby:example.org", Text: "fact"}
	if err := s.Upsert(ctx, moved); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count = %d, want 1 after move", n)
	}
	got, err := s.Get(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Scope != ScopeRoom || got.SubjectID != "!lobby:example.org" {
		t.Fatalf("item not moved: %+v", got)
	}
}

func TestQueryRanking(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	add := func(text string, imp float64) *Item {
		it := &Item{Scope: ScopeUser, SubjectID: "@alice:example.org", Text: text, Importance: imp}
		if err := s.Upsert(ctx, it); err != nil {
			t.Fatal(err)
		}
		return it
	}
	low := add("low", 0.2)
	oldHigh := add("old high", 0.9)
	newHigh := add("new high", 0.9)

	items, err := s.Query(ctx, Filter{Scope: ScopeUser, SubjectID: "@alice:example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d", len(items))
	}
	// Same importance ranks by recency; nowNano guarantees newHigh is newer.
	want := []string{newHigh.ID, oldHigh.ID, low.ID}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("rank[%d] = %s (%q), want %s", i, items[i].ID, items[i].Text, id)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seed := []*Item{
		{Scope: ScopeUser, SubjectID: "@alice:example.org", Text: "tea", Importance: 0.9, Tags: []string{"drink"}},
		{Scope: ScopeUser, SubjectID: "@alice:example.org", Text: "cats", Importance: 0.3},
		{Scope: ScopeUser, SubjectID: "@bob:example.org", Text: "coffee", Importance: 0.9, Tags: []string{"drink"}},
		{Scope: ScopeRoom, SubjectID: "!lobby:example.org", Text: "quiz night", Importance: 0.7},
	}
	for _, it := range seed {
		if err := s.Upsert(ctx, it); err != nil {
			t.Fatal(err)
		}
	}

	items, err := s.Query(ctx, Filter{Scope: ScopeUser, SubjectID: "@alice:example.org", MinImportance: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Text != "tea" {
		t.Fatalf("min importance filter: %v", items)
	}

	items, err = s.Query(ctx, Filter{Tag: "drink"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("tag filter: %d items", len(items))
	}

	items, err = s.Query(ctx, Filter{Scope: ScopeRoom})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Text != "quiz night" {
		t.Fatalf("scope filter: %v", items)
	}

	items, err = s.Query(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("limit: %d items", len(items))
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	it := &Item{Scope: ScopeUser, SubjectID: "@alice:example.org", Text: "fact"}
	if err := s.Upsert(ctx, it); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, it.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, it.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Get(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, imp := range []float64{0.1, 0.9, 0.5, 0.7} {
		it := &Item{Scope: ScopeUser, SubjectID: "@alice:example.org", Text: string(rune('a' + i)), Importance: imp}
		if err := s.Upsert(ctx, it); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Prune(ctx, ScopeUser, "@alice:example.org", 2); err != nil {
		t.Fatal(err)
	}
	items, err := s.Query(ctx, Filter{Scope: ScopeUser, SubjectID: "@alice:example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d after prune", len(items))
	}
	if items[0].Importance != 0.9 || items[1].Importance != 0.7 {
		t.Fatalf("kept wrong items: %v, %v", items[0], items[1])
	}
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cases := []*Item{
		nil,
		{Scope: "bogus", SubjectID: "x", Text: "y"},
		{Scope: ScopeUser, Text: "y"},
		{Scope: ScopeUser, SubjectID: "x", Text: "   "},
	}
	for i, it := range cases {
		if err := s.Upsert(ctx, it); !errors.Is(err, ErrInvalid) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
}
