package kv_test

import (
	"context"
	"errors"
	"testing"

	"github.com/runehq/rune/pkg/kv"
)

// newTestStore returns a Store for testing. Tests run against the Memory
// implementation by default; TestBadgerInMemory reruns the same suite
// against the real badger engine.
func newTestStore(t *testing.T) kv.Store {
	t.Helper()
	s := kv.NewMemory()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key := kv.Key{"mem", "user", "@alice:example.org"}
	val := []byte("hello")

	_, err := s.Get(ctx, key)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, key, val); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(val) {
		t.Fatalf("Get = %q, want %q", got, val)
	}

	if err := s.Set(ctx, key, []byte("world")); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, _ = s.Get(ctx, key)
	if string(got) != "world" {
		t.Fatalf("Get after overwrite = %q, want %q", got, "world")
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing key is not an error.
	if err := s.Delete(ctx, kv.Key{"missing"}); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestColonSafeSegments(t *testing.T) {
	// Actor and room IDs contain ':' and must round-trip as single
	// segments, not split into sub-segments.
	ctx := context.Background()
	s := newTestStore(t)

	key := kv.Key{"task", "@bob:matrix.org", "!room:matrix.org"}
	if err := s.Set(ctx, key, []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for entry, err := range s.List(ctx, kv.Key{"task"}) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entry.Key) != 3 {
			t.Fatalf("key split into %d segments: %v", len(entry.Key), entry.Key)
		}
		if entry.Key[1] != "@bob:matrix.org" {
			t.Fatalf("segment = %q, want %q", entry.Key[1], "@bob:matrix.org")
		}
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	set := func(k kv.Key) {
		t.Helper()
		if err := s.Set(ctx, k, []byte(k.String())); err != nil {
			t.Fatalf("Set %v: %v", k, err)
		}
	}
	set(kv.Key{"a", "b", "1"})
	set(kv.Key{"a", "b", "2"})
	set(kv.Key{"a", "bc", "3"}) // sibling, must not match prefix ["a","b"]
	set(kv.Key{"z", "1"})

	var got []string
	for entry, err := range s.List(ctx, kv.Key{"a", "b"}) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		got = append(got, entry.Key.String())
	}
	want := []string{"a:b:1", "a:b:2"}
	if len(got) != len(want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List[%d] = %q, want %q (order must be lexicographic)", i, got[i], want[i])
		}
	}
}

func TestBatchOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entries := []kv.Entry{
		{Key: kv.Key{"b", "1"}, Value: []byte("one")},
		{Key: kv.Key{"b", "2"}, Value: []byte("two")},
		{Key: kv.Key{"b", "3"}, Value: []byte("three")},
	}
	if err := s.BatchSet(ctx, entries); err != nil {
		t.Fatalf("BatchSet: %v", err)
	}

	count := 0
	for _, err := range s.List(ctx, kv.Key{"b"}) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Fatalf("List count = %d, want 3", count)
	}

	if err := s.BatchDelete(ctx, []kv.Key{{"b", "1"}, {"b", "3"}}); err != nil {
		t.Fatalf("BatchDelete: %v", err)
	}
	count = 0
	for _, err := range s.List(ctx, kv.Key{"b"}) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("List count after delete = %d, want 1", count)
	}
}

func TestBadgerInMemory(t *testing.T) {
	ctx := context.Background()
	s, err := kv.OpenBadger("")
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	key := kv.Key{"mem", "global", "__GLOBAL__", "id-1"}
	if err := s.Set(ctx, key, []byte("fact")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "fact" {
		t.Fatalf("Get = %q, want %q", got, "fact")
	}

	if _, err := s.Get(ctx, kv.Key{"nope"}); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
