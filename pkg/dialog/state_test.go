package dialog

import (
	"context"
	"testing"

	"github.com/runehq/rune/pkg/kv"
)

var testKey = Key{ActorID: "@alice:example.org", RoomID: "!lobby:example.org"}

func TestAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	reg := NewRegistry(store, 10)

	st, err := reg.Get(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	err = st.Append(ctx,
		Turn{Role: RoleUser, Content: "hi"},
		Turn{Role: RoleAssistant, Content: "hello!"},
		Turn{Role: RoleUser, Content: "how are you?"},
	)
	if err != nil {
		t.Fatal(err)
	}

	turns := st.Turns()
	if len(turns) != 3 {
		t.Fatalf("len = %d", len(turns))
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Timestamp <= turns[i-1].Timestamp {
			t.Fatalf("timestamps not increasing: %d <= %d", turns[i].Timestamp, turns[i-1].Timestamp)
		}
	}

	recent := st.Recent(2)
	if len(recent) != 2 || recent[0].Content != "hello!" || recent[1].Content != "how are you?" {
		t.Fatalf("recent = %v", recent)
	}
}

func TestReloadAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })

	reg := NewRegistry(store, 10)
	st, err := reg.Get(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	err = st.Append(ctx,
		Turn{Role: RoleUser, Content: "remember this"},
		Turn{Role: RoleAssistant, Content: "noted", Incomplete: true},
	)
	if err != nil {
		t.Fatal(err)
	}

	// A fresh registry over the same store sees the same history.
	st2, err := NewRegistry(store, 10).Get(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	turns := st2.Turns()
	if len(turns) != 2 {
		t.Fatalf("len = %d after reload", len(turns))
	}
	if turns[0].Content != "remember this" || turns[1].Content != "noted" {
		t.Fatalf("turns = %v", turns)
	}
	if !turns[1].Incomplete {
		t.Fatal("incomplete marker lost")
	}
}

func TestTrimOverflow(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	reg := NewRegistry(store, 4)

	st, err := reg.Get(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"a", "b", "c", "d", "e", "f"} {
		if err := st.Append(ctx, Turn{Role: RoleUser, Content: c}); err != nil {
			t.Fatal(err)
		}
	}

	turns := st.Turns()
	if len(turns) != 4 {
		t.Fatalf("len = %d, want 4", len(turns))
	}
	if turns[0].Content != "c" || turns[3].Content != "f" {
		t.Fatalf("kept wrong window: %v", turns)
	}

	// Trimmed turns are gone from the store too.
	st2, err := NewRegistry(store, 10).Get(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(st2.Turns()); n != 4 {
		t.Fatalf("persisted turns = %d, want 4", n)
	}
}

func TestZeroKeyIsEphemeral(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	reg := NewRegistry(store, 10)

	st, err := reg.Get(ctx, Key{})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Append(ctx, Turn{Role: RoleUser, Content: "anon"}); err != nil {
		t.Fatal(err)
	}
	if len(st.Turns()) != 1 {
		t.Fatal("in-memory history missing")
	}

	st2, err := NewRegistry(store, 10).Get(ctx, Key{})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(st2.Turns()); n != 0 {
		t.Fatalf("zero-key turns persisted: %d", n)
	}
}

func TestCounters(t *testing.T) {
	st := &State{key: testKey}

	var fired int
	for range 6 {
		if st.BumpController(3) {
			fired++
		}
	}
	if fired != 2 {
		t.Fatalf("controller fired %d times, want 2", fired)
	}

	if st.BumpEpisode(2) {
		t.Fatal("episode fired early")
	}
	if !st.BumpEpisode(2) {
		t.Fatal("episode did not fire at threshold")
	}
	if st.BumpEpisode(2) {
		t.Fatal("episode counter not reset")
	}
}

func TestRegistryReturnsSameState(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })
	reg := NewRegistry(store, 10)

	a, err := reg.Get(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.Get(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("registry created two states for one key")
	}
}
