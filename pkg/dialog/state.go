package dialog

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/runehq/rune/pkg/kv"
)

// DefaultMaxTurns bounds the retained history per conversation.
const DefaultMaxTurns = 80

// KV key layout:
//
//	dlg:{actor}:{room}:msg:{ts_ns} → msgpack Turn

func turnKey(k Key, ts int64) kv.Key {
	return kv.Key{"dlg", k.ActorID, k.RoomID, "msg", strconv.FormatInt(ts, 10)}
}

func turnPrefix(k Key) kv.Key {
	return kv.Key{"dlg", k.ActorID, k.RoomID, "msg"}
}

// State is the mutable per-conversation record. All access goes through
// the mutex; one State serves one conversation across goroutines.
type State struct {
	mu sync.Mutex

	key      Key
	kv       kv.Store
	maxTurns int
	turns    []Turn

	episodeCount int
	ctrlCount    int
}

// Turns returns a snapshot of the retained history, oldest first.
func (s *State) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Recent returns up to n most recent turns, oldest first.
func (s *State) Recent(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.turns) {
		n = len(s.turns)
	}
	out := make([]Turn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out
}

// Append finalizes a turn: it is persisted and enters the rolling window.
// Overflow beyond the max turn count drops the oldest turns from both the
// window and the store.
func (s *State) Append(ctx context.Context, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range turns {
		if turns[i].Timestamp == 0 {
			turns[i].Timestamp = nowNano()
		}
		if !s.key.Zero() {
			raw, err := msgpack.Marshal(&turns[i])
			if err != nil {
				return fmt.Errorf("dialog: marshal turn: %w", err)
			}
			if err := s.kv.Set(ctx, turnKey(s.key, turns[i].Timestamp), raw); err != nil {
				return fmt.Errorf("dialog: persist turn: %w", err)
			}
		}
		s.turns = append(s.turns, turns[i])
	}
	return s.trimLocked(ctx)
}

func (s *State) trimLocked(ctx context.Context) error {
	overflow := len(s.turns) - s.maxTurns
	if overflow <= 0 {
		return nil
	}
	if !s.key.Zero() {
		keys := make([]kv.Key, 0, overflow)
		for _, t := range s.turns[:overflow] {
			keys = append(keys, turnKey(s.key, t.Timestamp))
		}
		if err := s.kv.BatchDelete(ctx, keys); err != nil {
			return fmt.Errorf("dialog: trim history: %w", err)
		}
	}
	s.turns = append(s.turns[:0], s.turns[overflow:]...)
	return nil
}

// BumpEpisode advances the episodic summarization counter and reports
// whether the threshold fired. Firing resets the counter.
func (s *State) BumpEpisode(threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodeCount++
	if threshold <= 0 || s.episodeCount < threshold {
		return false
	}
	s.episodeCount = 0
	return true
}

// BumpController advances the reconcile counter and reports whether the
// cadence fired. Firing resets the counter.
func (s *State) BumpController(everyN int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrlCount++
	if everyN <= 0 || s.ctrlCount < everyN {
		return false
	}
	s.ctrlCount = 0
	return true
}

// Registry hands out State instances, loading persisted history on first
// access.
type Registry struct {
	mu sync.Mutex

	kv       kv.Store
	maxTurns int
	states   map[Key]*State
}

func NewRegistry(store kv.Store, maxTurns int) *Registry {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Registry{
		kv:       store,
		maxTurns: maxTurns,
		states:   make(map[Key]*State),
	}
}

// Get returns the State for key, creating and loading it if needed.
func (r *Registry) Get(ctx context.Context, key Key) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[key]; ok {
		return st, nil
	}
	st := &State{key: key, kv: r.kv, maxTurns: r.maxTurns}
	if !key.Zero() {
		for entry, err := range r.kv.List(ctx, turnPrefix(key)) {
			if err != nil {
				return nil, fmt.Errorf("dialog: load history: %w", err)
			}
			var t Turn
			if err := msgpack.Unmarshal(entry.Value, &t); err != nil {
				return nil, fmt.Errorf("dialog: unmarshal turn %s: %w", entry.Key, err)
			}
			st.turns = append(st.turns, t)
		}
		if len(st.turns) > st.maxTurns {
			st.turns = st.turns[len(st.turns)-st.maxTurns:]
		}
	}
	r.states[key] = st
	return st, nil
}
