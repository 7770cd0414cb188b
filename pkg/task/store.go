package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/runehq/rune/pkg/kv"
)

// KV key layout:
//
//	task:item:{id} → msgpack Task
//
// The store scans the item space for listing; task counts here are local
// scale (hundreds, not millions).

func itemKey(id string) kv.Key {
	return kv.Key{"task", "item", id}
}

func itemsPrefix() kv.Key {
	return kv.Key{"task", "item"}
}

// Store is a KV-backed task repository. The mutex serializes
// read-modify-write operations (claims, status transitions, answer
// capture) so concurrent scheduler and chat paths cannot double-apply.
type Store struct {
	mu sync.Mutex
	kv kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Create validates and persists a new task. The ID is allocated here.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t == nil {
		return fmt.Errorf("%w: nil task", ErrInvalid)
	}
	t.Kind = strings.TrimSpace(t.Kind)
	if t.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalid)
	}
	t.Description = strings.TrimSpace(t.Description)
	t.QuestionText = strings.TrimSpace(t.QuestionText)
	if t.Description == "" && t.QuestionText == "" {
		return fmt.Errorf("%w: description or question is required", ErrInvalid)
	}
	if t.IsAsk() && t.ToUserID == "" {
		return fmt.Errorf("%w: ask task needs a target user", ErrInvalid)
	}
	if t.Importance < 0 {
		t.Importance = 0
	}
	if t.Importance > 1 {
		t.Importance = 1
	}

	now := nowNano()
	t.ID = uuid.NewString()
	t.Status = StatusOpen
	t.AskedAt, t.AnsweredAt, t.ClaimedAt = 0, 0, 0
	t.CreatedAt = now
	t.UpdatedAt = now
	return s.put(ctx, t)
}

// Get resolves a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := s.kv.Get(ctx, itemKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var t Task
	if err := msgpack.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("task: unmarshal %s: %w", id, err)
	}
	return &t, nil
}

// SetStatus transitions a task. Terminal states reject further changes
// except re-setting the same status, which is a no-op.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalid, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == status {
		return nil
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s task is %s", ErrInvalid, id, t.Status)
	}
	t.Status = status
	t.ClaimedAt = 0
	t.UpdatedAt = nowNano()
	return s.put(ctx, t)
}

// ListOpen returns open tasks involving userID, soonest due first.
func (s *Store) ListOpen(ctx context.Context, userID string, limit int) ([]*Task, error) {
	tasks, err := s.scan(ctx, func(t *Task) bool {
		return t.Status == StatusOpen && (userID == "" || t.mentions(userID))
	})
	if err != nil {
		return nil, err
	}
	sortByDue(tasks)
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// ListRunnable returns tasks the scheduler may dispatch at now, soonest
// due first.
func (s *Store) ListRunnable(ctx context.Context, now int64, limit int) ([]*Task, error) {
	tasks, err := s.scan(ctx, func(t *Task) bool {
		return t.Runnable(now)
	})
	if err != nil {
		return nil, err
	}
	sortByDue(tasks)
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// TryClaim marks a task as in-flight for dispatch. It returns false when
// the task is gone, terminal, already claimed, or not currently runnable.
func (s *Store) TryClaim(ctx context.Context, id string, now int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !t.Runnable(now) {
		return false, nil
	}
	t.ClaimedAt = nowNano()
	t.UpdatedAt = t.ClaimedAt
	if err := s.put(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the claim and pushes the due time forward so a failed
// dispatch retries later instead of spinning.
func (s *Store) Release(ctx context.Context, id string, retryAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	t.ClaimedAt = 0
	if retryAt > 0 {
		t.DueAt = retryAt
	}
	t.UpdatedAt = nowNano()
	return s.put(ctx, t)
}

// MarkAsked records that the question went out. The task stays open and
// stops being runnable until an answer arrives.
func (s *Store) MarkAsked(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusOpen {
		return fmt.Errorf("%w: %s task is %s", ErrInvalid, id, t.Status)
	}
	now := nowNano()
	t.AskedAt = now
	t.ClaimedAt = 0
	t.UpdatedAt = now
	return s.put(ctx, t)
}

// FindWaitingAsk returns the oldest open ask task waiting for an answer
// from userID in roomID, or nil.
func (s *Store) FindWaitingAsk(ctx context.Context, userID, roomID string) (*Task, error) {
	tasks, err := s.scan(ctx, func(t *Task) bool {
		return t.IsAsk() && t.WaitingAnswer() && t.ToUserID == userID && (t.RoomID == "" || t.RoomID == roomID)
	})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt < tasks[j].CreatedAt })
	return tasks[0], nil
}

// SaveAnswer captures the answer for a waiting ask task. Plain ask tasks
// complete immediately; reply-back tasks stay open so the scheduler can
// deliver the answer to the requester.
func (s *Store) SaveAnswer(ctx context.Context, id, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.WaitingAnswer() {
		return fmt.Errorf("%w: %s is not waiting for an answer", ErrInvalid, id)
	}
	now := nowNano()
	t.AnswerText = strings.TrimSpace(answer)
	t.AnsweredAt = now
	t.UpdatedAt = now
	if t.Kind != KindAskUserReplyBack {
		t.Status = StatusDone
	}
	return s.put(ctx, t)
}

// Count returns the total number of stored tasks across all statuses.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	for _, err := range s.kv.List(ctx, itemsPrefix()) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func (s *Store) put(ctx context.Context, t *Task) error {
	raw, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("task: marshal %s: %w", t.ID, err)
	}
	return s.kv.Set(ctx, itemKey(t.ID), raw)
}

func (s *Store) scan(ctx context.Context, keep func(*Task) bool) ([]*Task, error) {
	var tasks []*Task
	for entry, err := range s.kv.List(ctx, itemsPrefix()) {
		if err != nil {
			return nil, fmt.Errorf("task: list: %w", err)
		}
		var t Task
		if err := msgpack.Unmarshal(entry.Value, &t); err != nil {
			return nil, fmt.Errorf("task: unmarshal %s: %w", entry.Key, err)
		}
		if keep(&t) {
			tasks = append(tasks, &t)
		}
	}
	return tasks, nil
}

func sortByDue(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.effectiveDue() != b.effectiveDue() {
			return a.effectiveDue() < b.effectiveDue()
		}
		return a.CreatedAt < b.CreatedAt
	})
}
