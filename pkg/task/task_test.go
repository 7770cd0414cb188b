package task

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

func TestCreateDefaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tk := &Task{Kind: KindRemind, OwnerID: "@alice:example.org", Description: "water the plants"}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if tk.ID == "" || tk.Status != StatusOpen || tk.CreatedAt == 0 {
		t.Fatalf("bad defaults: %+v", tk)
	}

	got, err := s.Get(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "water the plants" {
		t.Fatalf("description = %q", got.Description)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cases := []*Task{
		nil,
		{Description: "no kind"},
		{Kind: KindMessage},
		{Kind: KindAskUser, QuestionText: "favorite color?"},
	}
	for i, tk := range cases {
		if err := s.Create(ctx, tk); !errors.Is(err, ErrInvalid) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tk := &Task{Kind: KindMessage, OwnerID: "@a:x", Description: "hi"}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, tk.ID, StatusDone); err != nil {
		t.Fatal(err)
	}
	// Re-setting the same terminal status is a no-op.
	if err := s.SetStatus(ctx, tk.ID, StatusDone); err != nil {
		t.Fatal(err)
	}
	// Leaving a terminal status is rejected.
	if err := s.SetStatus(ctx, tk.ID, StatusOpen); !errors.Is(err, ErrInvalid) {
		t.Fatalf("done -> open: %v", err)
	}
	if err := s.SetStatus(ctx, tk.ID, StatusCancelled); !errors.Is(err, ErrInvalid) {
		t.Fatalf("done -> cancelled: %v", err)
	}
	// Tasks are never hard-deleted.
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestAskFlowReplyBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tk := &Task{
		Kind:          KindAskUserReplyBack,
		OwnerID:       "@alice:example.org",
		ToUserID:      "@bob:example.org",
		ReplyToUserID: "@alice:example.org",
		RoomID:        "!lobby:example.org",
		QuestionText:  "when is the meeting?",
	}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}

	now := nowNano()
	if got, _ := s.ListRunnable(ctx, now, 10); len(got) != 1 {
		t.Fatalf("phase 1 runnable = %d", len(got))
	}

	d := BuildDispatch(tk)
	if d == nil || d.Phase != PhaseAsk || d.Text != "when is the meeting?" || d.ToUserID != "@bob:example.org" {
		t.Fatalf("ask dispatch = %+v", d)
	}
	if err := s.MarkAsked(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}

	// Waiting for the answer: not runnable, findable by target user.
	if got, _ := s.ListRunnable(ctx, nowNano(), 10); len(got) != 0 {
		t.Fatalf("waiting task is runnable: %d", len(got))
	}
	waiting, err := s.FindWaitingAsk(ctx, "@bob:example.org", "!lobby:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if waiting == nil || waiting.ID != tk.ID {
		t.Fatalf("waiting = %+v", waiting)
	}
	if w, _ := s.FindWaitingAsk(ctx, "@carol:example.org", "!lobby:example.org"); w != nil {
		t.Fatalf("wrong user matched: %+v", w)
	}

	if err := s.SaveAnswer(ctx, tk.ID, "  3pm tomorrow "); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusOpen || got.AnswerText != "3pm tomorrow" {
		t.Fatalf("after answer: %+v", got)
	}

	// Phase 2: reply-back to the requester.
	d = BuildDispatch(got)
	if d == nil || d.Phase != PhaseReplyBack || d.ToUserID != "@alice:example.org" {
		t.Fatalf("reply dispatch = %+v", d)
	}
	if d.Text != "Answer received: 3pm tomorrow" {
		t.Fatalf("reply text = %q", d.Text)
	}
}

func TestAskFlowPlainAskCompletesOnAnswer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tk := &Task{Kind: KindAskUser, OwnerID: "@a:x", ToUserID: "@b:x", QuestionText: "ok?"}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAsked(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAnswer(ctx, tk.ID, "yes"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, tk.ID)
	if got.Status != StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	// Answering twice is rejected, not double-applied.
	if err := s.SaveAnswer(ctx, tk.ID, "no"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("second answer: %v", err)
	}
}

func TestDueTimeGating(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := nowNano()
	tk := &Task{Kind: KindRemind, OwnerID: "@a:x", Description: "later", DueAt: now + int64(1e12)}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	// Create overwrote nothing: DueAt survives.
	if got, _ := s.ListRunnable(ctx, now, 10); len(got) != 0 {
		t.Fatalf("future task runnable: %d", len(got))
	}
	if got, _ := s.ListRunnable(ctx, tk.DueAt, 10); len(got) != 1 {
		t.Fatalf("due task not runnable")
	}
}

func TestTryClaimAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tk := &Task{Kind: KindMessage, OwnerID: "@a:x", Description: "hi"}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	now := nowNano()
	ok, err := s.TryClaim(ctx, tk.ID, now)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.TryClaim(ctx, tk.ID, nowNano())
	if err != nil || ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}
	if err := s.Release(ctx, tk.ID, 0); err != nil {
		t.Fatal(err)
	}
	ok, err = s.TryClaim(ctx, tk.ID, nowNano())
	if err != nil || !ok {
		t.Fatalf("claim after release: ok=%v err=%v", ok, err)
	}
}

type fakeMessenger struct {
	sent []string
	fail bool
}

func (m *fakeMessenger) SendText(_ context.Context, text, _, _ string) error {
	if m.fail {
		return errors.New("transport down")
	}
	m.sent = append(m.sent, text)
	return nil
}

func TestSchedulerTick(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := &fakeMessenger{}
	sched := &Scheduler{Store: s, Messenger: m}

	tk := &Task{Kind: KindRemind, OwnerID: "@a:x", ToUserID: "@a:x", Description: "stretch"}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}

	sched.Tick(ctx, nowNano())
	if len(m.sent) != 1 || m.sent[0] != "stretch" {
		t.Fatalf("sent = %v", m.sent)
	}
	got, _ := s.Get(ctx, tk.ID)
	if got.Status != StatusDone {
		t.Fatalf("status = %s", got.Status)
	}

	// A completed task never dispatches again.
	sched.Tick(ctx, nowNano())
	if len(m.sent) != 1 {
		t.Fatalf("redispatched: %v", m.sent)
	}
}

func TestSchedulerRetryOnSendFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := &fakeMessenger{fail: true}
	sched := &Scheduler{Store: s, Messenger: m}

	tk := &Task{Kind: KindMessage, OwnerID: "@a:x", Description: "hello"}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}

	before := nowNano()
	sched.Tick(ctx, before)

	got, _ := s.Get(ctx, tk.ID)
	if got.Status != StatusOpen {
		t.Fatalf("status = %s, want open", got.Status)
	}
	if got.ClaimedAt != 0 {
		t.Fatal("claim not released")
	}
	if got.DueAt <= before {
		t.Fatal("due time not pushed forward")
	}
	// Not runnable until the retry delay elapses.
	if tasks, _ := s.ListRunnable(ctx, nowNano(), 10); len(tasks) != 0 {
		t.Fatalf("failed task immediately runnable")
	}

	m.fail = false
	sched.Tick(ctx, got.DueAt+1)
	if len(m.sent) != 1 {
		t.Fatalf("retry did not send: %v", m.sent)
	}
}

func TestSchedulerCancelsUndispatchable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := &fakeMessenger{}
	sched := &Scheduler{Store: s, Messenger: m}

	tk := &Task{Kind: KindMessage, OwnerID: "@a:x", Description: "x"}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	// Blank the text behind the store's back to simulate bad data.
	got, _ := s.Get(ctx, tk.ID)
	got.Description = ""
	if err := s.put(ctx, got); err != nil {
		t.Fatal(err)
	}

	sched.Tick(ctx, nowNano())
	if len(m.sent) != 0 {
		t.Fatalf("sent = %v", m.sent)
	}
	got, _ = s.Get(ctx, tk.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}
