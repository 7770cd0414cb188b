package task

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Phase says what a dispatch is doing.
type Phase string

const (
	// PhaseAsk sends the question of a two-phase ask task.
	PhaseAsk Phase = "ask"
	// PhaseReplyBack reports a captured answer to the requester.
	PhaseReplyBack Phase = "reply_back"
	// PhaseMessage delivers a one-shot message or reminder.
	PhaseMessage Phase = "message"
)

// Dispatch is what the scheduler wants sent. The transport decides how to
// route and format it.
type Dispatch struct {
	Task  *Task
	Phase Phase
	Text  string

	ToUserID string
	RoomID   string
}

// Messenger is the outbound transport port.
type Messenger interface {
	SendText(ctx context.Context, text, roomID, toUserID string) error
}

// BuildDispatch converts an open task into a dispatchable message, or nil
// when the task has nothing to send in its current phase.
func BuildDispatch(t *Task) *Dispatch {
	if t == nil || strings.TrimSpace(t.Kind) == "" {
		return nil
	}

	if t.IsAsk() {
		if t.AskedAt == 0 {
			text := t.QuestionText
			if text == "" {
				text = t.Description
			}
			if text == "" {
				return nil
			}
			return &Dispatch{
				Task:     t,
				Phase:    PhaseAsk,
				Text:     text,
				ToUserID: t.ToUserID,
				RoomID:   t.RoomID,
			}
		}
		if t.Kind == KindAskUserReplyBack && t.AnsweredAt > 0 {
			text := t.AnswerText
			if text != "" {
				text = "Answer received: " + text
			} else {
				text = t.Description
			}
			if text == "" {
				return nil
			}
			room := t.Meta["reply_room_id"]
			if room == "" {
				room = t.RoomID
			}
			return &Dispatch{
				Task:     t,
				Phase:    PhaseReplyBack,
				Text:     text,
				ToUserID: t.ReplyToUserID,
				RoomID:   room,
			}
		}
		// Unknown ask combination: fall through to message semantics.
	}

	if t.Description == "" {
		return nil
	}
	return &Dispatch{
		Task:     t,
		Phase:    PhaseMessage,
		Text:     t.Description,
		ToUserID: t.ToUserID,
		RoomID:   t.RoomID,
	}
}

// Scheduler polls for runnable tasks and pushes them through the
// messenger. One instance per process; the store's claim lock keeps a
// dispatch from firing twice even if ticks overlap.
type Scheduler struct {
	Store     *Store
	Messenger Messenger

	// Interval between polls. Zero means DefaultInterval.
	Interval time.Duration

	// RetryDelay pushes a failed dispatch's due time forward.
	// Zero means DefaultRetryDelay.
	RetryDelay time.Duration

	// BatchLimit caps tasks handled per tick. Zero means DefaultBatchLimit.
	BatchLimit int
}

const (
	DefaultInterval   = 15 * time.Second
	DefaultRetryDelay = time.Minute
	DefaultBatchLimit = 32
)

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, nowNano())
		}
	}
}

// Tick runs one scheduler pass at the given time.
func (s *Scheduler) Tick(ctx context.Context, now int64) {
	limit := s.BatchLimit
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	tasks, err := s.Store.ListRunnable(ctx, now, limit)
	if err != nil {
		slog.Error("task: list runnable failed", "err", err)
		return
	}

	for _, t := range tasks {
		claimed, err := s.Store.TryClaim(ctx, t.ID, now)
		if err != nil {
			slog.Error("task: claim failed", "task", t.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		s.dispatch(ctx, t)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, t *Task) {
	d := BuildDispatch(t)
	if d == nil {
		slog.Warn("task: not dispatchable, cancelling", "task", t.ID, "kind", t.Kind)
		if err := s.Store.SetStatus(ctx, t.ID, StatusCancelled); err != nil {
			slog.Error("task: cancel failed", "task", t.ID, "err", err)
		}
		return
	}

	if err := s.Messenger.SendText(ctx, d.Text, d.RoomID, d.ToUserID); err != nil {
		slog.Error("task: send failed", "task", t.ID, "phase", d.Phase, "err", err)
		retry := s.RetryDelay
		if retry <= 0 {
			retry = DefaultRetryDelay
		}
		if err := s.Store.Release(ctx, t.ID, nowNano()+retry.Nanoseconds()); err != nil {
			slog.Error("task: release failed", "task", t.ID, "err", err)
		}
		return
	}

	switch d.Phase {
	case PhaseAsk:
		if err := s.Store.MarkAsked(ctx, t.ID); err != nil {
			slog.Error("task: mark asked failed", "task", t.ID, "err", err)
			return
		}
		slog.Info("task: question sent", "task", t.ID, "to", d.ToUserID)
	default:
		if err := s.Store.SetStatus(ctx, t.ID, StatusDone); err != nil {
			slog.Error("task: mark done failed", "task", t.ID, "err", err)
			return
		}
		slog.Info("task: dispatched", "task", t.ID, "phase", d.Phase)
	}
}
