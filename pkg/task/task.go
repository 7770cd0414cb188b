// Package task persists deferred work the agent promised to do: reminders,
// scheduled messages, and two-phase ask flows where the agent asks one user
// a question and reports the answer back to another.
//
// Tasks are never hard-deleted. Status moves open → done or open → cancelled
// and stops there. Within open, the ask flow is tracked by AskedAt and
// AnsweredAt rather than extra statuses: a task with AskedAt set and
// AnsweredAt unset is waiting for an answer and will not be dispatched.
package task

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned when a task ID does not resolve.
var ErrNotFound = errors.New("task: not found")

// ErrInvalid is returned when a task fails validation.
var ErrInvalid = errors.New("task: invalid task")

// Status is the task lifecycle state. Done and cancelled are terminal.
type Status string

const (
	StatusOpen      Status = "open"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Well-known task kinds. Any kind with the "ask_user" prefix follows the
// two-phase ask flow.
const (
	KindMessage          = "message"
	KindRemind           = "remind"
	KindAskUser          = "ask_user"
	KindAskUserReplyBack = "ask_user_and_reply_back"
)

// Task is one unit of deferred work.
type Task struct {
	ID     string `json:"id" msgpack:"id"`
	Kind   string `json:"kind" msgpack:"kind"`
	Status Status `json:"status" msgpack:"status"`

	// OwnerID is the actor the task was created for or by.
	OwnerID       string `json:"owner_id" msgpack:"owner_id"`
	ToUserID      string `json:"to_user_id,omitempty" msgpack:"to_user_id,omitempty"`
	ReplyToUserID string `json:"reply_to_user_id,omitempty" msgpack:"reply_to_user_id,omitempty"`
	RoomID        string `json:"room_id,omitempty" msgpack:"room_id,omitempty"`

	Description  string `json:"description" msgpack:"description"`
	QuestionText string `json:"question_text,omitempty" msgpack:"question_text,omitempty"`
	AnswerText   string `json:"answer_text,omitempty" msgpack:"answer_text,omitempty"`

	Importance float64           `json:"importance" msgpack:"importance"`
	Meta       map[string]string `json:"meta,omitempty" msgpack:"meta,omitempty"`

	// All timestamps are Unix nanoseconds. Zero means unset.
	DueAt      int64 `json:"due_at,omitempty" msgpack:"due_at,omitempty"`
	AskedAt    int64 `json:"asked_at,omitempty" msgpack:"asked_at,omitempty"`
	AnsweredAt int64 `json:"answered_at,omitempty" msgpack:"answered_at,omitempty"`

	// ClaimedAt is a dispatch lock. A claimed task is skipped by other
	// scheduler passes until released or advanced.
	ClaimedAt int64 `json:"claimed_at,omitempty" msgpack:"claimed_at,omitempty"`

	CreatedAt int64 `json:"created_at" msgpack:"created_at"`
	UpdatedAt int64 `json:"updated_at" msgpack:"updated_at"`
}

// IsAsk reports whether the task follows the two-phase ask flow.
func (t *Task) IsAsk() bool {
	return strings.HasPrefix(t.Kind, "ask_user")
}

// WaitingAnswer reports whether the question went out and no answer has
// been captured yet.
func (t *Task) WaitingAnswer() bool {
	return t.Status == StatusOpen && t.AskedAt > 0 && t.AnsweredAt == 0
}

// Runnable reports whether the scheduler may dispatch the task at now.
func (t *Task) Runnable(now int64) bool {
	if t.Status != StatusOpen || t.ClaimedAt > 0 {
		return false
	}
	if t.WaitingAnswer() {
		return false
	}
	if t.DueAt > 0 && t.DueAt > now {
		return false
	}
	return true
}

// effectiveDue orders tasks for dispatch and listing.
func (t *Task) effectiveDue() int64 {
	if t.DueAt > 0 {
		return t.DueAt
	}
	return t.CreatedAt
}

// mentions reports whether the task involves userID in any role.
func (t *Task) mentions(userID string) bool {
	return t.OwnerID == userID || t.ToUserID == userID || t.ReplyToUserID == userID
}

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
