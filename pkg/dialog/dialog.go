// Package dialog tracks per-conversation short-term state: the rolling
// turn history and the counters that pace episodic summarization and
// memory reconciliation.
//
// Each (actor, room) pair owns one State. Turns persist to the KV store
// keyed by monotonic nanosecond timestamps, so listing a conversation
// prefix yields turns in order and a restart reloads exactly what was
// finalized.
package dialog

import (
	"sync/atomic"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Key identifies one conversation. RoomID may be empty for direct chats.
type Key struct {
	ActorID string
	RoomID  string
}

// Zero reports whether the key carries no identity at all. Zero-key
// conversations are ephemeral: nothing is persisted for them.
func (k Key) Zero() bool {
	return k.ActorID == "" && k.RoomID == ""
}

func (k Key) String() string {
	return k.ActorID + "||" + k.RoomID
}

// Turn is one finalized message in a conversation.
type Turn struct {
	Role    Role   `json:"role" msgpack:"role"`
	Content string `json:"content" msgpack:"content"`

	// Timestamp is the Unix nanosecond the turn was finalized.
	Timestamp int64 `json:"ts" msgpack:"ts"`

	// Incomplete marks an assistant turn cut short by a provider
	// failure. The partial text is still useful context.
	Incomplete bool `json:"incomplete,omitempty" msgpack:"incomplete,omitempty"`
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
