package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/runehq/rune/pkg/controller"
	"github.com/runehq/rune/pkg/dialog"
	"github.com/runehq/rune/pkg/memory"
	"github.com/runehq/rune/pkg/prompt"
	"github.com/runehq/rune/pkg/provider"
	"github.com/runehq/rune/pkg/task"
)

const (
	// DefaultEpisodeThreshold is the number of appended turns between
	// episode summarizations.
	DefaultEpisodeThreshold = 20
	// DefaultEpisodeChunk is how many recent turns one episode covers.
	DefaultEpisodeChunk = 24
	// DefaultControllerEveryN triggers a planner pass every N finalized
	// turns.
	DefaultControllerEveryN = 1
	// DefaultControllerLastN is the history window handed to the planner.
	DefaultControllerLastN = 8

	streamBufferSize = 16
)

// Orchestrator runs one conversational turn end to end: capture side
// channels, assemble the prompt, stream the model reply, finalize history
// and kick off background reconciliation. Turns on the same conversation
// are serialized; distinct conversations run concurrently.
type Orchestrator struct {
	// Provider generates replies. Nil means offline operation.
	Provider provider.Provider

	// Fallback answers when Provider is nil or cannot be reached.
	// Defaults to the deterministic offline provider.
	Fallback provider.Provider

	Assembler  *prompt.Assembler
	Dialogs    *dialog.Registry
	Memory     *memory.Store
	Tasks      *task.Store
	Reconciler *controller.Dispatcher
	Summarizer *controller.Summarizer

	EpisodeThreshold int
	EpisodeChunk     int
	ControllerEveryN int
	ControllerLastN  int

	mu   sync.Mutex
	conv map[dialog.Key]*sync.Mutex
}

func (o *Orchestrator) episodeThreshold() int {
	if o.EpisodeThreshold > 0 {
		return o.EpisodeThreshold
	}
	return DefaultEpisodeThreshold
}

func (o *Orchestrator) episodeChunk() int {
	if o.EpisodeChunk > 0 {
		return o.EpisodeChunk
	}
	return DefaultEpisodeChunk
}

func (o *Orchestrator) controllerEveryN() int {
	if o.ControllerEveryN > 0 {
		return o.ControllerEveryN
	}
	return DefaultControllerEveryN
}

func (o *Orchestrator) controllerLastN() int {
	if o.ControllerLastN > 0 {
		return o.ControllerLastN
	}
	return DefaultControllerLastN
}

// convLock returns the mutex serializing turns for one conversation.
func (o *Orchestrator) convLock(key dialog.Key) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conv == nil {
		o.conv = make(map[dialog.Key]*sync.Mutex)
	}
	lock, ok := o.conv[key]
	if !ok {
		lock = &sync.Mutex{}
		o.conv[key] = lock
	}
	return lock
}

// Turn processes one user message and returns the reply fragment stream.
// The stream ends with a terminal state; closing it early cancels the turn
// and leaves no history record.
func (o *Orchestrator) Turn(ctx context.Context, key dialog.Key, userText string) (provider.Stream, error) {
	lock := o.convLock(key)
	lock.Lock()

	o.captureTaskReply(ctx, key, userText)
	o.captureExplicitMemory(ctx, key, userText)

	st, err := o.Dialogs.Get(ctx, key)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	blk := o.Assembler.Assemble(ctx, key)
	req := provider.Request{
		System:   blk.System,
		Messages: convTurns(st.Turns(), userText),
	}

	var inner provider.Stream
	if o.Provider != nil {
		inner, err = o.Provider.StreamCompletion(ctx, req)
		if err != nil {
			slog.Warn("chat: provider unavailable, using fallback",
				"provider", o.Provider.Name(), "err", err)
			inner = nil
		}
	}
	if inner == nil {
		fb := o.Fallback
		if fb == nil {
			fb = &provider.Offline{}
		}
		inner, err = fb.StreamCompletion(ctx, req)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
	}

	sb := provider.NewStreamBuilder(streamBufferSize)
	go o.pump(ctx, key, st, userText, inner, sb, lock.Unlock)
	return sb.Stream(), nil
}

// Reply is the non-streaming form of Turn.
func (o *Orchestrator) Reply(ctx context.Context, key dialog.Key, userText string) (string, error) {
	stream, err := o.Turn(ctx, key, userText)
	if err != nil {
		return "", err
	}
	text, _, err := provider.Collect(stream)
	return strings.TrimSpace(text), err
}

func convTurns(history []dialog.Turn, userText string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+1)
	for _, t := range history {
		role := provider.RoleUser
		if t.Role == dialog.RoleAssistant {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: t.Content})
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: userText})
}

// pump forwards provider fragments to the consumer, stripping internal
// blocks, then finalizes the turn. It owns the conversation lock until done.
func (o *Orchestrator) pump(ctx context.Context, key dialog.Key, st *dialog.State, userText string, inner provider.Stream, sb *provider.StreamBuilder, done func()) {
	defer done()

	stripper := NewBlockStripper()
	var reply strings.Builder
	var term *provider.State
	var streamErr error

	for {
		frag, err := inner.Next()
		if err != nil {
			var ts *provider.State
			if errors.As(err, &ts) {
				term = ts
			} else {
				streamErr = err
			}
			break
		}
		clean := stripper.Feed(frag.Text)
		if clean == "" {
			continue
		}
		reply.WriteString(clean)
		if err := sb.Add(clean); err != nil {
			// Consumer closed the stream: abandon the turn.
			inner.Close()
			return
		}
	}

	complete := term != nil && term.Status() != provider.StatusError
	// Flush drops open internal blocks, so the held-back tail is plain
	// reply text and belongs to the answer even when the stream failed.
	if tail := stripper.Flush(); tail != "" {
		reply.WriteString(tail)
		if err := sb.Add(tail); err != nil {
			inner.Close()
			return
		}
	}

	if ctx.Err() != nil {
		// A cancelled turn leaves no partial record.
		sb.Abort(ctx.Err())
		return
	}

	o.finalize(ctx, key, st, userText, strings.TrimSpace(reply.String()), complete)

	if term == nil {
		if streamErr == nil {
			streamErr = errors.New("chat: stream ended without terminal state")
		}
		sb.Unexpected(provider.Usage{}, streamErr)
		return
	}
	switch term.Status() {
	case provider.StatusDone:
		sb.Done(term.Usage())
	case provider.StatusTruncated:
		sb.Truncated(term.Usage())
	case provider.StatusBlocked:
		sb.Blocked(term.Usage(), term.Error())
	default:
		sb.Unexpected(term.Usage(), term.Unwrap())
	}
}

// finalize commits the exchange to history and runs the post-turn hooks.
// A provider failure still commits the exchange, even when no fragments
// arrived: the user turn and the partial answer marked incomplete stay in
// history, so the next prompt keeps the conversational record.
func (o *Orchestrator) finalize(ctx context.Context, key dialog.Key, st *dialog.State, userText, reply string, complete bool) {
	if reply == "" && complete {
		return
	}
	ctx = context.WithoutCancel(ctx)

	err := st.Append(ctx,
		dialog.Turn{Role: dialog.RoleUser, Content: userText},
		dialog.Turn{Role: dialog.RoleAssistant, Content: reply, Incomplete: !complete},
	)
	if err != nil {
		slog.Warn("chat: append history", "key", key.String(), "err", err)
	}

	if o.Summarizer != nil && st.BumpEpisode(o.episodeThreshold()) {
		o.summarizeEpisode(ctx, key, st)
	}
	if o.Reconciler != nil && st.BumpController(o.controllerEveryN()) {
		o.Reconciler.Enqueue(ctx, controller.Request{
			Key:   key,
			Turns: st.Recent(o.controllerLastN()),
		})
	}
}

// summarizeEpisode compacts the recent turn window into memory items on the
// relationship and room scopes. Best-effort: any failure leaves history
// untouched.
func (o *Orchestrator) summarizeEpisode(ctx context.Context, key dialog.Key, st *dialog.State) {
	chunk := st.Recent(o.episodeChunk())
	if len(chunk) == 0 {
		return
	}
	summary, err := o.Summarizer.Summarize(ctx, chunk)
	if err != nil {
		slog.Warn("chat: episode summary", "key", key.String(), "err", err)
		return
	}
	if summary == "" {
		slog.Debug("chat: episode summary skipped, no significant facts", "key", key.String())
		return
	}

	tags := []string{"episode", "summary"}
	if key.ActorID != "" {
		it := &memory.Item{
			Scope:      memory.ScopeRelationship,
			SubjectID:  key.ActorID,
			Text:       summary,
			Tags:       tags,
			Importance: 0.8,
			Source:     "summary",
			PersonRef:  "user:" + key.ActorID,
		}
		if err := o.Memory.Upsert(ctx, it); err != nil {
			slog.Warn("chat: store episode summary", "scope", "relationship", "err", err)
		}
	}
	if key.RoomID != "" {
		it := &memory.Item{
			Scope:      memory.ScopeRoom,
			SubjectID:  key.RoomID,
			Text:       summary,
			Tags:       tags,
			Importance: 0.7,
			Source:     "summary",
		}
		if err := o.Memory.Upsert(ctx, it); err != nil {
			slog.Warn("chat: store episode summary", "scope", "room", "err", err)
		}
	}
}
