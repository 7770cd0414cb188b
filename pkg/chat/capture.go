package chat

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/runehq/rune/pkg/dialog"
	"github.com/runehq/rune/pkg/memory"
)

// Explicit remember / запомни handling is done without the model: identity
// statements the user asked to keep must land even when the planner is slow
// or offline.

var (
	rememberRe = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:запомни|remember)(?:$|[^\p{L}])`)

	nameRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)меня\s+зовут\s+([^\n,.;!?]+)`),
		regexp.MustCompile(`(?i)зови\s+меня\s+([^\n,.;!?]+)`),
		regexp.MustCompile(`(?i)\bmy\s+name\s+is\s+([^\n,.;!?]+)`),
		regexp.MustCompile(`(?i)\bcall\s+me\s+([^\n,.;!?]+)`),
	}

	ageRuRe = regexp.MustCompile(`(?i)(?:^|[^\p{L}])мне\s+(\d{1,3})(?:$|\D)`)
	ageEnRe = regexp.MustCompile(`(?i)\b(\d{1,3})\s*(?:years?\s*old|yo)\b`)

	noteRe = regexp.MustCompile(`(?i)(?:запомни|remember)[:\s,.-]*(.+)$`)
)

var secretKeywords = []string{
	"password", "пароль", "api key", "apikey", "secret", "token",
	"ключ", "private key", "seed phrase", "mnemonic",
}

// looksLikeSecret refuses to store credentials even on explicit request.
func looksLikeSecret(text string) bool {
	t := strings.ToLower(text)
	for _, kw := range secretKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

func extractName(text string) string {
	for _, re := range nameRes {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.Trim(strings.TrimSpace(m[1]), `"'“”`)
		}
	}
	return ""
}

func extractAge(text string) int {
	for _, re := range []*regexp.Regexp{ageRuRe, ageEnRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 && n <= 130 {
				return n
			}
		}
	}
	return 0
}

// upsertFact writes the single item tagged fact:{slot} for the user,
// updating in place when the slot already exists.
func (o *Orchestrator) upsertFact(ctx context.Context, userID, slot, value string, importance float64, extraTags []string) error {
	items, err := o.Memory.Query(ctx, memory.Filter{
		Scope:     memory.ScopeUser,
		SubjectID: userID,
		Tag:       "fact:" + slot,
		Limit:     1,
	})
	if err != nil {
		return err
	}
	var it *memory.Item
	if len(items) > 0 {
		it = items[0]
	} else {
		it = &memory.Item{
			Scope:     memory.ScopeUser,
			SubjectID: userID,
			Tags:      append([]string{"fact", "fact:" + slot}, extraTags...),
			PersonRef: "user:" + userID,
		}
	}
	it.Text = slot + ": " + value
	it.Importance = importance
	it.Source = "explicit"
	return o.Memory.Upsert(ctx, it)
}

// captureExplicitMemory stores identity facts and a short note when the user
// says remember/запомни. Best-effort; failures are logged, never surfaced.
func (o *Orchestrator) captureExplicitMemory(ctx context.Context, key dialog.Key, userText string) {
	if key.ActorID == "" {
		return
	}
	txt := strings.TrimSpace(userText)
	if txt == "" || !rememberRe.MatchString(txt) {
		return
	}
	if looksLikeSecret(txt) {
		slog.Info("chat: explicit remember ignored, looks like secret", "actor", key.ActorID)
		return
	}

	stored := false
	if name := extractName(txt); name != "" && len(name) <= 64 {
		if err := o.upsertFact(ctx, key.ActorID, "preferred_name", name, 0.95, []string{"identity"}); err != nil {
			slog.Warn("chat: store preferred_name", "actor", key.ActorID, "err", err)
		} else {
			stored = true
		}
	}
	if age := extractAge(txt); age != 0 {
		if err := o.upsertFact(ctx, key.ActorID, "age", strconv.Itoa(age), 0.9, []string{"identity"}); err != nil {
			slog.Warn("chat: store age", "actor", key.ActorID, "err", err)
		} else {
			stored = true
		}
	}

	if m := noteRe.FindStringSubmatch(txt); m != nil {
		note := strings.TrimSpace(m[1])
		if note != "" && len(note) <= 220 && !looksLikeSecret(note) {
			it := &memory.Item{
				Scope:      memory.ScopeUser,
				SubjectID:  key.ActorID,
				Text:       "User asked to remember: " + note,
				Tags:       []string{"user_note"},
				Importance: 0.7,
				Source:     "explicit",
				PersonRef:  "user:" + key.ActorID,
			}
			if err := o.Memory.Upsert(ctx, it); err != nil {
				slog.Warn("chat: store note", "actor", key.ActorID, "err", err)
			} else {
				stored = true
			}
		}
	}

	if stored {
		slog.Info("chat: explicit remember stored", "actor", key.ActorID)
	}
}

// captureTaskReply records the message as the answer to a waiting ask task,
// if one exists for this user and room, so the scheduler can run its
// reply-back phase.
func (o *Orchestrator) captureTaskReply(ctx context.Context, key dialog.Key, userText string) {
	if key.ActorID == "" || key.RoomID == "" {
		return
	}
	t, err := o.Tasks.FindWaitingAsk(ctx, key.ActorID, key.RoomID)
	if err != nil {
		slog.Warn("chat: find waiting ask", "actor", key.ActorID, "err", err)
		return
	}
	if t == nil {
		return
	}
	if err := o.Tasks.SaveAnswer(ctx, t.ID, userText); err != nil {
		slog.Warn("chat: save answer", "task", t.ID, "err", err)
		return
	}
	slog.Info("chat: captured task answer", "task", t.ID, "actor", key.ActorID)
}
