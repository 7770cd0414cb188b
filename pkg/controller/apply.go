package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/runehq/rune/pkg/dialog"
	"github.com/runehq/rune/pkg/memory"
	"github.com/runehq/rune/pkg/task"
)

var lastNano atomic.Int64

// nowNano returns a monotonically increasing Unix nanosecond timestamp.
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

// normalizeText lowercases and collapses whitespace for evidence and
// duplicate comparison.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// evidenceMatches reports whether evidence is a verbatim quote from the
// history, ignoring case and whitespace runs.
func evidenceMatches(evidence, historyText string) bool {
	ev := normalizeText(evidence)
	hist := normalizeText(historyText)
	return ev != "" && hist != "" && strings.Contains(hist, ev)
}

var secretKeywords = []string{
	"password", "пароль", "api key", "apikey", "secret", "token",
	"ключ", "private key", "seed phrase", "mnemonic",
}

// looksLikeSecret is a best-effort refusal to store credentials.
func looksLikeSecret(text string) bool {
	t := strings.ToLower(text)
	for _, kw := range secretKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

func normSubjectType(v string) memory.Scope {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "room", "chat", "channel":
		return memory.ScopeRoom
	case "relationship", "rel", "dialog":
		return memory.ScopeRelationship
	case "global", "general", "system":
		return memory.ScopeGlobal
	default:
		return memory.ScopeUser
	}
}

// resolveSubject fills a missing subject ID from the conversation key.
func resolveSubject(scope memory.Scope, subjectID string, key dialog.Key) string {
	if subjectID != "" {
		return subjectID
	}
	switch scope {
	case memory.ScopeUser, memory.ScopeRelationship:
		return key.ActorID
	case memory.ScopeRoom:
		return key.RoomID
	default:
		return memory.GlobalSubject
	}
}

// Apply executes a plan op by op. Bad ops are skipped with a warning;
// valid ops around them still land. The returned Result counts both.
func (c *Controller) Apply(ctx context.Context, plan *Plan, historyText string, key dialog.Key) *Result {
	res := &Result{}
	for i := range plan.Ops {
		op := &plan.Ops[i]
		applied, err := c.applyOp(ctx, op, historyText, key)
		if err != nil {
			slog.Warn("controller: op skipped", "op", op.NormKind(), "err", err)
			res.Skipped++
			continue
		}
		if applied {
			res.Applied++
		} else {
			res.Skipped++
		}
	}
	return res
}

func (c *Controller) applyOp(ctx context.Context, op *Op, historyText string, key dialog.Key) (bool, error) {
	switch kind := op.NormKind(); kind {
	case "add":
		return c.applyAdd(ctx, op, historyText, key)
	case "update":
		return c.applyUpdate(ctx, op, historyText)
	case "delete":
		if op.ID == "" {
			return false, fmt.Errorf("delete: missing id")
		}
		if err := c.Memory.Delete(ctx, op.ID); err != nil {
			return false, err
		}
		return true, nil
	case "fact_set":
		return c.applyFactSet(ctx, op, historyText, key)
	case "fact_delete":
		return c.applyFactDelete(ctx, op, key)
	case "task_add":
		return c.applyTaskAdd(ctx, op, key)
	default:
		return false, fmt.Errorf("unknown op kind %q", kind)
	}
}

func (c *Controller) applyAdd(ctx context.Context, op *Op, historyText string, key dialog.Key) (bool, error) {
	text := strings.TrimSpace(op.Text)
	if text == "" {
		return false, fmt.Errorf("add: missing text")
	}
	if strings.TrimSpace(op.Evidence) == "" {
		return false, fmt.Errorf("add: missing evidence")
	}
	if historyText != "" && !evidenceMatches(op.Evidence, historyText) {
		return false, fmt.Errorf("add: evidence not found in history")
	}
	if looksLikeSecret(text) {
		return false, fmt.Errorf("add: looks like secret")
	}

	scope := normSubjectType(op.SubjectType)
	subject := resolveSubject(scope, op.SubjectID, key)
	if subject == "" {
		return false, fmt.Errorf("add: no subject for scope %s", scope)
	}

	// Re-adding the same fact is a no-op, not a duplicate note.
	existing, err := c.Memory.Query(ctx, memory.Filter{Scope: scope, SubjectID: subject, Limit: memory.DefaultQueryLimit})
	if err == nil {
		for _, it := range existing {
			if normalizeText(it.Text) == normalizeText(text) {
				slog.Debug("controller: duplicate add dropped", "subject", subject)
				return false, nil
			}
		}
	}

	importance := 0.7
	if op.Importance != nil {
		importance = *op.Importance
	}
	source := strings.TrimSpace(op.Source)
	if source == "" {
		source = "auto"
	}
	it := &memory.Item{
		Scope:      scope,
		SubjectID:  subject,
		Text:       text,
		Tags:       op.Tags,
		Importance: importance,
		Source:     source,
	}
	if scope == memory.ScopeUser || scope == memory.ScopeRelationship {
		it.PersonRef = "user:" + subject
	}
	if err := c.Memory.Upsert(ctx, it); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) applyUpdate(ctx context.Context, op *Op, historyText string) (bool, error) {
	if op.ID == "" {
		return false, fmt.Errorf("update: missing id")
	}
	it, err := c.Memory.Get(ctx, op.ID)
	if err != nil {
		return false, fmt.Errorf("update: %w", err)
	}

	changed := false
	if text := strings.TrimSpace(op.Text); text != "" {
		// Text changes need evidence like adds do.
		if strings.TrimSpace(op.Evidence) == "" {
			return false, fmt.Errorf("update: missing evidence for text change")
		}
		if historyText != "" && !evidenceMatches(op.Evidence, historyText) {
			return false, fmt.Errorf("update: evidence not found in history")
		}
		if looksLikeSecret(text) {
			return false, fmt.Errorf("update: looks like secret")
		}
		it.Text = text
		changed = true
	}
	if op.Tags != nil {
		it.Tags = op.Tags
		changed = true
	}
	if op.Importance != nil {
		it.Importance = *op.Importance
		changed = true
	}
	if !changed {
		return false, nil
	}
	if err := c.Memory.Upsert(ctx, it); err != nil {
		return false, err
	}
	return true, nil
}

// factTag marks the single memory item backing a structured slot.
func factTag(key string) string {
	return "fact:" + key
}

func (c *Controller) findFact(ctx context.Context, scope memory.Scope, subject, key string) (*memory.Item, error) {
	items, err := c.Memory.Query(ctx, memory.Filter{
		Scope:     scope,
		SubjectID: subject,
		Tag:       factTag(key),
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func factValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, fmt.Sprintf("%v", e))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// applyFactSet upserts the one item tagged fact:{key} for the subject, so
// repeated fact_set ops update in place instead of piling up notes.
func (c *Controller) applyFactSet(ctx context.Context, op *Op, historyText string, key dialog.Key) (bool, error) {
	slot := strings.ToLower(strings.TrimSpace(op.Key))
	if slot == "" {
		return false, fmt.Errorf("fact_set: missing key")
	}
	value := factValueString(op.Value)
	if value == "" {
		return false, fmt.Errorf("fact_set: missing value")
	}
	if strings.TrimSpace(op.Evidence) == "" {
		return false, fmt.Errorf("fact_set: missing evidence")
	}
	if historyText != "" && !evidenceMatches(op.Evidence, historyText) {
		return false, fmt.Errorf("fact_set: evidence not found in history")
	}
	if looksLikeSecret(value) || looksLikeSecret(slot) {
		return false, fmt.Errorf("fact_set: looks like secret")
	}

	scope := normSubjectType(op.SubjectType)
	subject := resolveSubject(scope, op.SubjectID, key)
	if subject == "" {
		return false, fmt.Errorf("fact_set: no subject for scope %s", scope)
	}

	it, err := c.findFact(ctx, scope, subject, slot)
	if err != nil {
		return false, err
	}
	if it == nil {
		it = &memory.Item{
			Scope:     scope,
			SubjectID: subject,
			Tags:      []string{"fact", factTag(slot)},
		}
		if scope == memory.ScopeUser || scope == memory.ScopeRelationship {
			it.PersonRef = "user:" + subject
		}
	}
	it.Text = slot + ": " + value
	it.Importance = 0.85
	source := strings.TrimSpace(op.Source)
	if source == "" {
		source = "auto"
	}
	it.Source = source
	if err := c.Memory.Upsert(ctx, it); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) applyFactDelete(ctx context.Context, op *Op, key dialog.Key) (bool, error) {
	slot := strings.ToLower(strings.TrimSpace(op.Key))
	if slot == "" {
		return false, fmt.Errorf("fact_delete: missing key")
	}
	scope := normSubjectType(op.SubjectType)
	subject := resolveSubject(scope, op.SubjectID, key)
	if subject == "" {
		return false, fmt.Errorf("fact_delete: no subject for scope %s", scope)
	}
	it, err := c.findFact(ctx, scope, subject, slot)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, nil
	}
	if err := c.Memory.Delete(ctx, it.ID); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) applyTaskAdd(ctx context.Context, op *Op, key dialog.Key) (bool, error) {
	kind := strings.TrimSpace(op.Kind)
	desc := strings.TrimSpace(op.Description)
	if kind == "" || desc == "" {
		return false, fmt.Errorf("task_add: missing kind or description")
	}

	t := &task.Task{
		Kind:          kind,
		OwnerID:       key.ActorID,
		ToUserID:      op.ToUserID,
		ReplyToUserID: op.ReplyToUserID,
		RoomID:        op.RoomID,
		Description:   desc,
		QuestionText:  strings.TrimSpace(op.QuestionText),
		Importance:    0.7,
	}
	if op.Importance != nil {
		t.Importance = *op.Importance
	}
	if t.ToUserID == "" {
		t.ToUserID = key.ActorID
	}
	if t.RoomID == "" {
		t.RoomID = key.RoomID
	}
	if t.IsAsk() && t.ReplyToUserID == "" {
		t.ReplyToUserID = key.ActorID
	}
	if op.RunAfterMinutes != nil && *op.RunAfterMinutes > 0 {
		t.DueAt = nowNano() + int64(*op.RunAfterMinutes*60*1e9)
	}
	if err := c.Tasks.Create(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}
