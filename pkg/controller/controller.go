// Package controller reconciles conversation turns into durable memory
// and task state.
//
// After a reply finalizes, the controller shows a planner model the recent
// turns plus the currently stored items and asks for a JSON plan of
// operations. Every write in the plan is gated on a
// verbatim evidence quote from the history, secrets are refused, unknown
// or malformed ops are skipped, and a failure in one op never blocks the
// rest. Reconciliation is asynchronous and serialized per actor.
package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/runehq/rune/pkg/dialog"
	"github.com/runehq/rune/pkg/memory"
	"github.com/runehq/rune/pkg/provider"
	"github.com/runehq/rune/pkg/task"
)

// systemPrompt instructs the planner model. The wording is part of the
// contract: evidence-gated writes, strict JSON, no chat.
const systemPrompt = `You are the memory/task planner for a conversational assistant.

You do NOT chat with the user.

You analyze:
- recent dialog messages
- current stored memory items (notes and facts)
- current open tasks

Then you return a JSON plan describing what to change.

Hard rule: do NOT invent facts.
Any new/updated item must be supported by a direct user quote from the provided recent messages.

Evidence field (required for writes):
- For "add": evidence REQUIRED.
- For "update" changing text: evidence REQUIRED.
- For "fact_set": evidence REQUIRED.
Evidence must be a direct substring from the provided history (case/whitespace-insensitive match).

STRICT schema:
- plan: { "ops": [ ... ] }
- op must be one of:
  - "add", "update", "delete"      (memory items)
  - "fact_set", "fact_delete"      (structured slots, e.g. preferred_name, age, timezone)
  - "task_add"

Memory ops:
- "add" requires: subject_type (user|room|relationship|global), text, evidence. subject_id optional.
- "update" requires: id. evidence required if changing "text".
- "delete" requires: id.

Fact ops:
- "fact_set" requires: key, value, evidence. subject_type/subject_id optional.
- "fact_delete" requires: key.
- prefer canonical keys like: preferred_name, age, language, timezone,
  likes, dislikes, goals, projects.
- avoid duplicates: update existing keys instead of adding repeated notes.
- avoid storing secrets/credentials.

Tasks:
- "task_add" requires: kind, description (others optional).
- kinds: "message", "remind", "ask_user", "ask_user_and_reply_back".

Output format:
Return STRICT JSON only. No extra text. No Markdown.

If no actions are needed, return:
{ "ops": [] }`

// Controller runs one reconcile pass at a time per call site.
type Controller struct {
	Provider provider.Provider
	Memory   *memory.Store
	Tasks    *task.Store

	// MaxHistoryMessages caps the turns shown to the planner. Zero
	// means 12.
	MaxHistoryMessages int

	// MaxItemChars truncates long message and item texts in the planner
	// prompt. Zero means 500.
	MaxItemChars int

	// ItemLimit caps stored items shown per scope. Zero means 12.
	ItemLimit int
}

// Request carries one reconcile trigger.
type Request struct {
	Key   dialog.Key
	Turns []dialog.Turn
}

// Result summarizes what a reconcile pass did.
type Result struct {
	Applied int
	Skipped int
}

func (c *Controller) maxHistory() int {
	if c.MaxHistoryMessages > 0 {
		return c.MaxHistoryMessages
	}
	return 12
}

func (c *Controller) maxChars() int {
	if c.MaxItemChars > 0 {
		return c.MaxItemChars
	}
	return 500
}

func (c *Controller) itemLimit() int {
	if c.ItemLimit > 0 {
		return c.ItemLimit
	}
	return 12
}

// Reconcile runs one planner pass: build the prompt, get a plan, apply it.
// A provider or parse failure returns an error with nothing applied; apply
// itself only skips bad ops.
func (c *Controller) Reconcile(ctx context.Context, req Request) (*Result, error) {
	userMsg, historyText := c.buildPrompt(ctx, req)

	stream, err := c.Provider.StreamCompletion(ctx, provider.Request{
		System:   systemPrompt,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: userMsg}},
	})
	if err != nil {
		return nil, fmt.Errorf("controller: planner call: %w", err)
	}
	raw, _, err := provider.Collect(stream)
	if err != nil {
		return nil, fmt.Errorf("controller: planner stream: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return &Result{}, nil
	}

	plan, err := ParsePlan(raw)
	if err != nil {
		return nil, err
	}
	return c.Apply(ctx, plan, historyText, req.Key), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// buildPrompt renders the planner's user message and returns it together
// with the raw "role: content" history used for evidence matching.
func (c *Controller) buildPrompt(ctx context.Context, req Request) (string, string) {
	maxChars := c.maxChars()

	turns := req.Turns
	if len(turns) > c.maxHistory() {
		turns = turns[len(turns)-c.maxHistory():]
	}

	lines := []string{
		"current_time_utc: " + time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		"user_id: " + orNone(req.Key.ActorID),
		"room_id: " + orNone(req.Key.RoomID),
		"",
		"Recent messages (oldest -> newest):",
	}
	var history []string
	for i, t := range turns {
		history = append(history, string(t.Role)+": "+t.Content)
		lines = append(lines, fmt.Sprintf("%d. %s: %s", i+1, t.Role, truncate(t.Content, maxChars)))
	}
	historyText := strings.Join(history, "\n")

	lines = append(lines, "", "Current memory items (most important first):")
	for _, it := range c.currentItems(ctx, req.Key) {
		lines = append(lines, fmt.Sprintf(
			"- id=%s, subject_type=%s, subject_id=%s, importance=%.2f, last_updated=%s, tags=[%s], source=%s: %s",
			it.ID, it.Scope, it.SubjectID, it.Importance,
			time.Unix(0, it.UpdatedAt).UTC().Format("2006-01-02 15:04:05 UTC"),
			strings.Join(it.Tags, ","), it.Source, truncate(it.Text, maxChars),
		))
	}

	if req.Key.ActorID != "" {
		if tasks, err := c.Tasks.ListOpen(ctx, req.Key.ActorID, c.itemLimit()); err == nil && len(tasks) > 0 {
			lines = append(lines, "", "Current open tasks:")
			for _, t := range tasks {
				lines = append(lines, fmt.Sprintf("- id=%s, kind=%s: %s", t.ID, t.Kind, truncate(t.Description, maxChars)))
			}
		}
	}

	return strings.Join(lines, "\n"), historyText
}

// currentItems gathers the stored items the planner may update or delete.
// Query failures just shrink the view; the planner still runs.
func (c *Controller) currentItems(ctx context.Context, key dialog.Key) []*memory.Item {
	var out []*memory.Item
	collect := func(f memory.Filter) {
		if items, err := c.Memory.Query(ctx, f); err == nil {
			out = append(out, items...)
		}
	}
	limit := c.itemLimit()
	if key.ActorID != "" {
		collect(memory.Filter{Scope: memory.ScopeUser, SubjectID: key.ActorID, Limit: limit})
		collect(memory.Filter{Scope: memory.ScopeRelationship, SubjectID: key.ActorID, Limit: limit})
	}
	if key.RoomID != "" {
		collect(memory.Filter{Scope: memory.ScopeRoom, SubjectID: key.RoomID, Limit: limit})
	}
	collect(memory.Filter{Scope: memory.ScopeGlobal, SubjectID: memory.GlobalSubject, Limit: limit})
	return out
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
