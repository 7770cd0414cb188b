package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/runehq/rune/pkg/dialog"
	"github.com/runehq/rune/pkg/provider"
)

// NoSignificantFacts is the summarizer's strict fallback phrase. A summary
// starting with it (or its Russian variant) carries nothing worth storing.
const NoSignificantFacts = "No significant facts."

const summarySystemPrompt = `You are a summarization module that produces short notes for long-term memory.

Input: a short dialog excerpt between:
- user (role="user")
- assistant (role="assistant")

Task:
- Summarize 1-3 key topics and any stable, useful facts about the user
  (goals, plans, preferences, constraints, recurring themes).

Rules:
- Write in third person ("The user ...", "They discussed ...").
- Do not address the user directly ("you").
- No roleplay, no emojis.
- 1-4 sentences.
- If there is nothing worth remembering, reply exactly:
  No significant facts.`

// Summarizer compresses dialog chunks into episodic memory notes.
type Summarizer struct {
	Provider provider.Provider

	// MaxMessageChars truncates long turns before summarization.
	// Zero means 600.
	MaxMessageChars int

	// MaxSummaryChars truncates the produced summary. Zero means 800.
	MaxSummaryChars int
}

// Insignificant reports whether a summary is the fallback phrase.
func Insignificant(summary string) bool {
	s := strings.ToLower(strings.TrimSpace(summary))
	return strings.HasPrefix(s, "no significant facts") ||
		strings.HasPrefix(s, "нет значимых фактов")
}

// Summarize compresses turns into a short note. It returns "" when the
// model had nothing worth keeping.
func (s *Summarizer) Summarize(ctx context.Context, turns []dialog.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	maxMsg := s.MaxMessageChars
	if maxMsg <= 0 {
		maxMsg = 600
	}
	maxSum := s.MaxSummaryChars
	if maxSum <= 0 {
		maxSum = 800
	}

	msgs := make([]provider.Message, 0, len(turns))
	for _, t := range turns {
		role := provider.RoleUser
		if t.Role == dialog.RoleAssistant {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: truncate(t.Content, maxMsg)})
	}

	stream, err := s.Provider.StreamCompletion(ctx, provider.Request{
		System:   summarySystemPrompt,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("controller: summarizer call: %w", err)
	}
	raw, _, err := provider.Collect(stream)
	if err != nil {
		return "", fmt.Errorf("controller: summarizer stream: %w", err)
	}

	summary := strings.TrimSpace(raw)
	if summary == "" || Insignificant(summary) {
		return "", nil
	}
	return truncate(summary, maxSum), nil
}
