package provider

import (
	"context"
	"strings"
)

var _ Provider = (*Offline)(nil)

// Offline is a deterministic local backend used when no API key is
// configured. Planner prompts get an empty plan so downstream JSON parsing
// stays intact, summarizer prompts get the strict fallback phrase, and chat
// prompts get a canned reply reflecting the last user message.
type Offline struct {
	// ChunkSize splits chat replies into fragments of at most this many
	// bytes so streaming consumers still see multiple fragments. Zero
	// emits the reply as a single fragment.
	ChunkSize int
}

func (g *Offline) Name() string { return "offline" }

func (g *Offline) StreamCompletion(_ context.Context, req Request) (Stream, error) {
	sb := NewStreamBuilder(8)
	go func() {
		if err := g.emit(sb, g.reply(req)); err != nil {
			sb.Abort(err)
		}
	}()
	return sb.Stream(), nil
}

func (g *Offline) reply(req Request) string {
	sp := strings.ToLower(req.System)

	if strings.Contains(sp, "memory/task planner") ||
		strings.Contains(sp, "memory controller") ||
		strings.Contains(sp, "<plan_json>") {
		return `{"ops":[]}`
	}

	if strings.Contains(sp, "summarization module") ||
		strings.Contains(sp, "episodic summarizer") {
		return "No significant facts."
	}

	return "Offline demo mode: no external LLM is configured.\n" +
		"Set an API key in the config to enable real responses.\n\n" +
		"You said: " + req.LastUser()
}

func (g *Offline) emit(sb *StreamBuilder, text string) error {
	if g.ChunkSize <= 0 {
		if err := sb.Add(text); err != nil {
			return err
		}
		return sb.Done(Usage{})
	}
	for len(text) > 0 {
		n := min(g.ChunkSize, len(text))
		if err := sb.Add(text[:n]); err != nil {
			return err
		}
		text = text[n:]
	}
	return sb.Done(Usage{})
}
