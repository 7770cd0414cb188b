package chat

import (
	"strings"
	"unicode/utf8"
)

// Segmenter cuts a fragment stream into whole sentences for consumers that
// need sentence-sized units, like speech synthesis. Fragments go in, complete
// sentences come out; an unterminated remainder is held until Flush.
type Segmenter struct {
	buf strings.Builder
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

// Feed appends one fragment and returns any sentences completed by it.
func (g *Segmenter) Feed(chunk string) []string {
	if chunk == "" {
		return nil
	}
	g.buf.WriteString(chunk)

	text := g.buf.String()
	var out []string
	start := 0
	for i, r := range text {
		if !isSentenceEnd(r) {
			continue
		}
		end := i + len(string(r))
		// Swallow a run of terminators ("?!", "...") as one boundary.
		if end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if isSentenceEnd(next) {
				continue
			}
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	g.buf.Reset()
	g.buf.WriteString(text[start:])
	return out
}

// Flush returns the trailing text that never saw a terminator.
func (g *Segmenter) Flush() string {
	out := strings.TrimSpace(g.buf.String())
	g.buf.Reset()
	return out
}
