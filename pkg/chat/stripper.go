package chat

import "strings"

// BlockStripper removes internal <MEMORY>...</MEMORY> blocks from a fragment
// stream. Tags may arrive split across fragments and in any letter case;
// matching works across those boundaries. Some models echo the injected
// block, and it must never reach the user or the saved history.
type BlockStripper struct {
	start  string
	end    string
	startL string
	endL   string
	buf    string
	inside bool
}

func NewBlockStripper() *BlockStripper {
	return &BlockStripper{
		start:  "<MEMORY>",
		end:    "</MEMORY>",
		startL: strings.ToLower("<MEMORY>"),
		endL:   strings.ToLower("</MEMORY>"),
	}
}

// Feed consumes one fragment and returns the text safe to forward. Text that
// might be the beginning of a tag is retained until the next fragment
// resolves it.
func (f *BlockStripper) Feed(chunk string) string {
	if chunk == "" {
		return ""
	}

	f.buf += chunk
	var out strings.Builder

	for f.buf != "" {
		low := strings.ToLower(f.buf)

		if !f.inside {
			i := strings.Index(low, f.startL)
			if i == -1 {
				if keep := partialTagTail(low, f.startL); keep > 0 {
					out.WriteString(f.buf[:len(f.buf)-keep])
					f.buf = f.buf[len(f.buf)-keep:]
				} else {
					out.WriteString(f.buf)
					f.buf = ""
				}
				break
			}
			if i > 0 {
				out.WriteString(f.buf[:i])
			}
			f.buf = f.buf[i+len(f.start):]
			f.inside = true
			continue
		}

		j := strings.Index(low, f.endL)
		if j == -1 {
			// Keep a tail long enough to match an end tag split across
			// fragments; everything before it is inside the block.
			if keep := len(f.end) - 1; len(f.buf) > keep {
				f.buf = f.buf[len(f.buf)-keep:]
			}
			break
		}
		f.buf = f.buf[j+len(f.end):]
		f.inside = false
	}

	return out.String()
}

// Flush returns what is still buffered at end of stream. An unterminated
// block is dropped entirely.
func (f *BlockStripper) Flush() string {
	if f.inside {
		f.buf = ""
		return ""
	}
	out := f.buf
	f.buf = ""
	return out
}

// partialTagTail returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialTagTail(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if s[len(s)-n:] == tag[:n] {
			return n
		}
	}
	return 0
}
