// Package provider abstracts streaming text generation backends.
//
// A Provider turns a Request into a Stream of Fragments. The stream ends
// with a *State error describing how generation finished: Done wraps
// ErrDone, Truncated and Blocked carry their own causes, and transport
// failures surface as plain errors.
package provider

import (
	"context"
	"errors"
	"strings"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params tunes sampling. Zero fields are left to the backend default.
type Params struct {
	Temperature float32 `json:"temperature,omitzero"`
	TopP        float32 `json:"top_p,omitzero"`
	MaxTokens   int     `json:"max_tokens,omitzero"`
}

// Request is a single completion request. System is sent out of band from
// the message list so backends can map it to their native system slot.
type Request struct {
	System   string
	Messages []Message
	Params   *Params
}

// LastUser returns the content of the most recent user message.
func (r Request) LastUser() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Fragment is one streamed piece of model output.
type Fragment struct {
	Text string
}

// Stream yields fragments until a terminal error. The terminal error for a
// normal completion is a *State wrapping ErrDone.
type Stream interface {
	Next() (Fragment, error)
	Close() error
	CloseWithError(error) error
}

// Provider produces completion streams.
type Provider interface {
	Name() string
	StreamCompletion(ctx context.Context, req Request) (Stream, error)
}

// Collect drains a stream into a single string. It returns the concatenated
// text, the terminal state if the stream ended in one, and the error that
// ended the stream (nil when the stream completed with Done).
func Collect(s Stream) (string, *State, error) {
	defer s.Close()
	var sb strings.Builder
	for {
		frag, err := s.Next()
		if err != nil {
			var st *State
			if errors.As(err, &st) {
				if st.Status() == StatusDone {
					return sb.String(), st, nil
				}
				return sb.String(), st, err
			}
			return sb.String(), nil, err
		}
		sb.WriteString(frag.Text)
	}
}
