package provider

import (
	"fmt"

	"github.com/runehq/rune/pkg/buffer"
)

type streamEvent struct {
	frag    Fragment
	status  Status
	usage   Usage
	refusal string
	err     error
}

// StreamBuilder is the producer side of a Stream. Backend pullers Add
// fragments and close with exactly one terminal event.
type StreamBuilder struct {
	rb *buffer.Block[*streamEvent]
}

func NewStreamBuilder(size int) *StreamBuilder {
	return &StreamBuilder{rb: buffer.NewBlock[*streamEvent](size)}
}

func (sb *StreamBuilder) Add(text string) error {
	return sb.rb.Add(&streamEvent{frag: Fragment{Text: text}})
}

func (sb *StreamBuilder) Done(usage Usage) error {
	return sb.finish(&streamEvent{status: StatusDone, usage: usage})
}

func (sb *StreamBuilder) Truncated(usage Usage) error {
	return sb.finish(&streamEvent{status: StatusTruncated, usage: usage})
}

func (sb *StreamBuilder) Blocked(usage Usage, refusal string) error {
	return sb.finish(&streamEvent{status: StatusBlocked, usage: usage, refusal: refusal})
}

func (sb *StreamBuilder) Unexpected(usage Usage, err error) error {
	return sb.finish(&streamEvent{status: StatusError, usage: usage, err: err})
}

func (sb *StreamBuilder) finish(evt *streamEvent) error {
	if err := sb.rb.Add(evt); err != nil {
		return err
	}
	return sb.rb.CloseWrite()
}

// Abort tears the stream down with a transport error. Readers see err
// directly rather than a terminal State.
func (sb *StreamBuilder) Abort(err error) error {
	return sb.rb.CloseWithError(err)
}

func (sb *StreamBuilder) Stream() Stream {
	return (*streamImpl)(sb)
}

type streamImpl StreamBuilder

func (s *streamImpl) Next() (Fragment, error) {
	evt, err := s.rb.Next()
	if err != nil {
		return Fragment{}, err
	}
	switch evt.status {
	case StatusOK:
		return evt.frag, nil
	case StatusDone:
		err = Done(evt.usage)
	case StatusTruncated:
		err = Truncated(evt.usage)
	case StatusBlocked:
		err = Blocked(evt.usage, evt.refusal)
	case StatusError:
		err = Failed(evt.usage, evt.err)
	default:
		err = fmt.Errorf("provider: unexpected stream status: %v", evt.status)
	}
	s.rb.CloseWithError(err)
	return Fragment{}, err
}

func (s *streamImpl) Close() error {
	return s.rb.Close()
}

func (s *streamImpl) CloseWithError(err error) error {
	return s.rb.CloseWithError(err)
}
