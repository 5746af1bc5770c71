package bridge

import (
	"errors"
	"io"
	"iter"
	"sync"
)

// Stream is the lazy fragment sequence returned by Client.AskStream.
//
// The gateway call starts on the first Next. Fragments arrive in event order,
// are never empty, and concatenate to the answer Ask would have returned.
// Only one goroutine may consume a Stream.
type Stream struct {
	call  *call
	start sync.Once

	mu    sync.Mutex
	queue []string
	done  bool
	err   error
	wake  chan struct{}
}

func newStream(c *call) *Stream {
	return &Stream{call: c, wake: make(chan struct{}, 1)}
}

// Next blocks until a fragment is available. It returns io.EOF once the run
// has ended and every fragment has been consumed, or the call's error.
func (s *Stream) Next() (string, error) {
	s.start.Do(func() { go s.call.run() })

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			frag := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return frag, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return "", err
			}
			return "", io.EOF
		}
		s.mu.Unlock()

		<-s.wake
	}
}

// Close ends the call if it is still running, closing the socket and
// stopping the timer. Safe to call on every exit path and more than once.
func (s *Stream) Close() error {
	s.start.Do(func() {})
	s.call.settle("", nil)
	return nil
}

// All ranges over the remaining fragments. The stream is closed when the
// loop ends, including on early break. A failure is yielded once as the
// final element.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for {
			frag, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(frag, err) || err != nil {
				return
			}
		}
	}
}

func (s *Stream) push(frag string) {
	if frag == "" {
		return
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, frag)
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	s.mu.Unlock()
	s.signal()
}

// signal wakes the waiting consumer, if any. The one-slot channel keeps at
// most one pending wake-up.
func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
