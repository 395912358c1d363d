package stream

import (
	"context"
	"io"
	"sync"
	"time"
)

// StandaloneID is the reserved id of the server-push stream opened by GET.
const StandaloneID = "_GET_stream"

// Stream is one outbound SSE channel. Frames are queued in a bounded buffer
// and written by a single Pump goroutine.
type Stream struct {
	id     string
	frames chan []byte
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	err     error
	holding bool
	held    []heldFrame
}

type heldFrame struct {
	eventID string
	frame   []byte
}

func newStream(id string, bufferSize int, hold bool) *Stream {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Stream{
		id:      id,
		frames:  make(chan []byte, bufferSize),
		done:    make(chan struct{}),
		holding: hold,
	}
}

// ID returns the stream id.
func (s *Stream) ID() string {
	return s.id
}

// Enqueue queues one encoded frame. It returns false when the stream is
// closed or its buffer is full; the frame is dropped in that case.
func (s *Stream) Enqueue(frame []byte) bool {
	return s.enqueue(frame, "")
}

func (s *Stream) enqueue(frame []byte, eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.holding {
		if len(s.held) >= cap(s.frames) {
			return false
		}
		s.held = append(s.held, heldFrame{eventID: eventID, frame: frame})
		return true
	}

	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

// WriteEvent encodes and queues ev.
func (s *Stream) WriteEvent(ev Event) bool {
	return s.enqueue(ev.Encode(), ev.ID)
}

// Release ends hold mode and queues the frames held so far, skipping events
// whose id is in replayed. It returns the number of held frames that did not
// fit into the buffer.
func (s *Stream) Release(replayed map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.held
	s.held = nil
	s.holding = false
	if s.closed {
		return len(held)
	}

	dropped := 0
	for _, h := range held {
		if _, ok := replayed[h.eventID]; ok && h.eventID != "" {
			continue
		}
		select {
		case s.frames <- h.frame:
		default:
			dropped++
		}
	}
	return dropped
}

// Close ends the stream. Frames already queued are still written by Pump.
// It reports whether this call closed the stream.
func (s *Stream) Close() bool {
	return s.CloseWithError(nil)
}

// CloseWithError ends the stream and records err as the reason Pump returns.
func (s *Stream) CloseWithError(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	s.held = nil
	close(s.done)
	close(s.frames)
	return true
}

// Closed reports whether the stream has been closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the stream is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the stream was closed with, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pump writes queued frames to w until the stream is closed and drained, ctx
// is cancelled, or a write fails. flush is called after every frame. When
// keepAlive is positive a comment frame is written at that interval.
func (s *Stream) Pump(ctx context.Context, w io.Writer, flush func(), keepAlive time.Duration) error {
	if flush == nil {
		flush = func() {}
	}

	var tick <-chan time.Time
	if keepAlive > 0 {
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-s.frames:
			if !ok {
				return s.Err()
			}
			if _, err := w.Write(frame); err != nil {
				return err
			}
			flush()
		case <-tick:
			if _, err := w.Write(keepAliveFrame); err != nil {
				return err
			}
			flush()
		}
	}
}
