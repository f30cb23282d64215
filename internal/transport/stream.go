// ABOUTME: Buffered channel implementation shared by every transport
// ABOUTME: Inbound queue, idempotent close and pluggable outbound delivery
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const defaultBuffer = 64

type stream struct {
	name    string
	inbound chan Message
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error

	// send delivers outbound data to the other side
	send func(msg Message) error
	// onClose tells the other side this end closed locally
	onClose func(err error)
}

func newStream(name string, buffer int) *stream {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &stream{
		name:    name,
		inbound: make(chan Message, buffer),
		done:    make(chan struct{}),
	}
}

// newPipe returns two connected ends of an in-process channel
func newPipe(name string, buffer int) (*stream, *stream) {
	a, b := newStream(name, buffer), newStream(name, buffer)
	a.send = func(msg Message) error { return b.deliver(msg, a.done) }
	b.send = func(msg Message) error { return a.deliver(msg, b.done) }
	a.onClose = func(err error) { b.shutdown(err, false) }
	b.onClose = func(err error) { a.shutdown(err, false) }
	return a, b
}

func (s *stream) Name() string { return s.name }

func (s *stream) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.name, err)
	}
	return s.write(Message{Data: data})
}

func (s *stream) WriteFrame(b []byte) error {
	return s.write(Message{Data: append([]byte(nil), b...), Frame: true})
}

func (s *stream) write(msg Message) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	return s.send(msg)
}

func (s *stream) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.inbound:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.inbound:
		return msg, nil
	case <-s.done:
		// Drain anything that raced with the close
		select {
		case msg := <-s.inbound:
			return msg, nil
		default:
		}
		return Message{}, s.endErr()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *stream) ReadJSON(ctx context.Context) (json.RawMessage, error) {
	msg, err := s.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(msg.Data), nil
}

func (s *stream) ReadFrame(ctx context.Context) ([]byte, error) {
	msg, err := s.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// deliver queues inbound data, waiting for room until this stream or
// cancel closes.
func (s *stream) deliver(msg Message, cancel <-chan struct{}) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbound <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-cancel:
		return ErrClosed
	}
}

// offer queues inbound data without waiting
func (s *stream) offer(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbound <- msg:
		return true
	default:
		return false
	}
}

func (s *stream) Close(err error) {
	s.shutdown(err, true)
}

// shutdown closes this end once. notify is false when the close came from
// the other side.
func (s *stream) shutdown(err error, notify bool) {
	first := false
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		first = true
	})
	if first && notify && s.onClose != nil {
		s.onClose(err)
	}
}

func (s *stream) Closed() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) endErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return io.EOF
}

var _ Channel = (*stream)(nil)
