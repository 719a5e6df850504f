package peertest

import (
	"context"
	"sync"
	"time"

	"meshcall/pkg/signal"
)

// Compile-time interface check.
var _ signal.Channel = (*Signal)(nil)

// Signal is a signal.Channel whose remote side is the test itself: sent
// messages are recorded and incoming ones are injected with Inject.
type Signal struct {
	mu       sync.Mutex
	listener signal.Listener
	sent     []signal.Message
	closed   bool
	outbox   chan signal.Message
}

func NewSignal() *Signal {
	return &Signal{
		outbox: make(chan signal.Message, 256),
	}
}

func (s *Signal) ObserveIncoming(listener signal.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listener = listener
}

func (s *Signal) Send(msg signal.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return signal.ErrChannelClosed
	}

	s.sent = append(s.sent, msg)

	select {
	case s.outbox <- msg:
	default:
	}

	return nil
}

func (s *Signal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// Inject delivers msg to the observer and returns its result.
func (s *Signal) Inject(ctx context.Context, msg signal.Message) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	return listener(ctx, msg)
}

func (s *Signal) Sent() []signal.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]signal.Message(nil), s.sent...)
}

func (s *Signal) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Next waits for the next sent message.
func (s *Signal) Next(timeout time.Duration) (signal.Message, bool) {
	select {
	case msg := <-s.outbox:
		return msg, true
	case <-time.After(timeout):
		return signal.Message{}, false
	}
}
