package chatclient

import (
	"context"
	"sync"

	"chatsync/internal/events"
	chat_errors "chatsync/pkg/errors"
)

// MemoryStream is an EventStream fed by hand. While it is down Connect
// fails with ErrNetworkUnavailable.
type MemoryStream struct {
	mu      sync.Mutex
	up      bool
	current chan events.Envelope
	conns   int
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{up: true}
}

func (s *MemoryStream) Connect(ctx context.Context) (<-chan events.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.up {
		return nil, chat_errors.ErrNetworkUnavailable
	}
	ch := make(chan events.Envelope, 64)
	s.current = ch
	s.conns++

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.current == ch {
			close(ch)
			s.current = nil
		}
	}()
	return ch, nil
}

// Push delivers env on the live connection. It reports false when no
// connection is open.
func (s *MemoryStream) Push(env events.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	s.current <- env
	return true
}

// Drop closes the live connection. With down set, reconnects fail until Up.
func (s *MemoryStream) Drop(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if down {
		s.up = false
	}
	if s.current != nil {
		close(s.current)
		s.current = nil
	}
}

func (s *MemoryStream) Up() {
	s.mu.Lock()
	s.up = true
	s.mu.Unlock()
}

// Connections counts successful Connect calls.
func (s *MemoryStream) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}
