package client

import "sync"

// Session holds the authentication flag. Subscribers receive the latest
// value whenever it changes; a slow subscriber only ever sees the newest.
type Session struct {
	mu     sync.Mutex
	authed bool
	subs   map[uint64]chan bool
	nextID uint64
}

func newSession() *Session {
	return &Session{subs: make(map[uint64]chan bool)}
}

// Authenticated reports the current flag.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// Subscribe returns a channel that receives the flag on every change, and a
// function that ends the subscription and closes the channel.
func (s *Session) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) set(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authed == v {
		return
	}
	s.authed = v
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}
