package transport

import (
	"sync"

	"github.com/polistern/pboted/pkg/errors"
)

// Loopback is an in-process overlay connecting any number of sessions by
// destination string. It backs the tests.
type Loopback struct {
	mu       sync.Mutex
	sessions map[string]*LoopbackSession
}

// NewLoopback returns an empty in-process overlay.
func NewLoopback() *Loopback {
	return &Loopback{sessions: make(map[string]*LoopbackSession)}
}

// Session registers a new endpoint under the given destination.
func (l *Loopback) Session(destination string) *LoopbackSession {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := &LoopbackSession{
		overlay: l,
		dest:    destination,
		recv:    make(chan Inbound, 256),
	}
	l.sessions[destination] = s
	return s
}

func (l *Loopback) deliver(from, to string, payload []byte) error {
	l.mu.Lock()
	s, ok := l.sessions[to]
	l.mu.Unlock()
	if !ok {
		return errors.Errorf("loopback: no session for destination %.16q", to)
	}

	data := append([]byte(nil), payload...)
	select {
	case s.recv <- Inbound{From: from, Data: data}:
		return nil
	default:
		// A full queue drops the datagram, as a real overlay would.
		return nil
	}
}

func (l *Loopback) drop(destination string) {
	l.mu.Lock()
	delete(l.sessions, destination)
	l.mu.Unlock()
}

// LoopbackSession is one endpoint of a Loopback overlay.
type LoopbackSession struct {
	overlay *Loopback
	dest    string
	recv    chan Inbound

	closeOnce sync.Once
}

var _ Transport = (*LoopbackSession)(nil)

// Send delivers the payload to another session of the same overlay.
func (s *LoopbackSession) Send(destination string, payload []byte) error {
	return s.overlay.deliver(s.dest, destination, payload)
}

// Receive returns the session's inbound queue.
func (s *LoopbackSession) Receive() <-chan Inbound {
	return s.recv
}

// LocalDestination returns the destination the session was registered
// under.
func (s *LoopbackSession) LocalDestination() string {
	return s.dest
}

// Close unregisters the session and closes the inbound queue.
func (s *LoopbackSession) Close() error {
	s.closeOnce.Do(func() {
		s.overlay.drop(s.dest)
		close(s.recv)
	})
	return nil
}
