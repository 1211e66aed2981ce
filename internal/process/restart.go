package process

import (
	"errors"
	"sync"
)

// ErrRestartRequested is returned by a node's run loop after a component
// asked for a restart. The caller exits with RestartExitCode.
var ErrRestartRequested = errors.New("process: restart requested")

// RestartSignal collects restart requests from inside the node, such as a
// staged plugin update. The first request closes Requested; later ones
// are ignored.
//
// Thread Safety: All methods are safe for concurrent use.
type RestartSignal struct {
	once   sync.Once
	ch     chan struct{}
	mu     sync.Mutex
	reason string
}

// NewRestartSignal creates a signal with no request pending.
func NewRestartSignal() *RestartSignal {
	return &RestartSignal{ch: make(chan struct{})}
}

// RequestRestart records the reason and fires the signal.
func (s *RestartSignal) RequestRestart(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.ch)
	})
}

// Requested is closed once a restart has been requested.
func (s *RestartSignal) Requested() <-chan struct{} {
	return s.ch
}

// Reason returns the first request's reason, or "" if none was made.
func (s *RestartSignal) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
