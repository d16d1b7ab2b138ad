package shutdown

import (
	"os"
	"sync"
	"syscall"

	"sdforge/core"
)

// SignalCounter records shutdown signals. The first one starts a graceful
// stop; reaching forceAfter calls onForce with the first signal's exit code.
type SignalCounter struct {
	mu         sync.Mutex
	count      int
	first      os.Signal
	forceAfter int
	onForce    func(code int)
}

// NewSignalCounter creates a counter that calls onForce (may be nil) once
// forceAfter signals have arrived.
func NewSignalCounter(forceAfter int, onForce func(code int)) *SignalCounter {
	return &SignalCounter{
		forceAfter: forceAfter,
		onForce:    onForce,
	}
}

// Record counts sig and returns the new count.
//
// onForce runs while the lock is held, so it should exit the process or
// return quickly.
func (s *SignalCounter) Record(sig os.Signal) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if s.first == nil {
		s.first = sig
	}
	if s.count >= s.forceAfter && s.onForce != nil {
		s.onForce(ExitCode(s.first))
	}
	return s.count
}

// Count returns the number of signals recorded.
func (s *SignalCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// First returns the first signal recorded, or nil.
func (s *SignalCounter) First() os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// ExitCode maps a shutdown signal to the process exit code: 130 for SIGINT,
// 143 for SIGTERM and 1 for anything else.
func ExitCode(sig os.Signal) int {
	switch sig {
	case os.Interrupt, syscall.SIGINT:
		return core.ExitCodeSIGINT
	case syscall.SIGTERM:
		return core.ExitCodeSIGTERM
	default:
		return core.ExitCodeError
	}
}
