package stack

import "sync"

// Stack owns the single exclusive lock that serializes every state-machine
// mutation, the clock, and the interface list. The concurrency model is
// single-writer cooperative: tick handlers, incoming packets, and link
// events for one interface are processed strictly one at a time under this
// lock, and no operation inside it ever blocks.
type Stack struct {
	mu     sync.Mutex
	clock  Clock
	ifaces []*Interface
}

// New creates a Stack around the given clock.
func New(clock Clock) *Stack {
	return &Stack{clock: clock}
}

// Lock acquires exclusive access to the stack.
func (s *Stack) Lock() { s.mu.Lock() }

// Unlock releases exclusive access to the stack.
func (s *Stack) Unlock() { s.mu.Unlock() }

// Now returns the current monotonic time. Safe to call with or without the
// lock held.
func (s *Stack) Now() Millis { return s.clock.Now() }

// RunUnlocked releases the stack lock, invokes fn, and reacquires the lock.
// This is the reentrancy contract for user callbacks: the core never holds
// its own lock while calling out, so a callback may call back into the
// public API without deadlocking. Callers must assume any stack state may
// have been mutated by the time RunUnlocked returns.
func (s *Stack) RunUnlocked(fn func()) {
	s.mu.Unlock()
	defer s.mu.Lock()
	fn()
}

// AddInterface registers an interface with the stack.
func (s *Stack) AddInterface(ifc *Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ifaces = append(s.ifaces, ifc)
}

// Interfaces returns a snapshot of the registered interfaces.
func (s *Stack) Interfaces() []*Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Interface, len(s.ifaces))
	copy(out, s.ifaces)
	return out
}
