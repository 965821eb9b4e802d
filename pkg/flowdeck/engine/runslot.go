// Package engine – runslot.go implements the per-channel AI operation slot.
// At most one run (manual or automatic) is in flight per channel; runs in
// different channels proceed independently. The slot also carries the
// user-visible status text and the run's cancellation handle.
package engine

import (
	"context"
	"sync"
)

// Slots owns one run slot per channel.
type Slots struct {
	mu     sync.Mutex
	active map[string]*slot
}

type slot struct {
	status string
	cancel context.CancelFunc
}

// NewSlots creates an empty slot table.
func NewSlots() *Slots {
	return &Slots{active: make(map[string]*slot)}
}

// Acquire claims the channel's slot and returns a handle whose context is
// cancelled by Cancel or by the parent context. A busy slot returns
// ErrAlreadyRunning; the caller decides whether that is surfaced (manual)
// or silently skipped (automatic).
func (s *Slots) Acquire(parent context.Context, channelID, status string) (*RunHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.active[channelID]; busy {
		return nil, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(parent)
	s.active[channelID] = &slot{status: status, cancel: cancel}

	h := &RunHandle{ctx: ctx}
	h.release = sync.OnceFunc(func() {
		s.mu.Lock()
		delete(s.active, channelID)
		s.mu.Unlock()
		cancel()
	})
	return h, nil
}

// Status returns the active run's status text for the channel, if any.
func (s *Slots) Status(channelID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.active[channelID]
	if !ok {
		return "", false
	}
	return sl.status, true
}

// Cancel signals the channel's active run to stop. Reports whether a run
// was active. The slot itself is released by the run's exit path.
func (s *Slots) Cancel(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.active[channelID]
	if !ok {
		return false
	}
	sl.cancel()
	return true
}

// RunHandle is one acquired slot.
type RunHandle struct {
	ctx     context.Context
	release func()
}

// Context is cancelled when the run is cancelled.
func (h *RunHandle) Context() context.Context {
	return h.ctx
}

// Release frees the slot. Safe to call more than once.
func (h *RunHandle) Release() {
	h.release()
}
