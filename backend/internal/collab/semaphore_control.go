package collab

import (
	"context"
	"errors"
)

const DefaultMaxConcurrentSubmits = 100

var errSemaphoreNotHeld = errors.New("release failed, semaphore is not acquired")

// SemaphoreControl caps how many callers run a section at once.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultMaxConcurrentSubmits
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

// Acquire blocks until a slot frees up or ctx is done.
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrBusy
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errSemaphoreNotHeld
	}
}

// InUse reports the number of held slots.
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
