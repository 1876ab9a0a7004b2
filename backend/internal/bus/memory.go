package bus

import (
	"context"
	"sync"
)

// MemoryBus delivers synchronously inside Publish. Several hubs sharing one
// MemoryBus behave like several processes sharing a broker.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	h       Handler
	mu      sync.Mutex
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		cp := append([]byte(nil), payload...)
		s.mu.Lock()
		s.h(cp)
		s.mu.Unlock()
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{bus: b, channel: channel, h: h}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySub]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	set := s.bus.subs[s.channel]
	delete(set, s)
	if len(set) == 0 {
		delete(s.bus.subs, s.channel)
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[*memorySub]struct{})
	return nil
}
