package bus

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
)

// NatsBus is a Bus on core NATS subjects. The connection belongs to the
// caller.
type NatsBus struct {
	nc *nats.Conn

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

func NewNatsBus(nc *nats.Conn) *NatsBus {
	return &NatsBus{nc: nc, subs: make(map[*nats.Subscription]struct{})}
}

func (b *NatsBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.nc.Publish(channel, payload)
}

type natsSub struct {
	bus *NatsBus
	sub *nats.Subscription
}

func (b *NatsBus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	sub, err := b.nc.Subscribe(channel, func(m *nats.Msg) { h(m.Data) })
	if err != nil {
		return nil, err
	}
	// make sure the server registered the interest before returning
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &natsSub{bus: b, sub: sub}, nil
}

func (s *natsSub) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subs[s.sub]
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	if !ok {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = make(map[*nats.Subscription]struct{})
	return nil
}
