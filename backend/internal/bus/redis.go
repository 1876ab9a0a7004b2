package bus

import (
	"context"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus is a Bus on Redis PUBLISH/SUBSCRIBE. The client is shared with the
// session store and is not closed by Close.
type RedisBus struct {
	rdb    redis.UniversalClient
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

func NewRedisBus(rdb redis.UniversalClient, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{rdb: rdb, logger: logger, subs: make(map[*redisSub]struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

type redisSub struct {
	bus  *RedisBus
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(ctx, channel)
	// wait for the subscribe confirmation so nothing published after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &redisSub{bus: b, ps: ps, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		for msg := range ps.Channel() {
			h([]byte(msg.Payload))
		}
		b.logger.Debug("bus_subscription_closed", "channel", channel)
	}()
	return s, nil
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = s.ps.Close()
		<-s.done
	})
	return err
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}
