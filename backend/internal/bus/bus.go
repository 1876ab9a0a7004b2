// Package bus relays room events between server processes. Delivery is
// at-most-once: a message published while nobody is subscribed, or while a
// subscriber is disconnected, is lost.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus closed")

// Handler receives one published payload. Handlers of one subscription are
// called sequentially.
type Handler func(payload []byte)

type Subscription interface {
	Unsubscribe() error
}

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Close() error
}

// RoomChannel is the channel carrying events of one room.
func RoomChannel(roomID string) string { return "collab:events:" + roomID }
