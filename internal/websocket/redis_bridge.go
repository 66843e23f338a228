package websocket

import (
	"context"

	"chatsync/internal/events"
)

// RedisBridge forwards every per-user event published by any instance to
// the clients connected here.
type RedisBridge struct {
	subscriber events.Subscriber
	hub        *Hub
}

func NewRedisBridge(subscriber events.Subscriber, hub *Hub) *RedisBridge {
	return &RedisBridge{subscriber: subscriber, hub: hub}
}

func (b *RedisBridge) Run(ctx context.Context) error {
	return b.subscriber.Subscribe(ctx, []string{events.UserChannelPattern}, func(channel string, payload []byte) {
		if _, ok := events.ParseUserChannel(channel); !ok {
			return
		}
		b.hub.Broadcast(channel, payload)
	})
}

// LocalPublisher delivers straight to this instance's hub. It is used when
// Redis is disabled and the API runs as a single node.
type LocalPublisher struct {
	hub *Hub
}

func NewLocalPublisher(hub *Hub) *LocalPublisher {
	return &LocalPublisher{hub: hub}
}

func (p *LocalPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.hub.Broadcast(channel, payload)
	return nil
}
