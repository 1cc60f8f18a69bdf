package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flipwire/flipwire/internal/storage"
	"github.com/redis/go-redis/v9"
)

// broadcastBus bridges channel broadcasts between gateway processes over
// Redis pub/sub. Each process publishes to flipwire:channel:{code} and
// pattern-subscribes to all of them, skipping its own publishes.
type broadcastBus struct {
	client *redis.Client
	origin string
}

func (b *broadcastBus) Publish(ctx context.Context, msg storage.ChannelMessage) error {
	if msg.Origin == "" {
		msg.Origin = b.origin
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal channel message: %w", err)
	}
	return b.client.Publish(ctx, channelPrefix+msg.Code, data).Err()
}

func (b *broadcastBus) Subscribe(ctx context.Context) (<-chan storage.ChannelMessage, error) {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")

	// Confirm the subscription before handing the channel out.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to channel fan-out: %w", err)
	}

	out := make(chan storage.ChannelMessage, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg storage.ChannelMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				if msg.Code == "" {
					msg.Code = strings.TrimPrefix(raw.Channel, channelPrefix)
				}
				if msg.Origin == b.origin {
					// Local members already received this payload.
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
