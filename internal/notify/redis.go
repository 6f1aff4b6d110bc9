package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the Redis channel events travel on.
const DefaultChannel = "marketrelay:events"

// RedisPublisher publishes events to a Redis channel. Every instance runs
// Relay to feed its own Hub, so local delivery also goes through Redis.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     logrus.FieldLogger
}

// NewRedisPublisher creates a publisher on channel (DefaultChannel if empty).
func NewRedisPublisher(client *redis.Client, channel string, log logrus.FieldLogger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		log:     logging.OrDiscard(log).WithField("component", "notify-redis"),
	}
}

// Publish sends ev to the channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Relay forwards channel messages into hub until ctx is done.
func (p *RedisPublisher) Relay(ctx context.Context, hub *Hub) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}
	p.log.WithField("channel", p.channel).Info("relaying events from redis")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.log.WithError(err).Warn("dropping malformed event")
				continue
			}
			_ = hub.Publish(ctx, ev)
		}
	}
}
