package correlator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClassifiedChannel is the Redis pub/sub channel for classified groups.
const ClassifiedChannel = "bgp:classified"

// RedisPublisher publishes classified groups to a Redis channel for
// downstream consumers (dashboards, alerting).
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on the default channel.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, channel: ClassifiedChannel}
}

// PublishClassified sends one classified group as JSON.
func (p *RedisPublisher) PublishClassified(ctx context.Context, g ClassifiedGroup) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal classified group: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish classified group: %w", err)
	}
	return nil
}
