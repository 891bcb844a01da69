// Package redisbridge implements the Redis side of the gateway: the
// per-topic ingress listener that hydrates topic buses from to:<topic>:*,
// and the egress publisher that pushes client-originated frames, presence
// diffs, and admin meta events back out.
package redisbridge

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/phoenixgw/gateway/internal/presence"
)

// Publisher is a thin wrapper around a single multiplexed Redis client's
// PUBLISH. Failures are logged and swallowed; a failed publish never
// propagates to the client.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) publish(ctx context.Context, channel string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("redisbridge: marshal payload for %s: %v", channel, err)
		return
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		log.Printf("redisbridge: publish to %s: %v", channel, err)
	}
}

// PublishFromEvent republishes a client-originated event to
// from:<topic>:<event>.
func (p *Publisher) PublishFromEvent(ctx context.Context, topic, event string, payload interface{}) {
	p.publish(ctx, fromChannel(topic, event), payload)
}

// PublishFromEventBinary republishes a client-originated binary push's
// opaque payload verbatim; it is never parsed or JSON-encoded.
func (p *Publisher) PublishFromEventBinary(ctx context.Context, topic, event string, payload []byte) {
	if err := p.client.Publish(ctx, fromChannel(topic, event), payload).Err(); err != nil {
		log.Printf("redisbridge: publish to %s: %v", fromChannel(topic, event), err)
	}
}

// PublishHeartbeat publishes the heartbeat echo from:phoenix:heartbeat.
func (p *Publisher) PublishHeartbeat(ctx context.Context, connID string) {
	p.publish(ctx, "from:phoenix:heartbeat", map[string]string{"conn_id": connID})
}

// PublishAdminMeta publishes a meta event to to:admin:<category>.<action>.
func (p *Publisher) PublishAdminMeta(ctx context.Context, category, action string, payload interface{}) {
	p.publish(ctx, adminChannel(category, action), payload)
}

// PublishPresenceDiff publishes a presence delta to
// to:<topic>:presence_diff.
func (p *Publisher) PublishPresenceDiff(ctx context.Context, topic string, diff presence.Diff) {
	p.publish(ctx, presenceDiffChannel(topic), diff)
}
