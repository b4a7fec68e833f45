package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// WebhookEventCache implements ports.WebhookEventCache using Redis.
// It only short-circuits replays; the webhook_events table stays authoritative.
type WebhookEventCache struct {
	client *goredis.Client
	prefix string
}

// NewWebhookEventCache creates a new Redis-backed webhook replay cache.
func NewWebhookEventCache(client *goredis.Client) *WebhookEventCache {
	return &WebhookEventCache{
		client: client,
		prefix: "webhook:event:",
	}
}

// IsProcessed reports whether eventID was marked as successfully handled.
func (c *WebhookEventCache) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis webhook event exists: %w", err)
	}
	return n == 1, nil
}

// MarkProcessed records eventID as handled for ttl.
func (c *WebhookEventCache) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+eventID, time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("redis webhook event set: %w", err)
	}
	return nil
}
