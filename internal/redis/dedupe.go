package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed external event ids for a limited time.
type Deduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewDeduper(client *redis.Client, prefix string, ttl time.Duration) *Deduper {
	return &Deduper{client: client, prefix: prefix, ttl: ttl}
}

// FirstSeen marks id as seen and reports whether this call was the first.
func (d *Deduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(id), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe %s: %w", id, err)
	}
	return ok, nil
}

// Forget removes id so a redelivery is processed again.
func (d *Deduper) Forget(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.key(id)).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	return nil
}

func (d *Deduper) key(id string) string {
	return "dedupe:" + d.prefix + ":" + id
}
