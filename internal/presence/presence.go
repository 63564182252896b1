// Package presence tracks which identities are live in a channel using
// short-TTL redis keys. All operations are best-effort: without a configured
// redis client they become no-ops, and errors are logged, never propagated.
package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

type Tracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTracker(client *redis.Client, ttl time.Duration) *Tracker {
	return &Tracker{client: client, ttl: ttl}
}

func key(channelID, identityID string) string {
	return fmt.Sprintf("presence:%s:%s", channelID, identityID)
}

func (t *Tracker) MarkOnline(ctx context.Context, channelID, identityID string) {
	if t == nil || t.client == nil {
		return
	}
	if err := t.client.Set(ctx, key(channelID, identityID), "1", t.ttl).Err(); err != nil {
		log.Printf("presence: mark online failed: %v", err)
	}
}

func (t *Tracker) MarkOffline(ctx context.Context, channelID, identityID string) {
	if t == nil || t.client == nil {
		return
	}
	if err := t.client.Del(ctx, key(channelID, identityID)).Err(); err != nil {
		log.Printf("presence: mark offline failed: %v", err)
	}
}

// Online filters the given member ids down to those with a live presence key.
func (t *Tracker) Online(ctx context.Context, channelID string, memberIDs []string) []string {
	if t == nil || t.client == nil || len(memberIDs) == 0 {
		return nil
	}
	pipe := t.client.Pipeline()
	checks := make([]*redis.IntCmd, len(memberIDs))
	for i, id := range memberIDs {
		checks[i] = pipe.Exists(ctx, key(channelID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("presence: online check failed: %v", err)
		return nil
	}
	var online []string
	for i, check := range checks {
		if check.Val() > 0 {
			online = append(online, memberIDs[i])
		}
	}
	return online
}
