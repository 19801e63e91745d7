package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"langy/internal/models"
	"langy/internal/redis"
)

const defaultStateTTL = 60 * time.Minute

const (
	scopeConversation = "conversation"
	scopeSession      = "session"
)

// invalidateMessage tells other instances to drop their copy of a session.
// Scope "conversation" means a newer snapshot is cached; "session" means the
// session ended.
type invalidateMessage struct {
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
	Origin    string `json:"origin"`
}

// stateRedis caches conversation snapshots so a session survives a restart or
// moves between instances. A nil *stateRedis is a no-op cache.
type stateRedis struct {
	client *redis.Client
	ttl    time.Duration
}

func newStateCache(client *redis.Client, ttl time.Duration) *stateRedis {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &stateRedis{client: client, ttl: ttl}
}

func (r *stateRedis) conversationKey(sessionID string) string {
	return r.client.Key("conversation", sessionID)
}

func (r *stateRedis) channel() string {
	return r.client.Key("worker", "invalidate")
}

// startListener subscribes to invalidations until ctx ends.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if r == nil || handler == nil {
		return
	}
	pubsub, err := r.client.Subscribe(ctx, r.channel())
	if err != nil {
		log.Printf("worker invalidation subscribe failed: %v", err)
		return
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					log.Printf("worker invalidation decode failed: %v", err)
					continue
				}
				handler(inv)
			}
		}
	}()
}

// publishInvalidation broadcasts an invalidate message.
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("worker invalidation marshal failed: %v", err)
		return
	}
	if err := r.client.Publish(context.Background(), r.channel(), payload); err != nil {
		log.Printf("worker publish invalidation failed: %v", err)
	}
}

func (r *stateRedis) cacheSnapshot(snap models.Snapshot) {
	if r == nil || snap.ID == "" {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("worker rdb snapshot marshal failed: %v", err)
		return
	}
	if err := r.client.Set(context.Background(), r.conversationKey(snap.ID), data, r.ttl); err != nil {
		log.Printf("worker rdb snapshot failed: %v", err)
	}
}

func (r *stateRedis) loadSnapshot(sessionID string) (*models.Snapshot, bool) {
	if r == nil || sessionID == "" {
		return nil, false
	}
	raw, err := r.client.Get(context.Background(), r.conversationKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("worker load snapshot rdb failed: %v", err)
		}
		return nil, false
	}
	var snap models.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Printf("worker decode snapshot rdb failed: %v", err)
		return nil, false
	}
	if snap.ID != sessionID {
		return nil, false
	}
	return &snap, true
}

// touch keeps a used session's snapshot alive for another TTL.
func (r *stateRedis) touch(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}
	if err := r.client.Expire(context.Background(), r.conversationKey(sessionID), r.ttl); err != nil {
		log.Printf("worker rdb expire failed: %v", err)
	}
}

func (r *stateRedis) invalidate(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}
	if err := r.client.Del(context.Background(), r.conversationKey(sessionID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		log.Printf("worker invalidate snapshot rdb failed: %v", err)
	}
}
