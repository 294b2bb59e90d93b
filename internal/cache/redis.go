// Package cache keeps semester stats in Redis so the clients' periodic
// refresh does not reload whole member documents.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"gymtrack/internal/queue"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Redis is a JSON value cache.
type Redis struct {
	client *redis.Client
	log    zerolog.Logger
}

// New wraps an existing client.
func New(client *redis.Client, log zerolog.Logger) *Redis {
	return &Redis{client: client, log: log.With().Str("component", "cache").Logger()}
}

// StatsKey names the cached stats of one person on one day.
func StatsKey(memberID, dependentID, day string) string {
	if dependentID == "" {
		dependentID = "self"
	}
	return fmt.Sprintf("stats:%s:%s:%s", memberID, dependentID, day)
}

// MemberPattern matches every key cached for a member.
func MemberPattern(memberID string) string {
	return fmt.Sprintf("stats:%s:*", memberID)
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	r.log.Debug().Str("key", key).Msg("setting cache value")
	return r.client.Set(ctx, key, v, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string, dest any) error {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

// InvalidateMember drops every key cached for memberID.
func (r *Redis) InvalidateMember(ctx context.Context, memberID string) error {
	return r.deletePattern(ctx, MemberPattern(memberID))
}

// Flush drops every stats key.
func (r *Redis) Flush(ctx context.Context) error {
	return r.deletePattern(ctx, "stats:*")
}

func (r *Redis) deletePattern(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	r.log.Debug().Str("pattern", pattern).Int("keys", len(keys)).Msg("invalidating cache")
	return r.client.Del(ctx, keys...).Err()
}

// Invalidator is what RunInvalidator needs from a cache.
type Invalidator interface {
	InvalidateMember(ctx context.Context, memberID string) error
	Flush(ctx context.Context) error
}

// RunInvalidator drops cached stats for every member event received on q
// until ctx ends.
func RunInvalidator(ctx context.Context, q queue.Queue, c Invalidator, log zerolog.Logger) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		var err error
		switch msg.Type {
		case queue.TypeMemberChanged, queue.TypeMemberDeleted:
			err = c.InvalidateMember(ctx, msg.MemberID)
		case queue.TypePaymentsReset:
			err = c.Flush(ctx)
		default:
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("event_id", msg.ID).Str("type", msg.Type).Msg("cache invalidation failed")
			continue
		}
		log.Debug().Str("event_id", msg.ID).Str("type", msg.Type).Str("member_id", msg.MemberID).Msg("cache invalidated")
	}
	return nil
}
