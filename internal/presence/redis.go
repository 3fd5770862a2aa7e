package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceKey = "chatcore:presence"

// Redis is a Tracker shared by every daemon pointing at the same Redis.
// Presence lives in one sorted set scored by last-seen unix milliseconds.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client, ttl: ttl, now: time.Now}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Touch records userID as seen now and trims expired entries.
func (r *Redis) Touch(ctx context.Context, userID int64) error {
	now := r.now()
	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, presenceKey, redis.Z{Score: score(now), Member: member(userID)})
	pipe.ZRemRangeByScore(ctx, presenceKey, "-inf", "("+strconv.FormatFloat(score(now.Add(-r.ttl)), 'f', 0, 64))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// Present returns the subset of userIDs seen within the ttl, in input order.
func (r *Redis) Present(ctx context.Context, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	members := make([]string, len(userIDs))
	for i, id := range userIDs {
		members[i] = member(id)
	}
	scores, err := r.client.ZMScore(ctx, presenceKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	return presentFromScores(userIDs, scores, score(r.now().Add(-r.ttl))), nil
}

// presentFromScores keeps the ids whose score is at or after cutoff.
// ZMSCORE reports missing members as 0.
func presentFromScores(userIDs []int64, scores []float64, cutoff float64) []int64 {
	var out []int64
	for i, id := range userIDs {
		if i < len(scores) && scores[i] > 0 && scores[i] >= cutoff {
			out = append(out, id)
		}
	}
	return out
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func member(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
