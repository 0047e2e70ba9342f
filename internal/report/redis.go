package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neuroclass/ncc/internal/stats"
)

// Redis stores CBOR-encoded reports under prefix+sessionID with an optional
// TTL, so several service instances can share them.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to redisURL and verifies the connection. A zero ttl keeps
// reports until deleted.
func NewRedis(ctx context.Context, redisURL, prefix string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedis(client, prefix, ttl), nil
}

func newRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(sessionID string) string {
	return r.prefix + sessionID
}

// Save implements Store.
func (r *Redis) Save(ctx context.Context, st stats.SessionStats) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(st.SessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// Load implements Store.
func (r *Redis) Load(ctx context.Context, sessionID string) (stats.SessionStats, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return stats.SessionStats{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return stats.SessionStats{}, fmt.Errorf("failed to get report: %w", err)
	}
	return decode(data)
}

// List implements Store. Keys are found with SCAN, so reports written while
// listing may or may not appear.
func (r *Redis) List(ctx context.Context) ([]Summary, error) {
	out := []Summary{}
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		sessionID := strings.TrimPrefix(iter.Val(), r.prefix)
		st, err := r.Load(ctx, sessionID)
		if errors.Is(err, ErrNotFound) {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(st))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan reports: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
