// Package redis provides live proxy state in Redis: per-worker share
// counters, hashrate sliding windows, and the current upstream connection
// state. All data here is ephemeral and rebuilt from traffic.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the proxy
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Share counters

// IncrShareCounter increments the accepted or rejected counter for a worker.
// Counters expire after the window so stale workers age out on their own.
func (c *Client) IncrShareCounter(ctx context.Context, workerName string, accepted bool, window time.Duration) (int64, error) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	key := fmt.Sprintf("shares:%s:%s", workerName, outcome)

	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment share counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetShareCounters returns the accepted and rejected counters for a worker
func (c *Client) GetShareCounters(ctx context.Context, workerName string) (accepted, rejected int64, err error) {
	acceptedKey := fmt.Sprintf("shares:%s:accepted", workerName)
	rejectedKey := fmt.Sprintf("shares:%s:rejected", workerName)

	vals, err := c.rdb.MGet(ctx, acceptedKey, rejectedKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get share counters: %w", err)
	}

	parse := func(v any) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}

	return parse(vals[0]), parse(vals[1]), nil
}

// Hashrate tracking

// RecordShareDifficulty appends a share difficulty sample to the worker's
// sliding window, trimming samples older than the window.
func (c *Client) RecordShareDifficulty(ctx context.Context, workerName string, difficulty float64, window time.Duration) error {
	key := fmt.Sprintf("hashrate:%s", workerName)
	timestamp := time.Now().Unix()

	member := redis.Z{
		Score:  float64(timestamp),
		Member: fmt.Sprintf("%d:%g", timestamp, difficulty),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", timestamp-int64(window.Seconds())))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record share difficulty: %w", err)
	}

	return nil
}

// EstimateHashrate sums share difficulty over the window and converts it to
// an approximate hashrate in hashes per second.
func (c *Client) EstimateHashrate(ctx context.Context, workerName string, window time.Duration) (float64, error) {
	key := fmt.Sprintf("hashrate:%s", workerName)
	minScore := time.Now().Add(-window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", minScore),
		Max: "+inf",
	}).Result()

	if err != nil {
		return 0, fmt.Errorf("failed to get difficulty samples: %w", err)
	}

	if len(values) == 0 {
		return 0, nil
	}

	var totalDiff float64
	for _, val := range values {
		// Members are "timestamp:difficulty".
		var ts int64
		var diff float64
		if _, err := fmt.Sscanf(val, "%d:%g", &ts, &diff); err == nil {
			totalDiff += diff
		}
	}

	// Each share of difficulty 1 represents ~2^32 hashes on average.
	return totalDiff * 4294967296 / window.Seconds(), nil
}

// Upstream state

// SetUpstreamState stores the current upstream connection state
func (c *Client) SetUpstreamState(ctx context.Context, state string) error {
	if err := c.rdb.Set(ctx, "upstream:state", state, 0).Err(); err != nil {
		return fmt.Errorf("failed to set upstream state: %w", err)
	}
	return nil
}

// GetUpstreamState retrieves the current upstream connection state
func (c *Client) GetUpstreamState(ctx context.Context) (string, error) {
	state, err := c.rdb.Get(ctx, "upstream:state").Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to get upstream state: %w", err)
	}
	return state, nil
}

// Connection tracking

// IncrConnections adjusts the live downstream connection gauge by delta
func (c *Client) IncrConnections(ctx context.Context, delta int64) (int64, error) {
	val, err := c.rdb.IncrBy(ctx, "connections:active", delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to adjust connection count: %w", err)
	}
	return val, nil
}

// GetConnections returns the live downstream connection gauge
func (c *Client) GetConnections(ctx context.Context) (int64, error) {
	val, err := c.rdb.Get(ctx, "connections:active").Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get connection count: %w", err)
	}
	return val, nil
}
