// Package redis keeps the live session directory: one hash per connected
// miner, keyed by extranonce1, expiring when the pool stops refreshing it.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/stratumpool/internal/messaging"
)

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
	ttl time.Duration
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

	// SessionTTL bounds how long a record survives without a refresh.
	SessionTTL time.Duration
}

// NewClient creates a new Redis client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
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

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Client{rdb: rdb, ttl: ttl}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SessionKey is the hash holding one session's record.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// SessionFields flattens info into hash fields. Empty handshake fields are
// omitted so a later update never blanks them.
func SessionFields(info messaging.SessionInfo) map[string]any {
	fields := map[string]any{
		"remote_addr":   info.RemoteAddr,
		"difficulty":    strconv.FormatFloat(info.Difficulty, 'g', -1, 64),
		"connected_at":  info.ConnectedAt.UTC().Format(time.RFC3339),
		"last_activity": info.LastActivity.UTC().Format(time.RFC3339),
	}
	if info.UserAgent != "" {
		fields["user_agent"] = info.UserAgent
	}
	if info.MinerAddress != "" {
		fields["miner_address"] = info.MinerAddress
		fields["worker_name"] = info.WorkerName
	}
	return fields
}

// PutSession writes the session hash and pushes its expiry forward.
func (c *Client) PutSession(ctx context.Context, info messaging.SessionInfo) error {
	key := SessionKey(info.SessionID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, SessionFields(info))
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// DeleteSession removes a session
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, SessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetSession reads a session hash back. The boolean is false when the key
// is missing or expired.
func (c *Client) GetSession(ctx context.Context, sessionID string) (map[string]string, bool, error) {
	fields, err := c.rdb.HGetAll(ctx, SessionKey(sessionID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get session: %w", err)
	}
	return fields, len(fields) > 0, nil
}

// CountSessions counts live session keys.
func (c *Client) CountSessions(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, "session:*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan sessions: %w", err)
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
