// Package redis provides a Redis list implementation of the PositionSource port.
//
// Upstream risk monitors RPUSH unhealthy positions as JSON (one object or an
// array per entry) onto a list. Each fetch LPOPs up to BatchSize entries, so
// a position is handed to exactly one liquidator replica. Entries that cannot
// be decoded or validated are moved to a dead-letter list instead of being
// dropped.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that PositionQueue implements outbound.PositionSource
var _ outbound.PositionSource = (*PositionQueue)(nil)

// Config holds Redis queue configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// Key is the list unhealthy positions are pushed onto.
	Key string
	// DeadLetterKey receives entries that failed to decode. Defaults to Key + ":dead".
	DeadLetterKey string
	// BatchSize caps how many list entries one fetch pops.
	BatchSize int
}

// ConfigDefaults returns sensible defaults for the queue.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		Key:       "liquidator:unhealthy",
		BatchSize: 100,
	}
}

// listClient is the subset of go-redis used by the queue.
type listClient interface {
	LPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// PositionQueue reads unhealthy positions from a Redis list.
type PositionQueue struct {
	client    listClient
	key       string
	deadKey   string
	batchSize int
	logger    *slog.Logger
}

// NewPositionQueue connects a queue to the configured Redis server.
func NewPositionQueue(cfg Config, logger *slog.Logger) (*PositionQueue, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newPositionQueue(client, cfg, logger), nil
}

func newPositionQueue(client listClient, cfg Config, logger *slog.Logger) *PositionQueue {
	defaults := ConfigDefaults()
	if cfg.Key == "" {
		cfg.Key = defaults.Key
	}
	if cfg.DeadLetterKey == "" {
		cfg.DeadLetterKey = cfg.Key + ":dead"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PositionQueue{
		client:    client,
		key:       cfg.Key,
		deadKey:   cfg.DeadLetterKey,
		batchSize: cfg.BatchSize,
		logger:    logger.With("component", "redis-position-queue", "key", cfg.Key),
	}
}

// Ping checks the Redis connection.
func (q *PositionQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (q *PositionQueue) Close() error {
	return q.client.Close()
}

// FetchUnhealthyPositions pops the next batch of entries off the list.
// An empty list yields an empty slice.
func (q *PositionQueue) FetchUnhealthyPositions(ctx context.Context) ([]entity.Position, error) {
	entries, err := q.client.LPopCount(ctx, q.key, q.batchSize).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop positions: %w", err)
	}

	positions := make([]entity.Position, 0, len(entries))
	for _, entry := range entries {
		decoded, err := decodeEntry(entry)
		if err != nil {
			q.deadLetter(ctx, entry, err)
			continue
		}
		positions = append(positions, decoded...)
	}

	if len(positions) > 0 {
		q.logger.Debug("popped positions", "entries", len(entries), "positions", len(positions))
	}
	return positions, nil
}

// Push appends positions to the list, one entry per position.
func (q *PositionQueue) Push(ctx context.Context, positions ...entity.Position) error {
	if len(positions) == 0 {
		return nil
	}
	values := make([]interface{}, len(positions))
	for i, p := range positions {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal position %s: %w", p.Address, err)
		}
		values[i] = data
	}
	if err := q.client.RPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("failed to push positions: %w", err)
	}
	return nil
}

func (q *PositionQueue) deadLetter(ctx context.Context, entry string, cause error) {
	q.logger.Warn("discarding malformed queue entry", "error", cause, "deadLetterKey", q.deadKey)
	if err := q.client.RPush(ctx, q.deadKey, entry).Err(); err != nil {
		q.logger.Error("failed to dead-letter queue entry", "error", err, "entry", entry)
	}
}

func decodeEntry(entry string) ([]entity.Position, error) {
	positions, err := entity.DecodePositions([]byte(entry))
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return positions, nil
}
