package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "transcript:"

// RedisStore keeps each call's transcript as a Redis list of JSON entries
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, opts RedisOptions, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	return &RedisStore{
		client: client,
		ttl:    opts.TTL,
		logger: logger.With().Str("component", "transcript").Logger(),
	}, nil
}

func callKey(callID string) string {
	return keyPrefix + callID
}

// Save appends e and refreshes the transcript's expiry
func (s *RedisStore) Save(ctx context.Context, e Entry) error {
	if e.CallID == "" {
		return errors.New("entry has no call id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	key := callKey(e.CallID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save transcript entry: %w", err)
	}

	s.logger.Debug().
		Str("call_id", e.CallID).
		Str("actor", e.Actor).
		Int("turn_id", e.TurnID).
		Msg("Transcript entry saved")
	return nil
}

// List returns a call's entries ordered by timestamp
func (s *RedisStore) List(ctx context.Context, callID string) ([]Entry, error) {
	values, err := s.client.LRange(ctx, callKey(callID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			s.logger.Warn().Err(err).Str("call_id", callID).Msg("Skipping corrupt transcript entry")
			continue
		}
		entries = append(entries, e)
	}
	sortByTime(entries)
	return entries, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
