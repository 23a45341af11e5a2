package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// RedisStore persists job records as JSON values with a sorted-set
// index on creation time so listings stay ordered across replicas.
// Patch atomicity relies on a per-store mutex; with multiple replicas
// the last writer wins, which is acceptable because exactly one worker
// owns a job at a time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger core.Logger

	mu        sync.Mutex
	callbacks []ChangeCallback
}

// RedisStoreConfig configures the Redis job store.
type RedisStoreConfig struct {
	// Prefix namespaces all keys. Default "videoapi".
	Prefix string
	// TTL expires finished records. Zero keeps them forever.
	TTL time.Duration

	Logger core.Logger
}

// NewRedisStore creates a Redis-backed job store and verifies the
// connection.
func NewRedisStore(ctx context.Context, client *redis.Client, config *RedisStoreConfig) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	cfg := RedisStoreConfig{Prefix: "videoapi"}
	if config != nil {
		if config.Prefix != "" {
			cfg.Prefix = config.Prefix
		}
		cfg.TTL = config.TTL
		cfg.Logger = config.Logger
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cal, ok := cfg.Logger.(core.ComponentAwareLogger); ok {
		cfg.Logger = cal.WithComponent("store/redis")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}, nil
}

func (s *RedisStore) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:jobs:by_created", s.prefix)
}

func (s *RedisStore) Save(ctx context.Context, record *core.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", record.ID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.jobKey(record.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
		Score:  float64(record.CreatedAt.UnixNano()),
		Member: record.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job %s: %w", record.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*core.JobRecord, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Result()
	if err == redis.Nil {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	var record core.JobRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &record, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, patch *core.JobPatch) (*core.JobRecord, error) {
	s.mu.Lock()
	record, err := s.Get(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if record.Status.IsTerminal() {
		s.mu.Unlock()
		return nil, terminalFrozen(id, record.Status)
	}

	applyPatch(record, patch)

	data, err := json.Marshal(record)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to serialize job %s: %w", id, err)
	}
	expiry := time.Duration(0)
	if s.ttl > 0 && record.Status.IsTerminal() {
		expiry = s.ttl
	}
	if err := s.client.Set(ctx, s.jobKey(id), data, expiry).Err(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}
	callbacks := make([]ChangeCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(record.Clone())
	}
	return record, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]*core.JobRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]*core.JobRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			// Expired records linger in the index until next cleanup.
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *RedisStore) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
