package throttle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures Redis access for throttle-state persistence.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore persists throttle state in a single Redis hash so that a
// restart does not re-fire alerts still inside their cooldown.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore constructs a Redis-backed throttle store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "vigil:throttle"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis throttle store: %w", err)
	}

	return &RedisStore{client: client, key: cfg.KeyPrefix + ":state"}, nil
}

// Load fetches all persisted entries.
func (s *RedisStore) Load(ctx context.Context) (map[string]Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load throttle state: %w", err)
	}

	out := make(map[string]Entry, len(fields))
	for machineID, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// Skip unreadable entries rather than refusing to start
			continue
		}
		out[machineID] = e
	}
	return out, nil
}

// Save upserts one machine's entry.
func (s *RedisStore) Save(ctx context.Context, machineID string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode throttle entry: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, machineID, raw).Err(); err != nil {
		return fmt.Errorf("save throttle entry: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
