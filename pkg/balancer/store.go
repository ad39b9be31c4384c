package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meftunca/voxlink/pkg/config"
	"github.com/meftunca/voxlink/pkg/types"
)

// AssignmentStore mirrors guild -> node bindings outside the process so that
// sticky assignments survive a controller restart.
type AssignmentStore interface {
	Load(ctx context.Context, guildID string) (node string, ok bool, err error)
	Save(ctx context.Context, guildID, node string) error
	Delete(ctx context.Context, guildID string) error
	Close() error
}

// NewAssignmentStore builds the store selected by cfg.
func NewAssignmentStore(cfg config.AssignmentsConfig) (AssignmentStore, error) {
	switch cfg.Type {
	case config.AssignmentStoreMemory, "":
		return NewMemoryStore(), nil
	case config.AssignmentStoreRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, types.NewError(types.ErrCodeInvalidConfig, fmt.Sprintf("unknown assignment store: %s", cfg.Type))
	}
}

// MemoryStore keeps assignments in a map.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Load(_ context.Context, guildID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.data[guildID]
	return node, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, guildID, node string) error {
	m.mu.Lock()
	m.data[guildID] = node
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, guildID string) error {
	m.mu.Lock()
	delete(m.data, guildID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// RedisStore keeps assignments as plain keys with a TTL.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.ErrStore("ping", err)
	}

	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg config.RedisConfig) *RedisStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RedisStore{
		client:  client,
		prefix:  cfg.KeyPrefix,
		ttl:     cfg.TTL,
		timeout: timeout,
	}
}

func (r *RedisStore) key(guildID string) string {
	return r.prefix + guildID
}

func (r *RedisStore) Load(ctx context.Context, guildID string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	node, err := r.client.Get(ctx, r.key(guildID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.ErrStore("load", err)
	}
	return node, true, nil
}

func (r *RedisStore) Save(ctx context.Context, guildID, node string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Set(ctx, r.key(guildID), node, r.ttl).Err(); err != nil {
		return types.ErrStore("save", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, guildID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Del(ctx, r.key(guildID)).Err(); err != nil {
		return types.ErrStore("delete", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
