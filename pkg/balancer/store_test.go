package balancer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/voxlink/pkg/config"
)

func exerciseStore(t *testing.T, s AssignmentStore, guild string) {
	ctx := context.Background()

	_, ok, err := s.Load(ctx, guild)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, guild, "node-a"))
	node, ok, err := s.Load(ctx, guild)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-a", node)

	require.NoError(t, s.Save(ctx, guild, "node-b"))
	node, _, _ = s.Load(ctx, guild)
	assert.Equal(t, "node-b", node)

	require.NoError(t, s.Delete(ctx, guild))
	_, ok, err = s.Load(ctx, guild)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exerciseStore(t, s, "guild")
}

func TestNewAssignmentStore(t *testing.T) {
	s, err := NewAssignmentStore(config.AssignmentsConfig{Type: config.AssignmentStoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewAssignmentStore(config.AssignmentsConfig{Type: "etcd"})
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("VOXLINK_REDIS_ADDR")
	if addr == "" {
		t.Skip("VOXLINK_REDIS_ADDR not set")
	}

	s, err := NewRedisStore(config.RedisConfig{
		Addresses: []string{addr},
		KeyPrefix: "voxlink:test:",
		TTL:       time.Minute,
		Timeout:   time.Second,
	})
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s, uuid.NewString())
}

func TestRedisStoreUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}
	_, err := NewRedisStore(config.RedisConfig{
		Addresses: []string{"127.0.0.1:1"},
		Timeout:   100 * time.Millisecond,
	})
	assert.Error(t, err)
}
