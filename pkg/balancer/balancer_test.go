package balancer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/voxlink/pkg/types"
)

type fakeNode struct {
	name   string
	down   atomic.Bool
	health atomic.Pointer[HealthSnapshot]
}

func newFakeNode(name string, snap *HealthSnapshot) *fakeNode {
	n := &fakeNode{name: name}
	n.health.Store(snap)
	return n
}

func (n *fakeNode) Name() string              { return n.name }
func (n *fakeNode) Available() bool           { return !n.down.Load() }
func (n *fakeNode) Snapshot() *HealthSnapshot { return n.health.Load() }

type countingStore struct {
	*MemoryStore
	saves atomic.Int32
	fail  bool
}

func (s *countingStore) Save(ctx context.Context, guildID, node string) error {
	s.saves.Add(1)
	if s.fail {
		return errors.New("store down")
	}
	return s.MemoryStore.Save(ctx, guildID, node)
}

func (s *countingStore) Load(ctx context.Context, guildID string) (string, bool, error) {
	if s.fail {
		return "", false, errors.New("store down")
	}
	return s.MemoryStore.Load(ctx, guildID)
}

func TestResolvePrefersNodeWithoutStats(t *testing.T) {
	a := newFakeNode("a", &HealthSnapshot{PlayingPlayers: 0, CPULoad: 0.1, DeficitAvg: NoFrameData, NulledAvg: NoFrameData})
	b := newFakeNode("b", nil)

	bal := New()
	require.NoError(t, bal.Add(a))
	require.NoError(t, bal.Add(b))

	penalties := bal.Penalties()
	require.Len(t, penalties, 2)
	assert.Equal(t, 6, penalties[0].Total)
	assert.Equal(t, 0, penalties[1].Total)

	n, err := bal.Resolve(context.Background(), "guild1")
	require.NoError(t, err)
	assert.Equal(t, "b", n.Name())
}

func TestResolveIsIdempotent(t *testing.T) {
	a := newFakeNode("a", nil)
	b := newFakeNode("b", &HealthSnapshot{PlayingPlayers: 10, DeficitAvg: NoFrameData})
	bal := New()
	require.NoError(t, bal.Add(a))
	require.NoError(t, bal.Add(b))

	first, err := bal.Resolve(context.Background(), "g")
	require.NoError(t, err)

	// health changes never move an existing session
	a.health.Store(&HealthSnapshot{PlayingPlayers: 500, CPULoad: 0.9, DeficitAvg: NoFrameData})
	second, err := bal.Resolve(context.Background(), "g")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestResolveTieBreaksByRegistrationOrder(t *testing.T) {
	bal := New()
	for _, name := range []string{"x", "y", "z"} {
		require.NoError(t, bal.Add(newFakeNode(name, nil)))
	}
	n, err := bal.Resolve(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, "x", n.Name())
}

func TestResolveNoNodes(t *testing.T) {
	bal := New()
	_, err := bal.Resolve(context.Background(), "g")
	assert.ErrorIs(t, err, types.ErrNoNodes)

	down := newFakeNode("down", nil)
	down.down.Store(true)
	require.NoError(t, bal.Add(down))
	_, err = bal.Resolve(context.Background(), "g")
	assert.ErrorIs(t, err, types.ErrNoNodes)
	assert.Empty(t, bal.Assignments())
}

func TestResolveSkipsUnavailableNodes(t *testing.T) {
	a := newFakeNode("a", nil)
	a.down.Store(true)
	b := newFakeNode("b", &HealthSnapshot{PlayingPlayers: 50, DeficitAvg: NoFrameData})

	bal := New()
	require.NoError(t, bal.Add(a))
	require.NoError(t, bal.Add(b))

	n, err := bal.Resolve(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, "b", n.Name())
}

func TestDisconnectedNodeKeepsAssignment(t *testing.T) {
	a := newFakeNode("a", nil)
	b := newFakeNode("b", &HealthSnapshot{PlayingPlayers: 5, DeficitAvg: NoFrameData})
	bal := New()
	require.NoError(t, bal.Add(a))
	require.NoError(t, bal.Add(b))

	n, err := bal.Resolve(context.Background(), "g")
	require.NoError(t, err)
	require.Equal(t, "a", n.Name())

	a.down.Store(true)
	n, err = bal.Resolve(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, "a", n.Name())
}

func TestRemoveInvalidatesAssignments(t *testing.T) {
	store := NewMemoryStore()
	a := newFakeNode("a", nil)
	b := newFakeNode("b", &HealthSnapshot{PlayingPlayers: 5, DeficitAvg: NoFrameData})
	bal := New(WithStore(store))
	require.NoError(t, bal.Add(a))
	require.NoError(t, bal.Add(b))

	_, err := bal.Resolve(context.Background(), "g1")
	require.NoError(t, err)
	_, err = bal.Resolve(context.Background(), "g2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"g1": "a", "g2": "a"}, bal.Assignments())

	removed, ok := bal.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "a", removed.Name())
	assert.Empty(t, bal.Assignments())

	_, ok, _ = store.Load(context.Background(), "g1")
	assert.False(t, ok)

	n, err := bal.Resolve(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "b", n.Name())
	assert.Len(t, bal.Nodes(), 1)

	_, ok = bal.Remove("a")
	assert.False(t, ok)
}

func TestAddDuplicate(t *testing.T) {
	bal := New()
	require.NoError(t, bal.Add(newFakeNode("a", nil)))
	err := bal.Add(newFakeNode("a", nil))

	code, ok := types.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeNodeExists, code)
}

func TestConcurrentResolveCreatesOneAssignment(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	bal := New(WithStore(store))
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, bal.Add(newFakeNode(name, nil)))
	}

	const workers = 64
	results := make([]string, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			n, err := bal.Resolve(context.Background(), "guild")
			if err == nil {
				results[i] = n.Name()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, int32(1), store.saves.Load())
}

func TestResolveRestoresPersistedAssignment(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "g", "b"))
	require.NoError(t, store.Save(context.Background(), "gone", "removed-node"))

	bal := New(WithStore(store))
	require.NoError(t, bal.Add(newFakeNode("a", nil)))
	require.NoError(t, bal.Add(newFakeNode("b", &HealthSnapshot{PlayingPlayers: 40, DeficitAvg: NoFrameData})))

	n, err := bal.Resolve(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, "b", n.Name())

	n, err = bal.Resolve(context.Background(), "gone")
	require.NoError(t, err)
	assert.Equal(t, "a", n.Name())

	node, _, _ := store.Load(context.Background(), "gone")
	assert.Equal(t, "a", node)
}

func TestStoreFailuresAreNotFatal(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), fail: true}
	bal := New(WithStore(store))
	require.NoError(t, bal.Add(newFakeNode("a", nil)))

	n, err := bal.Resolve(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, "a", n.Name())
}

func TestReleaseAndLookup(t *testing.T) {
	store := NewMemoryStore()
	bal := New(WithStore(store))
	require.NoError(t, bal.Add(newFakeNode("a", nil)))

	_, ok := bal.Lookup("g")
	assert.False(t, ok)

	_, err := bal.Resolve(context.Background(), "g")
	require.NoError(t, err)
	n, ok := bal.Lookup("g")
	require.True(t, ok)
	assert.Equal(t, "a", n.Name())

	bal.Release(context.Background(), "g")
	_, ok = bal.Lookup("g")
	assert.False(t, ok)
	_, ok, _ = store.Load(context.Background(), "g")
	assert.False(t, ok)
}
