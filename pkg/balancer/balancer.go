// Package balancer assigns guild sessions to worker nodes. Each guild is
// bound to the least penalized available node on first use and stays there
// until it is released or its node is removed.
package balancer

import (
	"context"
	"sync"

	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/types"
)

// Node is what the balancer needs to know about a worker node.
type Node interface {
	Name() string
	// Available reports whether the node's control connection is open.
	Available() bool
	// Snapshot returns the latest health report, nil before the first one.
	Snapshot() *HealthSnapshot
}

// NodePenalty is one row of Penalties.
type NodePenalty struct {
	Name      string    `json:"name"`
	Available bool      `json:"available"`
	Penalties Penalties `json:"penalties"`
	Total     int       `json:"total"`
}

// Balancer is the node registry and the assignment table.
type Balancer struct {
	mu          sync.RWMutex
	nodes       []Node
	byName      map[string]Node
	assignments map[string]string // guild -> node name

	store  AssignmentStore
	logger common.Logger
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithStore mirrors assignments into s.
func WithStore(s AssignmentStore) Option {
	return func(b *Balancer) { b.store = s }
}

// WithLogger sets the logger.
func WithLogger(l common.Logger) Option {
	return func(b *Balancer) { b.logger = l }
}

// New creates an empty Balancer.
func New(opts ...Option) *Balancer {
	b := &Balancer{
		byName:      make(map[string]Node),
		assignments: make(map[string]string),
		logger:      common.DefaultLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("balancer")
	return b
}

// Add registers a node. Registration order breaks penalty ties.
func (b *Balancer) Add(node Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byName[node.Name()]; ok {
		return types.NewError(types.ErrCodeNodeExists, "node already registered").WithDetail("node", node.Name())
	}
	b.nodes = append(b.nodes, node)
	b.byName[node.Name()] = node
	return nil
}

// Remove unregisters a node and drops every assignment pointing at it.
func (b *Balancer) Remove(name string) (Node, bool) {
	b.mu.Lock()
	node, ok := b.byName[name]
	if !ok {
		b.mu.Unlock()
		return nil, false
	}
	delete(b.byName, name)
	for i, n := range b.nodes {
		if n.Name() == name {
			b.nodes = append(b.nodes[:i:i], b.nodes[i+1:]...)
			break
		}
	}
	var orphaned []string
	for guild, assigned := range b.assignments {
		if assigned == name {
			delete(b.assignments, guild)
			orphaned = append(orphaned, guild)
		}
	}
	b.mu.Unlock()

	for _, guild := range orphaned {
		b.forget(context.Background(), guild)
	}
	if len(orphaned) > 0 {
		b.logger.Infof("node %s removed, released %d assignments", name, len(orphaned))
	}
	return node, true
}

// Get returns a registered node by name.
func (b *Balancer) Get(name string) (Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.byName[name]
	return n, ok
}

// Nodes returns the registered nodes in registration order.
func (b *Balancer) Nodes() []Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Node, len(b.nodes))
	copy(out, b.nodes)
	return out
}

// Resolve returns the node bound to guildID, binding it to the least
// penalized available node first if needed. Concurrent first calls for the
// same guild all observe the same binding.
func (b *Balancer) Resolve(ctx context.Context, guildID string) (Node, error) {
	if n, ok := b.Lookup(guildID); ok {
		return n, nil
	}

	// Consulted without holding the lock; the result is revalidated below.
	var persisted string
	if b.store != nil {
		name, ok, err := b.store.Load(ctx, guildID)
		if err != nil {
			b.logger.Warnf("load assignment for %s: %v", guildID, err)
		} else if ok {
			persisted = name
		}
	}

	b.mu.Lock()
	if name, ok := b.assignments[guildID]; ok {
		n := b.byName[name]
		b.mu.Unlock()
		return n, nil
	}

	if n, ok := b.byName[persisted]; ok && n.Available() {
		b.assignments[guildID] = persisted
		b.mu.Unlock()
		b.logger.Debugf("guild %s restored to node %s", guildID, persisted)
		return n, nil
	}

	best := b.leastPenalized()
	if best == nil {
		b.mu.Unlock()
		return nil, types.ErrNoNodes
	}
	b.assignments[guildID] = best.Name()
	b.mu.Unlock()

	b.logger.Debugf("guild %s assigned to node %s", guildID, best.Name())
	if b.store != nil {
		if err := b.store.Save(ctx, guildID, best.Name()); err != nil {
			b.logger.Warnf("save assignment for %s: %v", guildID, err)
		}
	}
	return best, nil
}

// leastPenalized must be called with b.mu held.
func (b *Balancer) leastPenalized() Node {
	var (
		best      Node
		bestTotal int
	)
	for _, n := range b.nodes {
		if !n.Available() {
			continue
		}
		total := Score(n.Snapshot()).Total()
		if best == nil || total < bestTotal {
			best, bestTotal = n, total
		}
	}
	return best
}

// Lookup returns the node bound to guildID without creating a binding.
func (b *Balancer) Lookup(guildID string) (Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name, ok := b.assignments[guildID]
	if !ok {
		return nil, false
	}
	n, ok := b.byName[name]
	return n, ok
}

// Release drops the binding of guildID.
func (b *Balancer) Release(ctx context.Context, guildID string) {
	b.mu.Lock()
	delete(b.assignments, guildID)
	b.mu.Unlock()

	b.forget(ctx, guildID)
}

func (b *Balancer) forget(ctx context.Context, guildID string) {
	if b.store == nil {
		return
	}
	if err := b.store.Delete(ctx, guildID); err != nil {
		b.logger.Warnf("delete assignment for %s: %v", guildID, err)
	}
}

// Assignments returns a copy of the assignment table.
func (b *Balancer) Assignments() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.assignments))
	for k, v := range b.assignments {
		out[k] = v
	}
	return out
}

// Penalties scores every registered node in registration order.
func (b *Balancer) Penalties() []NodePenalty {
	nodes := b.Nodes()
	out := make([]NodePenalty, 0, len(nodes))
	for _, n := range nodes {
		p := Score(n.Snapshot())
		out = append(out, NodePenalty{
			Name:      n.Name(),
			Available: n.Available(),
			Penalties: p,
			Total:     p.Total(),
		})
	}
	return out
}
