package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Network is an in-process network of Memory transports. Links can be
// partitioned, delayed or blocked to exercise failure paths.
type Network struct {
	mu         sync.RWMutex
	nodes      map[string]*Memory
	partitions map[[2]string]bool
	delays     map[string]time.Duration
	blocked    map[string]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes:      make(map[string]*Memory),
		partitions: make(map[[2]string]bool),
		delays:     make(map[string]time.Duration),
		blocked:    make(map[string]bool),
	}
}

// Join adds a node and returns its transport. Joining twice returns the
// same transport.
func (n *Network) Join(id string) *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()

	if m, ok := n.nodes[id]; ok {
		return m
	}
	m := &Memory{id: id, net: n}
	n.nodes[id] = m
	return m
}

// Leave removes a node. Sends to it fail with ErrUnreachable.
func (n *Network) Leave(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

func link(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Partition cuts the link between a and b in both directions.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[link(a, b)] = true
}

// Heal restores the link between a and b.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitions, link(a, b))
}

// HealAll restores every link and clears delays and blocks.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.partitions)
	clear(n.delays)
	clear(n.blocked)
}

// SetDelay delays every delivery to peer by d.
func (n *Network) SetDelay(peer string, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d <= 0 {
		delete(n.delays, peer)
		return
	}
	n.delays[peer] = d
}

// Block makes deliveries to peer hang until the sender gives up.
func (n *Network) Block(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[peer] = true
}

// Unblock reverses Block.
func (n *Network) Unblock(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, peer)
}

// Nodes returns the ids of every joined node, sorted.
func (n *Network) Nodes() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

type route struct {
	target  *Memory
	delay   time.Duration
	blocked bool
}

func (n *Network) route(from, to string) (route, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	target, ok := n.nodes[to]
	if !ok {
		return route{}, fmt.Errorf("%s: %w", to, ErrUnreachable)
	}
	if n.partitions[link(from, to)] {
		return route{}, fmt.Errorf("%s partitioned from %s: %w", to, from, ErrUnreachable)
	}
	return route{target: target, delay: n.delays[to], blocked: n.blocked[to]}, nil
}

// Memory is one node's transport on a Network.
type Memory struct {
	id  string
	net *Network

	mu      sync.RWMutex
	handler Handler
}

// ID returns the node id.
func (m *Memory) ID() string {
	return m.id
}

// Listen installs the inbound handler.
func (m *Memory) Listen(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Send delivers payload to peer's handler. Payloads are copied in both
// directions so neither side can alias the other's buffers.
func (m *Memory) Send(ctx context.Context, peer string, payload []byte) ([]byte, error) {
	r, err := m.net.route(m.id, peer)
	if err != nil {
		return nil, err
	}

	if r.blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.target.mu.RLock()
	h := r.target.handler
	r.target.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%s: %w", peer, ErrNoHandler)
	}

	reply, err := h(ctx, m.id, slices.Clone(payload))
	if err != nil {
		return nil, &RemoteError{Peer: peer, Message: err.Error()}
	}
	return slices.Clone(reply), nil
}
