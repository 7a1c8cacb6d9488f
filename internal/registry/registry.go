// Package registry tracks connected clients and the mapping from resting
// order ids back to the client that owns them.
//
// ClientRegistry is guarded by a single reader-writer lock: it is written
// only on connect/disconnect and read on every notification delivery.
// OrderToClient is a higher-churn map (every admitted order inserts, every
// fill or cancel removes) so it is backed by sync.Map instead — no
// coarse lock is shared with the registry or the order book, keeping the
// two independent per the server's "at most one lock at a time" rule.
package registry

import (
	"sync"

	"github.com/rishav/matching-engine/internal/orders"
)

// Sink is a bounded, single-consumer queue of notifications for one client.
type Sink struct {
	ch chan orders.Notification
}

func newSink(capacity int) *Sink {
	return &Sink{ch: make(chan orders.Notification, capacity)}
}

// Recv exposes the channel for the session writer to range/select over.
func (s *Sink) Recv() <-chan orders.Notification {
	return s.ch
}

// enqueue attempts a non-blocking send, reporting whether it was delivered.
func (s *Sink) enqueue(n orders.Notification) bool {
	select {
	case s.ch <- n:
		return true
	default:
		return false
	}
}

func (s *Sink) close() {
	close(s.ch)
}

// ClientRegistry maps client ids to their notification sink.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[uint64]*Sink
	nextID  uint64
}

// New creates an empty registry.
func New() *ClientRegistry {
	return &ClientRegistry{clients: make(map[uint64]*Sink)}
}

// Register allocates a fresh client id with a sink of the given capacity.
func (r *ClientRegistry) Register(sinkCapacity int) (uint64, *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	sink := newSink(sinkCapacity)
	r.clients[id] = sink
	return id, sink
}

// Unregister removes and closes a client's sink.
func (r *ClientRegistry) Unregister(clientID uint64) {
	r.mu.Lock()
	sink, ok := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()
	if ok {
		sink.close()
	}
}

// Enqueue delivers a notification to clientID's sink if it is still
// registered, returning false on an unknown client or a full sink.
func (r *ClientRegistry) Enqueue(clientID uint64, n orders.Notification) bool {
	r.mu.RLock()
	sink, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return sink.enqueue(n)
}

// Count returns the number of currently registered clients, for metrics.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast enqueues n to every registered client, best-effort.
func (r *ClientRegistry) Broadcast(n orders.Notification) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sink := range r.clients {
		sink.enqueue(n)
	}
}

// OrderToClient maps resting order ids to the client that submitted them.
type OrderToClient struct {
	m sync.Map // uint64 -> uint64
}

// NewOrderIndex creates an empty OrderToClient index.
func NewOrderIndex() *OrderToClient {
	return &OrderToClient{}
}

// Put records that orderID belongs to clientID.
func (o *OrderToClient) Put(orderID, clientID uint64) {
	o.m.Store(orderID, clientID)
}

// ClientFor looks up the client owning orderID.
func (o *OrderToClient) ClientFor(orderID uint64) (uint64, bool) {
	v, ok := o.m.Load(orderID)
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}

// Forget removes orderID's association once it is fully filled or cancelled.
func (o *OrderToClient) Forget(orderID uint64) {
	o.m.Delete(orderID)
}
