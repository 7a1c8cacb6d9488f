package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishav/matching-engine/internal/orders"
)

func TestSinkEnqueueNonBlockingOnFull(t *testing.T) {
	s := newSink(2)
	assert.True(t, s.enqueue(orders.Notification{OrderID: 1}))
	assert.True(t, s.enqueue(orders.Notification{OrderID: 2}))
	assert.False(t, s.enqueue(orders.Notification{OrderID: 3}))

	first := <-s.Recv()
	assert.Equal(t, uint64(1), first.OrderID)
}

func TestRegisterUnregister(t *testing.T) {
	r := New()
	id1, sink1 := r.Register(4)
	id2, _ := r.Register(4)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, r.Count())

	r.Unregister(id1)
	assert.Equal(t, 1, r.Count())

	_, stillOpen := <-sink1.Recv()
	assert.False(t, stillOpen, "unregistering must close the sink")
}

func TestEnqueueUnknownClientReturnsFalse(t *testing.T) {
	r := New()
	assert.False(t, r.Enqueue(999, orders.Notification{}))
}

func TestEnqueueDeliversToRegisteredClient(t *testing.T) {
	r := New()
	id, sink := r.Register(4)
	require.True(t, r.Enqueue(id, orders.Notification{OrderID: 7}))

	n := <-sink.Recv()
	assert.Equal(t, uint64(7), n.OrderID)
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	r := New()
	_, s1 := r.Register(4)
	_, s2 := r.Register(4)

	r.Broadcast(orders.Notification{OrderID: 42})

	assert.Equal(t, uint64(42), (<-s1.Recv()).OrderID)
	assert.Equal(t, uint64(42), (<-s2.Recv()).OrderID)
}

func TestOrderToClientPutForgetClientFor(t *testing.T) {
	idx := NewOrderIndex()
	idx.Put(1, 100)

	client, ok := idx.ClientFor(1)
	require.True(t, ok)
	assert.Equal(t, uint64(100), client)

	idx.Forget(1)
	_, ok = idx.ClientFor(1)
	assert.False(t, ok)
}
