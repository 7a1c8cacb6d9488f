package server

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// idAllocator hands out monotonically increasing, process-unique ids.
// Wraparound of the 64-bit space is treated as an unrecoverable invariant
// violation: it can only happen after more than 2^64 allocations, so a
// Fatal log (and process exit, via logrus's default hook) is the correct
// response rather than silently reusing an id.
type idAllocator struct {
	counter uint64
	log     *logrus.Entry
}

func newIDAllocator(log *logrus.Entry) *idAllocator {
	return &idAllocator{log: log}
}

func (a *idAllocator) next() uint64 {
	id := atomic.AddUint64(&a.counter, 1)
	if id == 0 {
		a.log.Fatal("id allocator overflowed 64-bit space")
	}
	return id
}
