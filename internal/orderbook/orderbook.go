// Package orderbook implements the limit order book: two price-ordered
// ladders, a flat order index for O(1) cancellation, and the matching
// algorithm that applies price-time priority across them.
package orderbook

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/rishav/matching-engine/internal/orders"
)

// ErrOrderNotFound is returned by Cancel when the id is unknown.
var ErrOrderNotFound = errors.New("orderbook: order not found")

// ErrAlreadyInvalid is returned by Cancel when the order is already filled or cancelled.
var ErrAlreadyInvalid = errors.New("orderbook: order already invalid")

// ErrCannotFillFully is returned when a FillOrKill order cannot be admitted.
var ErrCannotFillFully = errors.New("orderbook: fill-or-kill order cannot be fully matched")

// OrderBook maintains the buy and sell sides of a single market.
//
// All matching happens under mu's write lock: the price-time walk, the
// resulting Fill() calls, and any resting/removal are one atomic step from
// the perspective of any other goroutine. Trades produced during a walk are
// sent to Trades once the mutation that produced them is already applied,
// so a slow dispatcher reader can never see a half-applied match.
type OrderBook struct {
	mu     sync.RWMutex
	bids   *RBTree // descending: highest price first
	asks   *RBTree // ascending: lowest price first
	index  map[uint64]*orderNode

	// Trades carries every non-control trade produced by Submit. Buffered
	// (capacity >= 100 per the concurrency contract) and drained by a
	// single dispatcher goroutine.
	Trades chan orders.Trade
}

// New creates an empty order book whose trade channel has the given capacity.
func New(tradeChanCapacity int) *OrderBook {
	if tradeChanCapacity < 1 {
		tradeChanCapacity = 100
	}
	return &OrderBook{
		bids:   NewRBTree(true),
		asks:   NewRBTree(false),
		index:  make(map[uint64]*orderNode),
		Trades: make(chan orders.Trade, tradeChanCapacity),
	}
}

func (b *OrderBook) treeFor(side orders.Side) *RBTree {
	if side == orders.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *OrderBook) oppositeTreeFor(side orders.Side) *RBTree {
	return b.treeFor(side.Opposite())
}

// Submit admits a new order into the book, matching it against the
// opposite side per price-time priority and applying the policy of its
// Kind to any residual quantity. Trades produced are pushed to Trades.
//
// FillOrKill orders that cannot be fully matched are rejected with
// ErrCannotFillFully and leave the book untouched.
func (b *OrderBook) Submit(o *orders.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Kind == orders.FillOrKill && !b.canFillFullyLocked(o) {
		return ErrCannotFillFully
	}

	b.matchLocked(o)

	if o.RemainingQty > 0 && o.Kind == orders.GoodTillCancel {
		b.restLocked(o)
	}
	// Market and FillAndKill residuals are simply discarded: the order is
	// never added to index or to any price level.
	return nil
}

// matchLocked walks the opposite side in price-time priority, filling o as
// far as price and quantity allow. Must be called with mu held.
func (b *OrderBook) matchLocked(o *orders.Order) {
	oppTree := b.oppositeTreeFor(o.Side)

	crossable := func(levelPrice int64) bool {
		if o.Kind == orders.Market {
			return true
		}
		if o.Side == orders.SideBuy {
			return int64(o.Price) >= levelPrice
		}
		return int64(o.Price) <= levelPrice
	}

	for o.RemainingQty > 0 {
		level := oppTree.Min()
		if level == nil || !crossable(level.Price) {
			return
		}

		node := level.Head()
		for node != nil && o.RemainingQty > 0 {
			resting := node.order
			next := node.next

			if !resting.Valid {
				level.Remove(node) // pop a tombstone we walked into
				node = next
				continue
			}

			qty := min32(o.RemainingQty, resting.RemainingQty)
			price := uint32(level.Price)

			var trade orders.Trade
			if o.Side == orders.SideBuy {
				trade = orders.Trade{BuyerID: o.ID, SellerID: resting.ID, Price: price, Quantity: qty}
			} else {
				trade = orders.Trade{BuyerID: resting.ID, SellerID: o.ID, Price: price, Quantity: qty}
			}

			resting.Fill(qty)
			o.Fill(qty)

			if o.Side == orders.SideBuy {
				trade.BuyerFilled = o.IsFilled()
				trade.SellerFilled = resting.IsFilled()
			} else {
				trade.BuyerFilled = resting.IsFilled()
				trade.SellerFilled = o.IsFilled()
			}

			if resting.IsFilled() {
				// Tombstone only: the node stays physically in the FIFO
				// until a future walk pops it from the head or a sweep
				// compacts it. The flat index entry survives until the
				// dispatcher calls Forget once it has routed this trade,
				// so a Cancel racing the dispatcher sees ErrAlreadyInvalid
				// instead of ErrOrderNotFound.
				level.Invalidate()
			}

			b.Trades <- trade

			node = next
		}

		if level.IsEmpty() {
			oppTree.Delete(level.Price)
		}
	}
}

// Forget removes a fully-filled order from the flat index. Called by the
// dispatcher once it has routed every notification for that order, so a
// concurrent Cancel still observes the order (as already-invalid) until
// the dispatcher is done with it.
func (b *OrderBook) Forget(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.index, id)
}

// canFillFullyLocked walks the crossable opposite levels summing valid
// remaining quantity, stopping as soon as it can prove feasibility. It
// must observe the same book state matchLocked will use, hence both run
// under mu's write lock within the same Submit call.
func (b *OrderBook) canFillFullyLocked(o *orders.Order) bool {
	oppTree := b.oppositeTreeFor(o.Side)
	need := o.RemainingQty

	crossable := func(levelPrice int64) bool {
		if o.Side == orders.SideBuy {
			return int64(o.Price) >= levelPrice
		}
		return int64(o.Price) <= levelPrice
	}

	ok := false
	oppTree.ForEach(func(level *PriceLevel) bool {
		if !crossable(level.Price) {
			return false
		}
		var levelQty uint32
		for node := level.Head(); node != nil; node = node.next {
			if node.order.Valid {
				levelQty += node.order.RemainingQty
			}
		}
		if levelQty >= need {
			need = 0
			ok = true
			return false
		}
		need -= levelQty
		return true
	})
	return ok
}

// restLocked adds a residual order to its side's price level, creating the
// level if necessary.
func (b *OrderBook) restLocked(o *orders.Order) {
	tree := b.treeFor(o.Side)
	level := tree.Get(int64(o.Price))
	if level == nil {
		level = NewPriceLevel(int64(o.Price))
		tree.Insert(level)
	}
	node := level.Append(o)
	b.index[o.ID] = node
}

// Cancel invalidates a resting order and removes it from the book.
func (b *OrderBook) Cancel(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	node, ok := b.index[id]
	if !ok {
		return ErrOrderNotFound
	}
	order := node.order
	if !order.Valid {
		return ErrAlreadyInvalid
	}

	level := node.level
	order.Valid = false
	level.Invalidate()
	level.Remove(node)
	delete(b.index, id)

	if level.IsEmpty() {
		b.treeFor(order.Side).Delete(level.Price)
	}
	return nil
}

// Get retrieves a resting order by id, or nil if absent.
func (b *OrderBook) Get(id uint64) *orders.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	node, ok := b.index[id]
	if !ok {
		return nil
	}
	return node.order
}

// BestBid returns the highest resting bid price level, or nil.
func (b *OrderBook) BestBid() *PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Min()
}

// BestAsk returns the lowest resting ask price level, or nil.
func (b *OrderBook) BestAsk() *PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Min()
}

// RestingOrders returns the number of still-valid indexed orders across
// both sides. Filled orders awaiting Forget are not counted.
func (b *OrderBook) RestingOrders() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, node := range b.index {
		if node.order.Valid {
			n++
		}
	}
	return n
}

// RestingOrdersBySide returns the count of still-valid indexed orders on
// the bid and ask sides respectively, for per-side metrics.
func (b *OrderBook) RestingOrdersBySide() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, node := range b.index {
		if !node.order.Valid {
			continue
		}
		if node.order.Side == orders.SideBuy {
			bids++
		} else {
			asks++
		}
	}
	return
}

// BidLevels returns the number of distinct bid price levels, for metrics.
func (b *OrderBook) BidLevels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Size()
}

// AskLevels returns the number of distinct ask price levels, for metrics.
func (b *OrderBook) AskLevels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Size()
}

// CompactTombstones sweeps every level on both sides, physically removing
// already-invalidated entries left behind by partial matches. Intended to
// be run periodically off the hot path (see internal/server).
func (b *OrderBook) CompactTombstones() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	sweep := func(tree *RBTree) {
		var emptied []int64
		tree.ForEach(func(level *PriceLevel) bool {
			removed += level.CompactTombstones()
			if level.IsEmpty() {
				emptied = append(emptied, level.Price)
			}
			return true
		})
		for _, p := range emptied {
			tree.Delete(p)
		}
	}
	sweep(b.bids)
	sweep(b.asks)
	return removed
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
