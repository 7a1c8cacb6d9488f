// Package orders defines the core order and trade value types for the
// matching engine.
//
// Key Design Decisions:
//
// 1. Integer prices and quantities: both are plain uint32, matching the
//    wire format exactly. There is no fixed-point cents conversion because
//    the protocol never carries a currency — callers assign meaning to the
//    price unit.
//
// 2. Tombstones, not eager removal: a filled order is marked Valid=false
//    and left in its price level's queue until the matching walk or a
//    cleanup pass physically removes it. A cancelled order is marked
//    Valid=false and unlinked from its queue at once. See Order.Valid.
package orders

import "fmt"

// Side represents the side of an order (buy or sell).
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Kind represents an order's execution policy.
type Kind uint8

const (
	// GoodTillCancel rests on the book until fully filled or cancelled.
	GoodTillCancel Kind = iota
	// FillAndKill (IOC) matches what it can; any residual is discarded.
	FillAndKill
	// FillOrKill must be fully fillable at admission or it is rejected outright.
	FillOrKill
	// Market crosses the book regardless of price and never rests.
	Market
)

func (k Kind) String() string {
	switch k {
	case GoodTillCancel:
		return "GTC"
	case FillAndKill:
		return "FAK"
	case FillOrKill:
		return "FOK"
	case Market:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// Order is a single order, resting or not, tracked by the book.
//
// Invariants: 0 <= RemainingQty <= InitialQty; once RemainingQty reaches 0,
// Valid is false; Valid never flips back to true.
type Order struct {
	ID           uint64
	Side         Side
	Kind         Kind
	Price        uint32 // 0 for Market orders
	InitialQty   uint32
	RemainingQty uint32
	Valid        bool
}

// New constructs a resting-eligible order with RemainingQty == InitialQty.
func New(id uint64, side Side, kind Kind, price, qty uint32) *Order {
	return &Order{
		ID:           id,
		Side:         side,
		Kind:         kind,
		Price:        price,
		InitialQty:   qty,
		RemainingQty: qty,
		Valid:        true,
	}
}

// IsFilled reports whether the order has no remaining quantity.
func (o *Order) IsFilled() bool {
	return o.RemainingQty == 0
}

// Fill reduces RemainingQty by qty and invalidates the order once exhausted.
// qty must not exceed RemainingQty.
func (o *Order) Fill(qty uint32) {
	o.RemainingQty -= qty
	if o.RemainingQty == 0 {
		o.Valid = false
	}
}

func (o *Order) String() string {
	return fmt.Sprintf("Order{ID:%d, %s %s %d/%d@%d, valid:%t}",
		o.ID, o.Kind, o.Side, o.RemainingQty, o.InitialQty, o.Price, o.Valid)
}

// Trade is emitted whenever two orders cross.
type Trade struct {
	BuyerID      uint64
	SellerID     uint64
	Price        uint32
	Quantity     uint32
	BuyerFilled  bool
	SellerFilled bool
}

func (t Trade) String() string {
	return fmt.Sprintf("Trade{%d@%d buyer=%d(filled:%t) seller=%d(filled:%t)}",
		t.Quantity, t.Price, t.BuyerID, t.BuyerFilled, t.SellerID, t.SellerFilled)
}

// IsControl reports whether this is a synthetic zero-quantity trade used
// only to signal control conditions (never logged, never notified).
func (t Trade) IsControl() bool {
	return t.Price == 0 && t.Quantity == 0
}

// Notification is the per-client view of a Trade: which of the order's
// sides it describes, and whether that order is now fully filled.
type Notification struct {
	OrderID      uint64
	CounterParty uint64 // sentinel caller-defined "none" value when absent
	HasCounter   bool
	Price        uint32
	FilledQty    uint32
	FullyFilled  bool
}
