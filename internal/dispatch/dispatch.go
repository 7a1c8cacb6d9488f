// Package dispatch routes trades produced by the order book back to the
// clients that own the orders involved, and forwards every trade to a
// logging sink. It runs as a single long-lived goroutine per server,
// mirroring the book's own single-writer discipline: exactly one consumer
// drains the trade channel, so delivery order to any one client always
// matches emission order.
package dispatch

import (
	"github.com/sirupsen/logrus"

	"github.com/rishav/matching-engine/internal/orderbook"
	"github.com/rishav/matching-engine/internal/orders"
)

// ClientLookup maps order ids to the client that owns them and tracks
// per-client notification sinks. Implementations must be safe for
// concurrent use, since session goroutines register/unregister orders and
// clients while the dispatcher reads them.
type ClientLookup interface {
	// ClientFor returns the client id owning orderID, and whether it is known.
	ClientFor(orderID uint64) (clientID uint64, ok bool)
	// Forget removes the order->client association once it is fully filled.
	Forget(orderID uint64)
	// Enqueue best-effort delivers a notification to clientID's sink. A full
	// sink drops the notification rather than blocking the dispatcher.
	Enqueue(clientID uint64, n orders.Notification) (delivered bool)
}

// Logger persists a trade to durable storage (see internal/tradelog).
type Logger interface {
	Log(trade orders.Trade) error
}

// Dispatcher consumes Trades from an OrderBook and fans notifications out
// to the owning clients.
type Dispatcher struct {
	book    *orderbook.OrderBook
	clients ClientLookup
	logger  Logger
	log     *logrus.Entry
	done    chan struct{}
	stopped chan struct{}

	onDrop  func(clientID uint64) // test/metrics hook, may be nil
	onTrade func(orders.Trade)    // test/metrics hook, may be nil
}

// New creates a Dispatcher reading from book.Trades.
func New(book *orderbook.OrderBook, clients ClientLookup, logger Logger, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		book:    book,
		clients: clients,
		logger:  logger,
		log:     log.WithField("component", "dispatch"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// OnDrop installs a callback invoked whenever a notification is dropped
// because a client's sink is full. Intended for metrics wiring.
func (d *Dispatcher) OnDrop(fn func(clientID uint64)) {
	d.onDrop = fn
}

// OnTrade installs a callback invoked once per non-control trade handled.
// Intended for metrics wiring.
func (d *Dispatcher) OnTrade(fn func(orders.Trade)) {
	d.onTrade = fn
}

// Run drains the book's trade channel until Stop is called or the channel
// is closed. Intended to be launched in its own goroutine.
func (d *Dispatcher) Run() {
	defer close(d.stopped)
	for {
		select {
		case trade, ok := <-d.book.Trades:
			if !ok {
				return
			}
			d.handle(trade)
		case <-d.done:
			d.drain()
			return
		}
	}
}

// drain processes any trades already queued before returning, so a clean
// shutdown never silently loses a match that already happened.
func (d *Dispatcher) drain() {
	for {
		select {
		case trade, ok := <-d.book.Trades:
			if !ok {
				return
			}
			d.handle(trade)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(trade orders.Trade) {
	if trade.IsControl() {
		return
	}
	if d.onTrade != nil {
		d.onTrade(trade)
	}

	d.route(trade.BuyerID, trade.SellerID, trade.Price, trade.Quantity, trade.BuyerFilled)
	d.route(trade.SellerID, trade.BuyerID, trade.Price, trade.Quantity, trade.SellerFilled)

	if trade.BuyerFilled {
		d.book.Forget(trade.BuyerID)
		d.clients.Forget(trade.BuyerID)
	}
	if trade.SellerFilled {
		d.book.Forget(trade.SellerID)
		d.clients.Forget(trade.SellerID)
	}

	if err := d.logger.Log(trade); err != nil {
		d.log.WithError(err).Warn("failed to append trade to log")
	}
}

func (d *Dispatcher) route(orderID, counterParty uint64, price, qty uint32, fullyFilled bool) {
	clientID, ok := d.clients.ClientFor(orderID)
	if !ok {
		return
	}
	n := orders.Notification{
		OrderID:      orderID,
		CounterParty: counterParty,
		HasCounter:   true,
		Price:        price,
		FilledQty:    qty,
		FullyFilled:  fullyFilled,
	}
	if delivered := d.clients.Enqueue(clientID, n); !delivered {
		d.log.WithFields(logrus.Fields{"client_id": clientID, "order_id": orderID}).
			Warn("dropping notification, client sink full")
		if d.onDrop != nil {
			d.onDrop(clientID)
		}
	}
}

// Stop requests the dispatcher to drain pending trades and exit, then
// blocks until Run has returned.
func (d *Dispatcher) Stop() {
	close(d.done)
	<-d.stopped
}
