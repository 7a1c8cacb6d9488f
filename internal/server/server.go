// Package server wires together the order book, trade dispatcher, client
// registry, and per-connection sessions into a runnable trading server,
// plus the admin HTTP surface used for health checks and metrics.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/rishav/matching-engine/internal/dispatch"
	"github.com/rishav/matching-engine/internal/orderbook"
	"github.com/rishav/matching-engine/internal/orders"
	"github.com/rishav/matching-engine/internal/registry"
	"github.com/rishav/matching-engine/internal/session"
	"github.com/rishav/matching-engine/internal/tradelog"
)

// Server owns every long-lived component of the trading engine.
type Server struct {
	cfg Config
	log *logrus.Entry

	book       *orderbook.OrderBook
	clients    *registry.ClientRegistry
	orderIndex *registry.OrderToClient
	ids        *idAllocator
	tradeLog   *tradelog.Logger
	dispatcher *dispatch.Dispatcher
	admin      *adminServer
	metrics    *metrics
	promReg    *prometheus.Registry

	listener net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg        sync.WaitGroup
	sweepDone chan struct{}
}

// New constructs a Server from cfg. It opens the trade log file but does
// not yet bind any listener; call Start for that.
func New(cfg Config, log *logrus.Entry) (*Server, error) {
	tl, err := tradelog.Open(cfg.TradeLogPath, log)
	if err != nil {
		return nil, err
	}

	book := orderbook.New(cfg.TradeChannelCapacity)
	clients := registry.New()
	orderIndex := registry.NewOrderIndex()

	promReg := prometheus.NewRegistry()
	m := newMetrics(promReg)

	lookup := &clientLookup{clients: clients, orderIndex: orderIndex, metrics: m}
	dispatcher := dispatch.New(book, lookup, tl, log)
	dispatcher.OnDrop(func(uint64) { m.notificationsDropped.Inc() })
	dispatcher.OnTrade(func(orders.Trade) { m.tradesTotal.Inc() })

	s := &Server{
		cfg:        cfg,
		log:        log.WithField("component", "server"),
		book:       book,
		clients:    clients,
		orderIndex: orderIndex,
		ids:        newIDAllocator(log.WithField("component", "idalloc")),
		tradeLog:   tl,
		dispatcher: dispatcher,
		admin:      newAdminServer(cfg.AdminAddr, promReg, log),
		metrics:    m,
		promReg:    promReg,
		conns:      make(map[net.Conn]struct{}),
		sweepDone:  make(chan struct{}),
	}
	return s, nil
}

// clientLookup adapts the registry package to dispatch.ClientLookup.
type clientLookup struct {
	clients    *registry.ClientRegistry
	orderIndex *registry.OrderToClient
	metrics    *metrics
}

func (c *clientLookup) ClientFor(orderID uint64) (uint64, bool) {
	return c.orderIndex.ClientFor(orderID)
}

func (c *clientLookup) Forget(orderID uint64) {
	c.orderIndex.Forget(orderID)
}

func (c *clientLookup) Enqueue(clientID uint64, n orders.Notification) bool {
	return c.clients.Enqueue(clientID, n)
}

// Start binds the matching TCP listener and the admin HTTP listener, then
// begins accepting connections. It blocks until the listener closes.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.log.WithField("addr", s.cfg.BindAddr).Info("trading server listening")

	s.admin.start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run()
	}()

	s.wg.Add(1)
	go s.sweepLoop()

	return s.acceptLoop()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) registerConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) unregisterConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// closeAllConns forces every open client connection closed so that session
// goroutines blocked on a read return and handleConn can exit, letting
// Shutdown's WaitGroup drain.
func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	s.registerConn(conn)
	defer s.unregisterConn(conn)

	connID := uuid.NewString()
	clientID, sink := s.clients.Register(s.cfg.NotificationSinkCapacity)
	s.metrics.activeSessions.Inc()
	defer s.metrics.activeSessions.Dec()
	defer s.clients.Unregister(clientID)

	log := s.log.WithFields(logrus.Fields{"conn_id": connID, "client_id": clientID})
	log.Info("client connected")

	h := &session.Handler{
		Conn:          conn,
		ClientID:      clientID,
		Sink:          sink,
		Book:          s.book,
		OrderIndex:    s.orderIndex,
		NextOrderID:    s.ids.next,
		HeaderTimeout:  s.cfg.HeaderTimeout,
		MaxMessageSize: s.cfg.MaxMessageSize,
		Log:            log,
		OnAdmitted:    s.metrics.ordersAdmitted.Inc,
		OnRejected:    func(reason string) { s.metrics.ordersRejected.WithLabelValues(reason).Inc() },
	}
	h.Run()

	log.Info("client disconnected")
}

// sweepLoop periodically compacts tombstoned orders left behind by partial
// matches, off the hot path of any single Submit call.
func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := s.book.CompactTombstones()
			if removed > 0 {
				s.log.WithField("removed", humanize.Comma(int64(removed))).Debug("compacted tombstones")
			}
			bids, asks := s.book.RestingOrdersBySide()
			s.metrics.restingOrders.WithLabelValues("bid").Set(float64(bids))
			s.metrics.restingOrders.WithLabelValues("ask").Set(float64(asks))
		case <-s.sweepDone:
			return
		}
	}
}

// Shutdown stops accepting connections, notifies every client, and drains
// the dispatcher before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down trading server")

	if s.listener != nil {
		_ = s.listener.Close()
	}
	close(s.sweepDone)

	s.clients.Broadcast(orders.Notification{OrderID: 0, HasCounter: false})

	if err := s.admin.shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("admin http shutdown error")
	}

	// Give connected clients a moment to drain the shutdown notice before
	// the sockets are pulled out from under the writer goroutines.
	select {
	case <-ctx.Done():
	case <-time.After(250 * time.Millisecond):
	}
	s.closeAllConns()

	s.dispatcher.Stop()
	s.wg.Wait()

	return s.tradeLog.Close()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
