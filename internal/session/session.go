// Package session implements the per-connection protocol loop: reading
// framed order submissions, admitting them into the order book, and
// writing back trade notifications as they arrive on the client's sink.
package session

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rishav/matching-engine/internal/orderbook"
	"github.com/rishav/matching-engine/internal/orders"
	"github.com/rishav/matching-engine/internal/registry"
	"github.com/rishav/matching-engine/internal/wire"
)

// Control frame type bytes for server-to-client reports.
const (
	controlInvalidOrders byte = 2
	controlError         byte = 4
)

// Handler drives one client connection end to end.
type Handler struct {
	Conn           net.Conn
	ClientID       uint64
	Sink           *registry.Sink
	Book           *orderbook.OrderBook
	OrderIndex     *registry.OrderToClient
	NextOrderID    func() uint64
	HeaderTimeout  time.Duration
	MaxMessageSize int
	Log            *logrus.Entry

	// OnAdmitted and OnRejected are optional metrics hooks; both may be nil.
	OnAdmitted func()
	OnRejected func(reason string)
}

// Run blocks until the read half ends: the connection is closed (by the
// peer or the server) or a fatal protocol error occurs. The reader and
// writer halves run concurrently so that an idle client still receives
// notifications promptly, and a quiet client still gets to submit orders
// without waiting on the writer. The writer goroutine is not awaited: it
// returns on its own once a write fails or the client's sink is closed.
func (h *Handler) Run() {
	go h.writeLoop()

	h.readLoop()
	h.Conn.Close() // any later write by writeLoop fails, ending it
}

func (h *Handler) readLoop() {
	headerBuf := make([]byte, wire.HeaderSize)
	for {
		if h.HeaderTimeout > 0 {
			_ = h.Conn.SetReadDeadline(time.Now().Add(h.HeaderTimeout))
		}

		if _, err := io.ReadFull(h.Conn, headerBuf); err != nil {
			if isTimeout(err) {
				h.Log.Debug("header read timeout, resuming")
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			h.Log.WithError(err).Warn("fatal read error")
			return
		}

		hdr, err := wire.DecodeHeader(headerBuf)
		tooLarge := errors.Is(err, wire.ErrMessageTooLarge)
		if tooLarge {
			hdr.MessageLen = binary.LittleEndian.Uint32(headerBuf[0:4])
		} else if err != nil {
			// A malformed header desyncs framing for the rest of the
			// stream: there is no way to know where the next header
			// starts, so the connection cannot be salvaged.
			h.Log.WithError(err).Warn("rejecting connection: bad header")
			h.writeControl(controlError, err.Error())
			return
		}
		if hdr.MessageLen < wire.HeaderSize {
			h.Log.Warn("rejecting connection: message_len shorter than header")
			h.writeControl(controlError, "message_len shorter than header")
			return
		}
		if tooLarge || (h.MaxMessageSize > 0 && int(hdr.MessageLen-wire.HeaderSize) > h.MaxMessageSize) {
			// Too large, not malformed: the framing is still intact, so the
			// client keeps its connection and just skips past this message.
			h.Log.WithField("len", hdr.MessageLen).Warn("message too large, discarding")
			if _, err := io.CopyN(io.Discard, h.Conn, int64(hdr.MessageLen)-wire.HeaderSize); err != nil {
				h.Log.WithError(err).Warn("fatal read error discarding oversized body")
				return
			}
			h.writeControl(controlError, "message exceeds maximum size")
			continue
		}

		bodyLen := int(hdr.MessageLen) - wire.HeaderSize
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(h.Conn, body); err != nil {
				h.Log.WithError(err).Warn("fatal read error reading body")
				return
			}
		}

		requests, rejected := wire.DecodeStream(body, hdr.OrderCount)
		h.admit(requests)
		if len(rejected) > 0 {
			if h.OnRejected != nil {
				for range rejected {
					h.OnRejected("decode")
				}
			}
			h.reportRejected(rejected)
		}
	}
}

func (h *Handler) admit(requests []wire.OrderRequest) {
	for _, req := range requests {
		id := h.NextOrderID()
		order := orders.New(id, toOrdersSide(req.Side), toOrdersKind(req.Kind), req.Price, req.Qty)
		h.OrderIndex.Put(id, h.ClientID)
		if err := h.Book.Submit(order); err != nil {
			// FillOrKill rejection: the order never rested or matched, so
			// the order-to-client mapping for it is of no further use.
			h.OrderIndex.Forget(id)
			if h.OnRejected != nil {
				h.OnRejected("fill_or_kill")
			}
			h.writeControl(controlError, "order "+strconv.FormatUint(id, 10)+" could not be fully matched")
			continue
		}
		if h.OnAdmitted != nil {
			h.OnAdmitted()
		}
	}
}

func (h *Handler) reportRejected(indices []uint32) {
	var sb []byte
	for i, idx := range indices {
		if i > 0 {
			sb = append(sb, ',')
		}
		sb = append(sb, []byte(strconv.FormatUint(uint64(idx), 10))...)
	}
	h.writeControl(controlInvalidOrders, string(sb))
}

func (h *Handler) writeControl(kind byte, msg string) {
	buf := append([]byte{kind}, []byte(msg)...)
	_, _ = h.Conn.Write(buf)
}

func (h *Handler) writeLoop() {
	for n := range h.Sink.Recv() {
		env := wire.EncodeNotification(wire.Notification{
			OrderID:      n.OrderID,
			CounterParty: counterPartyOrSentinel(n),
			Price:        n.Price,
			FilledQty:    n.FilledQty,
			FullyFilled:  n.FullyFilled,
		})

		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], wire.NotificationSize)

		if _, err := h.Conn.Write(lenPrefix[:]); err != nil {
			return
		}
		if _, err := h.Conn.Write(env[:]); err != nil {
			return
		}
	}
}

func counterPartyOrSentinel(n orders.Notification) uint64 {
	if !n.HasCounter {
		return wire.NoCounterParty
	}
	return n.CounterParty
}

func toOrdersSide(s wire.Side) orders.Side {
	if s == wire.Buy {
		return orders.SideBuy
	}
	return orders.SideSell
}

func toOrdersKind(k wire.Kind) orders.Kind {
	switch k {
	case wire.KindFillAndKill:
		return orders.FillAndKill
	case wire.KindFillOrKill:
		return orders.FillOrKill
	case wire.KindMarket:
		return orders.Market
	default:
		return orders.GoodTillCancel
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
