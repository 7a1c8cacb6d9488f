package session

import (
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishav/matching-engine/internal/orderbook"
	"github.com/rishav/matching-engine/internal/orders"
	"github.com/rishav/matching-engine/internal/registry"
	"github.com/rishav/matching-engine/internal/wire"
)

func newTestHandler(t *testing.T, conn net.Conn, book *orderbook.OrderBook, sink *registry.Sink, clientID uint64) *Handler {
	t.Helper()
	var counter uint64
	return &Handler{
		Conn:          conn,
		ClientID:      clientID,
		Sink:          sink,
		Book:          book,
		OrderIndex:    registry.NewOrderIndex(),
		NextOrderID:   func() uint64 { return atomic.AddUint64(&counter, 1) },
		HeaderTimeout: time.Second,
		Log:           logrus.NewEntry(logrus.New()),
	}
}

func buildSubmission(t *testing.T, records [][]byte, corruptIndex int) []byte {
	t.Helper()
	payload := make([]byte, 0, len(records)*wire.OrderRecordSize)
	for i, rec := range records {
		cp := append([]byte(nil), rec...)
		if i == corruptIndex {
			cp[10] ^= 0xFF // flip a CRC byte
		}
		payload = append(payload, cp...)
	}
	header := wire.EncodeHeader(uint32(len(records)), uint32(len(payload)))
	out := append([]byte{}, header[:]...)
	out = append(out, payload...)
	return out
}

func TestReadLoopRejectsOneBadRecordAdmitsTheRest(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	book := orderbook.New(10)
	reg := registry.New()
	clientID, sink := reg.Register(4)

	h := newTestHandler(t, serverConn, book, sink, clientID)
	go h.Run()

	rec0 := wire.EncodeOrder(wire.OrderRequest{Kind: wire.KindGoodTillCancel, Side: wire.Buy, Price: 90, Qty: 1})
	rec1 := wire.EncodeOrder(wire.OrderRequest{Kind: wire.KindGoodTillCancel, Side: wire.Buy, Price: 91, Qty: 1})
	rec2 := wire.EncodeOrder(wire.OrderRequest{Kind: wire.KindGoodTillCancel, Side: wire.Sell, Price: 110, Qty: 1})

	msg := buildSubmission(t, [][]byte{rec0[:], rec1[:], rec2[:]}, 1)
	_, err := clientConn.Write(msg)
	require.NoError(t, err)

	resp := make([]byte, 2)
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(clientConn, resp)
	require.NoError(t, err)

	assert.Equal(t, byte(controlInvalidOrders), resp[0])
	assert.Equal(t, "1", string(resp[1:]))

	require.Eventually(t, func() bool { return book.RestingOrders() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFillOrKillRejectionWritesErrorControlFrame(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	book := orderbook.New(10)
	reg := registry.New()
	clientID, sink := reg.Register(4)

	h := newTestHandler(t, serverConn, book, sink, clientID)
	go h.Run()

	rec := wire.EncodeOrder(wire.OrderRequest{Kind: wire.KindFillOrKill, Side: wire.Buy, Price: 100, Qty: 5})
	msg := buildSubmission(t, [][]byte{rec[:]}, -1)
	_, err := clientConn.Write(msg)
	require.NoError(t, err)

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind := make([]byte, 1)
	_, err = io.ReadFull(clientConn, kind)
	require.NoError(t, err)
	assert.Equal(t, byte(controlError), kind[0])

	assert.Equal(t, 0, book.RestingOrders())
}

func TestMessageTooLargeReportsErrorButContinuesConnection(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	book := orderbook.New(10)
	reg := registry.New()
	clientID, sink := reg.Register(4)

	h := newTestHandler(t, serverConn, book, sink, clientID)
	h.MaxMessageSize = wire.OrderRecordSize
	go h.Run()

	rec0 := wire.EncodeOrder(wire.OrderRequest{Kind: wire.KindGoodTillCancel, Side: wire.Buy, Price: 90, Qty: 1})
	rec1 := wire.EncodeOrder(wire.OrderRequest{Kind: wire.KindGoodTillCancel, Side: wire.Buy, Price: 91, Qty: 1})
	msg := buildSubmission(t, [][]byte{rec0[:], rec1[:]}, -1)

	_, err := clientConn.Write(msg)
	require.NoError(t, err)

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp := make([]byte, len("message exceeds maximum size")+1)
	_, err = io.ReadFull(clientConn, resp)
	require.NoError(t, err)
	assert.Equal(t, byte(controlError), resp[0])
	assert.Equal(t, "message exceeds maximum size", string(resp[1:]))

	rec := wire.EncodeOrder(wire.OrderRequest{Kind: wire.KindGoodTillCancel, Side: wire.Sell, Price: 100, Qty: 1})
	ok := buildSubmission(t, [][]byte{rec[:]}, -1)
	_, err = clientConn.Write(ok)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return book.RestingOrders() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriteLoopEncodesNotificationsFromSink(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	book := orderbook.New(10)
	reg := registry.New()
	clientID, sink := reg.Register(4)

	h := newTestHandler(t, serverConn, book, sink, clientID)
	go h.Run()

	reg.Enqueue(clientID, orders.Notification{
		OrderID: 7, CounterParty: 9, HasCounter: true, Price: 50, FilledQty: 3, FullyFilled: true,
	})

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var lenPrefix [4]byte
	_, err := io.ReadFull(clientConn, lenPrefix[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(wire.NotificationSize), binary.BigEndian.Uint32(lenPrefix[:]))

	body := make([]byte, wire.NotificationSize)
	_, err = io.ReadFull(clientConn, body)
	require.NoError(t, err)

	n, err := wire.DecodeNotification(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n.OrderID)
	assert.Equal(t, uint64(9), n.CounterParty)
	assert.True(t, n.FullyFilled)
}

func TestShutdownNotificationUsesSentinelCounterParty(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	book := orderbook.New(10)
	reg := registry.New()
	clientID, sink := reg.Register(4)

	h := newTestHandler(t, serverConn, book, sink, clientID)
	go h.Run()

	reg.Broadcast(orders.Notification{OrderID: 0, HasCounter: false})

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var lenPrefix [4]byte
	_, err := io.ReadFull(clientConn, lenPrefix[:])
	require.NoError(t, err)
	body := make([]byte, wire.NotificationSize)
	_, err = io.ReadFull(clientConn, body)
	require.NoError(t, err)

	n, err := wire.DecodeNotification(body)
	require.NoError(t, err)
	assert.Equal(t, wire.NoCounterParty, n.CounterParty)
}
