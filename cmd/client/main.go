// Command client is a small manual-testing tool that speaks the trading
// server's binary wire protocol directly: it submits one batch of order
// records, then prints the trade notifications that arrive for a short
// window before disconnecting. Control frames (which carry no length
// prefix) are not recognised and are read as if they were notifications.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rishav/matching-engine/internal/wire"
)

var (
	serverAddr string
	listenFor  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "client",
		Short: "Manual testing client for the order matching engine wire protocol",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:8080", "trading server address")
	root.PersistentFlags().DurationVar(&listenFor, "listen", 2*time.Second, "how long to wait for notifications after submitting")

	root.AddCommand(newSubmitCmd(), newDemoCmd(), newLoadCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("client exited with error")
	}
}

func newSubmitCmd() *cobra.Command {
	var side, kind string
	var price, qty uint32

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a single order and print resulting notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseRequest(side, kind, price, qty)
			if err != nil {
				return err
			}
			return submitAndListen(serverAddr, []wire.OrderRequest{req}, listenFor)
		},
	}
	cmd.Flags().StringVar(&side, "side", "buy", "buy or sell")
	cmd.Flags().StringVar(&kind, "kind", "gtc", "gtc, fak, fok, or market")
	cmd.Flags().Uint32Var(&price, "price", 0, "limit price (ignored for market orders)")
	cmd.Flags().Uint32Var(&qty, "qty", 1, "order quantity")
	return cmd
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted sequence demonstrating a simple cross",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch := []wire.OrderRequest{
				{Kind: wire.KindGoodTillCancel, Side: wire.Buy, Price: 100, Qty: 10},
				{Kind: wire.KindGoodTillCancel, Side: wire.Sell, Price: 100, Qty: 4},
				{Kind: wire.KindFillAndKill, Side: wire.Sell, Price: 99, Qty: 20},
			}
			return submitAndListen(serverAddr, batch, listenFor)
		},
	}
}

func newLoadCmd() *cobra.Command {
	var count int
	var seed int64

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Submit a batch of randomly generated orders in one frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch := randomBatch(count, seed)
			return submitAndListen(serverAddr, batch, listenFor)
		},
	}
	cmd.Flags().IntVar(&count, "count", 100, "number of orders to generate")
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed, for reproducible batches")
	return cmd
}

// randomBatch generates a mix of order kinds and sides with prices clustered
// around a fixed midpoint, the same shape used to stress-test the book by
// hand: kind and side are each drawn uniformly, so about a quarter of the
// orders are resting GTC limit orders.
func randomBatch(count int, seed int64) []wire.OrderRequest {
	kinds := []wire.Kind{wire.KindGoodTillCancel, wire.KindFillAndKill, wire.KindFillOrKill, wire.KindMarket}
	r := rand.New(rand.NewSource(seed))

	batch := make([]wire.OrderRequest, count)
	for i := range batch {
		kind := kinds[r.Intn(len(kinds))]
		side := wire.Sell
		if r.Intn(2) == 1 {
			side = wire.Buy
		}
		qty := uint32(r.Intn(18) + 2)
		if kind == wire.KindMarket {
			batch[i] = wire.OrderRequest{Kind: kind, Side: side, Qty: qty}
			continue
		}
		price := uint32(r.Intn(10) + 95)
		batch[i] = wire.OrderRequest{Kind: kind, Side: side, Price: price, Qty: qty}
	}
	return batch
}

func parseRequest(side, kind string, price, qty uint32) (wire.OrderRequest, error) {
	var s wire.Side
	switch side {
	case "buy", "BUY":
		s = wire.Buy
	case "sell", "SELL":
		s = wire.Sell
	default:
		return wire.OrderRequest{}, fmt.Errorf("invalid side %q", side)
	}

	var k wire.Kind
	switch kind {
	case "gtc", "GTC":
		k = wire.KindGoodTillCancel
	case "fak", "FAK", "ioc", "IOC":
		k = wire.KindFillAndKill
	case "fok", "FOK":
		k = wire.KindFillOrKill
	case "market", "MARKET":
		k = wire.KindMarket
		price = 0
	default:
		return wire.OrderRequest{}, fmt.Errorf("invalid kind %q", kind)
	}

	return wire.OrderRequest{Kind: k, Side: s, Price: price, Qty: qty}, nil
}

func submitAndListen(addr string, batch []wire.OrderRequest, window time.Duration) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := make([]byte, 0, len(batch)*wire.OrderRecordSize)
	for _, req := range batch {
		rec := wire.EncodeOrder(req)
		payload = append(payload, rec[:]...)
	}
	header := wire.EncodeHeader(uint32(len(batch)), uint32(len(payload)))

	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return err
	}
	fmt.Printf("submitted %d order(s)\n", len(batch))

	_ = conn.SetReadDeadline(time.Now().Add(window))
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
			return nil // timeout or peer closed: done listening
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return nil
		}
		notif, err := wire.DecodeNotification(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad notification frame: %v\n", err)
			continue
		}
		printNotification(notif)
	}
}

func printNotification(n wire.Notification) {
	if n.CounterParty == wire.NoCounterParty {
		fmt.Printf("order %d: shutdown notice\n", n.OrderID)
		return
	}
	fmt.Printf("order %d: %d@%d vs %d, fully_filled=%t\n",
		n.OrderID, n.FilledQty, n.Price, n.CounterParty, n.FullyFilled)
}
