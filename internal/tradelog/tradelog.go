// Package tradelog appends a human-readable record of every trade to a
// flat file. It carries the same discipline as a write-ahead event log —
// a buffered writer behind a single mutex, explicit flush and close — but
// narrowed to the one-line-per-trade sink the trading server needs; it is
// not a replay log and does not attempt crash recovery.
package tradelog

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rishav/matching-engine/internal/orders"
)

// Logger appends trades to a file, one line each:
//
//	Trade: <qty>@<price> between <buyer> and <seller>
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	log    *logrus.Entry
}

// Open creates or appends to the trade log at path.
func Open(path string, log *logrus.Entry) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open trade log")
	}
	return &Logger{
		file:   f,
		writer: bufio.NewWriter(f),
		log:    log.WithField("component", "tradelog"),
	}, nil
}

// Log appends one line for trade and flushes immediately. A write failure
// is reported but never escalated to a fatal error — losing a log line
// must never interrupt matching (see the dispatcher's use of this type).
func (l *Logger) Log(trade orders.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("Trade: %d@%d between %d and %d\n",
		trade.Quantity, trade.Price, trade.BuyerID, trade.SellerID)

	if _, err := l.writer.WriteString(line); err != nil {
		return errors.Wrap(err, "write trade line")
	}
	if err := l.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush trade log")
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return errors.Wrap(err, "flush trade log")
	}
	return l.file.Close()
}
