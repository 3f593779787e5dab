// Package audit appends terminal order transitions and discarded broker events
// to a CSV journal.
package audit

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"algotrader/internal/core"
)

// Header is the journal schema
var Header = []string{
	"timestamp", "record", "client_order_id", "broker_order_id", "instrument",
	"direction", "status", "requested_qty", "filled_qty", "price", "strategy", "event", "reason",
}

// ErrSchemaMismatch means an existing journal was written with another header
var ErrSchemaMismatch = errors.New("audit journal header mismatch")

// Journal implements core.IJournal over a CSV file
type Journal struct {
	mu  sync.Mutex
	f   *os.File
	w   *csv.Writer
	now func() time.Time
}

// Open creates the file and its directories or appends to an existing journal
// after checking its header
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	existing, err := csv.NewReader(f).Read()
	switch {
	case errors.Is(err, io.EOF):
		existing = nil
	case err != nil:
		f.Close()
		return nil, fmt.Errorf("read journal header: %w", err)
	case !slices.Equal(existing, Header):
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrSchemaMismatch)
	}

	j := &Journal{f: f, w: csv.NewWriter(f), now: time.Now}
	if existing == nil {
		if err := j.write(Header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return j, nil
}

func (j *Journal) write(row []string) error {
	if err := j.w.Write(row); err != nil {
		return err
	}
	j.w.Flush()
	return j.w.Error()
}

// RecordOrder appends a terminal or parked order
func (j *Journal) RecordOrder(order core.Order, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.write([]string{
		j.now().UTC().Format(time.RFC3339Nano),
		"order",
		order.ClientOrderID,
		order.BrokerOrderID,
		order.Instrument,
		string(order.Direction),
		string(order.Status),
		order.RequestedQty.String(),
		order.FilledQty.String(),
		order.Price.String(),
		order.StrategyTag,
		"",
		reason,
	})
}

// RecordDiscard appends a broker event that was dropped as late or unknown
func (j *Journal) RecordDiscard(clientOrderID string, event core.BrokerEventKind, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.write([]string{
		j.now().UTC().Format(time.RFC3339Nano),
		"discard",
		clientOrderID,
		"", "", "", "", "", "", "", "",
		string(event),
		reason,
	})
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Flush()
	return errors.Join(j.w.Error(), j.f.Close())
}
