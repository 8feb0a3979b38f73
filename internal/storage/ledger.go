package storage

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

	"github.com/shopspring/decimal"
)

// ErrBadLedgerHeader is returned when the first ledger row is not the header
var ErrBadLedgerHeader = errors.New("ledger header row missing or malformed")

var ledgerHeader = []string{
	"id", "timestamp", "user_id", "username", "amount", "currency",
	"payment_id", "order_id", "status", "pay_address",
}

// LedgerFile is an append-only CSV log of confirmed payments
type LedgerFile struct {
	path string
	mu   sync.Mutex
}

// NewLedgerFile opens the ledger, writing the header row if the file is new
func NewLedgerFile(path string) (*LedgerFile, error) {
	l := &LedgerFile{path: path}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LedgerFile) init() error {
	info, err := os.Stat(l.path)
	switch {
	case err == nil && info.Size() > 0:
		return nil
	case err == nil:
		// left empty by an interrupted create
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		return writeRow(f, ledgerHeader)
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	return writeRow(f, ledgerHeader)
}

// Append writes one entry at the end of the ledger and syncs it to disk
func (l *LedgerFile) Append(e LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	return writeRow(f, []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339),
		e.UserID,
		e.Username,
		e.Amount.String(),
		e.Currency,
		e.PaymentID,
		e.OrderID,
		e.Status,
		e.PayAddress,
	})
}

// List returns every entry in append order
func (l *LedgerFile) List() ([]LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(ledgerHeader)

	var entries []LedgerEntry
	for line := 0; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		if line == 0 {
			if !slices.Equal(row, ledgerHeader) {
				return nil, ErrBadLedgerHeader
			}
			continue
		}

		e, err := parseLedgerRow(row)
		if err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", line+1, err)
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// HasPayment reports whether a payment id was already recorded
func (l *LedgerFile) HasPayment(paymentID string) (bool, error) {
	entries, err := l.List()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.PaymentID == paymentID {
			return true, nil
		}
	}
	return false, nil
}

func parseLedgerRow(row []string) (LedgerEntry, error) {
	ts, err := time.Parse(time.RFC3339, row[1])
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("parse timestamp: %w", err)
	}

	amount := decimal.Zero
	if row[4] != "" {
		amount, err = decimal.NewFromString(row[4])
		if err != nil {
			return LedgerEntry{}, fmt.Errorf("parse amount: %w", err)
		}
	}

	return LedgerEntry{
		ID:         row[0],
		Timestamp:  ts,
		UserID:     row[2],
		Username:   row[3],
		Amount:     amount,
		Currency:   row[5],
		PaymentID:  row[6],
		OrderID:    row[7],
		Status:     row[8],
		PayAddress: row[9],
	}, nil
}

func writeRow(f *os.File, row []string) error {
	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return f.Close()
}
