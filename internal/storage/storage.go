package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/suspectuso/vip-gateway/internal/clock"
)

var (
	ErrNotFound = errors.New("not found")
)

// File names inside the data directory
const (
	PendingFileName    = "pending_payments.json"
	MembershipFileName = "vip_members.json"
	LedgerFileName     = "payments_ledger.csv"
)

// Files groups the file backed stores of one data directory
type Files struct {
	Pending *PendingFile
	Members *MembershipFile
	Ledger  *LedgerFile
}

// OpenFiles creates the data directory if needed and opens all file stores in it
func OpenFiles(dir string, clk clock.Clock) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	ledger, err := NewLedgerFile(filepath.Join(dir, LedgerFileName))
	if err != nil {
		return nil, err
	}

	return &Files{
		Pending: NewPendingFile(filepath.Join(dir, PendingFileName)),
		Members: NewMembershipFile(filepath.Join(dir, MembershipFileName), clk),
		Ledger:  ledger,
	}, nil
}
