package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/vip-gateway/internal/clock"
)

// SQLite holds the same three key spaces as the file backend in one database
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

// OpenSQLite opens (and migrates) the sqlite database at dbPath
func OpenSQLite(dbPath string, clk clock.Clock) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// one writer at a time, matching the file backend's per-document lock
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, clock: clk}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pending_payments (
			payment_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL,
			membership_type TEXT NOT NULL,
			order_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			response TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS payments_ledger (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			payment_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			pay_address TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_payment_id ON payments_ledger(payment_id)`,

		`CREATE TABLE IF NOT EXISTS vip_members (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			membership_type TEXT NOT NULL,
			activated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			active INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

// Pending returns the pending payment store backed by this database
func (s *SQLite) Pending() *SQLitePending { return &SQLitePending{db: s.db} }

// Ledger returns the payment ledger backed by this database
func (s *SQLite) Ledger() *SQLiteLedger { return &SQLiteLedger{db: s.db} }

// Members returns the membership store backed by this database
func (s *SQLite) Members() *SQLiteMembers { return &SQLiteMembers{db: s.db, clock: s.clock} }

// --- Pending payments ---

// SQLitePending stores in-flight payments in the pending_payments table
type SQLitePending struct {
	db *sql.DB
}

// Put stores a pending payment, replacing any record with the same id
func (p *SQLitePending) Put(pp PendingPayment) error {
	_, err := p.db.Exec(
		`INSERT OR REPLACE INTO pending_payments
		 (payment_id, user_id, username, membership_type, order_id, created_at, response)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pp.PaymentID, pp.UserID, pp.Username, pp.MembershipType, pp.OrderID,
		pp.CreatedAt.Unix(), string(pp.Response),
	)
	return err
}

// Get returns a pending payment by gateway payment id
func (p *SQLitePending) Get(paymentID string) (*PendingPayment, error) {
	row := p.db.QueryRow(
		`SELECT payment_id, user_id, username, membership_type, order_id, created_at, response
		 FROM pending_payments WHERE payment_id = ?`,
		paymentID,
	)

	pp, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pp, nil
}

// Delete removes a pending payment. Returns ErrNotFound if it was already gone.
func (p *SQLitePending) Delete(paymentID string) error {
	result, err := p.db.Exec("DELETE FROM pending_payments WHERE payment_id = ?", paymentID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all pending payments, oldest first
func (p *SQLitePending) List() ([]PendingPayment, error) {
	rows, err := p.db.Query(
		`SELECT payment_id, user_id, username, membership_type, order_id, created_at, response
		 FROM pending_payments ORDER BY created_at, payment_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingPayment
	for rows.Next() {
		pp, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(sc scanner) (*PendingPayment, error) {
	var pp PendingPayment
	var createdAt int64
	var response sql.NullString

	err := sc.Scan(&pp.PaymentID, &pp.UserID, &pp.Username, &pp.MembershipType, &pp.OrderID, &createdAt, &response)
	if err != nil {
		return nil, err
	}

	pp.CreatedAt = time.Unix(createdAt, 0).UTC()
	if response.Valid && response.String != "" {
		pp.Response = []byte(response.String)
	}
	return &pp, nil
}

// --- Ledger ---

// SQLiteLedger is the append-only payment ledger in the payments_ledger table
type SQLiteLedger struct {
	db *sql.DB
}

// Append inserts one ledger row. Rows are never updated or deleted.
func (l *SQLiteLedger) Append(e LedgerEntry) error {
	_, err := l.db.Exec(
		`INSERT INTO payments_ledger
		 (id, timestamp, user_id, username, amount, currency, payment_id, order_id, status, pay_address)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.Unix(), e.UserID, e.Username, e.Amount.String(), e.Currency,
		e.PaymentID, e.OrderID, e.Status, e.PayAddress,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// List returns every entry in append order
func (l *SQLiteLedger) List() ([]LedgerEntry, error) {
	rows, err := l.db.Query(
		`SELECT id, timestamp, user_id, username, amount, currency, payment_id, order_id, status, pay_address
		 FROM payments_ledger ORDER BY seq`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var ts int64
		var amount string

		err := rows.Scan(&e.ID, &ts, &e.UserID, &e.Username, &amount, &e.Currency,
			&e.PaymentID, &e.OrderID, &e.Status, &e.PayAddress)
		if err != nil {
			return nil, err
		}

		e.Timestamp = time.Unix(ts, 0).UTC()
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasPayment reports whether a payment id was already recorded
func (l *SQLiteLedger) HasPayment(paymentID string) (bool, error) {
	var one int
	err := l.db.QueryRow(
		"SELECT 1 FROM payments_ledger WHERE payment_id = ? LIMIT 1",
		paymentID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- Members ---

// SQLiteMembers stores membership records in the vip_members table
type SQLiteMembers struct {
	db    *sql.DB
	clock clock.Clock
}

// Activate grants a membership starting now, overwriting any previous record
func (m *SQLiteMembers) Activate(userID, username, membershipType string, durationDays int) (*MembershipRecord, error) {
	now := m.clock.Now().Truncate(time.Second)
	rec := MembershipRecord{
		UserID:         userID,
		Username:       username,
		MembershipType: membershipType,
		ActivatedAt:    now,
		ExpiresAt:      now.Add(time.Duration(durationDays) * 24 * time.Hour),
		Active:         true,
	}

	_, err := m.db.Exec(
		`INSERT INTO vip_members (user_id, username, membership_type, activated_at, expires_at, active)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			membership_type = excluded.membership_type,
			activated_at = excluded.activated_at,
			expires_at = excluded.expires_at,
			active = 1`,
		rec.UserID, rec.Username, rec.MembershipType, rec.ActivatedAt.Unix(), rec.ExpiresAt.Unix(),
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the stored membership record for a user
func (m *SQLiteMembers) Get(userID string) (*MembershipRecord, error) {
	row := m.db.QueryRow(
		`SELECT user_id, username, membership_type, activated_at, expires_at, active
		 FROM vip_members WHERE user_id = ?`,
		userID,
	)

	rec, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// IsActive checks the user's expiry against the current time
func (m *SQLiteMembers) IsActive(userID string) (bool, error) {
	rec, err := m.Get(userID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.IsActiveAt(m.clock.Now()), nil
}

// List returns all membership records ordered by user id
func (m *SQLiteMembers) List() ([]MembershipRecord, error) {
	rows, err := m.db.Query(
		`SELECT user_id, username, membership_type, activated_at, expires_at, active
		 FROM vip_members ORDER BY user_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MembershipRecord
	for rows.Next() {
		rec, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanMember(sc scanner) (*MembershipRecord, error) {
	var rec MembershipRecord
	var activatedAt, expiresAt int64

	err := sc.Scan(&rec.UserID, &rec.Username, &rec.MembershipType, &activatedAt, &expiresAt, &rec.Active)
	if err != nil {
		return nil, err
	}

	rec.ActivatedAt = time.Unix(activatedAt, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &rec, nil
}
