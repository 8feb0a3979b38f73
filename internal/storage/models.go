package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PendingPayment is a payment intent awaiting gateway confirmation
type PendingPayment struct {
	PaymentID      string          `json:"payment_id"`
	UserID         string          `json:"user_id"`
	Username       string          `json:"username"`
	MembershipType string          `json:"membership_type"`
	OrderID        string          `json:"order_id"`
	CreatedAt      time.Time       `json:"created_at"`
	Response       json.RawMessage `json:"payment_response,omitempty"`
}

// LedgerEntry is one confirmed payment. Entries are never edited.
type LedgerEntry struct {
	ID         string
	Timestamp  time.Time
	UserID     string
	Username   string
	Amount     decimal.Decimal
	Currency   string
	PaymentID  string
	OrderID    string
	Status     string
	PayAddress string
}

// MembershipRecord is the latest membership granted to a user
type MembershipRecord struct {
	UserID         string    `json:"user_id"`
	Username       string    `json:"username"`
	MembershipType string    `json:"membership_type"`
	ActivatedAt    time.Time `json:"activated_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Active         bool      `json:"active"`
}

// IsActiveAt reports whether the membership is in force at now.
// The stored Active flag is not consulted: records are never swept on expiry.
func (m MembershipRecord) IsActiveAt(now time.Time) bool {
	return now.Before(m.ExpiresAt)
}
