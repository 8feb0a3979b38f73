package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/vip-gateway/internal/clock"
	"github.com/suspectuso/vip-gateway/internal/config"
	"github.com/suspectuso/vip-gateway/internal/metrics"
	"github.com/suspectuso/vip-gateway/internal/nowpayments"
	"github.com/suspectuso/vip-gateway/internal/storage"
)

const (
	activationAttempts = 3
	notifyTimeout      = 15 * time.Second
)

// Gateway creates and inspects payments at the payment processor
type Gateway interface {
	CreatePayment(ctx context.Context, req nowpayments.PaymentRequest) (*nowpayments.Payment, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (*nowpayments.PaymentStatus, error)
	ListCurrencies(ctx context.Context) ([]string, error)
}

type PendingStore interface {
	Put(p storage.PendingPayment) error
	Get(paymentID string) (*storage.PendingPayment, error)
	Delete(paymentID string) error
	List() ([]storage.PendingPayment, error)
}

type LedgerStore interface {
	Append(e storage.LedgerEntry) error
	List() ([]storage.LedgerEntry, error)
	HasPayment(paymentID string) (bool, error)
}

type MembershipStore interface {
	Activate(userID, username, membershipType string, durationDays int) (*storage.MembershipRecord, error)
	Get(userID string) (*storage.MembershipRecord, error)
	IsActive(userID string) (bool, error)
	List() ([]storage.MembershipRecord, error)
}

// Notifier delivers the two messages sent after a confirmed payment
type Notifier interface {
	NotifyAdmin(ctx context.Context, a Activation) error
	NotifyPayer(ctx context.Context, a Activation) error
}

// Activation describes a payment that was just confirmed
type Activation struct {
	Payment    storage.PendingPayment
	Entry      storage.LedgerEntry
	Membership storage.MembershipRecord
}

// Settings are the fixed business rules
type Settings struct {
	PriceUSD        decimal.Decimal
	DurationDays    int
	MembershipType  string
	SuccessStatuses []string
	IPNCallbackURL  string

	// RetryDelay is the pause between membership activation attempts
	RetryDelay time.Duration
}

// SettingsFromConfig maps process configuration to manager settings
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		PriceUSD:        decimal.NewFromFloat(cfg.PriceUSD),
		DurationDays:    cfg.DurationDays,
		MembershipType:  cfg.MembershipType,
		SuccessStatuses: cfg.SuccessStatuses,
		IPNCallbackURL:  cfg.GatewayIPNCallbackURL,
		RetryDelay:      200 * time.Millisecond,
	}
}

// Deps are the collaborators of a Manager. Notifier and Metrics may be nil.
type Deps struct {
	Gateway  Gateway
	Pending  PendingStore
	Ledger   LedgerStore
	Members  MembershipStore
	Notifier Notifier
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// Manager owns every state transition of a VIP purchase. Stores are only
// mutated through it.
type Manager struct {
	settings Settings
	success  map[string]bool

	gateway  Gateway
	pending  PendingStore
	ledger   LedgerStore
	members  MembershipStore
	notifier Notifier
	metrics  *metrics.Metrics
	clock    clock.Clock
	log      *slog.Logger

	locks *keyedMutex
}

// NewManager creates a new lifecycle manager
func NewManager(settings Settings, deps Deps, log *slog.Logger) *Manager {
	success := make(map[string]bool, len(settings.SuccessStatuses))
	for _, s := range settings.SuccessStatuses {
		success[strings.ToLower(strings.TrimSpace(s))] = true
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Manager{
		settings: settings,
		success:  success,
		gateway:  deps.Gateway,
		pending:  deps.Pending,
		ledger:   deps.Ledger,
		members:  deps.Members,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		clock:    clk,
		log:      log,
		locks:    newKeyedMutex(),
	}
}

// --- Purchase ---

// PurchaseRequest asks for a new VIP payment intent
type PurchaseRequest struct {
	UserID         string
	Username       string
	PayCurrency    string
	MembershipType string
}

// Purchase is what the buyer needs to complete the payment
type Purchase struct {
	PaymentID   string
	PayAddress  string
	PayAmount   decimal.Decimal
	PayCurrency string
	OrderID     string
	PriceUSD    decimal.Decimal
}

// InitiatePurchase creates a gateway payment for the fixed price and records
// it as pending. Nothing is stored when the gateway call fails.
func (m *Manager) InitiatePurchase(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.PayCurrency = strings.ToLower(strings.TrimSpace(req.PayCurrency))
	req.MembershipType = strings.ToLower(strings.TrimSpace(req.MembershipType))

	if req.UserID == "" {
		return nil, invalidRequest("user_id is required")
	}
	if req.PayCurrency == "" {
		return nil, invalidRequest("currency is required")
	}
	if req.MembershipType == "" {
		req.MembershipType = m.settings.MembershipType
	}
	if req.MembershipType != m.settings.MembershipType {
		return nil, invalidRequest(fmt.Sprintf("unknown membership type %q", req.MembershipType))
	}
	if req.Username == "" {
		req.Username = req.UserID
	}

	now := m.clock.Now()
	orderID := OrderID(req.UserID, now)

	payment, err := m.gateway.CreatePayment(ctx, nowpayments.PaymentRequest{
		PriceAmount:      m.settings.PriceUSD,
		PriceCurrency:    "usd",
		PayCurrency:      req.PayCurrency,
		OrderID:          orderID,
		OrderDescription: fmt.Sprintf("VIP %s membership for %s", req.MembershipType, req.Username),
		IPNCallbackURL:   m.settings.IPNCallbackURL,
	})
	if err != nil {
		m.metrics.Purchase("gateway_error")
		m.log.Warn("create payment", "error", err, "user_id", req.UserID, "currency", req.PayCurrency)
		return nil, err
	}

	paymentID := payment.PaymentID.String()
	pending := storage.PendingPayment{
		PaymentID:      paymentID,
		UserID:         req.UserID,
		Username:       req.Username,
		MembershipType: req.MembershipType,
		OrderID:        orderID,
		CreatedAt:      now,
		Response:       payment.Raw,
	}
	if err := m.pending.Put(pending); err != nil {
		m.metrics.Purchase("store_error")
		m.log.Error("store pending payment", "error", err, "payment_id", paymentID, "user_id", req.UserID)
		return nil, &PersistenceError{Op: "store pending payment", Err: err}
	}

	payCurrency := payment.PayCurrency
	if payCurrency == "" {
		payCurrency = req.PayCurrency
	}

	m.metrics.Purchase("created")
	m.log.Info("payment created",
		"payment_id", paymentID,
		"order_id", orderID,
		"user_id", req.UserID,
		"pay_currency", payCurrency,
		"pay_amount", payment.PayAmount.String(),
	)

	return &Purchase{
		PaymentID:   paymentID,
		PayAddress:  nowpayments.DisplayAddress(payCurrency, payment.PayAddress),
		PayAmount:   payment.PayAmount,
		PayCurrency: payCurrency,
		OrderID:     orderID,
		PriceUSD:    m.settings.PriceUSD,
	}, nil
}

// --- Callbacks ---

// Event is a gateway status callback
type Event struct {
	PaymentID     string
	PaymentStatus string
	PayAddress    string
	PayAmount     decimal.Decimal
	ActuallyPaid  decimal.Decimal
	PayCurrency   string
	OrderID       string
}

// Outcome is how a callback was resolved
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeIgnored Outcome = "ignored"
)

// HandleCallback applies a gateway callback. A confirmed payment writes the
// ledger entry, activates the membership and deletes the pending record, in
// that order. Deleting the pending record is the claim: later deliveries for
// the same payment id find nothing and are ignored.
func (m *Manager) HandleCallback(ctx context.Context, ev Event) (Outcome, error) {
	ev.PaymentID = strings.TrimSpace(ev.PaymentID)
	ev.PaymentStatus = strings.ToLower(strings.TrimSpace(ev.PaymentStatus))
	if ev.PaymentID == "" || ev.PaymentStatus == "" {
		m.metrics.Callback("invalid")
		return "", fmt.Errorf("%w: payment_id and payment_status are required", ErrInvalidEvent)
	}

	activation, err := m.apply(ev)
	if err != nil {
		return "", err
	}
	if activation == nil {
		return OutcomeIgnored, nil
	}

	m.notify(ctx, *activation)

	return OutcomeSuccess, nil
}

// apply runs the read-check-confirm sequence under the payment's lock. It
// returns a nil activation when the callback is ignored.
func (m *Manager) apply(ev Event) (*Activation, error) {
	unlock := m.locks.Lock(ev.PaymentID)
	defer unlock()

	pending, err := m.pending.Get(ev.PaymentID)
	if errors.Is(err, storage.ErrNotFound) {
		m.metrics.Callback("unknown_payment")
		m.log.Info("callback for unknown or processed payment",
			"payment_id", ev.PaymentID,
			"status", ev.PaymentStatus,
		)
		return nil, nil
	}
	if err != nil {
		m.metrics.Callback("failed")
		return nil, &PersistenceError{Op: "load pending payment", Err: err}
	}

	if !m.success[ev.PaymentStatus] {
		m.metrics.Callback("not_terminal")
		m.log.Info("payment not confirmed yet",
			"payment_id", ev.PaymentID,
			"status", ev.PaymentStatus,
			"user_id", pending.UserID,
		)
		return nil, nil
	}

	activation, err := m.confirm(pending, ev)
	if err != nil {
		m.metrics.Callback("failed")
		m.log.Error("confirm payment", "error", err, "payment_id", ev.PaymentID, "user_id", pending.UserID)
		return nil, fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}

	m.metrics.Callback("confirmed")
	m.metrics.Activation()
	m.log.Info("membership activated",
		"payment_id", ev.PaymentID,
		"user_id", pending.UserID,
		"amount", activation.Entry.Amount.String(),
		"currency", activation.Entry.Currency,
		"expires_at", activation.Membership.ExpiresAt,
	)

	return activation, nil
}

func (m *Manager) confirm(pending *storage.PendingPayment, ev Event) (*Activation, error) {
	entry := m.ledgerEntry(pending, ev)

	// a previous delivery may have failed after the append
	recorded, err := m.ledger.HasPayment(pending.PaymentID)
	if err != nil {
		return nil, &PersistenceError{Op: "check ledger", Err: err}
	}
	if recorded {
		m.log.Warn("ledger already has payment, resuming activation", "payment_id", pending.PaymentID)
	} else if err := m.ledger.Append(entry); err != nil {
		return nil, &PersistenceError{Op: "append ledger entry", Err: err}
	}

	rec, err := m.activate(pending)
	if err != nil {
		return nil, &PersistenceError{Op: "activate membership", Err: err}
	}

	if err := m.pending.Delete(pending.PaymentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, &PersistenceError{Op: "delete pending payment", Err: err}
	}

	return &Activation{Payment: *pending, Entry: entry, Membership: *rec}, nil
}

// activate retries the membership write: once the ledger holds the payment
// the grant must not be dropped.
func (m *Manager) activate(pending *storage.PendingPayment) (*storage.MembershipRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= activationAttempts; attempt++ {
		rec, err := m.members.Activate(pending.UserID, pending.Username, pending.MembershipType, m.settings.DurationDays)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		m.log.Warn("activate membership", "error", err, "attempt", attempt, "user_id", pending.UserID)

		if attempt < activationAttempts && m.settings.RetryDelay > 0 {
			time.Sleep(time.Duration(attempt) * m.settings.RetryDelay)
		}
	}
	return nil, lastErr
}

func (m *Manager) ledgerEntry(pending *storage.PendingPayment, ev Event) storage.LedgerEntry {
	var created nowpayments.Payment
	if len(pending.Response) > 0 {
		if err := json.Unmarshal(pending.Response, &created); err != nil {
			m.log.Warn("decode stored payment response", "error", err, "payment_id", pending.PaymentID)
		}
	}

	amount := ev.ActuallyPaid
	if !amount.IsPositive() {
		amount = ev.PayAmount
	}
	if !amount.IsPositive() {
		amount = created.PayAmount
	}

	orderID := pending.OrderID
	if orderID == "" {
		orderID = ev.OrderID
	}

	return storage.LedgerEntry{
		ID:         uuid.NewString(),
		Timestamp:  m.clock.Now(),
		UserID:     pending.UserID,
		Username:   pending.Username,
		Amount:     amount,
		Currency:   firstNonEmpty(ev.PayCurrency, created.PayCurrency),
		PaymentID:  pending.PaymentID,
		OrderID:    orderID,
		Status:     ev.PaymentStatus,
		PayAddress: firstNonEmpty(ev.PayAddress, created.PayAddress),
	}
}

// notify never fails the callback: the grant is already durable
func (m *Manager) notify(ctx context.Context, a Activation) {
	if m.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := m.notifier.NotifyAdmin(ctx, a); err != nil {
		m.metrics.NotificationFailed("admin")
		m.log.Error("notify admin", "error", err, "payment_id", a.Payment.PaymentID)
	}
	if err := m.notifier.NotifyPayer(ctx, a); err != nil {
		m.metrics.NotificationFailed("payer")
		m.log.Error("notify payer", "error", err, "payment_id", a.Payment.PaymentID, "user_id", a.Payment.UserID)
	}
}

// --- Read projections ---

// PaymentStatus asks the gateway for the current state of a payment
func (m *Manager) PaymentStatus(ctx context.Context, paymentID string) (*nowpayments.PaymentStatus, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, invalidRequest("payment id is required")
	}
	return m.gateway.GetPaymentStatus(ctx, paymentID)
}

// Currencies lists the pay currencies the gateway accepts
func (m *Manager) Currencies(ctx context.Context) ([]string, error) {
	return m.gateway.ListCurrencies(ctx)
}

// Members returns every membership record with Active recomputed from expiry
func (m *Manager) Members() ([]storage.MembershipRecord, error) {
	records, err := m.members.List()
	if err != nil {
		return nil, &PersistenceError{Op: "list members", Err: err}
	}

	now := m.clock.Now()
	for i := range records {
		records[i].Active = records[i].IsActiveAt(now)
	}
	return records, nil
}

// Member returns one user's membership with Active recomputed from expiry
func (m *Manager) Member(userID string) (*storage.MembershipRecord, error) {
	rec, err := m.members.Get(userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "get member", Err: err}
	}
	rec.Active = rec.IsActiveAt(m.clock.Now())
	return rec, nil
}

// IsMember reports whether the user currently holds an unexpired membership
func (m *Manager) IsMember(userID string) (bool, error) {
	active, err := m.members.IsActive(userID)
	if err != nil {
		return false, &PersistenceError{Op: "check member", Err: err}
	}
	return active, nil
}

// PaymentHistory returns the ledger in append order
func (m *Manager) PaymentHistory() ([]storage.LedgerEntry, error) {
	entries, err := m.ledger.List()
	if err != nil {
		return nil, &PersistenceError{Op: "list ledger", Err: err}
	}
	return entries, nil
}

// PendingPayments returns payments still waiting for confirmation
func (m *Manager) PendingPayments() ([]storage.PendingPayment, error) {
	list, err := m.pending.List()
	if err != nil {
		return nil, &PersistenceError{Op: "list pending payments", Err: err}
	}
	return list, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
