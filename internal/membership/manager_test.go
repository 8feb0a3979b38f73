package membership

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/vip-gateway/internal/clock"
	"github.com/suspectuso/vip-gateway/internal/metrics"
	"github.com/suspectuso/vip-gateway/internal/nowpayments"
	"github.com/suspectuso/vip-gateway/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubGateway struct {
	mu       sync.Mutex
	payment  *nowpayments.Payment
	status   *nowpayments.PaymentStatus
	err      error
	requests []nowpayments.PaymentRequest
}

func (g *stubGateway) CreatePayment(ctx context.Context, req nowpayments.PaymentRequest) (*nowpayments.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	p := *g.payment
	raw, _ := json.Marshal(map[string]any{
		"payment_id":   p.PaymentID,
		"pay_address":  p.PayAddress,
		"pay_amount":   p.PayAmount.InexactFloat64(),
		"pay_currency": p.PayCurrency,
	})
	p.Raw = raw
	return &p, nil
}

func (g *stubGateway) GetPaymentStatus(ctx context.Context, paymentID string) (*nowpayments.PaymentStatus, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.status, nil
}

func (g *stubGateway) ListCurrencies(ctx context.Context) ([]string, error) {
	if g.err != nil {
		return nil, g.err
	}
	return []string{"btc", "ltc"}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	admin    []Activation
	payer    []Activation
	adminErr error

	// block, when set, holds NotifyAdmin until it is closed
	block chan struct{}
}

func (n *recordingNotifier) NotifyAdmin(ctx context.Context, a Activation) error {
	if n.block != nil {
		<-n.block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admin = append(n.admin, a)
	return n.adminErr
}

func (n *recordingNotifier) NotifyPayer(ctx context.Context, a Activation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payer = append(n.payer, a)
	return nil
}

// flakyMembers fails the first failures Activate calls
type flakyMembers struct {
	*storage.MembershipFile
	failures int
	calls    int
}

func (f *flakyMembers) Activate(userID, username, membershipType string, durationDays int) (*storage.MembershipRecord, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("disk full")
	}
	return f.MembershipFile.Activate(userID, username, membershipType, durationDays)
}

type failingLedger struct {
	*storage.LedgerFile
}

func (failingLedger) Append(storage.LedgerEntry) error {
	return errors.New("disk full")
}

type fixture struct {
	mgr      *Manager
	gateway  *stubGateway
	notifier *recordingNotifier
	files    *storage.Files
	clock    *clock.FakeClock
	deps     Deps
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewFakeClock(epoch)
	dir := t.TempDir()
	files, err := storage.OpenFiles(dir, clk)
	require.NoError(t, err)

	gw := &stubGateway{payment: &nowpayments.Payment{
		PaymentID:   "P1",
		PayAddress:  "addr",
		PayAmount:   decimal.RequireFromString("0.1"),
		PayCurrency: "ltc",
	}}
	notifier := &recordingNotifier{}

	deps := Deps{
		Gateway:  gw,
		Pending:  files.Pending,
		Ledger:   files.Ledger,
		Members:  files.Members,
		Notifier: notifier,
		Metrics:  metrics.New(),
		Clock:    clk,
	}

	f := &fixture{gateway: gw, notifier: notifier, files: files, clock: clk, deps: deps, dir: dir}
	f.mgr = NewManager(testSettings(), deps, discardLogger())
	return f
}

func testSettings() Settings {
	return Settings{
		PriceUSD:        decimal.NewFromInt(25),
		DurationDays:    7,
		MembershipType:  "weekly",
		SuccessStatuses: []string{"confirmed", "finished"},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fixture) purchase(t *testing.T) *Purchase {
	t.Helper()
	p, err := f.mgr.InitiatePurchase(context.Background(), PurchaseRequest{
		UserID:         "u1",
		Username:       "Ann",
		PayCurrency:    "ltc",
		MembershipType: "weekly",
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) ledgerFor(t *testing.T, paymentID string) []storage.LedgerEntry {
	t.Helper()
	entries, err := f.files.Ledger.List()
	require.NoError(t, err)

	var out []storage.LedgerEntry
	for _, e := range entries {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out
}

func TestInitiatePurchase(t *testing.T) {
	f := newFixture(t)

	p := f.purchase(t)

	assert.Equal(t, "P1", p.PaymentID)
	assert.Equal(t, "addr", p.PayAddress)
	assert.True(t, p.PayAmount.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, "ltc", p.PayCurrency)
	assert.Equal(t, OrderID("u1", epoch), p.OrderID)

	pending, err := f.files.Pending.Get("P1")
	require.NoError(t, err)
	assert.Equal(t, "u1", pending.UserID)
	assert.Equal(t, "Ann", pending.Username)
	assert.Equal(t, "weekly", pending.MembershipType)
	assert.Equal(t, p.OrderID, pending.OrderID)
	assert.NotEmpty(t, pending.Response)

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	assert.True(t, req.PriceAmount.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, "usd", req.PriceCurrency)
	assert.Equal(t, "ltc", req.PayCurrency)
	assert.Equal(t, p.OrderID, req.OrderID)
}

func TestInitiatePurchaseGatewayFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	gwErr := &nowpayments.APIError{Op: "create payment", StatusCode: http.StatusBadRequest, Body: `{"message":"bad currency"}`}
	f.gateway.err = gwErr

	_, err := f.mgr.InitiatePurchase(context.Background(), PurchaseRequest{UserID: "u1", Username: "Ann", PayCurrency: "ltc"})
	require.Error(t, err)
	assert.Same(t, gwErr, err)

	list, err := f.files.Pending.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInitiatePurchaseValidation(t *testing.T) {
	tests := []struct {
		name string
		req  PurchaseRequest
	}{
		{name: "missing user", req: PurchaseRequest{PayCurrency: "ltc"}},
		{name: "missing currency", req: PurchaseRequest{UserID: "u1"}},
		{name: "unknown tier", req: PurchaseRequest{UserID: "u1", PayCurrency: "ltc", MembershipType: "lifetime"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.mgr.InitiatePurchase(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, f.gateway.requests)
		})
	}
}

func TestInitiatePurchaseDefaults(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.InitiatePurchase(context.Background(), PurchaseRequest{UserID: "u1", PayCurrency: " LTC "})
	require.NoError(t, err)

	pending, err := f.files.Pending.Get("P1")
	require.NoError(t, err)
	assert.Equal(t, "u1", pending.Username)
	assert.Equal(t, "weekly", pending.MembershipType)
	assert.Equal(t, "ltc", f.gateway.requests[0].PayCurrency)
}

func TestConfirmedCallbackActivatesMembership(t *testing.T) {
	f := newFixture(t)
	f.purchase(t)

	outcome, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	entries := f.ledgerFor(t, "P1")
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "Ann", entries[0].Username)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, "ltc", entries[0].Currency)
	assert.Equal(t, "addr", entries[0].PayAddress)
	assert.Equal(t, "confirmed", entries[0].Status)
	assert.Equal(t, OrderID("u1", epoch), entries[0].OrderID)
	assert.NotEmpty(t, entries[0].ID)

	active, err := f.mgr.IsMember("u1")
	require.NoError(t, err)
	assert.True(t, active)

	rec, err := f.mgr.Member("u1")
	require.NoError(t, err)
	assert.WithinDuration(t, epoch.Add(7*24*time.Hour), rec.ExpiresAt, time.Second)

	_, err = f.files.Pending.Get("P1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.Len(t, f.notifier.admin, 1)
	require.Len(t, f.notifier.payer, 1)
	assert.Equal(t, "u1", f.notifier.payer[0].Payment.UserID)
}

func TestFinishedStatusIsTerminalSuccess(t *testing.T) {
	f := newFixture(t)
	f.purchase(t)

	outcome, err := f.mgr.HandleCallback(context.Background(), Event{
		PaymentID:     "P1",
		PaymentStatus: "FINISHED",
		ActuallyPaid:  decimal.RequireFromString("0.0999"),
		PayCurrency:   "ltc",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	entries := f.ledgerFor(t, "P1")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("0.0999")))
	assert.Equal(t, "finished", entries[0].Status)
}

func TestDuplicateCallbackIsNoop(t *testing.T) {
	f := newFixture(t)
	f.purchase(t)

	ev := Event{PaymentID: "P1", PaymentStatus: "confirmed"}
	first, err := f.mgr.HandleCallback(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, first)

	rec, err := f.mgr.Member("u1")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	second, err := f.mgr.HandleCallback(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, second)

	assert.Len(t, f.ledgerFor(t, "P1"), 1)
	again, err := f.mgr.Member("u1")
	require.NoError(t, err)
	assert.True(t, rec.ActivatedAt.Equal(again.ActivatedAt), "second delivery must not re-activate")
	assert.Len(t, f.notifier.admin, 1)
}

func TestConcurrentDuplicateCallbacks(t *testing.T) {
	f := newFixture(t)
	f.purchase(t)

	const deliveries = 16
	outcomes := make([]Outcome, deliveries)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "finished"})
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, o := range outcomes {
		if o == OutcomeSuccess {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Len(t, f.ledgerFor(t, "P1"), 1)
	assert.Len(t, f.notifier.payer, 1)
}

func TestNonTerminalStatusKeepsPending(t *testing.T) {
	for _, status := range []string{"waiting", "confirming", "partially_paid", "failed", "expired", "refunded", "something_new"} {
		t.Run(status, func(t *testing.T) {
			f := newFixture(t)
			f.purchase(t)

			outcome, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: status})
			require.NoError(t, err)
			assert.Equal(t, OutcomeIgnored, outcome)

			assert.Empty(t, f.ledgerFor(t, "P1"))
			active, err := f.mgr.IsMember("u1")
			require.NoError(t, err)
			assert.False(t, active)

			_, err = f.files.Pending.Get("P1")
			require.NoError(t, err, "pending record stays for a later callback")

			// the same payment can still be resolved
			outcome, err = f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
			require.NoError(t, err)
			assert.Equal(t, OutcomeSuccess, outcome)
		})
	}
}

func TestUnknownPaymentIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.purchase(t)

	outcome, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P2", PaymentStatus: "confirmed"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	entries, err := f.files.Ledger.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	members, err := f.files.Members.List()
	require.NoError(t, err)
	assert.Empty(t, members)

	_, err = f.files.Pending.Get("P1")
	assert.NoError(t, err)
}

func TestInvalidEvent(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.HandleCallback(context.Background(), Event{PaymentStatus: "confirmed"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "  "})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.notifier.adminErr = errors.New("telegram down")
	f.purchase(t)

	outcome, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	assert.Len(t, f.ledgerFor(t, "P1"), 1)
	active, err := f.mgr.IsMember("u1")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Len(t, f.notifier.payer, 1, "payer is notified even when the admin message fails")
}

func TestNotificationRunsOutsidePaymentLock(t *testing.T) {
	f := newFixture(t)
	f.notifier.block = make(chan struct{})
	f.purchase(t)

	first := make(chan Outcome, 1)
	go func() {
		out, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
		assert.NoError(t, err)
		first <- out
	}()

	// wait for the claim, then redeliver while the first notification hangs
	require.Eventually(t, func() bool {
		_, err := f.files.Pending.Get("P1")
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	second := make(chan Outcome, 1)
	go func() {
		out, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
		assert.NoError(t, err)
		second <- out
	}()

	select {
	case out := <-second:
		assert.Equal(t, OutcomeIgnored, out)
	case <-time.After(2 * time.Second):
		t.Fatal("redelivery blocked behind a pending notification")
	}

	close(f.notifier.block)
	assert.Equal(t, OutcomeSuccess, <-first)
	assert.Len(t, f.ledgerFor(t, "P1"), 1)
}

func TestPendingLoadFailureIsNotApplyFailure(t *testing.T) {
	f := newFixture(t)
	f.purchase(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, storage.PendingFileName), []byte("{broken"), 0o644))

	_, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "waiting"})
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.NotErrorIs(t, err, ErrApplyFailed)
}

func TestActivationIsRetried(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyMembers{MembershipFile: f.files.Members, failures: activationAttempts - 1}
	f.deps.Members = flaky
	f.mgr = NewManager(testSettings(), f.deps, discardLogger())
	f.purchase(t)

	outcome, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, activationAttempts, flaky.calls)
}

func TestActivationFailureIsFatalAndResumable(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyMembers{MembershipFile: f.files.Members, failures: activationAttempts}
	f.deps.Members = flaky
	f.mgr = NewManager(testSettings(), f.deps, discardLogger())
	f.purchase(t)

	_, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))

	// ledger written, pending kept so the gateway retry can finish the grant
	assert.Len(t, f.ledgerFor(t, "P1"), 1)
	_, err = f.files.Pending.Get("P1")
	require.NoError(t, err)
	assert.Empty(t, f.notifier.admin)

	outcome, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Len(t, f.ledgerFor(t, "P1"), 1, "resumed confirmation must not duplicate the ledger row")

	active, err := f.mgr.IsMember("u1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestLedgerFailureBlocksActivation(t *testing.T) {
	f := newFixture(t)
	f.deps.Ledger = failingLedger{LedgerFile: f.files.Ledger}
	f.mgr = NewManager(testSettings(), f.deps, discardLogger())
	f.purchase(t)

	_, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrApplyFailed)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "append ledger entry", pe.Op)

	active, err := f.mgr.IsMember("u1")
	require.NoError(t, err)
	assert.False(t, active)
	_, err = f.files.Pending.Get("P1")
	assert.NoError(t, err)
}

func TestMembersReportsExpiryByTime(t *testing.T) {
	f := newFixture(t)
	f.purchase(t)
	_, err := f.mgr.HandleCallback(context.Background(), Event{PaymentID: "P1", PaymentStatus: "confirmed"})
	require.NoError(t, err)

	f.clock.Advance(7*24*time.Hour + time.Minute)

	members, err := f.mgr.Members()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.False(t, members[0].Active)

	stored, err := f.files.Members.Get("u1")
	require.NoError(t, err)
	assert.True(t, stored.Active, "stored flag is left as written")

	active, err := f.mgr.IsMember("u1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestReadProjections(t *testing.T) {
	f := newFixture(t)
	f.gateway.status = &nowpayments.PaymentStatus{PaymentID: "P1", PaymentStatus: "waiting"}
	f.purchase(t)

	st, err := f.mgr.PaymentStatus(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "waiting", st.PaymentStatus)

	_, err = f.mgr.PaymentStatus(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	cur, err := f.mgr.Currencies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"btc", "ltc"}, cur)

	pending, err := f.mgr.PendingPayments()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	history, err := f.mgr.PaymentHistory()
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = f.mgr.Member("nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOrderID(t *testing.T) {
	assert.Equal(t, "VIP_u1_1772366400", OrderID("u1", epoch))
	assert.NotEqual(t, OrderID("u1", epoch), OrderID("u1", epoch.Add(time.Second)))
	assert.NotEqual(t, OrderID("u1", epoch), OrderID("u2", epoch))
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		k.Lock("a")()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(20 * time.Millisecond):
	}

	k.Lock("b")()
	unlock()
	<-done

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
