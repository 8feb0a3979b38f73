package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"

	"github.com/suspectuso/vip-gateway/internal/membership"
	"github.com/suspectuso/vip-gateway/internal/nowpayments"
)

// ErrNoChat is returned when a payer id cannot be used as a telegram chat id
var ErrNoChat = errors.New("payer has no telegram chat")

const expiryLayout = "2006-01-02 15:04 UTC"

// Sender delivers a formatted message to a chat
type Sender interface {
	SendNotification(ctx context.Context, chatID int64, text string) error
}

// Notifier sends the admin and payer messages after a confirmed payment
type Notifier struct {
	sender      Sender
	adminChatID int64
	log         *slog.Logger
}

// New creates a new Notifier. An adminChatID of zero disables admin messages.
func New(sender Sender, adminChatID int64, log *slog.Logger) *Notifier {
	return &Notifier{
		sender:      sender,
		adminChatID: adminChatID,
		log:         log,
	}
}

var _ membership.Notifier = (*Notifier)(nil)

// NotifyAdmin tells the operator about a new VIP payment
func (n *Notifier) NotifyAdmin(ctx context.Context, a membership.Activation) error {
	if n.adminChatID == 0 {
		n.log.Debug("admin notification skipped: ADMIN_CHAT_ID not set", "payment_id", a.Payment.PaymentID)
		return nil
	}
	return n.sender.SendNotification(ctx, n.adminChatID, FormatAdminMessage(a))
}

// NotifyPayer tells the buyer the membership is active. The payer's user id
// is their telegram chat id.
func (n *Notifier) NotifyPayer(ctx context.Context, a membership.Activation) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.Payment.UserID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: user id %q", ErrNoChat, a.Payment.UserID)
	}
	return n.sender.SendNotification(ctx, chatID, FormatPayerMessage(a))
}

// FormatAdminMessage renders the operator message for a confirmed payment
func FormatAdminMessage(a membership.Activation) string {
	e := a.Entry

	lines := []string{
		"💎 <b>New VIP payment</b>",
		"",
		fmt.Sprintf("User: %s (<code>%s</code>)", userLink(a.Payment.UserID, a.Payment.Username), html.EscapeString(a.Payment.UserID)),
		fmt.Sprintf("Amount: <b>%s %s</b>", e.Amount.String(), html.EscapeString(strings.ToUpper(e.Currency))),
		fmt.Sprintf("Membership: %s until %s", html.EscapeString(a.Membership.MembershipType), a.Membership.ExpiresAt.UTC().Format(expiryLayout)),
		fmt.Sprintf("Payment: <code>%s</code>", html.EscapeString(e.PaymentID)),
		fmt.Sprintf("Order: <code>%s</code>", html.EscapeString(e.OrderID)),
	}

	if e.PayAddress != "" {
		lines = append(lines, fmt.Sprintf("Address: <code>%s</code>", html.EscapeString(nowpayments.DisplayAddress(e.Currency, e.PayAddress))))
	}

	return strings.Join(lines, "\n")
}

// FormatPayerMessage renders the activation message sent to the payer
func FormatPayerMessage(a membership.Activation) string {
	return fmt.Sprintf(
		"⭐ <b>VIP activated!</b>\n\n"+
			"Your payment of <b>%s %s</b> is confirmed.\n"+
			"VIP access is valid until <b>%s</b>.\n\n"+
			"Thank you for your support 💙",
		a.Entry.Amount.String(),
		html.EscapeString(strings.ToUpper(a.Entry.Currency)),
		a.Membership.ExpiresAt.UTC().Format(expiryLayout),
	)
}

func userLink(userID, username string) string {
	name := username
	if name == "" {
		name = userID
	}
	if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
		return html.EscapeString(name)
	}
	return fmt.Sprintf("<a href='tg://user?id=%s'>%s</a>", userID, html.EscapeString(name))
}
