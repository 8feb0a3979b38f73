package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/vip-gateway/internal/membership"
	"github.com/suspectuso/vip-gateway/internal/nowpayments"
	"github.com/suspectuso/vip-gateway/internal/storage"
)

// callbackPayload is the IPN body posted by the gateway
type callbackPayload struct {
	PaymentID     nowpayments.ID  `json:"payment_id"`
	PaymentStatus string          `json:"payment_status"`
	PayAddress    string          `json:"pay_address"`
	PayAmount     decimal.Decimal `json:"pay_amount"`
	ActuallyPaid  decimal.Decimal `json:"actually_paid"`
	PayCurrency   string          `json:"pay_currency"`
	OrderID       string          `json:"order_id"`
}

func (s *Server) handleGatewayCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if s.opts.IPNSecret != "" {
		if err := nowpayments.VerifySignature(s.opts.IPNSecret, body, r.Header.Get(nowpayments.SignatureHeader)); err != nil {
			s.log.Warn("rejected gateway callback", "error", err)
			respondError(w, http.StatusBadRequest, "invalid signature")
			return
		}
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.log.Warn("invalid callback payload", "error", err)
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.log.Debug("gateway callback received",
		"payment_id", payload.PaymentID.String(),
		"status", payload.PaymentStatus,
	)

	outcome, err := s.svc.HandleCallback(r.Context(), membership.Event{
		PaymentID:     payload.PaymentID.String(),
		PaymentStatus: payload.PaymentStatus,
		PayAddress:    payload.PayAddress,
		PayAmount:     payload.PayAmount,
		ActuallyPaid:  payload.ActuallyPaid,
		PayCurrency:   payload.PayCurrency,
		OrderID:       payload.OrderID,
	})
	switch {
	case errors.Is(err, membership.ErrInvalidEvent):
		respondError(w, http.StatusBadRequest, "missing payment_id or payment_status")
		return
	case errors.Is(err, membership.ErrApplyFailed):
		// non-2xx makes the gateway redeliver
		respondError(w, http.StatusBadRequest, "failed to process payment")
		return
	case err != nil:
		s.log.Error("handle gateway callback", "payment_id", payload.PaymentID.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

type createPaymentRequest struct {
	UserID         json.RawMessage `json:"user_id"`
	Username       string          `json:"username"`
	Currency       string          `json:"currency"`
	MembershipType string          `json:"membership_type"`
}

type createPaymentResponse struct {
	Success     bool        `json:"success"`
	PaymentID   string      `json:"payment_id"`
	PayAddress  string      `json:"pay_address"`
	PayAmount   json.Number `json:"pay_amount"`
	PayCurrency string      `json:"pay_currency"`
	OrderID     string      `json:"order_id"`
	PriceUSD    json.Number `json:"price_usd"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondPurchaseError(w, "invalid JSON body")
		return
	}

	userID, err := rawString(req.UserID)
	if err != nil {
		respondPurchaseError(w, "user_id must be a string or number")
		return
	}

	p, err := s.svc.InitiatePurchase(r.Context(), membership.PurchaseRequest{
		UserID:         userID,
		Username:       req.Username,
		PayCurrency:    req.Currency,
		MembershipType: req.MembershipType,
	})
	if err != nil {
		respondPurchaseError(w, purchaseErrorMessage(err))
		return
	}

	respondJSON(w, http.StatusOK, createPaymentResponse{
		Success:     true,
		PaymentID:   p.PaymentID,
		PayAddress:  p.PayAddress,
		PayAmount:   json.Number(p.PayAmount.String()),
		PayCurrency: p.PayCurrency,
		OrderID:     p.OrderID,
		PriceUSD:    json.Number(p.PriceUSD.String()),
	})
}

func respondPurchaseError(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": msg})
}

func purchaseErrorMessage(err error) string {
	var apiErr *nowpayments.APIError
	switch {
	case errors.Is(err, membership.ErrInvalidRequest):
		return err.Error()
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == 0 {
			return "payment gateway unavailable"
		}
		return fmt.Sprintf("payment gateway rejected the request (status %d)", apiErr.StatusCode)
	case membership.IsPersistenceError(err):
		return "could not record payment"
	default:
		return "could not create payment"
	}
}

// rawString accepts a JSON string or number
func rawString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.PaymentStatus(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		s.respondGatewayError(w, "get payment status", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	currencies, err := s.svc.Currencies(r.Context())
	if err != nil {
		s.respondGatewayError(w, "list currencies", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"currencies": currencies})
}

func (s *Server) respondGatewayError(w http.ResponseWriter, op string, err error) {
	var apiErr *nowpayments.APIError
	switch {
	case errors.Is(err, membership.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		respondError(w, http.StatusNotFound, "payment not found")
	default:
		s.log.Warn(op, "error", err)
		respondError(w, http.StatusBadGateway, "payment gateway error")
	}
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.svc.Members()
	if err != nil {
		s.respondStoreError(w, "list members", err)
		return
	}
	if members == nil {
		members = []storage.MembershipRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"members": members, "count": len(members)})
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	rec, err := s.svc.Member(userID)
	if errors.Is(err, storage.ErrNotFound) {
		respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "is_member": false})
		return
	}
	if err != nil {
		s.respondStoreError(w, "get member", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "is_member": rec.Active, "membership": rec})
}

// ledgerView is the JSON shape of a ledger row
type ledgerView struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	PaymentID  string    `json:"payment_id"`
	OrderID    string    `json:"order_id"`
	Status     string    `json:"status"`
	PayAddress string    `json:"pay_address"`
}

func (s *Server) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.PaymentHistory()
	if err != nil {
		s.respondStoreError(w, "list payment history", err)
		return
	}

	views := make([]ledgerView, 0, len(entries))
	for _, e := range entries {
		views = append(views, ledgerView{
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			UserID:     e.UserID,
			Username:   e.Username,
			Amount:     e.Amount.String(),
			Currency:   e.Currency,
			PaymentID:  e.PaymentID,
			OrderID:    e.OrderID,
			Status:     e.Status,
			PayAddress: e.PayAddress,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"payments": views, "count": len(views)})
}

func (s *Server) handlePendingPayments(w http.ResponseWriter, r *http.Request) {
	pending, err := s.svc.PendingPayments()
	if err != nil {
		s.respondStoreError(w, "list pending payments", err)
		return
	}
	if pending == nil {
		pending = []storage.PendingPayment{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"pending": pending, "count": len(pending)})
}

func (s *Server) respondStoreError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, "error", err)
	respondError(w, http.StatusInternalServerError, "storage error")
}
