package nowpayments

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ID is a gateway identifier. The API sends payment ids both as JSON
// numbers and as strings depending on the endpoint.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("payment id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// PaymentRequest is the body of POST /payment
type PaymentRequest struct {
	PriceAmount      decimal.Decimal
	PriceCurrency    string
	PayCurrency      string
	OrderID          string
	OrderDescription string
	IPNCallbackURL   string
}

type createPaymentBody struct {
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	PayCurrency      string  `json:"pay_currency"`
	OrderID          string  `json:"order_id,omitempty"`
	OrderDescription string  `json:"order_description,omitempty"`
	IPNCallbackURL   string  `json:"ipn_callback_url,omitempty"`
}

// Payment is the gateway's answer to a created payment
type Payment struct {
	PaymentID     ID              `json:"payment_id"`
	PaymentStatus string          `json:"payment_status"`
	PayAddress    string          `json:"pay_address"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	PayAmount     decimal.Decimal `json:"pay_amount"`
	PayCurrency   string          `json:"pay_currency"`
	OrderID       string          `json:"order_id"`
	CreatedAt     string          `json:"created_at,omitempty"`

	// Raw is the undecoded response body
	Raw json.RawMessage `json:"-"`
}

// PaymentStatus is the answer of GET /payment/{id}
type PaymentStatus struct {
	PaymentID     ID              `json:"payment_id"`
	PaymentStatus string          `json:"payment_status"`
	PayAddress    string          `json:"pay_address"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	PayAmount     decimal.Decimal `json:"pay_amount"`
	ActuallyPaid  decimal.Decimal `json:"actually_paid"`
	PayCurrency   string          `json:"pay_currency"`
	OrderID       string          `json:"order_id"`
	CreatedAt     string          `json:"created_at,omitempty"`
	UpdatedAt     string          `json:"updated_at,omitempty"`
}

type currenciesResponse struct {
	Currencies []string `json:"currencies"`
}
