package nowpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client is a NOWPayments HTTP client. It never retries; callers decide.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithTimeout bounds every request
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRate limits outgoing requests per second. Zero or less disables it.
func WithRate(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new NOWPayments client
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(4), 1), // ~4 RPS
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, body interface{}) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &APIError{Op: op, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, &APIError{Op: op, Err: fmt.Errorf("marshal body: %w", err)}
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &APIError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Op: op, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
	}

	return data, nil
}

// CreatePayment creates a payment intent priced in PriceCurrency (usd if empty)
func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	priceCurrency := req.PriceCurrency
	if priceCurrency == "" {
		priceCurrency = "usd"
	}

	body := createPaymentBody{
		PriceAmount:      req.PriceAmount.InexactFloat64(),
		PriceCurrency:    priceCurrency,
		PayCurrency:      strings.ToLower(req.PayCurrency),
		OrderID:          req.OrderID,
		OrderDescription: req.OrderDescription,
		IPNCallbackURL:   req.IPNCallbackURL,
	}

	data, err := c.doRequest(ctx, "create payment", http.MethodPost, "/payment", body)
	if err != nil {
		return nil, err
	}

	var payment Payment
	if err := json.Unmarshal(data, &payment); err != nil {
		return nil, &APIError{Op: "create payment", StatusCode: http.StatusOK, Body: string(data), Err: fmt.Errorf("unmarshal: %w", err)}
	}
	if payment.PaymentID == "" {
		return nil, &APIError{Op: "create payment", StatusCode: http.StatusOK, Body: string(data), Err: fmt.Errorf("response has no payment_id")}
	}
	payment.Raw = json.RawMessage(data)

	return &payment, nil
}

// GetPaymentStatus returns the current gateway view of a payment
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	data, err := c.doRequest(ctx, "get payment status", http.MethodGet, "/payment/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, err
	}

	var status PaymentStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, &APIError{Op: "get payment status", StatusCode: http.StatusOK, Body: string(data), Err: fmt.Errorf("unmarshal: %w", err)}
	}

	return &status, nil
}

// ListCurrencies returns the pay currency codes the gateway accepts
func (c *Client) ListCurrencies(ctx context.Context) ([]string, error) {
	data, err := c.doRequest(ctx, "list currencies", http.MethodGet, "/currencies", nil)
	if err != nil {
		return nil, err
	}

	var resp currenciesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &APIError{Op: "list currencies", StatusCode: http.StatusOK, Body: string(data), Err: fmt.Errorf("unmarshal: %w", err)}
	}

	return resp.Currencies, nil
}
