// Package payment is the client of the card payment gateway: transaction
// registration, verification and notification signature checks.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNotConfigured is returned by a Client built without a base URL.
var ErrNotConfigured = errors.New("payment gateway not configured")

// Config holds the merchant credentials.
type Config struct {
	BaseURL    string
	MerchantID int
	PosID      int
	APIKey     string
	CRC        string
	Currency   string
	Timeout    time.Duration
}

// RegisterRequest describes one payment attempt.
type RegisterRequest struct {
	SessionID   string // our external id of the attempt
	AmountCents int64
	Description string
	Email       string
	ReturnURL   string
	NotifyURL   string
}

// Registration is the gateway's answer to RegisterRequest.
type Registration struct {
	Token       string
	RedirectURL string
}

// VerifyRequest confirms a notified transaction with the gateway.
type VerifyRequest struct {
	SessionID   string
	OrderID     int64 // gateway transaction id from the notification
	AmountCents int64
}

// Client talks to the gateway REST API.
type Client struct {
	cfg  Config
	http *resty.Client
}

// NewClient returns a client; with an empty BaseURL every remote call
// fails with ErrNotConfigured.
func NewClient(cfg Config) *Client {
	if cfg.Currency == "" {
		cfg.Currency = "PLN"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	h := resty.New().
		SetTimeout(cfg.Timeout).
		SetBasicAuth(fmt.Sprintf("%d", cfg.PosID), cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &Client{cfg: cfg, http: h}
}

func (c *Client) Configured() bool { return c != nil && c.cfg.BaseURL != "" }

// Currency is the ISO code every transaction is registered in.
func (c *Client) Currency() string { return c.cfg.Currency }

type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// CreateTransaction registers a transaction and returns the redirect URL
// the customer must follow.
func (c *Client) CreateTransaction(ctx context.Context, r RegisterRequest) (Registration, error) {
	if !c.Configured() {
		return Registration{}, ErrNotConfigured
	}
	body := map[string]any{
		"merchantId":  c.cfg.MerchantID,
		"posId":       c.cfg.PosID,
		"sessionId":   r.SessionID,
		"amount":      r.AmountCents,
		"currency":    c.cfg.Currency,
		"description": r.Description,
		"email":       r.Email,
		"country":     "PL",
		"language":    "en",
		"urlReturn":   r.ReturnURL,
		"urlStatus":   r.NotifyURL,
		"sign":        c.registerSign(r),
	}
	var (
		out struct {
			Data struct {
				Token string `json:"token"`
			} `json:"data"`
		}
		fail apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&fail).
		Post(c.cfg.BaseURL + "/api/v1/transaction/register")
	if err != nil {
		return Registration{}, fmt.Errorf("register transaction: %w", err)
	}
	if resp.IsError() || out.Data.Token == "" {
		return Registration{}, fmt.Errorf("register transaction: status %d: %s", resp.StatusCode(), fail.Error)
	}
	return Registration{
		Token:       out.Data.Token,
		RedirectURL: c.cfg.BaseURL + "/trnRequest/" + out.Data.Token,
	}, nil
}

// VerifyTransaction confirms a notified transaction.  A nil error means the
// gateway accepted the verification.
func (c *Client) VerifyTransaction(ctx context.Context, r VerifyRequest) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	sign := sha384Hex(mustCanonicalJSON(struct {
		SessionID string `json:"sessionId"`
		OrderID   int64  `json:"orderId"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		CRC       string `json:"crc"`
	}{r.SessionID, r.OrderID, r.AmountCents, c.cfg.Currency, c.cfg.CRC}))

	var (
		out struct {
			Data struct {
				Status string `json:"status"`
			} `json:"data"`
		}
		fail apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"merchantId": c.cfg.MerchantID,
			"posId":      c.cfg.PosID,
			"sessionId":  r.SessionID,
			"amount":     r.AmountCents,
			"currency":   c.cfg.Currency,
			"orderId":    r.OrderID,
			"sign":       sign,
		}).
		SetResult(&out).
		SetError(&fail).
		Put(c.cfg.BaseURL + "/api/v1/transaction/verify")
	if err != nil {
		return fmt.Errorf("verify transaction: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !strings.EqualFold(out.Data.Status, "success") {
		return fmt.Errorf("verify transaction: status %d: %s", resp.StatusCode(), fail.Error)
	}
	return nil
}

// VerifyNotification checks a notification against the configured CRC.
func (c *Client) VerifyNotification(n Notification) SignatureMatch {
	return VerifySignature(n, c.cfg.CRC)
}

func (c *Client) registerSign(r RegisterRequest) string {
	return sha384Hex(mustCanonicalJSON(struct {
		SessionID  string `json:"sessionId"`
		MerchantID int    `json:"merchantId"`
		Amount     int64  `json:"amount"`
		Currency   string `json:"currency"`
		CRC        string `json:"crc"`
	}{r.SessionID, c.cfg.MerchantID, r.AmountCents, c.cfg.Currency, c.cfg.CRC}))
}
