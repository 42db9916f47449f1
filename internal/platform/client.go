// Package platform is a client for the Pi payment platform's server-side API.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pishop.app/internal/obs"
)

var (
	ErrNotFound    = errors.New("platform: payment not found")
	ErrRejected    = errors.New("platform: request rejected")
	ErrUnavailable = errors.New("platform: unavailable")
)

// DefaultBaseURL serves both networks; the API key decides sandbox vs mainnet.
const DefaultBaseURL = "https://api.minepi.com"

// Status is the platform's view of a payment's progress.
type Status struct {
	DeveloperApproved   bool `json:"developer_approved"`
	TransactionVerified bool `json:"transaction_verified"`
	DeveloperCompleted  bool `json:"developer_completed"`
	Cancelled           bool `json:"cancelled"`
	UserCancelled       bool `json:"user_cancelled"`
}

// Transaction is the blockchain transaction attached to a payment, if any.
type Transaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
	Link     string `json:"_link"`
}

// Payment is the platform payment DTO.
type Payment struct {
	Identifier  string          `json:"identifier"`
	UserUID     string          `json:"user_uid"`
	Amount      float64         `json:"amount"`
	Memo        string          `json:"memo"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	Direction   string          `json:"direction"`
	Network     string          `json:"network"`
	CreatedAt   string          `json:"created_at"`
	Status      Status          `json:"status"`
	Transaction *Transaction    `json:"transaction"`
}

// Cancelled reports whether either side cancelled the payment.
func (p Payment) Cancelled() bool { return p.Status.Cancelled || p.Status.UserCancelled }

// PackageID reads the package reference the client attached to the payment.
func (p Payment) PackageID() string {
	if len(p.Metadata) == 0 {
		return ""
	}
	var md map[string]any
	if err := json.Unmarshal(p.Metadata, &md); err != nil {
		return ""
	}
	for _, k := range []string{"package_id", "packageId"} {
		if s, ok := md[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Client calls /v2/payments with the service API key.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Get(ctx context.Context, paymentID string) (Payment, error) {
	return c.do(ctx, "get", http.MethodGet, paymentID, "", nil)
}

func (c *Client) Approve(ctx context.Context, paymentID string) (Payment, error) {
	return c.do(ctx, "approve", http.MethodPost, paymentID, "/approve", nil)
}

func (c *Client) Complete(ctx context.Context, paymentID, txid string) (Payment, error) {
	return c.do(ctx, "complete", http.MethodPost, paymentID, "/complete", map[string]string{"txid": txid})
}

func (c *Client) Cancel(ctx context.Context, paymentID string) (Payment, error) {
	return c.do(ctx, "cancel", http.MethodPost, paymentID, "/cancel", nil)
}

type apiError struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (c *Client) do(ctx context.Context, op, method, paymentID, suffix string, body any) (p Payment, err error) {
	start := time.Now()
	defer func() { obs.ObserveUpstream("platform", op, start, err) }()

	if strings.TrimSpace(paymentID) == "" {
		return Payment{}, ErrNotFound
	}
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Payment{}, err
		}
		rdr = bytes.NewReader(raw)
	}
	endpoint := c.BaseURL + "/v2/payments/" + url.PathEscape(paymentID) + suffix
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return Payment{}, err
	}
	req.Header.Set("Authorization", "Key "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, paymentID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return Payment{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Payment{}, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	case resp.StatusCode >= 500:
		return Payment{}, fmt.Errorf("%w: %s status %d", ErrUnavailable, op, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		msg := ae.ErrorMessage
		if msg == "" {
			msg = ae.Error
		}
		return Payment{}, fmt.Errorf("%w: %s status %d: %s", ErrRejected, op, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(raw, &p); err != nil {
		return Payment{}, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, op, err)
	}
	return p, nil
}
