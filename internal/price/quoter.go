package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Quoter fetches the current USD price of one Pi.
type Quoter interface {
	Quote(ctx context.Context) (float64, error)
}

// QuoterFunc adapts a function to Quoter.
type QuoterFunc func(ctx context.Context) (float64, error)

func (f QuoterFunc) Quote(ctx context.Context) (float64, error) { return f(ctx) }

var errBadQuote = errors.New("price: quote source returned no usable price")

const (
	DefaultQuoteURL = "https://api.coingecko.com/api/v3/simple/price"
	DefaultCoinID   = "pi-network"
)

// HTTPQuoter reads a CoinGecko-style "simple price" endpoint.
type HTTPQuoter struct {
	URL        string
	CoinID     string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPQuoter returns a quoter with defaults filled in.
func NewHTTPQuoter(rawURL, coinID, apiKey string, timeout time.Duration) *HTTPQuoter {
	if rawURL == "" {
		rawURL = DefaultQuoteURL
	}
	if coinID == "" {
		coinID = DefaultCoinID
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPQuoter{
		URL:        rawURL,
		CoinID:     coinID,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (q *HTTPQuoter) Quote(ctx context.Context) (float64, error) {
	u, err := url.Parse(q.URL)
	if err != nil {
		return 0, fmt.Errorf("price: parse quote url: %w", err)
	}
	params := u.Query()
	params.Set("ids", q.CoinID)
	params.Set("vs_currencies", "usd")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if q.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", q.APIKey)
	}

	client := q.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price: quote request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("price: quote source status %d: %s", resp.StatusCode, string(body))
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err != nil {
		return 0, fmt.Errorf("price: decode quote: %w", err)
	}
	v, ok := payload[q.CoinID]["usd"]
	if !ok || v <= 0 {
		return 0, errBadQuote
	}
	return v, nil
}
