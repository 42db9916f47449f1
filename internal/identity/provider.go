// Package identity exchanges Pi access tokens for verified identities and local sessions.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pishop.app/internal/obs"
)

var (
	// ErrInvalidToken means the provider rejected the access token or answered with garbage.
	ErrInvalidToken = errors.New("identity: invalid access token")
	// ErrUnavailable means the provider could not be reached in time.
	ErrUnavailable = errors.New("identity: provider unavailable")
)

// Identity is what the provider asserts about the token holder.
type Identity struct {
	ExternalID string
	Username   string
	Email      string
}

// Provider resolves an access token to an Identity.
type Provider interface {
	Me(ctx context.Context, accessToken string) (Identity, error)
}

// PiProvider calls the Pi platform's /v2/me endpoint.
type PiProvider struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewPiProvider(baseURL string, timeout time.Duration) *PiProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PiProvider{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type meResponse struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (p *PiProvider) Me(ctx context.Context, accessToken string) (id Identity, err error) {
	start := time.Now()
	defer func() { obs.ObserveUpstream("identity", "me", start, err) }()

	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Identity{}, ErrInvalidToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v2/me", nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Identity{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Identity{}, fmt.Errorf("%w: status %d", ErrInvalidToken, resp.StatusCode)
	}

	var me meResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&me); err != nil {
		return Identity{}, fmt.Errorf("%w: decode: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(me.UID) == "" {
		return Identity{}, fmt.Errorf("%w: empty uid", ErrInvalidToken)
	}
	return Identity{
		ExternalID: strings.TrimSpace(me.UID),
		Username:   strings.TrimSpace(me.Username),
		Email:      strings.TrimSpace(me.Email),
	}, nil
}
