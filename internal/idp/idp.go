// Package idp wraps the external OIDC identity provider's token endpoint:
// authorization-code exchange (with PKCE), refresh-token grant, and
// best-effort revocation. The IdP is treated as an opaque endpoint at a
// fixed URL, so unlike RouteDispatcher's downstream calls this client
// talks directly — no service discovery, no resilience envelope.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/session"
)

// ErrExchangeFailed is returned by ExchangeCode on a non-2xx response.
var ErrExchangeFailed = errors.New("idp: exchange code failed")

// ErrRefreshFailed is returned by Refresh on a non-2xx response; the
// caller must destroy the session on this error.
var ErrRefreshFailed = errors.New("idp: refresh failed")

// Client talks to the IdP's OAuth2/OIDC token endpoint.
type Client struct {
	cfg    config.IdP
	client *klient.Client
}

// New constructs a Client with connect/read timeouts from configuration.
// The underlying HTTP client is not shared with RouteDispatcher's
// load-balanced one: the IdP lives at a single fixed URL.
func New(cfg config.IdP) (*Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	httpClient := &http.Client{Timeout: cfg.ReadTimeout, Transport: transport}

	c, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("idp: build client: %w", err)
	}
	c.HTTP = httpClient

	return &Client{cfg: cfg, client: c}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

// ExchangeCode performs the authorization_code grant with the PKCE code
// verifier, returning a fresh token set.
func (c *Client) ExchangeCode(ctx context.Context, code, pkceVerifier string) (session.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"code_verifier": {pkceVerifier},
	}

	return c.post(ctx, form, ErrExchangeFailed)
}

// Refresh performs the refresh_token grant. No retries: a failure here
// must surface so the caller tears down the session rather than serving
// a stale or revoked token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}

	return c.post(ctx, form, ErrRefreshFailed)
}

// Revoke is best-effort on logout: failure is logged and swallowed.
func (c *Client) Revoke(ctx context.Context, refreshToken string) {
	if c.cfg.RevocationURI == "" {
		return
	}

	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
		"client_id":       {c.cfg.ClientID},
		"client_secret":   {c.cfg.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RevocationURI, strings.NewReader(form.Encode()))
	if err != nil {
		slog.Warn("idp: revoke build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.HTTP.Do(req)
	if err != nil {
		slog.Warn("idp: revoke request failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("idp: revoke returned non-2xx", "status", resp.StatusCode)
	}
}

func (c *Client) post(ctx context.Context, form url.Values, failErr error) (session.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return session.TokenSet{}, fmt.Errorf("%w: build request: %v", failErr, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.HTTP.Do(req)
	if err != nil {
		return session.TokenSet{}, fmt.Errorf("%w: %v", failErr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.TokenSet{}, fmt.Errorf("%w: read response: %v", failErr, err)
	}

	var tr tokenResponse
	if jsonErr := json.Unmarshal(body, &tr); jsonErr != nil {
		return session.TokenSet{}, fmt.Errorf("%w: parse response: %v", failErr, jsonErr)
	}

	if resp.StatusCode != http.StatusOK {
		msg := tr.Error
		if tr.ErrorDesc != "" {
			msg = tr.Error + ": " + tr.ErrorDesc
		}
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return session.TokenSet{}, fmt.Errorf("%w: %s", failErr, msg)
	}

	if tr.AccessToken == "" {
		return session.TokenSet{}, fmt.Errorf("%w: empty access token in response", failErr)
	}

	return session.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
	}, nil
}

// AuthorizationURL builds the IdP's authorization endpoint redirect URL
// with the PKCE challenge and the given random state.
func (c *Client) AuthorizationURL(state, pkceChallenge string) string {
	v := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.cfg.ClientID},
		"redirect_uri":          {c.cfg.RedirectURI},
		"scope":                 {strings.Join(c.cfg.Scopes, " ")},
		"state":                 {state},
		"code_challenge":        {pkceChallenge},
		"code_challenge_method": {"S256"},
	}

	return c.cfg.AuthorizationURI + "?" + v.Encode()
}
