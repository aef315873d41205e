package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-logr/logr"

	"layerstore/pkg/metrics"
)

// ErrTokenRequest is wrapped by transport-level failures against the
// authorization server (connection refused, DNS, timeouts).
var ErrTokenRequest = errors.New("token request failed")

type TokenManagerConfig struct {
	Client *http.Client
	Log    logr.Logger
}

func (cfg *TokenManagerConfig) Apply(opts ...TokenManagerOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type TokenManagerOption func(cfg *TokenManagerConfig) error

func WithHTTPClient(client *http.Client) TokenManagerOption {
	return func(cfg *TokenManagerConfig) error {
		cfg.Client = client
		return nil
	}
}

func WithLogger(log logr.Logger) TokenManagerOption {
	return func(cfg *TokenManagerConfig) error {
		cfg.Log = log
		return nil
	}
}

// TokenManager fetches bearer tokens from a registry authorization server.
// Tokens are not cached; each exchange produces a token that the caller uses
// for exactly one registry request.
type TokenManager struct {
	authURL *url.URL
	client  *http.Client
	log     logr.Logger
}

func NewTokenManager(authURL string, opts ...TokenManagerOption) (*TokenManager, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization server url %q: %w", authURL, err)
	}

	cfg := TokenManagerConfig{
		Client: &http.Client{Timeout: 30 * time.Second},
		Log:    logr.Discard(),
	}
	err = cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	return &TokenManager{
		authURL: u,
		client:  cfg.Client,
		log:     cfg.Log,
	}, nil
}

// GetToken requests a token for the given service and scope. The account is
// optional and omitted from the query when empty. The returned token has been
// structurally validated but may already be expired or not yet valid; check
// Token.Valid before use.
func (m *TokenManager) GetToken(ctx context.Context, service, scope, account string) (*Token, error) {
	u := *m.authURL
	q := u.Query()
	q.Set("service", service)
	q.Set("scope", scope)
	if account != "" {
		q.Set("account", account)
	}
	u.RawQuery = q.Encode()

	m.log.V(4).Info("requesting token", "url", u.Redacted(), "service", service, "scope", scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.TokenRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.TokenRequestsTotal.WithLabelValues("error").Inc()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: authorization server responded with %s", ErrTokenRequest, resp.Status)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.TokenRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: token response is not JSON: %w", ErrTokenMalformed, err)
	}
	if body.Token == "" {
		metrics.TokenRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: token response has no token field", ErrTokenMalformed)
	}

	token, err := ParseToken(body.Token)
	if err != nil {
		metrics.TokenRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.TokenRequestsTotal.WithLabelValues("ok").Inc()
	return token, nil
}
