package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"layerstore/pkg/auth"
	"layerstore/pkg/image"
	"layerstore/pkg/metrics"
)

var (
	// ErrRequestFailed is wrapped by non-2xx registry responses that carry no
	// recognizable error body.
	ErrRequestFailed = errors.New("registry request failed")

	// ErrErrorResponse is wrapped by non-2xx registry responses whose body
	// contains a docker-style errors array.
	ErrErrorResponse = errors.New("registry error response")

	// ErrTokenInvalid is returned when the authorization server handed out a
	// token that is expired or not yet valid. Distinct from
	// auth.ErrTokenMalformed so callers can tell "can't use this token" from
	// "token is garbage".
	ErrTokenInvalid = errors.New("token expired or not yet valid")
)

type ClientConfig struct {
	Client  *http.Client
	Log     logr.Logger
	Account string
	Now     func() time.Time
}

func (cfg *ClientConfig) Apply(opts ...ClientOption) error {
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

type ClientOption func(cfg *ClientConfig) error

func WithHTTPClient(client *http.Client) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Client = client
		return nil
	}
}

func WithTransport(transport http.RoundTripper) ClientOption {
	return func(cfg *ClientConfig) error {
		if cfg.Client == nil {
			cfg.Client = &http.Client{}
		}
		cfg.Client.Transport = transport
		return nil
	}
}

func WithLogger(log logr.Logger) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithAccount sets the account passed along with token requests.
func WithAccount(account string) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Account = account
		return nil
	}
}

// WithClock overrides the time source used for token validity checks.
func WithClock(now func() time.Time) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Now = now
		return nil
	}
}

// Client talks to a single v2 registry endpoint. Both operations follow the
// same protocol: try unauthenticated, answer a 401 bearer challenge with a
// token from the TokenManager, then retry exactly once with the token.
type Client struct {
	registryURL *url.URL
	tokens      *auth.TokenManager
	client      *http.Client
	bufferPool  *sync.Pool
	log         logr.Logger
	account     string
	now         func() time.Time
}

func NewClient(registryURL string, tokens *auth.TokenManager, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(registryURL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry url %q: %w", registryURL, err)
	}

	cfg := ClientConfig{
		Client: &http.Client{},
		Log:    logr.Discard(),
		Now:    time.Now,
	}
	err = cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	// Redirects are handled explicitly. Blob storage backends answer with
	// their own signed URLs and the client must not re-send credentials or
	// follow more than one hop.
	cfg.Client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	bufferPool := &sync.Pool{
		New: func() any {
			buf := make([]byte, 32*1024)
			return &buf
		},
	}

	return &Client{
		registryURL: u,
		tokens:      tokens,
		client:      cfg.Client,
		bufferPool:  bufferPool,
		log:         cfg.Log,
		account:     cfg.Account,
		now:         cfg.Now,
	}, nil
}

// GetManifest fetches and validates the manifest for the named image.
func (c *Client) GetManifest(ctx context.Context, name image.Name) (*image.Manifest, error) {
	u := c.endpoint(name.Repository, "manifests", name.Tag)

	resp, err := c.get(ctx, u, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest response: %w", ErrRequestFailed, err)
	}

	manifest, err := image.ParseManifest(b)
	if err != nil {
		return nil, fmt.Errorf("manifest for %s: %w", name.String(), err)
	}
	return manifest, nil
}

// GetBlob downloads the blob with the given digest and streams it to
// destPath, creating parent directories as needed. A single 307 redirect to a
// blob storage backend is followed without re-authenticating. Returns the
// number of bytes written.
func (c *Client) GetBlob(ctx context.Context, name image.Name, dgst digest.Digest, destPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating blob directory: %w", err)
	}

	u := c.endpoint(name.Repository, "blobs", dgst.String())

	resp, err := c.get(ctx, u, true)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating blob file %q: %w", destPath, err)
	}

	buf := c.bufferPool.Get().(*[]byte)
	defer c.bufferPool.Put(buf)

	n, err := io.CopyBuffer(f, resp.Body, *buf)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("writing blob to %q: %w", destPath, err)
	}

	metrics.BlobBytesTotal.Add(float64(n))
	c.log.V(4).Info("downloaded blob", "digest", dgst.String(), "path", destPath, "bytes", n)
	return n, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.registryURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v2/" + strings.Join(parts, "/")
	return u.String()
}

// get runs the two-phase request protocol and returns a response with status
// 200 and an open body. followRedirect additionally allows one 307 hop,
// which only the blob endpoint is expected to produce.
func (c *Client) get(ctx context.Context, url string, followRedirect bool) (*http.Response, error) {
	resp, err := c.do(ctx, url, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		challenge, err := func() (Challenge, error) {
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			return ParseChallenge(resp.Header)
		}()
		if err != nil {
			return nil, err
		}

		c.log.V(4).Info("answering auth challenge", "service", challenge.Service, "scope", challenge.Scope)
		token, err := c.tokens.GetToken(ctx, challenge.Service, challenge.Scope, c.account)
		if err != nil {
			return nil, err
		}
		if !token.Valid(c.now()) {
			return nil, ErrTokenInvalid
		}

		resp, err = c.do(ctx, url, token.Raw)
		if err != nil {
			return nil, err
		}
		// A second 401 means the token did not help; fall through to the
		// error path rather than challenging again.
	}

	if followRedirect && resp.StatusCode == http.StatusTemporaryRedirect {
		location := resp.Header.Get("Location")
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if location == "" {
			return nil, fmt.Errorf("%w: redirect response has no Location header", ErrRequestFailed)
		}

		c.log.V(4).Info("following blob redirect", "location", location)

		// The redirect target carries its own signed query parameters, so no
		// Authorization header is sent and further redirects are an error.
		resp, err = c.do(ctx, location, "")
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.errorFromResponse(resp)
	}

	return resp, nil
}

func (c *Client) do(ctx context.Context, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	c.log.V(4).Info("registry response", "url", url, "status", resp.Status)
	return resp, nil
}

// errorFromResponse turns a non-200 response into an error, preferring the
// messages of a docker-style errors array over the bare status line.
func (c *Client) errorFromResponse(resp *http.Response) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRequestFailed, resp.Status)
	}

	var body struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(b, &body); err != nil || len(body.Errors) == 0 {
		return fmt.Errorf("%w: %s", ErrRequestFailed, resp.Status)
	}

	messages := make([]string, 0, len(body.Errors))
	for _, e := range body.Errors {
		if e.Message == "" {
			continue
		}
		messages = append(messages, e.Message)
	}
	if len(messages) == 0 {
		return fmt.Errorf("%w: %s", ErrRequestFailed, resp.Status)
	}
	return fmt.Errorf("%w: %s: %s", ErrErrorResponse, resp.Status, strings.Join(messages, ", "))
}
