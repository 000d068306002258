// Package registry is a small client for the registry HTTP distribution
// protocol: token auth, manifest and index resolution, verified blob fetch.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/distribution/reference"
	"github.com/onkernel/pdocker/lib/logger"
)

const (
	defaultUserAgent  = "pdocker/1.0"
	defaultMaxTries   = 4
	defaultHubHost    = "registry-1.docker.io"
	maxManifestBytes  = 8 << 20
	maxTokenBodyBytes = 1 << 20
)

// Options configures a Client.
type Options struct {
	// HTTPClient defaults to a client with Timeout as its overall deadline.
	HTTPClient *http.Client
	// Timeout bounds each HTTP request. Zero means no timeout.
	Timeout time.Duration
	// Keychain supplies credentials per registry host. May be nil.
	Keychain Keychain
	// Insecure lists hosts reached over plain HTTP. Loopback hosts always are.
	Insecure []string
	// MaxTries bounds attempts for idempotent GETs.
	MaxTries uint
	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval time.Duration
	UserAgent            string
	Logger               *slog.Logger
}

// Client talks to OCI/Docker registries. It is safe for concurrent use.
// Tokens live on the Repository values it hands out, never on the Client.
type Client struct {
	http     *http.Client
	keychain Keychain
	insecure map[string]bool
	maxTries uint
	initial  time.Duration
	ua       string
	log      *slog.Logger
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	insecure := make(map[string]bool, len(opts.Insecure))
	for _, h := range opts.Insecure {
		if h = strings.TrimSpace(h); h != "" {
			insecure[h] = true
		}
	}
	maxTries := opts.MaxTries
	if maxTries == 0 {
		maxTries = defaultMaxTries
	}
	initial := opts.RetryInitialInterval
	if initial == 0 {
		initial = 500 * time.Millisecond
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		http:     hc,
		keychain: opts.Keychain,
		insecure: insecure,
		maxTries: maxTries,
		initial:  initial,
		ua:       ua,
		log:      log,
	}
}

// Repository is one resolve+fetch session against a repository. It caches
// the bearer token obtained during the session.
type Repository struct {
	client *Client
	domain string
	base   url.URL
	path   string

	auth authState
}

// Repository opens a session for the repository of named.
func (c *Client) Repository(named reference.Named) *Repository {
	domain := reference.Domain(named)
	host := domain
	if CanonicalHost(domain) == "docker.io" {
		host = defaultHubHost
	}
	return &Repository{
		client: c,
		domain: domain,
		base:   url.URL{Scheme: c.scheme(host), Host: host},
		path:   reference.Path(named),
	}
}

// Name returns the repository path, e.g. "library/alpine".
func (r *Repository) Name() string {
	return r.path
}

// Host returns the registry API host the session talks to.
func (r *Repository) Host() string {
	return r.base.Host
}

func (c *Client) scheme(host string) string {
	if c.insecure[host] || isLoopback(host) {
		return "http"
	}
	return "https"
}

func isLoopback(host string) bool {
	h := host
	if hh, _, err := net.SplitHostPort(host); err == nil {
		h = hh
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func (r *Repository) url(kind, ref string) string {
	u := r.base
	u.Path = "/v2/" + r.path + "/" + kind + "/" + ref
	return u.String()
}

// get issues an idempotent GET with auth negotiation and bounded retries.
// The caller owns the body of the returned response.
func (r *Repository) get(ctx context.Context, rawURL string, accept []string) (*http.Response, error) {
	log := logger.FromContext(ctx)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.client.initial

	op := func() (*http.Response, error) {
		resp, err := r.doAuthed(ctx, rawURL, accept)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		defer drain(resp)
		return nil, classifyStatus(resp, rawURL)
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.client.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.DebugContext(ctx, "retrying registry request", "url", rawURL, "error", err, "backoff", next)
		}),
	)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrTransport) {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return nil, err
	}
	return resp, nil
}

// doAuthed sends one request and answers a single auth challenge. An
// expired bearer token is replaced once; only a rejection of freshly
// negotiated credentials is an auth failure.
func (r *Repository) doAuthed(ctx context.Context, rawURL string, accept []string) (*http.Response, error) {
	resp, err := r.send(ctx, rawURL, accept)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenges := ParseChallenges(resp.Header)
	drain(resp)

	if !r.auth.renewable() {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s rejected credentials for %s", ErrAuth, r.base.Host, r.path))
	}
	if r.auth.attempted() {
		logger.FromContext(ctx).DebugContext(ctx, "bearer token rejected, renewing", "registry", r.base.Host, "repository", r.path)
	}
	if err := r.authenticate(ctx, challenges); err != nil {
		return nil, err
	}

	resp, err = r.send(ctx, rawURL, accept)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		drain(resp)
		return nil, backoff.Permanent(fmt.Errorf("%w: %s denied access to %s (status %d)", ErrAuth, r.base.Host, r.path, resp.StatusCode))
	}
	return resp, nil
}

func (r *Repository) send(ctx context.Context, rawURL string, accept []string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: build request: %w", ErrTransport, err))
	}
	req.Header.Set("User-Agent", r.client.ua)
	if len(accept) > 0 {
		req.Header.Set("Accept", strings.Join(accept, ", "))
	}
	r.auth.apply(req)

	resp, err := r.client.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrTransport, ctx.Err()))
		}
		return nil, fmt.Errorf("%w: GET %s: %w", ErrTransport, rawURL, err)
	}
	return resp, nil
}

// classifyStatus maps a non-2xx response onto the error taxonomy. Only
// server errors and throttling stay retryable.
func classifyStatus(resp *http.Response, rawURL string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, rawURL))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: status %d for %s", ErrAuth, resp.StatusCode, rawURL))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d for %s", ErrTransport, resp.StatusCode, rawURL)
	default:
		return backoff.Permanent(fmt.Errorf("%w: unexpected status %d for %s", ErrTransport, resp.StatusCode, rawURL))
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
