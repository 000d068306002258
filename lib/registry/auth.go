package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/onkernel/pdocker/lib/logger"
)

// authState holds the credentials negotiated for one Repository session.
type authState struct {
	mu     sync.Mutex
	tried  bool
	bearer string
	basic  *authn.AuthConfig
}

func (a *authState) apply(req *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.bearer != "":
		req.Header.Set("Authorization", "Bearer "+a.bearer)
	case a.basic != nil:
		req.SetBasicAuth(a.basic.Username, a.basic.Password)
	}
}

func (a *authState) attempted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tried
}

// renewable reports whether a 401 may be answered by negotiating again.
// A session that has not authenticated yet, or that holds a bearer token
// which may have expired, can ask the realm for a fresh token. Basic
// credentials that were rejected once will be rejected again.
func (a *authState) renewable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.tried || a.bearer != ""
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// authenticate answers the challenges of a 401 response. Bearer is preferred
// over Basic when both are offered.
func (r *Repository) authenticate(ctx context.Context, challenges []Challenge) error {
	log := logger.FromContext(ctx)

	creds, haveCreds := r.credentials()

	var bearer, basic *Challenge
	for i := range challenges {
		switch challenges[i].Scheme {
		case "bearer":
			bearer = &challenges[i]
		case "basic":
			basic = &challenges[i]
		}
	}

	switch {
	case bearer != nil:
		log.DebugContext(ctx, "requesting bearer token", "realm", bearer.Parameters["realm"], "repository", r.path)
		token, err := r.fetchToken(ctx, *bearer, creds, haveCreds)
		if err != nil {
			return err
		}
		r.auth.mu.Lock()
		r.auth.tried = true
		r.auth.bearer = token
		r.auth.mu.Unlock()
		return nil
	case basic != nil:
		if !haveCreds {
			return backoff.Permanent(fmt.Errorf("%w: %s requires credentials", ErrAuth, r.base.Host))
		}
		r.auth.mu.Lock()
		r.auth.tried = true
		r.auth.basic = &creds
		r.auth.mu.Unlock()
		return nil
	default:
		return backoff.Permanent(fmt.Errorf("%w: %s returned 401 without a usable challenge", ErrAuth, r.base.Host))
	}
}

func (r *Repository) credentials() (authn.AuthConfig, bool) {
	if r.client.keychain == nil {
		return authn.AuthConfig{}, false
	}
	if cfg, ok := r.client.keychain.Lookup(r.domain); ok {
		return cfg, true
	}
	return r.client.keychain.Lookup(r.base.Host)
}

// fetchToken requests a token from the realm named in the challenge.
func (r *Repository) fetchToken(ctx context.Context, ch Challenge, creds authn.AuthConfig, haveCreds bool) (string, error) {
	realm := ch.Parameters["realm"]
	if realm == "" {
		return "", backoff.Permanent(fmt.Errorf("%w: bearer challenge without realm", ErrAuth))
	}
	u, err := url.Parse(realm)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: invalid realm %q: %w", ErrAuth, realm, err))
	}

	q := u.Query()
	if svc := ch.Parameters["service"]; svc != "" {
		q.Set("service", svc)
	}
	scope := ch.Parameters["scope"]
	if scope == "" && r.path != "" {
		scope = "repository:" + r.path + ":pull"
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: build token request: %w", ErrAuth, err))
	}
	req.Header.Set("User-Agent", r.client.ua)
	if haveCreds {
		switch {
		case creds.RegistryToken != "":
			return creds.RegistryToken, nil
		case creds.Username != "":
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	}

	resp, err := r.client.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: token endpoint status %d", ErrTransport, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", backoff.Permanent(fmt.Errorf("%w: token endpoint %s returned %d", ErrAuth, u.Host, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read token: %w", ErrTransport, err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: decode token: %w", ErrAuth, err))
	}
	token := strings.TrimSpace(tr.Token)
	if token == "" {
		token = strings.TrimSpace(tr.AccessToken)
	}
	if token == "" {
		return "", backoff.Permanent(fmt.Errorf("%w: token endpoint returned no token", ErrAuth))
	}
	return token, nil
}

// CheckLogin verifies credentials against the registry's /v2/ endpoint.
func (c *Client) CheckLogin(ctx context.Context, host string, creds authn.AuthConfig) error {
	apiHost := host
	if CanonicalHost(host) == "docker.io" {
		apiHost = defaultHubHost
	}
	r := &Repository{
		client: &Client{
			http:     c.http,
			keychain: StaticKeychain{Username: creds.Username, Password: creds.Password},
			insecure: c.insecure,
			maxTries: c.maxTries,
			initial:  c.initial,
			ua:       c.ua,
			log:      c.log,
		},
		domain: apiHost,
		base:   url.URL{Scheme: c.scheme(apiHost), Host: apiHost},
	}

	u := r.base
	u.Path = "/v2/"
	resp, err := r.get(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}
