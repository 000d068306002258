package registry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
)

// Keychain looks up credentials for a registry host.
type Keychain interface {
	Lookup(host string) (authn.AuthConfig, bool)
}

// Credentials is a file-backed Keychain in the familiar
// {"auths": {"host": {...}}} format.
type Credentials struct {
	path string
	mu   sync.Mutex
}

type credentialsFile struct {
	Auths map[string]authn.AuthConfig `json:"auths"`
}

// NewCredentials opens the credentials store at path. The file is created
// on the first Store.
func NewCredentials(path string) *Credentials {
	return &Credentials{path: path}
}

// Lookup returns the stored credentials for host, matching registry aliases.
func (c *Credentials) Lookup(host string) (authn.AuthConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.read()
	if err != nil {
		return authn.AuthConfig{}, false
	}
	want := CanonicalHost(host)
	for server, cfg := range f.Auths {
		if CanonicalHost(server) != want {
			continue
		}
		cfg = decodeAuthField(cfg)
		if cfg.Username == "" && cfg.IdentityToken == "" && cfg.RegistryToken == "" {
			continue
		}
		return cfg, true
	}
	return authn.AuthConfig{}, false
}

// Store saves credentials for host, replacing any previous entry.
func (c *Credentials) Store(host string, cfg authn.AuthConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.read()
	if err != nil {
		return err
	}
	key := CanonicalHost(host)
	for server := range f.Auths {
		if CanonicalHost(server) == key {
			delete(f.Auths, server)
		}
	}
	f.Auths[key] = cfg
	return c.write(f)
}

// Erase removes credentials for host. Erasing an unknown host is not an error.
func (c *Credentials) Erase(host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.read()
	if err != nil {
		return err
	}
	key := CanonicalHost(host)
	for server := range f.Auths {
		if CanonicalHost(server) == key {
			delete(f.Auths, server)
		}
	}
	return c.write(f)
}

func (c *Credentials) read() (*credentialsFile, error) {
	f := &credentialsFile{Auths: map[string]authn.AuthConfig{}}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if f.Auths == nil {
		f.Auths = map[string]authn.AuthConfig{}
	}
	return f, nil
}

func (c *Credentials) write(f *credentialsFile) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}

// decodeAuthField fills Username/Password from the base64 "auth" field
// written by other tools.
func decodeAuthField(cfg authn.AuthConfig) authn.AuthConfig {
	if cfg.Username != "" || cfg.Auth == "" {
		return cfg
	}
	raw, err := base64.StdEncoding.DecodeString(cfg.Auth)
	if err != nil {
		return cfg
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return cfg
	}
	cfg.Username = user
	cfg.Password = pass
	return cfg
}

// StaticKeychain returns the same credentials for every host. It is used for
// credentials supplied through the environment.
type StaticKeychain struct {
	Username string
	Password string
}

// Lookup implements Keychain.
func (s StaticKeychain) Lookup(string) (authn.AuthConfig, bool) {
	if s.Username == "" {
		return authn.AuthConfig{}, false
	}
	return authn.AuthConfig{Username: s.Username, Password: s.Password}, true
}

// MultiKeychain consults each keychain in order.
type MultiKeychain []Keychain

// Lookup implements Keychain.
func (m MultiKeychain) Lookup(host string) (authn.AuthConfig, bool) {
	for _, kc := range m {
		if kc == nil {
			continue
		}
		if cfg, ok := kc.Lookup(host); ok {
			return cfg, true
		}
	}
	return authn.AuthConfig{}, false
}

// CanonicalHost folds Docker Hub aliases into one key.
func CanonicalHost(host string) string {
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	switch host {
	case "docker.io", "index.docker.io", "registry-1.docker.io", "":
		return "docker.io"
	}
	return host
}
