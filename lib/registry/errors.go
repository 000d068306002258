package registry

import "errors"

var (
	// ErrResolution is returned when a reference cannot be resolved to a
	// single platform manifest.
	ErrResolution = errors.New("manifest resolution failed")
	// ErrManifestInvalid is returned for malformed or unsupported manifests.
	ErrManifestInvalid = errors.New("invalid manifest")
	// ErrAuth is returned when the registry rejects our credentials or the
	// token service refuses to issue a token. It is never retried.
	ErrAuth = errors.New("registry authentication failed")
	// ErrTransport is returned for network and unexpected HTTP failures.
	ErrTransport = errors.New("registry transport error")
	// ErrIntegrity is returned when fetched content does not match its digest.
	ErrIntegrity = errors.New("content digest mismatch")
	// ErrNotFound is returned when the registry answers 404.
	ErrNotFound = errors.New("not found in registry")
)
