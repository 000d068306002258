package images

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"

	"github.com/distribution/reference"
)

// NormalizedRef is a validated and normalized OCI image reference.
// It can be either a tagged reference (e.g., "docker.io/library/alpine:latest")
// or a digest reference (e.g., "docker.io/library/alpine@sha256:abc123...").
type NormalizedRef struct {
	named      reference.Named
	raw        string
	repository string
	tag        string // empty if digest ref
	digest     string // empty if tag ref
}

// ParseNormalizedRef validates and normalizes a user-provided image reference.
// Examples:
//   - "alpine" -> "docker.io/library/alpine:latest"
//   - "alpine:3.18" -> "docker.io/library/alpine:3.18"
//   - "alpine@sha256:abc..." -> "docker.io/library/alpine@sha256:abc..."
func ParseNormalizedRef(s string) (*NormalizedRef, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidName, s, err)
	}

	ref := &NormalizedRef{
		repository: reference.Domain(named) + "/" + reference.Path(named),
	}

	if canonical, ok := named.(reference.Canonical); ok {
		ref.named = canonical
		ref.digest = canonical.Digest().String()
		ref.raw = canonical.String()
		return ref, nil
	}

	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.tag = t.Tag()
	}
	ref.named = tagged
	ref.raw = tagged.String()

	return ref, nil
}

// String returns the full normalized reference.
func (r *NormalizedRef) String() string {
	return r.raw
}

// Named returns the underlying distribution reference.
func (r *NormalizedRef) Named() reference.Named {
	return r.named
}

// IsDigest returns true if this reference contains a digest (@sha256:...).
func (r *NormalizedRef) IsDigest() bool {
	return r.digest != ""
}

// Digest returns the digest if present (e.g., "sha256:abc123...").
func (r *NormalizedRef) Digest() string {
	return r.digest
}

// Repository returns the repository path without tag or digest.
// Example: "docker.io/library/alpine"
func (r *NormalizedRef) Repository() string {
	return r.repository
}

// Tag returns the tag, or "" for digest references.
func (r *NormalizedRef) Tag() string {
	return r.tag
}

// FamiliarName returns the short form users type, e.g. "alpine".
func (r *NormalizedRef) FamiliarName() string {
	return reference.FamiliarName(r.named)
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// CacheKey derives the on-disk directory name for the reference: the
// repository basename plus a hash of the full normalized string, so two
// references never share a slot.
// Example: docker.io/library/alpine:latest -> alpine_3f1c0a9e5b7d2c4e
func (r *NormalizedRef) CacheKey() string {
	sum := sha256.Sum256([]byte(r.raw))
	base := unsafeKeyChars.ReplaceAllString(path.Base(r.repository), "-")
	return base + "_" + hex.EncodeToString(sum[:])[:16]
}
