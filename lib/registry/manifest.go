package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// manifestAccept lists the manifest media types we understand, most
// preferred first.
var manifestAccept = []string{
	string(types.OCIManifestSchema1),
	string(types.DockerManifestSchema2),
	string(types.OCIImageIndex),
	string(types.DockerManifestList),
}

// ResolvedManifest is a platform-specific manifest and how we got to it.
type ResolvedManifest struct {
	// Digest of the platform manifest.
	Digest digest.Digest
	// IndexDigest is set when the reference pointed at an index or list.
	IndexDigest digest.Digest
	MediaType   string
	Manifest    ocispec.Manifest
	Platform    ocispec.Platform
}

// Resolve fetches the manifest for named (tag or digest) and, if it is an
// index, picks the entry matching platform.
func (r *Repository) Resolve(ctx context.Context, named reference.Named, platform ocispec.Platform) (*ResolvedManifest, error) {
	log := logger.FromContext(ctx)

	ref := "latest"
	var want digest.Digest
	switch v := named.(type) {
	case reference.Canonical:
		want = v.Digest()
		ref = want.String()
	case reference.Tagged:
		ref = v.Tag()
	}

	body, mediaType, dgst, err := r.fetchManifest(ctx, ref, want)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", named.String(), err)
	}
	log.DebugContext(ctx, "fetched manifest", "ref", named.String(), "media_type", mediaType, "digest", dgst)

	res := &ResolvedManifest{Platform: platform}

	if isIndex(mediaType) {
		var idx ocispec.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return nil, fmt.Errorf("resolve %s: %w: decode index: %w", named.String(), ErrManifestInvalid, err)
		}
		desc, err := SelectPlatform(idx, platform)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", named.String(), err)
		}
		log.DebugContext(ctx, "selected platform manifest", "ref", named.String(), "platform", platforms.Format(*desc.Platform), "digest", desc.Digest)

		res.IndexDigest = dgst
		res.Platform = *desc.Platform
		body, mediaType, dgst, err = r.fetchManifest(ctx, desc.Digest.String(), desc.Digest)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", named.String(), err)
		}
		if isIndex(mediaType) {
			return nil, fmt.Errorf("resolve %s: %w: nested index %s", named.String(), ErrManifestInvalid, dgst)
		}
	}

	if !isImageManifest(mediaType) {
		return nil, fmt.Errorf("resolve %s: %w: unsupported media type %q", named.String(), ErrResolution, mediaType)
	}

	var m ocispec.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("resolve %s: %w: decode manifest: %w", named.String(), ErrManifestInvalid, err)
	}
	if err := validateManifest(m); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", named.String(), err)
	}

	res.Digest = dgst
	res.MediaType = mediaType
	res.Manifest = m
	return res, nil
}

// fetchManifest downloads a manifest and checks it against want when the
// caller asked for a specific digest.
func (r *Repository) fetchManifest(ctx context.Context, ref string, want digest.Digest) ([]byte, string, digest.Digest, error) {
	resp, err := r.get(ctx, r.url("manifests", ref), manifestAccept)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: read manifest: %w", ErrTransport, err)
	}
	if len(body) > maxManifestBytes {
		return nil, "", "", fmt.Errorf("%w: manifest exceeds %d bytes", ErrManifestInvalid, maxManifestBytes)
	}

	dgst := digest.FromBytes(body)
	if want != "" {
		if err := want.Validate(); err != nil {
			return nil, "", "", fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}
		if want.Algorithm() != dgst.Algorithm() {
			dgst = want.Algorithm().FromBytes(body)
		}
		if dgst != want {
			return nil, "", "", fmt.Errorf("%w: manifest %s has digest %s", ErrIntegrity, want, dgst)
		}
	}

	mediaType := contentType(resp.Header.Get("Content-Type"))
	if mediaType == "" || !isKnownManifest(mediaType) {
		mediaType = sniffMediaType(body)
	}
	return body, mediaType, dgst, nil
}

// SelectPlatform returns the index entry matching platform exactly (with
// variant normalization). It never falls back to another architecture.
func SelectPlatform(idx ocispec.Index, platform ocispec.Platform) (ocispec.Descriptor, error) {
	matcher := platforms.OnlyStrict(platform)
	var available []string
	for _, desc := range idx.Manifests {
		if desc.Platform == nil {
			continue
		}
		p := *desc.Platform
		if p.OS == "unknown" || p.Architecture == "unknown" {
			continue
		}
		available = append(available, platforms.Format(p))
		if matcher.Match(p) {
			return desc, nil
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("%w: no manifest for platform %s (available: %s)",
		ErrResolution, platforms.Format(platform), strings.Join(available, ", "))
}

func validateManifest(m ocispec.Manifest) error {
	if m.SchemaVersion != 2 {
		return fmt.Errorf("%w: schema version %d", ErrManifestInvalid, m.SchemaVersion)
	}
	if err := m.Config.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: config digest: %w", ErrManifestInvalid, err)
	}
	for i, l := range m.Layers {
		if err := l.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: layer %d digest: %w", ErrManifestInvalid, i, err)
		}
	}
	return nil
}

func contentType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return mt
}

// sniffMediaType reads mediaType from the document, falling back to its shape.
func sniffMediaType(body []byte) string {
	var probe struct {
		MediaType string            `json:"mediaType"`
		Manifests []json.RawMessage `json:"manifests"`
		Config    json.RawMessage   `json:"config"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	switch {
	case probe.MediaType != "":
		return probe.MediaType
	case probe.Manifests != nil:
		return string(types.OCIImageIndex)
	case probe.Config != nil:
		return string(types.OCIManifestSchema1)
	}
	return ""
}

func isIndex(mt string) bool {
	return mt == string(types.OCIImageIndex) || mt == string(types.DockerManifestList)
}

func isImageManifest(mt string) bool {
	return mt == string(types.OCIManifestSchema1) || mt == string(types.DockerManifestSchema2)
}

func isKnownManifest(mt string) bool {
	return isIndex(mt) || isImageManifest(mt)
}
