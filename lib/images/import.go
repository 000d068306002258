package images

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/containerd/platforms"
	"github.com/onkernel/pdocker/lib/filelock"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var archiveSuffixes = []string{".tar.gz", ".tgz", ".tar"}

var invalidRepoChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// DefaultImportRef names an archive imported without a reference:
// localhost/<basename without extension>:latest.
func DefaultImportRef(archive string) (string, error) {
	base := strings.ToLower(filepath.Base(archive))
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	base = strings.Trim(invalidRepoChars.ReplaceAllString(base, "-"), "-._")
	if base == "" {
		return "", fmt.Errorf("%w: cannot derive a name from %q", ErrInvalidName, archive)
	}
	return "localhost/" + base + ":latest", nil
}

// Import stores a rootfs tarball as the single layer of a synthesized image
// for this platform. The archive goes through the same unpack path as
// pulled layers.
func (m *manager) Import(ctx context.Context, archive, ref string) (*Image, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	if ref == "" {
		var err error
		if ref, err = DefaultImportRef(archive); err != nil {
			return nil, err
		}
	}
	normalized, err := ParseNormalizedRef(ref)
	if err != nil {
		return nil, err
	}
	if normalized.IsDigest() {
		return nil, fmt.Errorf("%w: import needs a tag, not a digest: %s", ErrInvalidName, ref)
	}
	key := normalized.CacheKey()

	info, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a file", ErrArchive, archive)
	}

	unlock, err := filelock.Lock(ctx, m.paths.ImageLock(key), true)
	if err != nil {
		return nil, fmt.Errorf("lock image %s: %w", normalized, err)
	}
	defer unlock()
	unlockBlobs, err := filelock.Lock(ctx, m.blobLock(), false)
	if err != nil {
		return nil, fmt.Errorf("lock blob store: %w", err)
	}
	defer unlockBlobs()

	m.tracker.Update(normalized.String(), StatusPulling)
	layer, diffID, err := m.storeArchive(ctx, archive)
	if err != nil {
		m.tracker.Fail(normalized.String(), err)
		return nil, err
	}

	created := time.Now().UTC()
	config := ocispec.Image{
		Created:  &created,
		Platform: m.platform,
		RootFS:   ocispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{diffID}},
		History:  []ocispec.History{{Created: &created, CreatedBy: "pdocker import " + filepath.Base(archive)}},
	}
	configBytes, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal image config: %w", err)
	}
	cfgDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    digest.FromBytes(configBytes),
		Size:      int64(len(configBytes)),
	}
	if err := writeFileAtomic(m.paths.Blob(cfgDesc.Digest), configBytes); err != nil {
		return nil, fmt.Errorf("store image config: %w", err)
	}

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    cfgDesc,
		Layers:    []ocispec.Descriptor{layer},
	}
	manifest.SchemaVersion = 2
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	m.tracker.Update(normalized.String(), StatusUnpacking)
	meta := &imageMetadata{
		Name:         normalized.String(),
		Digest:       digest.FromBytes(manifestBytes).String(),
		ConfigDigest: cfgDesc.Digest.String(),
		Platform:     platforms.Format(m.platform),
		Layers:       manifest.Layers,
	}
	if err := m.install(ctx, key, configBytes, meta); err != nil {
		m.tracker.Fail(normalized.String(), err)
		return nil, fmt.Errorf("import %s: %w", archive, err)
	}
	m.tracker.Complete(normalized.String())

	log.InfoContext(ctx, "image imported", "ref", normalized.String(), "archive", archive, "key", key, "size", meta.SizeBytes, "duration", time.Since(start))
	return meta.toImage(m.paths, key), nil
}

// storeArchive copies archive into the blob store under its digest and
// returns the layer descriptor and the digest of the uncompressed tar. The
// stream is walked to the end so a truncated or non-tar file is rejected
// before anything is unpacked.
func (m *manager) storeArchive(ctx context.Context, archive string) (ocispec.Descriptor, digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return ocispec.Descriptor{}, "", err
	}

	src, err := os.Open(archive)
	if err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("%w: %w", ErrArchive, err)
	}
	defer src.Close()

	if err := os.MkdirAll(m.paths.TmpDir(), 0755); err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("create tmp dir: %w", err)
	}
	tmp, err := os.CreateTemp(m.paths.TmpDir(), "import-*")
	if err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	blobDigester := digest.Canonical.Digester()
	diffDigester := digest.Canonical.Digester()

	br := bufio.NewReader(src)
	head, _ := br.Peek(4)
	mediaType := layerMediaType(head)

	// One pass: the raw bytes feed the blob and its digest while the
	// decompressed stream is checked as tar and hashed for the diff id.
	raw := io.TeeReader(br, io.MultiWriter(tmp, blobDigester.Hash()))
	rc, err := decompress(raw, mediaType)
	if err != nil {
		tmp.Close()
		return ocispec.Descriptor{}, "", fmt.Errorf("%w: %w", ErrArchive, err)
	}
	entries, err := walkTar(io.TeeReader(rc, diffDigester.Hash()))
	rc.Close()
	if err == nil {
		// trailing bytes after the tar end marker still belong to the blob
		_, err = io.Copy(io.Discard, raw)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("%w: %s: %w", ErrArchive, archive, err)
	}
	if entries == 0 {
		return ocispec.Descriptor{}, "", fmt.Errorf("%w: %s is empty", ErrArchive, archive)
	}

	d := blobDigester.Digest()
	dest := m.paths.Blob(d)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("store blob: %w", err)
	}
	size, err := fileSize(dest)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}
	return ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: size}, diffDigester.Digest(), nil
}

// walkTar reads every entry of r and returns how many there were.
func walkTar(r io.Reader) (int, error) {
	tr := tar.NewReader(r)
	n := 0
	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			// consume the end-of-archive padding
			_, err = io.Copy(io.Discard, r)
			return n, err
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func layerMediaType(head []byte) string {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return ocispec.MediaTypeImageLayerGzip
	case bytes.HasPrefix(head, zstdMagic):
		return ocispec.MediaTypeImageLayerZstd
	default:
		return ocispec.MediaTypeImageLayer
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	return info.Size(), nil
}
