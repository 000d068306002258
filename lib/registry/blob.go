package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v5"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ProgressFunc receives byte counts as a blob downloads. total is -1 when
// unknown.
type ProgressFunc func(complete, total int64)

const maxConfigBytes = 16 << 20

// FetchBlob downloads desc to dest. The content is verified against
// desc.Digest before dest appears; on any failure dest does not exist.
// An existing dest that already verifies is reused without a request.
func (r *Repository) FetchBlob(ctx context.Context, desc ocispec.Descriptor, dest string, progress ProgressFunc) error {
	log := logger.FromContext(ctx)

	if err := desc.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: blob digest: %w", ErrManifestInvalid, err)
	}
	if ok, _ := verifyFile(dest, desc.Digest); ok {
		if progress != nil {
			progress(desc.Size, desc.Size)
		}
		return nil
	}
	os.Remove(dest)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	rawURL := r.url("blobs", desc.Digest.String())
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.client.initial

	// The GET itself retries inside get. Copy failures from a truncated body
	// are retried here with a fresh request.
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.downloadOnce(ctx, rawURL, desc, dest, progress)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.client.maxTries))
	if err != nil {
		return fmt.Errorf("fetch blob %s: %w", desc.Digest, err)
	}

	log.DebugContext(ctx, "fetched blob", "digest", desc.Digest, "size", desc.Size)
	return nil
}

func (r *Repository) downloadOnce(ctx context.Context, rawURL string, desc ocispec.Descriptor, dest string, progress ProgressFunc) error {
	resp, err := r.get(ctx, rawURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-"+desc.Digest.Encoded()+"-*")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create temp blob: %w", err))
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	total := desc.Size
	if total <= 0 {
		total = resp.ContentLength
	}
	verifier := desc.Digest.Verifier()
	src := io.Reader(resp.Body)
	if progress != nil {
		src = &progressReader{r: src, total: total, fn: progress}
	}

	n, err := io.Copy(io.MultiWriter(tmp, verifier), src)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrTransport, ctx.Err()))
		}
		return fmt.Errorf("%w: read blob body: %w", ErrTransport, err)
	}
	if desc.Size > 0 && n != desc.Size {
		return backoff.Permanent(fmt.Errorf("%w: expected %d bytes, got %d", ErrIntegrity, desc.Size, n))
	}
	if !verifier.Verified() {
		return backoff.Permanent(fmt.Errorf("%w: content does not match %s", ErrIntegrity, desc.Digest))
	}

	if err := tmp.Sync(); err != nil {
		return backoff.Permanent(fmt.Errorf("sync blob: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return backoff.Permanent(fmt.Errorf("close blob: %w", err))
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return backoff.Permanent(fmt.Errorf("finalize blob: %w", err))
	}
	committed = true
	return nil
}

// FetchBlobBytes downloads a small blob (such as an image config) into
// memory and verifies it.
func (r *Repository) FetchBlobBytes(ctx context.Context, desc ocispec.Descriptor) ([]byte, error) {
	if err := desc.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: blob digest: %w", ErrManifestInvalid, err)
	}
	resp, err := r.get(ctx, r.url("blobs", desc.Digest.String()), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch blob %s: %w", desc.Digest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch blob %s: %w: %w", desc.Digest, ErrTransport, err)
	}
	if len(data) > maxConfigBytes {
		return nil, fmt.Errorf("fetch blob %s: %w: exceeds %d bytes", desc.Digest, ErrManifestInvalid, maxConfigBytes)
	}
	if desc.Digest.Algorithm().FromBytes(data) != desc.Digest {
		return nil, fmt.Errorf("fetch blob %s: %w", desc.Digest, ErrIntegrity)
	}
	return data, nil
}

// VerifyFile reports whether the file at path hashes to d.
func VerifyFile(path string, d digest.Digest) (bool, error) {
	return verifyFile(path, d)
}

func verifyFile(path string, d digest.Digest) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	v := d.Verifier()
	if _, err := io.Copy(v, f); err != nil {
		return false, err
	}
	return v.Verified(), nil
}

type progressReader struct {
	r     io.Reader
	n     int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		p.fn(p.n, p.total)
	}
	return n, err
}
