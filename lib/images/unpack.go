package images

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/onkernel/pdocker/lib/logger"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/layer"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// sandboxDirs must exist in every rootfs so proot can bind host
// directories and programs find their usual scratch space.
var sandboxDirs = []string{"proc", "sys", "dev", "tmp", "run", "var/tmp", "var/log", "var/run"}

// idMapSize covers the usual range of image uids and gids. Ownership is
// recorded rootlessly, so the mapping only needs to be total.
const idMapSize = 65536

// unpackOptions returns rootless umoci options mapping container root to
// the invoking user.
func unpackOptions() *layer.UnpackOptions {
	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())

	return &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless: true,
				UIDMappings: []rspec.LinuxIDMapping{
					{HostID: uid, ContainerID: 0, Size: idMapSize},
				},
				GIDMappings: []rspec.LinuxIDMapping{
					{HostID: gid, ContainerID: 0, Size: idMapSize},
				},
			},
		},
	}
}

// unpackLayers applies layer blobs in manifest order over root. Whiteouts
// follow the OCI convention: ".wh.<name>" deletes <name> from lower layers
// and ".wh..wh..opq" hides everything below its directory. Neither marker
// survives into root.
func unpackLayers(ctx context.Context, root string, layers []ocispec.Descriptor, blobPath func(ocispec.Descriptor) string) error {
	log := logger.FromContext(ctx)

	// Pre-create target directory (umoci needs it to exist)
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create rootfs dir: %w", err)
	}

	opts := unpackOptions()
	for i, desc := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.DebugContext(ctx, "applying layer", "index", i, "digest", desc.Digest, "media_type", desc.MediaType)
		if err := unpackLayer(root, blobPath(desc), desc.MediaType, opts); err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, desc.Digest, err)
		}
	}

	return prepareRootfs(root)
}

func unpackLayer(root, blob, mediaType string, opts *layer.UnpackOptions) error {
	f, err := os.Open(blob)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrBlobMissing, blob)
		}
		return fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	rc, err := decompress(f, mediaType)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := layer.UnpackLayer(root, rc, opts); err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	return nil
}

// decompress wraps r according to the layer media type, falling back to the
// stream's magic bytes for types that do not say.
func decompress(r io.Reader, mediaType string) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(4)

	switch {
	case strings.HasSuffix(mediaType, "+zstd") || bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case strings.HasSuffix(mediaType, "+gzip") || strings.HasSuffix(mediaType, ".tar.gzip") || bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return gz, nil
	default:
		return io.NopCloser(br), nil
	}
}

// prepareRootfs creates the directories proot expects. Paths are resolved
// inside root so a symlinked var/run cannot point us at the host.
func prepareRootfs(root string) error {
	for _, dir := range sandboxDirs {
		p, err := securejoin.SecureJoin(root, dir)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", dir, err)
		}
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
