package images

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/containerd/platforms"
	"github.com/onkernel/pdocker/lib/filelock"
	"github.com/onkernel/pdocker/lib/logger"
	pdotel "github.com/onkernel/pdocker/lib/otel"
	"github.com/onkernel/pdocker/lib/paths"
	"github.com/onkernel/pdocker/lib/registry"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Manager handles the local image cache.
type Manager interface {
	// EnsureLocal returns the cached image for ref, pulling it if absent or
	// if forceRefresh is set.
	EnsureLocal(ctx context.Context, ref string, forceRefresh bool) (*Image, error)
	// GetImage looks up a cached image by reference or manifest digest prefix.
	GetImage(ctx context.Context, nameOrID string) (*Image, error)
	ListImages(ctx context.Context) ([]*Image, error)
	DeleteImage(ctx context.Context, nameOrID string) error
	// Prune removes blobs no cached image references.
	Prune(ctx context.Context) (*PruneReport, error)
	// Import caches a local rootfs tarball (.tar, .tar.gz) as a
	// single-layer image named ref.
	Import(ctx context.Context, archive, ref string) (*Image, error)
	// Unpack materializes a private copy of img's filesystem at dest.
	Unpack(ctx context.Context, img *Image, dest string) error
	// Subscribe streams progress of every pull in this process.
	Subscribe(ctx context.Context) (<-chan ProgressUpdate, error)
}

// PruneReport summarizes a Prune.
type PruneReport struct {
	BlobsRemoved   int
	BytesReclaimed int64
}

// Options configures a Manager.
type Options struct {
	Platform       ocispec.Platform
	MaxConcurrency int
	Logger         *slog.Logger
	// Meter is optional.
	Meter metric.Meter
}

type manager struct {
	paths    *paths.Paths
	client   *registry.Client
	platform ocispec.Platform
	limit    int
	group    singleflight.Group
	tracker  *ProgressTracker
	logger   *slog.Logger
	metrics  *pdotel.ImageMetrics
}

// NewManager creates an image manager that pulls through client.
func NewManager(p *paths.Paths, client *registry.Client, opts Options) Manager {
	limit := opts.MaxConcurrency
	if limit < 1 {
		limit = 3
	}
	platform := opts.Platform
	if platform.OS == "" {
		platform = platforms.DefaultSpec()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &manager{
		paths:    p,
		client:   client,
		platform: platforms.Normalize(platform),
		limit:    limit,
		tracker:  NewProgressTracker(),
		logger:   log,
	}
	if opts.Meter != nil {
		if err := m.initMetrics(opts.Meter); err != nil {
			log.Warn("image metrics disabled", "error", err)
		}
	}
	return m
}

func (m *manager) initMetrics(meter metric.Meter) error {
	metrics, err := pdotel.NewImageMetrics(meter)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		metas, err := listMetadata(m.paths)
		if err != nil {
			return nil
		}
		o.ObserveInt64(metrics.ImagesTotal, int64(len(metas)))
		return nil
	}, metrics.ImagesTotal)
	if err != nil {
		return err
	}
	m.metrics = metrics
	return nil
}

func (m *manager) recordPull(ctx context.Context, img *Image, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.PullsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if img != nil {
		var size int64
		for _, l := range img.Layers {
			size += l.Size
		}
		m.metrics.PulledBytes.Add(ctx, size)
	}
}

func (m *manager) Subscribe(ctx context.Context) (<-chan ProgressUpdate, error) {
	return m.tracker.Subscribe(ctx)
}

func (m *manager) EnsureLocal(ctx context.Context, ref string, forceRefresh bool) (*Image, error) {
	normalized, err := ParseNormalizedRef(ref)
	if err != nil {
		return nil, err
	}
	key := normalized.CacheKey()

	if !forceRefresh {
		if meta, err := readMetadata(m.paths, key); err == nil {
			return meta.toImage(m.paths, key), nil
		}
	}

	flight := key
	if forceRefresh {
		flight += "|force"
	}
	v, err, _ := m.group.Do(flight, func() (any, error) {
		return m.pullLocked(ctx, normalized, key, forceRefresh)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Image), nil
}

// pullLocked serializes pulls of one key across processes. A waiter that
// finds a completed entry after taking the lock reuses it.
func (m *manager) pullLocked(ctx context.Context, ref *NormalizedRef, key string, force bool) (*Image, error) {
	log := logger.FromContext(ctx)

	unlock, err := filelock.Lock(ctx, m.paths.ImageLock(key), true)
	if err != nil {
		return nil, fmt.Errorf("lock image %s: %w", ref, err)
	}
	defer unlock()

	if !force {
		if meta, err := readMetadata(m.paths, key); err == nil {
			log.DebugContext(ctx, "image pulled concurrently, reusing", "ref", ref.String())
			return meta.toImage(m.paths, key), nil
		}
	}

	// Blob store readers hold the shared lock so Prune cannot remove blobs
	// between download and unpack.
	unlockBlobs, err := filelock.Lock(ctx, m.blobLock(), false)
	if err != nil {
		return nil, fmt.Errorf("lock blob store: %w", err)
	}
	defer unlockBlobs()

	m.tracker.Update(ref.String(), StatusResolving)
	img, err := m.pull(ctx, ref, key)
	m.recordPull(ctx, img, err)
	if err != nil {
		m.tracker.Fail(ref.String(), err)
		return nil, err
	}
	m.tracker.Complete(ref.String())
	return img, nil
}

func (m *manager) pull(ctx context.Context, ref *NormalizedRef, key string) (*Image, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	// 1. Resolve the manifest for our platform
	repo := m.client.Repository(ref.Named())
	resolved, err := repo.Resolve(ctx, ref.Named(), m.platform)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "resolved image", "ref", ref.String(), "digest", resolved.Digest, "layers", len(resolved.Manifest.Layers))

	// 2. Fetch config and layers into the blob store
	m.tracker.Update(ref.String(), StatusPulling)
	cfgDesc := resolved.Manifest.Config
	if err := repo.FetchBlob(ctx, cfgDesc, m.paths.Blob(cfgDesc.Digest), nil); err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	configBytes, err := os.ReadFile(m.paths.Blob(cfgDesc.Digest))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var config ocispec.Image
	if err := json.Unmarshal(configBytes, &config); err != nil {
		return nil, fmt.Errorf("%w: decode image config: %w", registry.ErrManifestInvalid, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.limit)
	for _, desc := range resolved.Manifest.Layers {
		g.Go(func() error {
			short := desc.Digest.Encoded()[:12]
			return repo.FetchBlob(gctx, desc, m.paths.Blob(desc.Digest), func(complete, total int64) {
				m.tracker.Layer(ref.String(), short, complete, total)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch layers: %w", err)
	}

	// 3. Extract and install the entry
	m.tracker.Update(ref.String(), StatusUnpacking)
	meta := &imageMetadata{
		Name:         ref.String(),
		Digest:       resolved.Digest.String(),
		IndexDigest:  resolved.IndexDigest.String(),
		ConfigDigest: cfgDesc.Digest.String(),
		Platform:     platforms.Format(resolved.Platform),
		Layers:       resolved.Manifest.Layers,
		Entrypoint:   config.Config.Entrypoint,
		Cmd:          config.Config.Cmd,
		Env:          parseEnv(config.Config.Env),
		WorkingDir:   config.Config.WorkingDir,
		User:         config.Config.User,
		ExposedPorts: sortedKeys(config.Config.ExposedPorts),
	}
	if err := m.install(ctx, key, configBytes, meta); err != nil {
		return nil, fmt.Errorf("extract %s: %w", ref, err)
	}

	log.InfoContext(ctx, "image ready", "ref", ref.String(), "key", key, "size", meta.SizeBytes, "duration", time.Since(start))
	return meta.toImage(m.paths, key), nil
}

// install unpacks meta.Layers into a staging directory next to the final
// location, swaps it in and writes the sidecar last. The caller holds the
// image lock and a shared blob lock.
func (m *manager) install(ctx context.Context, key string, configBytes []byte, meta *imageMetadata) error {
	if err := os.MkdirAll(m.paths.ImagesDir(), 0755); err != nil {
		return fmt.Errorf("create images dir: %w", err)
	}
	staging, err := os.MkdirTemp(m.paths.ImagesDir(), ".staging-"+key+"-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer RemoveTree(staging)

	stagingRootfs := filepath.Join(staging, "rootfs")
	if err := unpackLayers(ctx, stagingRootfs, meta.Layers, m.blobPath); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, "config.json"), configBytes, 0644); err != nil {
		return fmt.Errorf("write image config: %w", err)
	}
	size, err := dirSize(stagingRootfs)
	if err != nil {
		return fmt.Errorf("measure rootfs: %w", err)
	}

	final := m.paths.ImageDir(key)
	os.Remove(m.paths.ImageMetadata(key))
	if err := RemoveTree(final); err != nil {
		return fmt.Errorf("remove previous entry: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("install image: %w", err)
	}

	meta.SizeBytes = size
	meta.CreatedAt = time.Now().UTC().Round(0)
	if err := writeMetadata(m.paths, key, meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (m *manager) blobPath(desc ocispec.Descriptor) string {
	return m.paths.Blob(desc.Digest)
}

func (m *manager) blobLock() string {
	return filepath.Join(m.paths.BlobsDir(), ".lock")
}

func (m *manager) GetImage(ctx context.Context, nameOrID string) (*Image, error) {
	if ref, err := ParseNormalizedRef(nameOrID); err == nil {
		key := ref.CacheKey()
		meta, err := readMetadata(m.paths, key)
		if err == nil {
			return meta.toImage(m.paths, key), nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return m.findByDigest(nameOrID)
}

// findByDigest matches a manifest digest or a unique prefix of its hex.
func (m *manager) findByDigest(id string) (*Image, error) {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) < 4 || strings.Trim(id, "0123456789abcdef") != "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	metas, err := listMetadata(m.paths)
	if err != nil {
		return nil, err
	}
	var found []keyedMetadata
	for _, km := range metas {
		if strings.HasPrefix(strings.TrimPrefix(km.meta.Digest, "sha256:"), id) {
			found = append(found, km)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return found[0].meta.toImage(m.paths, found[0].key), nil
	default:
		return nil, fmt.Errorf("%w: %s matches %d images", ErrAmbiguous, id, len(found))
	}
}

func (m *manager) ListImages(ctx context.Context) ([]*Image, error) {
	metas, err := listMetadata(m.paths)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}

	images := make([]*Image, 0, len(metas))
	for _, km := range metas {
		images = append(images, km.meta.toImage(m.paths, km.key))
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	return images, nil
}

// DeleteImage removes a cache entry. Containers own private copies of the
// layers, so existing containers never block removal.
func (m *manager) DeleteImage(ctx context.Context, nameOrID string) error {
	img, err := m.GetImage(ctx, nameOrID)
	if err != nil {
		return err
	}

	unlock, err := filelock.Lock(ctx, m.paths.ImageLock(img.Key), true)
	if err != nil {
		return fmt.Errorf("lock image %s: %w", img.Name, err)
	}
	defer unlock()

	if err := deleteImage(m.paths, img.Key); err != nil {
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "image removed", "ref", img.Name, "key", img.Key)
	return nil
}

func (m *manager) Prune(ctx context.Context) (*PruneReport, error) {
	unlock, err := filelock.Lock(ctx, m.blobLock(), true)
	if err != nil {
		return nil, fmt.Errorf("lock blob store: %w", err)
	}
	defer unlock()

	metas, err := listMetadata(m.paths)
	if err != nil {
		return nil, err
	}
	keep := make(map[digest.Digest]bool)
	for _, km := range metas {
		keep[digest.Digest(km.meta.ConfigDigest)] = true
		for _, l := range km.meta.Layers {
			keep[l.Digest] = true
		}
	}

	report := &PruneReport{}
	algDirs, err := os.ReadDir(m.paths.BlobsDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read blob store: %w", err)
	}
	for _, alg := range algDirs {
		if !alg.IsDir() {
			continue
		}
		dir := filepath.Join(m.paths.BlobsDir(), alg.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read blob store: %w", err)
		}
		for _, e := range entries {
			d := digest.NewDigestFromEncoded(digest.Algorithm(alg.Name()), e.Name())
			if keep[d] {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return nil, fmt.Errorf("remove blob %s: %w", d, err)
			}
			report.BlobsRemoved++
			report.BytesReclaimed += info.Size()
		}
	}

	logger.FromContext(ctx).InfoContext(ctx, "pruned blob store", "removed", report.BlobsRemoved, "bytes", report.BytesReclaimed)
	return report, nil
}

func (m *manager) Unpack(ctx context.Context, img *Image, dest string) error {
	unlock, err := filelock.Lock(ctx, m.blobLock(), false)
	if err != nil {
		return fmt.Errorf("lock blob store: %w", err)
	}
	defer unlock()

	if err := unpackLayers(ctx, dest, img.Layers, m.blobPath); err != nil {
		return fmt.Errorf("unpack %s: %w", img.Name, err)
	}
	return nil
}

// parseEnv splits KEY=VALUE pairs from an image config.
func parseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
