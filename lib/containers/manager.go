// Package containers implements the container lifecycle on top of the image
// cache, the container store and the process supervisor.
package containers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/onkernel/pdocker/lib/images"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/onkernel/pdocker/lib/paths"
	"github.com/onkernel/pdocker/lib/registry"
	"github.com/onkernel/pdocker/lib/store"
	"github.com/onkernel/pdocker/lib/supervisor"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Manager is the operation surface the CLI and compose drive.
type Manager interface {
	// Images
	Pull(ctx context.Context, ref string, force bool) (*images.Image, error)
	Images(ctx context.Context) ([]*images.Image, error)
	Import(ctx context.Context, archive, ref string) (*images.Image, error)
	RemoveImage(ctx context.Context, ref string) error
	Prune(ctx context.Context) (*PruneReport, error)
	Login(ctx context.Context, server, username, password string) error
	Logout(ctx context.Context, server string) error

	// Containers
	Create(ctx context.Context, req CreateRequest) (*store.Container, error)
	Run(ctx context.Context, req CreateRequest, stdio supervisor.IO) (*RunResult, error)
	Start(ctx context.Context, idOrName string) (*store.Container, error)
	Stop(ctx context.Context, idOrName string, timeout time.Duration) (*store.Container, error)
	Restart(ctx context.Context, idOrName string, timeout time.Duration) (*store.Container, error)
	Remove(ctx context.Context, idOrName string, force bool) (*store.Container, error)
	List(ctx context.Context, all bool) ([]*store.Container, error)
	Inspect(ctx context.Context, idOrName string) (*store.Container, error)
	Logs(ctx context.Context, idOrName string, follow bool, tail int) (<-chan string, error)
	Exec(ctx context.Context, idOrName string, opts supervisor.ExecOptions) (int, error)
	Attach(ctx context.Context, idOrName string, stdio supervisor.IO) (int, error)

	// Placeholders for docker verbs the sandbox cannot support
	Build(ctx context.Context, contextDir, tag string) error
	History(ctx context.Context, ref string) error
	Networks(ctx context.Context) error
	Volumes(ctx context.Context) error
}

// Options configures a Manager.
type Options struct {
	StopTimeout time.Duration
	// Meter and Tracer are optional.
	Meter  metric.Meter
	Tracer trace.Tracer
	Logger *slog.Logger
}

type manager struct {
	paths       *paths.Paths
	images      images.Manager
	store       *store.Store
	sup         *supervisor.Supervisor
	client      *registry.Client
	credentials *registry.Credentials
	stopTimeout time.Duration
	metrics     *Metrics
	log         *slog.Logger

	// reapers counts exit callbacks still pending for processes this
	// manager launched. Detached processes outlive the CLI, so nothing
	// waits on it outside tests; reconcile records exits no reaper saw.
	// Tests wait so no callback touches their temp dirs after cleanup.
	reapers sync.WaitGroup
}

// NewManager creates a lifecycle manager.
func NewManager(
	p *paths.Paths,
	imageManager images.Manager,
	st *store.Store,
	sup *supervisor.Supervisor,
	client *registry.Client,
	credentials *registry.Credentials,
	opts Options,
) (Manager, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	m := &manager{
		paths:       p,
		images:      imageManager,
		store:       st,
		sup:         sup,
		client:      client,
		credentials: credentials,
		stopTimeout: timeout,
		log:         log,
	}

	if opts.Meter != nil {
		metrics, err := newContainerMetrics(opts.Meter, opts.Tracer, m)
		if err != nil {
			return nil, fmt.Errorf("create container metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

// Images

func (m *manager) Pull(ctx context.Context, ref string, force bool) (*images.Image, error) {
	ctx, span := m.startSpan(ctx, "Pull")
	defer span.End()

	start := time.Now()
	img, err := m.images.EnsureLocal(ctx, ref, force)
	if m.metrics != nil {
		m.recordDuration(ctx, m.metrics.pullDuration, start, status(err))
	}
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}
	return img, nil
}

func (m *manager) Images(ctx context.Context) ([]*images.Image, error) {
	return m.images.ListImages(ctx)
}

// Import caches a local rootfs tarball so containers can run offline.
func (m *manager) Import(ctx context.Context, archive, ref string) (*images.Image, error) {
	ctx, span := m.startSpan(ctx, "Import")
	defer span.End()

	img, err := m.images.Import(ctx, archive, ref)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", archive, err)
	}
	return img, nil
}

// RemoveImage deletes a cached image. Containers hold private copies of
// their filesystems, so it succeeds whatever containers exist.
func (m *manager) RemoveImage(ctx context.Context, ref string) error {
	return m.images.DeleteImage(ctx, ref)
}

// Prune removes unreferenced blobs and container directories that no
// record owns.
func (m *manager) Prune(ctx context.Context) (*PruneReport, error) {
	log := logger.FromContext(ctx)

	blobs, err := m.images.Prune(ctx)
	if err != nil {
		return nil, err
	}
	report := &PruneReport{BlobsRemoved: blobs.BlobsRemoved, BytesReclaimed: blobs.BytesReclaimed}

	all, err := m.store.List(ctx, true)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(all))
	for _, c := range all {
		owned[c.ID] = true
	}

	entries, err := os.ReadDir(m.paths.ContainersDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read containers dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || owned[e.Name()] {
			continue
		}
		if err := images.RemoveTree(m.paths.ContainerDir(e.Name())); err != nil {
			log.WarnContext(ctx, "failed to remove orphaned container dir", "dir", e.Name(), "error", err)
			continue
		}
		report.OrphanDirsRemoved++
	}
	return report, nil
}

// Login verifies the credentials against the registry and stores them.
func (m *manager) Login(ctx context.Context, server, username, password string) error {
	host := registry.CanonicalHost(server)
	creds := authn.AuthConfig{Username: username, Password: password}
	if err := m.client.CheckLogin(ctx, host, creds); err != nil {
		return fmt.Errorf("login to %s: %w", host, err)
	}
	if err := m.credentials.Store(host, creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	logger.FromContext(ctx).InfoContext(ctx, "login succeeded", "registry", host, "username", username)
	return nil
}

func (m *manager) Logout(ctx context.Context, server string) error {
	return m.credentials.Erase(registry.CanonicalHost(server))
}

// Containers

func (m *manager) List(ctx context.Context, all bool) ([]*store.Container, error) {
	return m.store.List(ctx, all)
}

func (m *manager) Inspect(ctx context.Context, idOrName string) (*store.Container, error) {
	return m.store.Get(ctx, idOrName)
}

// Logs streams the log of a detached container. Foreground runs write to
// the caller's terminal and leave no log.
func (m *manager) Logs(ctx context.Context, idOrName string, follow bool, tail int) (<-chan string, error) {
	c, err := m.store.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	return m.sup.StreamLogs(ctx, c.LogPath, follow, tail)
}

// Exec runs a command inside a running container.
func (m *manager) Exec(ctx context.Context, idOrName string, opts supervisor.ExecOptions) (int, error) {
	c, err := m.store.Get(ctx, idOrName)
	if err != nil {
		return -1, err
	}
	if c.State != store.StateRunning {
		return -1, fmt.Errorf("%w: container %s is %s, not running", ErrInvalidState, c.Name, c.State)
	}

	start := time.Now()
	code, err := m.sup.Exec(ctx, c, opts)
	m.recordExec(ctx, start, err)
	return code, err
}

// Attach opens an interactive shell in a running container. The sandbox
// has no way to reattach to the primary process's stdio.
func (m *manager) Attach(ctx context.Context, idOrName string, stdio supervisor.IO) (int, error) {
	return m.Exec(ctx, idOrName, supervisor.ExecOptions{IO: stdio, TTY: true})
}

// Placeholders

func (m *manager) Build(ctx context.Context, contextDir, tag string) error {
	return fmt.Errorf("build %s: %w", contextDir, ErrUnsupported)
}

func (m *manager) History(ctx context.Context, ref string) error {
	return fmt.Errorf("history %s: %w", ref, ErrUnsupported)
}

func (m *manager) Networks(ctx context.Context) error {
	return fmt.Errorf("network: %w", ErrUnsupported)
}

func (m *manager) Volumes(ctx context.Context) error {
	return fmt.Errorf("volume: %w", ErrUnsupported)
}

// CommandLine renders the command a container runs, for listings.
func CommandLine(c *store.Container) string {
	var argv []string
	switch {
	case len(c.Config.Entrypoint) > 0:
		argv = append(append(argv, c.Config.Entrypoint...), c.Config.Command...)
	case len(c.Config.Command) > 0:
		argv = c.Config.Command
	default:
		argv = append(append(argv, c.ImageConfig.Entrypoint...), c.ImageConfig.Cmd...)
	}
	return strings.Join(argv, " ")
}
