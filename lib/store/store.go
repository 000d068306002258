// Package store persists container records in a single JSON registry file
// shared by every pdocker invocation.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/namesgenerator"
	"github.com/google/uuid"
	"github.com/onkernel/pdocker/lib/filelock"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/onkernel/pdocker/lib/paths"
	"github.com/samber/lo"
)

const registryVersion = 1

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// LivenessChecker tells whether a recorded process still runs.
type LivenessChecker interface {
	IsAlive(pid int, startTime uint64) bool
}

// LivenessFunc adapts a function to LivenessChecker.
type LivenessFunc func(pid int, startTime uint64) bool

func (f LivenessFunc) IsAlive(pid int, startTime uint64) bool {
	return f(pid, startTime)
}

// registry is the on-disk document.
type registry struct {
	Version    int                   `json:"version"`
	Containers map[string]*Container `json:"containers"`
}

// Store is the container registry. Every operation is a read-modify-write
// of the whole file under an exclusive flock, so concurrent invocations
// never lose updates.
type Store struct {
	paths    *paths.Paths
	liveness LivenessChecker
	mu       sync.Mutex
	now      func() time.Time
	log      *slog.Logger
}

// New creates a Store. liveness may be nil, in which case running records
// are trusted as stored.
func New(p *paths.Paths, liveness LivenessChecker, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		paths:    p,
		liveness: liveness,
		now:      time.Now,
		log:      log,
	}
}

// Path returns the registry file location.
func (s *Store) Path() string {
	return s.paths.ContainersFile()
}

// Create allocates an ID and a unique name and persists a record in state
// created. The rootfs and log paths are assigned but not materialized.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Container, error) {
	if req.Name != "" && !validName.MatchString(req.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, req.Name)
	}

	var created *Container
	err := s.transact(ctx, func(reg *registry) (bool, error) {
		names := lo.SliceToMap(lo.Values(reg.Containers), func(c *Container) (string, bool) {
			return c.Name, true
		})

		name := req.Name
		if name == "" {
			for retry := 0; ; retry++ {
				name = namesgenerator.GetRandomName(retry)
				if !names[name] {
					break
				}
			}
		} else if names[name] {
			return false, fmt.Errorf("%w: %s", ErrNameInUse, name)
		}

		id := newID()
		for reg.Containers[id] != nil {
			id = newID()
		}

		created = &Container{
			ID:          id,
			Name:        name,
			Image:       req.Image,
			ImageDigest: req.ImageDigest,
			ImageConfig: req.ImageConfig,
			RootfsPath:  s.paths.ContainerRootfs(id),
			LogPath:     s.paths.ContainerLog(id),
			Config:      req.Config,
			Labels:      req.Labels,
			State:       StateCreated,
			CreatedAt:   s.now().UTC(),
		}
		reg.Containers[id] = created
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).DebugContext(ctx, "container record created", "id", created.ShortID(), "name", created.Name)
	return created.Clone(), nil
}

// Get resolves idOrName by exact ID, exact name, then unique ID prefix.
func (s *Store) Get(ctx context.Context, idOrName string) (*Container, error) {
	var found *Container
	err := s.transact(ctx, func(reg *registry) (bool, error) {
		c, err := resolve(reg, idOrName)
		if err != nil {
			return false, err
		}
		found = c
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return found.Clone(), nil
}

// List returns running containers, or all of them with includeStopped,
// newest first.
func (s *Store) List(ctx context.Context, includeStopped bool) ([]*Container, error) {
	var out []*Container
	err := s.transact(ctx, func(reg *registry) (bool, error) {
		for _, c := range reg.Containers {
			if includeStopped || c.State == StateRunning {
				out = append(out, c.Clone())
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update applies mutate to the record for idOrName and persists the result.
// mutate sees the reconciled record and may reject the change by returning
// an error, in which case nothing is written. A state change must be allowed
// by ValidTransitions.
func (s *Store) Update(ctx context.Context, idOrName string, mutate func(*Container) error) (*Container, error) {
	var updated *Container
	err := s.transact(ctx, func(reg *registry) (bool, error) {
		current, err := resolve(reg, idOrName)
		if err != nil {
			return false, err
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return false, err
		}
		next.ID = current.ID
		if err := current.State.CanTransitionTo(next.State); err != nil {
			return false, fmt.Errorf("container %s: %w", current.ShortID(), err)
		}
		if next.State == StateRemoved {
			return false, fmt.Errorf("container %s: use Remove to delete: %w", current.ShortID(), ErrInvalidTransition)
		}

		if next.State != current.State {
			logger.FromContext(ctx).DebugContext(ctx, "container state change",
				"id", current.ShortID(), "from", current.State, "to", next.State)
		}
		reg.Containers[current.ID] = next
		updated = next
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Remove deletes the record for idOrName. guard, when set, sees the
// reconciled record first and can veto the removal.
func (s *Store) Remove(ctx context.Context, idOrName string, guard func(*Container) error) (*Container, error) {
	var removed *Container
	err := s.transact(ctx, func(reg *registry) (bool, error) {
		c, err := resolve(reg, idOrName)
		if err != nil {
			return false, err
		}
		if guard != nil {
			if err := guard(c.Clone()); err != nil {
				return false, err
			}
		}
		delete(reg.Containers, c.ID)
		removed = c
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).DebugContext(ctx, "container record removed", "id", removed.ShortID())
	return removed.Clone(), nil
}

// transact runs fn against the current registry while holding both the
// in-process mutex and the file lock. The registry is written back when fn
// reports a change or reconciliation corrected a record.
func (s *Store) transact(ctx context.Context, fn func(reg *registry) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := filelock.Lock(ctx, s.paths.ContainersLock(), true)
	if err != nil {
		return fmt.Errorf("lock container registry: %w", err)
	}
	defer unlock()

	reg, err := s.load()
	if err != nil {
		return err
	}

	reconciled := s.reconcile(ctx, reg)

	changed, err := fn(reg)
	if err != nil {
		// Corrections are facts about the host and are kept even when the
		// caller's change is rejected.
		if reconciled {
			if werr := s.save(reg); werr != nil {
				s.log.WarnContext(ctx, "failed to persist reconciled registry", "error", werr)
			}
		}
		return err
	}
	if changed || reconciled {
		return s.save(reg)
	}
	return nil
}

// reconcile marks running records whose process is gone as exited. It runs
// on every transaction, and a corrected record is no longer running, so each
// death is recorded once.
func (s *Store) reconcile(ctx context.Context, reg *registry) bool {
	if s.liveness == nil {
		return false
	}

	changed := false
	for _, c := range reg.Containers {
		if c.State != StateRunning {
			continue
		}
		if c.Pid > 0 && s.liveness.IsAlive(c.Pid, c.PidStartTime) {
			continue
		}
		now := s.now().UTC()
		c.State = StateExited
		c.FinishedAt = &now
		changed = true
		logger.FromContext(ctx).InfoContext(ctx, "container process is gone, marking exited",
			"id", c.ShortID(), "name", c.Name, "pid", c.Pid)
	}
	return changed
}

func (s *Store) load() (*registry, error) {
	reg := &registry{Version: registryVersion, Containers: map[string]*Container{}}

	data, err := os.ReadFile(s.paths.ContainersFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return reg, nil
		}
		return nil, fmt.Errorf("read container registry: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return reg, nil
	}
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, s.paths.ContainersFile(), err)
	}
	if reg.Containers == nil {
		reg.Containers = map[string]*Container{}
	}
	for id, c := range reg.Containers {
		if c == nil {
			delete(reg.Containers, id)
			continue
		}
		c.ID = id
	}
	return reg, nil
}

// save writes the registry to a temp file in the same directory, syncs it
// and renames it over the old one.
func (s *Store) save(reg *registry) error {
	reg.Version = registryVersion
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal container registry: %w", err)
	}

	path := s.paths.ContainersFile()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		return fmt.Errorf("chmod temp registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace container registry: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func resolve(reg *registry, idOrName string) (*Container, error) {
	if idOrName == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	if c, ok := reg.Containers[idOrName]; ok {
		return c, nil
	}
	if c, ok := lo.Find(lo.Values(reg.Containers), func(c *Container) bool { return c.Name == idOrName }); ok {
		return c, nil
	}

	matches := lo.Filter(lo.Values(reg.Containers), func(c *Container, _ int) bool {
		return strings.HasPrefix(c.ID, idOrName)
	})
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrName)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s matches %d containers", ErrAmbiguous, idOrName, len(matches))
	}
}

// newID returns 64 hex characters derived from a random UUID.
func newID() string {
	u := uuid.New()
	sum := sha256.Sum256(u[:])
	return hex.EncodeToString(sum[:])
}
