package containers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/pdocker/lib/images"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/onkernel/pdocker/lib/store"
	"github.com/onkernel/pdocker/lib/supervisor"
)

// errNotRunning short-circuits a stop of a container that is not running.
var errNotRunning = errors.New("not running")

// Create makes sure the image is local, allocates a record and materializes
// a private rootfs from the image's layers.
func (m *manager) Create(ctx context.Context, req CreateRequest) (*store.Container, error) {
	ctx, span := m.startSpan(ctx, "Create")
	defer span.End()

	start := time.Now()
	c, err := m.create(ctx, req)
	if m.metrics != nil {
		m.recordDuration(ctx, m.metrics.createDuration, start, status(err))
	}
	return c, err
}

func (m *manager) create(ctx context.Context, req CreateRequest) (*store.Container, error) {
	log := logger.FromContext(ctx)

	if req.Image == "" {
		return nil, fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}

	img, err := m.images.EnsureLocal(ctx, req.Image, req.ForcePull)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", req.Image, err)
	}

	c, err := m.store.Create(ctx, store.CreateRequest{
		Name:        req.Name,
		Image:       img.Name,
		ImageDigest: img.Digest,
		ImageConfig: store.ImageConfig{
			Entrypoint: img.Entrypoint,
			Cmd:        img.Cmd,
			Env:        img.Env,
			WorkingDir: img.WorkingDir,
			User:       img.User,
		},
		Config: store.RuntimeConfig{
			Command:     req.Command,
			Entrypoint:  req.Entrypoint,
			Env:         req.Env,
			Mounts:      req.Mounts,
			WorkingDir:  req.WorkingDir,
			Detached:    req.Detached,
			Interactive: req.Interactive,
			TTY:         req.TTY,
			AutoRemove:  !req.Detached && !req.Keep,
		},
		Labels: req.Labels,
	})
	if err != nil {
		return nil, err
	}

	if err := m.images.Unpack(ctx, img, c.RootfsPath); err != nil {
		log.ErrorContext(ctx, "failed to materialize rootfs, rolling back", "id", c.ShortID(), "error", err)
		m.discard(context.WithoutCancel(ctx), c)
		return nil, fmt.Errorf("create %s: %w", c.Name, err)
	}

	log.InfoContext(ctx, "container created", "id", c.ShortID(), "name", c.Name, "image", img.Name)
	return c, nil
}

// discard removes a record and its directory without state checks.
func (m *manager) discard(ctx context.Context, c *store.Container) {
	if _, err := m.store.Remove(ctx, c.ID, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.log.WarnContext(ctx, "failed to remove container record", "id", c.ShortID(), "error", err)
	}
	if err := images.RemoveTree(m.paths.ContainerDir(c.ID)); err != nil {
		m.log.WarnContext(ctx, "failed to remove container dir", "id", c.ShortID(), "error", err)
	}
}

// Run creates a container and starts it. Detached runs return once the pid
// is recorded. Foreground runs block until the process exits and are
// removed afterwards unless req.Keep is set.
func (m *manager) Run(ctx context.Context, req CreateRequest, stdio supervisor.IO) (*RunResult, error) {
	ctx, span := m.startSpan(ctx, "Run")
	defer span.End()

	c, err := m.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.Detached {
		started, err := m.Start(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		return &RunResult{Container: started}, nil
	}
	return m.runForeground(ctx, c, stdio)
}

func (m *manager) runForeground(ctx context.Context, c *store.Container, stdio supervisor.IO) (*RunResult, error) {
	log := logger.FromContext(ctx)
	bookkeeping := context.WithoutCancel(ctx)

	code, runErr := m.sup.Run(ctx, c, supervisor.RunOptions{
		IO:  stdio,
		TTY: c.Config.TTY,
		OnStart: func(p *supervisor.Process) error {
			_, err := m.store.Update(bookkeeping, c.ID, func(rec *store.Container) error {
				now := time.Now().UTC()
				rec.State = store.StateRunning
				rec.Pid = p.Pid
				rec.PidStartTime = p.StartTime
				rec.StartedAt = &now
				rec.FinishedAt = nil
				rec.ExitCode = nil
				return nil
			})
			if err == nil {
				m.recordStateTransition(bookkeeping, string(store.StateCreated), string(store.StateRunning))
			}
			return err
		},
	})

	final, err := m.store.Update(bookkeeping, c.ID, func(rec *store.Container) error {
		now := time.Now().UTC()
		rec.FinishedAt = &now
		if rec.State == store.StateRunning || rec.State == store.StateCreated {
			rec.State = store.StateExited
		}
		if runErr == nil {
			rec.ExitCode = &code
		}
		return nil
	})
	if err != nil {
		log.WarnContext(ctx, "failed to record container exit", "id", c.ShortID(), "error", err)
		final = c
	} else {
		m.recordStateTransition(bookkeeping, string(store.StateRunning), string(final.State))
	}

	if c.Config.AutoRemove {
		m.discard(bookkeeping, c)
	}
	if runErr != nil {
		return &RunResult{Container: final, ExitCode: code}, runErr
	}
	log.DebugContext(ctx, "foreground container exited", "id", c.ShortID(), "exit_code", code)
	return &RunResult{Container: final, ExitCode: code}, nil
}

// Start launches a created, exited or stopped container in the background.
// The launch happens inside the store update so two starts cannot race.
func (m *manager) Start(ctx context.Context, idOrName string) (*store.Container, error) {
	ctx, span := m.startSpan(ctx, "Start")
	defer span.End()

	start := time.Now()
	c, err := m.start(ctx, idOrName)
	if m.metrics != nil {
		m.recordDuration(ctx, m.metrics.startDuration, start, status(err))
	}
	return c, err
}

func (m *manager) start(ctx context.Context, idOrName string) (*store.Container, error) {
	log := logger.FromContext(ctx)
	bookkeeping := context.WithoutCancel(ctx)

	var proc *supervisor.Process
	var from store.State
	c, err := m.store.Update(ctx, idOrName, func(rec *store.Container) error {
		if rec.State == store.StateRunning {
			return fmt.Errorf("%w: container %s is already running", ErrInvalidState, rec.Name)
		}
		from = rec.State

		launch := rec.Clone()
		launch.Config.Detached = true
		// The reaper may fire before Launch returns; it waits for the pid.
		launched := make(chan int, 1)
		id := rec.ID
		m.reapers.Add(1)
		p, err := m.sup.Launch(bookkeeping, launch, func(code int) {
			defer m.reapers.Done()
			m.recordExit(bookkeeping, id, <-launched, code)
		})
		if err != nil {
			m.reapers.Done()
			return err
		}
		launched <- p.Pid
		proc = p

		now := time.Now().UTC()
		rec.State = store.StateRunning
		rec.Pid = p.Pid
		rec.PidStartTime = p.StartTime
		rec.StartedAt = &now
		rec.FinishedAt = nil
		rec.ExitCode = nil
		return nil
	})
	if err != nil {
		if proc != nil {
			// Launched but not recorded: do not leave an untracked process
			orphan := &store.Container{Pid: proc.Pid, PidStartTime: proc.StartTime}
			if kerr := m.sup.Kill(bookkeeping, orphan); kerr != nil {
				log.ErrorContext(ctx, "failed to kill unrecorded container process", "pid", proc.Pid, "error", kerr)
			}
		}
		return nil, err
	}

	m.recordStateTransition(ctx, string(from), string(store.StateRunning))
	log.InfoContext(ctx, "container started", "id", c.ShortID(), "name", c.Name, "pid", c.Pid)
	return c, nil
}

// recordExit is the reaper callback for detached processes this invocation
// launched. It only touches the record if the pid still matches.
func (m *manager) recordExit(ctx context.Context, id string, pid int, code int) {
	_, err := m.store.Update(ctx, id, func(rec *store.Container) error {
		if rec.Pid != pid {
			return errNotRunning
		}
		switch rec.State {
		case store.StateRunning:
			now := time.Now().UTC()
			rec.State = store.StateExited
			rec.FinishedAt = &now
			rec.ExitCode = &code
		case store.StateExited, store.StateStopped:
			if rec.ExitCode == nil {
				rec.ExitCode = &code
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNotRunning) && !errors.Is(err, store.ErrNotFound) {
		m.log.WarnContext(ctx, "failed to record container exit", "id", id, "error", err)
	}
}

// Stop marks a running container stopped, then terminates its process:
// SIGTERM, up to timeout of grace, then SIGKILL. Stopping a container that
// is not running succeeds without changes.
func (m *manager) Stop(ctx context.Context, idOrName string, timeout time.Duration) (*store.Container, error) {
	ctx, span := m.startSpan(ctx, "Stop")
	defer span.End()

	start := time.Now()
	c, err := m.stop(ctx, idOrName, timeout)
	if m.metrics != nil {
		m.recordDuration(ctx, m.metrics.stopDuration, start, status(err))
	}
	return c, err
}

func (m *manager) stop(ctx context.Context, idOrName string, timeout time.Duration) (*store.Container, error) {
	log := logger.FromContext(ctx)
	if timeout <= 0 {
		timeout = m.stopTimeout
	}

	var target *store.Container
	c, err := m.store.Update(ctx, idOrName, func(rec *store.Container) error {
		if rec.State != store.StateRunning {
			return errNotRunning
		}
		target = rec.Clone()
		now := time.Now().UTC()
		rec.State = store.StateStopped
		rec.FinishedAt = &now
		return nil
	})
	if errors.Is(err, errNotRunning) {
		// Already down. Get reports the reconciled state.
		return m.store.Get(ctx, idOrName)
	}
	if err != nil {
		return nil, err
	}
	m.recordStateTransition(ctx, string(store.StateRunning), string(store.StateStopped))

	forced, err := m.sup.Stop(ctx, target, timeout)
	if err != nil {
		return nil, fmt.Errorf("stop %s: %w", c.Name, err)
	}
	log.InfoContext(ctx, "container stopped", "id", c.ShortID(), "name", c.Name, "forced", forced)
	return c, nil
}

// Restart stops the container if it is running, then starts it.
func (m *manager) Restart(ctx context.Context, idOrName string, timeout time.Duration) (*store.Container, error) {
	c, err := m.Stop(ctx, idOrName, timeout)
	if err != nil {
		return nil, err
	}
	return m.Start(ctx, c.ID)
}

// Remove deletes a container and its filesystem. A running container is
// only removed with force, which kills it first.
func (m *manager) Remove(ctx context.Context, idOrName string, force bool) (*store.Container, error) {
	log := logger.FromContext(ctx)

	c, err := m.store.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if c.State == store.StateRunning {
		if !force {
			return nil, fmt.Errorf("%w: container %s is running, stop it first or force removal", ErrInvalidState, c.Name)
		}
		if err := m.sup.Kill(ctx, c); err != nil {
			return nil, fmt.Errorf("kill %s: %w", c.Name, err)
		}
	}

	removed, err := m.store.Remove(ctx, c.ID, func(rec *store.Container) error {
		if rec.State == store.StateRunning && !force {
			return fmt.Errorf("%w: container %s is running", ErrInvalidState, rec.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.recordStateTransition(ctx, string(c.State), string(store.StateRemoved))

	if err := images.RemoveTree(m.paths.ContainerDir(removed.ID)); err != nil {
		return removed, fmt.Errorf("remove container dir: %w", err)
	}
	log.InfoContext(ctx, "container removed", "id", removed.ShortID(), "name", removed.Name)
	return removed, nil
}
