// Package supervisor runs containers as proot processes and watches them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/onkernel/pdocker/lib/logger"
	"github.com/onkernel/pdocker/lib/store"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	defaultGrace     = 10 * time.Second
	killWait         = 5 * time.Second
	livenessInterval = 100 * time.Millisecond
)

// Options configures a Supervisor.
type Options struct {
	// ProotPath is the sandbox binary. Defaults to "proot" on PATH.
	ProotPath string
	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout time.Duration
	Logger      *slog.Logger
	// IsAndroid detects an Android host, which gets extra binds. Defaults
	// to IsAndroid.
	IsAndroid func() bool
}

// Supervisor launches and signals sandbox processes.
type Supervisor struct {
	proot   string
	grace   time.Duration
	log     *slog.Logger
	android bool
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	proot := opts.ProotPath
	if proot == "" {
		proot = "proot"
	}
	grace := opts.StopTimeout
	if grace <= 0 {
		grace = defaultGrace
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	detect := opts.IsAndroid
	if detect == nil {
		detect = IsAndroid
	}
	return &Supervisor{proot: proot, grace: grace, log: log, android: detect()}
}

// IsAlive implements store.LivenessChecker.
func (s *Supervisor) IsAlive(pid int, startTime uint64) bool {
	return IsAlive(pid, startTime)
}

// IO wires a process to the caller's streams.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a sandbox process started by this Supervisor.
type Process struct {
	Pid       int
	StartTime uint64

	once     sync.Once
	done     chan struct{}
	exitCode int
	err      error
}

func newProcess(pid int) *Process {
	return &Process{Pid: pid, StartTime: StartTime(pid), done: make(chan struct{})}
}

func (p *Process) finish(code int, err error) {
	p.once.Do(func() {
		p.exitCode = code
		p.err = err
		close(p.done)
	})
}

// Done is closed when the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// RunOptions configures a foreground run.
type RunOptions struct {
	IO
	// TTY runs the process under a pseudo-terminal when Stdin is a terminal.
	TTY bool
	// OnStart is called with the new process before Run blocks. An error
	// kills the process and is returned from Run.
	OnStart func(*Process) error
}

// Run launches rec in the foreground and blocks until it exits, returning
// its exit code. Cancelling ctx sends SIGTERM, then SIGKILL after the grace
// period.
func (s *Supervisor) Run(ctx context.Context, rec *store.Container, opts RunOptions) (int, error) {
	inv, err := s.BuildCommand(rec)
	if err != nil {
		return -1, err
	}
	s.prepare(ctx, rec)
	return s.foreground(ctx, inv, opts)
}

// ExecOptions describes a command to run beside a container's main process.
type ExecOptions struct {
	IO
	// Command defaults to the first shell found in the rootfs.
	Command    []string
	Env        map[string]string
	WorkingDir string
	TTY        bool
}

// Exec runs a new sandbox process against rec's rootfs, binds and env. The
// container's primary process is not touched.
func (s *Supervisor) Exec(ctx context.Context, rec *store.Container, opts ExecOptions) (int, error) {
	command := opts.Command
	if len(command) == 0 {
		command = findShell(rec.RootfsPath)
	}
	env := opts.Env
	if env == nil {
		env = map[string]string{}
	}
	inv, err := s.build(rec, command, env, opts.WorkingDir, true)
	if err != nil {
		return -1, err
	}
	logger.FromContext(ctx).DebugContext(ctx, "exec in container", "id", rec.ShortID(), "command", inv.Command)
	return s.foreground(ctx, inv, RunOptions{IO: opts.IO, TTY: opts.TTY})
}

func (s *Supervisor) foreground(ctx context.Context, inv *Invocation, opts RunOptions) (int, error) {
	log := logger.FromContext(ctx)

	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	cmd.Env = inv.Env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(unix.SIGTERM)
	}
	cmd.WaitDelay = s.grace

	stdin, isTTY := terminalInput(opts.Stdin)
	useTTY := opts.TTY && isTTY

	var ptmx *os.File
	if useTTY {
		var err error
		ptmx, err = pty.Start(cmd)
		if err != nil {
			return -1, fmt.Errorf("%w: %s: %w", ErrLaunch, inv.Path, err)
		}
		defer ptmx.Close()
	} else {
		cmd.Stdin = opts.Stdin
		cmd.Stdout = opts.Stdout
		cmd.Stderr = opts.Stderr
		if err := cmd.Start(); err != nil {
			return -1, fmt.Errorf("%w: %s: %w", ErrLaunch, inv.Path, err)
		}
	}

	proc := newProcess(cmd.Process.Pid)
	log.DebugContext(ctx, "sandbox started", "pid", proc.Pid, "command", inv.Command, "tty", useTTY)

	if opts.OnStart != nil {
		if err := opts.OnStart(proc); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return -1, err
		}
	}

	var copyDone chan struct{}
	if useTTY {
		restore, err := s.attachTerminal(ctx, stdin, ptmx)
		if err != nil {
			log.WarnContext(ctx, "could not make terminal raw", "error", err)
		} else {
			defer restore()
		}
		go io.Copy(ptmx, stdin)
		copyDone = make(chan struct{})
		go func() {
			defer close(copyDone)
			// Returns with EIO once the child side closes
			io.Copy(opts.Stdout, ptmx)
		}()
	}

	waitErr := cmd.Wait()
	if copyDone != nil {
		select {
		case <-copyDone:
		case <-time.After(time.Second):
		}
	}
	code, err := exitStatus(waitErr)
	proc.finish(code, err)
	return code, err
}

// attachTerminal puts the local terminal in raw mode and forwards window
// size changes to the pty. The returned func undoes both.
func (s *Supervisor) attachTerminal(ctx context.Context, stdin *os.File, ptmx *os.File) (func(), error) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	go func() {
		for range winch {
			if err := pty.InheritSize(stdin, ptmx); err != nil {
				logger.FromContext(ctx).DebugContext(ctx, "resize pty", "error", err)
			}
		}
	}()
	winch <- unix.SIGWINCH

	fd := int(stdin.Fd())
	state, err := term.MakeRaw(fd)
	stop := func() {
		signal.Stop(winch)
		close(winch)
	}
	if err != nil {
		stop()
		return nil, err
	}
	return func() {
		term.Restore(fd, state)
		stop()
	}, nil
}

func terminalInput(r io.Reader) (*os.File, bool) {
	f, ok := r.(*os.File)
	if !ok || f == nil {
		return nil, false
	}
	return f, term.IsTerminal(int(f.Fd()))
}

// Launch starts rec detached in its own session. Output is appended to the
// container log after a start banner. onExit, when set, runs from a reaper
// goroutine with the exit code if this process is still alive to see it.
func (s *Supervisor) Launch(ctx context.Context, rec *store.Container, onExit func(code int)) (*Process, error) {
	log := logger.FromContext(ctx)

	inv, err := s.BuildCommand(rec)
	if err != nil {
		return nil, err
	}
	s.prepare(ctx, rec)

	if err := os.MkdirAll(filepath.Dir(rec.LogPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: create log dir: %w", ErrLaunch, err)
	}
	logFile, err := os.OpenFile(rec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open log: %w", ErrLaunch, err)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "--- starting container at %s ---\n", time.Now().Format(time.RFC3339))

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Env = inv.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunch, inv.Path, err)
	}

	proc := newProcess(cmd.Process.Pid)
	log.InfoContext(ctx, "container launched", "id", rec.ShortID(), "pid", proc.Pid, "command", inv.Command)

	go func() {
		code, err := exitStatus(cmd.Wait())
		proc.finish(code, err)
		log.DebugContext(ctx, "container process exited", "id", rec.ShortID(), "pid", proc.Pid, "exit_code", code)
		if onExit != nil {
			onExit(code)
		}
	}()

	return proc, nil
}

// prepare clears state a previous run may have left in the rootfs.
func (s *Supervisor) prepare(ctx context.Context, rec *store.Container) {
	n, err := cleanStalePidFiles(rec.RootfsPath)
	if err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to remove stale pid files", "id", rec.ShortID(), "error", err)
	}
	if n > 0 {
		logger.FromContext(ctx).DebugContext(ctx, "removed stale pid files", "id", rec.ShortID(), "count", n)
	}
}

// Signal delivers sig to rec's process group, or to the process alone when
// it leads no group. A process that is gone, or whose pid now belongs to
// someone else, yields an ErrSignal wrapping unix.ESRCH.
func (s *Supervisor) Signal(ctx context.Context, rec *store.Container, sig unix.Signal) error {
	pid := rec.Pid
	if !IsAlive(pid, rec.PidStartTime) {
		return fmt.Errorf("%w: pid %d: %w", ErrSignal, pid, unix.ESRCH)
	}

	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}
	logger.FromContext(ctx).DebugContext(ctx, "signalling container", "id", rec.ShortID(), "pid", pid, "signal", sig.String())
	if err := unix.Kill(target, sig); err != nil {
		return fmt.Errorf("%w: pid %d: %w", ErrSignal, pid, err)
	}
	return nil
}

// Stop sends SIGTERM, waits up to grace (the configured timeout when zero)
// for the process to exit, then sends SIGKILL. It reports whether SIGKILL
// was needed. A process that is already gone is not an error.
func (s *Supervisor) Stop(ctx context.Context, rec *store.Container, grace time.Duration) (bool, error) {
	log := logger.FromContext(ctx)
	if grace <= 0 {
		grace = s.grace
	}

	if err := s.Signal(ctx, rec, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}
		return false, err
	}
	if s.waitExit(ctx, rec, grace) {
		return false, nil
	}

	log.WarnContext(ctx, "container did not stop in time, killing", "id", rec.ShortID(), "pid", rec.Pid, "grace", grace)
	if err := s.Signal(ctx, rec, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return true, nil
		}
		return true, err
	}
	if !s.waitExit(ctx, rec, killWait) {
		return true, fmt.Errorf("%w: pid %d survived SIGKILL", ErrSignal, rec.Pid)
	}
	return true, nil
}

// Kill sends SIGKILL and waits for the process to go away.
func (s *Supervisor) Kill(ctx context.Context, rec *store.Container) error {
	if err := s.Signal(ctx, rec, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	if !s.waitExit(ctx, rec, killWait) {
		return fmt.Errorf("%w: pid %d survived SIGKILL", ErrSignal, rec.Pid)
	}
	return nil
}

// waitExit polls liveness until the process is gone or timeout passes.
func (s *Supervisor) waitExit(ctx context.Context, rec *store.Container, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		if !IsAlive(rec.Pid, rec.PidStartTime) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !IsAlive(rec.Pid, rec.PidStartTime)
		case <-ticker.C:
		}
	}
}

// exitStatus converts a Wait error into an exit code. Death by signal maps
// to 128+signal as shells report it.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return ee.ExitCode(), nil
	}
	return -1, err
}
