package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onkernel/pdocker/lib/store"
	"github.com/onkernel/pdocker/lib/supervisor/supervisortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func setupTestSupervisor(t *testing.T, grace time.Duration) *Supervisor {
	t.Helper()
	return New(Options{ProotPath: supervisortest.WriteFakeProot(t), StopTimeout: grace})
}

func newRecord(t *testing.T) *store.Container {
	t.Helper()
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs")
	for _, d := range []string{"bin", "tmp", "run", "var/run", "work"} {
		require.NoError(t, os.MkdirAll(filepath.Join(rootfs, d), 0755))
	}
	return &store.Container{
		ID:         strings.Repeat("ab", 32),
		Name:       "test",
		RootfsPath: rootfs,
		LogPath:    filepath.Join(dir, "container.log"),
		State:      store.StateCreated,
	}
}

func TestBuildCommand(t *testing.T) {
	sup := New(Options{ProotPath: "/usr/bin/proot"})
	mountSrc := t.TempDir()

	t.Run("ExplicitCommandWins", func(t *testing.T) {
		rec := newRecord(t)
		rec.ImageConfig = store.ImageConfig{Entrypoint: []string{"/entry"}, Cmd: []string{"default"}}
		rec.Config.Command = []string{"echo", "hi"}

		inv, err := sup.BuildCommand(rec)
		require.NoError(t, err)
		require.Equal(t, []string{"echo", "hi"}, inv.Command)
		require.Equal(t, "/usr/bin/proot", inv.Path)
		require.Equal(t, []string{"-r", rec.RootfsPath}, inv.Args[:2])
		require.Equal(t, []string{"-w", "/", "echo", "hi"}, inv.Args[len(inv.Args)-4:])
	})

	t.Run("ImageEntrypointAndCmd", func(t *testing.T) {
		rec := newRecord(t)
		rec.ImageConfig = store.ImageConfig{Entrypoint: []string{"/entry"}, Cmd: []string{"serve"}, WorkingDir: "/work"}

		inv, err := sup.BuildCommand(rec)
		require.NoError(t, err)
		require.Equal(t, []string{"/entry", "serve"}, inv.Command)
		require.Equal(t, "/work", inv.WorkingDir)
	})

	t.Run("EntrypointOverrideDropsImageCmd", func(t *testing.T) {
		rec := newRecord(t)
		rec.ImageConfig = store.ImageConfig{Entrypoint: []string{"/entry"}, Cmd: []string{"serve"}}
		rec.Config.Entrypoint = []string{"/bin/other"}
		rec.Config.Command = []string{"-v"}

		inv, err := sup.BuildCommand(rec)
		require.NoError(t, err)
		require.Equal(t, []string{"/bin/other", "-v"}, inv.Command)
	})

	t.Run("ShellFallback", func(t *testing.T) {
		rec := newRecord(t)
		require.NoError(t, os.WriteFile(filepath.Join(rec.RootfsPath, "bin", "ash"), nil, 0755))
		inv, err := sup.BuildCommand(rec)
		require.NoError(t, err)
		require.Equal(t, []string{"/bin/ash"}, inv.Command)

		require.NoError(t, os.WriteFile(filepath.Join(rec.RootfsPath, "bin", "bash"), nil, 0755))
		inv, err = sup.BuildCommand(rec)
		require.NoError(t, err)
		require.Equal(t, []string{"/bin/bash"}, inv.Command)
	})

	t.Run("BusyboxFallback", func(t *testing.T) {
		rec := newRecord(t)
		require.NoError(t, os.WriteFile(filepath.Join(rec.RootfsPath, "bin", "busybox"), nil, 0755))
		inv, err := sup.BuildCommand(rec)
		require.NoError(t, err)
		require.Equal(t, []string{"/bin/busybox", "sh"}, inv.Command)
	})

	t.Run("BindsAndWorkdir", func(t *testing.T) {
		rec := newRecord(t)
		rec.Config.Mounts = []store.Mount{{Source: mountSrc, Target: "/data"}}
		rec.Config.WorkingDir = "/data"
		rec.Config.Command = []string{"ls"}

		inv, err := sup.BuildCommand(rec)
		require.NoError(t, err)
		joined := strings.Join(inv.Args, " ")
		assert.Contains(t, joined, "-b "+mountSrc+":/data")
		assert.Contains(t, joined, "-w /data ls")
		if _, err := os.Stat("/proc"); err == nil {
			assert.Contains(t, joined, "-b /proc")
		}
	})

	t.Run("AndroidBinds", func(t *testing.T) {
		hostDir := t.TempDir()
		sdcard := filepath.Join(hostDir, "sdcard")
		require.NoError(t, os.Mkdir(sdcard, 0755))
		resolv := filepath.Join(hostDir, "resolv.conf")
		require.NoError(t, os.WriteFile(resolv, []byte("nameserver 8.8.8.8\n"), 0644))
		saved := androidBinds
		androidBinds = []hostBind{
			{host: sdcard},
			{host: resolv, guest: "/etc/resolv.conf"},
			{host: filepath.Join(hostDir, "absent")},
		}
		t.Cleanup(func() { androidBinds = saved })

		rec := newRecord(t)
		rec.Config.Command = []string{"ls"}

		android := New(Options{ProotPath: "/usr/bin/proot", IsAndroid: func() bool { return true }})
		inv, err := android.BuildCommand(rec)
		require.NoError(t, err)
		joined := strings.Join(inv.Args, " ")
		assert.Contains(t, joined, "-b "+sdcard)
		assert.Contains(t, joined, "-b "+resolv+":/etc/resolv.conf")
		assert.NotContains(t, joined, "absent")

		plain := New(Options{ProotPath: "/usr/bin/proot", IsAndroid: func() bool { return false }})
		inv, err = plain.BuildCommand(rec)
		require.NoError(t, err)
		joined = strings.Join(inv.Args, " ")
		assert.NotContains(t, joined, sdcard)
		assert.NotContains(t, joined, "/etc/resolv.conf")
	})

	t.Run("ReadOnlyBindWarns", func(t *testing.T) {
		var logs bytes.Buffer
		warned := New(Options{
			ProotPath: "/usr/bin/proot",
			Logger:    slog.New(slog.NewTextHandler(&logs, nil)),
		})
		rec := newRecord(t)
		rec.Config.Mounts = []store.Mount{{Source: mountSrc, Target: "/data", ReadOnly: true}}
		rec.Config.Command = []string{"ls"}

		inv, err := warned.BuildCommand(rec)
		require.NoError(t, err)
		assert.Contains(t, strings.Join(inv.Args, " "), "-b "+mountSrc+":/data")
		assert.Contains(t, logs.String(), "read-only bind is not supported")
	})

	t.Run("MissingBindSource", func(t *testing.T) {
		rec := newRecord(t)
		rec.Config.Mounts = []store.Mount{{Source: filepath.Join(mountSrc, "nope"), Target: "/x"}}
		_, err := sup.BuildCommand(rec)
		require.ErrorIs(t, err, ErrLaunch)
	})

	t.Run("MissingRootfs", func(t *testing.T) {
		rec := newRecord(t)
		rec.RootfsPath = filepath.Join(t.TempDir(), "absent")
		_, err := sup.BuildCommand(rec)
		require.ErrorIs(t, err, ErrLaunch)
	})
}

func TestBuildEnv(t *testing.T) {
	rec := newRecord(t)
	rec.ImageConfig.Env = map[string]string{"PATH": "/opt/bin", "FROM_IMAGE": "1", "OVERRIDE": "image"}
	rec.Config.Env = map[string]string{"OVERRIDE": "user"}

	env := buildEnv(rec, nil, false)
	assert.Contains(t, env, "PATH=/opt/bin")
	assert.Contains(t, env, "HOME=/root")
	assert.Contains(t, env, "TERM=xterm")
	assert.Contains(t, env, "FROM_IMAGE=1")
	assert.Contains(t, env, "OVERRIDE=user")

	detached := buildEnv(rec, nil, true)
	assert.Contains(t, detached, "TERM=dumb")

	withExtra := buildEnv(rec, map[string]string{"OVERRIDE": "exec"}, false)
	assert.Contains(t, withExtra, "OVERRIDE=exec")
}

func TestCleanStalePidFiles(t *testing.T) {
	rec := newRecord(t)
	for _, p := range []string{"run/nginx.pid", "var/run/sshd.pid", "tmp/app.pid", "tmp/keep.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(rec.RootfsPath, p), []byte("1"), 0644))
	}

	n, err := cleanStalePidFiles(rec.RootfsPath)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	assert.NoFileExists(t, filepath.Join(rec.RootfsPath, "run", "nginx.pid"))
	assert.FileExists(t, filepath.Join(rec.RootfsPath, "tmp", "keep.txt"))
}

func TestRunForeground(t *testing.T) {
	sup := setupTestSupervisor(t, time.Second)
	rec := newRecord(t)
	rec.Config.Command = []string{"sh", "-c", "echo hi; echo oops >&2; exit 3"}

	var stdout, stderr bytes.Buffer
	var started atomic.Int64
	code, err := sup.Run(context.Background(), rec, RunOptions{
		IO: IO{Stdout: &stdout, Stderr: &stderr},
		OnStart: func(p *Process) error {
			started.Store(int64(p.Pid))
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.Equal(t, "hi\n", stdout.String())
	require.Equal(t, "oops\n", stderr.String())
	require.Positive(t, started.Load())
}

func TestRunDoesNotInheritHostEnv(t *testing.T) {
	t.Setenv("PDOCKER_HOST_ONLY", "leak")
	sup := setupTestSupervisor(t, time.Second)
	rec := newRecord(t)
	rec.Config.Command = []string{"env"}
	rec.Config.Env = map[string]string{"GREETING": "hello"}

	var stdout bytes.Buffer
	code, err := sup.Run(context.Background(), rec, RunOptions{IO: IO{Stdout: &stdout}})
	require.NoError(t, err)
	require.Zero(t, code)
	assert.NotContains(t, stdout.String(), "PDOCKER_HOST_ONLY")
	assert.Contains(t, stdout.String(), "GREETING=hello")
	assert.Contains(t, stdout.String(), "HOME=/root")
}

func TestRunCancelTerminates(t *testing.T) {
	sup := setupTestSupervisor(t, 2*time.Second)
	rec := newRecord(t)
	rec.Config.Command = []string{"sleep", "30"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	code, err := sup.Run(ctx, rec, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 128+int(unix.SIGTERM), code)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunOnStartErrorKills(t *testing.T) {
	sup := setupTestSupervisor(t, time.Second)
	rec := newRecord(t)
	rec.Config.Command = []string{"sleep", "30"}

	boom := assert.AnError
	_, err := sup.Run(context.Background(), rec, RunOptions{
		OnStart: func(*Process) error { return boom },
	})
	require.ErrorIs(t, err, boom)
}

func TestLaunchWritesLogAndReaps(t *testing.T) {
	sup := setupTestSupervisor(t, time.Second)
	rec := newRecord(t)
	rec.Config.Detached = true
	rec.Config.Command = []string{"sh", "-c", "echo started; echo $TERM; exit 7"}

	exited := make(chan int, 1)
	proc, err := sup.Launch(context.Background(), rec, func(code int) { exited <- code })
	require.NoError(t, err)
	require.Positive(t, proc.Pid)

	select {
	case code := <-exited:
		require.Equal(t, 7, code)
	case <-time.After(10 * time.Second):
		t.Fatal("reaper never reported exit")
	}

	code, err := proc.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, code)

	data, err := os.ReadFile(rec.LogPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "--- starting container at "))
	assert.Equal(t, "started", lines[1])
	assert.Equal(t, "dumb", lines[2])

	// A second launch appends under a new banner
	_, err = sup.Launch(context.Background(), rec, func(int) { exited <- 0 })
	require.NoError(t, err)
	<-exited
	data, err = os.ReadFile(rec.LogPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "--- starting container at "))
}

func launchRunning(t *testing.T, sup *Supervisor, rec *store.Container, script string) *Process {
	t.Helper()
	rec.Config.Detached = true
	rec.Config.Command = []string{"sh", "-c", script}
	proc, err := sup.Launch(context.Background(), rec, nil)
	require.NoError(t, err)
	rec.Pid = proc.Pid
	rec.PidStartTime = proc.StartTime
	rec.State = store.StateRunning

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(rec.LogPath)
		return strings.Contains(string(data), "ready")
	}, 10*time.Second, 20*time.Millisecond)
	return proc
}

func TestStopGraceful(t *testing.T) {
	sup := setupTestSupervisor(t, 5*time.Second)
	rec := newRecord(t)
	proc := launchRunning(t, sup, rec, "echo ready; exec sleep 30")
	require.True(t, IsAlive(rec.Pid, rec.PidStartTime))

	forced, err := sup.Stop(context.Background(), rec, 0)
	require.NoError(t, err)
	require.False(t, forced)
	require.False(t, IsAlive(rec.Pid, rec.PidStartTime))

	code, err := proc.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 128+int(unix.SIGTERM), code)
}

func TestStopEscalatesToKill(t *testing.T) {
	sup := setupTestSupervisor(t, time.Second)
	rec := newRecord(t)
	launchRunning(t, sup, rec, `trap "" TERM; echo ready; while true; do sleep 0.1; done`)

	start := time.Now()
	forced, err := sup.Stop(context.Background(), rec, 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, forced)
	require.False(t, IsAlive(rec.Pid, rec.PidStartTime))
	require.Less(t, time.Since(start), 8*time.Second)
}

func TestStopAlreadyGone(t *testing.T) {
	sup := setupTestSupervisor(t, time.Second)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	rec := newRecord(t)
	rec.Pid = cmd.Process.Pid
	rec.State = store.StateRunning

	forced, err := sup.Stop(context.Background(), rec, 0)
	require.NoError(t, err)
	require.False(t, forced)

	err = sup.Signal(context.Background(), rec, unix.SIGTERM)
	require.ErrorIs(t, err, ErrSignal)
	require.ErrorIs(t, err, unix.ESRCH)
}

func TestIsAlive(t *testing.T) {
	self := os.Getpid()
	start := StartTime(self)

	assert.True(t, IsAlive(self, 0))
	assert.False(t, IsAlive(0, 0))
	assert.False(t, IsAlive(-1, 0))
	if start != 0 {
		assert.True(t, IsAlive(self, start))
		assert.False(t, IsAlive(self, start+1), "a reused pid has a different start time")
	}

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, IsAlive(cmd.Process.Pid, 0))
}

func TestIsAliveWithoutProc(t *testing.T) {
	saved := procRoot
	procRoot = t.TempDir()
	t.Cleanup(func() { procRoot = saved })

	self := os.Getpid()
	assert.Zero(t, StartTime(self))
	assert.True(t, IsAlive(self, 0))
	assert.True(t, IsAlive(self, 12345), "start time cannot be checked without /proc")

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, IsAlive(cmd.Process.Pid, 0))
}

func TestExec(t *testing.T) {
	sup := setupTestSupervisor(t, time.Second)
	rec := newRecord(t)
	rec.Config.Detached = true
	rec.Config.Env = map[string]string{"FROM_RUN": "yes"}

	var stdout bytes.Buffer
	code, err := sup.Exec(context.Background(), rec, ExecOptions{
		IO:         IO{Stdout: &stdout},
		Command:    []string{"sh", "-c", "pwd; echo $FROM_RUN $EXTRA $TERM"},
		Env:        map[string]string{"EXTRA": "x"},
		WorkingDir: "/work",
	})
	require.NoError(t, err)
	require.Zero(t, code)

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "/rootfs/work"))
	assert.Equal(t, "yes x xterm", lines[1])
}
