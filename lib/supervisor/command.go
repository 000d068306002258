package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/onkernel/pdocker/lib/store"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// hostBind maps a host path into the sandbox. An empty guest path binds
// the host path at the same location.
type hostBind struct {
	host  string
	guest string
}

func (b hostBind) arg() string {
	if b.guest == "" {
		return b.host
	}
	return b.host + ":" + b.guest
}

// hostBinds are bound into every sandbox when they exist on the host.
var hostBinds = []hostBind{{host: "/dev"}, {host: "/proc"}, {host: "/sys"}}

// androidBinds expose shared storage and the system resolver, without which
// DNS does not work inside the sandbox on Android.
var androidBinds = []hostBind{
	{host: "/sdcard"},
	{host: "/system/etc/resolv.conf", guest: "/etc/resolv.conf"},
}

// IsAndroid reports whether we run on Android, typically under Termux.
func IsAndroid() bool {
	if os.Getenv("ANDROID_DATA") != "" || os.Getenv("TERMUX_VERSION") != "" {
		return true
	}
	if _, err := os.Stat("/system/build.prop"); err == nil {
		return true
	}
	wd, _ := os.Getwd()
	return strings.Contains(wd, "/data/data/com.termux")
}

// shells are tried in order when neither the run nor the image names a
// command.
var shells = []string{"/bin/bash", "/bin/sh", "/bin/ash", "/bin/dash"}

// stalePidDirs are scanned for *.pid files left by a previous run.
var stalePidDirs = []string{"run", "var/run", "tmp"}

// Invocation is a fully resolved sandbox command line.
type Invocation struct {
	Path       string
	Args       []string // proot arguments, ending with the guest command
	Env        []string
	Command    []string // guest command only
	WorkingDir string
}

// BuildCommand turns a container record into a proot invocation.
func (s *Supervisor) BuildCommand(rec *store.Container) (*Invocation, error) {
	return s.build(rec, nil, nil, "", false)
}

// build resolves the invocation. For exec, command, env and workdir
// override the record.
func (s *Supervisor) build(rec *store.Container, command []string, extraEnv map[string]string, workdir string, forExec bool) (*Invocation, error) {
	rootfs := rec.RootfsPath
	if info, err := os.Stat(rootfs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: rootfs %s is missing", ErrLaunch, rootfs)
	}

	if len(command) == 0 {
		command = resolveCommand(rec)
	}
	if len(command) == 0 {
		command = findShell(rootfs)
	}

	if workdir == "" {
		workdir = rec.Config.WorkingDir
	}
	if workdir == "" {
		workdir = rec.ImageConfig.WorkingDir
	}
	if workdir == "" {
		workdir = "/"
	}

	args := []string{"-r", rootfs}
	binds := hostBinds
	if s.android {
		binds = append(append([]hostBind{}, hostBinds...), androidBinds...)
	}
	for _, b := range binds {
		if _, err := os.Stat(b.host); err == nil {
			args = append(args, "-b", b.arg())
		}
	}
	for _, m := range rec.Config.Mounts {
		src, err := filepath.Abs(m.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: bind %s: %w", ErrLaunch, m.Source, err)
		}
		if _, err := os.Stat(src); err != nil {
			return nil, fmt.Errorf("%w: bind source %s: %w", ErrLaunch, src, err)
		}
		if m.ReadOnly {
			// proot binds are always writable
			s.log.Warn("read-only bind is not supported, mounting writable", "container", rec.Name, "source", src, "target", m.Target)
		}
		args = append(args, "-b", src+":"+m.Target)
	}
	args = append(args, "-w", workdir)
	args = append(args, command...)

	return &Invocation{
		Path:       s.proot,
		Args:       args,
		Env:        buildEnv(rec, extraEnv, rec.Config.Detached && !forExec),
		Command:    command,
		WorkingDir: workdir,
	}, nil
}

// resolveCommand picks the explicit run-time command, else the image's
// entrypoint and cmd. An entrypoint override replaces the image's
// entrypoint and drops its cmd.
func resolveCommand(rec *store.Container) []string {
	cfg := rec.Config
	img := rec.ImageConfig
	switch {
	case len(cfg.Entrypoint) > 0:
		return append(append([]string{}, cfg.Entrypoint...), cfg.Command...)
	case len(cfg.Command) > 0:
		return append([]string{}, cfg.Command...)
	default:
		return append(append([]string{}, img.Entrypoint...), img.Cmd...)
	}
}

// findShell returns the first shell present in rootfs.
func findShell(rootfs string) []string {
	for _, sh := range shells {
		if exists(rootfs, sh) {
			return []string{sh}
		}
	}
	if exists(rootfs, "/bin/busybox") {
		return []string{"/bin/busybox", "sh"}
	}
	return []string{"/bin/sh"}
}

func exists(rootfs, guestPath string) bool {
	p, err := securejoin.SecureJoin(rootfs, guestPath)
	if err != nil {
		return false
	}
	_, err = os.Lstat(p)
	return err == nil
}

// buildEnv layers image env, defaults, then user overrides. The host
// environment is never inherited. Detached processes get TERM=dumb.
func buildEnv(rec *store.Container, extra map[string]string, detached bool) []string {
	env := map[string]string{}
	for k, v := range rec.ImageConfig.Env {
		env[k] = v
	}
	for k, v := range map[string]string{"PATH": defaultPath, "HOME": "/root", "TERM": "xterm"} {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}
	for k, v := range rec.Config.Env {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	if detached {
		env["TERM"] = "dumb"
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// cleanStalePidFiles removes *.pid files a previous run left in the rootfs,
// which would otherwise stop daemons from starting again.
func cleanStalePidFiles(rootfs string) (int, error) {
	removed := 0
	var errs []error
	for _, dir := range stalePidDirs {
		p, err := securejoin.SecureJoin(rootfs, dir)
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".pid") {
				continue
			}
			if err := os.Remove(filepath.Join(p, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}
