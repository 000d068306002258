package main

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/onkernel/pdocker/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*cli, *kong.Context) {
	t.Helper()
	var root cli
	parser, err := kong.New(&root, kong.Name("pdocker"))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &root, kctx
}

func TestParseRun(t *testing.T) {
	root, _ := parse(t, "--data-dir", "/tmp/pd", "run", "-d", "--name", "web", "-e", "A=1",
		"-v", "/srv:/data:ro", "alpine", "sh", "-c", "echo hi")
	assert.Equal(t, "/tmp/pd", root.DataDir)
	assert.True(t, root.Run.Detach)
	assert.Equal(t, "alpine", root.Run.Image)
	assert.Equal(t, []string{"sh", "-c", "echo hi"}, root.Run.Command)

	req, err := root.Run.request()
	require.NoError(t, err)
	assert.Equal(t, "web", req.Name)
	assert.Equal(t, "1", req.Env["A"])
	assert.Equal(t, []store.Mount{{Source: "/srv", Target: "/data", ReadOnly: true}}, req.Mounts)
}

func TestParseQuietFlags(t *testing.T) {
	root, kctx := parse(t, "ps", "-q")
	assert.Equal(t, "ps", kctx.Command())
	assert.True(t, root.Ps.Quiet)
	assert.False(t, root.LogQuiet)

	root, _ = parse(t, "images", "-q")
	assert.True(t, root.Images.Quiet)

	root, _ = parse(t, "--log-quiet", "images", "--quiet")
	assert.True(t, root.LogQuiet)
	assert.True(t, root.Images.Quiet)

	root, kctx = parse(t, "--log-quiet", "version")
	assert.Equal(t, "version", kctx.Command())
	assert.True(t, root.LogQuiet)
}

func TestParseRunKeep(t *testing.T) {
	root, _ := parse(t, "run", "--keep", "alpine", "true")
	assert.True(t, root.Run.Keep)
	assert.False(t, root.Run.Rm)
	assert.Equal(t, []string{"true"}, root.Run.Command)
}

func TestParsePassthroughFlags(t *testing.T) {
	root, _ := parse(t, "exec", "-it", "web", "ls", "-la")
	assert.True(t, root.Exec.Interactive)
	assert.True(t, root.Exec.TTY)
	assert.Equal(t, "web", root.Exec.Container)
	assert.Equal(t, []string{"ls", "-la"}, root.Exec.Command)
}

func TestParseCompose(t *testing.T) {
	root, kctx := parse(t, "compose", "-f", "stack.yml", "up", "-d")
	assert.Equal(t, "compose up", kctx.Command())
	assert.Equal(t, "stack.yml", root.Compose.File)
	assert.True(t, root.Compose.Up.Detach)
}

func TestTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), timeout(-1))
	assert.Equal(t, time.Millisecond, timeout(0))
	assert.Equal(t, 3*time.Second, timeout(3))
}

func TestStatusLine(t *testing.T) {
	code := 137
	finished := time.Now().Add(-2 * time.Minute)
	started := time.Now().Add(-time.Hour)

	assert.Equal(t, "Created", statusLine(&store.Container{State: store.StateCreated}))
	assert.Equal(t, "Up About an hour", statusLine(&store.Container{State: store.StateRunning, StartedAt: &started}))
	assert.Equal(t, "Exited (137) 2 minutes ago", statusLine(&store.Container{State: store.StateExited, ExitCode: &code, FinishedAt: &finished}))
	assert.Equal(t, "Stopped (?)", statusLine(&store.Container{State: store.StateStopped}))
}

func TestFamiliarAndTruncate(t *testing.T) {
	assert.Equal(t, "alpine:latest", familiar("docker.io/library/alpine:latest"))
	assert.Equal(t, "ghcr.io/org/app:1", familiar("ghcr.io/org/app:1"))
	assert.Equal(t, "short", truncate("short", 20))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
