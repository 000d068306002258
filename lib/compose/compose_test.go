package compose

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/onkernel/pdocker/lib/containers"
	"github.com/onkernel/pdocker/lib/store"
	"github.com/onkernel/pdocker/lib/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCompose = `
services:
  web:
    image: nginx:alpine
    command: nginx -g "daemon off;"
    environment:
      MODE: production
      WORKERS: 4
    volumes:
      - ./html:/usr/share/nginx/html:ro
      - /var/log/web:/var/log/nginx
    working_dir: /srv
  worker:
    image: alpine
    container_name: the-worker
    command: ["sh", "-c", "sleep 100"]
    environment:
      - QUEUE=jobs
      - DEBUG=
  broken:
    container_name: broken
`

func writeCompose(t *testing.T, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "My Project")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeCompose(t, sampleCompose)

	p, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "myproject", p.Name)
	require.Len(t, p.Services, 3)
	require.Equal(t, []string{"broken", "web", "worker"}, []string{p.Services[0].Name, p.Services[1].Name, p.Services[2].Name})

	web := p.Services[1]
	assert.Equal(t, Command{"nginx", "-g", "daemon off;"}, web.Command)
	assert.Equal(t, Environment{"MODE": "production", "WORKERS": "4"}, web.Environment)
	assert.Equal(t, "myproject-web", p.ContainerName(web))

	worker := p.Services[2]
	assert.Equal(t, Command{"sh", "-c", "sleep 100"}, worker.Command)
	assert.Equal(t, Environment{"QUEUE": "jobs", "DEBUG": ""}, worker.Environment)
	assert.Equal(t, "the-worker", p.ContainerName(worker))

	named, err := Load(path, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", named.Name)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeCompose(t, "services: {}\n"), "")
	require.ErrorIs(t, err, ErrNoServices)

	_, err = Load(writeCompose(t, "version: '3'\n"), "")
	require.ErrorIs(t, err, ErrNoServices)

	_, err = Load(writeCompose(t, "services: [\n"), "")
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Load(writeCompose(t, "services:\n  a:\n    image: x\n    command: 'unterminated \"quote'\n"), "")
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"), "")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCreateRequest(t *testing.T) {
	path := writeCompose(t, sampleCompose)
	p, err := Load(path, "")
	require.NoError(t, err)

	req, err := p.CreateRequest(p.Services[1])
	require.NoError(t, err)
	assert.Equal(t, "myproject-web", req.Name)
	assert.Equal(t, "nginx:alpine", req.Image)
	assert.Equal(t, "/srv", req.WorkingDir)
	assert.Equal(t, []store.Mount{
		{Source: filepath.Join(filepath.Dir(path), "html"), Target: "/usr/share/nginx/html", ReadOnly: true},
		{Source: "/var/log/web", Target: "/var/log/nginx"},
	}, req.Mounts)
	assert.Equal(t, "myproject", req.Labels[LabelProject])
	assert.Equal(t, "web", req.Labels[LabelService])

	_, err = p.CreateRequest(p.Services[0])
	require.ErrorIs(t, err, ErrInvalid)
}

type fakeLifecycle struct {
	mu       sync.Mutex
	running  map[string]*store.Container
	calls    []string
	failRun  string
	detached []bool
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{running: map[string]*store.Container{}}
}

func (f *fakeLifecycle) Run(ctx context.Context, req containers.CreateRequest, stdio supervisor.IO) (*containers.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "run "+req.Name)
	f.detached = append(f.detached, req.Detached)
	if req.Name == f.failRun {
		return nil, errors.New("boom")
	}
	c := &store.Container{ID: "id-" + req.Name, Name: req.Name, State: store.StateRunning}
	f.running[req.Name] = c
	return &containers.RunResult{Container: c}, nil
}

func (f *fakeLifecycle) Stop(ctx context.Context, idOrName string, timeout time.Duration) (*store.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop "+idOrName)
	c, ok := f.running[idOrName]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.State = store.StateStopped
	return c, nil
}

func (f *fakeLifecycle) Remove(ctx context.Context, idOrName string, force bool) (*store.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "rm "+idOrName)
	for name, c := range f.running {
		if c.ID == idOrName {
			delete(f.running, name)
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func TestUpAndDown(t *testing.T) {
	p, err := Load(writeCompose(t, sampleCompose), "")
	require.NoError(t, err)
	lc := newFakeLifecycle()
	ctx := context.Background()

	results := Up(ctx, lc, p, UpOptions{Detach: true})
	require.Len(t, results, 3)
	require.ErrorIs(t, results[0].Err, ErrInvalid)
	require.NoError(t, results[1].Err)
	require.Equal(t, "id-myproject-web", results[1].ID)
	require.NoError(t, results[2].Err)
	require.Equal(t, []bool{true, true}, lc.detached)
	require.Error(t, Err(results))

	results = Down(ctx, lc, p, time.Second)
	require.Len(t, results, 3)
	assert.True(t, results[0].Skipped)
	assert.NoError(t, Err(results))
	assert.Empty(t, lc.running)
	assert.Equal(t, []string{
		"run myproject-web", "run the-worker",
		"stop broken",
		"stop myproject-web", "rm id-myproject-web",
		"stop the-worker", "rm id-the-worker",
	}, lc.calls)
}

func TestUpContinuesPastFailures(t *testing.T) {
	p, err := Load(writeCompose(t, sampleCompose), "")
	require.NoError(t, err)
	lc := newFakeLifecycle()
	lc.failRun = "myproject-web"

	results := Up(context.Background(), lc, p, UpOptions{})
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
	require.Equal(t, []bool{false, false}, lc.detached)
}
