package containers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/onkernel/pdocker/lib/store"
)

// CreateRequest describes a container to create.
type CreateRequest struct {
	Name       string
	Image      string
	Command    []string
	Entrypoint []string
	Env        map[string]string
	Mounts     []store.Mount
	WorkingDir string
	Labels     map[string]string

	Detached    bool
	Interactive bool
	TTY         bool
	// Keep retains a foreground container's record and rootfs after it
	// exits. Foreground runs are otherwise removed.
	Keep bool
	// ForcePull re-resolves the image even when it is cached.
	ForcePull bool
}

// RunResult is the outcome of Run. ExitCode is only meaningful for
// foreground runs.
type RunResult struct {
	Container *store.Container
	ExitCode  int
}

// PruneReport summarizes a Prune.
type PruneReport struct {
	BlobsRemoved      int
	BytesReclaimed    int64
	OrphanDirsRemoved int
}

// ParseMount parses "host:guest[:ro|rw]". Relative host paths are resolved
// against the working directory.
func ParseMount(spec string) (store.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return store.Mount{}, fmt.Errorf("%w: bind %q must be host:guest[:ro]", ErrInvalidRequest, spec)
	}
	if !strings.HasPrefix(parts[1], "/") {
		return store.Mount{}, fmt.Errorf("%w: bind target %q must be absolute", ErrInvalidRequest, parts[1])
	}
	src, err := filepath.Abs(parts[0])
	if err != nil {
		return store.Mount{}, fmt.Errorf("%w: bind source %q: %w", ErrInvalidRequest, parts[0], err)
	}

	m := store.Mount{Source: src, Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return store.Mount{}, fmt.Errorf("%w: bind mode %q", ErrInvalidRequest, parts[2])
		}
	}
	return m, nil
}

// ParseEnv parses KEY=VALUE pairs. A bare KEY takes its value from the
// calling environment, and is skipped when unset there.
func ParseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if k == "" {
			return nil, fmt.Errorf("%w: env %q", ErrInvalidRequest, kv)
		}
		if !ok {
			v, ok = os.LookupEnv(k)
			if !ok {
				continue
			}
		}
		env[k] = v
	}
	return env, nil
}
