package store

import (
	"maps"
	"slices"
	"time"
)

// Mount binds a host path into the container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// RuntimeConfig is what the operator asked for at create time.
type RuntimeConfig struct {
	// Command overrides the image cmd. Entrypoint overrides the image
	// entrypoint.
	Command     []string          `json:"command,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Mounts      []Mount           `json:"mounts,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Detached    bool              `json:"detached,omitempty"`
	Interactive bool              `json:"interactive,omitempty"`
	TTY         bool              `json:"tty,omitempty"`
	// AutoRemove deletes the container once its foreground run ends.
	AutoRemove bool `json:"auto_remove,omitempty"`
}

// ImageConfig is the image's run defaults, captured at create time so a
// container keeps starting after its image is removed.
type ImageConfig struct {
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	User       string            `json:"user,omitempty"`
}

// Container is one record in the registry.
type Container struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	ImageDigest string            `json:"image_digest,omitempty"`
	RootfsPath  string            `json:"rootfs_path"`
	LogPath     string            `json:"log_path"`
	ImageConfig ImageConfig       `json:"image_config"`
	Config      RuntimeConfig     `json:"config"`
	Labels      map[string]string `json:"labels,omitempty"`

	State State `json:"state"`
	Pid   int   `json:"pid,omitempty"`
	// PidStartTime is the process start time in clock ticks since boot, used
	// to tell our process from a later one that reused the pid.
	PidStartTime uint64 `json:"pid_start_time,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// ShortID returns the 12 character display form of the ID.
func (c *Container) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// Clone returns a copy that shares no mutable state with c.
func (c *Container) Clone() *Container {
	cp := *c
	cp.Config.Command = slices.Clone(c.Config.Command)
	cp.Config.Entrypoint = slices.Clone(c.Config.Entrypoint)
	cp.Config.Env = maps.Clone(c.Config.Env)
	cp.Config.Mounts = slices.Clone(c.Config.Mounts)
	cp.ImageConfig.Entrypoint = slices.Clone(c.ImageConfig.Entrypoint)
	cp.ImageConfig.Cmd = slices.Clone(c.ImageConfig.Cmd)
	cp.ImageConfig.Env = maps.Clone(c.ImageConfig.Env)
	cp.Labels = maps.Clone(c.Labels)
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.FinishedAt != nil {
		t := *c.FinishedAt
		cp.FinishedAt = &t
	}
	if c.ExitCode != nil {
		code := *c.ExitCode
		cp.ExitCode = &code
	}
	return &cp
}

// CreateRequest describes a new container.
type CreateRequest struct {
	// Name is optional. A random name is generated when empty.
	Name        string
	Image       string
	ImageDigest string
	ImageConfig ImageConfig
	Config      RuntimeConfig
	Labels      map[string]string
}
