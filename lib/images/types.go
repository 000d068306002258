package images

import (
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Image is a pulled image whose layers are merged into a local rootfs.
type Image struct {
	Name         string // Normalized ref (e.g., docker.io/library/alpine:latest)
	Key          string // Cache key, the image directory name
	Digest       string // Resolved platform manifest digest (sha256:...)
	IndexDigest  string // Index/list digest when the ref pointed at one
	ConfigDigest string
	Platform     string
	Layers       []ocispec.Descriptor
	Status       string
	SizeBytes    int64
	Entrypoint   []string
	Cmd          []string
	Env          map[string]string
	WorkingDir   string
	User         string
	ExposedPorts []string
	RootfsPath   string
	ConfigPath   string
	CreatedAt    time.Time
}

// ShortID returns the first 12 hex characters of the manifest digest.
func (i *Image) ShortID() string {
	hex := i.Digest
	if idx := len("sha256:"); len(hex) > idx && hex[:idx] == "sha256:" {
		hex = hex[idx:]
	}
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}
