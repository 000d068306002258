// Package paths centralizes the on-disk layout of the data directory.
//
//	{dataDir}/
//	  images/{key}/rootfs/         merged image filesystem
//	  images/{key}/config.json     OCI image config
//	  images/{key}/metadata.json   sidecar, written last
//	  blobs/sha256/{hex}           shared content-addressed blobs
//	  locks/{key}.lock             per-image pull lock
//	  containers/{id}/rootfs/      private container filesystem
//	  containers/{id}/container.log
//	  containers.json              container registry
//	  auth.json                    registry credentials
//	  tmp/
package paths

import (
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Paths resolves every file location under a data directory.
type Paths struct {
	dataDir        string
	containersFile string
}

// New creates a Paths rooted at dataDir.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// WithContainersFile returns a copy whose registry file lives at path.
// An empty path keeps the default location.
func (p *Paths) WithContainersFile(path string) *Paths {
	cp := *p
	cp.containersFile = path
	return &cp
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// TmpDir returns the scratch directory.
func (p *Paths) TmpDir() string {
	return filepath.Join(p.dataDir, "tmp")
}

// Image paths

// ImagesDir returns the directory holding all cached images.
func (p *Paths) ImagesDir() string {
	return filepath.Join(p.dataDir, "images")
}

// ImageDir returns the directory for one cache key.
func (p *Paths) ImageDir(key string) string {
	return filepath.Join(p.ImagesDir(), key)
}

// ImageRootfs returns the merged rootfs directory of an image.
func (p *Paths) ImageRootfs(key string) string {
	return filepath.Join(p.ImageDir(key), "rootfs")
}

// ImageConfig returns the path of the stored OCI image config.
func (p *Paths) ImageConfig(key string) string {
	return filepath.Join(p.ImageDir(key), "config.json")
}

// ImageMetadata returns the path of the image sidecar.
func (p *Paths) ImageMetadata(key string) string {
	return filepath.Join(p.ImageDir(key), "metadata.json")
}

// ImageLock returns the lock file serializing pulls of one key.
func (p *Paths) ImageLock(key string) string {
	return filepath.Join(p.dataDir, "locks", key+".lock")
}

// BlobsDir returns the root of the blob store.
func (p *Paths) BlobsDir() string {
	return filepath.Join(p.dataDir, "blobs")
}

// Blob returns the path of a blob by digest.
func (p *Paths) Blob(d digest.Digest) string {
	return filepath.Join(p.BlobsDir(), d.Algorithm().String(), d.Encoded())
}

// Container paths

// ContainersDir returns the directory holding container directories.
func (p *Paths) ContainersDir() string {
	return filepath.Join(p.dataDir, "containers")
}

// ContainerDir returns the directory of one container.
func (p *Paths) ContainerDir(id string) string {
	return filepath.Join(p.ContainersDir(), id)
}

// ContainerRootfs returns the private rootfs of a container.
func (p *Paths) ContainerRootfs(id string) string {
	return filepath.Join(p.ContainerDir(id), "rootfs")
}

// ContainerLog returns the output log of a detached container.
func (p *Paths) ContainerLog(id string) string {
	return filepath.Join(p.ContainerDir(id), "container.log")
}

// ContainersFile returns the container registry document.
func (p *Paths) ContainersFile() string {
	if p.containersFile != "" {
		return p.containersFile
	}
	return filepath.Join(p.dataDir, "containers.json")
}

// ContainersLock returns the lock file guarding the registry document.
func (p *Paths) ContainersLock() string {
	return p.ContainersFile() + ".lock"
}

// CredentialsFile returns the registry credentials store.
func (p *Paths) CredentialsFile() string {
	return filepath.Join(p.dataDir, "auth.json")
}
