package paths

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
)

func TestLayout(t *testing.T) {
	p := New("/data")

	d := digest.FromString("layer")
	assert.Equal(t, "/data/blobs/sha256/"+d.Encoded(), p.Blob(d))
	assert.Equal(t, "/data/images/alpine_0123/rootfs", p.ImageRootfs("alpine_0123"))
	assert.Equal(t, "/data/locks/alpine_0123.lock", p.ImageLock("alpine_0123"))
	assert.Equal(t, "/data/containers/abc/container.log", p.ContainerLog("abc"))
	assert.Equal(t, "/data/containers.json", p.ContainersFile())
	assert.Equal(t, "/data/containers.json.lock", p.ContainersLock())
}

func TestWithContainersFile(t *testing.T) {
	p := New("/data")
	q := p.WithContainersFile("/elsewhere/registry.json")

	assert.Equal(t, "/elsewhere/registry.json", q.ContainersFile())
	assert.Equal(t, "/elsewhere/registry.json.lock", q.ContainersLock())
	assert.Equal(t, "/data/containers.json", p.ContainersFile())
	assert.Equal(t, "/data/containers.json", p.WithContainersFile("").ContainersFile())
}
