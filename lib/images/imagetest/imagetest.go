// Package imagetest builds small images and serves them from an in-memory
// registry for tests.
package imagetest

import (
	"archive/tar"
	"bytes"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// File is one tar entry. Dir and Link select the entry type; Mode defaults
// to 0755 for directories and 0644 for files.
type File struct {
	Name string
	Body string
	Mode int64
	Dir  bool
	Link string
}

// Registry is an in-memory registry that counts manifest requests.
type Registry struct {
	Host         string
	manifestGets atomic.Int64
	blobGets     atomic.Int64
	server       *httptest.Server
}

// ManifestGets returns how many manifest GETs the registry served.
func (r *Registry) ManifestGets() int64 {
	return r.manifestGets.Load()
}

// BlobGets returns how many blob GETs the registry served.
func (r *Registry) BlobGets() int64 {
	return r.blobGets.Load()
}

// StartRegistry serves an empty registry on a loopback port.
func StartRegistry(t testing.TB) *Registry {
	t.Helper()
	reg := &Registry{}
	h := ggcrregistry.New(ggcrregistry.Logger(log.New(io.Discard, "", 0)))
	reg.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet {
			switch {
			case strings.Contains(req.URL.Path, "/manifests/"):
				reg.manifestGets.Add(1)
			case strings.Contains(req.URL.Path, "/blobs/"):
				reg.blobGets.Add(1)
			}
		}
		h.ServeHTTP(w, req)
	}))
	t.Cleanup(reg.server.Close)
	reg.Host = strings.TrimPrefix(reg.server.URL, "http://")
	return reg
}

// Layer builds a gzip-compressed layer from files.
func Layer(t testing.TB, files ...File) v1.Layer {
	t.Helper()
	data := Tar(t, files...)
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	require.NoError(t, err)
	return layer
}

// Tar returns an uncompressed tar stream of files.
func Tar(t testing.TB, files ...File) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{Name: f.Name, Mode: f.Mode}
		switch {
		case f.Dir:
			hdr.Typeflag = tar.TypeDir
			if hdr.Mode == 0 {
				hdr.Mode = 0755
			}
		case f.Link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.Link
			hdr.Mode = 0777
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Body))
			if hdr.Mode == 0 {
				hdr.Mode = 0644
			}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(f.Body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// WriteArchive writes files as a rootfs tarball at path, gzip-compressed
// when the name ends in .gz or .tgz.
func WriteArchive(t testing.TB, path string, files ...File) {
	t.Helper()
	data := Tar(t, files...)
	if strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".tgz") {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, err := gz.Write(data)
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		data = buf.Bytes()
	}
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// Image assembles layers and cfg into an image.
func Image(t testing.TB, cfg v1.Config, layers ...v1.Layer) v1.Image {
	t.Helper()
	img, err := mutate.AppendLayers(empty.Image, layers...)
	require.NoError(t, err)
	img, err = mutate.Config(img, cfg)
	require.NoError(t, err)
	return img
}

// Push writes img to the registry as repo:tag and returns the full reference.
func (r *Registry) Push(t testing.TB, repoTag string, img v1.Image) string {
	t.Helper()
	full := r.Host + "/" + repoTag
	ref, err := name.ParseReference(full, name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))
	return full
}

// PushIndex writes a multi-platform index as repo:tag. Keys of byArch are
// architectures for linux.
func (r *Registry) PushIndex(t testing.TB, repoTag string, byArch map[string]v1.Image) string {
	t.Helper()
	var adds []mutate.IndexAddendum
	for arch, img := range byArch {
		adds = append(adds, mutate.IndexAddendum{
			Add: img,
			Descriptor: v1.Descriptor{
				Platform: &v1.Platform{OS: "linux", Architecture: arch},
			},
		})
	}
	idx := mutate.AppendManifests(empty.Index, adds...)

	full := r.Host + "/" + repoTag
	ref, err := name.ParseReference(full, name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.WriteIndex(ref, idx))
	return full
}

// BusyboxLike returns a minimal image with a shell placeholder, an env and
// a working directory.
func BusyboxLike(t testing.TB) v1.Image {
	t.Helper()
	return Image(t, v1.Config{
		Cmd:        []string{"/bin/sh"},
		Env:        []string{"PATH=/usr/local/bin:/usr/bin:/bin", "GREETING=hello"},
		WorkingDir: "/work",
	}, Layer(t,
		File{Name: "bin/", Dir: true},
		File{Name: "bin/sh", Body: "#!/bin/sh\n", Mode: 0755},
		File{Name: "etc/", Dir: true},
		File{Name: "etc/os-release", Body: "ID=test\n"},
		File{Name: "work/", Dir: true},
	))
}
