package images

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/platforms"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/onkernel/pdocker/lib/images/imagetest"
	"github.com/onkernel/pdocker/lib/paths"
	"github.com/onkernel/pdocker/lib/registry"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T, dataDir string) Manager {
	t.Helper()
	client := registry.NewClient(registry.Options{
		Timeout:              10 * time.Second,
		MaxTries:             2,
		RetryInitialInterval: 10 * time.Millisecond,
	})
	platform, err := platforms.Parse("linux/amd64")
	require.NoError(t, err)
	return NewManager(paths.New(dataDir), client, Options{Platform: platform})
}

func TestEnsureLocalPullsAndCaches(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	ref := reg.Push(t, "test/busybox:latest", imagetest.BusyboxLike(t))

	mgr := setupTestManager(t, t.TempDir())
	ctx := context.Background()

	img, err := mgr.EnsureLocal(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, StatusReady, img.Status)
	require.Equal(t, ref, img.Name)
	require.NotEmpty(t, img.Digest)
	require.Len(t, img.Layers, 1)
	require.Equal(t, []string{"/bin/sh"}, img.Cmd)
	require.Equal(t, "hello", img.Env["GREETING"])
	require.Equal(t, "/work", img.WorkingDir)
	require.Positive(t, img.SizeBytes)

	// Layer content landed in the rootfs along with the sandbox directories
	data, err := os.ReadFile(filepath.Join(img.RootfsPath, "etc", "os-release"))
	require.NoError(t, err)
	require.Equal(t, "ID=test\n", string(data))
	for _, dir := range sandboxDirs {
		assert.DirExists(t, filepath.Join(img.RootfsPath, dir))
	}
	assert.FileExists(t, img.ConfigPath)

	// Second call is served from the cache
	again, err := mgr.EnsureLocal(ctx, ref, false)
	require.NoError(t, err)
	require.Equal(t, img.Digest, again.Digest)
	require.True(t, img.CreatedAt.Equal(again.CreatedAt))
	require.EqualValues(t, 1, reg.ManifestGets())
}

func TestEnsureLocalForceRefresh(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	ref := reg.Push(t, "test/busybox:latest", imagetest.BusyboxLike(t))

	mgr := setupTestManager(t, t.TempDir())
	ctx := context.Background()

	first, err := mgr.EnsureLocal(ctx, ref, false)
	require.NoError(t, err)

	// Retag with different content and force a refresh
	updated := imagetest.Image(t, v1.Config{Cmd: []string{"/bin/true"}},
		imagetest.Layer(t, imagetest.File{Name: "marker", Body: "v2"}))
	reg.Push(t, "test/busybox:latest", updated)

	second, err := mgr.EnsureLocal(ctx, ref, true)
	require.NoError(t, err)
	require.NotEqual(t, first.Digest, second.Digest)
	require.Equal(t, first.Key, second.Key)
	require.EqualValues(t, 2, reg.ManifestGets())

	assert.FileExists(t, filepath.Join(second.RootfsPath, "marker"))
	assert.NoFileExists(t, filepath.Join(second.RootfsPath, "etc", "os-release"))
}

func TestEnsureLocalConcurrentPullsOnce(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	ref := reg.Push(t, "test/busybox:latest", imagetest.BusyboxLike(t))

	dataDir := t.TempDir()
	// Two managers over one data directory stand in for two processes
	mgrs := []Manager{setupTestManager(t, dataDir), setupTestManager(t, dataDir)}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	digests := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(mgr Manager) {
			defer wg.Done()
			img, err := mgr.EnsureLocal(context.Background(), ref, false)
			if err != nil {
				errs <- err
				return
			}
			digests <- img.Digest
		}(mgrs[i%2])
	}
	wg.Wait()
	close(errs)
	close(digests)

	for err := range errs {
		require.NoError(t, err)
	}
	var seen []string
	for d := range digests {
		seen = append(seen, d)
	}
	require.Len(t, seen, 8)
	for _, d := range seen {
		require.Equal(t, seen[0], d)
	}
	require.EqualValues(t, 1, reg.ManifestGets())

	// No staging directories are left behind
	entries, err := os.ReadDir(filepath.Join(dataDir, "images"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestEnsureLocalSelectsPlatformFromIndex(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	amd := imagetest.Image(t, v1.Config{Cmd: []string{"amd"}},
		imagetest.Layer(t, imagetest.File{Name: "arch", Body: "amd64"}))
	arm := imagetest.Image(t, v1.Config{Cmd: []string{"arm"}},
		imagetest.Layer(t, imagetest.File{Name: "arch", Body: "arm64"}))
	ref := reg.PushIndex(t, "test/multi:latest", map[string]v1.Image{"amd64": amd, "arm64": arm})

	mgr := setupTestManager(t, t.TempDir())
	img, err := mgr.EnsureLocal(context.Background(), ref, false)
	require.NoError(t, err)

	want, err := amd.Digest()
	require.NoError(t, err)
	require.Equal(t, want.String(), img.Digest)
	require.NotEmpty(t, img.IndexDigest)
	require.Equal(t, "linux/amd64", img.Platform)

	data, err := os.ReadFile(filepath.Join(img.RootfsPath, "arch"))
	require.NoError(t, err)
	require.Equal(t, "amd64", string(data))
}

func TestEnsureLocalAppliesWhiteouts(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	base := imagetest.Layer(t,
		imagetest.File{Name: "x/", Dir: true},
		imagetest.File{Name: "x/file", Body: "gone"},
		imagetest.File{Name: "x/keep", Body: "kept"},
		imagetest.File{Name: "y/", Dir: true},
		imagetest.File{Name: "y/a", Body: "hidden"},
	)
	top := imagetest.Layer(t,
		imagetest.File{Name: "x/", Dir: true},
		imagetest.File{Name: "x/.wh.file"},
		imagetest.File{Name: "y/", Dir: true},
		imagetest.File{Name: "y/.wh..wh..opq"},
		imagetest.File{Name: "y/b", Body: "new"},
	)
	ref := reg.Push(t, "test/layered:latest", imagetest.Image(t, v1.Config{}, base, top))

	mgr := setupTestManager(t, t.TempDir())
	img, err := mgr.EnsureLocal(context.Background(), ref, false)
	require.NoError(t, err)

	root := img.RootfsPath
	assert.FileExists(t, filepath.Join(root, "x", "keep"))
	assert.NoFileExists(t, filepath.Join(root, "x", "file"))
	assert.NoFileExists(t, filepath.Join(root, "x", ".wh.file"))
	assert.NoFileExists(t, filepath.Join(root, "y", "a"))
	assert.NoFileExists(t, filepath.Join(root, "y", ".wh..wh..opq"))
	assert.FileExists(t, filepath.Join(root, "y", "b"))
}

func TestEnsureLocalErrors(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	mgr := setupTestManager(t, t.TempDir())
	ctx := context.Background()

	_, err := mgr.EnsureLocal(ctx, "Not A Ref", false)
	require.ErrorIs(t, err, ErrInvalidName)

	_, err = mgr.EnsureLocal(ctx, reg.Host+"/test/missing:latest", false)
	require.ErrorIs(t, err, registry.ErrNotFound)

	images, err := mgr.ListImages(ctx)
	require.NoError(t, err)
	require.Empty(t, images)
}

func TestGetImageByNameAndDigest(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	ref := reg.Push(t, "test/busybox:latest", imagetest.BusyboxLike(t))

	mgr := setupTestManager(t, t.TempDir())
	ctx := context.Background()

	pulled, err := mgr.EnsureLocal(ctx, ref, false)
	require.NoError(t, err)

	byName, err := mgr.GetImage(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, pulled.Key, byName.Key)

	byID, err := mgr.GetImage(ctx, pulled.ShortID())
	require.NoError(t, err)
	require.Equal(t, pulled.Key, byID.Key)

	byDigest, err := mgr.GetImage(ctx, pulled.Digest)
	require.NoError(t, err)
	require.Equal(t, pulled.Key, byDigest.Key)

	_, err = mgr.GetImage(ctx, "alpine:never-pulled")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListImagesNewestFirst(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	first := reg.Push(t, "test/one:latest", imagetest.BusyboxLike(t))
	second := reg.Push(t, "test/two:latest", imagetest.Image(t, v1.Config{},
		imagetest.Layer(t, imagetest.File{Name: "two", Body: "2"})))

	mgr := setupTestManager(t, t.TempDir())
	ctx := context.Background()

	_, err := mgr.EnsureLocal(ctx, first, false)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = mgr.EnsureLocal(ctx, second, false)
	require.NoError(t, err)

	images, err := mgr.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, images, 2)
	require.Equal(t, second, images[0].Name)
	require.Equal(t, first, images[1].Name)
}

func TestDeleteImageAndPrune(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	ref := reg.Push(t, "test/busybox:latest", imagetest.BusyboxLike(t))

	dataDir := t.TempDir()
	mgr := setupTestManager(t, dataDir)
	ctx := context.Background()

	img, err := mgr.EnsureLocal(ctx, ref, false)
	require.NoError(t, err)

	// Referenced blobs survive a prune
	report, err := mgr.Prune(ctx)
	require.NoError(t, err)
	require.Zero(t, report.BlobsRemoved)

	require.NoError(t, mgr.DeleteImage(ctx, ref))
	assert.NoDirExists(t, img.RootfsPath)

	_, err = mgr.GetImage(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)
	err = mgr.DeleteImage(ctx, ref)
	require.True(t, errors.Is(err, ErrNotFound))

	images, err := mgr.ListImages(ctx)
	require.NoError(t, err)
	require.Empty(t, images)

	// Config plus one layer are now unreferenced
	report, err = mgr.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.BlobsRemoved)
	require.Positive(t, report.BytesReclaimed)
}

func TestUnpackMakesPrivateCopy(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	ref := reg.Push(t, "test/busybox:latest", imagetest.BusyboxLike(t))

	mgr := setupTestManager(t, t.TempDir())
	ctx := context.Background()

	img, err := mgr.EnsureLocal(ctx, ref, false)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "rootfs")
	require.NoError(t, mgr.Unpack(ctx, img, dest))
	assert.FileExists(t, filepath.Join(dest, "bin", "sh"))
	assert.DirExists(t, filepath.Join(dest, "tmp"))

	// Writes to the copy do not reach the cache
	require.NoError(t, os.WriteFile(filepath.Join(dest, "etc", "os-release"), []byte("changed"), 0644))
	data, err := os.ReadFile(filepath.Join(img.RootfsPath, "etc", "os-release"))
	require.NoError(t, err)
	require.Equal(t, "ID=test\n", string(data))

	// The copy outlives the cached image
	require.NoError(t, mgr.DeleteImage(ctx, ref))
	assert.FileExists(t, filepath.Join(dest, "bin", "sh"))
}

func TestSubscribeReportsProgress(t *testing.T) {
	reg := imagetest.StartRegistry(t)
	ref := reg.Push(t, "test/busybox:latest", imagetest.BusyboxLike(t))

	mgr := setupTestManager(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updates, err := mgr.Subscribe(ctx)
	require.NoError(t, err)

	statuses := make(chan []string, 1)
	go func() {
		var seen []string
		for u := range updates {
			seen = append(seen, u.Status)
			if u.Status == StatusReady {
				break
			}
		}
		statuses <- seen
	}()

	_, err = mgr.EnsureLocal(ctx, ref, false)
	require.NoError(t, err)

	seen := <-statuses
	require.Contains(t, seen, StatusResolving)
	require.Contains(t, seen, StatusUnpacking)
	require.Equal(t, StatusReady, seen[len(seen)-1])
}

func TestImportArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "Alpine-RootFS.tar.gz")
	imagetest.WriteArchive(t, archive,
		imagetest.File{Name: "bin/", Dir: true},
		imagetest.File{Name: "bin/sh", Body: "#!/bin/sh\n", Mode: 0755},
		imagetest.File{Name: "etc/", Dir: true},
		imagetest.File{Name: "etc/os-release", Body: "ID=offline\n"},
		imagetest.File{Name: "etc/.wh.motd"},
	)

	mgr := setupTestManager(t, t.TempDir())
	ctx := context.Background()

	img, err := mgr.Import(ctx, archive, "")
	require.NoError(t, err)
	require.Equal(t, "localhost/alpine-rootfs:latest", img.Name)
	require.Equal(t, "linux/amd64", img.Platform)
	require.Len(t, img.Layers, 1)
	require.Equal(t, ocispec.MediaTypeImageLayerGzip, img.Layers[0].MediaType)
	require.NotEmpty(t, img.Digest)
	require.Positive(t, img.SizeBytes)

	data, err := os.ReadFile(filepath.Join(img.RootfsPath, "etc", "os-release"))
	require.NoError(t, err)
	require.Equal(t, "ID=offline\n", string(data))
	assert.NoFileExists(t, filepath.Join(img.RootfsPath, "etc", ".wh.motd"))
	for _, dir := range sandboxDirs {
		assert.DirExists(t, filepath.Join(img.RootfsPath, dir))
	}

	// The entry behaves like a pulled one
	got, err := mgr.EnsureLocal(ctx, "localhost/alpine-rootfs", false)
	require.NoError(t, err)
	require.Equal(t, img.Digest, got.Digest)

	report, err := mgr.Prune(ctx)
	require.NoError(t, err)
	require.Zero(t, report.BlobsRemoved)

	dest := filepath.Join(t.TempDir(), "rootfs")
	require.NoError(t, mgr.Unpack(ctx, img, dest))
	assert.FileExists(t, filepath.Join(dest, "bin", "sh"))

	require.NoError(t, mgr.DeleteImage(ctx, img.Name))
	report, err = mgr.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.BlobsRemoved)
}

func TestImportPlainTarWithReference(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "rootfs.tar")
	imagetest.WriteArchive(t, archive, imagetest.File{Name: "hello", Body: "world"})

	mgr := setupTestManager(t, t.TempDir())
	img, err := mgr.Import(context.Background(), archive, "offline/base:1.0")
	require.NoError(t, err)
	require.Equal(t, "docker.io/offline/base:1.0", img.Name)
	require.Equal(t, ocispec.MediaTypeImageLayer, img.Layers[0].MediaType)
	assert.FileExists(t, filepath.Join(img.RootfsPath, "hello"))
}

func TestImportErrors(t *testing.T) {
	dir := t.TempDir()
	mgr := setupTestManager(t, t.TempDir())
	ctx := context.Background()

	_, err := mgr.Import(ctx, filepath.Join(dir, "missing.tar"), "")
	require.ErrorIs(t, err, ErrArchive)

	_, err = mgr.Import(ctx, dir, "local/dir:latest")
	require.ErrorIs(t, err, ErrArchive)

	garbage := filepath.Join(dir, "garbage.tar")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a tarball at all, not even close"), 0644))
	_, err = mgr.Import(ctx, garbage, "")
	require.ErrorIs(t, err, ErrArchive)

	ok := filepath.Join(dir, "ok.tar")
	imagetest.WriteArchive(t, ok, imagetest.File{Name: "a", Body: "b"})
	_, err = mgr.Import(ctx, ok, "local/ok@sha256:"+strings.Repeat("a", 64))
	require.ErrorIs(t, err, ErrInvalidName)

	images, err := mgr.ListImages(ctx)
	require.NoError(t, err)
	require.Empty(t, images)
}

func TestDefaultImportRef(t *testing.T) {
	for archive, want := range map[string]string{
		"/tmp/alpine.tar":           "localhost/alpine:latest",
		"ubuntu-22.04.tar.gz":       "localhost/ubuntu-22.04:latest",
		"Debian Bookworm.tgz":       "localhost/debian-bookworm:latest",
		"/srv/rootfs/custom_fs.tar": "localhost/custom_fs:latest",
	} {
		got, err := DefaultImportRef(archive)
		require.NoError(t, err, archive)
		assert.Equal(t, want, got, archive)
	}
	_, err := DefaultImportRef("/tmp/.tar")
	require.ErrorIs(t, err, ErrInvalidName)
}
