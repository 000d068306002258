package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"DATA_DIR", "CONTAINERS_FILE", "REQUEST_TIMEOUT", "INSECURE_REGISTRIES",
		"PROOT_PATH", "STOP_TIMEOUT", "MAX_CONCURRENT_DOWNLOADS",
	} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())

	cfg := Load()
	assert.Contains(t, cfg.DataDir, "pdocker")
	assert.Equal(t, 5*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, "proot", cfg.ProotPath)
	assert.Equal(t, 10*time.Second, cfg.StopTimeout)
	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
	assert.Empty(t, cfg.InsecureRegistries)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATA_DIR", "/srv/pdocker")
	t.Setenv("REQUEST_TIMEOUT", "30")
	t.Setenv("STOP_TIMEOUT", "2s")
	t.Setenv("INSECURE_REGISTRIES", "localhost:5000, registry.lan ,")
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "0")

	cfg := Load().Apply(Overrides{Debug: true})
	assert.Equal(t, "/srv/pdocker", cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.StopTimeout)
	assert.Equal(t, []string{"localhost:5000", "registry.lan"}, cfg.InsecureRegistries)
	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
	assert.True(t, cfg.Debug)

	cfg.Apply(Overrides{DataDir: "/tmp/override"})
	assert.Equal(t, "/tmp/override", cfg.DataDir)
}
