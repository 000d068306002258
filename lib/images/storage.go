package images

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onkernel/pdocker/lib/paths"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// imageMetadata is the sidecar stored next to each cached rootfs. Its
// presence marks the cache entry as complete.
type imageMetadata struct {
	Name         string               `json:"name"`
	Digest       string               `json:"digest"`
	IndexDigest  string               `json:"index_digest,omitempty"`
	ConfigDigest string               `json:"config_digest"`
	Platform     string               `json:"platform"`
	Layers       []ocispec.Descriptor `json:"layers"`
	SizeBytes    int64                `json:"size_bytes"`
	Entrypoint   []string             `json:"entrypoint,omitempty"`
	Cmd          []string             `json:"cmd,omitempty"`
	Env          map[string]string    `json:"env,omitempty"`
	WorkingDir   string               `json:"working_dir,omitempty"`
	User         string               `json:"user,omitempty"`
	ExposedPorts []string             `json:"exposed_ports,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

func (m *imageMetadata) toImage(p *paths.Paths, key string) *Image {
	return &Image{
		Name:         m.Name,
		Key:          key,
		Digest:       m.Digest,
		IndexDigest:  m.IndexDigest,
		ConfigDigest: m.ConfigDigest,
		Platform:     m.Platform,
		Layers:       m.Layers,
		Status:       StatusReady,
		SizeBytes:    m.SizeBytes,
		Entrypoint:   m.Entrypoint,
		Cmd:          m.Cmd,
		Env:          m.Env,
		WorkingDir:   m.WorkingDir,
		User:         m.User,
		ExposedPorts: m.ExposedPorts,
		RootfsPath:   p.ImageRootfs(key),
		ConfigPath:   p.ImageConfig(key),
		CreatedAt:    m.CreatedAt,
	}
}

// writeMetadata writes metadata atomically using temp file + rename
func writeMetadata(p *paths.Paths, key string, meta *imageMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return writeFileAtomic(p.ImageMetadata(key), data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}

	return nil
}

// readMetadata reads metadata from disk. An entry without a sidecar, or
// whose rootfs went missing, does not exist.
func readMetadata(p *paths.Paths, key string) (*imageMetadata, error) {
	data, err := os.ReadFile(p.ImageMetadata(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta imageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	if _, err := os.Stat(p.ImageRootfs(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat rootfs: %w", err)
	}

	return &meta, nil
}

type keyedMetadata struct {
	key  string
	meta *imageMetadata
}

// listMetadata lists all complete entries by scanning the images directory.
func listMetadata(p *paths.Paths) ([]keyedMetadata, error) {
	entries, err := os.ReadDir(p.ImagesDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read images directory: %w", err)
	}

	var metas []keyedMetadata
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		meta, err := readMetadata(p, entry.Name())
		if err != nil {
			// Partial or foreign directories are not images
			continue
		}
		metas = append(metas, keyedMetadata{key: entry.Name(), meta: meta})
	}

	return metas, nil
}

// deleteImage removes the sidecar first, then the rest of the entry, so a
// crash midway leaves an entry that reads as absent.
func deleteImage(p *paths.Paths, key string) error {
	dir := p.ImageDir(key)
	if _, err := os.Stat(p.ImageMetadata(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("stat image metadata: %w", err)
	}

	if err := os.Remove(p.ImageMetadata(key)); err != nil {
		return fmt.Errorf("remove image metadata: %w", err)
	}
	if err := RemoveTree(dir); err != nil {
		return fmt.Errorf("remove image directory: %w", err)
	}

	return nil
}

// RemoveTree is os.RemoveAll that first restores write permission on
// directories, which image layers are free to strip.
func RemoveTree(path string) error {
	filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(p, 0755)
		}
		return nil
	})
	return os.RemoveAll(path)
}

// dirSize calculates the total size of a directory
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}
