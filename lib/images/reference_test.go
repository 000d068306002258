package images

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNormalizedRef(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		// Valid images with full reference
		{"docker.io/library/alpine:latest", "docker.io/library/alpine:latest", false},
		{"ghcr.io/myorg/myapp:v1.0.0", "ghcr.io/myorg/myapp:v1.0.0", false},
		{"localhost:5000/app:dev", "localhost:5000/app:dev", false},

		// Shorthand (gets expanded)
		{"alpine", "docker.io/library/alpine:latest", false},
		{"alpine:3.18", "docker.io/library/alpine:3.18", false},
		{"user/tool", "docker.io/user/tool:latest", false},

		// Digest references
		{"alpine@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", "docker.io/library/alpine@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", false},

		// Invalid
		{"", "", true},
		{"invalid::", "", true},
		{"has spaces", "", true},
		{"UPPERCASE", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseNormalizedRef(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidName))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, result.String())
		})
	}
}

func TestNormalizedRefMethods(t *testing.T) {
	t.Run("TaggedReference", func(t *testing.T) {
		ref, err := ParseNormalizedRef("alpine:3.18")
		require.NoError(t, err)

		require.False(t, ref.IsDigest())
		require.Equal(t, "docker.io/library/alpine", ref.Repository())
		require.Equal(t, "3.18", ref.Tag())
		require.Equal(t, "", ref.Digest())
		require.Equal(t, "alpine", ref.FamiliarName())
	})

	t.Run("DigestReference", func(t *testing.T) {
		ref, err := ParseNormalizedRef("alpine@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
		require.NoError(t, err)

		require.True(t, ref.IsDigest())
		require.Equal(t, "docker.io/library/alpine", ref.Repository())
		require.Equal(t, "", ref.Tag())
		require.Equal(t, "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", ref.Digest())
	})
}

func TestCacheKey(t *testing.T) {
	key := func(s string) string {
		ref, err := ParseNormalizedRef(s)
		require.NoError(t, err)
		return ref.CacheKey()
	}

	// Equivalent spellings share a slot
	assert.Equal(t, key("alpine"), key("docker.io/library/alpine:latest"))
	assert.Equal(t, key("alpine"), key("index.docker.io/library/alpine"))

	// Different tags and registries never collide
	assert.NotEqual(t, key("alpine:3.18"), key("alpine:3.19"))
	assert.NotEqual(t, key("ghcr.io/org/alpine"), key("alpine"))

	assert.Regexp(t, `^alpine_[0-9a-f]{16}$`, key("alpine:3.18"))
	assert.Regexp(t, `^app_[0-9a-f]{16}$`, key("localhost:5000/team/app:dev"))
}
