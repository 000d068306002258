// Package supervisortest provides a stand-in for proot so supervisor
// callers can be tested without ptrace.
package supervisortest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// FakeProot accepts proot's -r/-b/-w flags, changes into the guest working
// directory on the host side and execs the guest command there. Binds are
// ignored, so guest commands resolve against the host filesystem.
const FakeProot = `#!/bin/sh
root=""
wd="/"
while [ $# -gt 0 ]; do
  case "$1" in
    -r) root="$2"; shift 2 ;;
    -b) shift 2 ;;
    -w) wd="$2"; shift 2 ;;
    *) break ;;
  esac
done
cd "$root$wd" 2>/dev/null || cd "$root"
exec "$@"
`

// WriteFakeProot writes FakeProot to a temp dir and returns its path.
func WriteFakeProot(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proot")
	require.NoError(t, os.WriteFile(path, []byte(FakeProot), 0755))
	return path
}
