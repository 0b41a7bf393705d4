package sandbox

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxecore/transferd/internal/xerrors"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "fw"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "fw", "image.bin"), []byte("data"), 0644))

	sb, err := New(root)
	require.NoError(t, err)
	return sb, root
}

func TestResolveExistingFile(t *testing.T) {
	sb, root := newTestSandbox(t)

	resolved, err := sb.Resolve("fw/image.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "fw", "image.bin"), resolved)
}

func TestResolveRejectsTraversal(t *testing.T) {
	sb, _ := newTestSandbox(t)

	_, err := sb.Resolve("../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, xerrors.KindInvalidArgument, xerrors.KindOf(err))
}

func TestResolveRejectsTraversalMidPath(t *testing.T) {
	sb, _ := newTestSandbox(t)

	_, err := sb.Resolve("fw/../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, xerrors.KindInvalidArgument, xerrors.KindOf(err))
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on windows")
	}
	sb, root := newTestSandbox(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "link")))

	_, err := sb.Resolve("link")
	require.Error(t, err)
	assert.Equal(t, xerrors.KindAccessDenied, xerrors.KindOf(err))
}

func TestResolveAllowsNewFileUnderValidParent(t *testing.T) {
	sb, root := newTestSandbox(t)

	resolved, err := sb.Resolve("fw/new-image.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "fw", "new-image.bin"), resolved)
}

func TestResolveRejectsNewFileUnderMissingParent(t *testing.T) {
	sb, _ := newTestSandbox(t)

	_, err := sb.Resolve("missing-dir/new-image.bin")
	require.Error(t, err)
	assert.Equal(t, xerrors.KindAccessDenied, xerrors.KindOf(err))
}

func TestResolveStripsLeadingSeparatorAndBackslashes(t *testing.T) {
	sb, root := newTestSandbox(t)

	resolved, err := sb.Resolve(`\fw\image.bin`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "fw", "image.bin"), resolved)
}
