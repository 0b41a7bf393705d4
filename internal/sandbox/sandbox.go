// Package sandbox resolves client-supplied file names against a canonical
// root directory, rejecting traversal, symlink escapes, and boundary
// violations. It is the only thing standing between a TFTP or SFTP request
// and the filesystem.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pxecore/transferd/internal/xerrors"
)

// Sandbox is an immutable value: a canonicalized root directory. It carries
// no mutable state and is safe to share across every session of both
// protocol servers.
type Sandbox struct {
	root string
}

// New canonicalizes root (must be an absolute, existing directory) and
// returns a Sandbox bound to it.
func New(root string) (*Sandbox, error) {
	if !filepath.IsAbs(root) {
		return nil, xerrors.New(xerrors.KindInvalidArgument, "sandbox root must be an absolute path")
	}

	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidArgument, "sandbox root does not exist", err)
	}

	info, err := os.Stat(canonical)
	if err != nil || !info.IsDir() {
		return nil, xerrors.New(xerrors.KindInvalidArgument, "sandbox root is not a directory")
	}

	return &Sandbox{root: canonical}, nil
}

// Root returns the canonicalized root directory.
func (s *Sandbox) Root() string { return s.root }

// normalize converts client path separators to forward slashes, strips a
// leading separator (requests are always relative to the root), and rejects
// any ".." path component outright.
func normalize(requested string) (string, error) {
	clean := strings.ReplaceAll(requested, "\\", "/")
	clean = strings.TrimPrefix(clean, "/")

	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", xerrors.New(xerrors.KindInvalidArgument, "path contains a traversal component")
		}
	}

	return clean, nil
}

// withinRoot reports whether candidate (already made canonical, no trailing
// separator assumptions) is the root itself or nested under it.
func (s *Sandbox) withinRoot(candidate string) bool {
	if candidate == s.root {
		return true
	}
	return strings.HasPrefix(candidate, s.root+string(filepath.Separator))
}

// Resolve validates requested against the sandbox and returns the absolute
// path to use for the filesystem operation.
//
// If the resolved path exists, its metadata must not indicate a symbolic
// link, and its canonical (symlink-resolved) form must fall within the root.
// If it does not yet exist (WRQ/SFTP create), the same boundary check is
// applied to its parent directory instead, since the parent is what the
// filesystem will actually consult on create.
//
// The symlink check is performed against the final path component, not an
// ancestor that was already resolved earlier in the call chain, so the
// check stays valid up to the moment the caller opens the file.
func (s *Sandbox) Resolve(requested string) (string, error) {
	clean, err := normalize(requested)
	if err != nil {
		return "", err
	}

	candidate := filepath.Join(s.root, clean)

	info, statErr := os.Lstat(candidate)
	switch {
	case statErr == nil:
		if info.Mode()&os.ModeSymlink != 0 {
			return "", xerrors.New(xerrors.KindAccessDenied, "refusing to follow symlink").WithPath(candidate)
		}

		canonical, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", xerrors.Wrap(xerrors.KindIO, "resolve path", err).WithPath(candidate)
		}
		if !s.withinRoot(canonical) {
			return "", xerrors.New(xerrors.KindAccessDenied, "path escapes sandbox root").WithPath(candidate)
		}
		return candidate, nil

	case os.IsNotExist(statErr):
		parent := filepath.Dir(candidate)
		parentCanonical, err := filepath.EvalSymlinks(parent)
		if err != nil {
			return "", xerrors.Wrap(xerrors.KindAccessDenied, "parent directory does not resolve", err).WithPath(candidate)
		}
		if !s.withinRoot(parentCanonical) {
			return "", xerrors.New(xerrors.KindAccessDenied, "parent directory escapes sandbox root").WithPath(candidate)
		}
		return candidate, nil

	default:
		return "", xerrors.Wrap(xerrors.KindIO, "stat path", statErr).WithPath(candidate)
	}
}

// ResolveAllowingSymlink is Resolve's counterpart for operations that
// target a symlink itself (SFTP READLINK/SYMLINK) rather than the data
// behind it: the parent directory must still resolve within the root, but
// the final component is permitted to be a symlink.
func (s *Sandbox) ResolveAllowingSymlink(requested string) (string, error) {
	clean, err := normalize(requested)
	if err != nil {
		return "", err
	}

	candidate := filepath.Join(s.root, clean)

	parent := filepath.Dir(candidate)
	parentCanonical, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindAccessDenied, "parent directory does not resolve", err).WithPath(candidate)
	}
	if !s.withinRoot(parentCanonical) {
		return "", xerrors.New(xerrors.KindAccessDenied, "parent directory escapes sandbox root").WithPath(candidate)
	}
	return candidate, nil
}
