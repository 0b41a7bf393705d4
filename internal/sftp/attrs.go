package sftp

import (
	"os"
	"syscall"
)

// AttrsFromFileInfo builds a FileAttrs carrying size, permissions, and
// modification/access time (os.FileInfo has no access time portably, so
// ATime mirrors MTime) for info. UID/GID are filled in by the caller when
// the host's user mapping makes them meaningful.
func AttrsFromFileInfo(info os.FileInfo) FileAttrs {
	mtime := uint32(info.ModTime().Unix())
	return FileAttrs{
		Flags:       AttrSize | AttrPermissions | AttrAcModTime,
		Size:        uint64(info.Size()),
		Permissions: uint32(info.Mode().Perm()) | modeTypeBits(info),
		ATime:       mtime,
		MTime:       mtime,
	}
}

// modeTypeBits maps the Go FileMode's type bits onto the POSIX S_IFMT
// values SFTP attribute blocks expect (directory vs. regular file vs.
// symlink), since os.FileMode's own type bits aren't POSIX-numbered.
func modeTypeBits(info os.FileInfo) uint32 {
	const (
		sIFDIR = 0o040000
		sIFLNK = 0o120000
		sIFREG = 0o100000
	)
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return sIFLNK
	case info.IsDir():
		return sIFDIR
	default:
		return sIFREG
	}
}

// fileOwnership reads the real on-disk UID/GID of info via the platform's
// syscall.Stat_t, since os.FileInfo exposes no portable ownership fields.
// ok is false if the underlying Sys() value isn't a *syscall.Stat_t.
func fileOwnership(info os.FileInfo) (uid, gid uint32, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return st.Uid, st.Gid, true
}

// WithUIDGID returns a copy of a with the UID/GID fields populated and the
// presence flag set.
func (a FileAttrs) WithUIDGID(uid, gid uint32) FileAttrs {
	a.Flags |= AttrUIDGID
	a.UID = uid
	a.GID = gid
	return a
}

// defaultAttrs is the attributes block attached to REALPATH's reply, which
// carries no meaningful stat data.
var defaultAttrs = FileAttrs{}
