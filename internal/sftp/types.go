// Package sftp implements an SFTP v3 server (draft-ietf-secsh-filexfer-02)
// running over an SSH transport restricted to CNSA 2.0 algorithms.
package sftp

// PacketType is the SFTP message type tag carried in byte 5 of every frame
// (after the 4-byte length prefix).
type PacketType byte

const (
	TypeInit     PacketType = 1
	TypeVersion  PacketType = 2
	TypeOpen     PacketType = 3
	TypeClose    PacketType = 4
	TypeRead     PacketType = 5
	TypeWrite    PacketType = 6
	TypeLstat    PacketType = 7
	TypeFstat    PacketType = 8
	TypeSetstat  PacketType = 9
	TypeFsetstat PacketType = 10
	TypeOpendir  PacketType = 11
	TypeReaddir  PacketType = 12
	TypeRemove   PacketType = 13
	TypeMkdir    PacketType = 14
	TypeRmdir    PacketType = 15
	TypeRealpath PacketType = 16
	TypeStat     PacketType = 17
	TypeRename   PacketType = 18
	TypeReadlink PacketType = 19
	TypeSymlink  PacketType = 20

	TypeStatus PacketType = 101
	TypeHandle PacketType = 102
	TypeData   PacketType = 103
	TypeName   PacketType = 104
	TypeAttrs  PacketType = 105
)

// ProtocolVersion is the only SFTP version this server speaks.
const ProtocolVersion = 3

// StatusCode is an SFTP SSH_FX_* status.
type StatusCode uint32

const (
	StatusOK               StatusCode = 0
	StatusEOF              StatusCode = 1
	StatusNoSuchFile       StatusCode = 2
	StatusPermissionDenied StatusCode = 3
	StatusFailure          StatusCode = 4
	StatusBadMessage       StatusCode = 5
	StatusNoConnection     StatusCode = 6
	StatusConnectionLost   StatusCode = 7
	StatusOpUnsupported    StatusCode = 8
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusEOF:
		return "EOF"
	case StatusNoSuchFile:
		return "No such file"
	case StatusPermissionDenied:
		return "Permission denied"
	case StatusBadMessage:
		return "Bad message"
	case StatusNoConnection:
		return "No connection"
	case StatusConnectionLost:
		return "Connection lost"
	case StatusOpUnsupported:
		return "Operation unsupported"
	default:
		return "Failure"
	}
}

// Open flags, bitmask as carried in an OPEN request's pflags field.
const (
	FlagRead   uint32 = 0x00000001
	FlagWrite  uint32 = 0x00000002
	FlagAppend uint32 = 0x00000004
	FlagCreat  uint32 = 0x00000008
	FlagTrunc  uint32 = 0x00000010
	FlagExcl   uint32 = 0x00000020
)

// Attribute presence flags, as carried in a FileAttrs' own Flags field.
const (
	AttrSize        uint32 = 0x00000001
	AttrUIDGID      uint32 = 0x00000002
	AttrPermissions uint32 = 0x00000004
	AttrAcModTime   uint32 = 0x00000008
)

// FileAttrs is the SFTP v3 attributes block. Flags determines which of the
// remaining fields are meaningful; a zero-value FileAttrs with Flags == 0
// carries no attributes (used for REALPATH's default reply).
type FileAttrs struct {
	Flags       uint32
	Size        uint64
	UID         uint32
	GID         uint32
	Permissions uint32
	ATime       uint32
	MTime       uint32
}

// HasSize reports whether Size is populated.
func (a FileAttrs) HasSize() bool { return a.Flags&AttrSize != 0 }

// HasUIDGID reports whether UID/GID are populated.
func (a FileAttrs) HasUIDGID() bool { return a.Flags&AttrUIDGID != 0 }

// HasPermissions reports whether Permissions is populated.
func (a FileAttrs) HasPermissions() bool { return a.Flags&AttrPermissions != 0 }

// HasTimes reports whether ATime/MTime are populated.
func (a FileAttrs) HasTimes() bool { return a.Flags&AttrAcModTime != 0 }

// NameEntry is one entry of a NAME response (used by both REALPATH and
// READDIR).
type NameEntry struct {
	Filename string
	Longname string
	Attrs    FileAttrs
}
