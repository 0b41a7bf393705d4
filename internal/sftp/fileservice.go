package sftp

import (
	"io"
	"os"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/pxecore/transferd/internal/audit"
	"github.com/pxecore/transferd/internal/metrics"
	"github.com/pxecore/transferd/internal/sandbox"
	"github.com/pxecore/transferd/internal/xerrors"
)

// readdirBatchSize bounds how many entries one READDIR response carries,
// trading round trips for a bounded per-response payload.
const readdirBatchSize = 100

// handle is one open resource attached to a connection's handle table:
// either a regular file or a directory listing snapshotted at OPENDIR time.
type handle struct {
	file    *os.File
	path    string // sandbox-resolved path, for resume tracking
	appends bool   // opened with FlagAppend: WRITE appends at end of file
	dirFlag bool
	entries []NameEntry
	cursor  int
}

// FileService implements the OPEN/CLOSE/READ/WRITE/... handlers shared by
// every connection, resolving paths through the sandbox and authorizing
// each access against the connection's mapped UserIdentity.
type FileService struct {
	Sandbox          *sandbox.Sandbox
	Users            *UserMap
	Resume           *ResumeTracker
	Audit            *audit.Sink
	Metrics          *metrics.SFTP
	MaxFileSizeBytes int64
}

// Connection is one SSH channel's SFTP request/response state: its handle
// table, the identity it authenticated as, and whether INIT has been seen.
type Connection struct {
	svc      *FileService
	identity UserIdentity

	initialized bool
	nextHandle  uint64
	handles     map[string]*handle
}

// NewConnection starts per-connection SFTP state for identity, bound to
// svc's shared resolvers.
func (svc *FileService) NewConnection(identity UserIdentity) *Connection {
	return &Connection{svc: svc, identity: identity, handles: make(map[string]*handle)}
}

// Close releases every handle still open on the connection (invoked when
// the underlying SSH channel/connection closes).
func (c *Connection) Close() {
	for _, h := range c.handles {
		if h.file != nil {
			_ = h.file.Close()
		}
	}
	c.handles = nil
}

func (c *Connection) allocateHandle(h *handle) string {
	id := atomic.AddUint64(&c.nextHandle, 1)
	key := strconv.FormatUint(id, 10)
	c.handles[key] = h
	return key
}

// HandleInit processes the mandatory first packet, returning the VERSION
// response payload. Any subsequent INIT is harmless -- reinitializing is
// idempotent since no handles are invalidated by it.
func (c *Connection) HandleInit(payload []byte) ([]byte, error) {
	if _, err := decodeInitVersion(payload); err != nil {
		return nil, err
	}
	c.initialized = true
	return EncodeVersion(ProtocolVersion), nil
}

// Dispatch handles one decoded request of typ, returning the response
// packet type and payload to send back. Any non-INIT request before INIT
// is rejected with BadMessage.
func (c *Connection) Dispatch(typ PacketType, payload []byte) (PacketType, []byte) {
	if typ == TypeInit {
		resp, err := c.HandleInit(payload)
		if err != nil {
			return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed INIT")
		}
		return TypeVersion, resp
	}
	if !c.initialized {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "INIT not yet received")
	}

	switch typ {
	case TypeOpen:
		return c.handleOpen(payload)
	case TypeClose:
		return c.handleClose(payload)
	case TypeRead:
		return c.handleRead(payload)
	case TypeWrite:
		return c.handleWrite(payload)
	case TypeLstat:
		return c.handleStat(payload, false)
	case TypeStat:
		return c.handleStat(payload, true)
	case TypeFstat:
		return c.handleFstat(payload)
	case TypeSetstat:
		return c.handleSetstat(payload)
	case TypeFsetstat:
		return c.handleFsetstat(payload)
	case TypeOpendir:
		return c.handleOpendir(payload)
	case TypeReaddir:
		return c.handleReaddir(payload)
	case TypeRemove:
		return c.handleRemove(payload)
	case TypeMkdir:
		return c.handleMkdir(payload)
	case TypeRmdir:
		return c.handleRmdir(payload)
	case TypeRealpath:
		return c.handleRealpath(payload)
	case TypeRename:
		return c.handleRename(payload)
	case TypeReadlink:
		return c.handleReadlink(payload)
	case TypeSymlink:
		return c.handleSymlink(payload)
	default:
		return TypeStatus, EncodeStatus(0, StatusOpUnsupported, "unsupported request type")
	}
}

func statusFromError(requestID uint32, err error) (PacketType, []byte) {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return TypeStatus, EncodeStatus(requestID, StatusNoSuchFile, "no such file")
	case xerrors.KindAccessDenied, xerrors.KindAuthentication:
		return TypeStatus, EncodeStatus(requestID, StatusPermissionDenied, "permission denied")
	case xerrors.KindNotSupported:
		return TypeStatus, EncodeStatus(requestID, StatusOpUnsupported, "operation not supported")
	case xerrors.KindProtocol, xerrors.KindInvalidArgument:
		return TypeStatus, EncodeStatus(requestID, StatusBadMessage, "bad message")
	default:
		return TypeStatus, EncodeStatus(requestID, StatusFailure, "operation failed")
	}
}

func (c *Connection) handleOpen(payload []byte) (PacketType, []byte) {
	req, err := DecodeOpen(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed OPEN")
	}

	resolved, err := c.svc.Sandbox.Resolve(req.Path)
	if err != nil {
		if c.svc.Audit != nil {
			c.svc.Audit.Emit(c.svc.Audit.NewEvent(audit.EventAccessViolation).
				WithField("user", c.identity.Username).
				WithField("path", req.Path))
		}
		return statusFromError(req.RequestID, err)
	}

	flags := os.O_RDONLY
	switch {
	case req.PFlags&FlagWrite != 0 && req.PFlags&FlagRead != 0:
		flags = os.O_RDWR
	case req.PFlags&FlagWrite != 0:
		flags = os.O_WRONLY
	}
	if req.PFlags&FlagAppend != 0 {
		flags |= os.O_APPEND
	}
	if req.PFlags&FlagCreat != 0 {
		flags |= os.O_CREATE
	}
	if req.PFlags&FlagTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if req.PFlags&FlagExcl != 0 {
		flags |= os.O_EXCL
	}

	perm := os.FileMode(0o644)
	if req.Attrs.HasPermissions() {
		perm = os.FileMode(req.Attrs.Permissions & 0o777)
	}

	f, err := os.OpenFile(resolved, flags, perm)
	if err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "open", err))
	}
	if c.svc.Audit != nil {
		eventType := audit.EventReadRequest
		if flags&(os.O_WRONLY|os.O_RDWR) != 0 {
			eventType = audit.EventWriteRequest
		}
		c.svc.Audit.Emit(c.svc.Audit.NewEvent(eventType).
			WithField("user", c.identity.Username).
			WithField("path", req.Path))
	}

	if req.PFlags&FlagAppend != 0 && c.svc.Resume != nil {
		if info, statErr := f.Stat(); statErr == nil {
			c.svc.Resume.Resume(resolved, ResumeUpload, uint64(info.Size()))
		}
	}

	key := c.allocateHandle(&handle{file: f, path: resolved, appends: req.PFlags&FlagAppend != 0})
	if c.svc.Metrics != nil {
		c.svc.Metrics.HandlesOpen.Add(1)
	}
	return TypeHandle, EncodeHandle(req.RequestID, key)
}

func (c *Connection) handleClose(payload []byte) (PacketType, []byte) {
	req, err := DecodeHandleRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed CLOSE")
	}
	if h, ok := c.handles[req.Handle]; ok {
		if h.file != nil {
			_ = h.file.Close()
			if c.svc.Metrics != nil {
				c.svc.Metrics.HandlesOpen.Add(-1)
			}
		}
		delete(c.handles, req.Handle)
	}
	// CLOSE on an unknown or already-closed handle still replies OK, matching
	// common client expectations rather than erroring on a double-close.
	return TypeStatus, EncodeStatus(req.RequestID, StatusOK, "")
}

func (c *Connection) handleRead(payload []byte) (PacketType, []byte) {
	req, err := DecodeRead(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed READ")
	}
	h, ok := c.handles[req.Handle]
	if !ok {
		return TypeStatus, EncodeStatus(req.RequestID, StatusFailure, "invalid handle")
	}
	if h.file == nil {
		return TypeStatus, EncodeStatus(req.RequestID, StatusBadMessage, "handle is a directory, not a file")
	}

	buf := make([]byte, req.Length)
	n, err := h.file.ReadAt(buf, int64(req.Offset))
	if n == 0 && err != nil {
		if err == io.EOF {
			return TypeStatus, EncodeStatus(req.RequestID, StatusEOF, "")
		}
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "read", err))
	}
	if c.svc.Resume != nil {
		c.svc.Resume.Advance(h.path, ResumeDownload, uint64(n))
	}
	if c.svc.Metrics != nil {
		c.svc.Metrics.BytesSent.Add(uint64(n))
	}
	return TypeData, EncodeData(req.RequestID, buf[:n])
}

func (c *Connection) handleWrite(payload []byte) (PacketType, []byte) {
	req, err := DecodeWrite(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed WRITE")
	}
	h, ok := c.handles[req.Handle]
	if !ok || h.file == nil {
		return TypeStatus, EncodeStatus(req.RequestID, StatusFailure, "invalid handle")
	}

	if c.svc.MaxFileSizeBytes > 0 && int64(req.Offset)+int64(len(req.Data)) > c.svc.MaxFileSizeBytes {
		if c.svc.Audit != nil {
			c.svc.Audit.Emit(c.svc.Audit.NewEvent(audit.EventFileSizeLimitExceeded).
				WithField("user", c.identity.Username).
				WithField("path", h.path))
		}
		return TypeStatus, EncodeStatus(req.RequestID, StatusFailure, "file size limit exceeded")
	}

	var n int
	if h.appends {
		n, err = h.file.Write(req.Data)
	} else {
		n, err = h.file.WriteAt(req.Data, int64(req.Offset))
	}
	if err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "write", err))
	}
	if c.svc.Resume != nil {
		c.svc.Resume.Advance(h.path, ResumeUpload, uint64(n))
	}
	if c.svc.Metrics != nil {
		c.svc.Metrics.BytesReceived.Add(uint64(n))
	}
	return TypeStatus, EncodeStatus(req.RequestID, StatusOK, "")
}

// attrsFor builds the FileAttrs reported to the client for info, preferring
// the file's real on-disk ownership and falling back to the connection's
// own identity when the platform doesn't expose one (e.g. non-Unix).
func attrsFor(identity UserIdentity, info os.FileInfo) FileAttrs {
	uid, gid, ok := fileOwnership(info)
	if !ok {
		uid, gid = identity.UID, identity.GID
	}
	return AttrsFromFileInfo(info).WithUIDGID(uid, gid)
}

func (c *Connection) handleStat(payload []byte, followSymlink bool) (PacketType, []byte) {
	req, err := DecodePathRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed STAT/LSTAT")
	}
	resolved, err := c.svc.Sandbox.Resolve(req.Path)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}

	var info os.FileInfo
	if followSymlink {
		info, err = os.Stat(resolved)
	} else {
		info, err = os.Lstat(resolved)
	}
	if err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindNotFound, "stat", err))
	}

	attrs := attrsFor(c.identity, info)
	return TypeAttrs, EncodeAttrs(req.RequestID, attrs)
}

func (c *Connection) handleFstat(payload []byte) (PacketType, []byte) {
	req, err := DecodeHandleRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed FSTAT")
	}
	h, ok := c.handles[req.Handle]
	if !ok || h.file == nil {
		return TypeStatus, EncodeStatus(req.RequestID, StatusFailure, "invalid handle")
	}
	info, err := h.file.Stat()
	if err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "fstat", err))
	}
	attrs := attrsFor(c.identity, info)
	return TypeAttrs, EncodeAttrs(req.RequestID, attrs)
}

func (c *Connection) applyAttrs(path string, info os.FileInfo, attrs FileAttrs) error {
	if attrs.HasPermissions() {
		fileUID, fileGID, ok := fileOwnership(info)
		if !ok {
			fileUID, fileGID = c.identity.UID, c.identity.GID
		}
		if !CheckPermission(c.identity, fileUID, fileGID, uint32(info.Mode().Perm()), uint32(permWrite)) {
			return xerrors.New(xerrors.KindAccessDenied, "not permitted to change mode")
		}
		if err := os.Chmod(path, os.FileMode(attrs.Permissions&0o777)); err != nil {
			return xerrors.Wrap(xerrors.KindIO, "chmod", err)
		}
	}
	if attrs.HasSize() {
		if err := os.Truncate(path, int64(attrs.Size)); err != nil {
			return xerrors.Wrap(xerrors.KindIO, "truncate", err)
		}
	}
	return nil
}

func (c *Connection) handleSetstat(payload []byte) (PacketType, []byte) {
	req, err := DecodeSetstat(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed SETSTAT")
	}
	resolved, err := c.svc.Sandbox.Resolve(req.Path)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindNotFound, "stat", err))
	}
	if err := c.applyAttrs(resolved, info, req.Attrs); err != nil {
		return statusFromError(req.RequestID, err)
	}
	return TypeStatus, EncodeStatus(req.RequestID, StatusOK, "")
}

func (c *Connection) handleFsetstat(payload []byte) (PacketType, []byte) {
	req, err := DecodeFSetstat(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed FSETSTAT")
	}
	h, ok := c.handles[req.Handle]
	if !ok || h.file == nil {
		return TypeStatus, EncodeStatus(req.RequestID, StatusFailure, "invalid handle")
	}
	info, err := h.file.Stat()
	if err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "fstat", err))
	}
	if err := c.applyAttrs(h.path, info, req.Attrs); err != nil {
		return statusFromError(req.RequestID, err)
	}
	return TypeStatus, EncodeStatus(req.RequestID, StatusOK, "")
}

func (c *Connection) handleOpendir(payload []byte) (PacketType, []byte) {
	req, err := DecodePathRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed OPENDIR")
	}
	resolved, err := c.svc.Sandbox.Resolve(req.Path)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}

	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "readdir", err))
	}
	sort.Slice(dirEntries, func(i, j int) bool { return dirEntries[i].Name() < dirEntries[j].Name() })

	entries := make([]NameEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		attrs := attrsFor(c.identity, info)
		entries = append(entries, NameEntry{Filename: de.Name(), Longname: longname(de.Name(), info), Attrs: attrs})
	}

	key := c.allocateHandle(&handle{dirFlag: true, path: resolved, entries: entries})
	return TypeHandle, EncodeHandle(req.RequestID, key)
}

func longname(name string, info os.FileInfo) string {
	return info.Mode().String() + " 1 owner group " + strconv.FormatInt(info.Size(), 10) + " " + name
}

func (c *Connection) handleReaddir(payload []byte) (PacketType, []byte) {
	req, err := DecodeHandleRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed READDIR")
	}
	h, ok := c.handles[req.Handle]
	if !ok {
		return TypeStatus, EncodeStatus(req.RequestID, StatusFailure, "invalid handle")
	}
	if !h.dirFlag {
		return TypeStatus, EncodeStatus(req.RequestID, StatusBadMessage, "handle is a file, not a directory")
	}
	if h.cursor >= len(h.entries) {
		return TypeStatus, EncodeStatus(req.RequestID, StatusEOF, "")
	}

	end := h.cursor + readdirBatchSize
	if end > len(h.entries) {
		end = len(h.entries)
	}
	batch := h.entries[h.cursor:end]
	h.cursor = end
	return TypeName, EncodeName(req.RequestID, batch)
}

func (c *Connection) handleRemove(payload []byte) (PacketType, []byte) {
	req, err := DecodePathRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed REMOVE")
	}
	resolved, err := c.svc.Sandbox.Resolve(req.Path)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}
	if err := os.Remove(resolved); err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "remove", err))
	}
	return TypeStatus, EncodeStatus(req.RequestID, StatusOK, "")
}

func (c *Connection) handleMkdir(payload []byte) (PacketType, []byte) {
	req, err := DecodePathRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed MKDIR")
	}
	resolved, err := c.svc.Sandbox.Resolve(req.Path)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}
	if err := os.Mkdir(resolved, 0o755); err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "mkdir", err))
	}
	return TypeStatus, EncodeStatus(req.RequestID, StatusOK, "")
}

func (c *Connection) handleRmdir(payload []byte) (PacketType, []byte) {
	req, err := DecodePathRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed RMDIR")
	}
	resolved, err := c.svc.Sandbox.Resolve(req.Path)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}
	if err := os.Remove(resolved); err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "rmdir", err))
	}
	return TypeStatus, EncodeStatus(req.RequestID, StatusOK, "")
}

func (c *Connection) handleRealpath(payload []byte) (PacketType, []byte) {
	req, err := DecodePathRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed REALPATH")
	}
	path := req.Path
	if path == "" || path == "." {
		path = "/"
	}
	return TypeName, EncodeName(req.RequestID, []NameEntry{{Filename: path, Longname: path, Attrs: defaultAttrs}})
}

func (c *Connection) handleRename(payload []byte) (PacketType, []byte) {
	req, err := DecodeRename(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed RENAME")
	}
	oldResolved, err := c.svc.Sandbox.Resolve(req.OldPath)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}
	newResolved, err := c.svc.Sandbox.Resolve(req.NewPath)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}
	if err := os.Rename(oldResolved, newResolved); err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "rename", err))
	}
	return TypeStatus, EncodeStatus(req.RequestID, StatusOK, "")
}

func (c *Connection) handleReadlink(payload []byte) (PacketType, []byte) {
	req, err := DecodePathRequest(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed READLINK")
	}
	resolved, err := c.svc.Sandbox.ResolveAllowingSymlink(req.Path)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}
	target, err := os.Readlink(resolved)
	if err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "readlink", err))
	}
	return TypeName, EncodeName(req.RequestID, []NameEntry{{Filename: target, Longname: target, Attrs: defaultAttrs}})
}

func (c *Connection) handleSymlink(payload []byte) (PacketType, []byte) {
	req, err := DecodeSymlink(payload)
	if err != nil {
		return TypeStatus, EncodeStatus(0, StatusBadMessage, "malformed SYMLINK")
	}
	resolvedLink, err := c.svc.Sandbox.ResolveAllowingSymlink(req.LinkPath)
	if err != nil {
		return statusFromError(req.RequestID, err)
	}
	if err := os.Symlink(req.TargetPath, resolvedLink); err != nil {
		return statusFromError(req.RequestID, xerrors.Wrap(xerrors.KindIO, "symlink", err))
	}
	return TypeStatus, EncodeStatus(req.RequestID, StatusOK, "")
}
