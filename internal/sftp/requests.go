package sftp

import "fmt"

// OpenRequest is a decoded OPEN payload.
type OpenRequest struct {
	RequestID uint32
	Path      string
	PFlags    uint32
	Attrs     FileAttrs
}

// HandleRequest covers CLOSE/FSTAT/READDIR -- any request keyed only by a
// handle.
type HandleRequest struct {
	RequestID uint32
	Handle    string
}

// ReadRequest is a decoded READ payload.
type ReadRequest struct {
	RequestID uint32
	Handle    string
	Offset    uint64
	Length    uint32
}

// WriteRequest is a decoded WRITE payload.
type WriteRequest struct {
	RequestID uint32
	Handle    string
	Offset    uint64
	Data      []byte
}

// PathRequest covers LSTAT/STAT/OPENDIR/REMOVE/MKDIR/RMDIR/REALPATH/
// READLINK -- any request keyed only by a path.
type PathRequest struct {
	RequestID uint32
	Path      string
}

// SetstatRequest is a decoded SETSTAT payload.
type SetstatRequest struct {
	RequestID uint32
	Path      string
	Attrs     FileAttrs
}

// FSetstatRequest is a decoded FSETSTAT payload.
type FSetstatRequest struct {
	RequestID uint32
	Handle    string
	Attrs     FileAttrs
}

// RenameRequest is a decoded RENAME payload.
type RenameRequest struct {
	RequestID uint32
	OldPath   string
	NewPath   string
}

// SymlinkRequest is a decoded SYMLINK payload. Per the SFTP v3 draft the
// wire order is (linkpath, targetpath) -- reversed from the natural
// reading order, and implemented that way here to match real clients.
type SymlinkRequest struct {
	RequestID  uint32
	LinkPath   string
	TargetPath string
}

// DecodeOpen decodes an OPEN request payload.
func DecodeOpen(payload []byte) (OpenRequest, error) {
	d := newDecoder(payload)
	var r OpenRequest
	var err error
	if r.RequestID, err = d.uint32(); err != nil {
		return r, err
	}
	if r.Path, err = d.str(); err != nil {
		return r, err
	}
	if r.PFlags, err = d.uint32(); err != nil {
		return r, err
	}
	r.Attrs, err = d.attrs()
	return r, err
}

// DecodeHandleRequest decodes a request whose payload is just {id, handle}.
func DecodeHandleRequest(payload []byte) (HandleRequest, error) {
	d := newDecoder(payload)
	var r HandleRequest
	var err error
	if r.RequestID, err = d.uint32(); err != nil {
		return r, err
	}
	r.Handle, err = d.str()
	return r, err
}

// DecodeRead decodes a READ request payload.
func DecodeRead(payload []byte) (ReadRequest, error) {
	d := newDecoder(payload)
	var r ReadRequest
	var err error
	if r.RequestID, err = d.uint32(); err != nil {
		return r, err
	}
	if r.Handle, err = d.str(); err != nil {
		return r, err
	}
	if r.Offset, err = d.uint64(); err != nil {
		return r, err
	}
	r.Length, err = d.uint32()
	return r, err
}

// DecodeWrite decodes a WRITE request payload.
func DecodeWrite(payload []byte) (WriteRequest, error) {
	d := newDecoder(payload)
	var r WriteRequest
	var err error
	if r.RequestID, err = d.uint32(); err != nil {
		return r, err
	}
	if r.Handle, err = d.str(); err != nil {
		return r, err
	}
	if r.Offset, err = d.uint64(); err != nil {
		return r, err
	}
	n, err := d.uint32()
	if err != nil {
		return r, err
	}
	r.Data, err = d.bytes(int(n))
	return r, err
}

// DecodePathRequest decodes a request whose payload is just {id, path}.
func DecodePathRequest(payload []byte) (PathRequest, error) {
	d := newDecoder(payload)
	var r PathRequest
	var err error
	if r.RequestID, err = d.uint32(); err != nil {
		return r, err
	}
	r.Path, err = d.str()
	return r, err
}

// DecodeSetstat decodes a SETSTAT request payload.
func DecodeSetstat(payload []byte) (SetstatRequest, error) {
	d := newDecoder(payload)
	var r SetstatRequest
	var err error
	if r.RequestID, err = d.uint32(); err != nil {
		return r, err
	}
	if r.Path, err = d.str(); err != nil {
		return r, err
	}
	r.Attrs, err = d.attrs()
	return r, err
}

// DecodeFSetstat decodes an FSETSTAT request payload.
func DecodeFSetstat(payload []byte) (FSetstatRequest, error) {
	d := newDecoder(payload)
	var r FSetstatRequest
	var err error
	if r.RequestID, err = d.uint32(); err != nil {
		return r, err
	}
	if r.Handle, err = d.str(); err != nil {
		return r, err
	}
	r.Attrs, err = d.attrs()
	return r, err
}

// DecodeRename decodes a RENAME request payload.
func DecodeRename(payload []byte) (RenameRequest, error) {
	d := newDecoder(payload)
	var r RenameRequest
	var err error
	if r.RequestID, err = d.uint32(); err != nil {
		return r, err
	}
	if r.OldPath, err = d.str(); err != nil {
		return r, err
	}
	r.NewPath, err = d.str()
	return r, err
}

// DecodeSymlink decodes a SYMLINK request payload.
func DecodeSymlink(payload []byte) (SymlinkRequest, error) {
	d := newDecoder(payload)
	var r SymlinkRequest
	var err error
	if r.RequestID, err = d.uint32(); err != nil {
		return r, err
	}
	if r.LinkPath, err = d.str(); err != nil {
		return r, err
	}
	r.TargetPath, err = d.str()
	return r, err
}

// decodeInitVersion extracts the client's requested version from an INIT
// payload's leading uint32.
func decodeInitVersion(payload []byte) (uint32, error) {
	d := newDecoder(payload)
	v, err := d.uint32()
	if err != nil {
		return 0, fmt.Errorf("sftp: malformed INIT: %w", err)
	}
	return v, nil
}
