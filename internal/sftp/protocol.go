package sftp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPacketLength bounds a single SFTP message's payload length, guarding
// against a malicious or corrupt length prefix causing an unbounded
// allocation.
const MaxPacketLength = 256 * 1024

// ReadPacket reads one length-prefixed SFTP frame from r: a 4-byte
// big-endian length followed by that many bytes (type byte + payload).
func ReadPacket(r io.Reader) (PacketType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > MaxPacketLength {
		return 0, nil, fmt.Errorf("sftp: frame length %d out of bounds", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return PacketType(body[0]), body[1:], nil
}

// WritePacket writes one length-prefixed SFTP frame to w.
func WritePacket(w io.Writer, typ PacketType, payload []byte) error {
	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = byte(typ)
	copy(frame[5:], payload)
	_, err := w.Write(frame)
	return err
}

// decoder walks a packet payload field by field, matching the SFTP v3 wire
// types (uint32, uint64, and length-prefixed strings).
type decoder struct {
	b   []byte
	pos int
}

func newDecoder(b []byte) *decoder { return &decoder{b: b} }

func (d *decoder) uint32() (uint32, error) {
	if d.pos+4 > len(d.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(d.b[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) uint64() (uint64, error) {
	if d.pos+8 > len(d.b) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(d.b[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	if d.pos+int(n) > len(d.b) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(d.b[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if d.pos+n > len(d.b) {
		return nil, io.ErrUnexpectedEOF
	}
	v := d.b[d.pos : d.pos+n]
	d.pos += n
	return v, nil
}

// attrs decodes a FileAttrs block at the current position.
func (d *decoder) attrs() (FileAttrs, error) {
	var a FileAttrs
	flags, err := d.uint32()
	if err != nil {
		return a, err
	}
	a.Flags = flags

	if a.HasSize() {
		if a.Size, err = d.uint64(); err != nil {
			return a, err
		}
	}
	if a.HasUIDGID() {
		if a.UID, err = d.uint32(); err != nil {
			return a, err
		}
		if a.GID, err = d.uint32(); err != nil {
			return a, err
		}
	}
	if a.HasPermissions() {
		if a.Permissions, err = d.uint32(); err != nil {
			return a, err
		}
	}
	if a.HasTimes() {
		if a.ATime, err = d.uint32(); err != nil {
			return a, err
		}
		if a.MTime, err = d.uint32(); err != nil {
			return a, err
		}
	}
	return a, nil
}

// encoder appends SFTP v3 wire-typed fields to a growing byte buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) uint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) str(s string) {
	e.uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytes(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) attrs(a FileAttrs) {
	e.uint32(a.Flags)
	if a.HasSize() {
		e.uint64(a.Size)
	}
	if a.HasUIDGID() {
		e.uint32(a.UID)
		e.uint32(a.GID)
	}
	if a.HasPermissions() {
		e.uint32(a.Permissions)
	}
	if a.HasTimes() {
		e.uint32(a.ATime)
		e.uint32(a.MTime)
	}
}

// EncodeStatus builds a STATUS response payload.
func EncodeStatus(requestID uint32, code StatusCode, message string) []byte {
	e := &encoder{}
	e.uint32(requestID)
	e.uint32(uint32(code))
	e.str(message)
	e.str("en")
	return e.buf
}

// EncodeHandle builds a HANDLE response payload.
func EncodeHandle(requestID uint32, handle string) []byte {
	e := &encoder{}
	e.uint32(requestID)
	e.str(handle)
	return e.buf
}

// EncodeData builds a DATA response payload.
func EncodeData(requestID uint32, data []byte) []byte {
	e := &encoder{}
	e.uint32(requestID)
	e.uint32(uint32(len(data)))
	e.bytes(data)
	return e.buf
}

// EncodeAttrs builds an ATTRS response payload.
func EncodeAttrs(requestID uint32, a FileAttrs) []byte {
	e := &encoder{}
	e.uint32(requestID)
	e.attrs(a)
	return e.buf
}

// EncodeName builds a NAME response payload from the given entries.
func EncodeName(requestID uint32, entries []NameEntry) []byte {
	e := &encoder{}
	e.uint32(requestID)
	e.uint32(uint32(len(entries)))
	for _, ent := range entries {
		e.str(ent.Filename)
		e.str(ent.Longname)
		e.attrs(ent.Attrs)
	}
	return e.buf
}

// EncodeVersion builds a VERSION response payload (no extensions offered).
func EncodeVersion(version uint32) []byte {
	e := &encoder{}
	e.uint32(version)
	return e.buf
}
