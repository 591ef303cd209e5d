// Package byteio provides positioned, big-endian-first byte-level codecs for
// the box/element/packet headers that the ISOBMFF, EBML, MPEG-TS, and OGG
// parsers build on, plus the Source/Target abstractions a container walk
// reads from and writes to.
package byteio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrShortRead is returned by the Read* helpers when fewer bytes were
// available than requested. Callers that treat truncation as a recoverable,
// skip-this-element condition (spec's best-effort walk policy) check for
// this rather than propagating io.ErrUnexpectedEOF directly, since some
// call sites want to distinguish "ran off the end of this box" from a
// harder I/O failure.
var ErrShortRead = errors.New("byteio: short read")

// Source is the minimum a container parser needs from its input: seekable,
// positioned reads. A plain *os.File or bytes.NewReader(...) already
// satisfies it.
type Source interface {
	io.ReaderAt
	io.Seeker
	io.Reader
}

// Target is what a muxer writes its output to. Progressive (non-fragmented)
// MP4 muxing needs to seek back and patch the moov size/offset fields, so
// Target requires io.WriteSeeker; callers without seekable storage use the
// fully-buffered finalize path instead of progressive fast-start.
type Target interface {
	io.Writer
	io.Seeker
	io.WriterAt
}

// FourCC is a four-character code such as an ISOBMFF box type or a
// Matroska/MPEG-TS-adjacent ASCII tag.
type FourCC [4]byte

// String renders the FourCC as its ASCII text (non-printable bytes pass
// through verbatim, which surfaces malformed input visibly during logging
// rather than silently coercing it).
func (f FourCC) String() string {
	return string(f[:])
}

// NewFourCC builds a FourCC from a string, panicking if s is not exactly 4
// bytes; this is meant for compile-time literals (NewFourCC("ftyp")), not
// for parsing untrusted input.
func NewFourCC(s string) FourCC {
	if len(s) != 4 {
		panic(fmt.Sprintf("byteio: FourCC literal %q must be 4 bytes", s))
	}
	var f FourCC
	copy(f[:], s)
	return f
}

// ReadU8 reads one unsigned byte.
func ReadU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortReadErr(err)
	}
	return b[0], nil
}

// ReadU16 reads a big-endian uint16.
func ReadU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortReadErr(err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// ReadU24 reads a big-endian 24-bit unsigned integer, as used by ISOBMFF
// FullBox version/flags words and several MPEG-TS fields.
func ReadU24(r io.Reader) (uint32, error) {
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortReadErr(err)
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// ReadU32 reads a big-endian uint32.
func ReadU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortReadErr(err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ReadU64 reads a big-endian uint64.
func ReadU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortReadErr(err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// ReadI16 reads a big-endian signed int16.
func ReadI16(r io.Reader) (int16, error) {
	v, err := ReadU16(r)
	return int16(v), err
}

// ReadI32 reads a big-endian signed int32.
func ReadI32(r io.Reader) (int32, error) {
	v, err := ReadU32(r)
	return int32(v), err
}

// ReadI64 reads a big-endian signed int64.
func ReadI64(r io.Reader) (int64, error) {
	v, err := ReadU64(r)
	return int64(v), err
}

// ReadU32LE reads a little-endian uint32, as used by OGG page headers.
func ReadU32LE(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortReadErr(err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadU64LE reads a little-endian uint64, as used by OGG granule positions.
func ReadU64LE(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortReadErr(err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadFourCC reads a raw 4-byte tag.
func ReadFourCC(r io.Reader) (FourCC, error) {
	var f FourCC
	if _, err := io.ReadFull(r, f[:]); err != nil {
		return f, shortReadErr(err)
	}
	return f, nil
}

// ReadBytes reads exactly n bytes.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("byteio: negative read length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, shortReadErr(err)
	}
	return buf, nil
}

// ReadLP8 reads a one-byte length prefix followed by that many bytes, the
// shape used by ISO-639 padded strings and several iTunes metadata atoms.
func ReadLP8(r io.Reader) ([]byte, error) {
	n, err := ReadU8(r)
	if err != nil {
		return nil, err
	}
	return ReadBytes(r, int(n))
}

// ReadLP16 reads a two-byte big-endian length prefix followed by that many
// bytes, the shape used by MPEG-TS descriptor loops.
func ReadLP16(r io.Reader) ([]byte, error) {
	n, err := ReadU16(r)
	if err != nil {
		return nil, err
	}
	return ReadBytes(r, int(n))
}

func shortReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return err
}

// WriteU8 writes one unsigned byte.
func WriteU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// WriteU16 writes a big-endian uint16.
func WriteU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteU24 writes a big-endian 24-bit unsigned integer.
func WriteU24(w io.Writer, v uint32) error {
	if v > 0xFFFFFF {
		return fmt.Errorf("byteio: value %d overflows 24 bits", v)
	}
	b := [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
	_, err := w.Write(b[:])
	return err
}

// WriteU32 writes a big-endian uint32.
func WriteU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteU64 writes a big-endian uint64.
func WriteU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteI16 writes a big-endian signed int16.
func WriteI16(w io.Writer, v int16) error { return WriteU16(w, uint16(v)) }

// WriteI32 writes a big-endian signed int32.
func WriteI32(w io.Writer, v int32) error { return WriteU32(w, uint32(v)) }

// WriteI64 writes a big-endian signed int64.
func WriteI64(w io.Writer, v int64) error { return WriteU64(w, uint64(v)) }

// WriteU32LE writes a little-endian uint32.
func WriteU32LE(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteU64LE writes a little-endian uint64.
func WriteU64LE(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteFourCC writes the raw 4-byte tag.
func WriteFourCC(w io.Writer, f FourCC) error {
	_, err := w.Write(f[:])
	return err
}

// Buffer is an in-memory Target implementation backed by a growable byte
// slice, for callers (and tests) that don't need an on-disk file. WriteAt
// extends the buffer with zero bytes if off+len(p) exceeds the current
// length, matching *os.File's sparse-write behavior.
type Buffer struct {
	data []byte
	pos  int64
}

// NewBuffer returns an empty in-memory Target.
func NewBuffer() *Buffer { return &Buffer{} }

// Bytes returns the buffer's current contents. The returned slice aliases
// internal storage and must not be modified by the caller.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Write(p []byte) (int, error) {
	n, err := b.WriteAt(p, b.pos)
	b.pos += int64(n)
	return n, err
}

// WriteAt implements io.WriterAt.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("byteio: negative WriteAt offset %d", off)
	}
	end := off + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[off:end], p)
	return len(p), nil
}

// Seek implements io.Seeker.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("byteio: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("byteio: negative seek position %d", abs)
	}
	b.pos = abs
	return abs, nil
}

// Len returns the current buffer length.
func (b *Buffer) Len() int64 { return int64(len(b.data)) }
