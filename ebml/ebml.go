// Package ebml implements the Extensible Binary Meta Language encoding
// Matroska and WebM build on: variable-length element IDs and sizes, and
// typed element body readers.
package ebml

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// ID is an EBML element ID. Unlike a size, an ID retains its length-marker
// bits, so the same numeric value at different encoded widths remains
// distinct (per spec, IDs stay unique across widths).
type ID uint32

// Element describes one decoded EBML element header: its ID, the byte
// offset and length of its header, and its declared content size.
// UnknownSize is set when the size field was the reserved all-ones
// sentinel (streaming Cluster/Segment).
type Element struct {
	ID          ID
	HeaderLen   int
	DataSize    int64
	UnknownSize bool
}

// ReadID reads a variable-length element ID, retaining its marker bits.
func ReadID(r io.Reader) (ID, int, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, 0, err
	}
	length := vlqLength(first[0])
	if length == 0 {
		return 0, 0, fmt.Errorf("ebml: ReadID: invalid leading byte %#02x", first[0])
	}
	buf := make([]byte, length)
	buf[0] = first[0]
	if length > 1 {
		if _, err := io.ReadFull(r, buf[1:]); err != nil {
			return 0, 0, err
		}
	}
	var v uint32
	for _, b := range buf {
		v = v<<8 | uint32(b)
	}
	return ID(v), length, nil
}

// ReadSize reads a variable-length element size, stripping the length
// marker bits. Returns unknownSize=true if the value is the reserved
// all-ones sentinel for that width (a streaming/unknown-size element).
func ReadSize(r io.Reader) (size int64, length int, unknownSize bool, err error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, 0, false, err
	}
	length = vlqLength(first[0])
	if length == 0 {
		return 0, 0, false, fmt.Errorf("ebml: ReadSize: invalid leading byte %#02x", first[0])
	}
	marker := byte(0x80) >> uint(length-1)
	value := uint64(first[0]) &^ uint64(marker) // strip the marker bit from the first byte

	rest := make([]byte, length-1)
	if length > 1 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return 0, 0, false, err
		}
	}
	for _, b := range rest {
		value = value<<8 | uint64(b)
	}

	maxValue := uint64(1)<<(7*uint(length)) - 1
	unknownSize = value == maxValue
	return int64(value), length, unknownSize, nil
}

// vlqLength returns the total encoded byte length (1-8) implied by the
// leading byte's highest set bit, or 0 if no bit is set (invalid).
func vlqLength(first byte) int {
	for i := 0; i < 8; i++ {
		if first&(0x80>>uint(i)) != 0 {
			return i + 1
		}
	}
	return 0
}

// ReadElement reads one element header (ID + size) at the reader's current
// position.
func ReadElement(r io.Reader) (Element, error) {
	id, idLen, err := ReadID(r)
	if err != nil {
		return Element{}, err
	}
	size, sizeLen, unknown, err := ReadSize(r)
	if err != nil {
		return Element{}, err
	}
	return Element{
		ID:          id,
		HeaderLen:   idLen + sizeLen,
		DataSize:    size,
		UnknownSize: unknown,
	}, nil
}

// WriteID writes id back out at the byte width implied by its value (IDs
// read via ReadID already carry their original marker bits, so this
// recovers the same width without a separate side channel).
func WriteID(w io.Writer, id ID) error {
	n := idByteLen(id)
	buf := make([]byte, n)
	v := uint32(id)
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	_, err := w.Write(buf)
	return err
}

func idByteLen(id ID) int {
	switch {
	case id <= 0xFF:
		return 1
	case id <= 0xFFFF:
		return 2
	case id <= 0xFFFFFF:
		return 3
	default:
		return 4
	}
}

// WriteSize writes size as a minimal-width VLQ with the marker bit set.
func WriteSize(w io.Writer, size int64) error {
	if size < 0 {
		return fmt.Errorf("ebml: WriteSize: negative size %d", size)
	}
	length := 1
	for length < 8 && uint64(size) >= (uint64(1)<<(7*length)) {
		length++
	}
	buf := make([]byte, length)
	marker := byte(0x80) >> uint(length-1)
	v := uint64(size)
	for i := length - 1; i >= 1; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	buf[0] = byte(v) | marker
	_, err := w.Write(buf)
	return err
}

// WriteUnknownSize writes the reserved all-ones sentinel at the given
// width (8 bytes is conventional for Segment/Cluster streaming).
func WriteUnknownSize(w io.Writer, width int) error {
	buf := make([]byte, width)
	for i := range buf {
		buf[i] = 0xFF
	}
	// The first byte carries the length marker: only the bit that selects
	// this width and the value bits after it are set.
	buf[0] = 0xFF >> uint(width-1)
	_, err := w.Write(buf)
	return err
}

// ReadUint reads a big-endian unsigned integer element body of n bytes
// (n in [0,8]).
func ReadUint(data []byte) (uint64, error) {
	if len(data) > 8 {
		return 0, fmt.Errorf("ebml: ReadUint: body of %d bytes exceeds 8", len(data))
	}
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// ReadInt reads a big-endian signed integer element body, sign-extended
// from its encoded width.
func ReadInt(data []byte) (int64, error) {
	u, err := ReadUint(data)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 || data[0]&0x80 == 0 {
		return int64(u), nil
	}
	// Sign-extend: the value's top bit within its encoded width is set.
	shift := uint(64 - 8*len(data))
	return int64(u<<shift) >> shift, nil
}

// ReadFloat reads a 4- or 8-byte IEEE-754 float element body.
func ReadFloat(data []byte) (float64, error) {
	switch len(data) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(data))), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	default:
		return 0, fmt.Errorf("ebml: ReadFloat: body of %d bytes, want 4 or 8", len(data))
	}
}

// ReadString reads a UTF-8/ASCII string element body verbatim.
func ReadString(data []byte) string {
	return string(data)
}

// ebmlEpoch is 2001-01-01T00:00:00.000000000 UTC, the zero point for EBML
// Date elements (nanoseconds relative to this instant).
var ebmlEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// ReadDate reads an 8-byte Date element body (signed nanoseconds since
// 2001-01-01T00:00:00 UTC).
func ReadDate(data []byte) (time.Time, error) {
	ns, err := ReadInt(data)
	if err != nil {
		return time.Time{}, err
	}
	return ebmlEpoch.Add(time.Duration(ns)), nil
}

// WriteUint writes v as a big-endian unsigned integer body using the
// minimal number of bytes that represent it (at least 1).
func WriteUint(v uint64) []byte {
	n := 1
	for n < 8 && v>>(8*n) != 0 {
		n++
	}
	buf := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

// ReadBody reads exactly n bytes from r as a raw element body (binary
// type, or the input to one of the typed Read* helpers above).
func ReadBody(r io.Reader, n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("ebml: ReadBody: negative size %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SkipBody discards n bytes of an element body without allocating a
// buffer for it, the path taken when walking past an element type the
// caller doesn't need.
func SkipBody(r io.Reader, n int64) error {
	if seeker, ok := r.(io.Seeker); ok {
		_, err := seeker.Seek(n, io.SeekCurrent)
		return err
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}
