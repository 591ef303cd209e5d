// Package mp4 implements a demuxer and muxer for ISOBMFF-family files: MP4,
// MOV, and fragmented/CMAF variants. It builds on package isobmff for the
// box header codec and container-type membership, and on package container
// for the track/packet data model shared with the other demuxers.
package mp4

import (
	"bytes"
	"fmt"
	"io"

	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

// box is one parsed top-level or nested box: its header plus the absolute
// file offsets of its payload, so a caller can re-read it from src on
// demand instead of holding every payload in memory at once.
type box struct {
	typ         isobmff.BoxType
	headerLen   int
	payloadOff  int64
	payloadSize int64 // -1 means "to EOF", resolved by the caller against src size
	children    []box // populated only for boxes isobmff.IsContainerBox reports true
}

// readBoxes walks a flat or nested run of boxes starting at off and
// continuing until end (or EOF when end < 0), recursing into the fixed set
// of container box types.
func readBoxes(src container.Source, off, end int64) ([]box, error) {
	var boxes []box
	pos := off
	for end < 0 || pos < end {
		hdr, headerLen, err := readBoxHeaderAt(src, pos)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, container.NewError(container.ErrTruncated, "mp4", "readBoxHeaderAt", err)
		}
		payloadOff := pos + int64(headerLen)
		size := hdr.Size
		var payloadSize int64
		if size == 0 {
			payloadSize = -1 // extends to EOF
		} else {
			payloadSize = size - int64(headerLen)
		}

		b := box{typ: hdr.Type, headerLen: headerLen, payloadOff: payloadOff, payloadSize: payloadSize}
		if isobmff.IsContainerBox(hdr.Type) && payloadSize >= 0 {
			children, err := readBoxes(src, payloadOff, payloadOff+payloadSize)
			if err != nil {
				return nil, err
			}
			b.children = children
		}
		boxes = append(boxes, b)

		if payloadSize < 0 {
			break // to-EOF box always ends the walk at this level
		}
		pos = payloadOff + payloadSize
	}
	return boxes, nil
}

// readBoxHeaderAt reads a box header at an absolute offset without
// disturbing any other cursor a caller keeps over src.
func readBoxHeaderAt(src container.Source, off int64) (isobmff.BoxHeader, int, error) {
	sr := io.NewSectionReader(src, off, 1<<62)
	hdr, err := isobmff.ReadBoxHeader(sr)
	if err != nil {
		return isobmff.BoxHeader{}, 0, err
	}
	return hdr, hdr.HeaderLen, nil
}

// payload reads a box's full payload into memory. Callers use this for
// metadata boxes (moov and its descendants); sample payloads in mdat are
// read lazily per-packet instead.
func (b box) payload(src container.Source, srcSize int64) ([]byte, error) {
	size := b.payloadSize
	if size < 0 {
		size = srcSize - b.payloadOff
	}
	buf := make([]byte, size)
	if _, err := src.ReadAt(buf, b.payloadOff); err != nil && err != io.EOF {
		return nil, container.NewError(container.ErrTruncated, "mp4", "payload", err)
	}
	return buf, nil
}

// find returns the first direct child of the given type, if any.
func find(children []box, t isobmff.BoxType) (box, bool) {
	for _, c := range children {
		if c.typ == t {
			return c, true
		}
	}
	return box{}, false
}

// findAll returns every direct child of the given type.
func findAll(children []box, t isobmff.BoxType) []box {
	var out []box
	for _, c := range children {
		if c.typ == t {
			out = append(out, c)
		}
	}
	return out
}

func srcSize(src container.Source) (int64, error) {
	n, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("mp4: srcSize: %w", err)
	}
	return n, nil
}

// memBox is a box header plus payload fully held in memory, used for
// extension boxes (avcC, hvcC, esds, ...) nested inside a sample entry that
// the demuxer has already read in full.
type memBox struct {
	typ  isobmff.BoxType
	data []byte
}

// readBoxesInMemory walks a flat run of boxes out of an in-memory buffer,
// without recursing (callers that need extension-box payloads read them
// whole and parse further themselves).
func readBoxesInMemory(buf []byte) ([]memBox, error) {
	var out []memBox
	pos := 0
	for pos < len(buf) {
		r := bytes.NewReader(buf[pos:])
		hdr, err := isobmff.ReadBoxHeader(r)
		if err != nil {
			return out, err
		}
		payloadOff := pos + hdr.HeaderLen
		size := hdr.Size
		var payloadSize int
		if size == 0 {
			payloadSize = len(buf) - payloadOff
		} else {
			payloadSize = int(size) - hdr.HeaderLen
		}
		if payloadOff+payloadSize > len(buf) {
			return out, fmt.Errorf("mp4: readBoxesInMemory: box %s overruns buffer", hdr.Type)
		}
		out = append(out, memBox{typ: hdr.Type, data: buf[payloadOff : payloadOff+payloadSize]})
		pos = payloadOff + payloadSize
	}
	return out, nil
}

func findMem(boxes []memBox, t isobmff.BoxType) (memBox, bool) {
	for _, b := range boxes {
		if b.typ == t {
			return b, true
		}
	}
	return memBox{}, false
}

