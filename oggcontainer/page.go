package oggcontainer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/snapetech/containerkit/byteio"
)

const (
	pageHeaderSize = 27
	maxSegmentSize = 255

	flagContinuation byte = 0x01
	flagBOS          byte = 0x02
	flagEOS          byte = 0x04
)

// pageHeader is the decoded fixed 27-byte OGG page header, per spec.md's
// byte layout: magic, version, header_type, granule position (int64 LE),
// serial (uint32 LE), page sequence (uint32 LE), CRC (uint32 LE), segment
// count.
type pageHeader struct {
	version      byte
	headerType   byte
	granulePos   int64
	serial       uint32
	pageSeq      uint32
	crc          uint32
	segmentCount byte
}

func (h pageHeader) continuation() bool { return h.headerType&flagContinuation != 0 }
func (h pageHeader) bos() bool          { return h.headerType&flagBOS != 0 }
func (h pageHeader) eos() bool          { return h.headerType&flagEOS != 0 }

var oggMagic = [4]byte{'O', 'g', 'g', 'S'}

// readPage reads one page from r: header, segment table, and payload. The
// segment table is returned alongside the payload so the caller can re-lace
// it into individual packets, since a single page may carry several
// complete packets or end with one that continues onto the next page.
func readPage(r io.Reader) (pageHeader, []byte, []byte, error) {
	// io.ReadFull reports a bare io.EOF when no byte of the next page is
	// present, which callers treat as the clean end of the stream.
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return pageHeader{}, nil, nil, err
	}
	if !bytes.Equal(magic, oggMagic[:]) {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: missing OggS magic")
	}
	version, err := byteio.ReadU8(r)
	if err != nil {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: truncated page header: %w", err)
	}
	headerType, err := byteio.ReadU8(r)
	if err != nil {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: truncated page header: %w", err)
	}
	granule, err := byteio.ReadU64LE(r)
	if err != nil {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: truncated granule position: %w", err)
	}
	serial, err := byteio.ReadU32LE(r)
	if err != nil {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: truncated serial: %w", err)
	}
	pageSeq, err := byteio.ReadU32LE(r)
	if err != nil {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: truncated page sequence: %w", err)
	}
	crc, err := byteio.ReadU32LE(r)
	if err != nil {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: truncated CRC: %w", err)
	}
	segmentCount, err := byteio.ReadU8(r)
	if err != nil {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: truncated segment count: %w", err)
	}

	h := pageHeader{
		version:      version,
		headerType:   headerType,
		granulePos:   int64(granule),
		serial:       serial,
		pageSeq:      pageSeq,
		crc:          crc,
		segmentCount: segmentCount,
	}

	segTable, err := byteio.ReadBytes(r, int(segmentCount))
	if err != nil {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: truncated segment table: %w", err)
	}

	payloadLen := 0
	for _, l := range segTable {
		payloadLen += int(l)
	}
	var payload []byte
	if payloadLen > 0 {
		payload, err = byteio.ReadBytes(r, payloadLen)
		if err != nil {
			return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: truncated page payload: %w", err)
		}
	}

	full := make([]byte, 0, pageHeaderSize+len(segTable)+len(payload))
	full = append(full, magic...)
	full = append(full, version, headerType)
	full = appendLE64(full, granule)
	full = appendLE32(full, serial)
	full = appendLE32(full, pageSeq)
	full = append(full, 0, 0, 0, 0) // CRC field zeroed for verification
	full = append(full, segmentCount)
	full = append(full, segTable...)
	full = append(full, payload...)

	if got := crc32OGG(full); got != h.crc {
		return pageHeader{}, nil, nil, fmt.Errorf("oggcontainer: CRC mismatch: got %#x, page declares %#x", got, h.crc)
	}

	return h, segTable, payload, nil
}

// splitLacedPackets re-laces a page's payload into individual packets per
// its segment table: a run of 255-byte segments belongs to one packet,
// terminated by the first segment shorter than 255 (or a trailing
// zero-length segment for an exact multiple). lastContinues reports whether
// the final packet on this page is incomplete and continues onto the next
// page's first laced packet.
func splitLacedPackets(segTable, payload []byte) (packets [][]byte, lastContinues bool) {
	pos := 0
	start := 0
	more := false
	for _, l := range segTable {
		pos += int(l)
		if l == maxSegmentSize {
			more = true
			continue
		}
		packets = append(packets, payload[start:pos])
		start = pos
		more = false
	}
	return packets, more
}

func appendLE64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v))
		v >>= 8
	}
	return buf
}

func appendLE32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// buildSegmentTable implements the lacing rule (spec.md §4.9): floor(n/255)+1
// entries, every entry 255 except the last, which is the remainder — 0 when
// n is an exact multiple of 255, signaling end-of-packet on that page.
func buildSegmentTable(n int) []byte {
	var tbl []byte
	for n >= maxSegmentSize {
		tbl = append(tbl, maxSegmentSize)
		n -= maxSegmentSize
	}
	tbl = append(tbl, byte(n))
	return tbl
}

// encodePage serializes one page and computes its CRC over the whole page
// with the CRC field itself zeroed.
func encodePage(headerType byte, granulePos int64, serial, pageSeq uint32, payload []byte) []byte {
	segTable := buildSegmentTable(len(payload))

	buf := &bytes.Buffer{}
	buf.Write(oggMagic[:])
	byteio.WriteU8(buf, 0) // version
	byteio.WriteU8(buf, headerType)
	byteio.WriteU64LE(buf, uint64(granulePos))
	byteio.WriteU32LE(buf, serial)
	byteio.WriteU32LE(buf, pageSeq)
	byteio.WriteU32LE(buf, 0) // CRC placeholder
	byteio.WriteU8(buf, byte(len(segTable)))
	buf.Write(segTable)
	buf.Write(payload)

	out := buf.Bytes()
	crc := crc32OGG(out)
	out[22] = byte(crc)
	out[23] = byte(crc >> 8)
	out[24] = byte(crc >> 16)
	out[25] = byte(crc >> 24)
	return out
}
