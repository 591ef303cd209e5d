package mpegts

import (
	"bytes"
	"fmt"
	"io"

	"github.com/snapetech/containerkit/container"
)

// maxScanPackets bounds how far Open will read looking for a PAT and PMT
// before giving up; well past any real stream's PSI repeat interval.
const maxScanPackets = 4096

type elementaryStream struct {
	pid        uint16
	codecTag   string
	kind       container.Kind
	trackIndex int

	buf          []byte // accumulated PES payload since the last PUSI
	haveFirstDTS bool
	firstDTS     float64
}

// Demuxer reads an MPEG transport stream: it locates the first program's
// PAT/PMT during Open to build the track list, then reassembles PES packets
// per elementary PID as ReadPacket is called.
type Demuxer struct {
	src container.Source

	pmtPID  uint16
	streams map[uint16]*elementaryStream
	tracks  []container.Track

	queue []*container.Packet
	eof   bool
}

// Open scans forward from the start of src for a PAT and the PMT it names,
// builds the track list from the PMT's stream entries, then rewinds src so
// ReadPacket starts from the first packet.
func Open(src container.Source) (*Demuxer, error) {
	d := &Demuxer{src: src, streams: map[uint16]*elementaryStream{}}

	var buf [PacketSize]byte
	var programs []patProgram
	var pmt *pmtTable

	for i := 0; i < maxScanPackets && pmt == nil; i++ {
		if _, err := io.ReadFull(src, buf[:]); err != nil {
			break
		}
		h, ok := parsePacketHeader(buf[:])
		if !ok {
			return nil, container.NewError(container.ErrMalformed, "mpegts", "Open", fmt.Errorf("missing sync byte"))
		}
		if !h.hasPayload() {
			continue
		}
		off, _ := payloadOffset(buf[:], h)
		if off >= PacketSize {
			continue
		}
		payload := buf[off:]

		if h.pid == patPID && h.pusi && programs == nil {
			progs, err := parsePAT(payload)
			if err == nil {
				programs = progs
			}
			continue
		}
		if len(programs) > 0 && h.pid == programs[0].pmtPID && h.pusi {
			table, err := parsePMT(payload)
			if err == nil {
				pmt = table
			}
		}
	}
	if pmt == nil {
		return nil, container.NewError(container.ErrMalformed, "mpegts", "Open", fmt.Errorf("no PAT/PMT found in first %d packets", maxScanPackets))
	}
	d.pmtPID = programs[0].pmtPID

	haveDefault := map[container.Kind]bool{}
	for _, s := range pmt.streams {
		tag := s.streamType.codecTag()
		if tag == "" {
			continue // unmapped stream type, e.g. private data or subtitles: not tracked
		}
		kind := container.KindUnknown
		switch {
		case s.streamType.isVideo():
			kind = container.KindVideo
		case s.streamType.isAudio():
			kind = container.KindAudio
		}
		isDefault := !haveDefault[kind]
		haveDefault[kind] = true
		tr := container.Track{ID: len(d.tracks) + 1, Index: len(d.tracks), Kind: kind, CodecTag: tag, Default: isDefault}
		d.tracks = append(d.tracks, tr)
		d.streams[s.pid] = &elementaryStream{pid: s.pid, codecTag: tag, kind: kind, trackIndex: len(d.tracks) - 1}
	}

	if _, err := d.src.Seek(0, io.SeekStart); err != nil {
		return nil, container.NewError(container.ErrMalformed, "mpegts", "Open", err)
	}
	return d, nil
}

// Tracks returns the tracks built from the PMT during Open.
func (d *Demuxer) Tracks() []container.Track { return d.tracks }

// ReadPacket returns the next reassembled access unit, in arrival order
// across tracks. Returns io.EOF once every track's final buffered unit has
// been flushed.
func (d *Demuxer) ReadPacket() (*container.Packet, error) {
	for len(d.queue) == 0 {
		if d.eof {
			return nil, io.EOF
		}
		if err := d.readOnePacket(); err != nil {
			if err == io.EOF {
				d.eof = true
				d.flushAll()
				continue
			}
			return nil, err
		}
	}
	pkt := d.queue[0]
	d.queue = d.queue[1:]
	return pkt, nil
}

func (d *Demuxer) readOnePacket() error {
	var buf [PacketSize]byte
	if _, err := io.ReadFull(d.src, buf[:]); err != nil {
		return io.EOF
	}
	h, ok := parsePacketHeader(buf[:])
	if !ok {
		return container.NewError(container.ErrMalformed, "mpegts", "ReadPacket", fmt.Errorf("missing sync byte"))
	}
	if h.pid == patPID || h.pid == d.pmtPID || !h.hasPayload() {
		return nil
	}
	es := d.streams[h.pid]
	if es == nil {
		return nil // not a tracked elementary stream
	}
	off, _ := payloadOffset(buf[:], h)
	if off >= PacketSize {
		return nil
	}
	payload := buf[off:]

	if h.pusi {
		d.flushStream(es)
		es.buf = append(es.buf[:0], payload...)
	} else if es.buf != nil {
		es.buf = append(es.buf, payload...)
	}
	return nil
}

func (d *Demuxer) flushAll() {
	for _, es := range d.streams {
		d.flushStream(es)
	}
}

// flushStream parses the accumulated PES buffer (if any) into a packet,
// queues it, and clears the buffer.
func (d *Demuxer) flushStream(es *elementaryStream) {
	if len(es.buf) == 0 {
		return
	}
	data := es.buf
	es.buf = nil

	header, err := parsePESHeader(data)
	if err != nil || header.payloadOffset > len(data) {
		return
	}
	esPayload := data[header.payloadOffset:]
	if len(esPayload) == 0 {
		return
	}

	var dtsSeconds float64
	hasTimestamp := false
	if header.hasDTS {
		dtsSeconds = float64(header.dts) / 90000
		hasTimestamp = true
	} else if header.hasPTS {
		dtsSeconds = float64(header.pts) / 90000
		hasTimestamp = true
	}
	if hasTimestamp && !es.haveFirstDTS {
		es.firstDTS = dtsSeconds
		es.haveFirstDTS = true
	}
	if hasTimestamp {
		dtsSeconds -= es.firstDTS
	}

	pkt := &container.Packet{
		TrackID:  es.trackIndex + 1,
		Data:     bytes.Clone(esPayload),
		DTS:      dtsSeconds,
		Keyframe: isKeyframe(es.codecTag, esPayload),
	}
	if header.hasPTS {
		ptsSeconds := float64(header.pts)/90000 - es.firstDTS
		pkt.HasExplicitPTS = true
		pkt.PTS = ptsSeconds
	}
	d.queue = append(d.queue, pkt)
}
