package oggcontainer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/snapetech/containerkit/container"
)

// maxScanPages bounds how far Open reads looking for every logical
// bitstream's BOS page before giving up.
const maxScanPages = 256

type oggStream struct {
	serial     uint32
	codecTag   string
	kind       container.Kind
	trackIndex int
	clockRate  float64 // granule units per second; 0 means "raw, undivided"

	pending []byte // bytes of a packet still awaiting its terminating lace
	ended   bool
}

// Demuxer reads an OGG bitstream container: one logical stream per page
// serial number, packets reassembled across continuation pages per the
// segment-table lacing rule.
type Demuxer struct {
	src container.Source

	streams map[uint32]*oggStream
	tracks  []container.Track

	queue []*container.Packet
	eof   bool
}

// Open scans forward from the start of src collecting every logical
// stream's BOS page to build the track list, then rewinds src so
// ReadPacket starts from the first page.
func Open(src container.Source) (*Demuxer, error) {
	d := &Demuxer{src: src, streams: map[uint32]*oggStream{}}

	for i := 0; i < maxScanPages; i++ {
		h, _, payload, err := readPage(src)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, container.NewError(container.ErrMalformed, "oggcontainer", "Open", err)
		}
		if !h.bos() {
			if len(d.streams) > 0 {
				break // first non-BOS page: every stream's identification page has arrived
			}
			continue
		}
		if _, exists := d.streams[h.serial]; exists {
			continue
		}
		tag, kind, rate := sniffCodec(payload)
		tr := container.Track{ID: len(d.tracks) + 1, Index: len(d.tracks), Kind: kind, CodecTag: tag, CodecPrivate: bytes.Clone(payload)}
		if kind == container.KindAudio && rate > 0 {
			tr.SampleRate = int(rate)
		}
		d.tracks = append(d.tracks, tr)
		d.streams[h.serial] = &oggStream{serial: h.serial, codecTag: tag, kind: kind, trackIndex: len(d.tracks) - 1, clockRate: rate}
	}
	if len(d.tracks) == 0 {
		return nil, container.NewError(container.ErrMalformed, "oggcontainer", "Open", fmt.Errorf("no BOS pages found in first %d pages", maxScanPages))
	}

	if _, err := d.src.Seek(0, io.SeekStart); err != nil {
		return nil, container.NewError(container.ErrMalformed, "oggcontainer", "Open", err)
	}
	return d, nil
}

// Tracks returns the tracks built from each logical stream's BOS page.
func (d *Demuxer) Tracks() []container.Track { return d.tracks }

// ReadPacket returns the next reassembled packet in page arrival order.
// Returns io.EOF once every stream has delivered its final packet.
func (d *Demuxer) ReadPacket() (*container.Packet, error) {
	for len(d.queue) == 0 {
		if d.eof {
			return nil, io.EOF
		}
		if err := d.readOnePage(); err != nil {
			if err == io.EOF {
				d.eof = true
				continue
			}
			return nil, err
		}
	}
	pkt := d.queue[0]
	d.queue = d.queue[1:]
	return pkt, nil
}

func (d *Demuxer) readOnePage() error {
	h, segTable, payload, err := readPage(d.src)
	if err != nil {
		return err
	}
	st := d.streams[h.serial]
	if st == nil {
		return nil // a stream whose BOS page Open never saw within its scan window
	}
	if st.ended {
		return nil
	}
	if h.bos() {
		return nil // the BOS page's payload is already the track's CodecPrivate (see Open)
	}

	packets, lastContinues := splitLacedPackets(segTable, payload)
	for i, p := range packets {
		if i == 0 && h.continuation() && st.pending != nil {
			p = append(st.pending, p...)
			st.pending = nil
		}
		complete := !(i == len(packets)-1 && lastContinues)
		if !complete {
			st.pending = append(st.pending, p...)
			continue
		}
		d.emit(st, h, p)
	}
	if h.eos() {
		st.ended = true
		if len(st.pending) > 0 {
			d.emit(st, h, st.pending)
			st.pending = nil
		}
	}
	return nil
}

func (d *Demuxer) emit(st *oggStream, h pageHeader, data []byte) {
	if len(data) == 0 {
		return
	}
	granule := float64(h.granulePos)
	var seconds float64
	if st.clockRate > 0 {
		seconds = granule / st.clockRate
	} else {
		seconds = granule // coarse fallback: raw granule count, per spec.md's documented ambiguity
	}
	d.queue = append(d.queue, &container.Packet{
		TrackID: st.trackIndex + 1,
		Data:    bytes.Clone(data),
		DTS:     seconds,
	})
}
