package oggcontainer

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/snapetech/containerkit/container"
)

type muxTrack struct {
	container.Track
	serial      uint32
	pageSeq     uint32
	clockRate   float64
	wroteBOS    bool
	lastGranule int64
}

// Muxer writes an OGG bitstream container: one logical stream per track,
// one packet per page (the common, simplest-compliant approach: RFC 3533
// permits multiple packets per page but doesn't require it), BOS/EOS flags
// on each stream's first and last page.
type Muxer struct {
	target container.Target
	tracks []*muxTrack
}

// NewMuxer returns a muxer writing to target.
func NewMuxer(target container.Target) *Muxer {
	return &Muxer{target: target}
}

// AddTrack registers a track as its own logical OGG bitstream. OGG has no
// subtitle encapsulation defined by this pager, so a subtitle track is
// rejected as a container/config mismatch.
func (m *Muxer) AddTrack(tr container.Track) (int, error) {
	if tr.Kind == container.KindSubtitle {
		return 0, container.NewError(container.ErrConfigMismatch, "oggcontainer", "AddTrack", fmt.Errorf("OGG pager has no subtitle encapsulation"))
	}
	tr.ID = len(m.tracks) + 1
	mt := &muxTrack{Track: tr, serial: m.newSerial(), clockRate: granuleClockRate(tr)}
	m.tracks = append(m.tracks, mt)
	return tr.ID, nil
}

func (m *Muxer) newSerial() uint32 {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		s := rng.Uint32()
		collision := false
		for _, t := range m.tracks {
			if t.serial == s {
				collision = true
				break
			}
		}
		if !collision {
			return s
		}
	}
}

// granuleClockRate picks the per-track granule-to-seconds divisor: Opus is
// always 48kHz per RFC 7845 regardless of the track's declared sample rate;
// any other audio track uses its own declared sample rate; video tracks
// (e.g. theora) have no simple linear granule-to-time mapping this pager
// resolves, so they're left at 0 (raw granule count passed through, per
// spec.md's documented coarse-timestamp allowance).
func granuleClockRate(tr container.Track) float64 {
	if tr.CodecTag == "opus" {
		return 48000
	}
	if tr.Kind == container.KindAudio && tr.SampleRate > 0 {
		return float64(tr.SampleRate)
	}
	return 0
}

func (m *Muxer) trackByID(id int) *muxTrack {
	for _, t := range m.tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// WritePacket writes pkt as its own page, on its track's logical stream.
// A track's first packet is written with the BOS flag; its CodecPrivate
// (if set) is written as its own leading page ahead of the first real
// packet, mirroring every other muxer in this module's CodecPrivate
// convention (a single raw identification blob, not a full multi-packet
// header sequence).
func (m *Muxer) WritePacket(pkt *container.Packet) error {
	mt := m.trackByID(pkt.TrackID)
	if mt == nil {
		return fmt.Errorf("oggcontainer: WritePacket: unknown track %d", pkt.TrackID)
	}

	headerType := byte(0)
	if !mt.wroteBOS {
		headerType |= flagBOS
		if len(mt.CodecPrivate) > 0 {
			if err := m.writePage(mt, flagBOS, 0, mt.CodecPrivate); err != nil {
				return err
			}
			headerType = 0
		}
		mt.wroteBOS = true
	}

	granule := mt.granuleFor(pkt)
	mt.lastGranule = granule
	return m.writePage(mt, headerType, granule, pkt.Data)
}

func (mt *muxTrack) granuleFor(pkt *container.Packet) int64 {
	if mt.clockRate > 0 {
		return int64(pkt.DTS * mt.clockRate)
	}
	return int64(pkt.DTS)
}

func (m *Muxer) writePage(mt *muxTrack, headerType byte, granule int64, payload []byte) error {
	page := encodePage(headerType, granule, mt.serial, mt.pageSeq, payload)
	mt.pageSeq++
	_, err := m.target.Write(page)
	return err
}

// Finalize writes an empty EOS page for every track that has written at
// least one page, closing each logical bitstream.
func (m *Muxer) Finalize() error {
	for _, mt := range m.tracks {
		if !mt.wroteBOS {
			continue
		}
		if err := m.writePage(mt, flagEOS, mt.lastGranule, nil); err != nil {
			return err
		}
	}
	return nil
}
