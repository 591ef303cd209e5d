package mp4

import (
	"bytes"
	"errors"
	"io"
	"log"

	"github.com/snapetech/containerkit/byteio"
	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

var (
	errMissingTkhd = errors.New("mp4: trak missing tkhd")
	errMissingMdia = errors.New("mp4: trak missing mdia")
	errMissingMdhd = errors.New("mp4: mdia missing mdhd")
	errMissingHdlr = errors.New("mp4: mdia missing hdlr")
)

// Demuxer reads tracks and packets out of a progressive or fragmented
// ISOBMFF Source: ftyp brand, moov track metadata and sample tables, and
// (when moof boxes are present) fragment-by-fragment trun expansion.
type Demuxer struct {
	src    container.Source
	logger *log.Logger

	majorBrand        string
	compatibleBrands  []string
	fragmented        bool
	movieTimescale    uint64

	tracks    []*track
	trackByID map[int]*track

	// Fragment state, populated only when fragmented is true.
	moofs      []box
	moofCursor int
	fragTracks map[int]*fragTrackState
}

// fragTrackState accumulates the samples decoded from the moof/traf/trun
// currently being iterated for one track, parsed lazily as with mkv's
// cluster-at-a-time model.
type fragTrackState struct {
	samples []fragSample
	cursor  int
	baseDTS uint64
}

type fragSample struct {
	offset   int64
	size     uint32
	duration uint64
	cts      int64
	keyframe bool
}

// Open parses ftyp and moov (track metadata and sample tables). If a moof
// box is found at the top level, the file is treated as fragmented and
// ReadPacket expands fragments lazily instead of reading moov sample
// tables.
//
// logger receives a line for every recoverable parse gap Open and the
// track builders swallow rather than fail on (an unrecognized or absent
// extension box, for instance). A nil logger, or none passed at all,
// selects log.Default().
func Open(src container.Source, logger ...*log.Logger) (*Demuxer, error) {
	lg := firstLogger(logger)

	size, err := srcSize(src)
	if err != nil {
		return nil, err
	}
	top, err := readBoxes(src, 0, size)
	if err != nil {
		return nil, err
	}

	d := &Demuxer{src: src, logger: lg, trackByID: map[int]*track{}, movieTimescale: 1000}

	if ftypBox, ok := find(top, isobmff.TypeFtyp); ok {
		data, err := boxPayload(src, ftypBox)
		if err != nil {
			return nil, err
		}
		d.majorBrand, d.compatibleBrands = parseFtyp(data)
	}

	if _, hasMoof := find(top, isobmff.TypeMoof); hasMoof {
		d.fragmented = true
	}

	moovBox, ok := find(top, isobmff.TypeMoov)
	if !ok {
		return nil, container.NewError(container.ErrMalformed, "mp4", "Open", errors.New("missing moov"))
	}
	if mvhdBox, ok := find(moovBox.children, isobmff.TypeMvhd); ok {
		data, err := boxPayload(src, mvhdBox)
		if err == nil {
			if ts, ok := parseMvhdTimescale(data); ok {
				d.movieTimescale = ts
			}
		}
	}

	trakBoxes := findAll(moovBox.children, isobmff.TypeTrak)
	for i, tb := range trakBoxes {
		tr, err := buildTrack(src, tb, i, lg)
		if err != nil {
			return nil, err
		}
		d.tracks = append(d.tracks, tr)
		d.trackByID[tr.ID] = tr
	}

	if d.fragmented {
		d.moofs = findAll(top, isobmff.TypeMoof)
		d.fragTracks = map[int]*fragTrackState{}
	}

	return d, nil
}

// firstLogger returns the first logger in loggers, or log.Default() if
// loggers is empty or its first element is nil.
func firstLogger(loggers []*log.Logger) *log.Logger {
	if len(loggers) == 0 || loggers[0] == nil {
		return log.Default()
	}
	return loggers[0]
}

func parseFtyp(data []byte) (majorBrand string, compatible []string) {
	r := bytes.NewReader(data)
	major, err := byteio.ReadFourCC(r)
	if err != nil {
		return "", nil
	}
	if _, err := byteio.ReadU32(r); err != nil { // minor_version
		return major.String(), nil
	}
	var brands []string
	for {
		b, err := byteio.ReadFourCC(r)
		if err != nil {
			break
		}
		brands = append(brands, b.String())
	}
	return major.String(), brands
}

func parseMvhdTimescale(data []byte) (uint64, bool) {
	r := bytes.NewReader(data)
	fb, err := isobmff.ReadFullBoxHeader(r)
	if err != nil {
		return 0, false
	}
	if fb.Version == 1 {
		if _, err := byteio.ReadU64(r); err != nil {
			return 0, false
		}
		if _, err := byteio.ReadU64(r); err != nil {
			return 0, false
		}
	} else {
		if _, err := byteio.ReadU32(r); err != nil {
			return 0, false
		}
		if _, err := byteio.ReadU32(r); err != nil {
			return 0, false
		}
	}
	ts, err := byteio.ReadU32(r)
	if err != nil {
		return 0, false
	}
	return uint64(ts), true
}

// Tracks returns each track's common model, in trak order.
func (d *Demuxer) Tracks() []container.Track {
	out := make([]container.Track, len(d.tracks))
	for i, t := range d.tracks {
		out[i] = t.Track
	}
	return out
}

// MajorBrand returns ftyp's declared major brand.
func (d *Demuxer) MajorBrand() string { return d.majorBrand }

// Fragmented reports whether the source carries moof boxes.
func (d *Demuxer) Fragmented() bool { return d.fragmented }

// ReadPacket returns the next packet in ascending-offset file order across
// all tracks for progressive files, or in fragment arrival order for
// fragmented ones. It returns io.EOF once every track is exhausted.
func (d *Demuxer) ReadPacket() (*container.Packet, error) {
	if d.fragmented {
		return d.readFragmentedPacket()
	}
	return d.readProgressivePacket()
}

// readProgressivePacket picks, among all tracks with an unread sample, the
// one whose next sample starts earliest in the file, so packets are
// returned in physical (and therefore roughly decode) order.
func (d *Demuxer) readProgressivePacket() (*container.Packet, error) {
	var chosen *track
	var chosenOffset int64 = -1
	for _, t := range d.tracks {
		if t.cursor >= len(t.samples) {
			continue
		}
		off := t.samples[t.cursor].offset
		if chosen == nil || off < chosenOffset {
			chosen = t
			chosenOffset = off
		}
	}
	if chosen == nil {
		return nil, io.EOF
	}
	return chosen.nextPacket(d.src)
}

// Seek advances every progressive track's cursor to its last keyframe
// sample whose dts is <= t seconds, so the next packet delivered on each
// track is that keyframe. Fragmented sources don't support seeking through
// this API; the caller re-demuxes from the desired fragment instead.
func (d *Demuxer) Seek(t float64) error {
	if d.fragmented {
		return container.NewError(container.ErrUnsupported, "mp4", "Seek", errors.New("seeking a fragmented source is not supported"))
	}
	for _, tr := range d.tracks {
		tr.seekTo(t)
	}
	return nil
}

// seekTo finds the last keyframe sample whose cumulative dts is <= t
// (converted to the track's media timescale) and rewinds the cursor and
// running dts accumulator to it.
func (t *track) seekTo(seconds float64) {
	if t.timescale == 0 || len(t.samples) == 0 {
		return
	}
	target := uint64(seconds * float64(t.timescale))
	var accum uint64
	bestIdx := 0
	var bestAccum uint64
	for i, s := range t.samples {
		if s.keyframe && accum <= target {
			bestIdx = i
			bestAccum = accum
		}
		accum += s.duration
	}
	t.cursor = bestIdx
	t.dtsAccum = bestAccum
}

func (t *track) nextPacket(src container.Source) (*container.Packet, error) {
	s := t.samples[t.cursor]
	t.cursor++

	buf := make([]byte, s.size)
	if _, err := src.ReadAt(buf, s.offset); err != nil && err != io.EOF {
		return nil, container.NewError(container.ErrTruncated, "mp4", "nextPacket", err)
	}

	dts := float64(t.dtsAccum) / float64(t.timescale)
	t.dtsAccum += s.duration

	pkt := &container.Packet{
		TrackID:  t.ID,
		Data:     buf,
		DTS:      dts,
		Duration: float64(s.duration) / float64(t.timescale),
		Keyframe: s.keyframe,
	}
	if s.ctsOffset != 0 {
		pkt.HasCTS = true
		pkt.CTS = float64(s.ctsOffset) / float64(t.timescale)
	}
	return pkt, nil
}
