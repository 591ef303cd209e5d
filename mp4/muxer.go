package mp4

import (
	"fmt"
	"time"

	"github.com/snapetech/containerkit/aac"
	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

// Brand selects ftyp's major brand.
type Brand string

const (
	BrandISOM Brand = "isom"
	BrandQT   Brand = "qt  "
	BrandCMAF Brand = "cmfc"
)

// Chapter is one QuickTime/Nero chapter marker: a title and its start time.
type Chapter struct {
	Title string
	Start time.Duration
}

// Metadata holds the udta/meta/ilst tags a progressive muxer can emit.
type Metadata struct {
	Title    string
	Artist   string
	AlbumArtist string
	Album    string
	Genre    string
	Year     string
	Writer   string
	Copyright string
	Comment  string
	Encoder  string
	Description string
	Custom   map[string]string

	CoverArt       []byte
	CoverArtIsPNG  bool // false selects the jpeg type code
}

// muxTrack buffers one track's configuration and sample payloads between
// AddTrack/WritePacket and Finalize.
type muxTrack struct {
	container.Track
	timescale  uint64
	samples    []muxSample
	mdatOffset int64 // absolute offset of this track's first sample, set per Finalize pass
}

type muxSample struct {
	data     []byte
	duration uint64 // in the track's media timescale
	cts      int64
	keyframe bool
}

// Muxer buffers per-track sample metadata and payload bytes in memory and
// produces a progressive ("fast-start") ISOBMFF file at Finalize, with
// optional QuickTime/Nero chapters and udta/meta/ilst metadata.
type Muxer struct {
	target container.Target

	brand            Brand
	compatibleBrands []string

	tracks       []*muxTrack
	chapters     []Chapter
	meta         *Metadata
	chapterTrack *muxTrack // built from chapters at Finalize

	finalized bool
}

const movieTimescale = 1000

// NewMuxer returns a progressive muxer writing to target with the given
// major brand (BrandISOM if empty).
func NewMuxer(target container.Target, brand Brand) *Muxer {
	if brand == "" {
		brand = BrandISOM
	}
	compat := []string{"isom", "iso2", "mp41"}
	if brand == BrandQT {
		compat = []string{"qt  "}
	} else if brand == BrandCMAF {
		compat = []string{"isom", "iso6", "cmfc"}
	}
	return &Muxer{target: target, brand: brand, compatibleBrands: compat}
}

// AddTrack registers a track's configuration (codec, dimensions, etc.) and
// returns its assigned track ID (1-based, in add order). The error return
// exists to satisfy the same Muxer shape as mpegts/oggcontainer (codec-copy
// callers like convert.Run drive any of the three interchangeably); this
// muxer accepts any container.Track and never fails to register one.
func (m *Muxer) AddTrack(tr container.Track) (int, error) {
	tr.ID = len(m.tracks) + 1
	mt := &muxTrack{Track: tr, timescale: mediaTimescale(tr)}
	m.tracks = append(m.tracks, mt)
	return tr.ID, nil
}

// mediaTimescale picks the per-track media timescale: round(fps*1000) for
// video, the sample rate for audio, 1000 for subtitles.
func mediaTimescale(tr container.Track) uint64 {
	switch tr.Kind {
	case container.KindVideo:
		if tr.FrameRate > 0 {
			return uint64(tr.FrameRate*1000 + 0.5)
		}
		return 30000
	case container.KindAudio:
		if tr.SampleRate > 0 {
			return uint64(tr.SampleRate)
		}
		return 48000
	default:
		return 1000
	}
}

// SetChapters configures the QuickTime text-track and Nero chpl chapter
// lists emitted at Finalize.
func (m *Muxer) SetChapters(chapters []Chapter) { m.chapters = chapters }

// SetMetadata configures the udta/meta/ilst tags emitted at Finalize.
func (m *Muxer) SetMetadata(md Metadata) { m.meta = &md }

// WritePacket buffers one packet's payload and timing against the track it
// names. Packets for a track must arrive in presentation order within
// that track; cross-track ordering doesn't matter since all payload is
// buffered until Finalize.
func (m *Muxer) WritePacket(pkt *container.Packet) error {
	mt := m.trackByID(pkt.TrackID)
	if mt == nil {
		return fmt.Errorf("mp4: WritePacket: unknown track %d", pkt.TrackID)
	}
	duration := uint64(pkt.Duration * float64(mt.timescale))
	var cts int64
	if pkt.HasCTS {
		cts = int64(pkt.CTS * float64(mt.timescale))
	}
	mt.samples = append(mt.samples, muxSample{
		data:     pkt.Data,
		duration: duration,
		cts:      cts,
		keyframe: pkt.Keyframe,
	})
	return nil
}

func (m *Muxer) trackByID(id int) *muxTrack {
	for _, t := range m.tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Finalize builds the provisional moov to learn its size, rebuilds it with
// final chunk offsets (one sample per chunk), then writes ftyp, moov, and
// a concatenated mdat of every buffered sample in track-then-sample order.
func (m *Muxer) Finalize() error {
	if m.finalized {
		return fmt.Errorf("mp4: Finalize called twice")
	}
	m.finalized = true

	if len(m.chapters) > 0 {
		m.chapterTrack = m.buildChapterTrack()
	}

	ftyp := m.buildFtyp()

	provisional := m.buildMoov(0)
	mdatStart := int64(len(ftyp)) + int64(len(provisional)) + 8
	final := m.buildMoov(mdatStart)

	if _, err := m.target.Seek(0, 0); err != nil {
		return fmt.Errorf("mp4: Finalize: %w", err)
	}
	if _, err := m.target.Write(ftyp); err != nil {
		return err
	}
	if _, err := m.target.Write(final); err != nil {
		return err
	}

	totalPayload := int64(0)
	for _, t := range m.allTracks() {
		for _, s := range t.samples {
			totalPayload += int64(len(s.data))
		}
	}
	mdatBoxSize := totalPayload + 8
	if err := isobmff.WriteBoxHeader(m.target, isobmff.TypeMdat, mdatBoxSize); err != nil {
		return err
	}
	for _, t := range m.allTracks() {
		for _, s := range t.samples {
			if _, err := m.target.Write(s.data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Muxer) buildFtyp() []byte {
	body := []byte(m.brand)
	body = append(body, u32(0)...) // minor_version
	for _, c := range m.compatibleBrands {
		body = append(body, []byte(c)...)
	}
	return encodeBox(isobmff.TypeFtyp, body)
}

// aacESDS wraps a bare AudioSpecificConfig (as stored on
// container.Track.CodecPrivate for "aac") in an esds box payload.
func aacESDS(codecPrivate []byte) ([]byte, error) {
	asc, err := aac.ParseAudioSpecificConfig(codecPrivate)
	if err != nil {
		return nil, fmt.Errorf("mp4: aacESDS: %w", err)
	}
	esd := &aac.ElementaryStreamDescriptor{ASC: asc, ASCRaw: codecPrivate}
	return esd.Marshal()
}
