package mp4

import (
	"github.com/snapetech/containerkit/byteio"
	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

// buildMoov builds the full moov tree. mdatStart is the absolute file
// offset of the first sample byte; pass 0 for the provisional
// size-measurement pass.
func (m *Muxer) buildMoov(mdatStart int64) []byte {
	chapterTrackID := 0
	if m.chapterTrack != nil {
		chapterTrackID = m.chapterTrack.ID
	}

	var trakBoxes [][]byte
	offset := mdatStart
	for _, t := range m.allTracks() {
		trakBoxes = append(trakBoxes, m.buildTrak(t, offset, chapterTrackID))
		for _, s := range t.samples {
			offset += int64(len(s.data))
		}
	}

	movieDuration := m.movieDurationUnits()
	mvhd := m.buildMvhd(movieDuration)

	children := [][]byte{mvhd}
	children = append(children, trakBoxes...)

	if udta := m.buildUdta(); udta != nil {
		children = append(children, udta)
	}

	return encodeBox(isobmff.TypeMoov, concatBoxes(children...))
}

func (m *Muxer) allTracks() []*muxTrack {
	if m.chapterTrack == nil {
		return m.tracks
	}
	return append(append([]*muxTrack{}, m.tracks...), m.chapterTrack)
}

func (m *Muxer) movieDurationUnits() uint64 {
	var maxDuration uint64
	for _, t := range m.allTracks() {
		var total uint64
		for _, s := range t.samples {
			total += s.duration
		}
		if t.timescale == 0 {
			continue
		}
		inMovie := total * movieTimescale / t.timescale
		if inMovie > maxDuration {
			maxDuration = inMovie
		}
	}
	return maxDuration
}

// buildMvhd writes mvhd with rate 0x00010000, volume 0x0100, an identity
// matrix (c = 0x40000000), and a version-1 64-bit duration only when the
// duration exceeds a 32-bit field's range.
func (m *Muxer) buildMvhd(duration uint64) []byte {
	var body []byte
	nextTrackID := uint32(len(m.tracks) + 1)
	if duration > 0xFFFFFFFF {
		body = append(body, zeros(8)...) // creation_time
		body = append(body, zeros(8)...) // modification_time
		body = append(body, u32(movieTimescale)...)
		body = append(body, u64(duration)...)
	} else {
		body = append(body, zeros(4)...)
		body = append(body, zeros(4)...)
		body = append(body, u32(movieTimescale)...)
		body = append(body, u32(uint32(duration))...)
	}
	body = append(body, u32(0x00010000)...) // rate
	body = append(body, []byte{0x01, 0x00}...) // volume 8.8
	body = append(body, zeros(2)...)           // reserved
	body = append(body, zeros(8)...)           // reserved[2]
	body = append(body, identityMatrix()...)
	body = append(body, zeros(24)...) // pre_defined[6]
	body = append(body, u32(nextTrackID)...)

	version := uint8(0)
	if duration > 0xFFFFFFFF {
		version = 1
	}
	return encodeFullBox(isobmff.TypeMvhd, version, 0, body)
}

func identityMatrix() []byte {
	vals := [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	var out []byte
	for _, v := range vals {
		out = append(out, i32(v)...)
	}
	return out
}

func zeros(n int) []byte { return make([]byte, n) }

func i32(v int32) []byte { return u32(uint32(v)) }

func u64(v uint64) []byte {
	var buf [8]byte
	b := buf[:]
	_ = byteio.WriteU64(sliceWriter{&b}, v)
	return buf[:]
}

// sliceWriter adapts a pre-sized byte slice to io.Writer for the small
// fixed-width helpers above.
type sliceWriter struct{ p *[]byte }

func (w sliceWriter) Write(p []byte) (int, error) {
	copy(*w.p, p)
	return len(p), nil
}

func (m *Muxer) buildTrak(t *muxTrack, mdatOffset int64, chapterTrackID int) []byte {
	t.mdatOffset = mdatOffset
	trackDuration := uint64(0)
	var total uint64
	for _, s := range t.samples {
		total += s.duration
	}
	if t.timescale > 0 {
		trackDuration = total * movieTimescale / t.timescale
	}

	tkhd := m.buildTkhd(t, trackDuration)
	mdia := m.buildMdia(t, total)

	children := [][]byte{tkhd}
	if chapterTrackID != 0 && t.Kind == container.KindAudio {
		children = append(children, buildTrefChap(chapterTrackID))
	}
	children = append(children, mdia)
	return encodeBox(isobmff.TypeTrak, concatBoxes(children...))
}

var typeChap = byteio.NewFourCC("chap")

func buildTrefChap(chapterTrackID int) []byte {
	chap := encodeBox(typeChap, u32(uint32(chapterTrackID)))
	return encodeBox(isobmff.TypeTref, chap)
}

func (m *Muxer) buildTkhd(t *muxTrack, trackDuration uint64) []byte {
	var body []byte
	version := uint8(0)
	if trackDuration > 0xFFFFFFFF {
		version = 1
	}
	if version == 1 {
		body = append(body, zeros(8)...)
		body = append(body, zeros(8)...)
		body = append(body, u32(uint32(t.ID))...)
		body = append(body, zeros(4)...)
		body = append(body, u64(trackDuration)...)
	} else {
		body = append(body, zeros(4)...)
		body = append(body, zeros(4)...)
		body = append(body, u32(uint32(t.ID))...)
		body = append(body, zeros(4)...)
		body = append(body, u32(uint32(trackDuration))...)
	}
	body = append(body, zeros(8)...) // reserved[2]
	body = append(body, zeros(2)...) // layer
	body = append(body, zeros(2)...) // alternate_group
	if t.Kind == container.KindAudio {
		body = append(body, []byte{0x01, 0x00}...) // volume 1.0
	} else {
		body = append(body, zeros(2)...)
	}
	body = append(body, zeros(2)...) // reserved
	body = append(body, rotationMatrix(t.Rotation)...)
	width, height := uint32(t.Width)<<16, uint32(t.Height)<<16
	body = append(body, u32(width)...)
	body = append(body, u32(height)...)

	flags := uint32(0x000007) // track_enabled | track_in_movie | track_in_preview
	return encodeFullBox(isobmff.TypeTkhd, version, flags, body)
}

func rotationMatrix(r container.Rotation) []byte {
	var vals [9]int32
	switch r {
	case container.Rotation90:
		vals = [9]int32{0, 0x00010000, 0, -0x00010000, 0, 0, 0, 0, 0x40000000}
	case container.Rotation180:
		vals = [9]int32{-0x00010000, 0, 0, 0, -0x00010000, 0, 0, 0, 0x40000000}
	case container.Rotation270:
		vals = [9]int32{0, -0x00010000, 0, 0x00010000, 0, 0, 0, 0, 0x40000000}
	default:
		vals = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	}
	var out []byte
	for _, v := range vals {
		out = append(out, i32(v)...)
	}
	return out
}

func (m *Muxer) buildMdia(t *muxTrack, durationInMediaUnits uint64) []byte {
	mdhd := buildMdhd(t, durationInMediaUnits)
	hdlr := buildHdlr(t)
	minf := m.buildMinf(t)
	return encodeBox(isobmff.TypeMdia, concatBoxes(mdhd, hdlr, minf))
}

func buildMdhd(t *muxTrack, duration uint64) []byte {
	lang := t.Language
	if len(lang) != 3 {
		lang = "und"
	}
	packed, _ := isobmff.WritePackedLanguage(lang)

	version := uint8(0)
	if duration > 0xFFFFFFFF {
		version = 1
	}
	var body []byte
	if version == 1 {
		body = append(body, zeros(8)...)
		body = append(body, zeros(8)...)
		body = append(body, u32(uint32(t.timescale))...)
		body = append(body, u64(duration)...)
	} else {
		body = append(body, zeros(4)...)
		body = append(body, zeros(4)...)
		body = append(body, u32(uint32(t.timescale))...)
		body = append(body, u32(uint32(duration))...)
	}
	body = append(body, byte16(packed)...)
	body = append(body, zeros(2)...) // pre_defined
	return encodeFullBox(isobmff.TypeMdhd, version, 0, body)
}

func byte16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func buildHdlr(t *muxTrack) []byte {
	var handlerType isobmff.BoxType
	var name string
	switch t.Kind {
	case container.KindVideo:
		handlerType = handlerVideo
		name = "VideoHandler"
	case container.KindAudio:
		handlerType = handlerAudio
		name = "SoundHandler"
	default:
		handlerType = handlerSubt
		name = "SubtitleHandler"
	}
	var body []byte
	body = append(body, zeros(4)...) // pre_defined
	body = append(body, handlerType[:]...)
	body = append(body, zeros(12)...) // reserved[3]
	body = append(body, []byte(name)...)
	body = append(body, 0) // NUL-terminated name
	return encodeFullBox(isobmff.TypeHdlr, 0, 0, body)
}

func (m *Muxer) buildMinf(t *muxTrack) []byte {
	var mediaHeader []byte
	switch t.Kind {
	case container.KindVideo:
		mediaHeader = encodeFullBox(isobmff.TypeVmhd, 0, 1, zeros(8))
	case container.KindAudio:
		mediaHeader = encodeFullBox(isobmff.TypeSmhd, 0, 0, zeros(4))
	default:
		mediaHeader = encodeFullBox(isobmff.TypeNmhd, 0, 0, nil)
	}
	dinf := buildDinf()
	stbl := buildStbl(t)
	return encodeBox(isobmff.TypeMinf, concatBoxes(mediaHeader, dinf, stbl))
}

var typeURL = byteio.NewFourCC("url ")

func buildDinf() []byte {
	urlBox := encodeFullBox(typeURL, 0, 1, nil)
	dref := encodeFullBox(isobmff.TypeDref, 0, 0, concatBoxes(u32(1), urlBox))
	return encodeBox(isobmff.TypeDinf, dref)
}
