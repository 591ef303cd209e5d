package mp4

import (
	"github.com/snapetech/containerkit/byteio"
	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

const chapterTimescale = 1000 // ms-resolution ticks, matching Chapter.Start's time.Duration granularity

// buildChapterTrack turns m.chapters into a synthetic text track: one
// sample per chapter of {u16 be length, utf-8 title}, each running until
// the next chapter's start (the last chapter runs to the movie's end).
func (m *Muxer) buildChapterTrack() *muxTrack {
	t := &muxTrack{
		Track: container.Track{
			ID:       len(m.tracks) + 1,
			Index:    len(m.tracks),
			Kind:     container.KindSubtitle,
			CodecTag: "text",
		},
		timescale: chapterTimescale,
	}
	movieEnd := m.movieDurationUnits()
	for i, ch := range m.chapters {
		startTicks := uint64(ch.Start.Milliseconds())
		var duration uint64
		if i+1 < len(m.chapters) {
			duration = uint64(m.chapters[i+1].Start.Milliseconds()) - startTicks
		} else if movieEnd > startTicks {
			duration = movieEnd - startTicks
		} else {
			duration = 1000
		}
		title := []byte(ch.Title)
		data := append(byte16(uint16(len(title))), title...)
		t.samples = append(t.samples, muxSample{data: data, duration: duration, keyframe: true})
	}
	return t
}

// buildUdta emits udta/meta(hdlr(mdir,appl)/ilst) for the configured
// Metadata, and udta/chpl with the Nero chapter list, when either is set.
func (m *Muxer) buildUdta() []byte {
	var children [][]byte
	if m.meta != nil {
		children = append(children, m.buildMeta())
	}
	if len(m.chapters) > 0 {
		children = append(children, buildChpl(m.chapters))
	}
	if len(children) == 0 {
		return nil
	}
	return encodeBox(isobmff.TypeUdta, concatBoxes(children...))
}

var typeMdirHdlr = byteio.NewFourCC("mdir")
var typeApplVendor = byteio.NewFourCC("appl")

func (m *Muxer) buildMeta() []byte {
	hdlrBody := append([]byte{}, zeros(4)...) // pre_defined
	hdlrBody = append(hdlrBody, typeMdirHdlr[:]...)
	hdlrBody = append(hdlrBody, typeApplVendor[:]...)
	hdlrBody = append(hdlrBody, zeros(8)...) // reserved[2]
	hdlrBody = append(hdlrBody, 0)           // empty name, NUL-terminated
	hdlr := encodeFullBox(isobmff.TypeHdlr, 0, 0, hdlrBody)

	ilst := m.buildIlst()
	return encodeFullBox(isobmff.TypeMeta, 0, 0, concatBoxes(hdlr, ilst))
}

// tagItem is one iTunes-style ilst atom name and its text value.
type tagItem struct {
	name isobmff.BoxType
	text string
}

func (m *Muxer) buildIlst() []byte {
	items := []tagItem{
		{byteio.NewFourCC("\xa9nam"), m.meta.Title},
		{byteio.NewFourCC("\xa9ART"), m.meta.Artist},
		{byteio.NewFourCC("aART"), m.meta.AlbumArtist},
		{byteio.NewFourCC("\xa9alb"), m.meta.Album},
		{byteio.NewFourCC("\xa9gen"), m.meta.Genre},
		{byteio.NewFourCC("\xa9day"), m.meta.Year},
		{byteio.NewFourCC("\xa9wrt"), m.meta.Writer},
		{byteio.NewFourCC("cprt"), m.meta.Copyright},
		{byteio.NewFourCC("\xa9cmt"), m.meta.Comment},
		{byteio.NewFourCC("\xa9too"), m.meta.Encoder},
		{byteio.NewFourCC("desc"), m.meta.Description},
	}
	var boxes [][]byte
	for _, it := range items {
		if it.text == "" {
			continue
		}
		boxes = append(boxes, buildTextItem(it.name, it.text))
	}
	for name, value := range m.meta.Custom {
		if value == "" || len(name) != 4 {
			continue
		}
		boxes = append(boxes, buildTextItem(byteio.NewFourCC(name), value))
	}
	if len(m.meta.CoverArt) > 0 {
		boxes = append(boxes, buildCoverItem(m.meta.CoverArt, m.meta.CoverArtIsPNG))
	}
	if len(boxes) == 0 {
		return nil
	}
	return encodeBox(isobmff.TypeIlst, concatBoxes(boxes...))
}

const (
	dataTypeUTF8 = 1
	dataTypeJPEG = 13
	dataTypePNG  = 14
)

func buildTextItem(name isobmff.BoxType, text string) []byte {
	data := buildDataAtom(dataTypeUTF8, []byte(text))
	return encodeBox(name, data)
}

var typeCovr = byteio.NewFourCC("covr")

func buildCoverItem(art []byte, isPNG bool) []byte {
	typeCode := uint32(dataTypeJPEG)
	if isPNG {
		typeCode = dataTypePNG
	}
	data := buildDataAtom(typeCode, art)
	return encodeBox(typeCovr, data)
}

var typeData = byteio.NewFourCC("data")

// buildDataAtom writes one ilst item's inner `data` atom: {size, 'data',
// type-code, locale=0, payload}.
func buildDataAtom(typeCode uint32, payload []byte) []byte {
	body := u32(typeCode)
	body = append(body, zeros(4)...) // locale
	body = append(body, payload...)
	return encodeBox(typeData, body)
}

// buildChpl writes a Nero udta/chpl list: version 1, entry count, then per
// chapter {u64 start-time in 100 ns units, u8 title length, title}.
func buildChpl(chapters []Chapter) []byte {
	body := []byte{1, 0} // version=1, reserved=0
	body = append(body, byte(len(chapters)))
	for _, ch := range chapters {
		hundredNS := uint64(ch.Start.Nanoseconds() / 100)
		body = append(body, u64(hundredNS)...)
		title := []byte(ch.Title)
		if len(title) > 255 {
			title = title[:255]
		}
		body = append(body, byte(len(title)))
		body = append(body, title...)
	}
	return encodeBox(isobmff.TypeChpl, body)
}
