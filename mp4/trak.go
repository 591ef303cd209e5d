package mp4

import (
	"bytes"
	"log"
	"math"

	"github.com/snapetech/containerkit/aac"
	"github.com/snapetech/containerkit/avc"
	"github.com/snapetech/containerkit/byteio"
	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/hevc"
	"github.com/snapetech/containerkit/isobmff"
)

// track is a demuxer-side parsed trak: the common container.Track fields
// plus the media timescale samples are expressed in and the expanded
// sample table to iterate over.
type track struct {
	container.Track
	timescale uint64
	samples   []sample
	cursor    int    // index of the next sample ReadPacket will emit
	dtsAccum  uint64 // running sum of prior samples' durations, in timescale units
}

var (
	handlerVideo = byteio.NewFourCC("vide")
	handlerAudio = byteio.NewFourCC("soun")
	handlerSubt  = byteio.NewFourCC("subt")
	handlerText  = byteio.NewFourCC("text")
	handlerSbtl  = byteio.NewFourCC("sbtl")
)

// buildTrack parses one trak box's full metadata tree (tkhd, mdia/mdhd,
// mdia/hdlr, stsd, and the sample table) into a track. logger receives a
// line for any extension box stsd's sample entry fails to parse, which
// buildTrack otherwise treats as a best-effort gap rather than a fatal
// error.
func buildTrack(src container.Source, trakBox box, index int, logger *log.Logger) (*track, error) {
	tkhdBox, ok := find(trakBox.children, isobmff.TypeTkhd)
	if !ok {
		return nil, container.NewError(container.ErrMalformed, "mp4", "buildTrack", errMissingTkhd)
	}
	tkhdData, err := boxPayload(src, tkhdBox)
	if err != nil {
		return nil, err
	}
	id, rotation, err := parseTkhd(tkhdData)
	if err != nil {
		return nil, err
	}

	mdiaBox, ok := find(trakBox.children, isobmff.TypeMdia)
	if !ok {
		return nil, container.NewError(container.ErrMalformed, "mp4", "buildTrack", errMissingMdia)
	}
	mdhdBox, ok := find(mdiaBox.children, isobmff.TypeMdhd)
	if !ok {
		return nil, container.NewError(container.ErrMalformed, "mp4", "buildTrack", errMissingMdhd)
	}
	mdhdData, err := boxPayload(src, mdhdBox)
	if err != nil {
		return nil, err
	}
	timescale, language, err := parseMdhd(mdhdData)
	if err != nil {
		return nil, err
	}

	hdlrBox, ok := find(mdiaBox.children, isobmff.TypeHdlr)
	if !ok {
		return nil, container.NewError(container.ErrMalformed, "mp4", "buildTrack", errMissingHdlr)
	}
	hdlrData, err := boxPayload(src, hdlrBox)
	if err != nil {
		return nil, err
	}
	kind := parseHandlerKind(hdlrData)

	t := &track{
		Track: container.Track{
			ID:       id,
			Index:    index,
			Kind:     kind,
			Language: language,
			Rotation: rotation,
		},
		timescale: timescale,
	}

	minfBox, ok := find(mdiaBox.children, isobmff.TypeMinf)
	if ok {
		if stblBox, ok := find(minfBox.children, isobmff.TypeStbl); ok {
			if stsdBox, ok := find(stblBox.children, isobmff.TypeStsd); ok {
				stsdData, err := boxPayload(src, stsdBox)
				if err != nil {
					return nil, err
				}
				if err := parseSampleEntry(stsdData, t, logger); err != nil {
					return nil, err
				}
			}
			samples, err := buildSampleTable(src, stblBox.children)
			if err != nil {
				return nil, err
			}
			t.samples = samples
		}
	}

	if kind == container.KindVideo && timescale > 0 {
		t.FrameRate = float64(timescale) / float64(averageDuration(t.samples))
	}
	return t, nil
}

func averageDuration(samples []sample) uint64 {
	if len(samples) == 0 {
		return 1
	}
	return samples[0].duration
}

// parseTkhd reads trackId and decodes rotation from the 3x3 display
// matrix (identity -> 0, [0 1; -1 0] -> 90, [-1 0; 0 -1] -> 180,
// [0 -1; 1 0] -> 270, tolerance +-0.01 on the 16.16 values).
func parseTkhd(data []byte) (id int, rotation container.Rotation, err error) {
	r := bytes.NewReader(data)
	fb, err := isobmff.ReadFullBoxHeader(r)
	if err != nil {
		return 0, 0, err
	}
	if fb.Version == 1 {
		if _, err := byteio.ReadU64(r); err != nil { // creation_time
			return 0, 0, err
		}
		if _, err := byteio.ReadU64(r); err != nil { // modification_time
			return 0, 0, err
		}
		trackID, err := byteio.ReadU32(r)
		if err != nil {
			return 0, 0, err
		}
		id = int(trackID)
		if _, err := byteio.ReadU32(r); err != nil { // reserved
			return 0, 0, err
		}
		if _, err := byteio.ReadU64(r); err != nil { // duration
			return 0, 0, err
		}
	} else {
		if _, err := byteio.ReadU32(r); err != nil {
			return 0, 0, err
		}
		if _, err := byteio.ReadU32(r); err != nil {
			return 0, 0, err
		}
		trackID, err := byteio.ReadU32(r)
		if err != nil {
			return 0, 0, err
		}
		id = int(trackID)
		if _, err := byteio.ReadU32(r); err != nil {
			return 0, 0, err
		}
		if _, err := byteio.ReadU32(r); err != nil {
			return 0, 0, err
		}
	}
	if _, err := byteio.ReadU64(r); err != nil { // reserved[2]
		return 0, 0, err
	}
	if _, err := byteio.ReadU16(r); err != nil { // layer
		return 0, 0, err
	}
	if _, err := byteio.ReadU16(r); err != nil { // alternate_group
		return 0, 0, err
	}
	if _, err := byteio.ReadU16(r); err != nil { // volume
		return 0, 0, err
	}
	if _, err := byteio.ReadU16(r); err != nil { // reserved
		return 0, 0, err
	}

	var matrix [9]int32
	for i := range matrix {
		v, err := byteio.ReadI32(r)
		if err != nil {
			return 0, 0, err
		}
		matrix[i] = v
	}
	return id, matrixRotation(matrix), nil
}

func matrixRotation(m [9]int32) container.Rotation {
	a := isobmff.FixedPoint16_16(m[0])
	b := isobmff.FixedPoint16_16(m[1])
	c := isobmff.FixedPoint16_16(m[3])
	d := isobmff.FixedPoint16_16(m[4])
	const tol = 0.01
	near := func(x, want float64) bool { return math.Abs(x-want) <= tol }
	switch {
	case near(a, 1) && near(b, 0) && near(c, 0) && near(d, 1):
		return container.Rotation0
	case near(a, 0) && near(b, 1) && near(c, -1) && near(d, 0):
		return container.Rotation90
	case near(a, -1) && near(b, 0) && near(c, 0) && near(d, -1):
		return container.Rotation180
	case near(a, 0) && near(b, -1) && near(c, 1) && near(d, 0):
		return container.Rotation270
	default:
		return container.Rotation0
	}
}

// parseMdhd reads the media timescale and the 5-bit-packed +0x60-biased
// language code.
func parseMdhd(data []byte) (timescale uint64, language string, err error) {
	r := bytes.NewReader(data)
	fb, err := isobmff.ReadFullBoxHeader(r)
	if err != nil {
		return 0, "", err
	}
	if fb.Version == 1 {
		if _, err := byteio.ReadU64(r); err != nil {
			return 0, "", err
		}
		if _, err := byteio.ReadU64(r); err != nil {
			return 0, "", err
		}
		ts, err := byteio.ReadU32(r)
		if err != nil {
			return 0, "", err
		}
		timescale = uint64(ts)
		if _, err := byteio.ReadU64(r); err != nil { // duration
			return 0, "", err
		}
	} else {
		if _, err := byteio.ReadU32(r); err != nil {
			return 0, "", err
		}
		if _, err := byteio.ReadU32(r); err != nil {
			return 0, "", err
		}
		ts, err := byteio.ReadU32(r)
		if err != nil {
			return 0, "", err
		}
		timescale = uint64(ts)
		if _, err := byteio.ReadU32(r); err != nil {
			return 0, "", err
		}
	}
	packed, err := byteio.ReadU16(r)
	if err != nil {
		return 0, "", err
	}
	return timescale, isobmff.ReadPackedLanguage(packed & 0x7FFF), nil
}

func parseHandlerKind(data []byte) container.Kind {
	r := bytes.NewReader(data)
	if _, err := isobmff.ReadFullBoxHeader(r); err != nil {
		return container.KindUnknown
	}
	if _, err := byteio.ReadU32(r); err != nil { // pre_defined
		return container.KindUnknown
	}
	handlerType, err := byteio.ReadFourCC(r)
	if err != nil {
		return container.KindUnknown
	}
	switch handlerType {
	case handlerVideo:
		return container.KindVideo
	case handlerAudio:
		return container.KindAudio
	case handlerSubt, handlerText, handlerSbtl:
		return container.KindSubtitle
	default:
		return container.KindUnknown
	}
}

// parseSampleEntry parses stsd's entry_count and the first sample entry
// (per the "first entry kept" rule), filling in codec and format-specific
// fields on t.
func parseSampleEntry(data []byte, t *track, logger *log.Logger) error {
	r := bytes.NewReader(data)
	if _, err := isobmff.ReadFullBoxHeader(r); err != nil {
		return err
	}
	entryCount, err := byteio.ReadU32(r)
	if err != nil || entryCount == 0 {
		return err
	}
	entrySize, err := byteio.ReadU32(r)
	if err != nil {
		return err
	}
	format, err := byteio.ReadFourCC(r)
	if err != nil {
		return err
	}
	rest := int(entrySize) - 8
	body, err := byteio.ReadBytes(r, rest)
	if err != nil {
		return err
	}
	br := bytes.NewReader(body)
	if _, err := byteio.ReadBytes(br, 6); err != nil { // reserved
		return err
	}
	if _, err := byteio.ReadU16(br); err != nil { // data_reference_index
		return err
	}

	switch t.Kind {
	case container.KindVideo:
		return parseVisualSampleEntry(format, br, t, logger)
	case container.KindAudio:
		return parseAudioSampleEntry(format, br, t)
	default:
		t.CodecTag = format.String()
		return nil
	}
}

func parseVisualSampleEntry(format isobmff.BoxType, r *bytes.Reader, t *track, logger *log.Logger) error {
	t.CodecTag = visualCodecTag(format)
	if _, err := byteio.ReadU16(r); err != nil { // pre_defined
		return err
	}
	if _, err := byteio.ReadU16(r); err != nil { // reserved
		return err
	}
	if _, err := byteio.ReadBytes(r, 12); err != nil { // pre_defined[3]
		return err
	}
	width, err := byteio.ReadU16(r)
	if err != nil {
		return err
	}
	height, err := byteio.ReadU16(r)
	if err != nil {
		return err
	}
	t.Width, t.Height = int(width), int(height)
	if _, err := byteio.ReadU32(r); err != nil { // horizresolution
		return err
	}
	if _, err := byteio.ReadU32(r); err != nil { // vertresolution
		return err
	}
	if _, err := byteio.ReadU32(r); err != nil { // reserved
		return err
	}
	if _, err := byteio.ReadU16(r); err != nil { // frame_count
		return err
	}
	if _, err := byteio.ReadBytes(r, 32); err != nil { // compressorname
		return err
	}
	if _, err := byteio.ReadU16(r); err != nil { // depth
		return err
	}
	if _, err := byteio.ReadI16(r); err != nil { // pre_defined = -1
		return err
	}

	rest, err := byteio.ReadBytes(r, r.Len())
	if err != nil {
		return err
	}
	boxes, err := readBoxesInMemory(rest)
	if err != nil {
		if logger != nil {
			logger.Printf("mp4:demux track=%d codec=%q extension boxes unreadable err=%v", t.ID, t.CodecTag, err)
		}
		return nil // extension boxes are best-effort; absence isn't fatal
	}
	if b, ok := findMem(boxes, isobmff.TypeAvcC); ok {
		t.CodecPrivate = b.data
		if rec, err := avc.ParseDecoderConfigurationRecord(b.data); err == nil && len(rec.SPS) > 0 {
			if sps, err := avc.ParseSPS(rec.SPS[0]); err == nil {
				t.Profile = sps.CodecString()
			}
		}
	} else if b, ok := findMem(boxes, isobmff.TypeHvcC); ok {
		t.CodecPrivate = b.data
		if rec, err := hevc.ParseRecord(b.data); err == nil && len(rec.SPS()) > 0 {
			if sps, err := hevc.ParseSPS(rec.SPS()[0]); err == nil {
				t.Profile = sps.CodecString()
			}
		}
	} else if b, ok := findMem(boxes, isobmff.TypeAv1C); ok {
		t.CodecPrivate = b.data
	}
	return nil
}

func parseAudioSampleEntry(format isobmff.BoxType, r *bytes.Reader, t *track) error {
	t.CodecTag = audioCodecTag(format)
	if _, err := byteio.ReadU64(r); err != nil { // reserved[2]
		return err
	}
	channels, err := byteio.ReadU16(r)
	if err != nil {
		return err
	}
	sampleSize, err := byteio.ReadU16(r)
	if err != nil {
		return err
	}
	t.ChannelCount = int(channels)
	t.BitsPerSample = int(sampleSize)
	if _, err := byteio.ReadU16(r); err != nil { // pre_defined
		return err
	}
	if _, err := byteio.ReadU16(r); err != nil { // reserved
		return err
	}
	sampleRate, err := byteio.ReadU32(r)
	if err != nil {
		return err
	}
	t.SampleRate = int(sampleRate >> 16)

	rest, err := byteio.ReadBytes(r, r.Len())
	if err != nil {
		return err
	}
	boxes, err := readBoxesInMemory(rest)
	if err != nil {
		return nil
	}
	if b, ok := findMem(boxes, isobmff.TypeEsds); ok {
		fbEnd := 4
		if len(b.data) > fbEnd {
			if esd, err := aac.ParseElementaryStreamDescriptor(b.data[fbEnd:]); err == nil {
				t.CodecPrivate = esd.ASCRaw
				if esd.ASC != nil {
					t.Profile = esd.ASC.CodecString()
					if t.SampleRate == 0 {
						t.SampleRate = esd.ASC.Rate()
					}
					if t.ChannelCount == 0 {
						t.ChannelCount = esd.ASC.ChannelCount()
					}
				}
			}
		}
	}
	return nil
}

func visualCodecTag(format isobmff.BoxType) string {
	switch format {
	case isobmff.TypeAvc1:
		return "h264"
	case isobmff.TypeHev1, isobmff.TypeHvc1:
		return "h265"
	case isobmff.TypeAv01:
		return "av1"
	default:
		return format.String()
	}
}

func audioCodecTag(format isobmff.BoxType) string {
	if format == isobmff.TypeMp4a {
		return "aac"
	}
	return format.String()
}
