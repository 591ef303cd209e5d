package mp4

import (
	"github.com/snapetech/containerkit/byteio"
	"github.com/snapetech/containerkit/isobmff"
)

// buildVisualSampleEntry writes avc1 or hev1, each with its nested avcC/
// hvcC decoder configuration box. Other video codecs fall back to a bare
// sample entry with no extension box: a real encoder-fed track always
// carries one of these two for progressive output, so this is a
// last-resort shape rather than a codec this muxer actively targets.
func buildVisualSampleEntry(t *muxTrack) []byte {
	var format isobmff.BoxType
	var ext []byte
	switch t.CodecTag {
	case "h264":
		format = isobmff.TypeAvc1
		ext = encodeBox(isobmff.TypeAvcC, t.CodecPrivate)
	case "h265":
		format = isobmff.TypeHev1
		ext = encodeBox(isobmff.TypeHvcC, t.CodecPrivate)
	default:
		format = isobmff.TypeAvc1
	}

	body := append([]byte{}, zeros(6)...) // reserved
	body = append(body, byte16(1)...)     // data_reference_index
	body = append(body, zeros(2)...)      // pre_defined
	body = append(body, zeros(2)...)      // reserved
	body = append(body, zeros(12)...)     // pre_defined[3]
	body = append(body, byte16(uint16(t.Width))...)
	body = append(body, byte16(uint16(t.Height))...)
	body = append(body, u32(0x00480000)...) // horizresolution 72dpi
	body = append(body, u32(0x00480000)...) // vertresolution 72dpi
	body = append(body, zeros(4)...)        // reserved
	body = append(body, byte16(1)...)       // frame_count
	body = append(body, zeros(32)...)       // compressorname
	body = append(body, byte16(0x0018)...)  // depth
	body = append(body, []byte{0xFF, 0xFF}...) // pre_defined = -1
	body = append(body, ext...)

	return encodeBox(format, body)
}

// buildAudioSampleEntry writes mp4a with a nested esds box carrying the
// track's AudioSpecificConfig.
func buildAudioSampleEntry(t *muxTrack) []byte {
	body := append([]byte{}, zeros(6)...) // reserved
	body = append(body, byte16(1)...)     // data_reference_index
	body = append(body, zeros(8)...)      // reserved[2]
	body = append(body, byte16(uint16(t.ChannelCount))...)
	bps := t.BitsPerSample
	if bps == 0 {
		bps = 16
	}
	body = append(body, byte16(uint16(bps))...)
	body = append(body, zeros(2)...) // pre_defined
	body = append(body, zeros(2)...) // reserved
	body = append(body, u32(uint32(t.SampleRate)<<16)...)

	if esds, err := aacESDS(t.CodecPrivate); err == nil {
		body = append(body, encodeFullBox(isobmff.TypeEsds, 0, 0, esds)...)
	}

	return encodeBox(isobmff.TypeMp4a, body)
}

var typeTextSampleEntry = byteio.NewFourCC("text")

// buildTextSampleEntry writes a minimal QuickTime 'text' sample
// description: just the base SampleEntry fields, zero-filled display
// attributes. The chapter track's own sample payload carries the title
// text, so the richer QuickTime text-box styling fields aren't needed.
func buildTextSampleEntry() []byte {
	body := append([]byte{}, zeros(6)...) // reserved
	body = append(body, byte16(1)...)     // data_reference_index
	body = append(body, zeros(32)...)     // displayFlags, justification, colors, box, reserved
	return encodeBox(typeTextSampleEntry, body)
}
