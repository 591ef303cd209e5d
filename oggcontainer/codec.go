package oggcontainer

import (
	"bytes"
	"encoding/binary"

	"github.com/snapetech/containerkit/container"
)

// sniffCodec identifies a logical stream's elementary codec from its BOS
// page's first packet, returning a container-neutral codec tag, media
// kind, and (when known) the granule-position clock rate in Hz. A zero
// clock rate means the granule position can't be resolved to seconds
// without decoder-specific knowledge this pager doesn't carry; the caller
// falls back to reporting the raw granule count as the packet's DTS.
func sniffCodec(first []byte) (tag string, kind container.Kind, clockRate float64) {
	switch {
	case bytes.HasPrefix(first, []byte("OpusHead")):
		// RFC 7845: Opus's granule position always runs at 48kHz
		// regardless of the original input sample rate.
		return "opus", container.KindAudio, 48000

	case len(first) >= 7 && first[0] == 0x01 && bytes.Equal(first[1:7], []byte("vorbis")):
		rate := float64(0)
		if len(first) >= 16 {
			rate = float64(binary.LittleEndian.Uint32(first[12:16]))
		}
		return "vorbis", container.KindAudio, rate

	case len(first) >= 7 && first[0] == 0x80 && bytes.Equal(first[1:7], []byte("theora")):
		return "theora", container.KindVideo, 0

	case bytes.HasPrefix(first, []byte("fLaC")):
		return "flac", container.KindAudio, 0

	case bytes.HasPrefix(first, []byte("\x7fFLAC")):
		return "flac", container.KindAudio, 0

	default:
		return "unknown", container.KindUnknown, 0
	}
}
