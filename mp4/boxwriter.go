package mp4

import (
	"bytes"

	"github.com/snapetech/containerkit/byteio"
	"github.com/snapetech/containerkit/isobmff"
)

// encodeBox wraps body in a box header of the given type, choosing the
// 64-bit largesize form only when needed.
func encodeBox(t isobmff.BoxType, body []byte) []byte {
	var buf bytes.Buffer
	_ = isobmff.WriteBoxHeader(&buf, t, int64(len(body)+8))
	buf.Write(body)
	return buf.Bytes()
}

// encodeFullBox wraps body in a FullBox header (version/flags) and then a
// box header.
func encodeFullBox(t isobmff.BoxType, version uint8, flags uint32, body []byte) []byte {
	var buf bytes.Buffer
	_ = isobmff.WriteFullBoxHeader(&buf, isobmff.FullBoxHeader{Version: version, Flags: flags})
	buf.Write(body)
	return encodeBox(t, buf.Bytes())
}

// concatBoxes joins already-encoded boxes for use as a parent's body.
func concatBoxes(boxes ...[]byte) []byte {
	var buf bytes.Buffer
	for _, b := range boxes {
		buf.Write(b)
	}
	return buf.Bytes()
}

func u32(v uint32) []byte {
	var buf bytes.Buffer
	_ = byteio.WriteU32(&buf, v)
	return buf.Bytes()
}
