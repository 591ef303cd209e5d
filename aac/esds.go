package aac

import (
	"bytes"
	"fmt"
	"io"

	"github.com/snapetech/containerkit/byteio"
)

// MPEG-4 descriptor tags (ISO/IEC 14496-1), the subset esds boxes use.
const (
	descTagESDescr          = 0x03
	descTagDecoderConfig    = 0x04
	descTagDecoderSpecific  = 0x05
)

const (
	objectTypeIndicationMPEG4Audio = 0x40
	streamTypeAudio                = 0x05
)

// ElementaryStreamDescriptor is the parsed payload of an `esds` box: the
// ES_ID/flags wrapper, the decoder config descriptor (object/stream type),
// and the nested AudioSpecificConfig.
type ElementaryStreamDescriptor struct {
	ObjectTypeIndication uint8
	StreamType           uint8
	ASC                  *AudioSpecificConfig
	ASCRaw               []byte
}

// ParseElementaryStreamDescriptor parses an esds box payload (the 4 version/
// flags bytes of the enclosing FullBox already stripped by the caller).
func ParseElementaryStreamDescriptor(data []byte) (*ElementaryStreamDescriptor, error) {
	r := bytes.NewReader(data)
	tag, body, err := readDescriptor(r)
	if err != nil {
		return nil, fmt.Errorf("aac: esds: %w", err)
	}
	if tag != descTagESDescr {
		return nil, fmt.Errorf("aac: esds: expected ES_DescrTag, got %#x", tag)
	}
	br := bytes.NewReader(body)
	if _, err := byteio.ReadU16(br); err != nil { // ES_ID
		return nil, err
	}
	flags, err := byteio.ReadU8(br)
	if err != nil {
		return nil, err
	}
	if flags&0x80 != 0 { // streamDependenceFlag
		if _, err := byteio.ReadU16(br); err != nil {
			return nil, err
		}
	}
	if flags&0x40 != 0 { // URL_Flag
		urlLen, err := byteio.ReadU8(br)
		if err != nil {
			return nil, err
		}
		if _, err := byteio.ReadBytes(br, int(urlLen)); err != nil {
			return nil, err
		}
	}
	if flags&0x20 != 0 { // OCRstreamFlag
		if _, err := byteio.ReadU16(br); err != nil {
			return nil, err
		}
	}

	tag, decConfBody, err := readDescriptor(br)
	if err != nil {
		return nil, fmt.Errorf("aac: esds: DecoderConfigDescr: %w", err)
	}
	if tag != descTagDecoderConfig {
		return nil, fmt.Errorf("aac: esds: expected DecoderConfigDescrTag, got %#x", tag)
	}
	dcr := bytes.NewReader(decConfBody)
	esd := &ElementaryStreamDescriptor{}
	if esd.ObjectTypeIndication, err = byteio.ReadU8(dcr); err != nil {
		return nil, err
	}
	streamTypeByte, err := byteio.ReadU8(dcr)
	if err != nil {
		return nil, err
	}
	esd.StreamType = streamTypeByte >> 2
	if _, err := byteio.ReadU24(dcr); err != nil { // bufferSizeDB
		return nil, err
	}
	if _, err := byteio.ReadU32(dcr); err != nil { // maxBitrate
		return nil, err
	}
	if _, err := byteio.ReadU32(dcr); err != nil { // avgBitrate
		return nil, err
	}

	tag, specificBody, err := readDescriptor(dcr)
	if err != nil {
		return nil, fmt.Errorf("aac: esds: DecoderSpecificInfo: %w", err)
	}
	if tag != descTagDecoderSpecific {
		return nil, fmt.Errorf("aac: esds: expected DecSpecificInfoTag, got %#x", tag)
	}
	esd.ASCRaw = specificBody
	esd.ASC, err = ParseAudioSpecificConfig(specificBody)
	if err != nil {
		return nil, fmt.Errorf("aac: esds: AudioSpecificConfig: %w", err)
	}
	return esd, nil
}

// Marshal serializes the descriptor back into an esds box payload.
func (esd *ElementaryStreamDescriptor) Marshal() ([]byte, error) {
	ascRaw := esd.ASCRaw
	if ascRaw == nil && esd.ASC != nil {
		raw, err := esd.ASC.Marshal()
		if err != nil {
			return nil, err
		}
		ascRaw = raw
	}

	var decConf bytes.Buffer
	objectType := esd.ObjectTypeIndication
	if objectType == 0 {
		objectType = objectTypeIndicationMPEG4Audio
	}
	streamType := esd.StreamType
	if streamType == 0 {
		streamType = streamTypeAudio
	}
	_ = byteio.WriteU8(&decConf, objectType)
	_ = byteio.WriteU8(&decConf, streamType<<2|0x01) // upStream=0, reserved=1
	_ = byteio.WriteU24(&decConf, 0)                 // bufferSizeDB
	_ = byteio.WriteU32(&decConf, 0)                 // maxBitrate
	_ = byteio.WriteU32(&decConf, 0)                 // avgBitrate
	if err := writeDescriptor(&decConf, descTagDecoderSpecific, ascRaw); err != nil {
		return nil, err
	}

	var es bytes.Buffer
	_ = byteio.WriteU16(&es, 0) // ES_ID
	_ = byteio.WriteU8(&es, 0)  // flags
	if err := writeDescriptor(&es, descTagDecoderConfig, decConf.Bytes()); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := writeDescriptor(&out, descTagESDescr, es.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// readDescriptor reads one MPEG-4 descriptor: a 1-byte tag followed by a
// base-128 length (continuation bit in each byte's top bit, up to 4 bytes),
// followed by that many bytes of payload.
func readDescriptor(r io.Reader) (tag uint8, data []byte, err error) {
	tag, err = byteio.ReadU8(r)
	if err != nil {
		return 0, nil, err
	}
	var length uint32
	for i := 0; i < 4; i++ {
		b, err := byteio.ReadU8(r)
		if err != nil {
			return 0, nil, err
		}
		length = (length << 7) | uint32(b&0x7F)
		if b&0x80 == 0 {
			break
		}
	}
	data, err = byteio.ReadBytes(r, int(length))
	if err != nil {
		return 0, nil, err
	}
	return tag, data, nil
}

// writeDescriptor writes tag and data in the same base-128 length form
// readDescriptor parses.
func writeDescriptor(w io.Writer, tag uint8, data []byte) error {
	if err := byteio.WriteU8(w, tag); err != nil {
		return err
	}
	// Split into 7-bit groups, least-significant first, then emit
	// most-significant first with the continuation bit set on every group
	// but the last, matching readDescriptor's left-shift accumulation.
	length := uint32(len(data))
	var groups []byte
	for {
		groups = append(groups, byte(length&0x7F))
		length >>= 7
		if length == 0 {
			break
		}
	}
	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	for i := 0; i < len(groups)-1; i++ {
		groups[i] |= 0x80
	}
	if _, err := w.Write(groups); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
