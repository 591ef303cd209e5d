package aac

import (
	"bytes"
	"fmt"

	"github.com/snapetech/containerkit/bitio"
)

// ADTSHeader is a parsed Audio Data Transport Stream frame header (ISO/IEC
// 13818-7 Annex B), the framing MPEG-TS and raw .aac files use to carry AAC
// access units without a container.
type ADTSHeader struct {
	MPEGVersion      uint // 0 = MPEG-4, 1 = MPEG-2
	ProtectionAbsent bool
	ObjectType       uint // AOT minus 1 per the 2-bit profile field, already +1 normalized
	SampleRateIndex  uint
	ChannelConfig    uint
	FrameLength      uint // total frame length in bytes, including the header
	HeaderLength     int  // 7 (no CRC) or 9 (with CRC)
}

const adtsSyncWord = 0xFFF

// ParseADTSHeader parses the fixed + variable header fields from the start
// of data. data must contain at least 7 bytes (9 if the CRC is present).
func ParseADTSHeader(data []byte) (*ADTSHeader, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("aac: ParseADTSHeader: need at least 7 bytes, got %d", len(data))
	}
	br := bitio.NewReader(bytes.NewReader(data))
	h := &ADTSHeader{}

	sync, err := br.ReadBits(12)
	if err != nil {
		return nil, err
	}
	if sync != adtsSyncWord {
		return nil, fmt.Errorf("aac: ParseADTSHeader: bad sync word %#x", sync)
	}
	v, err := br.ReadBits(1)
	if err != nil {
		return nil, err
	}
	h.MPEGVersion = uint(v)
	if _, err := br.ReadBits(2); err != nil { // layer, always 0
		return nil, err
	}
	protAbsent, err := br.ReadBit()
	if err != nil {
		return nil, err
	}
	h.ProtectionAbsent = protAbsent == 1

	profile, err := br.ReadBits(2)
	if err != nil {
		return nil, err
	}
	h.ObjectType = uint(profile) + 1

	sri, err := br.ReadBits(4)
	if err != nil {
		return nil, err
	}
	h.SampleRateIndex = uint(sri)

	if _, err := br.ReadBit(); err != nil { // private_bit
		return nil, err
	}
	chanConf, err := br.ReadBits(3)
	if err != nil {
		return nil, err
	}
	h.ChannelConfig = uint(chanConf)

	if _, err := br.ReadBits(4); err != nil { // originality, home, copyright id bit/start
		return nil, err
	}

	frameLen, err := br.ReadBits(13)
	if err != nil {
		return nil, err
	}
	h.FrameLength = uint(frameLen)

	if _, err := br.ReadBits(11); err != nil { // buffer_fullness
		return nil, err
	}
	if _, err := br.ReadBits(2); err != nil { // number_of_raw_data_blocks_in_frame minus 1
		return nil, err
	}

	h.HeaderLength = 7
	if !h.ProtectionAbsent {
		h.HeaderLength = 9
	}
	return h, nil
}

// SampleRate returns the decoded sample rate in Hz for the header's
// SampleRateIndex, or 0 if the index is out of range (value 15 is
// reserved/forbidden in ADTS, unlike the explicit-rate escape in
// AudioSpecificConfig).
func (h *ADTSHeader) SampleRate() int {
	if int(h.SampleRateIndex) < len(sampleRateTable) {
		return sampleRateTable[h.SampleRateIndex]
	}
	return 0
}

// ChannelCount returns the decoded channel count for the header's
// ChannelConfig.
func (h *ADTSHeader) ChannelCount() int {
	if int(h.ChannelConfig) < len(channelConfigTable) {
		return channelConfigTable[h.ChannelConfig]
	}
	return 0
}

// AudioSpecificConfig derives the equivalent AudioSpecificConfig from this
// ADTS header, for building an esds box when remuxing ADTS-framed AAC into
// MP4/Matroska.
func (h *ADTSHeader) AudioSpecificConfig() *AudioSpecificConfig {
	return &AudioSpecificConfig{
		ObjectType:      h.ObjectType,
		SampleRateIndex: h.SampleRateIndex,
		ChannelConfig:   h.ChannelConfig,
	}
}

// WriteADTSHeader serializes a 7-byte ADTS header (no CRC) for one AAC
// access unit of payloadLen bytes.
func WriteADTSHeader(cfg *AudioSpecificConfig, payloadLen int) ([]byte, error) {
	var buf bytes.Buffer
	bw := bitio.NewWriter(&buf)

	frameLength := uint32(payloadLen + 7)
	if frameLength >= 1<<13 {
		return nil, fmt.Errorf("aac: WriteADTSHeader: frame length %d exceeds 13-bit field", frameLength)
	}
	objectType := cfg.ObjectType
	if objectType == 0 || objectType > 4 {
		// ADTS's 2-bit profile field only distinguishes AAC Main/LC/SSR/LTP;
		// anything else (e.g. HE-AAC's SBR extension object) is signaled via
		// the explicit AudioSpecificConfig, not ADTS, so fall back to LC.
		objectType = AOTAACLC
	}

	writes := []func() error{
		func() error { return bw.WriteBits(adtsSyncWord, 12) },
		func() error { return bw.WriteBit(0) }, // ID: MPEG-4
		func() error { return bw.WriteBits(0, 2) },
		func() error { return bw.WriteBit(1) }, // protection_absent
		func() error { return bw.WriteBits(uint32(objectType-1), 2) },
		func() error { return bw.WriteBits(uint32(cfg.SampleRateIndex), 4) },
		func() error { return bw.WriteBit(0) }, // private_bit
		func() error { return bw.WriteBits(uint32(cfg.ChannelConfig), 3) },
		func() error { return bw.WriteBits(0, 3) }, // originality, home, copyright id bit
		func() error { return bw.WriteBit(0) },     // copyright id start
		func() error { return bw.WriteBits(frameLength, 13) },
		func() error { return bw.WriteBits(0x7FF, 11) }, // buffer_fullness (VBR)
		func() error { return bw.WriteBits(0, 2) },      // num_raw_data_blocks minus 1
	}
	for _, w := range writes {
		if err := w(); err != nil {
			return nil, err
		}
	}
	if err := bw.FlushBits(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
