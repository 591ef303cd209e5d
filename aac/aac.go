// Package aac parses and builds the AAC AudioSpecificConfig (the payload of
// an esds/mp4a decoder-specific-info descriptor) and ADTS frame headers,
// and derives the RFC 6381 "mp4a.40.<AOT>" codec string.
package aac

import (
	"bytes"
	"fmt"

	"github.com/snapetech/containerkit/bitio"
)

// Audio Object Type values relevant to container muxing (ISO/IEC
// 14496-3 Table 1.17), copied from the same table libavcodec's
// mpeg4audio.h enumerates.
const (
	AOTAACMain  = 1
	AOTAACLC    = 2
	AOTAACSSR   = 3
	AOTAACLTP   = 4
	AOTSBR      = 5
	AOTAACScalable = 6
	AOTTwinVQ   = 7
	AOTCELP     = 8
	AOTHVXC     = 9
	AOTPS       = 29
	AOTEscape   = 31
)

var sampleRateTable = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

var channelConfigTable = []int{0, 1, 2, 3, 4, 5, 6, 8}

// AudioSpecificConfig is the parsed 2+ byte structure ISO/IEC 14496-3
// §1.6.2.1 defines: the payload carried in an esds box's decoder-specific
// info, and the starting point for ADTS header construction.
type AudioSpecificConfig struct {
	ObjectType      uint
	SampleRateIndex uint
	SampleRate      int // explicit rate when SampleRateIndex == 0xF
	ChannelConfig   uint

	// SBR/PS presence and the extension sample rate, set when the object
	// type is SBR (5) or PS (29), or when the sync-extension marker (0x2B7)
	// is found after the base config (HE-AAC/HE-AACv2).
	SBRPresent bool
	PSPresent  bool
	ExtensionSampleRateIndex uint
	ExtensionSampleRate      int
}

// ChannelCount returns the decoded channel count for ChannelConfig, or 0 if
// ChannelConfig signals "channel configuration sent via inband PCE"
// (value 0) or is out of the table's range.
func (c *AudioSpecificConfig) ChannelCount() int {
	if int(c.ChannelConfig) < len(channelConfigTable) {
		return channelConfigTable[c.ChannelConfig]
	}
	return 0
}

// Rate returns the decoded sample rate in Hz, preferring the explicit rate
// when SampleRateIndex signals one (index 0xF).
func (c *AudioSpecificConfig) Rate() int {
	if c.SampleRate != 0 {
		return c.SampleRate
	}
	if int(c.SampleRateIndex) < len(sampleRateTable) {
		return sampleRateTable[c.SampleRateIndex]
	}
	return 0
}

// ParseAudioSpecificConfig decodes an AudioSpecificConfig payload.
func ParseAudioSpecificConfig(data []byte) (*AudioSpecificConfig, error) {
	br := bitio.NewReader(bytes.NewReader(data))
	c := &AudioSpecificConfig{}
	var err error

	if c.ObjectType, err = readObjectType(br); err != nil {
		return nil, fmt.Errorf("aac: ParseAudioSpecificConfig: object_type: %w", err)
	}
	if c.SampleRateIndex, c.SampleRate, err = readSampleRate(br); err != nil {
		return nil, fmt.Errorf("aac: ParseAudioSpecificConfig: sample_rate: %w", err)
	}
	cc, err := br.ReadBits(4)
	if err != nil {
		return nil, fmt.Errorf("aac: ParseAudioSpecificConfig: channel_config: %w", err)
	}
	c.ChannelConfig = uint(cc)

	if c.ObjectType == AOTSBR || c.ObjectType == AOTPS {
		c.SBRPresent = true
		if c.ObjectType == AOTPS {
			c.PSPresent = true
		}
		if c.ExtensionSampleRateIndex, c.ExtensionSampleRate, err = readSampleRate(br); err != nil {
			return nil, err
		}
	} else {
		// Probe for the optional SBR sync-extension marker (0x2B7);
		// if the remaining bitstream is too short to hold one, there is
		// none and this is a plain LC config.
		marker, err := br.Peek(11)
		if err == nil && marker == 0x2B7 {
			_, _ = br.ReadBits(11)
			extType, err := readObjectType(br)
			if err != nil {
				return nil, err
			}
			if extType == AOTSBR {
				c.SBRPresent = true
				if c.ExtensionSampleRateIndex, c.ExtensionSampleRate, err = readSampleRate(br); err != nil {
					return nil, err
				}
			}
		}
	}
	return c, nil
}

// Marshal encodes the AudioSpecificConfig back to its byte form. Program
// config element and GASpecificConfig details beyond object type/sample
// rate/channel config are not modeled (container muxing never needs them),
// so this only round-trips the base config, not any trailing SBR extension
// that was present on parse.
func (c *AudioSpecificConfig) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	bw := bitio.NewWriter(&buf)
	if err := writeObjectType(bw, c.ObjectType); err != nil {
		return nil, err
	}
	idx := c.SampleRateIndex
	if idx == 0 {
		for i, rate := range sampleRateTable {
			if rate == c.SampleRate {
				idx = uint(i)
				break
			}
		}
	}
	if err := writeSampleRate(bw, idx, c.SampleRate); err != nil {
		return nil, err
	}
	if err := bw.WriteBits(uint32(c.ChannelConfig), 4); err != nil {
		return nil, err
	}
	if err := bw.FlushBits(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readObjectType(br *bitio.Reader) (uint, error) {
	v, err := br.ReadBits(5)
	if err != nil {
		return 0, err
	}
	objectType := uint(v)
	if objectType == AOTEscape {
		ext, err := br.ReadBits(6)
		if err != nil {
			return 0, err
		}
		objectType = 32 + uint(ext)
	}
	return objectType, nil
}

func writeObjectType(bw *bitio.Writer, objectType uint) error {
	if objectType >= 32 {
		if err := bw.WriteBits(AOTEscape, 5); err != nil {
			return err
		}
		return bw.WriteBits(uint32(objectType-32), 6)
	}
	return bw.WriteBits(uint32(objectType), 5)
}

func readSampleRate(br *bitio.Reader) (index uint, rate int, err error) {
	v, err := br.ReadBits(4)
	if err != nil {
		return 0, 0, err
	}
	index = uint(v)
	if index == 0xF {
		explicit, err := br.ReadBits(24)
		if err != nil {
			return 0, 0, err
		}
		return index, int(explicit), nil
	}
	if int(index) < len(sampleRateTable) {
		rate = sampleRateTable[index]
	}
	return index, rate, nil
}

func writeSampleRate(bw *bitio.Writer, index uint, explicitRate int) error {
	if index >= 0xF {
		if err := bw.WriteBits(0xF, 4); err != nil {
			return err
		}
		return bw.WriteBits(uint32(explicitRate), 24)
	}
	return bw.WriteBits(uint32(index), 4)
}

// CodecString derives the RFC 6381 "mp4a.40.<AOT>" codec parameter string.
func (c *AudioSpecificConfig) CodecString() string {
	return fmt.Sprintf("mp4a.40.%d", c.ObjectType)
}
