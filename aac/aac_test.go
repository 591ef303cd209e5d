package aac

import (
	"bytes"
	"testing"
)

func TestAudioSpecificConfigRoundTrip(t *testing.T) {
	cfg := &AudioSpecificConfig{
		ObjectType:      AOTAACLC,
		SampleRateIndex: 3, // 48000
		ChannelConfig:   2,
	}
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseAudioSpecificConfig(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ObjectType != cfg.ObjectType || got.SampleRateIndex != cfg.SampleRateIndex || got.ChannelConfig != cfg.ChannelConfig {
		t.Fatalf("got %+v, want %+v", got, cfg)
	}
	if got.Rate() != 48000 {
		t.Fatalf("Rate() = %d, want 48000", got.Rate())
	}
	if got.ChannelCount() != 2 {
		t.Fatalf("ChannelCount() = %d, want 2", got.ChannelCount())
	}
}

func TestAudioSpecificConfigExplicitSampleRate(t *testing.T) {
	cfg := &AudioSpecificConfig{
		ObjectType:      AOTAACLC,
		SampleRateIndex: 0xF,
		SampleRate:      57600,
		ChannelConfig:   1,
	}
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseAudioSpecificConfig(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Rate() != 57600 {
		t.Fatalf("Rate() = %d, want 57600", got.Rate())
	}
}

func TestCodecString(t *testing.T) {
	cfg := &AudioSpecificConfig{ObjectType: AOTAACLC}
	if got := cfg.CodecString(); got != "mp4a.40.2" {
		t.Fatalf("CodecString() = %q", got)
	}
}

func TestADTSHeaderRoundTrip(t *testing.T) {
	cfg := &AudioSpecificConfig{
		ObjectType:      AOTAACLC,
		SampleRateIndex: 4, // 44100
		ChannelConfig:   2,
	}
	payload := bytes.Repeat([]byte{0xAB}, 100)
	hdr, err := WriteADTSHeader(cfg, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	if len(hdr) != 7 {
		t.Fatalf("header length = %d, want 7", len(hdr))
	}
	frame := append(hdr, payload...)
	got, err := ParseADTSHeader(frame)
	if err != nil {
		t.Fatal(err)
	}
	if got.ObjectType != cfg.ObjectType {
		t.Fatalf("ObjectType = %d, want %d", got.ObjectType, cfg.ObjectType)
	}
	if got.SampleRateIndex != cfg.SampleRateIndex {
		t.Fatalf("SampleRateIndex = %d, want %d", got.SampleRateIndex, cfg.SampleRateIndex)
	}
	if got.ChannelConfig != cfg.ChannelConfig {
		t.Fatalf("ChannelConfig = %d, want %d", got.ChannelConfig, cfg.ChannelConfig)
	}
	if int(got.FrameLength) != len(frame) {
		t.Fatalf("FrameLength = %d, want %d", got.FrameLength, len(frame))
	}
	if !got.ProtectionAbsent || got.HeaderLength != 7 {
		t.Fatalf("expected 7-byte header with no CRC, got %+v", got)
	}
	if got.SampleRate() != 44100 {
		t.Fatalf("SampleRate() = %d, want 44100", got.SampleRate())
	}
	if got.ChannelCount() != 2 {
		t.Fatalf("ChannelCount() = %d, want 2", got.ChannelCount())
	}
}

func TestParseADTSHeaderRejectsBadSync(t *testing.T) {
	bad := make([]byte, 7)
	if _, err := ParseADTSHeader(bad); err == nil {
		t.Fatal("expected error for bad sync word")
	}
}

func TestElementaryStreamDescriptorRoundTrip(t *testing.T) {
	asc := &AudioSpecificConfig{
		ObjectType:      AOTAACLC,
		SampleRateIndex: 4,
		ChannelConfig:   2,
	}
	esd := &ElementaryStreamDescriptor{ASC: asc}
	data, err := esd.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseElementaryStreamDescriptor(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ASC.ObjectType != asc.ObjectType || got.ASC.SampleRateIndex != asc.SampleRateIndex || got.ASC.ChannelConfig != asc.ChannelConfig {
		t.Fatalf("got %+v, want %+v", got.ASC, asc)
	}
	if got.ObjectTypeIndication != objectTypeIndicationMPEG4Audio {
		t.Fatalf("ObjectTypeIndication = %#x", got.ObjectTypeIndication)
	}
	if got.StreamType != streamTypeAudio {
		t.Fatalf("StreamType = %d", got.StreamType)
	}
}

func TestDescriptorLengthRoundTripLongPayload(t *testing.T) {
	// A payload long enough to require a multi-byte base-128 length
	// (>= 128 bytes) exercises the continuation-bit path.
	asc := &AudioSpecificConfig{ObjectType: AOTAACLC, SampleRateIndex: 4, ChannelConfig: 2}
	ascRaw, err := asc.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	// Pad ASCRaw isn't realistic for AAC, but exercising readDescriptor/
	// writeDescriptor directly via a long ES descriptor still proves the
	// length codec round-trips past 127 bytes.
	esd := &ElementaryStreamDescriptor{ASCRaw: append(ascRaw, bytes.Repeat([]byte{0}, 200)...)}
	data, err := esd.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseElementaryStreamDescriptor(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.ASCRaw, esd.ASCRaw) {
		t.Fatalf("ASCRaw round-trip mismatch: got %d bytes, want %d", len(got.ASCRaw), len(esd.ASCRaw))
	}
}
