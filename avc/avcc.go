package avc

import (
	"bytes"
	"fmt"

	"github.com/snapetech/containerkit/bitio"
	"github.com/snapetech/containerkit/byteio"
)

// DecoderConfigurationRecord mirrors ISO/IEC 14496-15's AVCDecoderConfigurationRecord,
// the payload of an isobmff `avcC` box: the profile/level byte triplet,
// the NAL length field size, and the parameter sets themselves.
type DecoderConfigurationRecord struct {
	ConfigurationVersion uint8
	ProfileIndication    uint8
	ProfileCompatibility uint8
	LevelIndication      uint8
	LengthSize           bitio.LengthPrefixSize
	SPS                  [][]byte
	PPS                  [][]byte
}

// ParseDecoderConfigurationRecord parses an avcC box payload.
func ParseDecoderConfigurationRecord(data []byte) (*DecoderConfigurationRecord, error) {
	r := bytes.NewReader(data)
	rec := &DecoderConfigurationRecord{}
	var err error
	if rec.ConfigurationVersion, err = byteio.ReadU8(r); err != nil {
		return nil, fmt.Errorf("avc: avcC: configurationVersion: %w", err)
	}
	if rec.ProfileIndication, err = byteio.ReadU8(r); err != nil {
		return nil, err
	}
	if rec.ProfileCompatibility, err = byteio.ReadU8(r); err != nil {
		return nil, err
	}
	if rec.LevelIndication, err = byteio.ReadU8(r); err != nil {
		return nil, err
	}
	lengthByte, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	rec.LengthSize = bitio.LengthPrefixSize((lengthByte & 0x03) + 1)

	numSPSByte, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	numSPS := int(numSPSByte & 0x1F)
	for i := 0; i < numSPS; i++ {
		nal, err := readLengthPrefixedNAL(r)
		if err != nil {
			return nil, fmt.Errorf("avc: avcC: sps[%d]: %w", i, err)
		}
		rec.SPS = append(rec.SPS, nal)
	}

	numPPSByte, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	numPPS := int(numPPSByte)
	for i := 0; i < numPPS; i++ {
		nal, err := readLengthPrefixedNAL(r)
		if err != nil {
			return nil, fmt.Errorf("avc: avcC: pps[%d]: %w", i, err)
		}
		rec.PPS = append(rec.PPS, nal)
	}
	return rec, nil
}

func readLengthPrefixedNAL(r *bytes.Reader) ([]byte, error) {
	length, err := byteio.ReadU16(r)
	if err != nil {
		return nil, err
	}
	return byteio.ReadBytes(r, int(length))
}

// Marshal serializes the record back into an avcC box payload.
func (rec *DecoderConfigurationRecord) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	version := rec.ConfigurationVersion
	if version == 0 {
		version = 1
	}
	_ = byteio.WriteU8(&buf, version)
	_ = byteio.WriteU8(&buf, rec.ProfileIndication)
	_ = byteio.WriteU8(&buf, rec.ProfileCompatibility)
	_ = byteio.WriteU8(&buf, rec.LevelIndication)
	_ = byteio.WriteU8(&buf, 0xFC|byte(rec.LengthSize-1))

	if len(rec.SPS) > 0x1F {
		return nil, fmt.Errorf("avc: avcC: too many sps entries (%d)", len(rec.SPS))
	}
	_ = byteio.WriteU8(&buf, 0xE0|byte(len(rec.SPS)))
	for _, nal := range rec.SPS {
		if err := writeLengthPrefixedNAL(&buf, nal); err != nil {
			return nil, err
		}
	}

	if len(rec.PPS) > 0xFF {
		return nil, fmt.Errorf("avc: avcC: too many pps entries (%d)", len(rec.PPS))
	}
	_ = byteio.WriteU8(&buf, byte(len(rec.PPS)))
	for _, nal := range rec.PPS {
		if err := writeLengthPrefixedNAL(&buf, nal); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeLengthPrefixedNAL(buf *bytes.Buffer, nal []byte) error {
	if len(nal) > 0xFFFF {
		return fmt.Errorf("avc: avcC: nal of %d bytes exceeds 16-bit length field", len(nal))
	}
	_ = byteio.WriteU16(buf, uint16(len(nal)))
	buf.Write(nal)
	return nil
}

// NewDecoderConfigurationRecord builds a record from a parsed SPS plus the
// raw SPS/PPS NAL units, using 4-byte NAL lengths (the ISOBMFF default).
func NewDecoderConfigurationRecord(sps *SPS, spsNALs, ppsNALs [][]byte) *DecoderConfigurationRecord {
	constraintByte := byte(0)
	if sps.Constraint0 {
		constraintByte |= 0x80
	}
	if sps.Constraint1 {
		constraintByte |= 0x40
	}
	if sps.Constraint2 {
		constraintByte |= 0x20
	}
	if sps.Constraint3 {
		constraintByte |= 0x10
	}
	if sps.Constraint4 {
		constraintByte |= 0x08
	}
	if sps.Constraint5 {
		constraintByte |= 0x04
	}
	return &DecoderConfigurationRecord{
		ConfigurationVersion: 1,
		ProfileIndication:    sps.Profile,
		ProfileCompatibility: constraintByte,
		LevelIndication:      sps.LevelIDC,
		LengthSize:           bitio.LengthPrefix4,
		SPS:                  spsNALs,
		PPS:                  ppsNALs,
	}
}
