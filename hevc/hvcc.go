package hevc

import (
	"bytes"
	"fmt"

	"github.com/snapetech/containerkit/byteio"
)

// arraySet groups NAL units of one type (VPS, SPS, or PPS) the way hvcC
// stores them: a NAL unit type byte, a completeness flag folded into its
// top bit, followed by a count and the length-prefixed NAL units.
type arraySet struct {
	NALUnitType uint8
	Complete    bool
	NALs        [][]byte
}

// Record is the full parsed hvcC payload.
type Record struct {
	ConfigurationVersion            uint8
	GeneralProfileSpace             uint8
	GeneralTierFlag                 bool
	GeneralProfileIDC               uint8
	GeneralProfileCompatibilityFlags uint32
	GeneralConstraintFlags          uint64
	GeneralLevelIDC                 uint8
	MinSpatialSegmentationIDC       uint16
	ParallelismType                 uint8
	ChromaFormat                    uint8
	BitDepthLumaMinus8              uint8
	BitDepthChromaMinus8            uint8
	AvgFrameRate                    uint16
	ConstantFrameRate                uint8
	NumTemporalLayers                uint8
	TemporalIDNested                 bool
	LengthSizeMinusOne               uint8
	Arrays                           []arraySet
}

// VPS, SPS, PPS return the concatenated NAL units of each type across the
// record's arrays (usually one array per type).
func (r *Record) VPS() [][]byte { return r.nalsOfType(NALTypeVPS) }
func (r *Record) SPS() [][]byte { return r.nalsOfType(NALTypeSPS) }
func (r *Record) PPS() [][]byte { return r.nalsOfType(NALTypePPS) }

func (r *Record) nalsOfType(t int) [][]byte {
	var out [][]byte
	for _, a := range r.Arrays {
		if int(a.NALUnitType) == t {
			out = append(out, a.NALs...)
		}
	}
	return out
}

// ParseRecord parses an hvcC box payload.
func ParseRecord(data []byte) (*Record, error) {
	r := bytes.NewReader(data)
	rec := &Record{}
	var err error
	if rec.ConfigurationVersion, err = byteio.ReadU8(r); err != nil {
		return nil, fmt.Errorf("hevc: hvcC: configurationVersion: %w", err)
	}
	b, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	rec.GeneralProfileSpace = b >> 6
	rec.GeneralTierFlag = (b>>5)&1 == 1
	rec.GeneralProfileIDC = b & 0x1F

	if rec.GeneralProfileCompatibilityFlags, err = byteio.ReadU32(r); err != nil {
		return nil, err
	}
	hi, err := byteio.ReadU32(r)
	if err != nil {
		return nil, err
	}
	lo, err := byteio.ReadU16(r)
	if err != nil {
		return nil, err
	}
	rec.GeneralConstraintFlags = uint64(hi)<<16 | uint64(lo)
	if rec.GeneralLevelIDC, err = byteio.ReadU8(r); err != nil {
		return nil, err
	}
	minSS, err := byteio.ReadU16(r)
	if err != nil {
		return nil, err
	}
	rec.MinSpatialSegmentationIDC = minSS & 0x0FFF
	par, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	rec.ParallelismType = par & 0x03
	cf, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	rec.ChromaFormat = cf & 0x03
	bdl, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	rec.BitDepthLumaMinus8 = bdl & 0x07
	bdc, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	rec.BitDepthChromaMinus8 = bdc & 0x07
	if rec.AvgFrameRate, err = byteio.ReadU16(r); err != nil {
		return nil, err
	}
	flags, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	rec.ConstantFrameRate = flags >> 6
	rec.NumTemporalLayers = (flags >> 3) & 0x07
	rec.TemporalIDNested = (flags>>2)&1 == 1
	rec.LengthSizeMinusOne = flags & 0x03

	numArrays, err := byteio.ReadU8(r)
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(numArrays); i++ {
		hdr, err := byteio.ReadU8(r)
		if err != nil {
			return nil, err
		}
		a := arraySet{
			Complete:    hdr&0x80 != 0,
			NALUnitType: hdr & 0x3F,
		}
		count, err := byteio.ReadU16(r)
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(count); j++ {
			length, err := byteio.ReadU16(r)
			if err != nil {
				return nil, err
			}
			nal, err := byteio.ReadBytes(r, int(length))
			if err != nil {
				return nil, fmt.Errorf("hevc: hvcC: array[%d] nal[%d]: %w", i, j, err)
			}
			a.NALs = append(a.NALs, nal)
		}
		rec.Arrays = append(rec.Arrays, a)
	}
	return rec, nil
}

// Marshal serializes the record back into an hvcC box payload.
func (rec *Record) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	version := rec.ConfigurationVersion
	if version == 0 {
		version = 1
	}
	_ = byteio.WriteU8(&buf, version)
	_ = byteio.WriteU8(&buf, rec.GeneralProfileSpace<<6|b2u8(rec.GeneralTierFlag)<<5|rec.GeneralProfileIDC&0x1F)
	_ = byteio.WriteU32(&buf, rec.GeneralProfileCompatibilityFlags)
	_ = byteio.WriteU32(&buf, uint32(rec.GeneralConstraintFlags>>16))
	_ = byteio.WriteU16(&buf, uint16(rec.GeneralConstraintFlags))
	_ = byteio.WriteU8(&buf, rec.GeneralLevelIDC)
	_ = byteio.WriteU16(&buf, 0xF000|rec.MinSpatialSegmentationIDC)
	_ = byteio.WriteU8(&buf, 0xFC|rec.ParallelismType)
	_ = byteio.WriteU8(&buf, 0xFC|rec.ChromaFormat)
	_ = byteio.WriteU8(&buf, 0xF8|rec.BitDepthLumaMinus8)
	_ = byteio.WriteU8(&buf, 0xF8|rec.BitDepthChromaMinus8)
	_ = byteio.WriteU16(&buf, rec.AvgFrameRate)
	_ = byteio.WriteU8(&buf, rec.ConstantFrameRate<<6|rec.NumTemporalLayers<<3|b2u8(rec.TemporalIDNested)<<2|rec.LengthSizeMinusOne)

	if len(rec.Arrays) > 0xFF {
		return nil, fmt.Errorf("hevc: hvcC: too many arrays (%d)", len(rec.Arrays))
	}
	_ = byteio.WriteU8(&buf, byte(len(rec.Arrays)))
	for _, a := range rec.Arrays {
		hdr := a.NALUnitType & 0x3F
		if a.Complete {
			hdr |= 0x80
		}
		_ = byteio.WriteU8(&buf, hdr)
		if len(a.NALs) > 0xFFFF {
			return nil, fmt.Errorf("hevc: hvcC: array for type %d has too many nals", a.NALUnitType)
		}
		_ = byteio.WriteU16(&buf, uint16(len(a.NALs)))
		for _, nal := range a.NALs {
			if len(nal) > 0xFFFF {
				return nil, fmt.Errorf("hevc: hvcC: nal of %d bytes exceeds 16-bit length field", len(nal))
			}
			_ = byteio.WriteU16(&buf, uint16(len(nal)))
			buf.Write(nal)
		}
	}
	return buf.Bytes(), nil
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// NewRecord builds a minimal hvcC record from a parsed SPS and the raw
// VPS/SPS/PPS NAL units, using 4-byte NAL lengths.
func NewRecord(sps *SPS, vpsNALs, spsNALs, ppsNALs [][]byte) *Record {
	rec := &Record{
		ConfigurationVersion:             1,
		GeneralProfileSpace:              sps.PTL.GeneralProfileSpace,
		GeneralTierFlag:                  sps.PTL.GeneralTierFlag,
		GeneralProfileIDC:                sps.PTL.GeneralProfileIDC,
		GeneralProfileCompatibilityFlags: sps.PTL.GeneralProfileCompatibilityFlags,
		GeneralConstraintFlags:           sps.PTL.GeneralConstraintFlags,
		GeneralLevelIDC:                  sps.PTL.GeneralLevelIDC,
		ChromaFormat:                     uint8(sps.ChromaFormatIDC),
		BitDepthLumaMinus8:               uint8(sps.BitDepthLumaMinus8),
		BitDepthChromaMinus8:             uint8(sps.BitDepthChromaMinus8),
		NumTemporalLayers:                sps.SPSMaxSubLayersMinus1 + 1,
		LengthSizeMinusOne:               3,
	}
	if len(vpsNALs) > 0 {
		rec.Arrays = append(rec.Arrays, arraySet{NALUnitType: NALTypeVPS, Complete: true, NALs: vpsNALs})
	}
	if len(spsNALs) > 0 {
		rec.Arrays = append(rec.Arrays, arraySet{NALUnitType: NALTypeSPS, Complete: true, NALs: spsNALs})
	}
	if len(ppsNALs) > 0 {
		rec.Arrays = append(rec.Arrays, arraySet{NALUnitType: NALTypePPS, Complete: true, NALs: ppsNALs})
	}
	return rec
}
