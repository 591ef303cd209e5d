// Package avc parses ITU-T H.264 (AVC) sequence and picture parameter sets
// out of an RBSP (the NAL header and emulation-prevention bytes already
// stripped), and derives the handful of values a muxer needs: coded
// dimensions, sample aspect ratio, frame rate, and the RFC 6381 codec
// string.
package avc

import (
	"bytes"
	"fmt"

	"github.com/snapetech/containerkit/bitio"
)

// NAL unit type values relevant to container muxing (slice data itself is
// out of scope).
const (
	NALTypeNonIDRSlice = 1
	NALTypeIDRSlice    = 5
	NALTypeSEI         = 6
	NALTypeSPS         = 7
	NALTypePPS         = 8
	NALTypeAUD         = 9
)

// NALHeaderType returns the nal_unit_type field (low 5 bits) of a NAL
// unit's first byte.
func NALHeaderType(nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	return int(nal[0] & 0x1F)
}

// IsKeyframeNAL reports whether nal (a single NAL unit, start code and
// emulation prevention already removed) begins an IDR access unit.
func IsKeyframeNAL(nal []byte) bool {
	return NALHeaderType(nal) == NALTypeIDRSlice
}

// chromaFormat444 is the chroma_format_idc value for 4:4:4 sampling, used
// below to decide whether separate_colour_plane_flag is present.
const chromaFormat444 = 3

// profilesWithChromaInfo lists the profile_idc values whose SPS carries the
// extended chroma/bit-depth/scaling-matrix fields (Annex A high profiles).
var profilesWithChromaInfo = map[uint8]bool{
	100: true, 110: true, 122: true, 244: true, 44: true,
	83: true, 86: true, 118: true, 128: true, 138: true, 139: true, 134: true, 135: true,
}

// SPS is a parsed sequence parameter set, holding only the fields a
// container muxer/demuxer needs to derive dimensions, sample aspect ratio,
// frame rate, and the codec string. Fields not read during parsing keep
// their encoded ordinal name in comments for traceability against the
// standard, even where this parser does not retain the value itself.
type SPS struct {
	Profile     uint8
	Constraint0 bool
	Constraint1 bool
	Constraint2 bool
	Constraint3 bool
	Constraint4 bool
	Constraint5 bool
	LevelIDC    uint8

	SPSID           uint32
	ChromaFormatIDC uint32

	Log2MaxFrameNumMinus4     uint32
	PicOrderCntType           uint32
	Log2MaxPicOrderCntLsbMin4 uint32

	MaxNumRefFrames           uint32
	PicWidthInMbsMinus1       uint32
	PicHeightInMapUnitsMinus1 uint32
	FrameMbsOnlyFlag          bool
	MbAdaptiveFrameFieldFlag  bool
	Direct8x8InferenceFlag    bool

	FrameCroppingFlag     bool
	FrameCropLeftOffset   uint32
	FrameCropRightOffset  uint32
	FrameCropTopOffset    uint32
	FrameCropBottomOffset uint32

	VUI *VUIParameters

	// Width and Height are the derived coded picture dimensions in luma
	// samples, with frame cropping already applied.
	Width  int
	Height int
}

// VUIParameters holds the subset of Annex E VUI fields a muxer cares about:
// sample aspect ratio and frame timing.
type VUIParameters struct {
	AspectRatioInfoPresentFlag bool
	AspectRatioIDC             uint8
	SARWidth                   uint32
	SARHeight                  uint32

	TimingInfoPresentFlag bool
	NumUnitsInTick        uint32
	TimeScale             uint32
	FixedFrameRateFlag    bool
}

// aspectRatioTable maps aspect_ratio_idc (Table E-1) to SAR width/height for
// the values below Extended_SAR (255).
var aspectRatioTable = map[uint8][2]uint32{
	1: {1, 1}, 2: {12, 11}, 3: {10, 11}, 4: {16, 11}, 5: {40, 33},
	6: {24, 11}, 7: {20, 11}, 8: {32, 11}, 9: {80, 33}, 10: {18, 11},
	11: {15, 11}, 12: {64, 33}, 13: {160, 99}, 14: {4, 3}, 15: {3, 2}, 16: {2, 1},
}

const extendedSAR = 255

// ParseSPS parses a raw SPS RBSP (NAL header byte and emulation-prevention
// already stripped by the caller, e.g. via bitio.StripEmulationPrevention).
func ParseSPS(rbsp []byte) (*SPS, error) {
	br := bitio.NewReader(bytes.NewReader(rbsp))
	s := &SPS{}

	var err error
	if s.Profile, err = readU8(br); err != nil {
		return nil, fmt.Errorf("avc: ParseSPS: profile_idc: %w", err)
	}
	if s.Constraint0, err = readFlag(br); err != nil {
		return nil, err
	}
	if s.Constraint1, err = readFlag(br); err != nil {
		return nil, err
	}
	if s.Constraint2, err = readFlag(br); err != nil {
		return nil, err
	}
	if s.Constraint3, err = readFlag(br); err != nil {
		return nil, err
	}
	if s.Constraint4, err = readFlag(br); err != nil {
		return nil, err
	}
	if s.Constraint5, err = readFlag(br); err != nil {
		return nil, err
	}
	if err := br.SkipBits(2); err != nil { // reserved_zero_2bits
		return nil, err
	}
	if s.LevelIDC, err = readU8(br); err != nil {
		return nil, fmt.Errorf("avc: ParseSPS: level_idc: %w", err)
	}
	if s.SPSID, err = br.ReadUE(); err != nil {
		return nil, fmt.Errorf("avc: ParseSPS: seq_parameter_set_id: %w", err)
	}

	s.ChromaFormatIDC = 1 // inferred default when not present
	if profilesWithChromaInfo[s.Profile] {
		if s.ChromaFormatIDC, err = br.ReadUE(); err != nil {
			return nil, err
		}
		separateColourPlane := false
		if s.ChromaFormatIDC == chromaFormat444 {
			if separateColourPlane, err = readFlag(br); err != nil {
				return nil, err
			}
		}
		_ = separateColourPlane
		if _, err = br.ReadUE(); err != nil { // bit_depth_luma_minus8
			return nil, err
		}
		if _, err = br.ReadUE(); err != nil { // bit_depth_chroma_minus8
			return nil, err
		}
		if _, err = br.ReadBit(); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}
		seqScalingMatrixPresent, err := readFlag(br)
		if err != nil {
			return nil, err
		}
		if seqScalingMatrixPresent {
			count := 8
			if s.ChromaFormatIDC == chromaFormat444 {
				count = 12
			}
			if err := skipScalingLists(br, count); err != nil {
				return nil, err
			}
		}
	}

	if s.Log2MaxFrameNumMinus4, err = br.ReadUE(); err != nil {
		return nil, err
	}
	if s.PicOrderCntType, err = br.ReadUE(); err != nil {
		return nil, err
	}
	switch s.PicOrderCntType {
	case 0:
		if s.Log2MaxPicOrderCntLsbMin4, err = br.ReadUE(); err != nil {
			return nil, err
		}
	case 1:
		if _, err = br.ReadBit(); err != nil { // delta_pic_order_always_zero_flag
			return nil, err
		}
		if _, err = br.ReadSE(); err != nil { // offset_for_non_ref_pic
			return nil, err
		}
		if _, err = br.ReadSE(); err != nil { // offset_for_top_to_bottom_field
			return nil, err
		}
		numRefFrames, err := br.ReadUE()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < numRefFrames; i++ {
			if _, err := br.ReadSE(); err != nil { // offset_for_ref_frame[i]
				return nil, err
			}
		}
	}

	if s.MaxNumRefFrames, err = br.ReadUE(); err != nil {
		return nil, err
	}
	if _, err = br.ReadBit(); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}
	if s.PicWidthInMbsMinus1, err = br.ReadUE(); err != nil {
		return nil, err
	}
	if s.PicHeightInMapUnitsMinus1, err = br.ReadUE(); err != nil {
		return nil, err
	}
	if s.FrameMbsOnlyFlag, err = readFlag(br); err != nil {
		return nil, err
	}
	if !s.FrameMbsOnlyFlag {
		if s.MbAdaptiveFrameFieldFlag, err = readFlag(br); err != nil {
			return nil, err
		}
	}
	if s.Direct8x8InferenceFlag, err = readFlag(br); err != nil {
		return nil, err
	}
	if s.FrameCroppingFlag, err = readFlag(br); err != nil {
		return nil, err
	}
	if s.FrameCroppingFlag {
		if s.FrameCropLeftOffset, err = br.ReadUE(); err != nil {
			return nil, err
		}
		if s.FrameCropRightOffset, err = br.ReadUE(); err != nil {
			return nil, err
		}
		if s.FrameCropTopOffset, err = br.ReadUE(); err != nil {
			return nil, err
		}
		if s.FrameCropBottomOffset, err = br.ReadUE(); err != nil {
			return nil, err
		}
	}

	vuiPresent, err := readFlag(br)
	if err != nil {
		return nil, err
	}
	if vuiPresent {
		if s.VUI, err = parseVUI(br); err != nil {
			return nil, fmt.Errorf("avc: ParseSPS: vui_parameters: %w", err)
		}
	}

	s.Width, s.Height = deriveDimensions(s)
	return s, nil
}

// deriveDimensions computes the cropped luma width/height per Equations
// 7-13/7-15/7-16/7-17/7-18 through 7-21 of the standard. The frame height
// in macroblocks is scaled by (2 - frame_mbs_only_flag), so field-coded
// streams (frame_mbs_only_flag=0) get twice the map-unit height.
func deriveDimensions(s *SPS) (width, height int) {
	width = int(s.PicWidthInMbsMinus1+1) * 16
	frameHeightInMbs := (2 - boolToInt(s.FrameMbsOnlyFlag)) * int(s.PicHeightInMapUnitsMinus1+1)
	height = frameHeightInMbs * 16

	if !s.FrameCroppingFlag {
		return width, height
	}
	// Monochrome/4:4:4 crop unit is 1 sample; 4:2:0/4:2:2 is 2 in one or
	// both dimensions. ChromaArrayType equals ChromaFormatIDC here since
	// this parser does not track separate_colour_plane_flag as disabling it.
	cropUnitX, cropUnitY := 1, 1
	switch s.ChromaFormatIDC {
	case 0: // monochrome
		cropUnitX, cropUnitY = 1, 2-boolToInt(s.FrameMbsOnlyFlag)
	case 1: // 4:2:0
		cropUnitX, cropUnitY = 2, 2*(2-boolToInt(s.FrameMbsOnlyFlag))
	case 2: // 4:2:2
		cropUnitX, cropUnitY = 2, 2-boolToInt(s.FrameMbsOnlyFlag)
	case 3: // 4:4:4
		cropUnitX, cropUnitY = 1, 2-boolToInt(s.FrameMbsOnlyFlag)
	}
	width -= cropUnitX * int(s.FrameCropLeftOffset+s.FrameCropRightOffset)
	height -= cropUnitY * int(s.FrameCropTopOffset+s.FrameCropBottomOffset)
	return width, height
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseVUI(br *bitio.Reader) (*VUIParameters, error) {
	v := &VUIParameters{}
	var err error
	if v.AspectRatioInfoPresentFlag, err = readFlag(br); err != nil {
		return nil, err
	}
	if v.AspectRatioInfoPresentFlag {
		if v.AspectRatioIDC, err = readU8(br); err != nil {
			return nil, err
		}
		if v.AspectRatioIDC == extendedSAR {
			if sw, err := br.ReadBits(16); err != nil {
				return nil, err
			} else {
				v.SARWidth = sw
			}
			if sh, err := br.ReadBits(16); err != nil {
				return nil, err
			} else {
				v.SARHeight = sh
			}
		} else if sar, ok := aspectRatioTable[v.AspectRatioIDC]; ok {
			v.SARWidth, v.SARHeight = sar[0], sar[1]
		}
	}

	overscanPresent, err := readFlag(br)
	if err != nil {
		return nil, err
	}
	if overscanPresent {
		if _, err := br.ReadBit(); err != nil { // overscan_appropriate_flag
			return nil, err
		}
	}

	videoSignalPresent, err := readFlag(br)
	if err != nil {
		return nil, err
	}
	if videoSignalPresent {
		if _, err := br.ReadBits(3); err != nil { // video_format
			return nil, err
		}
		if _, err := br.ReadBit(); err != nil { // video_full_range_flag
			return nil, err
		}
		colourDescPresent, err := readFlag(br)
		if err != nil {
			return nil, err
		}
		if colourDescPresent {
			if _, err := br.ReadBits(24); err != nil { // colour_primaries, transfer_characteristics, matrix_coefficients
				return nil, err
			}
		}
	}

	chromaLocPresent, err := readFlag(br)
	if err != nil {
		return nil, err
	}
	if chromaLocPresent {
		if _, err := br.ReadUE(); err != nil { // chroma_sample_loc_type_top_field
			return nil, err
		}
		if _, err := br.ReadUE(); err != nil { // chroma_sample_loc_type_bottom_field
			return nil, err
		}
	}

	if v.TimingInfoPresentFlag, err = readFlag(br); err != nil {
		return nil, err
	}
	if v.TimingInfoPresentFlag {
		if v.NumUnitsInTick, err = br.ReadBits(32); err != nil {
			return nil, err
		}
		if v.TimeScale, err = br.ReadBits(32); err != nil {
			return nil, err
		}
		if v.FixedFrameRateFlag, err = readFlag(br); err != nil {
			return nil, err
		}
	}
	// HRD parameters and the remainder of the VUI structure are not parsed:
	// nothing past this point affects dimensions, SAR, or frame rate.
	return v, nil
}

// FrameRate derives frames per second from VUI timing info, per Annex E's
// convention that a progressive stream's time_scale counts field periods
// (hence the factor of two). Returns 0 if timing info is absent.
func (s *SPS) FrameRate() float64 {
	if s.VUI == nil || !s.VUI.TimingInfoPresentFlag || s.VUI.NumUnitsInTick == 0 {
		return 0
	}
	return float64(s.VUI.TimeScale) / (2 * float64(s.VUI.NumUnitsInTick))
}

// skipScalingLists reads and discards count scaling_list() structures; the
// values themselves only affect quantization during decode, which is out of
// scope for container muxing.
func skipScalingLists(br *bitio.Reader, count int) error {
	for i := 0; i < count; i++ {
		present, err := readFlag(br)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		size := 16
		if i >= 6 {
			size = 64
		}
		lastScale, nextScale := 8, 8
		for j := 0; j < size; j++ {
			if nextScale != 0 {
				delta, err := br.ReadSE()
				if err != nil {
					return err
				}
				nextScale = (lastScale + int(delta) + 256) % 256
			}
			if nextScale != 0 {
				lastScale = nextScale
			}
		}
	}
	return nil
}

// CodecString derives the RFC 6381 "avc1.PPCCLL" codec parameter string
// from the profile, constraint-flag byte, and level of an SPS.
func (s *SPS) CodecString() string {
	constraintByte := byte(0)
	if s.Constraint0 {
		constraintByte |= 0x80
	}
	if s.Constraint1 {
		constraintByte |= 0x40
	}
	if s.Constraint2 {
		constraintByte |= 0x20
	}
	if s.Constraint3 {
		constraintByte |= 0x10
	}
	if s.Constraint4 {
		constraintByte |= 0x08
	}
	if s.Constraint5 {
		constraintByte |= 0x04
	}
	return fmt.Sprintf("avc1.%02x%02x%02x", s.Profile, constraintByte, s.LevelIDC)
}

// PPS is a parsed picture parameter set. Only pic_parameter_set_id and
// seq_parameter_set_id are retained; the slice-group/deblocking/entropy
// fields below them do not affect container muxing.
type PPS struct {
	PPSID uint32
	SPSID uint32
}

// ParsePPS parses a raw PPS RBSP.
func ParsePPS(rbsp []byte) (*PPS, error) {
	br := bitio.NewReader(bytes.NewReader(rbsp))
	p := &PPS{}
	var err error
	if p.PPSID, err = br.ReadUE(); err != nil {
		return nil, fmt.Errorf("avc: ParsePPS: pic_parameter_set_id: %w", err)
	}
	if p.SPSID, err = br.ReadUE(); err != nil {
		return nil, fmt.Errorf("avc: ParsePPS: seq_parameter_set_id: %w", err)
	}
	return p, nil
}

func readU8(br *bitio.Reader) (uint8, error) {
	v, err := br.ReadBits(8)
	return uint8(v), err
}

func readFlag(br *bitio.Reader) (bool, error) {
	v, err := br.ReadBit()
	return v == 1, err
}
