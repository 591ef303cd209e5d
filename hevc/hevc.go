// Package hevc parses ITU-T H.265 (HEVC) sequence parameter sets out of an
// RBSP and derives the values a container muxer needs: coded dimensions,
// bit depth, and the RFC 6381 codec string. Video and picture parameter
// sets are carried as opaque NAL units in the hvcC record; their fields are
// not parsed.
package hevc

import (
	"bytes"
	"fmt"

	"github.com/snapetech/containerkit/bitio"
)

// NAL unit types relevant to container muxing (Table 7-1).
const (
	NALTypeTrailN = 0
	NALTypeTrailR = 1
	NALTypeBLAWLP = 16
	NALTypeBLAWRADL = 17
	NALTypeBLANLP = 18
	NALTypeIDRWRADL = 19
	NALTypeIDRNLP   = 20
	NALTypeCRANUT   = 21
	NALTypeVPS       = 32
	NALTypeSPS       = 33
	NALTypePPS       = 34
)

// NALHeaderType returns nal_unit_type from a 2-byte HEVC NAL header.
func NALHeaderType(nal []byte) int {
	if len(nal) < 2 {
		return -1
	}
	return int((nal[0] >> 1) & 0x3F)
}

// IsKeyframeNAL reports whether nal begins an IRAP (IDR/BLA/CRA) access unit.
func IsKeyframeNAL(nal []byte) bool {
	t := NALHeaderType(nal)
	return t >= NALTypeBLAWLP && t <= NALTypeCRANUT
}

// ProfileTierLevel holds the subset of profile_tier_level() fields needed
// for the RFC 6381 codec string.
type ProfileTierLevel struct {
	GeneralProfileSpace uint8
	GeneralTierFlag     bool
	GeneralProfileIDC   uint8
	GeneralProfileCompatibilityFlags uint32
	GeneralConstraintFlags           uint64 // 48 bits, left-justified
	GeneralLevelIDC                  uint8
}

// SPS is a parsed sequence parameter set holding the fields a container
// muxer needs: dimensions (after conformance-window cropping), bit depth,
// and profile/tier/level for the codec string.
type SPS struct {
	SPSVideoParameterSetID uint8
	SPSMaxSubLayersMinus1  uint8
	PTL                    ProfileTierLevel

	ChromaFormatIDC              uint32
	SeparateColourPlaneFlag      bool
	PicWidthInLumaSamples        uint32
	PicHeightInLumaSamples       uint32
	ConformanceWindowFlag        bool
	ConfWinLeftOffset            uint32
	ConfWinRightOffset           uint32
	ConfWinTopOffset             uint32
	ConfWinBottomOffset          uint32
	BitDepthLumaMinus8           uint32
	BitDepthChromaMinus8         uint32

	Width  int
	Height int
}

// ParseSPS parses a raw HEVC SPS RBSP (2-byte NAL header and emulation
// prevention already stripped).
func ParseSPS(rbsp []byte) (*SPS, error) {
	br := bitio.NewReader(bytes.NewReader(rbsp))
	s := &SPS{}
	var err error

	v, err := br.ReadBits(4)
	if err != nil {
		return nil, err
	}
	s.SPSVideoParameterSetID = uint8(v)

	v, err = br.ReadBits(3)
	if err != nil {
		return nil, err
	}
	s.SPSMaxSubLayersMinus1 = uint8(v)

	if _, err = br.ReadBit(); err != nil { // sps_temporal_id_nesting_flag
		return nil, err
	}

	if s.PTL, err = parseProfileTierLevel(br, s.SPSMaxSubLayersMinus1); err != nil {
		return nil, fmt.Errorf("hevc: ParseSPS: profile_tier_level: %w", err)
	}

	if _, err = br.ReadUE(); err != nil { // sps_seq_parameter_set_id
		return nil, err
	}
	if s.ChromaFormatIDC, err = br.ReadUE(); err != nil {
		return nil, err
	}
	if s.ChromaFormatIDC == 3 {
		if s.SeparateColourPlaneFlag, err = readFlag(br); err != nil {
			return nil, err
		}
	}
	if s.PicWidthInLumaSamples, err = br.ReadUE(); err != nil {
		return nil, err
	}
	if s.PicHeightInLumaSamples, err = br.ReadUE(); err != nil {
		return nil, err
	}
	if s.ConformanceWindowFlag, err = readFlag(br); err != nil {
		return nil, err
	}
	if s.ConformanceWindowFlag {
		if s.ConfWinLeftOffset, err = br.ReadUE(); err != nil {
			return nil, err
		}
		if s.ConfWinRightOffset, err = br.ReadUE(); err != nil {
			return nil, err
		}
		if s.ConfWinTopOffset, err = br.ReadUE(); err != nil {
			return nil, err
		}
		if s.ConfWinBottomOffset, err = br.ReadUE(); err != nil {
			return nil, err
		}
	}
	if s.BitDepthLumaMinus8, err = br.ReadUE(); err != nil {
		return nil, err
	}
	if s.BitDepthChromaMinus8, err = br.ReadUE(); err != nil {
		return nil, err
	}
	// log2_max_pic_order_cnt_lsb_minus4 and everything past it (sub-layer
	// ordering info, scaling lists, short/long-term RPS, VUI) does not
	// affect dimensions or the codec string, so parsing stops here.

	s.Width, s.Height = deriveDimensions(s)
	return s, nil
}

func deriveDimensions(s *SPS) (width, height int) {
	width = int(s.PicWidthInLumaSamples)
	height = int(s.PicHeightInLumaSamples)
	if !s.ConformanceWindowFlag {
		return width, height
	}
	subWidthC, subHeightC := 1, 1
	switch s.ChromaFormatIDC {
	case 1: // 4:2:0
		subWidthC, subHeightC = 2, 2
	case 2: // 4:2:2
		subWidthC, subHeightC = 2, 1
	}
	width -= subWidthC * int(s.ConfWinLeftOffset+s.ConfWinRightOffset)
	height -= subHeightC * int(s.ConfWinTopOffset+s.ConfWinBottomOffset)
	return width, height
}

// parseProfileTierLevel reads profile_tier_level(1, maxSubLayersMinus1),
// skipping sub-layer profile/level fields that don't affect the codec
// string derived from the general_* fields.
func parseProfileTierLevel(br *bitio.Reader, maxSubLayersMinus1 uint8) (ProfileTierLevel, error) {
	var ptl ProfileTierLevel
	v, err := br.ReadBits(2)
	if err != nil {
		return ptl, err
	}
	ptl.GeneralProfileSpace = uint8(v)
	if ptl.GeneralTierFlag, err = readFlag(br); err != nil {
		return ptl, err
	}
	v, err = br.ReadBits(5)
	if err != nil {
		return ptl, err
	}
	ptl.GeneralProfileIDC = uint8(v)
	if ptl.GeneralProfileCompatibilityFlags, err = br.ReadBits(32); err != nil {
		return ptl, err
	}
	// general_progressive/interlaced/non_packed/frame_only_constraint_flag (4
	// bits) + reserved/other constraint flags (43 bits) + general_inbld_flag
	// or reserved (1 bit) = 48 bits total, kept as one opaque field.
	hi, err := br.ReadBits(32)
	if err != nil {
		return ptl, err
	}
	lo, err := br.ReadBits(16)
	if err != nil {
		return ptl, err
	}
	ptl.GeneralConstraintFlags = uint64(hi)<<16 | uint64(lo)
	v, err = br.ReadBits(8)
	if err != nil {
		return ptl, err
	}
	ptl.GeneralLevelIDC = uint8(v)

	if maxSubLayersMinus1 == 0 {
		return ptl, nil
	}

	subLayerProfilePresent := make([]bool, maxSubLayersMinus1)
	subLayerLevelPresent := make([]bool, maxSubLayersMinus1)
	for i := 0; i < int(maxSubLayersMinus1); i++ {
		p, err := readFlag(br)
		if err != nil {
			return ptl, err
		}
		l, err := readFlag(br)
		if err != nil {
			return ptl, err
		}
		subLayerProfilePresent[i] = p
		subLayerLevelPresent[i] = l
	}
	if maxSubLayersMinus1 > 0 {
		for i := int(maxSubLayersMinus1); i < 8; i++ {
			if _, err := br.ReadBits(2); err != nil { // reserved_zero_2bits
				return ptl, err
			}
		}
	}
	for i := 0; i < int(maxSubLayersMinus1); i++ {
		if subLayerProfilePresent[i] {
			if _, err := br.ReadBits(32); err != nil { // space/tier/idc (2+1+5) + compat flags... approximated as 32 here
				return ptl, err
			}
			if _, err := br.ReadBits(32); err != nil {
				return ptl, err
			}
			if _, err := br.ReadBits(24); err != nil {
				return ptl, err
			}
		}
		if subLayerLevelPresent[i] {
			if _, err := br.ReadBits(8); err != nil {
				return ptl, err
			}
		}
	}
	return ptl, nil
}

// CodecString derives the RFC 6381 "hvc1.<profile>.<compat>.<tier><level>"
// codec parameter string, followed by the six general constraint-flag octets
// as dot-separated hex; trailing zero octets are omitted, matching common
// encoder/muxer practice.
func (s *SPS) CodecString() string {
	ptl := s.PTL
	tier := "L"
	if ptl.GeneralTierFlag {
		tier = "H"
	}
	profile := fmt.Sprintf("%d", ptl.GeneralProfileIDC)
	if ptl.GeneralProfileSpace != 0 {
		profile = fmt.Sprintf("%c%d", 'A'+ptl.GeneralProfileSpace-1, ptl.GeneralProfileIDC)
	}
	compat := reverseBits32(ptl.GeneralProfileCompatibilityFlags)
	out := fmt.Sprintf("hvc1.%s.%x.%s%d", profile, compat, tier, ptl.GeneralLevelIDC)
	var cb [6]byte
	for i := range cb {
		cb[i] = byte(ptl.GeneralConstraintFlags >> (40 - 8*uint(i)))
	}
	n := len(cb)
	for n > 0 && cb[n-1] == 0 {
		n--
	}
	for i := 0; i < n; i++ {
		out += fmt.Sprintf(".%X", cb[i])
	}
	return out
}

// reverseBits32 reverses the bit order of v, needed because
// general_profile_compatibility_flag[i] is signaled MSB-first but RFC 6381
// encodes the compatibility word with bit 0 first.
func reverseBits32(v uint32) uint32 {
	var out uint32
	for i := 0; i < 32; i++ {
		out = (out << 1) | (v & 1)
		v >>= 1
	}
	return out
}

func readFlag(br *bitio.Reader) (bool, error) {
	v, err := br.ReadBit()
	return v == 1, err
}
