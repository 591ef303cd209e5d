package avc

import (
	"bytes"
	"testing"

	"github.com/snapetech/containerkit/bitio"
)

// buildBaselineSPS hand-encodes a minimal baseline-profile SPS RBSP with
// known field values, so the expected derived width/height/frame-rate/codec
// string can be checked exactly.
func buildBaselineSPS(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := bitio.NewWriter(&buf)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("encode SPS fixture: %v", err)
		}
	}

	must(bw.WriteBits(66, 8))  // profile_idc = 66 (baseline)
	must(bw.WriteBit(0))       // constraint_set0_flag
	must(bw.WriteBit(1))       // constraint_set1_flag
	must(bw.WriteBit(0))       // constraint_set2_flag
	must(bw.WriteBit(0))       // constraint_set3_flag
	must(bw.WriteBit(0))       // constraint_set4_flag
	must(bw.WriteBit(0))       // constraint_set5_flag
	must(bw.WriteBits(0, 2))   // reserved_zero_2bits
	must(bw.WriteBits(30, 8))  // level_idc = 30
	must(bw.WriteUE(0))        // seq_parameter_set_id
	must(bw.WriteUE(0))        // log2_max_frame_num_minus4
	must(bw.WriteUE(0))        // pic_order_cnt_type
	must(bw.WriteUE(0))        // log2_max_pic_order_cnt_lsb_minus4
	must(bw.WriteUE(1))        // max_num_ref_frames
	must(bw.WriteBit(0))       // gaps_in_frame_num_value_allowed_flag
	must(bw.WriteUE(10))       // pic_width_in_mbs_minus1 -> width = 11*16 = 176
	must(bw.WriteUE(8))        // pic_height_in_map_units_minus1 -> height = 9*16 = 144
	must(bw.WriteBit(1))       // frame_mbs_only_flag
	must(bw.WriteBit(1))       // direct_8x8_inference_flag
	must(bw.WriteBit(0))       // frame_cropping_flag

	must(bw.WriteBit(1)) // vui_parameters_present_flag
	must(bw.WriteBit(0)) // aspect_ratio_info_present_flag
	must(bw.WriteBit(0)) // overscan_info_present_flag
	must(bw.WriteBit(0)) // video_signal_type_present_flag
	must(bw.WriteBit(0)) // chroma_loc_info_present_flag
	must(bw.WriteBit(1)) // timing_info_present_flag
	must(bw.WriteBits(1001, 32))
	must(bw.WriteBits(60000, 32))
	must(bw.WriteBit(1)) // fixed_frame_rate_flag

	must(bw.FlushBits())
	return buf.Bytes()
}

func TestParseSPSDimensionsAndFrameRate(t *testing.T) {
	sps, err := ParseSPS(buildBaselineSPS(t))
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	if sps.Width != 176 || sps.Height != 144 {
		t.Fatalf("got %dx%d, want 176x144", sps.Width, sps.Height)
	}
	wantFPS := 60000.0 / (2 * 1001.0)
	if got := sps.FrameRate(); got < wantFPS-0.001 || got > wantFPS+0.001 {
		t.Fatalf("FrameRate() = %f, want %f", got, wantFPS)
	}
	if sps.Profile != 66 || sps.LevelIDC != 30 {
		t.Fatalf("got profile=%d level=%d", sps.Profile, sps.LevelIDC)
	}
	if !sps.Constraint1 || sps.Constraint0 {
		t.Fatalf("constraint flags decoded wrong: c0=%v c1=%v", sps.Constraint0, sps.Constraint1)
	}
}

func TestSPSCodecString(t *testing.T) {
	sps, err := ParseSPS(buildBaselineSPS(t))
	if err != nil {
		t.Fatal(err)
	}
	want := "avc1.42401e" // profile 0x42, constraint_set1 only => 0x40, level 30 => 0x1e
	if got := sps.CodecString(); got != want {
		t.Fatalf("CodecString() = %q, want %q", got, want)
	}
}

// buildMainProfileSPS hand-encodes an SPS matching profile_idc=77,
// level_idc=31, 120x68 macroblocks, progressive, no cropping, no VUI.
func buildMainProfileSPS(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := bitio.NewWriter(&buf)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("encode SPS fixture: %v", err)
		}
	}

	must(bw.WriteBits(77, 8)) // profile_idc = 77 (Main)
	must(bw.WriteBit(0))      // constraint_set0_flag
	must(bw.WriteBit(0))      // constraint_set1_flag
	must(bw.WriteBit(0))      // constraint_set2_flag
	must(bw.WriteBit(0))      // constraint_set3_flag
	must(bw.WriteBit(0))      // constraint_set4_flag
	must(bw.WriteBit(0))      // constraint_set5_flag
	must(bw.WriteBits(0, 2))  // reserved_zero_2bits
	must(bw.WriteBits(31, 8)) // level_idc = 31
	must(bw.WriteUE(0))       // seq_parameter_set_id
	must(bw.WriteUE(0))       // log2_max_frame_num_minus4
	must(bw.WriteUE(0))       // pic_order_cnt_type
	must(bw.WriteUE(0))       // log2_max_pic_order_cnt_lsb_minus4
	must(bw.WriteUE(1))       // max_num_ref_frames
	must(bw.WriteBit(0))      // gaps_in_frame_num_value_allowed_flag
	must(bw.WriteUE(119))     // pic_width_in_mbs_minus1 -> width = 120*16 = 1920
	must(bw.WriteUE(67))      // pic_height_in_map_units_minus1 -> height = 68*16 = 1088
	must(bw.WriteBit(1))      // frame_mbs_only_flag
	must(bw.WriteBit(1))      // direct_8x8_inference_flag
	must(bw.WriteBit(0))      // frame_cropping_flag
	must(bw.WriteBit(0))      // vui_parameters_present_flag

	must(bw.FlushBits())
	return buf.Bytes()
}

func TestParseSPSMainProfile1080Scenario(t *testing.T) {
	sps, err := ParseSPS(buildMainProfileSPS(t))
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	if sps.Width != 1920 || sps.Height != 1088 {
		t.Fatalf("got %dx%d, want 1920x1088 (uncropped)", sps.Width, sps.Height)
	}
	if sps.VUI != nil {
		t.Fatalf("VUI = %+v, want nil (no timing info present)", sps.VUI)
	}
	if got := sps.CodecString(); got != "avc1.4d001f" {
		t.Fatalf("CodecString() = %q, want avc1.4d001f", got)
	}
}

func TestParsePPS(t *testing.T) {
	var buf bytes.Buffer
	bw := bitio.NewWriter(&buf)
	_ = bw.WriteUE(0) // pic_parameter_set_id
	_ = bw.WriteUE(0) // seq_parameter_set_id
	_ = bw.FlushBits()

	pps, err := ParsePPS(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if pps.PPSID != 0 || pps.SPSID != 0 {
		t.Fatalf("got %+v", pps)
	}
}

func TestDecoderConfigurationRecordRoundTrip(t *testing.T) {
	sps, err := ParseSPS(buildBaselineSPS(t))
	if err != nil {
		t.Fatal(err)
	}
	spsNAL := []byte{0x67, 0xAA, 0xBB}
	ppsNAL := []byte{0x68, 0xCC}
	rec := NewDecoderConfigurationRecord(sps, [][]byte{spsNAL}, [][]byte{ppsNAL})

	data, err := rec.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseDecoderConfigurationRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProfileIndication != sps.Profile || got.LevelIndication != sps.LevelIDC {
		t.Fatalf("got %+v", got)
	}
	if len(got.SPS) != 1 || !bytes.Equal(got.SPS[0], spsNAL) {
		t.Fatalf("sps mismatch: %x", got.SPS)
	}
	if len(got.PPS) != 1 || !bytes.Equal(got.PPS[0], ppsNAL) {
		t.Fatalf("pps mismatch: %x", got.PPS)
	}
	if got.LengthSize != bitio.LengthPrefix4 {
		t.Fatalf("length size = %d, want 4", got.LengthSize)
	}
}

func TestIsKeyframeNAL(t *testing.T) {
	if !IsKeyframeNAL([]byte{0x65, 0, 0}) {
		t.Fatal("expected IDR NAL to be a keyframe")
	}
	if IsKeyframeNAL([]byte{0x41, 0, 0}) {
		t.Fatal("non-IDR slice should not be a keyframe")
	}
}
