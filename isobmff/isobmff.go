// Package isobmff provides the box-header codec, fixed container-type
// membership set, and FourCC/language helpers shared by the MP4 demuxer
// and muxer. It has no opinion on any particular box's payload layout
// beyond the header itself.
package isobmff

import (
	"fmt"
	"io"

	"github.com/snapetech/containerkit/byteio"
)

// BoxType is a four-character box type code (ftyp, moov, mdat, ...).
type BoxType = byteio.FourCC

// Known box types, grouped the way the format's own spec groups them.
var (
	TypeFtyp = byteio.NewFourCC("ftyp")
	TypeStyp = byteio.NewFourCC("styp")

	TypeMoov = byteio.NewFourCC("moov")
	TypeMvhd = byteio.NewFourCC("mvhd")
	TypeTrak = byteio.NewFourCC("trak")
	TypeTkhd = byteio.NewFourCC("tkhd")
	TypeTref = byteio.NewFourCC("tref")
	TypeEdts = byteio.NewFourCC("edts")
	TypeElst = byteio.NewFourCC("elst")
	TypeMdia = byteio.NewFourCC("mdia")
	TypeMdhd = byteio.NewFourCC("mdhd")
	TypeHdlr = byteio.NewFourCC("hdlr")
	TypeMinf = byteio.NewFourCC("minf")
	TypeVmhd = byteio.NewFourCC("vmhd")
	TypeSmhd = byteio.NewFourCC("smhd")
	TypeNmhd = byteio.NewFourCC("nmhd")
	TypeDinf = byteio.NewFourCC("dinf")
	TypeDref = byteio.NewFourCC("dref")

	TypeStbl = byteio.NewFourCC("stbl")
	TypeStsd = byteio.NewFourCC("stsd")
	TypeStts = byteio.NewFourCC("stts")
	TypeCtts = byteio.NewFourCC("ctts")
	TypeStsc = byteio.NewFourCC("stsc")
	TypeStsz = byteio.NewFourCC("stsz")
	TypeStco = byteio.NewFourCC("stco")
	TypeCo64 = byteio.NewFourCC("co64")
	TypeStss = byteio.NewFourCC("stss")

	TypeMvex = byteio.NewFourCC("mvex")
	TypeMehd = byteio.NewFourCC("mehd")
	TypeTrex = byteio.NewFourCC("trex")
	TypeMoof = byteio.NewFourCC("moof")
	TypeMfhd = byteio.NewFourCC("mfhd")
	TypeTraf = byteio.NewFourCC("traf")
	TypeTfhd = byteio.NewFourCC("tfhd")
	TypeTfdt = byteio.NewFourCC("tfdt")
	TypeTrun = byteio.NewFourCC("trun")
	TypeMfra = byteio.NewFourCC("mfra")
	TypeTfra = byteio.NewFourCC("tfra")
	TypeMfro = byteio.NewFourCC("mfro")

	TypeSinf = byteio.NewFourCC("sinf")
	TypeSchi = byteio.NewFourCC("schi")
	TypeRinf = byteio.NewFourCC("rinf")

	TypeMeta = byteio.NewFourCC("meta")
	TypeUdta = byteio.NewFourCC("udta")
	TypeIlst = byteio.NewFourCC("ilst")
	TypeChpl = byteio.NewFourCC("chpl")

	TypeMdat = byteio.NewFourCC("mdat")
	TypeFree = byteio.NewFourCC("free")
	TypeSkip = byteio.NewFourCC("skip")

	TypeAvc1 = byteio.NewFourCC("avc1")
	TypeAvcC = byteio.NewFourCC("avcC")
	TypeHev1 = byteio.NewFourCC("hev1")
	TypeHvc1 = byteio.NewFourCC("hvc1")
	TypeHvcC = byteio.NewFourCC("hvcC")
	TypeAv01 = byteio.NewFourCC("av01")
	TypeAv1C = byteio.NewFourCC("av1C")
	TypeMp4a = byteio.NewFourCC("mp4a")
	TypeEsds = byteio.NewFourCC("esds")
	TypePasp = byteio.NewFourCC("pasp")
	TypeBtrt = byteio.NewFourCC("btrt")
)

// containerTypes is the fixed set of box types this library recurses
// into; all other box bodies are treated as opaque leaf payloads.
var containerTypes = map[BoxType]bool{
	TypeMoov: true, TypeTrak: true, TypeMdia: true, TypeMinf: true,
	TypeStbl: true, TypeDinf: true, TypeEdts: true, TypeUdta: true,
	TypeMeta: true, TypeIlst: true, TypeMoof: true, TypeTraf: true,
	TypeMvex: true, TypeSinf: true, TypeSchi: true, TypeRinf: true,
	TypeTref: true, TypeMfra: true,
}

// IsContainerBox reports whether t is one of the fixed container box types
// this library recurses into.
func IsContainerBox(t BoxType) bool {
	return containerTypes[t]
}

// BoxHeader is a decoded box header: type, the declared total box size
// (header + payload, in bytes), and the header's own length.
type BoxHeader struct {
	Type      BoxType
	Size      int64 // total box size including this header; 0 means "to EOF"
	HeaderLen int
}

// ReadBoxHeader reads one box header. A 32-bit size of 1 selects the
// 64-bit largesize field; a 32-bit size of 0 means the box extends to the
// end of its enclosing container (commonly end of file), and Size is
// reported as 0 for the caller to resolve against the remaining stream
// length.
func ReadBoxHeader(r io.Reader) (BoxHeader, error) {
	size32, err := byteio.ReadU32(r)
	if err != nil {
		return BoxHeader{}, err
	}
	boxType, err := byteio.ReadFourCC(r)
	if err != nil {
		return BoxHeader{}, err
	}
	h := BoxHeader{Type: boxType, HeaderLen: 8}

	switch size32 {
	case 0:
		h.Size = 0
	case 1:
		large, err := byteio.ReadU64(r)
		if err != nil {
			return BoxHeader{}, fmt.Errorf("isobmff: ReadBoxHeader: largesize: %w", err)
		}
		h.Size = int64(large)
		h.HeaderLen = 16
	default:
		h.Size = int64(size32)
	}
	return h, nil
}

// WriteBoxHeader writes a box header for a box of the given type and total
// size, choosing the 64-bit largesize form only when size exceeds the
// 32-bit field's range.
func WriteBoxHeader(w io.Writer, t BoxType, size int64) error {
	if size < 0xFFFFFFFF {
		if err := byteio.WriteU32(w, uint32(size)); err != nil {
			return err
		}
		return byteio.WriteFourCC(w, t)
	}
	if err := byteio.WriteU32(w, 1); err != nil {
		return err
	}
	if err := byteio.WriteFourCC(w, t); err != nil {
		return err
	}
	return byteio.WriteU64(w, uint64(size))
}

// FullBoxHeader is the 4-byte version+flags word every FullBox (ISO/IEC
// 14496-12 §4.2) carries after its BoxHeader.
type FullBoxHeader struct {
	Version uint8
	Flags   uint32 // 24-bit flags field, stored in the low 24 bits
}

// ReadFullBoxHeader reads a FullBox's version/flags word.
func ReadFullBoxHeader(r io.Reader) (FullBoxHeader, error) {
	v, err := byteio.ReadU8(r)
	if err != nil {
		return FullBoxHeader{}, err
	}
	flags, err := byteio.ReadU24(r)
	if err != nil {
		return FullBoxHeader{}, err
	}
	return FullBoxHeader{Version: v, Flags: flags}, nil
}

// WriteFullBoxHeader writes a FullBox's version/flags word.
func WriteFullBoxHeader(w io.Writer, h FullBoxHeader) error {
	if err := byteio.WriteU8(w, h.Version); err != nil {
		return err
	}
	return byteio.WriteU24(w, h.Flags&0xFFFFFF)
}

// packedLanguageBias is the offset ISO 639-2/T codes are biased by when
// packed 5 bits per letter into a 15-bit field (ISO/IEC 14496-12 §8.4.2.2).
const packedLanguageBias = 0x60

// ReadPackedLanguage decodes mdhd's 16-bit packed ISO-639-2 language field
// (1 padding bit + three 5-bit letters, each biased by 0x60) into its
// three-letter code.
func ReadPackedLanguage(v uint16) string {
	c1 := byte((v>>10)&0x1F) + packedLanguageBias
	c2 := byte((v>>5)&0x1F) + packedLanguageBias
	c3 := byte(v&0x1F) + packedLanguageBias
	return string([]byte{c1, c2, c3})
}

// WritePackedLanguage encodes a three-letter ISO-639-2 code into mdhd's
// packed 16-bit field. lang must be exactly 3 ASCII letters.
func WritePackedLanguage(lang string) (uint16, error) {
	if len(lang) != 3 {
		return 0, fmt.Errorf("isobmff: WritePackedLanguage: %q must be 3 letters", lang)
	}
	var v uint16
	for i := 0; i < 3; i++ {
		c := lang[i]
		if c < packedLanguageBias || c-packedLanguageBias > 0x1F {
			return 0, fmt.Errorf("isobmff: WritePackedLanguage: %q has an unencodable letter", lang)
		}
		v = v<<5 | uint16(c-packedLanguageBias)
	}
	return v, nil
}

// FixedPoint16_16 converts a 16.16 fixed-point value (matrix entries,
// width/height in tkhd) to a float64.
func FixedPoint16_16(raw int32) float64 {
	return float64(raw) / 65536.0
}

// FixedPoint8_8 converts an 8.8 fixed-point value (mvhd.rate is 16.16;
// volume is 8.8) to a float64.
func FixedPoint8_8(raw int16) float64 {
	return float64(raw) / 256.0
}
