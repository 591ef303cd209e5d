package bitio

import (
	"bytes"
	"testing"
)

func TestReadBitsRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    uint32
		n    uint
	}{
		{"zero", 0, 8},
		{"one-bit", 1, 1},
		{"byte", 0xAB, 8},
		{"odd-width", 0x3F, 6},
		{"full-32", 0xDEADBEEF, 32},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			bw := NewWriter(&buf)
			if err := bw.WriteBits(c.v, c.n); err != nil {
				t.Fatalf("WriteBits: %v", err)
			}
			if err := bw.FlushBits(); err != nil {
				t.Fatalf("FlushBits: %v", err)
			}
			br := NewReader(&buf)
			got, err := br.ReadBits(c.n)
			if err != nil {
				t.Fatalf("ReadBits: %v", err)
			}
			if got != c.v {
				t.Errorf("got %#x want %#x", got, c.v)
			}
		})
	}
}

func TestExpGolombUnsignedIdentity(t *testing.T) {
	for v := uint32(0); v < 1<<16; v += 37 {
		var buf bytes.Buffer
		bw := NewWriter(&buf)
		if err := bw.WriteUE(v); err != nil {
			t.Fatalf("WriteUE(%d): %v", v, err)
		}
		if err := bw.FlushBits(); err != nil {
			t.Fatal(err)
		}
		br := NewReader(&buf)
		got, err := br.ReadUE()
		if err != nil {
			t.Fatalf("ReadUE(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("v=%d: got %d", v, got)
		}
	}
}

func TestExpGolombSignedIdentity(t *testing.T) {
	for v := int32(-1 << 14); v < 1<<14; v += 41 {
		var buf bytes.Buffer
		bw := NewWriter(&buf)
		if err := bw.WriteSE(v); err != nil {
			t.Fatalf("WriteSE(%d): %v", v, err)
		}
		if err := bw.FlushBits(); err != nil {
			t.Fatal(err)
		}
		br := NewReader(&buf)
		got, err := br.ReadSE()
		if err != nil {
			t.Fatalf("ReadSE(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("v=%d: got %d", v, got)
		}
	}
}

func TestExpGolombZero(t *testing.T) {
	var buf bytes.Buffer
	bw := NewWriter(&buf)
	_ = bw.WriteUE(0)
	_ = bw.FlushBits()
	br := NewReader(&buf)
	got, err := br.ReadUE()
	if err != nil || got != 0 {
		t.Fatalf("got %d err %v, want 0", got, err)
	}
}

func TestEmulationPreventionRoundTrip(t *testing.T) {
	cases := [][]byte{
		{0x00, 0x00, 0x00},
		{0x00, 0x00, 0x01},
		{0x00, 0x00, 0x02},
		{0x00, 0x00, 0x03},
		{0x01, 0x00, 0x00, 0x00, 0x02, 0x03},
		{},
		{0xAA, 0xBB, 0xCC},
	}
	for _, raw := range cases {
		inserted := InsertEmulationPrevention(raw)
		if err := containsForbidden(inserted); err {
			t.Errorf("InsertEmulationPrevention(%x) still forbidden: %x", raw, inserted)
		}
		stripped := StripEmulationPrevention(inserted)
		if !bytes.Equal(stripped, raw) {
			t.Errorf("round-trip mismatch: raw=%x inserted=%x stripped=%x", raw, inserted, stripped)
		}
	}
}

func containsForbidden(b []byte) bool {
	for i := 0; i+2 < len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] <= 0x02 {
			return true
		}
	}
	return false
}

func TestAnnexBSplitWrite(t *testing.T) {
	nals := [][]byte{{0x67, 0x01, 0x02}, {0x68, 0x03}}
	annexb := WriteAnnexB(nals)
	got := SplitAnnexB(annexb)
	if len(got) != len(nals) {
		t.Fatalf("got %d nals, want %d", len(got), len(nals))
	}
	for i := range nals {
		if !bytes.Equal(got[i], nals[i]) {
			t.Errorf("nal %d: got %x want %x", i, got[i], nals[i])
		}
	}
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	nals := [][]byte{{0x67, 0x01, 0x02}, {0x68, 0x03}, {}}
	data, err := WriteLengthPrefixed(nals, LengthPrefix4)
	if err != nil {
		t.Fatal(err)
	}
	got, err := SplitLengthPrefixed(data, LengthPrefix4)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(nals) {
		t.Fatalf("got %d nals want %d", len(got), len(nals))
	}
	for i := range nals {
		if !bytes.Equal(got[i], nals[i]) {
			t.Errorf("nal %d mismatch: got %x want %x", i, got[i], nals[i])
		}
	}
}
