package ebml

import (
	"bytes"
	"testing"
	"time"
)

func TestReadIDRetainsMarkerBits(t *testing.T) {
	// 0x1A45DFA3 is the EBML header ID, 4-byte width; the marker bits
	// (top nibble 0x1) must survive in the decoded value.
	data := []byte{0x1A, 0x45, 0xDF, 0xA3}
	id, n, err := ReadID(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("length = %d, want 4", n)
	}
	if id != 0x1A45DFA3 {
		t.Fatalf("id = %#x, want 0x1A45DFA3", id)
	}
}

func TestSizeVLQIdentity(t *testing.T) {
	// Boundary-heavy table plus a bounded pseudo-range sweep, since
	// exhaustively enumerating [0, 2^56) is impractical.
	// The per-width all-ones value (0x7F, 0x3FFF, 0x1FFFFF, 0xFFFFFFF, ...)
	// is reserved as the unknown-size sentinel by the format itself, so
	// those exact values are deliberately excluded here.
	cases := []int64{
		0, 1, 0x7E, 0x80, 0x3FFE, 0x4000,
		0x1FFFFE, 0x200000,
		0x10000000,
		0xFFFFFFFFF,
	}
	for _, v := range cases {
		var buf bytes.Buffer
		if err := WriteSize(&buf, v); err != nil {
			t.Fatalf("WriteSize(%d): %v", v, err)
		}
		got, _, unknown, err := ReadSize(&buf)
		if err != nil {
			t.Fatalf("ReadSize after WriteSize(%d): %v", v, err)
		}
		if unknown {
			t.Fatalf("WriteSize(%d) round-tripped as unknown-size", v)
		}
		if got != v {
			t.Fatalf("v=%d: got %d", v, got)
		}
	}
	for v := int64(0); v < 1<<20; v += 9973 {
		var buf bytes.Buffer
		if err := WriteSize(&buf, v); err != nil {
			t.Fatalf("WriteSize(%d): %v", v, err)
		}
		got, _, _, err := ReadSize(&buf)
		if err != nil {
			t.Fatalf("ReadSize after WriteSize(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("v=%d: got %d", v, got)
		}
	}
}

func TestUnknownSizeSentinel(t *testing.T) {
	for width := 1; width <= 8; width++ {
		var buf bytes.Buffer
		if err := WriteUnknownSize(&buf, width); err != nil {
			t.Fatalf("WriteUnknownSize(%d): %v", width, err)
		}
		_, n, unknown, err := ReadSize(&buf)
		if err != nil {
			t.Fatalf("ReadSize: %v", err)
		}
		if n != width {
			t.Fatalf("width=%d: got length %d", width, n)
		}
		if !unknown {
			t.Fatalf("width=%d: expected unknown-size sentinel", width)
		}
	}
}

func TestReadElementHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xA3}) // SimpleBlock ID, 1-byte width
	if err := WriteSize(&buf, 42); err != nil {
		t.Fatal(err)
	}
	buf.Write(bytes.Repeat([]byte{0}, 42))

	el, err := ReadElement(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if el.ID != 0xA3 {
		t.Fatalf("id = %#x", el.ID)
	}
	if el.DataSize != 42 {
		t.Fatalf("size = %d", el.DataSize)
	}
	if el.UnknownSize {
		t.Fatal("expected known size")
	}
}

func TestReadUintReadInt(t *testing.T) {
	u, err := ReadUint([]byte{0x01, 0x02})
	if err != nil || u != 0x0102 {
		t.Fatalf("ReadUint = %d, %v", u, err)
	}

	// Negative int16-equivalent: 0xFFFE == -2 when sign-extended from a
	// 2-byte body.
	i, err := ReadInt([]byte{0xFF, 0xFE})
	if err != nil || i != -2 {
		t.Fatalf("ReadInt = %d, %v", i, err)
	}

	i, err = ReadInt([]byte{0x00, 0x02})
	if err != nil || i != 2 {
		t.Fatalf("ReadInt = %d, %v", i, err)
	}
}

func TestReadFloat(t *testing.T) {
	// 8-byte IEEE-754 double for 1.5.
	data := []byte{0x3F, 0xF8, 0, 0, 0, 0, 0, 0}
	f, err := ReadFloat(data)
	if err != nil || f != 1.5 {
		t.Fatalf("ReadFloat = %v, %v", f, err)
	}
}

func TestReadDate(t *testing.T) {
	// Exactly the EBML epoch (0 ns offset).
	got, err := ReadDate([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestWriteUintMinimalWidth(t *testing.T) {
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 1}, {0xFF, 1}, {0x100, 2}, {0xFFFF, 2}, {0x10000, 3},
	}
	for _, c := range cases {
		got := WriteUint(c.v)
		if len(got) != c.want {
			t.Fatalf("WriteUint(%d) len = %d, want %d", c.v, len(got), c.want)
		}
		v, err := ReadUint(got)
		if err != nil || v != c.v {
			t.Fatalf("round trip v=%d: got %d, %v", c.v, v, err)
		}
	}
}
