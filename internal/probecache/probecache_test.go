package probecache

import (
	"testing"

	"github.com/snapetech/containerkit/container"
)

func TestStoreThenLookupRoundTrip(t *testing.T) {
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	entry := Entry{
		Format: container.FormatMP4,
		Tracks: []container.Track{
			{ID: 1, Kind: container.KindVideo, CodecTag: "h264", Width: 1920, Height: 1080},
			{ID: 2, Kind: container.KindAudio, CodecTag: "aac", SampleRate: 48000, ChannelCount: 2},
		},
	}
	if err := c.Store("/media/movie.mp4", 123456, 1700000000, entry); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, ok, err := c.Lookup("/media/movie.mp4", 123456, 1700000000)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatalf("Lookup: ok = false, want a hit")
	}
	if got.Format != container.FormatMP4 || len(got.Tracks) != 2 {
		t.Fatalf("Lookup: got %+v", got)
	}
	if got.Tracks[0].CodecTag != "h264" || got.Tracks[1].CodecTag != "aac" {
		t.Fatalf("Lookup: track round trip mismatch: %+v", got.Tracks)
	}
}

func TestLookupMissOnSizeChange(t *testing.T) {
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	entry := Entry{Format: container.FormatMatroska}
	if err := c.Store("/media/show.mkv", 1000, 1700000000, entry); err != nil {
		t.Fatalf("Store: %v", err)
	}

	_, ok, err := c.Lookup("/media/show.mkv", 1001, 1700000000) // size changed since caching
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatalf("Lookup: ok = true for a size that changed since caching")
	}
}

func TestStoreReplacesExistingEntry(t *testing.T) {
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.Store("/media/x.ts", 10, 5, Entry{Format: container.FormatMPEGTS}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Store("/media/x.ts", 10, 5, Entry{Format: container.FormatOGG}); err != nil {
		t.Fatalf("Store (replace): %v", err)
	}

	got, ok, err := c.Lookup("/media/x.ts", 10, 5)
	if err != nil || !ok {
		t.Fatalf("Lookup: got ok=%v err=%v", ok, err)
	}
	if got.Format != container.FormatOGG {
		t.Fatalf("Lookup: got format %v, want the replaced FormatOGG", got.Format)
	}
}
