package mkv

import (
	"bytes"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/ebml"
)

func writeElement(t *testing.T, w *bytes.Buffer, id ebml.ID, body []byte) {
	t.Helper()
	if err := ebml.WriteID(w, id); err != nil {
		t.Fatal(err)
	}
	if err := ebml.WriteSize(w, int64(len(body))); err != nil {
		t.Fatal(err)
	}
	w.Write(body)
}

// buildMinimalWebM assembles an EBML header, one Info, one Tracks (single
// VP9 video track), and one Cluster carrying a single keyframe SimpleBlock.
func buildMinimalWebM(t *testing.T) []byte {
	t.Helper()

	var header bytes.Buffer
	writeElement(t, &header, idDocType, []byte("webm"))

	var info bytes.Buffer
	writeElement(t, &info, idTimestampScale, ebml.WriteUint(1_000_000))

	var trackEntry bytes.Buffer
	writeElement(t, &trackEntry, idTrackNumber, ebml.WriteUint(1))
	writeElement(t, &trackEntry, idTrackType, ebml.WriteUint(trackTypeVideo))
	writeElement(t, &trackEntry, idCodecID, []byte("V_VP9"))
	writeElement(t, &trackEntry, idLanguage, []byte("eng"))
	var pixelWidth bytes.Buffer
	writeElement(t, &pixelWidth, idPixelWidth, ebml.WriteUint(640))
	writeElement(t, &pixelWidth, idPixelHeight, ebml.WriteUint(480))
	writeElement(t, &trackEntry, idTrackVideo, pixelWidth.Bytes())

	var tracks bytes.Buffer
	writeElement(t, &tracks, idTrackEntry, trackEntry.Bytes())

	var cluster bytes.Buffer
	writeElement(t, &cluster, idTimestamp, ebml.WriteUint(0))
	simpleBlock := []byte{0x81, 0x00, 0x00, 0x80, 0xDE, 0xAD, 0xBE, 0xEF}
	writeElement(t, &cluster, idSimpleBlock, simpleBlock)

	var segment bytes.Buffer
	writeElement(t, &segment, idSegmentInfo, info.Bytes())
	writeElement(t, &segment, idTracks, tracks.Bytes())
	writeElement(t, &segment, idCluster, cluster.Bytes())

	var out bytes.Buffer
	writeElement(t, &out, idEBMLHeader, header.Bytes())
	writeElement(t, &out, idSegment, segment.Bytes())
	return out.Bytes()
}

func openDemuxer(t *testing.T, data []byte) *Demuxer {
	t.Helper()
	d, err := Open(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// idVoid is EBML's reserved padding element, a realistic stand-in for a
// Segment child this package has no dedicated case for.
const idVoid = ebml.ID(0xEC)

// TestOpenLogsUnhandledSegmentElement checks that Open's optional logger
// (a variadic, nil-defaulting-to-log.Default() parameter, same convention
// as mp4.Open) receives a diagnostic line when the Segment walk meets an
// element it has no case for, and that omitting the logger entirely still
// opens the file successfully.
func TestOpenLogsUnhandledSegmentElement(t *testing.T) {
	var header bytes.Buffer
	writeElement(t, &header, idDocType, []byte("webm"))

	var info bytes.Buffer
	writeElement(t, &info, idTimestampScale, ebml.WriteUint(1_000_000))

	var tracks bytes.Buffer // no tracks needed for this check

	var segment bytes.Buffer
	writeElement(t, &segment, idSegmentInfo, info.Bytes())
	writeElement(t, &segment, idVoid, make([]byte, 4))
	writeElement(t, &segment, idTracks, tracks.Bytes())

	var out bytes.Buffer
	writeElement(t, &out, idEBMLHeader, header.Bytes())
	writeElement(t, &out, idSegment, segment.Bytes())

	if _, err := Open(bytes.NewReader(out.Bytes())); err != nil {
		t.Fatalf("Open(src) with no logger arg: %v", err)
	}

	var logBuf bytes.Buffer
	custom := log.New(&logBuf, "", 0)
	if _, err := Open(bytes.NewReader(out.Bytes()), custom); err != nil {
		t.Fatalf("Open(src, custom logger): %v", err)
	}
	if !strings.Contains(logBuf.String(), "skipped") {
		t.Fatalf("expected a skipped-element log line, got %q", logBuf.String())
	}
}

func TestOpenParsesDocTypeAndTimestampScale(t *testing.T) {
	d := openDemuxer(t, buildMinimalWebM(t))
	if d.DocType() != DocTypeWebM {
		t.Fatalf("DocType() = %q, want webm", d.DocType())
	}
	if d.timestampScale != 1_000_000 {
		t.Fatalf("timestampScale = %d, want 1000000", d.timestampScale)
	}
}

func TestOpenParsesTrack(t *testing.T) {
	d := openDemuxer(t, buildMinimalWebM(t))
	tracks := d.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("got %d tracks, want 1", len(tracks))
	}
	tr := tracks[0]
	if tr.ID != 1 || tr.Kind != container.KindVideo || tr.CodecTag != "vp9" {
		t.Fatalf("got %+v", tr)
	}
	if tr.Width != 640 || tr.Height != 480 {
		t.Fatalf("dimensions = %dx%d, want 640x480", tr.Width, tr.Height)
	}
	if tr.Language != "eng" {
		t.Fatalf("Language = %q, want eng", tr.Language)
	}
}

func TestReadPacketKeyframe(t *testing.T) {
	d := openDemuxer(t, buildMinimalWebM(t))
	pkt, err := d.ReadPacket()
	if err != nil {
		t.Fatal(err)
	}
	if pkt.TrackID != 1 {
		t.Fatalf("TrackID = %d, want 1", pkt.TrackID)
	}
	if !pkt.Keyframe {
		t.Fatal("expected SimpleBlock flags bit 7 to mark a keyframe")
	}
	if !bytes.Equal(pkt.Data, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("Data = %x", pkt.Data)
	}
	if pkt.DTS != 0 {
		t.Fatalf("DTS = %v, want 0", pkt.DTS)
	}

	if _, err := d.ReadPacket(); err != io.EOF {
		t.Fatalf("expected io.EOF after the single packet, got %v", err)
	}
}

// buildLacedWebM is buildMinimalWebM but its Cluster carries one
// SimpleBlock using fixed lacing over 3 equal-size frames instead of a
// single unlaced frame.
func buildLacedWebM(t *testing.T) []byte {
	t.Helper()

	var header bytes.Buffer
	writeElement(t, &header, idDocType, []byte("webm"))

	var info bytes.Buffer
	writeElement(t, &info, idTimestampScale, ebml.WriteUint(1_000_000))

	var trackEntry bytes.Buffer
	writeElement(t, &trackEntry, idTrackNumber, ebml.WriteUint(1))
	writeElement(t, &trackEntry, idTrackType, ebml.WriteUint(trackTypeVideo))
	writeElement(t, &trackEntry, idCodecID, []byte("V_VP9"))

	var tracks bytes.Buffer
	writeElement(t, &tracks, idTrackEntry, trackEntry.Bytes())

	var cluster bytes.Buffer
	writeElement(t, &cluster, idTimestamp, ebml.WriteUint(0))
	// track=1 (0x81), timecode=0, flags=0x84 (keyframe | fixed lacing),
	// frame_count-1=2 (3 frames), 3 frames of 2 bytes each.
	simpleBlock := []byte{0x81, 0x00, 0x00, 0x84, 0x02, 'a', 'a', 'b', 'b', 'c', 'c'}
	writeElement(t, &cluster, idSimpleBlock, simpleBlock)

	var segment bytes.Buffer
	writeElement(t, &segment, idSegmentInfo, info.Bytes())
	writeElement(t, &segment, idTracks, tracks.Bytes())
	writeElement(t, &segment, idCluster, cluster.Bytes())

	var out bytes.Buffer
	writeElement(t, &out, idEBMLHeader, header.Bytes())
	writeElement(t, &out, idSegment, segment.Bytes())
	return out.Bytes()
}

// TestReadPacketExpandsLacedBlock checks that a fixed-laced SimpleBlock
// carrying 3 frames yields 3 packets from ReadPacket, not just the first
// frame with the rest silently dropped.
func TestReadPacketExpandsLacedBlock(t *testing.T) {
	d := openDemuxer(t, buildLacedWebM(t))

	want := [][]byte{{'a', 'a'}, {'b', 'b'}, {'c', 'c'}}
	for i, w := range want {
		pkt, err := d.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket #%d: %v", i, err)
		}
		if pkt.TrackID != 1 {
			t.Fatalf("packet #%d TrackID = %d, want 1", i, pkt.TrackID)
		}
		if !bytes.Equal(pkt.Data, w) {
			t.Fatalf("packet #%d Data = %q, want %q", i, pkt.Data, w)
		}
	}

	if _, err := d.ReadPacket(); err != io.EOF {
		t.Fatalf("expected io.EOF after 3 packets, got %v", err)
	}
}

// TestClusterTimestampPlusBlockTimecodeScenario matches a WebM with
// TimestampScale=1,000,000, one Cluster with Timestamp=500, and one
// SimpleBlock {trackNumber=1, timecode=10, flags=0x80, payload="abc"}: the
// demuxer must yield exactly one packet at ts=0.510s.
func TestClusterTimestampPlusBlockTimecodeScenario(t *testing.T) {
	var header bytes.Buffer
	writeElement(t, &header, idDocType, []byte("webm"))

	var info bytes.Buffer
	writeElement(t, &info, idTimestampScale, ebml.WriteUint(1_000_000))

	var trackEntry bytes.Buffer
	writeElement(t, &trackEntry, idTrackNumber, ebml.WriteUint(1))
	writeElement(t, &trackEntry, idTrackType, ebml.WriteUint(trackTypeAudio))
	writeElement(t, &trackEntry, idCodecID, []byte("A_OPUS"))

	var tracks bytes.Buffer
	writeElement(t, &tracks, idTrackEntry, trackEntry.Bytes())

	var cluster bytes.Buffer
	writeElement(t, &cluster, idTimestamp, ebml.WriteUint(500))
	// trackNumber=1 (vint 0x81), timecode=10 (int16 BE), flags=0x80 (keyframe,
	// no lacing), payload "abc".
	simpleBlock := []byte{0x81, 0x00, 0x0A, 0x80, 'a', 'b', 'c'}
	writeElement(t, &cluster, idSimpleBlock, simpleBlock)

	var segment bytes.Buffer
	writeElement(t, &segment, idSegmentInfo, info.Bytes())
	writeElement(t, &segment, idTracks, tracks.Bytes())
	writeElement(t, &segment, idCluster, cluster.Bytes())

	var out bytes.Buffer
	writeElement(t, &out, idEBMLHeader, header.Bytes())
	writeElement(t, &out, idSegment, segment.Bytes())

	d := openDemuxer(t, out.Bytes())
	pkt, err := d.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.TrackID != 1 {
		t.Fatalf("TrackID = %d, want 1", pkt.TrackID)
	}
	if !pkt.Keyframe {
		t.Fatal("expected keyframe flag set")
	}
	if !bytes.Equal(pkt.Data, []byte("abc")) {
		t.Fatalf("Data = %q, want %q", pkt.Data, "abc")
	}
	const want = 0.510
	if pkt.DTS < want-1e-9 || pkt.DTS > want+1e-9 {
		t.Fatalf("DTS = %v, want %v", pkt.DTS, want)
	}
	if _, err := d.ReadPacket(); err != io.EOF {
		t.Fatalf("expected io.EOF after the single packet, got %v", err)
	}
}

func TestCodecTagMapping(t *testing.T) {
	cases := map[string]string{
		"V_MPEG4/ISO/AVC":  "h264",
		"V_MPEGH/ISO/HEVC": "h265",
		"A_OPUS":           "opus",
		"A_AAC":            "aac",
		"UNKNOWN_CODEC":    "UNKNOWN_CODEC",
	}
	for id, want := range cases {
		if got := codecTag(id); got != want {
			t.Fatalf("codecTag(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestSplitLacedFramesFixed(t *testing.T) {
	payload := []byte{2, 'a', 'a', 'b', 'b', 'c', 'c'} // 3 frames, 2 bytes each
	frames, err := splitLacedFrames(laceFixed, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	want := [][]byte{{'a', 'a'}, {'b', 'b'}, {'c', 'c'}}
	for i, f := range frames {
		if !bytes.Equal(f, want[i]) {
			t.Fatalf("frame %d = %q, want %q", i, f, want[i])
		}
	}
}

func TestSplitLacedFramesXiph(t *testing.T) {
	// 2 frames: sizes 3 and (remaining) 2, declared via one Xiph byte (3).
	payload := []byte{1, 3, 'a', 'a', 'a', 'b', 'b'}
	frames, err := splitLacedFrames(laceXiph, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || !bytes.Equal(frames[0], []byte("aaa")) || !bytes.Equal(frames[1], []byte("bb")) {
		t.Fatalf("got %v", frames)
	}
}

func TestSplitLacedFramesNone(t *testing.T) {
	payload := []byte{1, 2, 3}
	frames, err := splitLacedFrames(laceNone, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], payload) {
		t.Fatalf("got %v", frames)
	}
}
