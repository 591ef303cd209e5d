package mp4

import (
	"bytes"
	"log"
	"math"
	"os"
	"testing"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/snapetech/containerkit/aac"
	"github.com/snapetech/containerkit/byteio"
	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

func buildAACCodecPrivate(t *testing.T) []byte {
	t.Helper()
	asc := &aac.AudioSpecificConfig{
		ObjectType:      aac.AOTAACLC,
		SampleRateIndex: 4, // 44100
		ChannelConfig:   2,
	}
	raw, err := asc.Marshal()
	if err != nil {
		t.Fatalf("marshal asc: %v", err)
	}
	return raw
}

// TestOpenAcceptsOptionalLogger checks Open's variadic logger parameter:
// omitted, explicitly nil, and a caller-supplied *log.Logger must all open
// the same file successfully, and a supplied logger is the one that
// receives any diagnostics Open emits.
func TestOpenAcceptsOptionalLogger(t *testing.T) {
	buf := byteio.NewBuffer()
	mux := NewMuxer(buf, BrandISOM)
	videoTrack := container.Track{Kind: container.KindVideo, CodecTag: "h264", Width: 16, Height: 16}
	trackID, err := mux.AddTrack(videoTrack)
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := mux.WritePacket(&container.Packet{TrackID: trackID, Data: []byte{0, 1, 2}, Duration: 1, Keyframe: true}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := mux.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	raw := buf.Bytes()

	if _, err := Open(bytes.NewReader(raw)); err != nil {
		t.Fatalf("Open(src) with no logger arg: %v", err)
	}
	if _, err := Open(bytes.NewReader(raw), nil); err != nil {
		t.Fatalf("Open(src, nil): %v", err)
	}

	var logBuf bytes.Buffer
	custom := log.New(&logBuf, "", 0)
	if _, err := Open(bytes.NewReader(raw), custom); err != nil {
		t.Fatalf("Open(src, custom logger): %v", err)
	}
}

func TestProgressiveMuxerDemuxerRoundTrip(t *testing.T) {
	buf := byteio.NewBuffer()
	mux := NewMuxer(buf, BrandISOM)

	audioTrack := container.Track{
		Kind:          container.KindAudio,
		CodecTag:      "aac",
		CodecPrivate:  buildAACCodecPrivate(t),
		SampleRate:    44100,
		ChannelCount:  2,
		BitsPerSample: 16,
		Language:      "eng",
	}
	trackID, err := mux.AddTrack(audioTrack)
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}

	packets := []*container.Packet{
		{TrackID: trackID, Data: []byte{0x01, 0x02, 0x03}, Duration: 1024.0 / 44100, Keyframe: true},
		{TrackID: trackID, Data: []byte{0x04, 0x05}, Duration: 1024.0 / 44100, Keyframe: true},
		{TrackID: trackID, Data: []byte{0x06, 0x07, 0x08, 0x09}, Duration: 1024.0 / 44100, Keyframe: true},
	}
	for _, pkt := range packets {
		if err := mux.WritePacket(pkt); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}

	mux.SetMetadata(Metadata{Title: "Test Title", Artist: "Test Artist"})
	mux.SetChapters([]Chapter{
		{Title: "Intro", Start: 0},
	})

	if err := mux.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	src := bytes.NewReader(buf.Bytes())
	d, err := Open(src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Fragmented() {
		t.Fatalf("progressive output reported as fragmented")
	}

	tracks := d.Tracks()
	if len(tracks) != 2 { // audio + synthetic chapter track
		t.Fatalf("Tracks() = %d, want 2 (audio + chapter)", len(tracks))
	}

	var audio *container.Track
	for i := range tracks {
		if tracks[i].Kind == container.KindAudio {
			audio = &tracks[i]
		}
	}
	if audio == nil {
		t.Fatal("no audio track found")
	}
	if audio.CodecTag != "aac" {
		t.Fatalf("CodecTag = %q, want aac", audio.CodecTag)
	}
	if audio.SampleRate != 44100 {
		t.Fatalf("SampleRate = %d, want 44100", audio.SampleRate)
	}
	if audio.Language != "eng" {
		t.Fatalf("Language = %q, want eng", audio.Language)
	}

	var got [][]byte
	for {
		pkt, err := d.ReadPacket()
		if err != nil {
			break
		}
		if pkt.TrackID == audio.ID {
			got = append(got, pkt.Data)
		}
	}
	if len(got) != len(packets) {
		t.Fatalf("read back %d audio packets, want %d", len(got), len(packets))
	}
	for i, pkt := range packets {
		if string(got[i]) != string(pkt.Data) {
			t.Errorf("packet %d data = %v, want %v", i, got[i], pkt.Data)
		}
	}
}

// TestProgressiveTenSampleScenario matches a 10-sample progressive video
// track with 1 ms samples, uniform 5-byte samples, one sample per chunk:
// the demuxer must yield ten keyframe packets with dts 0.000, 0.001, ...,
// 0.009 and each sample's 5 bytes read back intact.
func TestProgressiveTenSampleScenario(t *testing.T) {
	buf := byteio.NewBuffer()
	mux := NewMuxer(buf, BrandISOM)

	videoTrack := container.Track{
		Kind:      container.KindVideo,
		CodecTag:  "h264",
		Width:     16,
		Height:    16,
		FrameRate: 1000, // 1 ms per frame; media timescale round(1000*1000) = 1000000
	}
	trackID, err := mux.AddTrack(videoTrack)
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}

	want := make([][]byte, 10)
	for i := 0; i < 10; i++ {
		data := []byte{byte(i), byte(i), byte(i), byte(i), byte(i)}
		want[i] = data
		pkt := &container.Packet{TrackID: trackID, Data: data, Duration: 0.001, Keyframe: true}
		if err := mux.WritePacket(pkt); err != nil {
			t.Fatalf("WritePacket %d: %v", i, err)
		}
	}
	if err := mux.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	src := bytes.NewReader(buf.Bytes())
	d, err := Open(src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var got []*container.Packet
	for {
		pkt, err := d.ReadPacket()
		if err != nil {
			break
		}
		got = append(got, pkt)
	}
	if len(got) != 10 {
		t.Fatalf("got %d packets, want 10", len(got))
	}
	for i, pkt := range got {
		wantDTS := float64(i) * 0.001
		if pkt.DTS < wantDTS-1e-9 || pkt.DTS > wantDTS+1e-9 {
			t.Fatalf("packet %d dts = %v, want %v", i, pkt.DTS, wantDTS)
		}
		if !pkt.Keyframe {
			t.Fatalf("packet %d: not a keyframe", i)
		}
		if !bytes.Equal(pkt.Data, want[i]) {
			t.Fatalf("packet %d data = %x, want %x", i, pkt.Data, want[i])
		}
	}
}

// TestFastStartInvariantScenario matches one h264 track, ten 1KB keyframes
// at 30fps: after finalize the file must begin with ftyp, contain exactly
// one moov before one mdat, and the mdat payload size must equal the sum
// of sample sizes.
func TestFastStartInvariantScenario(t *testing.T) {
	buf := byteio.NewBuffer()
	mux := NewMuxer(buf, BrandISOM)

	videoTrack := container.Track{Kind: container.KindVideo, CodecTag: "h264", Width: 16, Height: 16, FrameRate: 30}
	trackID, err := mux.AddTrack(videoTrack)
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}

	sampleSize := 1024
	for i := 0; i < 10; i++ {
		data := make([]byte, sampleSize)
		pkt := &container.Packet{TrackID: trackID, Data: data, Duration: 1.0 / 30, Keyframe: true}
		if err := mux.WritePacket(pkt); err != nil {
			t.Fatalf("WritePacket %d: %v", i, err)
		}
	}
	if err := mux.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	raw := buf.Bytes()
	top, err := readBoxesInMemory(raw)
	if err != nil {
		t.Fatalf("readBoxesInMemory: %v", err)
	}
	if len(top) < 3 || top[0].typ != isobmff.TypeFtyp {
		t.Fatalf("file does not begin with ftyp: %+v", top)
	}
	var moovCount, mdatCount int
	var moovIdx, mdatIdx int
	for i, b := range top {
		switch b.typ {
		case isobmff.TypeMoov:
			moovCount++
			moovIdx = i
		case isobmff.TypeMdat:
			mdatCount++
			mdatIdx = i
		}
	}
	if moovCount != 1 || mdatCount != 1 {
		t.Fatalf("got %d moov, %d mdat boxes, want 1 each", moovCount, mdatCount)
	}
	if moovIdx >= mdatIdx {
		t.Fatalf("moov (index %d) does not precede mdat (index %d)", moovIdx, mdatIdx)
	}
	if len(top[mdatIdx].data) != sampleSize*10 {
		t.Fatalf("mdat payload = %d bytes, want %d", len(top[mdatIdx].data), sampleSize*10)
	}
}

func TestMatrixRotationRoundTrip(t *testing.T) {
	cases := []container.Rotation{
		container.Rotation0,
		container.Rotation90,
		container.Rotation180,
		container.Rotation270,
	}
	for _, want := range cases {
		encoded := rotationMatrix(want)
		var m [9]int32
		for i := 0; i < 9; i++ {
			m[i] = int32(uint32(encoded[i*4])<<24 | uint32(encoded[i*4+1])<<16 | uint32(encoded[i*4+2])<<8 | uint32(encoded[i*4+3]))
		}
		got := matrixRotation(m)
		if got != want {
			t.Errorf("matrixRotation(rotationMatrix(%v)) = %v, want %v", want, got, want)
		}
	}
}

func TestFragmentedMuxerAndDemuxer(t *testing.T) {
	buf := byteio.NewBuffer()
	fm := NewFragmentedMuxer(buf, BrandCMAF, 0, false)

	audioTrack := container.Track{
		Kind:         container.KindAudio,
		CodecTag:     "aac",
		CodecPrivate: buildAACCodecPrivate(t),
		SampleRate:   44100,
		ChannelCount: 2,
	}
	trackID, err := fm.AddTrack(audioTrack)
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}

	if err := fm.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	packets := []*container.Packet{
		{TrackID: trackID, Data: []byte{0xAA, 0xBB}, Duration: 1024.0 / 44100, Keyframe: true},
		{TrackID: trackID, Data: []byte{0xCC, 0xDD, 0xEE}, Duration: 1024.0 / 44100, Keyframe: true},
	}
	for _, pkt := range packets {
		if err := fm.WritePacket(pkt); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	if err := fm.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	src := bytes.NewReader(buf.Bytes())
	d, err := Open(src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !d.Fragmented() {
		t.Fatal("fragmented output not reported as fragmented")
	}

	var got [][]byte
	for {
		pkt, err := d.ReadPacket()
		if err != nil {
			break
		}
		got = append(got, pkt.Data)
	}
	if len(got) != len(packets) {
		t.Fatalf("read back %d packets, want %d", len(got), len(packets))
	}
	for i, pkt := range packets {
		if string(got[i]) != string(pkt.Data) {
			t.Errorf("packet %d data = %v, want %v", i, got[i], pkt.Data)
		}
	}
}

// TestFragmentBoundaryAndTfdtScenario matches a video track whose packets
// arrive at dts 0.0, 0.5, 1.0, 1.5s (each 0.5s long) with a 1.0s fragment
// duration: two fragments of two samples each, the second fragment's tfdt
// equal to the media-timescale value for 1.0s.
func TestFragmentBoundaryAndTfdtScenario(t *testing.T) {
	buf := byteio.NewBuffer()
	fm := NewFragmentedMuxer(buf, BrandCMAF, 1*time.Second, false)

	videoTrack := container.Track{Kind: container.KindVideo, CodecTag: "h264"}
	trackID, err := fm.AddTrack(videoTrack)
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := fm.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	for i := 0; i < 4; i++ {
		pkt := &container.Packet{TrackID: trackID, Data: []byte{byte(i)}, Duration: 0.5, Keyframe: true}
		if err := fm.WritePacket(pkt); err != nil {
			t.Fatalf("WritePacket %d: %v", i, err)
		}
	}
	if err := fm.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	raw := buf.Bytes()
	top, err := readBoxesInMemory(raw)
	if err != nil {
		t.Fatalf("readBoxesInMemory: %v", err)
	}
	var moofs []memBox
	for _, b := range top {
		if b.typ == isobmff.TypeMoof {
			moofs = append(moofs, b)
		}
	}
	if len(moofs) != 2 {
		t.Fatalf("got %d moof boxes, want 2", len(moofs))
	}

	secondMoofChildren, err := readBoxesInMemory(moofs[1].data)
	if err != nil {
		t.Fatalf("readBoxesInMemory(moof): %v", err)
	}
	traf, ok := findMem(secondMoofChildren, isobmff.TypeTraf)
	if !ok {
		t.Fatal("second moof has no traf")
	}
	trafChildren, err := readBoxesInMemory(traf.data)
	if err != nil {
		t.Fatalf("readBoxesInMemory(traf): %v", err)
	}
	tfdtBox, ok := findMem(trafChildren, isobmff.TypeTfdt)
	if !ok {
		t.Fatal("second traf has no tfdt")
	}
	tfdt, err := parseTfdt(tfdtBox.data)
	if err != nil {
		t.Fatalf("parseTfdt: %v", err)
	}
	wantTimescale := mediaTimescale(videoTrack) // 30000, no FrameRate set
	if tfdt != wantTimescale {
		t.Fatalf("second fragment tfdt = %d, want %d (1.0s at timescale %d)", tfdt, wantTimescale, wantTimescale)
	}

	src := bytes.NewReader(raw)
	d, err := Open(src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var dts []float64
	for {
		pkt, err := d.ReadPacket()
		if err != nil {
			break
		}
		dts = append(dts, pkt.DTS)
	}
	want := []float64{0.0, 0.5, 1.0, 1.5}
	if len(dts) != len(want) {
		t.Fatalf("got %d packets, want %d", len(dts), len(want))
	}
	for i, w := range want {
		if dts[i] < w-1e-6 || dts[i] > w+1e-6 {
			t.Fatalf("packet %d dts = %v, want %v", i, dts[i], w)
		}
	}
}

func TestMediaTimescale(t *testing.T) {
	video := container.Track{Kind: container.KindVideo, FrameRate: 29.97}
	got := mediaTimescale(video)
	want := uint64(math.Round(29.97 * 1000))
	if got != want {
		t.Errorf("mediaTimescale(video) = %d, want %d", got, want)
	}

	audio := container.Track{Kind: container.KindAudio, SampleRate: 48000}
	if got := mediaTimescale(audio); got != 48000 {
		t.Errorf("mediaTimescale(audio) = %d, want 48000", got)
	}

	subtitle := container.Track{Kind: container.KindSubtitle}
	if got := mediaTimescale(subtitle); got != 1000 {
		t.Errorf("mediaTimescale(subtitle) = %d, want 1000", got)
	}
}

// timescaleCase is one row of testdata/timescales.yaml.
type timescaleCase struct {
	Name       string  `yaml:"name"`
	Kind       string  `yaml:"kind"`
	Codec      string  `yaml:"codec"`
	FrameRate  float64 `yaml:"frame_rate"`
	SampleRate int     `yaml:"sample_rate"`
	Want       uint64  `yaml:"want"`
}

func (c timescaleCase) track() container.Track {
	tr := container.Track{CodecTag: c.Codec, FrameRate: c.FrameRate, SampleRate: c.SampleRate}
	switch c.Kind {
	case "video":
		tr.Kind = container.KindVideo
	case "audio":
		tr.Kind = container.KindAudio
	case "subtitle":
		tr.Kind = container.KindSubtitle
	}
	return tr
}

// TestMediaTimescaleTable cross-checks mediaTimescale against a declarative
// fixture instead of growing TestMediaTimescale's inline cases indefinitely.
func TestMediaTimescaleTable(t *testing.T) {
	raw, err := os.ReadFile("testdata/timescales.yaml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	var cases []timescaleCase
	if err := yaml.Unmarshal(raw, &cases); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	if len(cases) == 0 {
		t.Fatal("fixture had no cases")
	}
	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			if got := mediaTimescale(c.track()); got != c.Want {
				t.Errorf("mediaTimescale(%+v) = %d, want %d", c, got, c.Want)
			}
		})
	}
}
