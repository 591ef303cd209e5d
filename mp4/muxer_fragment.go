package mp4

import (
	"fmt"
	"time"

	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

const (
	defaultFragmentDuration = 2 * time.Second
	lowLatencyFragmentCap   = 500 * time.Millisecond
)

// FragmentedMuxer writes a CMAF/fMP4-style stream: a header moov with
// mvex/trex defaults, then one moof+mdat pair per fragment, flushed either
// when the accumulated duration since the fragment start reaches the
// configured fragment duration or when the caller calls Flush explicitly.
type FragmentedMuxer struct {
	target container.Target

	brand            Brand
	compatibleBrands []string

	tracks   []*muxTrack
	pending  map[int][]muxSample
	fragDTS  map[int]uint64 // per-track running base_media_decode_time

	fragmentDuration time.Duration
	lowLatency       bool

	sequenceNumber uint32
	pos            int64 // bytes written so far, for mfra entries
	fragOffsets    []tfraEntry

	headerWritten bool
	finalized     bool
}

type tfraEntry struct {
	trackID int
	time    uint64
	moofOffset int64
}

// NewFragmentedMuxer returns a fragmented muxer writing to target. A zero
// fragmentDuration selects the 2s default; lowLatency clamps it to <= 0.5s.
func NewFragmentedMuxer(target container.Target, brand Brand, fragmentDuration time.Duration, lowLatency bool) *FragmentedMuxer {
	if brand == "" {
		brand = BrandCMAF
	}
	if fragmentDuration <= 0 {
		fragmentDuration = defaultFragmentDuration
	}
	if lowLatency && fragmentDuration > lowLatencyFragmentCap {
		fragmentDuration = lowLatencyFragmentCap
	}
	return &FragmentedMuxer{
		target:           target,
		brand:            brand,
		compatibleBrands: []string{"isom", "iso6", "cmfc"},
		pending:          map[int][]muxSample{},
		fragDTS:          map[int]uint64{},
		fragmentDuration: fragmentDuration,
		lowLatency:       lowLatency,
		sequenceNumber:   1,
	}
}

// AddTrack registers a track's configuration, to be declared in the header
// moov's trex entries. The error return matches mpegts.Muxer/oggcontainer.Muxer
// so convert.Run can drive any of the three; this muxer never fails to
// register a track.
func (m *FragmentedMuxer) AddTrack(tr container.Track) (int, error) {
	tr.ID = len(m.tracks) + 1
	mt := &muxTrack{Track: tr, timescale: mediaTimescale(tr)}
	m.tracks = append(m.tracks, mt)
	return tr.ID, nil
}

// WriteHeader emits ftyp and the header moov (mvhd with zero duration,
// trak/mdia metadata with no sample table, mvex/trex default-sample-flags
// declarations). Must be called once, before any WritePacket.
func (m *FragmentedMuxer) WriteHeader() error {
	if m.headerWritten {
		return fmt.Errorf("mp4: WriteHeader called twice")
	}
	m.headerWritten = true

	ftyp := encodeBox(isobmff.TypeFtyp, concatBoxes([]byte(m.brand), u32(0), joinBrands(m.compatibleBrands)))
	moov := m.buildHeaderMoov()
	if _, err := m.target.Write(ftyp); err != nil {
		return err
	}
	if _, err := m.target.Write(moov); err != nil {
		return err
	}
	m.pos = int64(len(ftyp) + len(moov))
	return nil
}

func joinBrands(brands []string) []byte {
	var out []byte
	for _, b := range brands {
		out = append(out, []byte(b)...)
	}
	return out
}

func (m *FragmentedMuxer) buildHeaderMoov() []byte {
	mvhd := m.buildMvhd(0)
	var trakBoxes [][]byte
	for _, t := range m.tracks {
		tkhd := m.buildTkhd(t, 0)
		mdia := m.buildMdia(t, 0)
		trakBoxes = append(trakBoxes, encodeBox(isobmff.TypeTrak, concatBoxes(tkhd, mdia)))
	}
	mvex := m.buildMvex()

	children := [][]byte{mvhd}
	children = append(children, trakBoxes...)
	children = append(children, mvex)
	return encodeBox(isobmff.TypeMoov, concatBoxes(children...))
}

func (m *FragmentedMuxer) buildMvhd(duration uint64) []byte {
	shim := &Muxer{tracks: m.tracks}
	return shim.buildMvhd(duration)
}

func (m *FragmentedMuxer) buildTkhd(t *muxTrack, duration uint64) []byte {
	shim := &Muxer{}
	return shim.buildTkhd(t, duration)
}

func (m *FragmentedMuxer) buildMdia(t *muxTrack, duration uint64) []byte {
	shim := &Muxer{}
	return shim.buildMdia(t, duration)
}

func (m *FragmentedMuxer) buildMvex() []byte {
	var trexBoxes [][]byte
	for _, t := range m.tracks {
		body := u32(uint32(t.ID))
		body = append(body, u32(1)...) // default_sample_description_index
		body = append(body, u32(0)...) // default_sample_duration
		body = append(body, u32(0)...) // default_sample_size
		// non-keyframe default; each sample's own trun flags override this
		// for keyframes (audio tracks carry every sample as a keyframe).
		body = append(body, u32(uint32(sampleFlagNonSync))...)
		trexBoxes = append(trexBoxes, encodeFullBox(isobmff.TypeTrex, 0, 0, body))
	}
	return encodeBox(isobmff.TypeMvex, concatBoxes(trexBoxes...))
}

// WritePacket buffers one packet against its track's pending fragment and
// flushes a fragment once the configured duration has been reached.
func (m *FragmentedMuxer) WritePacket(pkt *container.Packet) error {
	mt := m.trackByID(pkt.TrackID)
	if mt == nil {
		return fmt.Errorf("mp4: WritePacket: unknown track %d", pkt.TrackID)
	}
	duration := uint64(pkt.Duration * float64(mt.timescale))
	var cts int64
	if pkt.HasCTS {
		cts = int64(pkt.CTS * float64(mt.timescale))
	}
	m.pending[pkt.TrackID] = append(m.pending[pkt.TrackID], muxSample{
		data: pkt.Data, duration: duration, cts: cts, keyframe: pkt.Keyframe,
	})

	if m.fragmentElapsed(mt) {
		return m.Flush()
	}
	return nil
}

func (m *FragmentedMuxer) trackByID(id int) *muxTrack {
	for _, t := range m.tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (m *FragmentedMuxer) fragmentElapsed(t *muxTrack) bool {
	samples := m.pending[t.ID]
	if len(samples) == 0 || t.timescale == 0 {
		return false
	}
	var total uint64
	for _, s := range samples {
		total += s.duration
	}
	elapsed := time.Duration(float64(total) / float64(t.timescale) * float64(time.Second))
	return elapsed >= m.fragmentDuration
}

// Flush emits one moof+mdat fragment for every track with pending
// samples, then clears the pending queues.
func (m *FragmentedMuxer) Flush() error {
	type trackFrag struct {
		track   *muxTrack
		samples []muxSample
	}
	var frags []trackFrag
	for _, t := range m.tracks {
		samples := m.pending[t.ID]
		if len(samples) > 0 {
			frags = append(frags, trackFrag{track: t, samples: samples})
		}
	}
	if len(frags) == 0 {
		return nil
	}

	// First pass: provisional data_offset=0 trafs, to learn moof's size.
	var provisionalTrafs [][]byte
	for _, f := range frags {
		provisionalTrafs = append(provisionalTrafs, m.buildTraf(f.track, f.samples, m.fragDTS[f.track.ID], 0))
	}
	moofSize := len(encodeBox(isobmff.TypeMoof, concatBoxes(append([][]byte{m.buildMfhd()}, provisionalTrafs...)...)))

	// Second pass: real data_offset per track, relative to moof start
	// (default-base-is-moof), accounting for mdat's own 8-byte header and
	// every earlier track's sample bytes in this fragment's mdat.
	dataStart := int64(moofSize) + 8
	var finalTrafs [][]byte
	var mdatBody []byte
	cursor := dataStart
	for _, f := range frags {
		finalTrafs = append(finalTrafs, m.buildTraf(f.track, f.samples, m.fragDTS[f.track.ID], cursor))
		for _, s := range f.samples {
			mdatBody = append(mdatBody, s.data...)
			cursor += int64(len(s.data))
		}
		var total uint64
		for _, s := range f.samples {
			total += s.duration
		}
		m.fragDTS[f.track.ID] += total
	}

	moof := encodeBox(isobmff.TypeMoof, concatBoxes(append([][]byte{m.buildMfhd()}, finalTrafs...)...))
	mdat := encodeBox(isobmff.TypeMdat, mdatBody)

	for _, f := range frags {
		m.fragOffsets = append(m.fragOffsets, tfraEntry{trackID: f.track.ID, time: m.fragDTS[f.track.ID], moofOffset: m.pos})
	}

	if _, err := m.target.Write(moof); err != nil {
		return err
	}
	if _, err := m.target.Write(mdat); err != nil {
		return err
	}
	m.pos += int64(len(moof) + len(mdat))
	m.sequenceNumber++

	for _, f := range frags {
		delete(m.pending, f.track.ID)
	}
	return nil
}

func (m *FragmentedMuxer) buildMfhd() []byte {
	return encodeFullBox(isobmff.TypeMfhd, 0, 0, u32(m.sequenceNumber))
}

// buildTraf writes one traf: tfhd (default-base-is-moof, with
// default-sample-duration when every sample in this batch shares it),
// tfdt (version-1, 64-bit base_media_decode_time), and a single trun.
func (m *FragmentedMuxer) buildTraf(t *muxTrack, samples []muxSample, baseDecodeTime uint64, dataOffset int64) []byte {
	uniform, uniformDuration := uniformDuration(samples)

	tfhdFlags := uint32(tfhdDefaultBaseIsMoof)
	var tfhdBody []byte
	tfhdBody = append(tfhdBody, u32(uint32(t.ID))...)
	if uniform {
		tfhdFlags |= tfhdDefaultDurationPresent
		tfhdBody = append(tfhdBody, u32(uint32(uniformDuration))...)
	}
	tfhd := encodeFullBox(isobmff.TypeTfhd, 0, tfhdFlags, tfhdBody)

	tfdt := encodeFullBox(isobmff.TypeTfdt, 1, 0, u64(baseDecodeTime))

	trun := buildTrun(samples, uniform, dataOffset)

	return encodeBox(isobmff.TypeTraf, concatBoxes(tfhd, tfdt, trun))
}

func uniformDuration(samples []muxSample) (bool, uint64) {
	if len(samples) == 0 {
		return false, 0
	}
	d := samples[0].duration
	for _, s := range samples[1:] {
		if s.duration != d {
			return false, 0
		}
	}
	return true, d
}

// buildTrun writes data-offset-present plus per-sample size/flags/cts, and
// per-sample duration only when it isn't already covered by tfhd's
// default-sample-duration.
func buildTrun(samples []muxSample, durationIsDefault bool, dataOffset int64) []byte {
	flags := uint32(trunDataOffsetPresent | trunSizePresent | trunFlagsPresent)
	hasCTS := false
	for _, s := range samples {
		if s.cts != 0 {
			hasCTS = true
			break
		}
	}
	if hasCTS {
		flags |= trunCTSPresent
	}
	if !durationIsDefault {
		flags |= trunDurationPresent
	}

	body := u32(uint32(len(samples)))
	body = append(body, i32(int32(dataOffset))...)
	for _, s := range samples {
		if !durationIsDefault {
			body = append(body, u32(uint32(s.duration))...)
		}
		body = append(body, u32(uint32(len(s.data)))...)
		flagsVal := uint32(0)
		if !s.keyframe {
			flagsVal = sampleFlagNonSync
		}
		body = append(body, u32(flagsVal)...)
		if hasCTS {
			body = append(body, i32(int32(s.cts))...)
		}
	}
	version := uint8(0)
	if hasCTS {
		version = 1
	}
	return encodeFullBox(isobmff.TypeTrun, version, flags, body)
}

// Finalize flushes any partial fragment and writes an mfra box containing
// one mfro whose body is mfra's own total size.
func (m *FragmentedMuxer) Finalize() error {
	if m.finalized {
		return fmt.Errorf("mp4: Finalize called twice")
	}
	m.finalized = true
	if err := m.Flush(); err != nil {
		return err
	}

	mfra := m.buildMfra()
	if _, err := m.target.Write(mfra); err != nil {
		return err
	}
	return nil
}

func (m *FragmentedMuxer) buildMfra() []byte {
	var tfraBoxes [][]byte
	for _, t := range m.tracks {
		body := u32(uint32(t.ID))
		body = append(body, u32(0)...) // reserved(26) | length_size_of_traf_num etc, all-zero selects 1-byte fields
		var entries [][]byte
		for _, e := range m.fragOffsets {
			if e.trackID != t.ID {
				continue
			}
			entry := u32(uint32(e.time))
			entry = append(entry, u32(uint32(e.moofOffset))...)
			entry = append(entry, []byte{1, 1, 1}...) // traf/trun/sample numbers, 1-based
			entries = append(entries, entry)
		}
		body = append(body, u32(uint32(len(entries)))...)
		body = append(body, concatBoxes(entries...)...)
		tfraBoxes = append(tfraBoxes, encodeFullBox(isobmff.TypeTfra, 0, 0, body))
	}
	mfraBody := concatBoxes(tfraBoxes...)
	mfroSize := 16
	mfraTotal := 8 + len(mfraBody) + mfroSize
	mfro := encodeFullBox(isobmff.TypeMfro, 0, 0, u32(uint32(mfraTotal)))
	return encodeBox(isobmff.TypeMfra, concatBoxes(mfraBody, mfro))
}
