package mpegts

import (
	"fmt"

	"github.com/snapetech/containerkit/container"
)

const (
	defaultVideoPID = 0x0100
	defaultAudioPID = 0x0101
	pmtPIDDefault   = 0x1000
	programNumber   = 1

	streamIDVideo = 0xE0
	streamIDAudio = 0xC0

	// defaultRepeatPSIInterval matches the teacher's PSI keepalive cadence
	// generalized from a fixed tick interval to a per-packet-count one: PAT
	// and PMT are re-emitted every N transport packets so a decoder tuning
	// in mid-stream never waits longer than that for program structure.
	defaultRepeatPSIInterval = 40
)

type muxTrack struct {
	container.Track
	pid        uint16
	streamType streamType
	streamID   byte
	cc         uint8
}

// Muxer builds an MPEG transport stream: PAT/PMT emitted up front and then
// re-emitted every RepeatPSIInterval packets, PES packets fragmented into
// 184-byte TS payload chunks per WritePacket call.
type Muxer struct {
	target container.Target

	tracks  []*muxTrack
	pmtPID  uint16
	patCC   uint8
	pmtCC   uint8

	// RepeatPSIInterval is how many TS packets elapse between PAT/PMT
	// re-emission. Zero selects defaultRepeatPSIInterval.
	RepeatPSIInterval int

	packetsSinceL2PSI int
	packetsWritten    int

	inspector *Inspector
}

// NewMuxer returns a muxer writing to target.
func NewMuxer(target container.Target) *Muxer {
	return &Muxer{target: target, pmtPID: pmtPIDDefault, RepeatPSIInterval: defaultRepeatPSIInterval}
}

// SetInspector attaches an optional diagnostic tap that observes every byte
// this muxer writes, without altering the write path.
func (m *Muxer) SetInspector(ins *Inspector) { m.inspector = ins }

// AddTrack registers a track and assigns its elementary PID: the first
// video track gets defaultVideoPID, the first audio track
// defaultAudioPID; additional tracks of either kind increment from there.
func (m *Muxer) AddTrack(tr container.Track) (int, error) {
	st := codecTagToStreamType(tr.CodecTag)
	if st == 0 {
		return 0, container.NewError(container.ErrConfigMismatch, "mpegts", "AddTrack", fmt.Errorf("unsupported codec tag %q", tr.CodecTag))
	}
	pid := m.nextPID(tr.Kind)
	streamID := byte(streamIDAudio)
	if tr.Kind == container.KindVideo {
		streamID = streamIDVideo
	}
	tr.ID = len(m.tracks) + 1
	mt := &muxTrack{Track: tr, pid: pid, streamType: st, streamID: streamID}
	m.tracks = append(m.tracks, mt)
	return tr.ID, nil
}

func (m *Muxer) nextPID(kind container.Kind) uint16 {
	base := uint16(defaultAudioPID)
	if kind == container.KindVideo {
		base = defaultVideoPID
	}
	used := map[uint16]bool{}
	for _, t := range m.tracks {
		used[t.pid] = true
	}
	for pid := base; ; pid++ {
		if !used[pid] {
			return pid
		}
	}
}

func codecTagToStreamType(tag string) streamType {
	switch tag {
	case "mpeg1video":
		return streamTypeMPEG1Video
	case "mpeg2video":
		return streamTypeMPEG2Video
	case "mp3":
		return streamTypeMPEG1Audio
	case "aac":
		return streamTypeAAC
	case "h264":
		return streamTypeH264
	case "h265":
		return streamTypeH265
	case "ac3":
		return streamTypeAC3
	case "dts":
		return streamTypeDTS
	case "truehd":
		return streamTypeTrueHD
	default:
		return 0
	}
}

func (m *Muxer) repeatInterval() int {
	if m.RepeatPSIInterval <= 0 {
		return defaultRepeatPSIInterval
	}
	return m.RepeatPSIInterval
}

// WriteHeader emits the initial PAT and PMT.
func (m *Muxer) WriteHeader() error {
	return m.writePSI()
}

func (m *Muxer) writePSI() error {
	pat := buildPATPacket(m.pmtPID, m.patCC)
	m.patCC = (m.patCC + 1) & 0x0F
	pmt := buildPMTPacket(m.pmtPID, m.tracks, m.pmtCC)
	m.pmtCC = (m.pmtCC + 1) & 0x0F
	if err := m.writeRaw(pat[:]); err != nil {
		return err
	}
	return m.writeRaw(pmt[:])
}

func (m *Muxer) writeRaw(p []byte) error {
	if _, err := m.target.Write(p); err != nil {
		return err
	}
	if m.inspector != nil {
		m.inspector.Observe(p)
	}
	m.packetsWritten++
	m.packetsSinceL2PSI++
	return nil
}

func (m *Muxer) trackByID(id int) *muxTrack {
	for _, t := range m.tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// WritePacket fragments one access unit into a PES packet and writes it as
// a sequence of 188-byte TS packets, re-emitting PAT/PMT first if the
// configured repeat interval has elapsed.
func (m *Muxer) WritePacket(pkt *container.Packet) error {
	mt := m.trackByID(pkt.TrackID)
	if mt == nil {
		return fmt.Errorf("mpegts: WritePacket: unknown track %d", pkt.TrackID)
	}
	if m.packetsWritten == 0 {
		if err := m.writePSI(); err != nil {
			return err
		}
	} else if m.packetsSinceL2PSI >= m.repeatInterval() {
		m.packetsSinceL2PSI = 0
		if err := m.writePSI(); err != nil {
			return err
		}
	}

	pts := uint64(pkt.PTS * 90000)
	hasPTS := pkt.HasExplicitPTS
	dts := uint64(pkt.DTS * 90000)
	hasDTS := hasPTS // only encode DTS alongside an explicit PTS; DTS-only streams use DTS as PTS
	if !hasPTS {
		pts = uint64(pkt.DTS * 90000)
		hasPTS = true
		hasDTS = false
	}

	pesHeader := buildPESHeaderBytes(mt.streamID, pts, dts, hasPTS, hasDTS, len(pkt.Data))
	full := append(append([]byte{}, pesHeader...), pkt.Data...)

	packets := fragmentPES(mt.pid, &mt.cc, full)
	for _, p := range packets {
		if err := m.writeRaw(p[:]); err != nil {
			return err
		}
	}
	return nil
}

// Finalize is a no-op: the transport stream has no trailing index to write.
func (m *Muxer) Finalize() error { return nil }
