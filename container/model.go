// Package container holds the format-neutral data model shared by every
// demuxer and muxer in this module: tracks, packets, the Source/Target byte
// abstractions, format probing, and a common error taxonomy.
package container

import (
	"github.com/snapetech/containerkit/byteio"
)

// Kind identifies the media type a Track carries.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindSubtitle
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Rotation is one of the four Display-Matrix-derived orientations an
// ISOBMFF tkhd (or equivalent) can express.
type Rotation int

const (
	Rotation0   Rotation = 0
	Rotation90  Rotation = 90
	Rotation180 Rotation = 180
	Rotation270 Rotation = 270
)

// Track describes one elementary stream as exposed by a demuxer, or as
// configured on a muxer before any packet is written. It is immutable once
// constructed; demuxers build it once at init, muxers build it from caller
// configuration.
type Track struct {
	ID           int
	Index        int
	Kind         Kind
	CodecTag     string // container-neutral tag: h264, h265, aac, opus, vp9, ...
	CodecPrivate []byte
	Name         string
	Language     string // ISO-639 three-letter, "" if unknown
	Default      bool
	Forced       bool

	// Video-only.
	Width, Height int
	FrameRate     float64 // 0 if unknown
	Rotation      Rotation
	ColorSpace    string
	Profile       string
	Level         string

	// Audio-only.
	SampleRate    int
	ChannelCount  int
	BitsPerSample int
}

// Packet is one opaque encoded access unit plus its timing and placement
// metadata. Packets are independent values: a demuxer keeps no back
// reference to packets it has produced.
type Packet struct {
	TrackID  int
	Data     []byte
	DTS      float64 // seconds
	Duration float64 // seconds, 0 if unknown
	Keyframe bool

	// HasCTS/CTS represent an explicit composition-time offset (CTS-DTS)
	// when the format carries one (ISOBMFF ctts, Matroska BlockGroup
	// ReferenceBlock-adjacent timing is DTS-only so these stay unset there).
	HasCTS bool
	CTS    float64 // seconds, PTS = DTS + CTS when HasCTS

	// HasExplicitPTS/PTS let a demuxer report a PTS computed some other
	// way than DTS+CTS (MPEG-TS carries PTS/DTS directly).
	HasExplicitPTS bool
	PTS            float64
}

// Source is a seekable byte stream a demuxer reads from.
type Source = byteio.Source

// Target is an append-capable sink a muxer writes to, with an optional
// finalize step a caller invokes once all tracks/packets have been written.
type Target = byteio.Target
