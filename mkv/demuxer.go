// Package mkv implements a demuxer for Matroska and WebM files: EBML header
// and DocType dispatch, Segment walk (Info/Tracks/Cluster), and lazy
// per-cluster block iteration.
package mkv

import (
	"bytes"
	"fmt"
	"io"
	"log"

	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/ebml"
)

// DocType is the EBML header's declared document type.
type DocType string

const (
	DocTypeMatroska DocType = "matroska"
	DocTypeWebM     DocType = "webm"
)

const defaultTimestampScale = 1_000_000 // ns per tick, per spec default

// Demuxer reads tracks and packets out of a Matroska/WebM Source.
type Demuxer struct {
	src    container.Source
	logger *log.Logger
	pos    int64

	docType        DocType
	timestampScale uint64
	duration       float64 // in timestamp units, 0 if absent
	title          string

	tracks       []*Track
	trackByID    map[int]*Track
	segmentStart int64
	segmentEnd   int64

	clusters []clusterRef // recorded Cluster offsets, parsed lazily

	cur    *clusterState // the cluster currently being iterated
	curIdx int           // index into clusters of cur

	queue []*container.Packet // extra frames from a laced block, awaiting ReadPacket
}

// Track is a parsed TrackEntry, carrying both the common container.Track
// fields and the Matroska-specific DefaultDuration this package derives
// frame rate from.
type Track struct {
	container.Track
	DefaultDurationNS uint64 // 0 if absent
}

type clusterRef struct {
	offset int64 // byte offset of the Cluster element's ID byte
}

// clusterState is the parsed-on-first-touch body of one Cluster: its base
// timestamp and a cursor over its SimpleBlock/BlockGroup children.
type clusterState struct {
	timestampBase uint64
	body          []byte
	pos           int
}

// Open parses the EBML header and Segment metadata (Info, Tracks) from src,
// recording Cluster offsets for later lazy iteration.
//
// logger receives a line for every unrecognized top-level Segment element
// Open skips over (an unexpected EBML element is not malformed, just
// unhandled). A nil logger, or none passed at all, selects log.Default().
func Open(src container.Source, logger ...*log.Logger) (*Demuxer, error) {
	lg := log.Default()
	if len(logger) > 0 && logger[0] != nil {
		lg = logger[0]
	}
	d := &Demuxer{src: src, logger: lg, trackByID: map[int]*Track{}, timestampScale: defaultTimestampScale}
	if err := d.parseHeader(); err != nil {
		return nil, err
	}
	if err := d.parseSegment(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) parseHeader() error {
	id, idLen, err := ebml.ReadID(d.src)
	if err != nil {
		return container.NewError(container.ErrTruncated, "mkv", "ReadID(header)", err)
	}
	d.pos += int64(idLen)
	if id != idEBMLHeader {
		return container.NewError(container.ErrMalformed, "mkv", "ReadID(header)",
			fmt.Errorf("expected EBML header ID, got %#x", id))
	}
	size, sizeLen, _, err := ebml.ReadSize(d.src)
	if err != nil {
		return container.NewError(container.ErrTruncated, "mkv", "ReadSize(header)", err)
	}
	d.pos += int64(sizeLen)

	body, err := ebml.ReadBody(d.src, size)
	if err != nil {
		return container.NewError(container.ErrTruncated, "mkv", "ReadBody(header)", err)
	}
	d.pos += size

	r := bytes.NewReader(body)
	for r.Len() > 0 {
		el, err := ebml.ReadElement(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return container.NewError(container.ErrMalformed, "mkv", "ReadElement(header child)", err)
		}
		childBody, err := ebml.ReadBody(r, el.DataSize)
		if err != nil {
			return container.NewError(container.ErrTruncated, "mkv", "ReadBody(header child)", err)
		}
		if el.ID == idDocType {
			switch ebml.ReadString(childBody) {
			case string(DocTypeWebM):
				d.docType = DocTypeWebM
			default:
				d.docType = DocTypeMatroska
			}
		}
	}
	return nil
}

func (d *Demuxer) parseSegment() error {
	id, idLen, err := ebml.ReadID(d.src)
	if err != nil {
		return container.NewError(container.ErrTruncated, "mkv", "ReadID(segment)", err)
	}
	d.pos += int64(idLen)
	if id != idSegment {
		return container.NewError(container.ErrMalformed, "mkv", "ReadID(segment)",
			fmt.Errorf("expected Segment ID, got %#x", id))
	}
	size, sizeLen, unknown, err := ebml.ReadSize(d.src)
	if err != nil {
		return container.NewError(container.ErrTruncated, "mkv", "ReadSize(segment)", err)
	}
	d.pos += int64(sizeLen)

	d.segmentStart = d.pos
	if unknown {
		d.segmentEnd = -1 // extends to EOF; resolved lazily against src size
	} else {
		d.segmentEnd = d.pos + size
	}

	for d.segmentEnd < 0 || d.pos < d.segmentEnd {
		id, idLen, err := ebml.ReadID(d.src)
		if err != nil {
			if err == io.EOF {
				break
			}
			return container.NewError(container.ErrMalformed, "mkv", "ReadID(segment child)", err)
		}
		d.pos += int64(idLen)
		childSize, childSizeLen, childUnknown, err := ebml.ReadSize(d.src)
		if err != nil {
			return container.NewError(container.ErrTruncated, "mkv", "ReadSize(segment child)", err)
		}
		d.pos += int64(childSizeLen)
		childStart := d.pos

		switch id {
		case idSegmentInfo:
			if err := d.parseSegmentInfo(childSize); err != nil {
				return err
			}
		case idTracks:
			if err := d.parseTracks(childSize); err != nil {
				return err
			}
		case idCluster:
			// Clusters are parsed lazily: record the offset of the
			// Cluster element's own ID byte and skip its body for now.
			d.clusters = append(d.clusters, clusterRef{offset: childStart - int64(idLen) - int64(childSizeLen)})
			if childUnknown {
				// A streaming (unknown-size) Cluster extends to the next
				// top-level element or EOF; nothing more to skip here.
				continue
			}
			if err := d.skip(childSize); err != nil {
				return err
			}
		default:
			d.logger.Printf("mkv:demux segment child id=%#x size=%d skipped (unhandled element)", id, childSize)
			if childUnknown {
				continue
			}
			if err := d.skip(childSize); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Demuxer) skip(n int64) error {
	if err := ebml.SkipBody(d.src, n); err != nil {
		return container.NewError(container.ErrTruncated, "mkv", "SkipBody", err)
	}
	d.pos += n
	return nil
}

func (d *Demuxer) parseSegmentInfo(size int64) error {
	body, err := ebml.ReadBody(d.src, size)
	if err != nil {
		return container.NewError(container.ErrTruncated, "mkv", "ReadBody(Info)", err)
	}
	d.pos += size
	d.timestampScale = defaultTimestampScale

	r := bytes.NewReader(body)
	for r.Len() > 0 {
		el, err := ebml.ReadElement(r)
		if err != nil {
			break
		}
		childBody, err := ebml.ReadBody(r, el.DataSize)
		if err != nil {
			return container.NewError(container.ErrTruncated, "mkv", "ReadBody(Info child)", err)
		}
		switch el.ID {
		case idTimestampScale:
			if v, err := ebml.ReadUint(childBody); err == nil {
				d.timestampScale = v
			}
		case idDuration:
			if v, err := ebml.ReadFloat(childBody); err == nil {
				d.duration = v
			}
		case idTitle:
			d.title = ebml.ReadString(childBody)
		}
	}
	return nil
}

func (d *Demuxer) parseTracks(size int64) error {
	body, err := ebml.ReadBody(d.src, size)
	if err != nil {
		return container.NewError(container.ErrTruncated, "mkv", "ReadBody(Tracks)", err)
	}
	d.pos += size

	r := bytes.NewReader(body)
	index := 0
	for r.Len() > 0 {
		el, err := ebml.ReadElement(r)
		if err != nil {
			break
		}
		childBody, err := ebml.ReadBody(r, el.DataSize)
		if err != nil {
			return container.NewError(container.ErrTruncated, "mkv", "ReadBody(TrackEntry)", err)
		}
		if el.ID != idTrackEntry {
			continue
		}
		track, err := parseTrackEntry(childBody)
		if err != nil {
			return err
		}
		track.Index = index
		index++
		d.tracks = append(d.tracks, track)
		d.trackByID[track.ID] = track
	}
	return nil
}

func parseTrackEntry(data []byte) (*Track, error) {
	track := &Track{Track: container.Track{Language: "eng"}}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		el, err := ebml.ReadElement(r)
		if err != nil {
			break
		}
		body, err := ebml.ReadBody(r, el.DataSize)
		if err != nil {
			return nil, container.NewError(container.ErrTruncated, "mkv", "ReadBody(TrackEntry field)", err)
		}
		switch el.ID {
		case idTrackNumber:
			v, _ := ebml.ReadUint(body)
			track.ID = int(v)
		case idTrackType:
			v, _ := ebml.ReadUint(body)
			switch v {
			case trackTypeVideo:
				track.Kind = container.KindVideo
			case trackTypeAudio:
				track.Kind = container.KindAudio
			case trackTypeSubtitle:
				track.Kind = container.KindSubtitle
			}
		case idFlagDefault:
			v, _ := ebml.ReadUint(body)
			track.Default = v != 0
		case idFlagForced:
			v, _ := ebml.ReadUint(body)
			track.Forced = v != 0
		case idDefaultDuration:
			v, _ := ebml.ReadUint(body)
			track.DefaultDurationNS = v
			if v > 0 {
				track.FrameRate = 1e9 / float64(v)
			}
		case idTrackName:
			track.Name = ebml.ReadString(body)
		case idLanguage:
			if len(body) >= 3 {
				track.Language = string(body[:3])
			}
		case idCodecID:
			track.CodecTag = codecTag(ebml.ReadString(body))
		case idCodecPrivate:
			track.CodecPrivate = body
		case idTrackVideo:
			parseVideoFields(body, track)
		case idTrackAudio:
			parseAudioFields(body, track)
		}
	}
	return track, nil
}

func parseVideoFields(data []byte, track *Track) {
	// DisplayWidth/DisplayHeight (presentation aspect, distinct from the
	// coded PixelWidth/PixelHeight) aren't part of container.Track's
	// common shape and are left to per-format extension if ever needed.
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		el, err := ebml.ReadElement(r)
		if err != nil {
			break
		}
		body, err := ebml.ReadBody(r, el.DataSize)
		if err != nil {
			break
		}
		switch el.ID {
		case idPixelWidth:
			v, _ := ebml.ReadUint(body)
			track.Width = int(v)
		case idPixelHeight:
			v, _ := ebml.ReadUint(body)
			track.Height = int(v)
		}
	}
}

func parseAudioFields(data []byte, track *Track) {
	track.SampleRate = 8000
	track.ChannelCount = 1
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		el, err := ebml.ReadElement(r)
		if err != nil {
			break
		}
		body, err := ebml.ReadBody(r, el.DataSize)
		if err != nil {
			break
		}
		switch el.ID {
		case idSamplingFreq:
			v, _ := ebml.ReadFloat(body)
			track.SampleRate = int(v)
		case idChannels:
			v, _ := ebml.ReadUint(body)
			track.ChannelCount = int(v)
		case idBitDepth:
			v, _ := ebml.ReadUint(body)
			track.BitsPerSample = int(v)
		}
	}
}

// Tracks returns the parsed track list, in the order the TrackEntry
// elements appear in the file.
func (d *Demuxer) Tracks() []*Track { return d.tracks }

// Duration returns the segment duration in seconds, or 0 if absent.
func (d *Demuxer) Duration() float64 {
	if d.duration == 0 {
		return 0
	}
	return d.duration * float64(d.timestampScale) / 1e9
}

// Title returns the segment title, or "" if absent.
func (d *Demuxer) Title() string { return d.title }

// DocType reports whether the file declared itself "matroska" or "webm".
func (d *Demuxer) DocType() DocType { return d.docType }
