package mp4

import (
	"bytes"
	"io"

	"github.com/snapetech/containerkit/byteio"
	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

const (
	tfhdBaseDataOffsetPresent  = 0x000001
	tfhdSampleDescIndexPresent = 0x000002
	tfhdDefaultDurationPresent = 0x000008
	tfhdDefaultSizePresent     = 0x000010
	tfhdDefaultFlagsPresent    = 0x000020
	tfhdDefaultBaseIsMoof      = 0x020000

	trunDataOffsetPresent      = 0x000001
	trunFirstSampleFlagsPresent = 0x000004
	trunDurationPresent        = 0x000100
	trunSizePresent            = 0x000200
	trunFlagsPresent           = 0x000400
	trunCTSPresent             = 0x000800

	sampleFlagNonSync = 0x00010000 // sample_is_non_sync_sample bit of a trun/tfhd sample_flags word
)

// readFragmentedPacket advances through moof boxes in file order, parsing
// one moof's traf/trun entries into a per-track sample queue on first
// touch and draining it before moving to the next moof.
func (d *Demuxer) readFragmentedPacket() (*container.Packet, error) {
	for {
		if len(d.fragTracks) == 0 {
			if d.moofCursor >= len(d.moofs) {
				return nil, io.EOF
			}
			if err := d.loadMoof(d.moofs[d.moofCursor]); err != nil {
				return nil, err
			}
			d.moofCursor++
			continue
		}
		for id, fs := range d.fragTracks {
			if fs.cursor < len(fs.samples) {
				return d.nextFragSample(id, fs)
			}
			delete(d.fragTracks, id)
		}
	}
}

func (d *Demuxer) nextFragSample(trackID int, fs *fragTrackState) (*container.Packet, error) {
	s := fs.samples[fs.cursor]
	fs.cursor++

	buf := make([]byte, s.size)
	if _, err := d.src.ReadAt(buf, s.offset); err != nil && err != io.EOF {
		return nil, container.NewError(container.ErrTruncated, "mp4", "nextFragSample", err)
	}

	t := d.trackByID[trackID]
	timescale := uint64(1)
	if t != nil && t.timescale > 0 {
		timescale = t.timescale
	}
	pkt := &container.Packet{
		TrackID:  trackID,
		Data:     buf,
		DTS:      float64(fs.baseDTS) / float64(timescale),
		Duration: float64(s.duration) / float64(timescale),
		Keyframe: s.keyframe,
	}
	fs.baseDTS += s.duration
	if s.cts != 0 {
		pkt.HasCTS = true
		pkt.CTS = float64(s.cts) / float64(timescale)
	}
	return pkt, nil
}

// loadMoof parses one moof's traf children, resolving each trun's sample
// offsets against the moof's own start (default-base-is-moof) and queuing
// the resulting samples per track.
func (d *Demuxer) loadMoof(moof box) error {
	moofStart := moof.payloadOff - int64(moof.headerLen)
	for _, traf := range findAll(moof.children, isobmff.TypeTraf) {
		tfhdBox, ok := find(traf.children, isobmff.TypeTfhd)
		if !ok {
			continue
		}
		tfhdData, err := boxPayload(d.src, tfhdBox)
		if err != nil {
			return err
		}
		tfhd, err := parseTfhd(tfhdData)
		if err != nil {
			return err
		}

		baseDecodeTime := uint64(0)
		if tfdtBox, ok := find(traf.children, isobmff.TypeTfdt); ok {
			data, err := boxPayload(d.src, tfdtBox)
			if err != nil {
				return err
			}
			baseDecodeTime, err = parseTfdt(data)
			if err != nil {
				return err
			}
		}

		baseOffset := moofStart
		if tfhd.flags&tfhdBaseDataOffsetPresent != 0 {
			baseOffset = tfhd.baseDataOffset
		}

		fs := d.fragTracks[tfhd.trackID]
		if fs == nil {
			fs = &fragTrackState{}
			d.fragTracks[tfhd.trackID] = fs
		}
		fs.baseDTS = baseDecodeTime

		for _, trunBox := range findAll(traf.children, isobmff.TypeTrun) {
			data, err := boxPayload(d.src, trunBox)
			if err != nil {
				return err
			}
			samples, err := parseTrun(data, tfhd, baseOffset)
			if err != nil {
				return err
			}
			fs.samples = append(fs.samples, samples...)
		}
	}
	return nil
}

type tfhdFields struct {
	trackID          int
	flags            uint32
	baseDataOffset   int64
	sampleDescIndex  uint32
	defaultDuration  uint32
	defaultSize      uint32
	defaultFlags     uint32
}

func parseTfhd(data []byte) (tfhdFields, error) {
	r := bytes.NewReader(data)
	fb, err := isobmff.ReadFullBoxHeader(r)
	if err != nil {
		return tfhdFields{}, err
	}
	f := tfhdFields{flags: fb.Flags}
	trackID, err := byteio.ReadU32(r)
	if err != nil {
		return tfhdFields{}, err
	}
	f.trackID = int(trackID)
	if f.flags&tfhdBaseDataOffsetPresent != 0 {
		v, err := byteio.ReadU64(r)
		if err != nil {
			return tfhdFields{}, err
		}
		f.baseDataOffset = int64(v)
	}
	if f.flags&tfhdSampleDescIndexPresent != 0 {
		if f.sampleDescIndex, err = byteio.ReadU32(r); err != nil {
			return tfhdFields{}, err
		}
	}
	if f.flags&tfhdDefaultDurationPresent != 0 {
		if f.defaultDuration, err = byteio.ReadU32(r); err != nil {
			return tfhdFields{}, err
		}
	}
	if f.flags&tfhdDefaultSizePresent != 0 {
		if f.defaultSize, err = byteio.ReadU32(r); err != nil {
			return tfhdFields{}, err
		}
	}
	if f.flags&tfhdDefaultFlagsPresent != 0 {
		if f.defaultFlags, err = byteio.ReadU32(r); err != nil {
			return tfhdFields{}, err
		}
	}
	return f, nil
}

func parseTfdt(data []byte) (uint64, error) {
	r := bytes.NewReader(data)
	fb, err := isobmff.ReadFullBoxHeader(r)
	if err != nil {
		return 0, err
	}
	if fb.Version == 1 {
		return byteio.ReadU64(r)
	}
	v, err := byteio.ReadU32(r)
	return uint64(v), err
}

// parseTrun expands one trun's sample_count entries into fragSamples with
// absolute file offsets, resolving data_offset against baseOffset.
func parseTrun(data []byte, tfhd tfhdFields, baseOffset int64) ([]fragSample, error) {
	r := bytes.NewReader(data)
	fb, err := isobmff.ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	sampleCount, err := byteio.ReadU32(r)
	if err != nil {
		return nil, err
	}

	dataOffset := baseOffset
	if fb.Flags&trunDataOffsetPresent != 0 {
		v, err := byteio.ReadI32(r)
		if err != nil {
			return nil, err
		}
		dataOffset = baseOffset + int64(v)
	}

	firstSampleFlags := tfhd.defaultFlags
	hasFirstSampleFlags := fb.Flags&trunFirstSampleFlagsPresent != 0
	if hasFirstSampleFlags {
		v, err := byteio.ReadU32(r)
		if err != nil {
			return nil, err
		}
		firstSampleFlags = v
	}

	samples := make([]fragSample, sampleCount)
	offset := dataOffset
	for i := uint32(0); i < sampleCount; i++ {
		duration := tfhd.defaultDuration
		if fb.Flags&trunDurationPresent != 0 {
			if duration, err = byteio.ReadU32(r); err != nil {
				return nil, err
			}
		}
		size := tfhd.defaultSize
		if fb.Flags&trunSizePresent != 0 {
			if size, err = byteio.ReadU32(r); err != nil {
				return nil, err
			}
		}
		flags := tfhd.defaultFlags
		if fb.Flags&trunFlagsPresent != 0 {
			if flags, err = byteio.ReadU32(r); err != nil {
				return nil, err
			}
		} else if i == 0 && hasFirstSampleFlags {
			flags = firstSampleFlags
		}
		var cts int64
		if fb.Flags&trunCTSPresent != 0 {
			raw, err := byteio.ReadU32(r)
			if err != nil {
				return nil, err
			}
			if fb.Version == 1 {
				cts = int64(int32(raw))
			} else {
				cts = int64(raw)
			}
		}

		samples[i] = fragSample{
			offset:   offset,
			size:     size,
			duration: uint64(duration),
			cts:      cts,
			keyframe: flags&sampleFlagNonSync == 0,
		}
		offset += int64(size)
	}
	return samples, nil
}
