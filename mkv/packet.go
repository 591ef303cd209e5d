package mkv

import (
	"bytes"
	"errors"
	"io"

	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/ebml"
)

var errShortBlock = errors.New("mkv: block too short")

// ReadPacket returns the next packet in file order, loading and caching the
// next Cluster's body on first touch. It returns io.EOF once every
// recorded cluster has been exhausted.
//
// A laced block decodes to more than one packet at once; only the first is
// returned here and the rest queue in d.queue, drained before anything else
// is read from the current cluster.
func (d *Demuxer) ReadPacket() (*container.Packet, error) {
	if len(d.queue) > 0 {
		pkt := d.queue[0]
		d.queue = d.queue[1:]
		return pkt, nil
	}
	for {
		if d.cur == nil {
			if d.curIdx >= len(d.clusters) {
				return nil, io.EOF
			}
			cl, err := d.loadCluster(d.clusters[d.curIdx])
			if err != nil {
				return nil, err
			}
			d.cur = cl
			d.curIdx++
		}

		pkt, ok, err := d.nextFromCluster(d.cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			d.cur = nil // exhausted; advance to the next recorded cluster
			continue
		}
		return pkt, nil
	}
}

// loadCluster seeks to a recorded Cluster offset and reads its full body
// (parse-on-first-touch), returning a fresh iteration cursor over it.
func (d *Demuxer) loadCluster(ref clusterRef) (*clusterState, error) {
	if _, err := d.src.Seek(ref.offset, io.SeekStart); err != nil {
		return nil, container.NewError(container.ErrTruncated, "mkv", "Seek(cluster)", err)
	}
	id, _, err := ebml.ReadID(d.src)
	if err != nil {
		return nil, container.NewError(container.ErrTruncated, "mkv", "ReadID(cluster)", err)
	}
	if id != idCluster {
		return nil, container.NewError(container.ErrMalformed, "mkv", "ReadID(cluster)", nil)
	}
	size, _, unknown, err := ebml.ReadSize(d.src)
	if err != nil {
		return nil, container.NewError(container.ErrTruncated, "mkv", "ReadSize(cluster)", err)
	}
	if unknown {
		// A streaming Cluster's true end is the next top-level Segment
		// child; without scanning ahead for one we read to end of file,
		// which is correct for the common case of a Cluster being the
		// last element in a live-capture WebM.
		rest, err := io.ReadAll(d.src)
		if err != nil {
			return nil, container.NewError(container.ErrTruncated, "mkv", "ReadAll(cluster)", err)
		}
		return &clusterState{body: rest}, nil
	}
	body, err := ebml.ReadBody(d.src, size)
	if err != nil {
		return nil, container.NewError(container.ErrTruncated, "mkv", "ReadBody(cluster)", err)
	}
	return &clusterState{body: body}, nil
}

// nextFromCluster advances cl's cursor to the next SimpleBlock/BlockGroup,
// tracking Timestamp elements along the way, and returns the packet it
// decodes. ok is false once cl's body is exhausted.
func (d *Demuxer) nextFromCluster(cl *clusterState) (*container.Packet, bool, error) {
	r := bytes.NewReader(cl.body[cl.pos:])
	for r.Len() > 0 {
		el, err := ebml.ReadElement(r)
		if err != nil {
			return nil, false, nil
		}
		body, err := ebml.ReadBody(r, el.DataSize)
		if err != nil {
			return nil, false, container.NewError(container.ErrTruncated, "mkv", "ReadBody(cluster child)", err)
		}
		consumed := len(cl.body[cl.pos:]) - r.Len()

		switch el.ID {
		case idTimestamp:
			if v, err := ebml.ReadUint(body); err == nil {
				cl.timestampBase = v
			}
			cl.pos += consumed
			continue
		case idSimpleBlock:
			pkt, err := d.decodeSimpleBlock(cl, body)
			cl.pos += consumed
			if err != nil {
				return nil, false, err
			}
			if pkt == nil {
				continue
			}
			return pkt, true, nil
		case idBlockGroup:
			pkt, err := d.decodeBlockGroup(cl, body)
			cl.pos += consumed
			if err != nil {
				return nil, false, err
			}
			if pkt == nil {
				continue
			}
			return pkt, true, nil
		default:
			cl.pos += consumed
			continue
		}
	}
	return nil, false, nil
}

func (d *Demuxer) decodeSimpleBlock(cl *clusterState, data []byte) (*container.Packet, error) {
	trackNum, _, flags, timecode, payload, err := parseBlockHeader(data)
	if err != nil {
		return nil, err
	}
	frames, err := splitLacedFrames(flags, payload)
	if err != nil {
		return nil, err
	}
	pkts := d.buildPackets(cl, trackNum, timecode, flags&0x80 != 0, frames)
	return d.firstAndQueueRest(pkts), nil
}

func (d *Demuxer) decodeBlockGroup(cl *clusterState, data []byte) (*container.Packet, error) {
	r := bytes.NewReader(data)
	var blockPayload []byte
	var flags byte
	var trackNum int
	var timecode int16
	var duration uint64
	hasReferenceBlock := false

	for r.Len() > 0 {
		el, err := ebml.ReadElement(r)
		if err != nil {
			break
		}
		body, err := ebml.ReadBody(r, el.DataSize)
		if err != nil {
			return nil, container.NewError(container.ErrTruncated, "mkv", "ReadBody(BlockGroup child)", err)
		}
		switch el.ID {
		case idBlock:
			var err error
			trackNum, _, flags, timecode, blockPayload, err = parseBlockHeader(body)
			if err != nil {
				return nil, err
			}
		case idBlockDuration:
			duration, _ = ebml.ReadUint(body)
		case idReferenceBlock:
			hasReferenceBlock = true
		}
	}
	if blockPayload == nil {
		return nil, nil
	}
	frames, err := splitLacedFrames(flags, blockPayload)
	if err != nil {
		return nil, err
	}
	// A BlockGroup's keyframe status isn't self-describing like
	// SimpleBlock's flags bit 7: default true unless a ReferenceBlock
	// sibling says this frame refers to another (making it non-key).
	keyframe := !hasReferenceBlock
	pkts := d.buildPackets(cl, trackNum, timecode, keyframe, frames)
	if duration > 0 && len(pkts) > 0 {
		// BlockDuration covers the whole (possibly laced) block; split it
		// evenly across the frames it contains absent any finer-grained
		// per-frame timing in the container itself.
		perFrame := float64(duration) * float64(d.timestampScale) / 1e9 / float64(len(pkts))
		for _, p := range pkts {
			p.Duration = perFrame
		}
	}
	return d.firstAndQueueRest(pkts), nil
}

// buildPackets takes the (possibly laced) frame list for one block and
// returns one packet per frame, all sharing the block's own DTS and
// keyframe flag (lacing carries no finer-grained per-frame timing).
func (d *Demuxer) buildPackets(cl *clusterState, trackNum int, timecode int16, keyframe bool, frames [][]byte) []*container.Packet {
	if len(frames) == 0 {
		return nil
	}
	dts := float64(cl.timestampBase+uint64(int64(timecode))) * float64(d.timestampScale) / 1e9
	pkts := make([]*container.Packet, len(frames))
	for i, f := range frames {
		pkts[i] = &container.Packet{
			TrackID:  trackNum,
			Data:     f,
			DTS:      dts,
			Keyframe: keyframe,
		}
	}
	return pkts
}

// firstAndQueueRest returns pkts[0] (nil if pkts is empty) and appends any
// remaining packets to d.queue for later ReadPacket calls to drain, so a
// laced block's frames beyond the first are never silently dropped.
func (d *Demuxer) firstAndQueueRest(pkts []*container.Packet) *container.Packet {
	if len(pkts) == 0 {
		return nil
	}
	if len(pkts) > 1 {
		d.queue = append(d.queue, pkts[1:]...)
	}
	return pkts[0]
}

// parseBlockHeader parses a (Simple)Block's common layout: a VINT track
// number, a 16-bit big-endian signed timecode delta, a flags byte, and the
// remaining payload (still laced if the flags say so).
func parseBlockHeader(data []byte) (trackNum int, headerLen int, flags byte, timecode int16, payload []byte, err error) {
	if len(data) < 4 {
		return 0, 0, 0, 0, nil, errShortBlock
	}
	br := bytes.NewReader(data)
	num, numLen, _, rerr := ebml.ReadSize(br)
	if rerr != nil {
		return 0, 0, 0, 0, nil, errShortBlock
	}
	// Block's track number is a size-style VINT: the length marker bit is
	// stripped, so 0x81 is track 1.
	if len(data) < numLen+3 {
		return 0, 0, 0, 0, nil, errShortBlock
	}
	timecode = int16(uint16(data[numLen])<<8 | uint16(data[numLen+1]))
	flags = data[numLen+2]
	return int(num), numLen + 3, flags, timecode, data[numLen+3:], nil
}
