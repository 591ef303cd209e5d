package convert

import (
	"io"
	"sort"

	"github.com/snapetech/containerkit/container"
)

// trackMerger turns a demuxer's single arrival-order packet stream into the
// monotone smallest-next-DTS merge spec.md §5 describes, restricted to a
// selected subset of source track IDs. It buffers one lookahead packet per
// still-active selected track: just enough to compare DTS across tracks
// without reading the whole file into memory. "Still-active" matters here:
// once a track is known to have no more packets, needsMoreInput stops
// waiting on it, but that knowledge only ever arrives via the demuxer's
// single io.EOF (this package has no per-track end-of-stream signal), so a
// track whose packets are exhausted well before another selected track's
// can still transiently buffer a large backlog of the other track's
// packets while demux.ReadPacket keeps returning them — the O(1) bound
// holds once every selected track has started producing interleaved
// output, not before the first packet of a late-starting or early-ending
// track is known.
type trackMerger struct {
	demux    container.Demuxer
	selected map[int]bool
	pending  map[int][]*container.Packet
	done     map[int]bool // selected track ids known to have no more packets
}

func newTrackMerger(demux container.Demuxer, selected map[int]bool) *trackMerger {
	return &trackMerger{
		demux:    demux,
		selected: selected,
		pending:  make(map[int][]*container.Packet, len(selected)),
		done:     make(map[int]bool, len(selected)),
	}
}

// next returns the selected packet with the smallest DTS across all
// selected tracks' buffered heads, track id breaking ties, or io.EOF once
// every selected track is drained.
func (m *trackMerger) next() (*container.Packet, error) {
	for {
		if !m.allDone() && m.needsMoreInput() {
			pkt, err := m.demux.ReadPacket()
			if err == io.EOF {
				m.markRemainingDone()
				continue
			}
			if err != nil {
				return nil, err
			}
			if m.selected[pkt.TrackID] {
				m.pending[pkt.TrackID] = append(m.pending[pkt.TrackID], pkt)
			}
			continue
		}

		bestID := -1
		var bestDTS float64
		for id := range m.pending {
			if len(m.pending[id]) == 0 {
				continue
			}
			dts := m.pending[id][0].DTS
			if bestID == -1 || dts < bestDTS || (dts == bestDTS && id < bestID) {
				bestID, bestDTS = id, dts
			}
		}
		if bestID == -1 {
			return nil, io.EOF
		}
		pkt := m.pending[bestID][0]
		m.pending[bestID] = m.pending[bestID][1:]
		return pkt, nil
	}
}

// needsMoreInput reports whether any still-active selected track currently
// has no buffered packet to compare, meaning the merge can't yet be sure
// which track holds the smallest next DTS. A track already marked done is
// never waited on again.
func (m *trackMerger) needsMoreInput() bool {
	ids := make([]int, 0, len(m.selected))
	for id := range m.selected {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if m.done[id] {
			continue
		}
		if len(m.pending[id]) == 0 {
			return true
		}
	}
	return false
}

// allDone reports whether every selected track has been marked done.
func (m *trackMerger) allDone() bool {
	return len(m.done) >= len(m.selected)
}

// markRemainingDone records every selected track not yet marked done as
// done, called once the demuxer's single packet stream reports io.EOF
// (the only point at which "no more packets for this track" is ever
// actually known).
func (m *trackMerger) markRemainingDone() {
	for id := range m.selected {
		m.done[id] = true
	}
}
