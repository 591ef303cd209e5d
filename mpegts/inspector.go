package mpegts

import (
	"bytes"
	"log"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/snapetech/containerkit/internal/metrics"
)

// pidStats tracks per-PID continuity-counter health for Inspector.
type pidStats struct {
	PID        uint16
	Packets    int
	CCErrors   int
	CCDup      int
	Discontinuity int

	haveCC bool
	lastCC uint8
}

// Inspector is an optional diagnostic tap a Muxer or byte-stream wrapper can
// feed every transport packet through without altering the write path: it
// accumulates per-PID continuity-counter statistics and sync-loss counts,
// logging a summary on Close. It generalizes the teacher's tsInspector from a
// single fixed tuning session to an arbitrary named stream.
type Inspector struct {
	label  string
	logger *log.Logger
	metric *metrics.Collector

	mu         sync.Mutex
	buf        []byte
	closed     bool
	packets    int
	syncLosses int
	totalBytes int64

	pids map[uint16]*pidStats
}

// NewInspector returns an Inspector labeling its summary log line with label.
// A nil logger selects log.Default().
func NewInspector(label string, logger *log.Logger) *Inspector {
	if logger == nil {
		logger = log.Default()
	}
	return &Inspector{label: label, logger: logger, metric: metrics.Noop(), pids: map[uint16]*pidStats{}}
}

// SetMetrics attaches a Collector that receives a TSContinuityError count
// for every continuity-counter discontinuity this Inspector observes. Pass
// nil to detach (equivalent to never calling SetMetrics).
func (ins *Inspector) SetMetrics(m *metrics.Collector) {
	if ins == nil {
		return
	}
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if m == nil {
		m = metrics.Noop()
	}
	ins.metric = m
}

// Observe feeds raw bytes (which need not be packet-aligned) through the
// inspector, resyncing on the 0x47 sync byte as needed.
func (ins *Inspector) Observe(p []byte) {
	if ins == nil || len(p) == 0 {
		return
	}
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.closed {
		return
	}
	ins.totalBytes += int64(len(p))
	ins.buf = append(ins.buf, p...)
	for {
		if len(ins.buf) < PacketSize {
			return
		}
		if ins.buf[0] != SyncByte {
			n := bytes.IndexByte(ins.buf[1:], SyncByte)
			if n < 0 {
				if len(ins.buf) > PacketSize-1 {
					ins.buf = append(ins.buf[:0], ins.buf[len(ins.buf)-(PacketSize-1):]...)
				}
				ins.syncLosses++
				return
			}
			ins.buf = ins.buf[n+1:]
			ins.syncLosses++
			continue
		}
		pkt := ins.buf[:PacketSize]
		ins.buf = ins.buf[PacketSize:]
		ins.observePacket(pkt)
	}
}

func (ins *Inspector) observePacket(pkt []byte) {
	h, ok := parsePacketHeader(pkt)
	if !ok {
		return
	}
	ins.packets++
	st := ins.pids[h.pid]
	if st == nil {
		st = &pidStats{PID: h.pid}
		ins.pids[h.pid] = st
	}
	st.Packets++
	if h.hasPayload() {
		if st.haveCC {
			switch (h.continuityCounter - st.lastCC) & 0x0F {
			case 0:
				st.CCDup++
			case 1:
				// expected step
			default:
				st.CCErrors++
				ins.metric.TSContinuityError()
			}
		}
		st.lastCC = h.continuityCounter
		st.haveCC = true
	}
}

// Close logs a per-PID summary and stops accepting further bytes.
func (ins *Inspector) Close() {
	if ins == nil {
		return
	}
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.closed {
		return
	}
	ins.closed = true
	ins.logger.Printf("mpegts:inspect label=%q packets=%d bytes=%s sync_losses=%d pids=%d",
		ins.label, ins.packets, humanize.Bytes(uint64(ins.totalBytes)), ins.syncLosses, len(ins.pids))
	for _, st := range ins.pids {
		ins.logger.Printf("mpegts:inspect label=%q pid=0x%04x packets=%d cc_errors=%d cc_dup=%d",
			ins.label, st.PID, st.Packets, st.CCErrors, st.CCDup)
	}
}
