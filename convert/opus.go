package convert

import "github.com/snapetech/containerkit/container"

// opusDefaultFrameSeconds is Opus's most common frame duration (20ms); RFC
// 6716 allows 2.5-60ms frames, but the exact per-packet duration requires
// parsing the TOC byte, which oggcontainer's pager intentionally doesn't
// do (it reports a page's raw granule position divided by the 48kHz clock
// rate instead). This stays a fixed-width fallback rather than a TOC
// parser, since nothing in this module's scope needs finer accuracy than
// "evenly spaced packets within a page."
const opusDefaultFrameSeconds = 0.020

// OpusPacketDurations assigns each packet in pkts an evenly spaced DTS
// starting at pkts[0].DTS (the page-granule-derived coarse timestamp
// oggcontainer already set) and advancing by frameSeconds per packet. Pass
// frameSeconds <= 0 to use the 20ms default. This is an opt-in refinement
// layered on top of oggcontainer's own coarse contract, not a change to it:
// a caller happy with page-granularity timestamps never needs to call this.
func OpusPacketDurations(pkts []*container.Packet, frameSeconds float64) {
	if frameSeconds <= 0 {
		frameSeconds = opusDefaultFrameSeconds
	}
	if len(pkts) == 0 {
		return
	}
	base := pkts[0].DTS
	for i, pkt := range pkts {
		pkt.DTS = base + float64(i)*frameSeconds
		pkt.Duration = frameSeconds
	}
}
