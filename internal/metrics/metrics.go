// Package metrics exposes a Prometheus-backed instrumentation surface for
// demux/mux/convert operations. convert.Run, mpegts.Inspector.SetMetrics and
// probecache's SetMetrics accept a *Collector; the demuxers and muxers do
// not take one. Passing nil (or using Noop()) costs nothing beyond a few
// no-op method calls, mirroring the teacher's habit of making
// instrumentation strictly additive rather than load-bearing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector wraps the counters and histograms this module reports.
// Methods are nil-receiver safe so a zero-value *Collector (or one obtained
// from Noop()) is always a valid, inert choice.
type Collector struct {
	demuxPackets    *prometheus.CounterVec
	muxFragments    *prometheus.CounterVec
	tsCCErrors      prometheus.Counter
	probeCacheHits  prometheus.Counter
	probeCacheMiss  prometheus.Counter
	convertLatency  prometheus.Histogram
	noop            bool
}

// New registers this module's metrics against reg and returns a Collector
// that reports through them. reg may be prometheus.DefaultRegisterer, or a
// private registry in tests.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		demuxPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "containerkit_demux_packets_total",
			Help: "Packets produced by a demuxer, labeled by container format.",
		}, []string{"format"}),
		muxFragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "containerkit_mux_fragments_total",
			Help: "Fragments (moof/mdat pairs, TS PSI-repeat boundaries) written by a muxer.",
		}, []string{"format"}),
		tsCCErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "containerkit_ts_cc_errors_total",
			Help: "MPEG-TS continuity-counter discontinuities observed by an Inspector.",
		}),
		probeCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "containerkit_probe_cache_hits_total",
			Help: "Probe results served from internal/probecache instead of re-walking the source.",
		}),
		probeCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "containerkit_probe_cache_misses_total",
			Help: "Probe requests that found no usable cache entry.",
		}),
		convertLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "containerkit_convert_packet_dispatch_seconds",
			Help:    "Time to route one packet from source demuxer to destination muxer in the convert loop.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.demuxPackets, c.muxFragments, c.tsCCErrors, c.probeCacheHits, c.probeCacheMiss, c.convertLatency)
	}
	return c
}

// Noop returns a Collector whose methods record nothing, for callers that
// don't want to wire a registry.
func Noop() *Collector { return &Collector{noop: true} }

func (c *Collector) DemuxPacket(format string) {
	if c == nil || c.noop {
		return
	}
	c.demuxPackets.WithLabelValues(format).Inc()
}

func (c *Collector) MuxFragment(format string) {
	if c == nil || c.noop {
		return
	}
	c.muxFragments.WithLabelValues(format).Inc()
}

func (c *Collector) TSContinuityError() {
	if c == nil || c.noop {
		return
	}
	c.tsCCErrors.Inc()
}

func (c *Collector) ProbeCacheHit() {
	if c == nil || c.noop {
		return
	}
	c.probeCacheHits.Inc()
}

func (c *Collector) ProbeCacheMiss() {
	if c == nil || c.noop {
		return
	}
	c.probeCacheMiss.Inc()
}

// ObserveConvertDispatch records one packet's source-to-destination
// dispatch latency, in seconds.
func (c *Collector) ObserveConvertDispatch(seconds float64) {
	if c == nil || c.noop {
		return
	}
	c.convertLatency.Observe(seconds)
}
