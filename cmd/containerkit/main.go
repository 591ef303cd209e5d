// Command containerkit probes and remuxes container files from the
// command line: it demuxes an input of any registered format and
// codec-copies the selected tracks into an output of the requested
// format, with optional Prometheus metrics and a SQLite probe cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/convert"
	"github.com/snapetech/containerkit/internal/envopts"
	"github.com/snapetech/containerkit/internal/metrics"
	"github.com/snapetech/containerkit/internal/probecache"
	"github.com/snapetech/containerkit/mp4"
	"github.com/snapetech/containerkit/mpegts"
	"github.com/snapetech/containerkit/oggcontainer"

	// Registered for their container.Register side effect only: blank-importing
	// every format package is what lets container.Open probe and dispatch to
	// whichever one matches the input, the same registry-driven pattern
	// database/sql uses for drivers.
	_ "github.com/snapetech/containerkit/mkv"
)

func main() {
	in := flag.String("in", "", "input file to demux (required)")
	out := flag.String("out", "", "output file to mux (required)")
	outFormat := flag.String("format", "", "output format: mp4, mp4-fragmented, mpegts, ogg (default: inferred from -out's extension)")
	videoTrack := flag.Int("video-track", 0, "index of the source video track to carry, -1 to drop video")
	audioTrack := flag.Int("audio-track", 0, "index of the source audio track to carry, -1 to drop audio")
	startTime := flag.Float64("start", 0, "seconds to trim from the start")
	endTime := flag.Float64("end", 0, "seconds to trim at (0 = no limit)")
	fragmentDuration := flag.Duration("fragment-duration", envopts.Defaults.FragmentDuration, "fragment duration for -format mp4-fragmented")
	probeCachePath := flag.String("probe-cache", envopts.Defaults.ProbeCachePath, "optional path to a probe-result cache database (empty disables caching)")
	metricsAddr := flag.String("metrics-addr", "", "optional address to serve Prometheus metrics on (e.g. :9100); empty disables")
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "containerkit: -in and -out are required")
		flag.Usage()
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("containerkit: metrics listening on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("containerkit: metrics server: %v", err)
			}
		}()
	}

	var cache *probecache.Cache
	if *probeCachePath != "" {
		c, err := probecache.Open(*probeCachePath)
		if err != nil {
			log.Fatalf("containerkit: open probe cache: %v", err)
		}
		c.SetMetrics(m)
		defer c.Close()
		cache = c
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("containerkit: shutting down")
		cancel()
	}()

	if err := run(ctx, *in, *out, *outFormat, *fragmentDuration, convert.Options{
		StartTime:        *startTime,
		EndTime:          *endTime,
		VideoTrackIndex:  *videoTrack,
		AudioTrackIndex:  *audioTrack,
		FastStart:        true,
		PreserveMetadata: true,
	}, m, cache); err != nil {
		log.Fatalf("containerkit: %v", err)
	}
}

func run(ctx context.Context, inPath, outPath, outFormat string, fragmentDuration time.Duration, opts convert.Options, m *metrics.Collector, cache *probecache.Cache) error {
	srcFile, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer srcFile.Close()

	demux, format, err := container.Open(srcFile)
	if err != nil {
		return fmt.Errorf("open demuxer: %w", err)
	}
	tracks := demux.Tracks()
	log.Printf("containerkit: probed %s as %s (%d tracks)", inPath, format, len(tracks))
	recordProbeCache(cache, inPath, format, tracks)

	dstFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer dstFile.Close()

	mux, err := newMuxer(dstFile, outFormat, outPath, fragmentDuration)
	if err != nil {
		return err
	}

	if err := convert.Run(ctx, demux, mux, opts, m, log.Default()); err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	return nil
}

// recordProbeCache persists the just-discovered format/track list for
// (path, size, mtime) so a later run of this command against the same
// unchanged file can skip this implementation detail's re-walk (today
// nothing reads the cache back here, since the conversion loop always
// needs a live demuxer regardless of what a cached probe says; the cache
// exists for other callers that only need the track list, not the bytes).
func recordProbeCache(cache *probecache.Cache, path string, format container.Format, tracks []container.Track) {
	if cache == nil {
		return
	}
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	entry := probecache.Entry{Format: format, Tracks: tracks}
	if err := cache.Store(path, fi.Size(), fi.ModTime().Unix(), entry); err != nil {
		log.Printf("containerkit: store probe cache: %v", err)
	}
}

// newMuxer builds the output Muxer convert.Run will drive, inferring the
// format from outFormat (or, if empty, outPath's extension).
func newMuxer(dst *os.File, outFormat, outPath string, fragmentDuration time.Duration) (convert.Muxer, error) {
	if outFormat == "" {
		outFormat = formatFromExtension(outPath)
	}
	switch outFormat {
	case "mp4":
		return mp4.NewMuxer(dst, mp4.BrandISOM), nil
	case "mp4-fragmented", "cmaf", "fmp4":
		mux := mp4.NewFragmentedMuxer(dst, mp4.BrandCMAF, fragmentDuration, false)
		if err := mux.WriteHeader(); err != nil {
			return nil, fmt.Errorf("write fragmented header: %w", err)
		}
		return mux, nil
	case "mpegts", "ts":
		return mpegts.NewMuxer(dst), nil
	case "ogg":
		return oggcontainer.NewMuxer(dst), nil
	default:
		return nil, fmt.Errorf("unrecognized output format %q", outFormat)
	}
}

func formatFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v", ".mov":
		return "mp4"
	case ".m4s", ".cmaf":
		return "mp4-fragmented"
	case ".ts", ".m2ts":
		return "mpegts"
	case ".ogg", ".ogv", ".oga":
		return "ogg"
	default:
		return ""
	}
}
