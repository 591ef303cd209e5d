package convert

// Options carries the abstract conversion knobs from spec.md §6. This
// library does not decode or encode samples (codec-copy only). VideoCodec
// and AudioCodec are checked against the selected source track: a caller
// asking for a codec the source track doesn't already have gets
// ErrConfigMismatch rather than a silent no-op transcode. VideoBitrate,
// AudioBitrate, Width, Height, FrameRate, SampleRate and Channels are
// neither checked nor applied by Run.
type Options struct {
	VideoCodec   string // "" = accept whatever the source video track carries
	AudioCodec   string
	VideoBitrate int
	AudioBitrate int
	Width        int
	Height       int
	FrameRate    float64
	SampleRate   int
	Channels     int

	FastStart        bool
	Fragmented       bool
	PreserveMetadata bool

	StartTime float64 // seconds, 0 = from the beginning
	EndTime   float64 // seconds, <= 0 = no limit

	// VideoTrackIndex/AudioTrackIndex select which source track of that
	// Kind to carry (0 = the first track of that Kind in Tracks() order,
	// 1 = the second, and so on, not Track.Index); -1 excludes
	// that media kind from the output entirely.
	VideoTrackIndex int
	AudioTrackIndex int
}

// DefaultOptions matches spec.md §6's stated defaults: preserve_metadata
// and fast_start on, fragmented off, and the first video/audio track of
// each kind carried through.
func DefaultOptions() Options {
	return Options{
		FastStart:        true,
		Fragmented:       false,
		PreserveMetadata: true,
		VideoTrackIndex:  0,
		AudioTrackIndex:  0,
	}
}
