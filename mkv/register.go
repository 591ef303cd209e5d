package mkv

import "github.com/snapetech/containerkit/container"

// demuxerAdapter satisfies container.Demuxer over the richer *Demuxer,
// whose Tracks() returns the Matroska-specific *Track (carrying
// DefaultDurationNS alongside the embedded container.Track) rather than
// the plain container.Track slice the generic registry expects.
type demuxerAdapter struct{ *Demuxer }

func (a demuxerAdapter) Tracks() []container.Track {
	tracks := a.Demuxer.Tracks()
	out := make([]container.Track, len(tracks))
	for i, t := range tracks {
		out[i] = t.Track
	}
	return out
}

func init() {
	factory := func(src container.Source) (container.Demuxer, error) {
		d, err := Open(src)
		if err != nil {
			return nil, err
		}
		return demuxerAdapter{d}, nil
	}
	container.Register(container.FormatMatroska, factory)
	container.Register(container.FormatWebM, factory)
}
