package container

import (
	"errors"
	"io"
	"sync"
)

var errUnrecognizedFormat = errors.New("container: unrecognized or unregistered format")

// Demuxer is a demuxer of some format opened over a Source: its track list
// and a Packet reader. Returning an interface rather than a concrete
// type keeps the registry free of any import back onto the format packages.
type Demuxer interface {
	Tracks() []Track
	ReadPacket() (*Packet, error)
}

// DemuxerFactory constructs a Demuxer for one registered format.
type DemuxerFactory func(src Source) (Demuxer, error)

// registry holds the process-wide map from Format to the demuxer
// constructor a format package registers at init. It is built up once at
// package-init time by every format package's own init() (mirroring
// database/sql's driver registry) and treated as immutable after that, per
// spec.md §5's "no global mutable state during operation" rule: mutation
// only happens during program init, never mid-request.
var registry struct {
	mu    sync.RWMutex
	byFmt map[Format]DemuxerFactory
}

// Register associates a Format with the factory that opens it. Call from a
// format package's init(); registering the same Format twice panics, since
// that can only happen from a programming mistake (two packages claiming
// the same format), never from runtime input.
func Register(format Format, factory DemuxerFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.byFmt == nil {
		registry.byFmt = make(map[Format]DemuxerFactory)
	}
	if _, exists := registry.byFmt[format]; exists {
		panic("container: format " + string(format) + " registered twice")
	}
	registry.byFmt[format] = factory
}

// Open probes src and opens the matching registered demuxer. Callers that
// already know the format (e.g. from a file extension) can skip Probe and
// call the format package's own Open/NewDemuxer constructor directly.
func Open(src Source) (Demuxer, Format, error) {
	format, ok := Probe(src)
	if !ok {
		return nil, FormatUnknown, NewError(ErrMalformed, "container", "Open", errUnrecognizedFormat)
	}

	registry.mu.RLock()
	factory, ok := registry.byFmt[format]
	registry.mu.RUnlock()
	if !ok {
		return nil, format, NewError(ErrUnsupported, "container", "Open", errUnrecognizedFormat)
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, format, NewError(ErrMalformed, "container", "Open", err)
	}
	d, err := factory(src)
	if err != nil {
		return nil, format, err
	}
	return d, format, nil
}
