// Package iopacing rate-limits reads from a byteio.Source or writes to a
// byteio.Target, for callers that want to cap bandwidth on a
// burst-producing path (a progressive MP4 finalize pass writing a large
// mdat in one go, or a live MPEG-TS mux loop) without altering the
// Source/Target contract itself — the same "wrap the stream, don't change
// its shape" approach the teacher uses to observe traffic through
// tsInspectorWriter, applied here to shape it instead.
package iopacing

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/snapetech/containerkit/byteio"
)

// PacedTarget wraps a byteio.Target, blocking each Write until the limiter
// admits that many bytes. Seek/WriteAt pass through unpaced: pacing only
// throttles the sequential-append path a progressive finalize or live mux
// loop actually bursts on.
type PacedTarget struct {
	byteio.Target
	ctx     context.Context
	limiter *rate.Limiter
}

// NewPacedTarget wraps target with a limiter allowing bytesPerSec sustained
// throughput and a burst of the same size. ctx, if non-nil, cancels an
// in-progress wait; a nil ctx uses context.Background.
func NewPacedTarget(target byteio.Target, bytesPerSec int, ctx context.Context) *PacedTarget {
	if ctx == nil {
		ctx = context.Background()
	}
	return &PacedTarget{
		Target:  target,
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec),
	}
}

func (p *PacedTarget) Write(b []byte) (int, error) {
	if err := p.waitN(len(b)); err != nil {
		return 0, err
	}
	return p.Target.Write(b)
}

// waitN admits n bytes, splitting the wait into limiter-burst-sized chunks
// when n exceeds the limiter's burst size (rate.Limiter.WaitN errors out
// instead of blocking if asked for more than its burst in one call).
func (p *PacedTarget) waitN(n int) error {
	burst := p.limiter.Burst()
	if burst <= 0 {
		burst = n
	}
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := p.limiter.WaitN(p.ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// PacedSource wraps a byteio.Source, pacing sequential Read calls the same
// way PacedTarget paces Write. ReadAt passes through unpaced, matching
// PacedTarget's Seek/WriteAt passthrough.
type PacedSource struct {
	byteio.Source
	ctx     context.Context
	limiter *rate.Limiter
}

// NewPacedSource wraps src with a limiter allowing bytesPerSec sustained
// throughput and a burst of the same size.
func NewPacedSource(src byteio.Source, bytesPerSec int, ctx context.Context) *PacedSource {
	if ctx == nil {
		ctx = context.Background()
	}
	return &PacedSource{
		Source:  src,
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec),
	}
}

func (p *PacedSource) Read(b []byte) (int, error) {
	n, err := p.Source.Read(b)
	if n <= 0 {
		return n, err
	}
	if werr := p.waitN(n); werr != nil {
		return n, werr
	}
	return n, err
}

func (p *PacedSource) waitN(n int) error {
	burst := p.limiter.Burst()
	if burst <= 0 {
		burst = n
	}
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := p.limiter.WaitN(p.ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

var _ io.Writer = (*PacedTarget)(nil)
var _ io.Reader = (*PacedSource)(nil)
