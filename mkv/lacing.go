package mkv

import (
	"bytes"
	"fmt"

	"github.com/snapetech/containerkit/ebml"
)

// Lacing type, encoded in bits 2-1 of a (Simple)Block's flags byte.
const (
	laceNone  = 0x00
	laceXiph  = 0x02
	laceFixed = 0x04
	laceEBML  = 0x06
)

// splitLacedFrames splits a Block's payload (everything after the flags
// byte) into its constituent frames according to the lacing type carried
// in flags. With laceNone it returns the single frame unchanged.
func splitLacedFrames(flags byte, payload []byte) ([][]byte, error) {
	lacing := flags & 0x06
	if lacing == laceNone {
		return [][]byte{payload}, nil
	}
	if len(payload) < 1 {
		return nil, fmt.Errorf("mkv: laced block missing frame count")
	}
	frameCount := int(payload[0]) + 1
	rest := payload[1:]

	switch lacing {
	case laceFixed:
		if frameCount <= 0 || len(rest)%frameCount != 0 {
			return nil, fmt.Errorf("mkv: fixed lacing: %d bytes not divisible by %d frames", len(rest), frameCount)
		}
		frameSize := len(rest) / frameCount
		frames := make([][]byte, frameCount)
		for i := 0; i < frameCount; i++ {
			frames[i] = rest[i*frameSize : (i+1)*frameSize]
		}
		return frames, nil

	case laceXiph:
		sizes := make([]int, frameCount-1)
		for i := 0; i < frameCount-1; i++ {
			size := 0
			for {
				if len(rest) == 0 {
					return nil, fmt.Errorf("mkv: xiph lacing: truncated size run")
				}
				b := rest[0]
				rest = rest[1:]
				size += int(b)
				if b != 0xFF {
					break
				}
			}
			sizes[i] = size
		}
		return sliceFrames(rest, sizes)

	case laceEBML:
		sizes := make([]int, frameCount-1)
		br := bytes.NewReader(rest)
		first, firstLen, _, err := ebml.ReadSize(br)
		if err != nil {
			return nil, fmt.Errorf("mkv: ebml lacing: first size: %w", err)
		}
		sizes[0] = int(first)
		prev := first
		consumed := firstLen
		for i := 1; i < frameCount-1; i++ {
			delta, n, err := readEBMLLaceDelta(br)
			if err != nil {
				return nil, fmt.Errorf("mkv: ebml lacing: delta %d: %w", i, err)
			}
			prev += delta
			sizes[i] = int(prev)
			consumed += n
		}
		return sliceFrames(rest[consumed:], sizes)

	default:
		return nil, fmt.Errorf("mkv: unknown lacing type %#x", lacing)
	}
}

// sliceFrames carves len(sizes) explicitly-sized frames off the front of
// data, with the final frame taking whatever remains.
func sliceFrames(data []byte, sizes []int) ([][]byte, error) {
	frames := make([][]byte, 0, len(sizes)+1)
	off := 0
	for _, size := range sizes {
		if off+size > len(data) {
			return nil, fmt.Errorf("mkv: lacing: frame size %d exceeds remaining %d bytes", size, len(data)-off)
		}
		frames = append(frames, data[off:off+size])
		off += size
	}
	frames = append(frames, data[off:])
	return frames, nil
}

// readEBMLLaceDelta reads one EBML-lacing signed size delta: a VINT whose
// raw (marker-stripped) magnitude is biased by 2^(7L-1)-1, per the Matroska
// spec's EBML-lacing encoding.
func readEBMLLaceDelta(r *bytes.Reader) (int64, int, error) {
	raw, length, _, err := ebml.ReadSize(r)
	if err != nil {
		return 0, 0, err
	}
	bias := int64(1)<<(uint(7*length)-1) - 1
	return raw - bias, length, nil
}
