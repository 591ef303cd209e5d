package mp4

import (
	"bytes"
	"fmt"

	"github.com/snapetech/containerkit/byteio"
	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

// sample is one expanded entry of a track's sample table: its absolute
// file offset and size (from stsc/stsz/stco|co64), its duration and
// composition offset in the track's media timescale (from stts/ctts), and
// whether stss names it a sync sample.
type sample struct {
	offset     int64
	size       uint32
	duration   uint64
	ctsOffset  int64
	keyframe   bool
}

// buildSampleTable expands an stbl's child boxes into the per-sample
// vector described in the demuxer's sample table expansion pass.
func buildSampleTable(src container.Source, stbl []box) ([]sample, error) {
	sttsBox, ok := find(stbl, isobmff.TypeStts)
	if !ok {
		return nil, container.NewError(container.ErrMalformed, "mp4", "buildSampleTable", fmt.Errorf("missing stts"))
	}
	durations, err := readStts(src, sttsBox)
	if err != nil {
		return nil, err
	}

	ctsOffsets, err := readCtts(src, stbl, len(durations))
	if err != nil {
		return nil, err
	}

	sizes, err := readStsz(src, stbl, len(durations))
	if err != nil {
		return nil, err
	}

	offsets, err := readChunkOffsets(src, stbl)
	if err != nil {
		return nil, err
	}
	chunkRuns, err := readStsc(src, stbl)
	if err != nil {
		return nil, err
	}
	sampleOffsets, err := expandSampleOffsets(offsets, chunkRuns, sizes)
	if err != nil {
		return nil, err
	}

	keyframes, err := readStss(src, stbl, len(durations))
	if err != nil {
		return nil, err
	}

	samples := make([]sample, len(durations))
	for i := range samples {
		samples[i] = sample{
			offset:    sampleOffsets[i],
			size:      sizes[i],
			duration:  durations[i],
			ctsOffset: ctsOffsets[i],
			keyframe:  keyframes[i],
		}
	}
	return samples, nil
}

func boxPayload(src container.Source, b box) ([]byte, error) {
	size, err := srcSize(src)
	if err != nil {
		return nil, err
	}
	return b.payload(src, size)
}

// readStts expands stts's (count, delta) run-length pairs into one
// duration-per-sample slice.
func readStts(src container.Source, b box) ([]uint64, error) {
	data, err := boxPayload(src, b)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	if _, err := isobmff.ReadFullBoxHeader(r); err != nil {
		return nil, err
	}
	entryCount, err := byteio.ReadU32(r)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for i := uint32(0); i < entryCount; i++ {
		count, err := byteio.ReadU32(r)
		if err != nil {
			return nil, err
		}
		delta, err := byteio.ReadU32(r)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < count; j++ {
			out = append(out, uint64(delta))
		}
	}
	return out, nil
}

// readCtts expands ctts's (count, offset) pairs, signed when version=1, into
// a per-sample composition offset slice. Returns all-zero when ctts is
// absent.
func readCtts(src container.Source, stbl []box, sampleCount int) ([]int64, error) {
	out := make([]int64, sampleCount)
	b, ok := find(stbl, isobmff.TypeCtts)
	if !ok {
		return out, nil
	}
	data, err := boxPayload(src, b)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	fb, err := isobmff.ReadFullBoxHeader(r)
	if err != nil {
		return nil, err
	}
	entryCount, err := byteio.ReadU32(r)
	if err != nil {
		return nil, err
	}
	idx := 0
	for i := uint32(0); i < entryCount && idx < sampleCount; i++ {
		count, err := byteio.ReadU32(r)
		if err != nil {
			return nil, err
		}
		rawOffset, err := byteio.ReadU32(r)
		if err != nil {
			return nil, err
		}
		var offset int64
		if fb.Version == 1 {
			offset = int64(int32(rawOffset))
		} else {
			offset = int64(rawOffset)
		}
		for j := uint32(0); j < count && idx < sampleCount; j++ {
			out[idx] = offset
			idx++
		}
	}
	return out, nil
}

// readStsz returns the per-sample size slice: either sampleCount copies of
// a uniform size, or the explicit per-sample entry list.
func readStsz(src container.Source, stbl []box, sampleCount int) ([]uint32, error) {
	b, ok := find(stbl, isobmff.TypeStsz)
	if !ok {
		return nil, container.NewError(container.ErrMalformed, "mp4", "readStsz", fmt.Errorf("missing stsz"))
	}
	data, err := boxPayload(src, b)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	if _, err := isobmff.ReadFullBoxHeader(r); err != nil {
		return nil, err
	}
	uniformSize, err := byteio.ReadU32(r)
	if err != nil {
		return nil, err
	}
	count, err := byteio.ReadU32(r)
	if err != nil {
		return nil, err
	}
	if uniformSize != 0 {
		out := make([]uint32, count)
		for i := range out {
			out[i] = uniformSize
		}
		return out, nil
	}
	out := make([]uint32, count)
	for i := range out {
		v, err := byteio.ReadU32(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type chunkRun struct {
	firstChunk      uint32
	samplesPerChunk uint32
	sampleDescIndex uint32
}

// readStsc reads stsc's (first_chunk, samples_per_chunk,
// sample_description_index) run table, each entry applying until the next
// entry's first_chunk.
func readStsc(src container.Source, stbl []box) ([]chunkRun, error) {
	b, ok := find(stbl, isobmff.TypeStsc)
	if !ok {
		return nil, container.NewError(container.ErrMalformed, "mp4", "readStsc", fmt.Errorf("missing stsc"))
	}
	data, err := boxPayload(src, b)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	if _, err := isobmff.ReadFullBoxHeader(r); err != nil {
		return nil, err
	}
	entryCount, err := byteio.ReadU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]chunkRun, entryCount)
	for i := range out {
		if out[i].firstChunk, err = byteio.ReadU32(r); err != nil {
			return nil, err
		}
		if out[i].samplesPerChunk, err = byteio.ReadU32(r); err != nil {
			return nil, err
		}
		if out[i].sampleDescIndex, err = byteio.ReadU32(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// readChunkOffsets reads stco (32-bit) or co64 (64-bit) chunk offsets.
func readChunkOffsets(src container.Source, stbl []box) ([]int64, error) {
	if b, ok := find(stbl, isobmff.TypeCo64); ok {
		data, err := boxPayload(src, b)
		if err != nil {
			return nil, err
		}
		r := bytes.NewReader(data)
		if _, err := isobmff.ReadFullBoxHeader(r); err != nil {
			return nil, err
		}
		entryCount, err := byteio.ReadU32(r)
		if err != nil {
			return nil, err
		}
		out := make([]int64, entryCount)
		for i := range out {
			v, err := byteio.ReadU64(r)
			if err != nil {
				return nil, err
			}
			out[i] = int64(v)
		}
		return out, nil
	}
	b, ok := find(stbl, isobmff.TypeStco)
	if !ok {
		return nil, container.NewError(container.ErrMalformed, "mp4", "readChunkOffsets", fmt.Errorf("missing stco/co64"))
	}
	data, err := boxPayload(src, b)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	if _, err := isobmff.ReadFullBoxHeader(r); err != nil {
		return nil, err
	}
	entryCount, err := byteio.ReadU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]int64, entryCount)
	for i := range out {
		v, err := byteio.ReadU32(r)
		if err != nil {
			return nil, err
		}
		out[i] = int64(v)
	}
	return out, nil
}

// readStss reads the 1-based keyframe sample numbers; if stss is absent,
// every sample is a keyframe.
func readStss(src container.Source, stbl []box, sampleCount int) ([]bool, error) {
	out := make([]bool, sampleCount)
	b, ok := find(stbl, isobmff.TypeStss)
	if !ok {
		for i := range out {
			out[i] = true
		}
		return out, nil
	}
	data, err := boxPayload(src, b)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	if _, err := isobmff.ReadFullBoxHeader(r); err != nil {
		return nil, err
	}
	entryCount, err := byteio.ReadU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < entryCount; i++ {
		v, err := byteio.ReadU32(r)
		if err != nil {
			return nil, err
		}
		if int(v)-1 >= 0 && int(v)-1 < sampleCount {
			out[v-1] = true
		}
	}
	return out, nil
}

// expandSampleOffsets walks the chunk-run table alongside the chunk offset
// list to produce the absolute file offset of every sample in stsz order.
func expandSampleOffsets(chunkOffsets []int64, runs []chunkRun, sizes []uint32) ([]int64, error) {
	out := make([]int64, len(sizes))
	sampleIdx := 0
	for runIdx, run := range runs {
		var nextFirstChunk uint32
		if runIdx+1 < len(runs) {
			nextFirstChunk = runs[runIdx+1].firstChunk
		} else {
			nextFirstChunk = uint32(len(chunkOffsets)) + 1
		}
		for chunkNum := run.firstChunk; chunkNum < nextFirstChunk; chunkNum++ {
			if int(chunkNum)-1 >= len(chunkOffsets) {
				break
			}
			pos := chunkOffsets[chunkNum-1]
			for s := uint32(0); s < run.samplesPerChunk; s++ {
				if sampleIdx >= len(sizes) {
					return out, nil
				}
				out[sampleIdx] = pos
				pos += int64(sizes[sampleIdx])
				sampleIdx++
			}
		}
	}
	return out, nil
}
