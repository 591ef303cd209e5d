package mp4

import (
	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/isobmff"
)

func buildStbl(t *muxTrack) []byte {
	stsd := buildStsd(t)
	stts := buildStts(t)
	stsc := buildStscOneSamplePerChunk()
	stsz := buildStsz(t)
	stco := buildStco(t)
	boxes := [][]byte{stsd, stts, stsc, stsz, stco}
	if stss := buildStss(t); stss != nil {
		boxes = append(boxes, stss)
	}
	return encodeBox(isobmff.TypeStbl, concatBoxes(boxes...))
}

// buildStts run-length-encodes the per-sample durations. Equal consecutive
// durations collapse into a single (count, delta) entry.
func buildStts(t *muxTrack) []byte {
	type run struct {
		count uint32
		delta uint32
	}
	var runs []run
	for _, s := range t.samples {
		d := uint32(s.duration)
		if len(runs) > 0 && runs[len(runs)-1].delta == d {
			runs[len(runs)-1].count++
			continue
		}
		runs = append(runs, run{count: 1, delta: d})
	}
	body := u32(uint32(len(runs)))
	for _, r := range runs {
		body = append(body, u32(r.count)...)
		body = append(body, u32(r.delta)...)
	}
	return encodeFullBox(isobmff.TypeStts, 0, 0, body)
}

// buildStscOneSamplePerChunk emits the progressive muxer's one-sample-
// per-chunk layout: a single {1,1,1} entry.
func buildStscOneSamplePerChunk() []byte {
	body := u32(1)
	body = append(body, u32(1)...) // first_chunk
	body = append(body, u32(1)...) // samples_per_chunk
	body = append(body, u32(1)...) // sample_description_index
	return encodeFullBox(isobmff.TypeStsc, 0, 0, body)
}

func buildStsz(t *muxTrack) []byte {
	body := u32(0) // sample_size = 0 selects the per-sample entry list
	body = append(body, u32(uint32(len(t.samples)))...)
	for _, s := range t.samples {
		body = append(body, u32(uint32(len(s.data)))...)
	}
	return encodeFullBox(isobmff.TypeStsz, 0, 0, body)
}

// buildStco writes the running sum of sample sizes as each chunk's (and
// thus each sample's, under one-sample-per-chunk) offset. Offsets past the
// 32-bit field use co64 instead.
func buildStco(t *muxTrack) []byte {
	offsets := chunkOffsetsFor(t)
	needs64 := false
	for _, o := range offsets {
		if o > 0xFFFFFFFF {
			needs64 = true
			break
		}
	}
	if needs64 {
		body := u32(uint32(len(offsets)))
		for _, o := range offsets {
			body = append(body, u64(uint64(o))...)
		}
		return encodeFullBox(isobmff.TypeCo64, 0, 0, body)
	}
	body := u32(uint32(len(offsets)))
	for _, o := range offsets {
		body = append(body, u32(uint32(o))...)
	}
	return encodeFullBox(isobmff.TypeStco, 0, 0, body)
}

// chunkOffsetsFor is filled in by buildTrak via the mdatOffset parameter on
// buildStbl's caller; computed here from t.mdatOffset set just before
// calling buildStco.
func chunkOffsetsFor(t *muxTrack) []int64 {
	offsets := make([]int64, len(t.samples))
	pos := t.mdatOffset
	for i, s := range t.samples {
		offsets[i] = pos
		pos += int64(len(s.data))
	}
	return offsets
}

// buildStss lists 1-based keyframe sample numbers. Returns nil (omitting
// the box, meaning "every sample is a keyframe") if every sample is one.
func buildStss(t *muxTrack) []byte {
	var numbers []uint32
	for i, s := range t.samples {
		if s.keyframe {
			numbers = append(numbers, uint32(i+1))
		}
	}
	if len(numbers) == len(t.samples) {
		return nil
	}
	body := u32(uint32(len(numbers)))
	for _, n := range numbers {
		body = append(body, u32(n)...)
	}
	return encodeFullBox(isobmff.TypeStss, 0, 0, body)
}

func buildStsd(t *muxTrack) []byte {
	var entry []byte
	switch t.Kind {
	case container.KindVideo:
		entry = buildVisualSampleEntry(t)
	case container.KindAudio:
		entry = buildAudioSampleEntry(t)
	default:
		entry = buildTextSampleEntry()
	}
	body := u32(1) // entry_count
	body = append(body, entry...)
	return encodeFullBox(isobmff.TypeStsd, 0, 0, body)
}
