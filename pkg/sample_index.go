package pkg

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"m7s.live/mediakit/pkg/util"
)

type (
	SttsEntry struct {
		Count, Delta uint32
	}
	CttsEntry struct {
		Count  uint32
		Offset int32
	}
	StscEntry struct {
		FirstChunk, SamplesPerChunk, DescriptionIndex uint32
	}

	// SampleTables are the raw per-track tables as stored in a movie header.
	SampleTables struct {
		Timescale          uint32
		TimeToSample       []SttsEntry
		CompositionOffsets []CttsEntry
		SampleToChunk      []StscEntry
		// SampleSize is the uniform size, SampleSizes is used when it is 0.
		SampleSize   uint32
		SampleSizes  []uint32
		ChunkOffsets []int64
		// SyncSamples are 1-based; nil means every sample is a key frame.
		SyncSamples []uint32
		// PCMFrameSize > 0 coalesces every chunk into one sample.
		PCMFrameSize uint32
		// MediaTime is subtracted from every presentation timestamp.
		MediaTime int64
	}

	TimingEntry struct {
		StartIndex           int
		StartDecodeTimestamp int64
		Count                int
		Delta                int64
	}

	CompositionOffsetEntry struct {
		StartIndex int
		Count      int
		Offset     int64
	}

	chunkRun struct {
		StartIndex      int
		FirstChunk      int
		SamplesPerChunk int
		ChunkCount      int
	}

	presentationEntry struct {
		Timestamp int64
		Index     int
	}

	SampleInfo struct {
		Index           int
		DecodeTimestamp int64
		// Timestamp is the presentation timestamp in track ticks.
		Timestamp int64
		Duration  int64
		Size      uint32
		Offset    int64
		Key       bool
	}

	// SampleIndex answers timing, location and key frame queries for a
	// monolithic track with binary searches over run-length tables.
	SampleIndex struct {
		Timescale    uint32
		timing       []TimingEntry
		offsets      []CompositionOffsetEntry
		presentation []presentationEntry
		chunks       []chunkRun
		chunkOffsets []int64
		uniformSize  uint32
		sizes        []uint32
		sizePrefix   []int64
		keyFrames    []int
		count        int
		shift        int64
		firstTS, end int64
	}
)

func buildTiming(stts []SttsEntry) (timing []TimingEntry, count int, end int64) {
	for _, e := range stts {
		if e.Count == 0 {
			continue
		}
		timing = append(timing, TimingEntry{StartIndex: count, StartDecodeTimestamp: end, Count: int(e.Count), Delta: int64(e.Delta)})
		count += int(e.Count)
		end += int64(e.Count) * int64(e.Delta)
	}
	return
}

func timingAt(timing []TimingEntry, i int) (dts, delta int64) {
	r := sort.Search(len(timing), func(r int) bool { return timing[r].StartIndex > i }) - 1
	if r < 0 {
		return 0, 0
	}
	e := &timing[r]
	return e.StartDecodeTimestamp + int64(i-e.StartIndex)*e.Delta, e.Delta
}

func buildChunks(stsc []StscEntry, chunkCount int) (runs []chunkRun) {
	start := 0
	for k, e := range stsc {
		if e.FirstChunk == 0 || e.SamplesPerChunk == 0 {
			continue
		}
		first := int(e.FirstChunk) - 1
		next := chunkCount
		if k+1 < len(stsc) {
			next = min(int(stsc[k+1].FirstChunk)-1, chunkCount)
		}
		if next <= first {
			continue
		}
		runs = append(runs, chunkRun{StartIndex: start, FirstChunk: first, SamplesPerChunk: int(e.SamplesPerChunk), ChunkCount: next - first})
		start += (next - first) * int(e.SamplesPerChunk)
	}
	return
}

func BuildSampleIndex(t *SampleTables) (idx *SampleIndex, err error) {
	idx = &SampleIndex{Timescale: t.Timescale, shift: t.MediaTime, chunkOffsets: t.ChunkOffsets}
	var end int64
	idx.timing, idx.count, end = buildTiming(t.TimeToSample)
	idx.chunks = buildChunks(t.SampleToChunk, len(t.ChunkOffsets))
	if t.SampleSize == 0 && len(t.SampleSizes) < idx.count {
		return nil, fmt.Errorf("%w: %d sample sizes for %d samples", util.ErrMalformedStream, len(t.SampleSizes), idx.count)
	}
	if n := len(idx.chunks); n > 0 {
		last := idx.chunks[n-1]
		if capacity := last.StartIndex + last.ChunkCount*last.SamplesPerChunk; capacity < idx.count {
			return nil, fmt.Errorf("%w: chunks hold %d of %d samples", util.ErrMalformedStream, capacity, idx.count)
		}
	} else if idx.count > 0 {
		return nil, fmt.Errorf("%w: no chunks for %d samples", util.ErrMalformedStream, idx.count)
	}
	if t.PCMFrameSize > 0 {
		idx.coalescePCM(t.PCMFrameSize)
		idx.firstTS, idx.end = -idx.shift, end-idx.shift
		return
	}
	idx.uniformSize = t.SampleSize
	if idx.uniformSize == 0 {
		idx.sizes = t.SampleSizes[:idx.count]
		idx.sizePrefix = make([]int64, idx.count+1)
		for i, s := range idx.sizes {
			idx.sizePrefix[i+1] = idx.sizePrefix[i] + int64(s)
		}
	}
	if t.SyncSamples != nil {
		idx.keyFrames = make([]int, 0, len(t.SyncSamples))
		for _, s := range t.SyncSamples {
			if s > 0 && int(s) <= idx.count {
				idx.keyFrames = append(idx.keyFrames, int(s)-1)
			}
		}
		slices.Sort(idx.keyFrames)
		idx.keyFrames = slices.Compact(idx.keyFrames)
	}
	idx.firstTS, idx.end = -idx.shift, end-idx.shift
	if len(t.CompositionOffsets) > 0 {
		idx.buildPresentation(t.CompositionOffsets)
	}
	return
}

// coalescePCM turns every chunk into a single sample, merging adjacent
// chunks of equal duration into one timing run.
func (idx *SampleIndex) coalescePCM(frameSize uint32) {
	var (
		timing []TimingEntry
		sizes  []uint32
		dts    int64
		n      int
	)
	uniform := true
	for _, run := range idx.chunks {
		for k := range run.ChunkCount {
			first := run.StartIndex + k*run.SamplesPerChunk
			if first >= idx.count {
				break
			}
			frames := min(run.SamplesPerChunk, idx.count-first)
			start, _ := timingAt(idx.timing, first)
			stop, delta := timingAt(idx.timing, first+frames-1)
			duration := stop + delta - start
			if l := len(timing); l > 0 && timing[l-1].Delta == duration {
				timing[l-1].Count++
			} else {
				timing = append(timing, TimingEntry{StartIndex: n, StartDecodeTimestamp: dts, Count: 1, Delta: duration})
			}
			size := uint32(frames) * frameSize
			uniform = uniform && (len(sizes) == 0 || sizes[0] == size)
			sizes = append(sizes, size)
			dts += duration
			n++
		}
	}
	offsets := make([]int64, 0, n)
	for _, run := range idx.chunks {
		for k := range run.ChunkCount {
			if len(offsets) < n {
				offsets = append(offsets, idx.chunkOffsets[run.FirstChunk+k])
			}
		}
	}
	idx.timing, idx.count, idx.chunkOffsets = timing, n, offsets
	idx.chunks = []chunkRun{{SamplesPerChunk: 1, ChunkCount: n}}
	if uniform && n > 0 {
		idx.uniformSize = sizes[0]
	} else {
		idx.sizes = sizes
	}
}

func (idx *SampleIndex) buildPresentation(ctts []CttsEntry) {
	start := 0
	for _, e := range ctts {
		if e.Count == 0 {
			continue
		}
		idx.offsets = append(idx.offsets, CompositionOffsetEntry{StartIndex: start, Count: int(e.Count), Offset: int64(e.Offset)})
		start += int(e.Count)
	}
	idx.presentation = make([]presentationEntry, idx.count)
	idx.firstTS, idx.end = math.MaxInt64, math.MinInt64
	for i := range idx.count {
		dts, delta := timingAt(idx.timing, i)
		pts := dts + idx.offsetAt(i) - idx.shift
		idx.presentation[i] = presentationEntry{Timestamp: pts, Index: i}
		idx.firstTS = min(idx.firstTS, pts)
		idx.end = max(idx.end, pts+delta)
	}
	slices.SortStableFunc(idx.presentation, func(a, b presentationEntry) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
}

func (idx *SampleIndex) offsetAt(i int) int64 {
	r := sort.Search(len(idx.offsets), func(r int) bool { return idx.offsets[r].StartIndex > i }) - 1
	if r < 0 || i >= idx.offsets[r].StartIndex+idx.offsets[r].Count {
		return 0
	}
	return idx.offsets[r].Offset
}

func (idx *SampleIndex) Count() int {
	return idx.count
}

// FirstTimestamp is the earliest presentation timestamp in ticks.
func (idx *SampleIndex) FirstTimestamp() int64 {
	return idx.firstTS
}

// EndTimestamp is the latest presentation end in ticks.
func (idx *SampleIndex) EndTimestamp() int64 {
	return idx.end
}

// SampleIndexForTimestamp returns the sample with the greatest presentation
// timestamp <= t, or -1 when t precedes every sample.
func (idx *SampleIndex) SampleIndexForTimestamp(t int64) int {
	if idx.count == 0 {
		return -1
	}
	if idx.presentation != nil {
		i := sort.Search(len(idx.presentation), func(i int) bool { return idx.presentation[i].Timestamp > t }) - 1
		if i < 0 {
			return -1
		}
		return idx.presentation[i].Index
	}
	switch {
	case idx.shift > 0 && t > math.MaxInt64-idx.shift:
		t = math.MaxInt64
	case idx.shift < 0 && t < math.MinInt64-idx.shift:
		return -1
	default:
		t += idx.shift
	}
	r := sort.Search(len(idx.timing), func(r int) bool { return idx.timing[r].StartDecodeTimestamp > t }) - 1
	if r < 0 {
		return -1
	}
	e := &idx.timing[r]
	if e.Delta == 0 {
		return e.StartIndex + e.Count - 1
	}
	return e.StartIndex + int(min((t-e.StartDecodeTimestamp)/e.Delta, int64(e.Count-1)))
}

func (idx *SampleIndex) Sample(i int) (s SampleInfo, err error) {
	if i < 0 || i >= idx.count {
		return s, fmt.Errorf("%w: sample %d of %d", util.ErrMalformedStream, i, idx.count)
	}
	s.Index = i
	s.DecodeTimestamp, s.Duration = timingAt(idx.timing, i)
	s.Timestamp = s.DecodeTimestamp + idx.offsetAt(i) - idx.shift
	s.Key = idx.IsKey(i)
	if idx.uniformSize != 0 {
		s.Size = idx.uniformSize
	} else {
		s.Size = idx.sizes[i]
	}
	r := sort.Search(len(idx.chunks), func(r int) bool { return idx.chunks[r].StartIndex > i }) - 1
	if r < 0 {
		return s, fmt.Errorf("%w: sample %d has no chunk", util.ErrMalformedStream, i)
	}
	run := &idx.chunks[r]
	k := (i - run.StartIndex) / run.SamplesPerChunk
	chunk := run.FirstChunk + k
	if chunk >= len(idx.chunkOffsets) {
		return s, fmt.Errorf("%w: chunk %d of %d", util.ErrMalformedStream, chunk, len(idx.chunkOffsets))
	}
	first := run.StartIndex + k*run.SamplesPerChunk
	s.Offset = idx.chunkOffsets[chunk]
	if idx.uniformSize != 0 {
		s.Offset += int64(i-first) * int64(idx.uniformSize)
	} else if idx.sizePrefix != nil {
		s.Offset += idx.sizePrefix[i] - idx.sizePrefix[first]
	}
	return
}

func (idx *SampleIndex) IsKey(i int) bool {
	if idx.keyFrames == nil {
		return true
	}
	_, found := slices.BinarySearch(idx.keyFrames, i)
	return found
}

// KeyFrameAtOrBefore returns the largest key frame index <= i, or -1.
func (idx *SampleIndex) KeyFrameAtOrBefore(i int) int {
	if i < 0 {
		return -1
	}
	if idx.keyFrames == nil {
		return min(i, idx.count-1)
	}
	k := sort.SearchInts(idx.keyFrames, i+1) - 1
	if k < 0 {
		return -1
	}
	return idx.keyFrames[k]
}

// NextKeyFrame returns the first key frame index > i, or -1.
func (idx *SampleIndex) NextKeyFrame(i int) int {
	if idx.keyFrames == nil {
		if i+1 < idx.count {
			return max(i+1, 0)
		}
		return -1
	}
	k := sort.SearchInts(idx.keyFrames, i+1)
	if k == len(idx.keyFrames) {
		return -1
	}
	return idx.keyFrames[k]
}
