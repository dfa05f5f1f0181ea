package pkg

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit/pkg/config"
)

type linearSample struct {
	dts, pts, duration int64
	size               uint32
	offset             int64
	key                bool
}

func randomTables(r *rand.Rand, withCtts bool) (*SampleTables, []linearSample) {
	t := &SampleTables{Timescale: 1000}
	var samples []linearSample
	var dts int64
	for range 1 + r.IntN(6) {
		count := 1 + r.IntN(5)
		delta := 1 + r.IntN(20)
		if r.IntN(5) == 0 {
			count, delta = 1, 0
		}
		t.TimeToSample = append(t.TimeToSample, SttsEntry{Count: uint32(count), Delta: uint32(delta)})
		for range count {
			samples = append(samples, linearSample{dts: dts, duration: int64(delta)})
			dts += int64(delta)
		}
	}
	n := len(samples)
	if withCtts {
		for i := 0; i < n; {
			count := min(1+r.IntN(3), n-i)
			off := int32(r.IntN(40))
			t.CompositionOffsets = append(t.CompositionOffsets, CttsEntry{Count: uint32(count), Offset: off})
			for j := range count {
				samples[i+j].pts = samples[i+j].dts + int64(off)
			}
			i += count
		}
	} else {
		for i := range samples {
			samples[i].pts = samples[i].dts
		}
	}
	for i := range samples {
		samples[i].size = uint32(1 + r.IntN(100))
		t.SampleSizes = append(t.SampleSizes, samples[i].size)
	}
	pos := int64(1000)
	for i, chunk := 0, uint32(1); i < n; chunk++ {
		per := 1 + r.IntN(4)
		if l := len(t.SampleToChunk); l == 0 || t.SampleToChunk[l-1].SamplesPerChunk != uint32(per) {
			t.SampleToChunk = append(t.SampleToChunk, StscEntry{FirstChunk: chunk, SamplesPerChunk: uint32(per), DescriptionIndex: 1})
		} else {
			per = int(t.SampleToChunk[l-1].SamplesPerChunk)
		}
		pos += int64(r.IntN(50))
		t.ChunkOffsets = append(t.ChunkOffsets, pos)
		for j := 0; j < per && i < n; j++ {
			samples[i].offset = pos
			pos += int64(samples[i].size)
			i++
		}
	}
	if r.IntN(3) > 0 {
		for i := range samples {
			if i == 0 || r.IntN(4) == 0 {
				samples[i].key = true
				t.SyncSamples = append(t.SyncSamples, uint32(i+1))
			}
		}
	} else {
		for i := range samples {
			samples[i].key = true
		}
	}
	return t, samples
}

func linearLookup(samples []linearSample, ts int64) int {
	best := -1
	for i, s := range samples {
		if s.pts <= ts && (best < 0 || s.pts >= samples[best].pts) {
			best = i
		}
	}
	return best
}

func TestSampleIndex(t *testing.T) {
	t.Run("scenario", func(t *testing.T) {
		idx, err := BuildSampleIndex(&SampleTables{
			Timescale:     1000,
			TimeToSample:  []SttsEntry{{Count: 2, Delta: 10}, {Count: 1, Delta: 5}},
			SampleToChunk: []StscEntry{{FirstChunk: 1, SamplesPerChunk: 3, DescriptionIndex: 1}},
			SampleSizes:   []uint32{4, 5, 6},
			ChunkOffsets:  []int64{0},
			SyncSamples:   []uint32{1},
		})
		require.NoError(t, err)
		data := []byte("aaaabbbbbcccccc")
		track := &IndexedTrack{
			Track: Track{TrackInfo: TrackInfo{ID: 1, Type: TrackVideo, Timescale: 1000}},
			Index: idx,
			Cache: NewRangeCache(NewBufferSource(data), config.Cache{MinReadSize: 4096}, nil),
		}
		ctx := context.Background()
		p, err := track.GetPacket(ctx, 15*time.Millisecond, PacketOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, p.Origin.SampleIndex)
		assert.Equal(t, 10*time.Millisecond, p.Timestamp)
		assert.Equal(t, 10*time.Millisecond, p.Duration)
		assert.Equal(t, []byte("bbbbb"), p.Data)
		assert.False(t, p.IsKey())
		p, err = track.GetKeyPacket(ctx, 15*time.Millisecond, PacketOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, p.Origin.SampleIndex)
		assert.True(t, p.IsKey())

		p, err = track.GetPacket(ctx, -time.Millisecond, PacketOptions{})
		require.NoError(t, err)
		assert.Nil(t, p)
		p, err = track.GetPacket(ctx, time.Hour, PacketOptions{MetadataOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 2, p.Origin.SampleIndex)
		assert.True(t, p.IsMetadataOnly())
		assert.Equal(t, 6, p.ByteSize)
		p, err = track.NextPacket(ctx, p, PacketOptions{})
		require.NoError(t, err)
		assert.Nil(t, p)
		d, err := track.Duration(ctx)
		require.NoError(t, err)
		assert.Equal(t, 25*time.Millisecond, d)
	})

	t.Run("randomized", func(t *testing.T) {
		r := rand.New(rand.NewPCG(7, 11))
		for round := range 300 {
			tables, samples := randomTables(r, round%2 == 1)
			idx, err := BuildSampleIndex(tables)
			require.NoError(t, err)
			require.Equal(t, len(samples), idx.Count())
			for i, want := range samples {
				got, err := idx.Sample(i)
				require.NoError(t, err)
				assert.Equal(t, want.dts, got.DecodeTimestamp)
				assert.Equal(t, want.pts, got.Timestamp)
				assert.Equal(t, want.duration, got.Duration)
				assert.Equal(t, want.size, got.Size)
				assert.Equal(t, want.offset, got.Offset, "round %d sample %d", round, i)
				assert.Equal(t, want.key, got.Key)
				k := idx.KeyFrameAtOrBefore(i)
				for j := i; j >= 0; j-- {
					if samples[j].key {
						assert.Equal(t, j, k)
						break
					}
				}
			}
			end := samples[len(samples)-1].pts + 50
			for ts := int64(-3); ts <= end; ts++ {
				want := linearLookup(samples, ts)
				got := idx.SampleIndexForTimestamp(ts)
				if want < 0 || got < 0 {
					assert.Equal(t, want, got, "round %d ts %d", round, ts)
					continue
				}
				assert.Equal(t, samples[want].pts, samples[got].pts, "round %d ts %d", round, ts)
			}
		}
	})

	t.Run("pcm", func(t *testing.T) {
		idx, err := BuildSampleIndex(&SampleTables{
			Timescale:    8000,
			TimeToSample: []SttsEntry{{Count: 2500, Delta: 1}},
			SampleToChunk: []StscEntry{
				{FirstChunk: 1, SamplesPerChunk: 1000, DescriptionIndex: 1},
				{FirstChunk: 3, SamplesPerChunk: 500, DescriptionIndex: 1},
			},
			SampleSize:   1,
			ChunkOffsets: []int64{100, 5000, 9000},
			PCMFrameSize: 4,
		})
		require.NoError(t, err)
		require.Equal(t, 3, idx.Count())
		assert.Len(t, idx.timing, 2)
		s, err := idx.Sample(2)
		require.NoError(t, err)
		assert.EqualValues(t, 2000, s.Timestamp)
		assert.EqualValues(t, 500, s.Duration)
		assert.EqualValues(t, 2000, s.Size)
		assert.EqualValues(t, 9000, s.Offset)
		assert.Equal(t, 1, idx.SampleIndexForTimestamp(1999))
		assert.EqualValues(t, 2500, idx.EndTimestamp())
	})

	t.Run("edit", func(t *testing.T) {
		idx, err := BuildSampleIndex(&SampleTables{
			Timescale:          1000,
			TimeToSample:       []SttsEntry{{Count: 4, Delta: 10}},
			CompositionOffsets: []CttsEntry{{Count: 1, Offset: 10}, {Count: 1, Offset: 30}, {Count: 2, Offset: 0}},
			SampleToChunk:      []StscEntry{{FirstChunk: 1, SamplesPerChunk: 4, DescriptionIndex: 1}},
			SampleSize:         1,
			ChunkOffsets:       []int64{0},
			MediaTime:          10,
		})
		require.NoError(t, err)
		assert.EqualValues(t, 0, idx.FirstTimestamp())
		assert.Equal(t, 0, idx.SampleIndexForTimestamp(0))
		assert.Equal(t, 2, idx.SampleIndexForTimestamp(10))
		assert.Equal(t, 3, idx.SampleIndexForTimestamp(25))
		assert.Equal(t, 1, idx.SampleIndexForTimestamp(30))
		assert.Equal(t, -1, idx.SampleIndexForTimestamp(-1))
	})
}
