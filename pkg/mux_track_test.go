package pkg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit/pkg/codec"
)

func TestMuxTrack(t *testing.T) {
	ms := time.Millisecond
	t.Run(t.Name(), func(t *testing.T) {
		mt := NewMuxTrack(&TrackInfo{Type: TrackAudio, Codec: codec.FourCC_OPUS, Timescale: 1000})
		var got []MuxSample
		for i := range 3 {
			got = append(got, mt.Push(NewPacket([]byte{byte(i)}, true, 100*ms+time.Duration(i)*20*ms, 20*ms))...)
		}
		assert.Len(t, got, 2)
		got = append(got, mt.Flush()...)
		require.Len(t, got, 3)
		assert.Equal(t, int64(100), mt.StartDTS)
		for i, s := range got {
			assert.Equal(t, int64(100+20*i), s.DTS)
			assert.Equal(t, s.DTS, s.PTS)
			assert.Equal(t, int64(20), s.Duration)
		}
	})
	t.Run("reorder", func(t *testing.T) {
		// I P B B in decode order, presented I B B P
		mt := NewMuxTrack(&TrackInfo{Type: TrackVideo, Codec: codec.FourCC_H264, Timescale: 1000})
		pts := []time.Duration{0, 120 * ms, 40 * ms, 80 * ms}
		var got []MuxSample
		for i, ts := range pts {
			got = append(got, mt.Push(NewPacket([]byte{byte(i)}, i == 0, ts, 40*ms))...)
		}
		got = append(got, mt.Flush()...)
		require.Len(t, got, 4)
		for i, s := range got {
			assert.Equal(t, int64(40*i), s.DTS)
			assert.Equal(t, int64(pts[i]/ms), s.PTS)
			assert.Equal(t, int64(40), s.Duration)
		}
		assert.Equal(t, int64(80), got[1].CompositionOffset())
	})
	t.Run("regression", func(t *testing.T) {
		mt := NewMuxTrack(&TrackInfo{Type: TrackAudio, Codec: codec.FourCC_MP4A, Timescale: 1000})
		var got []MuxSample
		for i, ts := range []time.Duration{0, 20 * ms, 20 * ms, 10 * ms} {
			got = append(got, mt.Push(NewPacket([]byte{byte(i)}, true, ts, 0))...)
		}
		got = append(got, mt.Flush()...)
		require.Len(t, got, 4)
		for i := 1; i < len(got); i++ {
			assert.Greater(t, got[i].DTS, got[i-1].DTS)
		}
		// without a packet duration the last sample repeats the previous one
		assert.Equal(t, got[2].Duration, got[3].Duration)
	})
}
