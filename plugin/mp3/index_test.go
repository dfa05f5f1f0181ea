package plugin_mp3

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit"
	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	mp3 "m7s.live/mediakit/plugin/mp3/pkg"
)

var mono64 = mp3.FrameHeader{Version: mp3.MPEG1, Layer: 3, BitrateIndex: 5, Mode: mp3.Mono}

func open(t *testing.T) mediakit.IFormat {
	meta := mediakit.FindFormat("mp3")
	require.NotNil(t, meta)
	f, err := meta.New(nil, nil)
	require.NoError(t, err)
	return f
}

func frame(i int) []byte {
	return append(mono64.Append(nil), bytes.Repeat([]byte{byte(i % 100)}, mono64.Size()-mp3.HeaderSize)...)
}

func TestProbe(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		f := open(t)
		assert.Equal(t, "mp3", mediakit.FindFormat("audio/mpeg").Name)
		assert.Equal(t, "mp3", mediakit.FindFormat(".mp3").Name)
		assert.True(t, f.Probe(append(frame(0), frame(1)...)))
		assert.True(t, f.Probe(frame(0)))
		assert.True(t, f.Probe(mp3.AppendID3v2(nil, map[string]string{"title": "x"})))
		assert.False(t, f.Probe(append(frame(0), 0, 0, 0, 0, 0)))
		assert.False(t, f.Probe(frame(0)[:100]))
		assert.False(t, f.Probe([]byte("RIFF\x24\x00\x00\x00WAVEfmt ")))
	})
	t.Run("supports", func(t *testing.T) {
		f := open(t)
		assert.True(t, f.Supports(codec.FourCC_MP3))
		assert.False(t, f.Supports(codec.FourCC_MP4A))
	})
	t.Run("configured", func(t *testing.T) {
		assert.Equal(t, int64(1<<20), open(t).(*MP3Format).SyncLimit)
	})
}

func TestFormat(t *testing.T) {
	ctx := context.Background()
	t.Run(t.Name(), func(t *testing.T) {
		f := open(t)
		info := &pkg.TrackInfo{Type: pkg.TrackAudio, Codec: codec.FourCC_MP3, Name: "voice",
			CodecCtx: &codec.MP3Ctx{AudioCtx: codec.AudioCtx{SampleRate: 44100, Channels: 1}, Layer: 3}}
		target := pkg.NewBufferTarget(0)
		m, err := f.NewMuxer(target, config.Output{}, nil)
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, []*pkg.TrackInfo{info}))
		for i := range 100 {
			ts := time.Duration(i) * 1152 * time.Second / 44100
			require.NoError(t, m.WritePacket(ctx, 0, pkg.NewPacket(frame(i), true, ts, 0)))
		}
		require.NoError(t, m.Finalize(ctx))
		assert.True(t, f.Probe(target.Bytes()))

		cache := pkg.NewRangeCache(pkg.NewBufferSource(target.Bytes()), config.Cache{MinReadSize: 4096}, nil)
		d, err := f.OpenDemuxer(ctx, cache, nil)
		require.NoError(t, err)
		require.Len(t, d.Tracks(), 1)
		track := d.Tracks()[0]
		assert.Equal(t, "voice", track.Info().Name)
		assert.Equal(t, "voice", d.Tags()["title"])
		dur, err := track.Duration(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(100*1152)*time.Second/44100, dur)
		p, err := track.GetPacket(ctx, time.Second, pkg.PacketOptions{})
		require.NoError(t, err)
		assert.Equal(t, frame(38), p.Data)
	})
}
