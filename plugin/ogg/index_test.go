package plugin_ogg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit"
	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	ogg "m7s.live/mediakit/plugin/ogg/pkg"
)

func open(t *testing.T) mediakit.IFormat {
	meta := mediakit.FindFormat("ogg")
	require.NotNil(t, meta)
	f, err := meta.New(nil, nil)
	require.NoError(t, err)
	return f
}

func TestProbe(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		f := open(t)
		assert.Equal(t, "ogg", mediakit.FindFormat("audio/opus").Name)
		assert.Equal(t, "ogg", mediakit.FindFormat(".oga").Name)
		pg := ogg.NewPaginator(1)
		first := append(pg.Add([]byte("OpusHead"), 0), pg.Flush(false)...)
		assert.True(t, f.Probe(first))
		second := append(pg.Add([]byte("OpusTags"), 0), pg.Flush(false)...)
		assert.False(t, f.Probe(second))
		assert.False(t, f.Probe(first[:10]))
		assert.False(t, f.Probe([]byte("RIFF\x00\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x02\x00")))
	})
	t.Run("supports", func(t *testing.T) {
		f := open(t)
		assert.True(t, f.Supports(codec.FourCC_OPUS))
		assert.True(t, f.Supports(codec.FourCC_VORBIS))
		assert.True(t, f.Supports(codec.FourCC_FLAC))
		assert.False(t, f.Supports(codec.FourCC_MP4A))
		assert.False(t, f.Supports(codec.FourCC_H264))
	})
	t.Run("configured", func(t *testing.T) {
		f := open(t).(*OggFormat)
		assert.Equal(t, 512, f.PageCache)
		assert.Equal(t, int64(65536), f.ScanThreshold)
	})
}

func TestFormat(t *testing.T) {
	ctx := context.Background()
	t.Run(t.Name(), func(t *testing.T) {
		f := open(t)
		opus, err := codec.NewOpusCtx((&codec.OpusHead{Channels: 1, InputSampleRate: 16000}).Marshal())
		require.NoError(t, err)
		target := pkg.NewBufferTarget(0)
		m, err := f.NewMuxer(target, config.Output{OggPageDuration: time.Second}, nil)
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx, []*pkg.TrackInfo{{Type: pkg.TrackAudio, Codec: codec.FourCC_OPUS, CodecCtx: opus, Name: "voice"}}))
		for i := range 100 {
			require.NoError(t, m.WritePacket(ctx, 0, pkg.NewPacket([]byte{0xFC, byte(i)}, true, time.Duration(i)*20*time.Millisecond, 20*time.Millisecond)))
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
		assert.Equal(t, 2*time.Second, dur)
		p, err := track.GetPacket(ctx, time.Second, pkg.PacketOptions{})
		require.NoError(t, err)
		assert.Equal(t, []byte{0xFC, 50}, p.Data)
	})
}
