package mp3

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gocodec "github.com/yapingcat/gomedia/go-codec"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
)

// 128 kbit/s 44.1 kHz joint stereo Layer III
var stereo128 = FrameHeader{Version: MPEG1, Layer: 3, BitrateIndex: 9, Mode: JointStereo}

// frame fills a frame shaped like h with a byte that never looks like sync.
func frame(h FrameHeader, fill byte) []byte {
	b := h.Append(nil)
	return append(b, bytes.Repeat([]byte{fill % 0xF0}, h.Size()-HeaderSize)...)
}

type testTrack struct {
	info    pkg.TrackInfo
	packets []*pkg.Packet
	frames  [][]byte
}

// mp3Track makes n frames, switching to 192 kbit/s on every third frame
// when vbr is set.
func mp3Track(h FrameHeader, n int, vbr bool) (tt testTrack) {
	ctx := &codec.MP3Ctx{AudioCtx: codec.AudioCtx{SampleRate: h.SampleRate(), Channels: h.Channels()}, Layer: h.Layer}
	tt.info = pkg.TrackInfo{Type: pkg.TrackAudio, Codec: codec.FourCC_MP3, CodecCtx: ctx, Name: "song", Language: "eng"}
	rate := uint32(h.SampleRate())
	for i := range n {
		fh := h
		if vbr && i%3 == 2 {
			fh.BitrateIndex = 11
		}
		fh.Padding = i%2 == 1
		f := frame(fh, byte(i))
		start := util.TicksToDuration(int64(i*h.Samples()), rate)
		tt.frames = append(tt.frames, f)
		tt.packets = append(tt.packets, pkg.NewPacket(f, true, start, util.TicksToDuration(int64((i+1)*h.Samples()), rate)-start))
	}
	return
}

func mux(t *testing.T, target pkg.Target, conf config.Output, tt testTrack) {
	ctx := context.Background()
	m := NewMuxer(target, conf, nil)
	require.NoError(t, m.Start(ctx, []*pkg.TrackInfo{&tt.info}))
	for _, p := range tt.packets {
		require.NoError(t, m.WritePacket(ctx, 0, p))
	}
	require.NoError(t, m.Finalize(ctx))
}

func muxBuffer(t *testing.T, conf config.Output, tt testTrack) []byte {
	target := pkg.NewBufferTarget(0)
	mux(t, target, conf, tt)
	return target.Bytes()
}

func demux(t *testing.T, data []byte) *Demuxer {
	d := NewDemuxer(pkg.NewRangeCache(pkg.NewBufferSource(data), config.Cache{MinReadSize: 4096}, nil), 0, nil)
	require.NoError(t, d.Demux(context.Background()))
	return d
}

func readAll(t *testing.T, track pkg.InputTrack) (frames [][]byte) {
	ctx := context.Background()
	p, err := track.FirstPacket(ctx, pkg.PacketOptions{})
	for ; p != nil; p, err = track.NextPacket(ctx, p, pkg.PacketOptions{}) {
		require.NoError(t, err)
		frames = append(frames, p.Data)
	}
	require.NoError(t, err)
	return
}

func ticks(frames int, h FrameHeader) time.Duration {
	return util.TicksToDuration(int64(frames*h.Samples()), uint32(h.SampleRate()))
}

func TestFrameHeader(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		b := []byte{0xFF, 0xFB, 0x90, 0x64}
		h, err := ParseHeader(b)
		require.NoError(t, err)
		assert.Equal(t, MPEG1, h.Version)
		assert.Equal(t, 3, h.Layer)
		assert.False(t, h.Protected)
		assert.Equal(t, 128000, h.Bitrate())
		assert.Equal(t, 44100, h.SampleRate())
		assert.Equal(t, JointStereo, h.Mode)
		assert.Equal(t, 2, h.Channels())
		assert.Equal(t, 417, h.Size())
		assert.Equal(t, 1152, h.Samples())
		assert.Equal(t, 32, h.SideInfoSize())
		assert.Equal(t, b, h.Append(nil))
	})
	t.Run("versions and layers", func(t *testing.T) {
		cases := []struct {
			name                 string
			header               []byte
			bitrate, rate        int
			size, samples, chans int
		}{
			{"mpeg2 layer 3", []byte{0xFF, 0xF3, 0x60, 0xC0}, 48000, 22050, 156, 576, 1},
			{"mpeg2.5 layer 3", []byte{0xFF, 0xE3, 0x18, 0x00}, 8000, 8000, 72, 576, 2},
			{"layer 1", []byte{0xFF, 0xFF, 0x90, 0x00}, 288000, 44100, 312, 384, 2},
			{"layer 2 padded", []byte{0xFF, 0xFD, 0x9A, 0x00}, 160000, 32000, 721, 1152, 2},
		}
		for _, c := range cases {
			h, err := ParseHeader(c.header)
			require.NoError(t, err, c.name)
			assert.Equal(t, c.bitrate, h.Bitrate(), c.name)
			assert.Equal(t, c.rate, h.SampleRate(), c.name)
			assert.Equal(t, c.size, h.Size(), c.name)
			assert.Equal(t, c.samples, h.Samples(), c.name)
			assert.Equal(t, c.chans, h.Channels(), c.name)
			assert.Equal(t, c.header, h.Append(nil), c.name)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		for name, b := range map[string][]byte{
			"no sync":          {0xFF, 0x1B, 0x90, 0x64},
			"reserved version": {0xFF, 0xEB, 0x90, 0x64},
			"reserved layer":   {0xFF, 0xF9, 0x90, 0x64},
			"bad bitrate":      {0xFF, 0xFB, 0xF0, 0x64},
			"reserved rate":    {0xFF, 0xFB, 0x9C, 0x64},
			"reserved emph":    {0xFF, 0xFB, 0x90, 0x66},
			"short":            {0xFF, 0xFB},
		} {
			_, err := ParseHeader(b)
			assert.True(t, util.IsMalformed(err), name)
		}
		_, err := ParseHeader([]byte{0xFF, 0xFB, 0x00, 0x64})
		assert.True(t, errors.Is(err, util.ErrUnsupportedHeader))
	})
	t.Run("split", func(t *testing.T) {
		a, b := frame(stereo128, 1), frame(stereo128, 2)
		var got [][]byte
		require.NoError(t, SplitFrames(append(a, b...), func(h *FrameHeader, f []byte) error {
			got = append(got, f)
			return nil
		}))
		assert.Equal(t, [][]byte{a, b}, got)

		noop := func(*FrameHeader, []byte) error { return nil }
		assert.True(t, util.IsMalformed(SplitFrames(append(a, b[:100]...), noop)))
		other := stereo128
		other.RateIndex = 1
		assert.True(t, util.IsMalformed(SplitFrames(append(a, frame(other, 3)...), noop)))
	})
	t.Run("gomedia", func(t *testing.T) {
		tt := mp3Track(stereo128, 20, true)
		var raw []byte
		for _, f := range tt.frames {
			raw = append(raw, f...)
		}
		var ours, theirs int
		require.NoError(t, SplitFrames(raw, func(*FrameHeader, []byte) error { ours++; return nil }))
		gocodec.SplitMp3Frames(raw, func(head *gocodec.MP3FrameHead, f []byte) {
			theirs++
			assert.Equal(t, 44100, int(head.GetSampleRate()))
			assert.Equal(t, 2, int(head.GetChannelCount()))
		})
		assert.Equal(t, 20, ours)
		assert.Equal(t, ours, theirs)
	})
}

func TestXing(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		toc := make([]byte, tocSize)
		for i := range toc {
			toc[i] = byte(i * 256 / 100)
		}
		x := &Xing{Flags: XingFrames | XingBytes | XingTOC | XingQuality, Frames: 1000, Bytes: 400000, TOC: toc, Quality: 50}
		f, err := XingFrame(stereo128, x)
		require.NoError(t, err)
		// 48 kbit/s is the first bitrate with room for side info and tag
		assert.Len(t, f, 156)
		h, err := ParseHeader(f)
		require.NoError(t, err)
		assert.Equal(t, 3, h.BitrateIndex)
		assert.Equal(t, make([]byte, 32), f[4:36])
		got, err := ReadXing(f, &h)
		require.NoError(t, err)
		assert.Equal(t, x, got)
		assert.False(t, IsVBRI(f))

		assert.Equal(t, int64(0), got.Offset(0))
		assert.InDelta(t, 200000, got.Offset(0.5), 2000)
		assert.InDelta(t, 400000, got.Offset(1), 4000)
	})
	t.Run("mono mpeg2 info", func(t *testing.T) {
		h := FrameHeader{Version: MPEG2, Layer: 3, BitrateIndex: 8, Mode: Mono}
		x := &Xing{Info: true, Flags: XingFrames, Frames: 7}
		f, err := XingFrame(h, x)
		require.NoError(t, err)
		assert.Equal(t, []byte("Info"), f[4+9:4+13])
		fh, err := ParseHeader(f)
		require.NoError(t, err)
		got, err := ReadXing(f, &fh)
		require.NoError(t, err)
		assert.Equal(t, x, got)
	})
	t.Run("absent", func(t *testing.T) {
		f := frame(stereo128, 5)
		x, err := ReadXing(f, &stereo128)
		assert.NoError(t, err)
		assert.Nil(t, x)
		copy(f[36:], "VBRI")
		assert.True(t, IsVBRI(f))
		_, err = XingFrame(FrameHeader{Version: MPEG1, Layer: 2, BitrateIndex: 9}, &Xing{})
		assert.True(t, errors.Is(err, util.ErrUnsupportedHeader))
	})
	t.Run("toc", func(t *testing.T) {
		offsets := make([]int64, 1000)
		for i := range offsets {
			offsets[i] = int64(i) * 400
		}
		toc := BuildTOC(offsets, 400000)
		assert.Equal(t, byte(0), toc[0])
		assert.Equal(t, byte(128), toc[50])
		assert.Equal(t, byte(253), toc[99])
	})
}

func TestTags(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		in := map[string]string{"title": "Lune", "artist": "someone", "encoder": "mediakit", "comment": "ignored"}
		tag := AppendID3v2(nil, in)
		require.Equal(t, int64(len(tag)), ID3v2Size(tag))
		tags, err := ParseID3v2(tag)
		require.NoError(t, err)
		delete(in, "comment")
		assert.Equal(t, in, tags)
		assert.Nil(t, AppendID3v2(nil, map[string]string{"comment": "x"}))
	})
	t.Run("utf16 v2.3", func(t *testing.T) {
		text := []byte{1, 0xFF, 0xFE, 'C', 0, 'a', 0, 'f', 0, 0xE9, 0, 0, 0}
		body := append([]byte("TIT2"), binary.BigEndian.AppendUint32(nil, uint32(len(text)))...)
		body = append(body, 0, 0)
		body = append(body, text...)
		// padding
		body = append(body, make([]byte, 20)...)
		tag := append([]byte{'I', 'D', '3', 3, 0, 0}, appendSyncsafe(nil, uint32(len(body)))...)
		tags, err := ParseID3v2(append(tag, body...))
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"title": "Café"}, tags)
	})
	t.Run("latin1 v2.2", func(t *testing.T) {
		body := []byte("TP1\x00\x00\x05\x00Bj\xf6r")
		tag := append([]byte{'I', 'D', '3', 2, 0, 0}, appendSyncsafe(nil, uint32(len(body)))...)
		tags, err := ParseID3v2(append(tag, body...))
		require.NoError(t, err)
		assert.Equal(t, "Björ", tags["artist"])
	})
	t.Run("id3v1", func(t *testing.T) {
		tag := make([]byte, ID3v1Size)
		copy(tag, "TAG")
		copy(tag[3:], "Title")
		copy(tag[63:], "Album  ")
		copy(tag[93:], "1999")
		tag[126] = 7
		assert.Equal(t, map[string]string{"title": "Title", "album": "Album", "date": "1999", "track": "7"}, ParseID3v1(tag))
		assert.Nil(t, ParseID3v1(tag[1:]))
	})
	t.Run("ape", func(t *testing.T) {
		footer := append([]byte("APETAGEX"), make([]byte, 24)...)
		binary.LittleEndian.PutUint32(footer[12:], 100)
		assert.Equal(t, int64(100), APESize(append(make([]byte, 68), footer...)))
		binary.LittleEndian.PutUint32(footer[20:], 1<<31)
		assert.Equal(t, int64(132), APESize(footer))
		assert.Zero(t, APESize(footer[1:]))
	})
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	t.Run(t.Name(), func(t *testing.T) {
		tt := mp3Track(stereo128, 200, false)
		data := muxBuffer(t, config.Output{}, tt)
		assert.Equal(t, []byte("ID3"), data[:3])

		d := demux(t, data)
		require.NotNil(t, d.Xing)
		assert.True(t, d.Xing.Info)
		assert.Equal(t, uint32(200), d.Xing.Frames)
		assert.Equal(t, "song", d.Tags()["title"])
		assert.Equal(t, "eng", d.Tags()["language"])
		assert.Equal(t, "mediakit", d.Tags()["encoder"])
		require.Len(t, d.Tracks(), 1)
		track := d.Tracks()[0]
		info := track.Info()
		assert.Equal(t, codec.FourCC_MP3, info.Codec)
		assert.Equal(t, uint32(44100), info.Timescale)
		assert.Equal(t, &codec.MP3Ctx{AudioCtx: codec.AudioCtx{SampleRate: 44100, Channels: 2}, Layer: 3}, info.CodecCtx)
		assert.Equal(t, tt.frames, readAll(t, track))

		dur, err := track.Duration(ctx)
		require.NoError(t, err)
		assert.Equal(t, ticks(200, stereo128), dur)
		p, err := track.GetPacket(ctx, time.Second, pkg.PacketOptions{})
		require.NoError(t, err)
		assert.Equal(t, ticks(38, stereo128), p.Timestamp)
		assert.Equal(t, tt.frames[38], p.Data)
		p, err = track.GetKeyPacket(ctx, time.Hour, pkg.PacketOptions{MetadataOnly: true})
		require.NoError(t, err)
		assert.Equal(t, ticks(199, stereo128), p.Timestamp)
		assert.Nil(t, p.Data)
		assert.Equal(t, len(tt.frames[199]), p.ByteSize)
		p, err = track.GetPacket(ctx, -time.Second, pkg.PacketOptions{})
		assert.NoError(t, err)
		assert.Nil(t, p)
	})
	t.Run("vbr", func(t *testing.T) {
		tt := mp3Track(stereo128, 300, true)
		data := muxBuffer(t, config.Output{}, tt)
		d := demux(t, data)
		require.NotNil(t, d.Xing)
		assert.False(t, d.Xing.Info)
		assert.Equal(t, uint32(300), d.Xing.Frames)
		var audio int
		for _, f := range tt.frames {
			audio += len(f)
		}
		xingSize := len(data) - audio - int(ID3v2Size(data))
		assert.Equal(t, uint32(xingSize+audio), d.Xing.Bytes)
		for i := 1; i < tocSize; i++ {
			assert.GreaterOrEqual(t, d.Xing.TOC[i], d.Xing.TOC[i-1])
		}
		assert.Equal(t, tt.frames, readAll(t, d.Tracks()[0]))
	})
	t.Run("streamable", func(t *testing.T) {
		tt := mp3Track(stereo128, 50, false)
		var buf bytes.Buffer
		mux(t, pkg.NewStreamTarget(&buf), config.Output{Streamable: true}, tt)
		data := buf.Bytes()
		n := ID3v2Size(data)
		assert.Equal(t, tt.frames[0], data[n:n+int64(len(tt.frames[0]))])
		d := demux(t, data)
		assert.Nil(t, d.Xing)
		dur, err := d.Tracks()[0].Duration(ctx)
		require.NoError(t, err)
		assert.Equal(t, ticks(50, stereo128), dur)
	})
	t.Run("stream target", func(t *testing.T) {
		tt := mp3Track(stereo128, 50, true)
		var buf bytes.Buffer
		mux(t, pkg.NewStreamTarget(&buf), config.Output{}, tt)
		d := demux(t, buf.Bytes())
		require.NotNil(t, d.Xing)
		assert.Equal(t, uint32(50), d.Xing.Frames)
		assert.Equal(t, tt.frames, readAll(t, d.Tracks()[0]))
	})
	t.Run("layer 2", func(t *testing.T) {
		h := FrameHeader{Version: MPEG1, Layer: 2, BitrateIndex: 9, RateIndex: 1, Mode: Stereo}
		tt := mp3Track(h, 40, false)
		d := demux(t, muxBuffer(t, config.Output{}, tt))
		assert.Nil(t, d.Xing)
		assert.Equal(t, 2, d.Tracks()[0].Info().CodecCtx.(*codec.MP3Ctx).Layer)
		assert.Equal(t, tt.frames, readAll(t, d.Tracks()[0]))
	})
}

func TestDamaged(t *testing.T) {
	ctx := context.Background()
	tt := mp3Track(stereo128, 30, false)
	var data []byte
	data = AppendID3v2(data, map[string]string{"title": "v2 title"})
	// junk before the first frame
	data = append(data, bytes.Repeat([]byte{0x11}, 100)...)
	for i, f := range tt.frames {
		data = append(data, f...)
		if i == 14 {
			data = append(data, bytes.Repeat([]byte{0x22}, 50)...)
		}
	}
	footer := append([]byte("APETAGEX"), make([]byte, 24)...)
	binary.LittleEndian.PutUint32(footer[12:], 32)
	data = append(data, footer...)
	v1 := make([]byte, ID3v1Size)
	copy(v1, "TAG")
	copy(v1[3:], "v1 title")
	copy(v1[63:], "v1 album")
	data = append(data, v1...)

	t.Run(t.Name(), func(t *testing.T) {
		d := demux(t, data)
		assert.Equal(t, "v2 title", d.Tags()["title"])
		assert.Equal(t, "v1 album", d.Tags()["album"])
		track := d.Tracks()[0]
		assert.Equal(t, tt.frames, readAll(t, track))
		dur, err := track.Duration(ctx)
		require.NoError(t, err)
		assert.Equal(t, ticks(30, stereo128), dur)
		p, err := track.GetPacket(ctx, ticks(20, stereo128), pkg.PacketOptions{})
		require.NoError(t, err)
		assert.Equal(t, tt.frames[20], p.Data)
	})
	t.Run("cut off", func(t *testing.T) {
		raw := bytes.Join(tt.frames, nil)
		d := demux(t, raw[:len(raw)-100])
		assert.Len(t, readAll(t, d.Tracks()[0]), 29)
	})
	t.Run("not mpeg audio", func(t *testing.T) {
		d := NewDemuxer(pkg.NewRangeCache(pkg.NewBufferSource(bytes.Repeat([]byte{0x33}, 5000)), config.Cache{}, nil), 0, nil)
		assert.True(t, util.IsMalformed(d.Demux(ctx)))
	})
}

func TestMuxerErrors(t *testing.T) {
	ctx := context.Background()
	t.Run(t.Name(), func(t *testing.T) {
		m := NewMuxer(pkg.NewBufferTarget(0), config.Output{}, nil)
		err := m.Start(ctx, []*pkg.TrackInfo{{Type: pkg.TrackAudio, Codec: codec.FourCC_OPUS}})
		assert.True(t, errors.Is(err, pkg.ErrCodecNotSupported))
		tt := mp3Track(stereo128, 3, false)
		assert.Error(t, m.Start(ctx, []*pkg.TrackInfo{&tt.info, &tt.info}))
		assert.Error(t, m.Start(ctx, []*pkg.TrackInfo{{Type: pkg.TrackAudio, Codec: codec.FourCC_MP3}}))
	})
	t.Run("mixed sample rates", func(t *testing.T) {
		m := NewMuxer(pkg.NewBufferTarget(0), config.Output{}, nil)
		tt := mp3Track(stereo128, 3, false)
		require.NoError(t, m.Start(ctx, []*pkg.TrackInfo{&tt.info}))
		other := stereo128
		other.RateIndex = 1
		require.NoError(t, m.WritePacket(ctx, 0, tt.packets[0]))
		require.NoError(t, m.WritePacket(ctx, 0, pkg.NewPacket(frame(other, 1), true, 30*time.Millisecond, 0)))
		assert.True(t, util.IsMalformed(m.Finalize(ctx)))
	})
	t.Run("closed", func(t *testing.T) {
		m := NewMuxer(pkg.NewBufferTarget(0), config.Output{}, nil)
		tt := mp3Track(stereo128, 3, false)
		require.NoError(t, m.Start(ctx, []*pkg.TrackInfo{&tt.info}))
		require.NoError(t, m.CloseTrack(ctx, 0))
		assert.ErrorIs(t, m.WritePacket(ctx, 0, tt.packets[0]), pkg.ErrTrackClosed)
	})
}
