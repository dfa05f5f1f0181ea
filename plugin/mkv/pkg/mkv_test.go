package mkv

import (
	"bytes"
	"context"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
	"m7s.live/mediakit/plugin/mkv/pkg/ebml"
)

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x6c, 0x80, 0x00, 0x00, 0x03,
		0x00, 0x80, 0x00, 0x00, 0x1e, 0x07, 0x8c, 0x18,
		0xcb,
	}
	testPPS         = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
	testVP9KeyFrame = []byte{
		0x82, 0x49, 0x83, 0x42, 0x00, 0x77, 0xf0, 0x32,
		0x34, 0x30, 0x38, 0x24, 0x1c, 0x19, 0x40, 0x18,
		0x03, 0x40, 0x5f, 0xb4,
	}
	testOpusHead = (&codec.OpusHead{Channels: 2, PreSkip: 312, InputSampleRate: 48000}).Marshal()
)

type testTrack struct {
	info    pkg.TrackInfo
	packets []*pkg.Packet
}

func h264Track(t *testing.T, n int, frame time.Duration, gop int) testTrack {
	ctx, err := codec.NewH264CtxFromNALUs(codec.JoinAnnexB([][]byte{testSPS, testPPS}), 0)
	require.NoError(t, err)
	tt := testTrack{info: pkg.TrackInfo{Type: pkg.TrackVideo, Codec: codec.FourCC_H264, CodecCtx: ctx}}
	for i := range n {
		key := i%gop == 0
		nalu := []byte{0x41, byte(i), byte(i >> 8)}
		if key {
			nalu = []byte{0x65, 0x88, byte(i), byte(i >> 8)}
		}
		tt.packets = append(tt.packets, pkg.NewPacket(codec.JoinLengthPrefixed([][]byte{nalu}, 4), key, time.Duration(i)*frame, frame))
	}
	return tt
}

func vp9Track(n int, frame time.Duration, gop int) testTrack {
	tt := testTrack{info: pkg.TrackInfo{Type: pkg.TrackVideo, Codec: codec.FourCC_VP9}}
	for i := range n {
		key := i%gop == 0
		data := []byte{0x86, 0x00, 0x40, byte(i)}
		if key {
			data = bytes.Clone(testVP9KeyFrame)
		}
		tt.packets = append(tt.packets, pkg.NewPacket(data, key, time.Duration(i)*frame, frame))
	}
	return tt
}

func opusTrack(t *testing.T, n int) testTrack {
	ctx, err := codec.NewOpusCtx(testOpusHead)
	require.NoError(t, err)
	tt := testTrack{info: pkg.TrackInfo{Type: pkg.TrackAudio, Codec: codec.FourCC_OPUS, CodecCtx: ctx, Language: "fre"}}
	for i := range n {
		tt.packets = append(tt.packets, pkg.NewPacket(bytes.Repeat([]byte{0xFC, byte(i)}, 4+i%5), true, time.Duration(i)*20*time.Millisecond, 20*time.Millisecond))
	}
	return tt
}

func mux(t *testing.T, target pkg.Target, conf config.Output, opts Options, tracks ...testTrack) {
	ctx := context.Background()
	m := NewMuxer(target, conf, opts, nil)
	infos := make([]*pkg.TrackInfo, len(tracks))
	type write struct {
		track int
		p     *pkg.Packet
	}
	var writes []write
	for i := range tracks {
		infos[i] = &tracks[i].info
		for _, p := range tracks[i].packets {
			writes = append(writes, write{i, p})
		}
	}
	// interleave by the latest timestamp seen so far on each track, which
	// keeps every track in decode order
	order := make(map[*pkg.Packet]time.Duration, len(writes))
	for i := range tracks {
		var latest time.Duration
		for j, p := range tracks[i].packets {
			if j == 0 || p.Timestamp > latest {
				latest = p.Timestamp
			}
			order[p] = latest
		}
	}
	sort.SliceStable(writes, func(i, j int) bool { return order[writes[i].p] < order[writes[j].p] })
	require.NoError(t, m.Start(ctx, infos))
	for _, w := range writes {
		require.NoError(t, m.WritePacket(ctx, w.track, w.p))
	}
	require.NoError(t, m.Finalize(ctx))
}

func muxBuffer(t *testing.T, conf config.Output, opts Options, tracks ...testTrack) []byte {
	target := pkg.NewBufferTarget(0)
	mux(t, target, conf, opts, tracks...)
	return target.Bytes()
}

func demux(t *testing.T, data []byte) *Demuxer {
	d := NewDemuxer(pkg.NewRangeCache(pkg.NewBufferSource(data), config.Cache{MinReadSize: 4096}, nil), nil)
	require.NoError(t, d.Demux(context.Background()))
	return d
}

func readAll(t *testing.T, track pkg.InputTrack) (packets []*pkg.Packet) {
	ctx := context.Background()
	p, err := track.FirstPacket(ctx, pkg.PacketOptions{})
	for ; p != nil; p, err = track.NextPacket(ctx, p, pkg.PacketOptions{}) {
		require.NoError(t, err)
		packets = append(packets, p)
	}
	require.NoError(t, err)
	return
}

func assertPackets(t *testing.T, want []*pkg.Packet, got []*pkg.Packet) {
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Timestamp, got[i].Timestamp, "packet %d", i)
		assert.Equal(t, want[i].Duration, got[i].Duration, "packet %d", i)
		assert.Equal(t, want[i].IsKey(), got[i].IsKey(), "packet %d", i)
		assert.Equal(t, want[i].Data, got[i].Data, "packet %d", i)
	}
}

func segmentHeader(t *testing.T, data []byte) *ebml.Header {
	c := util.NewByteCursor(data, 0)
	h, err := ebml.ReadHeader(c)
	require.NoError(t, err)
	require.NoError(t, c.Seek(int(h.End())))
	seg, err := ebml.ReadHeader(c)
	require.NoError(t, err)
	require.Equal(t, ebml.IDSegment, seg.ID)
	return &seg
}

func TestParseBlock(t *testing.T) {
	payload := func(n int) []byte { return make([]byte, n) }
	t.Run("xiph", func(t *testing.T) {
		body := []byte{0x81, 0x00, 0x10, 0x02, 0x02, 255, 45, 10}
		body = append(body, payload(315)...)
		b, err := ParseBlock(util.NewByteCursor(body, 1000))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), b.Track)
		assert.Equal(t, int16(16), b.Timestamp)
		assert.Equal(t, []Frame{{1008, 300}, {1308, 10}, {1318, 5}}, b.Frames)
	})
	t.Run("ebml", func(t *testing.T) {
		body := []byte{0x82, 0xFF, 0xFE, 0x86, 0x02}
		body = ebml.AppendSize(body, 300, 0)
		body = ebml.AppendSize(body, 8191-290, 2)
		body = append(body, payload(315)...)
		b, err := ParseBlock(util.NewByteCursor(body, 0))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), b.Track)
		assert.Equal(t, int16(-2), b.Timestamp)
		assert.True(t, b.Key())
		assert.Equal(t, []Frame{{9, 300}, {309, 10}, {319, 5}}, b.Frames)
	})
	t.Run("fixed", func(t *testing.T) {
		body := append([]byte{0x81, 0x00, 0x00, 0x04, 0x03}, payload(40)...)
		b, err := ParseBlock(util.NewByteCursor(body, 0))
		require.NoError(t, err)
		require.Len(t, b.Frames, 4)
		for i, f := range b.Frames {
			assert.Equal(t, Frame{int64(5 + 10*i), 10}, f)
		}
		_, err = ParseBlock(util.NewByteCursor(append([]byte{0x81, 0x00, 0x00, 0x04, 0x03}, payload(41)...), 0))
		assert.ErrorIs(t, err, util.ErrMalformedStream)
	})
	t.Run("overrun", func(t *testing.T) {
		_, err := ParseBlock(util.NewByteCursor([]byte{0x81, 0x00, 0x00, 0x02, 0x01, 200, 1, 2}, 0))
		assert.ErrorIs(t, err, util.ErrMalformedStream)
	})
}

func TestRoundTrip(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		video := h264Track(t, 100, 40*time.Millisecond, 25)
		audio := opusTrack(t, 200)
		data := muxBuffer(t, config.Output{ClusterDuration: time.Second}, Options{}, video, audio)
		assert.Equal(t, int64(len(data)), segmentHeader(t, data).End())

		d := demux(t, data)
		assert.Equal(t, DocTypeMatroska, d.DocType)
		assert.Equal(t, "matroska", d.Tags()["doctype"])
		assert.Equal(t, writingApp, d.Tags()["encoder"])
		require.Len(t, d.Tracks(), 2)
		info := d.Tracks()[0].Info()
		assert.Equal(t, codec.FourCC_H264, info.Codec)
		assert.Equal(t, uint32(1e9), info.Timescale)
		assert.True(t, info.Default)
		require.NotNil(t, info.CodecCtx)
		assert.Equal(t, 1280, info.CodecCtx.(codec.IVideoCodecCtx).Width())
		info = d.Tracks()[1].Info()
		assert.Equal(t, codec.FourCC_OPUS, info.Codec)
		assert.Equal(t, "fre", info.Language)
		assert.Equal(t, uint16(312), info.CodecCtx.(*codec.OPUSCtx).PreSkip)

		assertPackets(t, video.packets, readAll(t, d.Tracks()[0]))
		assertPackets(t, audio.packets, readAll(t, d.Tracks()[1]))

		// one cluster per second, each opening with a key frame
		assert.Len(t, d.hints[1], 4)
		assert.Len(t, d.hints[2], 4)
		assert.Contains(t, d.seeks, ebml.IDCues)

		ctx := context.Background()
		duration, err := d.Tracks()[0].Duration(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4*time.Second, duration)
	})
	t.Run("cue lookup", func(t *testing.T) {
		video := h264Track(t, 250, 40*time.Millisecond, 25)
		data := muxBuffer(t, config.Output{ClusterDuration: time.Second}, Options{}, video)
		d := demux(t, data)
		ctx := context.Background()
		track := d.Tracks()[0].(*pkg.FragmentedTrack)
		p, err := track.GetKeyPacket(ctx, 7300*time.Millisecond, pkg.PacketOptions{})
		require.NoError(t, err)
		assert.Equal(t, 7*time.Second, p.Timestamp)
		assert.LessOrEqual(t, track.Resolver.ParseCount(), int64(2))

		p, err = track.GetPacket(ctx, 7330*time.Millisecond, pkg.PacketOptions{})
		require.NoError(t, err)
		assert.Equal(t, 7320*time.Millisecond, p.Timestamp)
		p, err = track.NextKeyPacket(ctx, p, pkg.PacketOptions{})
		require.NoError(t, err)
		assert.Equal(t, 8*time.Second, p.Timestamp)
	})
	t.Run("reordered", func(t *testing.T) {
		video := h264Track(t, 12, 40*time.Millisecond, 4)
		// decode order I P B B per group of four
		for g := 0; g < 12; g += 4 {
			for i, k := range []int{0, 3, 1, 2} {
				video.packets[g+i].Timestamp = time.Duration(g+k) * 40 * time.Millisecond
			}
		}
		data := muxBuffer(t, config.Output{ClusterDuration: 200 * time.Millisecond}, Options{}, video)
		d := demux(t, data)
		assertPackets(t, video.packets, readAll(t, d.Tracks()[0]))
	})
	t.Run("timestamp scale", func(t *testing.T) {
		audio := opusTrack(t, 20)
		data := muxBuffer(t, config.Output{ClusterDuration: time.Second}, Options{TimestampScale: 100000}, audio)
		d := demux(t, data)
		assert.Equal(t, uint64(100000), d.timestampScale)
		assertPackets(t, audio.packets, readAll(t, d.Tracks()[0]))
	})
}

func TestWebM(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		video := vp9Track(60, 40*time.Millisecond, 30)
		audio := opusTrack(t, 120)
		data := muxBuffer(t, config.Output{ClusterDuration: time.Second}, Options{DocType: DocTypeWebM}, video, audio)
		d := demux(t, data)
		assert.Equal(t, DocTypeWebM, d.DocType)
		info := d.Tracks()[0].Info()
		require.NoError(t, info.CodecErr)
		vp9, ok := info.CodecCtx.(*codec.VP9Ctx)
		require.True(t, ok)
		assert.Equal(t, 1920, vp9.Width())
		assert.Equal(t, 804, vp9.Height())
		assertPackets(t, video.packets, readAll(t, d.Tracks()[0]))
		assertPackets(t, audio.packets, readAll(t, d.Tracks()[1]))
	})
	t.Run("in-band video config ahead of audio", func(t *testing.T) {
		video := vp9Track(60, 40*time.Millisecond, 30)
		audio := opusTrack(t, 120)
		data := muxBuffer(t, config.Output{ClusterDuration: time.Second}, Options{}, video, audio)
		d := demux(t, data)
		require.NotNil(t, d.Tracks()[0].Info().CodecCtx)
		p, err := d.Tracks()[1].FirstPacket(context.Background(), pkg.PacketOptions{})
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Zero(t, p.Timestamp)
		assert.Len(t, readAll(t, d.Tracks()[1]), 120)
	})
	t.Run("unsupported codec", func(t *testing.T) {
		video := h264Track(t, 1, 40*time.Millisecond, 1)
		m := NewMuxer(pkg.NewBufferTarget(0), config.Output{}, Options{DocType: DocTypeWebM}, nil)
		err := m.Start(context.Background(), []*pkg.TrackInfo{&video.info})
		assert.ErrorIs(t, err, pkg.ErrCodecNotSupported)
	})
}

func TestRandomAccessBounds(t *testing.T) {
	ctx := context.Background()
	check := func(t *testing.T, track pkg.InputTrack, last *pkg.Packet) {
		for _, ts := range []time.Duration{math.MinInt64, -time.Hour} {
			p, err := track.GetPacket(ctx, ts, pkg.PacketOptions{})
			require.NoError(t, err)
			assert.Nil(t, p, "at %v", ts)
			p, err = track.GetKeyPacket(ctx, ts, pkg.PacketOptions{})
			require.NoError(t, err)
			assert.Nil(t, p, "key at %v", ts)
		}
		for _, ts := range []time.Duration{math.MaxInt64, time.Hour} {
			p, err := track.GetPacket(ctx, ts, pkg.PacketOptions{})
			require.NoError(t, err)
			require.NotNil(t, p, "at %v", ts)
			assert.Equal(t, last.Timestamp, p.Timestamp)
			assert.Equal(t, last.Data, p.Data)
		}
	}
	t.Run(t.Name(), func(t *testing.T) {
		video := h264Track(t, 100, 40*time.Millisecond, 25)
		audio := opusTrack(t, 200)
		d := demux(t, muxBuffer(t, config.Output{ClusterDuration: time.Second}, Options{}, video, audio))
		check(t, d.Tracks()[0], video.packets[len(video.packets)-1])
		check(t, d.Tracks()[1], audio.packets[len(audio.packets)-1])
	})
	t.Run("without cues", func(t *testing.T) {
		var buf bytes.Buffer
		video := h264Track(t, 50, 40*time.Millisecond, 25)
		mux(t, pkg.NewStreamTarget(&buf), config.Output{Streamable: true, ClusterDuration: time.Second}, Options{}, video)
		d := demux(t, buf.Bytes())
		check(t, d.Tracks()[0], video.packets[len(video.packets)-1])
	})
}

func TestLive(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var buf bytes.Buffer
		video := h264Track(t, 50, 40*time.Millisecond, 25)
		mux(t, pkg.NewStreamTarget(&buf), config.Output{Streamable: true, ClusterDuration: time.Second}, Options{}, video)
		data := buf.Bytes()
		assert.True(t, segmentHeader(t, data).Unknown())

		d := demux(t, data)
		assert.Empty(t, d.hints)
		assert.NotContains(t, d.seeks, ebml.IDCues)
		assertPackets(t, video.packets, readAll(t, d.Tracks()[0]))
		duration, err := d.Tracks()[0].Duration(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, duration)
	})
}

func opusEntry(number uint64, defaultDuration time.Duration) *ebml.Element {
	e := ebml.Master(ebml.IDTrackEntry,
		ebml.UintElement(ebml.IDTrackNumber, number),
		ebml.UintElement(ebml.IDTrackUID, number),
		ebml.UintElement(ebml.IDTrackType, trackTypeAudio),
		ebml.String(ebml.IDCodecID, "A_OPUS"),
		ebml.Binary(ebml.IDCodecPrivate, testOpusHead),
		ebml.Master(ebml.IDAudio,
			ebml.FloatElement(ebml.IDSamplingFrequency, 48000),
			ebml.UintElement(ebml.IDChannels, 2),
		),
	)
	if defaultDuration > 0 {
		e.Add(ebml.UintElement(ebml.IDDefaultDuration, uint64(defaultDuration)))
	}
	return e
}

func simpleBlock(ts int16, payload ...byte) *ebml.Element {
	return ebml.Binary(ebml.IDSimpleBlock, append(AppendBlockHeader(nil, 1, ts, flagKey), payload...))
}

func cluster(ts uint64, unknown bool, blocks ...*ebml.Element) *ebml.Element {
	c := ebml.Master(ebml.IDCluster, ebml.UintElement(ebml.IDTimestamp, ts)).Add(blocks...)
	c.UnknownSize = unknown
	return c
}

// file lays out a live style segment of unknown size.
func file(parts ...[]byte) []byte {
	seg := ebml.Master(ebml.IDSegment)
	seg.UnknownSize = true
	out := ebml.Encode(ebml.Master(ebml.IDEBML, ebml.String(ebml.IDDocType, DocTypeMatroska)), seg)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func timestamps(packets []*pkg.Packet) (ts []time.Duration) {
	for _, p := range packets {
		ts = append(ts, p.Timestamp)
	}
	return
}

func TestDemuxRecovery(t *testing.T) {
	head := ebml.Encode(
		ebml.Master(ebml.IDInfo,
			ebml.UintElement(ebml.IDTimestampScale, 1000000),
			ebml.String(ebml.IDTitle, "recovery"),
		),
		ebml.Master(ebml.IDTracks, opusEntry(1, 0)),
	)
	t.Run("unknown size cluster then garbage", func(t *testing.T) {
		garbage := []byte{0x00, 0x1F, 0x43, 0xB6, 0x75, 0x80, 0x55, 0x00, 0x00}
		data := file(
			head,
			ebml.Encode(cluster(0, true, simpleBlock(0, 1), simpleBlock(20, 2), simpleBlock(40, 3))),
			garbage,
			ebml.Encode(cluster(1000, false, simpleBlock(0, 4), simpleBlock(20, 5))),
		)
		d := demux(t, data)
		assert.Equal(t, "recovery", d.Tags()["title"])
		packets := readAll(t, d.Tracks()[0])
		ms := time.Millisecond
		assert.Equal(t, []time.Duration{0, 20 * ms, 40 * ms, 1000 * ms, 1020 * ms}, timestamps(packets))
		for i, p := range packets {
			assert.Equal(t, []byte{byte(i + 1)}, p.Data)
			assert.Equal(t, 20*ms, p.Duration)
			assert.True(t, p.IsKey())
		}
	})
	t.Run("unknown size cluster ends at the next cluster", func(t *testing.T) {
		data := file(
			head,
			ebml.Encode(
				cluster(0, true, simpleBlock(0, 1), simpleBlock(20, 2)),
				cluster(40, true, simpleBlock(0, 3)),
			),
		)
		d := demux(t, data)
		assert.Equal(t, []time.Duration{0, 20 * time.Millisecond, 40 * time.Millisecond}, timestamps(readAll(t, d.Tracks()[0])))
	})
	t.Run("laced", func(t *testing.T) {
		laced := []byte{0x81, 0x00, 0x00, 0x80 | 0x02, 0x02, 2, 3}
		laced = append(laced, 1, 1, 2, 2, 2, 3, 3, 3, 3)
		data := file(
			ebml.Encode(ebml.Master(ebml.IDTracks, opusEntry(1, 20*time.Millisecond))),
			ebml.Encode(cluster(0, false, ebml.Binary(ebml.IDSimpleBlock, laced), simpleBlock(60, 4))),
		)
		d := demux(t, data)
		packets := readAll(t, d.Tracks()[0])
		ms := time.Millisecond
		assert.Equal(t, []time.Duration{0, 20 * ms, 40 * ms, 60 * ms}, timestamps(packets))
		assert.Equal(t, []byte{2, 2, 2}, packets[1].Data)
		assert.Equal(t, 20*ms, packets[3].Duration)
	})
	t.Run("tags and block groups", func(t *testing.T) {
		group := ebml.Master(ebml.IDBlockGroup,
			ebml.Binary(ebml.IDBlock, append(AppendBlockHeader(nil, 1, 20, 0), 2)),
			ebml.UintElement(ebml.IDBlockDuration, 35),
			ebml.IntElement(ebml.IDReferenceBlock, -20),
		)
		tags := ebml.Master(ebml.IDTags,
			ebml.Master(ebml.IDTag, ebml.Master(ebml.IDSimpleTag,
				ebml.String(ebml.IDTagName, "ARTIST"),
				ebml.String(ebml.IDTagString, "someone"),
			)),
			ebml.Master(ebml.IDTag,
				ebml.Master(ebml.IDTargets, ebml.UintElement(ebml.IDTagTrackUID, 1)),
				ebml.Master(ebml.IDSimpleTag,
					ebml.String(ebml.IDTagName, "TITLE"),
					ebml.String(ebml.IDTagString, "track title"),
				),
			),
		)
		data := file(head, ebml.Encode(tags, cluster(0, false, simpleBlock(0, 1), group)))
		d := demux(t, data)
		packets := readAll(t, d.Tracks()[0])
		require.Len(t, packets, 2)
		assert.Equal(t, 20*time.Millisecond, packets[0].Duration)
		assert.Equal(t, 35*time.Millisecond, packets[1].Duration)
		assert.False(t, packets[1].IsKey())
		assert.Equal(t, "recovery", d.Tags()["title"])
		assert.Equal(t, "someone", d.Tags()["artist"])
	})
	t.Run("no tracks", func(t *testing.T) {
		data := file(ebml.Encode(ebml.Master(ebml.IDInfo, ebml.UintElement(ebml.IDTimestampScale, 1000000))))
		d := NewDemuxer(pkg.NewRangeCache(pkg.NewBufferSource(data), config.Cache{}, nil), nil)
		assert.ErrorIs(t, d.Demux(context.Background()), pkg.ErrNoTracks)
	})
	t.Run("unsupported codec", func(t *testing.T) {
		entry := ebml.Master(ebml.IDTrackEntry,
			ebml.UintElement(ebml.IDTrackNumber, 1),
			ebml.UintElement(ebml.IDTrackType, trackTypeAudio),
			ebml.String(ebml.IDCodecID, "A_TRUEHD"),
		)
		data := file(ebml.Encode(ebml.Master(ebml.IDTracks, entry)))
		d := demux(t, data)
		assert.ErrorIs(t, d.Tracks()[0].Info().CodecErr, util.ErrUnsupportedHeader)
	})
}
