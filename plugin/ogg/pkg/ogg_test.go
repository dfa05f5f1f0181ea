package ogg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
)

var testOpusHead = (&codec.OpusHead{Channels: 2, PreSkip: 312, InputSampleRate: 48000}).Marshal()

type testTrack struct {
	info    pkg.TrackInfo
	packets []*pkg.Packet
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

// lsbBits packs fields least significant bit first, as Vorbis does.
type lsbBits struct {
	buf []byte
	n   int
}

func (w *lsbBits) put(v uint64, n int) {
	for i := range n {
		if w.n%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>i&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << (w.n % 8)
		}
		w.n++
	}
}

// vorbisTrack alternates short (256) and long (2048) blocks in runs.
func vorbisTrack(t *testing.T, n int) testTrack {
	id := util.ByteWriter{LittleEndian: true}
	id.WriteBytes([]byte("\x01vorbis")...)
	id.WriteU32(0)
	id.WriteU8(2)
	id.WriteU32(44100)
	id.WriteI32(0)
	id.WriteI32(128000)
	id.WriteI32(0)
	id.WriteU8(0xB8)
	id.WriteU8(1)
	comments := Comments{Vendor: "test", Fields: []string{"ARTIST=someone"}}
	comment := append(comments.Append([]byte("\x03vorbis")), 1)
	var modes lsbBits
	modes.put(1, 6)
	for i, long := range []bool{false, true} {
		modes.put(uint64(util.Conditional(long, 1, 0)), 1)
		modes.put(0, 16)
		modes.put(0, 16)
		modes.put(uint64(i), 8)
	}
	modes.put(1, 1)
	setup := append([]byte("\x05vorbis"), bytes.Repeat([]byte{0xFF}, 8)...)
	setup = append(setup, modes.buf...)
	ctx, err := codec.NewVorbisCtx(id.Bytes(), comment, setup)
	require.NoError(t, err)
	tt := testTrack{info: pkg.TrackInfo{Type: pkg.TrackAudio, Codec: codec.FourCC_VORBIS, CodecCtx: ctx}}
	var ts int64
	prev := 0
	for i := range n {
		long := i/3%2 == 1
		data := []byte{byte(util.Conditional(long, 1, 0)) << 1, byte(i), byte(i >> 8)}
		samples, cur, err := ctx.PacketSamples(data, prev)
		require.NoError(t, err)
		prev = cur
		start := util.TicksToDuration(ts, 44100)
		ts += int64(samples)
		tt.packets = append(tt.packets, pkg.NewPacket(data, true, start, util.TicksToDuration(ts, 44100)-start))
	}
	return tt
}

func flacTrack(t *testing.T, n int) testTrack {
	ctx, err := codec.NewFLACCtxFromStreamInfo(codec.FLACStreamInfo{MinBlockSize: 4096, MaxBlockSize: 4096, SampleRate: 44100, Channels: 2, BitsPerSample: 16})
	require.NoError(t, err)
	comments := Comments{Vendor: "test", Fields: []string{"ARTIST=someone"}}
	ctx.Blocks = append(ctx.Blocks, codec.FLACMetadataBlock{Type: codec.FLACBlockVorbisComment, Data: comments.Append(nil)})
	tt := testTrack{info: pkg.TrackInfo{Type: pkg.TrackAudio, Codec: codec.FourCC_FLAC, CodecCtx: ctx}}
	for i := range n {
		start := util.TicksToDuration(int64(i)*4096, 44100)
		frame := []byte{0xFF, 0xF8, 0xC9, 0x08, byte(i % 128), 0xAA, byte(i)}
		tt.packets = append(tt.packets, pkg.NewPacket(frame, true, start, util.TicksToDuration(int64(i+1)*4096, 44100)-start))
	}
	return tt
}

func mux(t *testing.T, conf config.Output, tracks ...testTrack) []byte {
	ctx := context.Background()
	target := pkg.NewBufferTarget(0)
	m := NewMuxer(target, conf, nil)
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
	sort.SliceStable(writes, func(i, j int) bool { return writes[i].p.Timestamp < writes[j].p.Timestamp })
	require.NoError(t, m.Start(ctx, infos))
	for _, w := range writes {
		require.NoError(t, m.WritePacket(ctx, w.track, w.p))
	}
	require.NoError(t, m.Finalize(ctx))
	return target.Bytes()
}

func demux(t *testing.T, data []byte, opts Options) *Demuxer {
	d := NewDemuxer(pkg.NewRangeCache(pkg.NewBufferSource(data), config.Cache{MinReadSize: 4096}, nil), opts, nil)
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
		assert.Equal(t, want[i].Data, got[i].Data, "packet %d", i)
	}
}

func splitPages(t *testing.T, data []byte) (pages []*Page) {
	c := util.NewByteCursor(data, 0)
	for c.Remaining() > 0 {
		p, err := ParsePage(c)
		require.NoError(t, err)
		require.True(t, p.CRCValid, p.String())
		pages = append(pages, p)
	}
	return
}

// assertLookups checks every packet is found from a time inside it.
func assertLookups(t *testing.T, track pkg.InputTrack, want []*pkg.Packet) {
	ctx := context.Background()
	for i, w := range want {
		p, err := track.GetPacket(ctx, w.Timestamp+w.Duration/2, pkg.PacketOptions{})
		require.NoError(t, err)
		require.NotNil(t, p, "packet %d", i)
		assert.Equal(t, w.Timestamp, p.Timestamp, "packet %d", i)
		assert.Equal(t, w.Data, p.Data, "packet %d", i)
	}
}

func TestPage(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		assert.Equal(t, uint32(0x89A1897F), Checksum([]byte("123456789")))
		p := Page{Flags: FlagBOS, Granule: 1234, Serial: 0xCAFE, Sequence: 7, Lacing: []byte{3, 2}, Body: []byte{1, 2, 3, 4, 5}}
		raw := p.Append(nil)
		require.Len(t, raw, HeaderSize+2+5)
		back, err := ParsePage(util.NewByteCursor(raw, 100))
		require.NoError(t, err)
		assert.True(t, back.CRCValid)
		assert.Equal(t, int64(100), back.Offset)
		assert.Equal(t, int64(1234), back.Granule)
		assert.Equal(t, uint32(0xCAFE), back.Serial)
		assert.True(t, back.BOS())
		assert.Equal(t, []Piece{{Data: []byte{1, 2, 3}, Complete: true}, {Data: []byte{4, 5}, Complete: true}}, back.Pieces())

		raw[HeaderSize+3] ^= 0xFF
		back, err = ParsePage(util.NewByteCursor(raw, 0))
		require.NoError(t, err)
		assert.False(t, back.CRCValid)

		_, err = ParsePage(util.NewByteCursor([]byte("OggT"+string(raw[4:])), 0))
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
		_, err = ParsePage(util.NewByteCursor(raw[:HeaderSize+3], 0))
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
	})
	t.Run("lacing", func(t *testing.T) {
		assert.Equal(t, []byte{0}, Lace(0))
		assert.Equal(t, []byte{255, 0}, Lace(255))
		assert.Equal(t, []byte{255, 255, 90}, Lace(600))
	})
	t.Run("spanning packet", func(t *testing.T) {
		pg := NewPaginator(9)
		big := bytes.Repeat([]byte{7}, 70000)
		first := pg.Add(big, 960)
		require.NotEmpty(t, first)
		assert.Equal(t, 1, pg.Packets)
		last := pg.Flush(true)
		pages := splitPages(t, append(first, last...))
		require.Len(t, pages, 2)
		assert.True(t, pages[0].BOS())
		assert.Equal(t, NoGranule, pages[0].Granule)
		assert.Equal(t, -1, pages[0].LastComplete())
		assert.True(t, pages[1].Continued())
		assert.True(t, pages[1].EOS())
		assert.Equal(t, int64(960), pages[1].Granule)
		assert.Equal(t, 0, pages[1].Starts())
		joined := append(bytes.Clone(pages[0].Pieces()[0].Data), pages[1].Pieces()[0].Data...)
		assert.Equal(t, big, joined)
	})
	t.Run("comments", func(t *testing.T) {
		c := Comments{Vendor: "v"}
		c.Set("title", "one")
		c.Set("Title", "two")
		c.Set("artist", "a=b")
		back, err := ParseComments(c.Append(nil))
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"title": "two", "artist": "a=b"}, back.Tags())
		_, err = ParseComments([]byte{1, 0, 0, 0, 'v', 0xFF, 0xFF, 0xFF, 0x7F})
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
	})
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	t.Run(t.Name(), func(t *testing.T) {
		tt := opusTrack(t, 500)
		data := mux(t, config.Output{OggPageDuration: time.Second}, tt)
		d := demux(t, data, Options{ScanThreshold: 512})
		require.Len(t, d.Tracks(), 1)
		track := d.Tracks()[0]
		info := track.Info()
		assert.Equal(t, codec.FourCC_OPUS, info.Codec)
		assert.Equal(t, uint32(48000), info.Timescale)
		assert.Equal(t, "fre", info.Language)
		assert.Equal(t, uint16(312), info.CodecCtx.(*codec.OPUSCtx).PreSkip)
		assert.Equal(t, "mediakit", d.Tags()["vendor"])
		assertPackets(t, tt.packets, readAll(t, track))
		assertLookups(t, track, tt.packets)

		dur, err := track.Duration(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, dur)
		p, err := track.GetPacket(ctx, -time.Millisecond, pkg.PacketOptions{})
		require.NoError(t, err)
		assert.Nil(t, p)
		p, err = track.GetKeyPacket(ctx, time.Hour, pkg.PacketOptions{MetadataOnly: true})
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, 9980*time.Millisecond, p.Timestamp)
		assert.Nil(t, p.Data)

		var audio int
		for _, page := range splitPages(t, data)[2:] {
			if page.Granule != NoGranule {
				audio++
			}
		}
		// one page per second plus the end of stream
		assert.InDelta(t, 11, audio, 1)
	})
	t.Run("pion reader", func(t *testing.T) {
		data := mux(t, config.Output{OggPageDuration: 500 * time.Millisecond}, opusTrack(t, 100))
		r, head, err := oggreader.NewWith(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, uint8(2), head.Channels)
		assert.Equal(t, uint16(312), head.PreSkip)
		var granule uint64
		for {
			_, h, err := r.ParseNextPage()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			if h.GranulePosition != math.MaxUint64 {
				granule = h.GranulePosition
			}
		}
		assert.Equal(t, uint64(100*960), granule)
	})
	t.Run("pion writer", func(t *testing.T) {
		var buf bytes.Buffer
		w, err := oggwriter.NewWith(&buf, 48000, 2)
		require.NoError(t, err)
		var payloads [][]byte
		for i := range 100 {
			payload := []byte{0xFC, byte(i), 1, 2, 3}
			payloads = append(payloads, payload)
			require.NoError(t, w.WriteRTP(&rtp.Packet{Header: rtp.Header{Timestamp: uint32(1000 + 960*i)}, Payload: payload}))
		}
		d := demux(t, buf.Bytes(), Options{ScanThreshold: 256})
		track := d.Tracks()[0]
		got := readAll(t, track)
		require.Len(t, got, 100)
		for i, p := range got {
			assert.Equal(t, payloads[i], p.Data)
			assert.Equal(t, 20*time.Millisecond, p.Duration)
			if i > 0 {
				assert.Equal(t, got[i-1].End(), p.Timestamp)
			}
		}
		assertLookups(t, track, got)
	})
	t.Run("spanning packets", func(t *testing.T) {
		tt := opusTrack(t, 20)
		for i := 0; i < 20; i += 5 {
			tt.packets[i].Data = append([]byte{0xFC}, bytes.Repeat([]byte{byte(i)}, 100000)...)
		}
		data := mux(t, config.Output{OggPageDuration: time.Second}, tt)
		track := demux(t, data, Options{}).Tracks()[0]
		assertPackets(t, tt.packets, readAll(t, track))
		assertLookups(t, track, tt.packets)
	})
	t.Run("vorbis", func(t *testing.T) {
		tt := vorbisTrack(t, 300)
		data := mux(t, config.Output{OggPageDuration: 200 * time.Millisecond}, tt)
		d := demux(t, data, Options{ScanThreshold: 256})
		track := d.Tracks()[0]
		assert.Equal(t, uint32(44100), track.Info().Timescale)
		assert.Equal(t, "someone", d.Tags()["artist"])
		got := readAll(t, track)
		assertPackets(t, tt.packets, got)
		// the first packet only primes the decoder
		assert.Zero(t, got[0].Duration)
		assertLookups(t, track, tt.packets[1:])
	})
	t.Run("flac", func(t *testing.T) {
		tt := flacTrack(t, 60)
		data := mux(t, config.Output{OggPageDuration: time.Second}, tt)
		d := demux(t, data, Options{})
		track := d.Tracks()[0]
		ctx := track.Info().CodecCtx.(*codec.FLACCtx)
		assert.Equal(t, uint32(44100), ctx.SampleRate)
		assert.Equal(t, "someone", d.Tags()["artist"])
		assertPackets(t, tt.packets, readAll(t, track))
	})
	t.Run("multiplexed", func(t *testing.T) {
		opus, vorbis := opusTrack(t, 250), vorbisTrack(t, 200)
		data := mux(t, config.Output{OggPageDuration: 250 * time.Millisecond}, opus, vorbis)
		pages := splitPages(t, data)
		assert.True(t, pages[0].BOS() && pages[1].BOS())
		assert.NotEqual(t, pages[0].Serial, pages[1].Serial)
		switches := 0
		for i := 2; i < len(pages); i++ {
			if pages[i].Serial != pages[i-1].Serial {
				switches++
			}
		}
		assert.Greater(t, switches, 10)

		d := demux(t, data, Options{ScanThreshold: 512})
		require.Len(t, d.Tracks(), 2)
		assert.True(t, d.Tracks()[0].Info().Default)
		assertPackets(t, opus.packets, readAll(t, d.Tracks()[0]))
		assertPackets(t, vorbis.packets, readAll(t, d.Tracks()[1]))
		assertLookups(t, d.Tracks()[0], opus.packets)
		assertLookups(t, d.Tracks()[1], vorbis.packets[1:])
	})
	t.Run("unsupported", func(t *testing.T) {
		m := NewMuxer(pkg.NewBufferTarget(0), config.Output{}, nil)
		err := m.Start(ctx, []*pkg.TrackInfo{{Type: pkg.TrackVideo, Codec: codec.FourCC_H264}})
		assert.True(t, errors.Is(err, pkg.ErrCodecNotSupported))
	})
}

func setGranule(data []byte, p *Page, granule int64, fixCRC bool) []byte {
	out := bytes.Clone(data)
	raw := out[p.Offset:p.End()]
	binary.LittleEndian.PutUint64(raw[6:], uint64(granule))
	if fixCRC {
		binary.LittleEndian.PutUint32(raw[22:], 0)
		binary.LittleEndian.PutUint32(raw[22:], Checksum(raw))
	}
	return out
}

func TestDamagedGranule(t *testing.T) {
	tt := opusTrack(t, 500)
	data := mux(t, config.Output{OggPageDuration: 200 * time.Millisecond}, tt)
	var audio []*Page
	for _, p := range splitPages(t, data)[2:] {
		if p.Granule != NoGranule && !p.EOS() {
			audio = append(audio, p)
		}
	}
	require.Greater(t, len(audio), 20)
	victim := audio[len(audio)/2]
	check := func(t *testing.T, data []byte) {
		d := demux(t, data, Options{ScanThreshold: 256})
		track := d.Tracks()[0]
		assertPackets(t, tt.packets, readAll(t, track))
		assertLookups(t, track, tt.packets)
	}
	t.Run(t.Name(), func(t *testing.T) {
		// no packet completes, as far as the page says
		check(t, setGranule(data, victim, NoGranule, true))
	})
	t.Run("checksum mismatch", func(t *testing.T) {
		check(t, setGranule(data, victim, 12345, false))
	})
	t.Run("past the end", func(t *testing.T) {
		check(t, setGranule(data, victim, 1<<40, true))
	})
	t.Run("every other page", func(t *testing.T) {
		b := data
		for i := 1; i < len(audio); i += 2 {
			b = setGranule(b, audio[i], NoGranule, true)
		}
		check(t, b)
	})
}

func TestDemuxErrors(t *testing.T) {
	ctx := context.Background()
	open := func(data []byte) (*Demuxer, error) {
		d := NewDemuxer(pkg.NewRangeCache(pkg.NewBufferSource(data), config.Cache{MinReadSize: 4096}, nil), Options{}, nil)
		return d, d.Demux(ctx)
	}
	theora := NewPaginator(1)
	unknown := theora.Add([]byte("\x80theora....."), 0)
	unknown = append(unknown, theora.Flush(false)...)
	t.Run(t.Name(), func(t *testing.T) {
		_, err := open(unknown)
		assert.True(t, errors.Is(err, pkg.ErrNoTracks))
	})
	t.Run("unknown stream skipped", func(t *testing.T) {
		data := mux(t, config.Output{OggPageDuration: time.Second}, opusTrack(t, 50))
		d, err := open(append(bytes.Clone(unknown), data...))
		require.NoError(t, err)
		require.Len(t, d.Tracks(), 1)
		assert.Equal(t, codec.FourCC_OPUS, d.Tracks()[0].Info().Codec)
	})
	t.Run("leading garbage", func(t *testing.T) {
		tt := opusTrack(t, 50)
		data := mux(t, config.Output{OggPageDuration: time.Second}, tt)
		d, err := open(append([]byte("garbage OggS garbage"), data...))
		require.NoError(t, err)
		assertPackets(t, tt.packets, readAll(t, d.Tracks()[0]))
	})
	t.Run("missing headers", func(t *testing.T) {
		pg := NewPaginator(3)
		data := pg.Add(testOpusHead, 0)
		data = append(data, pg.Flush(true)...)
		d, err := open(data)
		require.NoError(t, err)
		track := d.Tracks()[0]
		assert.Error(t, track.Info().CodecErr)
		p, err := track.FirstPacket(ctx, pkg.PacketOptions{})
		assert.NoError(t, err)
		assert.Nil(t, p)
	})
	t.Run("not ogg", func(t *testing.T) {
		_, err := open([]byte("RIFF\x00\x00\x00\x00WAVEfmt "))
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
	})
}
