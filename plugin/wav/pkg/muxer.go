package wav

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
)

const (
	encoder = "mediakit"
	// maxGap is the longest timestamp gap filled with silence.
	maxGap = 10 * time.Second
)

var Supported = []codec.FourCC{codec.FourCC_PCM, codec.FourCC_ULAW, codec.FourCC_ALAW}

// maxRIFFSize is the largest size a 32-bit RIFF size field holds; larger
// files are upgraded to RF64.
var maxRIFFSize uint64 = math.MaxUint32 - 1

// Muxer writes a single PCM track. The header reserves a JUNK chunk the
// size of a ds64 chunk, so a file outgrowing 32-bit sizes turns into RF64
// by patching the header alone.
type Muxer struct {
	*slog.Logger
	conf     config.Output
	out      *pkg.PatchableTarget
	seekable bool
	track    *pkg.MuxTrack
	pcm      *codec.PCMCtx
	format   WaveFormat
	dataAt   int64
	factAt   int64
	frames   uint64
	closed   bool
}

func NewMuxer(target pkg.Target, conf config.Output, logger *slog.Logger) *Muxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Muxer{
		Logger:   logger,
		conf:     conf,
		out:      pkg.NewPatchableTarget(target),
		seekable: pkg.IsSeekable(target),
		factAt:   -1,
	}
}

func (m *Muxer) live() bool {
	return m.conf.Streamable
}

func (m *Muxer) Start(ctx context.Context, infos []*pkg.TrackInfo) (err error) {
	if len(infos) != 1 {
		return fmt.Errorf("wav: a WAVE file holds one audio track, got %d", len(infos))
	}
	in := infos[0]
	if !slices.Contains(Supported, in.Codec) {
		return fmt.Errorf("%w: %s in wav", pkg.ErrCodecNotSupported, in.Codec)
	}
	pcm, ok := in.CodecCtx.(*codec.PCMCtx)
	if !ok {
		return fmt.Errorf("wav: track has no %s configuration", in.Codec)
	}
	if m.format, err = FormatFor(pcm); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrCodecNotSupported, err)
	}
	m.pcm = pcm
	info := *in
	info.ID = 1
	info.Timescale = uint32(pcm.SampleRate)
	m.track = pkg.NewMuxTrack(&info)

	unset := util.Conditional[uint32](m.live(), sizeInDS64, 0)
	w := util.ByteWriter{LittleEndian: true}
	w.WriteBytes(IDRIFF[:]...)
	w.WriteU32(unset)
	w.WriteBytes(IDWAVE[:]...)
	w.Buf = AppendChunk(w.Buf, IDJunk, make([]byte, ds64Size))
	w.Buf = AppendChunk(w.Buf, IDFmt, m.format.Append(nil))
	if m.format.Tag() != FormatPCM {
		m.factAt = int64(w.Len())
		w.Buf = AppendChunk(w.Buf, IDFact, binary.LittleEndian.AppendUint32(nil, unset))
	}
	tags := map[string]string{"encoder": encoder, "title": info.Name, "language": info.Language}
	w.Buf = AppendInfo(w.Buf, tags)
	m.dataAt = int64(w.Len())
	w.WriteBytes(IDData[:]...)
	w.WriteU32(unset)
	if _, err = m.out.Write(w.Bytes()); err != nil {
		return
	}
	m.Debug("wave header", "format", m.format.FormatTag, "pcm", pcm.Format, "rate", pcm.SampleRate, "channels", pcm.Channels)
	return m.commit()
}

// commit hands what was written to the target, unless a non-seekable
// output still needs it in memory for the final patches.
func (m *Muxer) commit() error {
	if m.live() || m.seekable {
		return m.out.Commit()
	}
	return nil
}

func (m *Muxer) WritePacket(ctx context.Context, track int, p *pkg.Packet) error {
	if track != 0 {
		return fmt.Errorf("wav: track %d out of range", track)
	}
	if m.closed {
		return pkg.ErrTrackClosed
	}
	return m.write(ctx, m.track.Push(p))
}

func (m *Muxer) CloseTrack(ctx context.Context, track int) error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.write(ctx, m.track.Flush())
}

func (m *Muxer) write(ctx context.Context, samples []pkg.MuxSample) error {
	for i := range samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.writeSample(&samples[i]); err != nil {
			return err
		}
	}
	if len(samples) == 0 {
		return nil
	}
	return m.commit()
}

// writeSample appends the frames of s, after silence when s starts later
// than the frames written so far end.
func (m *Muxer) writeSample(s *pkg.MuxSample) error {
	frameSize := m.pcm.FrameSize()
	if len(s.Data)%frameSize != 0 {
		return util.Malformed("packet of %d bytes is not whole %d byte frames", len(s.Data), frameSize)
	}
	if gap := s.DTS - m.track.StartDTS - int64(m.frames); gap > 0 {
		if d := util.TicksToDuration(gap, m.track.Timescale); d > maxGap {
			m.Warn("timestamp gap not filled", "gap", d, "at", util.TicksToDuration(int64(m.frames), m.track.Timescale))
		} else {
			m.Debug("filling gap with silence", "frames", gap)
			if _, err := m.out.Write(bytes.Repeat(silence(m.pcm), int(gap))); err != nil {
				return err
			}
			m.frames += uint64(gap)
		}
	}
	if _, err := m.out.Write(s.Data); err != nil {
		return err
	}
	m.frames += uint64(len(s.Data) / frameSize)
	return nil
}

func (m *Muxer) Finalize(ctx context.Context) (err error) {
	if err = m.CloseTrack(ctx, 0); err != nil {
		return
	}
	dataSize := uint64(m.out.Pos() - m.dataAt - ChunkHeaderSize)
	if dataSize&1 == 1 {
		if _, err = m.out.Write([]byte{0}); err != nil {
			return
		}
	}
	if m.live() {
		return m.out.Commit()
	}
	riffSize := uint64(m.out.Pos() - ChunkHeaderSize)
	u32 := func(v uint64) []byte { return binary.LittleEndian.AppendUint32(nil, uint32(v)) }
	patch := func(at int64, b []byte) {
		if err == nil {
			err = m.out.PatchAt(at, b)
		}
	}
	if riffSize > maxRIFFSize {
		m.Info("upgrading to RF64", "size", riffSize)
		ds64 := DS64{RIFFSize: riffSize, DataSize: dataSize, SampleCount: m.frames}
		patch(0, slices.Concat(IDRF64[:], u32(sizeInDS64)))
		patch(12, AppendChunk(nil, IDDS64, ds64.Append(nil)))
		patch(m.dataAt+4, u32(sizeInDS64))
		if m.factAt >= 0 {
			patch(m.factAt+ChunkHeaderSize, u32(sizeInDS64))
		}
	} else {
		patch(4, u32(riffSize))
		patch(m.dataAt+4, u32(dataSize))
		if m.factAt >= 0 {
			patch(m.factAt+ChunkHeaderSize, u32(m.frames))
		}
	}
	if err != nil {
		return
	}
	return m.out.Commit()
}
