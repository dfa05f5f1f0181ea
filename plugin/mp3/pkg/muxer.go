package mp3

import (
	"context"
	"fmt"
	"log/slog"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
)

const encoder = "mediakit"

var Supported = []codec.FourCC{codec.FourCC_MP3}

// Muxer writes the frames of one MPEG audio track after an ID3v2 tag. A
// Layer III stream gets a summary frame ahead of its audio that Finalize
// fills in: Info for constant bitrate, Xing otherwise.
type Muxer struct {
	*slog.Logger
	conf     config.Output
	out      *pkg.PatchableTarget
	seekable bool
	track    *pkg.MuxTrack
	first    *FrameHeader
	// xingAt is the offset of the summary frame, -1 without one.
	xingAt  int64
	offsets []int64
	bitrate int
	cbr     bool
	closed  bool
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
		xingAt:   -1,
		cbr:      true,
	}
}

func (m *Muxer) live() bool {
	return m.conf.Streamable
}

func (m *Muxer) Start(ctx context.Context, infos []*pkg.TrackInfo) (err error) {
	if len(infos) != 1 {
		return fmt.Errorf("mp3: an MPEG audio file holds one track, got %d", len(infos))
	}
	in := infos[0]
	if in.Codec != codec.FourCC_MP3 {
		return fmt.Errorf("%w: %s in mp3", pkg.ErrCodecNotSupported, in.Codec)
	}
	info := *in
	info.ID = 1
	if ctx, ok := in.CodecCtx.(*codec.MP3Ctx); ok && ctx.SampleRate > 0 {
		info.Timescale = uint32(ctx.SampleRate)
	}
	if info.Timescale == 0 {
		return fmt.Errorf("mp3: track has no sample rate")
	}
	m.track = pkg.NewMuxTrack(&info)
	tag := AppendID3v2(nil, map[string]string{"encoder": encoder, "title": info.Name, "language": info.Language})
	if _, err = m.out.Write(tag); err != nil {
		return
	}
	return m.commit()
}

// commit hands what was written to the target, unless a non-seekable
// output still needs it in memory for the summary frame.
func (m *Muxer) commit() error {
	if m.live() || m.seekable || m.xingAt < 0 && m.first != nil {
		return m.out.Commit()
	}
	return nil
}

func (m *Muxer) WritePacket(ctx context.Context, track int, p *pkg.Packet) error {
	if track != 0 {
		return fmt.Errorf("mp3: track %d out of range", track)
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

// xing is the summary of the frames written so far.
func (m *Muxer) xing() *Xing {
	x := &Xing{Info: m.cbr, Flags: XingFrames | XingBytes | XingTOC, Frames: uint32(len(m.offsets))}
	if m.xingAt >= 0 {
		total := m.out.Pos() - m.xingAt
		x.Bytes = uint32(min(total, 1<<32-1))
		x.TOC = BuildTOC(m.offsets, total)
	}
	return x
}

func (m *Muxer) writeSample(s *pkg.MuxSample) error {
	return SplitFrames(s.Data, func(h *FrameHeader, frame []byte) error {
		if m.first == nil {
			m.first = h
			m.bitrate = h.Bitrate()
			if err := m.reserve(); err != nil {
				return err
			}
		} else if !m.first.Compatible(h) {
			return util.Malformed("frame %s in a stream of %s", h.String(), m.first.String())
		}
		if h.Bitrate() != m.bitrate {
			m.cbr = false
		}
		if m.xingAt >= 0 {
			m.offsets = append(m.offsets, m.out.Pos()-m.xingAt)
		} else {
			m.offsets = append(m.offsets, 0)
		}
		_, err := m.out.Write(frame)
		return err
	})
}

// reserve writes a placeholder summary frame ahead of the first frame.
// Streams and layers without side information go without one.
func (m *Muxer) reserve() error {
	if m.live() || m.first.Layer != 3 {
		m.Debug("no summary frame", "header", m.first.String(), "live", m.live())
		return nil
	}
	frame, err := XingFrame(*m.first, m.xing())
	if err != nil {
		m.Warn("no summary frame", "error", err)
		return nil
	}
	m.xingAt = m.out.Pos()
	_, err = m.out.Write(frame)
	return err
}

func (m *Muxer) Finalize(ctx context.Context) (err error) {
	if err = m.CloseTrack(ctx, 0); err != nil {
		return
	}
	if m.xingAt >= 0 {
		x := m.xing()
		frame, err := XingFrame(*m.first, x)
		if err != nil {
			return err
		}
		m.Debug("summary frame", "info", x.Info, "frames", x.Frames, "bytes", x.Bytes)
		if err = m.out.PatchAt(m.xingAt, frame); err != nil {
			return err
		}
	}
	return m.out.Commit()
}
