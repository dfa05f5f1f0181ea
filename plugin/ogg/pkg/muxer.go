package ogg

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
)

type (
	// Track counts time in samples at the codec rate, the unit of granule
	// positions.
	Track struct {
		*pkg.MuxTrack
		pg      *Paginator
		headers [][]byte
		started bool
		granule int64
		prev    int
		// pageStart is the granule position the open page started at.
		pageStart int64
	}

	// Muxer writes one logical stream per track. Pages never need patching,
	// so every target is written straight through.
	Muxer struct {
		*slog.Logger
		conf   config.Output
		out    pkg.Target
		tracks []*Track
		il     *pkg.Interleaver[*pkg.MuxSample]
	}
)

func NewMuxer(target pkg.Target, conf config.Output, logger *slog.Logger) *Muxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Muxer{Logger: logger, conf: conf, out: target}
}

func newSerial(used []*Track) uint32 {
	for {
		serial := uuid.New().ID()
		if !slices.ContainsFunc(used, func(t *Track) bool { return t.pg.Serial == serial }) {
			return serial
		}
	}
}

func (m *Muxer) Start(ctx context.Context, infos []*pkg.TrackInfo) (err error) {
	ids := make([]int, len(infos))
	for i, in := range infos {
		if !slices.Contains(Supported, in.Codec) {
			return fmt.Errorf("%w: %s in ogg", pkg.ErrCodecNotSupported, in.Codec)
		}
		audio, ok := in.CodecCtx.(codec.IAudioCodecCtx)
		if !ok {
			return fmt.Errorf("ogg: track %d has no %s configuration", i, in.Codec)
		}
		info := *in
		info.ID = i + 1
		info.Timescale = uint32(audio.GetSampleRate())
		t := &Track{MuxTrack: pkg.NewMuxTrack(&info), pg: NewPaginator(newSerial(m.tracks))}
		tags := map[string]string{}
		if info.Name != "" {
			tags["title"] = info.Name
		}
		if info.Language != "" {
			tags["language"] = info.Language
		}
		if t.headers, err = headerPackets(info.CodecCtx, tags); err != nil {
			return
		}
		m.tracks = append(m.tracks, t)
		ids[i] = i
	}
	m.il = pkg.NewInterleaver[*pkg.MuxSample](ids...)
	// every first page comes before any other page
	var pages []byte
	for _, t := range m.tracks {
		pages = append(pages, t.pg.Add(t.headers[0], 0)...)
		pages = append(pages, t.pg.Flush(false)...)
	}
	for _, t := range m.tracks {
		for _, h := range t.headers[1:] {
			pages = append(pages, t.pg.Add(h, 0)...)
		}
		pages = append(pages, t.pg.Flush(false)...)
	}
	return m.write(pages)
}

func (m *Muxer) write(pages []byte) error {
	if len(pages) == 0 {
		return nil
	}
	_, err := m.out.Write(pages)
	return err
}

func (m *Muxer) push(ctx context.Context, track int, samples []pkg.MuxSample) error {
	t := m.tracks[track]
	for i := range samples {
		s := &samples[i]
		if err := m.il.Push(track, util.TicksToDuration(s.DTS, t.Timescale), s); err != nil {
			return err
		}
	}
	return m.drain(ctx)
}

func (m *Muxer) WritePacket(ctx context.Context, track int, p *pkg.Packet) error {
	if track < 0 || track >= len(m.tracks) {
		return fmt.Errorf("ogg: track %d out of range", track)
	}
	return m.push(ctx, track, m.tracks[track].Push(p))
}

func (m *Muxer) CloseTrack(ctx context.Context, track int) error {
	if m.il.Closed(track) {
		return nil
	}
	if err := m.push(ctx, track, m.tracks[track].Flush()); err != nil {
		return err
	}
	m.il.Close(track)
	return m.drain(ctx)
}

func (m *Muxer) drain(ctx context.Context) error {
	for {
		id, _, s, ok := m.il.Pop()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.writeSample(m.tracks[id], s); err != nil {
			return err
		}
	}
}

// writeSample adds a packet to its stream. Granule positions count the
// samples the packets decode to, from the first timestamp on.
func (m *Muxer) writeSample(t *Track, s *pkg.MuxSample) error {
	if !t.started {
		t.granule, t.pageStart, t.started = max(s.PTS, 0), max(s.PTS, 0), true
	}
	n, block, err := packetSamples(t.CodecCtx, s.Data, t.prev)
	if err != nil {
		m.Debug("packet duration from timestamps", "track", t.ID, "error", err)
		n, block = s.Duration, t.prev
	}
	t.granule += n
	t.prev = block
	pages := t.pg.Add(s.Data, t.granule)
	if len(pages) > 0 {
		t.pageStart = t.granule
	}
	if t.pg.Pending() && util.TicksToDuration(t.granule-t.pageStart, t.Timescale) >= m.conf.OggPageDuration {
		pages = append(pages, t.pg.Flush(false)...)
		t.pageStart = t.granule
	}
	return m.write(pages)
}

func (m *Muxer) Finalize(ctx context.Context) (err error) {
	for i := range m.tracks {
		if err = m.CloseTrack(ctx, i); err != nil {
			return
		}
	}
	var pages []byte
	for _, t := range m.tracks {
		t.pg.SetGranule(t.granule)
		pages = append(pages, t.pg.Flush(true)...)
	}
	if err = m.write(pages); err != nil {
		return
	}
	return m.out.Flush()
}
