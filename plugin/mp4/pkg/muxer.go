package mp4

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
	"m7s.live/mediakit/plugin/mp4/pkg/box"
)

type (
	Options struct {
		MovieTimescale uint32
		VideoTimescale uint32
	}

	// Muxer writes progressive MP4 (mdat then moov, or moov first with
	// FastStart) or fragmented MP4 (moof+mdat pairs and an mfra index).
	Muxer struct {
		*slog.Logger
		conf   config.Output
		opts   Options
		out    *pkg.PatchableTarget
		tracks []*Track
		il     *pkg.Interleaver[*pkg.MuxSample]

		// progressive
		ftypSize   int64
		mdatPos    int64
		mdatSize   int64
		mdat       []byte
		chunkTrack int
		chunkStart time.Duration

		// fragmented
		sequence  uint32
		fragStart time.Duration
	}
)

func NewMuxer(target pkg.Target, conf config.Output, opts Options, logger *slog.Logger) *Muxer {
	if opts.MovieTimescale == 0 {
		opts.MovieTimescale = 1000
	}
	if opts.VideoTimescale == 0 {
		opts.VideoTimescale = 90000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Muxer{
		Logger:     logger,
		conf:       conf,
		opts:       opts,
		out:        pkg.NewPatchableTarget(target),
		chunkTrack: -1,
	}
}

func (m *Muxer) fragmented() bool {
	return m.conf.Fragmented
}

func (m *Muxer) timescale(info *pkg.TrackInfo) uint32 {
	if info.IsVideo() {
		return m.opts.VideoTimescale
	}
	if a, ok := info.CodecCtx.(codec.IAudioCodecCtx); ok && a.GetSampleRate() > 0 {
		return uint32(a.GetSampleRate())
	}
	return 48000
}

func (m *Muxer) Start(ctx context.Context, infos []*pkg.TrackInfo) (err error) {
	ids := make([]int, len(infos))
	hasDefault := map[pkg.TrackType]bool{}
	for _, in := range infos {
		hasDefault[in.Type] = hasDefault[in.Type] || in.Default
	}
	for i, in := range infos {
		info := *in
		info.ID = i + 1
		info.Timescale = m.timescale(&info)
		if !hasDefault[info.Type] {
			info.Default, hasDefault[info.Type] = true, true
		}
		var t *Track
		if t, err = newTrack(&info); err != nil {
			return
		}
		m.tracks = append(m.tracks, t)
		ids[i] = i
	}
	m.il = pkg.NewInterleaver[*pkg.MuxSample](ids...)
	if m.fragmented() {
		return m.writeInitSegment()
	}
	ftyp := box.Encode(box.New(box.TypeFTYP, &box.FileTypeBox{
		MajorBrand:       box.TypeISOM,
		MinorVersion:     0x200,
		CompatibleBrands: [][4]byte{box.TypeISOM, box.TypeISO2, box.TypeMP41},
	}))
	m.ftypSize = int64(len(ftyp))
	if _, err = m.out.Write(ftyp); err != nil || m.conf.FastStart {
		return
	}
	m.mdatPos = m.out.Pos()
	var w util.ByteWriter
	box.WriteMdatHeader(&w)
	_, err = m.out.Write(w.Bytes())
	return
}

func (m *Muxer) writeInitSegment() (err error) {
	moov := m.makeMoovBox(0)
	mvex := box.Container(box.TypeMVEX)
	for _, t := range m.tracks {
		mvex.Add(t.makeTrexBox())
	}
	moov.Add(mvex)
	var b box.Builder
	b.Add(box.New(box.TypeFTYP, &box.FileTypeBox{
		MajorBrand:       box.TypeISO5,
		MinorVersion:     0x200,
		CompatibleBrands: [][4]byte{box.TypeISO5, box.TypeISO6, box.TypeMP41},
	}), moov)
	_, err = b.WriteTo(m.out)
	return
}

func (m *Muxer) makeMoovBox(shift int64) *box.Node {
	var duration int64
	for _, t := range m.tracks {
		duration = max(duration, t.movieDuration(m.opts.MovieTimescale))
	}
	moov := box.Container(box.TypeMOOV, box.New(box.TypeMVHD, box.NewMovieHeaderBox(m.opts.MovieTimescale, uint64(duration), uint32(len(m.tracks)+1))))
	for _, t := range m.tracks {
		moov.Add(t.makeTrakBox(m.opts.MovieTimescale, shift, m.fragmented()))
	}
	return moov
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
		return fmt.Errorf("mp4: track %d out of range", track)
	}
	t := m.tracks[track]
	if (t.Codec == codec.FourCC_H264 || t.Codec == codec.FourCC_H265) && codec.IsAnnexB(p.Data) {
		q := *p
		q.Data = codec.ToLengthPrefixed(t.Codec, p.Data)
		q.ByteSize = len(q.Data)
		p = &q
	}
	return m.push(ctx, track, t.Push(p))
}

func (m *Muxer) CloseTrack(ctx context.Context, track int) error {
	if m.il.Closed(track) {
		return nil
	}
	samples := m.tracks[track].Flush()
	for i := range samples {
		s := &samples[i]
		if err := m.il.Push(track, util.TicksToDuration(s.DTS, m.tracks[track].Timescale), s); err != nil {
			return err
		}
	}
	m.il.Close(track)
	return m.drain(ctx)
}

// drain writes whatever the interleaver can release.
func (m *Muxer) drain(ctx context.Context) error {
	for {
		id, ts, s, ok := m.il.Pop()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if m.fragmented() {
			err = m.writeFragmentSample(id, ts, s)
		} else {
			err = m.writeSample(id, ts, s)
		}
		if err != nil {
			return err
		}
	}
}

func (m *Muxer) writeSample(id int, ts time.Duration, s *pkg.MuxSample) (err error) {
	newChunk := id != m.chunkTrack || ts-m.chunkStart >= m.conf.ChunkDuration
	if newChunk {
		m.chunkTrack, m.chunkStart = id, ts
	}
	var offset int64
	if m.conf.FastStart {
		offset = int64(len(m.mdat))
		m.mdat = append(m.mdat, s.Data...)
	} else {
		offset = m.out.Pos()
		if _, err = m.out.Write(s.Data); err != nil {
			return
		}
	}
	m.mdatSize += int64(len(s.Data))
	m.tracks[id].addSample(s, newChunk, offset)
	return
}

// keyAligned reports whether every other track can open a fragment with
// its next sample.
func (m *Muxer) keyAligned(id int) bool {
	for i := range m.tracks {
		if i == id {
			continue
		}
		if _, next, ok := m.il.Peek(i); ok {
			if !next.IsKey() {
				return false
			}
		} else if !m.il.Closed(i) {
			return false
		}
	}
	return true
}

func (m *Muxer) writeFragmentSample(id int, ts time.Duration, s *pkg.MuxSample) error {
	if m.sequence > 0 && ts-m.fragStart >= m.conf.MinFragmentDuration && s.IsKey() && m.keyAligned(id) {
		if err := m.flushFragment(); err != nil {
			return err
		}
	}
	if m.sequence == 0 || m.pending() == 0 {
		if m.sequence == 0 {
			m.sequence = 1
		}
		m.fragStart = ts
	}
	m.tracks[id].addFragmentSample(s)
	return nil
}

func (m *Muxer) pending() (n int) {
	for _, t := range m.tracks {
		n += len(t.run.entries)
	}
	return
}

// flushFragment writes moof+mdat for the open fragment. Data offsets are
// relative to the moof, the base every traf declares.
func (m *Muxer) flushFragment() (err error) {
	if m.pending() == 0 {
		return
	}
	moofOffset := m.out.Pos()
	moof := box.Container(box.TypeMOOF, box.New(box.TypeMFHD, box.MovieFragmentHeaderBox(m.sequence)))
	var (
		runs    []*box.TrackRunBox
		withRun []*Track
		size    int
	)
	for _, t := range m.tracks {
		if len(t.run.entries) == 0 {
			continue
		}
		traf, trun := t.makeTrafBox()
		moof.Add(traf)
		runs = append(runs, trun)
		withRun = append(withRun, t)
		size += t.run.size
	}
	offset := int64(moof.Size()) + box.BasicBoxLen
	data := make([]byte, 0, size)
	for i, t := range withRun {
		runs[i].DataOffset = int32(offset)
		offset += int64(t.run.size)
		for _, d := range t.run.data {
			data = append(data, d...)
		}
		t.tfra = append(t.tfra, box.TfraEntry{
			Time:         uint64(max(t.run.firstPTS, 0)),
			MoofOffset:   uint64(moofOffset),
			TrafNumber:   uint32(i + 1),
			TrunNumber:   1,
			SampleNumber: 1,
		})
		t.run = fragmentRun{}
	}
	var b box.Builder
	b.Add(moof, box.New(box.TypeMDAT, box.Raw(data)))
	if _, err = b.WriteTo(m.out); err != nil {
		return
	}
	m.Debug("fragment", "sequence", m.sequence, "offset", moofOffset, "size", len(data))
	m.sequence++
	return m.out.Commit()
}

func (m *Muxer) writeMfraBox() (err error) {
	mfra := func(size uint32) *box.Node {
		n := box.Container(box.TypeMFRA)
		for _, t := range m.tracks {
			n.Add(t.makeTfraBox())
		}
		return n.Add(box.New(box.TypeMFRO, box.MovieFragmentRandomAccessOffsetBox(size)))
	}
	_, err = m.out.Write(box.Encode(mfra(uint32(mfra(0).Size()))))
	return
}

func (m *Muxer) Finalize(ctx context.Context) (err error) {
	for i := range m.tracks {
		if err = m.CloseTrack(ctx, i); err != nil {
			return
		}
	}
	if m.fragmented() {
		if err = m.flushFragment(); err != nil {
			return
		}
		if err = m.writeMfraBox(); err != nil {
			return
		}
		return m.out.Commit()
	}
	if m.conf.FastStart {
		err = m.writeFastStart()
	} else {
		err = m.writeTrailer()
	}
	if err != nil {
		return
	}
	return m.out.Commit()
}

// writeTrailer patches the mdat size in place and appends moov.
func (m *Muxer) writeTrailer() (err error) {
	if err = m.out.PatchAt(m.mdatPos, box.MdatHeader(uint64(m.mdatSize))); err != nil {
		return
	}
	_, err = m.out.Write(box.Encode(m.makeMoovBox(0)))
	return
}

// writeFastStart places moov before mdat. Chunk offsets depend on the moov
// size, which grows when they switch to 64 bits, so it is measured until
// stable.
func (m *Muxer) writeFastStart() (err error) {
	const mdatHeader = 2 * box.BasicBoxLen
	moov := m.makeMoovBox(m.ftypSize + mdatHeader)
	for range 4 {
		shift := m.ftypSize + int64(moov.Size()) + mdatHeader
		next := m.makeMoovBox(shift)
		if next.Size() == moov.Size() {
			moov = next
			break
		}
		moov = next
	}
	if _, err = m.out.Write(box.Encode(moov)); err != nil {
		return
	}
	if _, err = m.out.Write(box.MdatHeader(uint64(len(m.mdat)))); err != nil {
		return
	}
	_, err = m.out.Write(m.mdat)
	m.mdat = nil
	return
}
