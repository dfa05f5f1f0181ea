package mkv

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
	"m7s.live/mediakit/plugin/mkv/pkg/ebml"
)

const (
	// seekHeadReserve fits a SeekHead with three entries.
	seekHeadReserve = 96
	opusSeekPreRoll = 80 * time.Millisecond
	writingApp      = "mediakit"
)

type (
	Options struct {
		DocType        string
		TimestampScale uint64
	}

	// Track counts time in TimestampScale units.
	Track struct {
		*pkg.MuxTrack
		number  uint64
		uid     uint64
		lastPTS int64
		maxEnd  int64
	}

	// Muxer writes one Segment. Clusters are built in memory and written
	// whole; the segment size, SeekHead and Duration are patched at the
	// end unless the output is live.
	Muxer struct {
		*slog.Logger
		conf     config.Output
		opts     Options
		out      *pkg.PatchableTarget
		w        *ebml.Writer
		seekable bool
		tracks   []*Track
		il       *pkg.Interleaver[*pkg.MuxSample]

		segment    ebml.Mark
		seekHeadAt int64
		durationAt int64
		positions  map[ebml.ID]int64

		cluster      []*pkg.MuxSample
		clusterIDs   []int
		clusterTS    int64
		clusterStart time.Duration
		clusterMax   int64
		cues         []*ebml.Element
	}
)

func NewMuxer(target pkg.Target, conf config.Output, opts Options, logger *slog.Logger) *Muxer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DocType == "" {
		opts.DocType = DocTypeMatroska
	}
	if opts.TimestampScale == 0 || 1e9%opts.TimestampScale != 0 {
		logger.Warn("unusable timestamp scale, using 1ms", "scale", opts.TimestampScale)
		opts.TimestampScale = 1000000
	}
	out := pkg.NewPatchableTarget(target)
	return &Muxer{
		Logger:    logger,
		conf:      conf,
		opts:      opts,
		out:       out,
		w:         ebml.NewWriter(out),
		seekable:  pkg.IsSeekable(target),
		positions: make(map[ebml.ID]int64),
	}
}

func (m *Muxer) live() bool {
	return m.conf.Streamable
}

func (m *Muxer) Start(ctx context.Context, infos []*pkg.TrackInfo) (err error) {
	ids := make([]int, len(infos))
	entries := ebml.Master(ebml.IDTracks)
	hasDefault := map[pkg.TrackType]bool{}
	for _, in := range infos {
		hasDefault[in.Type] = hasDefault[in.Type] || in.Default
	}
	for i, in := range infos {
		info := *in
		info.ID = i + 1
		if !hasDefault[info.Type] {
			info.Default, hasDefault[info.Type] = true, true
		}
		info.Timescale = uint32(1e9 / m.opts.TimestampScale)
		var entry *ebml.Element
		t := &Track{MuxTrack: pkg.NewMuxTrack(&info), number: uint64(i + 1), uid: newUID()}
		if entry, err = m.trackEntry(t); err != nil {
			return
		}
		entries.Add(entry)
		m.tracks = append(m.tracks, t)
		ids[i] = i
	}
	m.il = pkg.NewInterleaver[*pkg.MuxSample](ids...)
	if err = m.w.WriteElements(ebml.Master(ebml.IDEBML,
		ebml.UintElement(ebml.IDEBMLVersion, 1),
		ebml.UintElement(ebml.IDEBMLReadVersion, 1),
		ebml.UintElement(ebml.IDEBMLMaxIDLength, 4),
		ebml.UintElement(ebml.IDEBMLMaxSizeLength, 8),
		ebml.String(ebml.IDDocType, m.opts.DocType),
		ebml.UintElement(ebml.IDDocTypeVersion, 4),
		ebml.UintElement(ebml.IDDocTypeReadVersion, 2),
	)); err != nil {
		return
	}
	if m.segment, err = m.w.Start(ebml.IDSegment); err != nil {
		return
	}
	if !m.live() {
		if m.seekHeadAt, err = m.w.Reserve(seekHeadReserve); err != nil {
			return
		}
	}
	segmentUUID := uuid.New()
	info := ebml.Master(ebml.IDInfo,
		ebml.UintElement(ebml.IDTimestampScale, m.opts.TimestampScale),
		ebml.String(ebml.IDMuxingApp, writingApp),
		ebml.String(ebml.IDWritingApp, writingApp),
		ebml.Binary(ebml.IDSegmentUUID, segmentUUID[:]),
	)
	if !m.live() {
		// last, so its body ends where Info does
		info.Add(ebml.FloatElement(ebml.IDDuration, 0))
	}
	m.positions[ebml.IDInfo] = m.relative()
	if err = m.w.WriteElements(info); err != nil {
		return
	}
	m.durationAt = m.out.Pos() - 8
	m.positions[ebml.IDTracks] = m.relative()
	if err = m.w.WriteElements(entries); err != nil {
		return
	}
	return m.commit()
}

func newUID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8]) | 1
}

// relative is the current position counted from the segment body.
func (m *Muxer) relative() int64 {
	return m.out.Pos() - m.segment.BodyAt
}

func (m *Muxer) trackEntry(t *Track) (*ebml.Element, error) {
	id, private, err := codecID(t.TrackInfo, m.opts.DocType)
	if err != nil {
		return nil, err
	}
	e := ebml.Master(ebml.IDTrackEntry,
		ebml.UintElement(ebml.IDTrackNumber, t.number),
		ebml.UintElement(ebml.IDTrackUID, t.uid),
		ebml.UintElement(ebml.IDTrackType, util.Conditional[uint64](t.IsVideo(), trackTypeVideo, trackTypeAudio)),
		ebml.UintElement(ebml.IDFlagLacing, 0),
		ebml.String(ebml.IDCodecID, id),
	)
	if !t.Default {
		e.Add(ebml.UintElement(ebml.IDFlagDefault, 0))
	}
	if t.Language != "" {
		e.Add(ebml.String(ebml.IDLanguage, t.Language))
	}
	if t.Name != "" {
		e.Add(ebml.String(ebml.IDName, t.Name))
	}
	if len(private) > 0 {
		e.Add(ebml.Binary(ebml.IDCodecPrivate, private))
	}
	if opus, ok := t.CodecCtx.(*codec.OPUSCtx); ok {
		e.Add(
			ebml.UintElement(ebml.IDCodecDelay, uint64(opus.PreSkipDuration())),
			ebml.UintElement(ebml.IDSeekPreRoll, uint64(opusSeekPreRoll)),
		)
	}
	switch ctx := t.CodecCtx.(type) {
	case codec.IVideoCodecCtx:
		video := ebml.Master(ebml.IDVideo,
			ebml.UintElement(ebml.IDPixelWidth, uint64(ctx.Width())),
			ebml.UintElement(ebml.IDPixelHeight, uint64(ctx.Height())),
		)
		if colour := colourOf(ctx); colour.Valid() {
			video.Add(ebml.Master(ebml.IDColour,
				ebml.UintElement(ebml.IDMatrixCoefficients, uint64(colour.Matrix)),
				ebml.UintElement(ebml.IDRange, util.Conditional[uint64](colour.FullRange, 2, 1)),
				ebml.UintElement(ebml.IDTransferCharacteristics, uint64(colour.Transfer)),
				ebml.UintElement(ebml.IDPrimaries, uint64(colour.Primaries)),
			))
		}
		e.Add(video)
	case codec.IAudioCodecCtx:
		audio := ebml.Master(ebml.IDAudio,
			ebml.FloatElement(ebml.IDSamplingFrequency, float64(ctx.GetSampleRate())),
			ebml.UintElement(ebml.IDChannels, uint64(ctx.GetChannels())),
		)
		if pcm, ok := ctx.(*codec.PCMCtx); ok {
			audio.Add(ebml.UintElement(ebml.IDBitDepth, uint64(8*pcm.Format.BytesPerSample())))
		}
		e.Add(audio)
	}
	return e, nil
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
		return fmt.Errorf("mkv: track %d out of range", track)
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
	if err := m.push(ctx, track, m.tracks[track].Flush()); err != nil {
		return err
	}
	m.il.Close(track)
	return m.drain(ctx)
}

func (m *Muxer) drain(ctx context.Context) error {
	for {
		id, ts, s, ok := m.il.Pop()
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.writeSample(id, ts, s); err != nil {
			return err
		}
	}
}

// keyAligned reports whether every other track can open a cluster with its
// next sample.
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

func (m *Muxer) writeSample(id int, ts time.Duration, s *pkg.MuxSample) error {
	if len(m.cluster) > 0 {
		rel := s.PTS - m.clusterTS
		overflow := rel > math.MaxInt16 || rel < math.MinInt16
		due := ts-m.clusterStart >= m.conf.ClusterDuration && s.IsKey() && m.keyAligned(id) && s.PTS >= m.clusterMax
		if overflow || due {
			if err := m.flushCluster(); err != nil {
				return err
			}
		}
	}
	if len(m.cluster) == 0 {
		m.clusterTS, m.clusterStart, m.clusterMax = max(s.PTS, 0), ts, s.PTS
	}
	m.cluster = append(m.cluster, s)
	m.clusterIDs = append(m.clusterIDs, id)
	m.clusterMax = max(m.clusterMax, s.PTS)
	t := m.tracks[id]
	t.maxEnd = max(t.maxEnd, s.PTS+s.Duration)
	return nil
}

// flushCluster writes the open cluster. Blocks whose duration the reader
// cannot infer from the next block of their track carry it explicitly.
func (m *Muxer) flushCluster() (err error) {
	if len(m.cluster) == 0 {
		return
	}
	explicit := make([]bool, len(m.cluster))
	byTrack := make(map[int][]int)
	for i, id := range m.clusterIDs {
		byTrack[id] = append(byTrack[id], i)
	}
	offset := m.relative()
	for id, list := range byTrack {
		order := slices.Clone(list)
		slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(m.cluster[a].PTS, m.cluster[b].PTS) })
		for k, i := range order {
			explicit[i] = k == len(order)-1 || m.cluster[order[k+1]].PTS-m.cluster[i].PTS != m.cluster[i].Duration
		}
		if first := m.cluster[list[0]]; first.IsKey() && !m.live() {
			m.cues = append(m.cues, ebml.Master(ebml.IDCuePoint,
				ebml.UintElement(ebml.IDCueTime, uint64(max(first.PTS, 0))),
				ebml.Master(ebml.IDCueTrackPositions,
					ebml.UintElement(ebml.IDCueTrack, m.tracks[id].number),
					ebml.UintElement(ebml.IDCueClusterPosition, uint64(offset)),
				),
			))
		}
	}
	cluster := ebml.Master(ebml.IDCluster, ebml.UintElement(ebml.IDTimestamp, uint64(m.clusterTS)))
	for i, s := range m.cluster {
		t := m.tracks[m.clusterIDs[i]]
		rel := int16(s.PTS - m.clusterTS)
		if !explicit[i] {
			flags := util.Conditional[uint8](s.IsKey(), flagKey, 0)
			cluster.Add(ebml.Binary(ebml.IDSimpleBlock, append(AppendBlockHeader(nil, t.number, rel, flags), s.Data...)))
		} else {
			group := ebml.Master(ebml.IDBlockGroup,
				ebml.Binary(ebml.IDBlock, append(AppendBlockHeader(nil, t.number, rel, 0), s.Data...)),
				ebml.UintElement(ebml.IDBlockDuration, uint64(max(s.Duration, 0))),
			)
			if !s.IsKey() {
				group.Add(ebml.IntElement(ebml.IDReferenceBlock, min(t.lastPTS-s.PTS, -1)))
			}
			cluster.Add(group)
		}
		t.lastPTS = s.PTS
	}
	if err = m.w.WriteElements(cluster); err != nil {
		return
	}
	m.Debug("cluster", "timestamp", m.clusterTS, "blocks", len(m.cluster), "offset", offset)
	m.cluster, m.clusterIDs = m.cluster[:0], m.clusterIDs[:0]
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

func (m *Muxer) Finalize(ctx context.Context) (err error) {
	for i := range m.tracks {
		if err = m.CloseTrack(ctx, i); err != nil {
			return
		}
	}
	if err = m.flushCluster(); err != nil {
		return
	}
	if m.live() {
		return m.out.Commit()
	}
	if len(m.cues) > 0 {
		m.positions[ebml.IDCues] = m.relative()
		if err = m.w.WriteElements(ebml.Master(ebml.IDCues, m.cues...)); err != nil {
			return
		}
	}
	var end int64
	for _, t := range m.tracks {
		end = max(end, t.maxEnd)
	}
	if err = m.out.PatchAt(m.durationAt, ebml.FloatElement(ebml.IDDuration, float64(end)).Data); err != nil {
		return
	}
	seekHead := ebml.Master(ebml.IDSeekHead)
	for _, id := range []ebml.ID{ebml.IDInfo, ebml.IDTracks, ebml.IDCues} {
		if pos, ok := m.positions[id]; ok {
			seekHead.Add(ebml.Master(ebml.IDSeek,
				ebml.Binary(ebml.IDSeekID, ebml.AppendID(nil, id)),
				ebml.UintElement(ebml.IDSeekPosition, uint64(pos)),
			))
		}
	}
	if err = m.w.Fill(m.seekHeadAt, seekHeadReserve, seekHead); err != nil {
		return
	}
	if err = m.w.End(m.segment); err != nil {
		return
	}
	return m.out.Commit()
}
