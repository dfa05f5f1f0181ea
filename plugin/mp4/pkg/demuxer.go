package mp4

import (
	"context"
	"log/slog"
	"strings"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/util"
	"m7s.live/mediakit/plugin/mp4/pkg/box"
)

type (
	trak struct {
		info   pkg.TrackInfo
		tables pkg.SampleTables
	}

	// Demuxer reads the movie header up front; samples of progressive files
	// come from the sample tables, those of fragmented files from moof boxes
	// found on demand.
	Demuxer struct {
		*slog.Logger
		pkg.Demuxed
		cache     *pkg.RangeCache
		size      int64
		moov      *box.BasicBox
		firstMoof int64
		mvhd      box.MovieHeaderBox
		mehd      box.MovieExtendsHeaderBox
		trex      map[uint32]box.TrackExtendsBox
		traks     []*trak
	}
)

func NewDemuxer(cache *pkg.RangeCache, logger *slog.Logger) *Demuxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Demuxer{Logger: logger, cache: cache, firstMoof: -1}
}

// Demux scans the top-level boxes and builds the track list.
func (d *Demuxer) Demux(ctx context.Context) (err error) {
	if d.size, err = d.cache.Size(ctx); err != nil {
		return
	}
	if err = d.scan(ctx); err != nil {
		return
	}
	if d.moov == nil {
		return util.Malformed("no moov box")
	}
	c, err := d.cache.Cursor(ctx, d.moov.BodyOffset(), d.moov.End())
	if err != nil {
		return
	}
	if err = d.parseMoov(c); err != nil {
		return
	}
	if len(d.traks) == 0 {
		return pkg.ErrNoTracks
	}
	if d.trex != nil && d.firstMoof >= 0 {
		d.buildFragmented(ctx)
	} else {
		d.buildIndexed()
	}
	return
}

func (d *Demuxer) scan(ctx context.Context) error {
	for pos := int64(0); pos+box.BasicBoxLen <= d.size; {
		h, err := readHeader(ctx, d.cache, pos, d.size)
		if err != nil {
			return err
		}
		switch h.Type {
		case box.TypeFTYP:
			if err = d.readFtyp(ctx, &h); err != nil {
				return err
			}
		case box.TypeMOOV:
			d.moov = &h
		case box.TypeMOOF:
			d.firstMoof = h.Offset
		}
		if d.moov != nil && d.firstMoof >= 0 {
			break
		}
		pos = h.End()
	}
	return nil
}

func (d *Demuxer) readFtyp(ctx context.Context, h *box.BasicBox) error {
	c, err := d.cache.Cursor(ctx, h.BodyOffset(), h.End())
	if err != nil {
		return err
	}
	var ftyp box.FileTypeBox
	if err = ftyp.Decode(c); err != nil {
		return err
	}
	d.SetTag("major_brand", strings.TrimSpace(string(ftyp.MajorBrand[:])))
	if ftyp.Has(box.TypeQT) {
		d.Debug("quicktime brand")
	}
	return nil
}

func (d *Demuxer) parseMoov(c *util.ByteCursor) error {
	return box.Traverse(c, func(h *box.BasicBox, body *util.ByteCursor) error {
		switch h.Type {
		case box.TypeMVHD:
			return d.mvhd.Decode(body)
		case box.TypeMVEX:
			return d.parseMvex(body)
		case box.TypeTRAK:
			t, err := d.parseTrak(body)
			if err != nil {
				// one broken trak does not hide the others
				d.Warn("skipping track", "error", err)
				return nil
			}
			if t != nil {
				d.traks = append(d.traks, t)
			}
		}
		return nil
	})
}

func (d *Demuxer) parseMvex(c *util.ByteCursor) error {
	d.trex = make(map[uint32]box.TrackExtendsBox)
	return box.Traverse(c, func(h *box.BasicBox, body *util.ByteCursor) error {
		switch h.Type {
		case box.TypeMEHD:
			return d.mehd.Decode(body)
		case box.TypeTREX:
			var trex box.TrackExtendsBox
			if err := trex.Decode(body); err != nil {
				return err
			}
			d.trex[trex.TrackID] = trex
		}
		return nil
	})
}

// find decodes the box at path into p; it reports false when absent.
func find(c *util.ByteCursor, p box.Decoder, path ...[4]byte) (bool, error) {
	body, err := box.Find(c, path...)
	if err != nil || body == nil {
		return false, err
	}
	return true, p.Decode(body)
}

// mediaTime is where the presentation starts in the media, minus the
// leading empty edits that delay it.
func mediaTime(elst *box.EditListBox, movieTimescale, timescale uint32) (t int64) {
	for _, e := range elst.Entries {
		if e.MediaTime >= 0 {
			break
		}
		t -= rescale(int64(e.SegmentDuration), movieTimescale, timescale)
	}
	return t + elst.MediaStart()
}

func (d *Demuxer) parseTrak(c *util.ByteCursor) (t *trak, err error) {
	var hdlr box.HandlerBox
	if _, err = find(c, &hdlr, box.TypeMDIA, box.TypeHDLR); err != nil {
		return
	}
	var typ pkg.TrackType
	switch hdlr.HandlerType {
	case box.TypeVIDE:
		typ = pkg.TrackVideo
	case box.TypeSOUN:
		typ = pkg.TrackAudio
	default:
		d.Debug("ignoring track", "handler", string(hdlr.HandlerType[:]))
		return nil, nil
	}
	var (
		tkhd box.TrackHeaderBox
		mdhd box.MediaHeaderBox
		elst box.EditListBox
		ok   bool
	)
	if ok, err = find(c, &tkhd, box.TypeTKHD); err != nil || !ok {
		return nil, util.Conditional(err == nil, util.Malformed("trak without tkhd"), err)
	}
	if ok, err = find(c, &mdhd, box.TypeMDIA, box.TypeMDHD); err != nil || !ok {
		return nil, util.Conditional(err == nil, util.Malformed("trak without mdhd"), err)
	}
	if mdhd.Timescale == 0 {
		return nil, util.Malformed("track %d has timescale 0", tkhd.TrackID)
	}
	if _, err = find(c, &elst, box.TypeEDTS, box.TypeELST); err != nil {
		return
	}
	t = &trak{info: pkg.TrackInfo{
		ID:        int(tkhd.TrackID),
		Type:      typ,
		Timescale: mdhd.Timescale,
		Language:  mdhd.Language,
		Rotation:  tkhd.Matrix.Rotation(),
		Name:      hdlr.Name,
		Default:   tkhd.Flags&box.TrackEnabled != 0,
	}}
	t.tables.Timescale = mdhd.Timescale
	t.tables.MediaTime = mediaTime(&elst, d.mvhd.Timescale, mdhd.Timescale)

	stbl, err := box.Find(c, box.TypeMDIA, box.TypeMINF, box.TypeSTBL)
	if err != nil {
		return nil, err
	}
	if stbl == nil {
		return nil, util.Malformed("track %d without stbl", tkhd.TrackID)
	}
	stsd, err := box.Find(stbl, box.TypeSTSD)
	if err != nil {
		return nil, err
	}
	var desc box.SampleDescription
	if stsd == nil {
		t.info.CodecErr = util.Malformed("track %d without stsd", tkhd.TrackID)
	} else if err = desc.Decode(stsd, hdlr.HandlerType); err != nil {
		t.info.CodecErr = err
	} else if len(desc.Entries) > 0 {
		t.info.Codec, t.info.CodecCtx, t.info.CodecErr = trackCodec(&desc.Entries[0])
		if t.info.CodecErr != nil {
			t.info.CodecCtx = nil
		}
	}
	err = readTables(stbl, &t.tables)
	if pcm, ok := t.info.CodecCtx.(*codec.PCMCtx); ok && t.tables.SampleSize != 0 {
		t.tables.PCMFrameSize = uint32(pcm.FrameSize())
	}
	return
}

func readTables(stbl *util.ByteCursor, tables *pkg.SampleTables) (err error) {
	var (
		stts    box.TimeToSampleBox
		ctts    box.CompositionOffsetBox
		stsc    box.SampleToChunkBox
		stsz    box.SampleSizeBox
		stco    box.ChunkOffsetBox
		stss    box.SyncSampleBox
		hasStss bool
	)
	err = box.Traverse(stbl, func(h *box.BasicBox, body *util.ByteCursor) error {
		switch h.Type {
		case box.TypeSTTS:
			return stts.Decode(body)
		case box.TypeCTTS:
			return ctts.Decode(body)
		case box.TypeSTSC:
			return stsc.Decode(body)
		case box.TypeSTSZ:
			return stsz.Decode(body)
		case box.TypeSTZ2:
			return stsz.DecodeCompact(body)
		case box.TypeSTCO, box.TypeCO64:
			stco.Large = h.Type == box.TypeCO64
			return stco.Decode(body)
		case box.TypeSTSS:
			hasStss = true
			return stss.Decode(body)
		}
		return nil
	})
	if err != nil {
		return
	}
	for _, e := range stts.Entries {
		tables.TimeToSample = append(tables.TimeToSample, pkg.SttsEntry{Count: e.SampleCount, Delta: e.SampleDelta})
	}
	for _, e := range ctts.Entries {
		tables.CompositionOffsets = append(tables.CompositionOffsets, pkg.CttsEntry{Count: e.SampleCount, Offset: e.SampleOffset})
	}
	for _, e := range stsc.Entries {
		tables.SampleToChunk = append(tables.SampleToChunk, pkg.StscEntry{FirstChunk: e.FirstChunk, SamplesPerChunk: e.SamplesPerChunk, DescriptionIndex: e.SampleDescriptionIndex})
	}
	tables.SampleSize, tables.SampleSizes = stsz.SampleSize, stsz.EntrySizes
	tables.ChunkOffsets = make([]int64, len(stco.Offsets))
	for i, o := range stco.Offsets {
		tables.ChunkOffsets[i] = int64(o)
	}
	if hasStss {
		// an empty stss means no sample is a key frame
		tables.SyncSamples = append(make([]uint32, 0, len(stss.SampleNumbers)), stss.SampleNumbers...)
	}
	return
}

func (d *Demuxer) track(t *trak) pkg.Track {
	return pkg.Track{Logger: d.With("track", t.info.ID), TrackInfo: t.info}
}

func (d *Demuxer) buildIndexed() {
	for _, t := range d.traks {
		idx, err := pkg.BuildSampleIndex(&t.tables)
		if err != nil {
			d.Warn("bad sample tables", "track", t.info.ID, "error", err)
			if t.info.CodecErr == nil {
				t.info.CodecErr = err
			}
			idx, _ = pkg.BuildSampleIndex(&pkg.SampleTables{Timescale: t.tables.Timescale})
		}
		d.TrackList = append(d.TrackList, &pkg.IndexedTrack{Track: d.track(t), Index: idx, Cache: d.cache})
	}
}

func (d *Demuxer) buildFragmented(ctx context.Context) {
	parser := &moofParser{cache: d.cache, size: d.size, tracks: make(map[uint32]*fragmentTrack)}
	for _, t := range d.traks {
		parser.tracks[uint32(t.info.ID)] = &fragmentTrack{
			id:    t.info.ID,
			audio: t.info.IsAudio(),
			shift: t.tables.MediaTime,
			trex:  d.trex[uint32(t.info.ID)],
		}
	}
	resolver := pkg.NewFragmentResolver(parser, d.firstMoof, d.Logger)
	if err := d.readTfra(ctx, resolver); err != nil {
		d.Debug("no fragment index", "error", err)
	}
	duration := d.mehd.FragmentDuration
	if duration == 0 {
		duration = d.mvhd.Duration
	}
	for _, t := range d.traks {
		ft := &pkg.FragmentedTrack{Track: d.track(t), Resolver: resolver, Cache: d.cache}
		if d.mvhd.Timescale > 0 {
			ft.KnownDuration = util.TicksToDuration(int64(duration), d.mvhd.Timescale)
		}
		d.TrackList = append(d.TrackList, ft)
	}
}

// readTfra loads the random access index the mfro at the end of the file
// points to.
func (d *Demuxer) readTfra(ctx context.Context, r *pkg.FragmentResolver) error {
	if d.size < box.MfroLen+box.BasicBoxLen {
		return nil
	}
	c, err := d.cache.Cursor(ctx, d.size-box.MfroLen, d.size)
	if err != nil {
		return err
	}
	h, err := box.ReadHeader(c, d.size)
	if err != nil || h.Type != box.TypeMFRO {
		return err
	}
	if err = c.Skip(4); err != nil {
		return err
	}
	size, err := c.ReadU32()
	if err != nil {
		return err
	}
	start := d.size - int64(size)
	if start < 0 {
		return util.Malformed("mfro points before the file start")
	}
	if c, err = d.cache.Cursor(ctx, start, d.size); err != nil {
		return err
	}
	mfra, err := box.Find(c, box.TypeMFRA)
	if err != nil || mfra == nil {
		return err
	}
	return box.Traverse(mfra, func(h *box.BasicBox, body *util.ByteCursor) error {
		if h.Type != box.TypeTFRA {
			return nil
		}
		var tfra box.TrackFragmentRandomAccessBox
		if err := tfra.Decode(body); err != nil {
			return err
		}
		hints := make([]pkg.FragmentHint, len(tfra.Entries))
		for i, e := range tfra.Entries {
			hints[i] = pkg.FragmentHint{Timestamp: int64(e.Time), Offset: int64(e.MoofOffset)}
		}
		r.SetHints(int(tfra.TrackID), hints)
		return nil
	})
}
