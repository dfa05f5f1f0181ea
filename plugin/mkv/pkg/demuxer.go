package mkv

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/util"
	"m7s.live/mediakit/plugin/mkv/pkg/ebml"
)

// Demuxer reads the segment metadata up front; clusters are parsed on
// demand by the fragment resolver. Tracks count time in nanoseconds.
type Demuxer struct {
	*slog.Logger
	pkg.Demuxed
	DocType        string
	cache          *pkg.RangeCache
	size           int64
	segStart       int64
	segEnd         int64
	firstCluster   int64
	timestampScale uint64
	duration       float64
	entries        []*trackEntry
	hints          map[uint64][]pkg.FragmentHint
	seeks          map[ebml.ID]int64
	done           map[int64]bool
}

func NewDemuxer(cache *pkg.RangeCache, logger *slog.Logger) *Demuxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Demuxer{
		Logger:         logger,
		cache:          cache,
		firstCluster:   -1,
		timestampScale: 1000000,
		hints:          make(map[uint64][]pkg.FragmentHint),
		seeks:          make(map[ebml.ID]int64),
		done:           make(map[int64]bool),
	}
}

func (d *Demuxer) Demux(ctx context.Context) (err error) {
	if d.size, err = d.cache.Size(ctx); err != nil {
		return
	}
	pos, err := d.readEBMLHeader(ctx)
	if err != nil {
		return
	}
	if err = d.findSegment(ctx, pos); err != nil {
		return
	}
	if err = d.walk(ctx); err != nil {
		return
	}
	// Cues and Tags usually sit after the clusters
	for _, id := range []ebml.ID{ebml.IDInfo, ebml.IDTracks, ebml.IDCues, ebml.IDTags} {
		at, ok := d.seeks[id]
		if !ok || d.done[at] || at >= d.segEnd {
			continue
		}
		h, err := readHeader(ctx, d.cache, at, d.segEnd)
		if err != nil || h.ID != id {
			d.Warn("seek entry does not point at its element", "id", id, "position", at)
			continue
		}
		if err = d.parseTop(ctx, &h); err != nil {
			if !util.IsMalformed(err) {
				return err
			}
			d.Warn("ignoring element", "element", h.String(), "error", err)
		}
	}
	if len(d.entries) == 0 {
		return pkg.ErrNoTracks
	}
	d.build(ctx)
	return nil
}

func (d *Demuxer) readEBMLHeader(ctx context.Context) (int64, error) {
	h, err := readHeader(ctx, d.cache, 0, d.size)
	if err != nil {
		return 0, err
	}
	if h.ID != ebml.IDEBML || h.Unknown() {
		return 0, util.Malformed("no EBML header")
	}
	c, err := d.cache.Cursor(ctx, h.BodyOffset(), h.End())
	if err != nil {
		return 0, err
	}
	err = ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) (err error) {
		if h.ID == ebml.IDDocType {
			d.DocType, err = ebml.ReadString(body)
		}
		return
	})
	if err != nil {
		return 0, err
	}
	d.SetTag("doctype", d.DocType)
	return h.End(), nil
}

func (d *Demuxer) findSegment(ctx context.Context, pos int64) error {
	for pos < d.size {
		h, err := readHeader(ctx, d.cache, pos, d.size)
		if err != nil {
			return err
		}
		if h.ID == ebml.IDSegment {
			d.segStart, d.segEnd = h.BodyOffset(), d.size
			if !h.Unknown() {
				d.segEnd = min(h.End(), d.size)
			}
			return nil
		}
		if h.Unknown() {
			break
		}
		pos = h.End()
	}
	return util.Malformed("no Segment")
}

// walk parses the level 1 elements up to the first cluster.
func (d *Demuxer) walk(ctx context.Context) error {
	for pos := d.segStart; pos < d.segEnd; {
		h, err := readHeader(ctx, d.cache, pos, d.segEnd)
		if err != nil && !util.IsMalformed(err) {
			return err
		}
		if err != nil || !ebml.IsTopLevel(h.ID) || (h.Unknown() && h.ID != ebml.IDCluster) {
			if pos, err = resync(ctx, d.cache, d.Logger, pos, d.segEnd); err != nil || pos < 0 {
				return err
			}
			continue
		}
		if h.ID == ebml.IDCluster {
			d.firstCluster = h.Offset
			return nil
		}
		if err = d.parseTop(ctx, &h); err != nil {
			if !util.IsMalformed(err) {
				return err
			}
			d.Warn("ignoring element", "element", h.String(), "error", err)
		}
		pos = h.End()
	}
	return nil
}

func (d *Demuxer) parseTop(ctx context.Context, h *ebml.Header) error {
	var parse func(*util.ByteCursor) error
	switch h.ID {
	case ebml.IDSeekHead:
		parse = d.parseSeekHead
	case ebml.IDInfo:
		parse = d.parseInfo
	case ebml.IDTracks:
		parse = d.parseTracks
	case ebml.IDCues:
		parse = d.parseCues
	case ebml.IDTags:
		parse = d.parseTags
	default:
		return nil
	}
	d.done[h.Offset] = true
	c, err := d.cache.Cursor(ctx, h.BodyOffset(), h.End())
	if err != nil {
		return err
	}
	return parse(c)
}

func (d *Demuxer) parseSeekHead(c *util.ByteCursor) error {
	return ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) error {
		if h.ID != ebml.IDSeek {
			return nil
		}
		var (
			id  ebml.ID
			pos uint64
		)
		err := ebml.Traverse(body, func(h *ebml.Header, body *util.ByteCursor) (err error) {
			switch h.ID {
			case ebml.IDSeekID:
				id, err = ebml.ReadID(body)
			case ebml.IDSeekPosition:
				pos, err = ebml.Uint(body)
			}
			return
		})
		if err == nil && id != 0 {
			if _, ok := d.seeks[id]; !ok {
				d.seeks[id] = d.segStart + int64(pos)
			}
		}
		return err
	})
}

func (d *Demuxer) parseInfo(c *util.ByteCursor) error {
	return ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) (err error) {
		var s string
		switch h.ID {
		case ebml.IDTimestampScale:
			var v uint64
			if v, err = ebml.Uint(body); err == nil && v > 0 {
				d.timestampScale = v
			}
		case ebml.IDDuration:
			d.duration, err = ebml.Float(body)
		case ebml.IDTitle:
			s, err = ebml.ReadString(body)
			d.SetTag("title", s)
		case ebml.IDWritingApp:
			s, err = ebml.ReadString(body)
			d.SetTag("encoder", s)
		}
		return
	})
}

func (d *Demuxer) parseTracks(c *util.ByteCursor) error {
	return ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) error {
		if h.ID != ebml.IDTrackEntry {
			return nil
		}
		e, err := parseTrackEntry(body)
		if err != nil {
			d.Warn("skipping track entry", "at", h.Offset, "error", err)
			return nil
		}
		if e.trackType != trackTypeVideo && e.trackType != trackTypeAudio {
			d.Debug("ignoring track", "number", e.number, "type", e.trackType)
			return nil
		}
		d.entries = append(d.entries, e)
		return nil
	})
}

func parseTrackEntry(c *util.ByteCursor) (*trackEntry, error) {
	e := &trackEntry{language: "eng", isDefault: true}
	err := ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) (err error) {
		var v uint64
		switch h.ID {
		case ebml.IDTrackNumber:
			e.number, err = ebml.Uint(body)
		case ebml.IDTrackUID:
			e.uid, err = ebml.Uint(body)
		case ebml.IDTrackType:
			e.trackType, err = ebml.Uint(body)
		case ebml.IDFlagDefault:
			v, err = ebml.Uint(body)
			e.isDefault = v != 0
		case ebml.IDDefaultDuration:
			e.defaultDuration, err = ebml.Uint(body)
		case ebml.IDName:
			e.name, err = ebml.ReadString(body)
		case ebml.IDLanguage:
			e.language, err = ebml.ReadString(body)
		case ebml.IDCodecID:
			e.codecID, err = ebml.ReadString(body)
		case ebml.IDCodecPrivate:
			e.private = append([]byte(nil), body.Data[body.Pos:]...)
		case ebml.IDCodecDelay:
			e.codecDelay, err = ebml.Uint(body)
		case ebml.IDSeekPreRoll:
			e.seekPreRoll, err = ebml.Uint(body)
		case ebml.IDContentEncodings:
			e.encoded = true
		case ebml.IDVideo:
			err = parseVideo(body, e)
		case ebml.IDAudio:
			err = parseAudio(body, e)
		}
		return
	})
	if err == nil && e.number == 0 {
		err = util.Malformed("track entry without a number")
	}
	return e, err
}

func parseVideo(c *util.ByteCursor, e *trackEntry) error {
	return ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) (err error) {
		switch h.ID {
		case ebml.IDPixelWidth:
			e.width, err = ebml.Uint(body)
		case ebml.IDPixelHeight:
			e.height, err = ebml.Uint(body)
		case ebml.IDColour:
			e.colour = &codec.ColorInfo{Primaries: 2, Transfer: 2, Matrix: 2}
			err = ebml.Traverse(body, func(h *ebml.Header, body *util.ByteCursor) error {
				v, err := ebml.Uint(body)
				switch h.ID {
				case ebml.IDPrimaries:
					e.colour.Primaries = uint8(v)
				case ebml.IDTransferCharacteristics:
					e.colour.Transfer = uint8(v)
				case ebml.IDMatrixCoefficients:
					e.colour.Matrix = uint8(v)
				case ebml.IDRange:
					e.colour.FullRange = v == 2
				}
				return err
			})
		}
		return
	})
}

func parseAudio(c *util.ByteCursor, e *trackEntry) error {
	e.sampleRate, e.channels = 8000, 1
	return ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) (err error) {
		switch h.ID {
		case ebml.IDSamplingFrequency:
			e.sampleRate, err = ebml.Float(body)
		case ebml.IDChannels:
			e.channels, err = ebml.Uint(body)
		case ebml.IDBitDepth:
			e.bitDepth, err = ebml.Uint(body)
		}
		return
	})
}

func (d *Demuxer) parseCues(c *util.ByteCursor) error {
	scale := int64(d.timestampScale)
	return ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) error {
		if h.ID != ebml.IDCuePoint {
			return nil
		}
		var (
			t         uint64
			positions [][2]uint64
		)
		err := ebml.Traverse(body, func(h *ebml.Header, body *util.ByteCursor) (err error) {
			switch h.ID {
			case ebml.IDCueTime:
				t, err = ebml.Uint(body)
			case ebml.IDCueTrackPositions:
				var p [2]uint64
				err = ebml.Traverse(body, func(h *ebml.Header, body *util.ByteCursor) (err error) {
					switch h.ID {
					case ebml.IDCueTrack:
						p[0], err = ebml.Uint(body)
					case ebml.IDCueClusterPosition:
						p[1], err = ebml.Uint(body)
					}
					return
				})
				positions = append(positions, p)
			}
			return
		})
		if err != nil {
			return err
		}
		for _, p := range positions {
			d.hints[p[0]] = append(d.hints[p[0]], pkg.FragmentHint{
				Timestamp: int64(t) * scale,
				Offset:    d.segStart + int64(p[1]),
			})
		}
		return nil
	})
}

// parseTags keeps the global simple tags, keys in lower case.
func (d *Demuxer) parseTags(c *util.ByteCursor) error {
	return ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) error {
		if h.ID != ebml.IDTag {
			return nil
		}
		var (
			targeted bool
			simple   [][2]string
		)
		err := ebml.Traverse(body, func(h *ebml.Header, body *util.ByteCursor) error {
			switch h.ID {
			case ebml.IDTargets:
				return ebml.Traverse(body, func(h *ebml.Header, _ *util.ByteCursor) error {
					targeted = targeted || h.ID == ebml.IDTagTrackUID
					return nil
				})
			case ebml.IDSimpleTag:
				var kv [2]string
				err := ebml.Traverse(body, func(h *ebml.Header, body *util.ByteCursor) (err error) {
					switch h.ID {
					case ebml.IDTagName:
						kv[0], err = ebml.ReadString(body)
					case ebml.IDTagString:
						kv[1], err = ebml.ReadString(body)
					}
					return
				})
				simple = append(simple, kv)
				return err
			}
			return nil
		})
		if err != nil || targeted {
			return err
		}
		for _, kv := range simple {
			if kv[0] != "" {
				d.SetTag(strings.ToLower(kv[0]), kv[1])
			}
		}
		return nil
	})
}

func (d *Demuxer) build(ctx context.Context) {
	scale := int64(d.timestampScale)
	parser := &clusterParser{
		Logger: d.Logger,
		cache:  d.cache,
		segEnd: d.segEnd,
		scale:  scale,
		tracks: make(map[uint64]*clusterTrack),
	}
	first := d.firstCluster
	if first < 0 {
		first = d.segEnd
	}
	resolver := pkg.NewFragmentResolver(parser, first, d.Logger)
	var known time.Duration
	if d.duration > 0 {
		known = time.Duration(d.duration * float64(scale))
	}
	// every track is registered before any cluster is parsed, or the first
	// cluster would be cached without the blocks of later tracks
	for i, e := range d.entries {
		info := pkg.TrackInfo{
			ID:        i + 1,
			Type:      util.Conditional(e.trackType == trackTypeVideo, pkg.TrackVideo, pkg.TrackAudio),
			Timescale: 1e9,
			Language:  e.language,
			Name:      e.name,
			Default:   e.isDefault,
		}
		info.Codec, info.CodecCtx, info.CodecErr = trackCodec(e)
		parser.tracks[e.number] = &clusterTrack{id: info.ID, defaultDuration: int64(e.defaultDuration)}
		resolver.SetHints(info.ID, d.hints[e.number])
		d.TrackList = append(d.TrackList, &pkg.FragmentedTrack{
			Track:         pkg.Track{Logger: d.With("track", info.ID), TrackInfo: info},
			Resolver:      resolver,
			Cache:         d.cache,
			KnownDuration: known,
		})
	}
	for i, e := range d.entries {
		t := d.TrackList[i].(*pkg.FragmentedTrack)
		if t.CodecCtx == nil && t.CodecErr == nil {
			d.deriveCodec(ctx, t, e)
		}
		if t.CodecErr != nil {
			d.Warn("track codec unavailable", "track", t.ID, "codec", e.codecID, "error", t.CodecErr)
		}
	}
}

// deriveCodec reads the configuration from the first frame of codecs that
// carry it in band.
func (d *Demuxer) deriveCodec(ctx context.Context, t *pkg.FragmentedTrack, e *trackEntry) {
	p, err := t.FirstPacket(ctx, pkg.PacketOptions{})
	if err == nil && p == nil {
		err = util.Malformed("no frame to read the %s configuration from", e.codecID)
	}
	if err == nil {
		t.CodecCtx, err = codec.FromPacket(t.Codec, p.Data)
	}
	if err != nil {
		t.CodecCtx, t.CodecErr = nil, err
		return
	}
	if e.colour.Valid() {
		applyColour(t.CodecCtx, e.colour)
	}
}
