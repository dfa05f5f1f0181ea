package ogg

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"

	lru "github.com/hashicorp/golang-lru"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/util"
)

const (
	captureWindow = 64 << 10
	// bisection hands over to a forward scan below this many bytes
	scanThreshold  = 64 << 10
	pageCacheSize  = 512
	maxHeaderPages = 1024
)

// Demuxer reads the beginning-of-stream pages and the header packets of every
// logical stream. Audio packets are found later by walking pages; lookups by
// time bisect over granule positions first.
type Demuxer struct {
	*slog.Logger
	pkg.Demuxed
	cache         *pkg.RangeCache
	size          int64
	pages         *lru.Cache
	scanThreshold int64
	streams       []*Stream
}

// Options tune lookups; zero values pick the defaults.
type Options struct {
	PageCache     int
	ScanThreshold int64
}

func NewDemuxer(cache *pkg.RangeCache, opts Options, logger *slog.Logger) *Demuxer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PageCache <= 0 {
		opts.PageCache = pageCacheSize
	}
	if opts.ScanThreshold <= 0 {
		opts.ScanThreshold = scanThreshold
	}
	pages, _ := lru.New(opts.PageCache)
	return &Demuxer{
		Logger:        logger,
		cache:         cache,
		pages:         pages,
		scanThreshold: opts.ScanThreshold,
	}
}

// page parses the page starting at offset. Pages failing their checksum
// keep their payload but lose their granule position.
func (d *Demuxer) page(ctx context.Context, offset int64) (*Page, error) {
	if v, ok := d.pages.Get(offset); ok {
		return v.(*Page), nil
	}
	head, err := d.cache.Read(ctx, offset, offset+HeaderSize)
	if err != nil {
		return nil, err
	}
	if len(head) < HeaderSize || !bytes.Equal(head[:4], capturePattern) {
		return nil, util.Malformed("no Ogg page at %d", offset)
	}
	lacing, err := d.cache.Read(ctx, offset+HeaderSize, offset+HeaderSize+int64(head[26]))
	if err != nil {
		return nil, err
	}
	size := int64(HeaderSize + len(lacing))
	for _, l := range lacing {
		size += int64(l)
	}
	c, err := d.cache.Cursor(ctx, offset, offset+size)
	if err != nil {
		return nil, err
	}
	p, err := ParsePage(c)
	if err != nil {
		return nil, err
	}
	if !p.CRCValid {
		d.Warn("page checksum mismatch", "offset", offset, "serial", p.Serial, "granule", p.Granule)
		p.Granule = NoGranule
	}
	d.pages.Add(offset, p)
	return p, nil
}

// capture finds the first page with a valid checksum starting in
// [from,limit).
func (d *Demuxer) capture(ctx context.Context, from, limit int64) (*Page, error) {
	limit = min(limit, d.size)
	for from < limit {
		end := min(from+captureWindow+3, d.size)
		window, err := d.cache.Read(ctx, from, end)
		if err != nil {
			return nil, err
		}
		for i := 0; ; i++ {
			j := bytes.Index(window[i:], capturePattern)
			if j < 0 {
				break
			}
			i += j
			at := from + int64(i)
			if at >= limit {
				return nil, nil
			}
			p, err := d.page(ctx, at)
			if err == nil && p.CRCValid {
				return p, nil
			}
			if err != nil && !damaged(err) {
				return nil, err
			}
		}
		if end == d.size {
			break
		}
		from = end - 3
	}
	return nil, nil
}

// next returns the page after p, nil at the end of the stream.
func (d *Demuxer) next(ctx context.Context, p *Page) (*Page, error) {
	at := p.End()
	if at >= d.size {
		return nil, nil
	}
	n, err := d.page(ctx, at)
	if err == nil || !damaged(err) {
		return n, err
	}
	n, cerr := d.capture(ctx, at+1, d.size)
	if cerr != nil {
		return nil, cerr
	}
	if n != nil {
		d.Warn("resynchronised", "from", at, "to", n.Offset, "error", err)
	}
	return n, nil
}

// damaged reports errors that resynchronisation skips past.
func damaged(err error) bool {
	return util.IsMalformed(err) || errors.Is(err, util.ErrUnsupportedHeader)
}

// headerState collects the header packets of one logical stream.
type headerState struct {
	stream  *Stream
	want    int
	headers [][]byte
	partial []byte
	start   position
	done    bool
}

func (d *Demuxer) Demux(ctx context.Context) (err error) {
	if d.size, err = d.cache.Size(ctx); err != nil {
		return
	}
	p, err := d.page(ctx, 0)
	if err != nil {
		if !damaged(err) {
			return
		}
		if p, err = d.capture(ctx, 0, d.size); err != nil {
			return
		}
		if p == nil {
			return util.Malformed("no Ogg page found")
		}
		d.Warn("skipped leading garbage", "bytes", p.Offset)
	}
	states := make(map[uint32]*headerState)
	var order []*headerState
	for n := 0; p != nil && n < maxHeaderPages; n++ {
		if err = ctx.Err(); err != nil {
			return
		}
		if p.BOS() {
			if st := d.begin(p); st != nil {
				states[p.Serial] = st
				order = append(order, st)
			}
		}
		if st := states[p.Serial]; st != nil && !st.done {
			d.collect(st, p)
		}
		if len(order) > 0 && !slices.ContainsFunc(order, func(st *headerState) bool { return !st.done }) {
			break
		}
		if p, err = d.next(ctx, p); err != nil {
			return
		}
	}
	for _, st := range order {
		d.build(ctx, st)
	}
	if len(d.TrackList) == 0 {
		return pkg.ErrNoTracks
	}
	return nil
}

// begin opens a logical stream on its BOS page, whose only packet names
// the codec.
func (d *Demuxer) begin(p *Page) *headerState {
	pieces := p.Pieces()
	if len(pieces) == 0 || !pieces[0].Complete {
		d.Warn("beginning of stream without a complete first packet", "serial", p.Serial)
		return nil
	}
	fourcc, want, ok := identify(pieces[0].Data)
	if !ok {
		d.Warn("unsupported logical stream", "serial", p.Serial, "magic", string(bytes.ToValidUTF8(pieces[0].Data[:min(8, len(pieces[0].Data))], nil)))
		return nil
	}
	s := &Stream{
		d:      d,
		serial: p.Serial,
		first:  endPosition,
	}
	s.Codec = fourcc
	s.Type = pkg.TrackAudio
	return &headerState{stream: s, want: want}
}

// collect feeds the pieces of p into the header packets. The first packet
// past the headers fixes where the audio starts.
func (d *Demuxer) collect(st *headerState, p *Page) {
	pieces := p.Pieces()
	cont := util.Conditional(p.Continued(), 1, 0)
	for k, piece := range pieces {
		if k == 0 && p.Continued() {
			if st.partial == nil {
				continue
			}
		} else {
			st.start = position{page: p.Offset, index: k - cont}
			st.partial = []byte{}
		}
		st.partial = append(st.partial, piece.Data...)
		if !piece.Complete {
			continue
		}
		pkt := st.partial
		st.partial = nil
		header := len(st.headers) < st.want || (st.want < 0 && (len(st.headers) == 0 || isHeader(st.stream.Codec, pkt)))
		if header {
			st.headers = append(st.headers, pkt)
			continue
		}
		st.stream.first = st.start
		st.done = true
		return
	}
	if p.EOS() {
		st.done = true
	}
}

func (d *Demuxer) build(ctx context.Context, st *headerState) {
	s := st.stream
	s.ID = len(d.TrackList) + 1
	s.Default = s.ID == 1
	s.Timescale = codec.OpusSampleRate
	if len(st.headers) < max(st.want, 1) {
		s.CodecErr = util.Malformed("%d of %d %s header packets", len(st.headers), st.want, s.Codec)
	} else {
		s.CodecCtx, s.CodecErr = codecCtx(s.Codec, st.headers)
	}
	if s.CodecErr == nil {
		if comments, err := readComments(s.CodecCtx, st.headers); err != nil {
			d.Warn("unreadable comments", "serial", s.serial, "error", err)
		} else {
			d.SetTag("vendor", comments.Vendor)
			tags := comments.Tags()
			s.Language, s.Name = tags["language"], tags["title"]
			for k, v := range tags {
				d.SetTag(k, v)
			}
		}
	}
	if audio, ok := s.CodecCtx.(codec.IAudioCodecCtx); ok {
		s.Timescale = uint32(audio.GetSampleRate())
	}
	s.Track.Logger = d.With("track", s.ID, "serial", s.serial)
	if s.CodecErr != nil {
		s.CodecCtx = nil
		d.Warn("track codec unavailable", "track", s.ID, "codec", s.Codec, "error", s.CodecErr)
	} else if s.first != endPosition {
		s.begin = s.findBegin(ctx)
	}
	d.streams = append(d.streams, s)
	d.TrackList = append(d.TrackList, s)
}
