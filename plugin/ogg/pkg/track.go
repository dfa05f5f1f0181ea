package ogg

import (
	"context"
	"slices"
	"sync"
	"time"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/util"
)

// maxBeginPackets bounds the walk looking for the first granule position.
const maxBeginPackets = 4096

type (
	// position names a packet by the page it starts on and its index among
	// the packets starting there.
	position struct {
		page  int64
		index int
	}

	// cursor is a packet position with its start time. prev is the Vorbis
	// block size of the packet before, 0 before the first packet and -1
	// when unknown.
	cursor struct {
		pos  position
		ts   int64
		prev int
	}

	packetRead struct {
		data    []byte
		start   position
		next    position
		samples int64
		block   int
		// endPage is the page the packet completes on.
		endPage    *Page
		lastOnPage bool
	}

	// Stream is one logical bitstream. Packet timestamps are sums of packet
	// durations counted from a granule position: the start of the stream or
	// an anchor page found by bisection. Granule positions of the pages in
	// between are not trusted, so a missing or damaged one only costs a
	// longer forward scan.
	Stream struct {
		pkg.Track
		d      *Demuxer
		serial uint32
		first  position
		begin  int64

		mu       sync.Mutex
		end      int64
		endKnown bool
	}
)

var endPosition = position{page: -1}

func (s *Stream) start() cursor {
	return cursor{pos: s.first, ts: s.begin}
}

// nextPage returns the next page of the stream after p.
func (s *Stream) nextPage(ctx context.Context, p *Page) (n *Page, err error) {
	if p.EOS() {
		return nil, nil
	}
	for n = p; ; {
		if n, err = s.d.next(ctx, n); err != nil || n == nil {
			return
		}
		if n.Serial == s.serial {
			return
		}
	}
}

// startAfter is the position of the first packet starting at or after
// piece k of p.
func (s *Stream) startAfter(ctx context.Context, p *Page, k int) (position, error) {
	if k < len(p.Pieces()) {
		return position{page: p.Offset, index: k - util.Conditional(p.Continued(), 1, 0)}, nil
	}
	for {
		n, err := s.nextPage(ctx, p)
		if err != nil || n == nil {
			return endPosition, err
		}
		if n.Starts() > 0 {
			return position{page: n.Offset}, nil
		}
		p = n
	}
}

// read assembles the packet at c across as many pages as it spans. A
// packet cut off by the end of the stream reads as nil.
func (s *Stream) read(ctx context.Context, c cursor) (r *packetRead, err error) {
	p, err := s.d.page(ctx, c.pos.page)
	if err != nil {
		return
	}
	if p.Serial != s.serial {
		return nil, util.Malformed("page at %d belongs to stream %08x", p.Offset, p.Serial)
	}
	pieces := p.Pieces()
	k := c.pos.index + util.Conditional(p.Continued(), 1, 0)
	if k >= len(pieces) {
		return nil, util.Malformed("no packet %d on page at %d", c.pos.index, p.Offset)
	}
	r = &packetRead{start: c.pos, data: pieces[k].Data}
	for !pieces[k].Complete {
		if p, err = s.nextPage(ctx, p); err != nil || p == nil {
			return nil, err
		}
		if !p.Continued() {
			return nil, util.Malformed("packet from page %d not continued on page at %d", c.pos.page, p.Offset)
		}
		if pieces, k = p.Pieces(), 0; len(pieces) == 0 {
			pieces = []Piece{{}}
			continue
		}
		r.data = slices.Concat(r.data, pieces[0].Data)
	}
	r.endPage, r.lastOnPage = p, k == p.LastComplete()
	if r.next, err = s.startAfter(ctx, p, k+1); err != nil {
		return nil, err
	}
	if s.CodecCtx != nil {
		if r.samples, r.block, err = packetSamples(s.CodecCtx, r.data, c.prev); err != nil {
			s.Debug("packet duration unknown", "page", c.pos.page, "index", c.pos.index, "error", err)
			r.samples, r.block, err = 0, max(c.prev, 0), nil
		}
	}
	// the last page may end the stream before its last packet does
	if p.EOS() && r.lastOnPage && p.Granule != NoGranule && p.Granule >= c.ts {
		r.samples = min(r.samples, p.Granule-c.ts)
	}
	return
}

func (s *Stream) packet(r *packetRead, c cursor, opts pkg.PacketOptions) *pkg.Packet {
	ts := util.TicksToDuration(c.ts, s.Timescale)
	p := &pkg.Packet{
		Type:           pkg.PacketKey,
		Timestamp:      ts,
		Duration:       util.TicksToDuration(c.ts+r.samples, s.Timescale) - ts,
		SequenceNumber: r.start.page<<8 | int64(r.start.index),
		ByteSize:       len(r.data),
		Origin:         pkg.FragmentOrigin(r.start.page, r.start.index),
	}
	if !opts.MetadataOnly {
		p.Data = r.data
	}
	return p
}

func (s *Stream) advance(c cursor, r *packetRead) cursor {
	return cursor{pos: r.next, ts: c.ts + r.samples, prev: r.block}
}

// findBegin derives the start time from the first page with a granule
// position, which counts the samples of every packet completed so far.
func (s *Stream) findBegin(ctx context.Context) int64 {
	c := cursor{pos: s.first}
	for range maxBeginPackets {
		r, err := s.read(ctx, c)
		if err != nil || r == nil {
			s.Warn("no granule position found, starting at 0", "error", err)
			return 0
		}
		c = s.advance(c, r)
		if r.lastOnPage && r.endPage.Granule != NoGranule {
			if r.endPage.EOS() {
				// a single page stream may be trimmed at the end
				return 0
			}
			return r.endPage.Granule - c.ts
		}
		if r.next == endPosition {
			break
		}
	}
	s.Warn("no granule position found, starting at 0")
	return 0
}

// anchor finds the first page of the stream in [from,limit) that has a
// granule position and returns a cursor at the packet after the last one
// completed there.
func (s *Stream) anchor(ctx context.Context, from, limit int64) (c cursor, pageEnd int64, ok bool, err error) {
	p, err := s.d.capture(ctx, from, limit)
	for ; err == nil && p != nil && p.Offset < limit; p, err = s.d.next(ctx, p) {
		// header pages carry no timing
		if p.Serial != s.serial || p.Granule == NoGranule || p.Offset < s.first.page {
			continue
		}
		k := p.LastComplete()
		if k < 0 {
			continue
		}
		c = cursor{ts: p.Granule, prev: -1}
		if c.pos, err = s.startAfter(ctx, p, k+1); err != nil || c.pos == endPosition {
			return
		}
		if c.pos == s.first {
			return s.start(), p.End(), true, nil
		}
		if pieces := p.Pieces(); k > 0 || !p.Continued() {
			if _, c.prev, err = packetSamples(s.CodecCtx, pieces[k].Data, -1); err != nil {
				c.prev, err = -1, nil
			}
		}
		return c, p.End(), true, nil
	}
	return
}

// seek returns a cursor at or before the packet holding target.
func (s *Stream) seek(ctx context.Context, target int64) (cursor, error) {
	lo := s.start()
	from, hi := s.first.page, s.d.size
	for hi-from > s.d.scanThreshold {
		mid := from + (hi-from)/2
		c, end, ok, err := s.anchor(ctx, mid, hi)
		if err != nil {
			return lo, err
		}
		// an anchor behind the one we hold is damaged
		if !ok || c.ts > target || c.ts < lo.ts {
			hi = mid
			continue
		}
		lo, from = c, end
	}
	return lo, nil
}

func (s *Stream) FirstPacket(ctx context.Context, opts pkg.PacketOptions) (*pkg.Packet, error) {
	if s.first == endPosition || s.CodecCtx == nil {
		return nil, nil
	}
	c := s.start()
	r, err := s.read(ctx, c)
	if err != nil || r == nil {
		return nil, err
	}
	return s.packet(r, c, opts), nil
}

func (s *Stream) GetPacket(ctx context.Context, ts time.Duration, opts pkg.PacketOptions) (*pkg.Packet, error) {
	target := util.DurationToTicks(ts, s.Timescale)
	if s.first == endPosition || s.CodecCtx == nil || target < s.begin {
		return nil, nil
	}
	c, err := s.seek(ctx, target)
	if err != nil {
		return nil, err
	}
	var last *pkg.Packet
	for {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		r, err := s.read(ctx, c)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return last, nil
		}
		last = s.packet(r, c, opts)
		if r.next == endPosition || c.ts+r.samples > target {
			return last, nil
		}
		c = s.advance(c, r)
	}
}

// GetKeyPacket is GetPacket: every audio packet decodes on its own.
func (s *Stream) GetKeyPacket(ctx context.Context, ts time.Duration, opts pkg.PacketOptions) (*pkg.Packet, error) {
	return s.GetPacket(ctx, ts, opts)
}

func (s *Stream) NextPacket(ctx context.Context, p *pkg.Packet, opts pkg.PacketOptions) (*pkg.Packet, error) {
	if s.CodecCtx == nil {
		return nil, nil
	}
	at := cursor{pos: position{page: p.Origin.FragmentOffset, index: p.Origin.LocalIndex}, ts: util.DurationToTicks(p.Timestamp, s.Timescale), prev: -1}
	r, err := s.read(ctx, at)
	if err != nil || r == nil || r.next == endPosition {
		return nil, err
	}
	c := cursor{pos: r.next, ts: util.DurationToTicks(p.End(), s.Timescale), prev: r.block}
	if r, err = s.read(ctx, c); err != nil || r == nil {
		return nil, err
	}
	return s.packet(r, c, opts), nil
}

func (s *Stream) NextKeyPacket(ctx context.Context, p *pkg.Packet, opts pkg.PacketOptions) (*pkg.Packet, error) {
	return s.NextPacket(ctx, p, opts)
}

// Duration is the end time given by the last granule position of the
// stream.
func (s *Stream) Duration(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endKnown {
		end, err := s.lastGranule(ctx)
		if err != nil {
			return 0, err
		}
		s.end, s.endKnown = end, true
	}
	return util.TicksToDuration(s.end, s.Timescale), nil
}

// lastGranule reads pages backwards from the end of the file in growing
// windows.
func (s *Stream) lastGranule(ctx context.Context) (int64, error) {
	if s.first == endPosition {
		return s.begin, nil
	}
	for window := int64(captureWindow); ; window *= 2 {
		from := max(s.d.size-window, s.first.page)
		last := NoGranule
		p, err := s.d.capture(ctx, from, s.d.size)
		for ; err == nil && p != nil; p, err = s.d.next(ctx, p) {
			if p.Serial == s.serial && p.Granule != NoGranule {
				last = p.Granule
			}
		}
		if err != nil {
			return 0, err
		}
		if last != NoGranule {
			return last, nil
		}
		if from == s.first.page {
			return s.begin, nil
		}
	}
}
