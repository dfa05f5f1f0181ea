package mkv

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/util"
	"m7s.live/mediakit/plugin/mkv/pkg/ebml"
)

// scanWindow bounds each read while searching for the next cluster.
const scanWindow = 1 << 20

type (
	clusterTrack struct {
		id int
		// defaultDuration in nanoseconds, 0 when absent.
		defaultDuration int64
	}

	pendingBlock struct {
		ts       int64
		duration int64
		key      bool
		frames   []Frame
	}

	// clusterParser reads one Cluster per call. Timestamps come out in
	// nanoseconds.
	clusterParser struct {
		*slog.Logger
		cache  *pkg.RangeCache
		segEnd int64
		scale  int64
		tracks map[uint64]*clusterTrack
	}
)

var resyncCandidates = []ebml.ID{ebml.IDCluster, ebml.IDCues, ebml.IDTags, ebml.IDChapters, ebml.IDAttachments, ebml.IDSeekHead, ebml.IDInfo, ebml.IDTracks}

func knownInSegment(id ebml.ID) bool {
	switch id {
	case ebml.IDTimestamp, ebml.IDPosition, ebml.IDPrevSize, ebml.IDSimpleBlock, ebml.IDBlockGroup, ebml.IDCuePoint, ebml.IDTag, ebml.IDSeek:
		return true
	}
	return ebml.IsTopLevel(id)
}

func readHeader(ctx context.Context, cache *pkg.RangeCache, pos, end int64) (h ebml.Header, err error) {
	c, err := cache.Cursor(ctx, pos, min(pos+ebml.HeaderMaxLen, end))
	if err != nil {
		return
	}
	return ebml.ReadHeader(c)
}

// resync looks for the next plausible top-level element after from, -1
// when there is none before end.
func resync(ctx context.Context, cache *pkg.RangeCache, logger *slog.Logger, from, end int64) (int64, error) {
	for start := from + 1; start < end; {
		stop := min(start+scanWindow, end)
		c, err := cache.Cursor(ctx, start, stop)
		if err != nil {
			return -1, err
		}
		if at, found := ebml.ScanForNextSiblingID(c, resyncCandidates, knownInSegment); found {
			logger.Warn("resynchronised", "from", from, "to", at)
			return at, nil
		}
		if stop == end {
			break
		}
		// an id may straddle the window boundary
		start = stop - 3
	}
	logger.Warn("no element found after corrupt data", "from", from)
	return -1, nil
}

func (p *clusterParser) ParseFragment(ctx context.Context, offset int64) (*pkg.Fragment, error) {
	for pos := offset; pos < p.segEnd; {
		h, err := readHeader(ctx, p.cache, pos, p.segEnd)
		if err != nil && !util.IsMalformed(err) {
			return nil, err
		}
		if err != nil || !ebml.IsTopLevel(h.ID) || (h.Unknown() && h.ID != ebml.IDCluster) {
			if pos, err = resync(ctx, p.cache, p.Logger, pos, p.segEnd); err != nil || pos < 0 {
				return nil, err
			}
			continue
		}
		if h.ID == ebml.IDCluster {
			return p.parseCluster(ctx, &h)
		}
		pos = h.End()
	}
	return nil, nil
}

func (p *clusterParser) parseCluster(ctx context.Context, h *ebml.Header) (*pkg.Fragment, error) {
	end := p.segEnd
	if !h.Unknown() {
		end = min(h.End(), p.segEnd)
	}
	var (
		clusterTS int64
		hasTS     bool
		blocks    = make(map[*clusterTrack][]*pendingBlock)
	)
	add := func(b *Block, key bool, duration int64) {
		t := p.tracks[b.Track]
		if t == nil {
			return
		}
		blocks[t] = append(blocks[t], &pendingBlock{
			ts:       (clusterTS + int64(b.Timestamp)) * p.scale,
			duration: util.Conditional(duration >= 0, duration*p.scale, -1),
			key:      key,
			frames:   b.Frames,
		})
	}
	pos := h.BodyOffset()
	for pos < end {
		ch, err := readHeader(ctx, p.cache, pos, end)
		if err != nil {
			if !util.IsMalformed(err) {
				return nil, err
			}
			p.Warn("corrupt cluster child", "cluster", h.Offset, "at", pos, "error", err)
			break
		}
		if h.Unknown() && ebml.IsTopLevel(ch.ID) && ch.ID != ebml.IDVoid && ch.ID != ebml.IDCRC32 {
			break
		}
		if ch.Unknown() || ch.End() > end {
			p.Warn("cluster child overruns", "cluster", h.Offset, "child", ch.String())
			break
		}
		switch ch.ID {
		case ebml.IDTimestamp, ebml.IDSimpleBlock, ebml.IDBlockGroup:
			body, err := p.cache.Cursor(ctx, ch.BodyOffset(), ch.End())
			if err != nil {
				return nil, err
			}
			switch ch.ID {
			case ebml.IDTimestamp:
				v, err := ebml.Uint(body)
				if err != nil {
					return nil, err
				}
				clusterTS, hasTS = int64(v), true
			case ebml.IDSimpleBlock:
				b, err := ParseBlock(body)
				if err != nil {
					p.Warn("skipping block", "at", ch.Offset, "error", err)
					break
				}
				add(&b, b.Key(), -1)
			case ebml.IDBlockGroup:
				if err = p.parseBlockGroup(body, add); err != nil {
					p.Warn("skipping block group", "at", ch.Offset, "error", err)
				}
			}
		}
		pos = ch.End()
	}
	f := &pkg.Fragment{
		Offset: h.Offset,
		Size:   util.Conditional(h.Unknown(), pos, end) - h.Offset,
		Tracks: make(map[int]*pkg.FragmentTrackData),
	}
	for t, list := range blocks {
		f.Tracks[t.id] = &pkg.FragmentTrackData{Samples: t.samples(list), Relative: !hasTS}
	}
	return f, nil
}

func (p *clusterParser) parseBlockGroup(c *util.ByteCursor, add func(*Block, bool, int64)) error {
	var (
		block    *Block
		duration int64 = -1
		ref      bool
	)
	err := ebml.Traverse(c, func(h *ebml.Header, body *util.ByteCursor) error {
		switch h.ID {
		case ebml.IDBlock:
			b, err := ParseBlock(body)
			if err != nil {
				return err
			}
			block = &b
		case ebml.IDBlockDuration:
			v, err := ebml.Uint(body)
			if err != nil {
				return err
			}
			duration = int64(v)
		case ebml.IDReferenceBlock:
			ref = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if block == nil {
		return util.Malformed("block group without a block")
	}
	add(block, !ref, duration)
	return nil
}

// samples expands the blocks of one track, given in decode order. Blocks
// without a duration last until the next block in presentation order.
func (t *clusterTrack) samples(blocks []*pendingBlock) (out []pkg.FragmentSample) {
	order := make([]int, len(blocks))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(blocks[a].ts, blocks[b].ts) })
	for k, i := range order {
		b := blocks[i]
		switch {
		case b.duration >= 0:
		case k+1 < len(order):
			b.duration = blocks[order[k+1]].ts - b.ts
		case t.defaultDuration > 0:
			b.duration = t.defaultDuration * int64(len(b.frames))
		case k > 0:
			b.duration = blocks[order[k-1]].duration
		default:
			b.duration = 0
		}
	}
	for _, b := range blocks {
		n := int64(len(b.frames))
		frame := b.duration / n
		if n > 1 && t.defaultDuration > 0 {
			frame = t.defaultDuration
		}
		for k, fr := range b.frames {
			d := frame
			if last := int64(k) == n-1; last && n > 1 {
				if rest := b.duration - (n-1)*frame; rest > 0 {
					d = rest
				}
			}
			out = append(out, pkg.FragmentSample{
				Timestamp: b.ts + int64(k)*frame,
				Duration:  d,
				Size:      fr.Size,
				Offset:    fr.Offset,
				Key:       b.key,
			})
		}
	}
	// decode times are the presentation times in increasing order
	pts := make([]int64, len(out))
	for i := range out {
		pts[i] = out[i].Timestamp
	}
	slices.Sort(pts)
	for i := range out {
		out[i].DecodeTimestamp = pts[i]
	}
	return
}
