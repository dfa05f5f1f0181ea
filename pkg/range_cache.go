package pkg

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/simplelru"
	"golang.org/x/sync/singleflight"

	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
)

type (
	cacheSegment struct {
		start, end int64
		data       []byte
	}

	loadFlight struct {
		span util.Range[int64]
		done chan struct{}
	}

	CacheStats struct {
		CachedBytes int64
		Segments    int
		SourceReads int64
		SourceBytes int64
	}

	// RangeCache keeps a bounded set of byte ranges of a Source in memory.
	// Segments are sorted by start and never overlap. Views handed out stay
	// valid after eviction because segment buffers are never written again.
	RangeCache struct {
		*slog.Logger
		source      Source
		maxBytes    int64
		minReadSize int64
		group       singleflight.Group

		mu        sync.Mutex
		size      int64
		segments  []*cacheSegment
		recency   *simplelru.LRU
		inflight  map[string]*loadFlight
		cached    int64
		reads     int64
		readBytes int64
	}
)

func NewRangeCache(source Source, conf config.Cache, logger *slog.Logger) *RangeCache {
	recency, _ := simplelru.NewLRU(math.MaxInt32, nil)
	if logger == nil {
		logger = slog.Default()
	}
	return &RangeCache{
		Logger:      logger,
		source:      source,
		maxBytes:    conf.MaxBytes,
		minReadSize: max(conf.MinReadSize, 1),
		size:        -1,
		recency:     recency,
		inflight:    make(map[string]*loadFlight),
	}
}

func (c *RangeCache) Size(ctx context.Context) (size int64, err error) {
	c.mu.Lock()
	size = c.size
	c.mu.Unlock()
	if size >= 0 {
		return
	}
	if size, err = c.source.Size(ctx); err != nil {
		return
	}
	c.mu.Lock()
	c.size = size
	c.mu.Unlock()
	return
}

// find returns the index of the segment containing pos, or -1.
func (c *RangeCache) find(pos int64) int {
	i := sort.Search(len(c.segments), func(i int) bool { return c.segments[i].end > pos })
	if i < len(c.segments) && c.segments[i].start <= pos {
		return i
	}
	return -1
}

func (c *RangeCache) covering(start, end int64) *cacheSegment {
	if end <= start {
		end = start + 1
	}
	if i := c.find(start); i >= 0 && c.segments[i].end >= end {
		return c.segments[i]
	}
	return nil
}

func (c *RangeCache) clamp(start, end int64) (int64, int64) {
	start = max(start, 0)
	end = min(end, c.size)
	if end < start {
		end = start
	}
	return start, end
}

func (c *RangeCache) align(start, end int64) util.Range[int64] {
	s := start / c.minReadSize * c.minReadSize
	e := (end + c.minReadSize - 1) / c.minReadSize * c.minReadSize
	return util.Range[int64]{s, min(e, c.size)}
}

func (c *RangeCache) RangeIsLoaded(start, end int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size >= 0 {
		start, end = c.clamp(start, end)
		if start == end {
			return true
		}
	}
	return c.covering(start, end) != nil
}

// LoadRange makes [start,end) resident. Concurrent loads of the same block
// span share one source read, loads overlapping a pending one wait for it.
func (c *RangeCache) LoadRange(ctx context.Context, start, end int64) (err error) {
	if _, err = c.Size(ctx); err != nil {
		return
	}
	for {
		c.mu.Lock()
		start, end = c.clamp(start, end)
		if start == end {
			c.mu.Unlock()
			return
		}
		if seg := c.covering(start, end); seg != nil {
			c.recency.Get(seg)
			c.mu.Unlock()
			return
		}
		span := c.align(start, end)
		key := span.String()
		if _, ok := c.inflight[key]; !ok {
			if other := c.overlapping(span); other != nil {
				c.mu.Unlock()
				select {
				case <-other.done:
					continue
				case <-ctx.Done():
					return fmt.Errorf("%w: %w", util.ErrCanceled, context.Cause(ctx))
				}
			}
			c.inflight[key] = &loadFlight{span: span, done: make(chan struct{})}
		}
		c.mu.Unlock()
		ch := c.group.DoChan(key, func() (any, error) {
			return nil, c.fetch(context.WithoutCancel(ctx), key, span)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return res.Err
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", util.ErrCanceled, context.Cause(ctx))
		}
	}
}

func (c *RangeCache) overlapping(span util.Range[int64]) *loadFlight {
	for _, f := range c.inflight {
		if f.span.Overlaps(span) {
			return f
		}
	}
	return nil
}

// fetch fills span, reading from the source only the gaps not already resident.
func (c *RangeCache) fetch(ctx context.Context, key string, span util.Range[int64]) (err error) {
	c.mu.Lock()
	f := c.inflight[key]
	if c.covering(span[0], span[1]) != nil {
		c.finish(key, f)
		c.mu.Unlock()
		return
	}
	buf := make([]byte, span.Size())
	var gaps []util.Range[int64]
	pos := span[0]
	for _, seg := range c.segments {
		if seg.end <= pos || seg.start >= span[1] {
			continue
		}
		if seg.start > pos {
			gaps = append(gaps, util.Range[int64]{pos, seg.start})
		}
		from, to := max(seg.start, pos), min(seg.end, span[1])
		copy(buf[from-span[0]:], seg.data[from-seg.start:to-seg.start])
		pos = to
	}
	if pos < span[1] {
		gaps = append(gaps, util.Range[int64]{pos, span[1]})
	}
	c.mu.Unlock()

	for _, gap := range gaps {
		var data []byte
		if data, err = c.source.Read(ctx, gap[0], gap[1]); err == nil && int64(len(data)) < gap.Size() {
			err = fmt.Errorf("%w: short read %d of %d bytes at %d", util.ErrMalformedStream, len(data), gap.Size(), gap[0])
		}
		c.mu.Lock()
		c.reads++
		c.readBytes += int64(len(data))
		c.mu.Unlock()
		if err != nil {
			c.mu.Lock()
			c.finish(key, f)
			c.mu.Unlock()
			return
		}
		copy(buf[gap[0]-span[0]:], data)
		c.Debug("source read", "start", gap[0], "size", humanize.IBytes(uint64(gap.Size())))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(&cacheSegment{start: span[0], end: span[1], data: buf})
	c.finish(key, f)
	return
}

func (c *RangeCache) finish(key string, f *loadFlight) {
	if f != nil && c.inflight[key] == f {
		delete(c.inflight, key)
		close(f.done)
	}
}

// insert absorbs covered segments, trims partially overlapped ones and then
// evicts least recently used segments other than the new one.
func (c *RangeCache) insert(seg *cacheSegment) {
	if c.covering(seg.start, seg.end) != nil {
		return
	}
	kept := c.segments[:0:0]
	for _, s := range c.segments {
		switch {
		case s.end <= seg.start || s.start >= seg.end:
			kept = append(kept, s)
		case s.start >= seg.start && s.end <= seg.end:
			c.drop(s)
		case s.start < seg.start:
			c.cached -= s.end - seg.start
			s.data = s.data[: seg.start-s.start : seg.start-s.start]
			s.end = seg.start
			kept = append(kept, s)
		default:
			c.cached -= seg.end - s.start
			s.data = s.data[seg.end-s.start:]
			s.start = seg.end
			kept = append(kept, s)
		}
	}
	i := sort.Search(len(kept), func(i int) bool { return kept[i].start >= seg.end })
	kept = append(kept, nil)
	copy(kept[i+1:], kept[i:])
	kept[i] = seg
	c.segments = kept
	c.cached += seg.end - seg.start
	c.recency.Add(seg, nil)
	if c.maxBytes <= 0 {
		return
	}
	for _, k := range c.recency.Keys() {
		if c.cached <= c.maxBytes {
			break
		}
		if old := k.(*cacheSegment); old != seg {
			c.drop(old)
			c.segments = removeSegment(c.segments, old)
			c.Debug("evict", "start", old.start, "size", humanize.IBytes(uint64(old.end-old.start)))
		}
	}
}

func (c *RangeCache) drop(s *cacheSegment) {
	c.recency.Remove(s)
	c.cached -= s.end - s.start
}

func removeSegment(segments []*cacheSegment, s *cacheSegment) []*cacheSegment {
	for i, x := range segments {
		if x == s {
			return append(segments[:i], segments[i+1:]...)
		}
	}
	return segments
}

// View returns resident bytes without copying.
func (c *RangeCache) View(start, end int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size >= 0 {
		start, end = c.clamp(start, end)
	}
	if start == end {
		return nil, nil
	}
	seg := c.covering(start, end)
	if seg == nil {
		return nil, fmt.Errorf("%w: [%d,%d)", util.ErrNotLoaded, start, end)
	}
	c.recency.Get(seg)
	return seg.data[start-seg.start : end-seg.start : end-seg.start], nil
}

// Read loads and views [start,end). The result is shorter only at the end of
// the source.
func (c *RangeCache) Read(ctx context.Context, start, end int64) (data []byte, err error) {
	for {
		if err = c.LoadRange(ctx, start, end); err != nil {
			return
		}
		if data, err = c.View(start, end); err == nil {
			return
		}
	}
}

func (c *RangeCache) Cursor(ctx context.Context, start, end int64) (*util.ByteCursor, error) {
	data, err := c.Read(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return util.NewByteCursor(data, start), nil
}

// Forget releases the resident segments lying entirely inside [start,end).
func (c *RangeCache) Forget(start, end int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.segments[:0]
	for _, s := range c.segments {
		if s.start >= start && s.end <= end {
			c.drop(s)
			continue
		}
		kept = append(kept, s)
	}
	clear(c.segments[len(kept):])
	c.segments = kept
}

func (c *RangeCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		CachedBytes: c.cached,
		Segments:    len(c.segments),
		SourceReads: c.reads,
		SourceBytes: c.readBytes,
	}
}

func (s CacheStats) String() string {
	return fmt.Sprintf("%s in %d segments, %d reads (%s)", humanize.IBytes(uint64(s.CachedBytes)), s.Segments, s.SourceReads, humanize.IBytes(uint64(s.SourceBytes)))
}
