package pkg

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"m7s.live/mediakit/pkg/util"
)

type (
	FragmentSample struct {
		// Timestamp is the presentation timestamp in track ticks.
		Timestamp       int64
		DecodeTimestamp int64
		Duration        int64
		Size            uint32
		Offset          int64
		Key             bool
	}

	// FragmentTrackData holds the samples of one track inside one fragment
	// or cluster, in decode order.
	FragmentTrackData struct {
		Samples                []FragmentSample
		StartTimestamp         int64
		EndTimestamp           int64
		FirstKeyFrameTimestamp int64
		HasKeyFrame            bool
		// Relative marks timestamps counted from the start of the unit. The
		// resolver offsets them once the absolute start is known.
		Relative     bool
		presentation []int
	}

	Fragment struct {
		Offset int64
		Size   int64
		Tracks map[int]*FragmentTrackData
		next   *Fragment
		final  bool
	}

	// FragmentParser reads one unit. The returned fragment may start after
	// offset when the parser skipped unrelated data; nil means end of stream.
	FragmentParser interface {
		ParseFragment(ctx context.Context, offset int64) (*Fragment, error)
	}

	// FragmentHint is a sparse, possibly imprecise, index entry.
	FragmentHint struct {
		Timestamp int64
		Offset    int64
	}

	LookupQuery struct {
		TrackID   int
		Timestamp int64
		// NotAfter ends the forward scan at the first unit of the track
		// starting later.
		NotAfter int64
		// Match reports an exact answer.
		Match func(*FragmentTrackData) bool
		// Candidate scores an approximate answer, the highest score wins.
		Candidate func(*FragmentTrackData) (int64, bool)
	}

	FragmentResolver struct {
		*slog.Logger
		parser      FragmentParser
		firstOffset int64
		sem         *semaphore.Weighted
		fragments   map[int64]*Fragment
		known       []*Fragment
		hints       map[int][]FragmentHint
		endOffset   int64
		parseCount  atomic.Int64
	}
)

func NewFragmentResolver(parser FragmentParser, firstOffset int64, logger *slog.Logger) *FragmentResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &FragmentResolver{
		Logger:      logger,
		parser:      parser,
		firstOffset: firstOffset,
		sem:         semaphore.NewWeighted(1),
		fragments:   make(map[int64]*Fragment),
		hints:       make(map[int][]FragmentHint),
		endOffset:   math.MaxInt64,
	}
}

func (td *FragmentTrackData) seal() {
	td.presentation = make([]int, len(td.Samples))
	td.StartTimestamp, td.EndTimestamp = math.MaxInt64, math.MinInt64
	td.HasKeyFrame = false
	for i, s := range td.Samples {
		td.presentation[i] = i
		td.StartTimestamp = min(td.StartTimestamp, s.Timestamp)
		td.EndTimestamp = max(td.EndTimestamp, s.Timestamp+s.Duration)
		if s.Key && (!td.HasKeyFrame || s.Timestamp < td.FirstKeyFrameTimestamp) {
			td.FirstKeyFrameTimestamp, td.HasKeyFrame = s.Timestamp, true
		}
	}
	slices.SortStableFunc(td.presentation, func(a, b int) int {
		return cmp.Compare(td.Samples[a].Timestamp, td.Samples[b].Timestamp)
	})
}

func (td *FragmentTrackData) shift(base int64) {
	for i := range td.Samples {
		td.Samples[i].Timestamp += base
		td.Samples[i].DecodeTimestamp += base
	}
	td.Relative = false
}

// LatestAtOrBefore returns the decode-order index of the sample with the
// greatest timestamp <= t, or -1.
func (td *FragmentTrackData) LatestAtOrBefore(t int64) int {
	i := sort.Search(len(td.presentation), func(i int) bool { return td.Samples[td.presentation[i]].Timestamp > t }) - 1
	if i < 0 {
		return -1
	}
	return td.presentation[i]
}

func (td *FragmentTrackData) LatestKeyAtOrBefore(t int64) int {
	i := sort.Search(len(td.presentation), func(i int) bool { return td.Samples[td.presentation[i]].Timestamp > t }) - 1
	for ; i >= 0; i-- {
		if j := td.presentation[i]; td.Samples[j].Key {
			return j
		}
	}
	return -1
}

func (td *FragmentTrackData) Contains(t int64) bool {
	return len(td.Samples) > 0 && td.StartTimestamp <= t && t < td.EndTimestamp
}

func (f *Fragment) Next() *Fragment {
	return f.next
}

// SetHints installs the sparse lookup table for a track.
func (r *FragmentResolver) SetHints(trackID int, hints []FragmentHint) {
	hints = slices.Clone(hints)
	slices.SortStableFunc(hints, func(a, b FragmentHint) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	r.hints[trackID] = hints
}

// ParseCount is how many units were parsed so far.
func (r *FragmentResolver) ParseCount() int64 {
	return r.parseCount.Load()
}

func (r *FragmentResolver) acquire(ctx context.Context) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", util.ErrCanceled, err)
	}
	return nil
}

// finalize fixes relative timestamps using the closest earlier unit of the
// same track, or the hint that led to this unit.
func (r *FragmentResolver) finalize(f *Fragment, hint *FragmentHint) {
	for id, td := range f.Tracks {
		if td.Relative {
			base := int64(0)
			if prev := r.previousWith(f, id); prev != nil {
				base = prev.Tracks[id].EndTimestamp
			} else if hint != nil {
				base = hint.Timestamp
			}
			td.shift(base)
		}
		td.seal()
	}
	f.final = true
}

func (r *FragmentResolver) previousWith(f *Fragment, id int) *Fragment {
	i := sort.Search(len(r.known), func(i int) bool { return r.known[i].Offset >= f.Offset })
	for i--; i >= 0; i-- {
		if td := r.known[i].Tracks[id]; td != nil && r.known[i].final {
			return r.known[i]
		}
	}
	return nil
}

func (r *FragmentResolver) fragmentAt(ctx context.Context, offset int64, prev *Fragment, hint *FragmentHint) (f *Fragment, err error) {
	defer func() {
		if f != nil && prev != nil && prev.next == nil && prev != f {
			prev.next = f
		}
	}()
	if f = r.fragments[offset]; f != nil || offset >= r.endOffset {
		return
	}
	if f, err = r.parser.ParseFragment(ctx, offset); err != nil || f == nil {
		if err == nil {
			r.endOffset = offset
		}
		return
	}
	r.parseCount.Add(1)
	if known := r.fragments[f.Offset]; known != nil {
		r.fragments[offset] = known
		return known, nil
	}
	if f.Size <= 0 {
		return nil, fmt.Errorf("%w: empty unit at %d", util.ErrMalformedStream, f.Offset)
	}
	r.fragments[offset], r.fragments[f.Offset] = f, f
	i := sort.Search(len(r.known), func(i int) bool { return r.known[i].Offset > f.Offset })
	r.known = slices.Insert(r.known, i, f)
	r.finalize(f, hint)
	r.Log(ctx, TraceLevel, "parsed unit", "offset", f.Offset, "size", f.Size, "tracks", len(f.Tracks))
	return
}

// Lookup finds the unit answering q, loading as few units as possible.
func (r *FragmentResolver) Lookup(ctx context.Context, q LookupQuery) (*Fragment, *FragmentTrackData, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer r.sem.Release(1)
	if q.Match != nil {
		for _, f := range r.known {
			if td := f.Tracks[q.TrackID]; td != nil && q.Match(td) {
				return f, td, nil
			}
		}
	}
	hints := r.hints[q.TrackID]
	h := sort.Search(len(hints), func(i int) bool { return hints[i].Timestamp > q.Timestamp }) - 1
	for {
		var hint *FragmentHint
		start := r.firstOffset
		if h >= 0 {
			hint = &hints[h]
			start = hint.Offset
		}
		f, td, exact, err := r.scan(ctx, start, hint, q)
		if err == nil && !exact && f == nil && h >= 0 {
			err = fmt.Errorf("%w: hint %d at %d", util.ErrLookupInconsistent, h, start)
		}
		if !errors.Is(err, util.ErrLookupInconsistent) {
			return f, td, err
		}
		r.Debug("hint after answer, retrying", "track", q.TrackID, "error", err, "timestamp", q.Timestamp)
		h--
	}
}

func (r *FragmentResolver) scan(ctx context.Context, offset int64, hint *FragmentHint, q LookupQuery) (best *Fragment, bestTD *FragmentTrackData, exact bool, err error) {
	var prev *Fragment
	if i := sort.Search(len(r.known), func(i int) bool { return r.known[i].Offset >= offset }); i > 0 {
		if p := r.known[i-1]; p.Offset+p.Size == offset {
			prev = p
		}
	}
	bestScore := int64(math.MinInt64)
	for {
		var f *Fragment
		if f, err = r.fragmentAt(ctx, offset, prev, hint); err != nil || f == nil {
			return
		}
		hint = nil
		if td := f.Tracks[q.TrackID]; td != nil && len(td.Samples) > 0 {
			if td.StartTimestamp > q.NotAfter {
				return
			}
			if q.Match != nil && q.Match(td) {
				return f, td, true, nil
			}
			if q.Candidate != nil {
				if score, ok := q.Candidate(td); ok && (best == nil || score >= bestScore) {
					best, bestTD, bestScore = f, td, score
				}
			}
		}
		prev, offset = f, f.Offset+f.Size
	}
}

// First returns the first unit of the stream.
func (r *FragmentResolver) First(ctx context.Context) (*Fragment, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	return r.fragmentAt(ctx, r.firstOffset, nil, nil)
}

// Next returns the unit following f, nil at the end of the stream.
func (r *FragmentResolver) Next(ctx context.Context, f *Fragment) (*Fragment, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	if f.next != nil {
		return f.next, nil
	}
	return r.fragmentAt(ctx, f.Offset+f.Size, f, nil)
}

// At returns the unit starting at offset.
func (r *FragmentResolver) At(ctx context.Context, offset int64) (*Fragment, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	return r.fragmentAt(ctx, offset, nil, nil)
}
