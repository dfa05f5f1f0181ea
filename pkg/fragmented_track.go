package pkg

import (
	"context"
	"fmt"
	"math"
	"time"

	"m7s.live/mediakit/pkg/util"
)

// FragmentedTrack serves packets of a track whose samples are spread over
// lazily discovered fragments or clusters.
type FragmentedTrack struct {
	Track
	Resolver *FragmentResolver
	Cache    *RangeCache
	// KnownDuration is returned by Duration when the container declares it.
	KnownDuration time.Duration
}

func (t *FragmentedTrack) packet(ctx context.Context, f *Fragment, td *FragmentTrackData, i int, opts PacketOptions) (p *Packet, err error) {
	if f == nil || i < 0 || i >= len(td.Samples) {
		return nil, nil
	}
	s := &td.Samples[i]
	ts := util.TicksToDuration(s.Timestamp, t.Timescale)
	p = &Packet{
		Type:           util.Conditional(s.Key, PacketKey, PacketDelta),
		Timestamp:      ts,
		Duration:       util.TicksToDuration(s.Timestamp+s.Duration, t.Timescale) - ts,
		SequenceNumber: f.Offset + int64(i),
		ByteSize:       int(s.Size),
		Origin:         FragmentOrigin(f.Offset, i),
	}
	if opts.MetadataOnly {
		return
	}
	if p.Data, err = t.Cache.Read(ctx, s.Offset, s.Offset+int64(s.Size)); err != nil {
		return nil, err
	}
	if len(p.Data) < int(s.Size) {
		return nil, fmt.Errorf("%w: sample truncated at %d", util.ErrMalformedStream, s.Offset)
	}
	return
}

// firstFrom returns the first unit at or after f holding samples of the track.
func (t *FragmentedTrack) firstFrom(ctx context.Context, f *Fragment, keyOnly bool) (_ *Fragment, _ *FragmentTrackData, err error) {
	for f != nil {
		if td := f.Tracks[t.ID]; td != nil && len(td.Samples) > 0 && (!keyOnly || td.HasKeyFrame) {
			return f, td, nil
		}
		if f, err = t.Resolver.Next(ctx, f); err != nil {
			return
		}
	}
	return
}

func (t *FragmentedTrack) FirstPacket(ctx context.Context, opts PacketOptions) (*Packet, error) {
	f, err := t.Resolver.First(ctx)
	if err != nil {
		return nil, err
	}
	f, td, err := t.firstFrom(ctx, f, false)
	if err != nil || f == nil {
		return nil, err
	}
	return t.packet(ctx, f, td, 0, opts)
}

func (t *FragmentedTrack) GetPacket(ctx context.Context, ts time.Duration, opts PacketOptions) (*Packet, error) {
	tick := util.DurationToTicks(ts, t.Timescale)
	f, td, err := t.Resolver.Lookup(ctx, LookupQuery{
		TrackID:   t.ID,
		Timestamp: tick,
		NotAfter:  tick,
		Match:     func(td *FragmentTrackData) bool { return td.Contains(tick) },
		Candidate: func(td *FragmentTrackData) (int64, bool) {
			if i := td.LatestAtOrBefore(tick); i >= 0 {
				return td.Samples[i].Timestamp, true
			}
			return 0, false
		},
	})
	if err != nil || f == nil {
		return nil, err
	}
	return t.packet(ctx, f, td, td.LatestAtOrBefore(tick), opts)
}

func (t *FragmentedTrack) GetKeyPacket(ctx context.Context, ts time.Duration, opts PacketOptions) (*Packet, error) {
	tick := util.DurationToTicks(ts, t.Timescale)
	f, td, err := t.Resolver.Lookup(ctx, LookupQuery{
		TrackID:   t.ID,
		Timestamp: tick,
		NotAfter:  tick,
		Match: func(td *FragmentTrackData) bool {
			return td.Contains(tick) && td.LatestKeyAtOrBefore(tick) >= 0
		},
		Candidate: func(td *FragmentTrackData) (int64, bool) {
			if i := td.LatestKeyAtOrBefore(tick); i >= 0 {
				return td.Samples[i].Timestamp, true
			}
			return 0, false
		},
	})
	if err != nil || f == nil {
		return nil, err
	}
	return t.packet(ctx, f, td, td.LatestKeyAtOrBefore(tick), opts)
}

func (t *FragmentedTrack) locate(ctx context.Context, p *Packet) (*Fragment, *FragmentTrackData, error) {
	f, err := t.Resolver.At(ctx, p.Origin.FragmentOffset)
	if err != nil {
		return nil, nil, err
	}
	if f == nil || f.Tracks[t.ID] == nil {
		return nil, nil, fmt.Errorf("%w: no unit at %d for track %d", util.ErrMalformedStream, p.Origin.FragmentOffset, t.ID)
	}
	return f, f.Tracks[t.ID], nil
}

func (t *FragmentedTrack) NextPacket(ctx context.Context, p *Packet, opts PacketOptions) (*Packet, error) {
	f, td, err := t.locate(ctx, p)
	if err != nil {
		return nil, err
	}
	if i := p.Origin.LocalIndex + 1; i < len(td.Samples) {
		return t.packet(ctx, f, td, i, opts)
	}
	if f, err = t.Resolver.Next(ctx, f); err != nil {
		return nil, err
	}
	if f, td, err = t.firstFrom(ctx, f, false); err != nil || f == nil {
		return nil, err
	}
	return t.packet(ctx, f, td, 0, opts)
}

func (t *FragmentedTrack) NextKeyPacket(ctx context.Context, p *Packet, opts PacketOptions) (*Packet, error) {
	f, td, err := t.locate(ctx, p)
	if err != nil {
		return nil, err
	}
	for i := p.Origin.LocalIndex + 1; i < len(td.Samples); i++ {
		if td.Samples[i].Key {
			return t.packet(ctx, f, td, i, opts)
		}
	}
	if f, err = t.Resolver.Next(ctx, f); err != nil {
		return nil, err
	}
	if f, td, err = t.firstFrom(ctx, f, true); err != nil || f == nil {
		return nil, err
	}
	for i := range td.Samples {
		if td.Samples[i].Key {
			return t.packet(ctx, f, td, i, opts)
		}
	}
	return nil, nil
}

func (t *FragmentedTrack) Duration(ctx context.Context) (time.Duration, error) {
	if t.KnownDuration > 0 {
		return t.KnownDuration, nil
	}
	f, td, err := t.Resolver.Lookup(ctx, LookupQuery{
		TrackID:   t.ID,
		Timestamp: math.MaxInt64,
		NotAfter:  math.MaxInt64,
		Candidate: func(td *FragmentTrackData) (int64, bool) { return td.EndTimestamp, true },
	})
	if err != nil || f == nil {
		return 0, err
	}
	return util.TicksToDuration(td.EndTimestamp, t.Timescale), nil
}
