package pkg

import (
	"context"
	"fmt"
	"time"

	"m7s.live/mediakit/pkg/util"
)

// IndexedTrack serves packets of a track whose whole sample table is known
// up front.
type IndexedTrack struct {
	Track
	Index *SampleIndex
	Cache *RangeCache
}

func (t *IndexedTrack) packet(ctx context.Context, i int, opts PacketOptions) (p *Packet, err error) {
	if i < 0 || i >= t.Index.Count() {
		return nil, nil
	}
	s, err := t.Index.Sample(i)
	if err != nil {
		return
	}
	ts := util.TicksToDuration(s.Timestamp, t.Timescale)
	p = &Packet{
		Type:           util.Conditional(s.Key, PacketKey, PacketDelta),
		Timestamp:      ts,
		Duration:       util.TicksToDuration(s.Timestamp+s.Duration, t.Timescale) - ts,
		SequenceNumber: int64(i),
		ByteSize:       int(s.Size),
		Origin:         SampleOrigin(i),
	}
	if opts.MetadataOnly {
		return
	}
	if p.Data, err = t.Cache.Read(ctx, s.Offset, s.Offset+int64(s.Size)); err != nil {
		return nil, err
	}
	if len(p.Data) < int(s.Size) {
		return nil, fmt.Errorf("%w: sample %d truncated at %d", util.ErrMalformedStream, i, s.Offset)
	}
	return
}

func (t *IndexedTrack) FirstPacket(ctx context.Context, opts PacketOptions) (*Packet, error) {
	return t.packet(ctx, 0, opts)
}

func (t *IndexedTrack) GetPacket(ctx context.Context, ts time.Duration, opts PacketOptions) (*Packet, error) {
	return t.packet(ctx, t.Index.SampleIndexForTimestamp(util.DurationToTicks(ts, t.Timescale)), opts)
}

func (t *IndexedTrack) GetKeyPacket(ctx context.Context, ts time.Duration, opts PacketOptions) (*Packet, error) {
	i := t.Index.SampleIndexForTimestamp(util.DurationToTicks(ts, t.Timescale))
	return t.packet(ctx, t.Index.KeyFrameAtOrBefore(i), opts)
}

func (t *IndexedTrack) NextPacket(ctx context.Context, p *Packet, opts PacketOptions) (*Packet, error) {
	return t.packet(ctx, p.Origin.SampleIndex+1, opts)
}

func (t *IndexedTrack) NextKeyPacket(ctx context.Context, p *Packet, opts PacketOptions) (*Packet, error) {
	return t.packet(ctx, t.Index.NextKeyFrame(p.Origin.SampleIndex), opts)
}

func (t *IndexedTrack) Duration(context.Context) (time.Duration, error) {
	if t.Index.Count() == 0 {
		return 0, nil
	}
	return util.TicksToDuration(t.Index.EndTimestamp(), t.Timescale), nil
}
