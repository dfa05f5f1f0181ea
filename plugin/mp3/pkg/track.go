package mp3

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/util"
)

type frameRef struct {
	offset int64
	size   uint16
}

// Track is the audio of an MPEG audio file, one packet per frame. Every
// frame decodes the same number of samples, so frame i starts at
// i*Samples() ticks. The frame list grows as lookups walk further.
type Track struct {
	pkg.Track
	d *Demuxer
	// frameCount is the count a summary tag declares, 0 if unknown.
	frameCount int

	mu     sync.Mutex
	frames []frameRef
	next   int64
	done   bool
}

// extend walks frame headers until want frames are known or the audio
// ends. Garbage between frames is skipped by resyncing.
func (t *Track) extend(ctx context.Context, want int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref := &t.d.Header
	for len(t.frames) < want && !t.done {
		if err := ctx.Err(); err != nil {
			return len(t.frames), err
		}
		if t.next+HeaderSize > t.d.end {
			if t.next < t.d.end {
				t.Debug("trailing bytes after the last frame", "bytes", t.d.end-t.next)
			}
			t.done = true
			break
		}
		h, err := t.d.header(ctx, t.next)
		if err != nil || !ref.Compatible(&h) {
			if err != nil && !util.IsMalformed(err) && !errors.Is(err, util.ErrUnsupportedHeader) {
				return len(t.frames), err
			}
			at, ok, err := t.d.resync(ctx, ref, t.next+1, t.d.end)
			if err != nil {
				return len(t.frames), err
			}
			if !ok {
				t.Warn("no frame after", "offset", t.next, "skipped", humanize.IBytes(uint64(t.d.end-t.next)))
				t.done = true
				break
			}
			t.Warn("skipped bytes between frames", "offset", t.next, "skipped", at-t.next)
			t.next = at
			continue
		}
		size := int64(h.Size())
		if t.next+size > t.d.end {
			t.Debug("last frame cut off", "offset", t.next, "size", size, "available", t.d.end-t.next)
			t.done = true
			break
		}
		t.frames = append(t.frames, frameRef{offset: t.next, size: uint16(size)})
		t.next += size
	}
	return len(t.frames), nil
}

func (t *Track) samples() int64 {
	return int64(t.d.Header.Samples())
}

func (t *Track) packet(ctx context.Context, i int, opts pkg.PacketOptions) (*pkg.Packet, error) {
	if i < 0 {
		return nil, nil
	}
	n, err := t.extend(ctx, i+1)
	if err != nil || i >= n {
		return nil, err
	}
	t.mu.Lock()
	f := t.frames[i]
	t.mu.Unlock()
	start := int64(i) * t.samples()
	ts := util.TicksToDuration(start, t.Timescale)
	p := &pkg.Packet{
		Type:           pkg.PacketKey,
		Timestamp:      ts,
		Duration:       util.TicksToDuration(start+t.samples(), t.Timescale) - ts,
		SequenceNumber: int64(i),
		ByteSize:       int(f.size),
		Origin:         pkg.SampleOrigin(i),
	}
	if !opts.MetadataOnly {
		if p.Data, err = t.d.cache.Read(ctx, f.offset, f.offset+int64(f.size)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (t *Track) FirstPacket(ctx context.Context, opts pkg.PacketOptions) (*pkg.Packet, error) {
	return t.packet(ctx, 0, opts)
}

// GetPacket returns the frame playing at ts, or the last frame when ts is
// past the end.
func (t *Track) GetPacket(ctx context.Context, ts time.Duration, opts pkg.PacketOptions) (*pkg.Packet, error) {
	if ts < 0 {
		return nil, nil
	}
	i := int(util.DurationToTicks(ts, t.Timescale) / t.samples())
	n, err := t.extend(ctx, i+1)
	if err != nil {
		return nil, err
	}
	return t.packet(ctx, min(i, n-1), opts)
}

// GetKeyPacket is GetPacket: frames decode on their own once the bit
// reservoir is filled.
func (t *Track) GetKeyPacket(ctx context.Context, ts time.Duration, opts pkg.PacketOptions) (*pkg.Packet, error) {
	return t.GetPacket(ctx, ts, opts)
}

func (t *Track) NextPacket(ctx context.Context, p *pkg.Packet, opts pkg.PacketOptions) (*pkg.Packet, error) {
	return t.packet(ctx, p.Origin.SampleIndex+1, opts)
}

func (t *Track) NextKeyPacket(ctx context.Context, p *pkg.Packet, opts pkg.PacketOptions) (*pkg.Packet, error) {
	return t.NextPacket(ctx, p, opts)
}

// Duration trusts the frame count of a summary tag and walks every frame
// header otherwise.
func (t *Track) Duration(ctx context.Context) (time.Duration, error) {
	n := t.frameCount
	if n == 0 {
		var err error
		if n, err = t.extend(ctx, int(^uint(0)>>1)); err != nil {
			return 0, err
		}
	}
	return util.TicksToDuration(int64(n)*t.samples(), t.Timescale), nil
}
