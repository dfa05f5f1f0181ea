package mp3

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/util"
)

const (
	// SyncLimit bounds the search for the first frame past the tags.
	SyncLimit   = 1 << 20
	syncWindow  = 64 << 10
	maxTagBytes = 16 << 20
)

// Demuxer finds the audio between the leading ID3v2 tags and the trailing
// APE and ID3v1 tags. Frames are indexed lazily by walking their headers.
type Demuxer struct {
	*slog.Logger
	pkg.Demuxed
	// Header is the first audio frame header.
	Header FrameHeader
	// Xing is the summary in the first frame, when there is one.
	Xing      *Xing
	cache     *pkg.RangeCache
	size      int64
	start     int64
	end       int64
	syncLimit int64
	track     *Track
}

func NewDemuxer(cache *pkg.RangeCache, syncLimit int64, logger *slog.Logger) *Demuxer {
	if logger == nil {
		logger = slog.Default()
	}
	if syncLimit <= 0 {
		syncLimit = SyncLimit
	}
	return &Demuxer{Logger: logger, cache: cache, syncLimit: syncLimit}
}

func (d *Demuxer) Demux(ctx context.Context) (err error) {
	if d.size, err = d.cache.Size(ctx); err != nil {
		return
	}
	d.end = d.size
	if err = d.readTags(ctx); err != nil {
		return
	}
	first, ok, err := d.resync(ctx, nil, d.start, min(d.start+d.syncLimit, d.end))
	if err != nil {
		return
	}
	if !ok {
		return util.Malformed("no MPEG audio frame within %s of %d", humanize.IBytes(uint64(d.syncLimit)), d.start)
	}
	if first > d.start {
		d.Debug("skipped bytes before the first frame", "offset", d.start, "skipped", first-d.start)
	}
	if d.Header, err = d.header(ctx, first); err != nil {
		return
	}
	frame, err := d.cache.Read(ctx, first, first+int64(d.Header.Size()))
	if err != nil {
		return
	}
	if d.Xing, err = ReadXing(frame, &d.Header); err != nil {
		d.Warn("unreadable xing tag", "error", err)
		err = nil
	}
	// a summary frame carries no audio
	if d.Xing != nil || IsVBRI(frame) {
		first += int64(len(frame))
	}
	d.start = first
	d.build()
	return nil
}

// readTags moves start past the ID3v2 tags and end before the APE and
// ID3v1 tags, collecting their text fields.
func (d *Demuxer) readTags(ctx context.Context) error {
	for {
		head, err := d.cache.Read(ctx, d.start, d.start+ID3v2HeaderSize)
		if err != nil {
			return err
		}
		n := ID3v2Size(head)
		if n == 0 {
			break
		}
		if n <= maxTagBytes {
			tag, err := d.cache.Read(ctx, d.start, d.start+n)
			if err != nil {
				return err
			}
			tags, err := ParseID3v2(tag)
			if err != nil {
				d.Warn("unreadable ID3v2 tag", "offset", d.start, "error", err)
			}
			d.merge(tags)
		} else {
			d.Warn("skipping oversized ID3v2 tag", "offset", d.start, "size", humanize.IBytes(uint64(n)))
		}
		d.Debug("ID3v2 tag", "offset", d.start, "version", head[3], "size", n)
		d.start += n
	}
	if d.end-d.start >= ID3v1Size {
		tail, err := d.cache.Read(ctx, d.end-ID3v1Size, d.end)
		if err != nil {
			return err
		}
		if tags := ParseID3v1(tail); tags != nil {
			d.end -= ID3v1Size
			d.merge(tags)
		}
	}
	if d.end-d.start >= apeFooterSize {
		tail, err := d.cache.Read(ctx, d.end-apeFooterSize, d.end)
		if err != nil {
			return err
		}
		if n := APESize(tail); n > 0 && n <= d.end-d.start {
			d.Debug("APE tag", "offset", d.end-n, "size", n)
			d.end -= n
		}
	}
	return nil
}

// merge adds tags not set yet.
func (d *Demuxer) merge(tags map[string]string) {
	for k, v := range tags {
		if _, ok := d.Tags()[k]; !ok {
			d.SetTag(k, v)
		}
	}
}

func (d *Demuxer) header(ctx context.Context, at int64) (h FrameHeader, err error) {
	b, err := d.cache.Read(ctx, at, at+HeaderSize)
	if err != nil {
		return
	}
	return ParseHeader(b)
}

// resync finds the first frame in [from,limit) compatible with ref, nil
// meaning any, whose successor is a compatible frame too or the end of
// the audio.
func (d *Demuxer) resync(ctx context.Context, ref *FrameHeader, from, limit int64) (at int64, ok bool, err error) {
	limit = min(limit, d.end)
	for from < limit {
		if err = ctx.Err(); err != nil {
			return
		}
		window, err := d.cache.Read(ctx, from, min(from+syncWindow+1, d.end))
		if err != nil {
			return 0, false, err
		}
		for i := 0; i+1 < len(window); i++ {
			j := bytes.IndexByte(window[i:len(window)-1], 0xFF)
			if j < 0 {
				break
			}
			i += j
			at = from + int64(i)
			if at >= limit {
				return 0, false, nil
			}
			if window[i+1]&0xE0 != 0xE0 {
				continue
			}
			if ok, err = d.plausible(ctx, ref, at); err != nil || ok {
				return at, ok, err
			}
		}
		from += int64(max(len(window)-1, 1))
	}
	return 0, false, nil
}

func (d *Demuxer) plausible(ctx context.Context, ref *FrameHeader, at int64) (bool, error) {
	h, err := d.header(ctx, at)
	if err != nil || (ref != nil && !ref.Compatible(&h)) {
		return false, nil
	}
	next := at + int64(h.Size())
	if next == d.end {
		return true, nil
	}
	if next+HeaderSize > d.end {
		return false, nil
	}
	n, err := d.header(ctx, next)
	if err != nil {
		return false, nil
	}
	return h.Compatible(&n), nil
}

func (d *Demuxer) build() {
	h := &d.Header
	t := &Track{d: d, next: d.start}
	t.ID, t.Type, t.Default = 1, pkg.TrackAudio, true
	t.Codec = codec.FourCC_MP3
	t.CodecCtx = &codec.MP3Ctx{AudioCtx: codec.AudioCtx{SampleRate: h.SampleRate(), Channels: h.Channels()}, Layer: h.Layer}
	t.Timescale = uint32(h.SampleRate())
	t.Name, t.Language = d.Tags()["title"], d.Tags()["language"]
	t.Logger = d.With("track", 1)
	if d.Xing != nil && d.Xing.Flags&XingFrames != 0 {
		t.frameCount = int(d.Xing.Frames)
	}
	d.Debug("mpeg audio", "header", h.String(), "audio", humanize.IBytes(uint64(d.end-d.start)), "xing", d.Xing != nil)
	d.track = t
	d.TrackList = append(d.TrackList, t)
}
