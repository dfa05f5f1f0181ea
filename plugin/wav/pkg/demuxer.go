package wav

import (
	"context"
	"log/slog"
	"math"

	"github.com/dustin/go-humanize"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/util"
)

const (
	// PacketFrames is how many frames a packet holds by default.
	PacketFrames = 2048
	// maxMetaChunk bounds the chunks read into memory whole.
	maxMetaChunk = 1 << 20
)

// Demuxer reads the chunk headers of a WAVE or RF64 file. The single audio
// track is indexed arithmetically: packets are runs of PacketFrames frames
// cut out of the data chunk.
type Demuxer struct {
	*slog.Logger
	pkg.Demuxed
	Format       WaveFormat
	RF64         bool
	cache        *pkg.RangeCache
	size         int64
	packetFrames int
	ds64         *DS64
	data         *Chunk
	hasFormat    bool
}

func NewDemuxer(cache *pkg.RangeCache, packetFrames int, logger *slog.Logger) *Demuxer {
	if logger == nil {
		logger = slog.Default()
	}
	if packetFrames <= 0 {
		packetFrames = PacketFrames
	}
	return &Demuxer{Logger: logger, cache: cache, packetFrames: packetFrames}
}

func (d *Demuxer) Demux(ctx context.Context) (err error) {
	if d.size, err = d.cache.Size(ctx); err != nil {
		return
	}
	c, err := d.cache.Cursor(ctx, 0, 12)
	if err != nil {
		return
	}
	riff, err := ReadHeader(c)
	if err != nil {
		return
	}
	form, err := c.ReadBytes(4)
	if err != nil || (riff.ID != IDRIFF && riff.ID != IDRF64) || ChunkID(form) != IDWAVE {
		return util.Malformed("not a WAVE file")
	}
	d.RF64 = riff.ID == IDRF64
	end, err := d.walk(ctx, riff)
	if err != nil {
		return
	}
	if !d.hasFormat {
		return util.Malformed("no fmt chunk before %d", end)
	}
	if d.data == nil {
		return util.Malformed("no data chunk")
	}
	return d.build()
}

// walk reads the top-level chunks, the data chunk by its header only.
func (d *Demuxer) walk(ctx context.Context, riff Chunk) (end int64, err error) {
	end = d.size
	if riff.Size != sizeInDS64 && riff.Size >= 4 {
		end = min(end, riff.BodyOffset()+int64(riff.Size))
	}
	if riff.Size != 0 && riff.BodyOffset()+int64(riff.Size) > d.size {
		d.Debug("RIFF size beyond the end of file", "declared", riff.Size, "size", d.size)
	}
	for pos := int64(12); pos+ChunkHeaderSize <= end; {
		if err = ctx.Err(); err != nil {
			return
		}
		var c *util.ByteCursor
		if c, err = d.cache.Cursor(ctx, pos, pos+ChunkHeaderSize); err != nil {
			return
		}
		var h Chunk
		if h, err = ReadHeader(c); err != nil {
			return
		}
		switch {
		case h.ID == IDDS64 && pos == 12:
			if err = d.readDS64(ctx, &h); err != nil {
				return
			}
			if d.ds64.RIFFSize > 0 {
				end = min(d.size, riff.BodyOffset()+int64(min(d.ds64.RIFFSize, math.MaxInt64-16)))
			}
		case h.ID == IDData:
			d.data = &h
			if d.RF64 && h.Size == sizeInDS64 && d.ds64 != nil {
				h.Size = d.ds64.DataSize
			}
			if avail := uint64(max(d.size-h.BodyOffset(), 0)); h.Size > avail || (h.Size == 0 && riff.Size == 0) {
				// unfinished or streamed writes leave the size unset
				d.Warn("data chunk size disagrees with the file", "declared", h.Size, "available", humanize.IBytes(avail))
				h.Size = avail
			}
		case h.ID == IDFmt || h.ID == IDList:
			if h.Size > maxMetaChunk {
				d.Warn("skipping oversized chunk", "chunk", h.String())
				break
			}
			if c, err = d.cache.Cursor(ctx, h.BodyOffset(), h.BodyOffset()+int64(h.Size)); err != nil {
				return
			}
			if len(c.Data) < int(h.Size) {
				return end, util.Malformed("chunk %s cut off at %d", h.String(), d.size)
			}
			c.LittleEndian = true
			if err = d.readMeta(&h, c); err != nil {
				return
			}
		default:
			d.Debug("skipping chunk", "chunk", h.String())
		}
		pos = h.End()
	}
	return end, nil
}

func (d *Demuxer) readDS64(ctx context.Context, h *Chunk) error {
	if h.Size < ds64Size || h.Size > maxMetaChunk {
		return util.Malformed("ds64 chunk of %d bytes", h.Size)
	}
	c, err := d.cache.Cursor(ctx, h.BodyOffset(), h.BodyOffset()+int64(h.Size))
	if err != nil {
		return err
	}
	d.ds64 = &DS64{}
	return d.ds64.Unmarshal(c)
}

func (d *Demuxer) readMeta(h *Chunk, body *util.ByteCursor) error {
	if h.ID == IDFmt {
		if d.hasFormat {
			d.Warn("ignoring second fmt chunk", "offset", h.Offset)
			return nil
		}
		d.hasFormat = true
		return d.Format.Unmarshal(body)
	}
	tags, err := ParseInfo(body)
	if err != nil {
		d.Warn("unreadable LIST chunk", "offset", h.Offset, "error", err)
		return nil
	}
	for k, v := range tags {
		d.SetTag(k, v)
	}
	return nil
}

func (d *Demuxer) build() error {
	t := &pkg.IndexedTrack{Cache: d.cache}
	t.ID, t.Type, t.Default = 1, pkg.TrackAudio, true
	t.Timescale = max(d.Format.SampleRate, 1)
	t.Name, t.Language = d.Tags()["title"], d.Tags()["language"]
	t.Logger = d.With("track", 1)
	ctx, err := d.Format.Codec()
	var frames uint64
	if err != nil {
		t.CodecErr = err
		d.Warn("track codec unavailable", "format", d.Format.Tag(), "error", err)
	} else {
		t.CodecCtx, t.Codec = ctx, ctx.FourCC()
		frameSize := uint64(ctx.FrameSize())
		frames = d.data.Size / frameSize
		if rest := d.data.Size % frameSize; rest != 0 {
			d.Debug("partial frame at the end of data", "bytes", rest)
		}
	}
	if t.Index, err = d.index(frames); err != nil {
		return err
	}
	d.Debug("wave", "format", d.Format.Tag(), "rate", d.Format.SampleRate, "channels", d.Format.Channels,
		"frames", frames, "data", humanize.IBytes(d.data.Size), "rf64", d.RF64)
	d.TrackList = append(d.TrackList, t)
	return nil
}

// index lays out frames in packets of packetFrames, all key frames.
func (d *Demuxer) index(frames uint64) (*pkg.SampleIndex, error) {
	tables := &pkg.SampleTables{Timescale: max(d.Format.SampleRate, 1)}
	if frames == 0 {
		return pkg.BuildSampleIndex(tables)
	}
	frameSize := uint32(d.Format.BlockAlign)
	tables.SampleSize, tables.PCMFrameSize = frameSize, frameSize
	for left := frames; left > 0; {
		n := min(left, math.MaxUint32)
		tables.TimeToSample = append(tables.TimeToSample, pkg.SttsEntry{Count: uint32(n), Delta: 1})
		left -= n
	}
	tables.SampleToChunk = []pkg.StscEntry{{FirstChunk: 1, SamplesPerChunk: uint32(d.packetFrames), DescriptionIndex: 1}}
	chunkBytes := int64(d.packetFrames) * int64(frameSize)
	for off := int64(0); uint64(off) < frames*uint64(frameSize); off += chunkBytes {
		tables.ChunkOffsets = append(tables.ChunkOffsets, d.data.BodyOffset()+off)
	}
	return pkg.BuildSampleIndex(tables)
}
