package mp4

import (
	"context"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/util"
	"m7s.live/mediakit/plugin/mp4/pkg/box"
)

type (
	fragmentTrack struct {
		id    int
		audio bool
		// shift is the edit list media start, in track ticks.
		shift int64
		trex  box.TrackExtendsBox
	}

	// moofParser reads one moof and the mdat after it per call.
	moofParser struct {
		cache  *pkg.RangeCache
		size   int64
		tracks map[uint32]*fragmentTrack
	}
)

// readHeader reads the top-level box header at pos.
func readHeader(ctx context.Context, cache *pkg.RangeCache, pos, size int64) (h box.BasicBox, err error) {
	c, err := cache.Cursor(ctx, pos, min(pos+box.LargeBoxLen+16, size))
	if err != nil {
		return
	}
	return box.ReadHeader(c, size)
}

func (p *moofParser) ParseFragment(ctx context.Context, offset int64) (*pkg.Fragment, error) {
	for pos := offset; pos+box.BasicBoxLen <= p.size; {
		h, err := readHeader(ctx, p.cache, pos, p.size)
		if err != nil {
			return nil, err
		}
		switch h.Type {
		case box.TypeMOOF:
			return p.parseMoof(ctx, &h)
		case box.TypeMFRA:
			return nil, nil
		}
		pos = h.End()
	}
	return nil, nil
}

func (p *moofParser) parseMoof(ctx context.Context, h *box.BasicBox) (f *pkg.Fragment, err error) {
	c, err := p.cache.Cursor(ctx, h.BodyOffset(), h.End())
	if err != nil {
		return
	}
	f = &pkg.Fragment{Offset: h.Offset, Size: int64(h.Size), Tracks: make(map[int]*pkg.FragmentTrackData)}
	// without an explicit base, the first traf starts at the moof and
	// each following one where the previous ended
	base := h.Offset
	err = box.Traverse(c, func(bh *box.BasicBox, body *util.ByteCursor) (err error) {
		if bh.Type == box.TypeTRAF {
			base, err = p.parseTraf(body, f, h.Offset, base)
		}
		return
	})
	if err != nil {
		return nil, err
	}
	if h.End()+box.BasicBoxLen <= p.size {
		if next, err := readHeader(ctx, p.cache, h.End(), p.size); err == nil && next.Type == box.TypeMDAT {
			f.Size = next.End() - f.Offset
		}
	}
	return
}

func (p *moofParser) parseTraf(c *util.ByteCursor, f *pkg.Fragment, moofOffset, base int64) (end int64, err error) {
	var (
		tfhd box.TrackFragmentHeaderBox
		tfdt *box.TrackFragmentDecodeTimeBox
		runs []box.TrackRunBox
	)
	err = box.Traverse(c, func(h *box.BasicBox, body *util.ByteCursor) error {
		switch h.Type {
		case box.TypeTFHD:
			return tfhd.Decode(body)
		case box.TypeTFDT:
			tfdt = &box.TrackFragmentDecodeTimeBox{}
			return tfdt.Decode(body)
		case box.TypeTRUN:
			var trun box.TrackRunBox
			if err := trun.Decode(body); err != nil {
				return err
			}
			runs = append(runs, trun)
		}
		return nil
	})
	if err != nil {
		return
	}
	t := p.tracks[tfhd.TrackID]
	if tfhd.Flags&box.TfhdBaseDataOffset != 0 {
		base = int64(tfhd.BaseDataOffset)
	} else if tfhd.Flags&box.TfhdDefaultBaseIsMoof != 0 {
		base = moofOffset
	}
	// tfhd defaults override the trex ones
	var trex box.TrackExtendsBox
	if t != nil {
		trex = t.trex
	}
	pick := func(flag, own, fallback uint32) uint32 {
		return util.Conditional(tfhd.Flags&flag != 0, own, fallback)
	}
	defDuration := pick(box.TfhdDefaultSampleDuration, tfhd.DefaultSampleDuration, trex.DefaultSampleDuration)
	defSize := pick(box.TfhdDefaultSampleSize, tfhd.DefaultSampleSize, trex.DefaultSampleSize)
	defFlags := pick(box.TfhdDefaultSampleFlags, tfhd.DefaultSampleFlags, trex.DefaultSampleFlags)

	td := &pkg.FragmentTrackData{}
	if t != nil {
		if known := f.Tracks[t.id]; known != nil {
			td = known
		}
	}
	var dts int64
	if tfdt != nil {
		dts = int64(tfdt.BaseMediaDecodeTime)
	} else if n := len(td.Samples); n > 0 {
		last := td.Samples[n-1]
		dts = last.DecodeTimestamp + last.Duration
	} else {
		td.Relative = true
	}
	pos := base
	for _, trun := range runs {
		if trun.Flags&box.TrunDataOffset != 0 {
			pos = base + int64(trun.DataOffset)
		}
		for i, e := range trun.Entries {
			duration, size, flags := defDuration, defSize, defFlags
			if trun.Flags&box.TrunSampleDuration != 0 {
				duration = e.Duration
			}
			if trun.Flags&box.TrunSampleSize != 0 {
				size = e.Size
			}
			if i == 0 && trun.Flags&box.TrunFirstSampleFlags != 0 {
				flags = trun.FirstSampleFlags
			} else if trun.Flags&box.TrunSampleFlags != 0 {
				flags = e.Flags
			}
			if t != nil {
				td.Samples = append(td.Samples, pkg.FragmentSample{
					Timestamp:       dts + int64(e.CompositionTimeOffset) - t.shift,
					DecodeTimestamp: dts,
					Duration:        int64(duration),
					Size:            size,
					Offset:          pos,
					Key:             t.audio || flags&box.SampleIsNonSync == 0,
				})
			}
			dts += int64(duration)
			pos += int64(size)
		}
	}
	if t != nil && len(td.Samples) > 0 {
		f.Tracks[t.id] = td
	}
	return pos, nil
}
