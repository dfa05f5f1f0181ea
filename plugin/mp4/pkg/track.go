package mp4

import (
	"math"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/plugin/mp4/pkg/box"
)

type (
	// Track accumulates the sample tables of one trak while muxing.
	Track struct {
		*pkg.MuxTrack
		entry    *box.Node
		pcmFrame uint32

		stts         box.TimeToSampleBox
		ctts         box.CompositionOffsetBox
		hasCtts      bool
		stsz         box.SampleSizeBox
		stss         box.SyncSampleBox
		allKey       bool
		stsc         box.SampleToChunkBox
		chunks       []uint64
		chunkSamples uint32
		sampleCount  uint32
		duration     int64

		run  fragmentRun
		tfra []box.TfraEntry
	}

	// fragmentRun is what a track contributes to the open fragment.
	fragmentRun struct {
		baseDTS  int64
		firstPTS int64
		entries  []box.TrunEntry
		data     [][]byte
		size     int
	}
)

func newTrack(info *pkg.TrackInfo) (t *Track, err error) {
	t = &Track{MuxTrack: pkg.NewMuxTrack(info), allKey: true}
	if t.entry, err = sampleEntry(info); err != nil {
		return nil, err
	}
	if pcm, ok := info.CodecCtx.(*codec.PCMCtx); ok {
		t.pcmFrame = uint32(pcm.FrameSize())
	}
	return
}

func clampU32(v int64) uint32 {
	return uint32(min(max(v, 0), math.MaxUint32))
}

// rescale converts ticks between timescales without overflowing.
func rescale(v int64, from, to uint32) int64 {
	if from == to || from == 0 {
		return v
	}
	f, t := int64(from), int64(to)
	return v/f*t + v%f*t/f
}

// addSample appends to the progressive tables. PCM packets become one chunk
// of frame sized samples so the reader gets the packet back whole.
func (t *Track) addSample(s *pkg.MuxSample, newChunk bool, offset int64) {
	size := uint32(len(s.Data))
	if t.pcmFrame > 0 {
		n := size / t.pcmFrame
		t.closeChunk()
		t.chunks = append(t.chunks, uint64(offset))
		t.chunkSamples = n
		t.stts.Append(1, n)
		t.stsz.SampleSize = t.pcmFrame
		t.stsz.SampleCount += n
		t.sampleCount += n
		t.duration += int64(n)
		return
	}
	if newChunk || len(t.chunks) == 0 {
		t.closeChunk()
		t.chunks = append(t.chunks, uint64(offset))
	}
	t.chunkSamples++
	t.sampleCount++
	t.stts.Append(clampU32(s.Duration), 1)
	cto := s.CompositionOffset()
	t.ctts.Append(int32(cto), 1)
	t.hasCtts = t.hasCtts || cto != 0
	t.stsz.EntrySizes = append(t.stsz.EntrySizes, size)
	if s.IsKey() {
		t.stss.SampleNumbers = append(t.stss.SampleNumbers, t.sampleCount)
	} else {
		t.allKey = false
	}
	t.duration += s.Duration
}

func (t *Track) closeChunk() {
	if t.chunkSamples > 0 {
		t.stsc.AppendChunk(uint32(len(t.chunks)), t.chunkSamples)
		t.chunkSamples = 0
	}
}

// makeStblBox builds the sample table, chunk offsets moved by shift.
func (t *Track) makeStblBox(shift int64) *box.Node {
	t.closeChunk()
	offsets := make([]uint64, len(t.chunks))
	for i, o := range t.chunks {
		offsets[i] = o + uint64(shift)
	}
	stbl := box.Container(box.TypeSTBL,
		box.New(box.TypeSTSD, box.EntryCount(1), t.entry),
		box.New(box.TypeSTTS, &t.stts),
	)
	if t.hasCtts {
		stbl.Add(box.New(box.TypeCTTS, &t.ctts))
	}
	if !t.allKey {
		stbl.Add(box.New(box.TypeSTSS, &t.stss))
	}
	t.stsz.Compact()
	stbl.Add(
		box.New(box.TypeSTSC, &t.stsc),
		box.New(box.TypeSTSZ, &t.stsz),
		box.NewChunkOffsetBox(offsets).Node(),
	)
	return stbl
}

// makeEdtsBox delays the presentation by the first decode timestamp, the
// sample tables themselves always start at zero.
func (t *Track) makeEdtsBox(movieTimescale uint32) *box.Node {
	if t.StartDTS <= 0 {
		return nil
	}
	return box.Container(box.TypeEDTS, box.New(box.TypeELST, &box.EditListBox{Entries: []box.EditListEntry{
		{SegmentDuration: uint64(rescale(t.StartDTS, t.Timescale, movieTimescale)), MediaTime: -1, MediaRate: 1},
		{SegmentDuration: uint64(rescale(t.duration, t.Timescale, movieTimescale)), MediaTime: 0, MediaRate: 1},
	}}))
}

// movieDuration is the presentation end in the movie timescale.
func (t *Track) movieDuration(movieTimescale uint32) int64 {
	return rescale(max(t.StartDTS, 0)+t.duration, t.Timescale, movieTimescale)
}

func (t *Track) makeTrakBox(movieTimescale uint32, shift int64, fragmented bool) *box.Node {
	tkhd := box.NewTrackHeaderBox(uint32(t.ID), uint64(t.movieDuration(movieTimescale)))
	mdhd := &box.MediaHeaderBox{
		CreationTime:     tkhd.CreationTime,
		ModificationTime: tkhd.ModificationTime,
		Timescale:        t.Timescale,
		Duration:         uint64(t.duration),
		Language:         t.Language,
	}
	hdlr := &box.HandlerBox{Name: t.Name}
	var mhd *box.Node
	if t.IsVideo() {
		if v, ok := t.CodecCtx.(codec.IVideoCodecCtx); ok {
			tkhd.Width, tkhd.Height = float64(v.Width()), float64(v.Height())
		}
		tkhd.Matrix = box.RotationMatrix(t.Rotation)
		hdlr.HandlerType = box.TypeVIDE
		if hdlr.Name == "" {
			hdlr.Name = "VideoHandler"
		}
		mhd = box.New(box.TypeVMHD, box.VideoMediaHeaderBox{})
	} else {
		tkhd.Volume, tkhd.AlternateGroup = 1, 1
		hdlr.HandlerType = box.TypeSOUN
		if hdlr.Name == "" {
			hdlr.Name = "SoundHandler"
		}
		mhd = box.New(box.TypeSMHD, box.SoundMediaHeaderBox{})
	}
	if !t.Default {
		tkhd.Flags &^= box.TrackEnabled
	}
	trak := box.Container(box.TypeTRAK, box.New(box.TypeTKHD, tkhd))
	if !fragmented {
		trak.Add(t.makeEdtsBox(movieTimescale))
	}
	return trak.Add(box.Container(box.TypeMDIA,
		box.New(box.TypeMDHD, mdhd),
		box.New(box.TypeHDLR, hdlr),
		box.Container(box.TypeMINF, mhd, box.DataInformation(), t.makeStblBox(shift)),
	))
}

func (t *Track) makeTrexBox() *box.Node {
	return box.New(box.TypeTREX, &box.TrackExtendsBox{
		TrackID:                       uint32(t.ID),
		DefaultSampleDescriptionIndex: 1,
	})
}

func sampleFlags(key bool) uint32 {
	if key {
		return box.SampleDependsOnNone
	}
	return box.SampleDependsOnOthers | box.SampleIsNonSync
}

// addFragmentSample appends to the open fragment.
func (t *Track) addFragmentSample(s *pkg.MuxSample) {
	if len(t.run.entries) == 0 {
		t.run.baseDTS, t.run.firstPTS = s.DTS, s.PTS
	}
	t.run.entries = append(t.run.entries, box.TrunEntry{
		Duration:              clampU32(s.Duration),
		Size:                  uint32(len(s.Data)),
		Flags:                 sampleFlags(s.IsKey()),
		CompositionTimeOffset: int32(s.CompositionOffset()),
	})
	t.run.data = append(t.run.data, s.Data)
	t.run.size += len(s.Data)
	t.duration += s.Duration
}

// makeTrafBox describes the open fragment; the returned trun gets its data
// offset once the moof size is known.
func (t *Track) makeTrafBox() (*box.Node, *box.TrackRunBox) {
	trun := &box.TrackRunBox{
		FullBox: box.FullBox{Version: 1, Flags: box.TrunDataOffset | box.TrunSampleDuration | box.TrunSampleSize | box.TrunSampleFlags | box.TrunSampleCompositionTimeOffsets},
		Entries: t.run.entries,
	}
	return box.Container(box.TypeTRAF,
		box.New(box.TypeTFHD, &box.TrackFragmentHeaderBox{
			FullBox: box.FullBox{Flags: box.TfhdDefaultBaseIsMoof},
			TrackID: uint32(t.ID),
		}),
		box.New(box.TypeTFDT, &box.TrackFragmentDecodeTimeBox{BaseMediaDecodeTime: uint64(max(t.run.baseDTS, 0))}),
		box.New(box.TypeTRUN, trun),
	), trun
}

func (t *Track) makeTfraBox() *box.Node {
	return box.New(box.TypeTFRA, &box.TrackFragmentRandomAccessBox{TrackID: uint32(t.ID), Entries: t.tfra})
}
