package box

import (
	"m7s.live/mediakit/pkg/util"
)

// aligned(8) class MovieFragmentHeaderBox extends FullBox(‘mfhd’, 0, 0){
//     unsigned int(32) sequence_number;
// }

type MovieFragmentHeaderBox uint32

func (MovieFragmentHeaderBox) Size() int {
	return 8
}

func (mfhd MovieFragmentHeaderBox) Encode(w *util.ByteWriter) {
	w.WriteU32(0)
	w.WriteU32(uint32(mfhd))
}

const (
	TfhdBaseDataOffset         = 0x000001
	TfhdSampleDescriptionIndex = 0x000002
	TfhdDefaultSampleDuration  = 0x000008
	TfhdDefaultSampleSize      = 0x000010
	TfhdDefaultSampleFlags     = 0x000020
	TfhdDurationIsEmpty        = 0x010000
	TfhdDefaultBaseIsMoof      = 0x020000
)

// aligned(8) class TrackFragmentHeaderBox extends FullBox(‘tfhd’, 0, tf_flags){
//     unsigned int(32) track_ID;
//     // all the following are optional fields
//     unsigned int(64) base_data_offset;
//     unsigned int(32) sample_description_index;
//     unsigned int(32) default_sample_duration;
//     unsigned int(32) default_sample_size;
//     unsigned int(32) default_sample_flags
// }

type TrackFragmentHeaderBox struct {
	FullBox
	TrackID                uint32
	BaseDataOffset         uint64
	SampleDescriptionIndex uint32
	DefaultSampleDuration  uint32
	DefaultSampleSize      uint32
	DefaultSampleFlags     uint32
}

func (tfhd *TrackFragmentHeaderBox) Size() int {
	size := 8
	if tfhd.Flags&TfhdBaseDataOffset != 0 {
		size += 8
	}
	for _, f := range []uint32{TfhdSampleDescriptionIndex, TfhdDefaultSampleDuration, TfhdDefaultSampleSize, TfhdDefaultSampleFlags} {
		if tfhd.Flags&f != 0 {
			size += 4
		}
	}
	return size
}

func (tfhd *TrackFragmentHeaderBox) Encode(w *util.ByteWriter) {
	tfhd.encodeFull(w)
	w.WriteU32(tfhd.TrackID)
	if tfhd.Flags&TfhdBaseDataOffset != 0 {
		w.WriteU64(tfhd.BaseDataOffset)
	}
	if tfhd.Flags&TfhdSampleDescriptionIndex != 0 {
		w.WriteU32(tfhd.SampleDescriptionIndex)
	}
	if tfhd.Flags&TfhdDefaultSampleDuration != 0 {
		w.WriteU32(tfhd.DefaultSampleDuration)
	}
	if tfhd.Flags&TfhdDefaultSampleSize != 0 {
		w.WriteU32(tfhd.DefaultSampleSize)
	}
	if tfhd.Flags&TfhdDefaultSampleFlags != 0 {
		w.WriteU32(tfhd.DefaultSampleFlags)
	}
}

func (tfhd *TrackFragmentHeaderBox) Decode(c *util.ByteCursor) (err error) {
	if err = tfhd.decodeFull(c); err != nil {
		return
	}
	if tfhd.TrackID, err = c.ReadU32(); err != nil {
		return
	}
	if tfhd.Flags&TfhdBaseDataOffset != 0 {
		if tfhd.BaseDataOffset, err = c.ReadU64(); err != nil {
			return
		}
	}
	for _, f := range []struct {
		flag uint32
		v    *uint32
	}{
		{TfhdSampleDescriptionIndex, &tfhd.SampleDescriptionIndex},
		{TfhdDefaultSampleDuration, &tfhd.DefaultSampleDuration},
		{TfhdDefaultSampleSize, &tfhd.DefaultSampleSize},
		{TfhdDefaultSampleFlags, &tfhd.DefaultSampleFlags},
	} {
		if tfhd.Flags&f.flag != 0 {
			if *f.v, err = c.ReadU32(); err != nil {
				return
			}
		}
	}
	return
}

// aligned(8) class TrackFragmentBaseMediaDecodeTimeBox extends FullBox(‘tfdt’, version, 0) {
//     if (version==1) {
//        unsigned int(64) baseMediaDecodeTime;
//     } else { // version==0
//        unsigned int(32) baseMediaDecodeTime;
//     }
// }

type TrackFragmentDecodeTimeBox struct {
	FullBox
	BaseMediaDecodeTime uint64
}

func (*TrackFragmentDecodeTimeBox) Size() int {
	return 12
}

func (tfdt *TrackFragmentDecodeTimeBox) Encode(w *util.ByteWriter) {
	(&FullBox{Version: 1}).encodeFull(w)
	w.WriteU64(tfdt.BaseMediaDecodeTime)
}

func (tfdt *TrackFragmentDecodeTimeBox) Decode(c *util.ByteCursor) (err error) {
	if err = tfdt.decodeFull(c); err != nil {
		return
	}
	tfdt.BaseMediaDecodeTime, err = readVersioned(c, tfdt.Version == 1)
	return
}

const (
	TrunDataOffset                   = 0x000001
	TrunFirstSampleFlags             = 0x000004
	TrunSampleDuration               = 0x000100
	TrunSampleSize                   = 0x000200
	TrunSampleFlags                  = 0x000400
	TrunSampleCompositionTimeOffsets = 0x000800
)

// sample_flags bits
const (
	SampleDependsOnOthers = 0x01000000
	SampleDependsOnNone   = 0x02000000
	SampleIsNonSync       = 0x00010000
)

// aligned(8) class TrackRunBox extends FullBox(‘trun’, version, tr_flags) {
//     unsigned int(32) sample_count;
//     // the following are optional fields
//     signed int(32) data_offset;
//     unsigned int(32) first_sample_flags;
//     // all fields in the following array are optional
//     {
//        unsigned int(32) sample_duration;
//        unsigned int(32) sample_size;
//        unsigned int(32) sample_flags
//        if (version == 0)
//           { unsigned int(32) sample_composition_time_offset; }
//        else
//           { signed int(32) sample_composition_time_offset; }
//     }[ sample_count ]
// }

type TrunEntry struct {
	Duration              uint32
	Size                  uint32
	Flags                 uint32
	CompositionTimeOffset int32
}

type TrackRunBox struct {
	FullBox
	DataOffset       int32
	FirstSampleFlags uint32
	Entries          []TrunEntry
}

func (trun *TrackRunBox) entrySize() (size int) {
	for _, f := range []uint32{TrunSampleDuration, TrunSampleSize, TrunSampleFlags, TrunSampleCompositionTimeOffsets} {
		if trun.Flags&f != 0 {
			size += 4
		}
	}
	return
}

func (trun *TrackRunBox) Size() int {
	size := 8
	if trun.Flags&TrunDataOffset != 0 {
		size += 4
	}
	if trun.Flags&TrunFirstSampleFlags != 0 {
		size += 4
	}
	return size + trun.entrySize()*len(trun.Entries)
}

// DataOffsetPos is the position of data_offset relative to the box start,
// for patching once the moof size is known.
const DataOffsetPos = BasicBoxLen + 8

func (trun *TrackRunBox) Encode(w *util.ByteWriter) {
	trun.encodeFull(w)
	w.WriteU32(uint32(len(trun.Entries)))
	if trun.Flags&TrunDataOffset != 0 {
		w.WriteI32(trun.DataOffset)
	}
	if trun.Flags&TrunFirstSampleFlags != 0 {
		w.WriteU32(trun.FirstSampleFlags)
	}
	for _, e := range trun.Entries {
		if trun.Flags&TrunSampleDuration != 0 {
			w.WriteU32(e.Duration)
		}
		if trun.Flags&TrunSampleSize != 0 {
			w.WriteU32(e.Size)
		}
		if trun.Flags&TrunSampleFlags != 0 {
			w.WriteU32(e.Flags)
		}
		if trun.Flags&TrunSampleCompositionTimeOffsets != 0 {
			w.WriteI32(e.CompositionTimeOffset)
		}
	}
}

// Decode fills only the per-sample fields the flags carry; the caller applies
// tfhd and trex defaults.
func (trun *TrackRunBox) Decode(c *util.ByteCursor) (err error) {
	if err = trun.decodeFull(c); err != nil {
		return
	}
	var n uint32
	if n, err = c.ReadU32(); err != nil {
		return
	}
	if trun.Flags&TrunDataOffset != 0 {
		if trun.DataOffset, err = c.ReadI32(); err != nil {
			return
		}
	}
	if trun.Flags&TrunFirstSampleFlags != 0 {
		if trun.FirstSampleFlags, err = c.ReadU32(); err != nil {
			return
		}
	}
	if es := trun.entrySize(); int64(n)*int64(es) > int64(c.Remaining()) {
		return util.Malformed("trun declares %d samples in %d bytes", n, c.Remaining())
	}
	trun.Entries = make([]TrunEntry, n)
	for i := range trun.Entries {
		e := &trun.Entries[i]
		if trun.Flags&TrunSampleDuration != 0 {
			e.Duration, _ = c.ReadU32()
		}
		if trun.Flags&TrunSampleSize != 0 {
			e.Size, _ = c.ReadU32()
		}
		if trun.Flags&TrunSampleFlags != 0 {
			e.Flags, _ = c.ReadU32()
		}
		if trun.Flags&TrunSampleCompositionTimeOffsets != 0 {
			e.CompositionTimeOffset, _ = c.ReadI32()
		}
	}
	return
}

// aligned(8) class TrackFragmentRandomAccessBox extends FullBox(‘tfra’, version, 0) {
//     unsigned int(32) track_ID;
//     const unsigned int(26) reserved = 0;
//     unsigned int(2) length_size_of_traf_num;
//     unsigned int(2) length_size_of_trun_num;
//     unsigned int(2) length_size_of_sample_num;
//     unsigned int(32) number_of_entry;
//     for(i=1; i <= number_of_entry; i++){
//        if(version==1){
//           unsigned int(64) time;
//           unsigned int(64) moof_offset;
//        }else{
//           unsigned int(32) time;
//           unsigned int(32) moof_offset;
//        }
//        unsigned int((length_size_of_traf_num+1) * 8) traf_number;
//        unsigned int((length_size_of_trun_num+1) * 8) trun_number;
//        unsigned int((length_size_of_sample_num+1) * 8) sample_number;
//     }
// }

type TfraEntry struct {
	Time         uint64
	MoofOffset   uint64
	TrafNumber   uint32
	TrunNumber   uint32
	SampleNumber uint32
}

type TrackFragmentRandomAccessBox struct {
	FullBox
	TrackID uint32
	Entries []TfraEntry
}

func (tfra *TrackFragmentRandomAccessBox) Size() int {
	return 12 + 4 + (16+3)*len(tfra.Entries)
}

func (tfra *TrackFragmentRandomAccessBox) Encode(w *util.ByteWriter) {
	(&FullBox{Version: 1}).encodeFull(w)
	w.WriteU32(tfra.TrackID)
	w.WriteU32(0)
	w.WriteU32(uint32(len(tfra.Entries)))
	for _, e := range tfra.Entries {
		w.WriteU64(e.Time)
		w.WriteU64(e.MoofOffset)
		w.WriteU8(uint8(e.TrafNumber))
		w.WriteU8(uint8(e.TrunNumber))
		w.WriteU8(uint8(e.SampleNumber))
	}
}

func (tfra *TrackFragmentRandomAccessBox) Decode(c *util.ByteCursor) (err error) {
	if err = tfra.decodeFull(c); err != nil {
		return
	}
	if tfra.TrackID, err = c.ReadU32(); err != nil {
		return
	}
	var sizes uint32
	if sizes, err = c.ReadU32(); err != nil {
		return
	}
	trafLen, trunLen, sampleLen := int(sizes>>4&3)+1, int(sizes>>2&3)+1, int(sizes&3)+1
	timeLen := 4
	if tfra.Version == 1 {
		timeLen = 8
	}
	n, err := readCount(c, "tfra", 2*timeLen+trafLen+trunLen+sampleLen)
	if err != nil {
		return
	}
	tfra.Entries = make([]TfraEntry, n)
	for i := range tfra.Entries {
		e := &tfra.Entries[i]
		e.Time, _ = readVersioned(c, tfra.Version == 1)
		e.MoofOffset, _ = readVersioned(c, tfra.Version == 1)
		v, _ := c.ReadUint(trafLen)
		e.TrafNumber = uint32(v)
		v, _ = c.ReadUint(trunLen)
		e.TrunNumber = uint32(v)
		v, _ = c.ReadUint(sampleLen)
		e.SampleNumber = uint32(v)
	}
	return
}

// aligned(8) class MovieFragmentRandomAccessOffsetBox extends FullBox(‘mfro’, version, 0) {
//     unsigned int(32) size;
// }

const MfroLen = FullBoxLen + 4

type MovieFragmentRandomAccessOffsetBox uint32

func (MovieFragmentRandomAccessOffsetBox) Size() int {
	return 8
}

func (mfro MovieFragmentRandomAccessOffsetBox) Encode(w *util.ByteWriter) {
	w.WriteU32(0)
	w.WriteU32(uint32(mfro))
}
