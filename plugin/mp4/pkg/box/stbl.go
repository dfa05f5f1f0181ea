package box

import (
	"math"

	"m7s.live/mediakit/pkg/util"
)

// readCount reads an entry count and checks that count entries of size bytes
// fit in what is left.
func readCount(c *util.ByteCursor, name string, size int) (n int, err error) {
	var v uint32
	if v, err = c.ReadU32(); err != nil {
		return
	}
	if int64(v)*int64(size) > int64(c.Remaining()) {
		return 0, util.Malformed("%s declares %d entries in %d bytes", name, v, c.Remaining())
	}
	return int(v), nil
}

// aligned(8) class TimeToSampleBox extends FullBox(’stts’, version = 0, 0) {
//     unsigned int(32)  entry_count;
//     for (i=0; i < entry_count; i++) {
//        unsigned int(32)  sample_count;
//        unsigned int(32)  sample_delta;
//     }
// }

type STTSEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

type TimeToSampleBox struct {
	FullBox
	Entries []STTSEntry
}

func (stts *TimeToSampleBox) Size() int {
	return 8 + 8*len(stts.Entries)
}

func (stts *TimeToSampleBox) Encode(w *util.ByteWriter) {
	stts.encodeFull(w)
	w.WriteU32(uint32(len(stts.Entries)))
	for _, e := range stts.Entries {
		w.WriteU32(e.SampleCount)
		w.WriteU32(e.SampleDelta)
	}
}

func (stts *TimeToSampleBox) Decode(c *util.ByteCursor) (err error) {
	if err = stts.decodeFull(c); err != nil {
		return
	}
	n, err := readCount(c, "stts", 8)
	if err != nil {
		return
	}
	stts.Entries = make([]STTSEntry, n)
	for i := range stts.Entries {
		stts.Entries[i].SampleCount, _ = c.ReadU32()
		stts.Entries[i].SampleDelta, _ = c.ReadU32()
	}
	return
}

// Append adds one sample, extending the last run when the delta repeats.
func (stts *TimeToSampleBox) Append(delta uint32, count uint32) {
	if n := len(stts.Entries); n > 0 && stts.Entries[n-1].SampleDelta == delta {
		stts.Entries[n-1].SampleCount += count
		return
	}
	stts.Entries = append(stts.Entries, STTSEntry{count, delta})
}

// aligned(8) class CompositionOffsetBox extends FullBox(‘ctts’, version, 0) {
//     unsigned int(32) entry_count;
//     int i;
//     if (version==0) {
//        for (i=0; i < entry_count; i++) {
//           unsigned int(32) sample_count;
//           unsigned int(32) sample_offset;
//        }
//     }
//     else if (version == 1) {
//        for (i=0; i < entry_count; i++) {
//           unsigned int(32) sample_count;
//           signed int(32) sample_offset;
//        }
//     }
// }

type CTTSEntry struct {
	SampleCount  uint32
	SampleOffset int32
}

type CompositionOffsetBox struct {
	FullBox
	Entries []CTTSEntry
}

func (ctts *CompositionOffsetBox) Size() int {
	return 8 + 8*len(ctts.Entries)
}

func (ctts *CompositionOffsetBox) Encode(w *util.ByteWriter) {
	fb := FullBox{}
	for _, e := range ctts.Entries {
		if e.SampleOffset < 0 {
			fb.Version = 1
			break
		}
	}
	fb.encodeFull(w)
	w.WriteU32(uint32(len(ctts.Entries)))
	for _, e := range ctts.Entries {
		w.WriteU32(e.SampleCount)
		w.WriteI32(e.SampleOffset)
	}
}

// Decode reads both versions as signed; version 0 offsets above 2^31 are
// written by muxers that meant negative values.
func (ctts *CompositionOffsetBox) Decode(c *util.ByteCursor) (err error) {
	if err = ctts.decodeFull(c); err != nil {
		return
	}
	n, err := readCount(c, "ctts", 8)
	if err != nil {
		return
	}
	ctts.Entries = make([]CTTSEntry, n)
	for i := range ctts.Entries {
		ctts.Entries[i].SampleCount, _ = c.ReadU32()
		ctts.Entries[i].SampleOffset, _ = c.ReadI32()
	}
	return
}

func (ctts *CompositionOffsetBox) Append(offset int32, count uint32) {
	if n := len(ctts.Entries); n > 0 && ctts.Entries[n-1].SampleOffset == offset {
		ctts.Entries[n-1].SampleCount += count
		return
	}
	ctts.Entries = append(ctts.Entries, CTTSEntry{count, offset})
}

// aligned(8) class SampleToChunkBox extends FullBox(‘stsc’, version = 0, 0) {
//     unsigned int(32) entry_count;
//     for (i=1; i <= entry_count; i++) {
//        unsigned int(32) first_chunk;
//        unsigned int(32) samples_per_chunk;
//        unsigned int(32) sample_description_index;
//     }
// }

type STSCEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

type SampleToChunkBox struct {
	FullBox
	Entries []STSCEntry
}

func (stsc *SampleToChunkBox) Size() int {
	return 8 + 12*len(stsc.Entries)
}

func (stsc *SampleToChunkBox) Encode(w *util.ByteWriter) {
	stsc.encodeFull(w)
	w.WriteU32(uint32(len(stsc.Entries)))
	for _, e := range stsc.Entries {
		w.WriteU32(e.FirstChunk)
		w.WriteU32(e.SamplesPerChunk)
		w.WriteU32(e.SampleDescriptionIndex)
	}
}

func (stsc *SampleToChunkBox) Decode(c *util.ByteCursor) (err error) {
	if err = stsc.decodeFull(c); err != nil {
		return
	}
	n, err := readCount(c, "stsc", 12)
	if err != nil {
		return
	}
	stsc.Entries = make([]STSCEntry, n)
	for i := range stsc.Entries {
		e := &stsc.Entries[i]
		e.FirstChunk, _ = c.ReadU32()
		e.SamplesPerChunk, _ = c.ReadU32()
		e.SampleDescriptionIndex, _ = c.ReadU32()
		if e.FirstChunk == 0 || (i > 0 && e.FirstChunk <= stsc.Entries[i-1].FirstChunk) {
			return util.Malformed("stsc entry %d starts at chunk %d", i, e.FirstChunk)
		}
	}
	return
}

// AppendChunk records a chunk of n samples, merging with the previous run
// when n repeats.
func (stsc *SampleToChunkBox) AppendChunk(chunk uint32, n uint32) {
	if l := len(stsc.Entries); l > 0 && stsc.Entries[l-1].SamplesPerChunk == n {
		return
	}
	stsc.Entries = append(stsc.Entries, STSCEntry{chunk, n, 1})
}

// aligned(8) class SampleSizeBox extends FullBox(‘stsz’, version = 0, 0) {
//     unsigned int(32)  sample_size;
//     unsigned int(32)  sample_count;
//     if (sample_size==0) {
//        for (i=1; i <= sample_count; i++) {
//           unsigned int(32)  entry_size;
//        }
//     }
// }
// aligned(8) class CompactSampleSizeBox extends FullBox(‘stz2’, version = 0, 0) {
//     unsigned int(24)  reserved = 0;
//     unsigned int(8)   field_size;
//     unsigned int(32)  sample_count;
//     for (i=1; i <= sample_count; i++) {
//        unsigned int(field_size)  entry_size;
//     }
// }

type SampleSizeBox struct {
	FullBox
	SampleSize  uint32
	SampleCount uint32
	EntrySizes  []uint32
}

func (stsz *SampleSizeBox) Size() int {
	if stsz.SampleSize != 0 {
		return 12
	}
	return 12 + 4*len(stsz.EntrySizes)
}

func (stsz *SampleSizeBox) Encode(w *util.ByteWriter) {
	stsz.encodeFull(w)
	w.WriteU32(stsz.SampleSize)
	if stsz.SampleSize != 0 {
		w.WriteU32(stsz.SampleCount)
		return
	}
	w.WriteU32(uint32(len(stsz.EntrySizes)))
	for _, s := range stsz.EntrySizes {
		w.WriteU32(s)
	}
}

func (stsz *SampleSizeBox) Decode(c *util.ByteCursor) (err error) {
	if err = stsz.decodeFull(c); err != nil {
		return
	}
	if stsz.SampleSize, err = c.ReadU32(); err != nil {
		return
	}
	if stsz.SampleSize != 0 {
		stsz.SampleCount, err = c.ReadU32()
		return
	}
	n, err := readCount(c, "stsz", 4)
	if err != nil {
		return
	}
	stsz.SampleCount = uint32(n)
	stsz.EntrySizes = make([]uint32, n)
	for i := range stsz.EntrySizes {
		stsz.EntrySizes[i], _ = c.ReadU32()
	}
	return
}

// DecodeCompact reads an stz2 body into the same shape.
func (stsz *SampleSizeBox) DecodeCompact(c *util.ByteCursor) (err error) {
	if err = stsz.decodeFull(c); err != nil {
		return
	}
	var field uint32
	if field, err = c.ReadU32(); err != nil {
		return
	}
	bits := int(field & 0xFF)
	if bits != 4 && bits != 8 && bits != 16 {
		return util.Malformed("stz2 field size %d", bits)
	}
	var n uint32
	if n, err = c.ReadU32(); err != nil {
		return
	}
	if int64(n)*int64(bits) > int64(c.Remaining())*8 {
		return util.Malformed("stz2 declares %d entries in %d bytes", n, c.Remaining())
	}
	stsz.SampleCount = n
	stsz.EntrySizes = make([]uint32, n)
	r := util.NewBitReader(c.Data[c.Pos:])
	for i := range stsz.EntrySizes {
		v, _ := r.ReadBits(bits)
		stsz.EntrySizes[i] = uint32(v)
	}
	return c.Skip(c.Remaining())
}

// Len is the number of samples described.
func (stsz *SampleSizeBox) Len() int {
	if stsz.SampleSize != 0 {
		return int(stsz.SampleCount)
	}
	return len(stsz.EntrySizes)
}

func (stsz *SampleSizeBox) At(i int) uint32 {
	if stsz.SampleSize != 0 {
		return stsz.SampleSize
	}
	return stsz.EntrySizes[i]
}

// Compact switches to a single sample_size when every entry is equal.
func (stsz *SampleSizeBox) Compact() {
	if len(stsz.EntrySizes) == 0 {
		return
	}
	for _, s := range stsz.EntrySizes[1:] {
		if s != stsz.EntrySizes[0] {
			return
		}
	}
	stsz.SampleSize, stsz.SampleCount = stsz.EntrySizes[0], uint32(len(stsz.EntrySizes))
	stsz.EntrySizes = nil
}

// aligned(8) class ChunkOffsetBox extends FullBox(‘stco’, version = 0, 0) {
//     unsigned int(32) entry_count;
//     for (i=1; i <= entry_count; i++) {
//        unsigned int(32)  chunk_offset;
//     }
// }
// aligned(8) class ChunkLargeOffsetBox extends FullBox(‘co64’, version = 0, 0) {
//     unsigned int(32) entry_count;
//     for (i=1; i <= entry_count; i++) {
//        unsigned int(64)  chunk_offset;
//     }
// }

type ChunkOffsetBox struct {
	FullBox
	Large   bool
	Offsets []uint64
}

func NewChunkOffsetBox(offsets []uint64) *ChunkOffsetBox {
	stco := &ChunkOffsetBox{Offsets: offsets}
	for _, o := range offsets {
		if o > math.MaxUint32 {
			stco.Large = true
			break
		}
	}
	return stco
}

// Type is co64 when any offset needs 64 bits.
func (stco *ChunkOffsetBox) Type() [4]byte {
	if stco.Large {
		return TypeCO64
	}
	return TypeSTCO
}

func (stco *ChunkOffsetBox) Size() int {
	if stco.Large {
		return 8 + 8*len(stco.Offsets)
	}
	return 8 + 4*len(stco.Offsets)
}

func (stco *ChunkOffsetBox) Encode(w *util.ByteWriter) {
	stco.encodeFull(w)
	w.WriteU32(uint32(len(stco.Offsets)))
	for _, o := range stco.Offsets {
		writeVersioned(w, stco.Large, o)
	}
}

func (stco *ChunkOffsetBox) Decode(c *util.ByteCursor) (err error) {
	if err = stco.decodeFull(c); err != nil {
		return
	}
	size := 4
	if stco.Large {
		size = 8
	}
	n, err := readCount(c, "stco", size)
	if err != nil {
		return
	}
	stco.Offsets = make([]uint64, n)
	for i := range stco.Offsets {
		stco.Offsets[i], _ = readVersioned(c, stco.Large)
	}
	return
}

// Node wraps the box under its current type.
func (stco *ChunkOffsetBox) Node() *Node {
	return New(stco.Type(), stco)
}

// aligned(8) class SyncSampleBox extends FullBox(‘stss’, version = 0, 0) {
//     unsigned int(32) entry_count;
//     int i;
//     for (i=0; i < entry_count; i++) {
//        unsigned int(32) sample_number;
//     }
// }

type SyncSampleBox struct {
	FullBox
	// SampleNumbers are 1-based and ascending.
	SampleNumbers []uint32
}

func (stss *SyncSampleBox) Size() int {
	return 8 + 4*len(stss.SampleNumbers)
}

func (stss *SyncSampleBox) Encode(w *util.ByteWriter) {
	stss.encodeFull(w)
	w.WriteU32(uint32(len(stss.SampleNumbers)))
	for _, n := range stss.SampleNumbers {
		w.WriteU32(n)
	}
}

func (stss *SyncSampleBox) Decode(c *util.ByteCursor) (err error) {
	if err = stss.decodeFull(c); err != nil {
		return
	}
	n, err := readCount(c, "stss", 4)
	if err != nil {
		return
	}
	stss.SampleNumbers = make([]uint32, n)
	for i := range stss.SampleNumbers {
		stss.SampleNumbers[i], _ = c.ReadU32()
	}
	return
}
