package box

import (
	"math"
	"time"

	"m7s.live/mediakit/pkg/util"
)

// seconds between 1904-01-01 and the unix epoch
const macEpochOffset = 0x7C25B080

func MacTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix() + macEpochOffset)
}

// aligned(8) class FileTypeBox extends Box(‘ftyp’) {
//     unsigned int(32) major_brand;
//     unsigned int(32) minor_version;
//     unsigned int(32) compatible_brands[];
// }

type FileTypeBox struct {
	MajorBrand       [4]byte
	MinorVersion     uint32
	CompatibleBrands [][4]byte
}

func (ftyp *FileTypeBox) Size() int {
	return 8 + 4*len(ftyp.CompatibleBrands)
}

func (ftyp *FileTypeBox) Encode(w *util.ByteWriter) {
	w.WriteBytes(ftyp.MajorBrand[:]...)
	w.WriteU32(ftyp.MinorVersion)
	for _, b := range ftyp.CompatibleBrands {
		w.WriteBytes(b[:]...)
	}
}

func (ftyp *FileTypeBox) Decode(c *util.ByteCursor) (err error) {
	var b []byte
	if b, err = c.ReadBytes(4); err != nil {
		return
	}
	copy(ftyp.MajorBrand[:], b)
	if ftyp.MinorVersion, err = c.ReadU32(); err != nil {
		return
	}
	for c.Remaining() >= 4 {
		b, _ = c.ReadBytes(4)
		ftyp.CompatibleBrands = append(ftyp.CompatibleBrands, [4]byte(b))
	}
	return
}

func (ftyp *FileTypeBox) Has(brand [4]byte) bool {
	if ftyp.MajorBrand == brand {
		return true
	}
	for _, b := range ftyp.CompatibleBrands {
		if b == brand {
			return true
		}
	}
	return false
}

// readVersioned reads a field that is 64 bits wide in version 1 boxes.
func readVersioned(c *util.ByteCursor, v1 bool) (uint64, error) {
	if v1 {
		return c.ReadU64()
	}
	v, err := c.ReadU32()
	return uint64(v), err
}

func writeVersioned(w *util.ByteWriter, v1 bool, v uint64) {
	if v1 {
		w.WriteU64(v)
	} else {
		w.WriteU32(uint32(v))
	}
}

// aligned(8) class MovieHeaderBox extends FullBox(‘mvhd’, version, 0) {
//     if (version==1) {
//        unsigned int(64)  creation_time;
//        unsigned int(64)  modification_time;
//        unsigned int(32)  timescale;
//        unsigned int(64)  duration;
//     } else { // version==0
//        unsigned int(32)  creation_time;
//        unsigned int(32)  modification_time;
//        unsigned int(32)  timescale;
//        unsigned int(32)  duration;
//     }
//     template int(32) rate = 0x00010000; // typically 1.0
//     template int(16) volume = 0x0100; // typically, full volume
//     const bit(16) reserved = 0;
//     const unsigned int(32)[2] reserved = 0;
//     template int(32)[9] matrix = { 0x00010000,0,0,0,0x00010000,0,0,0,0x40000000 };
//     bit(32)[6]  pre_defined = 0;
//     unsigned int(32)  next_track_ID;
// }

type MovieHeaderBox struct {
	FullBox
	CreationTime     uint64
	ModificationTime uint64
	Timescale        uint32
	Duration         uint64
	Rate             float64
	Volume           float64
	Matrix           Matrix
	NextTrackID      uint32
}

func NewMovieHeaderBox(timescale uint32, duration uint64, nextTrackID uint32) *MovieHeaderBox {
	now := MacTime(time.Now())
	return &MovieHeaderBox{
		CreationTime:     now,
		ModificationTime: now,
		Timescale:        timescale,
		Duration:         duration,
		Rate:             1,
		Volume:           1,
		Matrix:           IdentityMatrix,
		NextTrackID:      nextTrackID,
	}
}

func (mvhd *MovieHeaderBox) v1() bool {
	return mvhd.Duration > math.MaxUint32 || mvhd.CreationTime > math.MaxUint32
}

func (mvhd *MovieHeaderBox) Size() int {
	if mvhd.v1() {
		return 112
	}
	return 100
}

func (mvhd *MovieHeaderBox) Encode(w *util.ByteWriter) {
	v1 := mvhd.v1()
	fb := FullBox{}
	if v1 {
		fb.Version = 1
	}
	fb.encodeFull(w)
	writeVersioned(w, v1, mvhd.CreationTime)
	writeVersioned(w, v1, mvhd.ModificationTime)
	w.WriteU32(mvhd.Timescale)
	writeVersioned(w, v1, mvhd.Duration)
	w.WriteFixed16_16(mvhd.Rate)
	w.WriteFixed8_8(mvhd.Volume)
	w.WriteZero(10)
	mvhd.Matrix.encode(w)
	w.WriteZero(24)
	w.WriteU32(mvhd.NextTrackID)
}

func (mvhd *MovieHeaderBox) Decode(c *util.ByteCursor) (err error) {
	if err = mvhd.decodeFull(c); err != nil {
		return
	}
	v1 := mvhd.Version == 1
	if mvhd.CreationTime, err = readVersioned(c, v1); err != nil {
		return
	}
	if mvhd.ModificationTime, err = readVersioned(c, v1); err != nil {
		return
	}
	if mvhd.Timescale, err = c.ReadU32(); err != nil {
		return
	}
	if mvhd.Duration, err = readVersioned(c, v1); err != nil {
		return
	}
	if mvhd.Rate, err = c.ReadFixed16_16(); err != nil {
		return
	}
	if mvhd.Volume, err = c.ReadFixed8_8(); err != nil {
		return
	}
	if err = c.Skip(10); err != nil {
		return
	}
	if err = mvhd.Matrix.decode(c); err != nil {
		return
	}
	if err = c.Skip(24); err != nil {
		return
	}
	mvhd.NextTrackID, err = c.ReadU32()
	return
}

// Matrix is the 3x3 transformation {a,b,u,c,d,v,x,y,w}; u, v and w are 2.30
// fixed point, the rest 16.16.
type Matrix [9]int32

var IdentityMatrix = Matrix{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000}

// RotationMatrix returns the matrix turning the picture clockwise by
// degrees, which must be a multiple of 90.
func RotationMatrix(degrees int) Matrix {
	switch ((degrees%360 + 360) % 360) / 90 {
	case 1:
		return Matrix{0, 0x10000, 0, -0x10000, 0, 0, 0, 0, 0x40000000}
	case 2:
		return Matrix{-0x10000, 0, 0, 0, -0x10000, 0, 0, 0, 0x40000000}
	case 3:
		return Matrix{0, -0x10000, 0, 0x10000, 0, 0, 0, 0, 0x40000000}
	}
	return IdentityMatrix
}

// Rotation is the clockwise rotation in degrees, snapped to a multiple of 90.
func (m Matrix) Rotation() int {
	deg := math.Atan2(float64(m[1]), float64(m[0])) * 180 / math.Pi
	r := int(math.Round(deg/90)) * 90
	return (r%360 + 360) % 360
}

func (m *Matrix) encode(w *util.ByteWriter) {
	for _, v := range m {
		w.WriteI32(v)
	}
}

func (m *Matrix) decode(c *util.ByteCursor) (err error) {
	for i := range m {
		if m[i], err = c.ReadI32(); err != nil {
			return
		}
	}
	return
}

// aligned(8) class TrackHeaderBox extends FullBox(‘tkhd’, version, flags){
//     if (version==1) {
//        unsigned int(64)  creation_time;
//        unsigned int(64)  modification_time;
//        unsigned int(32)  track_ID;
//        const unsigned int(32)  reserved = 0;
//        unsigned int(64)  duration;
//     } else { // version==0
//        unsigned int(32)  creation_time;
//        unsigned int(32)  modification_time;
//        unsigned int(32)  track_ID;
//        const unsigned int(32)  reserved = 0;
//        unsigned int(32)  duration;
//     }
//     const unsigned int(32)[2] reserved = 0;
//     template int(16) layer = 0;
//     template int(16) alternate_group = 0;
//     template int(16) volume = {if track_is_audio 0x0100 else 0};
//     const unsigned int(16) reserved = 0;
//     template int(32)[9] matrix= { 0x00010000,0,0,0,0x00010000,0,0,0,0x40000000 };
//     unsigned int(32) width;
//     unsigned int(32) height;
// }

const (
	TrackEnabled   = 0x1
	TrackInMovie   = 0x2
	TrackInPreview = 0x4
)

type TrackHeaderBox struct {
	FullBox
	CreationTime     uint64
	ModificationTime uint64
	TrackID          uint32
	Duration         uint64
	Layer            int16
	AlternateGroup   int16
	Volume           float64
	Matrix           Matrix
	Width, Height    float64
}

func NewTrackHeaderBox(trackID uint32, duration uint64) *TrackHeaderBox {
	now := MacTime(time.Now())
	return &TrackHeaderBox{
		FullBox:          FullBox{Flags: TrackEnabled | TrackInMovie},
		CreationTime:     now,
		ModificationTime: now,
		TrackID:          trackID,
		Duration:         duration,
		Matrix:           IdentityMatrix,
	}
}

func (tkhd *TrackHeaderBox) v1() bool {
	return tkhd.Duration > math.MaxUint32 || tkhd.CreationTime > math.MaxUint32
}

func (tkhd *TrackHeaderBox) Size() int {
	if tkhd.v1() {
		return 96
	}
	return 84
}

func (tkhd *TrackHeaderBox) Encode(w *util.ByteWriter) {
	v1 := tkhd.v1()
	fb := FullBox{Flags: tkhd.Flags}
	if v1 {
		fb.Version = 1
	}
	fb.encodeFull(w)
	writeVersioned(w, v1, tkhd.CreationTime)
	writeVersioned(w, v1, tkhd.ModificationTime)
	w.WriteU32(tkhd.TrackID)
	w.WriteU32(0)
	writeVersioned(w, v1, tkhd.Duration)
	w.WriteZero(8)
	w.WriteI16(tkhd.Layer)
	w.WriteI16(tkhd.AlternateGroup)
	w.WriteFixed8_8(tkhd.Volume)
	w.WriteU16(0)
	tkhd.Matrix.encode(w)
	w.WriteFixed16_16(tkhd.Width)
	w.WriteFixed16_16(tkhd.Height)
}

func (tkhd *TrackHeaderBox) Decode(c *util.ByteCursor) (err error) {
	if err = tkhd.decodeFull(c); err != nil {
		return
	}
	v1 := tkhd.Version == 1
	if tkhd.CreationTime, err = readVersioned(c, v1); err != nil {
		return
	}
	if tkhd.ModificationTime, err = readVersioned(c, v1); err != nil {
		return
	}
	if tkhd.TrackID, err = c.ReadU32(); err != nil {
		return
	}
	if err = c.Skip(4); err != nil {
		return
	}
	if tkhd.Duration, err = readVersioned(c, v1); err != nil {
		return
	}
	if err = c.Skip(8); err != nil {
		return
	}
	if tkhd.Layer, err = c.ReadI16(); err != nil {
		return
	}
	if tkhd.AlternateGroup, err = c.ReadI16(); err != nil {
		return
	}
	if tkhd.Volume, err = c.ReadFixed8_8(); err != nil {
		return
	}
	if err = c.Skip(2); err != nil {
		return
	}
	if err = tkhd.Matrix.decode(c); err != nil {
		return
	}
	if tkhd.Width, err = c.ReadFixed16_16(); err != nil {
		return
	}
	tkhd.Height, err = c.ReadFixed16_16()
	return
}

// aligned(8) class MediaHeaderBox extends FullBox(‘mdhd’, version, 0) {
//     if (version==1) {
//        unsigned int(64)  creation_time;
//        unsigned int(64)  modification_time;
//        unsigned int(32)  timescale;
//        unsigned int(64)  duration;
//     } else { // version==0
//        unsigned int(32)  creation_time;
//        unsigned int(32)  modification_time;
//        unsigned int(32)  timescale;
//        unsigned int(32)  duration;
//     }
//     bit(1) pad = 0;
//     unsigned int(5)[3] language; // ISO-639-2/T language code
//     unsigned int(16) pre_defined = 0;
// }

type MediaHeaderBox struct {
	FullBox
	CreationTime     uint64
	ModificationTime uint64
	Timescale        uint32
	Duration         uint64
	Language         string
}

func (mdhd *MediaHeaderBox) v1() bool {
	return mdhd.Duration > math.MaxUint32 || mdhd.CreationTime > math.MaxUint32
}

func (mdhd *MediaHeaderBox) Size() int {
	if mdhd.v1() {
		return 36
	}
	return 24
}

func (mdhd *MediaHeaderBox) Encode(w *util.ByteWriter) {
	v1 := mdhd.v1()
	fb := FullBox{}
	if v1 {
		fb.Version = 1
	}
	fb.encodeFull(w)
	writeVersioned(w, v1, mdhd.CreationTime)
	writeVersioned(w, v1, mdhd.ModificationTime)
	w.WriteU32(mdhd.Timescale)
	writeVersioned(w, v1, mdhd.Duration)
	w.WriteU16(PackLanguage(mdhd.Language))
	w.WriteU16(0)
}

func (mdhd *MediaHeaderBox) Decode(c *util.ByteCursor) (err error) {
	if err = mdhd.decodeFull(c); err != nil {
		return
	}
	v1 := mdhd.Version == 1
	if mdhd.CreationTime, err = readVersioned(c, v1); err != nil {
		return
	}
	if mdhd.ModificationTime, err = readVersioned(c, v1); err != nil {
		return
	}
	if mdhd.Timescale, err = c.ReadU32(); err != nil {
		return
	}
	if mdhd.Duration, err = readVersioned(c, v1); err != nil {
		return
	}
	var lang uint16
	if lang, err = c.ReadU16(); err != nil {
		return
	}
	mdhd.Language = UnpackLanguage(lang)
	return
}

// PackLanguage packs a three letter ISO-639-2/T code, "und" when lang is not
// one.
func PackLanguage(lang string) uint16 {
	if len(lang) != 3 {
		lang = "und"
	}
	var v uint16
	for i := range 3 {
		ch := lang[i]
		if ch < 'a' || ch > 'z' {
			return PackLanguage("und")
		}
		v = v<<5 | uint16(ch-0x60)
	}
	return v
}

// UnpackLanguage returns "" for the QuickTime Macintosh codes and "und".
func UnpackLanguage(v uint16) string {
	if v < 0x400 || v == 0x7FFF {
		return ""
	}
	b := []byte{byte(v>>10&0x1F) + 0x60, byte(v>>5&0x1F) + 0x60, byte(v&0x1F) + 0x60}
	for _, ch := range b {
		if ch < 'a' || ch > 'z' {
			return ""
		}
	}
	if s := string(b); s != "und" {
		return s
	}
	return ""
}

// aligned(8) class HandlerBox extends FullBox(‘hdlr’, 0, 0) {
//     unsigned int(32) pre_defined = 0;
//     unsigned int(32) handler_type;
//     const unsigned int(32)[3] reserved = 0;
//     string   name;
// }

type HandlerBox struct {
	FullBox
	HandlerType [4]byte
	Name        string
}

func (hdlr *HandlerBox) Size() int {
	return 4 + 4 + 4 + 12 + len(hdlr.Name) + 1
}

func (hdlr *HandlerBox) Encode(w *util.ByteWriter) {
	hdlr.encodeFull(w)
	w.WriteU32(0)
	w.WriteBytes(hdlr.HandlerType[:]...)
	w.WriteZero(12)
	w.WriteString(hdlr.Name, -1)
	w.WriteU8(0)
}

func (hdlr *HandlerBox) Decode(c *util.ByteCursor) (err error) {
	if err = hdlr.decodeFull(c); err != nil {
		return
	}
	if err = c.Skip(4); err != nil {
		return
	}
	var b []byte
	if b, err = c.ReadBytes(4); err != nil {
		return
	}
	copy(hdlr.HandlerType[:], b)
	if err = c.Skip(12); err != nil {
		return
	}
	// QuickTime writes a pascal string, some muxers forget the terminator
	rest, _ := c.ReadBytes(c.Remaining())
	if len(rest) > 0 && int(rest[0]) == len(rest)-1 {
		rest = rest[1:]
	}
	for i, ch := range rest {
		if ch == 0 {
			rest = rest[:i]
			break
		}
	}
	hdlr.Name = string(rest)
	return
}

// aligned(8) class VideoMediaHeaderBox extends FullBox(‘vmhd’, version = 0, 1) {
//     template unsigned int(16) graphicsmode = 0; // copy, see below
//     template unsigned int(16)[3] opcolor = {0, 0, 0};
// }

type VideoMediaHeaderBox struct{}

func (VideoMediaHeaderBox) Size() int {
	return 12
}

func (VideoMediaHeaderBox) Encode(w *util.ByteWriter) {
	(&FullBox{Flags: 1}).encodeFull(w)
	w.WriteZero(8)
}

// aligned(8) class SoundMediaHeaderBox extends FullBox(‘smhd’, version = 0, 0) {
//     template int(16) balance = 0;
//     const unsigned int(16)  reserved = 0;
// }

type SoundMediaHeaderBox struct{}

func (SoundMediaHeaderBox) Size() int {
	return 8
}

func (SoundMediaHeaderBox) Encode(w *util.ByteWriter) {
	w.WriteZero(8)
}

// DataInformation is the dinf/dref pair pointing at the file itself.
func DataInformation() *Node {
	return Container(TypeDINF,
		New(TypeDREF, EntryCount(1),
			New(TypeURL, Raw{0, 0, 0, 1})))
}

// EntryCount is a FullBox followed by an entry count, the payload of stsd
// and dref.
type EntryCount uint32

func (EntryCount) Size() int {
	return 8
}

func (n EntryCount) Encode(w *util.ByteWriter) {
	w.WriteU32(0)
	w.WriteU32(uint32(n))
}

// aligned(8) class EditListBox extends FullBox(‘elst’, version, 0) {
//     unsigned int(32) entry_count;
//     for (i=1; i <= entry_count; i++) {
//        if (version==1) {
//           unsigned int(64) segment_duration;
//           int(64) media_time;
//        } else { // version==0
//           unsigned int(32) segment_duration;
//           int(32)  media_time;
//        }
//        int(16) media_rate_integer;
//        int(16) media_rate_fraction = 0;
//     }
// }

type EditListEntry struct {
	SegmentDuration uint64
	// MediaTime is -1 for an empty edit.
	MediaTime int64
	MediaRate float64
}

type EditListBox struct {
	FullBox
	Entries []EditListEntry
}

func (elst *EditListBox) v1() bool {
	for _, e := range elst.Entries {
		if e.SegmentDuration > math.MaxUint32 || e.MediaTime > math.MaxInt32 {
			return true
		}
	}
	return false
}

func (elst *EditListBox) Size() int {
	if elst.v1() {
		return 8 + 20*len(elst.Entries)
	}
	return 8 + 12*len(elst.Entries)
}

func (elst *EditListBox) Encode(w *util.ByteWriter) {
	v1 := elst.v1()
	fb := FullBox{}
	if v1 {
		fb.Version = 1
	}
	fb.encodeFull(w)
	w.WriteU32(uint32(len(elst.Entries)))
	for _, e := range elst.Entries {
		if v1 {
			w.WriteU64(e.SegmentDuration)
			w.WriteI64(e.MediaTime)
		} else {
			w.WriteU32(uint32(e.SegmentDuration))
			w.WriteI32(int32(e.MediaTime))
		}
		w.WriteFixed16_16(e.MediaRate)
	}
}

func (elst *EditListBox) Decode(c *util.ByteCursor) (err error) {
	if err = elst.decodeFull(c); err != nil {
		return
	}
	var n uint32
	if n, err = c.ReadU32(); err != nil {
		return
	}
	entrySize := 12
	if elst.Version == 1 {
		entrySize = 20
	}
	if int(n) > c.Remaining()/entrySize {
		return util.Malformed("elst declares %d entries in %d bytes", n, c.Remaining())
	}
	elst.Entries = make([]EditListEntry, n)
	for i := range elst.Entries {
		e := &elst.Entries[i]
		if elst.Version == 1 {
			e.SegmentDuration, _ = c.ReadU64()
			e.MediaTime, _ = c.ReadI64()
		} else {
			d, _ := c.ReadU32()
			t, _ := c.ReadI32()
			e.SegmentDuration, e.MediaTime = uint64(d), int64(t)
		}
		e.MediaRate, _ = c.ReadFixed16_16()
	}
	return
}

// MediaStart is the media time the presentation starts at, skipping empty
// edits.
func (elst *EditListBox) MediaStart() int64 {
	for _, e := range elst.Entries {
		if e.MediaTime >= 0 {
			return e.MediaTime
		}
	}
	return 0
}

// aligned(8) class MovieExtendsHeaderBox extends FullBox(‘mehd’, version, 0) {
//     if (version==1) {
//        unsigned int(64)  fragment_duration;
//     } else { // version==0
//        unsigned int(32)  fragment_duration;
//     }
// }

type MovieExtendsHeaderBox struct {
	FullBox
	FragmentDuration uint64
}

func (mehd *MovieExtendsHeaderBox) Size() int {
	if mehd.FragmentDuration > math.MaxUint32 {
		return 12
	}
	return 8
}

func (mehd *MovieExtendsHeaderBox) Encode(w *util.ByteWriter) {
	v1 := mehd.FragmentDuration > math.MaxUint32
	fb := FullBox{}
	if v1 {
		fb.Version = 1
	}
	fb.encodeFull(w)
	writeVersioned(w, v1, mehd.FragmentDuration)
}

func (mehd *MovieExtendsHeaderBox) Decode(c *util.ByteCursor) (err error) {
	if err = mehd.decodeFull(c); err != nil {
		return
	}
	mehd.FragmentDuration, err = readVersioned(c, mehd.Version == 1)
	return
}

// aligned(8) class TrackExtendsBox extends FullBox(‘trex’, 0, 0){
//     unsigned int(32) track_ID;
//     unsigned int(32) default_sample_description_index;
//     unsigned int(32) default_sample_duration;
//     unsigned int(32) default_sample_size;
//     unsigned int(32) default_sample_flags;
// }

type TrackExtendsBox struct {
	FullBox
	TrackID                       uint32
	DefaultSampleDescriptionIndex uint32
	DefaultSampleDuration         uint32
	DefaultSampleSize             uint32
	DefaultSampleFlags            uint32
}

func (trex *TrackExtendsBox) Size() int {
	return 24
}

func (trex *TrackExtendsBox) Encode(w *util.ByteWriter) {
	trex.encodeFull(w)
	w.WriteU32(trex.TrackID)
	w.WriteU32(trex.DefaultSampleDescriptionIndex)
	w.WriteU32(trex.DefaultSampleDuration)
	w.WriteU32(trex.DefaultSampleSize)
	w.WriteU32(trex.DefaultSampleFlags)
}

func (trex *TrackExtendsBox) Decode(c *util.ByteCursor) (err error) {
	if err = trex.decodeFull(c); err != nil {
		return
	}
	for _, v := range []*uint32{&trex.TrackID, &trex.DefaultSampleDescriptionIndex, &trex.DefaultSampleDuration, &trex.DefaultSampleSize, &trex.DefaultSampleFlags} {
		if *v, err = c.ReadU32(); err != nil {
			return
		}
	}
	return
}
