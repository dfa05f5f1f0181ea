package box

import (
	"bytes"
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit/pkg/util"
)

func extract[T gomp4.IBox](t *testing.T, b []byte, path ...gomp4.BoxType) T {
	t.Helper()
	boxes, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(b), nil, gomp4.BoxPath(path))
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	p, ok := boxes[0].Payload.(T)
	require.True(t, ok, "payload is %T", boxes[0].Payload)
	return p
}

func sampleMoov() []byte {
	tkhd := NewTrackHeaderBox(1, 3000)
	tkhd.Width, tkhd.Height = 640, 360
	tkhd.Matrix = RotationMatrix(90)
	ctts := &CompositionOffsetBox{}
	ctts.Append(2000, 1)
	ctts.Append(-1000, 2)
	stts := &TimeToSampleBox{}
	stts.Append(1000, 1)
	stts.Append(1000, 1)
	stts.Append(500, 1)
	return Encode(Container(TypeMOOV,
		New(TypeMVHD, NewMovieHeaderBox(1000, 2500, 2)),
		Container(TypeTRAK,
			New(TypeTKHD, tkhd),
			Container(TypeEDTS, New(TypeELST, &EditListBox{Entries: []EditListEntry{{SegmentDuration: 2500, MediaTime: 1000, MediaRate: 1}}})),
			Container(TypeMDIA,
				New(TypeMDHD, &MediaHeaderBox{Timescale: 90000, Duration: 225000, Language: "eng"}),
				New(TypeHDLR, &HandlerBox{HandlerType: TypeVIDE, Name: "VideoHandler"}),
				Container(TypeMINF,
					New(TypeVMHD, VideoMediaHeaderBox{}),
					DataInformation(),
					Container(TypeSTBL,
						New(TypeSTTS, stts),
						New(TypeCTTS, ctts),
						New(TypeSTSC, &SampleToChunkBox{Entries: []STSCEntry{{1, 3, 1}}}),
						New(TypeSTSZ, &SampleSizeBox{EntrySizes: []uint32{100, 20, 30}}),
						NewChunkOffsetBox([]uint64{1 << 33}).Node(),
						New(TypeSTSS, &SyncSampleBox{SampleNumbers: []uint32{1}}),
					),
				),
			),
		),
	))
}

func TestBuilderAgainstGoMP4(t *testing.T) {
	b := sampleMoov()
	moov, trak, mdia := gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia()
	stbl := []gomp4.BoxType{moov, trak, mdia, gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl()}

	t.Run("mvhd", func(t *testing.T) {
		mvhd := extract[*gomp4.Mvhd](t, b, moov, gomp4.BoxTypeMvhd())
		assert.Equal(t, uint32(1000), mvhd.Timescale)
		assert.Equal(t, uint32(2500), mvhd.DurationV0)
		assert.Equal(t, uint32(2), mvhd.NextTrackID)
		assert.Equal(t, [9]int32(IdentityMatrix), mvhd.Matrix)
	})
	t.Run("tkhd", func(t *testing.T) {
		tkhd := extract[*gomp4.Tkhd](t, b, moov, trak, gomp4.BoxTypeTkhd())
		assert.Equal(t, uint32(1), tkhd.TrackID)
		assert.Equal(t, uint32(640<<16), tkhd.Width)
		assert.Equal(t, uint32(360<<16), tkhd.Height)
		assert.Equal(t, [9]int32(RotationMatrix(90)), tkhd.Matrix)
	})
	t.Run("mdhd", func(t *testing.T) {
		mdhd := extract[*gomp4.Mdhd](t, b, moov, trak, mdia, gomp4.BoxTypeMdhd())
		assert.Equal(t, uint32(90000), mdhd.Timescale)
		assert.Equal(t, [3]byte{'e' - 0x60, 'n' - 0x60, 'g' - 0x60}, mdhd.Language)
	})
	t.Run("hdlr", func(t *testing.T) {
		hdlr := extract[*gomp4.Hdlr](t, b, moov, trak, mdia, gomp4.BoxTypeHdlr())
		assert.Equal(t, [4]byte(TypeVIDE), hdlr.HandlerType)
		assert.Equal(t, "VideoHandler", hdlr.Name)
	})
	t.Run("elst", func(t *testing.T) {
		elst := extract[*gomp4.Elst](t, b, moov, trak, gomp4.BoxTypeEdts(), gomp4.BoxTypeElst())
		require.Len(t, elst.Entries, 1)
		assert.Equal(t, int32(1000), elst.Entries[0].MediaTimeV0)
		assert.Equal(t, int16(1), elst.Entries[0].MediaRateInteger)
	})
	t.Run("stbl", func(t *testing.T) {
		stts := extract[*gomp4.Stts](t, b, append(stbl, gomp4.BoxTypeStts())...)
		require.Len(t, stts.Entries, 2)
		assert.Equal(t, uint32(2), stts.Entries[0].SampleCount)
		assert.Equal(t, uint32(500), stts.Entries[1].SampleDelta)

		ctts := extract[*gomp4.Ctts](t, b, append(stbl, gomp4.BoxTypeCtts())...)
		assert.Equal(t, uint8(1), ctts.GetVersion())
		require.Len(t, ctts.Entries, 2)
		assert.Equal(t, int32(-1000), ctts.Entries[1].SampleOffsetV1)
		assert.Equal(t, uint32(2), ctts.Entries[1].SampleCount)

		stsz := extract[*gomp4.Stsz](t, b, append(stbl, gomp4.BoxTypeStsz())...)
		assert.Equal(t, []uint32{100, 20, 30}, stsz.EntrySize)

		co64 := extract[*gomp4.Co64](t, b, append(stbl, gomp4.BoxTypeCo64())...)
		assert.Equal(t, []uint64{1 << 33}, co64.ChunkOffset)

		stss := extract[*gomp4.Stss](t, b, append(stbl, gomp4.BoxTypeStss())...)
		assert.Equal(t, []uint32{1}, stss.SampleNumber)
	})
}

func TestDecodeRoundTrip(t *testing.T) {
	b := sampleMoov()
	c := util.NewByteCursor(b, 0)
	moov, err := Find(c, TypeMOOV)
	require.NoError(t, err)
	require.NotNil(t, moov)

	body, err := Find(moov, TypeTRAK, TypeTKHD)
	require.NoError(t, err)
	var tkhd TrackHeaderBox
	require.NoError(t, tkhd.Decode(body))
	assert.Equal(t, 90, tkhd.Matrix.Rotation())
	assert.Equal(t, 640.0, tkhd.Width)

	body, err = Find(moov, TypeTRAK, TypeMDIA, TypeMDHD)
	require.NoError(t, err)
	var mdhd MediaHeaderBox
	require.NoError(t, mdhd.Decode(body))
	assert.Equal(t, "eng", mdhd.Language)
	assert.Equal(t, uint64(225000), mdhd.Duration)

	body, err = Find(moov, TypeTRAK, TypeMDIA, TypeHDLR)
	require.NoError(t, err)
	var hdlr HandlerBox
	require.NoError(t, hdlr.Decode(body))
	assert.Equal(t, "VideoHandler", hdlr.Name)

	stbl, err := Find(moov, TypeTRAK, TypeMDIA, TypeMINF, TypeSTBL)
	require.NoError(t, err)
	body, err = Find(stbl, TypeCO64)
	require.NoError(t, err)
	stco := ChunkOffsetBox{Large: true}
	require.NoError(t, stco.Decode(body))
	assert.Equal(t, []uint64{1 << 33}, stco.Offsets)

	body, err = Find(stbl, TypeCTTS)
	require.NoError(t, err)
	var ctts CompositionOffsetBox
	require.NoError(t, ctts.Decode(body))
	assert.Equal(t, []CTTSEntry{{1, 2000}, {2, -1000}}, ctts.Entries)

	body, err = Find(moov, TypeTRAK, TypeEDTS, TypeELST)
	require.NoError(t, err)
	var elst EditListBox
	require.NoError(t, elst.Decode(body))
	assert.Equal(t, int64(1000), elst.MediaStart())
}

func TestReadHeader(t *testing.T) {
	t.Run("large", func(t *testing.T) {
		var w util.ByteWriter
		w.WriteU32(1)
		w.WriteString("mdat", 4)
		w.WriteU64(24)
		w.WriteZero(8)
		h, err := ReadHeader(util.NewByteCursor(w.Bytes(), 100), -1)
		require.NoError(t, err)
		assert.Equal(t, TypeMDAT, h.Type)
		assert.Equal(t, uint64(24), h.Size)
		assert.Equal(t, LargeBoxLen, h.HeaderSize)
		assert.Equal(t, int64(100), h.Offset)
		assert.Equal(t, int64(124), h.End())
	})
	t.Run("toEnd", func(t *testing.T) {
		var w util.ByteWriter
		w.WriteU32(0)
		w.WriteString("mdat", 4)
		w.WriteZero(12)
		h, err := ReadHeader(util.NewByteCursor(w.Bytes(), 0), 1000)
		require.NoError(t, err)
		assert.True(t, h.ToEnd)
		assert.Equal(t, uint64(1000), h.Size)
	})
	t.Run("tooSmall", func(t *testing.T) {
		var w util.ByteWriter
		w.WriteU32(4)
		w.WriteString("free", 4)
		_, err := ReadHeader(util.NewByteCursor(w.Bytes(), 0), -1)
		assert.ErrorIs(t, err, util.ErrMalformedStream)
	})
}

func TestTraverse(t *testing.T) {
	t.Run("overrun", func(t *testing.T) {
		var w util.ByteWriter
		w.WriteU32(64)
		w.WriteString("free", 4)
		w.WriteZero(8)
		err := Traverse(util.NewByteCursor(w.Bytes(), 0), func(*BasicBox, *util.ByteCursor) error { return nil })
		assert.ErrorIs(t, err, util.ErrMalformedStream)
	})
	t.Run("advancesByDeclaredSize", func(t *testing.T) {
		b := (&Builder{}).Add(
			New(TypeFREE, Raw{1, 2, 3, 4}),
			New(TypeSKIP, Raw{5}),
		).Bytes()
		var seen [][4]byte
		err := Traverse(util.NewByteCursor(b, 0), func(h *BasicBox, body *util.ByteCursor) error {
			seen = append(seen, h.Type)
			// handlers that read nothing must not stall the walk
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, [][4]byte{TypeFREE, TypeSKIP}, seen)
	})
}

func TestMdatHeader(t *testing.T) {
	var w util.ByteWriter
	WriteMdatHeader(&w)
	require.Equal(t, 16, w.Len())

	small := MdatHeader(100)
	h, err := ReadHeader(util.NewByteCursor(small, 0), -1)
	require.NoError(t, err)
	assert.Equal(t, TypeFREE, h.Type)
	h, err = ReadHeader(util.NewByteCursor(small[8:], 8), -1)
	require.NoError(t, err)
	assert.Equal(t, TypeMDAT, h.Type)
	assert.Equal(t, uint64(108), h.Size)

	large := MdatHeader(1 << 32)
	h, err = ReadHeader(util.NewByteCursor(large, 0), -1)
	require.NoError(t, err)
	assert.Equal(t, TypeMDAT, h.Type)
	assert.Equal(t, uint64(1<<32+16), h.Size)
	assert.Equal(t, int64(16), h.BodyOffset())
}

func TestRotation(t *testing.T) {
	for _, deg := range []int{0, 90, 180, 270} {
		assert.Equal(t, deg, RotationMatrix(deg).Rotation())
	}
	assert.Equal(t, 270, RotationMatrix(-90).Rotation())
}

func TestLanguage(t *testing.T) {
	assert.Equal(t, "fra", UnpackLanguage(PackLanguage("fra")))
	assert.Equal(t, "", UnpackLanguage(PackLanguage("und")))
	assert.Equal(t, "", UnpackLanguage(PackLanguage("English")))
	// QuickTime Macintosh language code for English
	assert.Equal(t, "", UnpackLanguage(0))
}

func TestESDescriptor(t *testing.T) {
	es := &ESDescriptor{ESID: 2, ObjectType: ObjectTypeAAC, StreamType: StreamTypeAudio, DecoderSpecificInfo: []byte{0x11, 0x90}}
	b := Encode(New(TypeESDS, es))

	esds := extract[*gomp4.Esds](t, b, gomp4.BoxTypeEsds())
	var found bool
	for _, d := range esds.Descriptors {
		if d.DecoderConfigDescriptor != nil {
			assert.Equal(t, uint8(ObjectTypeAAC), d.DecoderConfigDescriptor.ObjectTypeIndication)
		}
		if d.Tag == DecSpecificInfoTag {
			assert.Equal(t, []byte{0x11, 0x90}, d.Data)
			found = true
		}
	}
	assert.True(t, found)

	var got ESDescriptor
	require.NoError(t, got.Decode(util.NewByteCursor(b[BasicBoxLen:], BasicBoxLen)))
	assert.Equal(t, *es, got)

	mp3 := &ESDescriptor{ObjectType: ObjectTypeMPEG1Mp3, StreamType: StreamTypeAudio}
	got = ESDescriptor{}
	require.NoError(t, got.Decode(util.NewByteCursor(Encode(New(TypeESDS, mp3))[BasicBoxLen:], 0)))
	assert.Equal(t, uint8(ObjectTypeMPEG1Mp3), got.ObjectType)
	assert.Empty(t, got.DecoderSpecificInfo)
}

func TestSampleDescription(t *testing.T) {
	t.Run("visual", func(t *testing.T) {
		avcC := Raw{1, 0x64, 0, 0x1f, 0xff, 0xe0, 0}
		b := Encode(New(TypeSTSD, EntryCount(1),
			New(TypeAVC1, &VisualSampleEntry{Width: 1280, Height: 720, CompressorName: "mediakit"},
				New(TypeAVCC, avcC),
				New(TypeCOLR, &ColourBox{Primaries: 1, Transfer: 1, Matrix: 1}),
			)))
		var stsd SampleDescription
		require.NoError(t, stsd.Decode(util.NewByteCursor(b[BasicBoxLen:], BasicBoxLen), TypeVIDE))
		require.Len(t, stsd.Entries, 1)
		e := stsd.Entries[0]
		assert.Equal(t, TypeAVC1, e.Type)
		assert.Equal(t, uint16(1280), e.Visual.Width)
		assert.Equal(t, "mediakit", e.Visual.CompressorName)
		assert.Equal(t, []byte(avcC), e.Child(TypeAVCC))
		assert.NotNil(t, e.Child(TypeCOLR))
	})
	t.Run("quicktimeWave", func(t *testing.T) {
		esds := &ESDescriptor{ObjectType: ObjectTypeAAC, StreamType: StreamTypeAudio, DecoderSpecificInfo: []byte{0x12, 0x10}}
		b := Encode(New(TypeSTSD, EntryCount(1),
			New(TypeMP4A, &AudioSampleEntry{Version: 1, ChannelCount: 2, SampleSize: 16, SampleRate: 44100, SamplesPerPacket: 1024},
				Container(TypeWAVE,
					New(f("frma"), Raw(TypeMP4A[:])),
					New(TypeESDS, esds),
				),
			)))
		var stsd SampleDescription
		require.NoError(t, stsd.Decode(util.NewByteCursor(b[BasicBoxLen:], 0), TypeSOUN))
		e := stsd.Entries[0]
		assert.Equal(t, 44100.0, e.Audio.SampleRate)
		assert.Equal(t, uint32(1024), e.Audio.SamplesPerPacket)
		require.NotNil(t, e.Child(TypeESDS))
		var got ESDescriptor
		require.NoError(t, got.Decode(util.NewByteCursor(e.Child(TypeESDS), 0)))
		assert.Equal(t, []byte{0x12, 0x10}, got.DecoderSpecificInfo)
	})
	t.Run("version2", func(t *testing.T) {
		entry := &AudioSampleEntry{Version: 2, ChannelCount: 6, SampleRate: 96000, BitsPerChannel: 24, FormatFlags: LPCMSigned, BytesPerFrame: 18, FramesPerAudioPacket: 1}
		b := Encode(New(TypeSTSD, EntryCount(1), New(TypeLPCM, entry)))
		var stsd SampleDescription
		require.NoError(t, stsd.Decode(util.NewByteCursor(b[BasicBoxLen:], 0), TypeSOUN))
		a := stsd.Entries[0].Audio
		assert.Equal(t, 96000.0, a.SampleRate)
		assert.Equal(t, uint16(6), a.ChannelCount)
		assert.Equal(t, uint16(24), a.SampleSize)
		assert.Equal(t, uint32(18), a.BytesPerFrame)
	})
}

func TestFragmentBoxes(t *testing.T) {
	trun := &TrackRunBox{
		FullBox:    FullBox{Version: 1, Flags: TrunDataOffset | TrunSampleDuration | TrunSampleSize | TrunSampleFlags | TrunSampleCompositionTimeOffsets},
		DataOffset: 120,
		Entries: []TrunEntry{
			{Duration: 3000, Size: 500, Flags: SampleDependsOnNone, CompositionTimeOffset: 3000},
			{Duration: 3000, Size: 80, Flags: SampleDependsOnOthers | SampleIsNonSync, CompositionTimeOffset: -3000},
		},
	}
	b := Encode(Container(TypeMOOF,
		New(TypeMFHD, MovieFragmentHeaderBox(7)),
		Container(TypeTRAF,
			New(TypeTFHD, &TrackFragmentHeaderBox{FullBox: FullBox{Flags: TfhdDefaultBaseIsMoof}, TrackID: 1}),
			New(TypeTFDT, &TrackFragmentDecodeTimeBox{BaseMediaDecodeTime: 1 << 40}),
			New(TypeTRUN, trun),
		)))
	moof, traf := gomp4.BoxTypeMoof(), gomp4.BoxTypeTraf()
	mfhd := extract[*gomp4.Mfhd](t, b, moof, gomp4.BoxTypeMfhd())
	assert.Equal(t, uint32(7), mfhd.SequenceNumber)
	tfdt := extract[*gomp4.Tfdt](t, b, moof, traf, gomp4.BoxTypeTfdt())
	assert.Equal(t, uint64(1<<40), tfdt.BaseMediaDecodeTimeV1)
	gt := extract[*gomp4.Trun](t, b, moof, traf, gomp4.BoxTypeTrun())
	assert.Equal(t, int32(120), gt.DataOffset)
	require.Len(t, gt.Entries, 2)
	assert.Equal(t, int32(-3000), gt.Entries[1].SampleCompositionTimeOffsetV1)

	c := util.NewByteCursor(b, 0)
	body, err := Find(c, TypeMOOF, TypeTRAF, TypeTRUN)
	require.NoError(t, err)
	var got TrackRunBox
	require.NoError(t, got.Decode(body))
	assert.Equal(t, trun.Entries, got.Entries)

	body, err = Find(c, TypeMOOF, TypeTRAF, TypeTFHD)
	require.NoError(t, err)
	var tfhd TrackFragmentHeaderBox
	require.NoError(t, tfhd.Decode(body))
	assert.Equal(t, uint32(1), tfhd.TrackID)
	assert.Equal(t, uint32(TfhdDefaultBaseIsMoof), tfhd.Flags)

	tfra := &TrackFragmentRandomAccessBox{TrackID: 2, Entries: []TfraEntry{{Time: 0, MoofOffset: 100, TrafNumber: 1, TrunNumber: 1, SampleNumber: 1}, {Time: 90000, MoofOffset: 5000, TrafNumber: 1, TrunNumber: 1, SampleNumber: 1}}}
	b = Encode(New(TypeTFRA, tfra))
	var gotTfra TrackFragmentRandomAccessBox
	require.NoError(t, gotTfra.Decode(util.NewByteCursor(b[BasicBoxLen:], 0)))
	assert.Equal(t, tfra.Entries, gotTfra.Entries)
	assert.Equal(t, uint32(2), gotTfra.TrackID)
}

func TestCompactSampleSize(t *testing.T) {
	var w util.ByteWriter
	w.WriteU32(0)
	w.WriteU32(8)
	w.WriteU32(3)
	w.WriteBytes(10, 20, 30)
	var stsz SampleSizeBox
	require.NoError(t, stsz.DecodeCompact(util.NewByteCursor(w.Bytes(), 0)))
	assert.Equal(t, 3, stsz.Len())
	assert.Equal(t, uint32(20), stsz.At(1))

	stsz = SampleSizeBox{EntrySizes: []uint32{4, 4, 4}}
	stsz.Compact()
	assert.Equal(t, uint32(4), stsz.SampleSize)
	assert.Equal(t, 3, stsz.Len())
	assert.Equal(t, 12, stsz.Size())
}
