package mp4

import (
	"fmt"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/util"
	"m7s.live/mediakit/plugin/mp4/pkg/box"
)

// Supported lists what the muxer can describe in a sample entry.
var Supported = []codec.FourCC{
	codec.FourCC_H264, codec.FourCC_H265, codec.FourCC_VP9, codec.FourCC_AV1,
	codec.FourCC_MP4A, codec.FourCC_MP3, codec.FourCC_OPUS, codec.FourCC_FLAC,
	codec.FourCC_PCM, codec.FourCC_ULAW, codec.FourCC_ALAW,
}

func visualEntry(t [4]byte, ctx codec.IVideoCodecCtx, configType [4]byte, config []byte, color *codec.ColorInfo) *box.Node {
	n := box.New(t, &box.VisualSampleEntry{
		Width:  uint16(ctx.Width()),
		Height: uint16(ctx.Height()),
	}, box.New(configType, box.Raw(config)))
	if color.Valid() {
		n.Add(box.New(box.TypeCOLR, &box.ColourBox{
			Primaries: uint16(color.Primaries),
			Transfer:  uint16(color.Transfer),
			Matrix:    uint16(color.Matrix),
			FullRange: color.FullRange,
		}))
	}
	return n
}

func audioEntry(t [4]byte, ctx codec.IAudioCodecCtx, bits int, children ...*box.Node) *box.Node {
	return box.New(t, &box.AudioSampleEntry{
		ChannelCount: uint16(ctx.GetChannels()),
		SampleSize:   uint16(bits),
		SampleRate:   float64(ctx.GetSampleRate()),
	}, children...)
}

// sampleEntry builds the stsd entry describing a track.
func sampleEntry(info *pkg.TrackInfo) (*box.Node, error) {
	switch ctx := info.CodecCtx.(type) {
	case *codec.H264Ctx:
		return visualEntry(box.TypeAVC1, ctx, box.TypeAVCC, ctx.GetRecord(), ctx.SPSInfo.Color), nil
	case *codec.H265Ctx:
		return visualEntry(box.TypeHVC1, ctx, box.TypeHVCC, ctx.GetRecord(), ctx.SPSInfo.Color), nil
	case *codec.VP9Ctx:
		return visualEntry(box.TypeVP09, ctx, box.TypeVPCC, box.FullBoxRaw(1, 0, ctx.GetRecord()), nil), nil
	case *codec.AV1Ctx:
		return visualEntry(box.TypeAV01, ctx, box.TypeAV1C, ctx.GetRecord(), nil), nil
	case *codec.AACCtx:
		return audioEntry(box.TypeMP4A, ctx, 16, box.New(box.TypeESDS, &box.ESDescriptor{
			ESID:                uint16(info.ID),
			ObjectType:          box.ObjectTypeAAC,
			StreamType:          box.StreamTypeAudio,
			DecoderSpecificInfo: ctx.GetRecord(),
		})), nil
	case *codec.MP3Ctx:
		objectType := uint8(box.ObjectTypeMPEG1Mp3)
		if ctx.SampleRate < 32000 {
			objectType = box.ObjectTypeMPEG2Mp3
		}
		return audioEntry(box.TypeMP4A, ctx, 16, box.New(box.TypeESDS, &box.ESDescriptor{
			ESID:       uint16(info.ID),
			ObjectType: objectType,
			StreamType: box.StreamTypeAudio,
		})), nil
	case *codec.OPUSCtx:
		return audioEntry(box.TypeOPUS, ctx, 16, box.New(box.TypeDOPS, box.Raw(ctx.MarshalDOps()))), nil
	case *codec.FLACCtx:
		return audioEntry(box.TypeFLAC, ctx, int(ctx.BitsPerSample), box.New(box.TypeDFLA, box.FullBoxRaw(0, 0, ctx.MetadataBlocks()))), nil
	case *codec.PCMCtx:
		return pcmEntry(ctx), nil
	}
	return nil, fmt.Errorf("%w: %s in mp4", pkg.ErrCodecNotSupported, info.Codec)
}

// pcmEntry writes ISO/IEC 23003-5 ipcm/fpcm, except for the formats only
// QuickTime entries can express.
func pcmEntry(ctx *codec.PCMCtx) *box.Node {
	bits := ctx.GetSampleSize()
	switch ctx.Format {
	case codec.PCM_ULAW:
		return audioEntry(box.TypeULAW, ctx, 16)
	case codec.PCM_ALAW:
		return audioEntry(box.TypeALAW, ctx, 16)
	case codec.PCM_U8:
		return audioEntry(box.TypeRAW, ctx, 8)
	}
	t := box.TypeIPCM
	if ctx.Format.IsFloat() {
		t = box.TypeFPCM
	}
	return audioEntry(t, ctx, bits, box.New(box.TypePCMC, &box.PCMConfigBox{
		LittleEndian: !ctx.Format.IsBigEndian(),
		SampleSize:   uint8(bits),
	}))
}

// trackCodec reads a sample entry. On error the fourcc still names the entry
// so the track can be listed as codec-unknown.
func trackCodec(e *box.SampleEntry) (fourcc codec.FourCC, ctx codec.ICodecCtx, err error) {
	fourcc = codec.FourCC(e.Type)
	missing := func(child [4]byte) error {
		return util.Unsupported("%s entry without %s", e.Type[:], child[:])
	}
	switch e.Type {
	case box.TypeAVC1, box.TypeAVC3:
		fourcc = codec.FourCC_H264
		if rec := e.Child(box.TypeAVCC); rec != nil {
			ctx, err = codec.NewH264CtxFromRecord(rec)
		} else {
			err = missing(box.TypeAVCC)
		}
	case box.TypeHVC1, box.TypeHEV1:
		fourcc = codec.FourCC_H265
		if rec := e.Child(box.TypeHVCC); rec != nil {
			ctx, err = codec.NewH265CtxFromRecord(rec)
		} else {
			err = missing(box.TypeHVCC)
		}
	case box.TypeVP09:
		fourcc = codec.FourCC_VP9
		if rec := e.Child(box.TypeVPCC); len(rec) > 4 && e.Visual != nil {
			ctx, err = codec.NewVP9CtxFromRecord(rec[4:], int(e.Visual.Width), int(e.Visual.Height))
		} else {
			err = missing(box.TypeVPCC)
		}
	case box.TypeAV01:
		fourcc = codec.FourCC_AV1
		if rec := e.Child(box.TypeAV1C); rec != nil {
			ctx, err = codec.NewAV1CtxFromRecord(rec)
		} else {
			err = missing(box.TypeAV1C)
		}
	case box.TypeMP4A:
		fourcc, ctx, err = esdsCodec(e)
	case box.TypeMP3:
		fourcc = codec.FourCC_MP3
		ctx, err = mp3Codec(e)
	case box.TypeOPUS:
		fourcc = codec.FourCC_OPUS
		if rec := e.Child(box.TypeDOPS); rec != nil {
			c := &codec.OPUSCtx{}
			if err = c.UnmarshalDOps(rec); err == nil {
				ctx = c
			}
		} else {
			err = missing(box.TypeDOPS)
		}
	case box.TypeFLAC:
		fourcc = codec.FourCC_FLAC
		if rec := e.Child(box.TypeDFLA); len(rec) > 4 {
			ctx, err = codec.NewFLACCtx(rec[4:])
		} else {
			err = missing(box.TypeDFLA)
		}
	default:
		var c *codec.PCMCtx
		if c, err = pcmCodec(e); c != nil {
			fourcc, ctx = c.FourCC(), c
		}
	}
	return
}

func audioCtx(e *box.SampleEntry) (codec.AudioCtx, error) {
	if e.Audio == nil {
		return codec.AudioCtx{}, util.Malformed("%s entry outside a sound track", e.Type[:])
	}
	return codec.AudioCtx{SampleRate: int(e.Audio.SampleRate), Channels: int(e.Audio.ChannelCount)}, nil
}

func mp3Codec(e *box.SampleEntry) (codec.ICodecCtx, error) {
	a, err := audioCtx(e)
	if err != nil {
		return nil, err
	}
	return &codec.MP3Ctx{AudioCtx: a, Layer: 3}, nil
}

func esdsCodec(e *box.SampleEntry) (fourcc codec.FourCC, ctx codec.ICodecCtx, err error) {
	fourcc = codec.FourCC_MP4A
	body := e.Child(box.TypeESDS)
	if body == nil {
		return fourcc, nil, util.Unsupported("mp4a entry without esds")
	}
	var es box.ESDescriptor
	if err = es.Decode(util.NewByteCursor(body, 0)); err != nil {
		return
	}
	switch es.ObjectType {
	case box.ObjectTypeAAC, 0x66, box.ObjectTypeMPEG2AAC, 0x68:
		if len(es.DecoderSpecificInfo) == 0 {
			return fourcc, nil, util.Unsupported("AAC without AudioSpecificConfig")
		}
		ctx, err = codec.NewAACCtx(es.DecoderSpecificInfo)
	case box.ObjectTypeMPEG1Mp3, box.ObjectTypeMPEG2Mp3:
		fourcc = codec.FourCC_MP3
		ctx, err = mp3Codec(e)
	default:
		err = util.Unsupported("esds object type %#x", es.ObjectType)
	}
	return
}

// pcmCodec covers the QuickTime and ISO uncompressed audio entries.
func pcmCodec(e *box.SampleEntry) (*codec.PCMCtx, error) {
	var (
		bits      int
		float     bool
		bigEndian = true
	)
	switch e.Type {
	case box.TypeULAW, box.TypeALAW:
		a, err := audioCtx(e)
		if err != nil {
			return nil, err
		}
		return &codec.PCMCtx{AudioCtx: a, Format: util.Conditional(e.Type == box.TypeULAW, codec.PCM_ULAW, codec.PCM_ALAW)}, nil
	case box.TypeRAW:
		bits = 8
	case box.TypeSOWT:
		bigEndian = false
		fallthrough
	case box.TypeTWOS:
		if e.Audio != nil {
			bits = int(e.Audio.SampleSize)
		}
	case box.TypeFL32, box.TypeFL64, box.TypeIN24, box.TypeIN32:
		float = e.Type == box.TypeFL32 || e.Type == box.TypeFL64
		bits = map[[4]byte]int{box.TypeFL32: 32, box.TypeFL64: 64, box.TypeIN24: 24, box.TypeIN32: 32}[e.Type]
		if enda := e.Child(box.TypeENDA); len(enda) >= 2 && enda[1] == 1 {
			bigEndian = false
		}
	case box.TypeLPCM:
		if e.Audio != nil {
			bits = int(e.Audio.BitsPerChannel)
			float = e.Audio.FormatFlags&box.LPCMFloat != 0
			bigEndian = e.Audio.FormatFlags&box.LPCMBigEndian != 0
		}
	case box.TypeIPCM, box.TypeFPCM:
		body := e.Child(box.TypePCMC)
		if body == nil {
			return nil, util.Unsupported("%s entry without pcmC", e.Type[:])
		}
		var pcmc box.PCMConfigBox
		if err := pcmc.Decode(util.NewByteCursor(body, 0)); err != nil {
			return nil, err
		}
		bits, float, bigEndian = int(pcmc.SampleSize), e.Type == box.TypeFPCM, !pcmc.LittleEndian
	default:
		return nil, util.Unsupported("sample entry %q", e.Type[:])
	}
	a, err := audioCtx(e)
	if err != nil {
		return nil, err
	}
	if e.Type == box.TypeTWOS && bits == 8 {
		return nil, util.Unsupported("signed 8-bit PCM")
	}
	format, ok := codec.PCMFormatFor(bits, float, bigEndian)
	if !ok {
		return nil, util.Unsupported("%d-bit %s PCM", bits, e.Type[:])
	}
	return &codec.PCMCtx{AudioCtx: a, Format: format}, nil
}
