package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
	"github.com/deepch/vdk/codec/h264parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gocodec "github.com/yapingcat/gomedia/go-codec"

	"m7s.live/mediakit/pkg/util"
)

var (
	testSPS720 = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x6c, 0x80, 0x00, 0x00, 0x03,
		0x00, 0x80, 0x00, 0x00, 0x1e, 0x07, 0x8c, 0x18,
		0xcb,
	}
	testSPS288 = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}

	testHEVCVPS = []byte{0x40, 0x01, 0x0c, 0x01, 0xff, 0xff, 0x01, 0x60, 0x00, 0x00, 0x03, 0x00, 0x90, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03, 0x00, 0x78, 0x95, 0x98, 0x09}
	testHEVCSPS = []byte{
		0x42, 0x01, 0x01, 0x01, 0x60, 0x00, 0x00, 0x03,
		0x00, 0x90, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03,
		0x00, 0x78, 0xa0, 0x03, 0xc0, 0x80, 0x10, 0xe5,
		0x96, 0x66, 0x69, 0x24, 0xca, 0xe0, 0x10, 0x00,
		0x00, 0x03, 0x00, 0x10, 0x00, 0x00, 0x03, 0x01,
		0xe0, 0x80,
	}
	testHEVCPPS = []byte{0x44, 0x01, 0xc1, 0x72, 0xb4, 0x62, 0x40}
	testHEVCIDR = []byte{0x26, 0x01, 0xaf, 0x06, 0xb8}
)

func TestSplitAnnexB(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		au := JoinAnnexB([][]byte{testSPS720, testPPS, testIDR})
		nalus := SplitAnnexB(au)
		require.Len(t, nalus, 3)
		assert.Equal(t, testSPS720, nalus[0])
		assert.Equal(t, testIDR, nalus[2])

		ref, err := h264.AnnexBUnmarshal(au)
		require.NoError(t, err)
		assert.Equal(t, ref, nalus)

		// three byte start codes and trailing zeros
		mixed := []byte{0, 0, 1, 0x09, 0xf0, 0, 0, 0, 0, 1, 0x65, 0xaa, 0, 0}
		nalus = SplitAnnexB(mixed)
		require.Len(t, nalus, 2)
		assert.Equal(t, []byte{0x09, 0xf0}, nalus[0])
		assert.Equal(t, []byte{0x65, 0xaa, 0, 0}, nalus[1])
	})
}

func TestLengthPrefixed(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		nalus := [][]byte{testSPS720, testPPS, testIDR}
		avcc := JoinLengthPrefixed(nalus, 4)
		ref, err := h264.AVCCMarshal(nalus)
		require.NoError(t, err)
		assert.Equal(t, ref, avcc)

		got, err := SplitLengthPrefixed(avcc, 4)
		require.NoError(t, err)
		assert.Equal(t, nalus, got)

		got, err = SplitNALUs(JoinLengthPrefixed(nalus, 2), 2)
		require.NoError(t, err)
		assert.Equal(t, nalus, got)

		assert.Equal(t, avcc, AnnexBToLengthPrefixed(JoinAnnexB(nalus), 4))

		_, err = SplitLengthPrefixed(avcc[:len(avcc)-1], 4)
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
	})
}

func TestEmulationPrevention(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		assert.Equal(t, []byte{0, 0, 1, 0, 0, 0}, RemoveEmulationPrevention([]byte{0, 0, 3, 1, 0, 0, 3, 0}))
		assert.Equal(t, h264.EmulationPreventionRemove(testSPS720), RemoveEmulationPrevention(testSPS720))
		rbsp := []byte{0x10, 0, 0, 0, 0, 0, 1, 0, 0, 2}
		assert.Equal(t, rbsp, RemoveEmulationPrevention(AddEmulationPrevention(rbsp)))
	})
}

func TestParseSPS(t *testing.T) {
	for _, ca := range []struct {
		name          string
		sps           []byte
		width, height uint
	}{
		{"352x288", testSPS288, 352, 288},
		{"1280x720", testSPS720, 1280, 720},
	} {
		t.Run(ca.name, func(t *testing.T) {
			info, err := ParseSPS(ca.sps)
			require.NoError(t, err)
			assert.Equal(t, ca.width, info.Width)
			assert.Equal(t, ca.height, info.Height)
			assert.Equal(t, uint(100), info.ProfileIdc)
			assert.Equal(t, uint(1), info.ChromaFormatIdc)

			var ref h264.SPS
			require.NoError(t, ref.Unmarshal(ca.sps))
			assert.Equal(t, ref.Width(), int(info.Width))
			assert.Equal(t, ref.Height(), int(info.Height))
		})
	}
	t.Run("color", func(t *testing.T) {
		info, err := ParseSPS(testSPS720)
		require.NoError(t, err)
		require.NotNil(t, info.Color)
		assert.True(t, info.Color.FullRange)
	})
	t.Run("truncated", func(t *testing.T) {
		_, err := ParseSPS(testSPS720[:6])
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
	})
}

func TestAVCRecord(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		ctx, err := NewH264CtxFromNALUs(JoinAnnexB([][]byte{testSPS720, testPPS, testIDR}), 0)
		require.NoError(t, err)
		assert.Equal(t, 1280, ctx.Width())
		assert.Equal(t, "avc1.64001f", ctx.CodecString())
		assert.Equal(t, 4, ctx.NALULengthSize())

		record := ctx.GetRecord()
		parsed, err := NewH264CtxFromRecord(record)
		require.NoError(t, err)
		assert.Equal(t, ctx.SPS, parsed.SPS)
		assert.Equal(t, ctx.PPS, parsed.PPS)
		assert.Equal(t, 720, parsed.Height())

		conf, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(record)
		require.NoError(t, err)
		assert.Equal(t, uint(1280), conf.SPSInfo.Width)
		assert.Equal(t, testPPS, conf.RecordInfo.PPS[0])

		spss, ppss := gocodec.CovertExtradata(record)
		require.Len(t, spss, 1)
		require.Len(t, ppss, 1)
		assert.True(t, bytes.HasSuffix(spss[0], testSPS720))
		assert.True(t, bytes.HasSuffix(ppss[0], testPPS))

		assert.True(t, IsH264KeyFrame(JoinLengthPrefixed([][]byte{testIDR}, 4), 4))
		assert.False(t, IsH264KeyFrame(JoinLengthPrefixed([][]byte{{0x41, 0x9a}}, 4), 4))
	})
	t.Run("missing pps", func(t *testing.T) {
		_, err := NewH264CtxFromNALUs(JoinAnnexB([][]byte{testSPS720, testIDR}), 0)
		assert.True(t, errors.Is(err, util.ErrUnsupportedHeader))
	})
}

func TestHEVC(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		info, err := ParseHEVCSPS(testHEVCSPS)
		require.NoError(t, err)
		assert.Equal(t, uint(1920), info.Width)
		assert.Equal(t, uint(1080), info.Height)
		assert.Equal(t, uint8(1), info.ProfileIdc)
		assert.Equal(t, uint8(120), info.LevelIdc)

		var ref h265.SPS
		require.NoError(t, ref.Unmarshal(testHEVCSPS))
		assert.Equal(t, ref.Width(), int(info.Width))
		assert.Equal(t, ref.Height(), int(info.Height))

		au := JoinLengthPrefixed([][]byte{testHEVCVPS, testHEVCSPS, testHEVCPPS, testHEVCIDR}, 4)
		ctx, err := NewH265CtxFromNALUs(au, 4)
		require.NoError(t, err)
		assert.Equal(t, "hvc1.1.6.L120.90", ctx.CodecString())
		assert.True(t, IsH265KeyFrame(au, 4))

		parsed, err := NewH265CtxFromRecord(ctx.GetRecord())
		require.NoError(t, err)
		assert.Equal(t, ctx.ProfileTierLevel, parsed.ProfileTierLevel)
		assert.Equal(t, [][]byte{testHEVCPPS}, parsed.NALUs(NAL_UNIT_PPS))
		assert.Equal(t, uint8(1), parsed.NumTemporalLayers)
		assert.Equal(t, 1920, parsed.Width())
	})
}
