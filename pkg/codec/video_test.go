package codec

import (
	"errors"
	"testing"

	"github.com/bluenviron/mediacommon/pkg/codecs/av1"
	"github.com/bluenviron/mediacommon/pkg/codecs/vp9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit/pkg/util"
)

var (
	testVP9KeyFrame = []byte{
		0x82, 0x49, 0x83, 0x42, 0x00, 0x77, 0xf0, 0x32,
		0x34, 0x30, 0x38, 0x24, 0x1c, 0x19, 0x40, 0x18,
		0x03, 0x40, 0x5f, 0xb4,
	}
	testAV1SequenceHeader = []byte{8, 0, 0, 0, 66, 167, 191, 228, 96, 13, 0, 64}
)

func TestVP9(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		info, err := ParseVP9FrameHeader(testVP9KeyFrame)
		require.NoError(t, err)
		assert.True(t, info.KeyFrame)
		assert.Equal(t, 1920, info.Width)
		assert.Equal(t, 804, info.Height)

		var ref vp9.Header
		require.NoError(t, ref.Unmarshal(testVP9KeyFrame))
		assert.Equal(t, ref.Width(), info.Width)
		assert.Equal(t, ref.Height(), info.Height)

		ctx, err := NewVP9CtxFromFrame(testVP9KeyFrame)
		require.NoError(t, err)
		assert.Equal(t, "vp09.00.40.08", ctx.CodecString())
		assert.Equal(t, ref.ChromaSubsampling(), ctx.ChromaSubsampling)

		parsed, err := NewVP9CtxFromRecord(ctx.GetRecord(), 1920, 804)
		require.NoError(t, err)
		assert.Equal(t, ctx.VPCodecConfigurationRecord, parsed.VPCodecConfigurationRecord)
	})
	t.Run("inter frame", func(t *testing.T) {
		// frame_type = 1
		assert.False(t, IsVP9KeyFrame([]byte{0x86, 0x00, 0x40}))
		_, err := NewVP9CtxFromFrame([]byte{0x86, 0x00, 0x40})
		assert.True(t, errors.Is(err, util.ErrUnsupportedHeader))
	})
}

func TestVP8(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		frame := []byte{0x50, 0x42, 0x00, 0x9d, 0x01, 0x2a, 0x80, 0x02, 0xe0, 0x01, 0x00}
		ctx, err := NewVP8CtxFromFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, 640, ctx.Width())
		assert.Equal(t, 480, ctx.Height())
	})
}

func TestLEB128(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 32} {
			b := AppendLEB128(nil, v)
			got, n, err := ReadLEB128(b)
			require.NoError(t, err)
			assert.Equal(t, v, got)
			assert.Equal(t, len(b), n)
			ref, refN, err := av1.LEB128Unmarshal(b)
			require.NoError(t, err)
			assert.Equal(t, uint(v), ref)
			assert.Equal(t, refN, n)
		}
		_, _, err := ReadLEB128([]byte{0x80, 0x80})
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
	})
}

func TestAV1(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var count int
		require.NoError(t, IterateOBUs(testAV1SequenceHeader, func(h OBUHeader, obu, payload []byte) bool {
			count++
			assert.Equal(t, AV1_OBU_SEQUENCE_HEADER, h.Type)
			assert.False(t, h.HasSizeField)
			assert.Len(t, payload, len(testAV1SequenceHeader)-1)
			return true
		}))
		assert.Equal(t, 1, count)

		var ref av1.SequenceHeader
		require.NoError(t, ref.Unmarshal(testAV1SequenceHeader))

		ctx, err := NewAV1CtxFromTemporalUnit(testAV1SequenceHeader)
		require.NoError(t, err)
		assert.Equal(t, ref.Width(), ctx.Width())
		assert.Equal(t, ref.Height(), ctx.Height())
		assert.Equal(t, ref.SeqLevelIdx[0], ctx.SeqLevelIdx0)
		assert.Equal(t, "av01.0.08M.08", ctx.CodecString())
		assert.True(t, IsAV1KeyFrame(testAV1SequenceHeader))

		record := ctx.GetRecord()
		assert.Equal(t, byte(0x81), record[0])
		// the sequence header gains a size field inside av1C
		assert.NotZero(t, record[4]&2)
		parsed, err := NewAV1CtxFromRecord(record)
		require.NoError(t, err)
		assert.Equal(t, ctx.AV1SequenceHeader, parsed.AV1SequenceHeader)
	})
	t.Run("oversized", func(t *testing.T) {
		err := IterateOBUs([]byte{0x0a, 0x05, 0x00}, func(OBUHeader, []byte, []byte) bool { return true })
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
	})
}
