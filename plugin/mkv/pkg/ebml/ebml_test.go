package ebml

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/util"
)

func TestVint(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		for _, v := range []uint64{0, 1, 126, 127, 128, 16382, 16383, 1 << 20, 1<<56 - 2} {
			b := AppendSize(nil, v, 0)
			assert.Len(t, b, SizeWidth(v), "%d", v)
			got, width, unknown, err := ReadVint(util.NewByteCursor(b, 0))
			require.NoError(t, err)
			assert.Equal(t, v, got)
			assert.Equal(t, len(b), width)
			assert.False(t, unknown)
		}
	})
	t.Run("fixed width", func(t *testing.T) {
		b := AppendSize(nil, 5, 8)
		assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 5}, b)
		got, _, _, err := ReadVint(util.NewByteCursor(b, 0))
		require.NoError(t, err)
		assert.Equal(t, uint64(5), got)
	})
	t.Run("unknown", func(t *testing.T) {
		for _, b := range [][]byte{{0xFF}, {0x7F, 0xFF}, UnknownSize} {
			_, _, unknown, err := ReadVint(util.NewByteCursor(b, 0))
			require.NoError(t, err)
			assert.True(t, unknown)
		}
	})
	t.Run("too wide", func(t *testing.T) {
		_, _, _, err := ReadVint(util.NewByteCursor([]byte{0, 1}, 0))
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
	})
}

func TestID(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		for _, id := range []ID{IDVoid, IDSeek, IDDefaultDuration, IDSegment} {
			b := AppendID(nil, id)
			assert.Len(t, b, id.Width())
			got, err := ReadID(util.NewByteCursor(b, 0))
			require.NoError(t, err)
			assert.Equal(t, id, got)
		}
	})
}

func TestElements(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		data := Encode(
			Master(IDInfo,
				UintElement(IDTimestampScale, 1000000),
				FloatElement(IDDuration, 1234.5),
				String(IDTitle, "title"),
				IntElement(IDReferenceBlock, -40),
			),
			Void(4),
		)
		var seen []ID
		err := Traverse(util.NewByteCursor(data, 100), func(h *Header, body *util.ByteCursor) error {
			seen = append(seen, h.ID)
			if h.ID != IDInfo {
				return nil
			}
			assert.Equal(t, int64(100), h.Offset)
			return Traverse(body, func(h *Header, body *util.ByteCursor) (err error) {
				switch h.ID {
				case IDTimestampScale:
					v, err := Uint(body)
					require.NoError(t, err)
					assert.Equal(t, uint64(1000000), v)
				case IDDuration:
					v, err := Float(body)
					require.NoError(t, err)
					assert.Equal(t, 1234.5, v)
				case IDTitle:
					v, err := ReadString(body)
					require.NoError(t, err)
					assert.Equal(t, "title", v)
				case IDReferenceBlock:
					v, err := Int(body)
					require.NoError(t, err)
					assert.Equal(t, int64(-40), v)
				}
				return
			})
		})
		require.NoError(t, err)
		assert.Equal(t, []ID{IDInfo, IDVoid}, seen)
	})
	t.Run("void sizes", func(t *testing.T) {
		for _, n := range []int{2, 9, 128, 129, 130, 300} {
			assert.Len(t, Encode(Void(n)), n)
		}
	})
	t.Run("overrun", func(t *testing.T) {
		data := Encode(Binary(IDCodecPrivate, make([]byte, 10)))
		err := Traverse(util.NewByteCursor(data[:len(data)-1], 0), func(*Header, *util.ByteCursor) error { return nil })
		assert.True(t, errors.Is(err, util.ErrMalformedStream))
	})
	t.Run("unknown size", func(t *testing.T) {
		e := Master(IDCluster, UintElement(IDTimestamp, 7))
		e.UnknownSize = true
		data := Encode(e)
		h, err := ReadHeader(util.NewByteCursor(data, 0))
		require.NoError(t, err)
		assert.True(t, h.Unknown())
		assert.Equal(t, int64(-1), h.End())
		assert.Equal(t, 12, h.HeaderSize)
	})
}

func TestScanForNextSiblingID(t *testing.T) {
	known := func(id ID) bool { return IsTopLevel(id) || id == IDTimestamp }
	cluster := Encode(Master(IDCluster, UintElement(IDTimestamp, 1)), Master(IDCues))
	t.Run(t.Name(), func(t *testing.T) {
		garbage := []byte{1, 2, 3, 0x1F, 0x43, 0xB6, 0x75, 0x80, 0x55, 9, 9}
		data := append(garbage, cluster...)
		c := util.NewByteCursor(data, 1000)
		offset, found := ScanForNextSiblingID(c, []ID{IDCluster}, known)
		require.True(t, found)
		assert.Equal(t, int64(1000+len(garbage)), offset)
		assert.Equal(t, len(garbage), c.Pos)
	})
	t.Run("window end", func(t *testing.T) {
		c := util.NewByteCursor(cluster[:6], 0)
		_, found := ScanForNextSiblingID(c, []ID{IDCluster}, known)
		assert.True(t, found)
	})
	t.Run("none", func(t *testing.T) {
		_, found := ScanForNextSiblingID(util.NewByteCursor([]byte{1, 2, 3, 4, 5}, 0), []ID{IDCluster}, known)
		assert.False(t, found)
	})
}

func TestWriter(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		buf := pkg.NewBufferTarget(0)
		out := pkg.NewPatchableTarget(buf)
		w := NewWriter(out)
		seg, err := w.Start(IDSegment)
		require.NoError(t, err)
		at, err := w.Reserve(40)
		require.NoError(t, err)
		require.NoError(t, w.WriteElements(Master(IDInfo, UintElement(IDTimestampScale, 1000000))))
		require.NoError(t, w.Fill(at, 40, Master(IDSeekHead, Master(IDSeek,
			Binary(IDSeekID, AppendID(nil, IDInfo)),
			UintElement(IDSeekPosition, 40),
		))))
		require.Error(t, w.Fill(at, 3, Void(4)))
		require.NoError(t, w.End(seg))
		require.NoError(t, out.Commit())

		c := util.NewByteCursor(buf.Bytes(), 0)
		h, err := ReadHeader(c)
		require.NoError(t, err)
		assert.Equal(t, IDSegment, h.ID)
		assert.Equal(t, int64(len(buf.Bytes())), h.End())
		var ids []ID
		require.NoError(t, Traverse(c, func(h *Header, _ *util.ByteCursor) error {
			ids = append(ids, h.ID)
			return nil
		}))
		assert.Equal(t, []ID{IDSeekHead, IDVoid, IDInfo}, ids)
	})
}
