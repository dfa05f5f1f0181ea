package plugin_mkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/plugin/mkv/pkg/ebml"
)

func header(docType string) []byte {
	h := ebml.Master(ebml.IDEBML, ebml.UintElement(ebml.IDEBMLVersion, 1))
	if docType != "" {
		h.Add(ebml.String(ebml.IDDocType, docType))
	}
	return ebml.Encode(h)
}

func TestProbe(t *testing.T) {
	open := func(name string) mediakit.IFormat {
		meta := mediakit.FindFormat(name)
		require.NotNil(t, meta, name)
		f, err := meta.New(nil, nil)
		require.NoError(t, err)
		return f
	}
	t.Run(t.Name(), func(t *testing.T) {
		mkv, webm := open("mkv"), open("webm")
		assert.Equal(t, "webm", mediakit.FindFormat("video/webm").Name)
		assert.True(t, mkv.Probe(header("matroska")))
		assert.False(t, mkv.Probe(header("webm")))
		assert.True(t, webm.Probe(header("webm")))
		assert.False(t, webm.Probe(header("matroska")))
		// no DocType means matroska
		assert.True(t, mkv.Probe(header("")))
		assert.False(t, webm.Probe(header("")))
		assert.False(t, mkv.Probe([]byte("RIFF\x00\x00\x00\x00WAVE")))
		// cut inside the DocType
		assert.False(t, webm.Probe(header("webm")[:10]))
	})
	t.Run("supports", func(t *testing.T) {
		mkv, webm := open("mkv"), open("webm")
		assert.True(t, mkv.Supports(codec.FourCC_H264))
		assert.False(t, webm.Supports(codec.FourCC_H264))
		assert.True(t, webm.Supports(codec.FourCC_VP9))
		assert.True(t, webm.Supports(codec.FourCC_OPUS))
	})
}
