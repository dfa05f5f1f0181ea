package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit/pkg/util"
)

func TestDefaults(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var in Input
		require.NoError(t, Parse(&in, nil))
		assert.Equal(t, int64(64<<20), in.Cache.MaxBytes)
		assert.Equal(t, util.Range[int]{4, 32}, in.PrefetchPackets)

		var out Output
		require.NoError(t, Parse(&out, map[string]any{"fragmented": true, "minfragmentduration": "2s"}))
		assert.True(t, out.Fragmented)
		assert.Equal(t, 2*time.Second, out.MinFragmentDuration)
		assert.Equal(t, 500*time.Millisecond, out.ChunkDuration)
	})
}

// TestPriority checks env over user file over default yaml over tag.
func TestPriority(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var conf struct {
			Output Output
			Input  Input
		}
		t.Setenv("MEDIAKIT_OUTPUT_CLUSTERDURATION", "3s")
		c, err := Load(&conf, "mediakit", "output:\n  chunkduration: 250ms\n  clusterduration: 2s\ninput:\n  prefetchpackets: 2-8\n", map[string]any{
			"input": map[string]any{"cache": map[string]any{"minreadsize": 4096}},
		})
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, conf.Output.ChunkDuration)
		assert.Equal(t, 3*time.Second, conf.Output.ClusterDuration)
		assert.Equal(t, util.Range[int]{2, 8}, conf.Input.PrefetchPackets)
		assert.Equal(t, int64(4096), conf.Input.Cache.MinReadSize)
		assert.Equal(t, int64(64<<20), conf.Input.Cache.MaxBytes)
		assert.NotNil(t, c.GetMap()["output"])
	})
}

func TestInvalidDuration(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var out Output
		assert.Error(t, Parse(&out, map[string]any{"chunkduration": "100"}))
	})
}
