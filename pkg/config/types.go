package config

import (
	"time"

	"m7s.live/mediakit/pkg/util"
)

type (
	Cache struct {
		MaxBytes    int64 `default:"67108864" desc:"resident byte budget of the range cache"`
		MinReadSize int64 `default:"65536" desc:"source reads are widened to multiples of this"`
	}
	HTTP struct {
		Username string        `desc:"digest auth user, empty disables auth"`
		Password string        `desc:"digest auth password"`
		Timeout  time.Duration `default:"30s" desc:"per request timeout"`
	}
	Input struct {
		Cache           Cache
		HTTP            HTTP
		PrefetchPackets util.Range[int] `default:"4-32" desc:"queue bound: upper while only packets are queued, lower once decoded samples are in flight"`
	}
	Output struct {
		Fragmented          bool          `desc:"write fragmented MP4"`
		FastStart           bool          `desc:"place moov before mdat"`
		MinFragmentDuration time.Duration `default:"1s" desc:"minimum fragment length"`
		ChunkDuration       time.Duration `default:"500ms" desc:"progressive MP4 chunk length"`
		ClusterDuration     time.Duration `default:"1s" desc:"Matroska cluster length"`
		MaxTrackLead        time.Duration `desc:"pacing threshold between tracks, 0 disables"`
		Streamable          bool          `desc:"restrict to append-only writes"`
		OggPageDuration     time.Duration `default:"1s" desc:"flush an Ogg page once it holds this much audio"`
	}
	Log struct {
		Level     string `default:"info" desc:"trace, debug, info, warn or error"`
		Format    string `default:"console" desc:"console or json"`
		Path      string `desc:"directory for rotated log files, empty disables"`
		Size      uint64 `default:"1048576" desc:"rotate after this many bytes"`
		MaxFiles  uint64 `default:"7" desc:"rotated files kept"`
		Formatter string `default:"2006-01-02T15" desc:"log file name layout"`
	}
)
