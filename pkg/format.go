package pkg

import "context"

type (
	// IDemuxer is an opened input container.
	IDemuxer interface {
		// Tracks lists every track found, including those whose codec
		// configuration could not be read (TrackInfo.CodecErr set).
		Tracks() []InputTrack
		// Tags are container-level metadata such as title or artist.
		Tags() map[string]string
	}

	// IMuxer writes one output container. Calls are serialized by the caller.
	// Track indexes are positions in the slice passed to Start.
	IMuxer interface {
		// Start is called once every track has a decoder configuration and
		// either produced its first packet or closed.
		Start(ctx context.Context, tracks []*TrackInfo) error
		WritePacket(ctx context.Context, track int, p *Packet) error
		// CloseTrack flushes what the track still buffers.
		CloseTrack(ctx context.Context, track int) error
		Finalize(ctx context.Context) error
	}

	// Demuxed is the IDemuxer most formats return.
	Demuxed struct {
		TrackList []InputTrack
		TagMap    map[string]string
	}
)

func (d *Demuxed) Tracks() []InputTrack {
	return d.TrackList
}

func (d *Demuxed) Tags() map[string]string {
	return d.TagMap
}

// SetTag records a non-empty tag value.
func (d *Demuxed) SetTag(key, value string) {
	if value == "" {
		return
	}
	if d.TagMap == nil {
		d.TagMap = make(map[string]string)
	}
	d.TagMap[key] = value
}
