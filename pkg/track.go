package pkg

import (
	"context"
	"log/slog"
	"time"

	"m7s.live/mediakit/pkg/codec"
)

type TrackType uint8

const (
	TrackVideo TrackType = iota + 1
	TrackAudio
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	}
	return "unknown"
}

type (
	TrackInfo struct {
		ID    int
		Type  TrackType
		Codec codec.FourCC
		// CodecCtx is nil when the decoder configuration could not be read,
		// CodecErr then says why.
		CodecCtx  codec.ICodecCtx
		CodecErr  error
		Timescale uint32
		Language  string
		// Rotation in degrees clockwise, one of 0, 90, 180, 270.
		Rotation int
		Name     string
		Default  bool
	}

	PacketOptions struct {
		// MetadataOnly returns packets without payload bytes.
		MetadataOnly bool
	}

	// InputTrack is the random-access view of one demuxed track. Lookups that
	// find nothing return a nil packet and a nil error.
	InputTrack interface {
		Info() *TrackInfo
		FirstPacket(ctx context.Context, opts PacketOptions) (*Packet, error)
		// GetPacket returns the packet with the greatest timestamp <= ts.
		GetPacket(ctx context.Context, ts time.Duration, opts PacketOptions) (*Packet, error)
		// GetKeyPacket returns the key packet with the greatest timestamp <= ts.
		GetKeyPacket(ctx context.Context, ts time.Duration, opts PacketOptions) (*Packet, error)
		// NextPacket follows decode order.
		NextPacket(ctx context.Context, p *Packet, opts PacketOptions) (*Packet, error)
		NextKeyPacket(ctx context.Context, p *Packet, opts PacketOptions) (*Packet, error)
		Duration(ctx context.Context) (time.Duration, error)
	}

	Track struct {
		*slog.Logger `json:"-" yaml:"-"`
		TrackInfo
	}
)

func (t *Track) Info() *TrackInfo {
	return &t.TrackInfo
}

func (i *TrackInfo) IsVideo() bool {
	return i.Type == TrackVideo
}

func (i *TrackInfo) IsAudio() bool {
	return i.Type == TrackAudio
}

// CodecString is the RFC 6381 string, empty when the codec is unknown.
func (i *TrackInfo) CodecString() string {
	if i.CodecCtx == nil {
		return ""
	}
	return i.CodecCtx.CodecString()
}

func (i *TrackInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("id", i.ID),
		slog.String("type", i.Type.String()),
		slog.String("codec", i.Codec.String()),
	)
}

func TrackType4CC(fourcc codec.FourCC) TrackType {
	if fourcc.IsVideo() {
		return TrackVideo
	}
	if fourcc.IsAudio() {
		return TrackAudio
	}
	return 0
}

// ScanNextKey walks NextPacket until a key packet shows up. Tracks without a
// faster path use it for NextKeyPacket.
func ScanNextKey(ctx context.Context, t InputTrack, p *Packet, opts PacketOptions) (next *Packet, err error) {
	next = p
	for {
		if next, err = t.NextPacket(ctx, next, opts); err != nil || next == nil || next.IsKey() {
			return
		}
	}
}
