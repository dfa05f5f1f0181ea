package codec

import (
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/opus"

	"m7s.live/mediakit/pkg/util"
)

const OpusSampleRate = 48000

// OpusHead is the identification header shared by Ogg/Matroska (OpusHead,
// little-endian) and MP4 (dOps, big-endian).
type OpusHead struct {
	Version         uint8
	Channels        uint8
	PreSkip         uint16
	InputSampleRate uint32
	OutputGain      int16
	MappingFamily   uint8
	StreamCount     uint8
	CoupledCount    uint8
	ChannelMapping  []byte
}

var opusHeadMagic = []byte("OpusHead")

func (h *OpusHead) unmarshal(c *util.ByteCursor) (err error) {
	if h.Version, err = c.ReadU8(); err != nil {
		return
	}
	if h.Channels, err = c.ReadU8(); err != nil {
		return
	}
	if h.PreSkip, err = c.ReadU16(); err != nil {
		return
	}
	if h.InputSampleRate, err = c.ReadU32(); err != nil {
		return
	}
	if h.OutputGain, err = c.ReadI16(); err != nil {
		return
	}
	if h.MappingFamily, err = c.ReadU8(); err != nil {
		return
	}
	if h.MappingFamily != 0 {
		if h.StreamCount, err = c.ReadU8(); err != nil {
			return
		}
		if h.CoupledCount, err = c.ReadU8(); err != nil {
			return
		}
		h.ChannelMapping, err = c.ReadBytes(int(h.Channels))
	}
	if h.Channels == 0 {
		err = fmt.Errorf("%w: Opus header with zero channels", util.ErrUnsupportedHeader)
	}
	return
}

func (h *OpusHead) marshal(w *util.ByteWriter) {
	w.WriteU8(h.Version)
	w.WriteU8(h.Channels)
	w.WriteU16(h.PreSkip)
	w.WriteU32(h.InputSampleRate)
	w.WriteI16(h.OutputGain)
	w.WriteU8(h.MappingFamily)
	if h.MappingFamily != 0 {
		w.WriteU8(h.StreamCount)
		w.WriteU8(h.CoupledCount)
		w.WriteBytes(h.ChannelMapping...)
	}
}

// Unmarshal reads the Ogg form, magic included.
func (h *OpusHead) Unmarshal(b []byte) error {
	if len(b) < 19 || string(b[:8]) != string(opusHeadMagic) {
		return fmt.Errorf("%w: missing OpusHead magic", util.ErrUnsupportedHeader)
	}
	c := &util.ByteCursor{Data: b, Pos: 8, LittleEndian: true}
	if err := h.unmarshal(c); err != nil {
		return err
	}
	if h.Version>>4 != 0 {
		return fmt.Errorf("%w: OpusHead version %d", util.ErrUnsupportedHeader, h.Version)
	}
	return nil
}

func (h *OpusHead) Marshal() []byte {
	w := util.ByteWriter{LittleEndian: true}
	w.WriteBytes(opusHeadMagic...)
	v := *h
	if v.Version == 0 {
		v.Version = 1
	}
	v.marshal(&w)
	return w.Bytes()
}

// UnmarshalDOps reads the dOps box body.
func (h *OpusHead) UnmarshalDOps(b []byte) error {
	return h.unmarshal(util.NewByteCursor(b, 0))
}

func (h *OpusHead) MarshalDOps() []byte {
	var w util.ByteWriter
	v := *h
	v.Version = 0
	v.marshal(&w)
	return w.Bytes()
}

type OPUSCtx struct {
	OpusHead
}

func NewOpusCtx(head []byte) (*OPUSCtx, error) {
	ctx := &OPUSCtx{}
	return ctx, ctx.Unmarshal(head)
}

func (*OPUSCtx) FourCC() FourCC {
	return FourCC_OPUS
}

func (ctx *OPUSCtx) GetInfo() string {
	return fmt.Sprintf("channels: %d, pre-skip: %d", ctx.Channels, ctx.PreSkip)
}

func (ctx *OPUSCtx) GetRecord() []byte {
	return ctx.Marshal()
}

func (*OPUSCtx) CodecString() string {
	return "opus"
}

func (*OPUSCtx) GetSampleRate() int {
	return OpusSampleRate
}

func (ctx *OPUSCtx) GetChannels() int {
	return int(ctx.Channels)
}

func (*OPUSCtx) GetSampleSize() int {
	return 16
}

// PreSkipDuration is the decoder delay signalled in the header.
func (ctx *OPUSCtx) PreSkipDuration() time.Duration {
	return time.Duration(ctx.PreSkip) * time.Second / OpusSampleRate
}

// OpusPacketDuration reads the TOC of an Opus packet.
func OpusPacketDuration(pkt []byte) time.Duration {
	return opus.PacketDuration(pkt)
}
