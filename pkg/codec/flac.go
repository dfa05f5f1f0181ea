package codec

import (
	"fmt"

	"m7s.live/mediakit/pkg/util"
)

const (
	FLACBlockStreamInfo    = 0
	FLACBlockPadding       = 1
	FLACBlockVorbisComment = 4
)

type FLACStreamInfo struct {
	MinBlockSize  uint16
	MaxBlockSize  uint16
	MinFrameSize  uint32
	MaxFrameSize  uint32
	SampleRate    uint32
	Channels      uint8
	BitsPerSample uint8
	TotalSamples  uint64
	MD5           [16]byte
}

func (si *FLACStreamInfo) Unmarshal(b []byte) error {
	if len(b) < 34 {
		return fmt.Errorf("%w: STREAMINFO is %d bytes", util.ErrMalformedStream, len(b))
	}
	r := util.NewBitReader(b)
	v, _ := r.ReadBits64(16)
	si.MinBlockSize = uint16(v)
	v, _ = r.ReadBits64(16)
	si.MaxBlockSize = uint16(v)
	v, _ = r.ReadBits64(24)
	si.MinFrameSize = uint32(v)
	v, _ = r.ReadBits64(24)
	si.MaxFrameSize = uint32(v)
	v, _ = r.ReadBits64(20)
	si.SampleRate = uint32(v)
	v, _ = r.ReadBits64(3)
	si.Channels = uint8(v) + 1
	v, _ = r.ReadBits64(5)
	si.BitsPerSample = uint8(v) + 1
	si.TotalSamples, _ = r.ReadBits64(36)
	copy(si.MD5[:], b[18:34])
	if si.SampleRate == 0 {
		return fmt.Errorf("%w: FLAC sample rate 0", util.ErrUnsupportedHeader)
	}
	return nil
}

func (si *FLACStreamInfo) Marshal() ([]byte, error) {
	w := util.NewBitWriter()
	w.WriteBits(uint64(si.MinBlockSize), 16)
	w.WriteBits(uint64(si.MaxBlockSize), 16)
	w.WriteBits(uint64(si.MinFrameSize), 24)
	w.WriteBits(uint64(si.MaxFrameSize), 24)
	w.WriteBits(uint64(si.SampleRate), 20)
	w.WriteBits(uint64(si.Channels-1), 3)
	w.WriteBits(uint64(si.BitsPerSample-1), 5)
	w.WriteBits(si.TotalSamples, 36)
	w.WriteBytes(si.MD5[:])
	return w.Bytes()
}

type FLACMetadataBlock struct {
	Last bool
	Type uint8
	Data []byte
}

// ParseFLACMetadata walks metadata block headers; b starts after "fLaC".
func ParseFLACMetadata(b []byte) (blocks []FLACMetadataBlock, err error) {
	c := util.NewByteCursor(b, 0)
	for c.Remaining() > 0 {
		var h uint8
		var n uint32
		if h, err = c.ReadU8(); err != nil {
			return
		}
		if n, err = c.ReadU24(); err != nil {
			return
		}
		blk := FLACMetadataBlock{Last: h&0x80 != 0, Type: h & 0x7F}
		if blk.Data, err = c.ReadBytes(int(n)); err != nil {
			return
		}
		blocks = append(blocks, blk)
		if blk.Last {
			break
		}
	}
	return
}

func MarshalFLACMetadata(blocks []FLACMetadataBlock) []byte {
	var w util.ByteWriter
	for i, blk := range blocks {
		w.WriteU8(blk.Type&0x7F | util.Conditional[byte](i == len(blocks)-1, 0x80, 0))
		w.WriteU24(uint32(len(blk.Data)))
		w.WriteBytes(blk.Data...)
	}
	return w.Bytes()
}

type FLACCtx struct {
	FLACStreamInfo
	Blocks []FLACMetadataBlock
}

// NewFLACCtx accepts the metadata blocks with or without the "fLaC" marker.
func NewFLACCtx(b []byte) (ctx *FLACCtx, err error) {
	if len(b) >= 4 && string(b[:4]) == "fLaC" {
		b = b[4:]
	}
	ctx = &FLACCtx{}
	if ctx.Blocks, err = ParseFLACMetadata(b); err != nil {
		return nil, err
	}
	if len(ctx.Blocks) == 0 || ctx.Blocks[0].Type != FLACBlockStreamInfo {
		return nil, fmt.Errorf("%w: FLAC metadata must start with STREAMINFO", util.ErrUnsupportedHeader)
	}
	if err = ctx.FLACStreamInfo.Unmarshal(ctx.Blocks[0].Data); err != nil {
		return nil, err
	}
	return
}

func NewFLACCtxFromStreamInfo(si FLACStreamInfo) (*FLACCtx, error) {
	data, err := si.Marshal()
	if err != nil {
		return nil, err
	}
	return &FLACCtx{FLACStreamInfo: si, Blocks: []FLACMetadataBlock{{Last: true, Type: FLACBlockStreamInfo, Data: data}}}, nil
}

func (*FLACCtx) FourCC() FourCC {
	return FourCC_FLAC
}

func (ctx *FLACCtx) GetInfo() string {
	return fmt.Sprintf("sample rate: %d, channels: %d, bits: %d", ctx.SampleRate, ctx.Channels, ctx.BitsPerSample)
}

// GetRecord returns "fLaC" plus the metadata blocks (Matroska CodecPrivate).
func (ctx *FLACCtx) GetRecord() []byte {
	return append([]byte("fLaC"), ctx.MetadataBlocks()...)
}

// MetadataBlocks is the dfLa body.
func (ctx *FLACCtx) MetadataBlocks() []byte {
	return MarshalFLACMetadata(ctx.Blocks)
}

func (*FLACCtx) CodecString() string {
	return "flac"
}

func (ctx *FLACCtx) GetSampleRate() int {
	return int(ctx.SampleRate)
}

func (ctx *FLACCtx) GetChannels() int {
	return int(ctx.Channels)
}

func (ctx *FLACCtx) GetSampleSize() int {
	return int(ctx.BitsPerSample)
}

// FLACFrameSamples reads the block size from a frame header.
func FLACFrameSamples(frame []byte) (int, error) {
	if len(frame) < 5 || frame[0] != 0xFF || frame[1]&0xFE != 0xF8 {
		return 0, fmt.Errorf("%w: no FLAC frame sync", util.ErrMalformedStream)
	}
	code := frame[2] >> 4
	switch {
	case code == 1:
		return 192, nil
	case code >= 2 && code <= 5:
		return 576 << (code - 2), nil
	case code >= 8:
		return 256 << (code - 8), nil
	case code == 0:
		return 0, fmt.Errorf("%w: reserved FLAC block size", util.ErrMalformedStream)
	}
	// the coded frame or sample number comes first, UTF-8 style
	n := 1
	for b := frame[4]; b&0x80 != 0 && n < 8; b <<= 1 {
		n++
	}
	if n > 1 {
		n--
	}
	pos := 4 + n
	if code == 6 {
		if pos >= len(frame) {
			return 0, fmt.Errorf("%w: FLAC frame header cut short", util.ErrMalformedStream)
		}
		return int(frame[pos]) + 1, nil
	}
	if pos+1 >= len(frame) {
		return 0, fmt.Errorf("%w: FLAC frame header cut short", util.ErrMalformedStream)
	}
	return int(frame[pos])<<8 | int(frame[pos+1]) + 1, nil
}
