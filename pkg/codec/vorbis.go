package codec

import (
	"fmt"

	"m7s.live/mediakit/pkg/util"
)

type VorbisIdentification struct {
	Channels       uint8
	SampleRate     uint32
	BitrateMax     int32
	BitrateNominal int32
	BitrateMin     int32
	Blocksize0     int
	Blocksize1     int
}

func checkVorbisHeader(b []byte, typ byte) error {
	if len(b) < 7 || b[0] != typ || string(b[1:7]) != "vorbis" {
		return fmt.Errorf("%w: not a Vorbis header of type %d", util.ErrUnsupportedHeader, typ)
	}
	return nil
}

func ParseVorbisIdentification(b []byte) (id VorbisIdentification, err error) {
	if err = checkVorbisHeader(b, 1); err != nil {
		return
	}
	if len(b) < 30 {
		return id, fmt.Errorf("%w: Vorbis identification header too short", util.ErrMalformedStream)
	}
	c := &util.ByteCursor{Data: b, Pos: 7, LittleEndian: true}
	version, _ := c.ReadU32()
	if version != 0 {
		return id, fmt.Errorf("%w: Vorbis version %d", util.ErrUnsupportedHeader, version)
	}
	id.Channels, _ = c.ReadU8()
	id.SampleRate, _ = c.ReadU32()
	id.BitrateMax, _ = c.ReadI32()
	id.BitrateNominal, _ = c.ReadI32()
	id.BitrateMin, _ = c.ReadI32()
	bs, _ := c.ReadU8()
	id.Blocksize0, id.Blocksize1 = 1<<(bs&0xF), 1<<(bs>>4)
	if id.Channels == 0 || id.SampleRate == 0 || id.Blocksize0 > id.Blocksize1 || id.Blocksize0 < 64 || id.Blocksize1 > 8192 {
		return id, fmt.Errorf("%w: Vorbis identification header fields", util.ErrUnsupportedHeader)
	}
	return
}

// ParseVorbisModes recovers the block flag of every mode from a setup header
// without decoding codebooks, floors and residues. The mode list is the last
// thing in the packet, so the packet is read backwards from the framing bit:
// each mode looks like mapping(8) transform(16)=0 window(16)=0 blockflag(1),
// and the mode count is accepted where the 6 preceding bits encode it. A scan
// that runs out of data while entries still look valid cannot tell where the
// list starts and is rejected.
func ParseVorbisModes(setup []byte) ([]bool, error) {
	if err := checkVorbisHeader(setup, 5); err != nil {
		return nil, err
	}
	rev := make([]byte, len(setup))
	for i, b := range setup {
		rev[len(setup)-1-i] = b
	}
	r := util.NewBitReader(rev)
	framing := -1
	for r.BitsLeft() > 97 {
		if b, _ := r.ReadBit(); b == 1 {
			framing = r.Pos
			break
		}
	}
	if framing < 0 {
		return nil, fmt.Errorf("%w: Vorbis setup header without framing bit", util.ErrUnsupportedHeader)
	}
	modeCount, found := 0, 0
	ended := false
	for r.BitsLeft() >= 97 {
		mapping, _ := r.ReadBits(8)
		transform, _ := r.ReadBits(16)
		window, _ := r.ReadBits(16)
		if mapping > 63 || transform != 0 || window != 0 {
			ended = true
			break
		}
		r.Pos++
		if modeCount++; modeCount > 64 {
			return nil, fmt.Errorf("%w: Vorbis mode list longer than 64", util.ErrUnsupportedHeader)
		}
		if n, _ := r.ReadBits(6); int(n)+1 == modeCount {
			found = modeCount
		}
		r.Pos -= 6
	}
	if !ended || found == 0 {
		return nil, fmt.Errorf("%w: cannot determine Vorbis mode count", util.ErrUnsupportedHeader)
	}
	r.Pos = framing
	flags := make([]bool, found)
	for i := found - 1; i >= 0; i-- {
		r.Pos += 40
		b, err := r.ReadBit()
		if err != nil {
			return nil, err
		}
		flags[i] = b == 1
	}
	return flags, nil
}

// XiphLace packs packets the way Matroska CodecPrivate stores Xiph headers.
func XiphLace(packets [][]byte) []byte {
	if len(packets) == 0 {
		return nil
	}
	out := []byte{byte(len(packets) - 1)}
	for _, p := range packets[:len(packets)-1] {
		n := len(p)
		for ; n >= 255; n -= 255 {
			out = append(out, 255)
		}
		out = append(out, byte(n))
	}
	for _, p := range packets {
		out = append(out, p...)
	}
	return out
}

func XiphUnlace(b []byte) (packets [][]byte, err error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty Xiph lace", util.ErrMalformedStream)
	}
	count := int(b[0]) + 1
	pos := 1
	sizes := make([]int, count)
	total := 0
	for i := range count - 1 {
		for {
			if pos >= len(b) {
				return nil, fmt.Errorf("%w: truncated Xiph lace", util.ErrMalformedStream)
			}
			v := b[pos]
			pos++
			sizes[i] += int(v)
			if v != 255 {
				break
			}
		}
		total += sizes[i]
	}
	if pos+total > len(b) {
		return nil, fmt.Errorf("%w: Xiph lace sizes exceed data", util.ErrMalformedStream)
	}
	sizes[count-1] = len(b) - pos - total
	for _, n := range sizes {
		packets = append(packets, b[pos:pos+n])
		pos += n
	}
	return
}

type VorbisCtx struct {
	VorbisIdentification
	Headers        [3][]byte
	ModeBlockflags []bool
	modeBits       int
}

// NewVorbisCtx takes the identification, comment and setup headers.
func NewVorbisCtx(id, comment, setup []byte) (ctx *VorbisCtx, err error) {
	ctx = &VorbisCtx{Headers: [3][]byte{id, comment, setup}}
	if ctx.VorbisIdentification, err = ParseVorbisIdentification(id); err != nil {
		return nil, err
	}
	if err = checkVorbisHeader(comment, 3); err != nil {
		return nil, err
	}
	if ctx.ModeBlockflags, err = ParseVorbisModes(setup); err != nil {
		return nil, err
	}
	for n := len(ctx.ModeBlockflags) - 1; n > 0; n >>= 1 {
		ctx.modeBits++
	}
	return
}

// NewVorbisCtxFromRecord takes Xiph-laced headers.
func NewVorbisCtxFromRecord(record []byte) (*VorbisCtx, error) {
	headers, err := XiphUnlace(record)
	if err != nil {
		return nil, err
	}
	if len(headers) != 3 {
		return nil, fmt.Errorf("%w: %d Vorbis headers", util.ErrUnsupportedHeader, len(headers))
	}
	return NewVorbisCtx(headers[0], headers[1], headers[2])
}

// BlockSize returns the block size an audio packet was coded with.
func (ctx *VorbisCtx) BlockSize(pkt []byte) (int, error) {
	if len(pkt) == 0 || pkt[0]&1 != 0 {
		return 0, fmt.Errorf("%w: not a Vorbis audio packet", util.ErrMalformedStream)
	}
	mode := int(pkt[0]>>1) & (1<<ctx.modeBits - 1)
	if mode >= len(ctx.ModeBlockflags) {
		return 0, fmt.Errorf("%w: Vorbis mode %d of %d", util.ErrMalformedStream, mode, len(ctx.ModeBlockflags))
	}
	return util.Conditional(ctx.ModeBlockflags[mode], ctx.Blocksize1, ctx.Blocksize0), nil
}

// PacketSamples returns the PCM frames a packet completes given the previous
// packet's block size; the first packet (prev 0) yields none.
func (ctx *VorbisCtx) PacketSamples(pkt []byte, prev int) (samples, cur int, err error) {
	if cur, err = ctx.BlockSize(pkt); err != nil || prev == 0 {
		return
	}
	return (prev + cur) / 4, cur, nil
}

func (*VorbisCtx) FourCC() FourCC {
	return FourCC_VORBIS
}

func (ctx *VorbisCtx) GetInfo() string {
	return fmt.Sprintf("sample rate: %d, channels: %d, modes: %d", ctx.SampleRate, ctx.Channels, len(ctx.ModeBlockflags))
}

func (ctx *VorbisCtx) GetRecord() []byte {
	return XiphLace(ctx.Headers[:])
}

func (*VorbisCtx) CodecString() string {
	return "vorbis"
}

func (ctx *VorbisCtx) GetSampleRate() int {
	return int(ctx.SampleRate)
}

func (ctx *VorbisCtx) GetChannels() int {
	return int(ctx.Channels)
}

func (*VorbisCtx) GetSampleSize() int {
	return 16
}
