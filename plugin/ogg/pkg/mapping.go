package ogg

import (
	"bytes"
	"encoding/binary"
	"slices"

	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/util"
)

const vendor = "mediakit"

var (
	opusTagsMagic   = []byte("OpusTags")
	vorbisIDMagic   = []byte("\x01vorbis")
	flacMappingHead = []byte("\x7FFLAC")
)

var Supported = []codec.FourCC{codec.FourCC_OPUS, codec.FourCC_VORBIS, codec.FourCC_FLAC}

// identify names the codec of a logical stream from its first packet and
// says how many header packets precede the audio, -1 when the stream does
// not say.
func identify(first []byte) (fourcc codec.FourCC, headers int, ok bool) {
	switch {
	case bytes.HasPrefix(first, []byte("OpusHead")):
		return codec.FourCC_OPUS, 2, true
	case bytes.HasPrefix(first, vorbisIDMagic):
		return codec.FourCC_VORBIS, 3, true
	case bytes.HasPrefix(first, flacMappingHead) && len(first) >= 9:
		n := int(binary.BigEndian.Uint16(first[7:9]))
		if n == 0 {
			return codec.FourCC_FLAC, -1, true
		}
		return codec.FourCC_FLAC, 1 + n, true
	}
	return
}

// isHeader tells header packets apart when their count is not declared.
func isHeader(fourcc codec.FourCC, pkt []byte) bool {
	if fourcc == codec.FourCC_FLAC {
		return len(pkt) > 0 && pkt[0] != 0xFF
	}
	return false
}

// codecCtx builds the decoder configuration from the header packets.
func codecCtx(fourcc codec.FourCC, headers [][]byte) (codec.ICodecCtx, error) {
	switch fourcc {
	case codec.FourCC_OPUS:
		opus, err := codec.NewOpusCtx(headers[0])
		if err != nil {
			return nil, err
		}
		return opus, nil
	case codec.FourCC_VORBIS:
		if len(headers) < 3 {
			return nil, util.Unsupported("%d Vorbis headers", len(headers))
		}
		vorbis, err := codec.NewVorbisCtx(headers[0], headers[1], headers[2])
		if err != nil {
			return nil, err
		}
		return vorbis, nil
	case codec.FourCC_FLAC:
		first := headers[0]
		if len(first) < 13 || string(first[9:13]) != "fLaC" {
			return nil, util.Unsupported("FLAC mapping header")
		}
		if first[5] != 1 {
			return nil, util.Unsupported("FLAC mapping version %d.%d", first[5], first[6])
		}
		blocks := slices.Clone(first[13:])
		for _, h := range headers[1:] {
			blocks = append(blocks, h...)
		}
		flac, err := codec.NewFLACCtx(relast(blocks))
		if err != nil {
			return nil, err
		}
		return flac, nil
	}
	return nil, util.Unsupported("codec %s in Ogg", fourcc)
}

// readComments finds the comment list among the header packets.
func readComments(ctx codec.ICodecCtx, headers [][]byte) (Comments, error) {
	switch c := ctx.(type) {
	case *codec.OPUSCtx:
		if len(headers) > 1 && bytes.HasPrefix(headers[1], opusTagsMagic) {
			return ParseComments(headers[1][len(opusTagsMagic):])
		}
	case *codec.VorbisCtx:
		return ParseComments(c.Headers[1][7:])
	case *codec.FLACCtx:
		for _, b := range c.Blocks {
			if b.Type == codec.FLACBlockVorbisComment {
				return ParseComments(b.Data)
			}
		}
	}
	return Comments{}, nil
}

// relast rewrites the last flags of concatenated metadata blocks.
func relast(b []byte) []byte {
	for pos := 0; pos+4 <= len(b); {
		next := pos + 4 + (int(b[pos+1])<<16 | int(b[pos+2])<<8 | int(b[pos+3]))
		if next >= len(b) {
			b[pos] |= 0x80
			break
		}
		b[pos] &^= 0x80
		pos = next
	}
	return b
}

// headerPackets lays out the header packets a muxer writes for ctx.
func headerPackets(ctx codec.ICodecCtx, tags map[string]string) ([][]byte, error) {
	comments := Comments{Vendor: vendor}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		comments.Set(k, tags[k])
	}
	switch c := ctx.(type) {
	case *codec.OPUSCtx:
		return [][]byte{c.Marshal(), comments.Append(bytes.Clone(opusTagsMagic))}, nil
	case *codec.VorbisCtx:
		return c.Headers[:], nil
	case *codec.FLACCtx:
		blocks := c.Blocks
		first := append([]byte(nil), flacMappingHead...)
		first = append(first, 1, 0)
		first = binary.BigEndian.AppendUint16(first, uint16(len(blocks)-1))
		first = append(first, "fLaC"...)
		packets := [][]byte{appendBlock(first, blocks[0], len(blocks) == 1)}
		for i, b := range blocks[1:] {
			packets = append(packets, appendBlock(nil, b, i == len(blocks)-2))
		}
		return packets, nil
	}
	return nil, util.Unsupported("codec %s in Ogg", ctx.FourCC())
}

func appendBlock(b []byte, blk codec.FLACMetadataBlock, last bool) []byte {
	b = append(b, blk.Type&0x7F|util.Conditional[byte](last, 0x80, 0))
	n := len(blk.Data)
	b = append(b, byte(n>>16), byte(n>>8), byte(n))
	return append(b, blk.Data...)
}

// packetSamples returns how many samples a packet completes. Vorbis also
// needs and returns block sizes.
func packetSamples(ctx codec.ICodecCtx, pkt []byte, prev int) (samples int64, block int, err error) {
	switch c := ctx.(type) {
	case *codec.OPUSCtx:
		d := codec.OpusPacketDuration(pkt)
		if d <= 0 {
			return 0, 0, util.Malformed("Opus packet without duration")
		}
		return util.DurationToTicks(d, codec.OpusSampleRate), 0, nil
	case *codec.VorbisCtx:
		if prev < 0 {
			// unknown, assume the same block size
			if prev, err = c.BlockSize(pkt); err != nil {
				return
			}
		}
		var n int
		n, block, err = c.PacketSamples(pkt, prev)
		return int64(n), block, err
	case *codec.FLACCtx:
		var n int
		n, err = codec.FLACFrameSamples(pkt)
		return int64(n), 0, err
	}
	return 0, 0, util.Unsupported("codec %s in Ogg", ctx.FourCC())
}
