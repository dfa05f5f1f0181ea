package box

import (
	"m7s.live/mediakit/pkg/util"
)

const (
	ESDescrTag            = 0x03
	DecoderConfigDescrTag = 0x04
	DecSpecificInfoTag    = 0x05
	SLConfigDescrTag      = 0x06

	ObjectTypeAAC       = 0x40
	ObjectTypeMPEG2AAC  = 0x67
	ObjectTypeMPEG2Mp3  = 0x69
	ObjectTypeMPEG1Mp3  = 0x6B
	StreamTypeAudio     = 0x05
	descriptorHeaderLen = 5
)

// ESDescriptor is the part of an esds box a demuxer cares about.
//
//	class ES_Descriptor extends BaseDescriptor : bit(8) tag=ES_DescrTag {
//	    bit(16) ES_ID;
//	    bit(1) streamDependenceFlag;
//	    bit(1) URL_Flag;
//	    bit(1) OCRstreamFlag;
//	    bit(5) streamPriority;
//	    ...
//	    DecoderConfigDescriptor decConfigDescr;
//	    SLConfigDescriptor slConfigDescr;
//	}
type ESDescriptor struct {
	ESID                uint16
	ObjectType          uint8
	StreamType          uint8
	BufferSize          uint32
	MaxBitrate          uint32
	AvgBitrate          uint32
	DecoderSpecificInfo []byte
}

func readDescriptorHeader(c *util.ByteCursor) (tag uint8, size int, err error) {
	if tag, err = c.ReadU8(); err != nil {
		return
	}
	for range 4 {
		var b uint8
		if b, err = c.ReadU8(); err != nil {
			return
		}
		size = size<<7 | int(b&0x7F)
		if b&0x80 == 0 {
			break
		}
	}
	if size > c.Remaining() {
		err = util.Malformed("esds descriptor %#x declares %d bytes in %d", tag, size, c.Remaining())
	}
	return
}

func writeDescriptorHeader(w *util.ByteWriter, tag uint8, size int) {
	w.WriteU8(tag)
	w.WriteBytes(byte(size>>21)|0x80, byte(size>>14)|0x80, byte(size>>7)|0x80, byte(size&0x7F))
}

// Decode reads an esds body, FullBox header included.
func (es *ESDescriptor) Decode(c *util.ByteCursor) (err error) {
	if err = c.Skip(4); err != nil {
		return
	}
	tag, size, err := readDescriptorHeader(c)
	if err != nil {
		return
	}
	if tag != ESDescrTag {
		return util.Malformed("esds starts with descriptor %#x", tag)
	}
	c = util.NewByteCursor(c.Data[c.Pos:c.Pos+size], c.Offset())
	if es.ESID, err = c.ReadU16(); err != nil {
		return
	}
	var flags uint8
	if flags, err = c.ReadU8(); err != nil {
		return
	}
	if flags&0x80 != 0 {
		err = c.Skip(2)
	}
	if err == nil && flags&0x40 != 0 {
		var l uint8
		if l, err = c.ReadU8(); err == nil {
			err = c.Skip(int(l))
		}
	}
	if err == nil && flags&0x20 != 0 {
		err = c.Skip(2)
	}
	if err != nil {
		return
	}
	for c.Remaining() > 0 {
		if tag, size, err = readDescriptorHeader(c); err != nil {
			return
		}
		body := util.NewByteCursor(c.Data[c.Pos:c.Pos+size], c.Offset())
		c.Pos += size
		if tag == DecoderConfigDescrTag {
			return es.decodeConfig(body)
		}
	}
	return util.Malformed("esds without DecoderConfigDescriptor")
}

func (es *ESDescriptor) decodeConfig(c *util.ByteCursor) (err error) {
	if es.ObjectType, err = c.ReadU8(); err != nil {
		return
	}
	var st uint8
	if st, err = c.ReadU8(); err != nil {
		return
	}
	es.StreamType = st >> 2
	if es.BufferSize, err = c.ReadU24(); err != nil {
		return
	}
	if es.MaxBitrate, err = c.ReadU32(); err != nil {
		return
	}
	if es.AvgBitrate, err = c.ReadU32(); err != nil {
		return
	}
	for c.Remaining() > 0 {
		tag, size, err := readDescriptorHeader(c)
		if err != nil {
			return err
		}
		if tag == DecSpecificInfoTag {
			es.DecoderSpecificInfo, _ = c.ReadBytes(size)
			return nil
		}
		c.Pos += size
	}
	return
}

func (es *ESDescriptor) configSize() int {
	size := 13
	if len(es.DecoderSpecificInfo) > 0 {
		size += descriptorHeaderLen + len(es.DecoderSpecificInfo)
	}
	return size
}

func (es *ESDescriptor) esSize() int {
	return 3 + descriptorHeaderLen + es.configSize() + descriptorHeaderLen + 1
}

func (es *ESDescriptor) Size() int {
	return 4 + descriptorHeaderLen + es.esSize()
}

func (es *ESDescriptor) Encode(w *util.ByteWriter) {
	w.WriteU32(0)
	writeDescriptorHeader(w, ESDescrTag, es.esSize())
	w.WriteU16(es.ESID)
	w.WriteU8(0)
	writeDescriptorHeader(w, DecoderConfigDescrTag, es.configSize())
	w.WriteU8(es.ObjectType)
	w.WriteU8(es.StreamType<<2 | 1)
	w.WriteU24(es.BufferSize)
	w.WriteU32(es.MaxBitrate)
	w.WriteU32(es.AvgBitrate)
	if len(es.DecoderSpecificInfo) > 0 {
		writeDescriptorHeader(w, DecSpecificInfoTag, len(es.DecoderSpecificInfo))
		w.WriteBytes(es.DecoderSpecificInfo...)
	}
	writeDescriptorHeader(w, SLConfigDescrTag, 1)
	w.WriteU8(2)
}
