package box

import (
	"m7s.live/mediakit/pkg/util"
)

// aligned(8) class SampleDescriptionBox (unsigned int(32) handler_type) extends FullBox('stsd', 0, 0){
//     int i ;
//     unsigned int(32) entry_count;
//     for (i = 1 ; i <= entry_count ; i++){
//        switch (handler_type){
//           case ‘soun’: // for audio tracks
//              AudioSampleEntry();
//              break;
//           case ‘vide’: // for video tracks
//              VisualSampleEntry();
//              break;
//        }
//     }
// }

// Child is a box nested in a sample entry, e.g. avcC or esds.
type Child struct {
	Type [4]byte
	Body []byte
}

type SampleEntry struct {
	Type   [4]byte
	Visual *VisualSampleEntry
	Audio  *AudioSampleEntry
	// Children holds the nested boxes with QuickTime 'wave' atoms flattened.
	Children []Child
}

func (e *SampleEntry) Child(t [4]byte) []byte {
	for _, c := range e.Children {
		if c.Type == t {
			return c.Body
		}
	}
	return nil
}

type SampleDescription struct {
	Entries []SampleEntry
}

// Decode reads an stsd body; handler selects the entry layout.
func (stsd *SampleDescription) Decode(c *util.ByteCursor, handler [4]byte) (err error) {
	if err = c.Skip(4); err != nil {
		return
	}
	var n uint32
	if n, err = c.ReadU32(); err != nil {
		return
	}
	err = Traverse(c, func(h *BasicBox, body *util.ByteCursor) (err error) {
		if uint32(len(stsd.Entries)) == n {
			return
		}
		e := SampleEntry{Type: h.Type}
		switch handler {
		case TypeVIDE:
			e.Visual = &VisualSampleEntry{}
			err = e.Visual.Decode(body)
		case TypeSOUN:
			e.Audio = &AudioSampleEntry{}
			err = e.Audio.Decode(body)
		default:
			err = body.Skip(body.Remaining())
		}
		if err != nil {
			return
		}
		if err = e.readChildren(body); err != nil {
			return
		}
		stsd.Entries = append(stsd.Entries, e)
		return
	})
	if err == nil && len(stsd.Entries) == 0 && n > 0 {
		err = util.Malformed("stsd declares %d entries, found none", n)
	}
	return
}

func (e *SampleEntry) readChildren(c *util.ByteCursor) error {
	return Traverse(c, func(h *BasicBox, body *util.ByteCursor) error {
		if h.Type == TypeWAVE {
			return e.readChildren(body)
		}
		e.Children = append(e.Children, Child{h.Type, body.Data[body.Pos:]})
		return nil
	})
}

// aligned(8) abstract class SampleEntry (unsigned int(32) format) extends Box(format){
//     const unsigned int(8)[6] reserved = 0;
//     unsigned int(16) data_reference_index;
// }
// class VisualSampleEntry(codingname) extends SampleEntry (codingname){
//     unsigned int(16) pre_defined = 0;
//     const unsigned int(16) reserved = 0;
//     unsigned int(32)[3] pre_defined = 0;
//     unsigned int(16) width;
//     unsigned int(16) height;
//     template unsigned int(32) horizresolution = 0x00480000; // 72 dpi
//     template unsigned int(32) vertresolution = 0x00480000; // 72 dpi
//     const unsigned int(32) reserved = 0;
//     template unsigned int(16) frame_count = 1;
//     string[32] compressorname;
//     template unsigned int(16) depth = 0x0018;
//     int(16) pre_defined = -1;
// }

type VisualSampleEntry struct {
	DataReferenceIndex uint16
	Width, Height      uint16
	CompressorName     string
}

func (*VisualSampleEntry) Size() int {
	return 78
}

func (e *VisualSampleEntry) Encode(w *util.ByteWriter) {
	w.WriteZero(6)
	w.WriteU16(max(e.DataReferenceIndex, 1))
	w.WriteZero(16)
	w.WriteU16(e.Width)
	w.WriteU16(e.Height)
	w.WriteU32(0x00480000)
	w.WriteU32(0x00480000)
	w.WriteU32(0)
	w.WriteU16(1)
	name := e.CompressorName
	if len(name) > 31 {
		name = name[:31]
	}
	w.WriteU8(uint8(len(name)))
	w.WriteString(name, 31)
	w.WriteU16(0x0018)
	w.WriteI16(-1)
}

func (e *VisualSampleEntry) Decode(c *util.ByteCursor) (err error) {
	if err = c.Skip(6); err != nil {
		return
	}
	if e.DataReferenceIndex, err = c.ReadU16(); err != nil {
		return
	}
	if err = c.Skip(16); err != nil {
		return
	}
	if e.Width, err = c.ReadU16(); err != nil {
		return
	}
	if e.Height, err = c.ReadU16(); err != nil {
		return
	}
	if err = c.Skip(14); err != nil {
		return
	}
	var name []byte
	if name, err = c.ReadBytes(32); err != nil {
		return
	}
	if l := int(name[0]); l < 32 {
		e.CompressorName = string(name[1 : 1+l])
	}
	return c.Skip(4)
}

// class AudioSampleEntry(codingname) extends SampleEntry (codingname){
//     const unsigned int(32)[2] reserved = 0;
//     template unsigned int(16) channelcount = 2;
//     template unsigned int(16) samplesize = 16;
//     unsigned int(16) pre_defined = 0;
//     const unsigned int(16) reserved = 0 ;
//     template unsigned int(32) samplerate = { default samplerate of media}<<16;
// }
//
// QuickTime reuses the first reserved field as a version: version 1 appends
// four 32-bit packet fields, version 2 moves the real values to a 36-byte
// extension.

type AudioSampleEntry struct {
	DataReferenceIndex uint16
	Version            uint16
	ChannelCount       uint16
	SampleSize         uint16
	SampleRate         float64

	// version 1
	SamplesPerPacket uint32
	BytesPerPacket   uint32
	BytesPerFrame    uint32
	BytesPerSample   uint32

	// version 2
	FormatFlags          uint32
	BitsPerChannel       uint32
	FramesPerAudioPacket uint32
}

const (
	// QuickTime LPCM format flags
	LPCMFloat     = 1 << 0
	LPCMBigEndian = 1 << 1
	LPCMSigned    = 1 << 2
)

func (e *AudioSampleEntry) Size() int {
	switch e.Version {
	case 1:
		return 44
	case 2:
		return 64
	}
	return 28
}

func (e *AudioSampleEntry) Encode(w *util.ByteWriter) {
	w.WriteZero(6)
	w.WriteU16(max(e.DataReferenceIndex, 1))
	w.WriteU16(e.Version)
	w.WriteZero(6)
	if e.Version == 2 {
		w.WriteU16(3)
		w.WriteU16(16)
		w.WriteI16(-2)
		w.WriteU16(0)
		w.WriteU32(0x00010000)
		w.WriteU32(72)
		w.WriteF64(e.SampleRate)
		w.WriteU32(uint32(e.ChannelCount))
		w.WriteU32(0x7F000000)
		w.WriteU32(e.BitsPerChannel)
		w.WriteU32(e.FormatFlags)
		w.WriteU32(e.BytesPerFrame)
		w.WriteU32(e.FramesPerAudioPacket)
		return
	}
	w.WriteU16(e.ChannelCount)
	w.WriteU16(e.SampleSize)
	w.WriteU32(0)
	// rates above 65535 do not fit 16.16, such entries carry the rate in a
	// codec box (dOps, dfLa)
	if e.SampleRate < 0x10000 {
		w.WriteU32(uint32(e.SampleRate) << 16)
	} else {
		w.WriteU32(0)
	}
	if e.Version == 1 {
		w.WriteU32(e.SamplesPerPacket)
		w.WriteU32(e.BytesPerPacket)
		w.WriteU32(e.BytesPerFrame)
		w.WriteU32(e.BytesPerSample)
	}
}

func (e *AudioSampleEntry) Decode(c *util.ByteCursor) (err error) {
	if err = c.Skip(6); err != nil {
		return
	}
	if e.DataReferenceIndex, err = c.ReadU16(); err != nil {
		return
	}
	if e.Version, err = c.ReadU16(); err != nil {
		return
	}
	if err = c.Skip(6); err != nil {
		return
	}
	if e.ChannelCount, err = c.ReadU16(); err != nil {
		return
	}
	if e.SampleSize, err = c.ReadU16(); err != nil {
		return
	}
	if err = c.Skip(4); err != nil {
		return
	}
	var rate uint32
	if rate, err = c.ReadU32(); err != nil {
		return
	}
	e.SampleRate = float64(rate >> 16)
	switch e.Version {
	case 1:
		for _, v := range []*uint32{&e.SamplesPerPacket, &e.BytesPerPacket, &e.BytesPerFrame, &e.BytesPerSample} {
			if *v, err = c.ReadU32(); err != nil {
				return
			}
		}
	case 2:
		if err = c.Skip(4); err != nil {
			return
		}
		if e.SampleRate, err = c.ReadF64(); err != nil {
			return
		}
		var channels uint32
		if channels, err = c.ReadU32(); err != nil {
			return
		}
		e.ChannelCount = uint16(channels)
		if err = c.Skip(4); err != nil {
			return
		}
		for _, v := range []*uint32{&e.BitsPerChannel, &e.FormatFlags, &e.BytesPerFrame, &e.FramesPerAudioPacket} {
			if *v, err = c.ReadU32(); err != nil {
				return
			}
		}
		e.SampleSize = uint16(e.BitsPerChannel)
	}
	return
}

// class ColourInformationBox extends Box(‘colr’){
//     unsigned int(32) colour_type;
//     if (colour_type == ‘nclx’) {
//        unsigned int(16) colour_primaries;
//        unsigned int(16) transfer_characteristics;
//        unsigned int(16) matrix_coefficients;
//        unsigned int(1) full_range_flag;
//        unsigned int(7) reserved = 0;
//     }
// }

type ColourBox struct {
	Primaries, Transfer, Matrix uint16
	FullRange                   bool
}

func (*ColourBox) Size() int {
	return 11
}

func (colr *ColourBox) Encode(w *util.ByteWriter) {
	w.WriteString("nclx", 4)
	w.WriteU16(colr.Primaries)
	w.WriteU16(colr.Transfer)
	w.WriteU16(colr.Matrix)
	if colr.FullRange {
		w.WriteU8(0x80)
	} else {
		w.WriteU8(0)
	}
}

// class PCMConfig() extends FullBox(‘pcmC’, version = 0, 0) {
//     unsigned int(8) format_flags;
//     unsigned int(8) PCM_sample_size;
// }

type PCMConfigBox struct {
	FullBox
	LittleEndian bool
	SampleSize   uint8
}

func (*PCMConfigBox) Size() int {
	return 6
}

func (pcmc *PCMConfigBox) Encode(w *util.ByteWriter) {
	pcmc.encodeFull(w)
	if pcmc.LittleEndian {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
	w.WriteU8(pcmc.SampleSize)
}

func (pcmc *PCMConfigBox) Decode(c *util.ByteCursor) (err error) {
	if err = pcmc.decodeFull(c); err != nil {
		return
	}
	var flags uint8
	if flags, err = c.ReadU8(); err != nil {
		return
	}
	pcmc.LittleEndian = flags&1 != 0
	pcmc.SampleSize, err = c.ReadU8()
	return
}

// FullBoxRaw prefixes body with a version and flags, for codec boxes such as
// vpcC and dfLa whose records are kept without the FullBox header.
func FullBoxRaw(version uint8, flags uint32, body []byte) Raw {
	w := util.ByteWriter{Buf: make([]byte, 0, 4+len(body))}
	(&FullBox{version, flags}).encodeFull(&w)
	w.WriteBytes(body...)
	return w.Bytes()
}
