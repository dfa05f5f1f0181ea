package mp3

import (
	"bytes"
	"encoding/binary"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"m7s.live/mediakit/pkg/util"
)

const (
	ID3v2HeaderSize = 10
	ID3v1Size       = 128
	apeFooterSize   = 32
)

// id3Frames maps text frame ids of ID3v2.2 to 2.4 to tag names.
var id3Frames = map[string]string{
	"TIT2": "title", "TT2": "title",
	"TPE1": "artist", "TP1": "artist",
	"TALB": "album", "TAL": "album",
	"TPE2": "album_artist", "TP2": "album_artist",
	"TCON": "genre", "TCO": "genre",
	"TRCK": "track", "TRK": "track",
	"TDRC": "date", "TYER": "date", "TYE": "date",
	"TSSE": "encoder", "TSS": "encoder",
	"TLAN": "language", "TLA": "language",
	"TCOP": "copyright", "TCR": "copyright",
}

// id3Writes is the frame written for each tag.
var id3Writes = map[string]string{
	"title": "TIT2", "artist": "TPE1", "album": "TALB", "album_artist": "TPE2", "genre": "TCON",
	"track": "TRCK", "date": "TDRC", "encoder": "TSSE", "language": "TLAN", "copyright": "TCOP",
}

func syncsafe(b []byte) (v uint32, ok bool) {
	for _, c := range b {
		if c&0x80 != 0 {
			return 0, false
		}
		v = v<<7 | uint32(c)
	}
	return v, true
}

func appendSyncsafe(b []byte, v uint32) []byte {
	return append(b, byte(v>>21&0x7F), byte(v>>14&0x7F), byte(v>>7&0x7F), byte(v&0x7F))
}

// ID3v2Size is the length of the ID3v2 tag starting head, footer included,
// or 0 when head starts no tag.
func ID3v2Size(head []byte) int64 {
	if len(head) < ID3v2HeaderSize || !bytes.HasPrefix(head, []byte("ID3")) || head[3] == 0xFF || head[4] == 0xFF {
		return 0
	}
	size, ok := syncsafe(head[6:10])
	if !ok {
		return 0
	}
	n := int64(ID3v2HeaderSize) + int64(size)
	if head[3] >= 4 && head[5]&0x10 != 0 {
		n += ID3v2HeaderSize
	}
	return n
}

// removeUnsync undoes the unsynchronisation scheme, which inserts a zero
// after every 0xFF.
func removeUnsync(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte{0xFF, 0}, []byte{0xFF})
}

func id3Text(b []byte) (s string, err error) {
	if len(b) == 0 {
		return "", nil
	}
	var dec *encoding.Decoder
	switch b[0] {
	case 0:
		dec = charmap.ISO8859_1.NewDecoder()
	case 1:
		dec = unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
	case 2:
		dec = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	case 3:
		s = string(b[1:])
	default:
		return "", util.Unsupported("text encoding %d", b[0])
	}
	if dec != nil {
		if s, err = dec.String(string(b[1:])); err != nil {
			return
		}
	}
	// lists are separated by NUL; the first value is kept
	for _, v := range strings.Split(s, "\x00") {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", nil
}

// ParseID3v2 reads the text frames of a complete ID3v2 tag.
func ParseID3v2(tag []byte) (tags map[string]string, err error) {
	size := ID3v2Size(tag)
	if size == 0 || int64(len(tag)) < size {
		return nil, util.Malformed("ID3v2 tag cut off")
	}
	version, flags := tag[3], tag[5]
	if version < 2 || version > 4 {
		return nil, util.Unsupported("ID3v2.%d", version)
	}
	n, _ := syncsafe(tag[6:10])
	body := tag[ID3v2HeaderSize : ID3v2HeaderSize+int(n)]
	if flags&0x80 != 0 && version < 4 {
		body = removeUnsync(body)
	}
	c := util.NewByteCursor(body, ID3v2HeaderSize)
	if flags&0x40 != 0 && version > 2 {
		ext, err := c.ReadBytes(4)
		if err != nil {
			return nil, err
		}
		skip := int(binary.BigEndian.Uint32(ext))
		if version == 4 {
			n, _ := syncsafe(ext)
			skip = int(n) - 4
		}
		if err = c.Skip(skip); err != nil {
			return nil, err
		}
	}
	idSize, headerSize := util.Conditional(version == 2, 3, 4), util.Conditional(version == 2, 6, 10)
	tags = make(map[string]string)
	for c.Remaining() >= headerSize {
		header, _ := c.ReadBytes(headerSize)
		if header[0] == 0 {
			// padding
			break
		}
		id := string(header[:idSize])
		var size uint32
		switch version {
		case 2:
			size = uint32(header[3])<<16 | uint32(header[4])<<8 | uint32(header[5])
		case 3:
			size = binary.BigEndian.Uint32(header[4:8])
		default:
			size, _ = syncsafe(header[4:8])
		}
		data, err := c.ReadBytes(int(size))
		if err != nil {
			return tags, util.Malformed("ID3v2 frame %q of %d bytes overruns the tag", id, size)
		}
		key, ok := id3Frames[id]
		if !ok || tags[key] != "" {
			continue
		}
		if version > 2 {
			format := header[9]
			compressed := util.Conditional(version == 3, format&0x80 != 0, format&0x08 != 0)
			encrypted := util.Conditional(version == 3, format&0x40 != 0, format&0x04 != 0)
			if compressed || encrypted {
				continue
			}
			if version == 4 && format&0x02 != 0 {
				data = removeUnsync(data)
			}
			if version == 4 && format&0x01 != 0 && len(data) >= 4 {
				data = data[4:]
			}
		}
		if v, err := id3Text(data); err == nil && v != "" {
			tags[key] = v
		}
	}
	return tags, nil
}

// AppendID3v2 writes an ID3v2.4 tag of UTF-8 text frames, or nothing when
// no tag has a frame.
func AppendID3v2(b []byte, tags map[string]string) []byte {
	var keys []string
	for key := range id3Writes {
		if tags[key] != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return b
	}
	slices.SortFunc(keys, func(x, y string) int { return strings.Compare(id3Writes[x], id3Writes[y]) })
	var body []byte
	for _, key := range keys {
		text := append([]byte{3}, tags[key]...)
		body = append(body, id3Writes[key]...)
		body = appendSyncsafe(body, uint32(len(text)))
		body = append(body, 0, 0)
		body = append(body, text...)
	}
	b = append(b, 'I', 'D', '3', 4, 0, 0)
	b = appendSyncsafe(b, uint32(len(body)))
	return append(b, body...)
}

func latin1(b []byte) string {
	b = bytes.TrimRight(b, "\x00 ")
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(s))
}

// ParseID3v1 reads the fixed fields of a 128 byte ID3v1 or v1.1 tag.
func ParseID3v1(tag []byte) map[string]string {
	if len(tag) != ID3v1Size || !bytes.HasPrefix(tag, []byte("TAG")) {
		return nil
	}
	tags := map[string]string{
		"title":   latin1(tag[3:33]),
		"artist":  latin1(tag[33:63]),
		"album":   latin1(tag[63:93]),
		"date":    latin1(tag[93:97]),
		"comment": latin1(tag[97:127]),
	}
	if tag[125] == 0 && tag[126] != 0 {
		tags["comment"] = latin1(tag[97:125])
		tags["track"] = strconv.Itoa(int(tag[126]))
	}
	for k, v := range tags {
		if v == "" {
			delete(tags, k)
		}
	}
	return tags
}

// APESize is the length of the APEv2 tag whose footer ends tail, or 0.
func APESize(tail []byte) int64 {
	if len(tail) < apeFooterSize {
		return 0
	}
	footer := tail[len(tail)-apeFooterSize:]
	if !bytes.HasPrefix(footer, []byte("APETAGEX")) {
		return 0
	}
	n := int64(binary.LittleEndian.Uint32(footer[12:16]))
	if binary.LittleEndian.Uint32(footer[20:24])&(1<<31) != 0 {
		n += apeFooterSize
	}
	return n
}
