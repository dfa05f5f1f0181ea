package wav

import (
	"bytes"
	"slices"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"m7s.live/mediakit/pkg/util"
)

// infoTags maps LIST/INFO chunk ids to tag names.
var infoTags = map[ChunkID]string{
	{'I', 'N', 'A', 'M'}: "title",
	{'I', 'A', 'R', 'T'}: "artist",
	{'I', 'P', 'R', 'D'}: "album",
	{'I', 'C', 'M', 'T'}: "comment",
	{'I', 'C', 'R', 'D'}: "date",
	{'I', 'G', 'N', 'R'}: "genre",
	{'I', 'C', 'O', 'P'}: "copyright",
	{'I', 'S', 'F', 'T'}: "encoder",
	{'I', 'E', 'N', 'G'}: "engineer",
	{'I', 'P', 'R', 'T'}: "track",
	{'I', 'T', 'R', 'K'}: "track",
	{'I', 'L', 'N', 'G'}: "language",
}

// infoText decodes an INFO string. Older writers used the ANSI code page,
// taken to be Windows-1252 when the bytes are not UTF-8.
func infoText(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if utf8.Valid(b) {
		return string(b)
	}
	s, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(bytes.ToValidUTF8(b, nil))
	}
	return string(s)
}

// ParseInfo reads the sub-chunks of a LIST chunk body of type INFO.
// Unknown ids are kept under their lowercased id.
func ParseInfo(body *util.ByteCursor) (tags map[string]string, err error) {
	typ, err := body.ReadBytes(4)
	if err != nil {
		return
	}
	if ChunkID(typ) != IDInfo {
		return nil, nil
	}
	tags = make(map[string]string)
	err = Traverse(body, func(h *Chunk, c *util.ByteCursor) error {
		key, ok := infoTags[h.ID]
		if !ok {
			key = string(bytes.ToLower(h.ID[:]))
		}
		if v := infoText(c.Data); v != "" {
			if _, dup := tags[key]; !dup {
				tags[key] = v
			}
		}
		return nil
	})
	return
}

// AppendInfo writes a LIST chunk of type INFO with the tags that have an
// INFO id, in id order.
func AppendInfo(b []byte, tags map[string]string) []byte {
	var ids []ChunkID
	for id, key := range infoTags {
		if tags[key] != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return b
	}
	slices.SortFunc(ids, func(a, b ChunkID) int { return bytes.Compare(a[:], b[:]) })
	body := append([]byte(nil), IDInfo[:]...)
	written := make(map[string]bool)
	for _, id := range ids {
		if key := infoTags[id]; !written[key] {
			written[key] = true
			body = AppendChunk(body, id, append([]byte(tags[key]), 0))
		}
	}
	return AppendChunk(b, IDList, body)
}
