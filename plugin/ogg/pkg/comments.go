package ogg

import (
	"strings"

	"m7s.live/mediakit/pkg/util"
)

// Comments is a Vorbis comment list, the layout OpusTags, the Vorbis
// comment header and the FLAC VORBIS_COMMENT block share.
type Comments struct {
	Vendor string
	Fields []string
}

func ParseComments(b []byte) (c Comments, err error) {
	r := &util.ByteCursor{Data: b, LittleEndian: true}
	n, err := r.ReadU32()
	if err != nil {
		return
	}
	if c.Vendor, err = r.ReadString(int(n)); err != nil {
		return
	}
	count, err := r.ReadU32()
	if err != nil {
		return
	}
	// each field needs at least its length
	if int(count) > r.Remaining()/4 {
		return c, util.Malformed("%d comments in %d bytes", count, r.Remaining())
	}
	for range count {
		if n, err = r.ReadU32(); err != nil {
			return
		}
		var field string
		if field, err = r.ReadString(int(n)); err != nil {
			return
		}
		c.Fields = append(c.Fields, field)
	}
	return
}

func (c *Comments) Append(b []byte) []byte {
	w := util.ByteWriter{LittleEndian: true}
	w.WriteU32(uint32(len(c.Vendor)))
	w.WriteBytes([]byte(c.Vendor)...)
	w.WriteU32(uint32(len(c.Fields)))
	for _, f := range c.Fields {
		w.WriteU32(uint32(len(f)))
		w.WriteBytes([]byte(f)...)
	}
	return append(b, w.Bytes()...)
}

// Tags maps lowercased field names to their first value.
func (c *Comments) Tags() map[string]string {
	tags := make(map[string]string, len(c.Fields))
	for _, f := range c.Fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			continue
		}
		k = strings.ToLower(k)
		if _, dup := tags[k]; !dup {
			tags[k] = v
		}
	}
	return tags
}

// Set replaces every field named key.
func (c *Comments) Set(key, value string) {
	prefix := strings.ToUpper(key) + "="
	fields := c.Fields[:0]
	for _, f := range c.Fields {
		if !strings.HasPrefix(strings.ToUpper(f), prefix) {
			fields = append(fields, f)
		}
	}
	c.Fields = append(fields, prefix+value)
}
