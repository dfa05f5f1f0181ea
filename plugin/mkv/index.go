package plugin_mkv

import (
	"context"
	"log/slog"
	"slices"

	"m7s.live/mediakit"
	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
	mkv "m7s.live/mediakit/plugin/mkv/pkg"
	"m7s.live/mediakit/plugin/mkv/pkg/ebml"
)

type MKVFormat struct {
	mediakit.Format
	DocType        string `default:"matroska" desc:"matroska or webm"`
	TimestampScale uint64 `default:"1000000" desc:"nanoseconds per timestamp tick, must divide 1e9"`
}

var (
	_ = mediakit.InstallFormat[MKVFormat](
		mediakit.DefaultYaml(`doctype: matroska`),
		mediakit.Extensions{"mkv", "mka", "mk3d"},
		mediakit.MimeTypes{"video/x-matroska", "audio/x-matroska"},
	)
	_ = mediakit.InstallFormat[MKVFormat](
		mediakit.FormatName("webm"),
		mediakit.DefaultYaml(`doctype: webm`),
		mediakit.Extensions{"webm"},
		mediakit.MimeTypes{"video/webm", "audio/webm"},
	)
)

// docType reads the DocType out of the EBML header at the start of head,
// which may be cut short.
func docType(head []byte) (string, bool) {
	c := util.NewByteCursor(head, 0)
	h, err := ebml.ReadHeader(c)
	if err != nil || h.ID != ebml.IDEBML {
		return "", false
	}
	for c.Remaining() > 0 {
		child, err := ebml.ReadHeader(c)
		if err != nil || child.Unknown() || child.Size > int64(c.Remaining()) {
			break
		}
		body := util.NewByteCursor(c.Data[c.Pos:c.Pos+int(child.Size)], c.Offset())
		if child.ID == ebml.IDDocType {
			s, _ := ebml.ReadString(body)
			return s, true
		}
		c.Pos += int(child.Size)
	}
	return "", true
}

func (f *MKVFormat) Probe(head []byte) bool {
	doc, ok := docType(head)
	if !ok {
		return false
	}
	if doc == "" {
		return f.DocType == mkv.DocTypeMatroska
	}
	return doc == f.DocType
}

func (f *MKVFormat) Supports(c codec.FourCC) bool {
	return slices.Contains(mkv.SupportedBy(f.DocType), c)
}

func (f *MKVFormat) OpenDemuxer(ctx context.Context, cache *pkg.RangeCache, logger *slog.Logger) (pkg.IDemuxer, error) {
	d := mkv.NewDemuxer(cache, logger)
	if err := d.Demux(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (f *MKVFormat) NewMuxer(target pkg.Target, conf config.Output, logger *slog.Logger) (pkg.IMuxer, error) {
	return mkv.NewMuxer(target, conf, mkv.Options{
		DocType:        f.DocType,
		TimestampScale: f.TimestampScale,
	}, logger), nil
}
