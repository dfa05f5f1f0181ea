package mediakit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"runtime"
	"slices"
	"strings"
	"sync"

	"m7s.live/mediakit/pkg"
	"m7s.live/mediakit/pkg/codec"
	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
)

type (
	DefaultYaml string
	// FormatName registers a type under another name, e.g. webm for the
	// Matroska format with a different default yaml.
	FormatName string
	Extensions []string
	MimeTypes  []string

	FormatMeta struct {
		Name        string
		Version     string
		Extensions  []string
		MimeTypes   []string
		Type        reflect.Type
		defaultYaml DefaultYaml

		probeOnce sync.Once
		prober    IFormat
	}

	iFormat interface {
		nothing()
	}

	IFormat interface {
		// Probe reports whether head, the first bytes of a file, looks like
		// this format.
		Probe(head []byte) bool
		OpenDemuxer(ctx context.Context, cache *pkg.RangeCache, logger *slog.Logger) (pkg.IDemuxer, error)
		NewMuxer(target pkg.Target, conf config.Output, logger *slog.Logger) (pkg.IMuxer, error)
		// Supports reports whether the format can carry a codec.
		Supports(codec.FourCC) bool
	}

	// Format is embedded by every format implementation.
	Format struct {
		Meta          *FormatMeta `yaml:"-"`
		config.Config `yaml:"-"`
		*slog.Logger  `yaml:"-"`
	}
)

func (Format) nothing() {}

var formats util.Collection[string, *FormatMeta]

func (meta *FormatMeta) GetKey() string {
	return meta.Name
}

// InstallFormat registers the format type F. Options are DefaultYaml,
// FormatName, Extensions and MimeTypes.
func InstallFormat[F iFormat](options ...any) error {
	var f *F
	t := reflect.TypeOf(f).Elem()
	meta := &FormatMeta{
		Name: strings.ToLower(strings.TrimSuffix(t.Name(), "Format")),
		Type: t,
	}
	_, formatFilePath, _, _ := runtime.Caller(1)
	if _, after, found := strings.Cut(filepath.Dir(formatFilePath), "@"); found {
		meta.Version = after
	} else {
		meta.Version = formatFilePath
	}
	for _, option := range options {
		switch v := option.(type) {
		case DefaultYaml:
			meta.defaultYaml = v
		case FormatName:
			meta.Name = string(v)
		case Extensions:
			meta.Extensions = v
		case MimeTypes:
			meta.MimeTypes = v
		}
	}
	if !formats.Add(meta) {
		return fmt.Errorf("format %s installed twice", meta.Name)
	}
	return nil
}

// New creates a configured instance. userConfig may be nil.
func (meta *FormatMeta) New(userConfig map[string]any, logger *slog.Logger) (IFormat, error) {
	if logger == nil {
		logger = slog.Default()
	}
	instance := reflect.New(meta.Type).Interface().(IFormat)
	f := reflect.ValueOf(instance).Elem().FieldByName("Format").Addr().Interface().(*Format)
	f.Meta = meta
	f.Logger = logger.With("format", meta.Name)
	c, err := config.Load(instance, "MEDIAKIT_"+meta.Name, string(meta.defaultYaml), userConfig)
	if err != nil {
		return nil, err
	}
	f.Config = *c
	return instance, nil
}

func (meta *FormatMeta) probe(head []byte) bool {
	meta.probeOnce.Do(func() {
		if p, err := meta.New(nil, nil); err == nil {
			meta.prober = p
		}
	})
	return meta.prober != nil && meta.prober.Probe(head)
}

// Formats lists the installed formats in installation order.
func Formats() []*FormatMeta {
	return formats.Items
}

// FindFormat matches a format name, file extension (with or without the
// dot) or mime type.
func FindFormat(name string) *FormatMeta {
	name = strings.ToLower(strings.TrimPrefix(name, "."))
	if mime, _, found := strings.Cut(name, ";"); found {
		name = strings.TrimSpace(mime)
	}
	if meta, ok := formats.Get(name); ok {
		return meta
	}
	meta, _ := formats.Find(func(meta *FormatMeta) bool {
		return slices.Contains(meta.Extensions, name) || slices.Contains(meta.MimeTypes, name)
	})
	return meta
}

// FormatForPath picks a format by the extension of path.
func FormatForPath(path string) *FormatMeta {
	if ext := filepath.Ext(path); ext != "" {
		return FindFormat(ext)
	}
	return nil
}

// ProbeFormat returns the first installed format recognising head.
func ProbeFormat(head []byte) *FormatMeta {
	if len(bytes.TrimLeft(head, "\x00")) == 0 {
		return nil
	}
	meta, _ := formats.Find(func(meta *FormatMeta) bool {
		return meta.probe(head)
	})
	return meta
}
