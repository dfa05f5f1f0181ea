package pkg

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	slogcommon "github.com/samber/slog-common"
)

var (
	LogSourceKey  = "source"
	LogContextKey = "extra"
	LogErrorKeys  = []string{"error", "err"}
)

var _ slog.Handler = (*JSONLogHandler)(nil)

type LogConverter func(addSource bool, replaceAttr func(groups []string, a slog.Attr) slog.Attr, loggerAttr []slog.Attr, groups []string, record *slog.Record) map[string]any

// DefaultLogConverter lifts the message, level and the first error attribute
// to the top level and nests everything else under LogContextKey.
func DefaultLogConverter(addSource bool, replaceAttr func(groups []string, a slog.Attr) slog.Attr, loggerAttr []slog.Attr, groups []string, record *slog.Record) map[string]any {
	attrs := slogcommon.AppendRecordAttrsToAttrs(loggerAttr, groups, record)
	if addSource {
		attrs = append(attrs, slogcommon.Source(LogSourceKey, record))
	}
	attrs = slogcommon.ReplaceAttrs(replaceAttr, []string{}, attrs...)
	attrs = slogcommon.RemoveEmptyAttrs(attrs)
	extra := slogcommon.AttrsToMap(attrs...)

	payload := map[string]any{
		"timestamp": record.Time.UTC(),
		"level":     levelName(record.Level),
		"message":   record.Message,
	}
	for _, key := range LogErrorKeys {
		if v, ok := extra[key]; ok {
			if err, ok := v.(error); ok {
				payload[key] = slogcommon.FormatError(err)
				delete(extra, key)
				break
			}
		}
	}
	for _, key := range []string{"format", "track"} {
		if v, ok := extra[key]; ok {
			payload[key] = v
			delete(extra, key)
		}
	}
	if len(extra) > 0 {
		payload[LogContextKey] = extra
	}
	return payload
}

func levelName(l slog.Level) string {
	if l <= TraceLevel {
		return "TRACE"
	}
	return l.String()
}

// JSONLogHandler writes one JSON object per record.
type JSONLogHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	opts      slog.HandlerOptions
	attrs     []slog.Attr
	groups    []string
	converter LogConverter
}

func NewJSONLogHandler(w io.Writer, opts *slog.HandlerOptions, converter LogConverter) *JSONLogHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: slog.LevelInfo}
	}
	if converter == nil {
		converter = DefaultLogConverter
	}
	return &JSONLogHandler{mu: &sync.Mutex{}, w: w, opts: *opts, converter: converter}
}

func (h *JSONLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *JSONLogHandler) Handle(ctx context.Context, r slog.Record) error {
	var attrFromContext []func(ctx context.Context) []slog.Attr
	fromContext := slogcommon.ContextExtractor(ctx, attrFromContext)
	payload := h.converter(h.opts.AddSource, h.opts.ReplaceAttr, append(h.attrs, fromContext...), h.groups, &r)
	line, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(line, '\n'))
	return err
}

func (h *JSONLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &JSONLogHandler{
		mu:        h.mu,
		w:         h.w,
		opts:      h.opts,
		attrs:     append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups:    h.groups,
		converter: h.converter,
	}
}

func (h *JSONLogHandler) WithGroup(name string) slog.Handler {
	return &JSONLogHandler{
		mu:        h.mu,
		w:         h.w,
		opts:      h.opts,
		attrs:     h.attrs,
		groups:    append(append([]string(nil), h.groups...), name),
		converter: h.converter,
	}
}
