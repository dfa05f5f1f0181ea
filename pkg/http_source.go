package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/icholy/digest"

	"m7s.live/mediakit/pkg/config"
	"m7s.live/mediakit/pkg/util"
)

// HTTPSource reads byte ranges of a remote file with Range requests. Servers
// that ignore Range are tolerated by discarding the leading bytes.
type HTTPSource struct {
	*slog.Logger
	URL    string
	Client *http.Client

	sizeOnce sync.Once
	size     int64
	sizeErr  error
}

func NewHTTPSource(url string, conf config.HTTP, logger *slog.Logger) *HTTPSource {
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{Timeout: conf.Timeout}
	if conf.Username != "" {
		client.Transport = &digest.Transport{
			Username: conf.Username,
			Password: conf.Password,
		}
	}
	return &HTTPSource{Logger: logger.With("url", url), URL: url, Client: client}
}

func (s *HTTPSource) get(ctx context.Context, start, end int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	res, err := s.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", util.ErrCanceled, err)
		}
		return nil, err
	}
	switch res.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return res, nil
	case http.StatusRequestedRangeNotSatisfiable:
		res.Body.Close()
		return nil, io.EOF
	}
	res.Body.Close()
	return nil, fmt.Errorf("http source %s: %s", s.URL, res.Status)
}

// parseContentRange returns the total of "bytes a-b/total", -1 when unknown.
func parseContentRange(v string) int64 {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func (s *HTTPSource) Size(ctx context.Context) (int64, error) {
	s.sizeOnce.Do(func() {
		var res *http.Response
		if res, s.sizeErr = s.get(ctx, 0, 1); s.sizeErr != nil {
			if s.sizeErr == io.EOF {
				s.size, s.sizeErr = 0, nil
			}
			return
		}
		defer res.Body.Close()
		if res.StatusCode == http.StatusPartialContent {
			s.size = parseContentRange(res.Header.Get("Content-Range"))
		} else {
			s.size = res.ContentLength
		}
		if s.size < 0 {
			s.sizeErr = fmt.Errorf("http source %s: unknown length", s.URL)
			return
		}
		s.Debug("size", "bytes", humanize.IBytes(uint64(s.size)))
	})
	return s.size, s.sizeErr
}

func (s *HTTPSource) Read(ctx context.Context, start, end int64) (data []byte, err error) {
	if end <= start {
		return nil, nil
	}
	res, err := s.get(ctx, start, end)
	if err == io.EOF {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK {
		if _, err = io.CopyN(io.Discard, res.Body, start); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return
		}
	}
	data = make([]byte, end-start)
	n, err := io.ReadFull(res.Body, data)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", util.ErrCanceled, err)
	}
	return data[:n], err
}
