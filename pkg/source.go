package pkg

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"m7s.live/mediakit/pkg/util"
)

// Source is a random-access byte source. Read returns at most end-start
// bytes, fewer only at the end of the source.
type Source interface {
	Size(ctx context.Context) (int64, error)
	Read(ctx context.Context, start, end int64) ([]byte, error)
}

type BufferSource struct {
	data  []byte
	reads atomic.Int64
}

func NewBufferSource(data []byte) *BufferSource {
	return &BufferSource{data: data}
}

func (s *BufferSource) Size(context.Context) (int64, error) {
	return int64(len(s.data)), nil
}

func (s *BufferSource) Read(ctx context.Context, start, end int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrCanceled, err)
	}
	s.reads.Add(1)
	start, end = min(max(start, 0), int64(len(s.data))), min(end, int64(len(s.data)))
	if end < start {
		end = start
	}
	return s.data[start:end:end], nil
}

// Reads counts Read calls, for asserting that caches do their job.
func (s *BufferSource) Reads() int64 {
	return s.reads.Load()
}

type FileSource struct {
	io.ReaderAt
	size   int64
	closer io.Closer
}

func NewReaderAtSource(r io.ReaderAt, size int64) *FileSource {
	return &FileSource{ReaderAt: r, size: size}
}

func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileSource{ReaderAt: f, size: info.Size(), closer: f}, nil
}

func (s *FileSource) Size(context.Context) (int64, error) {
	return s.size, nil
}

func (s *FileSource) Read(ctx context.Context, start, end int64) (data []byte, err error) {
	if err = ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", util.ErrCanceled, err)
	}
	end = min(end, s.size)
	if end <= start {
		return nil, nil
	}
	data = make([]byte, end-start)
	n, err := s.ReadAt(data, start)
	if err == io.EOF {
		err = nil
	}
	return data[:n], err
}

func (s *FileSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
