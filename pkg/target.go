package pkg

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Target is an output byte sink. Seekable targets also implement io.Seeker.
type Target interface {
	io.Writer
	Flush() error
	Close() error
}

// BufferTarget is a seekable in-memory target.
type BufferTarget struct {
	buffer []byte
	offset int
}

func NewBufferTarget(capacity int) *BufferTarget {
	return &BufferTarget{buffer: make([]byte, 0, capacity)}
}

func (t *BufferTarget) Write(p []byte) (n int, err error) {
	if end := t.offset + len(p); end > len(t.buffer) {
		if end > cap(t.buffer) {
			tmp := make([]byte, len(t.buffer), max(end, cap(t.buffer)*2))
			copy(tmp, t.buffer)
			t.buffer = tmp
		}
		t.buffer = t.buffer[:end]
	}
	copy(t.buffer[t.offset:], p)
	t.offset += len(p)
	return len(p), nil
}

func (t *BufferTarget) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		offset += int64(t.offset)
	case io.SeekEnd:
		offset += int64(len(t.buffer))
	}
	if offset < 0 || offset > int64(len(t.buffer)) {
		return -1, fmt.Errorf("seek to %d out of range [0,%d]", offset, len(t.buffer))
	}
	t.offset = int(offset)
	return offset, nil
}

func (t *BufferTarget) Bytes() []byte {
	return t.buffer
}

func (t *BufferTarget) Flush() error { return nil }

func (t *BufferTarget) Close() error { return nil }

type FileTarget struct {
	*os.File
}

func CreateFileTarget(path string) (*FileTarget, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileTarget{f}, nil
}

func (t *FileTarget) Flush() error {
	return t.Sync()
}

// StreamTarget is append-only. Muxers writing to it never seek back.
type StreamTarget struct {
	io.Writer
}

func NewStreamTarget(w io.Writer) *StreamTarget {
	return &StreamTarget{w}
}

func (t *StreamTarget) Flush() error {
	if f, ok := t.Writer.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (t *StreamTarget) Close() error {
	if c, ok := t.Writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// PatchableTarget lets a muxer back-patch bytes it already wrote. Writes go
// straight to a seekable target. Otherwise the whole body is kept in memory
// and written out once by Commit.
type PatchableTarget struct {
	target Target
	seeker io.Seeker
	memory *BufferTarget
	pos    int64
	// base is the target position of memory[0]
	base int64
}

func NewPatchableTarget(target Target) *PatchableTarget {
	p := &PatchableTarget{target: target}
	if s, ok := target.(io.Seeker); ok {
		if _, isStream := target.(*StreamTarget); !isStream {
			p.seeker = s
		}
	}
	if p.seeker == nil {
		p.memory = NewBufferTarget(1 << 16)
	}
	return p
}

// IsSeekable reports whether the wrapped target is.
func IsSeekable(target Target) bool {
	if _, isStream := target.(*StreamTarget); isStream {
		return false
	}
	_, ok := target.(io.Seeker)
	return ok
}

func (p *PatchableTarget) Write(b []byte) (n int, err error) {
	if p.memory != nil {
		n, err = p.memory.Write(b)
	} else {
		n, err = p.target.Write(b)
	}
	p.pos += int64(n)
	return
}

// Pos is the number of bytes written so far.
func (p *PatchableTarget) Pos() int64 {
	return p.pos
}

// PatchAt overwrites already written bytes at off.
func (p *PatchableTarget) PatchAt(off int64, b []byte) (err error) {
	if off < p.base || off+int64(len(b)) > p.pos {
		return fmt.Errorf("patch [%d,%d) outside written range [%d,%d)", off, off+int64(len(b)), p.base, p.pos)
	}
	if p.memory != nil {
		copy(p.memory.buffer[off-p.base:], b)
		return
	}
	if _, err = p.seeker.Seek(off, io.SeekStart); err != nil {
		return
	}
	if _, err = p.target.Write(b); err != nil {
		return
	}
	_, err = p.seeker.Seek(p.pos, io.SeekStart)
	return
}

// Commit hands buffered bytes to the target and flushes it.
func (p *PatchableTarget) Commit() (err error) {
	if p.memory != nil && len(p.memory.buffer) > 0 {
		_, err = p.target.Write(p.memory.buffer)
		p.memory = NewBufferTarget(0)
		p.base = p.pos
	}
	return errors.Join(err, p.target.Flush())
}
