package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mailfile/mailfile/internal/utils"
)

// Mode selects how an opened handle behaves.
type Mode int

const (
	// ModeRead serves the resolved revision's content.
	ModeRead Mode = iota
	// ModeWrite starts from empty and replaces the content on Close.
	ModeWrite
	// ModeAppend starts from the current content and replaces on Close.
	ModeAppend
)

var ErrClosed = errors.New("file already closed")

type openOptions struct {
	revision string
}

type OpenOption func(*openOptions)

// WithRevision reads a specific revision instead of the head. This is how
// individual sides of a fork, or old versions, are inspected.
func WithRevision(id string) OpenOption {
	return func(o *openOptions) { o.revision = id }
}

// File is a buffered handle on one path. Reads serve a fixed revision
// resolved at open time; writes accumulate in memory and become a single
// pending change when the handle closes. Nothing reaches the transport
// before Session.Sync.
type File struct {
	sess *Session
	path string
	mode Mode
	base string

	rd     *bytes.Reader // read side
	buf    bytes.Buffer  // write side
	closed bool
}

// Open returns a read handle on path. The revision is resolved immediately;
// a conflicted path needs WithRevision to pick a side.
func (s *Session) Open(ctx context.Context, p string, opts ...OpenOption) (*File, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	p, err := utils.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	rev, err := s.resolve(ctx, p, o.revision)
	if err != nil {
		return nil, err
	}
	content, err := s.content(rev)
	if err != nil {
		return nil, err
	}

	return &File{
		sess: s,
		path: p,
		mode: ModeRead,
		base: rev.ID,
		rd:   bytes.NewReader(content),
	}, nil
}

// Create returns a write handle on path. The head observed now becomes the
// change's base witness, so a concurrent writer committing first turns this
// write into a reported conflict instead of an overwrite.
func (s *Session) Create(ctx context.Context, p string) (*File, error) {
	return s.openWrite(ctx, p, ModeWrite)
}

// Append returns a write handle preloaded with the current content.
func (s *Session) Append(ctx context.Context, p string) (*File, error) {
	return s.openWrite(ctx, p, ModeAppend)
}

func (s *Session) openWrite(ctx context.Context, p string, mode Mode) (*File, error) {
	p, err := utils.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	base, err := s.headID(ctx, p)
	if err != nil {
		return nil, err
	}

	f := &File{sess: s, path: p, mode: mode, base: base}
	if mode == ModeAppend && base != "" {
		rev, err := s.resolve(ctx, p, "")
		if err != nil {
			return nil, err
		}
		content, err := s.content(rev)
		if err != nil {
			return nil, err
		}
		f.buf.Write(content)
	}
	return f, nil
}

// Path returns the logical path this handle is bound to.
func (f *File) Path() string { return f.path }

// Revision returns the revision id a read handle serves, or the base witness
// of a write handle ("" for a new path).
func (f *File) Revision() string { return f.base }

func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.mode != ModeRead {
		return 0, fmt.Errorf("read %s: handle is write-only", f.path)
	}
	return f.rd.Read(p)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.mode != ModeRead {
		return 0, fmt.Errorf("seek %s: handle is write-only", f.path)
	}
	return f.rd.Seek(offset, whence)
}

func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.mode == ModeRead {
		return 0, fmt.Errorf("write %s: handle is read-only", f.path)
	}
	return f.buf.Write(p)
}

// Close finishes the handle. For write handles this buffers the accumulated
// content as a pending change; the data is durable only after Session.Sync.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	if f.mode == ModeRead {
		return nil
	}
	return f.sess.queueWrite(f.path, bytes.Clone(f.buf.Bytes()), f.base, nil)
}

var _ io.ReadWriteCloser = (*File)(nil)
var _ io.Seeker = (*File)(nil)
