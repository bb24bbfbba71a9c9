// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides a seekable read handle over a remote object.
// Every Read issues exactly one ranged request through the backend
// connection, so no object is ever buffered whole.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"
)

// ErrClosed is returned by reads on a closed Object
var ErrClosed = errors.New("proxy: object closed")

// Object is an io.ReadSeekCloser and io.ReaderAt over one remote object.
// It is not safe for concurrent Read/Seek; ReadAt may be called concurrently.
type Object struct {
	ctx   context.Context
	conn  types.Connection
	key   string
	chunk int64

	offset int64
	size   int64 // -1 until known
	closed bool
}

// Option configures an Object
type Option func(*Object)

// WithSize supplies the object size so no stat is needed for end-relative seeks
func WithSize(size int64) Option {
	return func(o *Object) {
		if size >= 0 {
			o.size = size
		}
	}
}

// WithChunkSize caps the length of each ranged request
func WithChunkSize(n int64) Option {
	return func(o *Object) {
		o.chunk = n
	}
}

// Open returns a handle over key. No request is made until the first read or
// end-relative seek.
func Open(ctx context.Context, conn types.Connection, key string, opts ...Option) *Object {
	o := &Object{ctx: ctx, conn: conn, key: key, size: -1}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// With opens key, runs fn and always closes the handle afterwards
func With(ctx context.Context, conn types.Connection, key string, fn func(*Object) error, opts ...Option) error {
	o := Open(ctx, conn, key, opts...)
	defer o.Close()
	return fn(o)
}

// Size returns the object size, stating the object on first use
func (o *Object) Size() (int64, error) {
	if o.size >= 0 {
		return o.size, nil
	}
	info, err := o.conn.Stat(o.ctx, o.key)
	if err != nil {
		return 0, err
	}
	o.size = info.Size
	return o.size, nil
}

// Offset returns the current read position
func (o *Object) Offset() int64 {
	return o.offset
}

// Read fetches up to len(p) bytes (capped at the chunk size) from the current
// offset with one ranged request and advances by the bytes returned.
func (o *Object) Read(p []byte) (int, error) {
	if o.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if o.size >= 0 && o.offset >= o.size {
		return 0, io.EOF
	}
	n, err := o.fetch(p, o.offset)
	o.offset += int64(n)
	return n, err
}

// ReadAt reads len(p) bytes at off without moving the offset. Like
// io.ReaderAt it keeps requesting until p is full or the object ends.
func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	if o.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("proxy: negative offset %d", off)
	}
	var total int
	for total < len(p) {
		n, err := o.fetch(p[total:], off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (o *Object) fetch(p []byte, off int64) (int, error) {
	want := int64(len(p))
	if o.chunk > 0 && want > o.chunk {
		want = o.chunk
	}

	body, err := o.conn.GetRange(o.ctx, o.key, off, want)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.ReadFull(body, p[:want])
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	default:
		return n, types.NewError(types.KindTransient, "proxy.Read", "read range body", err)
	}
}

// Seek sets the offset for the next Read. Positions past the end are
// allowed; reads from there return io.EOF.
func (o *Object) Seek(offset int64, whence int) (int64, error) {
	if o.closed {
		return 0, ErrClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = o.offset + offset
	case io.SeekEnd:
		size, err := o.Size()
		if err != nil {
			return 0, err
		}
		abs = size + offset
	default:
		return 0, fmt.Errorf("proxy: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("proxy: negative position %d", abs)
	}
	o.offset = abs
	return abs, nil
}

// Close releases the handle. It is safe to call more than once.
func (o *Object) Close() error {
	o.closed = true
	return nil
}

var (
	_ io.ReadSeekCloser = (*Object)(nil)
	_ io.ReaderAt       = (*Object)(nil)
)
