// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// streamingConn serves every range through an io.Pipe fed by a goroutine that
// keeps writing to the end of the object, so an unclosed body leaks it.
type streamingConn struct {
	*backend.MemoryStorage
	ranges atomic.Int32
	stats  atomic.Int32
}

func (c *streamingConn) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	c.ranges.Add(1)
	data, ok := c.Bytes(key)
	if !ok {
		return nil, types.ErrNotFound
	}
	pr, pw := io.Pipe()
	go func() {
		if offset < int64(len(data)) {
			if _, err := pw.Write(data[offset:]); err != nil {
				return
			}
		}
		pw.Close()
	}()
	return pr, nil
}

func (c *streamingConn) Stat(ctx context.Context, key string) (types.ObjectInfo, error) {
	c.stats.Add(1)
	return c.MemoryStorage.Stat(ctx, key)
}

func newConn(t *testing.T, data []byte) *streamingConn {
	t.Helper()
	mem := backend.NewMemoryStorage("bucket")
	_, err := mem.Put(context.Background(), "obj", bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)
	return &streamingConn{MemoryStorage: mem}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

// ============================================================================
// Read Tests
// ============================================================================

func TestObject_RoundTripChunkSizes(t *testing.T) {
	t.Parallel()

	data := payload(1000)
	for _, chunk := range []int{1, 7, 512, 999, 1000, 1001, 4096} {
		conn := newConn(t, data)
		obj := Open(context.Background(), conn, "obj")

		var got []byte
		buf := make([]byte, chunk)
		for {
			n, err := obj.Read(buf)
			got = append(got, buf[:n]...)
			if err == io.EOF {
				break
			}
			require.NoError(t, err, "chunk %d", chunk)
		}
		require.NoError(t, obj.Close())
		assert.Equal(t, data, got, "chunk %d", chunk)
	}
}

func TestObject_OneRangePerRead(t *testing.T) {
	t.Parallel()

	conn := newConn(t, payload(100))
	obj := Open(context.Background(), conn, "obj")
	defer obj.Close()

	buf := make([]byte, 10)
	n, err := obj.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, int32(1), conn.ranges.Load())
	assert.Equal(t, int64(10), obj.Offset())
	assert.Equal(t, int32(0), conn.stats.Load(), "reads must not stat")
}

func TestObject_ChunkSizeCapsRequest(t *testing.T) {
	t.Parallel()

	conn := newConn(t, payload(100))
	obj := Open(context.Background(), conn, "obj", WithChunkSize(16))
	defer obj.Close()

	buf := make([]byte, 64)
	n, err := obj.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestObject_ReadAll(t *testing.T) {
	t.Parallel()

	data := payload(5000)
	conn := newConn(t, data)
	err := With(context.Background(), conn, "obj", func(o *Object) error {
		got, err := io.ReadAll(o)
		if err != nil {
			return err
		}
		assert.Equal(t, data, got)
		return nil
	}, WithChunkSize(700))
	require.NoError(t, err)
}

func TestObject_NotFound(t *testing.T) {
	t.Parallel()

	conn := newConn(t, payload(1))
	obj := Open(context.Background(), conn, "missing")
	defer obj.Close()

	_, err := obj.Read(make([]byte, 4))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// ============================================================================
// Seek Tests
// ============================================================================

func TestObject_Seek(t *testing.T) {
	t.Parallel()

	data := payload(100)
	conn := newConn(t, data)
	obj := Open(context.Background(), conn, "obj")
	defer obj.Close()

	pos, err := obj.Seek(40, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(40), pos)

	pos, err = obj.Seek(10, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(50), pos)

	buf := make([]byte, 5)
	_, err = obj.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, data[50:55], buf)

	pos, err = obj.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(90), pos)

	_, err = obj.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int32(1), conn.stats.Load(), "size is fetched once")

	_, err = obj.Seek(-1, io.SeekStart)
	assert.Error(t, err)
	_, err = obj.Seek(0, 42)
	assert.Error(t, err)
}

func TestObject_SeekPastEndReadsEmpty(t *testing.T) {
	t.Parallel()

	conn := newConn(t, payload(10))
	obj := Open(context.Background(), conn, "obj")
	defer obj.Close()

	pos, err := obj.Seek(50, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(50), pos)

	n, err := obj.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestObject_KnownSizeSkipsStat(t *testing.T) {
	t.Parallel()

	conn := newConn(t, payload(10))
	obj := Open(context.Background(), conn, "obj", WithSize(10))
	defer obj.Close()

	pos, err := obj.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)
	assert.Equal(t, int32(0), conn.stats.Load())

	n, err := obj.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int32(0), conn.ranges.Load(), "read at known end makes no request")
}

func TestObject_MonotonicSeekReadCoversObject(t *testing.T) {
	t.Parallel()

	data := payload(257)
	conn := newConn(t, data)
	obj := Open(context.Background(), conn, "obj")
	defer obj.Close()

	var got []byte
	steps := []int{1, 3, 64, 100, 200}
	for i := 0; len(got) < len(data); i++ {
		_, err := obj.Seek(int64(len(got)), io.SeekStart)
		require.NoError(t, err)
		buf := make([]byte, steps[i%len(steps)])
		n, err := obj.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, data, got)
}

// ============================================================================
// ReadAt / Close Tests
// ============================================================================

func TestObject_ReadAt(t *testing.T) {
	t.Parallel()

	data := payload(100)
	conn := newConn(t, data)
	obj := Open(context.Background(), conn, "obj", WithChunkSize(8))
	defer obj.Close()

	buf := make([]byte, 20)
	n, err := obj.ReadAt(buf, 30)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, data[30:50], buf)
	assert.Equal(t, int64(0), obj.Offset())

	n, err = obj.ReadAt(buf, 95)
	assert.Equal(t, 5, n)
	assert.Equal(t, io.EOF, err)
}

func TestObject_Close(t *testing.T) {
	t.Parallel()

	conn := newConn(t, payload(10))
	obj := Open(context.Background(), conn, "obj")
	require.NoError(t, obj.Close())
	require.NoError(t, obj.Close())

	_, err := obj.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = obj.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWith_ClosesOnError(t *testing.T) {
	t.Parallel()

	conn := newConn(t, payload(10))
	var captured *Object
	err := With(context.Background(), conn, "obj", func(o *Object) error {
		captured = o
		return io.ErrUnexpectedEOF
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = captured.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
}
