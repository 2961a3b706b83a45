package minorlog

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octu0/minorlog/codec"
)

type testShortCopier struct {
	shortIn  int
	shortOut int
}

func (c testShortCopier) CopyOut(dst, src []byte) int {
	n := copy(dst, src[:len(src)-c.shortOut])
	return len(src) - n
}

func (c testShortCopier) CopyIn(dst, src []byte) int {
	n := copy(dst, src[:len(src)-c.shortIn])
	return len(src) - n
}

func testRegistry(t *testing.T, funcs ...OptionFunc) *Registry {
	r, err := NewRegistry(append([]OptionFunc{WithLogger(testLogger())}, funcs...)...)
	if err != nil {
		t.Fatalf("no error: %+v", err)
	}
	return r
}

func TestFileScenario(t *testing.T) {
	r := testRegistry(t)
	defer r.Teardown()

	w, err := r.Open(7, ModeWrite, FileIdentity(StaticIdentity(42)))
	require.NoError(t, err)

	n, err := w.Write([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats := w.Buffer().Stats()
	assert.Equal(t, 8, stats.WriteCursor)
	assert.Equal(t, []byte("[42] hi\n"), w.Buffer().Bytes())

	rd, err := r.Open(7, ModeRead)
	require.NoError(t, err)

	p := make([]byte, 100)
	n, err = rd.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "[42] hi\n", string(p[:n]))
	assert.Equal(t, 8, rd.Buffer().Stats().ReadCursor)

	require.NoError(t, rd.Ioctl(Restart))
	n, err = rd.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "[42] hi\n", string(p[:n]))
	assert.Equal(t, 8, rd.Buffer().Stats().WriteCursor)

	require.NoError(t, rd.Ioctl(Reset))
	n, err = rd.Read(p)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileRead(t *testing.T) {
	t.Run("not_open_for_read", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeWrite)
		if err != nil {
			tt.Fatalf("no error: %+v", err)
		}
		if _, err := f.Read(make([]byte, 10)); errors.Is(err, ErrNotOpenForRead) != true {
			tt.Errorf("expected ErrNotOpenForRead: %+v", err)
		}
	})
	t.Run("truncating", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeReadWrite, FileIdentity(StaticIdentity(1)))
		if err != nil {
			tt.Fatalf("no error: %+v", err)
		}
		if _, err := f.Write([]byte("abcdef")); err != nil {
			tt.Fatalf("no error: %+v", err)
		}
		// "[1] abcdef\n"
		p := make([]byte, 4)
		n, err := f.Read(p)
		if err != nil {
			tt.Errorf("no error: %+v", err)
		}
		if n != 4 || string(p) != "[1] " {
			tt.Errorf("first 4 bytes: %d %q", n, p[:n])
		}

		rest := make([]byte, 100)
		n, err = f.Read(rest)
		if err != nil {
			tt.Errorf("no error: %+v", err)
		}
		if n != 7 || string(rest[:n]) != "abcdef\n" {
			tt.Errorf("remaining bytes only: %d %q", n, rest[:n])
		}

		n, err = f.Read(rest)
		if n != 0 || err != io.EOF {
			tt.Errorf("nothing left: %d %v", n, err)
		}
	})
	t.Run("eof_not_terminal", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeReadWrite, FileIdentity(StaticIdentity(2)))
		if err != nil {
			tt.Fatalf("no error: %+v", err)
		}
		p := make([]byte, 100)
		if n, err := f.Read(p); n != 0 || err != io.EOF {
			tt.Errorf("nothing written yet: %d %v", n, err)
		}

		if _, err := f.Write([]byte("later")); err != nil {
			tt.Fatalf("no error: %+v", err)
		}
		n, err := f.Read(p)
		if err != nil {
			tt.Errorf("no error: %+v", err)
		}
		if string(p[:n]) != "[2] later\n" {
			tt.Errorf("readable after EOF: %q", p[:n])
		}
	})
	t.Run("zero_length", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeRead)
		if err != nil {
			tt.Fatalf("no error: %+v", err)
		}
		n, err := f.Read(nil)
		if n != 0 || err != nil {
			tt.Errorf("empty read is no-op: %d %v", n, err)
		}
	})
	t.Run("copy_incomplete", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		w, err := r.Open(1, ModeWrite, FileIdentity(StaticIdentity(1)))
		if err != nil {
			tt.Fatalf("no error: %+v", err)
		}
		if _, err := w.Write([]byte("abc")); err != nil {
			tt.Fatalf("no error: %+v", err)
		}

		f, err := r.Open(1, ModeRead, FileCopier(testShortCopier{shortOut: 2}))
		if err != nil {
			tt.Fatalf("no error: %+v", err)
		}
		if _, err := f.Read(make([]byte, 100)); errors.Is(err, ErrCopyIncomplete) != true {
			tt.Errorf("expected ErrCopyIncomplete: %+v", err)
		}
		if f.Buffer().Stats().ReadCursor != 0 {
			tt.Errorf("read cursor unchanged")
		}
	})
}

func TestFileWrite(t *testing.T) {
	t.Run("frames_in_order", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(3, ModeReadWrite)
		require.NoError(tt, err)

		payloads := []string{"a", "bb", "hello world", "x"}
		ids := []int{1, 10, 999, 123456}
		expect := bytes.NewBuffer(nil)
		for i, p := range payloads {
			n, err := f.WriteAs(ids[i], []byte(p))
			require.NoError(tt, err)
			assert.Equal(tt, len(p), n)

			frame, err := codec.EncodeFrame(ids[i], []byte(p))
			require.NoError(tt, err)
			expect.Write(frame)
		}

		out := new(bytes.Buffer)
		_, err = io.Copy(out, f)
		require.NoError(tt, err)
		assert.Equal(tt, expect.String(), out.String())

		frames, err := codec.DecodeAll(out.Bytes())
		require.NoError(tt, err)
		require.Len(tt, frames, len(payloads))
		for i, fr := range frames {
			assert.Equal(tt, ids[i], fr.Identity)
			assert.Equal(tt, payloads[i], string(fr.Payload))
		}
	})
	t.Run("process_identity", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(3, ModeReadWrite)
		require.NoError(tt, err)
		_, err = f.Write([]byte("pid"))
		require.NoError(tt, err)

		frames, err := codec.DecodeAll(f.Buffer().Bytes())
		require.NoError(tt, err)
		require.Len(tt, frames, 1)
		assert.Equal(tt, ProcessIdentity(), frames[0].Identity)
	})
	t.Run("not_open_for_write", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeRead)
		require.NoError(tt, err)
		_, err = f.Write([]byte("x"))
		assert.ErrorIs(tt, err, ErrNotOpenForWrite)
	})
	t.Run("zero_length", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeReadWrite)
		require.NoError(tt, err)
		_, err = f.WriteAs(1, []byte("keep"))
		require.NoError(tt, err)
		before := f.Buffer().Stats()
		content := f.Buffer().Bytes()

		n, err := f.Write([]byte{})
		assert.Equal(tt, 0, n)
		assert.ErrorIs(tt, err, ErrInvalidArgument)
		assert.Equal(tt, before, f.Buffer().Stats())
		assert.Equal(tt, content, f.Buffer().Bytes())
	})
	t.Run("invalid_identity", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeWrite, FileIdentity(StaticIdentity(0)))
		require.NoError(tt, err)
		_, err = f.Write([]byte("x"))
		assert.ErrorIs(tt, err, ErrInvalidArgument)
		_, err = f.WriteAs(-5, []byte("x"))
		assert.ErrorIs(tt, err, ErrInvalidArgument)
	})
	t.Run("copy_incomplete_is_atomic", func(tt *testing.T) {
		r := testRegistry(tt, WithInitialBufferSize(8))
		defer r.Teardown()

		f, err := r.Open(1, ModeWrite, FileIdentity(StaticIdentity(1)), FileCopier(testShortCopier{shortIn: 1}))
		require.NoError(tt, err)

		n, err := f.Write([]byte("needs to grow"))
		assert.Equal(tt, 0, n)
		assert.ErrorIs(tt, err, ErrCopyIncomplete)

		stats := f.Buffer().Stats()
		assert.Equal(tt, 0, stats.WriteCursor)
		assert.Equal(tt, 8, stats.Capacity)
	})
}

func TestFileGrowth(t *testing.T) {
	t.Run("exact_size", func(tt *testing.T) {
		r := testRegistry(tt, WithInitialBufferSize(8))
		defer r.Teardown()

		f, err := r.Open(1, ModeReadWrite, FileIdentity(StaticIdentity(1)))
		require.NoError(tt, err)

		// "[1] hello\n" is 10 bytes
		_, err = f.Write([]byte("hello"))
		require.NoError(tt, err)
		stats := f.Buffer().Stats()
		assert.Equal(tt, 10, stats.WriteCursor)
		assert.Equal(tt, 0+5+1+6, stats.Capacity)

		// "[1] ab\n" is 7 bytes, 17 > 12
		_, err = f.Write([]byte("ab"))
		require.NoError(tt, err)
		stats = f.Buffer().Stats()
		assert.Equal(tt, 17, stats.WriteCursor)
		assert.Equal(tt, 10+2+1+6, stats.Capacity)

		// "[1] c\n" is 6 bytes, 23 > 19
		_, err = f.WriteAs(1, []byte("c"))
		require.NoError(tt, err)
		stats = f.Buffer().Stats()
		assert.Equal(tt, 23, stats.WriteCursor)
		assert.Equal(tt, 17+1+1+6, stats.Capacity)

		assert.Equal(tt, "[1] hello\n[1] ab\n[1] c\n", string(f.Buffer().Bytes()))
	})
	t.Run("fits_without_growth", func(tt *testing.T) {
		r := testRegistry(tt, WithInitialBufferSize(16))
		defer r.Teardown()

		f, err := r.Open(1, ModeWrite, FileIdentity(StaticIdentity(7)))
		require.NoError(tt, err)
		_, err = f.Write([]byte("01234567890"))
		require.NoError(tt, err)
		stats := f.Buffer().Stats()
		assert.Equal(tt, 16, stats.WriteCursor)
		assert.Equal(tt, 16, stats.Capacity)
	})
	t.Run("ceiling", func(tt *testing.T) {
		r := testRegistry(tt, WithInitialBufferSize(8), WithMaxBufferSize(20))
		defer r.Teardown()

		f, err := r.Open(1, ModeWrite, FileIdentity(StaticIdentity(1)))
		require.NoError(tt, err)
		_, err = f.Write([]byte("hello"))
		require.NoError(tt, err)

		before := f.Buffer().Stats()
		_, err = f.Write([]byte("too long for the ceiling"))
		assert.ErrorIs(tt, err, ErrOutOfMemory)
		assert.Equal(tt, before, f.Buffer().Stats())
		assert.Equal(tt, "[1] hello\n", string(f.Buffer().Bytes()))
	})
}

func TestFileIoctl(t *testing.T) {
	t.Run("reset_then_write", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeReadWrite, FileIdentity(StaticIdentity(2)))
		require.NoError(tt, err)
		_, err = f.Write([]byte("old"))
		require.NoError(tt, err)

		require.NoError(tt, f.Ioctl(Reset))
		_, err = f.Write([]byte("new"))
		require.NoError(tt, err)

		assert.Equal(tt, "[2] new\n", string(f.Buffer().Bytes()))
		p := make([]byte, 100)
		n, err := f.Read(p)
		require.NoError(tt, err)
		assert.Equal(tt, "[2] new\n", string(p[:n]))
	})
	t.Run("restart_keeps_write_cursor", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeReadWrite, FileIdentity(StaticIdentity(2)))
		require.NoError(tt, err)
		_, err = f.Write([]byte("abc"))
		require.NoError(tt, err)
		_, err = f.Read(make([]byte, 3))
		require.NoError(tt, err)

		require.NoError(tt, f.Ioctl(Restart))
		stats := f.Buffer().Stats()
		assert.Equal(tt, 0, stats.ReadCursor)
		assert.Equal(tt, 8, stats.WriteCursor)
	})
	t.Run("unsupported", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		f, err := r.Open(1, ModeNone)
		require.NoError(tt, err)
		assert.ErrorIs(tt, f.Ioctl(ControlCommand(2)), ErrUnsupportedOperation)
		assert.ErrorIs(tt, f.Ioctl(ControlCommand(255)), ErrUnsupportedOperation)
	})
}

func TestFileClose(t *testing.T) {
	t.Run("shared_flags", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		rd, err := r.Open(1, ModeRead)
		require.NoError(tt, err)
		wr, err := r.Open(1, ModeWrite)
		require.NoError(tt, err)

		stats := rd.Buffer().Stats()
		assert.True(tt, stats.Open)
		assert.True(tt, stats.Readable)
		assert.True(tt, stats.Writable)

		require.NoError(tt, rd.Close())
		stats = rd.Buffer().Stats()
		assert.True(tt, stats.Open)
		assert.False(tt, stats.Readable)
		assert.True(tt, stats.Writable)

		require.NoError(tt, wr.Close())
		stats = rd.Buffer().Stats()
		assert.False(tt, stats.Open)
		assert.False(tt, stats.Readable)
		assert.False(tt, stats.Writable)

		assert.ErrorIs(tt, wr.Close(), ErrNotOpen)
	})
	t.Run("close_clears_for_every_opener", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		a, err := r.Open(1, ModeReadWrite)
		require.NoError(tt, err)
		b, err := r.Open(1, ModeReadWrite)
		require.NoError(tt, err)

		require.NoError(tt, a.Close())
		_, err = b.WriteAs(1, []byte("x"))
		assert.ErrorIs(tt, err, ErrNotOpenForWrite)
		assert.ErrorIs(tt, b.Close(), ErrNotOpen)
	})
	t.Run("content_survives_close", func(tt *testing.T) {
		r := testRegistry(tt)
		defer r.Teardown()

		w, err := r.Open(4, ModeWrite)
		require.NoError(tt, err)
		_, err = w.WriteAs(5, []byte("kept"))
		require.NoError(tt, err)
		require.NoError(tt, w.Close())

		rd, err := r.Open(4, ModeRead)
		require.NoError(tt, err)
		p := make([]byte, 100)
		n, err := rd.Read(p)
		require.NoError(tt, err)
		assert.Equal(tt, "[5] kept\n", string(p[:n]))
	})
}

func TestFileConcurrentWrite(t *testing.T) {
	r := testRegistry(t, WithInitialBufferSize(16))
	defer r.Teardown()

	const writers = 16
	const writes = 50

	wg := new(sync.WaitGroup)
	for i := 1; i <= writers; i += 1 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			f, err := r.Open(9, ModeWrite, FileIdentity(StaticIdentity(id)))
			if err != nil {
				t.Errorf("no error: %+v", err)
				return
			}
			for j := 0; j < writes; j += 1 {
				if _, err := f.Write([]byte("payload")); err != nil {
					t.Errorf("no error: %+v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	b, ok := r.Lookup(9)
	require.True(t, ok)

	frames, err := codec.DecodeAll(b.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, writers*writes)

	counts := make(map[int]int)
	for _, fr := range frames {
		assert.Equal(t, "payload", string(fr.Payload))
		counts[fr.Identity] += 1
	}
	for i := 1; i <= writers; i += 1 {
		assert.Equal(t, writes, counts[i])
	}

	stats := b.Stats()
	assert.True(t, stats.ReadCursor <= stats.WriteCursor)
	assert.True(t, stats.WriteCursor <= stats.Capacity)
}
