package minorlog

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/octu0/minorlog/codec"
	"github.com/octu0/minorlog/repli"
	"github.com/octu0/minorlog/runtime"
)

const (
	// extra bytes reserved past the frame whenever a store grows
	growthHeadroom int = codec.FrameOverhead + 2
)

// BufferStats is a point in time view of a Buffer
type BufferStats struct {
	Minor       int
	ReadCursor  int
	WriteCursor int
	Capacity    int
	Open        bool
	Readable    bool
	Writable    bool
}

// Buffer is the record owned by a single minor: a growable store, a read and
// a write cursor, and the access flags shared by every opener of the minor.
//
// The logical content is store[0:writeCursor] and
// 0 <= readCursor <= writeCursor <= len(store) always holds.
type Buffer struct {
	mu          *sync.RWMutex
	ctx         runtime.Context
	logger      logrus.FieldLogger
	emitter     repli.Emitter
	minor       int
	maxSize     int
	store       []byte
	readCursor  int
	writeCursor int
	isOpen      bool
	readable    bool
	writable    bool
	seq         uint64
	released    bool
}

// Minor returns the minor number this record serves
func (b *Buffer) Minor() int {
	return b.minor
}

// Stats returns the current cursors, capacity and access flags
func (b *Buffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		Minor:       b.minor,
		ReadCursor:  b.readCursor,
		WriteCursor: b.writeCursor,
		Capacity:    len(b.store),
		Open:        b.isOpen,
		Readable:    b.readable,
		Writable:    b.writable,
	}
}

// Bytes returns a copy of the written content, regardless of the read cursor
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, b.writeCursor)
	copy(out, b.store[:b.writeCursor])
	return out
}

func (b *Buffer) snapshot() repli.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data := make([]byte, b.writeCursor)
	copy(data, b.store[:b.writeCursor])
	return repli.Snapshot{
		Minor:       b.minor,
		Seq:         b.seq,
		Capacity:    len(b.store),
		ReadCursor:  b.readCursor,
		WriteCursor: b.writeCursor,
		Data:        data,
	}
}

// open reports false when the buffer was released by a concurrent teardown
func (b *Buffer) open(mode AccessMode) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return false
	}
	b.isOpen = true
	if mode.CanRead() {
		b.readable = true
	}
	if mode.CanWrite() {
		b.writable = true
	}
	return true
}

func (b *Buffer) release(mode AccessMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isOpen != true {
		b.logger.WithField("minor", b.minor).Warn("no sense in closing a closed minor")
		return errors.WithStack(ErrNotOpen)
	}

	if mode.CanRead() {
		b.readable = false
	}
	if mode.CanWrite() {
		b.writable = false
	}
	b.isOpen = b.readable || b.writable
	return nil
}

func (b *Buffer) read(dst []byte, c Copier) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readable != true {
		b.logger.WithField("minor", b.minor).Warn("minor is not open for read")
		return 0, errors.WithStack(ErrNotOpenForRead)
	}

	count := b.writeCursor - b.readCursor
	if len(dst) < count {
		count = len(dst)
	}
	if count == 0 {
		if len(dst) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	if residue := c.CopyOut(dst[:count], b.store[b.readCursor:b.readCursor+count]); residue != 0 {
		b.logger.WithFields(logrus.Fields{
			"minor":   b.minor,
			"residue": residue,
		}).Warn("not all bytes were copied")
		return 0, errors.Wrapf(ErrCopyIncomplete, "%d of %d bytes not copied", residue, count)
	}
	b.readCursor += count
	return count, nil
}

// write frames payload as "[identity] payload\n" and appends it at the write cursor.
// The frame is staged in a scratch buffer first, so a failing copy leaves
// the store and both cursors untouched.
func (b *Buffer) write(identity int, payload []byte, c Copier) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isOpen != true || b.writable != true {
		b.logger.WithField("minor", b.minor).Warn("minor is not open for write")
		return 0, errors.WithStack(ErrNotOpenForWrite)
	}
	if len(payload) == 0 {
		b.logger.WithField("minor", b.minor).Warn("can not write payload of length 0")
		return 0, errors.Wrap(ErrInvalidArgument, "empty payload")
	}
	if identity < 1 {
		return 0, errors.Wrapf(ErrInvalidArgument, "identity %d", identity)
	}

	frameSize := codec.FrameSize(identity, len(payload))

	pool := b.ctx.Buffer().ScratchPool()
	scratch := pool.Get()
	defer pool.Put(scratch)

	scratch.Reset()
	scratch.Grow(frameSize)
	frame := scratch.Bytes()[:frameSize]

	n := codec.PutHeader(frame, identity)
	if residue := c.CopyIn(frame[n:n+len(payload)], payload); residue != 0 {
		b.logger.WithFields(logrus.Fields{
			"minor":   b.minor,
			"residue": residue,
		}).Warn("not all bytes were copied")
		return 0, errors.Wrapf(ErrCopyIncomplete, "%d of %d bytes not copied", residue, len(payload))
	}
	frame[frameSize-1] = '\n'

	if len(b.store) < b.writeCursor+frameSize {
		size := b.writeCursor + len(payload) + codec.DigitCount(identity) + growthHeadroom
		if err := b.growLocked(size); err != nil {
			return 0, errors.WithStack(err)
		}
	}

	b.appendLocked(frame)
	return len(payload), nil
}

func (b *Buffer) appendLocked(frame []byte) {
	start := b.writeCursor
	b.writeCursor += copy(b.store[start:], frame)
	b.seq += 1

	if err := b.emitter.EmitAppend(b.minor, b.seq, b.store[start:b.writeCursor]); err != nil {
		b.logger.WithField("minor", b.minor).WithError(err).Warn("emit append failed")
	}
}

// growLocked replaces the store with one of exactly size bytes holding the
// written content. Stores never shrink.
func (b *Buffer) growLocked(size int) error {
	if b.maxSize < size {
		b.logger.WithFields(logrus.Fields{
			"minor": b.minor,
			"size":  size,
			"max":   b.maxSize,
		}).Warn("store would exceed max buffer size")
		return errors.Wrapf(ErrOutOfMemory, "grow to %d exceeds %d", size, b.maxSize)
	}
	if size <= len(b.store) {
		return nil
	}

	newStore := make([]byte, size)
	copy(newStore, b.store[:b.writeCursor])
	b.putStoreLocked()
	b.store = newStore

	b.logger.WithFields(logrus.Fields{
		"minor": b.minor,
		"size":  size,
	}).Debug("grew store")
	return nil
}

func (b *Buffer) putStoreLocked() {
	if b.store == nil {
		return
	}
	buf := b.ctx.Buffer()
	if len(b.store) == buf.StoreSize() {
		buf.StorePool().Put(b.store)
	}
	b.store = nil
}

func (b *Buffer) control(cmd ControlCommand) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.controlLocked(cmd); err != nil {
		return errors.WithStack(err)
	}
	b.seq += 1

	if err := b.emitter.EmitControl(b.minor, b.seq, uint8(cmd)); err != nil {
		b.logger.WithField("minor", b.minor).WithError(err).Warn("emit control failed")
	}
	return nil
}

func (b *Buffer) controlLocked(cmd ControlCommand) error {
	switch cmd {
	case Reset:
		b.writeCursor = 0
		b.readCursor = 0
	case Restart:
		b.readCursor = 0
	default:
		b.logger.WithFields(logrus.Fields{
			"minor": b.minor,
			"cmd":   uint8(cmd),
		}).Warn("there is no such control command")
		return errors.Wrapf(ErrUnsupportedOperation, "command %d", cmd)
	}

	b.logger.WithFields(logrus.Fields{
		"minor": b.minor,
		"cmd":   cmd.String(),
	}).Debug("control")
	return nil
}

// applyAppend appends an already encoded frame received from the emitter.
// Stale sequences are ignored.
func (b *Buffer) applyAppend(seq uint64, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq <= b.seq {
		return nil
	}
	if len(b.store) < b.writeCursor+len(frame) {
		// same size the emitter grew to: frame length already holds the 4 framing bytes
		if err := b.growLocked(b.writeCursor + len(frame) + growthHeadroom - codec.FrameOverhead); err != nil {
			return errors.WithStack(err)
		}
	}
	b.writeCursor += copy(b.store[b.writeCursor:], frame)
	b.seq = seq
	return nil
}

func (b *Buffer) applyControl(seq uint64, cmd ControlCommand) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq <= b.seq {
		return nil
	}
	if err := b.controlLocked(cmd); err != nil {
		return errors.WithStack(err)
	}
	b.seq = seq
	return nil
}

func (b *Buffer) applySnapshot(s repli.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.Seq <= b.seq {
		return nil
	}
	if s.WriteCursor != len(s.Data) || s.ReadCursor < 0 || s.WriteCursor < s.ReadCursor || s.Capacity < s.WriteCursor {
		return errors.Errorf("inconsistent snapshot minor=%d read=%d write=%d cap=%d data=%d",
			s.Minor, s.ReadCursor, s.WriteCursor, s.Capacity, len(s.Data))
	}
	if b.maxSize < s.Capacity {
		b.logger.WithFields(logrus.Fields{
			"minor": b.minor,
			"size":  s.Capacity,
			"max":   b.maxSize,
		}).Warn("snapshot would exceed max buffer size")
		return errors.Wrapf(ErrOutOfMemory, "snapshot capacity %d exceeds %d", s.Capacity, b.maxSize)
	}
	if len(b.store) < s.Capacity {
		// content is replaced below, nothing to carry over
		b.readCursor = 0
		b.writeCursor = 0
		if err := b.growLocked(s.Capacity); err != nil {
			return errors.WithStack(err)
		}
	}
	copy(b.store, s.Data)
	b.writeCursor = s.WriteCursor
	b.readCursor = s.ReadCursor
	b.seq = s.Seq
	return nil
}

func (b *Buffer) free() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return false
	}
	b.putStoreLocked()
	b.readCursor = 0
	b.writeCursor = 0
	b.isOpen = false
	b.readable = false
	b.writable = false
	b.released = true
	return true
}

func newBuffer(opt *option, emitter repli.Emitter, minor int) (*Buffer, error) {
	buf := opt.RuntimeContext.Buffer()
	if opt.MaxBufferSize < buf.StoreSize() {
		return nil, errors.Wrapf(ErrOutOfMemory, "initial store %d exceeds %d", buf.StoreSize(), opt.MaxBufferSize)
	}
	store := buf.StorePool().Get()
	if cap(store) < buf.StoreSize() {
		return nil, errors.Wrapf(ErrOutOfMemory, "store allocation returned %d bytes", cap(store))
	}
	store = store[:buf.StoreSize()]

	return &Buffer{
		mu:          new(sync.RWMutex),
		ctx:         opt.RuntimeContext,
		logger:      opt.Logger,
		emitter:     emitter,
		minor:       minor,
		maxSize:     opt.MaxBufferSize,
		store:       store,
		readCursor:  0,
		writeCursor: 0,
		isOpen:      false,
		readable:    false,
		writable:    false,
		seq:         0,
		released:    false,
	}, nil
}
