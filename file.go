package minorlog

import (
	"github.com/pkg/errors"
)

// FileOptFunc configures a single File returned by Registry.Open
type FileOptFunc func(*fileOpt)

type fileOpt struct {
	identity IdentityFunc
	copier   Copier
}

// FileIdentity sets the identity stamped into frames written through the File
func FileIdentity(fn IdentityFunc) FileOptFunc {
	return func(opt *fileOpt) {
		opt.identity = fn
	}
}

// FileCopier replaces the copier moving bytes between caller and store
func FileCopier(c Copier) FileOptFunc {
	return func(opt *fileOpt) {
		opt.copier = c
	}
}

// File is the handle returned by Registry.Open. Every File of a minor shares
// the same Buffer, including its cursors and access flags.
type File struct {
	buf      *Buffer
	mode     AccessMode
	identity IdentityFunc
	copier   Copier
}

func (f *File) Minor() int {
	return f.buf.Minor()
}

// Mode returns the access requested when the File was opened
func (f *File) Mode() AccessMode {
	return f.mode
}

// Buffer returns the record behind the File
func (f *File) Buffer() *Buffer {
	return f.buf
}

// Read copies up to len(p) unread bytes into p and advances the read cursor.
// It never waits for data: with nothing left to read it returns 0, io.EOF.
// That EOF is not terminal, a later Write to the same minor makes more data readable.
func (f *File) Read(p []byte) (int, error) {
	return f.buf.read(p, f.copier)
}

// Write appends p as one frame stamped with the File identity and returns len(p).
func (f *File) Write(p []byte) (int, error) {
	return f.buf.write(f.identity(), p, f.copier)
}

// WriteAs is Write with an explicit writer identity
func (f *File) WriteAs(identity int, p []byte) (int, error) {
	return f.buf.write(identity, p, f.copier)
}

// Ioctl runs a control command against the shared cursors
func (f *File) Ioctl(cmd ControlCommand) error {
	return f.buf.control(cmd)
}

// Close clears the access flags this File was opened with.
func (f *File) Close() error {
	if err := f.buf.release(f.mode); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func newFile(buf *Buffer, mode AccessMode, funcs ...FileOptFunc) *File {
	opt := &fileOpt{
		identity: ProcessIdentity,
		copier:   DefaultCopier{},
	}
	for _, fn := range funcs {
		fn(opt)
	}
	return &File{
		buf:      buf,
		mode:     mode,
		identity: opt.identity,
		copier:   opt.copier,
	}
}
