package minorlog

import (
	"github.com/pkg/errors"
)

var (
	// ErrOutOfMemory is the error returned when a record or its store can not
	// be allocated within the configured store ceiling
	ErrOutOfMemory = errors.New("error: out of memory")

	// ErrNotOpenForRead is the error returned when reading a minor that is not
	// open for read
	ErrNotOpenForRead = errors.New("error: not open for read")

	// ErrNotOpenForWrite is the error returned when writing a minor that is not
	// open for write
	ErrNotOpenForWrite = errors.New("error: not open for write")

	// ErrNotOpen is the error returned when closing an already closed minor
	ErrNotOpen = errors.New("error: not open")

	// ErrInvalidArgument is the error returned for an empty write or a writer
	// identity below 1
	ErrInvalidArgument = errors.New("error: invalid argument")

	// ErrCopyIncomplete is the error returned when the copier could not move
	// every byte between the caller and the store
	ErrCopyIncomplete = errors.New("error: copy incomplete")

	// ErrUnsupportedOperation is the error returned for an unknown control command
	ErrUnsupportedOperation = errors.New("error: unsupported operation")

	// ErrInvalidMinor is the error returned for a negative minor
	ErrInvalidMinor = errors.New("error: invalid minor")

	// ErrChannelLocked is the error returned if the channel is already
	// registered by another process
	ErrChannelLocked = errors.New("error: channel locked")

	// ErrChannelClosed is the error returned when using a channel after Close
	ErrChannelClosed = errors.New("error: channel closed")
)
