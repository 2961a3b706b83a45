package minorlog

import (
	"os"
)

var (
	_ Copier = DefaultCopier{}
)

// Copier moves bytes across the caller/service boundary. Both methods return
// the number of bytes of src that could not be moved, 0 on full success.
type Copier interface {
	// CopyOut moves store bytes to the caller
	CopyOut(dst, src []byte) int
	// CopyIn moves caller bytes into the service
	CopyIn(dst, src []byte) int
}

// DefaultCopier moves as much as dst can hold
type DefaultCopier struct{}

func (DefaultCopier) CopyOut(dst, src []byte) int {
	return len(src) - copy(dst, src)
}

func (DefaultCopier) CopyIn(dst, src []byte) int {
	return len(src) - copy(dst, src)
}

// IdentityFunc supplies the writer identity stamped into each frame
type IdentityFunc func() int

// ProcessIdentity stamps frames with the pid of the current process
func ProcessIdentity() int {
	return os.Getpid()
}

// StaticIdentity returns an IdentityFunc that always reports id
func StaticIdentity(id int) IdentityFunc {
	return func() int {
		return id
	}
}
