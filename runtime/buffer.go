package runtime

import (
	"github.com/octu0/bp"
)

var (
	_ Buffer = (*defaultBuffer)(nil)
)

const (
	// DefaultStoreSize is the initial size of every minor store
	DefaultStoreSize int = 4096

	defaultScratchSize int = 16 * 1024
	defaultPoolSize    int = 1000
)

type Buffer interface {
	StoreSize() int
	StorePool() *bp.BytePool
	ScratchPool() *bp.BufferPool
}

type defaultBuffer struct {
	storeSize   int
	storePool   *bp.BytePool
	scratchPool *bp.BufferPool
}

// StoreSize returns the length of the slices handed out by StorePool
func (b *defaultBuffer) StoreSize() int {
	return b.storeSize
}

func (b *defaultBuffer) StorePool() *bp.BytePool {
	return b.storePool
}

func (b *defaultBuffer) ScratchPool() *bp.BufferPool {
	return b.scratchPool
}

func createBuffer(storeSize int) *defaultBuffer {
	if storeSize < 1 {
		storeSize = DefaultStoreSize
	}
	return &defaultBuffer{
		storeSize:   storeSize,
		storePool:   bp.NewBytePool(defaultPoolSize, storeSize),
		scratchPool: bp.NewBufferPool(defaultPoolSize, defaultScratchSize),
	}
}
