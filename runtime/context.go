package runtime

var (
	_ Context = (*defaultContext)(nil)
)

var (
	ctx = createContext(DefaultStoreSize)
)

type Context interface {
	Buffer() Buffer
}

type defaultContext struct {
	buf *defaultBuffer
}

func (c *defaultContext) Buffer() Buffer {
	return c.buf
}

// DefaultContext returns the process wide context sized for DefaultStoreSize stores.
func DefaultContext() Context {
	return ctx
}

// NewContext returns a context whose store pool hands out storeSize byte slices.
func NewContext(storeSize int) Context {
	if storeSize == DefaultStoreSize {
		return ctx
	}
	return createContext(storeSize)
}

func createContext(storeSize int) *defaultContext {
	return &defaultContext{
		buf: createBuffer(storeSize),
	}
}
