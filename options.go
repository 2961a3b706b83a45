package minorlog

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/octu0/minorlog/runtime"
)

const (
	// DefaultName is the name the channel registers itself under
	DefaultName string = "w19_device"

	// DefaultInitialBufferSize is the store size of a freshly created minor
	DefaultInitialBufferSize int = runtime.DefaultStoreSize

	// DefaultMaxBufferSize is the ceiling a single minor store may grow to
	DefaultMaxBufferSize int = 64 * 1024 * 1024 // 64MB

	defaultFileModeBeforeUmask os.FileMode   = 0644
	defaultDirModeBeforeUmask  os.FileMode   = 0755
	defaultRepliRequestTimeout time.Duration = 10 * time.Second
)

// OptionFunc modifies the option of a Registry or Channel
type OptionFunc func(*option) error

type option struct {
	RuntimeContext          runtime.Context
	Logger                  logrus.FieldLogger
	InitialBufferSize       int
	MaxBufferSize           int
	Name                    string
	Major                   int
	FileFileModeBeforeUmask os.FileMode
	DirFileModeBeforeUmask  os.FileMode
	NoRepliEmit             bool
	NoRepliRecv             bool
	RepliBindIP             string
	RepliBindPort           int
	RepliServerIP           string
	RepliServerPort         int
	RepliRequestTimeout     time.Duration
	runtimeContextSet       bool
}

// context returns a runtime.Context whose store pool matches InitialBufferSize
func (o *option) context() runtime.Context {
	if o.runtimeContextSet && o.RuntimeContext.Buffer().StoreSize() == o.InitialBufferSize {
		return o.RuntimeContext
	}
	return runtime.NewContext(o.InitialBufferSize)
}

func WithRuntimeContext(ctx runtime.Context) OptionFunc {
	return func(opt *option) error {
		if ctx == nil {
			return errors.Errorf("runtime context must not be nil")
		}
		opt.RuntimeContext = ctx
		opt.runtimeContextSet = true
		return nil
	}
}

func WithLogger(logger logrus.FieldLogger) OptionFunc {
	return func(opt *option) error {
		if logger == nil {
			return errors.Errorf("logger must not be nil")
		}
		opt.Logger = logger
		return nil
	}
}

// WithInitialBufferSize sets the store size allocated on first open of a minor
func WithInitialBufferSize(size int) OptionFunc {
	return func(opt *option) error {
		if size < 1 {
			return errors.Errorf("initial buffer size must be positive: %d", size)
		}
		opt.InitialBufferSize = size
		return nil
	}
}

// WithMaxBufferSize sets the growth ceiling of a single minor store
func WithMaxBufferSize(size int) OptionFunc {
	return func(opt *option) error {
		if size < 1 {
			return errors.Errorf("max buffer size must be positive: %d", size)
		}
		opt.MaxBufferSize = size
		return nil
	}
}

func WithName(name string) OptionFunc {
	return func(opt *option) error {
		if name == "" {
			return errors.Errorf("name must not be empty")
		}
		opt.Name = name
		return nil
	}
}

// WithMajor pins the advertised major number, 0 lets the channel pick one
func WithMajor(major int) OptionFunc {
	return func(opt *option) error {
		if major < 0 {
			return errors.Errorf("major must not be negative: %d", major)
		}
		opt.Major = major
		return nil
	}
}

func WithFileMode(mode os.FileMode) OptionFunc {
	return func(opt *option) error {
		opt.FileFileModeBeforeUmask = mode
		return nil
	}
}

// WithRepli publishes every create/append/control of the channel on an
// embedded nats server bound to bindIP:bindPort
func WithRepli(bindIP string, bindPort int) OptionFunc {
	return func(opt *option) error {
		opt.NoRepliEmit = false
		opt.RepliBindIP = bindIP
		opt.RepliBindPort = bindPort
		return nil
	}
}

// WithRepliClient makes the channel a follower of the emitter at serverIP:serverPort
func WithRepliClient(serverIP string, serverPort int) OptionFunc {
	return func(opt *option) error {
		opt.NoRepliRecv = false
		opt.RepliServerIP = serverIP
		opt.RepliServerPort = serverPort
		return nil
	}
}

func WithRepliRequestTimeout(timeout time.Duration) OptionFunc {
	return func(opt *option) error {
		opt.RepliRequestTimeout = timeout
		return nil
	}
}

func newDefaultOption() *option {
	return &option{
		RuntimeContext:          runtime.DefaultContext(),
		Logger:                  logrus.StandardLogger(),
		InitialBufferSize:       DefaultInitialBufferSize,
		MaxBufferSize:           DefaultMaxBufferSize,
		Name:                    DefaultName,
		Major:                   0,
		FileFileModeBeforeUmask: defaultFileModeBeforeUmask,
		DirFileModeBeforeUmask:  defaultDirModeBeforeUmask,
		NoRepliEmit:             true,
		NoRepliRecv:             true,
		RepliRequestTimeout:     defaultRepliRequestTimeout,
	}
}

func applyOptions(funcs []OptionFunc) (*option, error) {
	opt := newDefaultOption()
	for _, fn := range funcs {
		if err := fn(opt); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	opt.RuntimeContext = opt.context()
	return opt, nil
}
