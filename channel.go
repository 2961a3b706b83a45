package minorlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/octu0/minorlog/repli"
)

const (
	lockfileSuffix string = ".lock"
	metadataSuffix string = ".json"

	// dynamically assigned majors are taken from 234..254
	dynamicMajorEnd   int = 254
	dynamicMajorRange int = 21
)

// Metadata is written next to the lock file while a Channel is registered
type Metadata struct {
	Name      string    `json:"name"`
	Major     int       `json:"major"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Channel is a Registry registered under a name in a directory.
// Only one Channel per dir and name may be open at a time.
type Channel struct {
	mu        *sync.RWMutex
	flock     *flock.Flock
	opt       *option
	dir       string
	registry  *Registry
	repliEmit repli.Emitter
	repliRecv repli.Receiver
	metadata  *Metadata
	closed    bool
}

func (c *Channel) Name() string {
	return c.metadata.Name
}

func (c *Channel) Major() int {
	return c.metadata.Major
}

func (c *Channel) Metadata() Metadata {
	return *c.metadata
}

func (c *Channel) Registry() *Registry {
	return c.registry
}

// Open opens minor on the channel registry
func (c *Channel) Open(minor int, mode AccessMode, funcs ...FileOptFunc) (*File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, errors.WithStack(ErrChannelClosed)
	}
	return c.registry.Open(minor, mode, funcs...)
}

// Close stops replication, frees every minor, removes the metadata file
// and releases the lock, in this order.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.WithStack(ErrChannelClosed)
	}
	c.closed = true

	defer c.flock.Unlock()

	if err := c.repliRecv.Stop(); err != nil {
		return errors.WithStack(err)
	}
	if err := c.repliEmit.Stop(); err != nil {
		return errors.WithStack(err)
	}

	c.registry.Teardown()

	if err := os.Remove(metadataPath(c.dir, c.metadata.Name)); err != nil && os.IsNotExist(err) != true {
		return errors.WithStack(err)
	}

	c.opt.Logger.WithFields(logrus.Fields{
		"name":  c.metadata.Name,
		"major": c.metadata.Major,
	}).Info("unregistered")
	return nil
}

func metadataPath(dir, name string) string {
	return filepath.Join(dir, name+metadataSuffix)
}

func lockfilePath(dir, name string) string {
	return filepath.Join(dir, name+lockfileSuffix)
}

func saveMetadata(dir string, meta *Metadata, fmode os.FileMode) error {
	f, err := os.OpenFile(metadataPath(dir, meta.Name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fmode)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(meta); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// LoadMetadata reads the metadata of the channel registered as name in dir
func LoadMetadata(dir, name string) (*Metadata, error) {
	f, err := os.OpenFile(metadataPath(dir, name), os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	meta := new(Metadata)
	if err := json.NewDecoder(f).Decode(meta); err != nil {
		return nil, errors.WithStack(err)
	}
	return meta, nil
}

func dynamicMajor(pid int) int {
	return dynamicMajorEnd - (pid % dynamicMajorRange)
}

func createRepliEmitter(opt *option) repli.Emitter {
	if opt.NoRepliEmit {
		return repli.NewNoopEmitter()
	}
	return repli.NewStreamEmitter(opt.RuntimeContext, opt.Logger, 0)
}

func createRepliReceiver(opt *option) repli.Receiver {
	if opt.NoRepliRecv {
		return repli.NewNoopReceiver()
	}
	return repli.NewStreamReceiver(opt.RuntimeContext, opt.Logger, opt.RepliRequestTimeout)
}

// Open registers a channel under dir and returns it.
// Options can be provided with the `WithXXX` functions.
func Open(dir string, funcs ...OptionFunc) (*Channel, error) {
	opt, err := applyOptions(funcs)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := os.MkdirAll(dir, opt.DirFileModeBeforeUmask); err != nil {
		return nil, errors.WithStack(err)
	}

	lock := flock.New(lockfilePath(dir, opt.Name))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if ok != true {
		return nil, errors.Wrapf(ErrChannelLocked, "%s in %s", opt.Name, dir)
	}

	pid := os.Getpid()
	major := opt.Major
	if major == 0 {
		major = dynamicMajor(pid)
	}
	meta := &Metadata{
		Name:      opt.Name,
		Major:     major,
		Pid:       pid,
		StartedAt: time.Now(),
	}
	if err := saveMetadata(dir, meta, opt.FileFileModeBeforeUmask); err != nil {
		lock.Unlock()
		return nil, errors.WithStack(err)
	}

	repliEmitter := createRepliEmitter(opt)
	repliReceiver := createRepliReceiver(opt)
	registry := newRegistry(opt, repliEmitter)
	channel := &Channel{
		mu:        new(sync.RWMutex),
		flock:     lock,
		opt:       opt,
		dir:       dir,
		registry:  registry,
		repliEmit: repliEmitter,
		repliRecv: repliReceiver,
		metadata:  meta,
		closed:    false,
	}

	if err := repliEmitter.Start(newRepliSource(registry), opt.RepliBindIP, opt.RepliBindPort); err != nil {
		os.Remove(metadataPath(dir, meta.Name))
		lock.Unlock()
		return nil, errors.WithStack(err)
	}
	if err := repliReceiver.Start(newRepliDestination(registry), opt.RepliServerIP, opt.RepliServerPort); err != nil {
		repliEmitter.Stop()
		os.Remove(metadataPath(dir, meta.Name))
		lock.Unlock()
		return nil, errors.WithStack(err)
	}

	opt.Logger.WithFields(logrus.Fields{
		"name":  meta.Name,
		"major": meta.Major,
	}).Info("registered")
	return channel, nil
}
