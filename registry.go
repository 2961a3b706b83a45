package minorlog

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/abcum/lcp"
	"github.com/pkg/errors"
	art "github.com/plar/go-adaptive-radix-tree"
	"github.com/sirupsen/logrus"

	"github.com/octu0/minorlog/repli"
)

const (
	// MaxMinor is the largest minor a Registry accepts
	MaxMinor int = math.MaxInt32
)

// RegistryStats is returned by Registry.Stats
type RegistryStats struct {
	Buffers  int
	Written  int
	Capacity int
}

// Registry owns every Buffer of the channel, at most one per minor.
// Buffers are only removed by Teardown.
type Registry struct {
	mu      *sync.RWMutex
	opt     *option
	emitter repli.Emitter
	trie    art.Tree
	order   []*Buffer
}

// Open finds the Buffer of minor, creating it on first use, marks it open
// with mode and returns a File bound to it.
func (r *Registry) Open(minor int, mode AccessMode, funcs ...FileOptFunc) (*File, error) {
	for {
		b, err := r.findOrCreate(minor)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if b.open(mode) != true {
			continue
		}

		r.opt.Logger.WithFields(logrus.Fields{
			"minor": minor,
			"mode":  mode.String(),
		}).Debug("open")
		return newFile(b, mode, funcs...), nil
	}
}

// Lookup returns the Buffer of minor without creating it
func (r *Registry) Lookup(minor int) (*Buffer, bool) {
	if validMinor(minor) != true {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.searchLocked(minor)
}

func (r *Registry) searchLocked(minor int) (*Buffer, bool) {
	v, found := r.trie.Search(minorKey(minor))
	if found != true {
		return nil, false
	}
	return v.(*Buffer), true
}

func (r *Registry) findOrCreate(minor int) (*Buffer, error) {
	if validMinor(minor) != true {
		return nil, errors.Wrapf(ErrInvalidMinor, "minor %d", minor)
	}

	r.mu.RLock()
	b, found := r.searchLocked(minor)
	r.mu.RUnlock()
	if found {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another opener may have created it between the two locks
	if b, found := r.searchLocked(minor); found {
		return b, nil
	}

	r.opt.Logger.WithField("minor", minor).Debug("creating minor")
	b, err := newBuffer(r.opt, r.emitter, minor)
	if err != nil {
		r.opt.Logger.WithField("minor", minor).WithError(err).Warn("allocation failed")
		return nil, errors.WithStack(err)
	}
	r.trie.Insert(minorKey(minor), b)
	r.order = append(r.order, b)

	if err := r.emitter.EmitCreate(minor); err != nil {
		r.opt.Logger.WithField("minor", minor).WithError(err).Warn("emit create failed")
	}
	return b, nil
}

// Len returns the number of live buffers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Minors returns the live minors in creation order
func (r *Registry) Minors() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	minors := make([]int, len(r.order))
	for i, b := range r.order {
		minors[i] = b.minor
	}
	return minors
}

// Scan calls f for every buffer in ascending minor order. If f returns an
// error no further buffers are visited and the error is returned.
func (r *Registry) Scan(f func(*Buffer) error) (err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.trie.ForEach(func(node art.Node) bool {
		if err = f(node.Value().(*Buffer)); err != nil {
			return false
		}
		return true
	})
	return
}

// Range calls f for every buffer whose minor is between start and end inclusive.
func (r *Registry) Range(start, end int, f func(*Buffer) error) (err error) {
	if validMinor(start) != true || validMinor(end) != true || end < start {
		return errors.Wrapf(ErrInvalidMinor, "range %d-%d", start, end)
	}

	startKey, endKey := minorKey(start), minorKey(end)
	visit := func(node art.Node) bool {
		key := node.Key()
		if bytes.Compare(key, endKey) > 0 {
			return false
		}
		if bytes.Compare(key, startKey) < 0 {
			return true
		}
		if err = f(node.Value().(*Buffer)); err != nil {
			return false
		}
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	commonPrefix := lcp.LCP(startKey, endKey)
	if len(commonPrefix) == 0 {
		r.trie.ForEach(visit)
		return
	}
	r.trie.ForEachPrefix(commonPrefix, visit)
	return
}

// Stats returns the number of records and the bytes they hold
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{Buffers: len(r.order)}
	for _, b := range r.order {
		s := b.Stats()
		stats.Written += s.WriteCursor
		stats.Capacity += s.Capacity
	}
	return stats
}

// Teardown releases every buffer and its store. The registry is empty
// afterwards and may be used again.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.order {
		if b.free() {
			r.opt.Logger.WithField("minor", b.minor).Debug("freed buffer memory")
		}
	}
	r.trie = art.New()
	r.order = nil
}

func (r *Registry) snapshots() []repli.Snapshot {
	r.mu.RLock()
	order := make([]*Buffer, len(r.order))
	copy(order, r.order)
	r.mu.RUnlock()

	snapshots := make([]repli.Snapshot, len(order))
	for i, b := range order {
		snapshots[i] = b.snapshot()
	}
	return snapshots
}

func validMinor(minor int) bool {
	return 0 <= minor && minor <= MaxMinor
}

func minorKey(minor int) art.Key {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(minor))
	return art.Key(key)
}

// NewRegistry returns an empty registry. Options related to registration and
// replication are ignored, use Open for a registered Channel.
func NewRegistry(funcs ...OptionFunc) (*Registry, error) {
	opt, err := applyOptions(funcs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return newRegistry(opt, repli.NewNoopEmitter()), nil
}

func newRegistry(opt *option, emitter repli.Emitter) *Registry {
	return &Registry{
		mu:      new(sync.RWMutex),
		opt:     opt,
		emitter: emitter,
		trie:    art.New(),
		order:   make([]*Buffer, 0, 64),
	}
}
