package minorlog

import (
	"github.com/pkg/errors"

	"github.com/octu0/minorlog/repli"
)

var (
	_ repli.Source      = (*repliSource)(nil)
	_ repli.Destination = (*repliDestination)(nil)
)

type repliSource struct {
	r *Registry
}

func (s *repliSource) Minors() []int {
	return s.r.Minors()
}

func (s *repliSource) Snapshot(minor int) (repli.Snapshot, bool) {
	b, found := s.r.Lookup(minor)
	if found != true {
		return repli.Snapshot{}, false
	}
	return b.snapshot(), true
}

func newRepliSource(r *Registry) *repliSource {
	return &repliSource{r}
}

type repliDestination struct {
	r *Registry
}

func (d *repliDestination) Create(minor int) error {
	if _, err := d.r.findOrCreate(minor); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (d *repliDestination) Append(minor int, seq uint64, frame []byte) error {
	b, err := d.r.findOrCreate(minor)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := b.applyAppend(seq, frame); err != nil {
		return errors.Wrapf(err, "minor=%d seq=%d", minor, seq)
	}
	return nil
}

func (d *repliDestination) Control(minor int, seq uint64, cmd uint8) error {
	b, err := d.r.findOrCreate(minor)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := b.applyControl(seq, ControlCommand(cmd)); err != nil {
		return errors.Wrapf(err, "minor=%d seq=%d", minor, seq)
	}
	return nil
}

func (d *repliDestination) Restore(s repli.Snapshot) error {
	b, err := d.r.findOrCreate(s.Minor)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := b.applySnapshot(s); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func newRepliDestination(r *Registry) *repliDestination {
	return &repliDestination{r}
}
