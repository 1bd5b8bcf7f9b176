package scene

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrSceneUnavailable is returned by a Faulty service.
var ErrSceneUnavailable = errors.New("scene service unavailable")

// Static always returns the same snapshot.
type Static struct {
	mu   sync.Mutex
	snap *Snapshot
}

// NewStatic creates a scene fixed at snap.
func NewStatic(snap *Snapshot) *Static {
	return &Static{snap: snap}
}

// Sample returns a copy of the current snapshot.
func (s *Static) Sample(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone(), nil
}

// Update replaces the snapshot returned by subsequent samples.
func (s *Static) Update(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

// Script returns a fixed sequence of snapshots, one per sample, repeating the
// last entry once the sequence is exhausted.
type Script struct {
	mu    sync.Mutex
	snaps []*Snapshot
	idx   int
}

// NewScript creates a scripted scene. At least one snapshot is required.
func NewScript(snaps ...*Snapshot) *Script {
	return &Script{snaps: snaps}
}

// Sample returns the next scripted snapshot.
func (s *Script) Sample(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return nil, ErrSceneUnavailable
	}
	snap := s.snaps[s.idx]
	if s.idx < len(s.snaps)-1 {
		s.idx++
	}
	return snap.Clone(), nil
}

// Faulty fails every sample. Used to exercise the engine's scene-fault
// shutdown behavior.
type Faulty struct{}

// Sample always returns ErrSceneUnavailable.
func (Faulty) Sample(ctx context.Context) (*Snapshot, error) {
	return nil, ErrSceneUnavailable
}
