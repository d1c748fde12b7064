package sync

import (
	"fmt"
	"time"

	"github.com/mailfile/mailfile/internal/utils"
)

// PendingChange is a buffered local write that has not reached the transport
// yet. Base records the head id the writer believed current when the change
// was created; it is the optimistic concurrency witness the synchronizer
// validates against a fresh snapshot.
type PendingChange struct {
	Path string
	// Payload is the plaintext content. Ignored for tombstones and markers.
	Payload []byte
	// Base is the head revision id observed when the change was created.
	// Empty means "the path is expected to be new (or tombstoned)".
	Base string
	// Parents, when set, makes this an explicit merge: the committed
	// revision lists these ids as parents and the change is only eligible
	// while they are exactly the current heads.
	Parents []string
	// Tombstone requests a logical delete.
	Tombstone bool
	// DirMarker requests an explicit directory marker.
	DirMarker bool

	queuedAt time.Time
}

// Queue adds a change to the pending queue, replacing any queued change for
// the same path. Queued changes survive failed syncs and are dropped only
// once their revision is confirmed appended.
func (s *Synchronizer) Queue(pc *PendingChange) error {
	path, err := utils.NormalizePath(pc.Path)
	if err != nil {
		return fmt.Errorf("queue %q: %w", pc.Path, err)
	}
	pc.Path = path
	pc.queuedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[path] = pc
	return nil
}

// Discard drops a queued change without committing it.
func (s *Synchronizer) Discard(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, path)
}

// Pending returns the paths with queued changes.
func (s *Synchronizer) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.pending))
	for p := range s.pending {
		paths = append(paths, p)
	}
	return paths
}

// PendingChangeFor returns the queued change for a path, if any. The caller
// must not mutate the result.
func (s *Synchronizer) PendingChangeFor(path string) (*PendingChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[path]
	return pc, ok
}
