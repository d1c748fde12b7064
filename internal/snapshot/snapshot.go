// Package snapshot rebuilds an immutable view of the whole tree by scanning
// every message in a transport folder. A snapshot is built fresh on each
// pull, is never mutated afterwards, and is safe to share across goroutines.
package snapshot

import (
	"sort"
	"time"

	"github.com/mailfile/mailfile/internal/chain"
	"github.com/mailfile/mailfile/internal/wire"
)

// PathState is everything the scan learned about one path: its content
// history and any lock claims.
type PathState struct {
	Path string
	// Content holds regular, tombstone and directory-marker revisions.
	Content *chain.Chain
	// Claims holds lock-claim revisions. Claims chain among themselves
	// (a release claim is a child of the claim it retires) and never appear
	// in Content.
	Claims *chain.Chain
}

func newPathState(path string) *PathState {
	return &PathState{
		Path:    path,
		Content: chain.New(),
		Claims:  chain.New(),
	}
}

// Heads returns the current content head ids (one if resolved, several if
// forked).
func (ps *PathState) Heads() []string { return ps.Content.Heads() }

// Conflicted reports whether the path has unreconciled concurrent writes.
func (ps *PathState) Conflicted() bool { return ps.Content.Conflicted() }

// Head returns the unique content head, or false when empty or conflicted.
func (ps *PathState) Head() (*wire.Revision, bool) { return ps.Content.Head() }

// Deleted reports whether the path resolves to a tombstone.
func (ps *PathState) Deleted() bool {
	head, ok := ps.Head()
	return ok && head.IsTombstone()
}

// ActiveClaims returns the lock claims that are current (no superseding
// claim) and unexpired at now. Expiry is evaluated locally on every call;
// nothing server-side ever expires a claim.
func (ps *PathState) ActiveClaims(now time.Time) []*wire.Revision {
	var active []*wire.Revision
	for _, id := range ps.Claims.Heads() {
		claim, ok := ps.Claims.Get(id)
		if ok && claim.LockExpires.After(now) {
			active = append(active, claim)
		}
	}
	return active
}

// Snapshot is an immutable mapping of paths to their version chains, plus
// scan statistics for diagnostics.
type Snapshot struct {
	folder  string
	paths   map[string]*PathState
	builtAt time.Time

	// Scanned and Skipped count the messages examined and the ones dropped
	// as foreign, malformed or from an unsupported format.
	Scanned int
	Skipped int
}

// Folder returns the transport folder this snapshot was scanned from.
func (s *Snapshot) Folder() string { return s.folder }

// BuiltAt returns the wall clock time the scan finished.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Get returns the state for one path.
func (s *Snapshot) Get(path string) (*PathState, bool) {
	ps, ok := s.paths[path]
	return ps, ok
}

// Head returns the unique content head for path, or false when the path is
// unknown, empty or conflicted.
func (s *Snapshot) Head(path string) (*wire.Revision, bool) {
	ps, ok := s.paths[path]
	if !ok {
		return nil, false
	}
	return ps.Head()
}

// Paths returns every known path in lexicographic order, including
// tombstoned and conflicted ones.
func (s *Snapshot) Paths() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Live returns the paths that currently resolve to readable content:
// not tombstoned, claims-only and marker-only paths excluded unless the
// marker is the head.
func (s *Snapshot) Live() []string {
	var out []string
	for _, p := range s.Paths() {
		ps := s.paths[p]
		if ps.Content.Len() == 0 || ps.Deleted() {
			continue
		}
		out = append(out, p)
	}
	return out
}
