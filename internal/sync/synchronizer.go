// Package sync implements the mailfile synchronization protocol: validating
// buffered local writes against a freshly scanned snapshot, committing the
// eligible ones one message at a time, and re-scanning to detect writers
// that raced us. The transport offers no compare-and-swap, so safety comes
// from optimistic parent witnesses plus post-commit verification: a race
// degrades to a reported fork, never to silent loss.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailfile/mailfile/internal/envelope"
	"github.com/mailfile/mailfile/internal/snapshot"
	"github.com/mailfile/mailfile/internal/transport"
	"github.com/mailfile/mailfile/internal/wire"
)

var (
	// ErrSyncAlreadyRunning is returned when Sync is invoked while another
	// Sync on the same synchronizer is still in flight.
	ErrSyncAlreadyRunning = errors.New("sync already running")
	// ErrLockHeld rejects a write to a path with an unexpired lock claim
	// held by another author.
	ErrLockHeld = errors.New("path locked by another author")
)

const defaultLockTTL = 5 * time.Minute

// Synchronizer owns the pending change queue for one session and runs the
// pull / validate / commit / verify cycle against one transport folder.
// A single synchronizer must not Sync concurrently with itself; independent
// synchronizers (other processes included) may race freely.
type Synchronizer struct {
	tr      transport.Transport
	folder  string
	author  string
	builder *snapshot.Builder

	mu      sync.Mutex // guards pending, sealer, latest
	runMu   sync.Mutex // serializes Sync/lock cycles
	pending map[string]*PendingChange
	sealer  envelope.Sealer
	latest  *snapshot.Snapshot

	lockTTL time.Duration
	clock   func() time.Time
}

type Option func(*Synchronizer)

// WithSealer sets the envelope used to seal committed payloads.
func WithSealer(sealer envelope.Sealer) Option {
	return func(s *Synchronizer) { s.sealer = sealer }
}

// WithLockTTL sets the default lifetime of acquired lock claims.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Synchronizer) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithClock overrides the wall clock, for tests exercising lock expiry.
func WithClock(clock func() time.Time) Option {
	return func(s *Synchronizer) { s.clock = clock }
}

// WithFetchWorkers bounds snapshot fetch concurrency.
func WithFetchWorkers(n int) Option {
	return func(s *Synchronizer) {
		s.builder = snapshot.NewBuilder(s.tr, s.folder, snapshot.WithFetchWorkers(n))
	}
}

func New(tr transport.Transport, folder, author string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		tr:      tr,
		folder:  folder,
		author:  author,
		builder: snapshot.NewBuilder(tr, folder),
		pending: make(map[string]*PendingChange),
		sealer:  envelope.Plain{},
		lockTTL: defaultLockTTL,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Author returns the client identifier used for revision provenance.
func (s *Synchronizer) Author() string { return s.author }

// SetSealer switches the payload envelope for the rest of the session.
func (s *Synchronizer) SetSealer(sealer envelope.Sealer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealer = sealer
}

// Sealer returns the current payload envelope.
func (s *Synchronizer) Sealer() envelope.Sealer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealer
}

// Latest returns the most recent snapshot seen by this synchronizer, or nil
// before the first pull.
func (s *Synchronizer) Latest() *snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Refresh pulls a fresh snapshot without committing anything.
func (s *Synchronizer) Refresh(ctx context.Context) (*snapshot.Snapshot, error) {
	snap, err := s.builder.Build(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
	return snap, nil
}

// Sync runs one full protocol cycle and returns a structured result. The
// call is safe to retry after any failure: committed work is never rolled
// back and the queue drops only confirmed-appended changes.
func (s *Synchronizer) Sync(ctx context.Context) (*Result, error) {
	if !s.runMu.TryLock() {
		return nil, ErrSyncAlreadyRunning
	}
	defer s.runMu.Unlock()

	tstart := time.Now()
	result := newResult()

	// Pulling
	s0, err := s.builder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}

	// Validating
	eligible, parents := s.validate(s0, result)

	// Committing, in lexicographic path order so repeated runs are
	// reproducible.
	appended := s.commit(ctx, eligible, parents, result)

	// Verifying
	final := s0
	if len(appended) > 0 {
		s1, err := s.builder.Build(ctx)
		if err != nil {
			// The appends happened; without a verification scan their
			// conflict state is unknown. Surface the error, the caller
			// re-syncs.
			return result.sorted(), fmt.Errorf("verify: %w", err)
		}
		final = s1
		for path := range appended {
			ps, ok := s1.Get(path)
			if ok && ps.Conflicted() {
				// Another writer appended a sibling in the window. Our
				// revision is valid history, one side of the fork.
				result.Conflicted = append(result.Conflicted, path)
				continue
			}
			result.Committed = append(result.Committed, path)
		}
	}

	s.mu.Lock()
	s.latest = final
	s.mu.Unlock()

	if len(result.Committed) > 0 || len(result.Conflicted) > 0 || len(result.Failed) > 0 {
		slog.Info("sync",
			"took", time.Since(tstart),
			"committed", len(result.Committed),
			"conflicted", len(result.Conflicted),
			"failed", len(result.Failed),
			"pending", len(s.Pending()),
		)
	}

	return result.sorted(), nil
}

// validate classifies queued changes against snapshot s0. It returns the
// lexicographically sorted eligible paths and the parent ids each committed
// revision will carry.
func (s *Synchronizer) validate(s0 *snapshot.Snapshot, result *Result) ([]string, map[string][]string) {
	s.mu.Lock()
	queued := make(map[string]*PendingChange, len(s.pending))
	for p, pc := range s.pending {
		queued[p] = pc
	}
	s.mu.Unlock()

	now := s.clock()
	var eligible []string
	parents := make(map[string][]string)

	for path, pc := range queued {
		ps, known := s0.Get(path)

		if len(pc.Parents) > 0 {
			// Explicit merge: only valid while its parents are exactly the
			// current heads.
			if !known || !sameIDSet(pc.Parents, ps.Heads()) {
				result.Conflicted = append(result.Conflicted, path)
				continue
			}
			parents[path] = pc.Parents
		} else {
			revParents, ok := witnessParents(pc, ps, known)
			if !ok {
				result.Conflicted = append(result.Conflicted, path)
				continue
			}
			parents[path] = revParents
		}

		if known && s.foreignLockHeld(ps, now) {
			result.Failed = append(result.Failed, Failure{Path: path, Err: fmt.Errorf("%w: %s", ErrLockHeld, path)})
			continue
		}
		eligible = append(eligible, path)
	}

	sort.Strings(eligible)
	return eligible, parents
}

// witnessParents checks a change's base witness against the snapshot state
// and returns the parent set for the new revision.
func witnessParents(pc *PendingChange, ps *snapshot.PathState, known bool) ([]string, bool) {
	if !known || ps.Content.Len() == 0 {
		// Path is new; only a "create" witness fits.
		return nil, pc.Base == ""
	}
	if ps.Conflicted() {
		return nil, false
	}
	head, _ := ps.Head()
	if pc.Base == head.ID {
		return []string{head.ID}, true
	}
	if head.IsTombstone() && pc.Base == "" {
		// Recreating a deleted path extends history over the tombstone.
		return []string{head.ID}, true
	}
	return nil, false
}

func (s *Synchronizer) foreignLockHeld(ps *snapshot.PathState, now time.Time) bool {
	for _, claim := range ps.ActiveClaims(now) {
		if claim.Author != s.author {
			return true
		}
	}
	return false
}

// commit seals, encodes and appends eligible changes one at a time. A
// transport failure aborts the remainder of the batch; everything already
// appended stays committed and is dequeued.
func (s *Synchronizer) commit(ctx context.Context, eligible []string, parents map[string][]string, result *Result) map[string]string {
	appended := make(map[string]string)

	for _, path := range eligible {
		pc, ok := s.PendingChangeFor(path)
		if !ok {
			continue
		}

		rev, err := s.buildRevision(pc, parents[path])
		if err != nil {
			result.Failed = append(result.Failed, Failure{Path: path, Err: err})
			continue
		}
		raw, err := wire.Encode(rev)
		if err != nil {
			result.Failed = append(result.Failed, Failure{Path: path, Err: err})
			continue
		}

		locator, err := s.tr.Append(ctx, s.folder, raw)
		if err != nil {
			result.Failed = append(result.Failed, Failure{Path: path, Err: fmt.Errorf("append: %w", err)})
			slog.Warn("sync: commit aborted", "path", path, "error", err)
			break
		}
		rev.Locator = locator

		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()

		appended[path] = rev.ID
		result.CommittedIDs[path] = rev.ID
	}

	return appended
}

func (s *Synchronizer) buildRevision(pc *PendingChange, revParents []string) (*wire.Revision, error) {
	sealer := s.Sealer()

	var flags wire.Flags
	plaintext := pc.Payload
	switch {
	case pc.Tombstone:
		flags |= wire.FlagTombstone
		plaintext = nil
	case pc.DirMarker:
		flags |= wire.FlagDirMarker
		plaintext = nil
	}

	rev := &wire.Revision{
		Path:      pc.Path,
		Parents:   revParents,
		Author:    s.author,
		Timestamp: s.clock().UTC().Truncate(time.Second),
		Flags:     flags,
		Scheme:    envelope.SchemeNone,
		Nonce:     uuid.NewString(),
	}

	if len(plaintext) > 0 {
		rev.ContentHash = wire.HashContent(plaintext)
		sealed, err := sealer.Seal(plaintext)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", pc.Path, err)
		}
		rev.Payload = sealed
		rev.Scheme = sealer.Scheme()
	}

	rev.ID = wire.NewRevisionID(rev.Path, rev.Parents, rev.ContentHash, rev.Author, rev.Nonce)
	return rev, nil
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	copy(as, a)
	copy(bs, b)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
