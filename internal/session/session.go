// Package session is the user-facing surface of the store: file-like open,
// read, write and delete over a transport folder, with all mutation buffered
// locally until Sync pushes it through the synchronizer.
package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mailfile/mailfile/internal/config"
	"github.com/mailfile/mailfile/internal/envelope"
	"github.com/mailfile/mailfile/internal/snapshot"
	msync "github.com/mailfile/mailfile/internal/sync"
	"github.com/mailfile/mailfile/internal/transport"
	"github.com/mailfile/mailfile/internal/utils"
	"github.com/mailfile/mailfile/internal/wire"
)

var (
	ErrNotFound  = errors.New("path not found")
	ErrExist     = errors.New("path already exists")
	ErrConflict  = errors.New("path has conflicting revisions")
	ErrSizeLimit = errors.New("payload exceeds size limit")
	ErrNoKey     = errors.New("content is encrypted and no key is set")
	ErrIsDir     = errors.New("path is a directory")
)

const contentCacheSize = 64

// Session bundles a transport folder, an optional encryption key and a
// synchronizer behind a file-like API. Reads serve from the last pulled
// snapshot; writes buffer until Sync. A session is safe for use from one
// goroutine.
type Session struct {
	tr  transport.Transport
	cfg *config.Config
	syn *msync.Synchronizer
	aes *envelope.AESGCM

	// cache maps revision id to decoded plaintext.
	cache *lru.Cache[string, []byte]
}

// New opens a session over an already-constructed transport. The config
// supplies folder, author, limits and (optionally) the encryption secret.
func New(tr transport.Transport, cfg *config.Config, opts ...msync.Option) (*Session, error) {
	cache, err := lru.New[string, []byte](contentCacheSize)
	if err != nil {
		return nil, err
	}

	opts = append([]msync.Option{msync.WithLockTTL(cfg.LockTTL())}, opts...)
	s := &Session{
		tr:    tr,
		cfg:   cfg,
		syn:   msync.New(tr, cfg.Folder, cfg.Author, opts...),
		cache: cache,
	}
	if cfg.Secret != "" {
		if err := s.SetEncryptionKey(cfg.Secret); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetEncryptionKey derives the AES key from secret and uses it for all
// subsequent writes and encrypted reads. An empty secret reverts to
// plaintext writes.
func (s *Session) SetEncryptionKey(secret string) error {
	if secret == "" {
		s.aes = nil
		s.syn.SetSealer(envelope.Plain{})
		return nil
	}
	aes, err := envelope.NewAESGCM([]byte(secret))
	if err != nil {
		return err
	}
	s.aes = aes
	s.syn.SetSealer(aes)
	return nil
}

// Refresh pulls a fresh snapshot from the transport.
func (s *Session) Refresh(ctx context.Context) error {
	_, err := s.syn.Refresh(ctx)
	return err
}

// Sync commits all buffered changes and reports per-path outcomes.
func (s *Session) Sync(ctx context.Context) (*msync.Result, error) {
	return s.syn.Sync(ctx)
}

// Pending returns the paths with uncommitted buffered changes.
func (s *Session) Pending() []string { return s.syn.Pending() }

// Discard drops the buffered change for path without committing it.
func (s *Session) Discard(path string) { s.syn.Discard(path) }

// Lock places an advisory lock claim on path for the configured TTL.
func (s *Session) Lock(ctx context.Context, path string) error {
	return s.syn.AcquireLock(ctx, path)
}

// Unlock releases this session's lock claim on path.
func (s *Session) Unlock(ctx context.Context, path string) error {
	return s.syn.ReleaseLock(ctx, path)
}

// Collect prunes old revisions, keeping the configured number of versions
// per path. Returns the number of messages expunged.
func (s *Session) Collect(ctx context.Context) (int, error) {
	keep := s.cfg.KeepVersions
	if keep < 1 {
		keep = config.DefaultKeepVersions
	}
	return s.syn.Collect(ctx, keep)
}

// snapshot returns the latest snapshot, pulling one if none exists yet.
func (s *Session) snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	if snap := s.syn.Latest(); snap != nil {
		return snap, nil
	}
	return s.syn.Refresh(ctx)
}

// content returns the verified plaintext of a revision, read through the
// session cache.
func (s *Session) content(rev *wire.Revision) ([]byte, error) {
	if len(rev.Payload) == 0 {
		return nil, nil
	}
	if plain, ok := s.cache.Get(rev.ID); ok {
		return plain, nil
	}

	if rev.Scheme == envelope.SchemeAESGCM && s.aes == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, rev.Path)
	}
	sealer, err := envelope.ForScheme(rev.Scheme, s.aes)
	if err != nil {
		return nil, err
	}
	plain, err := sealer.Open(rev.Payload)
	if err != nil {
		return nil, fmt.Errorf("open %s@%s: %w", rev.Path, rev.ID, err)
	}
	if !wire.VerifyContent(plain, rev.ContentHash) {
		return nil, fmt.Errorf("%w: content hash mismatch at %s@%s", wire.ErrCorruptObject, rev.Path, rev.ID)
	}

	s.cache.Add(rev.ID, plain)
	return plain, nil
}

// resolve returns the revision a read of path should serve: the unique head,
// or the explicitly requested revision.
func (s *Session) resolve(ctx context.Context, p, revID string) (*wire.Revision, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	ps, ok := snap.Get(p)
	if !ok || ps.Content.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}

	if revID != "" {
		rev, ok := ps.Content.Get(revID)
		if !ok {
			return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, p, revID)
		}
		return rev, nil
	}

	if ps.Conflicted() {
		return nil, fmt.Errorf("%w: %s (heads: %v)", ErrConflict, p, ps.Heads())
	}
	head, _ := ps.Head()
	if head.IsTombstone() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if head.IsDirMarker() {
		return nil, fmt.Errorf("%w: %s", ErrIsDir, p)
	}
	return head, nil
}

// queueWrite buffers a content write, enforcing the payload limit.
func (s *Session) queueWrite(p string, payload []byte, base string, parents []string) error {
	if max := s.cfg.MaxPayloadSize; max > 0 && int64(len(payload)) > max {
		return fmt.Errorf("%w: %s (%d bytes)", ErrSizeLimit, p, len(payload))
	}
	return s.syn.Queue(&msync.PendingChange{
		Path:    p,
		Payload: payload,
		Base:    base,
		Parents: parents,
	})
}

// headID returns the current unique head id of p, or "" when the path is
// absent or tombstoned. Conflicted paths return ErrConflict.
func (s *Session) headID(ctx context.Context, p string) (string, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return "", err
	}
	ps, ok := snap.Get(p)
	if !ok || ps.Content.Len() == 0 {
		return "", nil
	}
	if ps.Conflicted() {
		return "", fmt.Errorf("%w: %s", ErrConflict, p)
	}
	head, _ := ps.Head()
	if head.IsTombstone() {
		return "", nil
	}
	return head.ID, nil
}

// ReadFile returns the current content of path.
func (s *Session) ReadFile(ctx context.Context, p string) ([]byte, error) {
	p, err := utils.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	rev, err := s.resolve(ctx, p, "")
	if err != nil {
		return nil, err
	}
	return s.content(rev)
}

// WriteFile buffers a full-content write against the current head.
func (s *Session) WriteFile(ctx context.Context, p string, data []byte) error {
	p, err := utils.NormalizePath(p)
	if err != nil {
		return err
	}
	base, err := s.headID(ctx, p)
	if err != nil {
		return err
	}
	return s.queueWrite(p, data, base, nil)
}

// Remove buffers a tombstone for path.
func (s *Session) Remove(ctx context.Context, p string) error {
	p, err := utils.NormalizePath(p)
	if err != nil {
		return err
	}
	base, err := s.headID(ctx, p)
	if err != nil {
		return err
	}
	if base == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return s.syn.Queue(&msync.PendingChange{Path: p, Base: base, Tombstone: true})
}

// Mkdir buffers an explicit directory marker. Directories also exist
// implicitly once any deeper path does; the marker just makes an empty one
// visible.
func (s *Session) Mkdir(ctx context.Context, p string) error {
	p, err := utils.NormalizePath(p)
	if err != nil {
		return err
	}
	base, err := s.headID(ctx, p)
	if err != nil {
		return err
	}
	if base != "" {
		return fmt.Errorf("%w: %s", ErrExist, p)
	}
	return s.syn.Queue(&msync.PendingChange{Path: p, Base: base, DirMarker: true})
}

// Merge buffers a multi-parent revision resolving a fork. The caller chooses
// the merged content and names the heads it reconciles; the merge commits
// only while those are exactly the current heads.
func (s *Session) Merge(p string, content []byte, parents ...string) error {
	p, err := utils.NormalizePath(p)
	if err != nil {
		return err
	}
	if len(parents) == 0 {
		return fmt.Errorf("merge %s: no parents named", p)
	}
	return s.queueWrite(p, content, "", parents)
}

// Entry is one name in a directory listing.
type Entry struct {
	Name    string
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	Author  string
}

// List returns the direct children of dir, merging real paths, explicit
// markers and directories implied by deeper paths. Tombstoned paths are
// hidden.
func (s *Session) List(ctx context.Context, dir string) ([]Entry, error) {
	dir, err := utils.NormalizePath(dir)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]Entry)
	for _, p := range snap.Live() {
		if !utils.PathDescends(dir, p) {
			continue
		}
		rel := p[len(dir):]
		if dir != "/" {
			rel = rel[1:]
		} else {
			rel = p[1:]
		}
		name, deeper := splitFirst(rel)
		childPath := path.Join(dir, name)

		if deeper {
			// implied directory
			if e, ok := seen[name]; !ok || !e.IsDir {
				seen[name] = Entry{Name: name, Path: childPath, IsDir: true}
			}
			continue
		}

		head, _ := snap.Head(p)
		e := Entry{Name: name, Path: p}
		if head != nil {
			e.ModTime = head.Timestamp
			e.Author = head.Author
			if head.IsDirMarker() {
				e.IsDir = true
			} else {
				e.Size = payloadSize(head)
			}
		}
		seen[name] = e
	}

	out := make([]Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Info describes the current state of one path.
type Info struct {
	Path       string
	IsDir      bool
	Size       int64
	ModTime    time.Time
	Author     string
	Revision   string
	Conflicted bool
}

// Stat reports on a path: a file (unique non-tombstone head), an explicit or
// implied directory, or ErrNotFound.
func (s *Session) Stat(ctx context.Context, p string) (*Info, error) {
	p, err := utils.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if ps, ok := snap.Get(p); ok && ps.Content.Len() > 0 {
		if ps.Conflicted() {
			return &Info{Path: p, Conflicted: true}, nil
		}
		head, _ := ps.Head()
		if !head.IsTombstone() {
			return &Info{
				Path:     p,
				IsDir:    head.IsDirMarker(),
				Size:     payloadSize(head),
				ModTime:  head.Timestamp,
				Author:   head.Author,
				Revision: head.ID,
			}, nil
		}
	}

	// implied directory?
	for _, live := range snap.Live() {
		if utils.PathDescends(p, live) && live != p {
			return &Info{Path: p, IsDir: true}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
}

// Versions returns every known revision of path, oldest first.
func (s *Session) Versions(ctx context.Context, p string) ([]*wire.Revision, error) {
	p, err := utils.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	ps, ok := snap.Get(p)
	if !ok || ps.Content.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}

	// causal order: ancestors sort before descendants, wall clocks only
	// break ties between unrelated revisions
	revs := ps.Content.Revisions()
	depth := make(map[string]int, len(revs))
	for _, rev := range revs {
		depth[rev.ID] = len(ps.Content.Ancestors(rev.ID))
	}
	sort.Slice(revs, func(i, j int) bool {
		if depth[revs[i].ID] != depth[revs[j].ID] {
			return depth[revs[i].ID] < depth[revs[j].ID]
		}
		if !revs[i].Timestamp.Equal(revs[j].Timestamp) {
			return revs[i].Timestamp.Before(revs[j].Timestamp)
		}
		return revs[i].ID < revs[j].ID
	})
	return revs, nil
}

// Heads returns the current head ids of path. More than one means the path
// is forked and needs a Merge.
func (s *Session) Heads(ctx context.Context, p string) ([]string, error) {
	p, err := utils.NormalizePath(p)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	ps, ok := snap.Get(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return ps.Heads(), nil
}

func payloadSize(rev *wire.Revision) int64 {
	// sizes are reported from the sealed payload; exact plaintext size would
	// require decryption on every stat
	return int64(len(rev.Payload))
}

// splitFirst splits the first path element off rel and reports whether more
// elements follow.
func splitFirst(rel string) (string, bool) {
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' {
			return rel[:i], true
		}
	}
	return rel, false
}
