package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailfile/mailfile/internal/transport"
	"github.com/mailfile/mailfile/internal/wire"
)

const defaultFetchWorkers = 8

// Builder scans a transport folder into Snapshots. One builder can be reused
// across pulls; each Build call performs a full, independent scan.
type Builder struct {
	tr      transport.Transport
	folder  string
	workers int
}

type BuilderOption func(*Builder)

// WithFetchWorkers bounds the number of concurrent message fetches.
func WithFetchWorkers(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

func NewBuilder(tr transport.Transport, folder string, opts ...BuilderOption) *Builder {
	b := &Builder{
		tr:      tr,
		folder:  folder,
		workers: defaultFetchWorkers,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build lists the folder, fetches and decodes every message, and groups the
// resulting revisions into per-path chains. Malformed or foreign messages
// are skipped, never fatal; the result is deterministic for a given message
// set regardless of listing order or fetch interleaving.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	locators, err := b.tr.List(ctx, b.folder)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", b.folder, err)
	}

	var (
		mu      sync.Mutex
		revs    []*wire.Revision
		skipped int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, locator := range locators {
		locator := locator
		g.Go(func() error {
			raw, err := b.tr.Fetch(gctx, b.folder, locator)
			if err != nil {
				// A message expunged between list and fetch (concurrent GC)
				// is simply no longer part of the folder.
				if errors.Is(err, transport.ErrMessageNotFound) {
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("fetch %s: %w", locator, err)
			}

			rev, err := wire.Decode(raw)
			if err != nil {
				slog.Debug("snapshot: skipping message", "folder", b.folder, "locator", locator, "error", err)
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			rev.Locator = locator

			mu.Lock()
			revs = append(revs, rev)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Grouping is by content: sort before chaining so fetch interleaving
	// cannot influence the result.
	sort.Slice(revs, func(i, j int) bool { return revs[i].ID < revs[j].ID })

	snap := &Snapshot{
		folder:  b.folder,
		paths:   make(map[string]*PathState),
		builtAt: time.Now().UTC(),
		Scanned: len(locators),
		Skipped: skipped,
	}
	for _, rev := range revs {
		ps, ok := snap.paths[rev.Path]
		if !ok {
			ps = newPathState(rev.Path)
			snap.paths[rev.Path] = ps
		}
		if rev.IsLockClaim() {
			ps.Claims.Add(rev)
		} else {
			ps.Content.Add(rev)
		}
	}

	return snap, nil
}
