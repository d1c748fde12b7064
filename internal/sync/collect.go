package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mailfile/mailfile/internal/snapshot"
)

// Collect garbage-collects the folder: for every path it keeps the newest
// keep revisions of each head's ancestry and expunges the rest, along with
// released and expired lock claims. History older than the horizon becomes
// unreachable, which later scans tolerate (a revision whose parents were
// collected still counts as a head).
//
// Collect returns the number of messages expunged. keep < 1 keeps one.
func (s *Synchronizer) Collect(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	if !s.runMu.TryLock() {
		return 0, ErrSyncAlreadyRunning
	}
	defer s.runMu.Unlock()

	snap, err := s.builder.Build(ctx)
	if err != nil {
		return 0, fmt.Errorf("collect: %w", err)
	}

	now := s.clock()
	var victims []string

	for _, path := range snap.Paths() {
		ps, _ := snap.Get(path)
		victims = append(victims, contentVictims(ps, keep)...)
		victims = append(victims, claimVictims(ps, now)...)
	}

	removed := 0
	for _, locator := range victims {
		if err := s.tr.Delete(ctx, s.folder, locator); err != nil {
			// Someone else may be collecting the same folder; a vanished
			// message is the outcome we wanted anyway.
			slog.Warn("collect: delete failed", "locator", locator, "error", err)
			continue
		}
		removed++
	}

	s.mu.Lock()
	s.latest = nil
	s.mu.Unlock()

	if removed > 0 {
		slog.Info("collect", "folder", s.folder, "removed", removed, "keep", keep)
	}
	return removed, nil
}

// contentVictims returns the locators of content revisions outside the
// keep-horizon. Every head survives, with its nearest keep-1 ancestors, so a
// forked path retains the recent history of both sides.
func contentVictims(ps *snapshot.PathState, keep int) []string {
	if ps.Content.Len() <= keep {
		return nil
	}

	survivors := mapset.NewThreadUnsafeSet[string]()
	for _, head := range ps.Content.Heads() {
		survivors.Add(head)
		for i, anc := range ps.Content.Ancestors(head) {
			if i >= keep-1 {
				break
			}
			survivors.Add(anc)
		}
	}

	var victims []string
	for _, rev := range ps.Content.Revisions() {
		if !survivors.Contains(rev.ID) && rev.Locator != "" {
			victims = append(victims, rev.Locator)
		}
	}
	return victims
}

// claimVictims returns the locators of lock claims no longer in force:
// superseded claims, release markers, and expired heads. An active claim
// stays, and stays a head, because its parents can only be inactive.
func claimVictims(ps *snapshot.PathState, now time.Time) []string {
	if ps.Claims.Len() == 0 {
		return nil
	}

	active := mapset.NewThreadUnsafeSet[string]()
	for _, claim := range ps.ActiveClaims(now) {
		active.Add(claim.ID)
	}

	var victims []string
	for _, claim := range ps.Claims.Revisions() {
		if !active.Contains(claim.ID) && claim.Locator != "" {
			victims = append(victims, claim.Locator)
		}
	}
	return victims
}
