package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mailfile/mailfile/internal/envelope"
	"github.com/mailfile/mailfile/internal/utils"
	"github.com/mailfile/mailfile/internal/wire"
)

// ErrLockNotHeld is returned when releasing a lock this author does not hold.
var ErrLockNotHeld = errors.New("lock not held")

// lockInfo is the JSON payload of a lock claim. The expiry is duplicated in
// the message header so other clients can evaluate it without the payload.
type lockInfo struct {
	Author   string    `json:"author"`
	Path     string    `json:"path"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires"`
}

// AcquireLock appends an advisory lock claim for path, valid for the
// synchronizer's TTL, then re-scans to confirm the claim won. Success is
// reported only when, after the verify pass, this author's claims are the
// only unexpired ones; two clients racing for the same window both append,
// and neither (or one) gets confirmed. The claim bypasses the pending queue
// and hits the transport immediately.
func (s *Synchronizer) AcquireLock(ctx context.Context, path string) error {
	path, err := utils.NormalizePath(path)
	if err != nil {
		return err
	}

	if !s.runMu.TryLock() {
		return ErrSyncAlreadyRunning
	}
	defer s.runMu.Unlock()

	snap, err := s.builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}

	now := s.clock()
	var retiring []string
	if ps, ok := snap.Get(path); ok {
		for _, claim := range ps.ActiveClaims(now) {
			if claim.Author != s.author {
				return fmt.Errorf("%w: %s (held by %s until %s)",
					ErrLockHeld, path, claim.Author, claim.LockExpires.Format(time.RFC3339))
			}
		}
		// Superseded claims (expired or our own renewal) become parents so
		// they stop being heads.
		retiring = ps.Claims.Heads()
	}

	expires := now.UTC().Add(s.lockTTL).Truncate(time.Second)
	if err := s.appendClaim(ctx, path, retiring, now, expires); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}

	// Verify: a foreign claim appended in the same window means the lock was
	// not won. Our claim stays on the transport and lapses with its TTL.
	verify, err := s.builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("lock %s: verify: %w", path, err)
	}
	if ps, ok := verify.Get(path); ok {
		for _, claim := range ps.ActiveClaims(s.clock()) {
			if claim.Author != s.author {
				return fmt.Errorf("%w: %s (raced by %s until %s)",
					ErrLockHeld, path, claim.Author, claim.LockExpires.Format(time.RFC3339))
			}
		}
	}
	slog.Debug("lock acquired", "path", path, "expires", expires)
	return nil
}

// ReleaseLock retires this author's active claim on path by appending a
// child claim that expires immediately.
func (s *Synchronizer) ReleaseLock(ctx context.Context, path string) error {
	path, err := utils.NormalizePath(path)
	if err != nil {
		return err
	}

	if !s.runMu.TryLock() {
		return ErrSyncAlreadyRunning
	}
	defer s.runMu.Unlock()

	snap, err := s.builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("unlock %s: %w", path, err)
	}

	now := s.clock()
	ps, ok := snap.Get(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, path)
	}
	var mine []string
	for _, claim := range ps.ActiveClaims(now) {
		if claim.Author == s.author {
			mine = append(mine, claim.ID)
		}
	}
	if len(mine) == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, path)
	}

	if err := s.appendClaim(ctx, path, mine, now, time.Time{}); err != nil {
		return fmt.Errorf("unlock %s: %w", path, err)
	}
	slog.Debug("lock released", "path", path)
	return nil
}

func (s *Synchronizer) appendClaim(ctx context.Context, path string, parents []string, now, expires time.Time) error {
	info := lockInfo{
		Author:   s.author,
		Path:     path,
		Acquired: now.UTC().Truncate(time.Second),
		Expires:  expires,
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}

	rev := &wire.Revision{
		Path:        path,
		Parents:     parents,
		ContentHash: wire.HashContent(payload),
		Author:      s.author,
		Timestamp:   now.UTC().Truncate(time.Second),
		Flags:       wire.FlagLockClaim,
		Scheme:      envelope.SchemeNone,
		Nonce:       uuid.NewString(),
		LockExpires: expires,
		Payload:     payload,
	}
	rev.ID = wire.NewRevisionID(rev.Path, rev.Parents, rev.ContentHash, rev.Author, rev.Nonce)

	raw, err := wire.Encode(rev)
	if err != nil {
		return err
	}
	if _, err := s.tr.Append(ctx, s.folder, raw); err != nil {
		return fmt.Errorf("append claim: %w", err)
	}
	return nil
}
