// Package wire defines the mailfile object model and the codec that maps a
// single revision to and from a transport message.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Flags mark special revision kinds.
type Flags uint8

const (
	// FlagTombstone marks a logical delete. The payload is empty; history
	// below the tombstone is preserved.
	FlagTombstone Flags = 1 << iota
	// FlagDirMarker marks an explicit (possibly empty) directory.
	FlagDirMarker
	// FlagLockClaim marks an advisory lock claim with a TTL payload.
	FlagLockClaim
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagTombstone, "tombstone"},
	{FlagDirMarker, "dir"},
	{FlagLockClaim, "lock"},
}

func (f Flags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseFlags parses a comma separated flag list. Unknown names are ignored
// for forward compatibility.
func ParseFlags(s string) Flags {
	var f Flags
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		for _, fn := range flagNames {
			if part == fn.name {
				f |= fn.flag
			}
		}
	}
	return f
}

// Revision is one immutable unit of history for a path.
type Revision struct {
	// Path is the normalized logical path this revision belongs to.
	Path string
	// ID is derived from the revision's identity fields, see NewRevisionID.
	ID string
	// Parents lists the revision id(s) this one descends from. Empty for a
	// root revision, two or more for a merge.
	Parents []string
	// ContentHash is the sha256 of the plaintext payload ("sha256:<hex>"),
	// empty when the payload is empty.
	ContentHash string
	// Author identifies the writing client. Diagnostics and lock ownership
	// only, not a security boundary.
	Author string
	// Timestamp is the wall clock at creation. Advisory; never used for
	// ordering decisions.
	Timestamp time.Time
	// Flags mark tombstones, directory markers and lock claims.
	Flags Flags
	// Scheme names the envelope that sealed the payload ("none" when the
	// payload is stored in the clear).
	Scheme string
	// Nonce makes the revision id unique across identical rewrites.
	Nonce string
	// LockExpires is set on lock claims: the instant the claim stops being
	// valid. Mirrored from the sealed payload so that lock checks do not
	// require decryption.
	LockExpires time.Time
	// Payload is the sealed (or clear) body bytes. Empty for tombstones and
	// directory markers.
	Payload []byte

	// Locator is the transport-assigned handle for the stored message. It is
	// set when a revision is read back from or appended to a transport and is
	// never part of the encoded message.
	Locator string
}

func (r *Revision) IsTombstone() bool { return r.Flags&FlagTombstone != 0 }
func (r *Revision) IsDirMarker() bool { return r.Flags&FlagDirMarker != 0 }
func (r *Revision) IsLockClaim() bool { return r.Flags&FlagLockClaim != 0 }

// IsRoot reports whether the revision has no parents.
func (r *Revision) IsRoot() bool { return len(r.Parents) == 0 }

func (r *Revision) String() string {
	return fmt.Sprintf("%s@%s", r.Path, r.ID)
}

// HashContent computes the content hash header value for a plaintext payload.
func HashContent(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VerifyContent checks plaintext against a content hash header value.
func VerifyContent(plaintext []byte, contentHash string) bool {
	return HashContent(plaintext) == contentHash
}

// NewRevisionID derives a deterministic, collision resistant revision id.
// The parent list is order insensitive.
func NewRevisionID(path string, parents []string, contentHash, author, nonce string) string {
	sorted := make([]string, len(parents))
	copy(sorted, parents)
	sort.Strings(sorted)

	h := sha256.New()
	for _, part := range append([]string{path}, sorted...) {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write([]byte(contentHash))
	h.Write([]byte{0})
	h.Write([]byte(author))
	h.Write([]byte{0})
	h.Write([]byte(nonce))

	return hex.EncodeToString(h.Sum(nil)[:20])
}
