// Package transport defines the capability contract mailfile requires from a
// message store: list a folder, fetch a message, append a message. That is
// all the protocol assumes: no ordering beyond append, no change feeds, no
// transactions. Adapters for IMAP, maildir trees, S3 buckets and SQLite files
// live in subpackages.
package transport

import (
	"context"
	"errors"
)

// Flag is a per-message marker. Flagging is optional hygiene (lock and
// tombstone cleanup); correctness never depends on it.
type Flag string

const (
	FlagSeen    Flag = "seen"
	FlagDeleted Flag = "deleted"
)

var (
	// ErrNotSupported is returned by optional operations (Flag, Delete) on
	// stores that cannot implement them.
	ErrNotSupported = errors.New("operation not supported by transport")
	// ErrMessageNotFound is returned when a locator no longer resolves.
	ErrMessageNotFound = errors.New("message not found")
)

// Transport is the append-mostly message store the protocol runs against.
// Locators are opaque, transport-assigned handles, immutable once returned.
type Transport interface {
	// List returns the locators of all messages in folder, creating the
	// folder if the store requires that. Order carries no meaning.
	List(ctx context.Context, folder string) ([]string, error)
	// Fetch returns the raw message bytes for a locator.
	Fetch(ctx context.Context, folder, locator string) ([]byte, error)
	// Append stores a new message and returns its locator.
	Append(ctx context.Context, folder string, raw []byte) (string, error)
	// Flag marks a message. Optional; may return ErrNotSupported.
	Flag(ctx context.Context, folder, locator string, flag Flag) error
	// Delete removes a message permanently. Optional, used only for garbage
	// collection; may return ErrNotSupported.
	Delete(ctx context.Context, folder, locator string) error
}
