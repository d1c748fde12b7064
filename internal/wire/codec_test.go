package wire

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRevision(t *testing.T) *Revision {
	t.Helper()
	payload := []byte("sealed-bytes")
	hash := HashContent([]byte("plaintext"))
	rev := &Revision{
		Path:        "/magic/path/name.txt",
		Parents:     []string{"aaaa", "bbbb"},
		ContentHash: hash,
		Author:      "alice@example.com",
		Timestamp:   time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC),
		Flags:       0,
		Scheme:      "aes256-gcm",
		Nonce:       "nonce-1",
		Payload:     payload,
	}
	rev.ID = NewRevisionID(rev.Path, rev.Parents, rev.ContentHash, rev.Author, rev.Nonce)
	return rev
}

func TestCodec_RoundTrip(t *testing.T) {
	rev := testRevision(t)

	raw, err := Encode(rev)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, rev, got)
}

func TestCodec_RoundTrip_TombstoneNoBody(t *testing.T) {
	rev := &Revision{
		Path:      "/b",
		Author:    "alice@example.com",
		Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Flags:     FlagTombstone,
		Scheme:    "none",
		Nonce:     "nonce-2",
	}
	rev.ID = NewRevisionID(rev.Path, nil, "", rev.Author, rev.Nonce)

	raw, err := Encode(rev)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Content-Hash")

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, rev, got)
	assert.True(t, got.IsTombstone())
	assert.Empty(t, got.Payload)
}

func TestCodec_RoundTrip_AllFlags(t *testing.T) {
	for _, flags := range []Flags{FlagTombstone, FlagDirMarker, FlagLockClaim, FlagTombstone | FlagLockClaim} {
		rev := &Revision{
			Path:      "/c",
			Author:    "bob",
			Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			Flags:     flags,
			Scheme:    "none",
			Nonce:     "n",
		}
		rev.ID = NewRevisionID(rev.Path, nil, "", rev.Author, rev.Nonce)

		raw, err := Encode(rev)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, flags, got.Flags)
	}
}

func TestCodec_LongBodyWraps(t *testing.T) {
	rev := testRevision(t)
	rev.Payload = bytes.Repeat([]byte("abcdefgh"), 1024)

	raw, err := Encode(rev)
	require.NoError(t, err)
	for _, line := range strings.Split(string(raw), "\r\n") {
		assert.LessOrEqual(t, len(line), 100)
	}

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, rev.Payload, got.Payload)
}

func TestDecode_MissingMandatoryHeaders(t *testing.T) {
	raw := []byte("X-Mailfile-Format: 1.0\r\nX-Mailfile-Path: /a\r\n\r\n")
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrCorruptObject)
}

func TestDecode_NotAMailfileObject(t *testing.T) {
	raw := []byte("Subject: hello\r\nFrom: someone@example.com\r\n\r\nregular email\r\n")
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrCorruptObject)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("\x00\x01\x02 not a message at all"))
	assert.ErrorIs(t, err, ErrCorruptObject)
}

func TestDecode_UnsupportedMajorVersion(t *testing.T) {
	rev := testRevision(t)
	raw, err := Encode(rev)
	require.NoError(t, err)

	bumped := strings.Replace(string(raw), "X-Mailfile-Format: 1.0", "X-Mailfile-Format: 2.3", 1)
	_, err = Decode([]byte(bumped))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecode_MinorVersionAccepted(t *testing.T) {
	rev := testRevision(t)
	raw, err := Encode(rev)
	require.NoError(t, err)

	bumped := strings.Replace(string(raw), "X-Mailfile-Format: 1.0", "X-Mailfile-Format: 1.7", 1)
	got, err := Decode([]byte(bumped))
	require.NoError(t, err)
	assert.Equal(t, rev.ID, got.ID)
}

func TestDecode_UnknownHeadersIgnored(t *testing.T) {
	rev := testRevision(t)
	raw, err := Encode(rev)
	require.NoError(t, err)

	extended := "X-Mailfile-Future-Extension: whatever\r\n" + string(raw)
	got, err := Decode([]byte(extended))
	require.NoError(t, err)
	assert.Equal(t, rev, got)
}

func TestDecode_BadPath(t *testing.T) {
	rev := testRevision(t)
	raw, err := Encode(rev)
	require.NoError(t, err)

	evil := strings.Replace(string(raw), "X-Mailfile-Path: /magic/path/name.txt", "X-Mailfile-Path: /a/../b", 1)
	_, err = Decode([]byte(evil))
	assert.ErrorIs(t, err, ErrCorruptObject)
}

func TestNewRevisionID_Deterministic(t *testing.T) {
	id1 := NewRevisionID("/a", []string{"p1", "p2"}, "sha256:ff", "alice", "n1")
	id2 := NewRevisionID("/a", []string{"p2", "p1"}, "sha256:ff", "alice", "n1")
	assert.Equal(t, id1, id2, "parent order must not matter")

	assert.NotEqual(t, id1, NewRevisionID("/b", []string{"p1", "p2"}, "sha256:ff", "alice", "n1"))
	assert.NotEqual(t, id1, NewRevisionID("/a", []string{"p1"}, "sha256:ff", "alice", "n1"))
	assert.NotEqual(t, id1, NewRevisionID("/a", []string{"p1", "p2"}, "sha256:00", "alice", "n1"))
	assert.NotEqual(t, id1, NewRevisionID("/a", []string{"p1", "p2"}, "sha256:ff", "bob", "n1"))
	assert.NotEqual(t, id1, NewRevisionID("/a", []string{"p1", "p2"}, "sha256:ff", "alice", "n2"))
	assert.Len(t, id1, 40)
}

func TestCodec_RoundTrip_LockClaim(t *testing.T) {
	rev := &Revision{
		Path:        "/c",
		Author:      "alice",
		Timestamp:   time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Flags:       FlagLockClaim,
		Scheme:      "none",
		Nonce:       "n-lock",
		LockExpires: time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC),
	}
	rev.ID = NewRevisionID(rev.Path, nil, "", rev.Author, rev.Nonce)

	raw, err := Encode(rev)
	require.NoError(t, err)
	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, rev, got)
	assert.True(t, got.IsLockClaim())
}

func TestFlags_ParseUnknownIgnored(t *testing.T) {
	f := ParseFlags("tombstone, shiny-new-flag ,lock")
	assert.Equal(t, FlagTombstone|FlagLockClaim, f)
}
