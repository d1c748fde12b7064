package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfile/mailfile/internal/transport"
	"github.com/mailfile/mailfile/internal/wire"
)

const testFolder = "FILE_STORAGE"

func appendRev(t *testing.T, tr *transport.Memory, rev *wire.Revision) string {
	t.Helper()
	raw, err := wire.Encode(rev)
	require.NoError(t, err)
	loc, err := tr.Append(context.Background(), testFolder, raw)
	require.NoError(t, err)
	return loc
}

func contentRev(path, nonce string, payload []byte, parents ...string) *wire.Revision {
	rev := &wire.Revision{
		Path:        path,
		Parents:     parents,
		ContentHash: wire.HashContent(payload),
		Author:      "tester",
		Timestamp:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Scheme:      "none",
		Nonce:       nonce,
		Payload:     payload,
	}
	rev.ID = wire.NewRevisionID(rev.Path, rev.Parents, rev.ContentHash, rev.Author, rev.Nonce)
	return rev
}

func TestBuilder_EmptyFolder(t *testing.T) {
	tr := transport.NewMemory()
	snap, err := NewBuilder(tr, testFolder).Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Paths())
	assert.Equal(t, 0, snap.Scanned)
}

func TestBuilder_GroupsByPath(t *testing.T) {
	tr := transport.NewMemory()
	r1 := contentRev("/a", "n1", []byte("a-v1"))
	r2 := contentRev("/a", "n2", []byte("a-v2"), r1.ID)
	r3 := contentRev("/b", "n3", []byte("b-v1"))
	appendRev(t, tr, r1)
	appendRev(t, tr, r2)
	locB := appendRev(t, tr, r3)

	snap, err := NewBuilder(tr, testFolder).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/a", "/b"}, snap.Paths())

	head, ok := snap.Head("/a")
	require.True(t, ok)
	assert.Equal(t, r2.ID, head.ID)
	assert.Equal(t, []byte("a-v2"), head.Payload)

	head, ok = snap.Head("/b")
	require.True(t, ok)
	assert.Equal(t, r3.ID, head.ID)
	assert.Equal(t, locB, head.Locator, "locator from the transport must be carried")
}

func TestBuilder_DetectsFork(t *testing.T) {
	tr := transport.NewMemory()
	base := contentRev("/a", "n1", []byte("base"))
	left := contentRev("/a", "n2", []byte("left"), base.ID)
	right := contentRev("/a", "n3", []byte("right"), base.ID)
	appendRev(t, tr, base)
	appendRev(t, tr, left)
	appendRev(t, tr, right)

	snap, err := NewBuilder(tr, testFolder).Build(context.Background())
	require.NoError(t, err)

	ps, ok := snap.Get("/a")
	require.True(t, ok)
	assert.True(t, ps.Conflicted())
	assert.ElementsMatch(t, []string{left.ID, right.ID}, ps.Heads())

	_, ok = snap.Head("/a")
	assert.False(t, ok)
}

func TestBuilder_SkipsMalformedMessages(t *testing.T) {
	tr := transport.NewMemory()
	good := contentRev("/ok", "n1", []byte("fine"))
	appendRev(t, tr, good)
	tr.Inject(testFolder, "alien-1", []byte("Subject: vacation photos\r\n\r\nnot ours\r\n"))
	tr.Inject(testFolder, "alien-2", []byte("\x00\xff garbage"))
	tr.Inject(testFolder, "future", []byte("X-Mailfile-Format: 9.0\r\nX-Mailfile-Path: /x\r\n\r\n"))

	snap, err := NewBuilder(tr, testFolder).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Scanned)
	assert.Equal(t, 3, snap.Skipped)
	assert.Equal(t, []string{"/ok"}, snap.Paths())
	head, ok := snap.Head("/ok")
	require.True(t, ok)
	assert.Equal(t, good.ID, head.ID)
}

func TestBuilder_Deterministic(t *testing.T) {
	tr := transport.NewMemory()
	var prev string
	for i, content := range []string{"one", "two", "three", "four"} {
		rev := contentRev("/seq", string(rune('a'+i)), []byte(content))
		if prev != "" {
			rev.Parents = []string{prev}
			rev.ID = wire.NewRevisionID(rev.Path, rev.Parents, rev.ContentHash, rev.Author, rev.Nonce)
		}
		appendRev(t, tr, rev)
		prev = rev.ID
	}

	b := NewBuilder(tr, testFolder, WithFetchWorkers(3))
	first, err := b.Build(context.Background())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := b.Build(context.Background())
		require.NoError(t, err)
		require.Equal(t, first.Paths(), again.Paths())
		ps1, _ := first.Get("/seq")
		ps2, _ := again.Get("/seq")
		require.Equal(t, ps1.Heads(), ps2.Heads())
	}
}

func TestBuilder_SeparatesLockClaims(t *testing.T) {
	tr := transport.NewMemory()
	content := contentRev("/c", "n1", []byte("data"))
	appendRev(t, tr, content)

	claim := &wire.Revision{
		Path:        "/c",
		Author:      "locker",
		Timestamp:   time.Now().UTC().Truncate(time.Second),
		Flags:       wire.FlagLockClaim,
		Scheme:      "none",
		Nonce:       "n-lock",
		LockExpires: time.Now().UTC().Add(time.Hour).Truncate(time.Second),
	}
	claim.ID = wire.NewRevisionID(claim.Path, nil, "", claim.Author, claim.Nonce)
	appendRev(t, tr, claim)

	snap, err := NewBuilder(tr, testFolder).Build(context.Background())
	require.NoError(t, err)

	ps, ok := snap.Get("/c")
	require.True(t, ok)

	// the claim must not disturb the content chain
	assert.False(t, ps.Conflicted())
	head, ok := ps.Head()
	require.True(t, ok)
	assert.Equal(t, content.ID, head.ID)

	active := ps.ActiveClaims(time.Now())
	require.Len(t, active, 1)
	assert.Equal(t, "locker", active[0].Author)

	// an expired claim is invisible to lock checks
	assert.Empty(t, ps.ActiveClaims(time.Now().Add(2*time.Hour)))
}

func TestPathState_Deleted(t *testing.T) {
	tr := transport.NewMemory()
	v1 := contentRev("/d", "n1", []byte("alive"))
	tomb := &wire.Revision{
		Path:      "/d",
		Parents:   []string{v1.ID},
		Author:    "tester",
		Timestamp: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		Flags:     wire.FlagTombstone,
		Scheme:    "none",
		Nonce:     "n2",
	}
	tomb.ID = wire.NewRevisionID(tomb.Path, tomb.Parents, "", tomb.Author, tomb.Nonce)
	appendRev(t, tr, v1)
	appendRev(t, tr, tomb)

	snap, err := NewBuilder(tr, testFolder).Build(context.Background())
	require.NoError(t, err)

	ps, ok := snap.Get("/d")
	require.True(t, ok)
	assert.True(t, ps.Deleted())
	assert.Empty(t, snap.Live())
	assert.Equal(t, []string{"/d"}, snap.Paths())
}
