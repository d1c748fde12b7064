package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfile/mailfile/internal/config"
	"github.com/mailfile/mailfile/internal/envelope"
	"github.com/mailfile/mailfile/internal/transport"
	"github.com/mailfile/mailfile/internal/wire"
)

const testFolder = "FILE_STORAGE"

func newTestSession(t *testing.T, tr transport.Transport, author, secret string) *Session {
	t.Helper()
	cfg := &config.Config{
		Folder:       testFolder,
		Author:       author,
		Secret:       secret,
		KeepVersions: 3,
	}
	s, err := New(tr, cfg)
	require.NoError(t, err)
	return s
}

func writeAndSync(t *testing.T, s *Session, path string, content []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WriteFile(ctx, path, content))
	res, err := s.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Clean(), "sync result: %+v", res)
}

func injectRevision(t *testing.T, tr *transport.Memory, locator, path, author, nonce string, payload []byte, parents ...string) *wire.Revision {
	t.Helper()
	rev := &wire.Revision{
		Path:        path,
		Parents:     parents,
		ContentHash: wire.HashContent(payload),
		Author:      author,
		Timestamp:   time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		Scheme:      envelope.SchemeNone,
		Nonce:       nonce,
		Payload:     payload,
	}
	rev.ID = wire.NewRevisionID(rev.Path, rev.Parents, rev.ContentHash, rev.Author, rev.Nonce)
	raw, err := wire.Encode(rev)
	require.NoError(t, err)
	tr.Inject(testFolder, locator, raw)
	return rev
}

func TestSession_HelloWorldRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	writer := newTestSession(t, tr, "alice", "")

	f, err := writer.Create(ctx, "/magic/path/name.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = f.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// nothing hits the transport before sync
	assert.Equal(t, 0, tr.Count(testFolder))
	res, err := writer.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/magic/path/name.txt"}, res.Committed)

	// an independent session converges on the same content
	reader := newTestSession(t, tr, "bob", "")
	rf, err := reader.Open(ctx, "/magic/path/name.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rf)
	require.NoError(t, err)
	require.NoError(t, rf.Close())
	assert.Equal(t, "hello world", string(got))

	info, err := reader.Stat(ctx, "/magic/path/name.txt")
	require.NoError(t, err)
	assert.False(t, info.IsDir)
	assert.Equal(t, "alice", info.Author)
	assert.Equal(t, int64(len("hello world")), info.Size)

	entries, err := reader.List(ctx, "/magic/path")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "name.txt", entries[0].Name)
}

func TestSession_EncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()

	writer := newTestSession(t, tr, "alice", "shared secret")
	writeAndSync(t, writer, "/vault/note", []byte("meet at dawn"))

	peer := newTestSession(t, tr, "bob", "shared secret")
	got, err := peer.ReadFile(ctx, "/vault/note")
	require.NoError(t, err)
	assert.Equal(t, []byte("meet at dawn"), got)

	// without the key the content is unreadable but the path is visible
	outsider := newTestSession(t, tr, "eve", "")
	_, err = outsider.ReadFile(ctx, "/vault/note")
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = outsider.Stat(ctx, "/vault/note")
	assert.NoError(t, err)

	// the wrong key fails authentication, not silently
	wrongKey := newTestSession(t, tr, "mallory", "guessed secret")
	_, err = wrongKey.ReadFile(ctx, "/vault/note")
	assert.ErrorIs(t, err, envelope.ErrCrypto)
}

func TestSession_ConflictReadAndMerge(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()

	left := injectRevision(t, tr, "m1", "/doc", "alice", "n-left", []byte("left"))
	right := injectRevision(t, tr, "m2", "/doc", "bob", "n-right", []byte("right"))

	s := newTestSession(t, tr, "carol", "")
	_, err := s.ReadFile(ctx, "/doc")
	assert.ErrorIs(t, err, ErrConflict)

	info, err := s.Stat(ctx, "/doc")
	require.NoError(t, err)
	assert.True(t, info.Conflicted)

	heads, err := s.Heads(ctx, "/doc")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{left.ID, right.ID}, heads)

	// each side stays readable by explicit revision
	f, err := s.Open(ctx, "/doc", WithRevision(left.ID))
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "left", string(got))
	require.NoError(t, f.Close())

	// a merge naming both heads resolves the fork
	require.NoError(t, s.Merge("/doc", []byte("left+right"), heads...))
	res, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/doc"}, res.Committed)

	got, err = s.ReadFile(ctx, "/doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("left+right"), got)
}

func TestSession_RemoveHidesPath(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	s := newTestSession(t, tr, "alice", "")

	writeAndSync(t, s, "/tmp/junk", []byte("old"))

	require.NoError(t, s.Remove(ctx, "/tmp/junk"))
	res, err := s.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Clean())

	_, err = s.ReadFile(ctx, "/tmp/junk")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Stat(ctx, "/tmp/junk")
	assert.ErrorIs(t, err, ErrNotFound)
	entries, err := s.List(ctx, "/tmp")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// removing twice is an error, the path is already gone
	assert.ErrorIs(t, s.Remove(ctx, "/tmp/junk"), ErrNotFound)

	// the history is still there for recovery
	revs, err := s.Versions(ctx, "/tmp/junk")
	require.NoError(t, err)
	assert.Len(t, revs, 2)
	assert.True(t, revs[1].IsTombstone())
}

func TestSession_DirectoriesExplicitAndImplied(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	s := newTestSession(t, tr, "alice", "")

	require.NoError(t, s.Mkdir(ctx, "/empty"))
	writeAndSync(t, s, "/a/b/file.txt", []byte("deep"))
	res, err := s.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Clean())

	// explicit marker
	info, err := s.Stat(ctx, "/empty")
	require.NoError(t, err)
	assert.True(t, info.IsDir)
	_, err = s.Open(ctx, "/empty")
	assert.ErrorIs(t, err, ErrIsDir)

	// implied by a deeper path
	info, err = s.Stat(ctx, "/a/b")
	require.NoError(t, err)
	assert.True(t, info.IsDir)

	entries, err := s.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, "empty", entries[1].Name)
	assert.True(t, entries[1].IsDir)

	// mkdir over an existing file is rejected
	assert.ErrorIs(t, s.Mkdir(ctx, "/a/b/file.txt"), ErrExist)
}

func TestSession_SizeLimit(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	cfg := &config.Config{Folder: testFolder, Author: "alice", MaxPayloadSize: 8}
	s, err := New(tr, cfg)
	require.NoError(t, err)

	assert.ErrorIs(t, s.WriteFile(ctx, "/big", []byte("123456789")), ErrSizeLimit)
	assert.NoError(t, s.WriteFile(ctx, "/small", []byte("12345678")))
}

func TestSession_VersionsAndWithRevision(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	s := newTestSession(t, tr, "alice", "")

	for _, v := range []string{"v1", "v2", "v3"} {
		writeAndSync(t, s, "/doc", []byte(v))
	}

	revs, err := s.Versions(ctx, "/doc")
	require.NoError(t, err)
	require.Len(t, revs, 3)

	f, err := s.Open(ctx, "/doc", WithRevision(revs[0].ID))
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestFile_AppendMode(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	s := newTestSession(t, tr, "alice", "")

	writeAndSync(t, s, "/log", []byte("hello"))

	f, err := s.Append(ctx, "/log")
	require.NoError(t, err)
	_, err = f.Write([]byte(" world"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := s.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Clean())

	got, err := s.ReadFile(ctx, "/log")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)

	revs, err := s.Versions(ctx, "/log")
	require.NoError(t, err)
	assert.Len(t, revs, 2)
}

func TestFile_ModeEnforcement(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	s := newTestSession(t, tr, "alice", "")

	writeAndSync(t, s, "/f", []byte("data"))

	rf, err := s.Open(ctx, "/f")
	require.NoError(t, err)
	_, err = rf.Write([]byte("nope"))
	assert.Error(t, err)
	require.NoError(t, rf.Close())
	assert.ErrorIs(t, rf.Close(), ErrClosed)

	wf, err := s.Create(ctx, "/f")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = wf.Read(buf)
	assert.Error(t, err)
	require.NoError(t, wf.Close())
	s.Discard("/f")
}

func TestSession_CorruptContent(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()

	rev := &wire.Revision{
		Path:        "/evil",
		ContentHash: wire.HashContent([]byte("what was promised")),
		Author:      "mallory",
		Timestamp:   time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		Scheme:      envelope.SchemeNone,
		Nonce:       "n1",
		Payload:     []byte("what was delivered"),
	}
	rev.ID = wire.NewRevisionID(rev.Path, rev.Parents, rev.ContentHash, rev.Author, rev.Nonce)
	raw, err := wire.Encode(rev)
	require.NoError(t, err)
	tr.Inject(testFolder, "evil-1", raw)

	s := newTestSession(t, tr, "alice", "")
	_, err = s.ReadFile(ctx, "/evil")
	assert.ErrorIs(t, err, wire.ErrCorruptObject)
}
