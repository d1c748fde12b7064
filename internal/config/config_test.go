package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Transport = "imap"
	cfg.IMAP = IMAPConfig{Addr: "mail.example.com:993", Username: "u@example.com", Password: "pw"}
	cfg.Secret = "squeamish ossifrage"
	cfg.LockTTLSeconds = 120
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "imap", loaded.Transport)
	assert.Equal(t, "mail.example.com:993", loaded.IMAP.Addr)
	assert.Equal(t, "squeamish ossifrage", loaded.Secret)
	assert.Equal(t, 2*time.Minute, loaded.LockTTL())
	assert.Equal(t, path, loaded.Path)
	assert.NoError(t, loaded.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())

	cfg.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Transport = "s3"
	assert.Error(t, cfg.Validate(), "s3 without bucket")
	cfg.S3.Bucket = "mailfile-store"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Folder = ""
	assert.Error(t, cfg.Validate())
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultFolder, cfg.Folder)
	assert.NotEmpty(t, cfg.Author)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL())

	// zero TTL falls back rather than producing never-expiring locks
	cfg.LockTTLSeconds = 0
	assert.Equal(t, 5*time.Minute, cfg.LockTTL())
}
