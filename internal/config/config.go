// Package config holds the on-disk client configuration shared by the
// library session and the CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/goccy/go-json"

	"github.com/mailfile/mailfile/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".mailfile", "config.json")
	DefaultStoreDir   = filepath.Join(home, ".mailfile", "store")
)

const (
	// DefaultFolder is the transport folder (IMAP mailbox) holding the store.
	DefaultFolder = "FILE_STORAGE"

	DefaultMaxPayloadSize = 16 << 20
	DefaultLockTTLSeconds = 300
	DefaultKeepVersions   = 10

	appID = "mailfile"
)

type IMAPConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
	// Insecure disables TLS; only for local test servers.
	Insecure bool `json:"insecure,omitempty"`
}

type MaildirConfig struct {
	Dir string `json:"dir"`
}

type S3Config struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

// Config selects and parameterizes one transport backend plus the session
// limits. Exactly one backend section is consulted, named by Transport.
type Config struct {
	// Transport is one of "imap", "maildir", "s3", "sqlite".
	Transport string `json:"transport"`
	Folder    string `json:"folder"`
	// Author identifies this client in revision provenance. Defaults to a
	// machine-derived id.
	Author string `json:"author"`
	// Secret, when set, turns on payload encryption.
	Secret string `json:"secret,omitempty"`

	IMAP    IMAPConfig    `json:"imap,omitempty"`
	Maildir MaildirConfig `json:"maildir,omitempty"`
	S3      S3Config      `json:"s3,omitempty"`
	SQLite  SQLiteConfig  `json:"sqlite,omitempty"`

	MaxPayloadSize int64 `json:"max_payload_size"`
	LockTTLSeconds int   `json:"lock_ttl_seconds"`
	KeepVersions   int   `json:"keep_versions"`

	Path string `json:"-"`
}

func Default() *Config {
	return &Config{
		Transport:      "maildir",
		Folder:         DefaultFolder,
		Author:         DefaultAuthor(),
		Maildir:        MaildirConfig{Dir: DefaultStoreDir},
		MaxPayloadSize: DefaultMaxPayloadSize,
		LockTTLSeconds: DefaultLockTTLSeconds,
		KeepVersions:   DefaultKeepVersions,
	}
}

// DefaultAuthor derives a stable client id from the machine, falling back to
// the hostname.
func DefaultAuthor() string {
	if id, err := machineid.ProtectedID(appID); err == nil && len(id) >= 16 {
		return appID + "-" + id[:16]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return appID + "-" + host
	}
	return appID + "-anonymous"
}

func (c *Config) LockTTL() time.Duration {
	if c.LockTTLSeconds <= 0 {
		return DefaultLockTTLSeconds * time.Second
	}
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c *Config) Validate() error {
	switch c.Transport {
	case "imap":
		if c.IMAP.Addr == "" || c.IMAP.Username == "" {
			return fmt.Errorf("config: imap transport needs addr and username")
		}
	case "maildir":
		if c.Maildir.Dir == "" {
			return fmt.Errorf("config: maildir transport needs dir")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("config: s3 transport needs bucket")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("config: sqlite transport needs path")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.Folder == "" {
		return fmt.Errorf("config: folder must not be empty")
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// holds credentials
	return os.WriteFile(path, data, 0600)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Path = path
	if cfg.Author == "" {
		cfg.Author = DefaultAuthor()
	}
	return cfg, nil
}
