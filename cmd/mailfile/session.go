package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mailfile/mailfile/internal/config"
	"github.com/mailfile/mailfile/internal/session"
	"github.com/mailfile/mailfile/internal/transport"
	"github.com/mailfile/mailfile/internal/transport/imapclient"
	"github.com/mailfile/mailfile/internal/transport/maildir"
	"github.com/mailfile/mailfile/internal/transport/s3store"
	"github.com/mailfile/mailfile/internal/transport/sqlitestore"
)

// openTransport builds the configured transport backend.
func openTransport(cmd *cobra.Command, cfg *config.Config) (transport.Transport, io.Closer, error) {
	switch cfg.Transport {
	case "imap":
		c, err := imapclient.Dial(cfg.IMAP)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case "maildir":
		s, err := maildir.New(cfg.Maildir.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "s3":
		s, err := s3store.New(cmd.Context(), cfg.S3)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "sqlite":
		s, err := sqlitestore.New(sqlitestore.WithPath(cfg.SQLite.Path))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// openSession builds a session from the stored config. The returned closer
// must be run after use (nil-safe via closeQuiet).
func openSession(cmd *cobra.Command) (*session.Session, io.Closer, error) {
	cfg, err := loadSessionConfig()
	if err != nil {
		return nil, nil, err
	}
	tr, closer, err := openTransport(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := session.New(tr, cfg)
	if err != nil {
		closeQuiet(closer)
		return nil, nil, err
	}
	return s, closer, nil
}

func closeQuiet(c io.Closer) {
	if c != nil {
		c.Close()
	}
}
