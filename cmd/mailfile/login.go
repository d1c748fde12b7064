package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mailfile/mailfile/internal/config"
	"github.com/mailfile/mailfile/internal/version"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Configure a store backend and save the config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		color.New(color.FgHiCyan, color.Bold).Println(version.ShortWithApp())

		cfg := config.Default()
		cfg.Transport, _ = cmd.Flags().GetString("transport")
		cfg.Folder, _ = cmd.Flags().GetString("store-folder")
		if cfg.Folder == "" {
			cfg.Folder = config.DefaultFolder
		}
		if author, _ := cmd.Flags().GetString("author"); author != "" {
			cfg.Author = author
		}

		switch cfg.Transport {
		case "imap":
			cfg.IMAP.Addr, _ = cmd.Flags().GetString("addr")
			cfg.IMAP.Username, _ = cmd.Flags().GetString("username")
			cfg.IMAP.Insecure, _ = cmd.Flags().GetBool("insecure")
			cfg.IMAP.Password = os.Getenv("MAILFILE_IMAP_PASSWORD")
			if cfg.IMAP.Password == "" {
				pw, err := promptSecret(fmt.Sprintf("IMAP password for %s: ", cfg.IMAP.Username))
				if err != nil {
					return err
				}
				cfg.IMAP.Password = pw
			}
		case "maildir":
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				cfg.Maildir.Dir = dir
			}
		case "s3":
			cfg.S3.Bucket, _ = cmd.Flags().GetString("bucket")
			cfg.S3.Region, _ = cmd.Flags().GetString("region")
			cfg.S3.Endpoint, _ = cmd.Flags().GetString("endpoint")
			cfg.S3.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
			cfg.S3.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		case "sqlite":
			if path, _ := cmd.Flags().GetString("db"); path != "" {
				cfg.SQLite.Path = path
			}
		}

		if encrypt, _ := cmd.Flags().GetBool("encrypt"); encrypt {
			secret := os.Getenv("MAILFILE_SECRET")
			if secret == "" {
				var err error
				secret, err = promptSecret("Encryption secret: ")
				if err != nil {
					return err
				}
				again, err := promptSecret("Repeat secret: ")
				if err != nil {
					return err
				}
				if secret != again {
					return fmt.Errorf("secrets do not match")
				}
			}
			cfg.Secret = secret
		}

		if err := cfg.Validate(); err != nil {
			return err
		}

		// verify the backend is reachable before persisting anything
		tr, closer, err := openTransport(cmd, cfg)
		if err != nil {
			return fmt.Errorf("backend check failed: %w", err)
		}
		if _, err := tr.List(cmd.Context(), cfg.Folder); err != nil {
			closeQuiet(closer)
			return fmt.Errorf("backend check failed: %w", err)
		}
		closeQuiet(closer)

		path, _ := cmd.Flags().GetString("config")
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Println("config written to", cyan(path))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the saved config (and its credentials)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		path, _ := cmd.Flags().GetString("config")
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				fmt.Println("not logged in")
				return nil
			}
			return err
		}
		fmt.Println("removed", cyan(path))
		return nil
	},
}

func init() {
	loginCmd.Flags().SortFlags = false
	loginCmd.Flags().StringP("transport", "t", "maildir", "backend: imap, maildir, s3, sqlite")
	loginCmd.Flags().String("store-folder", config.DefaultFolder, "folder (mailbox) holding the store")
	loginCmd.Flags().String("author", "", "client id recorded in revisions (default: machine id)")
	loginCmd.Flags().Bool("encrypt", false, "encrypt payloads with a shared secret")

	loginCmd.Flags().StringP("addr", "a", "", "imap: server address (host:port)")
	loginCmd.Flags().StringP("username", "u", "", "imap: login user")
	loginCmd.Flags().Bool("insecure", false, "imap: plaintext connection (tests only)")

	loginCmd.Flags().String("dir", "", "maildir: store directory")
	loginCmd.Flags().String("bucket", "", "s3: bucket name")
	loginCmd.Flags().String("region", "us-east-1", "s3: region")
	loginCmd.Flags().String("endpoint", "", "s3: custom endpoint (minio etc.)")
	loginCmd.Flags().String("db", "", "sqlite: database file")
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		// piped input, e.g. tests and scripts
		var line string
		if _, err := fmt.Scanln(&line); err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
