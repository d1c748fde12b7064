// Package maildir implements the transport contract on a local
// Maildir-style directory tree. Each folder is a directory with cur/new/tmp
// subdirectories; messages are files named eml-<seq>:2,<flags>. Deliveries
// go through tmp and rename into cur, and a file lock serializes writers, so
// several processes can share one store.
package maildir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/mailfile/mailfile/internal/transport"
	"github.com/mailfile/mailfile/internal/utils"
)

const (
	prefix  = "eml-"
	flagSep = ":2,"
)

var flagChars = map[transport.Flag]string{
	transport.FlagSeen:    "S",
	transport.FlagDeleted: "T",
}

// Store is a maildir-backed Transport rooted at one directory. Folders are
// created lazily on first append.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("maildir %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) dir(folder string) string {
	return filepath.Join(s.root, folder)
}

func (s *Store) lock(folder string) *flock.Flock {
	return flock.New(filepath.Join(s.dir(folder), ".lock"))
}

func (s *Store) ensureFolder(folder string) error {
	base := s.dir(folder)
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := utils.EnsureDir(filepath.Join(base, sub)); err != nil {
			return err
		}
	}
	return nil
}

// splitName splits a message file name into its locator and flag characters.
func splitName(name string) (locator, flags string, ok bool) {
	if !strings.HasPrefix(name, prefix) {
		return "", "", false
	}
	i := strings.Index(name, flagSep)
	if i < 0 {
		return name, "", true
	}
	return name[:i], name[i+len(flagSep):], true
}

// find returns the on-disk path and current name of the message with the
// given locator, searching cur then new.
func (s *Store) find(folder, locator string) (string, string, error) {
	for _, sub := range []string{"cur", "new"} {
		dir := filepath.Join(s.dir(folder), sub)
		names, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", "", err
		}
		for _, entry := range names {
			loc, _, ok := splitName(entry.Name())
			if ok && loc == locator {
				return filepath.Join(dir, entry.Name()), entry.Name(), nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: %s", transport.ErrMessageNotFound, locator)
}

func (s *Store) List(ctx context.Context, folder string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var locators []string
	for _, sub := range []string{"cur", "new"} {
		names, err := os.ReadDir(filepath.Join(s.dir(folder), sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list %s: %w", folder, err)
		}
		for _, entry := range names {
			if loc, _, ok := splitName(entry.Name()); ok {
				locators = append(locators, loc)
			}
		}
	}
	sort.Strings(locators)
	return locators, nil
}

func (s *Store) Fetch(ctx context.Context, folder, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, _, err := s.find(folder, locator)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", transport.ErrMessageNotFound, locator)
		}
		return nil, fmt.Errorf("fetch %s: %w", locator, err)
	}
	return raw, nil
}

func (s *Store) Append(ctx context.Context, folder string, raw []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.ensureFolder(folder); err != nil {
		return "", fmt.Errorf("append %s: %w", folder, err)
	}

	fl := s.lock(folder)
	if err := fl.Lock(); err != nil {
		return "", fmt.Errorf("lock %s: %w", folder, err)
	}
	defer fl.Unlock()

	seq, err := s.nextSeq(folder)
	if err != nil {
		return "", err
	}
	locator := fmt.Sprintf("%s%08x", prefix, seq)
	name := locator + flagSep

	// deliver via tmp so readers never observe a partial message
	tmp := filepath.Join(s.dir(folder), "tmp", name)
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return "", fmt.Errorf("append %s: %w", folder, err)
	}
	final := filepath.Join(s.dir(folder), "cur", name)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("append %s: %w", folder, err)
	}
	return locator, nil
}

// nextSeq returns one past the highest sequence number in the folder.
// Callers hold the folder lock.
func (s *Store) nextSeq(folder string) (uint64, error) {
	locators, err := s.List(context.Background(), folder)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, loc := range locators {
		n, err := strconv.ParseUint(strings.TrimPrefix(loc, prefix), 16, 64)
		if err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (s *Store) Flag(ctx context.Context, folder, locator string, flag transport.Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, ok := flagChars[flag]
	if !ok {
		return fmt.Errorf("%w: flag %q", transport.ErrNotSupported, flag)
	}

	fl := s.lock(folder)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", folder, err)
	}
	defer fl.Unlock()

	path, name, err := s.find(folder, locator)
	if err != nil {
		return err
	}
	loc, flags, _ := splitName(name)
	if strings.Contains(flags, ch) {
		return nil
	}
	renamed := filepath.Join(filepath.Dir(path), loc+flagSep+sortFlags(flags+ch))
	if err := os.Rename(path, renamed); err != nil {
		return fmt.Errorf("flag %s: %w", locator, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, folder, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fl := s.lock(folder)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", folder, err)
	}
	defer fl.Unlock()

	path, _, err := s.find(folder, locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", transport.ErrMessageNotFound, locator)
		}
		return fmt.Errorf("delete %s: %w", locator, err)
	}
	return nil
}

func sortFlags(flags string) string {
	chars := strings.Split(flags, "")
	sort.Strings(chars)
	return strings.Join(chars, "")
}

var _ transport.Transport = (*Store)(nil)
