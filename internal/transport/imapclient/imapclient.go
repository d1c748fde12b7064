// Package imapclient adapts a real IMAP mailbox to the transport contract.
// Revisions are ordinary messages in a dedicated mailbox; locators are IMAP
// UIDs, which the protocol may treat as stable because UIDVALIDITY changes
// force a full rescan anyway.
package imapclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mailfile/mailfile/internal/config"
	"github.com/mailfile/mailfile/internal/transport"
)

const locatorPrefix = "uid-"

var flagNames = map[transport.Flag]string{
	transport.FlagSeen:    imap.SeenFlag,
	transport.FlagDeleted: imap.DeletedFlag,
}

// Client is an IMAP-backed Transport. IMAP sessions are strictly sequential,
// so every operation holds the client mutex; concurrent fetches from the
// snapshot builder serialize here.
type Client struct {
	mu       sync.Mutex
	c        *client.Client
	selected string
}

// Dial connects and authenticates. Insecure configs use a plaintext
// connection, for local test servers only.
func Dial(cfg config.IMAPConfig) (*Client, error) {
	var (
		c   *client.Client
		err error
	)
	if cfg.Insecure {
		c, err = client.Dial(cfg.Addr)
	} else {
		c, err = client.DialTLS(cfg.Addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", cfg.Addr, err)
	}
	c.Timeout = 30 * time.Second

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login %s: %w", cfg.Username, err)
	}
	return &Client{c: c}, nil
}

// Close logs out and drops the connection.
func (t *Client) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c.Logout()
}

// ensureSelected selects folder, creating it on first use.
func (t *Client) ensureSelected(folder string) error {
	if t.selected == folder {
		return nil
	}
	if _, err := t.c.Select(folder, false); err != nil {
		if cerr := t.c.Create(folder); cerr != nil {
			return fmt.Errorf("select %s: %w", folder, err)
		}
		if _, err := t.c.Select(folder, false); err != nil {
			return fmt.Errorf("select %s: %w", folder, err)
		}
	}
	t.selected = folder
	return nil
}

func formatLocator(uid uint32) string {
	return locatorPrefix + strconv.FormatUint(uint64(uid), 10)
}

func parseLocator(locator string) (uint32, error) {
	raw, ok := strings.CutPrefix(locator, locatorPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: bad locator %q", transport.ErrMessageNotFound, locator)
	}
	uid, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad locator %q", transport.ErrMessageNotFound, locator)
	}
	return uint32(uid), nil
}

func (t *Client) List(ctx context.Context, folder string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureSelected(folder); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	uids, err := t.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}

	locators := make([]string, 0, len(uids))
	for _, uid := range uids {
		locators = append(locators, formatLocator(uid))
	}
	return locators, nil
}

func (t *Client) Fetch(ctx context.Context, folder, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uid, err := parseLocator(locator)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureSelected(folder); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- t.c.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var raw []byte
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err = io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", locator, err)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch %s: %w", locator, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrMessageNotFound, locator)
	}
	return raw, nil
}

func (t *Client) Append(ctx context.Context, folder string, raw []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureSelected(folder); err != nil {
		return "", err
	}

	// remember where the UID sequence stood so the new message can be found
	// afterwards; servers without UIDPLUS give us no APPENDUID
	status, err := t.c.Status(folder, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		return "", fmt.Errorf("status %s: %w", folder, err)
	}

	if err := t.c.Append(folder, nil, time.Now(), bytes.NewBuffer(raw)); err != nil {
		return "", fmt.Errorf("append %s: %w", folder, err)
	}

	uid, err := t.findAppended(folder, status.UidNext, raw)
	if err != nil {
		return "", err
	}
	return formatLocator(uid), nil
}

// findAppended locates the UID of a just-appended message among everything
// at or after since. Concurrent appenders can land in the same window, so
// candidates are matched by content.
func (t *Client) findAppended(folder string, since uint32, raw []byte) (uint32, error) {
	criteria := imap.NewSearchCriteria()
	set := new(imap.SeqSet)
	set.AddRange(since, 0)
	criteria.Uid = set

	uids, err := t.c.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("append search %s: %w", folder, err)
	}
	if len(uids) == 1 {
		return uids[0], nil
	}

	section := &imap.BodySectionName{Peek: true}
	for _, uid := range uids {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- t.c.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
		}()
		var got []byte
		for msg := range messages {
			if body := msg.GetBody(section); body != nil {
				got, _ = io.ReadAll(body)
			}
		}
		if err := <-done; err != nil {
			return 0, fmt.Errorf("append search %s: %w", folder, err)
		}
		if bytes.Equal(got, raw) {
			return uid, nil
		}
	}
	return 0, fmt.Errorf("append %s: message not found after delivery", folder)
}

func (t *Client) Flag(ctx context.Context, folder, locator string, flag transport.Flag) error {
	name, ok := flagNames[flag]
	if !ok {
		return fmt.Errorf("%w: flag %q", transport.ErrNotSupported, flag)
	}
	return t.store(ctx, folder, locator, name, false)
}

func (t *Client) Delete(ctx context.Context, folder, locator string) error {
	return t.store(ctx, folder, locator, imap.DeletedFlag, true)
}

func (t *Client) store(ctx context.Context, folder, locator, flagName string, expunge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uid, err := parseLocator(locator)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureSelected(folder); err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := t.c.UidStore(seqset, item, []interface{}{flagName}, nil); err != nil {
		return fmt.Errorf("store %s: %w", locator, err)
	}
	if expunge {
		if err := t.c.Expunge(nil); err != nil {
			return fmt.Errorf("expunge %s: %w", folder, err)
		}
	}
	return nil
}

var _ transport.Transport = (*Client)(nil)
