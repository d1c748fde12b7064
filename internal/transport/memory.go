package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Memory is an in-process Transport. It backs protocol tests and doubles as
// the reference implementation of the contract.
type Memory struct {
	mu      sync.Mutex
	folders map[string]map[string][]byte
	flags   map[string]map[string][]Flag
	seq     int

	appends atomic.Int64

	// AppendHook, when set, runs before the nth append attempt (1-based) and
	// can fail it. It runs outside the store lock, so a hook may itself call
	// Inject to interleave a racing writer. Tests use this to simulate a
	// transport dying mid-batch or a concurrent client.
	AppendHook func(n int) error
}

func NewMemory() *Memory {
	return &Memory{
		folders: make(map[string]map[string][]byte),
		flags:   make(map[string]map[string][]Flag),
	}
}

func (m *Memory) folder(name string) map[string][]byte {
	f, ok := m.folders[name]
	if !ok {
		f = make(map[string][]byte)
		m.folders[name] = f
	}
	return f
}

func (m *Memory) List(ctx context.Context, folder string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.folder(folder)
	locators := make([]string, 0, len(f))
	for loc := range f {
		locators = append(locators, loc)
	}
	return locators, nil
}

func (m *Memory) Fetch(ctx context.Context, folder, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.folder(folder)[locator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, locator)
	}
	return bytes.Clone(raw), nil
}

func (m *Memory) Append(ctx context.Context, folder string, raw []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.AppendHook != nil {
		if err := m.AppendHook(int(m.appends.Add(1))); err != nil {
			return "", err
		}
	} else {
		m.appends.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	locator := fmt.Sprintf("msg-%08d", m.seq)
	m.folder(folder)[locator] = bytes.Clone(raw)
	return locator, nil
}

func (m *Memory) Flag(ctx context.Context, folder, locator string, flag Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.folder(folder)[locator]; !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, locator)
	}
	if m.flags[folder] == nil {
		m.flags[folder] = make(map[string][]Flag)
	}
	m.flags[folder][locator] = append(m.flags[folder][locator], flag)
	return nil
}

func (m *Memory) Delete(ctx context.Context, folder, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.folder(folder)
	if _, ok := f[locator]; !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, locator)
	}
	delete(f, locator)
	return nil
}

// Count returns the number of messages in folder.
func (m *Memory) Count(folder string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.folder(folder))
}

// Inject stores a raw message directly, bypassing the append counter. Tests
// use it to drop foreign or malformed messages into a folder.
func (m *Memory) Inject(folder, locator string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folder(folder)[locator] = bytes.Clone(raw)
}
