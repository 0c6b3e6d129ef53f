package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"
)

const (
	spoolExt      = ".msg"
	spoolLockName = ".lock"
	spoolTmpPref  = ".tmp-"
	lockRetry     = 10 * time.Millisecond
)

// Spool is a transport over a directory shared by processes on one host.
// Each message is one file named by a ULID, so lexical order is publish
// order. Receives and deletes hold an advisory lock on the directory;
// publishes rely on atomic renames. Visibility timeouts are tracked per
// handle.
type Spool struct {
	dir  string
	opts Options
	lock *flock.Flock

	mu       sync.Mutex
	inflight map[string]time.Time
	closed   bool
	now      func() time.Time
}

// OpenSpool creates dir if needed and returns a transport over it.
func OpenSpool(dir string, opts Options) (*Spool, error) {
	opts.normalize()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool %s: %w", dir, err)
	}
	return &Spool{
		dir:      dir,
		opts:     opts,
		lock:     flock.New(filepath.Join(dir, spoolLockName)),
		inflight: make(map[string]time.Time),
		now:      time.Now,
	}, nil
}

func (s *Spool) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Spool) Publish(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	if err := checkSize(body, s.opts.MaxMessageBytes); err != nil {
		return err
	}
	id := ulid.Make().String()
	tmp := filepath.Join(s.dir, spoolTmpPref+id)
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("spool publish: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, id+spoolExt)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("spool publish: %w", err)
	}
	return nil
}

func (s *Spool) withLock(ctx context.Context, fn func() error) error {
	locked, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("spool lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("spool lock: not acquired")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *Spool) Receive(ctx context.Context, max int) ([]Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var out []Message
	err := s.withLock(ctx, func() error {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return fmt.Errorf("spool receive: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), spoolExt) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		s.mu.Lock()
		defer s.mu.Unlock()
		now := s.now()
		for _, name := range names {
			if len(out) >= max {
				break
			}
			id := strings.TrimSuffix(name, spoolExt)
			if until, ok := s.inflight[id]; ok && until.After(now) {
				continue
			}
			body, err := os.ReadFile(filepath.Join(s.dir, name))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return fmt.Errorf("spool receive %s: %w", id, err)
			}
			s.inflight[id] = now.Add(s.opts.VisibilityTimeout)
			out = append(out, Message{ID: id, Body: body})
		}
		return nil
	})
	return out, err
}

func (s *Spool) Delete(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if strings.ContainsAny(id, `/\`) || id == "" {
		return fmt.Errorf("spool delete: invalid id %q", id)
	}
	return s.withLock(ctx, func() error {
		err := os.Remove(filepath.Join(s.dir, id+spoolExt))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("spool delete %s: %w", id, err)
		}
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		return nil
	})
}

// Close releases the handle. Spooled messages stay on disk.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
