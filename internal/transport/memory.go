package transport

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type memMessage struct {
	id        string
	body      []byte
	visibleAt time.Time
}

// Memory is a process-local transport. Workers running in the coordinator's
// process share one handle.
type Memory struct {
	mu       sync.Mutex
	opts     Options
	messages []*memMessage
	closed   bool
	now      func() time.Time
}

// NewMemory returns an empty in-process queue.
func NewMemory(opts Options) *Memory {
	opts.normalize()
	return &Memory{opts: opts, now: time.Now}
}

func (m *Memory) Publish(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSize(body, m.opts.MaxMessageBytes); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.messages = append(m.messages, &memMessage{
		id:   ulid.Make().String(),
		body: append([]byte(nil), body...),
	})
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := m.now()
	var out []Message
	for _, msg := range m.messages {
		if len(out) >= max {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		msg.visibleAt = now.Add(m.opts.VisibilityTimeout)
		out = append(out, Message{ID: msg.id, Body: append([]byte(nil), msg.body...)})
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i, msg := range m.messages {
		if msg.id == id {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len returns the number of messages not yet deleted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.messages = nil
	return nil
}
