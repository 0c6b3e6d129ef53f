// Package transport moves stats reports from workers to the coordinator.
//
// A Transport is a byte-oriented queue with at-least-once delivery: a
// received message stays hidden for a visibility timeout and is delivered
// again unless it is deleted first. Consumers therefore dedup by message id.
// Destinations are URLs:
//
//	mem://name                          process-local queue
//	file:///var/spool/crankswarm        spool directory shared by processes
//	redis://host:6379/0?stream=runs     redis stream
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultMaxMessageBytes is the message size ceiling.
	DefaultMaxMessageBytes = 256 * 1024
	// DefaultVisibilityTimeout hides a received message from later receives.
	DefaultVisibilityTimeout = 30 * time.Second
)

var (
	// ErrMessageTooLarge is returned by Publish for bodies over the ceiling.
	ErrMessageTooLarge = errors.New("transport: message exceeds size ceiling")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// Message is one delivered message.
type Message struct {
	ID   string
	Body []byte
}

// Transport is a pub/sub queue pair: producers publish, a single consumer
// polls and deletes what it has applied.
type Transport interface {
	Publish(ctx context.Context, body []byte) error
	// Receive returns up to max visible messages. It does not block when
	// the queue is empty.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Delete acknowledges a message. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Options tune a transport.
type Options struct {
	MaxMessageBytes   int
	VisibilityTimeout time.Duration
}

func (o *Options) normalize() {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
}

// Open connects to the transport at dest.
func Open(ctx context.Context, dest string, opts Options) (Transport, error) {
	opts.normalize()
	u, err := url.Parse(strings.TrimSpace(dest))
	if err != nil {
		return nil, fmt.Errorf("transport destination %q: %w", dest, err)
	}
	switch u.Scheme {
	case "mem":
		return NewMemory(opts), nil
	case "file":
		dir := u.Host + u.Path
		if dir == "" {
			return nil, fmt.Errorf("transport destination %q: missing directory", dest)
		}
		return OpenSpool(dir, opts)
	case "redis", "rediss":
		return OpenRedis(ctx, u, opts)
	default:
		return nil, fmt.Errorf("transport destination %q: unsupported scheme %q (want mem, file or redis)", dest, u.Scheme)
	}
}

// IsProcessLocal reports whether dest is only reachable inside this process.
func IsProcessLocal(dest string) bool {
	return strings.HasPrefix(strings.TrimSpace(dest), "mem://")
}

func checkSize(body []byte, max int) error {
	if len(body) > max {
		return fmt.Errorf("%w: %d bytes, ceiling %d", ErrMessageTooLarge, len(body), max)
	}
	return nil
}
