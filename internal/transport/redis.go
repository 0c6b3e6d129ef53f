package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream key used when the destination names none.
const DefaultStream = "crankswarm"

const bodyField = "body"

// Redis is a transport over a redis stream. Receive walks the stream with a
// cursor and starts over from the oldest entry once it catches up, so
// entries that were received but never deleted are delivered again.
type Redis struct {
	client *redis.Client
	stream string
	opts   Options

	mu     sync.Mutex
	cursor string
}

// OpenRedis connects to the redis server in u. The stream query parameter
// selects the stream key; the other parameters are go-redis options.
func OpenRedis(ctx context.Context, u *url.URL, opts Options) (*Redis, error) {
	opts.normalize()
	q := u.Query()
	stream := q.Get("stream")
	if stream == "" {
		stream = DefaultStream
	}
	q.Del("stream")
	clean := *u
	clean.RawQuery = q.Encode()

	redisOpts, err := redis.ParseURL(clean.String())
	if err != nil {
		return nil, fmt.Errorf("redis transport: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis transport: ping %s: %w", redisOpts.Addr, err)
	}
	return &Redis{client: client, stream: stream, opts: opts}, nil
}

func (r *Redis) Publish(ctx context.Context, body []byte) error {
	if err := checkSize(body, r.opts.MaxMessageBytes); err != nil {
		return err
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{bodyField: body},
	}).Err()
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Receive(ctx context.Context, max int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.read(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && r.cursor != "" {
		r.cursor = ""
		if entries, err = r.read(ctx, max); err != nil {
			return nil, err
		}
	}

	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		r.cursor = e.ID
		body, _ := e.Values[bodyField].(string)
		out = append(out, Message{ID: e.ID, Body: []byte(body)})
	}
	return out, nil
}

func (r *Redis) read(ctx context.Context, max int) ([]redis.XMessage, error) {
	start := "-"
	if r.cursor != "" {
		start = "(" + r.cursor
	}
	entries, err := r.client.XRangeN(ctx, r.stream, start, "+", int64(max)).Result()
	if errors.Is(err, redis.ErrClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("redis receive: %w", err)
	}
	return entries, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	err := r.client.XDel(ctx, r.stream, id).Err()
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
