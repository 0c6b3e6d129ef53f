package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exercise runs the behaviour every backend shares.
func exercise(t *testing.T, tr Transport) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, []byte("one")))
	require.NoError(t, tr.Publish(ctx, []byte("two")))
	require.NoError(t, tr.Publish(ctx, []byte("three")))

	first, err := tr.Receive(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "one", string(first[0].Body))
	assert.Equal(t, "two", string(first[1].Body))
	assert.NotEqual(t, first[0].ID, first[1].ID)

	for _, m := range first {
		require.NoError(t, tr.Delete(ctx, m.ID))
	}
	require.NoError(t, tr.Delete(ctx, first[0].ID), "deleting twice is not an error")

	rest, err := tr.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "three", string(rest[0].Body))

	err = tr.Publish(ctx, make([]byte, DefaultMaxMessageBytes+1))
	assert.True(t, errors.Is(err, ErrMessageTooLarge), "got %v", err)
}

func TestMemory(t *testing.T) {
	m := NewMemory(Options{})
	exercise(t, m)
	require.NoError(t, m.Close())

	_, err := m.Receive(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Publish(context.Background(), []byte("x")), ErrClosed)
}

func TestMemoryRedeliversAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Options{VisibilityTimeout: time.Minute})
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Publish(ctx, []byte("report")))
	got, err := m.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	again, err := m.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "hidden while in flight")

	now = now.Add(2 * time.Minute)
	again, err = m.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, got[0].ID, again[0].ID, "redelivery keeps the id")
	assert.Equal(t, 1, m.Len())
}

func TestMemoryReceiveCopiesBodies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Options{VisibilityTimeout: time.Nanosecond})
	body := []byte("abc")
	require.NoError(t, m.Publish(ctx, body))
	body[0] = 'x'

	got, err := m.Receive(ctx, 1)
	require.NoError(t, err)
	got[0].Body[1] = 'y'
	time.Sleep(time.Millisecond)

	again, err := m.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again[0].Body))
}

func TestSpool(t *testing.T) {
	s, err := OpenSpool(filepath.Join(t.TempDir(), "spool"), Options{})
	require.NoError(t, err)
	exercise(t, s)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Publish(context.Background(), []byte("x")), ErrClosed)
}

func TestSpoolSharedBetweenHandles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	producer, err := OpenSpool(dir, Options{})
	require.NoError(t, err)
	consumer, err := OpenSpool(dir, Options{VisibilityTimeout: time.Minute})
	require.NoError(t, err)

	require.NoError(t, producer.Publish(ctx, []byte("final")))

	got, err := consumer.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "final", string(got[0].Body))

	again, err := consumer.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, consumer.Delete(ctx, got[0].ID))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, spoolExt, filepath.Ext(e.Name()), "message file left behind: %s", e.Name())
	}
	assert.Error(t, consumer.Delete(ctx, "../escape"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	tr, err := Open(ctx, "mem://run", Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, tr)

	dir := t.TempDir()
	tr, err = Open(ctx, "file://"+dir, Options{})
	require.NoError(t, err)
	assert.IsType(t, &Spool{}, tr)

	_, err = Open(ctx, "sqs://queue", Options{})
	assert.Error(t, err)

	assert.True(t, IsProcessLocal("mem://x"))
	assert.False(t, IsProcessLocal("file:///tmp/x"))
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("CRANKSWARM_TEST_REDIS")
	if addr == "" {
		t.Skip("CRANKSWARM_TEST_REDIS not set")
	}
	ctx := context.Background()
	stream := "crankswarm-test-" + time.Now().Format("150405.000000")
	tr, err := Open(ctx, "redis://"+addr+"/0?stream="+stream, Options{})
	require.NoError(t, err)
	r := tr.(*Redis)
	t.Cleanup(func() {
		_ = r.client.Del(context.Background(), stream).Err()
		_ = r.Close()
	})

	exercise(t, r)

	// Undeleted entries come back once the cursor wraps.
	got, err := r.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "three", string(got[0].Body))
}
