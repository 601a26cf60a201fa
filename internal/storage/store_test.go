package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type collector struct {
	mu    sync.Mutex
	notes []Notification
}

func (c *collector) handle(n Notification) {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.notes))
	copy(out, c.notes)
	return out
}

// backends returns each store under test bound to the same fake clock.
func backends(t *testing.T, clk *clock) map[string]Store {
	t.Helper()

	mem := NewMemoryStore(Options{MaxTTL: 300, NodeID: "node-a", Now: clk.Now})
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	rs, err := New(context.Background(), Options{
		URL:       "redis://" + mr.Addr() + "/0",
		KeyPrefix: "test",
		MaxTTL:    300,
		NodeID:    "node-a",
		Now:       clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	stores := map[string]Store{"memory": mem, "redis": rs}
	if pg := openPostgres(t, "node-a", clk.Now); pg != nil {
		stores["postgres"] = pg
	}
	return stores
}

// openPostgres connects to RELAY_TEST_POSTGRES_URL and empties the relay
// tables. It returns nil when the variable is unset. The database must be
// disposable.
func openPostgres(t *testing.T, node string, now func() time.Time) *PostgresStore {
	t.Helper()
	url := os.Getenv("RELAY_TEST_POSTGRES_URL")
	if url == "" {
		return nil
	}
	ctx := context.Background()
	pg, err := NewPostgresStore(ctx, Options{
		URL:       url,
		KeyPrefix: "test",
		MaxTTL:    300,
		NodeID:    node,
		Now:       now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })

	_, err = pg.Pool.Exec(ctx, `TRUNCATE relay_messages, relay_acks`)
	require.NoError(t, err)
	return pg
}

func requirePostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("RELAY_TEST_POSTGRES_URL") == "" {
		t.Skip("RELAY_TEST_POSTGRES_URL not set")
	}
}

func TestStorePutGet(t *testing.T) {
	for name, store := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := store.Put(ctx, Message{Topic: "topic", Payload: "one", TTL: 60, Tag: 1100}, "socket")
			require.NoError(t, err)
			assert.NotEmpty(t, first.ID)
			assert.Equal(t, first.ReceivedAt.Add(time.Minute), first.ExpiresAt)

			_, err = store.Put(ctx, Message{Topic: "topic", Payload: "two", TTL: 60}, "socket")
			require.NoError(t, err)
			_, err = store.Put(ctx, Message{Topic: "elsewhere", Payload: "x", TTL: 60}, "socket")
			require.NoError(t, err)

			msgs, err := store.Get(ctx, "topic")
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, "one", msgs[0].Payload)
			assert.Equal(t, int64(1100), msgs[0].Tag)
			assert.Equal(t, "two", msgs[1].Payload)

			msgs, err = store.Get(ctx, "empty")
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestStoreRejectsTTLAboveMax(t *testing.T) {
	for name, store := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Put(ctx, Message{Topic: "topic", Payload: "big", TTL: 301}, "socket")
			require.Error(t, err)
			assert.True(t, relayErrors.HasCode(err, relayErrors.CodeTTLExceeded))
			assert.Contains(t, err.Error(), "requested ttl is above 300 seconds")

			msgs, err := store.Get(ctx, "topic")
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestStoreExpiresMessages(t *testing.T) {
	clk := newClock()
	for name, store := range backends(t, clk) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Put(ctx, Message{Topic: name, Payload: "short", TTL: 10}, "socket")
			require.NoError(t, err)
			_, err = store.Put(ctx, Message{Topic: name, Payload: "long", TTL: 100}, "socket")
			require.NoError(t, err)

			clk.Advance(10 * time.Second)
			msgs, err := store.Get(ctx, name)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "long", msgs[0].Payload)

			clk.Advance(90 * time.Second)
			msgs, err = store.Get(ctx, name)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestStoreNotifiesInOrder(t *testing.T) {
	for name, store := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			c := &collector{}
			require.NoError(t, store.OnPublish(ctx, c.handle))

			for _, payload := range []string{"a", "b", "c"} {
				_, err := store.Put(ctx, Message{Topic: "topic", Payload: payload, TTL: 60}, "publisher")
				require.NoError(t, err)
			}

			require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
			notes := c.snapshot()
			for i, payload := range []string{"a", "b", "c"} {
				assert.Equal(t, payload, notes[i].Message.Payload)
				assert.Equal(t, "publisher", notes[i].SocketID)
				assert.Equal(t, "node-a", notes[i].NodeID)
			}
		})
	}
}

func TestRedisStoresShareNotifications(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	open := func(node string) Store {
		s, err := NewRedisStore(ctx, Options{URL: "redis://" + mr.Addr(), MaxTTL: 60, NodeID: node})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	a, b := open("node-a"), open("node-b")

	c := &collector{}
	require.NoError(t, b.OnPublish(ctx, c.handle))

	_, err := a.Put(ctx, Message{Topic: "shared", Payload: "hello", TTL: 30}, "socket-on-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "node-a", c.snapshot()[0].NodeID)

	msgs, err := b.Get(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Payload)

	// key layout
	assert.True(t, mr.Exists("relay:messages:shared"))
	assert.True(t, mr.Exists("relay:messages:seq"))
	assert.Equal(t, 60*time.Second, mr.TTL("relay:messages:shared"))
}

func TestPostgresStoresShareNotifications(t *testing.T) {
	requirePostgres(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := openPostgres(t, "node-a", nil)
	b := openPostgres(t, "node-b", nil)

	c := &collector{}
	require.NoError(t, b.OnPublish(ctx, c.handle))

	sent, err := a.Put(ctx, Message{Topic: "shared", Payload: "hello", TTL: 30, Tag: 4000}, "socket-on-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	note := c.snapshot()[0]
	assert.Equal(t, "node-a", note.NodeID)
	assert.Equal(t, "socket-on-a", note.SocketID)
	assert.Equal(t, sent.ID, note.Message.ID)
	assert.Equal(t, int64(4000), note.Message.Tag)

	msgs, err := b.Get(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Payload)
}

func TestPostgresCleanExpiredMessages(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	clk := newClock()
	pg := openPostgres(t, "node-a", clk.Now)

	short, err := pg.Put(ctx, Message{Topic: "topic", Payload: "short", TTL: 10}, "socket")
	require.NoError(t, err)
	_, err = pg.Put(ctx, Message{Topic: "topic", Payload: "long", TTL: 100}, "socket")
	require.NoError(t, err)
	require.NoError(t, pg.Ack(ctx, short.ID))

	clk.Advance(10 * time.Second)
	removed, err := pg.CleanExpiredMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	var rows int
	require.NoError(t, pg.Pool.QueryRow(ctx, `SELECT count(*) FROM relay_messages`).Scan(&rows))
	assert.Equal(t, 1, rows)

	// acks are kept for MaxTTL
	require.NoError(t, pg.Pool.QueryRow(ctx, `SELECT count(*) FROM relay_acks`).Scan(&rows))
	assert.Equal(t, 1, rows)

	clk.Advance(300 * time.Second)
	removed, err = pg.CleanExpiredMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, pg.Pool.QueryRow(ctx, `SELECT count(*) FROM relay_acks`).Scan(&rows))
	assert.Equal(t, 0, rows)
}

func TestStoreAck(t *testing.T) {
	ctx := context.Background()

	mem := NewMemoryStore(Options{MaxTTL: 60})
	defer mem.Close()
	require.NoError(t, mem.Ack(ctx, "1700000000000123"))
	assert.True(t, mem.Acked("1700000000000123"))
	assert.False(t, mem.Acked("other"))

	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(ctx, Options{URL: "redis://" + mr.Addr(), MaxTTL: 60})
	require.NoError(t, err)
	defer rs.Close()

	require.NoError(t, rs.Ack(ctx, "1700000000000123"))
	acked, err := rs.Acked(ctx, "1700000000000123")
	require.NoError(t, err)
	assert.True(t, acked)
	assert.Equal(t, 60*time.Second, mr.TTL("relay:acks:1700000000000123"))
}

func TestNewRejectsUnknownScheme(t *testing.T) {
	_, err := New(context.Background(), Options{URL: "mysql://localhost/relay"})
	assert.Error(t, err)

	s, err := New(context.Background(), Options{URL: "memory://", MaxTTL: 10})
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
}
