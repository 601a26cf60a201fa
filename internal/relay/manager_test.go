package relay

import (
	"context"
	"testing"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/auth"
	"github.com/Shugur-Network/pubsub-relay/internal/domain"
	"github.com/Shugur-Network/pubsub-relay/internal/jsonrpc"
	"github.com/Shugur-Network/pubsub-relay/internal/subscription"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const subscribeFrame = `{"id":1,"jsonrpc":"2.0","method":"irn_subscribe","params":{"topic":"t"}}`

// blockingManager returns a manager whose handler reports each socket id on
// started and then waits for release before calling after.
func blockingManager(t *testing.T, registry *subscription.Registry, after func(socketID string)) (*Manager, chan string, chan struct{}) {
	t.Helper()
	m := NewManager(testConfig().Server, registry)
	started := make(chan string, 1)
	release := make(chan struct{})
	m.SetHandler(domain.PayloadHandlerFunc(func(_ context.Context, socketID string, _ *jsonrpc.Payload) {
		started <- socketID
		<-release
		if after != nil {
			after(socketID)
		}
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, started, release
}

func acceptPair(t *testing.T, m *Manager) (*Conn, *websocket.Conn) {
	t.Helper()
	server, client := socketPair(t)
	c := m.Accept(server, &auth.Session{Owner: "test", ClientID: "issuer", ExpiresAt: time.Now().Add(time.Hour)}, "127.0.0.1")
	return c, client
}

func waitStarted(t *testing.T, started chan string) string {
	t.Helper()
	select {
	case id := <-started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
		return ""
	}
}

func (m *Manager) counterCount() int {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	return len(m.counters)
}

func TestSweepSkipsSocketInsideSlowRequest(t *testing.T) {
	m, started, release := blockingManager(t, subscription.NewRegistry(), nil)
	c, client := acceptPair(t, m)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(subscribeFrame)))
	waitStarted(t, started)

	// its pongs cannot be read until the request returns
	m.Sweep()
	m.Sweep()
	close(release)

	assert.False(t, c.Closed())
	assert.Equal(t, 1, m.Count())
}

func TestSocketClosedMidRequestIsFullyReaped(t *testing.T) {
	registry := subscription.NewRegistry()
	m, started, release := blockingManager(t, registry, func(socketID string) {
		// a subscription that lands after the socket was torn down
		registry.Add("t", socketID, "irn_subscription", false)
	})
	c, client := acceptPair(t, m)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(subscribeFrame)))
	require.Equal(t, c.ID(), waitStarted(t, started))

	c.terminate(reasonHeartbeat)
	assert.Equal(t, 1, m.Count(), "removal waits for the request to return")
	close(release)

	require.Eventually(t, func() bool {
		return m.Count() == 0 && registry.Count() == 0 && m.counterCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, registry.Lookup("t", ""))
}

func TestAcceptTagsSessionDetails(t *testing.T) {
	m := NewManager(testConfig().Server, subscription.NewRegistry())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	c, _ := acceptPair(t, m)
	assert.Equal(t, "test", c.Owner())
	assert.Equal(t, "issuer", c.ClientID())
	assert.True(t, c.ExpiresAt().After(time.Now()))
	assert.Len(t, c.ID(), 64)
	assert.True(t, m.IsConnected(c.ID()))
}
