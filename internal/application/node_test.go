package application

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("RELAY_STORE_URL", "memory://")
	t.Setenv("RELAY_SERVER_WS_ADDR", "127.0.0.1:0")
	t.Setenv("RELAY_METRICS_ENABLED", "false")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	id, err := identity.LoadOrCreate(filepath.Join(dir, "node_id.key"))
	require.NoError(t, err)

	n, err := New(context.Background(), cfg, id)
	require.NoError(t, err)
	return n
}

func TestNewWiresComponents(t *testing.T) {
	n := newTestNode(t)
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })

	require.NoError(t, n.Store().Ping(context.Background()))
	assert.Equal(t, 0, n.GetConnectionCount())
	assert.Equal(t, 0, n.GetSubscriptionCount())
	assert.Contains(t, n.NodeID(), "relay-")
	assert.WithinDuration(t, time.Now(), n.GetStartTime(), time.Minute)
	assert.NotNil(t, n.Server())
}

func TestInfoCarriesNodeID(t *testing.T) {
	n := newTestNode(t)
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })

	srv := httptest.NewServer(n.Server().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, n.NodeID(), doc["node_id"])
}

func TestStartAndShutdown(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))

	select {
	case <-n.Done():
	default:
		t.Fatal("node context still open after shutdown")
	}

	// a second call reports the first result
	assert.NoError(t, n.Shutdown(ctx))
	assert.Error(t, n.Store().Ping(context.Background()))
}
