package application

import (
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/relay"
	"github.com/Shugur-Network/pubsub-relay/internal/storage"
)

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Store returns the shared message store.
func (n *Node) Store() storage.Store {
	return n.store
}

// NodeID returns the id this node stamps on its notifications.
func (n *Node) NodeID() string {
	return n.identity.NodeID
}

// Server returns the node's HTTP surface.
func (n *Node) Server() *relay.Server {
	return n.server
}

// GetConnectionCount returns the current number of open sockets (for health checks)
func (n *Node) GetConnectionCount() int {
	return n.manager.Count()
}

// GetSubscriptionCount returns the number of live subscriptions on this node
func (n *Node) GetSubscriptionCount() int {
	return n.registry.Count()
}

// GetStartTime returns when the node was started (for health checks)
func (n *Node) GetStartTime() time.Time {
	return n.startTime
}
