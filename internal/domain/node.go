package domain

import (
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/storage"
)

// NodeInterface defines what the HTTP surface needs from a running node.
type NodeInterface interface {
	Config() *config.Config
	Store() storage.Store
	NodeID() string

	// For health checks
	GetConnectionCount() int
	GetSubscriptionCount() int
	GetStartTime() time.Time
}
