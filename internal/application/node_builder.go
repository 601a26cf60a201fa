package application

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/auth"
	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/constants"
	"github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/Shugur-Network/pubsub-relay/internal/identity"
	"github.com/Shugur-Network/pubsub-relay/internal/limiter"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/relay"
	"github.com/Shugur-Network/pubsub-relay/internal/storage"
	"github.com/Shugur-Network/pubsub-relay/internal/subscription"
	"github.com/Shugur-Network/pubsub-relay/internal/workers"

	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx      context.Context
	cancel   context.CancelFunc
	config   *config.Config
	identity *identity.NodeIdentity

	store      storage.Store
	registry   *subscription.Registry
	workerPool *workers.WorkerPool
	manager    *relay.Manager
	dispatcher *relay.Dispatcher
	validator  *auth.Validator
	upgrades   *limiter.UpgradeLimiter
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config, id *identity.NodeIdentity) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:      c,
		cancel:   cancel,
		config:   cfg,
		identity: id,
	}
}

// BuildStore opens the shared message store, retrying a few times while the
// backend comes up.
func (b *NodeBuilder) BuildStore() error {
	opts := storage.Options{
		URL:             b.config.Store.URL,
		Username:        b.config.Store.Username,
		Password:        b.config.Store.Password,
		KeyPrefix:       b.config.Store.KeyPrefix,
		MaxTTL:          b.config.Server.MaxTTL,
		CleanupInterval: b.config.Store.CleanupInterval,
		NodeID:          b.identity.NodeID,
	}

	var lastErr error
	for attempt := 1; attempt <= constants.MaxDBRetries; attempt++ {
		store, err := storage.New(b.ctx, opts)
		if err == nil {
			b.store = store
			logger.Info("Message store connected", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		logger.Warn("Failed to open message store, retrying...",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", constants.MaxDBRetries),
			zap.Error(err))

		select {
		case <-time.After(constants.DBRetryDelay):
		case <-b.ctx.Done():
			b.cancel()
			return fmt.Errorf("open message store: %w", b.ctx.Err())
		}
	}
	b.cancel()
	return fmt.Errorf("open message store after %d attempts: %w", constants.MaxDBRetries, lastErr)
}

// BuildWorkers initializes the worker pool used for acknowledgements.
func (b *NodeBuilder) BuildWorkers() {
	numCPU := runtime.NumCPU()
	b.workerPool = workers.NewWorkerPool(numCPU*2, numCPU*300)
}

// BuildRelay wires the socket manager to the JSON-RPC dispatcher.
func (b *NodeBuilder) BuildRelay() {
	b.registry = subscription.NewRegistry()
	b.manager = relay.NewManager(b.config.Server, b.registry)
	b.dispatcher = relay.NewDispatcher(b.store, b.registry, b.manager, b.workerPool)
	b.manager.SetHandler(b.dispatcher)
}

// BuildAuth sets up the handshake validator and the per-IP upgrade limiter.
func (b *NodeBuilder) BuildAuth() {
	b.validator = auth.NewValidator(b.config.Auth)
	b.upgrades = limiter.NewUpgradeLimiter(
		b.config.Server.UpgradeLimit.PerSecond,
		b.config.Server.UpgradeLimit.Burst,
		constants.UpgradeLimiterIdle,
	)
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	errors.InitErrorHandling()
	logger.Info("Error handling system initialized", zap.String("component", "node_builder"))

	if b.store == nil {
		return nil, fmt.Errorf("store must be built before calling Build()")
	}
	if b.workerPool == nil {
		return nil, fmt.Errorf("worker pool must be built before calling Build()")
	}
	if b.manager == nil || b.dispatcher == nil {
		return nil, fmt.Errorf("relay must be built before calling Build()")
	}
	if b.validator == nil {
		return nil, fmt.Errorf("validator must be built before calling Build()")
	}

	node := &Node{
		ctx:        b.ctx,
		cancel:     b.cancel,
		config:     b.config,
		identity:   b.identity,
		store:      b.store,
		registry:   b.registry,
		workerPool: b.workerPool,
		manager:    b.manager,
		dispatcher: b.dispatcher,
		upgrades:   b.upgrades,
		startTime:  time.Now(),
	}
	node.server = relay.NewServer(b.config, node, b.manager, b.validator, b.upgrades)

	logger.Debug("Node initialized successfully via builder")
	return node, nil
}
