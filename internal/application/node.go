package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/config"
	"github.com/Shugur-Network/pubsub-relay/internal/domain"
	"github.com/Shugur-Network/pubsub-relay/internal/identity"
	"github.com/Shugur-Network/pubsub-relay/internal/limiter"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/relay"
	"github.com/Shugur-Network/pubsub-relay/internal/storage"
	"github.com/Shugur-Network/pubsub-relay/internal/subscription"
	"github.com/Shugur-Network/pubsub-relay/internal/workers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Node ties together the various components needed to run one relay node.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config     *config.Config
	identity   *identity.NodeIdentity
	store      storage.Store
	registry   *subscription.Registry
	workerPool *workers.WorkerPool
	manager    *relay.Manager
	dispatcher *relay.Dispatcher
	upgrades   *limiter.UpgradeLimiter
	server     *relay.Server
	metricsSrv *http.Server

	startTime    time.Time
	shutdownOnce sync.Once
	shutdownErr  error
}

// Ensure Node implements domain.NodeInterface
var _ domain.NodeInterface = (*Node)(nil)

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config, id *identity.NodeIdentity) (*Node, error) {
	// 1) Construct a NodeBuilder
	builder := NewNodeBuilder(ctx, cfg, id)

	// 2) Open the store first
	if err := builder.BuildStore(); err != nil {
		return nil, fmt.Errorf("failed building store: %w", err)
	}

	// 3) Build worker pool
	builder.BuildWorkers()

	// 4) Build socket manager and dispatcher
	builder.BuildRelay()

	// 5) Build handshake validation
	builder.BuildAuth()

	// 6) Finally assemble the Node
	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start subscribes to store notifications and starts the background loops and
// HTTP servers. It returns once everything is launched.
func (n *Node) Start(ctx context.Context) error {
	if err := n.store.OnPublish(n.ctx, n.dispatcher.OnNotification); err != nil {
		logger.Error("Failed to subscribe to publish notifications", zap.Error(err))
		return err
	}

	go n.manager.RunHeartbeat(n.ctx)
	if n.upgrades != nil {
		go n.upgrades.Run(n.ctx, time.Minute)
	}

	if n.config.Metrics.Enabled {
		n.startMetricsServer()
	}

	go func() {
		addr := n.config.Server.WSAddr
		if err := n.server.ListenAndServe(n.ctx, addr); err != nil {
			logger.Error("Server error", zap.String("address", addr), zap.Error(err))
			n.cancel()
		}
	}()

	logger.Debug("Node started",
		zap.String("node_id", n.NodeID()),
		zap.String("ws_addr", n.config.Server.WSAddr))
	return nil
}

func (n *Node) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	n.metricsSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", n.config.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", zap.String("address", n.metricsSrv.Addr))
		if err := n.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

// Done is closed when the node stops, either through Shutdown or because the
// WebSocket server failed.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// Shutdown gracefully shuts down the node. Only the first call does any work;
// later calls return its result.
func (n *Node) Shutdown(ctx context.Context) error {
	n.shutdownOnce.Do(func() {
		n.shutdownErr = n.shutdown(ctx)
	})
	return n.shutdownErr
}

func (n *Node) shutdown(ctx context.Context) error {
	logger.Info("Initiating graceful shutdown...")
	var err error

	// Step 1: Stop accepting new connections
	if n.server != nil {
		logger.Debug("Stopping WebSocket server...")
		err = multierr.Append(err, n.server.Shutdown(ctx))
	}

	// Step 2: Close the open sockets with 1001
	logger.Debug("Closing sockets...")
	err = multierr.Append(err, n.manager.Shutdown(ctx))

	// Step 3: Cancel the node context, stopping notifications and background loops
	n.cancel()

	// Step 4: Drain pending acknowledgements
	logger.Debug("Waiting for worker pool to finish...")
	err = multierr.Append(err, n.workerPool.Stop(ctx))

	// Step 5: Metrics server
	if n.metricsSrv != nil {
		err = multierr.Append(err, n.metricsSrv.Shutdown(ctx))
	}

	// Step 6: Close the store
	logger.Debug("Closing message store...")
	err = multierr.Append(err, n.store.Close())

	if errs := multierr.Errors(err); len(errs) > 0 {
		logger.Warn("Node shutdown completed with errors",
			zap.Int("error_count", len(errs)),
			zap.Errors("errors", errs))
		return err
	}
	logger.Info("Node shutdown completed successfully",
		zap.Duration("uptime", time.Since(n.startTime)))
	return nil
}
