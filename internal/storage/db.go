package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/constants"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// PostgresStore keeps messages in relay_messages and carries notifications
// over LISTEN/NOTIFY.
type PostgresStore struct {
	Pool *pgxpool.Pool

	channel string
	maxTTL  int64
	nodeID  string
	now     func() time.Time
	log     *zap.Logger

	state   DBState
	stateMu sync.RWMutex

	bgCtx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// createPool applies the relay's pool sizing to the parsed URL.
func createPool(ctx context.Context, opts Options) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}
	if opts.Username != "" {
		config.ConnConfig.User = opts.Username
	}
	if opts.Password != "" {
		config.ConnConfig.Password = opts.Password
	}

	config.MaxConns = constants.DBPoolMaxConns
	config.MinConns = constants.DBPoolMinConns
	config.MaxConnLifetime = constants.DBConnMaxLifetime
	config.MaxConnIdleTime = constants.DBConnMaxIdleTime
	config.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	config.HealthCheckPeriod = 30 * time.Second

	return pgxpool.NewWithConfig(ctx, config)
}

// NewPostgresStore connects with retries, creates the schema and starts the
// expired message cleaner.
func NewPostgresStore(ctx context.Context, opts Options) (*PostgresStore, error) {
	s := &PostgresStore{
		channel: opts.prefix() + "_messages_added",
		maxTTL:  opts.MaxTTL,
		nodeID:  opts.NodeID,
		now:     opts.clock(),
		log:     logger.New("store.postgres"),
		state:   DBStateConnecting,
	}

	var err error
	backoff := constants.DBRetryDelay
	for attempt := 1; attempt <= constants.MaxDBRetries; attempt++ {
		var pool *pgxpool.Pool
		pool, err = createPool(ctx, opts)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				s.Pool = pool
				break
			}
			pool.Close()
		}

		s.log.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if s.Pool == nil {
		s.setState(DBStateClosed)
		return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", constants.MaxDBRetries, err)
	}
	s.setState(DBStateConnected)

	stat := s.Pool.Stat()
	s.log.Info("DB connected",
		zap.Int32("max_connections", stat.MaxConns()),
		zap.Int32("total_connections", stat.TotalConns()))

	if err := s.InitializeSchema(ctx); err != nil {
		s.Pool.Close()
		return nil, err
	}

	s.bgCtx, s.cancel = context.WithCancel(context.Background())
	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.StartExpiredMessagesCleaner(s.bgCtx, interval)
	return s, nil
}

func (s *PostgresStore) setState(state DBState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// isConnected checks if the database is in a connected state
func (s *PostgresStore) isConnected() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state == DBStateConnected
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	return s.Pool.Ping(ctx)
}

// Close stops the background workers and closes the pool.
func (s *PostgresStore) Close() error {
	s.stateMu.Lock()
	if s.state == DBStateDisconnecting || s.state == DBStateClosed {
		s.stateMu.Unlock()
		return nil
	}
	s.state = DBStateDisconnecting
	s.stateMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.Pool == nil {
		s.setState(DBStateClosed)
		return fmt.Errorf("database pool is nil")
	}
	s.Pool.Close()
	s.setState(DBStateClosed)
	s.log.Debug("Database connection closed")
	return nil
}

// Stats returns database connection pool statistics
func (s *PostgresStore) Stats() DatabaseStats {
	if s.Pool == nil {
		return DatabaseStats{}
	}
	stat := s.Pool.Stat()
	return DatabaseStats{
		OpenConnections:    int(stat.TotalConns()),
		InUse:              int(stat.AcquiredConns()),
		Idle:               int(stat.IdleConns()),
		MaxOpenConnections: int(stat.MaxConns()),
	}
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
}
