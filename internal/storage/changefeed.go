package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const listenRetryDelay = 5 * time.Second

// OnPublish holds one pooled connection in LISTEN mode and hands every
// notification to fn. The listener reconnects until ctx is done or the store
// closes.
func (s *PostgresStore) OnPublish(ctx context.Context, fn NotificationHandler) error {
	conn, err := s.acquireListener(ctx)
	if err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.bgCtx, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()
		s.listen(listenCtx, conn, fn)
	}()

	s.log.Info("Listening for publish notifications", zap.String("channel", s.channel))
	return nil
}

func (s *PostgresStore) acquireListener(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w", s.channel, err)
	}
	return conn, nil
}

// listen owns conn; a LISTENing session never goes back to the pool.
func (s *PostgresStore) listen(ctx context.Context, conn *pgxpool.Conn, fn NotificationHandler) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Notification listener crashed", zap.Any("error", r))
		}
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err == nil {
			s.handleNotification(ctx, n.Payload, fn)
			continue
		}

		_ = conn.Hijack().Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		s.log.Error("Notification listener error, reconnecting",
			zap.Error(err), zap.Duration("retry_in", listenRetryDelay))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
			if conn, err = s.acquireListener(ctx); err == nil {
				break
			}
			s.log.Warn("Listener reconnect failed", zap.Error(err))
		}
	}
}

func (s *PostgresStore) handleNotification(ctx context.Context, payload string, fn NotificationHandler) {
	var note notifyPayload
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		s.log.Warn("Undecodable notification", zap.Error(err))
		return
	}
	msg, err := s.getByID(ctx, note.ID)
	observe("notify", err)
	if err != nil {
		s.log.Warn("Notified message is gone", zap.String("id", note.ID), zap.Error(err))
		return
	}
	metrics.StoreNotifications.Inc()
	fn(Notification{Message: msg, SocketID: note.SocketID, NodeID: note.NodeID})
}
