package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const messageColumns = `id, topic, payload, tag, ttl, received_at, expires_at`

// notifyPayload stays small; NOTIFY payloads are capped at 8000 bytes so the
// listener reads the message back by id.
type notifyPayload struct {
	ID       string `json:"id"`
	SocketID string `json:"socketId"`
	NodeID   string `json:"node"`
}

func (s *PostgresStore) Put(ctx context.Context, msg Message, socketID string) (Message, error) {
	if !s.isConnected() {
		return Message{}, fmt.Errorf("database is not connected")
	}
	msg, err := stamp(msg, s.maxTTL, s.now(), uuid.NewString)
	if err != nil {
		return Message{}, err
	}

	note, err := json.Marshal(notifyPayload{ID: msg.ID, SocketID: socketID, NodeID: s.nodeID})
	if err != nil {
		return Message{}, fmt.Errorf("encode notification: %w", err)
	}

	// the notification is only sent once the insert commits
	err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO relay_messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			msg.ID, msg.Topic, msg.Payload, msg.Tag, msg.TTL, msg.ReceivedAt, msg.ExpiresAt,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(note)); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil
	})
	observe("put", err)
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *PostgresStore) Get(ctx context.Context, topic string) ([]Message, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+messageColumns+` FROM relay_messages WHERE topic = $1 AND expires_at > $2 ORDER BY seq`,
		topic, s.now())
	if err != nil {
		observe("get", err)
		return nil, fmt.Errorf("query messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	observe("get", err)
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}

// getByID reads back a single message for a notification.
func (s *PostgresStore) getByID(ctx context.Context, id string) (Message, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+messageColumns+` FROM relay_messages WHERE id = $1`, id)
	if err != nil {
		return Message{}, err
	}
	return pgx.CollectExactlyOneRow(rows, scanMessage)
}

func scanMessage(row pgx.CollectableRow) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.Tag, &m.TTL, &m.ReceivedAt, &m.ExpiresAt)
	return m, err
}

func (s *PostgresStore) Ack(ctx context.Context, id string) error {
	now := s.now()
	keep := time.Duration(s.maxTTL) * time.Second
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO relay_acks (message_id, acked_at, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO UPDATE SET acked_at = EXCLUDED.acked_at`,
		id, now, now.Add(keep))
	observe("ack", err)
	return err
}

// CleanExpiredMessages removes expired messages and acks.
func (s *PostgresStore) CleanExpiredMessages(ctx context.Context) (int, error) {
	if !s.isConnected() {
		return 0, fmt.Errorf("database is not connected")
	}
	now := s.now()

	result, err := s.Pool.Exec(ctx, `DELETE FROM relay_messages WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	if _, err := s.Pool.Exec(ctx, `DELETE FROM relay_acks WHERE expires_at <= $1`, now); err != nil {
		return int(result.RowsAffected()), fmt.Errorf("failed to delete expired acks: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// StartExpiredMessagesCleaner starts a background goroutine to clean expired messages periodically
func (s *PostgresStore) StartExpiredMessagesCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := s.CleanExpiredMessages(ctx)
				if err != nil {
					s.log.Error("Failed to clean expired messages", zap.Error(err))
				} else if count > 0 {
					s.log.Info("Cleaned expired messages", zap.Int("count", count))
				}
			}
		}
	}()
}
