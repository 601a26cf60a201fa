package storage

import (
	"context"
	_ "embed"
	"fmt"

	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaDDL string

// InitializeSchema creates the message and ack tables if they don't exist
func (s *PostgresStore) InitializeSchema(ctx context.Context) error {
	if !s.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	s.log.Info("Initializing database schema...")
	if _, err := s.Pool.Exec(ctx, schemaDDL); err != nil {
		s.log.Error("Failed to initialize database schema", zap.Error(err))
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s.VerifySchema(ctx)
}

// VerifySchema checks that the expected tables are present.
func (s *PostgresStore) VerifySchema(ctx context.Context) error {
	for _, table := range []string{"relay_messages", "relay_acks"} {
		var exists bool
		err := s.Pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to verify table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("table %s is missing", table)
		}
	}
	s.log.Info("Database schema initialized")
	return nil
}
