package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/streamio/transcoder/shared/postgresql"
)

// PostgresStore persists object records in the object_records table.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Store backed by the given PostgreSQL client.
func NewPostgresStore(pg *postgresql.Client, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     pg.GetDB(),
		logger: logger,
	}
}

func (s *PostgresStore) Upsert(ctx context.Context, objectKey, status string) error {
	query := `
		INSERT INTO object_records (object_key, status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (object_key)
		DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, objectKey, status); err != nil {
		return fmt.Errorf("failed to upsert object record: %w", err)
	}

	s.logger.Debug("Object record upserted",
		slog.String("object_key", objectKey),
		slog.String("status", status),
	)

	return nil
}

func (s *PostgresStore) Get(ctx context.Context, objectKey string) (*Record, error) {
	query := `
		SELECT object_key, status, updated_at
		FROM object_records
		WHERE object_key = $1
	`

	var rec Record
	if err := s.db.GetContext(ctx, &rec, query, objectKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object record: %w", err)
	}

	return &rec, nil
}
