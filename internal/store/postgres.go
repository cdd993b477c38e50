package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lifeline/internal/config"
)

// Schema for the delivery records table:
//
//	CREATE TABLE notification_deliveries (
//	    message_id          TEXT PRIMARY KEY,
//	    subject_id          TEXT NOT NULL,
//	    status              TEXT NOT NULL,
//	    attempts            INT NOT NULL DEFAULT 0,
//	    reason              TEXT NOT NULL DEFAULT '',
//	    provider_message_id TEXT NOT NULL DEFAULT '',
//	    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
//	);

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx, so the
// same store code works inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the pgx-backed DeliveryStore.
type PostgresStore struct {
	db   DBTX
	pool *pgxpool.Pool // nil when constructed over a transaction
}

// NewPostgresStore connects a pgx pool using the store configuration.
func NewPostgresStore(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	return &PostgresStore{db: pool, pool: pool}, nil
}

// NewPostgresStoreWithDB wraps an existing pool or transaction, used by tests
// and transactional callers.
func NewPostgresStoreWithDB(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create implements DeliveryStore with an idempotent insert.
func (s *PostgresStore) Create(ctx context.Context, rec *DeliveryRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_deliveries
			(message_id, subject_id, status, attempts, reason, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING`,
		rec.MessageID, rec.SubjectID, rec.Status, rec.Attempts, rec.Reason, rec.ProviderMessageID,
	)
	if err != nil {
		return fmt.Errorf("store: create delivery record %s: %w", rec.MessageID, err)
	}
	return nil
}

// SetStatus implements DeliveryStore. NULLIF keeps prior reason and provider
// message ID when the new values are empty.
func (s *PostgresStore) SetStatus(ctx context.Context, messageID string, status RecordStatus, attempts int, reason, providerMessageID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = $2,
		    attempts = $3,
		    reason = COALESCE(NULLIF($4, ''), reason),
		    provider_message_id = COALESCE(NULLIF($5, ''), provider_message_id),
		    updated_at = now()
		WHERE message_id = $1`,
		messageID, status, attempts, reason, providerMessageID,
	)
	if err != nil {
		return fmt.Errorf("store: update delivery record %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements DeliveryStore.
func (s *PostgresStore) Get(ctx context.Context, messageID string) (*DeliveryRecord, error) {
	var rec DeliveryRecord
	err := s.db.QueryRow(ctx, `
		SELECT message_id, subject_id, status, attempts, reason, provider_message_id,
		       created_at, updated_at
		FROM notification_deliveries
		WHERE message_id = $1`,
		messageID,
	).Scan(&rec.MessageID, &rec.SubjectID, &rec.Status, &rec.Attempts, &rec.Reason,
		&rec.ProviderMessageID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get delivery record %s: %w", messageID, err)
	}
	return &rec, nil
}

// Ping implements DeliveryStore.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Close releases the underlying pool when this store owns one.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
