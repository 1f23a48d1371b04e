package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/history"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS client_messages (
    seq        BIGSERIAL,
    id         TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    snapshot   JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transcript_messages (
    seq             BIGSERIAL PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    message         JSONB NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transcript_messages_conversation_idx ON transcript_messages (conversation_id, seq);
CREATE TABLE IF NOT EXISTS preferences (
    id         SMALLINT PRIMARY KEY,
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`

// PostgresStore is the PostgreSQL implementation of Repository.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// OpenPostgres connects a pool and prepares the schema.
func OpenPostgres(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveClientMessage(ctx context.Context, snap events.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode client message: %w", err)
	}
	sql := `
        INSERT INTO client_messages (id, request_id, snapshot, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET
            snapshot = EXCLUDED.snapshot,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := s.pool.Exec(ctx, sql, snap.ID, snap.RequestID, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert client message %s: %w", snap.ID, err)
	}
	return nil
}

func (s *PostgresStore) ClientMessages(ctx context.Context) ([]events.Snapshot, error) {
	query := `
        SELECT snapshot
        FROM client_messages
        ORDER BY seq ASC;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query client messages: %w", err)
	}
	defer rows.Close()

	out := []events.Snapshot{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan client message row: %w", err)
		}
		var snap events.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode client message: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// AppendTranscript copies the messages in one round trip inside a transaction.
func (s *PostgresStore) AppendTranscript(ctx context.Context, conversationID string, msgs ...history.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode transcript message %d: %w", i, err)
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		rows[i] = []any{conversationID, payload, created.UTC()}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"transcript_messages"},
		[]string{"conversation_id", "message", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy transcript messages: %w", err)
	}
	if int(copyCount) != len(msgs) {
		return fmt.Errorf("mismatch in copied transcript count: expected %d, got %d", len(msgs), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transcript(ctx context.Context, conversationID string) ([]history.Message, error) {
	query := `
        SELECT message
        FROM transcript_messages
        WHERE conversation_id = $1
        ORDER BY seq ASC;
    `
	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var out []history.Message
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan transcript row: %w", err)
		}
		var m history.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to decode transcript message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Preferences(ctx context.Context) (Preferences, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM preferences WHERE id = 1;`)
	if err != nil {
		return Preferences{}, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Preferences{}, fmt.Errorf("error during row iteration: %w", err)
		}
		return Preferences{}, ErrNotFound
	}
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return Preferences{}, fmt.Errorf("failed to scan preferences: %w", err)
	}
	var prefs Preferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return Preferences{}, fmt.Errorf("failed to decode preferences: %w", err)
	}
	return prefs, nil
}

func (s *PostgresStore) SavePreferences(ctx context.Context, prefs Preferences) error {
	payload, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	sql := `
        INSERT INTO preferences (id, data, updated_at)
        VALUES (1, $1, $2)
        ON CONFLICT (id) DO UPDATE SET
            data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := s.pool.Exec(ctx, sql, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, table := range []string{"client_messages", "transcript_messages"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+";"); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("All data has been reset")
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
