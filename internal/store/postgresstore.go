package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/config"
)

const (
	defaultTokenTable = "jira_token_store"
	tokenRecordID     = "jira-oauth-token"
)

// PostgresTokenStore keeps the token set as a JSONB row in PostgreSQL.
type PostgresTokenStore struct {
	db     *sql.DB
	schema string
	table  string
	mu     sync.Mutex
}

// NewPostgresTokenStore connects, verifies the connection and creates the table when missing.
func NewPostgresTokenStore(ctx context.Context, cfg config.PostgresStoreConfig) (*PostgresTokenStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	store := newPostgresTokenStore(db, cfg)
	if err = store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresTokenStore(db *sql.DB, cfg config.PostgresStoreConfig) *PostgresTokenStore {
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultTokenTable
	}
	return &PostgresTokenStore{db: db, schema: strings.TrimSpace(cfg.Schema), table: table}
}

// Close releases the underlying database connection.
func (s *PostgresTokenStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the token table (and schema when provided).
func (s *PostgresTokenStore) EnsureSchema(ctx context.Context) error {
	if s.schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(s.schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.fullTableName())); err != nil {
		return fmt.Errorf("postgres store: create token table: %w", err)
	}
	return nil
}

// SaveTokenSet upserts the token row.
func (s *PostgresTokenStore) SaveTokenSet(ctx context.Context, ts *jira.TokenSet) error {
	if ts == nil {
		return fmt.Errorf("postgres store: token set is nil")
	}
	raw, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("postgres store: marshal token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err = s.db.ExecContext(ctx, s.upsertQuery(), tokenRecordID, json.RawMessage(raw)); err != nil {
		return fmt.Errorf("postgres store: upsert token record: %w", err)
	}
	return nil
}

// LoadTokenSet reads the token row, returning ErrNoToken when none exists.
func (s *PostgresTokenStore) LoadTokenSet(ctx context.Context) (*jira.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := fmt.Sprintf("SELECT content FROM %s WHERE id = $1", s.fullTableName())
	var payload string
	if err := s.db.QueryRowContext(ctx, query, tokenRecordID).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("postgres store: load token record: %w", err)
	}
	var ts jira.TokenSet
	if err := json.Unmarshal([]byte(payload), &ts); err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal token: %w", err)
	}
	return &ts, nil
}

// DeleteTokenSet removes the token row. A missing row is not an error.
func (s *PostgresTokenStore) DeleteTokenSet(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query, tokenRecordID); err != nil {
		return fmt.Errorf("postgres store: delete token record: %w", err)
	}
	return nil
}

func (s *PostgresTokenStore) upsertQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s (id, content, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.fullTableName())
}

func (s *PostgresTokenStore) fullTableName() string {
	if s.schema == "" {
		return quoteIdentifier(s.table)
	}
	return quoteIdentifier(s.schema) + "." + quoteIdentifier(s.table)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
