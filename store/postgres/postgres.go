// Package postgres implements mirage.SessionStorage and mirage.ApprovalLog
// using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mirage "github.com/ardelia/mirage"
)

// Store persists session documents and approval records in PostgreSQL.
// Message trees are stored as a JSONB column; sessions are loaded whole,
// so per-message rows would buy nothing.
type Store struct {
	pool *pgxpool.Pool
}

var _ mirage.SessionStorage = (*Store)(nil)
var _ mirage.ApprovalLog = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			system_prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			current_leaf TEXT NOT NULL DEFAULT '',
			messages JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			args TEXT NOT NULL DEFAULT '',
			risk INT NOT NULL,
			approved BOOLEAN NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			decided_by TEXT NOT NULL DEFAULT '',
			decided_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Save inserts or updates a session document.
func (s *Store) Save(ctx context.Context, doc *mirage.SessionDocument) error {
	msgs, err := json.Marshal(doc.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, system_prompt, model, current_leaf, messages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			system_prompt = EXCLUDED.system_prompt,
			model = EXCLUDED.model,
			current_leaf = EXCLUDED.current_leaf,
			messages = EXCLUDED.messages,
			updated_at = EXCLUDED.updated_at`,
		doc.SessionID, doc.SystemPrompt, doc.Model, doc.CurrentLeaf, msgs, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load reads a session document by id.
func (s *Store) Load(ctx context.Context, sessionID string) (*mirage.SessionDocument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, system_prompt, model, current_leaf, messages, created_at, updated_at
		 FROM sessions WHERE id = $1`, sessionID)

	var doc mirage.SessionDocument
	var msgs []byte
	err := row.Scan(&doc.SessionID, &doc.SystemPrompt, &doc.Model, &doc.CurrentLeaf, &msgs, &doc.CreatedAt, &doc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("load %s: %w", sessionID, mirage.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal(msgs, &doc.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return &doc, nil
}

// Exists reports whether a session with the given id is stored.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return ok, nil
}

// Delete removes a session document. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns all stored session ids, most recently updated first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendApproval records one approval decision.
func (s *Store) AppendApproval(ctx context.Context, rec mirage.ApprovalRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approvals (id, session_id, tool_name, args, risk, approved, reason, decided_by, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.ToolName, rec.Args, int(rec.Risk), rec.Approved, rec.Reason, rec.DecidedBy, rec.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("append approval: %w", err)
	}
	return nil
}

// ListApprovals returns approval records for a session in decision order.
// An empty sessionID returns all records.
func (s *Store) ListApprovals(ctx context.Context, sessionID string) ([]mirage.ApprovalRecord, error) {
	query := `SELECT id, session_id, tool_name, args, risk, approved, reason, decided_by, decided_at
	          FROM approvals`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = $1`
		args = append(args, sessionID)
	}
	query += ` ORDER BY decided_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []mirage.ApprovalRecord
	for rows.Next() {
		var rec mirage.ApprovalRecord
		var risk int
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ToolName, &rec.Args, &risk, &rec.Approved, &rec.Reason, &rec.DecidedBy, &rec.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		rec.Risk = mirage.RiskLevel(risk)
		out = append(out, rec)
	}
	return out, rows.Err()
}
