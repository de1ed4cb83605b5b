// Package sqlite implements mirage.SessionStorage and mirage.ApprovalLog
// using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mirage "github.com/ardelia/mirage"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists session documents and approval records in a local
// SQLite file. Message trees are stored as a JSON column; sessions are
// loaded whole, so per-message rows would buy nothing.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ mirage.SessionStorage = (*Store)(nil)
var _ mirage.ApprovalLog = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			system_prompt TEXT,
			model TEXT,
			current_leaf TEXT,
			messages TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			tool_name TEXT NOT NULL,
			args TEXT,
			risk INTEGER NOT NULL,
			approved INTEGER NOT NULL,
			reason TEXT,
			decided_by TEXT,
			decided_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save inserts or replaces a session document.
func (s *Store) Save(ctx context.Context, doc *mirage.SessionDocument) error {
	start := time.Now()

	msgs, err := json.Marshal(doc.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, system_prompt, model, current_leaf, messages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.SessionID, doc.SystemPrompt, doc.Model, doc.CurrentLeaf, string(msgs), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save session failed", "id", doc.SessionID, "error", err)
		return fmt.Errorf("save session: %w", err)
	}
	s.logger.Debug("sqlite: session saved", "id", doc.SessionID, "messages", len(doc.Messages), "duration", time.Since(start))
	return nil
}

// Load reads a session document by id.
func (s *Store) Load(ctx context.Context, sessionID string) (*mirage.SessionDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, system_prompt, model, current_leaf, messages, created_at, updated_at
		 FROM sessions WHERE id = ?`, sessionID)

	var doc mirage.SessionDocument
	var msgs string
	err := row.Scan(&doc.SessionID, &doc.SystemPrompt, &doc.Model, &doc.CurrentLeaf, &msgs, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("load %s: %w", sessionID, mirage.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal([]byte(msgs), &doc.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return &doc, nil
}

// Exists reports whether a session with the given id is stored.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n > 0, nil
}

// Delete removes a session document. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns all stored session ids, most recently updated first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY updated_at DESC`)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO approvals (id, session_id, tool_name, args, risk, approved, reason, decided_by, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.ToolName, rec.Args, int(rec.Risk), boolToInt(rec.Approved), rec.Reason, rec.DecidedBy, rec.DecidedAt,
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
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY decided_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []mirage.ApprovalRecord
	for rows.Next() {
		var rec mirage.ApprovalRecord
		var risk, approved int
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ToolName, &rec.Args, &risk, &approved, &rec.Reason, &rec.DecidedBy, &rec.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		rec.Risk = mirage.RiskLevel(risk)
		rec.Approved = approved != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
