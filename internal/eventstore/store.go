// Package eventstore keeps a SQLite history of recognition sessions: the
// sign events each one accepted and the sentences it produced.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	_ "modernc.org/sqlite"
)

// SignRecord is one accepted sign.
type SignRecord struct {
	ID         int64
	SessionID  string
	Label      string
	Confidence float64
	EmittedAt  time.Time
}

// SentenceRecord is one flushed sentence.
type SentenceRecord struct {
	ID        int64
	SessionID string
	Text      string
	Tokens    []string
	Reason    string
	Rule      string
	FlushedAt time.Time
}

type Session struct {
	ID         string
	BackendURL string
	CreatedAt  time.Time
}

// Store is safe for concurrent use. In ephemeral mode every write is a
// no-op and every query returns nothing.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    backend_url TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS sign_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    label TEXT NOT NULL,
    confidence REAL NOT NULL,
    emitted_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS sentences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    tokens TEXT NOT NULL,
    reason TEXT,
    rule TEXT,
    flushed_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_sign_events_session ON sign_events(session_id, emitted_at);
CREATE INDEX IF NOT EXISTS idx_sentences_session ON sentences(session_id, flushed_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records the start of a pipeline run.
func (s *Store) BeginSession(ctx context.Context, sessionID, backendURL string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, backend_url, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET backend_url=excluded.backend_url`,
		sessionID, backendURL, s.clock().UTC())
	return err
}

func (s *Store) AppendSign(ctx context.Context, rec SignRecord) error {
	if !s.enabled() {
		return nil
	}
	if rec.EmittedAt.IsZero() {
		rec.EmittedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sign_events(session_id, label, confidence, emitted_at) VALUES(?, ?, ?, ?)`,
		rec.SessionID, rec.Label, rec.Confidence, rec.EmittedAt.UTC())
	return err
}

func (s *Store) AppendSentence(ctx context.Context, rec SentenceRecord) error {
	if !s.enabled() {
		return nil
	}
	if rec.FlushedAt.IsZero() {
		rec.FlushedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sentences(session_id, text, tokens, reason, rule, flushed_at) VALUES(?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Text, strings.Join(rec.Tokens, " "), rec.Reason, rec.Rule, rec.FlushedAt.UTC())
	return err
}

// ListSentences returns up to limit sentences, newest first. An empty
// sessionID lists across sessions.
func (s *Store) ListSentences(ctx context.Context, sessionID string, limit int) ([]SentenceRecord, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, session_id, text, tokens, reason, rule, flushed_at FROM sentences`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY flushed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SentenceRecord
	for rows.Next() {
		var (
			rec          SentenceRecord
			tokens       string
			reason, rule sql.NullString
			flushed      sqlTime
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Text, &tokens, &reason, &rule, &flushed); err != nil {
			return nil, err
		}
		rec.Tokens = strings.Fields(tokens)
		rec.Reason = reason.String
		rec.Rule = rule.String
		rec.FlushedAt = flushed.Time
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSigns returns a session's accepted signs in emission order.
func (s *Store) ListSigns(ctx context.Context, sessionID string, limit int) ([]SignRecord, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, label, confidence, emitted_at FROM sign_events
		 WHERE session_id = ? ORDER BY emitted_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignRecord
	for rows.Next() {
		var (
			rec     SignRecord
			emitted sqlTime
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Label, &rec.Confidence, &emitted); err != nil {
			return nil, err
		}
		rec.EmittedAt = emitted.Time
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Sessions lists recorded sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, backend_url, created_at FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			url     sql.NullString
			created sqlTime
		)
		if err := rows.Scan(&sess.ID, &url, &created); err != nil {
			return nil, err
		}
		sess.CreatedAt = created.Time
		sess.BackendURL = url.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Prune applies the configured retention. It runs on open and may be
// scheduled.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sign_events WHERE emitted_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sentences WHERE flushed_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// sqlTime accepts timestamps whether the driver hands them back parsed or
// as text.
type sqlTime struct{ time.Time }

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func (t *sqlTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = x
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	default:
		return fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func (t *sqlTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time = ts
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}
