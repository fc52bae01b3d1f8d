package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chattalabs/chatta-core/internal/config"
	_ "modernc.org/sqlite"
)

// Checkpoint stages written by the speak and transcribe services.
const (
	StageRequestReceived  = "request_received"
	StageProviderSelected = "provider_selected"
	StagePlaybackStarted  = "playback_started"
	StageCompleted        = "completed"
	StageFailed           = "failed"
)

// Checkpoint records one stage transition of a voice session.
type Checkpoint struct {
	ID        int64
	SessionID string
	TraceID   string
	Provider  string
	Stage     string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed session checkpoint timeline. A stream that
// dies mid-flight leaves its last checkpoint behind for inspection.
type Store struct {
	db    *sql.DB
	cfg   config.SessionStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the checkpoint store according to config. Retention
// mode "ephemeral" yields a no-op store with no database behind it.
func Open(ctx context.Context, cfg config.SessionStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
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
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("session store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    kind TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    provider TEXT,
    stage TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session_created ON checkpoints(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSession makes sure a session row exists.
func (s *Store) EnsureSession(ctx context.Context, sessionID, kind string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, kind, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET kind=excluded.kind`,
		sessionID, kind, s.clock().UTC())
	return err
}

// AppendCheckpoint writes one stage transition into the store.
func (s *Store) AppendCheckpoint(ctx context.Context, cp Checkpoint) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(session_id, trace_id, provider, stage, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.TraceID, cp.Provider, cp.Stage, cp.Payload, cp.CreatedAt)
	return err
}

// ListCheckpoints retrieves up to limit checkpoints for a session in
// append order.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, provider, stage, payload, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var created string
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.TraceID, &cp.Provider, &cp.Stage, &cp.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			cp.CreatedAt = ts
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// Prune applies configured retention (called on startup and can be
// scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
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
	err = tx.Commit()
	return err
}

// Ensure verifies the ephemeral/no-op invariant.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
