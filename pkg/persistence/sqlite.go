package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/colinrozzi/chat-state/pkg/conversation"
)

// SQLiteStore is the primary durable store: one snapshot row per
// conversation plus an append-only turn_log audit mirror.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ SnapshotStore = &SQLiteStore{}
	_ TurnLog       = &SQLiteStore{}
)

// SQLiteDSNForFile builds a file DSN with WAL and a busy timeout, which
// keeps concurrent checkpoint writers from tripping over each other.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite snapshot store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite snapshot store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite snapshot store: db is nil")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			conv_id TEXT PRIMARY KEY,
			saved_at_ms INTEGER NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turn_log (
			conv_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			turn_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			meta_json TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (conv_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS turn_log_by_conv ON turn_log(conv_id, seq ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite snapshot store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, convID string, data []byte) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite snapshot store: db is nil")
	}
	if strings.TrimSpace(convID) == "" {
		return errors.New("sqlite snapshot store: convID is empty")
	}
	if len(data) == 0 {
		return errors.New("sqlite snapshot store: empty payload")
	}
	if ctx == nil {
		return errors.New("sqlite snapshot store: ctx is nil")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots(conv_id, saved_at_ms, payload)
		VALUES(?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			saved_at_ms = excluded.saved_at_ms,
			payload = excluded.payload
	`, convID, time.Now().UnixMilli(), string(data))
	if err != nil {
		return errors.Wrap(err, "sqlite snapshot store: upsert snapshot")
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, convID string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("sqlite snapshot store: db is nil")
	}
	if strings.TrimSpace(convID) == "" {
		return nil, false, errors.New("sqlite snapshot store: convID is empty")
	}
	if ctx == nil {
		return nil, false, errors.New("sqlite snapshot store: ctx is nil")
	}

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE conv_id = ?`, convID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite snapshot store: query snapshot")
	}
	return []byte(payload), true, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite snapshot store: db is nil")
	}
	if ctx == nil {
		return nil, errors.New("sqlite snapshot store: ctx is nil")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT conv_id FROM snapshots ORDER BY conv_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite snapshot store: list snapshots")
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, convID string, t conversation.Turn) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite snapshot store: db is nil")
	}
	if strings.TrimSpace(convID) == "" {
		return errors.New("sqlite snapshot store: convID is empty")
	}
	if t.Seq <= 0 {
		return errors.New("sqlite snapshot store: turn has no seq")
	}
	if ctx == nil {
		return errors.New("sqlite snapshot store: ctx is nil")
	}

	metaJSON := "{}"
	if len(t.Meta) > 0 {
		b, err := json.Marshal(t.Meta)
		if err != nil {
			return errors.Wrap(err, "sqlite snapshot store: marshal turn meta")
		}
		metaJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO turn_log(conv_id, seq, turn_id, role, content, created_at_ms, meta_json)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, convID, t.Seq, t.ID, string(t.Role), t.Content, t.CreatedAt.UnixMilli(), metaJSON)
	if err != nil {
		return errors.Wrap(err, "sqlite snapshot store: insert turn_log row")
	}
	return nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, convID string) ([]conversation.Turn, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite snapshot store: db is nil")
	}
	if strings.TrimSpace(convID) == "" {
		return nil, errors.New("sqlite snapshot store: convID is empty")
	}
	if ctx == nil {
		return nil, errors.New("sqlite snapshot store: ctx is nil")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, turn_id, role, content, created_at_ms, meta_json
		FROM turn_log
		WHERE conv_id = ?
		ORDER BY seq ASC
	`, convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite snapshot store: query turn_log")
	}
	defer func() { _ = rows.Close() }()

	turns := []conversation.Turn{}
	for rows.Next() {
		var (
			t           conversation.Turn
			role        string
			createdAtMs int64
			metaJSON    string
		)
		if err := rows.Scan(&t.Seq, &t.ID, &role, &t.Content, &createdAtMs, &metaJSON); err != nil {
			return nil, err
		}
		t.Role = conversation.Role(role)
		t.CreatedAt = time.UnixMilli(createdAtMs).UTC()
		if metaJSON != "" && metaJSON != "{}" {
			meta := map[string]any{}
			if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
				return nil, errors.Wrap(err, "sqlite snapshot store: parse turn meta")
			}
			t.Meta = meta
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}
