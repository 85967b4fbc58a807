package pairing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memohai/chatgate/internal/channel"
)

// SQLiteStore persists pairing state in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	if err := runMigrations("sqlite", "sqlite://"+path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, ch channel.ChannelType) ([]Request, error) {
	query := `SELECT id, channel, account_id, sender_id, code, created_at, last_seen_at, meta
		FROM pairing_requests`
	args := []any{}
	if ch != "" {
		query += ` WHERE channel = ?`
		args = append(args, ch.String())
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairing requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var (
			req                 Request
			chName, meta        string
			createdAt, lastSeen int64
		)
		if err := rows.Scan(&req.ID, &chName, &req.AccountID, &req.SenderID, &req.Code, &createdAt, &lastSeen, &meta); err != nil {
			return nil, fmt.Errorf("scan pairing request: %w", err)
		}
		req.Channel = channel.ChannelType(chName)
		req.CreatedAt = time.UnixMilli(createdAt)
		req.LastSeenAt = time.UnixMilli(lastSeen)
		req.Meta = decodeMeta([]byte(meta))
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutRequest(ctx context.Context, req Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_requests (id, channel, account_id, sender_id, code, created_at, last_seen_at, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   code = excluded.code,
		   last_seen_at = excluded.last_seen_at,
		   meta = excluded.meta`,
		req.ID, req.Channel.String(), req.AccountID, req.SenderID, req.Code,
		req.CreatedAt.UnixMilli(), req.LastSeenAt.UnixMilli(), string(encodeMeta(req.Meta)),
	)
	if err != nil {
		return fmt.Errorf("upsert pairing request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRequest(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pairing request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAllowFrom(ctx context.Context, ch channel.ChannelType, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id FROM pairing_allow_from WHERE channel = ? AND account_id = ? ORDER BY created_at, sender_id`,
		ch.String(), accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("query allow-from: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, fmt.Errorf("scan allow-from: %w", err)
		}
		out = append(out, sender)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddAllowFrom(ctx context.Context, ch channel.ChannelType, accountID, senderID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_allow_from (channel, account_id, sender_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		ch.String(), accountID, senderID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert allow-from: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeMeta(meta map[string]string) []byte {
	if len(meta) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func decodeMeta(data []byte) map[string]string {
	if len(data) == 0 {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal(data, &meta); err != nil || len(meta) == 0 {
		return nil
	}
	return meta
}
