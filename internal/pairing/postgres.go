package pairing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/chatgate/internal/channel"
)

// PostgresStore persists pairing state in PostgreSQL so several gateway
// replicas share approvals.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore migrates the schema and connects a pool. dsn must be a
// postgres:// or postgresql:// URL.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	migrateURL, err := pgxMigrateURL(dsn)
	if err != nil {
		return nil, err
	}
	if err := runMigrations("postgres", migrateURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func pgxMigrateURL(dsn string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return "", fmt.Errorf("parse postgres dsn: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
	default:
		return "", fmt.Errorf("postgres dsn must be a postgres:// url, got scheme %q", u.Scheme)
	}
	u.Scheme = "pgx5"
	return u.String(), nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, ch channel.ChannelType) ([]Request, error) {
	query := `SELECT id::text, channel, account_id, sender_id, code, created_at, last_seen_at, meta
		FROM pairing_requests`
	args := []any{}
	if ch != "" {
		query += ` WHERE channel = $1`
		args = append(args, ch.String())
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairing requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var (
			req    Request
			chName string
			meta   []byte
		)
		if err := rows.Scan(&req.ID, &chName, &req.AccountID, &req.SenderID, &req.Code, &req.CreatedAt, &req.LastSeenAt, &meta); err != nil {
			return nil, fmt.Errorf("scan pairing request: %w", err)
		}
		req.Channel = channel.ChannelType(chName)
		req.Meta = decodeMeta(meta)
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutRequest(ctx context.Context, req Request) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pairing_requests (id, channel, account_id, sender_id, code, created_at, last_seen_at, meta)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8::jsonb)
		 ON CONFLICT (id) DO UPDATE SET
		   code = EXCLUDED.code,
		   last_seen_at = EXCLUDED.last_seen_at,
		   meta = EXCLUDED.meta`,
		req.ID, req.Channel.String(), req.AccountID, req.SenderID, req.Code,
		req.CreatedAt.UTC(), req.LastSeenAt.UTC(), string(encodeMeta(req.Meta)),
	)
	if err != nil {
		return fmt.Errorf("upsert pairing request: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pairing_requests WHERE id = $1::uuid`, id); err != nil {
		return fmt.Errorf("delete pairing request: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAllowFrom(ctx context.Context, ch channel.ChannelType, accountID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sender_id FROM pairing_allow_from WHERE channel = $1 AND account_id = $2 ORDER BY created_at, sender_id`,
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

func (s *PostgresStore) AddAllowFrom(ctx context.Context, ch channel.ChannelType, accountID, senderID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pairing_allow_from (channel, account_id, sender_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		ch.String(), accountID, senderID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert allow-from: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
