package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/mcproxy/internal/domain"
)

const sessionLogSchema = `
CREATE TABLE IF NOT EXISTS session_log_entries (
	id         UUID PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_log_entries_session_idx
	ON session_log_entries (session_id, created_at);
`

type SessionLogRepo struct {
	pool *pgxpool.Pool
}

func NewSessionLogRepo(pool *pgxpool.Pool) *SessionLogRepo {
	return &SessionLogRepo{pool: pool}
}

func (r *SessionLogRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, sessionLogSchema); err != nil {
		return fmt.Errorf("sessionLogRepo.EnsureSchema: %w", err)
	}
	return nil
}

func (r *SessionLogRepo) Append(ctx context.Context, entry *domain.SessionLogEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_log_entries (id, session_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.SessionID, string(entry.EventType), []byte(entry.Payload), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sessionLogRepo.Append: %w", err)
	}
	return nil
}

func (r *SessionLogRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.SessionLogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM session_log_entries WHERE session_id = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sessionLogRepo.ListBySession: %w", err)
	}
	defer rows.Close()

	var entries []*domain.SessionLogEntry
	for rows.Next() {
		var (
			e         domain.SessionLogEntry
			eventType string
			payload   []byte
		)
		if err = rows.Scan(&e.ID, &e.SessionID, &eventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sessionLogRepo.ListBySession: scan: %w", err)
		}
		e.EventType = domain.EventType(eventType)
		e.Payload = payload
		entries = append(entries, &e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionLogRepo.ListBySession: rows: %w", err)
	}

	return entries, nil
}

func (r *SessionLogRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_log_entries WHERE session_id = $1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sessionLogRepo.CountBySession: %w", err)
	}

	return count, nil
}
