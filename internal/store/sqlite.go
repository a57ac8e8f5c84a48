package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relay/internal/backoff"
	"relay/internal/domain"
)

// EnsureSchema creates the envelopes table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS envelopes (
  id TEXT PRIMARY KEY,
  queue_name TEXT NOT NULL,
  message_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','dead_lettered')) DEFAULT 'pending',
  attempt_count INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  last_error TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  next_attempt_at DATETIME,
  completed_at DATETIME,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_envelopes_claim ON envelopes(queue_name, status, next_attempt_at, created_at);
CREATE INDEX IF NOT EXISTS idx_envelopes_status ON envelopes(status);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

// NewSQLite returns a Store backed by an SQLite database. The caller owns
// the connection; EnsureSchema must have run.
func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

const envelopeColumns = `id,queue_name,message_type,payload,status,attempt_count,max_attempts,last_error,created_at,next_attempt_at,completed_at,updated_at`

func scanEnvelope(row interface{ Scan(...any) error }) (*domain.Envelope, error) {
	var (
		e         domain.Envelope
		lastErr   sql.NullString
		nextAt    sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&e.ID, &e.QueueName, &e.MessageType, &e.Payload, &e.Status,
		&e.AttemptCount, &e.MaxAttempts, &lastErr, &e.CreatedAt, &nextAt, &completed, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastErr.Valid {
		s := lastErr.String
		e.LastError = &s
	}
	if nextAt.Valid {
		t := nextAt.Time
		e.NextAttemptAt = &t
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

func (s *sqliteStore) Enqueue(ctx context.Context, env domain.Envelope) (string, error) {
	id := env.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	if env.MaxAttempts == 0 {
		env.MaxAttempts = backoff.DefaultMaxAttempts
	}
	now := time.Now().UTC()
	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var nextAt any
	if env.NextAttemptAt != nil {
		nextAt = env.NextAttemptAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO envelopes (id,queue_name,message_type,payload,status,attempt_count,max_attempts,created_at,next_attempt_at,updated_at)
VALUES (?,?,?,?, 'pending',0,?,?,?,?)
`, id, env.QueueName, env.MessageType, []byte(env.Payload), env.MaxAttempts, createdAt, nextAt, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (s *sqliteStore) ClaimNext(ctx context.Context, queue string, now time.Time) (*domain.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := s.db.QueryRowContext(ctx, `
SELECT `+envelopeColumns+`
FROM envelopes
WHERE queue_name = ? AND status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
ORDER BY created_at ASC, id ASC
LIMIT 1
`, queue, now.UTC())
		e, err := scanEnvelope(row)
		if err == sql.ErrNoRows {
			return nil, ErrEmpty
		}
		if err != nil {
			return nil, err
		}

		// Conditional write: losing the race to another claimer leaves zero
		// rows affected and we simply pick again.
		res, err := s.db.ExecContext(ctx, `
UPDATE envelopes SET status='processing', updated_at=? WHERE id = ? AND status = 'pending'
`, now.UTC(), e.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			e.Status = domain.StatusProcessing
			return e, nil
		}
	}
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes
SET status='completed', attempt_count=attempt_count+1, completed_at=?, updated_at=?
WHERE id = ? AND status = 'processing'
`, time.Now().UTC(), time.Now().UTC(), id)
	return oneRow(res, err)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes
SET status='pending', attempt_count=attempt_count+1, last_error=?, next_attempt_at=?, updated_at=?
WHERE id = ? AND status = 'processing'
`, lastError, nextAttemptAt.UTC(), time.Now().UTC(), id)
	return oneRow(res, err)
}

func (s *sqliteStore) MarkDeadLettered(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes
SET status='dead_lettered', attempt_count=attempt_count+1, last_error=?, next_attempt_at=NULL, updated_at=?
WHERE id = ? AND status = 'processing'
`, lastError, time.Now().UTC(), id)
	return oneRow(res, err)
}

func (s *sqliteStore) Release(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes SET status='pending', updated_at=? WHERE id = ? AND status = 'processing'
`, time.Now().UTC(), id)
	return oneRow(res, err)
}

func (s *sqliteStore) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes SET status='pending', updated_at=? WHERE status = 'processing' AND updated_at < ?
`, time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ListActiveQueues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT queue_name FROM envelopes WHERE status IN ('pending','processing') ORDER BY queue_name
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*domain.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?`, id)
	e, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *sqliteStore) List(ctx context.Context, q ListQuery) ([]*domain.Envelope, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + envelopeColumns + ` FROM envelopes WHERE 1=1`
	var args []any
	if q.Queue != "" {
		query += ` AND queue_name = ?`
		args = append(args, q.Queue)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes
SET status='pending', attempt_count=0, last_error=NULL, next_attempt_at=NULL, updated_at=?
WHERE id = ? AND status = 'dead_lettered'
`, time.Now().UTC(), id)
	return oneRow(res, err)
}

func (s *sqliteStore) Stats(ctx context.Context) ([]QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT queue_name, status, COUNT(*) FROM envelopes GROUP BY queue_name, status ORDER BY queue_name
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStats(rows)
}

type statRows interface {
	Next() bool
	Scan(...any) error
	Err() error
}

func collectStats(rows statRows) ([]QueueStats, error) {
	var (
		out   []QueueStats
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			queue  string
			status string
			count  int
		)
		if err := rows.Scan(&queue, &status, &count); err != nil {
			return nil, err
		}
		i, ok := index[queue]
		if !ok {
			i = len(out)
			index[queue] = i
			out = append(out, QueueStats{Queue: queue, Counts: map[domain.Status]int{}})
		}
		out[i].Counts[domain.Status(status)] = count
	}
	return out, rows.Err()
}

func oneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
