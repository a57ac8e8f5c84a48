package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"relay/internal/backoff"
	"relay/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigratePostgres brings the envelopes schema up to date using the
// migrations embedded in the binary.
func MigratePostgres(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("init migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

type postgresStore struct{ db *sql.DB }

// NewPostgres returns a Store backed by PostgreSQL. The caller owns the
// connection; MigratePostgres must have run.
func NewPostgres(db *sql.DB) Store { return &postgresStore{db: db} }

func (s *postgresStore) Enqueue(ctx context.Context, env domain.Envelope) (string, error) {
	id := env.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	if env.MaxAttempts == 0 {
		env.MaxAttempts = backoff.DefaultMaxAttempts
	}
	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var nextAt any
	if env.NextAttemptAt != nil {
		nextAt = env.NextAttemptAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO envelopes (id, queue_name, message_type, payload, status, attempt_count, max_attempts, created_at, next_attempt_at)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7)
`, id, env.QueueName, env.MessageType, []byte(env.Payload), env.MaxAttempts, createdAt, nextAt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (s *postgresStore) ClaimNext(ctx context.Context, queue string, now time.Time) (*domain.Envelope, error) {
	// SKIP LOCKED makes the subselect race-free across process instances:
	// a row being claimed by someone else is invisible here.
	row := s.db.QueryRowContext(ctx, `
UPDATE envelopes SET status = 'processing', updated_at = now()
WHERE id = (
    SELECT id FROM envelopes
    WHERE queue_name = $1
      AND status = 'pending'
      AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+envelopeColumns, queue, now.UTC())
	e, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	return e, err
}

func (s *postgresStore) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes
SET status = 'completed', attempt_count = attempt_count + 1, completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'processing'
`, id)
	return oneRow(res, err)
}

func (s *postgresStore) MarkFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes
SET status = 'pending', attempt_count = attempt_count + 1, last_error = $2, next_attempt_at = $3, updated_at = now()
WHERE id = $1 AND status = 'processing'
`, id, lastError, nextAttemptAt.UTC())
	return oneRow(res, err)
}

func (s *postgresStore) MarkDeadLettered(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes
SET status = 'dead_lettered', attempt_count = attempt_count + 1, last_error = $2, next_attempt_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'processing'
`, id, lastError)
	return oneRow(res, err)
}

func (s *postgresStore) Release(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes SET status = 'pending', updated_at = now() WHERE id = $1 AND status = 'processing'
`, id)
	return oneRow(res, err)
}

func (s *postgresStore) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes SET status = 'pending', updated_at = now() WHERE status = 'processing' AND updated_at < $1
`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *postgresStore) ListActiveQueues(ctx context.Context) ([]string, error) {
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

func (s *postgresStore) Get(ctx context.Context, id string) (*domain.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = $1`, id)
	e, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *postgresStore) List(ctx context.Context, q ListQuery) ([]*domain.Envelope, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + envelopeColumns + ` FROM envelopes WHERE 1=1`
	var args []any
	if q.Queue != "" {
		args = append(args, q.Queue)
		query += fmt.Sprintf(` AND queue_name = $%d`, len(args))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

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

func (s *postgresStore) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE envelopes
SET status = 'pending', attempt_count = 0, last_error = NULL, next_attempt_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'dead_lettered'
`, id)
	return oneRow(res, err)
}

func (s *postgresStore) Stats(ctx context.Context) ([]QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT queue_name, status, COUNT(*) FROM envelopes GROUP BY queue_name, status ORDER BY queue_name
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStats(rows)
}
