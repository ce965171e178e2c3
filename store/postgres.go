package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clipscribe/task"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id              TEXT PRIMARY KEY,
	status               TEXT NOT NULL,
	url                  TEXT NOT NULL,
	video_id             TEXT,
	title                TEXT,
	error                TEXT,
	transcript           TEXT,
	transcript_file_path TEXT,
	tags                 TEXT,
	category             TEXT,
	thumbnail_url        TEXT,
	thumbnail_local_path TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS tasks_created_at_idx ON tasks (created_at DESC);
`

// PostgresStore persists tasks in PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres establishes a connection pool and ensures the tasks table exists.
func ConnectPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, t *task.Task) (string, error) {
	if t.ID == "" {
		t.ID = task.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	args, err := insertArgs(t)
	if err != nil {
		return "", err
	}
	args = append(args, t.CreatedAt)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (`+columns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, args...)
	if err != nil {
		return "", &task.StoreError{Op: "insert", Err: err}
	}
	return t.ID, nil
}

func scanPostgres(row pgx.Row) (*task.Task, error) {
	var r taskRow
	var created time.Time
	if err := row.Scan(append(r.dests(), &created)...); err != nil {
		return nil, err
	}
	t, err := r.toTask()
	if err != nil {
		return nil, err
	}
	t.CreatedAt = created.UTC()
	return t, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM tasks WHERE task_id = $1`, id)
	t, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, &task.StoreError{Op: "get", Err: err}
	}
	return t, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, p task.Patch) error {
	q, args, err := buildUpdate(id, p, dollar)
	if err != nil {
		return err
	}
	if q == "" {
		_, err := s.Get(ctx, id)
		return err
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return &task.StoreError{Op: "update", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	q, args, err := buildList(opts, dollar)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, &task.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	tasks := []*task.Task{}
	for rows.Next() {
		t, err := scanPostgres(rows)
		if err != nil {
			return nil, &task.StoreError{Op: "list", Err: err}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &task.StoreError{Op: "list", Err: err}
	}
	return tasks, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, id)
	if err != nil {
		return &task.StoreError{Op: "delete", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}
