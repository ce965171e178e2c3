package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clipscribe/task"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
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
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_created_at_idx ON tasks (created_at);
`

// SQLiteStore persists tasks in a SQLite database. created_at is kept as unix nanoseconds
// so ordering is numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, t *task.Task) (string, error) {
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
	args = append(args, t.CreatedAt.UnixNano())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+columns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return "", &task.StoreError{Op: "insert", Err: err}
	}
	return t.ID, nil
}

func scanSQLite(row interface{ Scan(...any) error }) (*task.Task, error) {
	var r taskRow
	var created int64
	if err := row.Scan(append(r.dests(), &created)...); err != nil {
		return nil, err
	}
	t, err := r.toTask()
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	return t, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, &task.StoreError{Op: "get", Err: err}
	}
	return t, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p task.Patch) error {
	q, args, err := buildUpdate(id, p, question)
	if err != nil {
		return err
	}
	if q == "" {
		_, err := s.Get(ctx, id)
		return err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return &task.StoreError{Op: "update", Err: err}
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return &task.StoreError{Op: "update", Err: err}
	}
	if rows == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	q, args, err := buildList(opts, question)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &task.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	tasks := []*task.Task{}
	for rows.Next() {
		t, err := scanSQLite(rows)
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

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id)
	if err != nil {
		return &task.StoreError{Op: "delete", Err: err}
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return &task.StoreError{Op: "delete", Err: err}
	}
	if rows == 0 {
		return notFound(id)
	}
	return nil
}
