package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"taskmaster/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	category    TEXT NOT NULL,
	ord         INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	deadline    TEXT NOT NULL DEFAULT '',
	done        INTEGER NOT NULL DEFAULT 0,
	extra       TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_tasks_bucket ON tasks(owner, category, ord);
`

const taskColumns = "id, owner, category, ord, created_at, title, description, deadline, done, extra, version"

// SQLiteStore persists tasks in a SQLite database. Commit runs in one SQL
// transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := InitSQLite(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// InitSQLite creates the tasks table and bucket index, adding the extra
// column to databases created before it existed.
func InitSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pragma_table_info('tasks') WHERE name = 'extra'").Scan(&n); err != nil {
		return fmt.Errorf("inspecting schema: %w", err)
	}
	if n == 0 {
		if _, err := db.ExecContext(ctx, "ALTER TABLE tasks ADD COLUMN extra TEXT NOT NULL DEFAULT ''"); err != nil {
			return fmt.Errorf("adding extra column: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t       domain.Task
		done    int
		extra   string
		version int64
	)
	if err := r.Scan(&t.ID, &t.Owner, &t.Category, &t.Order, &t.CreatedAt, &t.Title, &t.Description, &t.Deadline, &done, &extra, &version); err != nil {
		return domain.Task{}, err
	}
	t.Done = done != 0
	var err error
	if t.Extra, err = decodeExtra(extra); err != nil {
		return domain.Task{}, fmt.Errorf("task %s extra fields: %w", t.ID, err)
	}
	t.Version = strconv.FormatInt(version, 10)
	return t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, sqliteErr("get task", err)
	}
	return t, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, sqliteErr("query tasks", err)
	}
	defer rows.Close()
	out := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, sqliteErr("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("iterate tasks", err)
	}
	return out, nil
}

func (s *SQLiteStore) FindBucket(ctx context.Context, owner, category string) ([]domain.Task, error) {
	return s.query(ctx, "SELECT "+taskColumns+" FROM tasks WHERE owner = ? AND category = ? ORDER BY ord", owner, category)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	return s.query(ctx, "SELECT "+taskColumns+" FROM tasks WHERE owner = ? ORDER BY ord", owner)
}

func (s *SQLiteStore) InsertTask(ctx context.Context, t domain.Task) (string, error) {
	if err := insertTask(ctx, s.db, t.Owner, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, db execer, owner string, t domain.Task) error {
	done := 0
	if t.Done {
		done = 1
	}
	extra, err := encodeExtra(t.Extra)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)",
		t.ID, owner, t.Category, t.Order, t.CreatedAt, t.Title, t.Description, t.Deadline, done, extra)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: task %s already exists", domain.ErrConflict, t.ID)
		}
		return sqliteErr("insert task", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, sqliteErr("beginning transaction", err)
	}
	defer tx.Rollback()

	cur, err := scanTask(tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, sqliteErr("get task", err)
	}
	if patch.Empty() {
		return cur, nil
	}
	patch.Apply(&cur)
	extra, err := encodeExtra(cur.Extra)
	if err != nil {
		return domain.Task{}, err
	}
	done := 0
	if cur.Done {
		done = 1
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE tasks SET title = ?, description = ?, deadline = ?, done = ?, extra = ?, version = version + 1 WHERE id = ?",
		cur.Title, cur.Description, cur.Deadline, done, extra, id)
	if err != nil {
		return domain.Task{}, sqliteErr("update task", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, sqliteErr("committing transaction", err)
	}
	return s.GetTask(ctx, id)
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return sqliteErr("delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Commit(ctx context.Context, owner string, writes []domain.Write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr("beginning transaction", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		switch w.Kind {
		case domain.WriteShift:
			_, err := tx.ExecContext(ctx,
				"UPDATE tasks SET ord = ord + ?, version = version + 1 WHERE owner = ? AND category = ? AND ord >= ?",
				w.Delta, owner, w.Category, w.From)
			if err != nil {
				return sqliteErr("shift bucket", err)
			}
		case domain.WriteInsert:
			if err := insertTask(ctx, tx, owner, w.Task); err != nil {
				return err
			}
		case domain.WriteSetPosition:
			q := "UPDATE tasks SET category = ?, ord = ?, version = version + 1 WHERE id = ? AND owner = ?"
			args := []any{w.Category, w.Order, w.ID, owner}
			if w.Version != "" {
				v, err := strconv.ParseInt(w.Version, 10, 64)
				if err != nil {
					return fmt.Errorf("%w: bad version %q", domain.ErrInvalidArgument, w.Version)
				}
				q += " AND version = ?"
				args = append(args, v)
			}
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return sqliteErr("set position", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: task %s changed since read", domain.ErrConflict, w.ID)
			}
		default:
			return fmt.Errorf("%w: unknown write kind %d", domain.ErrInvalidArgument, w.Kind)
		}
	}
	if err := tx.Commit(); err != nil {
		return sqliteErr("committing transaction", err)
	}
	return nil
}

// sqliteErr maps lock contention onto ErrStoreUnavailable so callers may retry.
func sqliteErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
