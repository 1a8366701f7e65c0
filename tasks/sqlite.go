package tasks

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/logging"
)

const taskColumns = `id, title, description, status, priority, metadata, project_id, created_at, updated_at`
const attachmentColumns = `id, task_id, document_id, filename, description, attached_at`

// SQLiteStore is a Store backed by a single SQLite database file.
// All callers share one connection; SQLite serializes writers and the
// store retries transient lock errors.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	log    *logging.Logger
	clock  *clock
	retry  int
	closed atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and runs any
// pending migrations. ":memory:" opens a private in-memory database.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.InvalidInput("database path is required", errors.WithMetadata("field", "path"))
	}
	o := applyOptions(opts)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Storage("create database directory", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Storage("open sqlite database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, path: path, log: o.logger, clock: o.clock, retry: o.busyRetries}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrateSQLite(db, s.log); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("store_opened", map[string]interface{}{"driver": "sqlite", "path": path})
	return s, nil
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the connection. Closing twice is a no-op.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Storage("close sqlite database", err)
	}
	s.log.Info("store_closed", map[string]interface{}{"path": s.path})
	return nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Storage(fmt.Sprintf("set pragma %q", q), err)
		}
	}
	return nil
}

// withTx runs f in a transaction, retrying the whole transaction while the
// database is locked.
func (s *SQLiteStore) withTx(ctx context.Context, op string, f func(tx *sql.Tx) error) error {
	if s.closed.Load() {
		return closedErr(op)
	}
	err := retryOnBusy(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	return s.fail(op, err)
}

// fail classifies a driver error. Structured errors pass through.
func (s *SQLiteStore) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.AsTaskError(err) != nil {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, op+" interrupted", errors.WithOp(op))
	}
	if isSQLiteBusy(err) {
		return errors.Busy("database is locked", err, errors.WithOp(op))
	}
	return errors.Storage(op+" failed", err, errors.WithOp(op))
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, backing off
// exponentially from 50ms up to 500ms with jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if stderrors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	if stderrors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                    Task
		status               string
		desc, meta, project  sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.Title, &desc, &status, &t.Priority, &meta, &project, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Status = Status(status)
	t.ProjectID = project.String
	if meta.Valid {
		m, err := decodeMetadata([]byte(meta.String))
		if err != nil {
			return nil, err
		}
		t.Metadata = m
	}
	var err error
	if t.CreatedAt, err = ParseTimestamp(createdAt); err != nil {
		return nil, errors.Corruption("invalid created_at", err)
	}
	if t.UpdatedAt, err = ParseTimestamp(updatedAt); err != nil {
		return nil, errors.Corruption("invalid updated_at", err)
	}
	return &t, nil
}

func scanAttachment(row rowScanner) (*Attachment, error) {
	var (
		a                     Attachment
		filename, description sql.NullString
		attachedAt            string
	)
	if err := row.Scan(&a.ID, &a.TaskID, &a.DocumentID, &filename, &description, &attachedAt); err != nil {
		return nil, err
	}
	a.Filename = filename.String
	a.Description = description.String
	t, err := ParseTimestamp(attachedAt)
	if err != nil {
		return nil, errors.Corruption("invalid attached_at", err)
	}
	a.AttachedAt = t
	return &a, nil
}

// Create inserts a pending task and returns its id.
func (s *SQLiteStore) Create(ctx context.Context, n NewTask) (int64, error) {
	if err := n.Validate(); err != nil {
		return 0, err
	}
	meta, err := encodeMetadata(n.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.withTx(ctx, "create", func(tx *sql.Tx) error {
		now := FormatTimestamp(s.clock.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (title, description, status, priority, metadata, project_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n.Title, nullString(n.Description), StatusPending, n.Priority, nullBytes(meta),
			nullString(n.ProjectID), now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.log.TaskEvent("task_created", id, map[string]interface{}{"priority": n.Priority, "project_id": n.ProjectID})
	return id, nil
}

// Get returns the task or nil when it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Task, error) {
	var t *Task
	err := s.withTx(ctx, "get", func(tx *sql.Tx) error {
		var err error
		t, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if stderrors.Is(err, sql.ErrNoRows) {
			t = nil
			return nil
		}
		return err
	})
	return t, err
}

// List returns tasks matching opts.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, opts.ProjectID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if opts.byPriority() {
		query += " ORDER BY priority DESC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	var out []*Task
	err := s.withTx(ctx, "list", func(tx *sql.Tx) error {
		out = out[:0]
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies p to the task. It reports false when the task does not
// exist or the patch is empty.
func (s *SQLiteStore) Update(ctx context.Context, id int64, p Patch) (bool, error) {
	if p.IsEmpty() {
		return false, nil
	}
	if err := p.Validate(); err != nil {
		return false, err
	}

	var (
		sets []string
		args []any
	)
	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullString(*p.Description))
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *p.Priority)
	}
	if p.Metadata != nil {
		meta, err := encodeMetadata(*p.Metadata)
		if err != nil {
			return false, err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, nullBytes(meta))
	}
	if p.ProjectID != nil {
		sets = append(sets, "project_id = ?")
		args = append(args, nullString(*p.ProjectID))
	}

	var updated bool
	err := s.withTx(ctx, "update", func(tx *sql.Tx) error {
		stmtArgs := append(append([]any{}, args...), FormatTimestamp(s.clock.Now()), id)
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET `+strings.Join(sets, ", ")+`, updated_at = ? WHERE id = ?`, stmtArgs...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = n > 0
		return err
	})
	if err != nil {
		return false, err
	}
	if updated {
		s.log.TaskEvent("task_updated", id, nil)
	}
	return updated, nil
}

// Delete removes the task and, through the foreign key, its attachments.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, "delete", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.log.TaskEvent("task_deleted", id, nil)
	}
	return deleted, nil
}

// Claim selects and transitions the next pending task in one statement.
// The status guard in the outer WHERE keeps the update a no-op if another
// writer got there first.
func (s *SQLiteStore) Claim(ctx context.Context, projectID string) (*Task, error) {
	var t *Task
	err := s.withTx(ctx, "claim", func(tx *sql.Tx) error {
		var err error
		t, err = scanTask(tx.QueryRowContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE id = (
				SELECT id FROM tasks
				WHERE status = ? AND (? = '' OR project_id = ?)
				ORDER BY priority DESC, created_at ASC, id ASC
				LIMIT 1
			) AND status = ?
			RETURNING `+taskColumns,
			StatusInProgress, FormatTimestamp(s.clock.Now()),
			StatusPending, projectID, projectID, StatusPending))
		if stderrors.Is(err, sql.ErrNoRows) {
			t = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if t != nil {
		s.log.TaskEvent("task_claimed", t.ID, map[string]interface{}{"priority": t.Priority, "project_id": t.ProjectID})
	}
	return t, nil
}

// Stats counts tasks by status.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.withTx(ctx, "stats", func(tx *sql.Tx) error {
		st = Stats{}
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			st.add(Status(status), n)
		}
		return rows.Err()
	})
	return st, err
}

// Attach links a document to an existing task.
func (s *SQLiteStore) Attach(ctx context.Context, taskID int64, a AttachmentInput) (int64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}

	var id int64
	err := s.withTx(ctx, "attach", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists)
		if stderrors.Is(err, sql.ErrNoRows) {
			return notFound("task", taskID, "attach")
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_attachments (task_id, document_id, filename, description, attached_at)
			VALUES (?, ?, ?, ?, ?)`,
			taskID, a.DocumentID, nullString(a.Filename), nullString(a.Description),
			FormatTimestamp(s.clock.Now()))
		if err != nil {
			if isForeignKeyViolation(err) {
				return notFound("task", taskID, "attach")
			}
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.log.TaskEvent("document_attached", taskID, map[string]interface{}{"attachment_id": id, "document_id": a.DocumentID})
	return id, nil
}

// ListAttachments returns a task's attachments, newest first.
func (s *SQLiteStore) ListAttachments(ctx context.Context, taskID int64) ([]*Attachment, error) {
	var out []*Attachment
	err := s.withTx(ctx, "list_attachments", func(tx *sql.Tx) error {
		out = out[:0]
		rows, err := tx.QueryContext(ctx, `
			SELECT `+attachmentColumns+` FROM task_attachments
			WHERE task_id = ?
			ORDER BY attached_at DESC, id DESC`, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAttachment(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAttachment returns the attachment or nil when it does not exist.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	var a *Attachment
	err := s.withTx(ctx, "get_attachment", func(tx *sql.Tx) error {
		var err error
		a, err = scanAttachment(tx.QueryRowContext(ctx,
			`SELECT `+attachmentColumns+` FROM task_attachments WHERE id = ?`, id))
		if stderrors.Is(err, sql.ErrNoRows) {
			a = nil
			return nil
		}
		return err
	})
	return a, err
}

// RemoveAttachment deletes one attachment.
func (s *SQLiteStore) RemoveAttachment(ctx context.Context, id int64) (bool, error) {
	var removed bool
	err := s.withTx(ctx, "remove_attachment", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM task_attachments WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	if err != nil {
		return false, err
	}
	if removed {
		s.log.Info("document_detached", map[string]interface{}{"attachment_id": id})
	}
	return removed, nil
}
