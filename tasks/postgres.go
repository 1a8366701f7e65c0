package tasks

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/logging"
)

// PostgresStore is a Store backed by a PostgreSQL connection pool.
// Claim relies on FOR UPDATE SKIP LOCKED, so many processes can share one
// database safely.
type PostgresStore struct {
	pool   *pgxpool.Pool
	log    *logging.Logger
	clock  *clock
	closed atomic.Bool
}

var _ Store = (*PostgresStore)(nil)

const pgTaskColumns = `id, title, description, status, priority, metadata, project_id, created_at, updated_at`
const pgAttachmentColumns = `id, task_id, document_id, filename, description, attached_at`

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.InvalidInput("postgres dsn is required", errors.WithMetadata("field", "dsn"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Storage("connect postgres", err)
	}
	s, err := NewPostgresStore(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool. The store takes ownership of
// the pool and closes it on Close.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	o := applyOptions(opts)
	// TIMESTAMPTZ keeps microseconds.
	o.clock.resolution = time.Microsecond
	s := &PostgresStore{pool: pool, log: o.logger, clock: o.clock}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	s.log.Info("store_opened", map[string]interface{}{"driver": "postgres"})
	return s, nil
}

// EnsureSchema runs any pending migrations over a short-lived
// database/sql connection. Concurrent callers serialize on the migrator's
// advisory lock.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return s.fail("migrate", err)
	}
	return migratePostgres(stdlib.OpenDB(*s.pool.Config().ConnConfig), s.log)
}

// Close closes the pool. Closing twice is a no-op.
func (s *PostgresStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
		s.log.Info("store_closed", map[string]interface{}{"driver": "postgres"})
	}
	return nil
}

func (s *PostgresStore) check(op string) error {
	if s.closed.Load() {
		return closedErr(op)
	}
	return nil
}

func (s *PostgresStore) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.AsTaskError(err) != nil {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, op+" interrupted", errors.WithOp(op))
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "55P03") {
		return errors.Busy("database is busy", err, errors.WithOp(op))
	}
	return errors.Storage(op+" failed", err, errors.WithOp(op))
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonbOrNil(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}

func scanPgTask(row pgx.Row) (*Task, error) {
	var (
		t             Task
		status        string
		desc, project *string
		meta          []byte
	)
	if err := row.Scan(&t.ID, &t.Title, &desc, &status, &t.Priority, &meta, &project, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if desc != nil {
		t.Description = *desc
	}
	if project != nil {
		t.ProjectID = *project
	}
	t.Status = Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	m, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	t.Metadata = m
	return &t, nil
}

func scanPgTaskRows(rows pgx.Rows) ([]*Task, error) {
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanPgAttachment(row pgx.Row) (*Attachment, error) {
	var (
		a                     Attachment
		filename, description *string
	)
	if err := row.Scan(&a.ID, &a.TaskID, &a.DocumentID, &filename, &description, &a.AttachedAt); err != nil {
		return nil, err
	}
	if filename != nil {
		a.Filename = *filename
	}
	if description != nil {
		a.Description = *description
	}
	a.AttachedAt = a.AttachedAt.UTC()
	return &a, nil
}

func (s *PostgresStore) Create(ctx context.Context, n NewTask) (int64, error) {
	if err := s.check("create"); err != nil {
		return 0, err
	}
	if err := n.Validate(); err != nil {
		return 0, err
	}
	meta, err := encodeMetadata(n.Metadata)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO tasks (title, description, status, priority, metadata, project_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $7)
		RETURNING id`,
		n.Title, textOrNil(n.Description), string(StatusPending), n.Priority, jsonbOrNil(meta),
		textOrNil(n.ProjectID), now).Scan(&id)
	if err != nil {
		return 0, s.fail("create", err)
	}
	s.log.TaskEvent("task_created", id, map[string]interface{}{"priority": n.Priority, "project_id": n.ProjectID})
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Task, error) {
	if err := s.check("get"); err != nil {
		return nil, err
	}
	t, err := scanPgTask(s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("get", err)
	}
	return t, nil
}

func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	if err := s.check("list"); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.ProjectID != "" {
		args = append(args, opts.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	query := `SELECT ` + pgTaskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if opts.byPriority() {
		query += " ORDER BY priority DESC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.fail("list", err)
	}
	out, err := scanPgTaskRows(rows)
	if err != nil {
		return nil, s.fail("list", err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, id int64, p Patch) (bool, error) {
	if err := s.check("update"); err != nil {
		return false, err
	}
	if p.IsEmpty() {
		return false, nil
	}
	if err := p.Validate(); err != nil {
		return false, err
	}

	args := []any{s.clock.Now()}
	sets := []string{"updated_at = $1"}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.Description != nil {
		add("description", textOrNil(*p.Description))
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Priority != nil {
		add("priority", *p.Priority)
	}
	if p.Metadata != nil {
		meta, err := encodeMetadata(*p.Metadata)
		if err != nil {
			return false, err
		}
		args = append(args, jsonbOrNil(meta))
		sets = append(sets, fmt.Sprintf("metadata = $%d::jsonb", len(args)))
	}
	if p.ProjectID != nil {
		add("project_id", textOrNil(*p.ProjectID))
	}
	args = append(args, id)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return false, s.fail("update", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	s.log.TaskEvent("task_updated", id, nil)
	return true, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) (bool, error) {
	if err := s.check("delete"); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return false, s.fail("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	s.log.TaskEvent("task_deleted", id, nil)
	return true, nil
}

// Claim locks the chosen row with SKIP LOCKED so concurrent claimers move
// on to the next candidate instead of waiting.
func (s *PostgresStore) Claim(ctx context.Context, projectID string) (*Task, error) {
	if err := s.check("claim"); err != nil {
		return nil, err
	}
	t, err := scanPgTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = $3 AND ($4::text = '' OR project_id = $4::text)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgTaskColumns,
		string(StatusInProgress), s.clock.Now(), string(StatusPending), projectID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("claim", err)
	}
	s.log.TaskEvent("task_claimed", t.ID, map[string]interface{}{"priority": t.Priority, "project_id": t.ProjectID})
	return t, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.check("stats"); err != nil {
		return Stats{}, err
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, s.fail("stats", err)
	}
	defer rows.Close()
	var st Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, s.fail("stats", err)
		}
		st.add(Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, s.fail("stats", err)
	}
	return st, nil
}

func (s *PostgresStore) Attach(ctx context.Context, taskID int64, a AttachmentInput) (int64, error) {
	if err := s.check("attach"); err != nil {
		return 0, err
	}
	if err := a.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_attachments (task_id, document_id, filename, description, attached_at)
		SELECT $1::bigint, $2::text, $3::text, $4::text, $5::timestamptz
		WHERE EXISTS (SELECT 1 FROM tasks WHERE id = $1)
		RETURNING id`,
		taskID, a.DocumentID, textOrNil(a.Filename), textOrNil(a.Description), s.clock.Now()).Scan(&id)
	var pgErr *pgconn.PgError
	switch {
	case stderrors.Is(err, pgx.ErrNoRows):
		return 0, notFound("task", taskID, "attach")
	case stderrors.As(err, &pgErr) && pgErr.Code == "23503":
		return 0, notFound("task", taskID, "attach")
	case err != nil:
		return 0, s.fail("attach", err)
	}
	s.log.TaskEvent("document_attached", taskID, map[string]interface{}{"attachment_id": id, "document_id": a.DocumentID})
	return id, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, taskID int64) ([]*Attachment, error) {
	if err := s.check("list_attachments"); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgAttachmentColumns+` FROM task_attachments
		WHERE task_id = $1
		ORDER BY attached_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, s.fail("list_attachments", err)
	}
	defer rows.Close()
	var out []*Attachment
	for rows.Next() {
		a, err := scanPgAttachment(rows)
		if err != nil {
			return nil, s.fail("list_attachments", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list_attachments", err)
	}
	return out, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	if err := s.check("get_attachment"); err != nil {
		return nil, err
	}
	a, err := scanPgAttachment(s.pool.QueryRow(ctx,
		`SELECT `+pgAttachmentColumns+` FROM task_attachments WHERE id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("get_attachment", err)
	}
	return a, nil
}

func (s *PostgresStore) RemoveAttachment(ctx context.Context, id int64) (bool, error) {
	if err := s.check("remove_attachment"); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_attachments WHERE id = $1`, id)
	if err != nil {
		return false, s.fail("remove_attachment", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	s.log.Info("document_detached", map[string]interface{}{"attachment_id": id})
	return true, nil
}
