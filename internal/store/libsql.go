package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepwise/pkg/schema"
)

// LibSQLArchive implements Archive on libSQL (embedded SQLite fork).
type LibSQLArchive struct {
	db *sql.DB
}

var _ Archive = (*LibSQLArchive)(nil)

// NewLibSQLArchive opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/history.db".
func NewLibSQLArchive(dbPath string) (*LibSQLArchive, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLArchive{db: db}, nil
}

// Close closes the database.
func (s *LibSQLArchive) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLArchive) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Sessions ---

// SaveSession inserts or updates a session row keyed by ID.
func (s *LibSQLArchive) SaveSession(ctx context.Context, rec *SessionRecord) error {
	if rec == nil || rec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "session record requires an id")
	}
	started := timeOrNow(rec.StartedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workflow, query, mode, status, total_steps, completed_steps,
			error_code, error_message, error_step, summary, output_dir, started_at, updated_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			completed_steps=excluded.completed_steps,
			error_code=excluded.error_code,
			error_message=excluded.error_message,
			error_step=excluded.error_step,
			summary=excluded.summary,
			output_dir=excluded.output_dir,
			updated_at=excluded.updated_at,
			finished_at=excluded.finished_at`,
		rec.ID, rec.Workflow, rec.Query, rec.Mode, rec.Status, rec.TotalSteps, rec.CompletedSteps,
		nullStr(rec.ErrorCode), nullStr(rec.ErrorMessage), nullInt(rec.ErrorStep), nullStr(rec.Summary),
		nullStr(rec.OutputDir), started, timeOrNow(rec.UpdatedAt), nullTime(rec.FinishedAt),
	)
	if err != nil {
		return storeError("save session", err)
	}
	return nil
}

// GetSession returns the archived session with the given id.
func (s *LibSQLArchive) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", id)
	}
	if err != nil {
		return nil, storeError("get session", err)
	}
	return rec, nil
}

// ListSessions returns sessions newest first.
func (s *LibSQLArchive) ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list sessions", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, storeError("scan session", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSessionsBefore removes sessions last updated before cutoff, along
// with their step outputs.
func (s *LibSQLArchive) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin prune", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM step_outputs WHERE session_id IN (SELECT id FROM sessions WHERE updated_at < ?)`, cutoff,
	); err != nil {
		_ = tx.Rollback()
		return 0, storeError("prune step outputs", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		_ = tx.Rollback()
		return 0, storeError("prune sessions", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit prune", err)
	}
	return res.RowsAffected()
}

// --- Step outputs ---

// SaveStepOutput records one step output. The parent session must exist.
func (s *LibSQLArchive) SaveStepOutput(ctx context.Context, rec *StepOutputRecord) error {
	if rec == nil || rec.SessionID == "" || rec.StepName == "" {
		return schema.NewError(schema.ErrCodeValidation, "step output record requires session id and step name")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_outputs (session_id, step_index, step_name, tool, model_used, status,
			summary, path, size, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, step_name) DO UPDATE SET
			status=excluded.status,
			model_used=excluded.model_used,
			summary=excluded.summary,
			path=excluded.path,
			size=excluded.size,
			duration_ms=excluded.duration_ms,
			error=excluded.error`,
		rec.SessionID, rec.StepIndex, rec.StepName, rec.Tool, nullStr(rec.ModelUsed), rec.Status,
		nullStr(rec.Summary), nullStr(rec.Path), rec.Size, rec.Duration.Milliseconds(), nullStr(rec.Error),
		timeOrNow(rec.CreatedAt),
	)
	if err != nil {
		return storeError("save step output", err)
	}
	return nil
}

// ListStepOutputs returns a session's step outputs in step order.
func (s *LibSQLArchive) ListStepOutputs(ctx context.Context, sessionID string) ([]*StepOutputRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, step_index, step_name, tool, model_used, status, summary, path, size,
			duration_ms, error, created_at
		 FROM step_outputs WHERE session_id = ? ORDER BY step_index, created_at`, sessionID,
	)
	if err != nil {
		return nil, storeError("list step outputs", err)
	}
	defer rows.Close()

	var out []*StepOutputRecord
	for rows.Next() {
		var (
			rec                       StepOutputRecord
			model, summary, path, msg sql.NullString
			durationMs                int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.StepIndex, &rec.StepName, &rec.Tool, &model, &rec.Status,
			&summary, &path, &rec.Size, &durationMs, &msg, &rec.CreatedAt); err != nil {
			return nil, storeError("scan step output", err)
		}
		rec.ModelUsed = model.String
		rec.Summary = summary.String
		rec.Path = path.String
		rec.Error = msg.String
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- Helpers ---

const sessionColumns = `id, workflow, query, mode, status, total_steps, completed_steps,
	error_code, error_message, error_step, summary, output_dir, started_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*SessionRecord, error) {
	var (
		rec                              SessionRecord
		errCode, errMsg, summary, outDir sql.NullString
		errStep                          sql.NullInt64
		finished                         sql.NullTime
	)
	if err := r.Scan(&rec.ID, &rec.Workflow, &rec.Query, &rec.Mode, &rec.Status, &rec.TotalSteps,
		&rec.CompletedSteps, &errCode, &errMsg, &errStep, &summary, &outDir,
		&rec.StartedAt, &rec.UpdatedAt, &finished); err != nil {
		return nil, err
	}
	rec.ErrorCode = errCode.String
	rec.ErrorMessage = errMsg.String
	rec.Summary = summary.String
	rec.OutputDir = outDir.String
	if errStep.Valid {
		idx := int(errStep.Int64)
		rec.ErrorStep = &idx
	}
	if finished.Valid {
		rec.FinishedAt = &finished.Time
	}
	return &rec, nil
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeSessionNotFound, "%s %q not found in archive", resource, id)
}

func storeError(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
