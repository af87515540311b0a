package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seriesme/seriesme-agent/internal/assemble"
)

const jobColumns = `id, state, progress, eta_seconds, error, script, image_path, image_mime,
	audio_path, use_tts, options, result, created_at, updated_at, finished_at`

// SQLiteRegistry stores jobs in the agent database. Updates run inside a
// transaction so concurrent writers serialize on the database lock.
type SQLiteRegistry struct {
	db *sql.DB
}

func NewSQLiteRegistry(db *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db}
}

func (r *SQLiteRegistry) Create(ctx context.Context, job *Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	var exists int
	err = r.db.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE id = ?", job.ID).Scan(&exists)
	if err == nil {
		return ErrExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	return err
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	return scanJob(row)
}

func (r *SQLiteRegistry) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}

	args, err := jobArgs(job)
	if err != nil {
		return nil, err
	}
	// id goes last for the WHERE clause
	args = append(args[1:], job.ID)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, progress = ?, eta_seconds = ?, error = ?, script = ?,
			image_path = ?, image_mime = ?, audio_path = ?, use_tts = ?, options = ?,
			result = ?, created_at = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`, args...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *SQLiteRegistry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
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

func (r *SQLiteRegistry) List(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var state, options, createdAt, updatedAt string
	var errMsg, audioPath, result, finishedAt sql.NullString
	var useTTS int

	err := row.Scan(&j.ID, &state, &j.Progress, &j.ETASeconds, &errMsg, &j.Script, &j.ImagePath, &j.ImageMIME,
		&audioPath, &useTTS, &options, &result, &createdAt, &updatedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	j.State = State(state)
	j.Error = errMsg.String
	j.AudioPath = audioPath.String
	j.UseTTS = useTTS == 1
	if err := json.Unmarshal([]byte(options), &j.Options); err != nil {
		return nil, fmt.Errorf("decode options for job %s: %w", j.ID, err)
	}
	if result.Valid && result.String != "" {
		j.Result = &assemble.ClipResult{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			return nil, fmt.Errorf("decode result for job %s: %w", j.ID, err)
		}
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	if finishedAt.Valid {
		j.FinishedAt = parseTime(finishedAt.String)
	}
	return &j, nil
}

func jobArgs(j *Job) ([]any, error) {
	options, err := json.Marshal(j.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	var result sql.NullString
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	var finishedAt sql.NullString
	if !j.FinishedAt.IsZero() {
		finishedAt = nullString(formatTime(j.FinishedAt))
	}
	return []any{
		j.ID, string(j.State), j.Progress, j.ETASeconds, nullString(j.Error), j.Script, j.ImagePath, j.ImageMIME,
		nullString(j.AudioPath), boolToInt(j.UseTTS), string(options), result,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), finishedAt,
	}, nil
}

// Fixed width so ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also accepts sqlite's datetime('now') layout.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.DateTime, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
