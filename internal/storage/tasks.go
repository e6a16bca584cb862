package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

const taskColumns = `id, user_id, source_ref, status, error_json, language, duration_seconds,
	audio_path, transcript_text, segments_json, created_at, updated_at`

// CreateTask inserts a pending task unless a non-terminal task already exists
// for the same user and source, in which case that task is returned and
// created is false.
func (s *Store) CreateTask(ctx context.Context, userID int64, sourceRef string, durationSeconds *int) (task *types.Task, created bool, err error) {
	err = s.withTx(ctx, "create task", func(tx *sql.Tx) error {
		now := millis(s.now())
		id := uuid.New().String()

		var duration sql.NullInt64
		if durationSeconds != nil {
			duration = sql.NullInt64{Int64: int64(*durationSeconds), Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, user_id, source_ref, status, duration_seconds, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING;
		`, id, userID, sourceRef, string(types.StatusPending), duration, now, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1

		if !created {
			statuses, args := statusArgs([]types.Status{types.StatusCompleted, types.StatusFailed})
			query := fmt.Sprintf(`SELECT id FROM tasks WHERE user_id = ? AND source_ref = ? AND status NOT IN (%s)`, statuses)
			if err := tx.QueryRowContext(ctx, query, append([]any{userID, sourceRef}, args...)...).Scan(&id); err != nil {
				return fmt.Errorf("find active task: %w", err)
			}
		}
		task, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return task, created, nil
}

// FindActiveTask returns the user's non-terminal task for the source, or
// types.ErrTaskNotFound when there is none.
func (s *Store) FindActiveTask(ctx context.Context, userID int64, sourceRef string) (*types.Task, error) {
	statuses, args := statusArgs([]types.Status{types.StatusCompleted, types.StatusFailed})
	query := fmt.Sprintf(`SELECT id FROM tasks WHERE user_id = ? AND source_ref = ? AND status NOT IN (%s)`, statuses)

	var id string
	err := s.db.QueryRowContext(ctx, query, append([]any{userID, sourceRef}, args...)...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, storeErr("find active task", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask loads a task with its attempt counts and stage outputs
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	task, err := getTask(ctx, s.db, id)
	if errors.Is(err, types.ErrTaskNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	return task, nil
}

func getTask(ctx context.Context, q querier, id string) (*types.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `SELECT stage, attempts FROM stage_attempts WHERE task_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		task.Attempts[types.Stage(stage)] = n
	}
	return task, rows.Err()
}

func scanTask(scanFn func(dest ...any) error) (*types.Task, error) {
	var (
		t                     types.Task
		status                string
		errJSON, segmentsJSON sql.NullString
		duration              sql.NullInt64
		createdAt, updatedAt  int64
	)
	if err := scanFn(&t.ID, &t.UserID, &t.SourceRef, &status, &errJSON, &t.Language, &duration,
		&t.AudioPath, &t.Transcript, &segmentsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = types.Status(status)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.Attempts = map[types.Stage]int{}
	if duration.Valid {
		d := int(duration.Int64)
		t.DurationSeconds = &d
	}
	if errJSON.Valid && errJSON.String != "" {
		var te types.TaskError
		if err := json.Unmarshal([]byte(errJSON.String), &te); err != nil {
			return nil, fmt.Errorf("decode task error: %w", err)
		}
		t.Error = &te
	}
	if segmentsJSON.Valid && segmentsJSON.String != "" {
		if err := json.Unmarshal([]byte(segmentsJSON.String), &t.Segments); err != nil {
			return nil, fmt.Errorf("decode segments: %w", err)
		}
	}
	return &t, nil
}

// BeginStage claims the task for one stage attempt. It succeeds only when the
// status is one of from, no live lease is held by someone else and a pending
// retry is due; the task moves to running, the lease is taken and the stage
// attempt count increments.
func (s *Store) BeginStage(ctx context.Context, id string, stage types.Stage, from []types.Status, running types.Status, owner string, lease time.Duration) (attempt int, ok bool, err error) {
	err = s.withTx(ctx, "begin stage", func(tx *sql.Tx) error {
		now := s.now()
		statuses, args := statusArgs(from)
		query := fmt.Sprintf(`
			UPDATE tasks
			SET status = ?, lease_owner = ?, lease_expires_at = ?, next_attempt_at = NULL, updated_at = ?
			WHERE id = ? AND status IN (%s)
			  AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at < ?)
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?);
		`, statuses)
		params := []any{string(running), owner, millis(now.Add(lease)), millis(now), id}
		params = append(params, args...)
		params = append(params, owner, millis(now), millis(now))

		res, err := tx.ExecContext(ctx, query, params...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stage_attempts (task_id, stage, attempts) VALUES (?, ?, 1)
			ON CONFLICT(task_id, stage) DO UPDATE SET attempts = attempts + 1;
		`, id, string(stage)); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM stage_attempts WHERE task_id = ? AND stage = ?`,
			id, string(stage)).Scan(&attempt); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return attempt, ok, err
}

// AdvanceStage persists a stage's output and moves the task from running to
// next in one transaction. It reports false if the caller no longer holds the
// lease or the task left the running status.
func (s *Store) AdvanceStage(ctx context.Context, id, owner string, running, next types.Status, out types.StageOutput) (ok bool, err error) {
	err = s.withTx(ctx, "advance stage", func(tx *sql.Tx) error {
		now := millis(s.now())

		var duration sql.NullInt64
		if out.DurationSeconds != nil {
			duration = sql.NullInt64{Int64: int64(*out.DurationSeconds), Valid: true}
		}
		var transcript, segments sql.NullString
		if out.Transcript != nil {
			transcript = sql.NullString{String: out.Transcript.Text, Valid: true}
			raw, err := json.Marshal(out.Transcript.Segments)
			if err != nil {
				return err
			}
			segments = sql.NullString{String: string(raw), Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				lease_owner = NULL,
				lease_expires_at = NULL,
				language = COALESCE(NULLIF(?, ''), language),
				duration_seconds = COALESCE(?, duration_seconds),
				audio_path = COALESCE(NULLIF(?, ''), audio_path),
				transcript_text = COALESCE(?, transcript_text),
				segments_json = COALESCE(?, segments_json),
				updated_at = ?
			WHERE id = ? AND status = ? AND lease_owner = ?;
		`, string(next), out.Language, duration, out.AudioPath, transcript, segments, now,
			id, string(running), owner)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}

		if out.Result != nil {
			r := *out.Result
			r.TaskID = id
			if err := upsertResult(ctx, tx, r, s.now()); err != nil {
				return err
			}
		}
		ok = true
		return nil
	})
	return ok, err
}

// ReleaseForRetry gives up the lease after a failed attempt and records when
// the next attempt is due. The status stays at the stage's running status.
func (s *Store) ReleaseForRetry(ctx context.Context, id, owner string, stage types.Stage, cause string, retryAt time.Time) (ok bool, err error) {
	err = s.withTx(ctx, "release for retry", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, next_attempt_at = ?, updated_at = ?
			WHERE id = ? AND lease_owner = ?;
		`, millis(retryAt), millis(s.now()), id, owner)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE stage_attempts SET last_error = ? WHERE task_id = ? AND stage = ?`,
			cause, id, string(stage)); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// FailTask moves a non-terminal task to failed. A lease held by another owner
// blocks the transition.
func (s *Store) FailTask(ctx context.Context, id, owner string, terr types.TaskError) (ok bool, err error) {
	raw, err := json.Marshal(terr)
	if err != nil {
		return false, storeErr("fail task", err)
	}
	err = s.withTx(ctx, "fail task", func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error_json = ?, lease_owner = NULL, lease_expires_at = NULL,
				next_attempt_at = NULL, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)
			  AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at < ?);
		`, string(types.StatusFailed), string(raw), millis(now), id,
			string(types.StatusCompleted), string(types.StatusFailed), owner, millis(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// ListRunnable returns ids of non-terminal tasks that nobody holds a live
// lease on and whose retry, if any, is due. Oldest first.
func (s *Store) ListRunnable(ctx context.Context, limit int) ([]string, error) {
	now := millis(s.now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status NOT IN (?, ?)
		  AND (lease_owner IS NULL OR lease_expires_at < ?)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at
		LIMIT ?;
	`, string(types.StatusCompleted), string(types.StatusFailed), now, now, limit)
	if err != nil {
		return nil, storeErr("list runnable", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("list runnable", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list runnable", err)
	}
	return ids, nil
}
